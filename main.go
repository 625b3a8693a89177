package main

import (
	"github.com/sloonz/floe/cmd"
)

func main() {
	cmd.Execute()
}
