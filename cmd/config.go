package cmd

import (
	"github.com/sloonz/floe/lib"

	"errors"
	"io/fs"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Defaults read from the configuration file; command line flags override them
type Config struct {
	// Option line prepended to every archive argument
	Archive string `toml:"archive"`

	Compress         bool  `toml:"compress"`
	CheckpointLength int64 `toml:"checkpoint-length"`

	// In KB/s, 0 for no limit
	Rate int64 `toml:"rate"`

	MaxRetries  int `toml:"max-retries"`
	MaxFailures int `toml:"max-failures"`
}

var config = Config{
	CheckpointLength: floe.DefaultCheckpointLength,
	MaxRetries:       5,
	MaxFailures:      5,
}

// A missing configuration file leaves the defaults untouched
func loadConfig(path string) error {
	md, err := toml.DecodeFile(path, &config)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, k := range md.Undecoded() {
		logrus.Warnf("unknown configuration key: %s", k.String())
	}

	return nil
}

var cmdConfig = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Run: func(cmd *cobra.Command, args []string) {
		err := toml.NewEncoder(os.Stdout).Encode(config)
		if err != nil {
			logrus.Fatal(err)
		}
	},
}
