package cmd

import (
	"github.com/sloonz/floe/lib"

	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var cmdKeyGen = &cobra.Command{
	Use:   "gen [private-key-file] [public-key-file]",
	Short: "Create a keypair used for encrypting backups",
	Args:  cobra.MaximumNArgs(2),
	Long: strings.TrimSpace(`
Create a new keypair. If no argument is given, output the private key
on standard output. If only one argument is given, write the private
key in a file given by the first argument. If both arguments are given,
write the private key in a file given by the first argument and the
public key in a file given by the second argument.
	`),
	Run: func(cmd *cobra.Command, args []string) {
		identity, err := age.GenerateX25519Identity()
		if err != nil {
			logrus.Fatal(err)
		}

		privKey := identity.String() + "\n"
		pubKey := identity.Recipient().String() + "\n"

		if len(args) == 0 {
			fmt.Print(privKey)
		} else {
			err := os.WriteFile(args[0], []byte(privKey), 0600)
			if err != nil {
				logrus.Fatal(err)
			}

			if len(args) == 2 {
				err := os.WriteFile(args[1], []byte(pubKey), 0666)
				if err != nil {
					logrus.Fatal(err)
				}
			}
		}
	},
}

var cmdKeyPub = &cobra.Command{
	Use:   "pub [private-key-file] [public-key-file]",
	Short: "Extract public key from the private key",
	Args:  cobra.MaximumNArgs(2),
	Long: strings.TrimSpace(`
Extract the public key. If no argument is given, take private key from
stdin and print public key on stdout. If only one argument is given,
take private key from the file given by the first argument, and print
public key on stdout.
	`),
	Run: func(cmd *cobra.Command, args []string) {
		var err error
		var privKey []byte

		if len(args) == 0 {
			privKey, err = io.ReadAll(os.Stdin)
		} else {
			privKey, err = os.ReadFile(args[0])
		}
		if err != nil {
			logrus.Fatal(err)
		}

		recipients, err := floe.LoadRecipients("", string(privKey))
		if err != nil {
			logrus.Fatal(err)
		}

		var pubKey strings.Builder
		for _, r := range recipients {
			x, ok := r.(*age.X25519Recipient)
			if !ok {
				logrus.Fatalf("unsupported recipient type %T", r)
			}
			pubKey.WriteString(x.String() + "\n")
		}

		if len(args) == 2 {
			err = os.WriteFile(args[1], []byte(pubKey.String()), 0666)
			if err != nil {
				logrus.Fatal(err)
			}
		} else {
			fmt.Print(pubKey.String())
		}
	},
}

var cmdKey = &cobra.Command{
	Use:   "key",
	Short: "Encryption keys management",
}

func init() {
	cmdKey.AddCommand(cmdKeyGen, cmdKeyPub)
}
