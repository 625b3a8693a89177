package cmd

import (
	"github.com/sloonz/floe/lib"

	"fmt"
	"os"
	"os/user"
	"path"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	presetsDir string
	configFile string
	logLevel   string
	presets    map[string][]floe.KeyValuePair

	tag       = "git"
	commit    = "unknown"
	buildDate = "unknown"

	rootCmd    = &cobra.Command{Use: "floe"}
	cmdVersion = &cobra.Command{
		Use: "version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Version: %s\n", tag)
			fmt.Printf("Commit: %s\n", commit)
			fmt.Printf("Build Date: %s\n", buildDate)
		},
	}
)

func init() {
	cobra.OnInitialize(func() {
		var err error

		if logLevel != "" {
			level, err := logrus.ParseLevel(logLevel)
			if err == nil {
				logrus.SetLevel(level)
			} else {
				logrus.Warnf("Cannot set log level: %v", err)
			}
		}

		if presetsDir == "" || configFile == "" {
			usr, err := user.Current()
			if err != nil {
				logrus.Fatal(err)
			}

			baseDir := path.Join(usr.HomeDir, ".config", "floe")
			if usr.Uid == "0" {
				baseDir = path.Join("/etc", "floe")
			}

			if presetsDir == "" {
				presetsDir = path.Join(baseDir, "presets")
			}
			if configFile == "" {
				configFile = path.Join(baseDir, "config.toml")
			}
		}

		err = loadConfig(configFile)
		if err != nil {
			logrus.Fatalf("cannot read configuration file %s: %v", configFile, err)
		}

		presets, err = floe.ReadPresets(presetsDir)
		if err != nil {
			logrus.Fatal(err)
		}
	})

	rootCmd.PersistentFlags().StringVarP(&presetsDir, "presets-dir", "p", "", "path to presets directory")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "", os.Getenv("FLOE_CONFIG"), "path to configuration file")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "", os.Getenv("LOG_LEVEL"), "log level (trace, debug, info, warn, error)")
	rootCmd.AddCommand(cmdPreset, cmdBackup, cmdRestore, cmdKey, cmdList, cmdPrune, cmdCat, cmdConfig, cmdVersion, cmdProxy)
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		logrus.Fatal(err)
	}
}
