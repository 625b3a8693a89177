package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var cmdPruneDryRun bool
var cmdPrune = &cobra.Command{
	Use:   "prune <archive>",
	Short: "Remove blobs of the store unknown to the index",
	Long: `Remove the blobs present in the blob store but absent from the index, which
are left behind by uploads interrupted before their blob was recorded.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		opts := newOptionsBuilder(archiveOptions(args[0])).
			WithArchive().
			FatalOnError()
		defer opts.Archive.Close()

		orphans, err := opts.Archive.Orphans()
		if err != nil {
			opts.Archive.Close()
			logrus.Fatal(err)
		}

		for _, name := range orphans {
			fmt.Println(name)
			if !cmdPruneDryRun {
				err = opts.Store.RemoveBlob(name)
				if err != nil {
					logrus.WithFields(logrus.Fields{"blob": name}).Warnf("cannot remove blob: %v", err)
				}
			}
		}
	},
}

func init() {
	cmdPrune.Flags().BoolVarP(&cmdPruneDryRun, "dry-run", "n", false, "only print the blobs that would be removed")
}
