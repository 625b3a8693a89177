package cmd

import (
	"github.com/sloonz/floe/catalog"
	"github.com/sloonz/floe/engine"

	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cmdBackupCompress         bool
	cmdBackupCheckpointLength int64

	cmdBackup = &cobra.Command{
		Use:   "backup <archive> [root...]",
		Short: "Back up directories into an archive",
		Long: `Resume the last interrupted backup session of the archive, or scan the
given roots into a new session and back it up.`,
		Args: cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			engineDefaults(cmd)
			if !cmd.Flags().Changed("compress") {
				cmdBackupCompress = config.Compress
			}
			if !cmd.Flags().Changed("checkpoint-length") {
				cmdBackupCheckpointLength = config.CheckpointLength
			}

			opts := newOptionsBuilder(archiveOptions(args[0])).
				WithArchive().
				WithRecipients().
				FatalOnError()
			defer opts.Archive.Close()

			idx := opts.Archive.Index()
			session, err := catalog.Resume(idx)
			if err != nil {
				logrus.Fatal(err)
			}

			if session != nil {
				logrus.Printf("resuming backup session %d", session.ID)
				if len(args) > 1 {
					logrus.Warnf("roots are ignored when resuming a session")
				}
			} else {
				session, err = catalog.Scan(idx, args[1:], catalog.Options{
					Compress:         cmdBackupCompress,
					CheckpointLength: cmdBackupCheckpointLength,
					RateLimit:        rateLimit(),
				})
				if err != nil {
					logrus.Fatal(err)
				}
			}

			ctx, cancel := signalContext()
			defer cancel()

			policy := engine.NewLimitPolicy(cmdFlagMaxRetries, cmdFlagMaxFailures)
			task := &engine.BackupTask{
				Archive:    opts.Archive,
				Session:    session,
				Recipients: opts.Recipients,
				OnProgress: engine.ChainProgress(policy.OnProgress, printProgress),
				OnError:    policy.OnError,
			}

			err = task.Execute(ctx)
			if errors.Is(err, context.Canceled) {
				logrus.Warnf("backup session %d interrupted, run the same command again to resume it", session.ID)
				return
			}
			if err != nil {
				opts.Archive.Close()
				logrus.Fatal(err)
			}

			logrus.Printf("backup session %d completed", session.ID)
		},
	}
)

func init() {
	cmdBackup.Flags().BoolVarP(&cmdBackupCompress, "compress", "z", false, "compress entries with zstd")
	cmdBackup.Flags().Int64VarP(&cmdBackupCheckpointLength, "checkpoint-length", "", 0, "bytes written between two checkpoints")
	addEngineFlags(cmdBackup)
}
