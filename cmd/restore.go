package cmd

import (
	"github.com/sloonz/floe/engine"
	"github.com/sloonz/floe/lib"

	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cmdRestoreMapPath      []string
	cmdRestoreFiles        []string
	cmdRestoreInclude      []string
	cmdRestoreExclude      []string
	cmdRestoreSkipExisting bool
	cmdRestoreSkipReadOnly bool
	cmdRestoreVerify       bool
	cmdRestoreDelete       bool
	cmdRestoreNew          bool
)

// Parse --map-path old=new pairs
func parsePathMap(pairs []string) (map[string]string, error) {
	res := make(map[string]string)
	for _, p := range pairs {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
			return nil, fmt.Errorf("invalid path mapping: %s", p)
		}
		res[kv[0]] = kv[1]
	}
	return res, nil
}

// First restore session that is not completed, or nil
func resumableRestore(idx floe.RestoreIndex) (*floe.RestoreSession, error) {
	sessions, err := floe.SortedListRestores(idx)
	if err != nil {
		return nil, err
	}

	for _, s := range sessions {
		if s.State != floe.SessionCompleted {
			return s, nil
		}
	}

	return nil, nil
}

var cmdRestore = &cobra.Command{
	Use:   "restore <archive>",
	Short: "Restore files from an archive",
	Long: `Resume the last interrupted restore session of the archive, or create a new
one restoring the latest version of every file (or of the --file subtrees).`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		engineDefaults(cmd)

		opts := newOptionsBuilder(archiveOptions(args[0])).
			WithArchive().
			WithIdentities().
			FatalOnError()
		defer opts.Archive.Close()

		idx := opts.Archive.Index()
		var session *floe.RestoreSession
		var err error
		if !cmdRestoreNew {
			session, err = resumableRestore(idx)
			if err != nil {
				logrus.Fatal(err)
			}
		}

		if session != nil {
			logrus.Printf("resuming restore session %d", session.ID)
		} else {
			pathMap, err := parsePathMap(cmdRestoreMapPath)
			if err != nil {
				logrus.Fatal(err)
			}

			entries, err := opts.Archive.SelectEntries(cmdRestoreFiles)
			if err != nil {
				logrus.Fatal(err)
			}

			session, err = opts.Archive.CreateRestore(&floe.RestoreRequest{
				RootPathMap:      pathMap,
				Include:          cmdRestoreInclude,
				Exclude:          cmdRestoreExclude,
				SkipExisting:     cmdRestoreSkipExisting,
				SkipReadOnly:     cmdRestoreSkipReadOnly,
				VerifyResults:    cmdRestoreVerify,
				EnableDeletes:    cmdRestoreDelete,
				RateLimit:        rateLimit(),
				CheckpointLength: config.CheckpointLength,
				Entries:          entries,
			})
			if err != nil {
				logrus.Fatal(err)
			}
			logrus.Printf("restore session %d: %d entries", session.ID, len(entries))
		}

		ctx, cancel := signalContext()
		defer cancel()

		policy := engine.NewLimitPolicy(cmdFlagMaxRetries, cmdFlagMaxFailures)
		task := &engine.RestoreTask{
			Archive:    opts.Archive,
			Session:    session,
			Identities: opts.Identities,
			OnProgress: engine.ChainProgress(policy.OnProgress, printProgress),
			OnError:    policy.OnError,
		}

		err = task.Execute(ctx)
		if errors.Is(err, context.Canceled) {
			logrus.Warnf("restore session %d interrupted, run the same command again to resume it", session.ID)
			return
		}
		if err != nil {
			opts.Archive.Close()
			logrus.Fatal(err)
		}

		logrus.Printf("restore session %d completed", session.ID)
	},
}

func init() {
	cmdRestore.Flags().StringSliceVarP(&cmdRestoreMapPath, "map-path", "m", nil, "restore old-root under new-root (old-root=new-root)")
	cmdRestore.Flags().StringSliceVarP(&cmdRestoreFiles, "file", "f", nil, "restore only these paths and their subtrees")
	cmdRestore.Flags().StringSliceVarP(&cmdRestoreInclude, "include", "i", nil, "only restore paths matching this regular expression")
	cmdRestore.Flags().StringSliceVarP(&cmdRestoreExclude, "exclude", "e", nil, "do not restore paths matching this regular expression")
	cmdRestore.Flags().BoolVarP(&cmdRestoreSkipExisting, "skip-existing", "", false, "do not overwrite existing files")
	cmdRestore.Flags().BoolVarP(&cmdRestoreSkipReadOnly, "skip-readonly", "", false, "do not overwrite read-only files")
	cmdRestore.Flags().BoolVarP(&cmdRestoreVerify, "verify", "", false, "verify the checksum of restored files")
	cmdRestore.Flags().BoolVarP(&cmdRestoreDelete, "delete", "", false, "remove files deleted in the archive")
	cmdRestore.Flags().BoolVarP(&cmdRestoreNew, "new", "", false, "start a new restore session even if one is interrupted")
	addEngineFlags(cmdRestore)
}
