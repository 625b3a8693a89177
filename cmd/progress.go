package cmd

import (
	"github.com/sloonz/floe/engine"
	"github.com/sloonz/floe/lib"

	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// Shared by backup and restore
var (
	cmdFlagRate        int64
	cmdFlagMaxRetries  int
	cmdFlagMaxFailures int
)

func addEngineFlags(cmd *cobra.Command) {
	cmd.Flags().Int64VarP(&cmdFlagRate, "rate", "r", 0, "rate limit in KB/s (0 for no limit)")
	cmd.Flags().IntVarP(&cmdFlagMaxRetries, "max-retry", "", 5, "number of retries of a failed operation")
	cmd.Flags().IntVarP(&cmdFlagMaxFailures, "max-fail", "", 5, "number of failed entries allowed before aborting")
}

// Apply configuration defaults to the flags not given on the command line
func engineDefaults(cmd *cobra.Command) {
	if !cmd.Flags().Changed("rate") {
		cmdFlagRate = config.Rate
	}
	if !cmd.Flags().Changed("max-retry") {
		cmdFlagMaxRetries = config.MaxRetries
	}
	if !cmd.Flags().Changed("max-fail") {
		cmdFlagMaxFailures = config.MaxFailures
	}
}

func rateLimit() int64 {
	if cmdFlagRate <= 0 {
		return floe.DefaultRateLimit
	}
	return cmdFlagRate * 1024
}

// Cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printProgress(ev engine.ProgressEvent) {
	now := time.Now().Format(time.DateTime)
	switch ev.Operation {
	case engine.OpEndBackupEntry:
		fmt.Fprintf(os.Stderr, "%s [%s / ~%s] %s\n", now,
			humanize.IBytes(uint64(ev.BackupSession.ActualLength)),
			humanize.IBytes(uint64(ev.BackupSession.EstimatedLength)),
			ev.Node.Path)
	case engine.OpEndRestoreEntry:
		fmt.Fprintf(os.Stderr, "%s [%s / %s] %s (%s)\n", now,
			humanize.IBytes(uint64(ev.RestoreSession.RestoreLength)),
			humanize.IBytes(uint64(ev.RestoreSession.TotalLength)),
			ev.Path, ev.RestoreEntry.State)
	case engine.OpEndCheckpoint:
		fmt.Fprintf(os.Stderr, "%s checkpoint\n", now)
	}
}
