package cmd

import (
	"github.com/sloonz/floe/lib"

	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var cmdListSessions = &cobra.Command{
	Use:   "sessions <archive>",
	Short: "List backup sessions of an archive",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		opts := newOptionsBuilder(archiveOptions(args[0])).
			WithIndex().
			FatalOnError()
		defer opts.Index.Close()

		sessions, err := floe.SortedListSessions(opts.Index)
		if err != nil {
			logrus.Fatal(err)
		}

		for i := len(sessions) - 1; i >= 0; i-- {
			s := sessions[i]
			fmt.Printf("%d\t%s\t%s\t%s / ~%s\n", s.ID, s.Created.Format(time.DateTime), s.State,
				humanize.IBytes(uint64(s.ActualLength)), humanize.IBytes(uint64(s.EstimatedLength)))
		}
	},
}

var cmdListRestores = &cobra.Command{
	Use:   "restores <archive>",
	Short: "List restore sessions of an archive",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		opts := newOptionsBuilder(archiveOptions(args[0])).
			WithIndex().
			FatalOnError()
		defer opts.Index.Close()

		sessions, err := floe.SortedListRestores(opts.Index)
		if err != nil {
			logrus.Fatal(err)
		}

		for i := len(sessions) - 1; i >= 0; i-- {
			s := sessions[i]
			fmt.Printf("%d\t%s\t%s\t%s / %s\n", s.ID, s.Created.Format(time.DateTime), s.State,
				humanize.IBytes(uint64(s.RestoreLength)), humanize.IBytes(uint64(s.TotalLength)))
		}
	},
}

var cmdListBlobs = &cobra.Command{
	Use:   "blobs <archive>",
	Short: "List blobs of an archive",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		opts := newOptionsBuilder(archiveOptions(args[0])).
			WithIndex().
			FatalOnError()
		defer opts.Index.Close()

		blobs, err := opts.Index.ListBlobs()
		if err != nil {
			logrus.Fatal(err)
		}

		for _, b := range blobs {
			state := "sealed"
			if !b.Sealed {
				state = "spooled"
			}
			fmt.Printf("%s\tsession %d\t%s\t%s\n", b.Name, b.SessionID, humanize.IBytes(uint64(b.Length)), state)
		}
	},
}

var cmdList = &cobra.Command{
	Use: "list",
}

func init() {
	cmdList.AddCommand(cmdListSessions, cmdListRestores, cmdListBlobs)
}
