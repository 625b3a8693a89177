package cmd

import (
	"github.com/sloonz/floe/lib"
	"github.com/sloonz/floe/stream"

	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Decode the latest backed up content of path to stdout
func catFile(opts *optionsBuilder, path string) error {
	idx := opts.Archive.Index()
	node, err := idx.LookupNode(filepath.Clean(path))
	if err != nil {
		return err
	}
	if node == nil || node.Type != floe.NodeFile {
		return fmt.Errorf("file not found in the archive: %s", path)
	}

	entry, err := opts.Archive.LatestEntry(node)
	if err != nil {
		return err
	}
	if entry == nil || entry.State != floe.EntryCompleted {
		return fmt.Errorf("no backed up content for %s", path)
	}

	session, err := idx.FetchSession(entry.SessionID)
	if err != nil {
		return err
	}

	h, err := opts.Archive.PrepareRestore(nil)
	if err != nil {
		return err
	}
	defer h.Close()

	src, err := h.Restore(entry)
	if err != nil {
		return err
	}

	rs, err := stream.NewRestoreStack(src, session.Compress, opts.Identities, nil)
	if err != nil {
		src.Close()
		return err
	}
	defer rs.Close()

	_, err = rs.CopyTo(os.Stdout)
	if err != nil {
		return err
	}

	if rs.Crc32() != entry.Crc32 {
		return fmt.Errorf("%s: checksum mismatch (expected %08x, got %08x)", path, entry.Crc32, rs.Crc32())
	}

	return nil
}

var cmdCat = &cobra.Command{
	Use:   "cat <archive> <path>",
	Short: "Print the latest backed up content of a file",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		opts := newOptionsBuilder(archiveOptions(args[0])).
			WithArchive().
			WithIdentities().
			FatalOnError()

		err := catFile(opts, args[1])
		opts.Archive.Close()
		if err != nil {
			logrus.Fatal(err)
		}
	},
}
