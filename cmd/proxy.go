package cmd

import (
	"github.com/sloonz/floe/destinations"
	"github.com/sloonz/floe/lib"

	"io"
	"os"

	"github.com/hashicorp/yamux"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Serves the blob store calls of a proxy destination
type BlobStore struct {
	dataStream *yamux.Stream
}

func (s *BlobStore) ListBlobs(args *destinations.ListBlobsArgs, reply *[]string) error {
	var err error

	dstOpts := newOptionsBuilder(&args.Options, nil).WithStore()
	if dstOpts.Error != nil {
		return dstOpts.Error
	}

	*reply, err = dstOpts.Store.ListBlobs()
	if err != nil {
		return err
	}

	return nil
}

func (s *BlobStore) RemoveBlob(args *destinations.RemoveBlobArgs, reply *struct{}) error {
	dstOpts := newOptionsBuilder(&args.Options, nil).WithStore()
	if dstOpts.Error != nil {
		return dstOpts.Error
	}

	return dstOpts.Store.RemoveBlob(args.Name)
}

func (s *BlobStore) PutBlob(args *destinations.PutBlobArgs, reply *struct{}) error {
	dstOpts := newOptionsBuilder(&args.Options, nil).WithStore()
	if dstOpts.Error != nil {
		return dstOpts.Error
	}

	if err := dstOpts.Store.PutBlob(args.Name, s.dataStream); err != nil {
		return err
	}

	return s.dataStream.Close()
}

func (s *BlobStore) GetBlob(args *destinations.GetBlobArgs, reply *struct{}) error {
	dstOpts := newOptionsBuilder(&args.Options, nil).WithStore()
	if dstOpts.Error != nil {
		return dstOpts.Error
	}

	r, err := dstOpts.Store.GetBlob(args.Name, args.Offset, args.Length)
	if err != nil {
		return err
	}

	if _, err = io.Copy(s.dataStream, r); err != nil {
		return err
	}

	if err = r.Close(); err != nil {
		return err
	}

	return s.dataStream.Close()
}

var (
	cmdProxy = &cobra.Command{
		Use:    "proxy",
		Short:  "Serve a blob store on stdin/stdout for a proxy destination",
		Hidden: true,
		Run: func(cmd *cobra.Command, args []string) {
			rwc := &floe.ReadWriteCloser{
				ReadCloser:  os.Stdin,
				WriteCloser: os.Stdout,
			}

			err := floe.ServeProxy(rwc, func(data *yamux.Stream) interface{} {
				return &BlobStore{dataStream: data}
			})
			if err != nil {
				logrus.Fatalf("Failed to start proxy server: %v", err)
			}
		},
	}
)
