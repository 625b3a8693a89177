// Package destinations implements the blob stores sealed blobs are uploaded to.
package destinations

import (
	"github.com/sloonz/floe/lib"

	"fmt"
	"io"
	"strings"
)

func New(options *floe.Options) (floe.BlobStore, error) {
	switch options.String["Type"] {
	case "fs":
		return newFSDestination(options)
	case "ftp":
		return newFTPDestination(options)
	case "object-storage":
		return newObjectStorageDestination(options)
	case "command":
		return newCommandDestination(options)
	case "proxy":
		return newProxyDestination(options)
	default:
		return nil, fmt.Errorf("invalid destination type %v", options.String["Type"])
	}
}

// Temporary and hidden files are not blobs
func isBlobName(name string) bool {
	return name != "" && !strings.HasPrefix(name, ".") && !strings.HasPrefix(name, "_")
}

type readCloser struct {
	io.Reader
	io.Closer
}

// Limit rc to its next length bytes, keeping its Close method
func limitReadCloser(rc io.ReadCloser, length int64) io.ReadCloser {
	return &readCloser{Reader: io.LimitReader(rc, length), Closer: rc}
}

// Size of data, or -1 if unknown
func dataSize(data io.Reader) int64 {
	if s, ok := data.(interface{ Size() int64 }); ok {
		return s.Size()
	}
	return -1
}
