// Package index stores the archive index: sessions, nodes, entries, blobs and
// restore sessions.
package index

import (
	"github.com/sloonz/floe/lib"

	"errors"
	"fmt"
)

var (
	ErrIndexPath = errors.New("missing index path")
)

// Open the index described by the IndexType (badger or sqlite, badger by
// default) and IndexPath options
func New(options *floe.Options) (floe.Index, error) {
	path, typ := options.Index()
	if path == "" {
		return nil, ErrIndexPath
	}

	switch typ {
	case "badger":
		return NewBadger(path)
	case "sqlite":
		return NewSQLite(path)
	default:
		return nil, fmt.Errorf("invalid index type %v", typ)
	}
}
