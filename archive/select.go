package archive

import (
	"github.com/sloonz/floe/lib"

	"fmt"
	"path/filepath"
	"time"
)

// Nodes of the subtrees rooted at the given nodes
func (a *Archive) Subtrees(roots []*floe.Node) ([]*floe.Node, error) {
	var res []*floe.Node
	seen := make(map[int64]bool)
	queue := append([]*floe.Node{}, roots...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		res = append(res, n)

		children, err := a.idx.ListChildren(n.ID)
		if err != nil {
			return nil, err
		}
		queue = append(queue, children...)
	}

	return res, nil
}

// Latest restorable entry of a node: the last completed or deleted entry, in
// session creation order, whose data has been sealed. Returns nil if there is
// none.
func (a *Archive) LatestEntry(node *floe.Node) (*floe.Entry, error) {
	entries, err := a.idx.ListNodeEntries(node.ID)
	if err != nil {
		return nil, err
	}

	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		switch e.State {
		case floe.EntryDeleted:
			return e, nil
		case floe.EntryCompleted:
			blob, err := a.idx.FetchBlob(e.BlobID)
			if err != nil {
				return nil, err
			}
			if blob.Sealed {
				return e, nil
			}
		}
	}

	return nil, nil
}

// Backup entries to restore the given absolute paths, or the whole archive if
// no path is given
func (a *Archive) SelectEntries(paths []string) ([]int64, error) {
	var nodes []*floe.Node
	if len(paths) == 0 {
		roots, err := a.idx.ListRoots()
		if err != nil {
			return nil, err
		}
		nodes = roots
	} else {
		for _, p := range paths {
			n, err := a.idx.LookupNode(filepath.Clean(p))
			if err != nil {
				return nil, err
			}
			if n == nil {
				return nil, fmt.Errorf("path not found in the archive: %s", p)
			}
			nodes = append(nodes, n)
		}
	}

	subtrees, err := a.Subtrees(nodes)
	if err != nil {
		return nil, err
	}

	var res []int64
	for _, n := range subtrees {
		e, err := a.LatestEntry(n)
		if err != nil {
			return nil, err
		}
		if e != nil {
			res = append(res, e.ID)
		}
	}

	return res, nil
}

// Create a pending restore session for the request
func (a *Archive) CreateRestore(req *floe.RestoreRequest) (*floe.RestoreSession, error) {
	session := &floe.RestoreSession{
		State:            floe.SessionPending,
		RootPathMap:      req.RootPathMap,
		Include:          req.Include,
		Exclude:          req.Exclude,
		SkipExisting:     req.SkipExisting,
		SkipReadOnly:     req.SkipReadOnly,
		VerifyResults:    req.VerifyResults,
		EnableDeletes:    req.EnableDeletes,
		RateLimit:        req.RateLimit,
		CheckpointLength: req.CheckpointLength,
		Created:          time.Now(),
	}
	if session.RateLimit == 0 {
		session.RateLimit = floe.DefaultRateLimit
	}
	if session.CheckpointLength == 0 {
		session.CheckpointLength = floe.DefaultCheckpointLength
	}

	_, err := floe.NewPathFilter(req.Include, req.Exclude)
	if err != nil {
		return nil, err
	}

	var entries []*floe.RestoreEntry
	created := make(map[int64]time.Time)
	for _, id := range req.Entries {
		e, err := a.idx.FetchEntry(id)
		if err != nil {
			return nil, fmt.Errorf("cannot fetch entry %d: %w", id, err)
		}

		if _, ok := created[e.SessionID]; !ok {
			s, err := a.idx.FetchSession(e.SessionID)
			if err != nil {
				return nil, err
			}
			created[e.SessionID] = s.Created
		}

		entries = append(entries, &floe.RestoreEntry{
			BackupEntryID: e.ID,
			State:         floe.EntryPending,
			Length:        e.Length,
			Ordinal:       created[e.SessionID].UnixNano(),
		})
		session.TotalLength += e.Length
	}

	err = a.idx.Update(func(tx floe.IndexTx) error {
		if err := tx.InsertRestore(session); err != nil {
			return err
		}

		for _, e := range entries {
			e.SessionID = session.ID
			if err := tx.InsertRestoreEntry(e); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return session, nil
}

// Names of the blobs present in the store but unknown to the index
func (a *Archive) Orphans() ([]string, error) {
	names, err := a.store.ListBlobs()
	if err != nil {
		return nil, err
	}

	blobs, err := a.idx.ListBlobs()
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool)
	for _, b := range blobs {
		known[b.Name] = true
	}

	var res []string
	for _, n := range names {
		if !known[n] {
			res = append(res, n)
		}
	}

	return res, nil
}
