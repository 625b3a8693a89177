// Package catalog records the file trees of backup roots into the archive
// index, and schedules the entries of new backup sessions.
package catalog

import (
	"github.com/sloonz/floe/lib"

	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrNoRoots = errors.New("no backup root")

	scanLog = logrus.WithFields(logrus.Fields{
		"catalog": "scan",
	})
)

// Parameters of a new backup session
type Options struct {
	Compress         bool
	CheckpointLength int64
	RateLimit        int64
}

// First backup session that is not completed, or nil
func Resume(idx floe.BackupIndex) (*floe.Session, error) {
	sessions, err := floe.SortedListSessions(idx)
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

// A file found under a root
type item struct {
	path   string
	parent string
	typ    floe.NodeType
	info   fs.FileInfo

	// nil for new paths
	node *floe.Node
}

type scan struct {
	idx   floe.Index
	items []*item
	seen  map[string]bool
}

// Latest completed or deleted entry of a node, or nil
func (s *scan) latest(node *floe.Node) (*floe.Entry, error) {
	entries, err := s.idx.ListNodeEntries(node.ID)
	if err != nil {
		return nil, err
	}

	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].State == floe.EntryCompleted || entries[i].State == floe.EntryDeleted {
			return entries[i], nil
		}
	}

	return nil, nil
}

func (s *scan) walk(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		log := scanLog.WithFields(logrus.Fields{"path": p})
		if err != nil {
			if p == root {
				return err
			}
			log.Warnf("cannot scan: %v", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		it := &item{path: p, parent: filepath.Dir(p)}
		switch {
		case p == root && d.IsDir():
			it.typ = floe.NodeRoot
			it.parent = ""
		case p == root:
			return fmt.Errorf("backup root is not a directory: %s", root)
		case d.IsDir():
			it.typ = floe.NodeDirectory
		case d.Type().IsRegular():
			it.typ = floe.NodeFile
		default:
			log.Debugf("skipping special file")
			return nil
		}

		it.info, err = d.Info()
		if err != nil {
			log.Warnf("cannot stat: %v", err)
			return nil
		}

		it.node, err = s.idx.LookupNode(p)
		if err != nil {
			return err
		}

		s.items = append(s.items, it)
		s.seen[p] = true
		return nil
	})
}

// Files known to the index under root that were not found by the walk
func (s *scan) missing(root string) ([]*floe.Node, error) {
	var res []*floe.Node

	node, err := s.idx.LookupNode(root)
	if err != nil || node == nil {
		return nil, err
	}

	queue := []*floe.Node{node}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]

		if n.Type == floe.NodeFile && !s.seen[n.Path] {
			res = append(res, n)
		}

		children, err := s.idx.ListChildren(n.ID)
		if err != nil {
			return nil, err
		}
		queue = append(queue, children...)
	}

	return res, nil
}

// Scan roots into a new pending backup session. Files that are new, or whose
// size or modification time changed since their last completed entry, get a
// pending entry; files that disappeared since their last completed entry get
// a deleted one.
func Scan(idx floe.Index, roots []string, opts Options) (*floe.Session, error) {
	if len(roots) == 0 {
		return nil, ErrNoRoots
	}

	s := &scan{idx: idx, seen: make(map[string]bool)}
	var cleanRoots []string
	for _, r := range roots {
		root, err := filepath.Abs(r)
		if err != nil {
			return nil, err
		}
		cleanRoots = append(cleanRoots, root)

		scanLog.Printf("scanning %s", root)
		err = s.walk(root)
		if err != nil {
			return nil, err
		}
	}

	session := &floe.Session{
		State:            floe.SessionPending,
		CheckpointLength: opts.CheckpointLength,
		RateLimit:        opts.RateLimit,
		Compress:         opts.Compress,
		Created:          time.Now(),
	}
	if session.CheckpointLength == 0 {
		session.CheckpointLength = floe.DefaultCheckpointLength
	}
	if session.RateLimit == 0 {
		session.RateLimit = floe.DefaultRateLimit
	}

	// every read happens before the update transaction
	var entries []*floe.Entry
	pending := make(map[*item]bool)
	for _, it := range s.items {
		if it.typ != floe.NodeFile {
			continue
		}

		if it.node != nil {
			last, err := s.latest(it.node)
			if err != nil {
				return nil, err
			}
			if last != nil && last.State == floe.EntryCompleted && last.Size == it.info.Size() && last.ModTime.Equal(it.info.ModTime()) {
				continue
			}
		}

		pending[it] = true
		session.EstimatedLength += it.info.Size()
	}

	var deleted []*floe.Node
	for _, root := range cleanRoots {
		nodes, err := s.missing(root)
		if err != nil {
			return nil, err
		}

		for _, n := range nodes {
			last, err := s.latest(n)
			if err != nil {
				return nil, err
			}
			if last != nil && last.State == floe.EntryCompleted {
				deleted = append(deleted, n)
			}
		}
	}

	err := idx.Update(func(tx floe.IndexTx) error {
		if err := tx.InsertSession(session); err != nil {
			return err
		}

		ids := make(map[string]int64)
		for _, it := range s.items {
			if it.node == nil {
				it.node = &floe.Node{
					ParentID: ids[it.parent],
					Type:     it.typ,
					Name:     filepath.Base(it.path),
					Path:     it.path,
				}
				if it.typ == floe.NodeRoot {
					it.node.Name = it.path
				}
				if err := tx.InsertNode(it.node); err != nil {
					return err
				}
			}
			ids[it.path] = it.node.ID

			if !pending[it] {
				continue
			}

			e := &floe.Entry{
				SessionID: session.ID,
				NodeID:    it.node.ID,
				State:     floe.EntryPending,
				Size:      it.info.Size(),
				Mode:      it.info.Mode().Perm(),
				ModTime:   it.info.ModTime(),
			}
			if err := tx.InsertEntry(e); err != nil {
				return err
			}
			entries = append(entries, e)
		}

		for _, n := range deleted {
			e := &floe.Entry{SessionID: session.ID, NodeID: n.ID, State: floe.EntryDeleted}
			if err := tx.InsertEntry(e); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	scanLog.Printf("session %d: %d entries to back up, %d deleted", session.ID, len(entries), len(deleted))
	return session, nil
}
