package engine

import (
	"github.com/sloonz/floe/lib"
	"github.com/sloonz/floe/ratelimit"
	"github.com/sloonz/floe/stream"

	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"filippo.io/age"
	"github.com/sirupsen/logrus"
)

// Runs a restore session to completion
type RestoreTask struct {
	Archive    floe.Archive
	Session    *floe.RestoreSession
	Identities []age.Identity

	OnProgress ProgressFunc
	OnError    ErrorFunc

	// Time source of the rate limiter; defaults to the wall clock
	Timer ratelimit.Timer

	idx      floe.Index
	handle   floe.RestoreHandle
	limiter  *ratelimit.Limiter
	filter   *floe.PathFilter
	policy   *policy
	cp       *checkpointer
	sessions map[int64]*floe.Session
}

func (t *RestoreTask) validate() error {
	if t.Session == nil {
		return ErrInvalidSession
	}
	if t.Session.State == floe.SessionCompleted {
		return ErrSessionCompleted
	}
	if len(t.Identities) == 0 {
		return stream.ErrNoIdentities
	}

	var err error
	t.filter, err = floe.NewPathFilter(t.Session.Include, t.Session.Exclude)
	if err != nil {
		return err
	}

	t.limiter, err = ratelimit.New(t.Session.RateLimit, t.Timer)
	return err
}

func (t *RestoreTask) init() {
	t.idx = t.Archive.Index()
	t.sessions = make(map[int64]*floe.Session)
	t.policy = &policy{
		onProgress: t.OnProgress,
		onError:    t.OnError,
		log:        logrus.WithFields(logrus.Fields{"engine": "restore", "session": t.Session.ID}),
	}
	t.cp = &checkpointer{
		policy:  t.policy,
		persist: t.idx.Sync,
		begin: func() {
			t.policy.report(ProgressEvent{Operation: OpBeginCheckpoint, RestoreSession: copyRestore(t.Session)})
		},
		end: func() {
			t.policy.report(ProgressEvent{Operation: OpEndCheckpoint, RestoreSession: copyRestore(t.Session)})
		},
		failure: func() ErrorEvent {
			return ErrorEvent{Operation: OpCheckpoint, RestoreSession: copyRestore(t.Session)}
		},
	}
}

func (t *RestoreTask) Checkpoints() int {
	if t.cp == nil {
		return 0
	}
	return t.cp.count
}

// Restore every pending entry of the session, in the order the entries were
// backed up. Cancellation behaves as in BackupTask.Execute.
func (t *RestoreTask) Execute(ctx context.Context) error {
	err := t.validate()
	if err != nil {
		return err
	}

	t.init()
	t.handle, err = t.Archive.PrepareRestore(t.Session)
	if err != nil {
		return err
	}
	defer t.handle.Close()

	if t.Session.State == floe.SessionPending {
		upd := *t.Session
		upd.State = floe.SessionInProgress
		err = t.idx.Update(func(tx floe.IndexTx) error {
			return tx.UpdateRestore(&upd)
		})
		if err != nil {
			return err
		}
		*t.Session = upd

		err = t.cp.checkpoint()
		if err != nil {
			return err
		}
	}

	var checkpointSize int64
	for {
		if ctx.Err() != nil {
			t.policy.log.Printf("restore cancelled")
			err = t.cp.checkpoint()
			if err != nil {
				return err
			}
			return context.Cause(ctx)
		}

		entry, err := t.idx.LookupNextRestoreEntry(t.Session)
		if err != nil {
			return t.cp.unwind(err)
		}
		if entry == nil {
			break
		}

		length, err := t.restoreEntry(entry)
		if err != nil {
			return t.cp.unwind(err)
		}

		checkpointSize += length
		if checkpointSize > t.Session.CheckpointLength {
			checkpointSize = 0
			err = t.cp.checkpoint()
			if err != nil {
				return err
			}
		}
	}

	next, err := t.idx.LookupNextRestoreEntry(t.Session)
	if err != nil {
		return t.cp.unwind(err)
	}
	if next == nil {
		upd := *t.Session
		upd.State = floe.SessionCompleted
		err = t.idx.Update(func(tx floe.IndexTx) error {
			return tx.UpdateRestore(&upd)
		})
		if err != nil {
			return t.cp.unwind(err)
		}
		*t.Session = upd
	}

	return t.cp.checkpoint()
}

func (t *RestoreTask) backupSession(id int64) (*floe.Session, error) {
	if s, ok := t.sessions[id]; ok {
		return s, nil
	}

	s, err := t.idx.FetchSession(id)
	if err != nil {
		return nil, err
	}

	t.sessions[id] = s
	return s, nil
}

// The backed up entry to restore, and where to restore it
type restoreTarget struct {
	entry   *floe.Entry
	node    *floe.Node
	session *floe.Session
	path    string
}

func (t *RestoreTask) resolve(rentry *floe.RestoreEntry) (*restoreTarget, error) {
	entry, err := t.idx.FetchEntry(rentry.BackupEntryID)
	if err != nil {
		return nil, fmt.Errorf("cannot fetch backup entry %d: %w", rentry.BackupEntryID, err)
	}

	node, err := t.idx.FetchNode(entry.NodeID)
	if err != nil {
		return nil, err
	}

	session, err := t.backupSession(entry.SessionID)
	if err != nil {
		return nil, err
	}

	return &restoreTarget{
		entry:   entry,
		node:    node,
		session: session,
		path:    floe.MapPath(t.Session.RootPathMap, node.Path),
	}, nil
}

// Restore an entry under the error policy. Returns the number of archive bytes
// read, and an error only if the task must stop.
func (t *RestoreTask) restoreEntry(rentry *floe.RestoreEntry) (int64, error) {
	target, err := t.resolve(rentry)
	if err != nil {
		return 0, err
	}

	t.policy.report(ProgressEvent{
		Operation:      OpBeginRestoreEntry,
		RestoreSession: copyRestore(t.Session),
		RestoreEntry:   copyRestoreEntry(rentry),
		BackupEntry:    copyEntry(target.entry),
		Node:           target.node,
		Path:           target.path,
	})

	var state floe.EntryState
	for {
		state, err = t.tryRestoreEntry(rentry, target)
		if err == nil {
			break
		}

		switch t.policy.classify(ErrorEvent{
			Operation:      OpRestoreEntry,
			Err:            err,
			RestoreSession: copyRestore(t.Session),
			RestoreEntry:   copyRestoreEntry(rentry),
			BackupEntry:    copyEntry(target.entry),
			Node:           target.node,
		}) {
		case Retry:
			continue
		case Fail:
			t.policy.log.WithFields(logrus.Fields{"path": target.path}).Warnf("entry failed: %v", err)
			return 0, t.failEntry(rentry.ID)
		default:
			return 0, err
		}
	}

	t.policy.report(ProgressEvent{
		Operation:      OpEndRestoreEntry,
		RestoreSession: copyRestore(t.Session),
		RestoreEntry:   copyRestoreEntry(rentry),
		BackupEntry:    copyEntry(target.entry),
		Node:           target.node,
		Path:           target.path,
	})

	if state != floe.EntryCompleted {
		return 0, nil
	}
	return rentry.Length, nil
}

// Decide whether an entry must be skipped without touching the archive
func (t *RestoreTask) precheck(target *restoreTarget) (skip bool, err error) {
	if !t.filter.Match(target.node.Path) {
		return true, nil
	}

	if target.entry.State == floe.EntryDeleted {
		return !t.Session.EnableDeletes, nil
	}

	if target.node.Type != floe.NodeFile {
		return false, nil
	}

	fi, err := os.Lstat(target.path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if t.Session.SkipExisting {
		return true, nil
	}

	if t.Session.SkipReadOnly && fi.Mode().Perm()&0200 == 0 {
		return true, nil
	}

	return false, nil
}

func (t *RestoreTask) tryRestoreEntry(rentry *floe.RestoreEntry, target *restoreTarget) (floe.EntryState, error) {
	skip, err := t.precheck(target)
	if err != nil {
		return floe.EntryPending, err
	}

	state := floe.EntryCompleted
	switch {
	case skip:
		state = floe.EntrySkipped
	case target.entry.State == floe.EntryDeleted:
		err = os.Remove(target.path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return floe.EntryPending, err
		}
	case target.node.Type != floe.NodeFile:
		err = os.MkdirAll(target.path, 0777)
		if err != nil {
			return floe.EntryPending, err
		}
	default:
		err = t.restoreFile(target)
		if err != nil {
			return floe.EntryPending, err
		}
	}

	updEntry := *rentry
	updEntry.State = state

	updSession := *t.Session
	if state == floe.EntryCompleted {
		updSession.RestoreLength += rentry.Length
	}

	err = t.idx.Update(func(tx floe.IndexTx) error {
		if err := tx.UpdateRestoreEntry(&updEntry); err != nil {
			return err
		}
		return tx.UpdateRestore(&updSession)
	})
	if err != nil {
		return floe.EntryPending, err
	}

	*rentry = updEntry
	*t.Session = updSession
	return state, nil
}

// Decode the entry into a temporary file next to its destination, then move
// it into place
func (t *RestoreTask) restoreFile(target *restoreTarget) error {
	dir := filepath.Dir(target.path)
	err := os.MkdirAll(dir, 0777)
	if err != nil {
		return err
	}

	src, err := t.handle.Restore(target.entry)
	if err != nil {
		return err
	}

	rs, err := stream.NewRestoreStack(src, target.session.Compress, t.Identities, t.limiter)
	if err != nil {
		src.Close()
		return err
	}
	defer rs.Close()

	tmpF, err := os.CreateTemp(dir, ".floe-restore-*")
	if err != nil {
		return err
	}
	tmpFilename := tmpF.Name()
	defer tmpF.Close()
	defer os.Remove(tmpFilename)

	_, err = rs.CopyTo(tmpF)
	if err != nil {
		return err
	}

	if t.Session.VerifyResults && rs.Crc32() != target.entry.Crc32 {
		return fmt.Errorf("%s: %w (expected %08x, got %08x)", target.node.Path, ErrChecksumMismatch, target.entry.Crc32, rs.Crc32())
	}

	err = tmpF.Sync()
	if err != nil {
		return err
	}

	err = tmpF.Close()
	if err != nil {
		return err
	}

	// make a read-only destination writable before replacing it
	if fi, err := os.Lstat(target.path); err == nil && fi.Mode().IsRegular() && fi.Mode().Perm()&0200 == 0 {
		err = os.Chmod(target.path, fi.Mode().Perm()|0200)
		if err != nil {
			return err
		}
	}

	mode := target.entry.Mode.Perm()
	if mode == 0 {
		mode = 0644
	}
	err = os.Chmod(tmpFilename, mode)
	if err != nil {
		return err
	}

	err = os.Rename(tmpFilename, target.path)
	if err != nil {
		return err
	}

	if !target.entry.ModTime.IsZero() {
		return os.Chtimes(target.path, target.entry.ModTime, target.entry.ModTime)
	}

	return nil
}

func (t *RestoreTask) failEntry(id int64) error {
	entry, err := t.idx.FetchRestoreEntry(id)
	if err != nil {
		return err
	}

	entry.State = floe.EntryFailed
	return t.idx.Update(func(tx floe.IndexTx) error {
		return tx.UpdateRestoreEntry(entry)
	})
}
