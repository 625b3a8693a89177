package engine

import (
	"github.com/sloonz/floe/lib"
	"github.com/sloonz/floe/ratelimit"
	"github.com/sloonz/floe/stream"

	"context"
	"errors"
	"io"
	"os"

	"filippo.io/age"
	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidSession   = errors.New("missing session")
	ErrSessionCompleted = errors.New("session is already completed")
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// Runs a backup session to completion
type BackupTask struct {
	Archive    floe.Archive
	Session    *floe.Session
	Recipients []age.Recipient

	OnProgress ProgressFunc
	OnError    ErrorFunc

	// Time source of the rate limiter; defaults to the wall clock
	Timer ratelimit.Timer

	// Opens the source of an entry; defaults to os.Open
	Open func(path string) (io.ReadCloser, error)

	idx     floe.Index
	handle  floe.BackupHandle
	limiter *ratelimit.Limiter
	policy  *policy
	cp      *checkpointer
}

func (t *BackupTask) validate() error {
	if t.Session == nil {
		return ErrInvalidSession
	}
	if t.Session.State == floe.SessionCompleted {
		return ErrSessionCompleted
	}
	if len(t.Recipients) == 0 {
		return stream.ErrNoRecipients
	}

	var err error
	t.limiter, err = ratelimit.New(t.Session.RateLimit, t.Timer)
	return err
}

func (t *BackupTask) init() {
	t.idx = t.Archive.Index()
	t.policy = &policy{
		onProgress: t.OnProgress,
		onError:    t.OnError,
		log:        logrus.WithFields(logrus.Fields{"engine": "backup", "session": t.Session.ID}),
	}
	t.cp = &checkpointer{
		policy: t.policy,
		persist: func() error {
			return t.handle.Checkpoint()
		},
		begin: func() {
			t.policy.report(ProgressEvent{Operation: OpBeginCheckpoint, BackupSession: copySession(t.Session)})
		},
		end: func() {
			t.policy.report(ProgressEvent{Operation: OpEndCheckpoint, BackupSession: copySession(t.Session)})
		},
		failure: func() ErrorEvent {
			return ErrorEvent{Operation: OpCheckpoint, BackupSession: copySession(t.Session)}
		},
	}
	if t.Open == nil {
		t.Open = func(path string) (io.ReadCloser, error) {
			return os.Open(path)
		}
	}
}

// Number of checkpoints performed by the last Execute call
func (t *BackupTask) Checkpoints() int {
	if t.cp == nil {
		return 0
	}
	return t.cp.count
}

// Back up every pending entry of the session. Cancelling ctx stops the task
// before the next entry, after a last checkpoint; the session is then left in
// progress and can be resumed by another Execute call.
func (t *BackupTask) Execute(ctx context.Context) error {
	err := t.validate()
	if err != nil {
		return err
	}

	t.init()
	t.handle, err = t.Archive.PrepareBackup(t.Session)
	if err != nil {
		return err
	}
	defer t.handle.Close()

	if t.Session.State == floe.SessionPending {
		upd := *t.Session
		upd.State = floe.SessionInProgress
		err = t.idx.Update(func(tx floe.IndexTx) error {
			return tx.UpdateSession(&upd)
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
			t.policy.log.Printf("backup cancelled")
			err = t.cp.checkpoint()
			if err != nil {
				return err
			}
			return context.Cause(ctx)
		}

		entry, err := t.idx.LookupNextEntry(t.Session)
		if err != nil {
			return t.cp.unwind(err)
		}
		if entry == nil {
			break
		}

		length, err := t.backupEntry(entry)
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

	next, err := t.idx.LookupNextEntry(t.Session)
	if err != nil {
		return t.cp.unwind(err)
	}
	if next != nil {
		return t.cp.checkpoint()
	}

	// Completed sessions are never resumed, so their last blob is sealed first
	err = t.policy.withRetry(t.cp.failure(), t.handle.Checkpoint)
	if err != nil {
		t.policy.log.Errorf("cannot seal last blob: %v", err)
		return err
	}

	upd := *t.Session
	upd.State = floe.SessionCompleted
	err = t.idx.Update(func(tx floe.IndexTx) error {
		return tx.UpdateSession(&upd)
	})
	if err != nil {
		return t.cp.unwind(err)
	}
	*t.Session = upd

	return t.cp.checkpoint()
}

// Back up an entry under the error policy. Returns the number of bytes
// written to the archive, and an error only if the task must stop.
func (t *BackupTask) backupEntry(entry *floe.Entry) (int64, error) {
	node, err := t.idx.FetchNode(entry.NodeID)
	if err != nil {
		return 0, err
	}

	t.policy.report(ProgressEvent{
		Operation:     OpBeginBackupEntry,
		BackupSession: copySession(t.Session),
		BackupEntry:   copyEntry(entry),
		Node:          node,
	})

	for {
		err = t.tryBackupEntry(entry, node)
		if err == nil {
			break
		}

		switch t.policy.classify(ErrorEvent{
			Operation:     OpBackupEntry,
			Err:           err,
			BackupSession: copySession(t.Session),
			BackupEntry:   copyEntry(entry),
			Node:          node,
		}) {
		case Retry:
			continue
		case Fail:
			t.policy.log.WithFields(logrus.Fields{"path": node.Path}).Warnf("entry failed: %v", err)
			return 0, t.failEntry(entry.ID)
		default:
			return 0, err
		}
	}

	t.policy.report(ProgressEvent{
		Operation:     OpEndBackupEntry,
		BackupSession: copySession(t.Session),
		BackupEntry:   copyEntry(entry),
		Node:          node,
	})

	return entry.Length, nil
}

// Stream the entry into the archive and commit the entry, its blob and the
// session counters in one transaction. In-memory records are only updated
// once the transaction is committed.
func (t *BackupTask) tryBackupEntry(entry *floe.Entry, node *floe.Node) error {
	src, err := t.Open(node.Path)
	if err != nil {
		return err
	}

	bs, err := stream.NewBackupStack(src, t.Session.Compress, t.Recipients, t.limiter)
	if err != nil {
		src.Close()
		return err
	}
	defer bs.Close()

	updEntry := *entry
	blob, err := t.handle.Backup(&updEntry, bs.Reader())
	if err != nil {
		return err
	}

	updEntry.Crc32 = bs.Crc32()
	updEntry.State = floe.EntryCompleted

	updBlob := *blob
	updBlob.Length += updEntry.Length

	updSession := *t.Session
	updSession.ActualLength += updEntry.Length

	err = t.idx.Update(func(tx floe.IndexTx) error {
		if err := tx.UpdateEntry(&updEntry); err != nil {
			return err
		}
		if err := tx.UpdateBlob(&updBlob); err != nil {
			return err
		}
		return tx.UpdateSession(&updSession)
	})
	if err != nil {
		return err
	}

	*entry = updEntry
	*t.Session = updSession
	return nil
}

// Mark an entry as failed, from its durable state
func (t *BackupTask) failEntry(id int64) error {
	entry, err := t.idx.FetchEntry(id)
	if err != nil {
		return err
	}

	entry.State = floe.EntryFailed
	return t.idx.Update(func(tx floe.IndexTx) error {
		return tx.UpdateEntry(entry)
	})
}
