// Package engine drives backup and restore sessions: it pulls pending entries
// from the archive index, runs them through their stream pipeline, commits
// their progress and checkpoints the session periodically.
package engine

import (
	"github.com/sloonz/floe/lib"
)

// Names of the progress and error events emitted by tasks
const (
	OpBeginBackupEntry  = "BeginBackupEntry"
	OpEndBackupEntry    = "EndBackupEntry"
	OpBeginRestoreEntry = "BeginRestoreEntry"
	OpEndRestoreEntry   = "EndRestoreEntry"
	OpBeginCheckpoint   = "BeginCheckpoint"
	OpEndCheckpoint     = "EndCheckpoint"

	OpBackupEntry  = "BackupEntry"
	OpRestoreEntry = "RestoreEntry"
	OpCheckpoint   = "Checkpoint"
)

// Progress report of a running task. Only the fields relevant to the
// operation are set. Records are copies; mutating them has no effect.
type ProgressEvent struct {
	Operation      string
	BackupSession  *floe.Session
	BackupEntry    *floe.Entry
	RestoreSession *floe.RestoreSession
	RestoreEntry   *floe.RestoreEntry
	Node           *floe.Node

	// Destination of a restored entry, after path mapping
	Path string
}

type ProgressFunc func(ProgressEvent)

// A failure of an operation (OpBackupEntry, OpRestoreEntry or OpCheckpoint)
type ErrorEvent struct {
	Operation      string
	Err            error
	BackupSession  *floe.Session
	BackupEntry    *floe.Entry
	RestoreSession *floe.RestoreSession
	RestoreEntry   *floe.RestoreEntry
	Node           *floe.Node
}

// True if the failed operation concerns a single entry, and can therefore be
// resolved with Fail
func (e ErrorEvent) IsEntryOperation() bool {
	return e.Operation == OpBackupEntry || e.Operation == OpRestoreEntry
}

func copySession(s *floe.Session) *floe.Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func copyEntry(e *floe.Entry) *floe.Entry {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

func copyRestore(s *floe.RestoreSession) *floe.RestoreSession {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func copyRestoreEntry(e *floe.RestoreEntry) *floe.RestoreEntry {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}
