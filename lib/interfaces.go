package floe

import (
	"errors"
	"io"
)

var (
	ErrNotFound = errors.New("not found")
)

// Read access to the backup part of the archive index
type BackupIndex interface {
	ListSessions() ([]*Session, error)
	FetchSession(id int64) (*Session, error)

	// Next entry to process for this session, or nil if there is none.
	// Only pending entries are eligible, in ascending ID order.
	LookupNextEntry(session *Session) (*Entry, error)
	FetchEntry(id int64) (*Entry, error)

	// Entries of a node, ordered by the creation time of their session
	ListNodeEntries(nodeID int64) ([]*Entry, error)
	ListBlobEntries(blobID int64) ([]*Entry, error)

	FetchBlob(id int64) (*Blob, error)
	ListBlobs() ([]*Blob, error)
	ListSessionBlobs(sessionID int64) ([]*Blob, error)

	FetchNode(id int64) (*Node, error)
	LookupNode(path string) (*Node, error)
	ListRoots() ([]*Node, error)
	ListChildren(nodeID int64) ([]*Node, error)
}

// Read access to the restore part of the archive index
type RestoreIndex interface {
	ListRestores() ([]*RestoreSession, error)
	FetchRestore(id int64) (*RestoreSession, error)

	// Next pending restore entry, in ascending Ordinal order, or nil if there is none.
	LookupNextRestoreEntry(session *RestoreSession) (*RestoreEntry, error)
	FetchRestoreEntry(id int64) (*RestoreEntry, error)
}

// Write operations of the index. All of them are applied atomically when the
// function given to Index.Update returns nil, and discarded otherwise.
// Insert* methods assign the ID of their argument.
type IndexTx interface {
	InsertSession(session *Session) error
	UpdateSession(session *Session) error

	InsertNode(node *Node) error

	InsertEntry(entry *Entry) error
	UpdateEntry(entry *Entry) error

	InsertBlob(blob *Blob) error
	UpdateBlob(blob *Blob) error
	DeleteBlob(id int64) error

	InsertRestore(session *RestoreSession) error
	UpdateRestore(session *RestoreSession) error
	InsertRestoreEntry(entry *RestoreEntry) error
	UpdateRestoreEntry(entry *RestoreEntry) error
}

// The durable archive index
type Index interface {
	BackupIndex
	RestoreIndex

	// Run fn in a transaction, committed if fn returns nil
	Update(fn func(tx IndexTx) error) error

	// Make every committed transaction durable
	Sync() error

	Close() error
}

// Exclusive write access to a backup session's store
type BackupHandle interface {
	// Write the encoded content of an entry. Sets entry.BlobID, entry.Offset and entry.Length
	// and returns the blob the data was appended to, its Crc32 covering the new data; the
	// caller commits it with the new blob length.
	Backup(entry *Entry, data io.Reader) (*Blob, error)

	// Make everything written so far durable
	Checkpoint() error

	Close() error
}

// Read access to the store for a restore session
type RestoreHandle interface {
	// Encoded content of a backup entry
	Restore(entry *Entry) (io.ReadCloser, error)

	Close() error
}

// Index and blob store of one archive
type Archive interface {
	Index() Index
	PrepareBackup(session *Session) (BackupHandle, error)
	PrepareRestore(session *RestoreSession) (RestoreHandle, error)
}

// A blob store is where sealed blobs are stored
type BlobStore interface {
	// List names of stored blobs
	ListBlobs() ([]string, error)

	// Store a sealed blob whose data is `data`
	PutBlob(name string, data io.Reader) error

	// Retrieve `length` bytes of a stored blob, starting at `offset`
	GetBlob(name string, offset, length int64) (io.ReadCloser, error)

	// Remove a blob
	RemoveBlob(name string) error
}
