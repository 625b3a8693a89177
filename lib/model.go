package floe

import (
	"fmt"
	"math"
	"os"
	"time"
)

// Default values for new sessions
const (
	DefaultCheckpointLength = 1024 * 1024 * 1024
	DefaultRateLimit        = math.MaxInt64
)

type SessionState int

const (
	SessionPending SessionState = iota
	SessionInProgress
	SessionCompleted
)

func (s SessionState) String() string {
	switch s {
	case SessionPending:
		return "pending"
	case SessionInProgress:
		return "in-progress"
	case SessionCompleted:
		return "completed"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

type EntryState int

const (
	EntryPending EntryState = iota
	EntryCompleted
	EntryFailed
	EntryDeleted
	EntrySkipped
)

func (s EntryState) String() string {
	switch s {
	case EntryPending:
		return "pending"
	case EntryCompleted:
		return "completed"
	case EntryFailed:
		return "failed"
	case EntryDeleted:
		return "deleted"
	case EntrySkipped:
		return "skipped"
	default:
		return fmt.Sprintf("EntryState(%d)", int(s))
	}
}

type NodeType int

const (
	NodeRoot NodeType = iota
	NodeDirectory
	NodeFile
)

// Represents one backup run
type Session struct {
	ID               int64
	State            SessionState
	CheckpointLength int64
	RateLimit        int64
	Compress         bool

	// Sum of the source sizes of the entries scheduled by the catalog
	EstimatedLength int64

	// Encoded bytes written to blobs so far
	ActualLength int64

	Created time.Time
}

// One filesystem object within a backup session
type Entry struct {
	ID        int64
	SessionID int64
	NodeID    int64
	State     EntryState

	// Position and length of the encoded entry inside its blob
	BlobID int64
	Offset int64
	Length int64

	// Checksum of the raw content, before compression and encryption
	Crc32 uint32

	Size    int64
	Mode    os.FileMode
	ModTime time.Time
}

// A physical container accumulating the encoded bytes of one or more entries
type Blob struct {
	ID        int64
	SessionID int64
	Name      string
	Length    int64

	// CRC32 of the first Length bytes of the blob
	Crc32 uint32

	// Set when the blob has been transferred to the blob store and cannot grow anymore
	Sealed bool
}

// An immutable filesystem path descriptor
type Node struct {
	ID       int64
	ParentID int64
	Type     NodeType
	Name     string
	Path     string
}

// Represents one restore run
type RestoreSession struct {
	ID               int64
	State            SessionState
	RootPathMap      map[string]string
	Include          []string
	Exclude          []string
	SkipExisting     bool
	SkipReadOnly     bool
	VerifyResults    bool
	EnableDeletes    bool
	RateLimit        int64
	CheckpointLength int64
	TotalLength      int64
	RestoreLength    int64
	Created          time.Time
}

// One backup entry scheduled for restoration
type RestoreEntry struct {
	ID            int64
	SessionID     int64
	BackupEntryID int64
	State         EntryState
	Length        int64

	// Creation time of the backup session that wrote the entry, the restore order key
	Ordinal int64
}

// Parameters of a new restore session
type RestoreRequest struct {
	RootPathMap      map[string]string
	Include          []string
	Exclude          []string
	SkipExisting     bool
	SkipReadOnly     bool
	VerifyResults    bool
	EnableDeletes    bool
	RateLimit        int64
	CheckpointLength int64

	// Backup entries to restore
	Entries []int64
}
