// Package archive binds an index and a blob store into a floe.Archive.
//
// Entries of a backup session are appended to a blob spooled in a local
// directory. A blob is sealed, that is uploaded to the blob store and marked
// as such in the index, at each checkpoint; the next entries go to a new
// blob. Unsealed blobs left by an interrupted session are recovered when the
// session is resumed.
package archive

import (
	"github.com/sloonz/floe/lib"
	"github.com/sloonz/floe/stream"

	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var (
	ErrSessionLocked = errors.New("session is in use by another process")
	ErrBlobNotSealed = errors.New("blob is not sealed")
	ErrSpoolDir      = errors.New("missing spool directory")

	archiveLog = logrus.WithFields(logrus.Fields{
		"archive": "spool",
	})
)

type Archive struct {
	idx      floe.Index
	store    floe.BlobStore
	spoolDir string
}

func New(idx floe.Index, store floe.BlobStore, spoolDir string) (*Archive, error) {
	if spoolDir == "" {
		return nil, ErrSpoolDir
	}

	err := os.MkdirAll(spoolDir, 0777)
	if err != nil {
		return nil, err
	}

	return &Archive{idx: idx, store: store, spoolDir: spoolDir}, nil
}

func (a *Archive) Index() floe.Index {
	return a.idx
}

func (a *Archive) Close() error {
	return a.idx.Close()
}

func (a *Archive) spoolPath(blob *floe.Blob) string {
	return filepath.Join(a.spoolDir, blob.Name)
}

// Take the exclusive lock of a backup session
func (a *Archive) lock(session *floe.Session) (*os.File, error) {
	f, err := os.OpenFile(filepath.Join(a.spoolDir, fmt.Sprintf("session-%d.lock", session.ID)), os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return nil, err
	}

	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrSessionLocked
		}
		return nil, err
	}

	return f, nil
}

func unlock(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Upload the first blob.Length bytes of spool as blob and mark it sealed
func (a *Archive) seal(blob *floe.Blob, spool *os.File) error {
	err := spool.Truncate(blob.Length)
	if err != nil {
		return err
	}

	err = spool.Sync()
	if err != nil {
		return err
	}

	archiveLog.Printf("sealing blob %s (%d bytes)", blob.Name, blob.Length)
	err = a.store.PutBlob(blob.Name, io.NewSectionReader(spool, 0, blob.Length))
	if err != nil {
		return err
	}

	upd := *blob
	upd.Sealed = true
	err = a.idx.Update(func(tx floe.IndexTx) error {
		return tx.UpdateBlob(&upd)
	})
	if err != nil {
		return err
	}

	*blob = upd
	return nil
}

func (a *Archive) removeSpool(blob *floe.Blob) {
	err := os.Remove(a.spoolPath(blob))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		archiveLog.Warnf("cannot remove spool file: %v", err)
	}
}

// Drop an unsealed blob whose content is lost: its entries are scheduled
// again and their length is removed from the session
func (a *Archive) discard(session *floe.Session, blob *floe.Blob) error {
	entries, err := a.idx.ListBlobEntries(blob.ID)
	if err != nil {
		return err
	}

	updSession := *session
	err = a.idx.Update(func(tx floe.IndexTx) error {
		for _, e := range entries {
			updSession.ActualLength -= e.Length
			e.State = floe.EntryPending
			e.BlobID = 0
			e.Offset = 0
			e.Length = 0
			e.Crc32 = 0
			if err := tx.UpdateEntry(e); err != nil {
				return err
			}
		}

		if err := tx.DeleteBlob(blob.ID); err != nil {
			return err
		}

		return tx.UpdateSession(&updSession)
	})
	if err != nil {
		return err
	}

	*session = updSession
	return nil
}

// Whether the committed part of a spool matches the checksum of its blob
func intact(blob *floe.Blob, spool *os.File) bool {
	crc, err := stream.Checksum(io.NewSectionReader(spool, 0, blob.Length))
	if err != nil {
		archiveLog.WithFields(logrus.Fields{"blob": blob.Name}).Warnf("cannot read spool: %v", err)
		return false
	}
	return crc == blob.Crc32
}

// Seal or discard the unsealed blob of an interrupted session
func (a *Archive) recover(session *floe.Session, blob *floe.Blob) error {
	log := archiveLog.WithFields(logrus.Fields{"blob": blob.Name})

	spool, err := os.OpenFile(a.spoolPath(blob), os.O_RDWR, 0)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if spool != nil {
		defer spool.Close()

		fi, err := spool.Stat()
		if err != nil {
			return err
		}

		if blob.Length > 0 && fi.Size() >= blob.Length && intact(blob, spool) {
			log.Printf("recovering blob from spool")
			err = a.seal(blob, spool)
			if err != nil {
				return err
			}
			a.removeSpool(blob)
			return nil
		}
	}

	if blob.Length > 0 {
		log.Warnf("spool of blob is missing or corrupted, its entries will be backed up again")
	}

	err = a.discard(session, blob)
	if err != nil {
		return err
	}

	a.removeSpool(blob)
	return nil
}

func (a *Archive) PrepareBackup(session *floe.Session) (floe.BackupHandle, error) {
	lock, err := a.lock(session)
	if err != nil {
		return nil, err
	}

	blobs, err := a.idx.ListSessionBlobs(session.ID)
	if err != nil {
		unlock(lock)
		return nil, err
	}

	for _, b := range blobs {
		if b.Sealed {
			continue
		}

		err = a.recover(session, b)
		if err != nil {
			unlock(lock)
			return nil, fmt.Errorf("cannot recover blob %s: %w", b.Name, err)
		}
	}

	return &backupHandle{a: a, session: session, lock: lock}, nil
}

type backupHandle struct {
	a       *Archive
	session *floe.Session
	lock    *os.File

	// Blob being written, and its spool
	blob  *floe.Blob
	spool *os.File
}

func (h *backupHandle) openBlob() (*floe.Blob, error) {
	if h.blob != nil {
		// the length committed by the last successful entry
		return h.a.idx.FetchBlob(h.blob.ID)
	}

	blob := &floe.Blob{SessionID: h.session.ID, Name: uuid.New().String()}
	err := h.a.idx.Update(func(tx floe.IndexTx) error {
		return tx.InsertBlob(blob)
	})
	if err != nil {
		return nil, err
	}

	spool, err := os.OpenFile(h.a.spoolPath(blob), os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600)
	if err != nil {
		return nil, err
	}

	h.blob = blob
	h.spool = spool
	return blob, nil
}

func (h *backupHandle) Backup(entry *floe.Entry, data io.Reader) (*floe.Blob, error) {
	blob, err := h.openBlob()
	if err != nil {
		return nil, err
	}

	// drop whatever a failed attempt left after the committed data
	err = h.spool.Truncate(blob.Length)
	if err != nil {
		return nil, err
	}

	_, err = h.spool.Seek(blob.Length, io.SeekStart)
	if err != nil {
		return nil, err
	}

	w := stream.NewCRCWriter(h.spool, blob.Crc32)
	n, err := io.Copy(w, data)
	if err != nil {
		return nil, err
	}

	entry.BlobID = blob.ID
	entry.Offset = blob.Length
	entry.Length = n

	upd := *blob
	upd.Crc32 = w.Sum32()
	return &upd, nil
}

func (h *backupHandle) Checkpoint() error {
	if h.blob != nil {
		blob, err := h.a.idx.FetchBlob(h.blob.ID)
		if err != nil {
			return err
		}

		if blob.Length > 0 {
			err = h.a.seal(blob, h.spool)
		} else {
			err = h.a.idx.Update(func(tx floe.IndexTx) error {
				return tx.DeleteBlob(blob.ID)
			})
		}
		if err != nil {
			return err
		}

		h.spool.Close()
		h.a.removeSpool(blob)
		h.blob = nil
		h.spool = nil
	}

	return h.a.idx.Sync()
}

// Release the session without sealing the current blob; it is recovered by
// the next PrepareBackup
func (h *backupHandle) Close() error {
	if h.spool != nil {
		h.spool.Close()
		h.spool = nil
	}
	return unlock(h.lock)
}

func (a *Archive) PrepareRestore(session *floe.RestoreSession) (floe.RestoreHandle, error) {
	return &restoreHandle{a: a, blobs: make(map[int64]*floe.Blob)}, nil
}

type restoreHandle struct {
	a     *Archive
	blobs map[int64]*floe.Blob
}

func (h *restoreHandle) blob(id int64) (*floe.Blob, error) {
	if b, ok := h.blobs[id]; ok {
		return b, nil
	}

	b, err := h.a.idx.FetchBlob(id)
	if err != nil {
		return nil, err
	}

	h.blobs[id] = b
	return b, nil
}

func (h *restoreHandle) Restore(entry *floe.Entry) (io.ReadCloser, error) {
	blob, err := h.blob(entry.BlobID)
	if err != nil {
		return nil, err
	}

	if !blob.Sealed {
		return nil, fmt.Errorf("%s: %w", blob.Name, ErrBlobNotSealed)
	}

	return h.a.store.GetBlob(blob.Name, entry.Offset, entry.Length)
}

func (h *restoreHandle) Close() error {
	return nil
}
