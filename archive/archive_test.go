package archive

import (
	"github.com/sloonz/floe/destinations"
	"github.com/sloonz/floe/index"
	"github.com/sloonz/floe/lib"

	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"testing"
	"time"
)

type testArchive struct {
	*Archive
	storeDir string
	spoolDir string
}

func newTestArchive(t *testing.T) *testArchive {
	t.Helper()

	idx, err := index.NewBadger("")
	if err != nil {
		t.Fatal(err)
	}

	storeDir := filepath.Join(t.TempDir(), "store")
	store, err := destinations.New(&floe.Options{String: map[string]string{"Type": "fs", "Path": storeDir}})
	if err != nil {
		t.Fatal(err)
	}

	spoolDir := filepath.Join(t.TempDir(), "spool")
	a, err := New(idx, store, spoolDir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Close() })

	return &testArchive{Archive: a, storeDir: storeDir, spoolDir: spoolDir}
}

// A session with one pending entry per path, under a single root /r
func (a *testArchive) populate(t *testing.T, created time.Time, names ...string) (*floe.Session, []*floe.Entry) {
	t.Helper()

	session := &floe.Session{
		State:            floe.SessionInProgress,
		CheckpointLength: floe.DefaultCheckpointLength,
		RateLimit:        floe.DefaultRateLimit,
		Created:          created,
	}
	var entries []*floe.Entry

	err := a.idx.Update(func(tx floe.IndexTx) error {
		if err := tx.InsertSession(session); err != nil {
			return err
		}

		root, err := a.idx.LookupNode("/r")
		if err != nil {
			return err
		}
		if root == nil {
			root = &floe.Node{Type: floe.NodeRoot, Name: "/r", Path: "/r"}
			if err := tx.InsertNode(root); err != nil {
				return err
			}
		}

		for _, name := range names {
			node, err := a.idx.LookupNode("/r/" + name)
			if err != nil {
				return err
			}
			if node == nil {
				node = &floe.Node{ParentID: root.ID, Type: floe.NodeFile, Name: name, Path: "/r/" + name}
				if err := tx.InsertNode(node); err != nil {
					return err
				}
			}

			e := &floe.Entry{SessionID: session.ID, NodeID: node.ID, State: floe.EntryPending}
			if err := tx.InsertEntry(e); err != nil {
				return err
			}
			entries = append(entries, e)
		}

		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	return session, entries
}

// Write data for entry through the handle and commit it the way the backup
// engine does
func (a *testArchive) write(t *testing.T, h floe.BackupHandle, session *floe.Session, entry *floe.Entry, data string) {
	t.Helper()

	blob, err := h.Backup(entry, bytes.NewReader([]byte(data)))
	if err != nil {
		t.Fatal(err)
	}

	entry.State = floe.EntryCompleted
	blob.Length += entry.Length
	session.ActualLength += entry.Length
	err = a.idx.Update(func(tx floe.IndexTx) error {
		if err := tx.UpdateEntry(entry); err != nil {
			return err
		}
		if err := tx.UpdateBlob(blob); err != nil {
			return err
		}
		return tx.UpdateSession(session)
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (a *testArchive) read(t *testing.T, entry *floe.Entry) string {
	t.Helper()

	h, err := a.PrepareRestore(&floe.RestoreSession{})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	rc, err := h.Restore(entry)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func (a *testArchive) storedBlobs(t *testing.T) []string {
	t.Helper()

	names, err := a.store.ListBlobs()
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(names)
	return names
}

func TestCheckpointSealsBlob(t *testing.T) {
	a := newTestArchive(t)
	session, entries := a.populate(t, time.Unix(1000, 0), "a", "b", "c")

	h, err := a.PrepareBackup(session)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	a.write(t, h, session, entries[0], "hello")
	a.write(t, h, session, entries[1], "world!")
	if entries[1].Offset != 5 || entries[1].Length != 6 || entries[0].BlobID != entries[1].BlobID {
		t.Errorf("unexpected entry placement: %+v", entries[1])
	}

	blob, err := a.idx.FetchBlob(entries[0].BlobID)
	if err != nil {
		t.Fatal(err)
	}
	if blob.Sealed || len(a.storedBlobs(t)) != 0 {
		t.Error("blob should not be uploaded before the checkpoint")
	}

	rh, err := a.PrepareRestore(&floe.RestoreSession{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = rh.Restore(entries[0])
	if !errors.Is(err, ErrBlobNotSealed) {
		t.Errorf("expected ErrBlobNotSealed, got %v", err)
	}

	err = h.Checkpoint()
	if err != nil {
		t.Fatal(err)
	}

	blob, err = a.idx.FetchBlob(entries[0].BlobID)
	if err != nil {
		t.Fatal(err)
	}
	if !blob.Sealed || blob.Length != 11 {
		t.Errorf("unexpected blob after checkpoint: %+v", blob)
	}
	if !reflect.DeepEqual(a.storedBlobs(t), []string{blob.Name}) {
		t.Errorf("unexpected stored blobs: %v", a.storedBlobs(t))
	}
	if _, err := os.Stat(filepath.Join(a.spoolDir, blob.Name)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("spool should be removed after sealing, got %v", err)
	}

	if a.read(t, entries[0]) != "hello" || a.read(t, entries[1]) != "world!" {
		t.Error("unexpected restored data")
	}

	// next entries go to a new blob
	a.write(t, h, session, entries[2], "again")
	if entries[2].BlobID == blob.ID || entries[2].Offset != 0 {
		t.Errorf("entry should start a new blob: %+v", entries[2])
	}

	// checkpoints without new data upload nothing
	err = h.Checkpoint()
	if err != nil {
		t.Fatal(err)
	}
	err = h.Checkpoint()
	if err != nil {
		t.Fatal(err)
	}
	if len(a.storedBlobs(t)) != 2 {
		t.Errorf("unexpected stored blobs: %v", a.storedBlobs(t))
	}
	blobs, err := a.idx.ListSessionBlobs(session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(blobs) != 2 {
		t.Errorf("unexpected session blobs: %v", blobs)
	}
}

func TestFailedWriteIsDropped(t *testing.T) {
	a := newTestArchive(t)
	session, entries := a.populate(t, time.Unix(1000, 0), "a", "b")

	h, err := a.PrepareBackup(session)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	a.write(t, h, session, entries[0], "hello")

	// written but never committed
	uncommitted := *entries[1]
	_, err = h.Backup(&uncommitted, bytes.NewReader([]byte("garbage")))
	if err != nil {
		t.Fatal(err)
	}

	a.write(t, h, session, entries[1], "world")
	if entries[1].Offset != 5 {
		t.Errorf("retried entry should overwrite the failed attempt, offset is %d", entries[1].Offset)
	}

	err = h.Checkpoint()
	if err != nil {
		t.Fatal(err)
	}
	if a.read(t, entries[1]) != "world" {
		t.Error("unexpected restored data")
	}
}

func TestRecoverFromSpool(t *testing.T) {
	a := newTestArchive(t)
	session, entries := a.populate(t, time.Unix(1000, 0), "a")

	h, err := a.PrepareBackup(session)
	if err != nil {
		t.Fatal(err)
	}
	a.write(t, h, session, entries[0], "hello")
	err = h.Close()
	if err != nil {
		t.Fatal(err)
	}

	h, err = a.PrepareBackup(session)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	blob, err := a.idx.FetchBlob(entries[0].BlobID)
	if err != nil {
		t.Fatal(err)
	}
	if !blob.Sealed {
		t.Error("blob should be sealed by recovery")
	}
	if a.read(t, entries[0]) != "hello" {
		t.Error("unexpected restored data")
	}
}

func TestRecoverLostSpool(t *testing.T) {
	a := newTestArchive(t)
	session, entries := a.populate(t, time.Unix(1000, 0), "a")

	h, err := a.PrepareBackup(session)
	if err != nil {
		t.Fatal(err)
	}
	a.write(t, h, session, entries[0], "hello")
	err = h.Close()
	if err != nil {
		t.Fatal(err)
	}

	blob, err := a.idx.FetchBlob(entries[0].BlobID)
	if err != nil {
		t.Fatal(err)
	}
	err = os.Remove(filepath.Join(a.spoolDir, blob.Name))
	if err != nil {
		t.Fatal(err)
	}

	h, err = a.PrepareBackup(session)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	if session.ActualLength != 0 {
		t.Errorf("lost data should be removed from the session, got %d", session.ActualLength)
	}

	e, err := a.idx.FetchEntry(entries[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if e.State != floe.EntryPending || e.BlobID != 0 {
		t.Errorf("entry should be scheduled again: %+v", e)
	}

	_, err = a.idx.FetchBlob(blob.ID)
	if !errors.Is(err, floe.ErrNotFound) {
		t.Errorf("blob should be deleted, got %v", err)
	}

	s, err := a.idx.FetchSession(session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if s.ActualLength != 0 {
		t.Errorf("stored session length should be reset, got %d", s.ActualLength)
	}
}

func TestRecoverCorruptedSpool(t *testing.T) {
	a := newTestArchive(t)
	session, entries := a.populate(t, time.Unix(1000, 0), "a")

	h, err := a.PrepareBackup(session)
	if err != nil {
		t.Fatal(err)
	}
	a.write(t, h, session, entries[0], "hello")
	err = h.Close()
	if err != nil {
		t.Fatal(err)
	}

	blob, err := a.idx.FetchBlob(entries[0].BlobID)
	if err != nil {
		t.Fatal(err)
	}
	if blob.Crc32 == 0 {
		t.Error("committed blob should carry the checksum of its data")
	}

	// same size, different content
	err = os.WriteFile(filepath.Join(a.spoolDir, blob.Name), []byte("jello"), 0600)
	if err != nil {
		t.Fatal(err)
	}

	h, err = a.PrepareBackup(session)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	if len(a.storedBlobs(t)) != 0 {
		t.Errorf("corrupted spool should not be uploaded: %v", a.storedBlobs(t))
	}

	e, err := a.idx.FetchEntry(entries[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if e.State != floe.EntryPending || e.BlobID != 0 {
		t.Errorf("entry should be scheduled again: %+v", e)
	}

	_, err = a.idx.FetchBlob(blob.ID)
	if !errors.Is(err, floe.ErrNotFound) {
		t.Errorf("blob should be deleted, got %v", err)
	}
}

func TestSessionLock(t *testing.T) {
	a := newTestArchive(t)
	session, _ := a.populate(t, time.Unix(1000, 0), "a")

	h, err := a.PrepareBackup(session)
	if err != nil {
		t.Fatal(err)
	}

	_, err = a.PrepareBackup(session)
	if err != ErrSessionLocked {
		t.Errorf("expected ErrSessionLocked, got %v", err)
	}

	err = h.Close()
	if err != nil {
		t.Fatal(err)
	}

	h, err = a.PrepareBackup(session)
	if err != nil {
		t.Fatal(err)
	}
	h.Close()
}

func TestSelectEntries(t *testing.T) {
	a := newTestArchive(t)

	old, oldEntries := a.populate(t, time.Unix(1000, 0), "a", "b")
	h, err := a.PrepareBackup(old)
	if err != nil {
		t.Fatal(err)
	}
	a.write(t, h, old, oldEntries[0], "a1")
	a.write(t, h, old, oldEntries[1], "b1")
	if err := h.Checkpoint(); err != nil {
		t.Fatal(err)
	}
	h.Close()

	// b is deleted in the new session, a is written but not sealed
	cur, curEntries := a.populate(t, time.Unix(2000, 0), "a", "b")
	h, err = a.PrepareBackup(cur)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()
	a.write(t, h, cur, curEntries[0], "a2")
	curEntries[1].State = floe.EntryDeleted
	err = a.idx.Update(func(tx floe.IndexTx) error {
		return tx.UpdateEntry(curEntries[1])
	})
	if err != nil {
		t.Fatal(err)
	}

	ids, err := a.SelectEntries(nil)
	if err != nil {
		t.Fatal(err)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	expected := []int64{oldEntries[0].ID, curEntries[1].ID}
	sort.Slice(expected, func(i, j int) bool { return expected[i] < expected[j] })
	if !reflect.DeepEqual(ids, expected) {
		t.Errorf("unexpected selection: %v, expected %v", ids, expected)
	}

	ids, err = a.SelectEntries([]string{"/r/a"})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ids, []int64{oldEntries[0].ID}) {
		t.Errorf("unexpected selection: %v", ids)
	}

	_, err = a.SelectEntries([]string{"/nope"})
	if err == nil {
		t.Error("selecting an unknown path should fail")
	}

	if err := h.Checkpoint(); err != nil {
		t.Fatal(err)
	}
	ids, err = a.SelectEntries([]string{"/r/a"})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ids, []int64{curEntries[0].ID}) {
		t.Errorf("sealed entry should be selected: %v", ids)
	}
}

func TestCreateRestore(t *testing.T) {
	a := newTestArchive(t)

	old, oldEntries := a.populate(t, time.Unix(1000, 0), "a")
	cur, curEntries := a.populate(t, time.Unix(2000, 0), "b")
	for _, p := range []struct {
		s *floe.Session
		e *floe.Entry
	}{{old, oldEntries[0]}, {cur, curEntries[0]}} {
		h, err := a.PrepareBackup(p.s)
		if err != nil {
			t.Fatal(err)
		}
		a.write(t, h, p.s, p.e, "data")
		if err := h.Checkpoint(); err != nil {
			t.Fatal(err)
		}
		h.Close()
	}

	_, err := a.CreateRestore(&floe.RestoreRequest{Include: []string{"("}})
	if err == nil {
		t.Error("invalid filter should fail")
	}

	rs, err := a.CreateRestore(&floe.RestoreRequest{Entries: []int64{curEntries[0].ID, oldEntries[0].ID}})
	if err != nil {
		t.Fatal(err)
	}
	if rs.State != floe.SessionPending || rs.RateLimit != floe.DefaultRateLimit || rs.CheckpointLength != floe.DefaultCheckpointLength {
		t.Errorf("unexpected restore defaults: %+v", rs)
	}
	if rs.TotalLength != oldEntries[0].Length+curEntries[0].Length {
		t.Errorf("unexpected total length %d", rs.TotalLength)
	}

	// entries of the oldest session come first
	next, err := a.idx.LookupNextRestoreEntry(rs)
	if err != nil {
		t.Fatal(err)
	}
	if next == nil || next.BackupEntryID != oldEntries[0].ID || next.Ordinal != time.Unix(1000, 0).UnixNano() {
		t.Errorf("unexpected first restore entry: %+v", next)
	}
}

func TestOrphans(t *testing.T) {
	a := newTestArchive(t)

	err := a.store.PutBlob("orphan", bytes.NewReader([]byte("x")))
	if err != nil {
		t.Fatal(err)
	}

	session, entries := a.populate(t, time.Unix(1000, 0), "a")
	h, err := a.PrepareBackup(session)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()
	a.write(t, h, session, entries[0], "data")
	if err := h.Checkpoint(); err != nil {
		t.Fatal(err)
	}

	orphans, err := a.Orphans()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(orphans, []string{"orphan"}) {
		t.Errorf("unexpected orphans: %v", orphans)
	}
}
