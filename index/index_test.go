package index

import (
	"github.com/sloonz/floe/lib"

	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func openIndexes(t *testing.T) map[string]floe.Index {
	t.Helper()

	mem, err := NewBadger("")
	if err != nil {
		t.Fatal(err)
	}

	disk, err := NewBadger(filepath.Join(t.TempDir(), "badger"))
	if err != nil {
		t.Fatal(err)
	}

	sqlite, err := NewSQLite(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatal(err)
	}

	res := map[string]floe.Index{"badger-memory": mem, "badger": disk, "sqlite": sqlite}
	t.Cleanup(func() {
		for _, idx := range res {
			idx.Close()
		}
	})
	return res
}

func forEachIndex(t *testing.T, fn func(t *testing.T, idx floe.Index)) {
	for name, idx := range openIndexes(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, idx)
		})
	}
}

// Two sessions backing up the same file tree: /data, /data/a, /data/sub/b
type fixture struct {
	sessions []*floe.Session
	nodes    map[string]*floe.Node
	entries  []*floe.Entry
	blob     *floe.Blob
}

func populate(t *testing.T, idx floe.Index) *fixture {
	t.Helper()
	f := &fixture{nodes: make(map[string]*floe.Node)}

	err := idx.Update(func(tx floe.IndexTx) error {
		for i := 0; i < 2; i++ {
			s := &floe.Session{
				State:            floe.SessionPending,
				CheckpointLength: 1000,
				RateLimit:        floe.DefaultRateLimit,
				Compress:         i == 0,
				Created:          time.Unix(int64(2000-i*1000), 0),
			}
			if err := tx.InsertSession(s); err != nil {
				return err
			}
			f.sessions = append(f.sessions, s)
		}

		for _, n := range []*floe.Node{
			{Type: floe.NodeRoot, Name: "/data", Path: "/data"},
			{Type: floe.NodeFile, Name: "a", Path: "/data/a"},
			{Type: floe.NodeDirectory, Name: "sub", Path: "/data/sub"},
			{Type: floe.NodeFile, Name: "b", Path: "/data/sub/b"},
		} {
			parent := filepath.Dir(n.Path)
			if p, ok := f.nodes[parent]; ok {
				n.ParentID = p.ID
			}
			if err := tx.InsertNode(n); err != nil {
				return err
			}
			f.nodes[n.Path] = n
		}

		for _, s := range f.sessions {
			for _, p := range []string{"/data/a", "/data/sub/b"} {
				e := &floe.Entry{
					SessionID: s.ID,
					NodeID:    f.nodes[p].ID,
					State:     floe.EntryPending,
					Size:      400,
					Mode:      0640,
					ModTime:   time.Unix(1234, 0),
				}
				if err := tx.InsertEntry(e); err != nil {
					return err
				}
				f.entries = append(f.entries, e)
			}
		}

		f.blob = &floe.Blob{SessionID: f.sessions[0].ID, Name: "blob-0"}
		return tx.InsertBlob(f.blob)
	})
	if err != nil {
		t.Fatal(err)
	}

	return f
}

func TestSessions(t *testing.T) {
	forEachIndex(t, func(t *testing.T, idx floe.Index) {
		f := populate(t, idx)

		if f.sessions[0].ID == 0 || f.sessions[0].ID == f.sessions[1].ID {
			t.Fatalf("invalid session ids: %v, %v", f.sessions[0].ID, f.sessions[1].ID)
		}

		sessions, err := floe.SortedListSessions(idx)
		if err != nil {
			t.Fatal(err)
		}
		if len(sessions) != 2 || sessions[0].ID != f.sessions[1].ID {
			t.Fatalf("unexpected sessions: %v", sessions)
		}

		s, err := idx.FetchSession(f.sessions[0].ID)
		if err != nil {
			t.Fatal(err)
		}
		if !s.Created.Equal(f.sessions[0].Created) || !s.Compress || s.CheckpointLength != 1000 || s.RateLimit != floe.DefaultRateLimit {
			t.Errorf("unexpected session: %+v", s)
		}

		if _, err := idx.FetchSession(12345); err != floe.ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}

		s.State = floe.SessionInProgress
		s.ActualLength = 42
		err = idx.Update(func(tx floe.IndexTx) error {
			return tx.UpdateSession(s)
		})
		if err != nil {
			t.Fatal(err)
		}

		s, _ = idx.FetchSession(s.ID)
		if s.State != floe.SessionInProgress || s.ActualLength != 42 {
			t.Errorf("update not applied: %+v", s)
		}

		err = idx.Update(func(tx floe.IndexTx) error {
			return tx.UpdateSession(&floe.Session{ID: 12345})
		})
		if err != floe.ErrNotFound {
			t.Errorf("updating a missing session: expected ErrNotFound, got %v", err)
		}
	})
}

func TestNodes(t *testing.T) {
	forEachIndex(t, func(t *testing.T, idx floe.Index) {
		f := populate(t, idx)

		roots, err := idx.ListRoots()
		if err != nil {
			t.Fatal(err)
		}
		if len(roots) != 1 || roots[0].Path != "/data" {
			t.Fatalf("unexpected roots: %v", roots)
		}

		children, err := idx.ListChildren(roots[0].ID)
		if err != nil {
			t.Fatal(err)
		}
		var names []string
		for _, c := range children {
			names = append(names, c.Name)
		}
		if !reflect.DeepEqual(names, []string{"a", "sub"}) {
			t.Errorf("unexpected children: %v", names)
		}

		n, err := idx.LookupNode("/data/sub/b")
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(n, f.nodes["/data/sub/b"]) {
			t.Errorf("result: %v ; expected: %v", n, f.nodes["/data/sub/b"])
		}

		n, err = idx.LookupNode("/nowhere")
		if n != nil || err != nil {
			t.Errorf("missing node: expected nil, got %v, %v", n, err)
		}

		n, err = idx.FetchNode(f.nodes["/data/a"].ID)
		if err != nil || n.Type != floe.NodeFile || n.ParentID != roots[0].ID {
			t.Errorf("unexpected node: %v, %v", n, err)
		}

		err = idx.Update(func(tx floe.IndexTx) error {
			return tx.InsertNode(&floe.Node{Type: floe.NodeFile, Name: "a", Path: "/data/a", ParentID: roots[0].ID})
		})
		if err == nil {
			t.Error("duplicate node path should be rejected")
		}
	})
}

func TestNextEntry(t *testing.T) {
	forEachIndex(t, func(t *testing.T, idx floe.Index) {
		f := populate(t, idx)
		s := f.sessions[0]

		var seen []int64
		for {
			e, err := idx.LookupNextEntry(s)
			if err != nil {
				t.Fatal(err)
			}
			if e == nil {
				break
			}
			if e.SessionID != s.ID || e.State != floe.EntryPending {
				t.Fatalf("ineligible entry: %+v", e)
			}
			seen = append(seen, e.ID)

			e.State = floe.EntryCompleted
			e.BlobID = f.blob.ID
			e.Length = 100
			e.Crc32 = 0xdeadbeef
			err = idx.Update(func(tx floe.IndexTx) error {
				return tx.UpdateEntry(e)
			})
			if err != nil {
				t.Fatal(err)
			}
		}

		expected := []int64{f.entries[0].ID, f.entries[1].ID}
		if !reflect.DeepEqual(seen, expected) {
			t.Errorf("result: %v ; expected: %v", seen, expected)
		}

		e, err := idx.FetchEntry(f.entries[0].ID)
		if err != nil {
			t.Fatal(err)
		}
		if e.Crc32 != 0xdeadbeef || e.Mode != 0640 || !e.ModTime.Equal(time.Unix(1234, 0)) || e.Size != 400 {
			t.Errorf("unexpected entry: %+v", e)
		}

		blobEntries, err := idx.ListBlobEntries(f.blob.ID)
		if err != nil || len(blobEntries) != 2 {
			t.Errorf("unexpected blob entries: %v, %v", blobEntries, err)
		}

		other, err := idx.LookupNextEntry(f.sessions[1])
		if err != nil || other == nil || other.ID != f.entries[2].ID {
			t.Errorf("other session should be untouched: %v, %v", other, err)
		}
	})
}

func TestNodeEntries(t *testing.T) {
	forEachIndex(t, func(t *testing.T, idx floe.Index) {
		f := populate(t, idx)

		entries, err := idx.ListNodeEntries(f.nodes["/data/a"].ID)
		if err != nil {
			t.Fatal(err)
		}

		// session 1 was created before session 0
		if len(entries) != 2 || entries[0].SessionID != f.sessions[1].ID || entries[1].SessionID != f.sessions[0].ID {
			t.Errorf("entries should be ordered by session creation: %+v", entries)
		}
	})
}

func TestTransactionRollback(t *testing.T) {
	forEachIndex(t, func(t *testing.T, idx floe.Index) {
		f := populate(t, idx)

		e := *f.entries[0]
		e.State = floe.EntryCompleted
		s := *f.sessions[0]
		s.ActualLength = 400

		err := idx.Update(func(tx floe.IndexTx) error {
			if err := tx.UpdateEntry(&e); err != nil {
				return err
			}
			if err := tx.UpdateSession(&s); err != nil {
				return err
			}
			return tx.UpdateBlob(&floe.Blob{ID: 12345})
		})
		if err == nil {
			t.Fatal("updating a missing blob should fail")
		}

		stored, _ := idx.FetchEntry(e.ID)
		if stored.State != floe.EntryPending {
			t.Errorf("entry update should have been rolled back")
		}
		storedSession, _ := idx.FetchSession(s.ID)
		if storedSession.ActualLength != 0 {
			t.Errorf("session update should have been rolled back")
		}
		next, _ := idx.LookupNextEntry(&s)
		if next == nil || next.ID != e.ID {
			t.Errorf("entry should still be pending")
		}
	})
}

func TestBlobs(t *testing.T) {
	forEachIndex(t, func(t *testing.T, idx floe.Index) {
		f := populate(t, idx)

		var second *floe.Blob
		err := idx.Update(func(tx floe.IndexTx) error {
			second = &floe.Blob{SessionID: f.sessions[1].ID, Name: "blob-1"}
			return tx.InsertBlob(second)
		})
		if err != nil {
			t.Fatal(err)
		}

		blobs, err := idx.ListBlobs()
		if err != nil || len(blobs) != 2 {
			t.Fatalf("unexpected blobs: %v, %v", blobs, err)
		}

		blobs, err = idx.ListSessionBlobs(f.sessions[0].ID)
		if err != nil || len(blobs) != 1 || blobs[0].Name != "blob-0" {
			t.Fatalf("unexpected session blobs: %v, %v", blobs, err)
		}

		b := *f.blob
		b.Length = 1200
		b.Crc32 = 0xdeadbeef
		b.Sealed = true
		err = idx.Update(func(tx floe.IndexTx) error {
			return tx.UpdateBlob(&b)
		})
		if err != nil {
			t.Fatal(err)
		}
		stored, err := idx.FetchBlob(b.ID)
		if err != nil || !reflect.DeepEqual(stored, &b) {
			t.Errorf("result: %v ; expected: %v", stored, &b)
		}

		e := *f.entries[0]
		e.BlobID = b.ID
		err = idx.Update(func(tx floe.IndexTx) error {
			return tx.UpdateEntry(&e)
		})
		if err != nil {
			t.Fatal(err)
		}

		err = idx.Update(func(tx floe.IndexTx) error {
			return tx.DeleteBlob(b.ID)
		})
		if err == nil {
			t.Error("deleting a referenced blob should fail")
		}

		// detaching the entry and deleting the blob in the same transaction is allowed
		e.BlobID = 0
		err = idx.Update(func(tx floe.IndexTx) error {
			if err := tx.UpdateEntry(&e); err != nil {
				return err
			}
			return tx.DeleteBlob(b.ID)
		})
		if err != nil {
			t.Fatal(err)
		}

		if _, err := idx.FetchBlob(b.ID); err != floe.ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		blobs, _ = idx.ListSessionBlobs(f.sessions[0].ID)
		if len(blobs) != 0 {
			t.Errorf("deleted blob still listed: %v", blobs)
		}
	})
}

func TestRestores(t *testing.T) {
	forEachIndex(t, func(t *testing.T, idx floe.Index) {
		f := populate(t, idx)

		rs := &floe.RestoreSession{
			State:            floe.SessionPending,
			RootPathMap:      map[string]string{"/data": "/restore"},
			Include:          []string{"^/data/"},
			Exclude:          []string{`\.tmp$`},
			SkipExisting:     true,
			VerifyResults:    true,
			RateLimit:        1024,
			CheckpointLength: 4096,
			Created:          time.Unix(5000, 0),
		}

		var rentries []*floe.RestoreEntry
		err := idx.Update(func(tx floe.IndexTx) error {
			if err := tx.InsertRestore(rs); err != nil {
				return err
			}

			// inserted out of order on purpose
			for i, e := range []*floe.Entry{f.entries[0], f.entries[3], f.entries[1]} {
				re := &floe.RestoreEntry{
					SessionID:     rs.ID,
					BackupEntryID: e.ID,
					State:         floe.EntryPending,
					Length:        int64(100 * (i + 1)),
					Ordinal:       f.sessions[0].Created.UnixNano(),
				}
				if e.SessionID == f.sessions[1].ID {
					re.Ordinal = f.sessions[1].Created.UnixNano()
				}
				if err := tx.InsertRestoreEntry(re); err != nil {
					return err
				}
				rentries = append(rentries, re)
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}

		stored, err := idx.FetchRestore(rs.ID)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(stored.RootPathMap, rs.RootPathMap) || !reflect.DeepEqual(stored.Include, rs.Include) ||
			!reflect.DeepEqual(stored.Exclude, rs.Exclude) || !stored.SkipExisting || stored.SkipReadOnly || !stored.VerifyResults ||
			stored.RateLimit != 1024 || stored.CheckpointLength != 4096 || !stored.Created.Equal(rs.Created) {
			t.Errorf("unexpected restore session: %+v", stored)
		}

		restores, err := floe.SortedListRestores(idx)
		if err != nil || len(restores) != 1 {
			t.Errorf("unexpected restore sessions: %v, %v", restores, err)
		}

		var order []int64
		for {
			re, err := idx.LookupNextRestoreEntry(rs)
			if err != nil {
				t.Fatal(err)
			}
			if re == nil {
				break
			}
			order = append(order, re.ID)

			re.State = floe.EntryCompleted
			err = idx.Update(func(tx floe.IndexTx) error {
				return tx.UpdateRestoreEntry(re)
			})
			if err != nil {
				t.Fatal(err)
			}
		}

		// entries of the oldest backup session first, then by id
		expected := []int64{rentries[1].ID, rentries[0].ID, rentries[2].ID}
		if !reflect.DeepEqual(order, expected) {
			t.Errorf("result: %v ; expected: %v", order, expected)
		}

		re, err := idx.FetchRestoreEntry(rentries[2].ID)
		if err != nil || re.State != floe.EntryCompleted || re.Length != 300 {
			t.Errorf("unexpected restore entry: %+v, %v", re, err)
		}
	})
}

func TestFactory(t *testing.T) {
	if _, err := New(&floe.Options{String: map[string]string{}}); err != ErrIndexPath {
		t.Errorf("expected ErrIndexPath, got %v", err)
	}

	_, err := New(&floe.Options{String: map[string]string{"IndexPath": t.TempDir(), "IndexType": "nope"}})
	if err == nil {
		t.Error("invalid index type should be rejected")
	}

	idx, err := New(&floe.Options{String: map[string]string{"IndexPath": filepath.Join(t.TempDir(), "idx.db"), "IndexType": "sqlite"}})
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()

	if err := idx.Sync(); err != nil {
		t.Errorf("sync failed: %v", err)
	}
}
