package index

import (
	"github.com/sloonz/floe/lib"

	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

var (
	badgerLog = logrus.WithFields(logrus.Fields{
		"index": "badger",
	})
)

// Key layout. Records are stored as JSON under <kind>/<id>; ids are fixed
// width hexadecimal so that prefix iteration yields them in ascending order.
const (
	kSession = "session/"
	kEntry   = "entry/"
	kNode    = "node/"
	kBlob    = "blob/"
	kRestore = "restore/"
	kREntry  = "rentry/"
	kSeq     = "seq/"

	kPending     = "pending/"     // pending/<session>/<entry>
	kRPending    = "rpending/"    // rpending/<restore>/<ordinal>/<restore entry>
	kRSession    = "rsession/"    // rsession/<restore>/<restore entry>
	kChild       = "child/"       // child/<parent>/<node>
	kRoot        = "root/"        // root/<node>
	kPath        = "path/"        // path/<path> -> node
	kNodeEntry   = "nodeentry/"   // nodeentry/<node>/<entry>
	kBlobEntry   = "blobentry/"   // blobentry/<blob>/<entry>
	kSessionBlob = "sessionblob/" // sessionblob/<session>/<blob>
)

func hexID(id int64) string {
	return fmt.Sprintf("%016x", uint64(id))
}

// Order-preserving encoding of a signed integer
func hexOrdinal(n int64) string {
	return fmt.Sprintf("%016x", uint64(n)^(1<<63))
}

func parseHexID(s string) (int64, error) {
	id, err := strconv.ParseUint(s, 16, 64)
	return int64(id), err
}

type badgerIndex struct {
	db       *badger.DB
	inMemory bool
}

type badgerTx struct {
	txn *badger.Txn
}

// Open a badger index stored in the directory path. An empty path opens an
// in-memory index.
func NewBadger(path string) (floe.Index, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		err := os.MkdirAll(path, 0777)
		if err != nil {
			return nil, err
		}
		opts = badger.DefaultOptions(path).WithSyncWrites(true)
	}

	db, err := badger.Open(opts.WithLogger(badgerLog).WithNumVersionsToKeep(1))
	if err != nil {
		return nil, fmt.Errorf("cannot open badger index: %w", err)
	}

	return &badgerIndex{db: db, inMemory: path == ""}, nil
}

func get(txn *badger.Txn, key string, v interface{}) error {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return floe.ErrNotFound
	}
	if err != nil {
		return err
	}

	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func set(txn *badger.Txn, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), data)
}

func mark(txn *badger.Txn, key string) error {
	return txn.Set([]byte(key), nil)
}

func unmark(txn *badger.Txn, key string) error {
	return txn.Delete([]byte(key))
}

// Keys under prefix, with the prefix stripped
func keys(txn *badger.Txn, prefix string) []string {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(prefix)

	it := txn.NewIterator(opts)
	defer it.Close()

	var res []string
	for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
		res = append(res, string(it.Item().Key()[len(prefix):]))
	}

	return res
}

// First key under prefix, with the prefix stripped, or "" if there is none
func firstKey(txn *badger.Txn, prefix string) string {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(prefix)

	it := txn.NewIterator(opts)
	defer it.Close()

	it.Seek([]byte(prefix))
	if !it.ValidForPrefix([]byte(prefix)) {
		return ""
	}
	return string(it.Item().Key()[len(prefix):])
}

// IDs stored as the last segment of the keys under prefix
func idsFromKeys(txn *badger.Txn, prefix string) ([]int64, error) {
	var res []int64
	for _, k := range keys(txn, prefix) {
		id, err := parseHexID(k[len(k)-16:])
		if err != nil {
			return nil, fmt.Errorf("invalid index key %s%s: %w", prefix, k, err)
		}
		res = append(res, id)
	}
	return res, nil
}

func nextID(txn *badger.Txn, kind string) (int64, error) {
	var last int64
	err := get(txn, kSeq+kind, &last)
	if err != nil && err != floe.ErrNotFound {
		return 0, err
	}

	last++
	return last, set(txn, kSeq+kind, last)
}

func listRecords[T any](txn *badger.Txn, kind string, ids []int64) ([]*T, error) {
	res := make([]*T, 0, len(ids))
	for _, id := range ids {
		v := new(T)
		err := get(txn, kind+hexID(id), v)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, nil
}

func fetchRecord[T any](db *badger.DB, kind string, id int64) (*T, error) {
	v := new(T)
	err := db.View(func(txn *badger.Txn) error {
		return get(txn, kind+hexID(id), v)
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (i *badgerIndex) ListSessions() ([]*floe.Session, error) {
	var res []*floe.Session
	err := i.db.View(func(txn *badger.Txn) error {
		ids, err := idsFromKeys(txn, kSession)
		if err != nil {
			return err
		}
		res, err = listRecords[floe.Session](txn, kSession, ids)
		return err
	})
	return res, err
}

func (i *badgerIndex) FetchSession(id int64) (*floe.Session, error) {
	return fetchRecord[floe.Session](i.db, kSession, id)
}

func (i *badgerIndex) LookupNextEntry(session *floe.Session) (*floe.Entry, error) {
	var res *floe.Entry
	err := i.db.View(func(txn *badger.Txn) error {
		k := firstKey(txn, kPending+hexID(session.ID)+"/")
		if k == "" {
			return nil
		}

		id, err := parseHexID(k)
		if err != nil {
			return err
		}

		res = new(floe.Entry)
		return get(txn, kEntry+hexID(id), res)
	})
	return res, err
}

func (i *badgerIndex) FetchEntry(id int64) (*floe.Entry, error) {
	return fetchRecord[floe.Entry](i.db, kEntry, id)
}

func (i *badgerIndex) ListNodeEntries(nodeID int64) ([]*floe.Entry, error) {
	var res []*floe.Entry
	err := i.db.View(func(txn *badger.Txn) error {
		ids, err := idsFromKeys(txn, kNodeEntry+hexID(nodeID)+"/")
		if err != nil {
			return err
		}

		res, err = listRecords[floe.Entry](txn, kEntry, ids)
		if err != nil {
			return err
		}

		created := make(map[int64]int64)
		for _, e := range res {
			if _, ok := created[e.SessionID]; ok {
				continue
			}
			var s floe.Session
			if err := get(txn, kSession+hexID(e.SessionID), &s); err != nil {
				return err
			}
			created[e.SessionID] = s.Created.UnixNano()
		}

		sort.SliceStable(res, func(a, b int) bool {
			return created[res[a].SessionID] < created[res[b].SessionID]
		})
		return nil
	})
	return res, err
}

func (i *badgerIndex) ListBlobEntries(blobID int64) ([]*floe.Entry, error) {
	var res []*floe.Entry
	err := i.db.View(func(txn *badger.Txn) error {
		ids, err := idsFromKeys(txn, kBlobEntry+hexID(blobID)+"/")
		if err != nil {
			return err
		}
		res, err = listRecords[floe.Entry](txn, kEntry, ids)
		return err
	})
	return res, err
}

func (i *badgerIndex) FetchBlob(id int64) (*floe.Blob, error) {
	return fetchRecord[floe.Blob](i.db, kBlob, id)
}

func (i *badgerIndex) ListBlobs() ([]*floe.Blob, error) {
	var res []*floe.Blob
	err := i.db.View(func(txn *badger.Txn) error {
		ids, err := idsFromKeys(txn, kBlob)
		if err != nil {
			return err
		}
		res, err = listRecords[floe.Blob](txn, kBlob, ids)
		return err
	})
	return res, err
}

func (i *badgerIndex) ListSessionBlobs(sessionID int64) ([]*floe.Blob, error) {
	var res []*floe.Blob
	err := i.db.View(func(txn *badger.Txn) error {
		ids, err := idsFromKeys(txn, kSessionBlob+hexID(sessionID)+"/")
		if err != nil {
			return err
		}
		res, err = listRecords[floe.Blob](txn, kBlob, ids)
		return err
	})
	return res, err
}

func (i *badgerIndex) FetchNode(id int64) (*floe.Node, error) {
	return fetchRecord[floe.Node](i.db, kNode, id)
}

func (i *badgerIndex) LookupNode(path string) (*floe.Node, error) {
	var res *floe.Node
	err := i.db.View(func(txn *badger.Txn) error {
		var id int64
		err := get(txn, kPath+path, &id)
		if err == floe.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}

		res = new(floe.Node)
		return get(txn, kNode+hexID(id), res)
	})
	return res, err
}

func (i *badgerIndex) ListRoots() ([]*floe.Node, error) {
	var res []*floe.Node
	err := i.db.View(func(txn *badger.Txn) error {
		ids, err := idsFromKeys(txn, kRoot)
		if err != nil {
			return err
		}
		res, err = listRecords[floe.Node](txn, kNode, ids)
		return err
	})
	return res, err
}

func (i *badgerIndex) ListChildren(nodeID int64) ([]*floe.Node, error) {
	var res []*floe.Node
	err := i.db.View(func(txn *badger.Txn) error {
		ids, err := idsFromKeys(txn, kChild+hexID(nodeID)+"/")
		if err != nil {
			return err
		}
		res, err = listRecords[floe.Node](txn, kNode, ids)
		return err
	})
	return res, err
}

func (i *badgerIndex) ListRestores() ([]*floe.RestoreSession, error) {
	var res []*floe.RestoreSession
	err := i.db.View(func(txn *badger.Txn) error {
		ids, err := idsFromKeys(txn, kRestore)
		if err != nil {
			return err
		}
		res, err = listRecords[floe.RestoreSession](txn, kRestore, ids)
		return err
	})
	return res, err
}

func (i *badgerIndex) FetchRestore(id int64) (*floe.RestoreSession, error) {
	return fetchRecord[floe.RestoreSession](i.db, kRestore, id)
}

func (i *badgerIndex) LookupNextRestoreEntry(session *floe.RestoreSession) (*floe.RestoreEntry, error) {
	var res *floe.RestoreEntry
	err := i.db.View(func(txn *badger.Txn) error {
		k := firstKey(txn, kRPending+hexID(session.ID)+"/")
		if k == "" {
			return nil
		}

		id, err := parseHexID(k[len(k)-16:])
		if err != nil {
			return err
		}

		res = new(floe.RestoreEntry)
		return get(txn, kREntry+hexID(id), res)
	})
	return res, err
}

func (i *badgerIndex) FetchRestoreEntry(id int64) (*floe.RestoreEntry, error) {
	return fetchRecord[floe.RestoreEntry](i.db, kREntry, id)
}

func (i *badgerIndex) Update(fn func(tx floe.IndexTx) error) error {
	return i.db.Update(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn})
	})
}

func (i *badgerIndex) Sync() error {
	if i.inMemory {
		return nil
	}
	return i.db.Sync()
}

func (i *badgerIndex) Close() error {
	return i.db.Close()
}

func (tx *badgerTx) InsertSession(session *floe.Session) error {
	id, err := nextID(tx.txn, "session")
	if err != nil {
		return err
	}

	session.ID = id
	return set(tx.txn, kSession+hexID(id), session)
}

func (tx *badgerTx) UpdateSession(session *floe.Session) error {
	var old floe.Session
	err := get(tx.txn, kSession+hexID(session.ID), &old)
	if err != nil {
		return err
	}

	return set(tx.txn, kSession+hexID(session.ID), session)
}

func (tx *badgerTx) InsertNode(node *floe.Node) error {
	var existing int64
	err := get(tx.txn, kPath+node.Path, &existing)
	if err == nil {
		return fmt.Errorf("node %s already exists", node.Path)
	}
	if err != floe.ErrNotFound {
		return err
	}

	id, err := nextID(tx.txn, "node")
	if err != nil {
		return err
	}
	node.ID = id

	err = set(tx.txn, kNode+hexID(id), node)
	if err == nil {
		err = set(tx.txn, kPath+node.Path, id)
	}
	if err == nil {
		if node.ParentID == 0 {
			err = mark(tx.txn, kRoot+hexID(id))
		} else {
			err = mark(tx.txn, kChild+hexID(node.ParentID)+"/"+hexID(id))
		}
	}

	return err
}

// Maintain the secondary keys of an entry going from old (nil for a new
// entry) to entry
func (tx *badgerTx) indexEntry(old, entry *floe.Entry) error {
	if old != nil && old.State == floe.EntryPending && entry.State != floe.EntryPending {
		if err := unmark(tx.txn, kPending+hexID(old.SessionID)+"/"+hexID(old.ID)); err != nil {
			return err
		}
	}
	if entry.State == floe.EntryPending {
		if err := mark(tx.txn, kPending+hexID(entry.SessionID)+"/"+hexID(entry.ID)); err != nil {
			return err
		}
	}

	if old != nil && old.BlobID != 0 && old.BlobID != entry.BlobID {
		if err := unmark(tx.txn, kBlobEntry+hexID(old.BlobID)+"/"+hexID(old.ID)); err != nil {
			return err
		}
	}
	if entry.BlobID != 0 {
		if err := mark(tx.txn, kBlobEntry+hexID(entry.BlobID)+"/"+hexID(entry.ID)); err != nil {
			return err
		}
	}

	return mark(tx.txn, kNodeEntry+hexID(entry.NodeID)+"/"+hexID(entry.ID))
}

func (tx *badgerTx) InsertEntry(entry *floe.Entry) error {
	id, err := nextID(tx.txn, "entry")
	if err != nil {
		return err
	}

	entry.ID = id
	err = set(tx.txn, kEntry+hexID(id), entry)
	if err != nil {
		return err
	}

	return tx.indexEntry(nil, entry)
}

func (tx *badgerTx) UpdateEntry(entry *floe.Entry) error {
	var old floe.Entry
	err := get(tx.txn, kEntry+hexID(entry.ID), &old)
	if err != nil {
		return err
	}

	err = set(tx.txn, kEntry+hexID(entry.ID), entry)
	if err != nil {
		return err
	}

	return tx.indexEntry(&old, entry)
}

func (tx *badgerTx) InsertBlob(blob *floe.Blob) error {
	id, err := nextID(tx.txn, "blob")
	if err != nil {
		return err
	}

	blob.ID = id
	err = set(tx.txn, kBlob+hexID(id), blob)
	if err != nil {
		return err
	}

	return mark(tx.txn, kSessionBlob+hexID(blob.SessionID)+"/"+hexID(id))
}

func (tx *badgerTx) UpdateBlob(blob *floe.Blob) error {
	var old floe.Blob
	err := get(tx.txn, kBlob+hexID(blob.ID), &old)
	if err != nil {
		return err
	}

	return set(tx.txn, kBlob+hexID(blob.ID), blob)
}

func (tx *badgerTx) DeleteBlob(id int64) error {
	var blob floe.Blob
	err := get(tx.txn, kBlob+hexID(id), &blob)
	if err != nil {
		return err
	}

	if len(keys(tx.txn, kBlobEntry+hexID(id)+"/")) > 0 {
		return fmt.Errorf("blob %s is still referenced", blob.Name)
	}

	err = unmark(tx.txn, kSessionBlob+hexID(blob.SessionID)+"/"+hexID(id))
	if err != nil {
		return err
	}

	return unmark(tx.txn, kBlob+hexID(id))
}

func (tx *badgerTx) InsertRestore(session *floe.RestoreSession) error {
	id, err := nextID(tx.txn, "restore")
	if err != nil {
		return err
	}

	session.ID = id
	return set(tx.txn, kRestore+hexID(id), session)
}

func (tx *badgerTx) UpdateRestore(session *floe.RestoreSession) error {
	var old floe.RestoreSession
	err := get(tx.txn, kRestore+hexID(session.ID), &old)
	if err != nil {
		return err
	}

	return set(tx.txn, kRestore+hexID(session.ID), session)
}

func rpendingKey(entry *floe.RestoreEntry) string {
	return kRPending + hexID(entry.SessionID) + "/" + hexOrdinal(entry.Ordinal) + "/" + hexID(entry.ID)
}

func (tx *badgerTx) InsertRestoreEntry(entry *floe.RestoreEntry) error {
	id, err := nextID(tx.txn, "rentry")
	if err != nil {
		return err
	}

	entry.ID = id
	err = set(tx.txn, kREntry+hexID(id), entry)
	if err != nil {
		return err
	}

	err = mark(tx.txn, kRSession+hexID(entry.SessionID)+"/"+hexID(id))
	if err == nil && entry.State == floe.EntryPending {
		err = mark(tx.txn, rpendingKey(entry))
	}

	return err
}

func (tx *badgerTx) UpdateRestoreEntry(entry *floe.RestoreEntry) error {
	var old floe.RestoreEntry
	err := get(tx.txn, kREntry+hexID(entry.ID), &old)
	if err != nil {
		return err
	}

	err = set(tx.txn, kREntry+hexID(entry.ID), entry)
	if err != nil {
		return err
	}

	if old.State == floe.EntryPending {
		err = unmark(tx.txn, rpendingKey(&old))
		if err != nil {
			return err
		}
	}

	if entry.State == floe.EntryPending {
		return mark(tx.txn, rpendingKey(entry))
	}

	return nil
}
