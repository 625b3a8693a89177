package index

import (
	"github.com/sloonz/floe/lib"

	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

var (
	sqliteLog = logrus.WithFields(logrus.Fields{
		"index": "sqlite",
	})

	sqliteSchema = []string{
		"CREATE TABLE IF NOT EXISTS sessions (" +
			"id INTEGER PRIMARY KEY AUTOINCREMENT, " +
			"state INTEGER NOT NULL, " +
			"checkpoint_length INTEGER NOT NULL, " +
			"rate_limit INTEGER NOT NULL, " +
			"compress INTEGER NOT NULL, " +
			"estimated_length INTEGER NOT NULL, " +
			"actual_length INTEGER NOT NULL, " +
			"created INTEGER NOT NULL" +
			")",
		"CREATE TABLE IF NOT EXISTS nodes (" +
			"id INTEGER PRIMARY KEY AUTOINCREMENT, " +
			"parent_id INTEGER NOT NULL, " +
			"type INTEGER NOT NULL, " +
			"name TEXT NOT NULL, " +
			"path TEXT NOT NULL UNIQUE" +
			")",
		"CREATE INDEX IF NOT EXISTS nodes_parent ON nodes (parent_id)",
		"CREATE TABLE IF NOT EXISTS blobs (" +
			"id INTEGER PRIMARY KEY AUTOINCREMENT, " +
			"session_id INTEGER NOT NULL REFERENCES sessions(id), " +
			"name TEXT NOT NULL UNIQUE, " +
			"length INTEGER NOT NULL, " +
			"crc32 INTEGER NOT NULL, " +
			"sealed INTEGER NOT NULL" +
			")",
		"CREATE TABLE IF NOT EXISTS entries (" +
			"id INTEGER PRIMARY KEY AUTOINCREMENT, " +
			"session_id INTEGER NOT NULL REFERENCES sessions(id), " +
			"node_id INTEGER NOT NULL REFERENCES nodes(id), " +
			"state INTEGER NOT NULL, " +
			"blob_id INTEGER NOT NULL, " +
			"blob_offset INTEGER NOT NULL, " +
			"length INTEGER NOT NULL, " +
			"crc32 INTEGER NOT NULL, " +
			"size INTEGER NOT NULL, " +
			"mode INTEGER NOT NULL, " +
			"mod_time INTEGER NOT NULL" +
			")",
		"CREATE INDEX IF NOT EXISTS entries_session_state ON entries (session_id, state, id)",
		"CREATE INDEX IF NOT EXISTS entries_node ON entries (node_id)",
		"CREATE INDEX IF NOT EXISTS entries_blob ON entries (blob_id)",
		"CREATE TABLE IF NOT EXISTS restores (" +
			"id INTEGER PRIMARY KEY AUTOINCREMENT, " +
			"state INTEGER NOT NULL, " +
			"root_path_map TEXT NOT NULL, " +
			"include TEXT NOT NULL, " +
			"exclude TEXT NOT NULL, " +
			"skip_existing INTEGER NOT NULL, " +
			"skip_readonly INTEGER NOT NULL, " +
			"verify_results INTEGER NOT NULL, " +
			"enable_deletes INTEGER NOT NULL, " +
			"rate_limit INTEGER NOT NULL, " +
			"checkpoint_length INTEGER NOT NULL, " +
			"total_length INTEGER NOT NULL, " +
			"restore_length INTEGER NOT NULL, " +
			"created INTEGER NOT NULL" +
			")",
		"CREATE TABLE IF NOT EXISTS restore_entries (" +
			"id INTEGER PRIMARY KEY AUTOINCREMENT, " +
			"session_id INTEGER NOT NULL REFERENCES restores(id), " +
			"backup_entry_id INTEGER NOT NULL REFERENCES entries(id), " +
			"state INTEGER NOT NULL, " +
			"length INTEGER NOT NULL, " +
			"ordinal INTEGER NOT NULL" +
			")",
		"CREATE INDEX IF NOT EXISTS restore_entries_next ON restore_entries (session_id, state, ordinal, id)",
	}
)

const (
	sessionColumns      = "id, state, checkpoint_length, rate_limit, compress, estimated_length, actual_length, created"
	nodeColumns         = "id, parent_id, type, name, path"
	blobColumns         = "id, session_id, name, length, crc32, sealed"
	entryColumns        = "id, session_id, node_id, state, blob_id, blob_offset, length, crc32, size, mode, mod_time"
	restoreColumns      = "id, state, root_path_map, include, exclude, skip_existing, skip_readonly, verify_results, enable_deletes, rate_limit, checkpoint_length, total_length, restore_length, created"
	restoreEntryColumns = "id, session_id, backup_entry_id, state, length, ordinal"
)

type sqliteIndex struct {
	db *sql.DB
}

// Common interface of *sql.DB and *sql.Tx
type queryer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

type sqliteTx struct {
	tx *sql.Tx
}

// Open (and create if needed) a SQLite index in the file path
func NewSQLite(path string) (floe.Index, error) {
	err := os.MkdirAll(filepath.Dir(path), 0777)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	// a single connection serializes transactions
	db.SetMaxOpenConns(1)

	for _, stmt := range sqliteSchema {
		_, err = db.Exec(stmt)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("cannot initialize sqlite index: %w", err)
		}
	}

	sqliteLog.Debugf("opened %s", path)
	return &sqliteIndex{db: db}, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (*floe.Session, error) {
	var s floe.Session
	var created int64
	err := row.Scan(&s.ID, &s.State, &s.CheckpointLength, &s.RateLimit, &s.Compress, &s.EstimatedLength, &s.ActualLength, &created)
	if err != nil {
		return nil, err
	}
	s.Created = fromNanos(created)
	return &s, nil
}

func scanNode(row scanner) (*floe.Node, error) {
	var n floe.Node
	err := row.Scan(&n.ID, &n.ParentID, &n.Type, &n.Name, &n.Path)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func scanBlob(row scanner) (*floe.Blob, error) {
	var b floe.Blob
	var crc int64
	err := row.Scan(&b.ID, &b.SessionID, &b.Name, &b.Length, &crc, &b.Sealed)
	if err != nil {
		return nil, err
	}
	b.Crc32 = uint32(crc)
	return &b, nil
}

func scanEntry(row scanner) (*floe.Entry, error) {
	var e floe.Entry
	var crc int64
	var mode uint32
	var modTime int64
	err := row.Scan(&e.ID, &e.SessionID, &e.NodeID, &e.State, &e.BlobID, &e.Offset, &e.Length, &crc, &e.Size, &mode, &modTime)
	if err != nil {
		return nil, err
	}
	e.Crc32 = uint32(crc)
	e.Mode = os.FileMode(mode)
	e.ModTime = fromNanos(modTime)
	return &e, nil
}

func scanRestore(row scanner) (*floe.RestoreSession, error) {
	var s floe.RestoreSession
	var rootPathMap, include, exclude string
	var created int64
	err := row.Scan(&s.ID, &s.State, &rootPathMap, &include, &exclude, &s.SkipExisting, &s.SkipReadOnly, &s.VerifyResults,
		&s.EnableDeletes, &s.RateLimit, &s.CheckpointLength, &s.TotalLength, &s.RestoreLength, &created)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal([]byte(rootPathMap), &s.RootPathMap)
	if err == nil {
		err = json.Unmarshal([]byte(include), &s.Include)
	}
	if err == nil {
		err = json.Unmarshal([]byte(exclude), &s.Exclude)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid restore session %d: %w", s.ID, err)
	}

	s.Created = fromNanos(created)
	return &s, nil
}

func scanRestoreEntry(row scanner) (*floe.RestoreEntry, error) {
	var e floe.RestoreEntry
	err := row.Scan(&e.ID, &e.SessionID, &e.BackupEntryID, &e.State, &e.Length, &e.Ordinal)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func queryOne[T any](q queryer, scan func(scanner) (*T, error), query string, args ...interface{}) (*T, error) {
	res, err := scan(q.QueryRow(query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, floe.ErrNotFound
	}
	return res, err
}

func queryAll[T any](q queryer, scan func(scanner) (*T, error), query string, args ...interface{}) ([]*T, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}

	return res, rows.Err()
}

// Like queryOne, but returns nil instead of ErrNotFound
func lookupOne[T any](q queryer, scan func(scanner) (*T, error), query string, args ...interface{}) (*T, error) {
	res, err := queryOne(q, scan, query, args...)
	if err == floe.ErrNotFound {
		return nil, nil
	}
	return res, err
}

func (i *sqliteIndex) ListSessions() ([]*floe.Session, error) {
	return queryAll(i.db, scanSession, "SELECT "+sessionColumns+" FROM sessions ORDER BY id")
}

func (i *sqliteIndex) FetchSession(id int64) (*floe.Session, error) {
	return queryOne(i.db, scanSession, "SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
}

func (i *sqliteIndex) LookupNextEntry(session *floe.Session) (*floe.Entry, error) {
	return lookupOne(i.db, scanEntry, "SELECT "+entryColumns+" FROM entries WHERE session_id = ? AND state = ? ORDER BY id LIMIT 1",
		session.ID, floe.EntryPending)
}

func (i *sqliteIndex) FetchEntry(id int64) (*floe.Entry, error) {
	return queryOne(i.db, scanEntry, "SELECT "+entryColumns+" FROM entries WHERE id = ?", id)
}

func (i *sqliteIndex) ListNodeEntries(nodeID int64) ([]*floe.Entry, error) {
	return queryAll(i.db, scanEntry, "SELECT e.id, e.session_id, e.node_id, e.state, e.blob_id, e.blob_offset, e.length, e.crc32, e.size, e.mode, e.mod_time "+
		"FROM entries e JOIN sessions s ON s.id = e.session_id WHERE e.node_id = ? ORDER BY s.created, e.id", nodeID)
}

func (i *sqliteIndex) ListBlobEntries(blobID int64) ([]*floe.Entry, error) {
	return queryAll(i.db, scanEntry, "SELECT "+entryColumns+" FROM entries WHERE blob_id = ? ORDER BY id", blobID)
}

func (i *sqliteIndex) FetchBlob(id int64) (*floe.Blob, error) {
	return queryOne(i.db, scanBlob, "SELECT "+blobColumns+" FROM blobs WHERE id = ?", id)
}

func (i *sqliteIndex) ListBlobs() ([]*floe.Blob, error) {
	return queryAll(i.db, scanBlob, "SELECT "+blobColumns+" FROM blobs ORDER BY id")
}

func (i *sqliteIndex) ListSessionBlobs(sessionID int64) ([]*floe.Blob, error) {
	return queryAll(i.db, scanBlob, "SELECT "+blobColumns+" FROM blobs WHERE session_id = ? ORDER BY id", sessionID)
}

func (i *sqliteIndex) FetchNode(id int64) (*floe.Node, error) {
	return queryOne(i.db, scanNode, "SELECT "+nodeColumns+" FROM nodes WHERE id = ?", id)
}

func (i *sqliteIndex) LookupNode(path string) (*floe.Node, error) {
	return lookupOne(i.db, scanNode, "SELECT "+nodeColumns+" FROM nodes WHERE path = ?", path)
}

func (i *sqliteIndex) ListRoots() ([]*floe.Node, error) {
	return queryAll(i.db, scanNode, "SELECT "+nodeColumns+" FROM nodes WHERE parent_id = 0 ORDER BY id")
}

func (i *sqliteIndex) ListChildren(nodeID int64) ([]*floe.Node, error) {
	return queryAll(i.db, scanNode, "SELECT "+nodeColumns+" FROM nodes WHERE parent_id = ? ORDER BY id", nodeID)
}

func (i *sqliteIndex) ListRestores() ([]*floe.RestoreSession, error) {
	return queryAll(i.db, scanRestore, "SELECT "+restoreColumns+" FROM restores ORDER BY id")
}

func (i *sqliteIndex) FetchRestore(id int64) (*floe.RestoreSession, error) {
	return queryOne(i.db, scanRestore, "SELECT "+restoreColumns+" FROM restores WHERE id = ?", id)
}

func (i *sqliteIndex) LookupNextRestoreEntry(session *floe.RestoreSession) (*floe.RestoreEntry, error) {
	return lookupOne(i.db, scanRestoreEntry, "SELECT "+restoreEntryColumns+" FROM restore_entries WHERE session_id = ? AND state = ? ORDER BY ordinal, id LIMIT 1",
		session.ID, floe.EntryPending)
}

func (i *sqliteIndex) FetchRestoreEntry(id int64) (*floe.RestoreEntry, error) {
	return queryOne(i.db, scanRestoreEntry, "SELECT "+restoreEntryColumns+" FROM restore_entries WHERE id = ?", id)
}

func (i *sqliteIndex) Update(fn func(tx floe.IndexTx) error) error {
	tx, err := i.db.Begin()
	if err != nil {
		return err
	}

	err = fn(&sqliteTx{tx: tx})
	if err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			sqliteLog.Warnf("cannot rollback transaction: %v", rerr)
		}
		return err
	}

	return tx.Commit()
}

func (i *sqliteIndex) Sync() error {
	_, err := i.db.Exec("PRAGMA wal_checkpoint(FULL)")
	return err
}

func (i *sqliteIndex) Close() error {
	return i.db.Close()
}

// Run an INSERT and return the new row id
func insert(tx *sql.Tx, query string, args ...interface{}) (int64, error) {
	res, err := tx.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Run an UPDATE or DELETE that must affect exactly one row
func updateOne(tx *sql.Tx, query string, args ...interface{}) error {
	res, err := tx.Exec(query, args...)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return floe.ErrNotFound
	}

	return nil
}

func (tx *sqliteTx) InsertSession(session *floe.Session) error {
	id, err := insert(tx.tx, "INSERT INTO sessions (state, checkpoint_length, rate_limit, compress, estimated_length, actual_length, created) VALUES (?, ?, ?, ?, ?, ?, ?)",
		session.State, session.CheckpointLength, session.RateLimit, session.Compress, session.EstimatedLength, session.ActualLength, toNanos(session.Created))
	if err != nil {
		return err
	}
	session.ID = id
	return nil
}

func (tx *sqliteTx) UpdateSession(session *floe.Session) error {
	return updateOne(tx.tx, "UPDATE sessions SET state = ?, checkpoint_length = ?, rate_limit = ?, compress = ?, estimated_length = ?, actual_length = ?, created = ? WHERE id = ?",
		session.State, session.CheckpointLength, session.RateLimit, session.Compress, session.EstimatedLength, session.ActualLength, toNanos(session.Created), session.ID)
}

func (tx *sqliteTx) InsertNode(node *floe.Node) error {
	id, err := insert(tx.tx, "INSERT INTO nodes (parent_id, type, name, path) VALUES (?, ?, ?, ?)",
		node.ParentID, node.Type, node.Name, node.Path)
	if err != nil {
		return err
	}
	node.ID = id
	return nil
}

func (tx *sqliteTx) InsertEntry(entry *floe.Entry) error {
	id, err := insert(tx.tx, "INSERT INTO entries (session_id, node_id, state, blob_id, blob_offset, length, crc32, size, mode, mod_time) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		entry.SessionID, entry.NodeID, entry.State, entry.BlobID, entry.Offset, entry.Length, int64(entry.Crc32), entry.Size, uint32(entry.Mode), toNanos(entry.ModTime))
	if err != nil {
		return err
	}
	entry.ID = id
	return nil
}

func (tx *sqliteTx) UpdateEntry(entry *floe.Entry) error {
	return updateOne(tx.tx, "UPDATE entries SET session_id = ?, node_id = ?, state = ?, blob_id = ?, blob_offset = ?, length = ?, crc32 = ?, size = ?, mode = ?, mod_time = ? WHERE id = ?",
		entry.SessionID, entry.NodeID, entry.State, entry.BlobID, entry.Offset, entry.Length, int64(entry.Crc32), entry.Size, uint32(entry.Mode), toNanos(entry.ModTime), entry.ID)
}

func (tx *sqliteTx) InsertBlob(blob *floe.Blob) error {
	id, err := insert(tx.tx, "INSERT INTO blobs (session_id, name, length, crc32, sealed) VALUES (?, ?, ?, ?, ?)",
		blob.SessionID, blob.Name, blob.Length, int64(blob.Crc32), blob.Sealed)
	if err != nil {
		return err
	}
	blob.ID = id
	return nil
}

func (tx *sqliteTx) UpdateBlob(blob *floe.Blob) error {
	return updateOne(tx.tx, "UPDATE blobs SET session_id = ?, name = ?, length = ?, crc32 = ?, sealed = ? WHERE id = ?",
		blob.SessionID, blob.Name, blob.Length, int64(blob.Crc32), blob.Sealed, blob.ID)
}

func (tx *sqliteTx) DeleteBlob(id int64) error {
	var refs int64
	err := tx.tx.QueryRow("SELECT COUNT(*) FROM entries WHERE blob_id = ?", id).Scan(&refs)
	if err != nil {
		return err
	}
	if refs > 0 {
		return fmt.Errorf("blob %d is still referenced", id)
	}

	return updateOne(tx.tx, "DELETE FROM blobs WHERE id = ?", id)
}

func encodeRestore(session *floe.RestoreSession) (string, string, string, error) {
	rootPathMap := session.RootPathMap
	if rootPathMap == nil {
		rootPathMap = map[string]string{}
	}

	var res [3][]byte
	var err error
	for i, v := range []interface{}{rootPathMap, session.Include, session.Exclude} {
		res[i], err = json.Marshal(v)
		if err != nil {
			return "", "", "", err
		}
	}

	return string(res[0]), string(res[1]), string(res[2]), nil
}

func (tx *sqliteTx) InsertRestore(session *floe.RestoreSession) error {
	rootPathMap, include, exclude, err := encodeRestore(session)
	if err != nil {
		return err
	}

	id, err := insert(tx.tx, "INSERT INTO restores (state, root_path_map, include, exclude, skip_existing, skip_readonly, verify_results, enable_deletes, rate_limit, checkpoint_length, total_length, restore_length, created) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		session.State, rootPathMap, include, exclude, session.SkipExisting, session.SkipReadOnly, session.VerifyResults, session.EnableDeletes,
		session.RateLimit, session.CheckpointLength, session.TotalLength, session.RestoreLength, toNanos(session.Created))
	if err != nil {
		return err
	}
	session.ID = id
	return nil
}

func (tx *sqliteTx) UpdateRestore(session *floe.RestoreSession) error {
	rootPathMap, include, exclude, err := encodeRestore(session)
	if err != nil {
		return err
	}

	return updateOne(tx.tx, "UPDATE restores SET state = ?, root_path_map = ?, include = ?, exclude = ?, skip_existing = ?, skip_readonly = ?, verify_results = ?, enable_deletes = ?, rate_limit = ?, checkpoint_length = ?, total_length = ?, restore_length = ?, created = ? WHERE id = ?",
		session.State, rootPathMap, include, exclude, session.SkipExisting, session.SkipReadOnly, session.VerifyResults, session.EnableDeletes,
		session.RateLimit, session.CheckpointLength, session.TotalLength, session.RestoreLength, toNanos(session.Created), session.ID)
}

func (tx *sqliteTx) InsertRestoreEntry(entry *floe.RestoreEntry) error {
	id, err := insert(tx.tx, "INSERT INTO restore_entries (session_id, backup_entry_id, state, length, ordinal) VALUES (?, ?, ?, ?, ?)",
		entry.SessionID, entry.BackupEntryID, entry.State, entry.Length, entry.Ordinal)
	if err != nil {
		return err
	}
	entry.ID = id
	return nil
}

func (tx *sqliteTx) UpdateRestoreEntry(entry *floe.RestoreEntry) error {
	return updateOne(tx.tx, "UPDATE restore_entries SET session_id = ?, backup_entry_id = ?, state = ?, length = ?, ordinal = ? WHERE id = ?",
		entry.SessionID, entry.BackupEntryID, entry.State, entry.Length, entry.Ordinal, entry.ID)
}
