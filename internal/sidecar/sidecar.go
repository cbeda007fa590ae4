// Package sidecar persists, per local path, the remote identity and content
// fingerprint recorded at the last successful sync of that path.
package sidecar

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/drivesync/internal/db"
)

const schema = `
CREATE TABLE IF NOT EXISTS sidecar (
    path TEXT PRIMARY KEY,
    dir TEXT NOT NULL,
    name TEXT NOT NULL,
    folder INTEGER NOT NULL DEFAULT 0,
    remote_id TEXT NOT NULL,
    parent_remote_id TEXT NOT NULL DEFAULT '',
    hash TEXT NOT NULL DEFAULT '',
    size INTEGER NOT NULL DEFAULT 0,
    remote_modified TEXT NOT NULL, -- RFC3339Nano, UTC
    local_mod_time TEXT NOT NULL,  -- RFC3339Nano, UTC
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sidecar_dir ON sidecar(dir);
CREATE INDEX IF NOT EXISTS idx_sidecar_remote_id ON sidecar(remote_id);
`

// subtree match on raw bytes; substr on TEXT counts characters
const treeWhere = "path = ? OR substr(CAST(path AS BLOB), 1, ?) = CAST(? AS BLOB)"

const columns = "path, dir, name, folder, remote_id, parent_remote_id, hash, size, remote_modified, local_mod_time, updated_at"

var ErrClosed = errors.New("sidecar: store is closed")

// Record is the last-synchronized state of one path. Path is relative to the
// sync root with forward slashes; the root itself is "".
type Record struct {
	Path           string
	Name           string
	Folder         bool
	RemoteID       string
	ParentRemoteID string
	Hash           string
	Size           int64
	// RemoteModified is the remote lastModified at the last sync.
	RemoteModified time.Time
	// LocalModTime is the local mtime right after the last sync.
	LocalModTime time.Time
}

// LocalUnchanged reports whether a file with this size and mtime still holds
// the content recorded here.
func (r *Record) LocalUnchanged(size int64, mod time.Time) bool {
	return r != nil && r.Size == size && r.LocalModTime.Equal(mod.UTC())
}

type dbRecord struct {
	Path           string `db:"path"`
	Dir            string `db:"dir"`
	Name           string `db:"name"`
	Folder         bool   `db:"folder"`
	RemoteID       string `db:"remote_id"`
	ParentRemoteID string `db:"parent_remote_id"`
	Hash           string `db:"hash"`
	Size           int64  `db:"size"`
	RemoteModified string `db:"remote_modified"`
	LocalModTime   string `db:"local_mod_time"`
	UpdatedAt      string `db:"updated_at"`
}

func (d *dbRecord) record() (*Record, error) {
	remoteMod, err := parseTime(d.RemoteModified)
	if err != nil {
		return nil, fmt.Errorf("remote_modified of %q: %w", d.Path, err)
	}
	localMod, err := parseTime(d.LocalModTime)
	if err != nil {
		return nil, fmt.Errorf("local_mod_time of %q: %w", d.Path, err)
	}
	return &Record{
		Path:           d.Path,
		Name:           d.Name,
		Folder:         d.Folder,
		RemoteID:       d.RemoteID,
		ParentRemoteID: d.ParentRemoteID,
		Hash:           d.Hash,
		Size:           d.Size,
		RemoteModified: remoteMod,
		LocalModTime:   localMod,
	}, nil
}

func toDB(r *Record, now time.Time) dbRecord {
	name := r.Name
	if name == "" && r.Path != "" {
		name = path.Base(r.Path)
	}
	return dbRecord{
		Path:           r.Path,
		Dir:            dirOf(r.Path),
		Name:           name,
		Folder:         r.Folder,
		RemoteID:       r.RemoteID,
		ParentRemoteID: r.ParentRemoteID,
		Hash:           r.Hash,
		Size:           r.Size,
		RemoteModified: formatTime(r.RemoteModified),
		LocalModTime:   formatTime(r.LocalModTime),
		UpdatedAt:      formatTime(now),
	}
}

// Store is a sqlite-backed sidecar. Writes go through a single connection;
// callers doing read-modify-write on a path hold Lock(path) around it.
type Store struct {
	db     *sqlx.DB
	dbPath string
	locks  *Locker
}

// Open opens or creates the store at dbPath; db.MemoryPath keeps it in memory.
func Open(dbPath string) (*Store, error) {
	conn, err := db.Open(db.WithPath(dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		return nil, fmt.Errorf("open sidecar store: %w", err)
	}
	if err := db.Migrate(conn, schema); err != nil {
		return nil, fmt.Errorf("sidecar schema: %w", err)
	}
	return &Store{db: conn, dbPath: dbPath, locks: NewLocker()}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return ErrClosed
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		slog.Error("sidecar close", "path", s.dbPath, "error", err)
		return err
	}
	return nil
}

// Lock serialises writers of one path until the returned func is called.
func (s *Store) Lock(p string) (unlock func()) {
	return s.locks.Lock(p)
}

// Get returns the record for p, or nil when there is none.
func (s *Store) Get(p string) (*Record, error) {
	var row dbRecord
	err := s.db.Get(&row, "SELECT "+columns+" FROM sidecar WHERE path = ?", p)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", p, err)
	}
	return row.record()
}

// ByRemoteID returns the record paired with a remote item, or nil.
func (s *Store) ByRemoteID(id string) (*Record, error) {
	var row dbRecord
	err := s.db.Get(&row, "SELECT "+columns+" FROM sidecar WHERE remote_id = ? LIMIT 1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get remote id %q: %w", id, err)
	}
	return row.record()
}

// Set inserts or replaces the record for r.Path.
func (s *Store) Set(r *Record) error {
	if r == nil {
		return fmt.Errorf("cannot set nil record")
	}

	row := toDB(r, time.Now())
	query := `INSERT OR REPLACE INTO sidecar (` + columns + `)
	          VALUES (:path, :dir, :name, :folder, :remote_id, :parent_remote_id, :hash, :size, :remote_modified, :local_mod_time, :updated_at)`
	if _, err := s.db.NamedExec(query, row); err != nil {
		return fmt.Errorf("set %q: %w", r.Path, err)
	}
	slog.Debug("sidecar set", "path", r.Path, "remoteId", r.RemoteID)
	return nil
}

func (s *Store) Delete(p string) error {
	if _, err := s.db.Exec("DELETE FROM sidecar WHERE path = ?", p); err != nil {
		return fmt.Errorf("delete %q: %w", p, err)
	}
	return nil
}

// DeleteTree removes p and every record below it.
func (s *Store) DeleteTree(p string) error {
	if p == "" {
		_, err := s.db.Exec("DELETE FROM sidecar")
		return err
	}
	prefix := p + "/"
	_, err := s.db.Exec("DELETE FROM sidecar WHERE "+treeWhere, p, len(prefix), prefix)
	if err != nil {
		return fmt.Errorf("delete tree %q: %w", p, err)
	}
	return nil
}

// List returns the records of the direct children of dir, ordered by path.
func (s *Store) List(dir string) ([]*Record, error) {
	var rows []dbRecord
	if err := s.db.Select(&rows, "SELECT "+columns+" FROM sidecar WHERE dir = ? ORDER BY path", dir); err != nil {
		return nil, fmt.Errorf("list %q: %w", dir, err)
	}

	records := make([]*Record, 0, len(rows))
	for i := range rows {
		r, err := rows[i].record()
		if err != nil {
			slog.Warn("sidecar skip corrupt record", "path", rows[i].Path, "error", err)
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

// Rename moves the record at from, and every record below it, to to.
func (s *Store) Rename(from, to string) error {
	if from == to {
		return nil
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("rename %q: %w", from, err)
	}
	defer tx.Rollback()

	prefix := from + "/"
	var rows []dbRecord
	err = tx.Select(&rows, "SELECT "+columns+" FROM sidecar WHERE "+treeWhere, from, len(prefix), prefix)
	if err != nil {
		return fmt.Errorf("rename %q: %w", from, err)
	}
	if _, err := tx.Exec("DELETE FROM sidecar WHERE "+treeWhere, from, len(prefix), prefix); err != nil {
		return fmt.Errorf("rename %q: %w", from, err)
	}

	now := formatTime(time.Now())
	for _, row := range rows {
		row.Path = to + strings.TrimPrefix(row.Path, from)
		row.Dir = dirOf(row.Path)
		if row.Path == to {
			row.Name = path.Base(to)
		}
		row.UpdatedAt = now
		query := `INSERT OR REPLACE INTO sidecar (` + columns + `)
		          VALUES (:path, :dir, :name, :folder, :remote_id, :parent_remote_id, :hash, :size, :remote_modified, :local_mod_time, :updated_at)`
		if _, err := tx.NamedExec(query, row); err != nil {
			return fmt.Errorf("rename %q to %q: %w", from, to, err)
		}
	}

	return tx.Commit()
}

func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.Get(&n, "SELECT COUNT(*) FROM sidecar"); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// dirOf is the dir column of a path. The root record gets a dir no child
// can have so it never lists as its own child.
func dirOf(p string) string {
	if p == "" {
		return "/"
	}
	d := path.Dir(p)
	if d == "." {
		return ""
	}
	return d
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
