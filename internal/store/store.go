// Package store persists the refresh pipeline's output: the agency and
// title catalogues, gzip snapshots of title XML, and computed word counts.
package store

import (
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"ecfr-dashboard/internal/ecfr"
)

const (
	dbFile     = "ecfr.sqlite"
	xmlDir     = "xml"
	maxXMLSize = 300 << 20 // limit on a single uncompressed title
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

type Store struct {
	db      *sql.DB
	dataDir string
}

// Open creates dataDir if needed, opens the SQLite database inside it and
// applies the schema.
func Open(ctx context.Context, dataDir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, xmlDir), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sql.Open("sqlite3", filepath.Join(dataDir, dbFile)+"?_busy_timeout=5000&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	st := New(db, dataDir)
	if err := st.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return st, nil
}

func New(db *sql.DB, dataDir string) *Store {
	return &Store{db: db, dataDir: dataDir}
}

func (s *Store) InitSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS agencies (
  slug TEXT PRIMARY KEY,
  parent_slug TEXT,
  position INTEGER NOT NULL,
  name TEXT NOT NULL,
  json TEXT NOT NULL,
  updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS titles (
  number INTEGER PRIMARY KEY,
  name TEXT NOT NULL,
  up_to_date_as_of TEXT NOT NULL,
  latest_amended_on TEXT NOT NULL DEFAULT '',
  reserved INTEGER NOT NULL,
  updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  title_number INTEGER NOT NULL,
  issue_date TEXT NOT NULL,
  file_path TEXT NOT NULL,
  created_at TEXT NOT NULL,
  UNIQUE(title_number, issue_date),
  FOREIGN KEY(title_number) REFERENCES titles(number)
);

CREATE TABLE IF NOT EXISTS word_counts (
  agency_slug TEXT NOT NULL,
  title_number INTEGER NOT NULL,
  issue_date TEXT NOT NULL,
  words INTEGER NOT NULL,
  checksum TEXT NOT NULL,
  created_at TEXT NOT NULL,
  PRIMARY KEY(agency_slug, title_number, issue_date),
  FOREIGN KEY(agency_slug) REFERENCES agencies(slug)
);

CREATE TABLE IF NOT EXISTS agency_totals (
  agency_slug TEXT NOT NULL,
  issue_date TEXT NOT NULL,
  words INTEGER NOT NULL,
  checksum TEXT NOT NULL,
  created_at TEXT NOT NULL,
  PRIMARY KEY(agency_slug, issue_date),
  FOREIGN KEY(agency_slug) REFERENCES agencies(slug)
);

CREATE TABLE IF NOT EXISTS state (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) Close() error { return s.db.Close() }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// UpsertAgencies stores the agency tree flattened, remembering each
// agency's parent and feed position.
func (s *Store) UpsertAgencies(ctx context.Context, agencies []ecfr.Agency) error {
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO agencies(slug, parent_slug, position, name, json, updated_at)
VALUES(?,?,?,?,?,?)
ON CONFLICT(slug) DO UPDATE SET parent_slug=excluded.parent_slug, position=excluded.position,
  name=excluded.name, json=excluded.json, updated_at=excluded.updated_at
`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	pos := 0
	var walk func(parent string, list []ecfr.Agency) error
	walk = func(parent string, list []ecfr.Agency) error {
		for _, a := range list {
			flat := a
			flat.Children = nil
			b, err := json.Marshal(flat)
			if err != nil {
				return err
			}
			var p any
			if parent != "" {
				p = parent
			}
			if _, err := stmt.ExecContext(ctx, a.Slug, p, pos, a.Name, string(b), now); err != nil {
				return fmt.Errorf("upsert agency %s: %w", a.Slug, err)
			}
			pos++
			if err := walk(a.Slug, a.Children); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk("", agencies); err != nil {
		return err
	}
	return tx.Commit()
}

// Agencies returns every stored agency in feed order, each parent before
// its children. Children are not populated.
func (s *Store) Agencies(ctx context.Context) ([]ecfr.Agency, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT json FROM agencies ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ecfr.Agency
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var a ecfr.Agency
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("decode stored agency: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) UpsertTitles(ctx context.Context, titles []ecfr.Title) error {
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO titles(number, name, up_to_date_as_of, latest_amended_on, reserved, updated_at)
VALUES(?,?,?,?,?,?)
ON CONFLICT(number) DO UPDATE SET name=excluded.name, up_to_date_as_of=excluded.up_to_date_as_of,
  latest_amended_on=excluded.latest_amended_on, reserved=excluded.reserved, updated_at=excluded.updated_at
`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, t := range titles {
		res := 0
		if t.Reserved {
			res = 1
		}
		if _, err := stmt.ExecContext(ctx, t.Number, t.Name, t.UpToDateAsOf, t.LatestAmendedOn, res, now); err != nil {
			return fmt.Errorf("upsert title %d: %w", t.Number, err)
		}
	}
	return tx.Commit()
}

// Titles returns the stored titles ordered by number.
func (s *Store) Titles(ctx context.Context) ([]ecfr.Title, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT number, name, up_to_date_as_of, latest_amended_on, reserved FROM titles ORDER BY number`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ecfr.Title
	for rows.Next() {
		var t ecfr.Title
		var reserved int
		if err := rows.Scan(&t.Number, &t.Name, &t.UpToDateAsOf, &t.LatestAmendedOn, &reserved); err != nil {
			return nil, err
		}
		t.Reserved = reserved == 1
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO state(key, value, updated_at) VALUES(?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at
`, key, value, time.Now().UTC().Format(time.RFC3339))
	return err
}

// GetState returns the value stored under key, or "" when unset.
func (s *Store) GetState(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key=?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

func (s *Store) SnapshotExists(ctx context.Context, title int, date string) (bool, error) {
	var x int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM snapshots WHERE title_number=? AND issue_date=? LIMIT 1`, title, date).Scan(&x)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// SaveSnapshotFromReader gzips r into the data directory and records it.
// The file is written to a temporary name and renamed into place.
func (s *Store) SaveSnapshotFromReader(ctx context.Context, title int, date string, r io.Reader) error {
	fn := fmt.Sprintf("title-%d_%s.xml.gz", title, date)
	dir := filepath.Join(s.dataDir, xmlDir)
	path := filepath.Join(dir, fn)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, fn+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	gz := gzip.NewWriter(tmp)
	n, err := io.Copy(gz, io.LimitReader(r, maxXMLSize+1))
	if err == nil && n > maxXMLSize {
		err = fmt.Errorf("snapshot title %d exceeds %d bytes", title, maxXMLSize)
	}
	if err != nil {
		_ = gz.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	if err := os.Chmod(path, 0o644); err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO snapshots(title_number, issue_date, file_path, created_at)
VALUES(?,?,?,?)
ON CONFLICT(title_number, issue_date) DO UPDATE SET file_path=excluded.file_path, created_at=excluded.created_at
`, title, date, path, time.Now().UTC().Format(time.RFC3339))
	return err
}

type snapshotReader struct {
	*gzip.Reader
	f *os.File
}

func (r *snapshotReader) Close() error {
	err := r.Reader.Close()
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// OpenSnapshot streams the decompressed XML of a stored snapshot. It
// returns ErrNotFound when no snapshot was recorded.
func (s *Store) OpenSnapshot(ctx context.Context, title int, date string) (io.ReadCloser, error) {
	var path string
	err := s.db.QueryRowContext(ctx, `SELECT file_path FROM snapshots WHERE title_number=? AND issue_date=?`, title, date).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("snapshot title %d %s: %w", title, date, err)
	}
	return &snapshotReader{Reader: gz, f: f}, nil
}
