package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

const driverName = "sqlite"

const schema = `
CREATE TABLE meta (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);
CREATE TABLE files (
  path        TEXT PRIMARY KEY,
  language    TEXT NOT NULL,
  mod_time_ns INTEGER NOT NULL,
  size        INTEGER NOT NULL,
  tags        TEXT NOT NULL
);`

// SQLiteBackend stores the record in a SQLite database. Each save builds a
// fresh database beside the target and renames it into place.
type SQLiteBackend struct {
	Path string
}

func openDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(2000)", path)
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite cache %q: %w", path, err)
	}
	return db, nil
}

// Load reads the meta and files tables. A missing database is a nil
// record, not an error.
func (b *SQLiteBackend) Load() (*Record, error) {
	if _, err := os.Stat(b.Path); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	db, err := openDB(b.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer db.Close()

	meta := map[string]string{}
	rows, err := db.Query(`SELECT key, value FROM meta`)
	if err != nil {
		return nil, fmt.Errorf("%w: reading meta: %v", ErrCorrupt, err)
	}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: scanning meta: %v", ErrCorrupt, err)
		}
		meta[k] = v
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading meta: %v", ErrCorrupt, err)
	}

	rec := &Record{
		Format:      meta["format"],
		Fingerprint: meta["fingerprint"],
		RunID:       meta["run_id"],
		Files:       map[string]Entry{},
	}
	if rec.Version, err = strconv.Atoi(meta["version"]); err != nil {
		return nil, fmt.Errorf("%w: version %q", ErrIncompatible, meta["version"])
	}
	if at := meta["generated_at"]; at != "" {
		if rec.GeneratedAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("%w: generated_at %q", ErrCorrupt, at)
		}
	}

	rows, err = db.Query(`SELECT path, language, mod_time_ns, size, tags FROM files`)
	if err != nil {
		return nil, fmt.Errorf("%w: reading files: %v", ErrCorrupt, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			path, tags string
			e          Entry
		)
		if err := rows.Scan(&path, &e.Language, &e.ModTimeNs, &e.Size, &tags); err != nil {
			return nil, fmt.Errorf("%w: scanning files: %v", ErrCorrupt, err)
		}
		if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
			return nil, fmt.Errorf("%w: tags of %s: %v", ErrCorrupt, path, err)
		}
		rec.Files[path] = e
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading files: %v", ErrCorrupt, err)
	}
	return rec, nil
}

// Save writes rec into a temp database in one transaction and renames it
// over Path.
func (b *SQLiteBackend) Save(rec *Record) error {
	dir := filepath.Dir(b.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".sourcecrumb-*.db")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	tmp.Close()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpName)
			os.Remove(tmpName + "-journal")
		}
	}()

	if err := writeDB(tmpName, rec); err != nil {
		return err
	}

	if err := os.Rename(tmpName, b.Path); err != nil {
		return fmt.Errorf("renaming temp file to %s: %w", b.Path, err)
	}

	success = true
	return nil
}

func writeDB(path string, rec *Record) error {
	db, err := openDB(path)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("creating cache schema: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin cache transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	meta := map[string]string{
		"format":       rec.Format,
		"version":      strconv.Itoa(rec.Version),
		"fingerprint":  rec.Fingerprint,
		"generated_at": rec.GeneratedAt.Format(time.RFC3339Nano),
		"run_id":       rec.RunID,
	}
	for k, v := range meta {
		if _, err := tx.Exec(`INSERT INTO meta (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("writing meta %s: %w", k, err)
		}
	}

	stmt, err := tx.Prepare(`INSERT INTO files (path, language, mod_time_ns, size, tags) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare files insert: %w", err)
	}
	defer stmt.Close()

	for _, path := range rec.Paths() {
		e := rec.Files[path]
		tags, err := json.Marshal(e.Tags)
		if err != nil {
			return fmt.Errorf("encoding tags of %s: %w", path, err)
		}
		if _, err := stmt.Exec(path, e.Language, e.ModTimeNs, e.Size, string(tags)); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cache transaction: %w", err)
	}
	return db.Close()
}
