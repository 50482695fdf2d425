// Package cache persists per-file tags between runs so unchanged files skip
// re-extraction.
package cache

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/phobologic/sourcecrumb/internal/model"
)

const (
	// Format tags every record so foreign files are never trusted.
	Format = "sourcecrumb-cache"
	// Version is bumped whenever Entry or Tag change shape.
	Version = 1
)

var (
	// ErrIncompatible means the record was written by a different format,
	// version or query set and must be discarded whole.
	ErrIncompatible = errors.New("incompatible cache record")
	// ErrCorrupt means the record could not be decoded.
	ErrCorrupt = errors.New("corrupt cache record")
)

// Entry is the cached state of one file.
type Entry struct {
	Language  string      `json:"language"`
	ModTimeNs int64       `json:"mod_time_ns"`
	Size      int64       `json:"size"`
	Tags      []model.Tag `json:"tags"`
}

// Record is the persisted cache.
type Record struct {
	Format      string           `json:"format"`
	Version     int              `json:"version"`
	Fingerprint string           `json:"fingerprint"`
	GeneratedAt time.Time        `json:"generated_at"`
	RunID       string           `json:"run_id"`
	Files       map[string]Entry `json:"files"`
}

// Backend loads and stores a Record. Load returns (nil, nil) when nothing
// has been saved yet.
type Backend interface {
	Load() (*Record, error)
	Save(rec *Record) error
}

// Open picks a backend from the path extension: .db and .sqlite select
// SQLite, anything else the compressed JSON file.
func Open(path string) Backend {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return &SQLiteBackend{Path: path}
	default:
		return &FileBackend{Path: path}
	}
}

// Tracker decides which files can reuse cached tags and collects the
// entries to persist after the run. Update is safe for concurrent use.
type Tracker struct {
	backend     Backend
	fingerprint string

	prev map[string]Entry

	mu   sync.Mutex
	next map[string]Entry
}

// NewTracker returns a Tracker bound to backend. fingerprint identifies the
// extraction rules; a record with another fingerprint is incompatible.
func NewTracker(backend Backend, fingerprint string) *Tracker {
	return &Tracker{
		backend:     backend,
		fingerprint: fingerprint,
		prev:        map[string]Entry{},
		next:        map[string]Entry{},
	}
}

// Load reads the prior record. On any error the tracker starts empty and
// every file needs a reparse; the error is returned so the caller can warn.
func (t *Tracker) Load() error {
	rec, err := t.backend.Load()
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	if err := t.check(rec); err != nil {
		return err
	}
	if rec.Files != nil {
		t.prev = rec.Files
	}
	return nil
}

func (t *Tracker) check(rec *Record) error {
	switch {
	case rec.Format != Format:
		return fmt.Errorf("%w: format %q", ErrIncompatible, rec.Format)
	case rec.Version != Version:
		return fmt.Errorf("%w: version %d, want %d", ErrIncompatible, rec.Version, Version)
	case rec.Fingerprint != t.fingerprint:
		return fmt.Errorf("%w: query fingerprint changed", ErrIncompatible)
	}
	return nil
}

// Len returns the number of entries loaded from the prior record.
func (t *Tracker) Len() int { return len(t.prev) }

// Classify returns the cached tags for path when the file is reusable: an
// entry exists for the same language and its recorded modification time is
// not older than modTime.
func (t *Tracker) Classify(path, language string, modTime time.Time) ([]model.Tag, bool) {
	e, ok := t.prev[path]
	if !ok || e.Language != language {
		return nil, false
	}
	if e.ModTimeNs < modTime.UnixNano() {
		return nil, false
	}
	return e.Tags, true
}

// Update records the state of path for the next save. The modification
// time must be the one Classify was asked about.
func (t *Tracker) Update(path, language string, modTime time.Time, size int64, tags []model.Tag) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next[path] = Entry{
		Language:  language,
		ModTimeNs: modTime.UnixNano(),
		Size:      size,
		Tags:      tags,
	}
}

// Save persists the updated entries. Files never passed to Update are
// dropped, which prunes deleted files.
func (t *Tracker) Save(runID string, now time.Time) error {
	t.mu.Lock()
	files := make(map[string]Entry, len(t.next))
	for k, v := range t.next {
		files[k] = v
	}
	t.mu.Unlock()

	rec := &Record{
		Format:      Format,
		Version:     Version,
		Fingerprint: t.fingerprint,
		GeneratedAt: now.UTC(),
		RunID:       runID,
		Files:       files,
	}
	if err := t.backend.Save(rec); err != nil {
		return fmt.Errorf("saving cache: %w", err)
	}
	return nil
}

// Paths returns the sorted paths held by rec.
func (rec *Record) Paths() []string {
	paths := make([]string, 0, len(rec.Files))
	for p := range rec.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
