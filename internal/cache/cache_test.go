package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phobologic/sourcecrumb/internal/model"
)

const testFingerprint = "abc123"

var (
	t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Second)
)

func helperTags() []model.Tag {
	return []model.Tag{
		{Name: "helper", Kind: model.Definition, SymbolKind: model.Function, Line: 1, File: "a.py", Signature: "helper()"},
	}
}

func backends(t *testing.T) map[string]Backend {
	dir := t.TempDir()
	return map[string]Backend{
		"file":   Open(filepath.Join(dir, "cache.zst")),
		"sqlite": Open(filepath.Join(dir, "cache.db")),
	}
}

func TestOpenPicksBackend(t *testing.T) {
	t.Parallel()

	assert.IsType(t, &SQLiteBackend{}, Open("x/cache.db"))
	assert.IsType(t, &SQLiteBackend{}, Open("x/cache.SQLITE"))
	assert.IsType(t, &FileBackend{}, Open("x/.sourcecrumb-cache"))
	assert.IsType(t, &FileBackend{}, Open("x/cache.json.zst"))
}

func TestLoadMissingIsEmpty(t *testing.T) {
	t.Parallel()

	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			tr := NewTracker(b, testFingerprint)
			require.NoError(t, tr.Load())
			assert.Equal(t, 0, tr.Len())
			_, ok := tr.Classify("a.py", "python", t0)
			assert.False(t, ok)
		})
	}
}

func TestRoundTripAndReuse(t *testing.T) {
	t.Parallel()

	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			tr := NewTracker(b, testFingerprint)
			require.NoError(t, tr.Load())
			tr.Update("a.py", "python", t0, 42, helperTags())
			tr.Update("b.py", "python", t0, 7, nil)
			require.NoError(t, tr.Save("run-1", t1))

			rec, err := b.Load()
			require.NoError(t, err)
			require.NotNil(t, rec)
			assert.Equal(t, Format, rec.Format)
			assert.Equal(t, Version, rec.Version)
			assert.Equal(t, testFingerprint, rec.Fingerprint)
			assert.Equal(t, "run-1", rec.RunID)
			assert.True(t, rec.GeneratedAt.Equal(t1))
			assert.Equal(t, []string{"a.py", "b.py"}, rec.Paths())
			assert.Equal(t, int64(42), rec.Files["a.py"].Size)

			again := NewTracker(b, testFingerprint)
			require.NoError(t, again.Load())
			assert.Equal(t, 2, again.Len())

			tags, ok := again.Classify("a.py", "python", t0)
			require.True(t, ok)
			assert.Equal(t, helperTags(), tags)

			// An older file on disk is still reusable.
			_, ok = again.Classify("a.py", "python", t0.Add(-time.Hour))
			assert.True(t, ok)
		})
	}
}

func TestClassifyStale(t *testing.T) {
	t.Parallel()

	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			tr := NewTracker(b, testFingerprint)
			tr.Update("a.py", "python", t0, 1, helperTags())
			require.NoError(t, tr.Save("run-1", t0))

			again := NewTracker(b, testFingerprint)
			require.NoError(t, again.Load())

			_, ok := again.Classify("a.py", "python", t0.Add(time.Nanosecond))
			assert.False(t, ok, "newer file must be reparsed")

			_, ok = again.Classify("a.py", "ruby", t0)
			assert.False(t, ok, "language change must be reparsed")

			_, ok = again.Classify("new.py", "python", t0)
			assert.False(t, ok, "unknown file must be parsed")
		})
	}
}

func TestSavePrunesUntouched(t *testing.T) {
	t.Parallel()

	b := Open(filepath.Join(t.TempDir(), "cache"))
	tr := NewTracker(b, testFingerprint)
	tr.Update("a.py", "python", t0, 1, nil)
	tr.Update("gone.py", "python", t0, 1, nil)
	require.NoError(t, tr.Save("run-1", t0))

	second := NewTracker(b, testFingerprint)
	require.NoError(t, second.Load())
	second.Update("a.py", "python", t0, 1, nil)
	require.NoError(t, second.Save("run-2", t1))

	rec, err := b.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.py"}, rec.Paths())
}

func TestIncompatibleRecord(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rec  Record
	}{
		{name: "version", rec: Record{Format: Format, Version: Version + 1, Fingerprint: testFingerprint}},
		{name: "format", rec: Record{Format: "other-tool", Version: Version, Fingerprint: testFingerprint}},
		{name: "fingerprint", rec: Record{Format: Format, Version: Version, Fingerprint: "queries-changed"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b := Open(filepath.Join(t.TempDir(), "cache"))
			rec := tt.rec
			rec.Files = map[string]Entry{"a.py": {Language: "python", ModTimeNs: t1.UnixNano(), Tags: helperTags()}}
			require.NoError(t, b.Save(&rec))

			tr := NewTracker(b, testFingerprint)
			err := tr.Load()
			require.ErrorIs(t, err, ErrIncompatible)
			assert.Equal(t, 0, tr.Len())
			_, ok := tr.Classify("a.py", "python", t0)
			assert.False(t, ok, "incompatible cache must never be partially trusted")
		})
	}
}

func TestCorruptRecord(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"cache", "cache.db"} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, os.WriteFile(path, []byte("definitely not a cache"), 0o644))

			tr := NewTracker(Open(path), testFingerprint)
			err := tr.Load()
			require.ErrorIs(t, err, ErrCorrupt)
			assert.Equal(t, 0, tr.Len())
		})
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"cache", "cache.db"} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			path := filepath.Join(dir, name)
			tr := NewTracker(Open(path), testFingerprint)
			tr.Update("a.py", "python", t0, 1, helperTags())
			require.NoError(t, tr.Save("run-1", t0))
			// Saving over an existing record replaces it.
			require.NoError(t, tr.Save("run-2", t1))

			entries, err := os.ReadDir(dir)
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, name, entries[0].Name())

			rec, err := Open(path).Load()
			require.NoError(t, err)
			assert.Equal(t, "run-2", rec.RunID)
		})
	}
}

func TestUpdateConcurrent(t *testing.T) {
	t.Parallel()

	b := Open(filepath.Join(t.TempDir(), "cache"))
	tr := NewTracker(b, testFingerprint)

	done := make(chan struct{})
	for i := range 8 {
		go func() {
			defer func() { done <- struct{}{} }()
			tr.Update(filepath.Join("pkg", string(rune('a'+i))+".py"), "python", t0, 1, nil)
		}()
	}
	for range 8 {
		<-done
	}
	require.NoError(t, tr.Save("run", t0))

	rec, err := b.Load()
	require.NoError(t, err)
	assert.Len(t, rec.Files, 8)
}
