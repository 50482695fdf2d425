package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// FileBackend stores the record as zstd-compressed JSON.
type FileBackend struct {
	Path string
}

// Load returns nil and no error when the file does not exist yet.
func (b *FileBackend) Load() (*Record, error) {
	f, err := os.Open(b.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening cache %s: %w", b.Path, err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer dec.Close()

	var rec Record
	if err := json.NewDecoder(dec).Decode(&rec); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, b.Path, err)
	}
	return &rec, nil
}

// Save writes to a temp file in the target directory, syncs it, and renames
// it over the old record so readers never see a partial file.
func (b *FileBackend) Save(rec *Record) error {
	dir := filepath.Dir(b.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".sourcecrumb-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpName)
		}
	}()

	enc, err := zstd.NewWriter(tmp)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("creating encoder: %w", err)
	}
	if err := json.NewEncoder(enc).Encode(rec); err != nil {
		enc.Close()
		tmp.Close()
		return fmt.Errorf("encoding cache: %w", err)
	}
	if err := enc.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("flushing encoder: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpName, b.Path); err != nil {
		return fmt.Errorf("renaming temp file to %s: %w", b.Path, err)
	}

	success = true
	return nil
}
