// Package watch re-runs a callback when source files under a root change.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/phobologic/sourcecrumb/internal/discover"
	"github.com/phobologic/sourcecrumb/internal/lang"
	"github.com/phobologic/sourcecrumb/internal/logging"
	"github.com/phobologic/sourcecrumb/internal/metrics"
)

// OnChange receives the sorted, slash-separated relative paths changed
// since the last call. An error is logged and watching continues.
type OnChange func(ctx context.Context, paths []string) error

// Options configures a Watcher. The filters match discovery so only files
// that could appear in the map trigger OnChange.
type Options struct {
	Root      string
	Debounce  time.Duration
	Languages []string // only these languages when non-empty
	Exclude   []string
	SkipTests bool
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	OnChange  OnChange
}

// Watcher debounces filesystem events under one root.
type Watcher struct {
	root      string
	debounce  time.Duration
	langs     map[string]struct{}
	excludes  *discover.Excludes
	skipTests bool
	log       *slog.Logger
	metrics   *metrics.Metrics
	onChange  OnChange

	fsw     *fsnotify.Watcher
	pending map[string]struct{}
}

// New registers every directory under opts.Root that discovery would
// descend. Events are not consumed until Run is called.
func New(opts Options) (*Watcher, error) {
	if opts.OnChange == nil {
		return nil, errors.New("watch: OnChange is required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, err
	}
	excludes, err := discover.CompileExcludes(opts.Exclude)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		root:      root,
		debounce:  opts.Debounce,
		langs:     make(map[string]struct{}, len(opts.Languages)),
		excludes:  excludes,
		skipTests: opts.SkipTests,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		onChange:  opts.OnChange,
		fsw:       fsw,
		pending:   make(map[string]struct{}),
	}
	for _, l := range opts.Languages {
		w.langs[l] = struct{}{}
	}

	if err := w.addRecursive(root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// Run consumes events until ctx is done. Changes are collected until no
// new event arrives for the debounce interval, then handed to OnChange.
// Run returns nil on cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.metrics.WatchEvent()
			if w.handle(event) {
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", "error", err)

		case <-timer.C:
			w.flush(ctx)
		}
	}
}

// handle records a relevant event and reports whether it was queued.
func (w *Watcher) handle(event fsnotify.Event) bool {
	rel, ok := w.rel(event.Name)
	if !ok {
		return false
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if w.skipDir(rel) {
				return false
			}
			if err := w.addRecursive(event.Name); err != nil {
				w.log.Warn("failed to watch new directory", "path", rel, "error", err)
			}
			w.pending[rel+"/"] = struct{}{}
			return true
		}
	}

	if !w.relevant(rel) {
		return false
	}
	if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
		event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		w.pending[rel] = struct{}{}
		return true
	}
	return false
}

func (w *Watcher) flush(ctx context.Context) {
	if len(w.pending) == 0 {
		return
	}
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	clear(w.pending)

	w.log.Debug("change detected", "paths", len(paths))
	if err := w.onChange(ctx, paths); err != nil && ctx.Err() == nil {
		w.log.Error("rebuild failed", "error", err)
	}
}

// relevant reports whether a file path could be part of the map.
func (w *Watcher) relevant(rel string) bool {
	dir, name := "", rel
	if i := strings.LastIndex(rel, "/"); i >= 0 {
		dir, name = rel[:i], rel[i+1:]
	}
	if strings.HasPrefix(name, ".") {
		return false
	}
	if dir != "" && w.skipDir(dir) {
		return false
	}
	language := lang.ForExtension(filepath.Ext(name))
	if language == "" {
		return false
	}
	if len(w.langs) > 0 {
		if _, ok := w.langs[language]; !ok {
			return false
		}
	}
	if w.skipTests && discover.IsTestFile(rel) {
		return false
	}
	return !w.excludes.Match(rel)
}

// skipDir reports whether rel, or any of its parents, is never descended.
func (w *Watcher) skipDir(rel string) bool {
	parts := strings.Split(rel, "/")
	for i, part := range parts {
		if discover.SkipDir(part) || w.excludes.Match(strings.Join(parts[:i+1], "/")) {
			return true
		}
	}
	return false
}

func (w *Watcher) rel(abs string) (string, bool) {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // vanished while walking
		}
		if !d.IsDir() {
			return nil
		}
		if rel, ok := w.rel(p); ok && w.skipDir(rel) {
			return filepath.SkipDir
		}
		return w.fsw.Add(p)
	})
}
