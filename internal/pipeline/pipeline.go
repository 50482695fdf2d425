// Package pipeline runs one repository map build: discovery, cached or
// fresh tag extraction, resolution, ranking and selection.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	sitter "github.com/smacker/go-tree-sitter"
	"golang.org/x/sync/errgroup"

	"github.com/phobologic/sourcecrumb/internal/cache"
	"github.com/phobologic/sourcecrumb/internal/discover"
	"github.com/phobologic/sourcecrumb/internal/graph"
	"github.com/phobologic/sourcecrumb/internal/lang"
	"github.com/phobologic/sourcecrumb/internal/logging"
	"github.com/phobologic/sourcecrumb/internal/metrics"
	"github.com/phobologic/sourcecrumb/internal/model"
	"github.com/phobologic/sourcecrumb/internal/parse"
	"github.com/phobologic/sourcecrumb/internal/ranking"
)

// ErrNoFiles is returned when discovery leaves nothing to parse.
var ErrNoFiles = errors.New("no parseable files found")

// DefaultMaxFileSize applies when Options.MaxFileSize is unset.
const DefaultMaxFileSize = 1_000_000 // 1 MB

// ExtractFunc extracts tags from one file. parse.ExtractTags is the
// default; tests substitute a counting wrapper.
type ExtractFunc func(ctx context.Context, l *lang.Language, parser *sitter.Parser, query *sitter.Query, source []byte, path string) ([]model.Tag, error)

// Options configures a run.
type Options struct {
	Root        string
	Discover    discover.Options
	MaxFileSize int64
	MaxFiles    int
	Symbol      string // focus on definitions containing this
	File        string // focus on paths containing this
	CachePath   string
	Workers     int // <= 0 means GOMAXPROCS
	Rank        graph.RankOptions

	RunID   string
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Extract ExtractFunc
	Now     func() time.Time
}

// Stats summarizes a run.
type Stats struct {
	Discovered int
	Skipped    int // over the size limit or unreadable
	Parsed     int // extracted this run, including failures
	Reused     int // served from cache
	Failed     int // syntax or encoding errors, kept as tagless nodes
	Edges      int
	Resolve    graph.ResolveStats
	Rank       graph.RankResult
	CacheSaved bool
	Duration   time.Duration
}

// Result is a finished run.
type Result struct {
	RunID string
	Map   *model.RepoMap // after focus filters and top-N selection
	Stats Stats
}

// fileState is the per-file outcome written by workers.
type fileState int

const (
	stateReused fileState = iota + 1
	stateParsed
	stateFailed
	stateUnreadable
)

type slot struct {
	entry discover.FileEntry
	info  model.FileInfo
	state fileState
}

// Run builds the repository map for opts.Root. The cache is written only
// when the whole run succeeds; a cancelled context leaves it untouched.
func Run(ctx context.Context, opts Options) (*Result, error) {
	start := time.Now()
	opts = withDefaults(opts)
	log := opts.Logger.With("run_id", opts.RunID)
	m := opts.Metrics

	root, err := checkRoot(opts.Root)
	if err != nil {
		return nil, err
	}

	var stats Stats

	// Discover files
	stageStart := time.Now()
	entries, err := discover.Files(root, opts.Discover)
	if err != nil {
		return nil, fmt.Errorf("discovering files: %w", err)
	}
	stats.Discovered = len(entries)
	if len(entries) == 0 {
		return nil, ErrNoFiles
	}

	entries = filterBySize(entries, opts.MaxFileSize, log)
	stats.Skipped = stats.Discovered - len(entries)
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w (all exceeded size limit)", ErrNoFiles)
	}
	m.ObserveStage("discover", time.Since(stageStart))

	var tracker *cache.Tracker
	if opts.CachePath != "" {
		tracker = cache.NewTracker(cache.Open(opts.CachePath), lang.Fingerprint())
		if err := tracker.Load(); err != nil {
			log.Warn("cache ignored, reparsing everything", "path", opts.CachePath, "error", err)
		}
	}

	// Classify, then extract what the cache cannot serve
	stageStart = time.Now()
	slots := make([]slot, len(entries))
	var work []int
	for i, e := range entries {
		slots[i].entry = e
		if tracker != nil {
			if tags, ok := tracker.Classify(e.Path, e.Language, e.ModTime); ok {
				slots[i].info = fileInfo(e, tags)
				slots[i].state = stateReused
				continue
			}
		}
		work = append(work, i)
	}

	if err := extract(ctx, root, slots, work, opts, log); err != nil {
		return nil, err
	}
	m.ObserveStage("extract", time.Since(stageStart))

	var fileInfos []model.FileInfo
	for i := range slots {
		s := &slots[i]
		switch s.state {
		case stateUnreadable:
			stats.Skipped++
			continue
		case stateReused:
			stats.Reused++
		case stateParsed:
			stats.Parsed++
		case stateFailed:
			stats.Parsed++
			stats.Failed++
		}
		fileInfos = append(fileInfos, s.info)
		if tracker != nil {
			tracker.Update(s.entry.Path, s.entry.Language, s.entry.ModTime, s.entry.Size, s.info.Tags)
		}
	}
	if len(fileInfos) == 0 {
		return nil, fmt.Errorf("%w (no file could be read)", ErrNoFiles)
	}

	// Build graph and rank
	stageStart = time.Now()
	deps, rstats := graph.Resolve(fileInfos)
	stats.Resolve = rstats
	stats.Edges = len(deps)
	log.Debug("resolved references",
		"references", rstats.References,
		"resolved", rstats.Resolved,
		"self", rstats.SelfRefs,
		"unresolved", rstats.Unresolved,
		"ambiguous", rstats.Ambiguous,
	)

	stats.Rank = graph.Rank(fileInfos, deps, opts.Rank)
	if !stats.Rank.Converged {
		log.Warn("ranking did not converge",
			"iterations", stats.Rank.Iterations,
			"delta", stats.Rank.Delta,
		)
	}
	m.ObserveStage("rank", time.Since(stageStart))

	rm := &model.RepoMap{
		RepoName:     filepath.Base(root),
		Root:         opts.Root,
		Files:        fileInfos,
		Dependencies: deps,
	}
	if opts.Symbol != "" {
		rm = ranking.FilterBySymbol(rm, opts.Symbol)
	}
	if opts.File != "" {
		rm = ranking.FilterByFile(rm, opts.File)
	}
	if opts.MaxFiles > 0 {
		rm = ranking.SelectFiles(rm, opts.MaxFiles)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if tracker != nil {
		if err := tracker.Save(opts.RunID, opts.Now()); err != nil {
			log.Warn("cache not written", "path", opts.CachePath, "error", err)
		} else {
			stats.CacheSaved = true
		}
	}

	stats.Duration = time.Since(start)
	record(m, &stats, len(fileInfos))
	log.Debug("run complete",
		"files", len(fileInfos),
		"parsed", stats.Parsed,
		"reused", stats.Reused,
		"failed", stats.Failed,
		"skipped", stats.Skipped,
		"edges", stats.Edges,
		"iterations", stats.Rank.Iterations,
		"duration", stats.Duration,
	)

	return &Result{RunID: opts.RunID, Map: rm, Stats: stats}, nil
}

func withDefaults(opts Options) Options {
	if opts.Root == "" {
		opts.Root = "."
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Extract == nil {
		opts.Extract = parse.ExtractTags
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	return opts
}

func checkRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolving root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("root path: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s: not a directory", abs)
	}
	return abs, nil
}

func filterBySize(entries []discover.FileEntry, maxSize int64, log *slog.Logger) []discover.FileEntry {
	kept := entries[:0:0]
	for _, e := range entries {
		if e.Size > maxSize {
			log.Warn("skipped", "path", e.Path, "size", e.Size, "limit", maxSize)
			continue
		}
		kept = append(kept, e)
	}
	return kept
}

func fileInfo(e discover.FileEntry, tags []model.Tag) model.FileInfo {
	return model.FileInfo{
		Path:     e.Path,
		Language: e.Language,
		ModTime:  e.ModTime,
		Size:     e.Size,
		Tags:     tags,
	}
}

type parserPair struct {
	lang   *lang.Language
	parser *sitter.Parser
	query  *sitter.Query
}

// extract fills slots[work...] using a bounded pool. Each worker owns its
// parsers; compiled queries are shared. Parse failures are recorded on the
// slot; only cancellation or a broken query aborts the pool.
func extract(ctx context.Context, root string, slots []slot, work []int, opts Options, log *slog.Logger) error {
	if len(work) == 0 {
		return nil
	}

	numWorkers := opts.Workers
	if numWorkers <= 0 {
		numWorkers = runtime.GOMAXPROCS(0)
	}
	if numWorkers > len(work) {
		numWorkers = len(work)
	}

	jobs := make(chan int)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(jobs)
		for _, idx := range work {
			select {
			case jobs <- idx:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for range numWorkers {
		g.Go(func() error {
			parsers := make(map[string]*parserPair)
			defer func() {
				for _, pp := range parsers {
					pp.parser.Close()
				}
			}()

			for idx := range jobs {
				if err := gctx.Err(); err != nil {
					return err
				}
				s := &slots[idx]
				pp, err := parserFor(parsers, s.entry.Language)
				if err != nil {
					return err
				}

				source, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(s.entry.Path)))
				if err != nil {
					log.Warn("unreadable, skipped", "path", s.entry.Path, "error", err)
					s.state = stateUnreadable
					continue
				}

				began := time.Now()
				tags, err := opts.Extract(gctx, pp.lang, pp.parser, pp.query, source, s.entry.Path)
				opts.Metrics.ObserveParse(s.entry.Language, time.Since(began))

				switch {
				case err == nil:
					s.state = stateParsed
				case gctx.Err() != nil:
					return gctx.Err()
				default:
					log.Warn("parse failed, keeping file without symbols", "path", s.entry.Path, "error", err)
					s.state = stateFailed
					tags = nil
				}
				s.info = fileInfo(s.entry, tags)
			}
			return nil
		})
	}

	return g.Wait()
}

func parserFor(parsers map[string]*parserPair, language string) (*parserPair, error) {
	if pp, ok := parsers[language]; ok {
		return pp, nil
	}
	l, ok := lang.Languages[language]
	if !ok {
		return nil, fmt.Errorf("no grammar registered for %q", language)
	}
	q, err := l.GetTagQuery()
	if err != nil {
		return nil, fmt.Errorf("compiling %s query: %w", language, err)
	}
	pp := &parserPair{lang: l, parser: l.NewParser(), query: q}
	parsers[language] = pp
	return pp, nil
}

func record(m *metrics.Metrics, s *Stats, nodes int) {
	m.SetFiles(metrics.StateDiscovered, s.Discovered)
	m.SetFiles(metrics.StateParsed, s.Parsed)
	m.SetFiles(metrics.StateReused, s.Reused)
	m.SetFiles(metrics.StateFailed, s.Failed)
	m.SetFiles(metrics.StateSkipped, s.Skipped)
	m.SetGraph(nodes, s.Edges, s.Rank.Iterations, s.Rank.Converged)
}
