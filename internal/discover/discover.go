// Package discover finds parseable source files in a repository.
package discover

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/gobwas/glob"
	ignore "github.com/sabhiram/go-gitignore"

	"github.com/phobologic/sourcecrumb/internal/lang"
)

// FileEntry represents a discovered source file.
type FileEntry struct {
	Path     string // Relative to repo root, slash-separated
	Language string
	ModTime  time.Time
	Size     int64
}

// Options narrows discovery.
type Options struct {
	Languages []string // only these languages when non-empty
	Exclude   []string // glob patterns
	SkipTests bool
}

var skipDirs = map[string]struct{}{
	"__pycache__":   {},
	"node_modules":  {},
	".git":          {},
	".hg":           {},
	".svn":          {},
	"venv":          {},
	".venv":         {},
	"env":           {},
	".env":          {},
	"build":         {},
	"dist":          {},
	".tox":          {},
	".mypy_cache":   {},
	".ruff_cache":   {},
	".pytest_cache": {},
	"egg-info":      {},
	"vendor":        {},
}

// SkipDir reports whether a directory with this name is never descended.
func SkipDir(name string) bool {
	_, skip := skipDirs[name]
	return skip || (strings.HasPrefix(name, ".") && name != "." && name != "..")
}

// Files discovers parseable source files under root, sorted by path.
func Files(root string, opts Options) ([]FileEntry, error) {
	langSet := make(map[string]struct{}, len(opts.Languages))
	for _, l := range opts.Languages {
		langSet[l] = struct{}{}
	}
	excludes, err := CompileExcludes(opts.Exclude)
	if err != nil {
		return nil, err
	}

	gitFiles := gitLsFiles(root)
	var gi *ignore.GitIgnore
	if gitFiles == nil {
		gi = loadGitignore(root)
	}

	var results []FileEntry

	err = filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // skip errors
		}

		name := d.Name()
		if p == root {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if SkipDir(name) || excludes.Match(rel) {
				return filepath.SkipDir
			}
			return nil
		}

		if strings.HasPrefix(name, ".") {
			return nil
		}

		// Skip symlinks
		if d.Type()&os.ModeSymlink != 0 {
			return nil
		}

		if gitFiles != nil {
			if _, ok := gitFiles[rel]; !ok {
				return nil
			}
		} else if gi != nil && gi.MatchesPath(rel) {
			return nil
		}

		langName := lang.ForExtension(filepath.Ext(name))
		if langName == "" {
			return nil
		}

		if len(langSet) > 0 {
			if _, ok := langSet[langName]; !ok {
				return nil
			}
		}

		if excludes.Match(rel) || (opts.SkipTests && IsTestFile(rel)) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}

		results = append(results, FileEntry{
			Path:     rel,
			Language: langName,
			ModTime:  info.ModTime(),
			Size:     info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Path < results[j].Path
	})

	return results, nil
}

// Excludes matches relative paths against user glob patterns. A pattern
// without a slash matches the base name; others match the whole path.
type Excludes struct {
	base []glob.Glob
	full []glob.Glob
}

// CompileExcludes compiles patterns; an invalid pattern is an error.
func CompileExcludes(patterns []string) (*Excludes, error) {
	ex := &Excludes{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", p, err)
		}
		if strings.Contains(p, "/") {
			ex.full = append(ex.full, g)
		} else {
			ex.base = append(ex.base, g)
		}
	}
	return ex, nil
}

// Match reports whether the slash-separated relative path is excluded.
func (ex *Excludes) Match(rel string) bool {
	if ex == nil {
		return false
	}
	base := path.Base(rel)
	for _, g := range ex.base {
		if g.Match(base) {
			return true
		}
	}
	for _, g := range ex.full {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

var testDirs = map[string]struct{}{
	"test":      {},
	"tests":     {},
	"spec":      {},
	"__tests__": {},
}

// IsTestFile reports whether a slash-separated relative path looks like a
// test: it sits under a test directory or follows a test naming pattern.
func IsTestFile(rel string) bool {
	dir, name := path.Split(rel)
	for _, part := range strings.Split(strings.Trim(dir, "/"), "/") {
		if _, ok := testDirs[part]; ok {
			return true
		}
	}

	switch {
	case strings.HasSuffix(name, "_test.go"):
		return true
	case strings.HasPrefix(name, "test_") && strings.HasSuffix(name, ".py"):
		return true
	case strings.HasSuffix(name, "_spec.rb"):
		return true
	case strings.Contains(name, ".test.") || strings.Contains(name, ".spec."):
		return true
	}
	return false
}

// gitLsFiles returns the tracked and unignored files of a git work tree, or
// nil when root is not one.
func gitLsFiles(root string) map[string]struct{} {
	gitDir := filepath.Join(root, ".git")
	info, err := os.Stat(gitDir)
	if err != nil || !info.IsDir() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "ls-files", "--cached", "--others", "--exclude-standard")
	cmd.Dir = root
	out, err := cmd.Output()
	if err != nil {
		return gitIndexFiles(root)
	}

	files := make(map[string]struct{})
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if line != "" {
			files[line] = struct{}{}
		}
	}
	return files
}

// gitIndexFiles reads the tracked set straight from the index when the git
// binary is missing. Untracked files are not visible this way.
func gitIndexFiles(root string) map[string]struct{} {
	repo, err := gogit.PlainOpen(root)
	if err != nil {
		return nil
	}
	idx, err := repo.Storer.Index()
	if err != nil || len(idx.Entries) == 0 {
		return nil
	}

	files := make(map[string]struct{}, len(idx.Entries))
	for _, e := range idx.Entries {
		files[e.Name] = struct{}{}
	}
	return files
}

func loadGitignore(root string) *ignore.GitIgnore {
	gi, err := ignore.CompileIgnoreFile(filepath.Join(root, ".gitignore"))
	if err != nil {
		return nil
	}
	return gi
}
