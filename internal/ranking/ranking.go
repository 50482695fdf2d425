// Package ranking narrows a ranked RepoMap for output: top-N selection and
// the symbol and file focus filters.
package ranking

import (
	"strings"

	"github.com/phobologic/sourcecrumb/internal/model"
)

// SelectFiles returns a new RepoMap with only the top-ranked files.
// If maxFiles is <= 0 or >= len(files), all files are returned.
//
// Files must already be sorted by rank. Dependencies survive only when both
// ends are selected; ranks are left as computed over the whole graph.
func SelectFiles(rm *model.RepoMap, maxFiles int) *model.RepoMap {
	if maxFiles <= 0 || maxFiles >= len(rm.Files) {
		return rm
	}

	selected := rm.Files[:maxFiles]
	selectedPaths := make(map[string]struct{}, maxFiles)
	for i := range selected {
		selectedPaths[selected[i].Path] = struct{}{}
	}

	var deps []model.Dependency
	for i := range rm.Dependencies {
		d := &rm.Dependencies[i]
		_, srcOK := selectedPaths[d.Source]
		_, tgtOK := selectedPaths[d.Target]
		if srcOK && tgtOK {
			deps = append(deps, *d)
		}
	}

	return &model.RepoMap{
		RepoName:     rm.RepoName,
		Root:         rm.Root,
		Files:        selected,
		Dependencies: deps,
	}
}

// FilterBySymbol returns a new RepoMap containing the definitions whose name
// contains substr (case-insensitive), the files that define them, the files
// linked to those by an edge carrying a matched name, and those edges.
func FilterBySymbol(rm *model.RepoMap, substr string) *model.RepoMap {
	lower := strings.ToLower(substr)

	matchedSymbols := make(map[string]struct{})
	matchedFiles := make(map[string]struct{})
	for i := range rm.Files {
		for j := range rm.Files[i].Tags {
			tag := &rm.Files[i].Tags[j]
			if tag.IsDefinition() && strings.Contains(strings.ToLower(tag.Name), lower) {
				matchedSymbols[tag.Name] = struct{}{}
				matchedFiles[rm.Files[i].Path] = struct{}{}
			}
		}
	}

	var deps []model.Dependency
	for i := range rm.Dependencies {
		d := &rm.Dependencies[i]
		if !carriesAny(d, matchedSymbols) {
			continue
		}
		deps = append(deps, *d)
		matchedFiles[d.Source] = struct{}{}
		matchedFiles[d.Target] = struct{}{}
	}

	var files []model.FileInfo
	for i := range rm.Files {
		if _, ok := matchedFiles[rm.Files[i].Path]; !ok {
			continue
		}
		fi := rm.Files[i]
		// Keep only the tags naming a matched symbol so the symbols table
		// stays focused rather than listing every export of every file.
		var tags []model.Tag
		for j := range fi.Tags {
			if _, ok := matchedSymbols[fi.Tags[j].Name]; ok {
				tags = append(tags, fi.Tags[j])
			}
		}
		fi.Tags = tags
		files = append(files, fi)
	}

	return &model.RepoMap{
		RepoName:     rm.RepoName,
		Root:         rm.Root,
		Files:        files,
		Dependencies: deps,
	}
}

// FilterByFile returns a new RepoMap containing only files whose path
// contains substr (case-insensitive), with all dependency edges touching
// those files.
func FilterByFile(rm *model.RepoMap, substr string) *model.RepoMap {
	lower := strings.ToLower(substr)

	matchedFiles := make(map[string]struct{})
	var files []model.FileInfo
	for i := range rm.Files {
		if strings.Contains(strings.ToLower(rm.Files[i].Path), lower) {
			matchedFiles[rm.Files[i].Path] = struct{}{}
			files = append(files, rm.Files[i])
		}
	}

	var deps []model.Dependency
	for i := range rm.Dependencies {
		d := &rm.Dependencies[i]
		_, srcOK := matchedFiles[d.Source]
		_, tgtOK := matchedFiles[d.Target]
		if srcOK || tgtOK {
			deps = append(deps, *d)
		}
	}

	return &model.RepoMap{
		RepoName:     rm.RepoName,
		Root:         rm.Root,
		Files:        files,
		Dependencies: deps,
	}
}

func carriesAny(d *model.Dependency, symbols map[string]struct{}) bool {
	for _, s := range d.Symbols {
		if _, ok := symbols[s]; ok {
			return true
		}
	}
	return false
}
