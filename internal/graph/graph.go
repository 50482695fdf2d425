// Package graph resolves cross-file symbol references into a dependency
// graph and ranks files with PageRank.
package graph

import (
	"sort"

	"github.com/phobologic/sourcecrumb/internal/model"
)

// ResolveStats counts how reference tags were resolved.
type ResolveStats struct {
	References int // reference tags seen
	Resolved   int // references that produced or extended an edge
	SelfRefs   int // references to a symbol the same file defines
	Unresolved int // references with no definer in the parsed set
	Ambiguous  int // references with several definers, settled by tie-break
}

// BuildGraph creates dependency edges from cross-file symbol references.
// Returns a list of dependencies sorted by (source, target).
func BuildGraph(fileInfos []model.FileInfo) []model.Dependency {
	deps, _ := Resolve(fileInfos)
	return deps
}

// Resolve builds the definition index over every file and then walks each
// file's references against it.
//
// A reference resolves as follows: if the referencing file defines the name
// itself it is a self reference and is dropped; if nobody defines it, it is
// dropped; otherwise the edge goes to the definer with the lexicographically
// smallest path. Each ordered file pair yields at most one edge, carrying
// the sorted set of names that justified it.
func Resolve(fileInfos []model.FileInfo) ([]model.Dependency, ResolveStats) {
	var stats ResolveStats

	// Definition index: symbol name → set of files that define it
	defines := make(map[string]map[string]struct{})
	for i := range fileInfos {
		fi := &fileInfos[i]
		for j := range fi.Tags {
			tag := &fi.Tags[j]
			if !tag.IsDefinition() {
				continue
			}
			if defines[tag.Name] == nil {
				defines[tag.Name] = make(map[string]struct{})
			}
			defines[tag.Name][fi.Path] = struct{}{}
		}
	}

	// Choose once per name so every reference to it lands on the same file.
	chosen := make(map[string]string, len(defines))
	for name, files := range defines {
		chosen[name] = smallestKey(files)
	}

	type edgeKey struct{ src, tgt string }
	edgeSymbols := make(map[edgeKey]map[string]struct{})

	for i := range fileInfos {
		fi := &fileInfos[i]
		for j := range fi.Tags {
			tag := &fi.Tags[j]
			if !tag.IsReference() {
				continue
			}
			stats.References++

			defFiles := defines[tag.Name]
			if len(defFiles) == 0 {
				stats.Unresolved++
				continue
			}
			if _, self := defFiles[fi.Path]; self {
				stats.SelfRefs++
				continue
			}
			if len(defFiles) > 1 {
				stats.Ambiguous++
			}

			key := edgeKey{fi.Path, chosen[tag.Name]}
			if edgeSymbols[key] == nil {
				edgeSymbols[key] = make(map[string]struct{})
			}
			edgeSymbols[key][tag.Name] = struct{}{}
			stats.Resolved++
		}
	}

	deps := make([]model.Dependency, 0, len(edgeSymbols))
	for key, syms := range edgeSymbols {
		deps = append(deps, model.Dependency{
			Source:  key.src,
			Target:  key.tgt,
			Symbols: sortedKeys(syms),
		})
	}

	// Sort for deterministic output
	sort.Slice(deps, func(i, j int) bool {
		if deps[i].Source != deps[j].Source {
			return deps[i].Source < deps[j].Source
		}
		return deps[i].Target < deps[j].Target
	})

	return deps, stats
}

func smallestKey(m map[string]struct{}) string {
	first := true
	var min string
	for k := range m {
		if first || k < min {
			min = k
			first = false
		}
	}
	return min
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
