package graph

import (
	"math"
	"sort"

	"github.com/phobologic/sourcecrumb/internal/model"
)

// Defaults used when a RankOptions field is unset or out of range.
const (
	DefaultDamping       = 0.85
	DefaultMaxIterations = 100
	DefaultTolerance     = 1e-6
)

// RankOptions configures the PageRank computation. Zero fields take the
// package defaults.
type RankOptions struct {
	Damping       float64
	MaxIterations int
	Tolerance     float64
}

func (o RankOptions) withDefaults() RankOptions {
	if o.Damping <= 0 || o.Damping >= 1 {
		o.Damping = DefaultDamping
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = DefaultMaxIterations
	}
	if o.Tolerance <= 0 {
		o.Tolerance = DefaultTolerance
	}
	return o
}

// RankResult describes how the power iteration ended.
type RankResult struct {
	Iterations int
	Converged  bool
	Delta      float64 // L1 change of the last iteration
}

// Rank applies PageRank to fileInfos and sorts them by rank descending,
// breaking ties by path. Every file is a node, including files with no
// edges. Each edge counts once no matter how many symbols justify it.
func Rank(fileInfos []model.FileInfo, deps []model.Dependency, opts RankOptions) RankResult {
	if len(fileInfos) == 0 {
		return RankResult{Converged: true}
	}

	nodes := make([]string, len(fileInfos))
	for i := range fileInfos {
		nodes[i] = fileInfos[i].Path
	}
	sort.Strings(nodes)

	ranks, res := PageRank(nodes, deps, opts)

	for i := range fileInfos {
		fileInfos[i].Rank = ranks[fileInfos[i].Path]
	}

	sort.SliceStable(fileInfos, func(i, j int) bool {
		if fileInfos[i].Rank != fileInfos[j].Rank {
			return fileInfos[i].Rank > fileInfos[j].Rank
		}
		return fileInfos[i].Path < fileInfos[j].Path
	})

	return res
}

// PageRank computes a stationary distribution over nodes. Nodes are visited
// in the order given; callers pass them sorted so floating point sums are
// reproducible. Edges whose endpoints are not nodes are ignored, as are
// self loops and repeated pairs.
func PageRank(nodes []string, deps []model.Dependency, opts RankOptions) (map[string]float64, RankResult) {
	opts = opts.withDefaults()

	n := len(nodes)
	if n == 0 {
		return map[string]float64{}, RankResult{Converged: true}
	}

	index := make(map[string]int, n)
	for i, node := range nodes {
		index[node] = i
	}

	out := make([][]int, n)
	seen := make(map[[2]int]struct{}, len(deps))
	for _, d := range deps {
		src, ok := index[d.Source]
		if !ok {
			continue
		}
		tgt, ok := index[d.Target]
		if !ok || src == tgt {
			continue
		}
		key := [2]int{src, tgt}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out[src] = append(out[src], tgt)
	}
	for i := range out {
		sort.Ints(out[i])
	}

	alpha := opts.Damping
	size := float64(n)
	rank := make([]float64, n)
	next := make([]float64, n)
	for i := range rank {
		rank[i] = 1.0 / size
	}
	teleport := (1.0 - alpha) / size

	var res RankResult
	for iter := 1; iter <= opts.MaxIterations; iter++ {
		// Dangling nodes spread their mass over every node.
		var danglingSum float64
		for i := range rank {
			if len(out[i]) == 0 {
				danglingSum += rank[i]
			}
		}
		base := teleport + alpha*danglingSum/size
		for i := range next {
			next[i] = base
		}

		for src, targets := range out {
			if len(targets) == 0 {
				continue
			}
			share := alpha * rank[src] / float64(len(targets))
			for _, tgt := range targets {
				next[tgt] += share
			}
		}

		var diff float64
		for i := range rank {
			diff += math.Abs(next[i] - rank[i])
		}

		rank, next = next, rank
		res.Iterations = iter
		res.Delta = diff

		if diff < opts.Tolerance {
			res.Converged = true
			break
		}
	}

	var sum float64
	for _, r := range rank {
		sum += r
	}
	ranks := make(map[string]float64, n)
	for i, node := range nodes {
		ranks[node] = rank[i] / sum
	}
	return ranks, res
}
