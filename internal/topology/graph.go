package topology

import (
	"fmt"
	"sort"
)

// SparseGraph is the connectome view the streaming path needs. Neighbors must
// return ascending node ids. ActiveEdges enumerates each currently active
// undirected edge once and stops early when yield returns false.
type SparseGraph interface {
	N() int
	Neighbors(i int) []int
	Weight(i int) float64
	Threshold() float64
	ActiveEdges(yield func(i, j int) bool)
}

// DenseGraph is the small-N view used by the validation path. An edge (i,j) is
// active when Adjacent(i,j) holds and Eligibility(i,j) exceeds Threshold.
type DenseGraph interface {
	N() int
	Adjacent(i, j int) bool
	Eligibility(i, j int) float64
	Weight(i int) float64
	Threshold() float64
}

// AdjacencyGraph is an undirected graph stored as sorted neighbor lists with a
// per-node weight. An edge is active when the product of its endpoint weights
// exceeds the threshold. It satisfies both SparseGraph and DenseGraph.
type AdjacencyGraph struct {
	adj       [][]int
	w         []float64
	threshold float64
}

// NewAdjacencyGraph builds a graph over n nodes. Self loops and duplicate edges
// are dropped. All weights start at 1.
func NewAdjacencyGraph(n int, edges [][2]int, threshold float64) (*AdjacencyGraph, error) {
	if n < 0 {
		return nil, fmt.Errorf("topology: negative node count %d", n)
	}
	g := &AdjacencyGraph{
		adj:       make([][]int, n),
		w:         make([]float64, n),
		threshold: threshold,
	}
	for i := range g.w {
		g.w[i] = 1
	}
	for _, e := range edges {
		i, j := e[0], e[1]
		if i < 0 || j < 0 || i >= n || j >= n {
			return nil, fmt.Errorf("topology: edge (%d,%d) out of range for %d nodes", i, j, n)
		}
		if i == j {
			continue
		}
		g.adj[i] = append(g.adj[i], j)
		g.adj[j] = append(g.adj[j], i)
	}
	for i, nb := range g.adj {
		g.adj[i] = sortedUnique(nb)
	}
	return g, nil
}

func sortedUnique(xs []int) []int {
	if len(xs) == 0 {
		return xs
	}
	sort.Ints(xs)
	out := xs[:1]
	for _, x := range xs[1:] {
		if x != out[len(out)-1] {
			out = append(out, x)
		}
	}
	return out
}

// SetWeight updates node i's weight.
func (g *AdjacencyGraph) SetWeight(i int, w float64) {
	if i >= 0 && i < len(g.w) {
		g.w[i] = w
	}
}

// SetThreshold updates the activity threshold.
func (g *AdjacencyGraph) SetThreshold(th float64) { g.threshold = th }

func (g *AdjacencyGraph) N() int                { return len(g.adj) }
func (g *AdjacencyGraph) Neighbors(i int) []int { return g.adj[i] }
func (g *AdjacencyGraph) Weight(i int) float64  { return g.w[i] }
func (g *AdjacencyGraph) Threshold() float64    { return g.threshold }

// ActiveEdges yields every active edge once with i < j.
func (g *AdjacencyGraph) ActiveEdges(yield func(i, j int) bool) {
	for i, nb := range g.adj {
		for _, j := range nb {
			if j <= i {
				continue
			}
			if g.w[i]*g.w[j] > g.threshold {
				if !yield(i, j) {
					return
				}
			}
		}
	}
}

// Adjacent reports whether j is in i's neighbor list.
func (g *AdjacencyGraph) Adjacent(i, j int) bool {
	nb := g.adj[i]
	k := sort.SearchInts(nb, j)
	return k < len(nb) && nb[k] == j
}

// Eligibility is the weight product used as the edge activity score.
func (g *AdjacencyGraph) Eligibility(i, j int) float64 { return g.w[i] * g.w[j] }

// EdgeCount returns the number of undirected edges, active or not.
func (g *AdjacencyGraph) EdgeCount() int {
	n := 0
	for _, nb := range g.adj {
		n += len(nb)
	}
	return n / 2
}
