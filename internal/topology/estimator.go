// Copyright 2026 The vdmtel Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package topology estimates the cyclic structure of a large, changing graph
// once per tick at bounded cost.
//
// The sparse path makes one pass over the caller's active-edge iterator, counts
// active edges and vertices, tracks components with a tick-local disjoint set and
// keeps a fixed-size reservoir of edges for triangle counting. The number of
// independent cycles follows from the graph Euler identity cycles = E − V + C.
// The dense path recomputes the same quantities from full adjacency and exists
// only to validate the sparse path on small graphs.
//
// An Estimator is not safe for concurrent use.
package topology

import (
	"math/rand/v2"
)

// Defaults for Options. The score weights are empirical smoothing choices, not
// derived constants; change them only with new calibration data.
const (
	DefaultSampleEdges    = 4096
	MinSampleEdges        = 32
	DefaultHalfLifeTicks  = 50
	DefaultCyclesWeight   = 0.6
	DefaultTriangleWeight = 0.4
	DefaultTriangleNorm   = 4.0
)

// Options configures an Estimator. Zero values select the defaults.
type Options struct {
	// SampleEdges bounds the reservoir used for triangle counting.
	SampleEdges int
	// HalfLifeTicks is the half-life of the void_b1 moving average.
	HalfLifeTicks int
	// CyclesWeight and TriangleWeight mix cycle density and normalised
	// triangles-per-edge into the raw score.
	CyclesWeight   float64
	TriangleWeight float64
	// TriangleNorm is the triangles-per-edge value that maps to a full score.
	TriangleNorm float64
	// Seed makes reservoir sampling reproducible.
	Seed uint64
}

func (o Options) withDefaults() Options {
	if o.SampleEdges == 0 {
		o.SampleEdges = DefaultSampleEdges
	}
	if o.SampleEdges < MinSampleEdges {
		o.SampleEdges = MinSampleEdges
	}
	if o.HalfLifeTicks <= 0 {
		o.HalfLifeTicks = DefaultHalfLifeTicks
	}
	if o.CyclesWeight == 0 && o.TriangleWeight == 0 {
		o.CyclesWeight = DefaultCyclesWeight
		o.TriangleWeight = DefaultTriangleWeight
	}
	if o.TriangleNorm <= 0 {
		o.TriangleNorm = DefaultTriangleNorm
	}
	return o
}

// Counts are the per-tick quantities both paths compute.
type Counts struct {
	ActiveEdges      int     `json:"E_active"`
	ActiveVertices   int     `json:"V_active"`
	ActiveComponents int     `json:"C_active"`
	Cycles           int     `json:"cycles"`
	TrianglesPerEdge float64 `json:"triangles_per_edge"`
	ActiveNodeRatio  float64 `json:"active_node_ratio"`
	ReservoirSeen    int     `json:"reservoir_seen"`
	ReservoirUsed    int     `json:"reservoir_used"`
}

// Sample is the topology packet published each tick.
type Sample struct {
	VoidB1           float64 `json:"void_b1"`
	EulerRank        int     `json:"euler_rank"`
	Cycles           int     `json:"cycles"`
	TrianglesPerEdge float64 `json:"triangles_per_edge"`
	ActiveNodeRatio  float64 `json:"active_node_ratio"`
	ActiveEdges      int     `json:"active_edges_est"`
	ActiveVertices   int     `json:"active_vertices_est"`
	ActiveComponents int     `json:"active_components_est"`
	ReservoirSeen    int     `json:"reservoir_seen"`
	ReservoirUsed    int     `json:"reservoir_used"`
	// Raw is the unsmoothed score for this tick.
	Raw float64 `json:"void_b1_raw"`
}

// Estimator produces Samples and carries the smoothed score across ticks.
type Estimator struct {
	opts Options
	rng  *rand.Rand
	ema  *EMA
}

// NewEstimator creates an Estimator.
func NewEstimator(opts Options) *Estimator {
	opts = opts.withDefaults()
	return &Estimator{
		opts: opts,
		rng:  rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
		ema:  NewEMA(opts.HalfLifeTicks),
	}
}

// Options returns the effective options.
func (e *Estimator) Options() Options { return e.opts }

// SetScoreWeights replaces the score coefficients without resetting the moving
// average. Invalid values keep their defaults, as in NewEstimator.
func (e *Estimator) SetScoreWeights(cycles, triangles, norm float64) {
	o := e.opts
	o.CyclesWeight, o.TriangleWeight, o.TriangleNorm = cycles, triangles, norm
	e.opts = o.withDefaults()
}

// Update computes this tick's Sample, using the sparse path when g implements
// SparseGraph and the dense path otherwise. A nil graph or one implementing
// neither interface leaves the moving average untouched and returns Current.
func (e *Estimator) Update(g any) Sample {
	switch gg := g.(type) {
	case SparseGraph:
		return e.smooth(e.UpdateSparse(gg))
	case DenseGraph:
		return e.smooth(e.UpdateDense(gg))
	default:
		return e.Current()
	}
}

// Current returns a Sample carrying only the smoothed void_b1, zero before the
// first tick. Per-tick counts are not carried over.
func (e *Estimator) Current() Sample {
	v, _ := e.ema.Value()
	return Sample{VoidB1: v}
}

// Score mixes cycle density and normalised triangle density into [0,1].
func (e *Estimator) Score(c Counts) float64 {
	cycleDensity := float64(c.Cycles) / float64(max(1, c.ActiveEdges))
	triNorm := min(1.0, c.TrianglesPerEdge/e.opts.TriangleNorm)
	raw := e.opts.CyclesWeight*cycleDensity + e.opts.TriangleWeight*triNorm
	return min(1.0, max(0.0, raw))
}

func (e *Estimator) smooth(c Counts) Sample {
	raw := e.Score(c)
	v := e.ema.Update(raw)
	return Sample{
		VoidB1:           v,
		EulerRank:        c.Cycles,
		Cycles:           c.Cycles,
		TrianglesPerEdge: c.TrianglesPerEdge,
		ActiveNodeRatio:  c.ActiveNodeRatio,
		ActiveEdges:      c.ActiveEdges,
		ActiveVertices:   c.ActiveVertices,
		ActiveComponents: c.ActiveComponents,
		ReservoirSeen:    c.ReservoirSeen,
		ReservoirUsed:    c.ReservoirUsed,
		Raw:              raw,
	}
}

// UpdateSparse runs the streaming path: O(E_active) for the pass plus
// O(reservoir × degree) for triangles. It does not touch the moving average.
func (e *Estimator) UpdateSparse(g SparseGraph) Counts {
	n := g.N()
	res := newReservoir(e.opts.SampleEdges, e.rng)
	dsu := newLocalDSU()
	edges := 0

	g.ActiveEdges(func(i, j int) bool {
		edges++
		dsu.union(dsu.visit(i), dsu.visit(j))
		res.push(edge{i, j})
		return true
	})

	th := g.Threshold()
	activeNeighbors := func(i int) []int {
		wi := g.Weight(i)
		var out []int
		for _, k := range g.Neighbors(i) {
			if wi*g.Weight(k) > th {
				out = append(out, k)
			}
		}
		return out
	}

	tri := 0
	for _, ed := range res.buf {
		ai := activeNeighbors(ed.i)
		if len(ai) == 0 {
			continue
		}
		aj := activeNeighbors(ed.j)
		if len(aj) == 0 {
			continue
		}
		tri += countIntersectionSorted(ai, aj)
	}

	return finishCounts(n, edges, dsu.vertices(), dsu.components(), tri, len(res.buf), res.seen)
}

// UpdateDense recomputes the same quantities from full adjacency. It allocates
// O(N²) work and is meant for small validation graphs only.
func (e *Estimator) UpdateDense(g DenseGraph) Counts {
	n := g.N()
	th := g.Threshold()

	var edges []edge
	deg := make([]int, n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if g.Adjacent(i, j) && g.Eligibility(i, j) > th {
				edges = append(edges, edge{i, j})
				deg[i]++
				deg[j]++
			}
		}
	}

	dsu := newLocalDSU()
	for _, ed := range edges {
		dsu.union(dsu.visit(ed.i), dsu.visit(ed.j))
	}
	vertices := 0
	for _, d := range deg {
		if d > 0 {
			vertices++
		}
	}

	// Neighbor lists in ascending order, active-filtered by weight product.
	nbrs := make([][]int, n)
	for i := 0; i < n; i++ {
		wi := g.Weight(i)
		for k := 0; k < n; k++ {
			if k != i && g.Adjacent(i, k) && wi*g.Weight(k) > th {
				nbrs[i] = append(nbrs[i], k)
			}
		}
	}

	k := min(e.opts.SampleEdges, len(edges))
	sel := edges
	if k < len(edges) {
		sel = e.sampleWithoutReplacement(edges, k)
	}
	tri := 0
	for _, ed := range sel {
		tri += countIntersectionSorted(nbrs[ed.i], nbrs[ed.j])
	}

	return finishCounts(n, len(edges), vertices, dsu.components(), tri, k, len(edges))
}

func (e *Estimator) sampleWithoutReplacement(edges []edge, k int) []edge {
	pool := make([]edge, len(edges))
	copy(pool, edges)
	for i := 0; i < k; i++ {
		j := i + e.rng.IntN(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:k]
}

// finishCounts applies the Euler identity. With no active edges every node is
// reported as its own component, while cycles are computed over the visited
// vertices only and are therefore zero.
func finishCounts(n, edges, vertices, components, tri, used, seen int) Counts {
	cycles := max(0, edges-vertices+components)
	reported := components
	if edges == 0 {
		reported = n
	}
	tpe := 0.0
	if used > 0 {
		tpe = float64(tri) / float64(used)
	}
	return Counts{
		ActiveEdges:      edges,
		ActiveVertices:   vertices,
		ActiveComponents: reported,
		Cycles:           cycles,
		TrianglesPerEdge: tpe,
		ActiveNodeRatio:  float64(vertices) / float64(max(1, n)),
		ReservoirSeen:    seen,
		ReservoirUsed:    used,
	}
}

// Smoothed returns the current void_b1 value and whether any tick was recorded.
func (e *Estimator) Smoothed() (float64, bool) { return e.ema.Value() }
