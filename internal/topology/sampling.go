package topology

import (
	"math"
	"math/rand/v2"
)

type edge struct{ i, j int }

// reservoir keeps a uniform fixed-size sample of a stream of edges.
type reservoir struct {
	k    int
	rng  *rand.Rand
	buf  []edge
	seen int
}

func newReservoir(k int, rng *rand.Rand) *reservoir {
	if k < 1 {
		k = 1
	}
	return &reservoir{k: k, rng: rng, buf: make([]edge, 0, min(k, 1024))}
}

// push accepts the n-th item with probability k/n once the buffer is full.
func (r *reservoir) push(e edge) {
	r.seen++
	if len(r.buf) < r.k {
		r.buf = append(r.buf, e)
		return
	}
	if idx := r.rng.IntN(r.seen); idx < r.k {
		r.buf[idx] = e
	}
}

// localDSU is a tick-local disjoint set over vertices as they are visited, so its
// size is bounded by the number of active vertices rather than N.
type localDSU struct {
	index  map[int]int
	parent []int
	rank   []uint8
}

func newLocalDSU() *localDSU {
	return &localDSU{index: make(map[int]int)}
}

func (d *localDSU) visit(x int) int {
	if id, ok := d.index[x]; ok {
		return id
	}
	id := len(d.parent)
	d.index[x] = id
	d.parent = append(d.parent, id)
	d.rank = append(d.rank, 0)
	return id
}

func (d *localDSU) find(x int) int {
	for d.parent[x] != x {
		d.parent[x] = d.parent[d.parent[x]]
		x = d.parent[x]
	}
	return x
}

func (d *localDSU) union(a, b int) {
	ra, rb := d.find(a), d.find(b)
	if ra == rb {
		return
	}
	switch {
	case d.rank[ra] < d.rank[rb]:
		d.parent[ra] = rb
	case d.rank[rb] < d.rank[ra]:
		d.parent[rb] = ra
	default:
		d.parent[rb] = ra
		d.rank[ra]++
	}
}

func (d *localDSU) vertices() int { return len(d.parent) }

func (d *localDSU) components() int {
	n := 0
	for i := range d.parent {
		if d.find(i) == i {
			n++
		}
	}
	return n
}

// countIntersectionSorted counts |a ∩ b| for ascending slices with a two-pointer
// merge.
func countIntersectionSorted(a, b []int) int {
	i, j, n := 0, 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			n++
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return n
}

// EMA is an exponential moving average parameterised by a half-life in ticks.
// The first Update seeds the average unless Set was called.
type EMA struct {
	alpha  float64
	value  float64
	seeded bool
}

// AlphaFromHalfLife returns 1 - 2^(-1/halfLife); half-lives below one tick are
// treated as one.
func AlphaFromHalfLife(halfLife int) float64 {
	if halfLife < 1 {
		halfLife = 1
	}
	return 1 - math.Exp2(-1/float64(halfLife))
}

// NewEMA creates an unseeded average.
func NewEMA(halfLife int) *EMA {
	return &EMA{alpha: AlphaFromHalfLife(halfLife)}
}

// Set forces the current value.
func (e *EMA) Set(v float64) {
	e.value = v
	e.seeded = true
}

// Update folds x into the average and returns the new value.
func (e *EMA) Update(x float64) float64 {
	if !e.seeded {
		e.Set(x)
		return x
	}
	e.value = (1-e.alpha)*e.value + e.alpha*x
	return e.value
}

// Value returns the current average and whether it has been seeded.
func (e *EMA) Value() (float64, bool) { return e.value, e.seeded }

// Alpha returns the smoothing factor.
func (e *EMA) Alpha() float64 { return e.alpha }
