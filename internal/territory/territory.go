// Copyright 2026 The vdmtel Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package territory maintains an online partition ("territories") of node ids
// observed in the simulation's edge events. Each component keeps a bounded head
// list of members so consumers can sample indices without scanning the graph.
//
// Entries are created on first observation and never removed. Edge removals are
// only counted: the structure does not undo unions.
//
// A UnionFind is not safe for concurrent use; one telemetry goroutine owns it.
package territory

import (
	"sort"

	"github.com/traylinx/vdmtel/internal/observation"
)

const (
	// DefaultHeadK is the default per-component head capacity.
	DefaultHeadK = 512
	minHeadK     = 8
)

// UnionFind is a disjoint-set over observed node ids.
type UnionFind struct {
	parent map[int]int
	size   map[int]int
	// head holds up to headK member ids per root, deduplicated.
	head  map[int][]int
	headK int
	dirty int
}

// New creates an empty UnionFind whose heads hold at most headK ids. Values below
// 8 are raised to 8.
func New(headK int) *UnionFind {
	if headK < minHeadK {
		headK = minHeadK
	}
	return &UnionFind{
		parent: make(map[int]int),
		size:   make(map[int]int),
		head:   make(map[int][]int),
		headK:  headK,
	}
}

func (uf *UnionFind) ensure(x int) {
	if _, ok := uf.parent[x]; ok {
		return
	}
	uf.parent[x] = x
	uf.size[x] = 1
	uf.head[x] = []int{x}
}

// Find returns the root of x's component, compressing the path iteratively.
// Unknown ids are their own root.
func (uf *UnionFind) Find(x int) int {
	root := x
	for {
		p, ok := uf.parent[root]
		if !ok || p == root {
			break
		}
		root = p
	}
	for x != root {
		next := uf.parent[x]
		uf.parent[x] = root
		x = next
	}
	return root
}

// Union merges the components of u and v by size. The surviving root inherits
// the merged head lists.
func (uf *UnionFind) Union(u, v int) {
	uf.ensure(u)
	uf.ensure(v)
	ru, rv := uf.Find(u), uf.Find(v)
	if ru == rv {
		return
	}
	su, sv := uf.size[ru], uf.size[rv]
	if su < sv {
		ru, rv = rv, ru
		su, sv = sv, su
	}
	uf.parent[rv] = ru
	uf.size[ru] = su + sv
	delete(uf.size, rv)
	uf.mergeHeads(ru, rv)
	delete(uf.head, rv)
}

// mergeHeads keeps into's members first, then supplements from from, without
// duplicates and capped at headK.
func (uf *UnionFind) mergeHeads(into, from int) {
	a, b := uf.head[into], uf.head[from]
	merged := make([]int, 0, min(uf.headK, len(a)+len(b)))
	seen := make(map[int]struct{}, len(a)+len(b))
	for _, src := range [][]int{a, b} {
		for _, n := range src {
			if len(merged) >= uf.headK {
				break
			}
			if _, dup := seen[n]; dup {
				continue
			}
			seen[n] = struct{}{}
			merged = append(merged, n)
		}
	}
	uf.head[into] = merged
}

func (uf *UnionFind) addMember(root, x int) {
	h := uf.head[root]
	if len(h) >= uf.headK {
		return
	}
	for _, n := range h {
		if n == x {
			return
		}
	}
	uf.head[root] = append(h, x)
}

// Fold applies a batch of observations and returns how many were applied and
// how many were skipped as malformed or of an unknown kind.
//
//   - edge_on unions its endpoints
//   - cycle_hit unions its first two nodes
//   - edge_off only increments the dirty counter
func (uf *UnionFind) Fold(obs []observation.Observation) (applied, skipped int) {
	for _, o := range obs {
		if !o.Valid() {
			skipped++
			continue
		}
		switch o.Kind {
		case observation.KindEdgeOn:
			uf.link(o.U, o.V)
		case observation.KindCycleHit:
			uf.link(o.Nodes[0], o.Nodes[1])
		case observation.KindEdgeOff:
			uf.dirty++
		default:
			skipped++
			continue
		}
		applied++
	}
	return applied, skipped
}

func (uf *UnionFind) link(u, v int) {
	uf.Union(u, v)
	r := uf.Find(u)
	uf.addMember(r, u)
	uf.addMember(r, v)
}

// SampleIndices returns up to k members of the component containing id. It
// returns nil for ids that were never observed.
func (uf *UnionFind) SampleIndices(id, k int) []int {
	if k <= 0 {
		return nil
	}
	if _, ok := uf.parent[id]; !ok {
		return nil
	}
	h := uf.head[uf.Find(id)]
	if len(h) > k {
		h = h[:k]
	}
	out := make([]int, len(h))
	copy(out, h)
	return out
}

// SampleAny returns up to k members drawn from the largest components first.
func (uf *UnionFind) SampleAny(k int) []int {
	if k <= 0 {
		return nil
	}
	roots := make([]int, 0, len(uf.head))
	for r := range uf.head {
		roots = append(roots, r)
	}
	sort.Slice(roots, func(i, j int) bool {
		si, sj := uf.size[roots[i]], uf.size[roots[j]]
		if si != sj {
			return si > sj
		}
		return roots[i] < roots[j]
	})

	out := make([]int, 0, k)
	for _, r := range roots {
		for _, n := range uf.head[r] {
			if len(out) >= k {
				return out
			}
			out = append(out, n)
		}
	}
	return out
}

// ComponentsCount returns the number of distinct roots among observed ids.
func (uf *UnionFind) ComponentsCount() int {
	n := 0
	for x, p := range uf.parent {
		if x == p {
			n++
		}
	}
	return n
}

// Len returns the number of observed ids.
func (uf *UnionFind) Len() int { return len(uf.parent) }

// Dirty returns how many edge removals were observed and not reconciled.
func (uf *UnionFind) Dirty() int { return uf.dirty }

// ComponentSize returns the size of id's component, or 0 if id is unknown.
func (uf *UnionFind) ComponentSize(id int) int {
	if _, ok := uf.parent[id]; !ok {
		return 0
	}
	return uf.size[uf.Find(id)]
}
