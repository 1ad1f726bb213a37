package territory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/traylinx/vdmtel/internal/observation"
)

func TestFold_ChainJoinsComponent(t *testing.T) {
	uf := New(DefaultHeadK)
	applied, skipped := uf.Fold([]observation.Observation{
		observation.EdgeOn(0, 1),
		observation.EdgeOn(1, 2),
	})
	assert.Equal(t, 2, applied)
	assert.Equal(t, 0, skipped)

	assert.Equal(t, 1, uf.ComponentsCount())
	assert.Subset(t, uf.SampleAny(10), []int{0, 1, 2})
	assert.Equal(t, 3, uf.ComponentSize(2))
}

func TestFold_DisjointEdges(t *testing.T) {
	uf := New(DefaultHeadK)
	uf.Fold([]observation.Observation{
		observation.EdgeOn(0, 1),
		observation.EdgeOn(2, 3),
		observation.EdgeOn(4, 5),
	})

	assert.Equal(t, 3, uf.ComponentsCount())
	for _, id := range []int{0, 2, 4} {
		for _, k := range []int{1, 2, 10} {
			got := uf.SampleIndices(id, k)
			assert.LessOrEqual(t, len(got), k)
			assertUnique(t, got)
		}
	}
	assert.ElementsMatch(t, []int{2, 3}, uf.SampleIndices(3, 10))
}

func TestFold_CycleHitAndEdgeOff(t *testing.T) {
	uf := New(DefaultHeadK)
	applied, skipped := uf.Fold([]observation.Observation{
		observation.CycleHit(7, 8, 9),
		observation.EdgeOff(7, 8),
		observation.CycleHit(3),
		{Kind: observation.KindEdgeOn, U: -1, V: 2},
		{Kind: "motif_enter"},
	})
	assert.Equal(t, 2, applied)
	assert.Equal(t, 3, skipped)

	assert.Equal(t, 1, uf.Dirty())
	assert.Equal(t, 1, uf.ComponentsCount(), "edge_off must not split components")
	assert.ElementsMatch(t, []int{7, 8}, uf.SampleIndices(8, 10))
	assert.Equal(t, 0, uf.ComponentSize(9), "only the first two cycle nodes are linked")
}

func TestHeadsAreBounded(t *testing.T) {
	uf := New(8)
	for i := 1; i < 100; i++ {
		uf.Union(0, i)
	}
	h := uf.SampleIndices(50, 1000)
	assert.Len(t, h, 8)
	assertUnique(t, h)

	// Joining two large components keeps the bound.
	for i := 200; i < 300; i++ {
		uf.Union(200, i)
	}
	uf.Union(0, 250)
	h = uf.SampleIndices(0, 1000)
	assert.Len(t, h, 8)
	assertUnique(t, h)
	assert.Equal(t, 1, uf.ComponentsCount())
	assert.Equal(t, 200, uf.ComponentSize(299))
}

func TestFind_LongChainIsIterative(t *testing.T) {
	uf := New(8)
	const n = 200000
	// Build a pathological parent chain directly.
	for i := 0; i < n; i++ {
		uf.ensure(i)
	}
	for i := 1; i < n; i++ {
		uf.parent[i] = i - 1
	}
	assert.Equal(t, 0, uf.Find(n-1))
	assert.Equal(t, 0, uf.parent[n-1], "path should be compressed")
	assert.Equal(t, 0, uf.parent[n/2])
}

func TestSampleAny_PrefersLargest(t *testing.T) {
	uf := New(8)
	uf.Union(100, 101)
	for i := 1; i <= 5; i++ {
		uf.Union(0, i)
	}

	got := uf.SampleAny(6)
	require.Len(t, got, 6)
	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4, 5}, got)

	assert.Len(t, uf.SampleAny(100), 8)
	assert.Nil(t, uf.SampleAny(0))
}

func TestSampleIndices_Unknown(t *testing.T) {
	uf := New(8)
	assert.Nil(t, uf.SampleIndices(42, 5))
	assert.Equal(t, 0, uf.ComponentsCount())
	assert.Equal(t, 42, uf.Find(42))
	assert.Equal(t, 0, uf.Len())
}

func assertUnique(t *testing.T, ids []int) {
	t.Helper()
	seen := make(map[int]bool, len(ids))
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
}
