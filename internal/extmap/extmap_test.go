package extmap

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUpdateLookup(t *testing.T) {
	var m Map[Sector]

	m.Update(0, 8, Sector(100))
	require.Equal(t, 1, m.Len())

	i := m.Lookup(0)
	require.Equal(t, 0, i)
	require.Equal(t, Extent[Sector]{Base: 0, Limit: 8, Ptr: 100}, m.At(i))

	// Past the end of the only extent.
	require.Equal(t, 1, m.Lookup(8))
}

func TestUpdateDisplaces(t *testing.T) {
	var m Map[Sector]

	m.Update(0, 16, Sector(100))
	displaced := m.Update(4, 8, Sector(200))

	require.Len(t, displaced, 1)
	require.Equal(t, Extent[Sector]{Base: 4, Limit: 8, Ptr: 104}, displaced[0])

	// The old extent is split around the new one, with shifted values.
	require.Equal(t, 3, m.Len())
	require.Equal(t, Extent[Sector]{Base: 0, Limit: 4, Ptr: 100}, m.At(0))
	require.Equal(t, Extent[Sector]{Base: 4, Limit: 8, Ptr: 200}, m.At(1))
	require.Equal(t, Extent[Sector]{Base: 8, Limit: 16, Ptr: 108}, m.At(2))
}

func TestUpdateSpansMultiple(t *testing.T) {
	var m Map[ObjOffset]

	m.Update(0, 8, ObjOffset{Obj: 1, Offset: 0})
	m.Update(8, 16, ObjOffset{Obj: 2, Offset: 0})
	m.Update(16, 24, ObjOffset{Obj: 3, Offset: 0})

	displaced := m.Update(4, 20, ObjOffset{Obj: 4, Offset: 8})
	require.Len(t, displaced, 3)
	require.Equal(t, Extent[ObjOffset]{Base: 4, Limit: 8, Ptr: ObjOffset{1, 4}}, displaced[0])
	require.Equal(t, Extent[ObjOffset]{Base: 8, Limit: 16, Ptr: ObjOffset{2, 0}}, displaced[1])
	require.Equal(t, Extent[ObjOffset]{Base: 16, Limit: 20, Ptr: ObjOffset{3, 0}}, displaced[2])

	require.Equal(t, 3, m.Len())
	require.Equal(t, Extent[ObjOffset]{Base: 4, Limit: 20, Ptr: ObjOffset{4, 8}}, m.At(1))
	require.Equal(t, Extent[ObjOffset]{Base: 20, Limit: 24, Ptr: ObjOffset{3, 4}}, m.At(2))
}

func TestMergeContiguous(t *testing.T) {
	var m Map[Sector]

	// Two writes that are contiguous in both lba and ssd space collapse
	// into a single extent.
	m.Update(0, 8, Sector(100))
	m.Update(8, 16, Sector(108))
	require.Equal(t, 1, m.Len())
	require.Equal(t, Extent[Sector]{Base: 0, Limit: 16, Ptr: 100}, m.At(0))

	// Contiguous in lba but not in ssd space stays split.
	m.Update(16, 24, Sector(300))
	require.Equal(t, 2, m.Len())
}

func TestTrim(t *testing.T) {
	var m Map[Sector]

	m.Update(0, 24, Sector(100))
	m.Trim(8, 16)

	require.Equal(t, 2, m.Len())
	require.Equal(t, Extent[Sector]{Base: 0, Limit: 8, Ptr: 100}, m.At(0))
	require.Equal(t, Extent[Sector]{Base: 16, Limit: 24, Ptr: 116}, m.At(1))

	m.Trim(0, 24)
	require.Equal(t, 0, m.Len())
}

func TestClipWindow(t *testing.T) {
	e := Extent[Sector]{Base: 0, Limit: 100, Ptr: 1000}
	c := e.Clip(10, 20)
	require.Equal(t, Extent[Sector]{Base: 10, Limit: 20, Ptr: 1010}, c)
}

// TestNoOverlap drives a random sequence of updates and trims and verifies
// that lookups never return overlapping intervals and that every written
// sector resolves to its most recent value.
func TestNoOverlap(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	var m Map[Sector]

	const space = 1 << 12
	model := make(map[int64]Sector)

	for n := 0; n < 2000; n++ {
		base := rng.Int63n(space)
		length := rng.Int63n(64) + 1
		limit := base + length
		if rng.Intn(8) == 0 {
			m.Trim(base, limit)
			for s := base; s < limit; s++ {
				delete(model, s)
			}
			continue
		}
		ptr := Sector(rng.Int63n(1 << 20))
		m.Update(base, limit, ptr)
		for s := base; s < limit; s++ {
			model[s] = ptr + Sector(s-base)
		}
	}

	prev := int64(-1)
	for i := 0; i < m.Len(); i++ {
		e := m.At(i)
		require.Less(t, e.Base, e.Limit)
		require.LessOrEqual(t, prev, e.Base, "extents must not overlap")
		prev = e.Limit
	}

	// Every modeled sector resolves to the value of its last write.
	covered := int64(0)
	for i := 0; i < m.Len(); i++ {
		e := m.At(i)
		for s := e.Base; s < e.Limit; s++ {
			want, ok := model[s]
			require.True(t, ok, "map covers sector %d that was never written", s)
			require.Equal(t, want, e.Ptr.Shift(s-e.Base))
			covered++
		}
	}
	require.Equal(t, int64(len(model)), covered)
}
