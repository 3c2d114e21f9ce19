package extmap

import "sort"

// Value is the payload carried by a map interval. Shift returns the value
// advanced by n sectors past the interval base, so that splitting an interval
// produces pieces whose values still point at the right data. Values must be
// comparable so adjacent intervals can be coalesced.
type Value[V any] interface {
	comparable
	Shift(sectors int64) V
}

// Sector is a raw sector address payload, used by the write-cache forward map
// (lba -> ssd sector) and reverse map (ssd sector -> lba).
type Sector int64

func (s Sector) Shift(n int64) Sector { return s + Sector(n) }

// ObjOffset locates data within a numbered backend object, in sectors from
// the start of the object. The zero value means "empty" in contexts like the
// read-cache slot table.
type ObjOffset struct {
	Obj    uint32
	Offset int64
}

func (o ObjOffset) Shift(n int64) ObjOffset { return ObjOffset{o.Obj, o.Offset + n} }

// Extent is one half-open interval [Base, Limit) of the virtual disk, in
// sectors, mapped to Ptr.
type Extent[V Value[V]] struct {
	Base  int64
	Limit int64
	Ptr   V
}

// Clip narrows the extent to its intersection with [base, limit), shifting
// Ptr to match the new base. The extent must overlap the window.
func (e Extent[V]) Clip(base, limit int64) Extent[V] {
	if base < e.Base {
		base = e.Base
	}
	if limit > e.Limit {
		limit = e.Limit
	}
	return Extent[V]{Base: base, Limit: limit, Ptr: e.Ptr.Shift(base - e.Base)}
}

// Len returns the extent length in sectors.
func (e Extent[V]) Len() int64 { return e.Limit - e.Base }

// Map is an ordered map of non-overlapping extents keyed by half-open sector
// ranges. Updates may split or trim neighbors; the displaced pieces are
// returned so callers can account for them (decrement live counters, trim a
// companion map). The three instantiations used by the engine are the object
// map (lba -> obj/offset) and the write-cache forward and reverse maps.
//
// Map is not safe for concurrent use; callers hold their own locks.
type Map[V Value[V]] struct {
	ext []Extent[V]
}

// Lookup returns the index of the first extent whose Limit is greater than
// base, or Len() if there is none. The extent at the returned index may start
// at or after base; callers iterate while At(i).Base < limit.
func (m *Map[V]) Lookup(base int64) int {
	return sort.Search(len(m.ext), func(i int) bool { return m.ext[i].Limit > base })
}

// At returns the extent at index i.
func (m *Map[V]) At(i int) Extent[V] { return m.ext[i] }

// Len returns the number of extents in the map.
func (m *Map[V]) Len() int { return len(m.ext) }

// Update sets [base, limit) -> v, returning the displaced pieces of any
// previous intervals, clipped to the window and with their values shifted to
// correspond.
func (m *Map[V]) Update(base, limit int64, v V) []Extent[V] {
	if limit <= base {
		return nil
	}
	i := m.Lookup(base)

	var displaced []Extent[V]
	var mid []Extent[V]
	j := i
	for j < len(m.ext) && m.ext[j].Base < limit {
		e := m.ext[j]
		if e.Base < base {
			mid = append(mid, Extent[V]{Base: e.Base, Limit: base, Ptr: e.Ptr})
		}
		displaced = append(displaced, e.Clip(base, limit))
		j++
	}
	at := len(mid)
	mid = append(mid, Extent[V]{Base: base, Limit: limit, Ptr: v})
	if last := j - 1; last >= i && m.ext[last].Limit > limit {
		e := m.ext[last]
		mid = append(mid, Extent[V]{Base: limit, Limit: e.Limit, Ptr: e.Ptr.Shift(limit - e.Base)})
	}

	out := make([]Extent[V], 0, i+len(mid)+len(m.ext)-j)
	out = append(out, m.ext[:i]...)
	out = append(out, mid...)
	out = append(out, m.ext[j:]...)
	m.ext = out

	m.merge(i + at)
	return displaced
}

// Trim removes [base, limit) from the map, splitting intervals that straddle
// either end.
func (m *Map[V]) Trim(base, limit int64) {
	if limit <= base {
		return
	}
	i := m.Lookup(base)

	var mid []Extent[V]
	j := i
	for j < len(m.ext) && m.ext[j].Base < limit {
		e := m.ext[j]
		if e.Base < base {
			mid = append(mid, Extent[V]{Base: e.Base, Limit: base, Ptr: e.Ptr})
		}
		if e.Limit > limit {
			mid = append(mid, Extent[V]{Base: limit, Limit: e.Limit, Ptr: e.Ptr.Shift(limit - e.Base)})
		}
		j++
	}

	out := make([]Extent[V], 0, i+len(mid)+len(m.ext)-j)
	out = append(out, m.ext[:i]...)
	out = append(out, mid...)
	out = append(out, m.ext[j:]...)
	m.ext = out
}

// merge coalesces the extent at index k with its neighbors where the ranges
// are adjacent and the values are contiguous.
func (m *Map[V]) merge(k int) {
	if k > 0 {
		prev, cur := m.ext[k-1], m.ext[k]
		if prev.Limit == cur.Base && prev.Ptr.Shift(prev.Len()) == cur.Ptr {
			m.ext[k-1].Limit = cur.Limit
			m.ext = append(m.ext[:k], m.ext[k+1:]...)
			k--
		}
	}
	if k+1 < len(m.ext) {
		cur, next := m.ext[k], m.ext[k+1]
		if cur.Limit == next.Base && cur.Ptr.Shift(cur.Len()) == next.Ptr {
			m.ext[k].Limit = next.Limit
			m.ext = append(m.ext[:k+1], m.ext[k+2:]...)
		}
	}
}

// Reset drops every extent.
func (m *Map[V]) Reset() { m.ext = nil }
