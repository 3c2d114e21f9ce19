// Package rcache implements the read cache: fixed-size aligned chunks of
// backend objects stored on SSD, keyed by (object, chunk-index), with a
// 16-bit per-chunk page mask tolerating 4 KiB holes and random eviction.
package rcache

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"lsvd/internal/backend"
	"lsvd/internal/extmap"
	"lsvd/internal/lsvdfmt"
	"lsvd/internal/nvme"
	"lsvd/internal/translate"
)

// ErrExhausted reports that no free slot exists to admit a chunk. The read
// path handles it silently: the read completes from the backend without
// admission.
var ErrExhausted = errors.New("read cache has no free slot")

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lsvd_read_cache_hits_total",
		Help: "Chunk reads served from the SSD cache.",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lsvd_read_cache_misses_total",
		Help: "Chunk reads fetched from the backend.",
	})
	cacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lsvd_read_cache_evictions_total",
		Help: "Slots reclaimed by the eviction thread.",
	})
)

// ReadCache is the slot table. One mutex covers the flat map, the bitmap,
// the free list, the hash, and the busy flags; the condition variable gates
// concurrent admits to the same slot. The mask of a busy slot can change,
// but not its mapping.
type ReadCache struct {
	mu   sync.Mutex
	cond *sync.Cond

	dev   *nvme.Device
	super lsvdfmt.JReadSuper

	// flat[i] is the (object, chunk-index) occupying slot i; the zero value
	// means empty. bitmap[i] bit p is set iff 4 KiB page p of the chunk
	// holds valid data.
	flat     []extmap.ObjOffset
	bitmap   []uint16
	slots    map[extmap.ObjOffset]int
	freeBlks []int
	busy     []bool
	mapDirty bool

	omap *translate.ObjMap
	io   backend.Backend

	unitSectors int64
	rng         *rand.Rand

	running atomic.Bool
	done    chan struct{}
	group   errgroup.Group
	log     *logrus.Entry
}

// Open reads the read-cache superblock at page superBlk and loads the
// persisted flat map and bitmap, then starts the eviction thread.
func Open(dev *nvme.Device, superBlk uint32, omap *translate.ObjMap, io backend.Backend) (*ReadCache, error) {
	r := &ReadCache{
		dev:  dev,
		omap: omap,
		io:   io,
		rng:  rand.New(rand.NewSource(17)),
		done: make(chan struct{}),
		log:  logrus.WithField("component", "rcache"),
	}
	r.cond = sync.NewCond(&r.mu)

	buf := make([]byte, lsvdfmt.PageSize)
	if _, err := dev.Read(buf, int64(superBlk)*lsvdfmt.PageSize); err != nil {
		return nil, errors.Wrap(err, "read read-cache super")
	}
	if err := r.super.Decode(buf); err != nil {
		return nil, err
	}
	r.unitSectors = int64(r.super.UnitSize)

	units := int(r.super.Units)
	r.flat = make([]extmap.ObjOffset, units)
	r.bitmap = make([]uint16, units)
	r.slots = make(map[extmap.ObjOffset]int)
	r.busy = make([]bool, units)

	mapBuf := make([]byte, int(r.super.MapBlocks)*lsvdfmt.PageSize)
	if _, err := dev.Read(mapBuf, int64(r.super.MapStart)*lsvdfmt.PageSize); err != nil {
		return nil, errors.Wrap(err, "read flat map")
	}
	bitBuf := make([]byte, int(r.super.BitmapBlocks)*lsvdfmt.PageSize)
	if _, err := dev.Read(bitBuf, int64(r.super.BitmapStart)*lsvdfmt.PageSize); err != nil {
		return nil, errors.Wrap(err, "read bitmap")
	}

	for i := 0; i < units; i++ {
		r.flat[i] = decodeObjOffset(mapBuf[i*8:])
		if r.flat[i] != (extmap.ObjOffset{}) {
			r.slots[r.flat[i]] = i
			r.bitmap[i] = uint16(bitBuf[i*2]) | uint16(bitBuf[i*2+1])<<8
		} else {
			r.freeBlks = append(r.freeBlks, i)
		}
	}

	r.running.Store(true)
	r.group.Go(r.evictThread)
	return r, nil
}

// pageMask returns the bitmap of 4 KiB pages covered by [base, limit)
// within the chunk containing base; base, limit, and unit are in sectors.
// The result never addresses bits outside the chunk's 16.
func pageMask(base, limit, unit int64) uint16 {
	top := roundUp(base+1, unit)
	if limit > top {
		limit = top
	}
	basePage := base / lsvdfmt.SectorsPerPage
	limitPage := divRoundUp(limit, lsvdfmt.SectorsPerPage)
	unitPage := unit / lsvdfmt.SectorsPerPage
	var val uint16
	for i := basePage % unitPage; basePage < limitPage; basePage, i = basePage+1, i+1 {
		val |= 1 << i
	}
	return val
}

// Add admits up to one chunk's worth of sectors at a time, looping over
// chunk boundaries. The offset must be page-aligned. Chunks with no free
// slot are dropped; evictions happen in the background, not on the admit
// path.
func (r *ReadCache) Add(oo extmap.ObjOffset, sectors int64, buf []byte) error {
	if oo.Offset%lsvdfmt.SectorsPerPage != 0 {
		return errors.New("read cache admit must be page aligned")
	}

	for sectors > 0 {
		r.mu.Lock()
		objBlk := extmap.ObjOffset{Obj: oo.Obj, Offset: oo.Offset / r.unitSectors}
		slot, ok := r.slots[objBlk]
		if !ok {
			if n := len(r.freeBlks); n > 0 {
				slot = r.freeBlks[n-1]
				r.freeBlks = r.freeBlks[:n-1]
			} else {
				r.mu.Unlock()
				return ErrExhausted
			}
		}
		for r.busy[slot] {
			r.cond.Wait()
		}
		r.busy[slot] = true
		mask := r.bitmap[slot]
		r.mu.Unlock()

		objPage := oo.Offset / lsvdfmt.SectorsPerPage
		pagesInBlk := r.unitSectors / lsvdfmt.SectorsPerPage
		blkPage := objBlk.Offset * pagesInBlk

		var pages [][]byte
		first := objPage - blkPage
		for i := first; sectors > 0 && i < pagesInBlk; i++ {
			mask |= 1 << i
			pages = append(pages, buf[:lsvdfmt.PageSize])
			buf = buf[lsvdfmt.PageSize:]
			sectors -= lsvdfmt.SectorsPerPage
			oo.Offset += lsvdfmt.SectorsPerPage
		}

		blkOffset := (int64(slot)*pagesInBlk + int64(r.super.Base) + first) * lsvdfmt.PageSize
		err := r.dev.Writev(pages, blkOffset)

		r.mu.Lock()
		if err == nil {
			r.slots[objBlk] = slot
			r.bitmap[slot] = mask
			r.flat[slot] = objBlk
			r.mapDirty = true
		} else {
			r.log.WithError(err).Error("chunk write failed, dropping admit")
			if r.flat[slot] == (extmap.ObjOffset{}) {
				r.freeBlks = append(r.freeBlks, slot)
			}
		}
		r.busy[slot] = false
		r.cond.Signal()
		r.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// Read resolves [offset, offset+len(buf)) via the object map, serves
// chunk-hits from SSD, and on a miss fetches the whole chunk from the
// backend, copies the needed sub-range out, and admits the chunk after the
// read completes. Unmapped ranges zero-fill.
func (r *ReadCache) Read(offset int64, buf []byte) error {
	lba := offset / lsvdfmt.SectorSize
	sectors := int64(len(buf)) / lsvdfmt.SectorSize

	r.omap.Mu.RLock()
	var extents []extmap.Extent[extmap.ObjOffset]
	for i := r.omap.Map.Lookup(lba); i < r.omap.Map.Len(); i++ {
		e := r.omap.Map.At(i)
		if e.Base >= lba+sectors {
			break
		}
		extents = append(extents, e.Clip(lba, lba+sectors))
	}
	r.omap.Mu.RUnlock()

	type admit struct {
		oo      extmap.ObjOffset
		sectors int64
		buf     []byte
	}
	var toAdd []admit

	for _, e := range extents {
		if e.Base > lba {
			n := (e.Base - lba) * lsvdfmt.SectorSize
			zero(buf[:n])
			buf = buf[n:]
		}
		base, limit, ptr := e.Base, e.Limit, e.Ptr
		for base < limit {
			unit := extmap.ObjOffset{Obj: ptr.Obj, Offset: ptr.Offset / r.unitSectors}
			blkBase := unit.Offset * r.unitSectors
			blkOffset := ptr.Offset % r.unitSectors
			blkTop := blkOffset + (limit - base)
			if top := roundUp(blkOffset+1, r.unitSectors); blkTop > top {
				blkTop = top
			}

			r.mu.Lock()
			slot, inCache := r.slots[unit]
			if inCache {
				access := pageMask(blkOffset, blkTop, r.unitSectors)
				inCache = access&r.bitmap[slot] == access
			}
			r.mu.Unlock()

			n := blkTop - blkOffset
			bytes := n * lsvdfmt.SectorSize
			if inCache {
				start := (int64(r.super.Base)*lsvdfmt.SectorsPerPage +
					int64(slot)*r.unitSectors + blkOffset) * lsvdfmt.SectorSize
				if _, err := r.dev.Read(buf[:bytes], start); err != nil {
					return errors.Wrap(err, "read chunk")
				}
				cacheHits.Inc()
			} else {
				chunk := make([]byte, r.unitSectors*lsvdfmt.SectorSize)
				got, err := backend.ReadNumbered(r.io, unit.Obj, chunk, blkBase*lsvdfmt.SectorSize)
				if err != nil {
					r.log.WithError(err).WithField("obj", unit.Obj).Warn("backend read failed, zero-filling")
					got = 0
				}
				zero(chunk[got:])
				copy(buf[:bytes], chunk[blkOffset*lsvdfmt.SectorSize:])
				gotSectors := int64(got) / lsvdfmt.SectorSize
				gotSectors -= gotSectors % lsvdfmt.SectorsPerPage
				if gotSectors > 0 {
					toAdd = append(toAdd, admit{
						oo:      extmap.ObjOffset{Obj: unit.Obj, Offset: blkBase},
						sectors: gotSectors,
						buf:     chunk,
					})
				}
				cacheMisses.Inc()
			}

			base += n
			ptr.Offset += n
			buf = buf[bytes:]
		}
		lba = limit
	}
	zero(buf)

	// The read is complete; admissions happen afterwards so the client
	// never waits on cache population.
	for _, a := range toAdd {
		if err := r.Add(a.oo, a.sectors, a.buf); err != nil && !errors.Is(err, ErrExhausted) {
			return err
		}
	}
	return nil
}

// evict randomly reclaims n slots. Busy and already-free slots are skipped.
// Lock held.
func (r *ReadCache) evict(n int) {
	units := int(r.super.Units)
	for i := 0; i < n; i++ {
		j := r.rng.Intn(units)
		if r.busy[j] || r.flat[j] == (extmap.ObjOffset{}) {
			continue
		}
		r.bitmap[j] = 0
		delete(r.slots, r.flat[j])
		r.flat[j] = extmap.ObjOffset{}
		r.freeBlks = append(r.freeBlks, j)
		cacheEvictions.Inc()
	}
}

// DoEvict reclaims n slots immediately.
func (r *ReadCache) DoEvict(n int) {
	r.mu.Lock()
	r.evict(n)
	r.mu.Unlock()
}

// evictThread keeps free slots above units/16, refilling to units/4, and
// flushes the flat map and bitmap to SSD immediately after an eviction or
// at least every 15 seconds while dirty.
func (r *ReadCache) evictThread() error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	t0 := time.Now()

	for {
		select {
		case <-r.done:
			return nil
		case <-ticker.C:
		}
		r.mu.Lock()
		if !r.mapDirty {
			r.mu.Unlock()
			continue
		}
		units := int(r.super.Units)
		n := 0
		if len(r.freeBlks) < units/16 {
			n = units/4 - len(r.freeBlks)
		}
		if n > 0 {
			r.evict(n)
		}
		r.mu.Unlock()

		if n > 0 || time.Since(t0) > 15*time.Second {
			t0 = time.Now()
			if err := r.flushMap(); err != nil {
				r.log.WithError(err).Error("flat map flush failed")
			}
		}
	}
}

// flushMap persists the flat map and bitmap.
func (r *ReadCache) flushMap() error {
	r.mu.Lock()
	mapBuf := make([]byte, int(r.super.MapBlocks)*lsvdfmt.PageSize)
	for i, oo := range r.flat {
		encodeObjOffset(mapBuf[i*8:], oo)
	}
	bitBuf := make([]byte, int(r.super.BitmapBlocks)*lsvdfmt.PageSize)
	for i, m := range r.bitmap {
		bitBuf[i*2] = byte(m)
		bitBuf[i*2+1] = byte(m >> 8)
	}
	r.mapDirty = false
	r.mu.Unlock()

	if err := r.dev.Write(mapBuf, int64(r.super.MapStart)*lsvdfmt.PageSize); err != nil {
		return err
	}
	return r.dev.Write(bitBuf, int64(r.super.BitmapStart)*lsvdfmt.PageSize)
}

// Contains reports whether the chunk holding (obj, sector offset) is mapped
// and which pages are valid.
func (r *ReadCache) Contains(oo extmap.ObjOffset) (uint16, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.slots[extmap.ObjOffset{Obj: oo.Obj, Offset: oo.Offset / r.unitSectors}]
	if !ok {
		return 0, false
	}
	return r.bitmap[slot], true
}

// Shutdown stops the eviction thread and flushes the map a final time.
func (r *ReadCache) Shutdown() {
	r.running.Store(false)
	close(r.done)
	_ = r.group.Wait()
	r.mu.Lock()
	dirty := r.mapDirty
	r.mu.Unlock()
	if dirty {
		if err := r.flushMap(); err != nil {
			r.log.WithError(err).Error("final flat map flush failed")
		}
	}
}

// decodeObjOffset unpacks the on-disk slot key: obj in the low 36 bits,
// chunk index in the high 28.
func decodeObjOffset(b []byte) extmap.ObjOffset {
	v := uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
	return extmap.ObjOffset{
		Obj:    uint32(v & (1<<36 - 1)),
		Offset: int64(v >> 36),
	}
}

func encodeObjOffset(b []byte, oo extmap.ObjOffset) {
	v := uint64(oo.Obj)&(1<<36-1) | uint64(oo.Offset)<<36
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func roundUp(n, m int64) int64 {
	return (n + m - 1) / m * m
}

func divRoundUp(n, m int64) int64 {
	return (n + m - 1) / m
}
