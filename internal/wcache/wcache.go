// Package wcache implements the write cache: an on-SSD circular journal
// that makes writes durable before they reach the object backend. A forward
// map (lba -> ssd sector) serves read hits; a reverse map (ssd sector ->
// lba) lets eviction trim the forward map when journal space is reclaimed.
package wcache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"lsvd/internal/config"
	"lsvd/internal/extmap"
	"lsvd/internal/lsvdfmt"
	"lsvd/internal/nvme"
	"lsvd/internal/request"
	"lsvd/internal/translate"
)

// ErrDeviceFailed reports an NVMe error during commit. The durability
// guarantee is broken, so the cache refuses further writes.
var ErrDeviceFailed = errors.New("write cache device failed")

var journalCommits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "lsvd_journal_commits_total",
	Help: "Journal records committed to the cache device.",
})

// Per-journal-page state: NONE -> (HDR | PAD | DATA) -> NONE. HDR cells are
// installed by the writer and dropped by the evictor; DATA cells follow
// their owning HDR; PAD cells are created by allocation and cleared when
// oldest crosses them.
type pageType uint8

const (
	pageNone pageType = 0
	pageHdr  pageType = 17
	pagePad  pageType = 18
	pageData pageType = 19
)

type pageDesc struct {
	typ    pageType
	nPages uint32
}

type pageSpan struct {
	start uint32
	len   uint32
	seq   uint64
}

// job is one queued client write awaiting group commit.
type job struct {
	req  request.Request
	lba  int64
	bufs [][]byte
}

func (j *job) sectors() int64 {
	var n int64
	for _, b := range j.bufs {
		n += int64(len(b))
	}
	return n / lsvdfmt.SectorSize
}

// WriteCache manages the journal ring [base, limit) of the cache device,
// with its superblock at a fixed page and checkpoint metadata in
// [meta_base, meta_limit). One mutex covers the super, both maps, the page
// descriptors, the outstanding list, and the work queue.
type WriteCache struct {
	mu        sync.Mutex
	writeCond *sync.Cond

	dev      *nvme.Device
	superBlk uint32
	super    lsvdfmt.JWriteSuper
	seq      uint64

	fmap extmap.Map[extmap.Sector]
	rmap extmap.Map[extmap.Sector]
	// blocks tracks journal ring contents, indexed by page - super.Base.
	blocks []pageDesc

	// outstanding lists records whose SSD write is in flight, in ring
	// order. Only records below nextAcked are durably on SSD; checkpoints
	// persist nextAcked, never the speculative next.
	outstanding []pageSpan
	nextAcked   uint32

	work              []*job
	outstandingWrites int

	totalWritePages int
	maxWritePages   int
	writeBatch      int

	mapDirty       bool
	ckptInProgress bool
	failed         atomic.Bool

	// be is a non-owning handle; the outer container owns both layers and
	// tears down the write cache first.
	be *translate.Translate

	running atomic.Bool
	done    chan struct{}
	group   errgroup.Group
	log     *logrus.Entry
}

// Open reads the write-cache superblock at page superBlk, recovers the maps
// from the last checkpoint, rolls the journal forward, and starts the
// background flush and checkpoint threads.
func Open(dev *nvme.Device, superBlk uint32, be *translate.Translate, cfg *config.Config) (*WriteCache, error) {
	w := &WriteCache{
		dev:      dev,
		superBlk: superBlk,
		be:       be,
		done:     make(chan struct{}),
		log:      logrus.WithField("component", "wcache"),
	}
	w.writeCond = sync.NewCond(&w.mu)

	buf := make([]byte, lsvdfmt.PageSize)
	if _, err := dev.Read(buf, int64(superBlk)*lsvdfmt.PageSize); err != nil {
		return nil, errors.Wrap(err, "read write-cache super")
	}
	if err := w.super.Decode(buf); err != nil {
		return nil, err
	}
	w.seq = w.super.Seq
	w.blocks = make([]pageDesc, w.super.Limit-w.super.Base)
	w.nextAcked = w.super.Next

	if w.super.MapEntries > 0 || w.super.LenEntries > 0 {
		if err := w.readMapEntries(); err != nil {
			return nil, err
		}
	}
	if err := w.rollLogForward(); err != nil {
		return nil, err
	}

	w.maxWritePages = len(w.blocks) / 2
	w.writeBatch = cfg.WcacheBatch

	w.running.Store(true)
	w.group.Go(w.flushThread)
	w.group.Go(w.ckptThread)
	return w, nil
}

// Writev enqueues a write job. The job is durable when req.Notify fires; by
// then the data is in the SSD journal, the forward map reflects it, and the
// write has been forwarded to the translation layer.
func (w *WriteCache) Writev(req request.Request, offset int64, bufs [][]byte) {
	if w.failed.Load() {
		// Durability is broken; unblock the caller without acknowledging
		// the data as stored.
		w.log.WithField("lba", offset/lsvdfmt.SectorSize).Error("write refused, cache device failed")
		req.Notify(nil)
		return
	}
	w.mu.Lock()
	w.work = append(w.work, &job{req: req, lba: offset / lsvdfmt.SectorSize, bufs: bufs})
	// Not under write pressure: send immediately. Otherwise batch until the
	// group-commit threshold or the flush timer.
	var r *writeReq
	if w.outstandingWrites == 0 || len(w.work) >= w.writeBatch {
		r = w.sendWritesLocked()
	}
	w.mu.Unlock()
	if r != nil {
		r.Run(nil)
	}
}

// GetRoom blocks until the write window has room for sectors.
func (w *WriteCache) GetRoom(sectors int64) {
	pages := int(sectors / lsvdfmt.SectorsPerPage)
	w.mu.Lock()
	for w.totalWritePages+pages > w.maxWritePages {
		w.writeCond.Wait()
	}
	w.totalWritePages += pages
	w.mu.Unlock()
}

// ReleaseRoom returns window room taken by GetRoom.
func (w *WriteCache) ReleaseRoom(sectors int64) {
	pages := int(sectors / lsvdfmt.SectorsPerPage)
	w.mu.Lock()
	w.totalWritePages -= pages
	if w.totalWritePages < w.maxWritePages {
		w.writeCond.Broadcast()
	}
	w.mu.Unlock()
}

// Flush blocks until all in-flight writes have drained from the window.
func (w *WriteCache) Flush() {
	w.mu.Lock()
	for w.totalWritePages > 0 {
		w.writeCond.Wait()
	}
	w.mu.Unlock()
}

// AsyncRead consults the forward map for [offset, offset+len(buf)). The
// first skip bytes are not covered by the cache; the next read bytes will be
// produced by the returned request when run. The caller slices off skip+read
// and calls again for the remainder.
func (w *WriteCache) AsyncRead(offset int64, buf []byte) (skip, read int64, req request.Request) {
	base := offset / lsvdfmt.SectorSize
	limit := base + int64(len(buf))/lsvdfmt.SectorSize

	w.mu.Lock()
	var nvmeOffset int64
	i := w.fmap.Lookup(base)
	if i >= w.fmap.Len() || w.fmap.At(i).Base >= limit {
		skip = int64(len(buf))
	} else {
		e := w.fmap.At(i).Clip(base, limit)
		if e.Base > base {
			skip = (e.Base - base) * lsvdfmt.SectorSize
		}
		read = e.Len() * lsvdfmt.SectorSize
		nvmeOffset = int64(e.Ptr) * lsvdfmt.SectorSize
	}
	w.mu.Unlock()

	if read > 0 {
		req = w.dev.MakeReadRequest(buf[skip:skip+read], nvmeOffset)
	}
	return skip, read, req
}

// allocate reserves n contiguous pages starting at super.Next, evicting any
// old records about to be overwritten. If the tail of the ring is too short
// it returns the pad page to fill and wraps to base first. Lock held.
func (w *WriteCache) allocate(n uint32) (page, pad, nPad uint32) {
	if w.super.Limit-w.super.Next < n {
		pad = w.super.Next
		nPad = w.super.Limit - pad
		w.evict(pad, w.super.Limit)
		w.super.Next = w.super.Base
	}
	page = w.super.Next
	w.evict(page, page+n)
	w.super.Next += n
	if w.super.Next == w.super.Limit {
		w.super.Next = w.super.Base
	}
	return page, pad, nPad
}

// evict reclaims journal records in [page, limit) before the pages are
// overwritten: reverse-map entries covering each record are used to trim the
// forward map, then both maps and the page descriptors are cleared. Records
// are consumed whole, oldest first. Lock held.
func (w *WriteCache) evict(page, limit uint32) {
	b := w.super.Base
	for page < limit && w.blocks[page-b].typ == pageNone {
		page++
	}
	if page == limit {
		return
	}

	if w.blocks[page-b].typ == pagePad {
		w.blocks[page-b] = pageDesc{}
		w.super.Oldest = w.super.Base
		return
	}

	oldest := w.super.Oldest
	for oldest < limit {
		n := w.blocks[oldest-b].nPages
		sBase := int64(oldest) * lsvdfmt.SectorsPerPage
		sLimit := sBase + int64(n)*lsvdfmt.SectorsPerPage

		for i := w.rmap.Lookup(sBase); i < w.rmap.Len(); i++ {
			e := w.rmap.At(i)
			if e.Base >= sLimit {
				break
			}
			c := e.Clip(sBase, sLimit)
			w.fmap.Trim(int64(c.Ptr), int64(c.Ptr)+c.Len())
		}
		w.rmap.Trim(sBase, sLimit)

		for i := uint32(0); i < n; i++ {
			w.blocks[oldest-b+i] = pageDesc{}
		}
		oldest += n
	}

	if oldest == w.super.Limit {
		oldest = w.super.Base
	}
	w.super.Oldest = oldest
}

// mkHeader builds a one-page journal header of the given type, consuming
// the next record sequence number. Lock held.
func (w *WriteCache) mkHeader(typ uint32, pages uint32) ([]byte, *lsvdfmt.JHdr) {
	buf := make([]byte, lsvdfmt.PageSize)
	h := &lsvdfmt.JHdr{
		Magic:    lsvdfmt.Magic,
		Type:     typ,
		Version:  lsvdfmt.Version,
		VolUUID:  w.be.VolUUID(),
		Seq:      w.seq,
		LenPages: pages,
	}
	w.seq++
	h.Encode(buf)
	return buf, h
}

func (w *WriteCache) recordOutstanding(start, length uint32, seq uint64) {
	w.outstanding = append(w.outstanding, pageSpan{start, length, seq})
}

// notifyComplete retires an in-flight record and advances nextAcked to the
// new oldest in-flight record, or to next when nothing is in flight.
func (w *WriteCache) notifyComplete(start, length uint32) {
	for i, s := range w.outstanding {
		if s.start == start && s.len == length {
			w.outstanding = append(w.outstanding[:i], w.outstanding[i+1:]...)
			break
		}
	}
	if len(w.outstanding) == 0 {
		w.nextAcked = w.super.Next
	} else {
		w.nextAcked = w.outstanding[0].start
	}
}

// nextAckedSeq returns the sequence number replay will expect at nextAcked:
// the seq of the oldest in-flight record, or the counter when nothing is in
// flight. Lock held.
func (w *WriteCache) nextAckedSeq() uint64 {
	if len(w.outstanding) > 0 {
		return w.outstanding[0].seq
	}
	return w.seq
}

// sendWritesLocked gathers all queued jobs into one group-commit request.
// The caller runs the returned request after releasing the lock.
func (w *WriteCache) sendWritesLocked() *writeReq {
	if len(w.work) == 0 || w.failed.Load() {
		return nil
	}
	jobs := w.work
	w.work = nil

	var sectors int64
	for _, j := range jobs {
		sectors += j.sectors()
	}
	pages := uint32(divRoundUp64(sectors, lsvdfmt.SectorsPerPage))
	page, pad, nPad := w.allocate(pages + 1)
	b := w.super.Base

	if nPad > 0 {
		w.blocks[pad-b] = pageDesc{typ: pagePad, nPages: nPad}
		for i := pad + 1; i < w.super.Limit; i++ {
			w.blocks[i-b] = pageDesc{}
		}
	}
	w.blocks[page-b] = pageDesc{typ: pageHdr, nPages: pages + 1}
	for i := uint32(0); i < pages; i++ {
		w.blocks[page-b+1+i] = pageDesc{typ: pageData}
	}

	r := newWriteReq(w, jobs, pages, page, nPad, pad)
	w.outstandingWrites++
	return r
}

// flushThread dispatches batched jobs that have waited past the commit
// timer.
func (w *WriteCache) flushThread() error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return nil
		case <-ticker.C:
		}
		w.mu.Lock()
		var r *writeReq
		if w.outstandingWrites == 0 && len(w.work) > 0 {
			r = w.sendWritesLocked()
		}
		w.mu.Unlock()
		if r != nil {
			r.Run(nil)
		}
	}
}

// ckptThread checkpoints when the ring has advanced a quarter turn, or when
// the map has been dirty for five seconds.
func (w *WriteCache) ckptThread() error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	n := w.super.Limit - w.super.Base
	next0 := w.super.Next
	t0 := time.Now()
	interval := n / 4

	for {
		select {
		case <-w.done:
			return nil
		case <-ticker.C:
		}
		w.mu.Lock()
		moved := (w.super.Next + n - next0) % n
		dirty := w.mapDirty
		next := w.super.Next
		w.mu.Unlock()

		if moved > interval || (time.Since(t0) > 5*time.Second && dirty) {
			next0 = next
			t0 = time.Now()
			if err := w.writeCheckpoint(); err != nil {
				w.log.WithError(err).Error("periodic checkpoint failed")
			}
		}
	}
}

// DoWriteCheckpoint forces a checkpoint if the map has changed.
func (w *WriteCache) DoWriteCheckpoint() error {
	if w.failed.Load() {
		return ErrDeviceFailed
	}
	w.mu.Lock()
	dirty := w.mapDirty
	w.mu.Unlock()
	if dirty {
		return w.writeCheckpoint()
	}
	return nil
}

// inValidRange reports whether page p lies within [oldest, nextAcked) mod N.
func (w *WriteCache) inValidRange(p uint32) bool {
	if w.super.Oldest <= w.nextAcked {
		return p >= w.super.Oldest && p < w.nextAcked
	}
	return p >= w.super.Oldest || p < w.nextAcked
}

// writeCheckpoint persists the forward map and the record-length list to the
// half of the metadata region not currently in use, then rewrites the
// superblock to point at them. Only record boundaries below nextAcked are
// persisted, so recovery never replays writes whose SSD write didn't
// complete.
func (w *WriteCache) writeCheckpoint() error {
	w.mu.Lock()
	if w.ckptInProgress {
		w.mu.Unlock()
		return nil
	}
	w.ckptInProgress = true

	var lengths []lsvdfmt.JLength
	for p := w.super.Base; p < w.super.Limit; p++ {
		d := w.blocks[p-w.super.Base]
		if d.typ == pageHdr && w.inValidRange(p) {
			lengths = append(lengths, lsvdfmt.JLength{Page: p, Len: d.nPages})
		}
	}

	extents := make([]lsvdfmt.JMapExtent, 0, w.fmap.Len())
	for i := 0; i < w.fmap.Len(); i++ {
		e := w.fmap.At(i)
		extents = append(extents, lsvdfmt.JMapExtent{
			LBA: e.Base, Len: e.Len(), PLBA: uint64(e.Ptr),
		})
	}

	mapBytes := len(extents) * lsvdfmt.JMapExtentSize
	lenBytes := len(lengths) * lsvdfmt.JLengthSize
	mapPages := uint32(divRoundUp64(int64(mapBytes), lsvdfmt.PageSize))
	lenPages := uint32(divRoundUp64(int64(lenBytes), lsvdfmt.PageSize))

	// Alternate halves of the metadata region so a crash mid-checkpoint
	// leaves the previous one intact.
	blockno := w.super.MetaBase
	if w.super.MapStart == blockno {
		blockno = (w.super.MetaBase + w.super.MetaLimit) / 2
	}

	superCopy := w.super
	superCopy.Seq = w.nextAckedSeq()
	superCopy.Next = w.nextAcked

	superCopy.MapStart = blockno
	superCopy.MapBlocks = mapPages
	superCopy.MapEntries = uint32(len(extents))
	superCopy.LenStart = blockno + mapPages
	superCopy.LenBlocks = lenPages
	superCopy.LenEntries = uint32(len(lengths))

	w.super.MapStart = superCopy.MapStart
	w.super.MapBlocks = superCopy.MapBlocks
	w.super.MapEntries = superCopy.MapEntries
	w.super.LenStart = superCopy.LenStart
	w.super.LenBlocks = superCopy.LenBlocks
	w.super.LenEntries = superCopy.LenEntries
	w.mu.Unlock()

	mapBuf := make([]byte, int(mapPages)*lsvdfmt.PageSize)
	for i, e := range extents {
		e.Encode(mapBuf[i*lsvdfmt.JMapExtentSize:])
	}
	lenBuf := make([]byte, int(lenPages)*lsvdfmt.PageSize)
	for i, l := range lengths {
		l.Encode(lenBuf[i*lsvdfmt.JLengthSize:])
	}
	superBuf := make([]byte, lsvdfmt.PageSize)
	superCopy.Encode(superBuf)

	if len(mapBuf)+len(lenBuf) > 0 {
		if err := w.dev.Writev([][]byte{mapBuf, lenBuf}, int64(blockno)*lsvdfmt.PageSize); err != nil {
			return errors.Wrap(err, "write cache checkpoint")
		}
	}
	if err := w.dev.Write(superBuf, int64(w.superBlk)*lsvdfmt.PageSize); err != nil {
		return errors.Wrap(err, "write cache super")
	}

	w.mu.Lock()
	w.mapDirty = false
	w.ckptInProgress = false
	w.mu.Unlock()
	return nil
}

// readMapEntries recovers the forward/reverse maps and the record
// boundaries from the persisted checkpoint.
func (w *WriteCache) readMapEntries() error {
	if w.super.MapEntries > 0 {
		buf := make([]byte, int(w.super.MapBlocks)*lsvdfmt.PageSize)
		if _, err := w.dev.Read(buf, int64(w.super.MapStart)*lsvdfmt.PageSize); err != nil {
			return errors.Wrap(err, "read cache map")
		}
		for _, e := range lsvdfmt.DecodeJMapExtents(buf, int(w.super.MapEntries)) {
			w.fmap.Update(e.LBA, e.LBA+e.Len, extmap.Sector(e.PLBA))
			w.rmap.Update(int64(e.PLBA), int64(e.PLBA)+e.Len, extmap.Sector(e.LBA))
		}
	}

	if w.super.LenEntries > 0 {
		buf := make([]byte, int(w.super.LenBlocks)*lsvdfmt.PageSize)
		if _, err := w.dev.Read(buf, int64(w.super.LenStart)*lsvdfmt.PageSize); err != nil {
			return errors.Wrap(err, "read cache lengths")
		}
		b := w.super.Base
		for _, l := range lsvdfmt.DecodeJLengths(buf, int(w.super.LenEntries)) {
			w.blocks[l.Page-b] = pageDesc{typ: pageHdr, nPages: l.Len}
			for i := uint32(1); i < l.Len; i++ {
				w.blocks[l.Page-b+i] = pageDesc{typ: pageData}
			}
		}
	}
	return nil
}

// rollLogForward replays journal records strictly newer than the persisted
// checkpoint: starting at super.Next, each record with the expected sequence
// number is applied to the maps and forwarded to the translation layer.
// Replay stops at the first invalid header; everything before it is
// accepted.
func (w *WriteCache) rollLogForward() error {
	buf := make([]byte, lsvdfmt.PageSize)
	dirty := false

	for {
		if _, err := w.dev.Read(buf, int64(w.super.Next)*lsvdfmt.PageSize); err != nil {
			return errors.Wrap(err, "roll log forward")
		}
		var h lsvdfmt.JHdr
		if err := h.Decode(buf); err != nil {
			break
		}
		if (h.Type != lsvdfmt.JData && h.Type != lsvdfmt.JPad) || h.Seq != w.seq {
			break
		}
		w.seq++
		idx := w.super.Next - w.super.Base

		if h.Type == lsvdfmt.JPad {
			w.blocks[idx] = pageDesc{typ: pagePad, nPages: w.super.Limit - w.super.Next}
			for i := idx + 1; i < uint32(len(w.blocks)); i++ {
				w.blocks[i] = pageDesc{}
			}
			w.super.Next = w.super.Base
			continue
		}

		w.blocks[idx] = pageDesc{typ: pageHdr, nPages: h.LenPages}
		for i := uint32(1); i < h.LenPages; i++ {
			w.blocks[idx+i] = pageDesc{typ: pageData}
		}
		dirty = true

		extents, err := lsvdfmt.DecodeJExtents(buf, h.ExtentOffset, h.ExtentLen)
		if err != nil {
			break
		}
		data := make([]byte, int(h.LenPages-1)*lsvdfmt.PageSize)
		if _, err := w.dev.Read(data, int64(w.super.Next+1)*lsvdfmt.PageSize); err != nil {
			return errors.Wrap(err, "roll log forward payload")
		}

		plba := int64(w.super.Next+1) * lsvdfmt.SectorsPerPage
		offset := int64(0)
		for _, e := range extents {
			displaced := w.fmap.Update(e.LBA, e.LBA+e.Len, extmap.Sector(plba))
			w.rmap.Update(plba, plba+e.Len, extmap.Sector(e.LBA))
			for _, d := range displaced {
				w.rmap.Trim(int64(d.Ptr), int64(d.Ptr)+d.Len())
			}

			n := e.Len * lsvdfmt.SectorSize
			if _, err := w.be.Writev(e.LBA*lsvdfmt.SectorSize, [][]byte{data[offset : offset+n]}); err != nil {
				return err
			}
			offset += n
			plba += e.Len
		}

		w.super.Next += h.LenPages
		if w.super.Next == w.super.Limit {
			w.super.Next = w.super.Base
		}
	}

	w.nextAcked = w.super.Next
	if dirty {
		w.mapDirty = true
		return w.writeCheckpoint()
	}
	return nil
}

// GetSuper returns a copy of the in-memory superblock.
func (w *WriteCache) GetSuper() lsvdfmt.JWriteSuper {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.super
}

// GetMap returns the forward-map extents overlapping [base, limit) sectors,
// clipped.
func (w *WriteCache) GetMap(base, limit int64) []extmap.Extent[extmap.Sector] {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []extmap.Extent[extmap.Sector]
	for i := w.fmap.Lookup(base); i < w.fmap.Len(); i++ {
		e := w.fmap.At(i)
		if e.Base >= limit {
			break
		}
		out = append(out, e.Clip(base, limit))
	}
	return out
}

// Reset drops the forward map.
func (w *WriteCache) Reset() {
	w.mu.Lock()
	w.fmap.Reset()
	w.mu.Unlock()
}

// Shutdown stops the background threads. Queued jobs are dispatched first so
// acknowledged work is not stranded.
func (w *WriteCache) Shutdown() {
	w.mu.Lock()
	r := w.sendWritesLocked()
	w.mu.Unlock()
	if r != nil {
		r.Run(nil)
	}
	w.running.Store(false)
	close(w.done)
	w.mu.Lock()
	w.writeCond.Broadcast()
	w.mu.Unlock()
	_ = w.group.Wait()
}

func divRoundUp64(n, m int64) int64 {
	return (n + m - 1) / m
}
