// Package translate implements the translation layer: it batches incoming
// writes into immutable numbered data objects, maintains the authoritative
// lba -> (object, offset) map, drives checkpoints, and serves reads from the
// object backend.
package translate

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"lsvd/internal/backend"
	"lsvd/internal/config"
	"lsvd/internal/extmap"
	"lsvd/internal/lsvdfmt"
)

// ErrHalted reports that the writer pool stopped after a backend write
// failure; the durability chain to the backend is broken and the engine
// refuses further batches.
var ErrHalted = errors.New("translation layer halted after backend write failure")

var (
	backendWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lsvd_backend_write_failures_total",
		Help: "Backend object writes that failed in the writer pool.",
	})
	objectsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lsvd_objects_written_total",
		Help: "Data objects committed to the backend.",
	})
	checkpointsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lsvd_checkpoints_written_total",
		Help: "Checkpoint objects committed to the backend.",
	})
)

// ObjMap is the object map plus the reader-writer lock that guards it.
// Readers hold RLock for readv resolution; updates take the exclusive lock.
// The read cache shares this map to resolve lba ranges to objects.
type ObjMap struct {
	Mu  sync.RWMutex
	Map extmap.Map[extmap.ObjOffset]
}

// ObjInfo tracks one live object. LiveSectors decreases as newer writes
// overwrite older ranges; at zero the object is eligible for deletion
// (deletion itself is deferred and not driven by any code path yet).
type ObjInfo struct {
	HdrSectors  uint32
	DataSectors uint32
	LiveSectors int64
	Type        uint32
}

const (
	ckptInterval = 100
	flushTimeout = 2 * time.Second
)

// Translate is the translation layer. The mutex covers the current batch,
// the worker queue, object_info, and in_mem_objects; the object map has its
// own lock inside ObjMap, always acquired after the translate mutex.
type Translate struct {
	// NoCache publishes batch extents in the object map at write time and
	// serves them from the in-memory batch buffer. Set it before Init when
	// no write cache fronts the layer; with a write cache in front, the map
	// must only ever name objects already durable on the backend, so
	// extents are published when the writer pool commits.
	NoCache bool

	mu       sync.Mutex
	workCond *sync.Cond
	roomCond *sync.Cond

	io   backend.Backend
	omap *ObjMap

	current *batch
	free    []*batch
	pending []*batch
	// inFlight counts batches between seal and backend commit, bounded by
	// the xlate_window throttle.
	inFlight int
	window   int

	// inMem serves reads for batches that have not yet been committed to
	// the backend, keyed by object seq.
	inMem   map[uint32][]byte
	objInfo map[uint32]*ObjInfo

	superName string
	volUUID   uuid.UUID
	superHdr  lsvdfmt.SuperHdr

	batchSize int
	nworkers  int

	// batchSeq is the next object sequence number to allocate.
	batchSeq atomic.Uint32
	lastCkpt atomic.Uint32

	running atomic.Bool
	done    chan struct{}
	group   errgroup.Group
	halted  atomic.Bool

	log *logrus.Entry
}

func New(io backend.Backend, omap *ObjMap, cfg *config.Config) *Translate {
	t := &Translate{
		io:        io,
		omap:      omap,
		inMem:     make(map[uint32][]byte),
		objInfo:   make(map[uint32]*ObjInfo),
		batchSize: cfg.BatchSize,
		nworkers:  cfg.XlateThreads,
		window:    cfg.XlateWindow,
		done:      make(chan struct{}),
		log:       logrus.WithField("component", "translate"),
	}
	t.workCond = sync.NewCond(&t.mu)
	t.roomCond = sync.NewCond(&t.mu)
	return t
}

// VolUUID returns the volume UUID read from the super object.
func (t *Translate) VolUUID() uuid.UUID { return t.volUUID }

// readObjectHdr reads and returns the full header region of an object.
func (t *Translate) readObjectHdr(name string) ([]byte, lsvdfmt.Hdr, error) {
	var h lsvdfmt.Hdr
	buf := make([]byte, lsvdfmt.PageSize)
	if _, err := t.io.ReadObject(name, buf, 0); err != nil {
		return nil, h, err
	}
	if err := h.Decode(buf); err != nil {
		return nil, h, err
	}
	if h.HdrSectors > lsvdfmt.SectorsPerPage {
		buf = make([]byte, int(h.HdrSectors)*lsvdfmt.SectorSize)
		if _, err := t.io.ReadObject(name, buf, 0); err != nil {
			return nil, h, err
		}
	}
	return buf, h, nil
}

// Init reads the super object, replays checkpoints and trailing data
// objects into the object map, and starts the writer pool and background
// threads. It returns the volume size in bytes.
func (t *Translate) Init(name string) (int64, error) {
	t.superName = name
	buf, h, err := t.readObjectHdr(name)
	if err != nil {
		return 0, errors.Wrap(err, "read super object")
	}
	if h.Type != lsvdfmt.TypeSuper {
		return 0, lsvdfmt.ErrFormat
	}
	t.volUUID = h.VolUUID
	if err := t.superHdr.Decode(buf[lsvdfmt.HdrSize:]); err != nil {
		return 0, err
	}
	ckpts, err := lsvdfmt.DecodeU32List(buf, t.superHdr.CkptsOffset, t.superHdr.CkptsLen)
	if err != nil {
		return 0, err
	}
	t.batchSeq.Store(t.superHdr.NextObj)

	var last uint32
	for _, ck := range ckpts {
		if err := t.replayCheckpoint(ck); err != nil {
			return 0, errors.Wrapf(err, "replay checkpoint %d", ck)
		}
		if ck > last {
			last = ck
		}
	}
	t.lastCkpt.Store(last)

	// Roll forward over data objects written after the last checkpoint,
	// stopping at the first missing sequence number.
	seq := last + 1
	for ; ; seq++ {
		ok, err := t.replayDataObject(seq)
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
	}
	t.batchSeq.Store(seq)

	t.running.Store(true)
	for i := 0; i < t.nworkers; i++ {
		t.group.Go(t.worker)
	}
	t.group.Go(t.ckptThread)
	t.group.Go(t.flushThread)

	return int64(t.superHdr.VolSize) * lsvdfmt.SectorSize, nil
}

// replayCheckpoint loads one CKPT object into objInfo and the object map.
func (t *Translate) replayCheckpoint(seq uint32) error {
	buf, h, err := t.readObjectHdr(t.io.ObjectName(seq))
	if err != nil {
		return err
	}
	if h.Type != lsvdfmt.TypeCkpt {
		return lsvdfmt.ErrFormat
	}
	var ch lsvdfmt.CkptHdr
	if err := ch.Decode(buf[lsvdfmt.HdrSize:]); err != nil {
		return err
	}
	objs, err := lsvdfmt.DecodeCkptObjs(buf, ch.ObjsOffset, ch.ObjsLen)
	if err != nil {
		return err
	}
	entries, err := lsvdfmt.DecodeCkptMap(buf, ch.MapOffset, ch.MapLen)
	if err != nil {
		return err
	}

	t.mu.Lock()
	for _, o := range objs {
		t.objInfo[o.Seq] = &ObjInfo{
			HdrSectors:  o.HdrSectors,
			DataSectors: o.DataSectors,
			LiveSectors: int64(o.LiveSectors),
			Type:        lsvdfmt.TypeData,
		}
	}
	t.mu.Unlock()

	t.omap.Mu.Lock()
	for _, e := range entries {
		t.omap.Map.Update(e.LBA, e.LBA+e.Len,
			extmap.ObjOffset{Obj: e.Obj, Offset: int64(e.Offset)})
	}
	t.omap.Mu.Unlock()
	return nil
}

// replayDataObject loads one DATA object's extents, returning false when the
// object does not exist or is not replayable. Checkpoint objects that were
// not yet recorded in the super are skipped.
func (t *Translate) replayDataObject(seq uint32) (bool, error) {
	buf, h, err := t.readObjectHdr(t.io.ObjectName(seq))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) || errors.Is(err, lsvdfmt.ErrFormat) {
			return false, nil
		}
		return false, err
	}
	if h.Type == lsvdfmt.TypeCkpt {
		return true, nil
	}
	if h.Type != lsvdfmt.TypeData {
		return false, nil
	}
	var dh lsvdfmt.DataHdr
	if err := dh.Decode(buf[lsvdfmt.HdrSize:]); err != nil {
		return false, err
	}
	entries, err := lsvdfmt.DecodeDataMap(buf, dh.MapOffset, dh.MapLen)
	if err != nil {
		return false, err
	}

	t.mu.Lock()
	t.objInfo[seq] = &ObjInfo{
		HdrSectors:  h.HdrSectors,
		DataSectors: h.DataSectors,
		LiveSectors: int64(h.DataSectors),
		Type:        lsvdfmt.TypeData,
	}

	t.omap.Mu.Lock()
	offset := int64(h.HdrSectors)
	for _, e := range entries {
		displaced := t.omap.Map.Update(e.LBA, e.LBA+e.Len,
			extmap.ObjOffset{Obj: seq, Offset: offset})
		for _, d := range displaced {
			if d.Ptr.Obj != seq {
				if info := t.objInfo[d.Ptr.Obj]; info != nil {
					info.LiveSectors -= d.Len()
				}
			}
		}
		offset += e.Len
	}
	t.omap.Mu.Unlock()
	t.mu.Unlock()
	return true, nil
}

// Writev copies the payload into the current batch at sector granularity.
// With NoCache set it also updates the object map to point at the batch's
// object; otherwise the map is updated when the writer pool commits the
// batch. It blocks only when the write window is full.
func (t *Translate) Writev(offset int64, bufs [][]byte) (int64, error) {
	var length int64
	for _, b := range bufs {
		length += int64(len(b))
	}
	if length == 0 {
		return 0, nil
	}

	t.mu.Lock()
	if t.halted.Load() {
		t.mu.Unlock()
		return 0, ErrHalted
	}

	if t.current != nil && t.current.length+int(length) > t.batchSize {
		t.sealLocked()
	}
	if t.current == nil {
		t.current = t.newBatchLocked()
	}

	b := t.current
	lba := offset / lsvdfmt.SectorSize
	sectorOffset := int64(b.length) / lsvdfmt.SectorSize
	b.appendIov(lba, bufs)

	if t.NoCache {
		// Point the map at the batch immediately; the offset is
		// payload-relative until the writer pool commits the object and
		// rewrites the entries with header-relative offsets. Reads in the
		// meantime are served from the in-memory batch buffer.
		t.omap.Mu.Lock()
		displaced := t.omap.Map.Update(lba, lba+length/lsvdfmt.SectorSize,
			extmap.ObjOffset{Obj: b.seq, Offset: sectorOffset})
		for _, d := range displaced {
			if d.Ptr.Obj != b.seq {
				if info := t.objInfo[d.Ptr.Obj]; info != nil {
					info.LiveSectors -= d.Len()
				}
			}
		}
		t.omap.Mu.Unlock()
	}
	t.mu.Unlock()

	return length, nil
}

// newBatchLocked takes a batch from the free stack, or allocates one, and
// resets it with a fresh sequence number.
func (t *Translate) newBatchLocked() *batch {
	var b *batch
	if n := len(t.free); n > 0 {
		b = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		b = newBatch(t.batchSize)
	}
	b.reset(t.batchSeq.Add(1) - 1)
	t.inMem[b.seq] = b.buf
	return b
}

// sealLocked hands the current batch to the writer pool, waiting for window
// room first.
func (t *Translate) sealLocked() {
	b := t.current
	t.current = nil
	for t.inFlight >= t.window && t.running.Load() {
		t.roomCond.Wait()
	}
	t.inFlight++
	t.pending = append(t.pending, b)
	t.workCond.Signal()
}

// Flush seals the current batch, if non-empty, and enqueues it for the
// writer pool. It returns the sealed batch's seq, or 0.
func (t *Translate) Flush() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil || t.current.length == 0 {
		return 0
	}
	seq := t.current.seq
	t.sealLocked()
	return seq
}

// worker pops sealed batches and commits them as data objects.
func (t *Translate) worker() error {
	for {
		t.mu.Lock()
		for len(t.pending) == 0 && t.running.Load() {
			t.workCond.Wait()
		}
		if !t.running.Load() && len(t.pending) == 0 {
			t.mu.Unlock()
			return nil
		}
		b := t.pending[0]
		t.pending = t.pending[1:]
		t.mu.Unlock()

		t.writeObject(b)
	}
}

// writeObject writes one batch to the backend as a DATA object and then
// publishes its extents in the object map.
func (t *Translate) writeObject(b *batch) {
	hdrSectors := uint32(divRoundUp(b.hdrLen(), lsvdfmt.SectorSize))

	t.mu.Lock()
	t.objInfo[b.seq] = &ObjInfo{
		HdrSectors:  hdrSectors,
		DataSectors: uint32(b.length / lsvdfmt.SectorSize),
		LiveSectors: int64(b.length / lsvdfmt.SectorSize),
		Type:        lsvdfmt.TypeData,
	}
	t.mu.Unlock()

	hdr := t.makeHdr(b, hdrSectors)
	err := backend.WriteNumbered(t.io, b.seq, [][]byte{hdr, b.buf[:b.length]})
	if err != nil {
		// Durability to the backend is broken; halt the pool rather than
		// acknowledge writes that can never be made durable.
		backendWriteFailures.Inc()
		t.halted.Store(true)
		t.log.WithError(err).WithField("seq", b.seq).Error("backend object write failed, halting")
		t.mu.Lock()
		delete(t.inMem, b.seq)
		t.inFlight--
		t.roomCond.Broadcast()
		t.mu.Unlock()
		return
	}
	objectsWritten.Inc()

	t.mu.Lock()
	t.omap.Mu.Lock()
	offset := int64(hdrSectors)
	for _, e := range b.entries {
		displaced := t.omap.Map.Update(e.LBA, e.LBA+e.Len,
			extmap.ObjOffset{Obj: b.seq, Offset: offset})
		for _, d := range displaced {
			if d.Ptr.Obj != b.seq {
				if info := t.objInfo[d.Ptr.Obj]; info != nil {
					info.LiveSectors -= d.Len()
				}
			}
		}
		offset += e.Len
	}
	delete(t.inMem, b.seq)
	t.omap.Mu.Unlock()
	t.free = append(t.free, b)
	t.inFlight--
	t.roomCond.Broadcast()
	t.mu.Unlock()
}

// makeHdr builds the object header: hdr, data_hdr, the embedded
// last-checkpoint seq, and the extent array.
func (t *Translate) makeHdr(b *batch, hdrSectors uint32) []byte {
	buf := make([]byte, int(hdrSectors)*lsvdfmt.SectorSize)
	h := lsvdfmt.Hdr{
		Magic:       lsvdfmt.Magic,
		Version:     lsvdfmt.Version,
		VolUUID:     t.volUUID,
		Type:        lsvdfmt.TypeData,
		Seq:         b.seq,
		HdrSectors:  hdrSectors,
		DataSectors: uint32(b.length / lsvdfmt.SectorSize),
	}
	h.Encode(buf)

	o1 := uint32(lsvdfmt.HdrSize + lsvdfmt.DataHdrSize)
	o2 := o1 + 4
	dh := lsvdfmt.DataHdr{
		LastDataObj: b.seq,
		CkptsOffset: o1,
		CkptsLen:    4,
		MapOffset:   o2,
		MapLen:      uint32(len(b.entries) * lsvdfmt.DataMapEntrySize),
	}
	dh.Encode(buf[lsvdfmt.HdrSize:])

	putU32(buf[o1:], t.lastCkpt.Load())

	for i, e := range b.entries {
		e.Encode(buf[int(o2)+i*lsvdfmt.DataMapEntrySize:])
	}
	return buf
}

// Readv resolves each covered lba range via the object map and fills buf.
// Unmapped ranges zero-fill; batches not yet committed are served from their
// in-memory buffer. Backend read errors zero-fill the affected region
// (volume semantics: unmapped reads as zero).
func (t *Translate) Readv(offset int64, buf []byte) (int, error) {
	base := offset / lsvdfmt.SectorSize
	limit := base + int64(len(buf))/lsvdfmt.SectorSize

	// object seq (or a sentinel), byte offset in object, byte length
	const (
		regionZero  = -1
		regionInMem = -2
	)
	type region struct {
		obj    int64
		offset int64
		length int64
	}
	var regions []region

	t.mu.Lock()
	t.omap.Mu.RLock()

	prev := base
	pos := 0
	for i := t.omap.Map.Lookup(base); i < t.omap.Map.Len(); i++ {
		e := t.omap.Map.At(i)
		if e.Base >= limit {
			break
		}
		e = e.Clip(base, limit)
		if e.Base > prev {
			n := (e.Base - prev) * lsvdfmt.SectorSize
			regions = append(regions, region{regionZero, 0, n})
			pos += int(n)
		}
		n := e.Len() * lsvdfmt.SectorSize
		byteOff := e.Ptr.Offset * lsvdfmt.SectorSize
		if data, ok := t.inMem[e.Ptr.Obj]; ok {
			copy(buf[pos:pos+int(n)], data[byteOff:])
			regions = append(regions, region{regionInMem, 0, n})
		} else {
			regions = append(regions, region{int64(e.Ptr.Obj), byteOff, n})
		}
		pos += int(n)
		prev = e.Limit
	}
	t.omap.Mu.RUnlock()
	t.mu.Unlock()

	pos = 0
	for _, r := range regions {
		switch r.obj {
		case regionZero:
			zero(buf[pos : pos+int(r.length)])
		case regionInMem:
			// already copied under the lock
		default:
			n, err := backend.ReadNumbered(t.io, uint32(r.obj), buf[pos:pos+int(r.length)], r.offset)
			if err != nil || n < int(r.length) {
				if err != nil {
					t.log.WithError(err).WithField("obj", r.obj).Warn("backend read failed, zero-filling")
				}
				zero(buf[pos+n : pos+int(r.length)])
			}
		}
		pos += int(r.length)
	}
	if pos < len(buf) {
		zero(buf[pos:])
	}
	return len(buf), nil
}

// Checkpoint seals the current batch, then synchronously writes a CKPT
// object containing the full map and object table and rewrites the super to
// reference it. It returns the checkpoint's seq.
func (t *Translate) Checkpoint() (uint32, error) {
	t.mu.Lock()
	if t.current != nil && t.current.length > 0 {
		t.sealLocked()
	}
	seq := t.batchSeq.Add(1) - 1
	t.mu.Unlock()

	// Batches sealed before the checkpoint seq must be in the map before
	// the snapshot; recovery's forward scan starts past the checkpoint.
	t.Drain()
	if err := t.writeCheckpoint(seq); err != nil {
		return 0, err
	}
	return seq, nil
}

func (t *Translate) writeCheckpoint(seq uint32) error {
	t.omap.Mu.RLock()
	entries := make([]lsvdfmt.CkptMapEntry, 0, t.omap.Map.Len())
	for i := 0; i < t.omap.Map.Len(); i++ {
		e := t.omap.Map.At(i)
		entries = append(entries, lsvdfmt.CkptMapEntry{
			LBA: e.Base, Len: e.Len(),
			Obj: e.Ptr.Obj, Offset: uint32(e.Ptr.Offset),
		})
	}
	t.omap.Mu.RUnlock()

	t.mu.Lock()
	objs := make([]lsvdfmt.CkptObj, 0, len(t.objInfo))
	for num, info := range t.objInfo {
		if info.Type != lsvdfmt.TypeData {
			continue
		}
		live := info.LiveSectors
		if live < 0 {
			live = 0
		}
		objs = append(objs, lsvdfmt.CkptObj{
			Seq:         num,
			HdrSectors:  info.HdrSectors,
			DataSectors: info.DataSectors,
			LiveSectors: uint32(live),
		})
	}
	hdrBytes := lsvdfmt.HdrSize + lsvdfmt.CkptHdrSize +
		4 + len(objs)*lsvdfmt.CkptObjSize + len(entries)*lsvdfmt.CkptMapEntrySize
	sectors := uint32(divRoundUp(hdrBytes, lsvdfmt.SectorSize))
	t.objInfo[seq] = &ObjInfo{HdrSectors: sectors, Type: lsvdfmt.TypeCkpt}
	t.mu.Unlock()

	buf := make([]byte, int(sectors)*lsvdfmt.SectorSize)
	h := lsvdfmt.Hdr{
		Magic:      lsvdfmt.Magic,
		Version:    lsvdfmt.Version,
		VolUUID:    t.volUUID,
		Type:       lsvdfmt.TypeCkpt,
		Seq:        seq,
		HdrSectors: sectors,
	}
	h.Encode(buf)

	o1 := uint32(lsvdfmt.HdrSize + lsvdfmt.CkptHdrSize)
	o2 := o1 + 4
	o3 := o2 + uint32(len(objs)*lsvdfmt.CkptObjSize)
	ch := lsvdfmt.CkptHdr{
		CkptsOffset: o1, CkptsLen: 4,
		ObjsOffset: o2, ObjsLen: o3 - o2,
		MapOffset: o3, MapLen: uint32(len(entries) * lsvdfmt.CkptMapEntrySize),
	}
	ch.Encode(buf[lsvdfmt.HdrSize:])

	putU32(buf[o1:], seq)
	for i, o := range objs {
		b := buf[int(o2)+i*lsvdfmt.CkptObjSize:]
		putU32(b[0:], o.Seq)
		putU32(b[4:], o.HdrSectors)
		putU32(b[8:], o.DataSectors)
		putU32(b[12:], o.LiveSectors)
	}
	for i, e := range entries {
		e.Encode(buf[int(o3)+i*lsvdfmt.CkptMapEntrySize:])
	}

	if err := backend.WriteNumbered(t.io, seq, [][]byte{buf}); err != nil {
		backendWriteFailures.Inc()
		return errors.Wrapf(err, "write checkpoint %d", seq)
	}
	checkpointsWritten.Inc()

	// The checkpoint object is durable; only now move the super's pointer.
	// A crash in between leaves the previous checkpoint chain intact.
	if err := t.writeSuper(seq); err != nil {
		return err
	}
	t.lastCkpt.Store(seq)
	return nil
}

// writeSuper rewrites the super object with ckpt as the single active
// checkpoint.
func (t *Translate) writeSuper(ckpt uint32) error {
	buf := make([]byte, 8*lsvdfmt.SectorSize)
	h := lsvdfmt.Hdr{
		Magic:      lsvdfmt.Magic,
		Version:    lsvdfmt.Version,
		VolUUID:    t.volUUID,
		Type:       lsvdfmt.TypeSuper,
		HdrSectors: 8,
	}
	h.Encode(buf)

	sh := t.superHdr
	sh.NextObj = t.batchSeq.Load()
	sh.CkptsOffset = lsvdfmt.HdrSize + lsvdfmt.SuperHdrSize
	sh.CkptsLen = 4
	sh.Encode(buf[lsvdfmt.HdrSize:])
	putU32(buf[sh.CkptsOffset:], ckpt)

	if err := t.io.WriteObject(t.superName, [][]byte{buf}); err != nil {
		return errors.Wrap(err, "rewrite super object")
	}
	t.superHdr = sh
	return nil
}

// ckptThread checkpoints when batchSeq has advanced past ckptInterval since
// the last checkpoint.
func (t *Translate) ckptThread() error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	seq0 := t.batchSeq.Load()
	for {
		select {
		case <-t.done:
			return nil
		case <-ticker.C:
		}
		if seq := t.batchSeq.Load(); seq-seq0 > ckptInterval {
			seq0 = seq
			if _, err := t.Checkpoint(); err != nil {
				t.log.WithError(err).Error("periodic checkpoint failed")
			}
		}
	}
}

// flushThread seals a batch that has been non-empty and unchanged for
// flushTimeout.
func (t *Translate) flushThread() error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	seq0 := t.batchSeq.Load()
	t0 := time.Now()
	for {
		select {
		case <-t.done:
			return nil
		case <-ticker.C:
		}
		t.mu.Lock()
		idle := t.current != nil && t.current.length > 0 && t.batchSeq.Load() == seq0
		t.mu.Unlock()
		if idle && time.Since(t0) > flushTimeout {
			t.Flush()
		} else if !idle {
			seq0 = t.batchSeq.Load()
			t0 = time.Now()
		}
	}
}

// Drain blocks until every sealed batch has been committed to the backend.
func (t *Translate) Drain() {
	t.mu.Lock()
	for len(t.pending) > 0 || t.inFlight > 0 {
		t.roomCond.Wait()
	}
	t.mu.Unlock()
}

// Shutdown stops the writer pool and background threads, draining queued
// batches first.
func (t *Translate) Shutdown() {
	t.running.Store(false)
	close(t.done)
	t.mu.Lock()
	t.workCond.Broadcast()
	t.roomCond.Broadcast()
	t.mu.Unlock()
	_ = t.group.Wait()
}

// Frontier returns the sector length of the current batch.
func (t *Translate) Frontier() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return 0
	}
	return int64(t.current.length) / lsvdfmt.SectorSize
}

// MapSize returns the number of extents in the object map.
func (t *Translate) MapSize() int {
	t.omap.Mu.RLock()
	defer t.omap.Mu.RUnlock()
	return t.omap.Map.Len()
}

// GetMap returns the object-map extents overlapping [base, limit), clipped.
func (t *Translate) GetMap(base, limit int64) []extmap.Extent[extmap.ObjOffset] {
	t.omap.Mu.RLock()
	defer t.omap.Mu.RUnlock()
	var out []extmap.Extent[extmap.ObjOffset]
	for i := t.omap.Map.Lookup(base); i < t.omap.Map.Len(); i++ {
		e := t.omap.Map.At(i)
		if e.Base >= limit {
			break
		}
		out = append(out, e.Clip(base, limit))
	}
	return out
}

// ObjectInfo returns a copy of the tracked state for one object.
func (t *Translate) ObjectInfo(seq uint32) (ObjInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.objInfo[seq]
	if !ok {
		return ObjInfo{}, false
	}
	return *info, true
}

// Reset drops the object map.
func (t *Translate) Reset() {
	t.omap.Mu.Lock()
	t.omap.Map.Reset()
	t.omap.Mu.Unlock()
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func divRoundUp(n, m int) int {
	return (n + m - 1) / m
}
