package wcache

import (
	"sync/atomic"

	"lsvd/internal/extmap"
	"lsvd/internal/lsvdfmt"
	"lsvd/internal/request"
)

// writeReq is one group commit: all queued jobs concatenated behind a single
// journal header, written to the ring with one scatter-gather NVMe write,
// plus an optional PAD record when allocation wrapped. It is its own parent
// in the request graph; when the last child NVMe write completes it
// publishes the maps, forwards the jobs to the translation layer, and fires
// each job's completion.
type writeReq struct {
	w    *WriteCache
	jobs []*job
	reqs atomic.Int32

	plba int64

	hdrPage   uint32
	nHdrPages uint32
	padPage   uint32
	nPadPages uint32

	rData request.Request
	rPad  request.Request
}

// newWriteReq builds the journal record. Lock held: headers consume
// sequence numbers and the record spans are registered as outstanding.
func newWriteReq(w *WriteCache, jobs []*job, pages, page, nPad, pad uint32) *writeReq {
	r := &writeReq{w: w, jobs: jobs}

	if nPad > 0 {
		padBuf, ph := w.mkHeader(lsvdfmt.JPad, nPad)
		r.padPage = pad
		r.nPadPages = nPad
		w.recordOutstanding(pad, nPad, ph.Seq)
		r.reqs.Add(1)
		r.rPad = w.dev.MakeWriteRequest([][]byte{padBuf}, int64(pad)*lsvdfmt.PageSize)
	}

	hdrBuf, jh := w.mkHeader(lsvdfmt.JData, 1+pages)
	jh.ExtentOffset = lsvdfmt.JHdrSize
	jh.ExtentLen = uint32(len(jobs) * lsvdfmt.JExtentSize)
	jh.Encode(hdrBuf)
	for i, j := range jobs {
		e := lsvdfmt.JExtent{LBA: j.lba, Len: j.sectors()}
		e.Encode(hdrBuf[lsvdfmt.JHdrSize+i*lsvdfmt.JExtentSize:])
	}

	r.hdrPage = page
	r.nHdrPages = 1 + pages
	w.recordOutstanding(page, 1+pages, jh.Seq)

	r.plba = int64(page+1) * lsvdfmt.SectorsPerPage

	bufs := make([][]byte, 0, 1+len(jobs))
	bufs = append(bufs, hdrBuf)
	for _, j := range jobs {
		bufs = append(bufs, j.bufs...)
	}
	r.reqs.Add(1)
	r.rData = w.dev.MakeWriteRequest(bufs, int64(page)*lsvdfmt.PageSize)

	return r
}

func (r *writeReq) Run(parent request.Request) {
	if r.rPad != nil {
		r.rPad.Run(r)
	}
	r.rData.Run(r)
}

func (r *writeReq) Notify(child request.Request) {
	if f, ok := child.(*request.Func); ok && f.Err() != nil {
		// Durability is gone; refuse further writes and drain.
		r.w.failed.Store(true)
		r.w.log.WithError(f.Err()).Error("journal write failed, refusing further writes")
	}
	if child != nil {
		child.Release()
	}
	if r.reqs.Add(-1) > 0 {
		return
	}

	w := r.w
	deviceOK := !w.failed.Load()

	w.mu.Lock()
	if deviceOK {
		plba := r.plba
		for _, j := range r.jobs {
			sectors := j.sectors()
			displaced := w.fmap.Update(j.lba, j.lba+sectors, extmap.Sector(plba))
			w.rmap.Update(plba, plba+sectors, extmap.Sector(j.lba))
			for _, d := range displaced {
				w.rmap.Trim(int64(d.Ptr), int64(d.Ptr)+d.Len())
			}
			plba += sectors
			w.mapDirty = true
		}
	}

	w.outstandingWrites--
	var next *writeReq
	if len(w.work) >= w.writeBatch {
		next = w.sendWritesLocked()
	}
	if r.nPadPages > 0 {
		w.notifyComplete(r.padPage, r.nPadPages)
	}
	w.notifyComplete(r.hdrPage, r.nHdrPages)
	w.mu.Unlock()

	if deviceOK {
		journalCommits.Inc()
	}
	if next != nil {
		next.Run(nil)
	}

	// Off the lock: forward to the translation layer, then fire the client
	// completions.
	for _, j := range r.jobs {
		if deviceOK {
			if _, err := w.be.Writev(j.lba*lsvdfmt.SectorSize, j.bufs); err != nil {
				w.log.WithError(err).Error("forward to translation layer failed")
			}
		}
		j.req.Notify(nil)
	}
}

func (r *writeReq) Wait() {}

func (r *writeReq) Release() {}
