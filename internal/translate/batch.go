package translate

import (
	"lsvd/internal/lsvdfmt"
)

// batch accumulates writes destined to become one DATA object: a contiguous
// payload buffer plus the {lba, len} extent for each appended write. Batches
// are recycled through the free stack.
type batch struct {
	buf     []byte
	length  int
	seq     uint32
	entries []lsvdfmt.DataMapEntry
}

func newBatch(size int) *batch {
	return &batch{buf: make([]byte, size)}
}

func (b *batch) reset(seq uint32) {
	b.length = 0
	b.entries = b.entries[:0]
	b.seq = seq
}

// appendIov copies bufs into the batch at the current frontier, recording
// one extent per buffer.
func (b *batch) appendIov(lba int64, bufs [][]byte) {
	for _, buf := range bufs {
		copy(b.buf[b.length:], buf)
		b.entries = append(b.entries, lsvdfmt.DataMapEntry{
			LBA: lba,
			Len: int64(len(buf)) / lsvdfmt.SectorSize,
		})
		b.length += len(buf)
		lba += int64(len(buf)) / lsvdfmt.SectorSize
	}
}

// hdrLen returns the byte length of the object header for this batch.
func (b *batch) hdrLen() int {
	return lsvdfmt.HdrSize + lsvdfmt.DataHdrSize + 4 +
		len(b.entries)*lsvdfmt.DataMapEntrySize
}
