package lsvdfmt

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// JHdr is the one-page header at the front of every journal record in the
// write-cache ring.
//
//	magic         u32
//	type          u32   J_DATA, J_PAD, or J_CKPT
//	version       u32
//	vol_uuid      [16]byte
//	(4 bytes pad)
//	seq           u64   monotonically increasing record sequence
//	len           u32   record length in pages, header included
//	crc32         u32
//	extent_offset u32   j_extent array within the header page
//	extent_len    u32
type JHdr struct {
	Magic        uint32
	Type         uint32
	Version      uint32
	VolUUID      uuid.UUID
	Seq          uint64
	LenPages     uint32
	CRC32        uint32
	ExtentOffset uint32
	ExtentLen    uint32
}

const JHdrSize = 56

func (h *JHdr) Encode(b []byte) {
	le := binary.LittleEndian
	le.PutUint32(b[0:4], h.Magic)
	le.PutUint32(b[4:8], h.Type)
	le.PutUint32(b[8:12], h.Version)
	copy(b[12:28], h.VolUUID[:])
	le.PutUint32(b[28:32], 0)
	le.PutUint64(b[32:40], h.Seq)
	le.PutUint32(b[40:44], h.LenPages)
	le.PutUint32(b[44:48], h.CRC32)
	le.PutUint32(b[48:52], h.ExtentOffset)
	le.PutUint32(b[52:56], h.ExtentLen)
}

func (h *JHdr) Decode(b []byte) error {
	if len(b) < JHdrSize {
		return ErrFormat
	}
	le := binary.LittleEndian
	h.Magic = le.Uint32(b[0:4])
	h.Type = le.Uint32(b[4:8])
	h.Version = le.Uint32(b[8:12])
	copy(h.VolUUID[:], b[12:28])
	h.Seq = le.Uint64(b[32:40])
	h.LenPages = le.Uint32(b[40:44])
	h.CRC32 = le.Uint32(b[44:48])
	h.ExtentOffset = le.Uint32(b[48:52])
	h.ExtentLen = le.Uint32(b[52:56])
	if h.Magic != Magic || h.Version != Version {
		return ErrFormat
	}
	return nil
}

// JExtent is one {lba, len} pair in a J_DATA header, packed into a u64 as
// lba in the low 40 bits and len (sectors) in the high 24.
type JExtent struct {
	LBA int64
	Len int64
}

const JExtentSize = 8

func (e JExtent) Encode(b []byte) {
	v := uint64(e.LBA)&(1<<40-1) | uint64(e.Len)<<40
	binary.LittleEndian.PutUint64(b[0:8], v)
}

func (e *JExtent) Decode(b []byte) {
	v := binary.LittleEndian.Uint64(b[0:8])
	e.LBA = int64(v & (1<<40 - 1))
	e.Len = int64(v >> 40)
}

// DecodeJExtents decodes the extent array of a J_DATA header page.
func DecodeJExtents(buf []byte, off, length uint32) ([]JExtent, error) {
	if int(off)+int(length) > len(buf) || length%JExtentSize != 0 {
		return nil, ErrFormat
	}
	out := make([]JExtent, length/JExtentSize)
	for i := range out {
		out[i].Decode(buf[int(off)+i*JExtentSize:])
	}
	return out, nil
}

// JMapExtent is one {lba, len, plba} forward-map entry in an on-SSD
// checkpoint. The lba/len pair packs like JExtent; plba is the sector
// address of the data on the cache device.
type JMapExtent struct {
	LBA  int64
	Len  int64
	PLBA uint64
}

const JMapExtentSize = 16

func (e JMapExtent) Encode(b []byte) {
	le := binary.LittleEndian
	v := uint64(e.LBA)&(1<<40-1) | uint64(e.Len)<<40
	le.PutUint64(b[0:8], v)
	le.PutUint64(b[8:16], e.PLBA)
}

func (e *JMapExtent) Decode(b []byte) {
	le := binary.LittleEndian
	v := le.Uint64(b[0:8])
	e.LBA = int64(v & (1<<40 - 1))
	e.Len = int64(v >> 40)
	e.PLBA = le.Uint64(b[8:16])
}

// JLength records one journal record boundary {page, len} so recovery can
// rebuild record extents without scanning payload pages.
type JLength struct {
	Page uint32
	Len  uint32
}

const JLengthSize = 8

func (l JLength) Encode(b []byte) {
	le := binary.LittleEndian
	le.PutUint32(b[0:4], l.Page)
	le.PutUint32(b[4:8], l.Len)
}

func (l *JLength) Decode(b []byte) {
	le := binary.LittleEndian
	l.Page = le.Uint32(b[0:4])
	l.Len = le.Uint32(b[4:8])
}

// JWriteSuper is the write-cache superblock, one page at a fixed block of
// the cache device. base/limit bound the journal ring; next and oldest are
// the ring cursors; map_* and len_* locate the most recent checkpoint in the
// metadata region [meta_base, meta_limit).
type JWriteSuper struct {
	Magic      uint32
	Type       uint32
	Version    uint32
	VolUUID    uuid.UUID
	Seq        uint64
	MetaBase   uint32
	MetaLimit  uint32
	Base       uint32
	Limit      uint32
	Next       uint32
	Oldest     uint32
	MapStart   uint32
	MapBlocks  uint32
	MapEntries uint32
	LenStart   uint32
	LenBlocks  uint32
	LenEntries uint32
}

const JWriteSuperSize = 88

func (s *JWriteSuper) Encode(b []byte) {
	le := binary.LittleEndian
	le.PutUint32(b[0:4], s.Magic)
	le.PutUint32(b[4:8], s.Type)
	le.PutUint32(b[8:12], s.Version)
	copy(b[12:28], s.VolUUID[:])
	le.PutUint32(b[28:32], 0)
	le.PutUint64(b[32:40], s.Seq)
	le.PutUint32(b[40:44], s.MetaBase)
	le.PutUint32(b[44:48], s.MetaLimit)
	le.PutUint32(b[48:52], s.Base)
	le.PutUint32(b[52:56], s.Limit)
	le.PutUint32(b[56:60], s.Next)
	le.PutUint32(b[60:64], s.Oldest)
	le.PutUint32(b[64:68], s.MapStart)
	le.PutUint32(b[68:72], s.MapBlocks)
	le.PutUint32(b[72:76], s.MapEntries)
	le.PutUint32(b[76:80], s.LenStart)
	le.PutUint32(b[80:84], s.LenBlocks)
	le.PutUint32(b[84:88], s.LenEntries)
}

func (s *JWriteSuper) Decode(b []byte) error {
	if len(b) < JWriteSuperSize {
		return ErrFormat
	}
	le := binary.LittleEndian
	s.Magic = le.Uint32(b[0:4])
	s.Type = le.Uint32(b[4:8])
	s.Version = le.Uint32(b[8:12])
	copy(s.VolUUID[:], b[12:28])
	s.Seq = le.Uint64(b[32:40])
	s.MetaBase = le.Uint32(b[40:44])
	s.MetaLimit = le.Uint32(b[44:48])
	s.Base = le.Uint32(b[48:52])
	s.Limit = le.Uint32(b[52:56])
	s.Next = le.Uint32(b[56:60])
	s.Oldest = le.Uint32(b[60:64])
	s.MapStart = le.Uint32(b[64:68])
	s.MapBlocks = le.Uint32(b[68:72])
	s.MapEntries = le.Uint32(b[72:76])
	s.LenStart = le.Uint32(b[76:80])
	s.LenBlocks = le.Uint32(b[80:84])
	s.LenEntries = le.Uint32(b[84:88])
	if s.Magic != Magic || s.Version != Version || s.Type != JWSuper {
		return ErrFormat
	}
	return nil
}

// JReadSuper is the read-cache superblock. unit_size is the chunk size in
// sectors; base is the first page of chunk data; the flat map and bitmap are
// persisted at map_start and bitmap_start. The evict_* fields are reserved.
type JReadSuper struct {
	Magic        uint32
	Type         uint32
	Version      uint32
	VolUUID      uuid.UUID
	UnitSize     int32
	Base         int32
	Units        int32
	MapStart     int32
	MapBlocks    int32
	BitmapStart  int32
	BitmapBlocks int32
	EvictType    int32
	EvictStart   int32
	EvictBlocks  int32
}

const JReadSuperSize = 68

func (s *JReadSuper) Encode(b []byte) {
	le := binary.LittleEndian
	le.PutUint32(b[0:4], s.Magic)
	le.PutUint32(b[4:8], s.Type)
	le.PutUint32(b[8:12], s.Version)
	copy(b[12:28], s.VolUUID[:])
	le.PutUint32(b[28:32], uint32(s.UnitSize))
	le.PutUint32(b[32:36], uint32(s.Base))
	le.PutUint32(b[36:40], uint32(s.Units))
	le.PutUint32(b[40:44], uint32(s.MapStart))
	le.PutUint32(b[44:48], uint32(s.MapBlocks))
	le.PutUint32(b[48:52], uint32(s.BitmapStart))
	le.PutUint32(b[52:56], uint32(s.BitmapBlocks))
	le.PutUint32(b[56:60], uint32(s.EvictType))
	le.PutUint32(b[60:64], uint32(s.EvictStart))
	le.PutUint32(b[64:68], uint32(s.EvictBlocks))
}

func (s *JReadSuper) Decode(b []byte) error {
	if len(b) < JReadSuperSize {
		return ErrFormat
	}
	le := binary.LittleEndian
	s.Magic = le.Uint32(b[0:4])
	s.Type = le.Uint32(b[4:8])
	s.Version = le.Uint32(b[8:12])
	copy(s.VolUUID[:], b[12:28])
	s.UnitSize = int32(le.Uint32(b[28:32]))
	s.Base = int32(le.Uint32(b[32:36]))
	s.Units = int32(le.Uint32(b[36:40]))
	s.MapStart = int32(le.Uint32(b[40:44]))
	s.MapBlocks = int32(le.Uint32(b[44:48]))
	s.BitmapStart = int32(le.Uint32(b[48:52]))
	s.BitmapBlocks = int32(le.Uint32(b[52:56]))
	s.EvictType = int32(le.Uint32(b[56:60]))
	s.EvictStart = int32(le.Uint32(b[60:64]))
	s.EvictBlocks = int32(le.Uint32(b[64:68]))
	if s.Magic != Magic || s.Version != Version || s.Type != JRSuper {
		return ErrFormat
	}
	return nil
}

// JSuper is page 0 of the cache device; it points at the write-cache and
// read-cache superblocks.
type JSuper struct {
	Magic       uint32
	Type        uint32
	Version     uint32
	WriteSuper  uint32
	ReadSuper   uint32
	VolUUID     uuid.UUID
	BackendType uint32
}

const JSuperSize = 40

func (s *JSuper) Encode(b []byte) {
	le := binary.LittleEndian
	le.PutUint32(b[0:4], s.Magic)
	le.PutUint32(b[4:8], s.Type)
	le.PutUint32(b[8:12], s.Version)
	le.PutUint32(b[12:16], s.WriteSuper)
	le.PutUint32(b[16:20], s.ReadSuper)
	copy(b[20:36], s.VolUUID[:])
	le.PutUint32(b[36:40], s.BackendType)
}

func (s *JSuper) Decode(b []byte) error {
	if len(b) < JSuperSize {
		return ErrFormat
	}
	le := binary.LittleEndian
	s.Magic = le.Uint32(b[0:4])
	s.Type = le.Uint32(b[4:8])
	s.Version = le.Uint32(b[8:12])
	s.WriteSuper = le.Uint32(b[12:16])
	s.ReadSuper = le.Uint32(b[16:20])
	copy(s.VolUUID[:], b[20:36])
	s.BackendType = le.Uint32(b[36:40])
	if s.Magic != Magic || s.Type != JSuperType {
		return ErrFormat
	}
	return nil
}

// DecodeJMapExtents decodes a persisted forward map.
func DecodeJMapExtents(buf []byte, n int) []JMapExtent {
	out := make([]JMapExtent, n)
	for i := range out {
		out[i].Decode(buf[i*JMapExtentSize:])
	}
	return out
}

// DecodeJLengths decodes a persisted record-length list.
func DecodeJLengths(buf []byte, n int) []JLength {
	out := make([]JLength, n)
	for i := range out {
		out[i].Decode(buf[i*JLengthSize:])
	}
	return out
}
