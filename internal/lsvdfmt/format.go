// Package lsvdfmt defines the on-disk formats shared by the backend objects
// and the SSD cache: object headers, checkpoints, and journal records. All
// integers are little-endian. A single magic constant identifies every
// record.
package lsvdfmt

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	Magic   = 0x4456534c
	Version = 1

	SectorSize     = 512
	PageSize       = 4096
	SectorsPerPage = PageSize / SectorSize
)

// Object types, stored in Hdr.Type.
const (
	TypeSuper = 1
	TypeData  = 2
	TypeCkpt  = 3
)

// Journal record types, stored in JHdr.Type and the cache superblocks.
const (
	JData      = 10
	JCkpt      = 11
	JPad       = 12
	JSuperType = 13
	JWSuper    = 14
	JRSuper    = 15
)

// Backend types, stored in JSuper.BackendType.
const (
	BackendFile  = 20
	BackendS3    = 21
	BackendRados = 22
)

// ErrFormat reports a bad magic number, unknown version, or truncated
// header. Recovery paths treat it as "stop here, keep everything before".
var ErrFormat = errors.New("bad magic, version, or truncated header")

// Hdr is the common header at the start of every backend object.
//
//	magic        u32
//	version      u32
//	vol_uuid     [16]byte
//	type         u32
//	seq          u32
//	hdr_sectors  u32
//	data_sectors u32
type Hdr struct {
	Magic       uint32
	Version     uint32
	VolUUID     uuid.UUID
	Type        uint32
	Seq         uint32
	HdrSectors  uint32
	DataSectors uint32
}

const HdrSize = 40

func (h *Hdr) Encode(b []byte) {
	le := binary.LittleEndian
	le.PutUint32(b[0:4], h.Magic)
	le.PutUint32(b[4:8], h.Version)
	copy(b[8:24], h.VolUUID[:])
	le.PutUint32(b[24:28], h.Type)
	le.PutUint32(b[28:32], h.Seq)
	le.PutUint32(b[32:36], h.HdrSectors)
	le.PutUint32(b[36:40], h.DataSectors)
}

func (h *Hdr) Decode(b []byte) error {
	if len(b) < HdrSize {
		return ErrFormat
	}
	le := binary.LittleEndian
	h.Magic = le.Uint32(b[0:4])
	h.Version = le.Uint32(b[4:8])
	copy(h.VolUUID[:], b[8:24])
	h.Type = le.Uint32(b[24:28])
	h.Seq = le.Uint32(b[28:32])
	h.HdrSectors = le.Uint32(b[32:36])
	h.DataSectors = le.Uint32(b[36:40])
	if h.Magic != Magic || h.Version != Version {
		return ErrFormat
	}
	return nil
}

// SuperHdr follows Hdr in the volume super object. The clone and snapshot
// lists are reserved by the format; this implementation writes them empty.
//
//	vol_size      u64   virtual disk size in sectors
//	total_sectors u64
//	live_sectors  u64
//	next_obj      u32   next allocatable object sequence number
//	ckpts_offset  u32   list of active checkpoint seqs (u32 each)
//	ckpts_len     u32
//	clones_offset u32
//	clones_len    u32
//	snaps_offset  u32
//	snaps_len     u32
type SuperHdr struct {
	VolSize      uint64
	TotalSectors uint64
	LiveSectors  uint64
	NextObj      uint32
	CkptsOffset  uint32
	CkptsLen     uint32
	ClonesOffset uint32
	ClonesLen    uint32
	SnapsOffset  uint32
	SnapsLen     uint32
}

// SuperHdrSize includes 4 bytes of tail padding for 8-byte struct alignment.
const SuperHdrSize = 56

func (s *SuperHdr) Encode(b []byte) {
	le := binary.LittleEndian
	le.PutUint64(b[0:8], s.VolSize)
	le.PutUint64(b[8:16], s.TotalSectors)
	le.PutUint64(b[16:24], s.LiveSectors)
	le.PutUint32(b[24:28], s.NextObj)
	le.PutUint32(b[28:32], s.CkptsOffset)
	le.PutUint32(b[32:36], s.CkptsLen)
	le.PutUint32(b[36:40], s.ClonesOffset)
	le.PutUint32(b[40:44], s.ClonesLen)
	le.PutUint32(b[44:48], s.SnapsOffset)
	le.PutUint32(b[48:52], s.SnapsLen)
}

func (s *SuperHdr) Decode(b []byte) error {
	if len(b) < SuperHdrSize {
		return ErrFormat
	}
	le := binary.LittleEndian
	s.VolSize = le.Uint64(b[0:8])
	s.TotalSectors = le.Uint64(b[8:16])
	s.LiveSectors = le.Uint64(b[16:24])
	s.NextObj = le.Uint32(b[24:28])
	s.CkptsOffset = le.Uint32(b[28:32])
	s.CkptsLen = le.Uint32(b[32:36])
	s.ClonesOffset = le.Uint32(b[36:40])
	s.ClonesLen = le.Uint32(b[40:44])
	s.SnapsOffset = le.Uint32(b[44:48])
	s.SnapsLen = le.Uint32(b[48:52])
	return nil
}

// DataHdr follows Hdr in every DATA object.
//
//	last_data_obj       u32
//	ckpts_offset        u32   embedded checkpoint-seq list
//	ckpts_len           u32
//	objs_cleaned_offset u32
//	objs_cleaned_len    u32
//	map_offset          u32   data_map entries, one per written extent
//	map_len             u32
type DataHdr struct {
	LastDataObj       uint32
	CkptsOffset       uint32
	CkptsLen          uint32
	ObjsCleanedOffset uint32
	ObjsCleanedLen    uint32
	MapOffset         uint32
	MapLen            uint32
}

const DataHdrSize = 28

func (d *DataHdr) Encode(b []byte) {
	le := binary.LittleEndian
	le.PutUint32(b[0:4], d.LastDataObj)
	le.PutUint32(b[4:8], d.CkptsOffset)
	le.PutUint32(b[8:12], d.CkptsLen)
	le.PutUint32(b[12:16], d.ObjsCleanedOffset)
	le.PutUint32(b[16:20], d.ObjsCleanedLen)
	le.PutUint32(b[20:24], d.MapOffset)
	le.PutUint32(b[24:28], d.MapLen)
}

func (d *DataHdr) Decode(b []byte) error {
	if len(b) < DataHdrSize {
		return ErrFormat
	}
	le := binary.LittleEndian
	d.LastDataObj = le.Uint32(b[0:4])
	d.CkptsOffset = le.Uint32(b[4:8])
	d.CkptsLen = le.Uint32(b[8:12])
	d.ObjsCleanedOffset = le.Uint32(b[12:16])
	d.ObjsCleanedLen = le.Uint32(b[16:20])
	d.MapOffset = le.Uint32(b[20:24])
	d.MapLen = le.Uint32(b[24:28])
	return nil
}

// CkptHdr follows Hdr in every CKPT object. Each list is located by a byte
// offset from the start of the object and a byte length.
type CkptHdr struct {
	CkptsOffset   uint32
	CkptsLen      uint32
	ObjsOffset    uint32
	ObjsLen       uint32
	DeletesOffset uint32
	DeletesLen    uint32
	MapOffset     uint32
	MapLen        uint32
}

const CkptHdrSize = 32

func (c *CkptHdr) Encode(b []byte) {
	le := binary.LittleEndian
	le.PutUint32(b[0:4], c.CkptsOffset)
	le.PutUint32(b[4:8], c.CkptsLen)
	le.PutUint32(b[8:12], c.ObjsOffset)
	le.PutUint32(b[12:16], c.ObjsLen)
	le.PutUint32(b[16:20], c.DeletesOffset)
	le.PutUint32(b[20:24], c.DeletesLen)
	le.PutUint32(b[24:28], c.MapOffset)
	le.PutUint32(b[28:32], c.MapLen)
}

func (c *CkptHdr) Decode(b []byte) error {
	if len(b) < CkptHdrSize {
		return ErrFormat
	}
	le := binary.LittleEndian
	c.CkptsOffset = le.Uint32(b[0:4])
	c.CkptsLen = le.Uint32(b[4:8])
	c.ObjsOffset = le.Uint32(b[8:12])
	c.ObjsLen = le.Uint32(b[12:16])
	c.DeletesOffset = le.Uint32(b[16:20])
	c.DeletesLen = le.Uint32(b[20:24])
	c.MapOffset = le.Uint32(b[24:28])
	c.MapLen = le.Uint32(b[28:32])
	return nil
}

// CkptObj is one entry in a checkpoint's objects table.
type CkptObj struct {
	Seq         uint32
	HdrSectors  uint32
	DataSectors uint32
	LiveSectors uint32
}

const CkptObjSize = 16

// ObjCleaned is one entry in a DATA object's objs_cleaned list.
type ObjCleaned struct {
	Seq        uint32
	WasDeleted uint32
}

const ObjCleanedSize = 8

// DeferredDelete is one entry in a checkpoint's deferred-delete list. The
// format declares it; no code path drives deletion yet.
type DeferredDelete struct {
	Seq  uint32
	Time uint32
}

const DeferredDeleteSize = 8

// DataMapEntry is one {lba, len} extent in a DATA object's map, packed into
// a u64 as lba in the low 36 bits and len in the high 28.
type DataMapEntry struct {
	LBA int64
	Len int64
}

const DataMapEntrySize = 8

func (e DataMapEntry) Encode(b []byte) {
	v := uint64(e.LBA)&(1<<36-1) | uint64(e.Len)<<36
	binary.LittleEndian.PutUint64(b[0:8], v)
}

func (e *DataMapEntry) Decode(b []byte) {
	v := binary.LittleEndian.Uint64(b[0:8])
	e.LBA = int64(v & (1<<36 - 1))
	e.Len = int64(v >> 36)
}

// CkptMapEntry is one {lba, len, obj, offset} extent in a checkpoint's full
// map. The lba/len pair packs like DataMapEntry; offset is in sectors from
// the start of the object.
type CkptMapEntry struct {
	LBA    int64
	Len    int64
	Obj    uint32
	Offset uint32
}

const CkptMapEntrySize = 16

func (e CkptMapEntry) Encode(b []byte) {
	le := binary.LittleEndian
	v := uint64(e.LBA)&(1<<36-1) | uint64(e.Len)<<36
	le.PutUint64(b[0:8], v)
	le.PutUint32(b[8:12], e.Obj)
	le.PutUint32(b[12:16], e.Offset)
}

func (e *CkptMapEntry) Decode(b []byte) {
	le := binary.LittleEndian
	v := le.Uint64(b[0:8])
	e.LBA = int64(v & (1<<36 - 1))
	e.Len = int64(v >> 36)
	e.Obj = le.Uint32(b[8:12])
	e.Offset = le.Uint32(b[12:16])
}

// DecodeU32List decodes a list of u32 located by byte offset and length
// within buf, as used for checkpoint-seq lists.
func DecodeU32List(buf []byte, off, length uint32) ([]uint32, error) {
	if int(off)+int(length) > len(buf) || length%4 != 0 {
		return nil, ErrFormat
	}
	out := make([]uint32, 0, length/4)
	for i := uint32(0); i < length; i += 4 {
		out = append(out, binary.LittleEndian.Uint32(buf[off+i:off+i+4]))
	}
	return out, nil
}

// DecodeDataMap decodes a DATA object's extent list.
func DecodeDataMap(buf []byte, off, length uint32) ([]DataMapEntry, error) {
	if int(off)+int(length) > len(buf) || length%DataMapEntrySize != 0 {
		return nil, ErrFormat
	}
	out := make([]DataMapEntry, length/DataMapEntrySize)
	for i := range out {
		out[i].Decode(buf[int(off)+i*DataMapEntrySize:])
	}
	return out, nil
}

// DecodeCkptObjs decodes a checkpoint's objects table.
func DecodeCkptObjs(buf []byte, off, length uint32) ([]CkptObj, error) {
	if int(off)+int(length) > len(buf) || length%CkptObjSize != 0 {
		return nil, ErrFormat
	}
	le := binary.LittleEndian
	out := make([]CkptObj, length/CkptObjSize)
	for i := range out {
		b := buf[int(off)+i*CkptObjSize:]
		out[i] = CkptObj{
			Seq:         le.Uint32(b[0:4]),
			HdrSectors:  le.Uint32(b[4:8]),
			DataSectors: le.Uint32(b[8:12]),
			LiveSectors: le.Uint32(b[12:16]),
		}
	}
	return out, nil
}

// DecodeCkptMap decodes a checkpoint's full map.
func DecodeCkptMap(buf []byte, off, length uint32) ([]CkptMapEntry, error) {
	if int(off)+int(length) > len(buf) || length%CkptMapEntrySize != 0 {
		return nil, ErrFormat
	}
	out := make([]CkptMapEntry, length/CkptMapEntrySize)
	for i := range out {
		out[i].Decode(buf[int(off)+i*CkptMapEntrySize:])
	}
	return out, nil
}
