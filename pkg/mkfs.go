package pkg

import (
	"os"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"lsvd/internal/backend"
	"lsvd/internal/lsvdfmt"
)

// InitDisk creates a fresh volume: a super object with an empty checkpoint
// list and next_obj starting at 1.
func InitDisk(io backend.Backend, name string, sizeBytes int64, volUUID uuid.UUID) error {
	buf := make([]byte, 8*lsvdfmt.SectorSize)
	h := lsvdfmt.Hdr{
		Magic:      lsvdfmt.Magic,
		Version:    lsvdfmt.Version,
		VolUUID:    volUUID,
		Type:       lsvdfmt.TypeSuper,
		HdrSectors: 8,
	}
	h.Encode(buf)

	sh := lsvdfmt.SuperHdr{
		VolSize: uint64(sizeBytes / lsvdfmt.SectorSize),
		NextObj: 1,
	}
	sh.Encode(buf[lsvdfmt.HdrSize:])

	return io.WriteObject(name, [][]byte{buf})
}

// cacheLayout computes the page layout of a cache device of total pages:
// page 0 holds the j_super, pages 1 and 2 the write and read superblocks,
// then the write-cache metadata region, the journal ring, and finally the
// read-cache flat map, bitmap, and chunk slots.
type cacheLayout struct {
	metaBase  uint32
	metaLimit uint32
	base      uint32
	limit     uint32

	units        int32
	rmapStart    int32
	rmapBlocks   int32
	rbitStart    int32
	rbitBlocks   int32
	rbase        int32
	unitSectors  int32
	pagesPerUnit int32
}

func layoutCache(totalPages int64) (cacheLayout, error) {
	var l cacheLayout
	if totalPages < 64 {
		return l, errors.New("cache device too small")
	}

	meta := totalPages / 16
	if meta < 8 {
		meta = 8
	}
	if meta > 256 {
		meta = 256
	}
	// Both halves of the metadata region must hold a full checkpoint.
	if meta%2 != 0 {
		meta++
	}

	l.metaBase = 3
	l.metaLimit = uint32(3 + meta)
	journal := (totalPages - int64(l.metaLimit)) / 2
	l.base = l.metaLimit
	l.limit = l.base + uint32(journal)

	l.unitSectors = 128
	l.pagesPerUnit = l.unitSectors / lsvdfmt.SectorsPerPage

	avail := totalPages - int64(l.limit)
	units := avail * lsvdfmt.PageSize /
		(int64(l.pagesPerUnit)*lsvdfmt.PageSize + 8 + 2)
	for units > 0 {
		mapBlocks := (units*8 + lsvdfmt.PageSize - 1) / lsvdfmt.PageSize
		bitBlocks := (units*2 + lsvdfmt.PageSize - 1) / lsvdfmt.PageSize
		if int64(l.limit)+mapBlocks+bitBlocks+units*int64(l.pagesPerUnit) <= totalPages {
			l.units = int32(units)
			l.rmapStart = int32(l.limit)
			l.rmapBlocks = int32(mapBlocks)
			l.rbitStart = l.rmapStart + l.rmapBlocks
			l.rbitBlocks = int32(bitBlocks)
			l.rbase = l.rbitStart + l.rbitBlocks
			break
		}
		units--
	}
	if l.units == 0 {
		return l, errors.New("cache device too small for read cache slots")
	}
	return l, nil
}

// InitCache formats a cache file: j_super at page 0, the write-cache
// superblock and empty journal ring, and the read-cache superblock with an
// empty slot table.
func InitCache(path string, volUUID uuid.UUID, sizeBytes int64, backendType uint32) error {
	l, err := layoutCache(sizeBytes / lsvdfmt.PageSize)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "create cache file %s", path)
	}
	defer f.Close()
	if err := f.Truncate(sizeBytes); err != nil {
		return errors.Wrap(err, "size cache file")
	}

	page := make([]byte, lsvdfmt.PageSize)
	js := lsvdfmt.JSuper{
		Magic:       lsvdfmt.Magic,
		Type:        lsvdfmt.JSuperType,
		Version:     lsvdfmt.Version,
		WriteSuper:  1,
		ReadSuper:   2,
		VolUUID:     volUUID,
		BackendType: backendType,
	}
	js.Encode(page)
	if _, err := f.WriteAt(page, 0); err != nil {
		return errors.Wrap(err, "write cache super")
	}

	page = make([]byte, lsvdfmt.PageSize)
	ws := lsvdfmt.JWriteSuper{
		Magic:     lsvdfmt.Magic,
		Type:      lsvdfmt.JWSuper,
		Version:   lsvdfmt.Version,
		VolUUID:   volUUID,
		Seq:       1,
		MetaBase:  l.metaBase,
		MetaLimit: l.metaLimit,
		Base:      l.base,
		Limit:     l.limit,
		Next:      l.base,
		Oldest:    l.base,
	}
	ws.Encode(page)
	if _, err := f.WriteAt(page, lsvdfmt.PageSize); err != nil {
		return errors.Wrap(err, "write journal super")
	}

	page = make([]byte, lsvdfmt.PageSize)
	rs := lsvdfmt.JReadSuper{
		Magic:        lsvdfmt.Magic,
		Type:         lsvdfmt.JRSuper,
		Version:      lsvdfmt.Version,
		VolUUID:      volUUID,
		UnitSize:     l.unitSectors,
		Base:         l.rbase,
		Units:        l.units,
		MapStart:     l.rmapStart,
		MapBlocks:    l.rmapBlocks,
		BitmapStart:  l.rbitStart,
		BitmapBlocks: l.rbitBlocks,
	}
	rs.Encode(page)
	if _, err := f.WriteAt(page, 2*lsvdfmt.PageSize); err != nil {
		return errors.Wrap(err, "write read-cache super")
	}
	return nil
}
