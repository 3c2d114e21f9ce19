package rcache

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"lsvd/internal/backend"
	"lsvd/internal/extmap"
	"lsvd/internal/lsvdfmt"
	"lsvd/internal/nvme"
	"lsvd/internal/translate"
)

const (
	testUnits       = 8
	testUnitSectors = 128
)

// mkReadCache formats a cache file with a read-cache superblock at page 2
// and opens it over the given object map and backend.
func mkReadCache(t *testing.T, omap *translate.ObjMap, io backend.Backend) *ReadCache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "read.cache")

	const (
		mapStart = 3
		bitStart = 4
		base     = 5
	)
	pagesPerUnit := testUnitSectors / lsvdfmt.SectorsPerPage
	total := int64(base + testUnits*pagesPerUnit)

	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(total*lsvdfmt.PageSize))
	page := make([]byte, lsvdfmt.PageSize)
	rs := lsvdfmt.JReadSuper{
		Magic:        lsvdfmt.Magic,
		Type:         lsvdfmt.JRSuper,
		Version:      lsvdfmt.Version,
		UnitSize:     testUnitSectors,
		Base:         base,
		Units:        testUnits,
		MapStart:     mapStart,
		MapBlocks:    1,
		BitmapStart:  bitStart,
		BitmapBlocks: 1,
	}
	rs.Encode(page)
	_, err = f.WriteAt(page, 2*lsvdfmt.PageSize)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	dev, err := nvme.Open(path)
	require.NoError(t, err)
	rc, err := Open(dev, 2, omap, io)
	require.NoError(t, err)
	t.Cleanup(func() {
		rc.Shutdown()
		dev.Close()
	})
	return rc
}

// mkObject writes a raw backend object of n bytes where byte i of the
// object is a function of i and the seq.
func mkObject(t *testing.T, io backend.Backend, seq uint32, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i>>9) ^ byte(seq)
	}
	require.NoError(t, backend.WriteNumbered(io, seq, [][]byte{data}))
	return data
}

func TestPageMask(t *testing.T) {
	// First page of a 128-sector chunk.
	require.Equal(t, uint16(0x0001), pageMask(0, 8, testUnitSectors))
	// Full chunk.
	require.Equal(t, uint16(0xffff), pageMask(0, 128, testUnitSectors))
	// Pages 2 and 3 of the second chunk: the mask is chunk-relative and
	// never addresses bits outside the chunk's 16.
	require.Equal(t, uint16(0x000c), pageMask(128+16, 128+32, testUnitSectors))
	// A range extending past the chunk end is clipped to the chunk.
	require.Equal(t, uint16(0x8000), pageMask(120, 256, testUnitSectors))
}

func TestAdmitAndHit(t *testing.T) {
	dir := t.TempDir()
	io := backend.NewFile(filepath.Join(dir, "vol"))
	omap := &translate.ObjMap{}
	rc := mkReadCache(t, omap, io)

	data := mkObject(t, io, 7, 128*1024)
	omap.Map.Update(0, 256, extmap.ObjOffset{Obj: 7, Offset: 0})

	// Admit the first 64 KiB chunk of object 7.
	require.NoError(t, rc.Add(extmap.ObjOffset{Obj: 7, Offset: 0}, testUnitSectors, data[:64*1024]))
	mask, ok := rc.Contains(extmap.ObjOffset{Obj: 7, Offset: 0})
	require.True(t, ok)
	require.Equal(t, uint16(0xffff), mask)

	// A 4 KiB sub-range is served from SSD.
	out := make([]byte, 4096)
	require.NoError(t, rc.Read(8192, out))
	require.True(t, bytes.Equal(data[8192:12288], out))
}

func TestMissPopulatesAndAdmits(t *testing.T) {
	dir := t.TempDir()
	io := backend.NewFile(filepath.Join(dir, "vol"))
	omap := &translate.ObjMap{}
	rc := mkReadCache(t, omap, io)

	data := mkObject(t, io, 3, 128*1024)
	omap.Map.Update(0, 256, extmap.ObjOffset{Obj: 3, Offset: 0})

	// Nothing admitted: the read misses, fetches the chunk from the
	// backend, and admits it.
	out := make([]byte, 4096)
	require.NoError(t, rc.Read(4096, out))
	require.True(t, bytes.Equal(data[4096:8192], out))

	mask, ok := rc.Contains(extmap.ObjOffset{Obj: 3, Offset: 0})
	require.True(t, ok)
	require.Equal(t, uint16(0xffff), mask)

	// The second chunk stays unadmitted.
	_, ok = rc.Contains(extmap.ObjOffset{Obj: 3, Offset: testUnitSectors})
	require.False(t, ok)
}

func TestEvictThenBackendRefetch(t *testing.T) {
	dir := t.TempDir()
	io := backend.NewFile(filepath.Join(dir, "vol"))
	omap := &translate.ObjMap{}
	rc := mkReadCache(t, omap, io)

	data := mkObject(t, io, 7, 128*1024)
	omap.Map.Update(0, 256, extmap.ObjOffset{Obj: 7, Offset: 0})

	require.NoError(t, rc.Add(extmap.ObjOffset{Obj: 7, Offset: 0}, testUnitSectors, data[:64*1024]))

	// Evict the slot.
	for i := 0; i < 100; i++ {
		if _, ok := rc.Contains(extmap.ObjOffset{Obj: 7, Offset: 0}); !ok {
			break
		}
		rc.DoEvict(1)
	}
	_, ok := rc.Contains(extmap.ObjOffset{Obj: 7, Offset: 0})
	require.False(t, ok)

	// The next read refetches from the backend and re-admits.
	out := make([]byte, 4096)
	require.NoError(t, rc.Read(0, out))
	require.True(t, bytes.Equal(data[:4096], out))
	_, ok = rc.Contains(extmap.ObjOffset{Obj: 7, Offset: 0})
	require.True(t, ok)
}

func TestUnmappedReadsZero(t *testing.T) {
	dir := t.TempDir()
	io := backend.NewFile(filepath.Join(dir, "vol"))
	omap := &translate.ObjMap{}
	rc := mkReadCache(t, omap, io)

	out := pattern(0xff, 8192)
	require.NoError(t, rc.Read(1<<20, out))
	require.True(t, bytes.Equal(make([]byte, 8192), out))
}

func TestExhaustedDropsAdmission(t *testing.T) {
	dir := t.TempDir()
	io := backend.NewFile(filepath.Join(dir, "vol"))
	omap := &translate.ObjMap{}
	rc := mkReadCache(t, omap, io)

	chunk := make([]byte, 64*1024)
	for seq := uint32(1); seq <= testUnits; seq++ {
		require.NoError(t, rc.Add(extmap.ObjOffset{Obj: seq, Offset: 0}, testUnitSectors, chunk))
	}
	// All slots taken: a new admission is dropped, not evicted for.
	err := rc.Add(extmap.ObjOffset{Obj: 99, Offset: 0}, testUnitSectors, chunk)
	require.ErrorIs(t, err, ErrExhausted)

	// Re-admitting an existing mapping still succeeds.
	require.NoError(t, rc.Add(extmap.ObjOffset{Obj: 1, Offset: 0}, testUnitSectors, chunk))
}

func pattern(b byte, n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	return buf
}
