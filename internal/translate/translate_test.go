package translate

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"lsvd/internal/backend"
	"lsvd/internal/config"
	"lsvd/internal/lsvdfmt"
)

// writeSuperObject creates a fresh volume super object.
func writeSuperObject(t *testing.T, io backend.Backend, name string, sizeBytes int64) uuid.UUID {
	t.Helper()
	volUUID := uuid.New()
	buf := make([]byte, 8*lsvdfmt.SectorSize)
	h := lsvdfmt.Hdr{
		Magic:      lsvdfmt.Magic,
		Version:    lsvdfmt.Version,
		VolUUID:    volUUID,
		Type:       lsvdfmt.TypeSuper,
		HdrSectors: 8,
	}
	h.Encode(buf)
	sh := lsvdfmt.SuperHdr{VolSize: uint64(sizeBytes / lsvdfmt.SectorSize), NextObj: 1}
	sh.Encode(buf[lsvdfmt.HdrSize:])
	require.NoError(t, io.WriteObject(name, [][]byte{buf}))
	return volUUID
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.BatchSize = 1 << 20
	cfg.XlateThreads = 1
	return cfg
}

func openLayer(t *testing.T, name string, cfg *config.Config) (*Translate, *ObjMap) {
	t.Helper()
	omap := &ObjMap{}
	x := New(backend.NewFile(name), omap, cfg)
	x.NoCache = true
	_, err := x.Init(name)
	require.NoError(t, err)
	return x, omap
}

func pattern(b byte, n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func TestWriteFlushReadBack(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "vol")
	io := backend.NewFile(name)
	writeSuperObject(t, io, name, 1<<30)

	x, _ := openLayer(t, name, testConfig())
	defer x.Shutdown()

	data := pattern(0xa5, 4096)
	n, err := x.Writev(0, [][]byte{data})
	require.NoError(t, err)
	require.Equal(t, int64(4096), n)

	seq := x.Flush()
	require.NotZero(t, seq)
	x.Drain()

	// The batch became a data object on the backend.
	_, err = os.Stat(io.ObjectName(seq))
	require.NoError(t, err)

	out := make([]byte, 4096)
	_, err = x.Readv(0, out)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, out))
}

func TestReadFromInMemBatch(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "vol")
	io := backend.NewFile(name)
	writeSuperObject(t, io, name, 1<<30)

	x, _ := openLayer(t, name, testConfig())
	defer x.Shutdown()

	data := pattern(0x3c, 8192)
	_, err := x.Writev(1<<20, [][]byte{data})
	require.NoError(t, err)

	// No flush: the write is still sitting in the current batch and must be
	// served from memory.
	out := make([]byte, 8192)
	_, err = x.Readv(1<<20, out)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, out))

	// Unmapped ranges read as zero.
	out = make([]byte, 4096)
	_, err = x.Readv(1<<24, out)
	require.NoError(t, err)
	require.True(t, bytes.Equal(make([]byte, 4096), out))
}

func TestOverwriteDecrementsLive(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "vol")
	io := backend.NewFile(name)
	writeSuperObject(t, io, name, 1<<30)

	x, _ := openLayer(t, name, testConfig())
	defer x.Shutdown()

	_, err := x.Writev(0, [][]byte{pattern(0xa5, 4096)})
	require.NoError(t, err)
	first := x.Flush()
	require.NotZero(t, first)
	x.Drain()

	_, err = x.Checkpoint()
	require.NoError(t, err)

	_, err = x.Writev(0, [][]byte{pattern(0x5a, 4096)})
	require.NoError(t, err)
	second := x.Flush()
	require.NotZero(t, second)
	x.Drain()

	out := make([]byte, 4096)
	_, err = x.Readv(0, out)
	require.NoError(t, err)
	require.True(t, bytes.Equal(pattern(0x5a, 4096), out))

	// 4 KiB of the first object was displaced: live drops by 8 sectors.
	info, ok := x.ObjectInfo(first)
	require.True(t, ok)
	require.Equal(t, int64(info.DataSectors)-8, info.LiveSectors)
}

func TestSequentialSpansObjects(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "vol")
	io := backend.NewFile(name)
	writeSuperObject(t, io, name, 1<<30)

	cfg := testConfig()
	cfg.BatchSize = 256 * 1024
	x, _ := openLayer(t, name, cfg)
	defer x.Shutdown()

	// Write 2x batch_size sequentially; at least two data objects must
	// exist and the map must cover the full range.
	total := 2 * cfg.BatchSize
	data := make([]byte, total)
	for i := range data {
		data[i] = byte(i >> 9)
	}
	const chunk = 64 * 1024
	for off := 0; off < total; off += chunk {
		_, err := x.Writev(int64(off), [][]byte{data[off : off+chunk]})
		require.NoError(t, err)
	}
	x.Flush()
	x.Drain()

	objects := 0
	for seq := uint32(1); ; seq++ {
		if _, err := os.Stat(io.ObjectName(seq)); err != nil {
			break
		}
		objects++
	}
	require.GreaterOrEqual(t, objects, 2)

	exts := x.GetMap(0, int64(total)/lsvdfmt.SectorSize)
	covered := int64(0)
	for _, e := range exts {
		covered += e.Len()
	}
	require.Equal(t, int64(total)/lsvdfmt.SectorSize, covered)

	out := make([]byte, total)
	_, err := x.Readv(0, out)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, out))
}

func TestRecoveryFromCheckpointAndScan(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "vol")
	io := backend.NewFile(name)
	writeSuperObject(t, io, name, 1<<30)

	cfg := testConfig()
	x, _ := openLayer(t, name, cfg)

	_, err := x.Writev(0, [][]byte{pattern(0x11, 4096)})
	require.NoError(t, err)
	x.Flush()
	x.Drain()
	_, err = x.Checkpoint()
	require.NoError(t, err)

	// A data object written after the checkpoint must be picked up by the
	// forward scan.
	_, err = x.Writev(8192, [][]byte{pattern(0x22, 4096)})
	require.NoError(t, err)
	x.Flush()
	x.Drain()
	x.Shutdown()

	y, _ := openLayer(t, name, cfg)
	defer y.Shutdown()

	out := make([]byte, 4096)
	_, err = y.Readv(0, out)
	require.NoError(t, err)
	require.True(t, bytes.Equal(pattern(0x11, 4096), out))
	_, err = y.Readv(8192, out)
	require.NoError(t, err)
	require.True(t, bytes.Equal(pattern(0x22, 4096), out))

	// Recovering twice from the same state yields identical maps.
	z, _ := openLayer(t, name, cfg)
	defer z.Shutdown()
	require.Equal(t, y.GetMap(0, 1<<20), z.GetMap(0, 1<<20))
}
