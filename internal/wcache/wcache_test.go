package wcache

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"lsvd/internal/backend"
	"lsvd/internal/config"
	"lsvd/internal/lsvdfmt"
	"lsvd/internal/nvme"
	"lsvd/internal/request"
	"lsvd/internal/translate"
)

// waitReq is a client completion for tests.
type waitReq struct {
	request.Waiter
}

func (r *waitReq) Run(parent request.Request) {}
func (r *waitReq) Notify(child request.Request) {
	r.Complete()
}
func (r *waitReq) Release() {}

type harness struct {
	w         *WriteCache
	x         *translate.Translate
	io        *backend.File
	name      string
	cachePath string
	cfg       *config.Config
}

// mkCacheFile formats a cache file with a write-cache superblock at page 1
// and a journal ring of ringPages pages.
func mkCacheFile(t *testing.T, path string, ringPages uint32) {
	t.Helper()
	const base = 11
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(int64(base+ringPages)*lsvdfmt.PageSize))

	page := make([]byte, lsvdfmt.PageSize)
	ws := lsvdfmt.JWriteSuper{
		Magic:     lsvdfmt.Magic,
		Type:      lsvdfmt.JWSuper,
		Version:   lsvdfmt.Version,
		Seq:       1,
		MetaBase:  3,
		MetaLimit: base,
		Base:      base,
		Limit:     base + ringPages,
		Next:      base,
		Oldest:    base,
	}
	ws.Encode(page)
	_, err = f.WriteAt(page, lsvdfmt.PageSize)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func mkVolume(t *testing.T, name string) *backend.File {
	t.Helper()
	io := backend.NewFile(name)
	buf := make([]byte, 8*lsvdfmt.SectorSize)
	h := lsvdfmt.Hdr{
		Magic:      lsvdfmt.Magic,
		Version:    lsvdfmt.Version,
		Type:       lsvdfmt.TypeSuper,
		HdrSectors: 8,
	}
	h.Encode(buf)
	sh := lsvdfmt.SuperHdr{VolSize: 1 << 21, NextObj: 1}
	sh.Encode(buf[lsvdfmt.HdrSize:])
	require.NoError(t, io.WriteObject(name, [][]byte{buf}))
	return io
}

func newHarness(t *testing.T, ringPages uint32) *harness {
	t.Helper()
	dir := t.TempDir()
	name := filepath.Join(dir, "vol")
	io := mkVolume(t, name)
	cachePath := filepath.Join(dir, "vol.cache")
	mkCacheFile(t, cachePath, ringPages)

	cfg := config.Default()
	cfg.XlateThreads = 1
	h := &harness{io: io, name: name, cachePath: cachePath, cfg: cfg}
	h.open(t)
	return h
}

// open (re)opens the translation layer and write cache over the harness
// state, as after a restart.
func (h *harness) open(t *testing.T) {
	t.Helper()
	omap := &translate.ObjMap{}
	h.x = translate.New(h.io, omap, h.cfg)
	h.x.NoCache = true
	_, err := h.x.Init(h.name)
	require.NoError(t, err)

	dev, err := nvme.Open(h.cachePath)
	require.NoError(t, err)
	h.w, err = Open(dev, 1, h.x, h.cfg)
	require.NoError(t, err)
}

func (h *harness) write(t *testing.T, offset int64, data []byte) {
	t.Helper()
	req := &waitReq{}
	h.w.Writev(req, offset, [][]byte{data})
	req.Wait()
}

func pattern(b byte, n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

// checkMapsConsistent verifies that the reverse map covers exactly the
// forward map: every (lba -> plba, n) has (plba, n) -> lba, and no reverse
// sectors exist beyond the forward total.
func checkMapsConsistent(t *testing.T, w *WriteCache) {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()

	var fwdSectors, revSectors int64
	for i := 0; i < w.fmap.Len(); i++ {
		e := w.fmap.At(i)
		fwdSectors += e.Len()
		plba := int64(e.Ptr)
		for j := w.rmap.Lookup(plba); j < w.rmap.Len(); j++ {
			r := w.rmap.At(j)
			if r.Base >= plba+e.Len() {
				break
			}
			c := r.Clip(plba, plba+e.Len())
			wantLBA := e.Base + (c.Base - plba)
			require.Equal(t, wantLBA, int64(c.Ptr), "reverse map must invert forward map")
		}
	}
	for i := 0; i < w.rmap.Len(); i++ {
		revSectors += w.rmap.At(i).Len()
	}
	require.Equal(t, fwdSectors, revSectors)
}

func TestWriteDurableAndMapped(t *testing.T) {
	h := newHarness(t, 64)
	defer h.x.Shutdown()
	defer h.w.Shutdown()

	data := pattern(0xa5, 4096)
	h.write(t, 0, data)

	// Forward map covers the write and points into the journal ring.
	exts := h.w.GetMap(0, 8)
	require.Len(t, exts, 1)
	require.Equal(t, int64(0), exts[0].Base)
	require.Equal(t, int64(8), exts[0].Limit)
	super := h.w.GetSuper()
	require.Equal(t, int64((super.Base+1)*lsvdfmt.SectorsPerPage), int64(exts[0].Ptr))

	// A hit produces the journal payload.
	out := make([]byte, 4096)
	skip, read, req := h.w.AsyncRead(0, out)
	require.Equal(t, int64(0), skip)
	require.Equal(t, int64(4096), read)
	req.Run(nil)
	req.Wait()
	require.True(t, bytes.Equal(data, out))

	// The write was forwarded to the translation layer.
	out = make([]byte, 4096)
	_, err := h.x.Readv(0, out)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, out))

	checkMapsConsistent(t, h.w)
}

func TestAsyncReadSkip(t *testing.T) {
	h := newHarness(t, 64)
	defer h.x.Shutdown()
	defer h.w.Shutdown()

	// Nothing cached: the whole request is a skip.
	buf := make([]byte, 8192)
	skip, read, req := h.w.AsyncRead(0, buf)
	require.Equal(t, int64(8192), skip)
	require.Zero(t, read)
	require.Nil(t, req)

	// A hit that starts past the request base reports the gap first.
	h.write(t, 4096, pattern(0x77, 4096))
	skip, read, req = h.w.AsyncRead(0, buf)
	require.Equal(t, int64(4096), skip)
	require.Equal(t, int64(4096), read)
	require.NotNil(t, req)
	req.Run(nil)
	req.Wait()
	require.True(t, bytes.Equal(pattern(0x77, 4096), buf[4096:]))
}

func TestOverwriteKeepsMapsConsistent(t *testing.T) {
	h := newHarness(t, 64)
	defer h.x.Shutdown()
	defer h.w.Shutdown()

	h.write(t, 0, pattern(0x01, 8192))
	h.write(t, 4096, pattern(0x02, 8192))
	h.write(t, 0, pattern(0x03, 4096))
	checkMapsConsistent(t, h.w)

	// Reads see the newest bytes.
	out := make([]byte, 4096)
	_, read, req := h.w.AsyncRead(0, out)
	require.Equal(t, int64(4096), read)
	req.Run(nil)
	req.Wait()
	require.True(t, bytes.Equal(pattern(0x03, 4096), out))
}

func TestPadWrapAndEviction(t *testing.T) {
	// Ring of 16 pages starting at page 11: three 16 KiB records fill
	// pages 11..25, the fourth forces a PAD at 26 and a wrap that evicts
	// the first record.
	h := newHarness(t, 16)
	defer h.x.Shutdown()
	defer h.w.Shutdown()

	h.write(t, 0*65536, pattern(0x0a, 16384))
	h.write(t, 1*65536, pattern(0x0b, 16384))
	h.write(t, 2*65536, pattern(0x0c, 16384))
	h.write(t, 3*65536, pattern(0x0d, 8192))

	super := h.w.GetSuper()
	require.Equal(t, uint32(16), super.Oldest)
	require.Equal(t, uint32(14), super.Next)

	// The evicted record's forward-map entries are gone; later records
	// survive.
	require.Empty(t, h.w.GetMap(0, 32))
	require.NotEmpty(t, h.w.GetMap(128, 160))
	checkMapsConsistent(t, h.w)

	// Reading the evicted range falls through to the translation layer.
	out := make([]byte, 16384)
	skip, _, _ := h.w.AsyncRead(0, out)
	require.Equal(t, int64(16384), skip)
	_, err := h.x.Readv(0, out)
	require.NoError(t, err)
	require.True(t, bytes.Equal(pattern(0x0a, 16384), out))

	// Page state: the PAD cell survives until oldest crosses it.
	h.w.mu.Lock()
	require.Equal(t, pageHdr, h.w.blocks[0].typ)
	require.Equal(t, pagePad, h.w.blocks[26-11].typ)
	for p := uint32(14); p < 16; p++ {
		require.Equal(t, pageNone, h.w.blocks[p-11].typ)
	}
	h.w.mu.Unlock()
}

func TestReplayAfterCrash(t *testing.T) {
	h := newHarness(t, 64)

	h.write(t, 0, pattern(0xaa, 4096))
	h.write(t, 8192, pattern(0xbb, 4096))
	before := h.w.GetMap(0, 1<<16)

	// Crash: stop the threads without checkpointing the superblock.
	h.w.Shutdown()
	h.x.Shutdown()

	h.open(t)
	defer h.x.Shutdown()
	defer h.w.Shutdown()

	// Replay reproduces the acknowledged writes.
	require.Equal(t, before, h.w.GetMap(0, 1<<16))
	out := make([]byte, 4096)
	_, read, req := h.w.AsyncRead(0, out)
	require.Equal(t, int64(4096), read)
	req.Run(nil)
	req.Wait()
	require.True(t, bytes.Equal(pattern(0xaa, 4096), out))

	// Replay forwarded the journal to the (fresh) translation layer.
	_, err := h.x.Readv(8192, out)
	require.NoError(t, err)
	require.True(t, bytes.Equal(pattern(0xbb, 4096), out))
	checkMapsConsistent(t, h.w)
}

func TestCheckpointIdempotentRecovery(t *testing.T) {
	h := newHarness(t, 64)

	h.write(t, 0, pattern(0x55, 4096))
	h.write(t, 16384, pattern(0x66, 8192))
	require.NoError(t, h.w.DoWriteCheckpoint())
	before := h.w.GetMap(0, 1<<16)
	h.w.Shutdown()
	h.x.Shutdown()

	// First recovery restores the checkpointed maps.
	h.open(t)
	first := h.w.GetMap(0, 1<<16)
	require.Equal(t, before, first)
	checkMapsConsistent(t, h.w)
	h.w.Shutdown()
	h.x.Shutdown()

	// Recovering twice from the same on-disk state yields identical maps.
	h.open(t)
	defer h.x.Shutdown()
	defer h.w.Shutdown()
	require.Equal(t, first, h.w.GetMap(0, 1<<16))
}
