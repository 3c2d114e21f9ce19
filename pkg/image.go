// Package pkg exposes the virtual-disk image: a block-device surface over
// the translation layer, write cache, and read cache, opened from an object
// backend plus an SSD cache file.
package pkg

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"lsvd/internal/backend"
	"lsvd/internal/config"
	"lsvd/internal/lsvdfmt"
	"lsvd/internal/nvme"
	"lsvd/internal/rcache"
	"lsvd/internal/request"
	"lsvd/internal/translate"
	"lsvd/internal/wcache"
)

// Image is an open virtual disk. Writes become durable in the SSD journal
// before their completions fire and migrate to backend objects
// asynchronously; reads consult the write cache, then the read cache, then
// the backend.
type Image struct {
	cfg  *config.Config
	io   backend.Backend
	omap *translate.ObjMap

	xlate  *translate.Translate
	wcache *wcache.WriteCache
	rcache *rcache.ReadCache

	dev  *nvme.Device
	size int64
}

// NewBackend builds the configured object backend for a volume name.
func NewBackend(cfg *config.Config, name string) (backend.Backend, error) {
	switch cfg.Backend {
	case config.BackendTypeFile, "":
		return backend.NewFile(name), nil
	case config.BackendTypeS3:
		return backend.NewS3(backend.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			AccessKeyID:     cfg.S3AccessKeyID,
			AccessKeySecret: cfg.S3AccessKeySecret,
		}, name)
	default:
		return nil, errors.Errorf("unknown backend type %q", cfg.Backend)
	}
}

// Open recovers the volume from its super object and cache file and starts
// the background machinery. name is the object prefix; the cache file is
// derived from the configuration.
func Open(cfg *config.Config, name string) (*Image, error) {
	io, err := NewBackend(cfg, name)
	if err != nil {
		return nil, err
	}

	omap := &translate.ObjMap{}
	xlate := translate.New(io, omap, cfg)
	size, err := xlate.Init(name)
	if err != nil {
		return nil, err
	}

	dev, err := nvme.Open(cfg.CacheFilename(xlate.VolUUID(), name))
	if err != nil {
		xlate.Shutdown()
		return nil, err
	}

	buf := make([]byte, lsvdfmt.PageSize)
	if _, err := dev.Read(buf, 0); err != nil {
		xlate.Shutdown()
		dev.Close()
		return nil, errors.Wrap(err, "read cache super")
	}
	var js lsvdfmt.JSuper
	if err := js.Decode(buf); err != nil {
		xlate.Shutdown()
		dev.Close()
		return nil, err
	}

	wc, err := wcache.Open(dev, js.WriteSuper, xlate, cfg)
	if err != nil {
		xlate.Shutdown()
		dev.Close()
		return nil, err
	}
	rc, err := rcache.Open(dev, js.ReadSuper, omap, io)
	if err != nil {
		wc.Shutdown()
		xlate.Shutdown()
		dev.Close()
		return nil, err
	}

	return &Image{
		cfg:    cfg,
		io:     io,
		omap:   omap,
		xlate:  xlate,
		wcache: wc,
		rcache: rc,
		dev:    dev,
		size:   size,
	}, nil
}

// Size returns the virtual disk size in bytes.
func (i *Image) Size() int64 { return i.size }

// AioWrite submits an aligned write. The completion fires once the data is
// durable in the SSD journal; room in the write window is held until then.
func (i *Image) AioWrite(offset int64, buf []byte, c *Completion) {
	sectors := int64(len(buf)) / lsvdfmt.SectorSize
	i.wcache.GetRoom(sectors)
	c.onComplete = func() {
		i.wcache.ReleaseRoom(sectors)
	}
	i.wcache.Writev(c, offset, [][]byte{buf})
}

// AioRead submits an aligned read. Writes not yet known to the translation
// layer are served from the journal; the remainder resolves through the
// object map and the read cache.
func (i *Image) AioRead(offset int64, buf []byte, c *Completion) {
	go func() {
		pos := int64(0)
		for pos < int64(len(buf)) {
			skip, read, req := i.wcache.AsyncRead(offset+pos, buf[pos:])
			if skip > 0 {
				if err := i.rcache.Read(offset+pos, buf[pos:pos+skip]); err != nil {
					c.retval = -1
					break
				}
			}
			if req != nil {
				req.Run(nil)
				req.Wait()
			}
			pos += skip + read
		}
		if c.retval >= 0 {
			c.retval = int64(len(buf))
		}
		c.Notify(nil)
	}()
}

// AioFlush completes once all in-flight journal writes have drained.
func (i *Image) AioFlush(c *Completion) {
	go func() {
		i.wcache.Flush()
		c.Notify(nil)
	}()
}

// AioDiscard completes immediately. The object format reserves room for
// discard tracking but the semantics are not wired to any reclamation yet.
func (i *Image) AioDiscard(offset, length int64, c *Completion) {
	c.Notify(nil)
}

// Read performs a synchronous read.
func (i *Image) Read(offset int64, buf []byte) error {
	c := NewCompletion(nil)
	i.AioRead(offset, buf, c)
	c.Wait()
	if c.retval < 0 {
		return errors.New("read failed")
	}
	return nil
}

// Write performs a synchronous write, returning once the data is durable in
// the journal.
func (i *Image) Write(offset int64, buf []byte) error {
	c := NewCompletion(nil)
	i.AioWrite(offset, buf, c)
	c.Wait()
	return nil
}

// Flush blocks until in-flight writes drain and the translation layer has
// sealed the current batch.
func (i *Image) Flush() {
	i.wcache.Flush()
	i.xlate.Flush()
}

// Checkpoint forces a translation-layer checkpoint and returns its seq.
func (i *Image) Checkpoint() (uint32, error) {
	return i.xlate.Checkpoint()
}

// Translate exposes the translation layer for inspection.
func (i *Image) Translate() *translate.Translate { return i.xlate }

// WriteCache exposes the write cache for inspection.
func (i *Image) WriteCache() *wcache.WriteCache { return i.wcache }

// ReadCache exposes the read cache for inspection.
func (i *Image) ReadCache() *rcache.ReadCache { return i.rcache }

// Close tears the engine down: the write cache first (it holds a non-owning
// handle to the translation layer), then the translation layer and read
// cache, checkpointing the write cache and the translation layer so restart
// recovery starts from a fresh snapshot. The read cache only persists its
// slot table.
func (i *Image) Close() error {
	var errs *multierror.Error

	i.wcache.Flush()
	i.wcache.Shutdown()
	if err := i.wcache.DoWriteCheckpoint(); err != nil {
		errs = multierror.Append(errs, err)
	}

	i.xlate.Flush()
	i.xlate.Drain()
	if _, err := i.xlate.Checkpoint(); err != nil {
		errs = multierror.Append(errs, err)
	}
	i.xlate.Shutdown()

	i.rcache.Shutdown()

	if err := i.dev.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

var _ request.Request = (*Completion)(nil)
