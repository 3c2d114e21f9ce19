// Package nvme wraps the SSD cache device behind positional I/O. Anything
// offering read/write at a byte offset plus async request factories can act
// as the cache device; the implementation here drives a file or block device
// opened with direct I/O, falling back to buffered I/O where O_DIRECT is not
// supported (tmpfs, some filesystems).
package nvme

import (
	"os"
	"unsafe"

	"github.com/ncw/directio"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"lsvd/internal/request"
)

type Device struct {
	file   *os.File
	direct bool
	size   int64
}

// Open opens the cache device for direct I/O. Offsets and lengths passed to
// the device must be multiples of the sector size.
func Open(path string) (*Device, error) {
	file, err := directio.OpenFile(path, os.O_RDWR, 0o644)
	direct := true
	if err != nil {
		file, err = os.OpenFile(path, os.O_RDWR, 0o644)
		if err != nil {
			return nil, errors.Wrapf(err, "open cache device %s", path)
		}
		direct = false
		logrus.WithField("path", path).Debug("nvme: direct I/O unavailable, using buffered I/O")
	}
	st, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.Wrapf(err, "stat cache device %s", path)
	}
	return &Device{file: file, direct: direct, size: st.Size()}, nil
}

// Size returns the device size in bytes.
func (d *Device) Size() int64 { return d.size }

// aligned reports whether buf is positioned and sized for direct I/O.
func aligned(buf []byte, off int64) bool {
	if len(buf) == 0 || len(buf)%directio.BlockSize != 0 || off%directio.BlockSize != 0 {
		return false
	}
	return uintptr(unsafe.Pointer(&buf[0]))%uintptr(directio.AlignSize) == 0
}

// Read reads len(buf) bytes at the byte offset off.
func (d *Device) Read(buf []byte, off int64) (int, error) {
	if d.direct && !aligned(buf, off) {
		bounce := directio.AlignedBlock(roundUp(len(buf), directio.BlockSize))
		n, err := d.file.ReadAt(bounce, off)
		if n > len(buf) {
			n = len(buf)
		}
		copy(buf[:n], bounce)
		if err != nil && n == len(buf) {
			err = nil
		}
		return n, errors.Wrap(err, "nvme read")
	}
	n, err := d.file.ReadAt(buf, off)
	return n, errors.Wrap(err, "nvme read")
}

// Write writes buf at the byte offset off.
func (d *Device) Write(buf []byte, off int64) error {
	return d.Writev([][]byte{buf}, off)
}

// Writev gathers bufs into a single write at the byte offset off. Direct
// I/O devices get one aligned bounce buffer and one syscall.
func (d *Device) Writev(bufs [][]byte, off int64) error {
	total := 0
	for _, b := range bufs {
		total += len(b)
	}
	if total == 0 {
		return nil
	}
	var out []byte
	if d.direct {
		out = directio.AlignedBlock(roundUp(total, directio.BlockSize))
	} else {
		out = make([]byte, total)
	}
	pos := 0
	for _, b := range bufs {
		pos += copy(out[pos:], b)
	}
	_, err := d.file.WriteAt(out, off)
	return errors.Wrap(err, "nvme write")
}

// MakeWriteRequest returns a request that performs Writev(bufs, off) when
// run.
func (d *Device) MakeWriteRequest(bufs [][]byte, off int64) request.Request {
	return request.NewFunc(func() error {
		return d.Writev(bufs, off)
	})
}

// MakeReadRequest returns a request that fills buf from the device when run.
func (d *Device) MakeReadRequest(buf []byte, off int64) request.Request {
	return request.NewFunc(func() error {
		_, err := d.Read(buf, off)
		return err
	})
}

func (d *Device) Close() error {
	return d.file.Close()
}

func roundUp(n, m int) int {
	return (n + m - 1) / m * m
}
