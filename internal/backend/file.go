package backend

import (
	"io"
	"os"

	"github.com/pkg/errors"

	"lsvd/internal/request"
)

// File stores each object as a plain file, named by the volume prefix plus
// the hex sequence number. Good for debugging and testing.
type File struct {
	prefix string
}

func NewFile(prefix string) *File {
	return &File{prefix: prefix}
}

var _ Backend = (*File)(nil)

func (f *File) WriteObject(name string, bufs [][]byte) error {
	fd, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "create object %s", name)
	}
	for _, b := range bufs {
		if _, err := fd.Write(b); err != nil {
			fd.Close()
			return errors.Wrapf(err, "write object %s", name)
		}
	}
	return fd.Close()
}

func (f *File) ReadObject(name string, buf []byte, offset int64) (int, error) {
	fd, err := os.Open(name)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, errors.Wrapf(err, "open object %s", name)
	}
	defer fd.Close()
	n, err := fd.ReadAt(buf, offset)
	if err == io.EOF {
		err = nil
	}
	if err != nil {
		return n, errors.Wrapf(err, "read object %s", name)
	}
	return n, nil
}

func (f *File) DeleteObject(name string) error {
	if err := os.Remove(name); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return errors.Wrapf(err, "delete object %s", name)
	}
	return nil
}

func (f *File) ObjectName(seq uint32) string {
	return objectName(f.prefix, seq)
}

func (f *File) MakeWriteReq(name string, bufs [][]byte) request.Request {
	return request.NewFunc(func() error {
		return f.WriteObject(name, bufs)
	})
}

func (f *File) MakeReadReq(name string, buf []byte, offset int64) request.Request {
	return request.NewFunc(func() error {
		_, err := f.ReadObject(name, buf, offset)
		return err
	})
}
