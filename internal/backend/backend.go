// Package backend provides the object store that holds the volume's
// immutable numbered objects. Anything that offers synchronous object
// read/write/delete plus async request factories can serve as a backend.
package backend

import (
	"fmt"

	"github.com/pkg/errors"

	"lsvd/internal/request"
)

// ErrNotFound reports a read of an object that does not exist. Recovery uses
// it to find the end of the object sequence.
var ErrNotFound = errors.New("object not found")

type Backend interface {
	// WriteObject creates the named object from the concatenation of bufs.
	// Objects are immutable; writing an existing name replaces it.
	WriteObject(name string, bufs [][]byte) error
	// ReadObject reads up to len(buf) bytes at offset within the named
	// object, returning the number of bytes read. Reads past the end of the
	// object return a short count.
	ReadObject(name string, buf []byte, offset int64) (int, error)
	DeleteObject(name string) error

	// ObjectName returns the name of the numbered object seq.
	ObjectName(seq uint32) string

	// Async factories. The returned request performs the same I/O as the
	// synchronous method when run, then notifies its parent.
	MakeWriteReq(name string, bufs [][]byte) request.Request
	MakeReadReq(name string, buf []byte, offset int64) request.Request
}

// WriteNumbered writes the object identified by seq.
func WriteNumbered(b Backend, seq uint32, bufs [][]byte) error {
	return b.WriteObject(b.ObjectName(seq), bufs)
}

// ReadNumbered reads from the object identified by seq.
func ReadNumbered(b Backend, seq uint32, buf []byte, offset int64) (int, error) {
	return b.ReadObject(b.ObjectName(seq), buf, offset)
}

// objectName implements the "<prefix>.<8-hex-seq>" naming convention. The
// volume super object lives at the bare prefix.
func objectName(prefix string, seq uint32) string {
	return fmt.Sprintf("%s.%08x", prefix, seq)
}
