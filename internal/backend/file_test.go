package backend

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileObjects(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "vol")
	b := NewFile(prefix)

	require.Equal(t, prefix+".0000002a", b.ObjectName(42))

	data := []byte("hello, object")
	require.NoError(t, WriteNumbered(b, 42, [][]byte{data[:5], data[5:]}))

	buf := make([]byte, len(data))
	n, err := ReadNumbered(b, 42, buf, 0)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, data, buf)

	// Offset reads and short reads past the end.
	n, err = ReadNumbered(b, 42, buf, 7)
	require.NoError(t, err)
	require.Equal(t, len(data)-7, n)
	require.Equal(t, data[7:], buf[:n])

	// Missing objects report ErrNotFound; recovery scans rely on it.
	_, err = ReadNumbered(b, 43, buf, 0)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, b.DeleteObject(b.ObjectName(43)), ErrNotFound)

	require.NoError(t, b.DeleteObject(b.ObjectName(42)))
	_, err = ReadNumbered(b, 42, buf, 0)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFileAsyncRequests(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "vol")
	b := NewFile(prefix)

	data := []byte("async payload")
	wr := b.MakeWriteReq(b.ObjectName(1), [][]byte{data})
	wr.Run(nil)
	wr.Wait()

	buf := make([]byte, len(data))
	rr := b.MakeReadReq(b.ObjectName(1), buf, 0)
	rr.Run(nil)
	rr.Wait()
	require.Equal(t, data, buf)
}
