package util

import (
	"errors"
	"io"
	"net"
)

// DefaultBufSize is the standard buffer size for network I/O and the
// chunk size for file transfers (32 KiB).
const DefaultBufSize = 32 * 1024

// CopyPooled copies src to dst through a pooled buffer and returns the
// number of bytes written.  Shutdown errors are reported as nil.
func CopyPooled(dst io.Writer, src io.Reader) (int64, error) {
	buf := GetBuf()
	defer PutBuf(buf)
	n, err := io.CopyBuffer(dst, src, *buf)
	if IsClosed(err) {
		err = nil
	}
	return n, err
}

// IsClosed returns true for errors that are expected while a
// connection is being torn down.
func IsClosed(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}
