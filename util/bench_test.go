package util

import (
	"bytes"
	"io"
	"testing"
)

// BenchmarkCopyPooled measures throughput of the pooled copy loop that
// every relay direction runs.
func BenchmarkCopyPooled(b *testing.B) {
	payload := bytes.Repeat([]byte("X"), 4*DefaultBufSize)
	b.SetBytes(int64(len(payload)))
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		CopyPooled(io.Discard, bytes.NewReader(payload)) //nolint:errcheck
	}
}

// BenchmarkBufPool measures the allocation advantage of sync.Pool
// buffer reuse versus fresh allocation.
func BenchmarkBufPool(b *testing.B) {
	b.Run("pool", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			buf := GetBuf()
			_ = (*buf)[0]
			PutBuf(buf)
		}
	})
	b.Run("alloc", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			buf := make([]byte, DefaultBufSize)
			_ = buf[0]
		}
	})
}
