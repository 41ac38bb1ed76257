package util

import (
	"bytes"
	"io"
	"net"
	"strings"
	"testing"
)

func TestCopyPooled(t *testing.T) {
	payload := strings.Repeat("chunk", DefaultBufSize/2)
	var out bytes.Buffer

	n, err := CopyPooled(&out, strings.NewReader(payload))
	if err != nil {
		t.Fatalf("CopyPooled: %v", err)
	}
	if n != int64(len(payload)) {
		t.Errorf("n = %d, want %d", n, len(payload))
	}
	if out.String() != payload {
		t.Error("payload mismatch")
	}
}

func TestCopyPooled_ClosedPipeIsClean(t *testing.T) {
	a, b := net.Pipe()
	go func() {
		a.Write([]byte("hi")) //nolint:errcheck
		a.Close()
	}()

	var out bytes.Buffer
	if _, err := CopyPooled(&out, b); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
	if out.String() != "hi" {
		t.Errorf("got %q", out.String())
	}
}

func TestIsClosed(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, true},
		{"eof", io.EOF, true},
		{"net closed", net.ErrClosed, true},
		{"op error closed", &net.OpError{Op: "read", Err: net.ErrClosed}, true},
		{"unexpected eof", io.ErrUnexpectedEOF, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsClosed(tt.err); got != tt.want {
				t.Errorf("IsClosed(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
