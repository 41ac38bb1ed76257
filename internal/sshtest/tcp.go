package sshtest

import (
	"net"
	"testing"
)

// StartTCP runs handler for every connection accepted on a loopback
// listener and returns its port.  The listener closes with t.
func StartTCP(t testing.TB, handler func(net.Conn)) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				handler(c)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}
