// Package transport opens authenticated SSH sessions for a server
// profile.  It owns the TCP dial, the handshake, credential lookup and
// host-key policy; everything above it works with a ready *ssh.Client.
package transport

import (
	"context"

	"golang.org/x/crypto/ssh"

	"sshlink/config"
)

// Dialer opens a new authenticated SSH session.  Every call performs a
// full handshake; callers own the returned client.
type Dialer interface {
	DialSSH(ctx context.Context, p config.Profile) (*ssh.Client, error)
}

// DialerFunc adapts a function to [Dialer].
type DialerFunc func(ctx context.Context, p config.Profile) (*ssh.Client, error)

// DialSSH calls f(ctx, p).
func (f DialerFunc) DialSSH(ctx context.Context, p config.Profile) (*ssh.Client, error) {
	return f(ctx, p)
}
