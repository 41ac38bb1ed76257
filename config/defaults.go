package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, the profile file, and environment variable loading.

const (
	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultLocalAddress is the address tunnels bind on.
	DefaultLocalAddress = "127.0.0.1"

	// DefaultConnTimeout bounds TCP dial plus SSH handshake.
	DefaultConnTimeout = 30 * time.Second

	// DefaultIdleTimeout is how long a session may sit unused before
	// the next operation reconnects it.
	DefaultIdleTimeout = 60 * time.Second

	// DefaultOpTimeout bounds a single remote filesystem call or
	// command, and the gap between two transfer chunks.
	DefaultOpTimeout = 30 * time.Second

	// DefaultConnectWait bounds how long a caller waits on another
	// caller's in-flight connect.
	DefaultConnectWait = 45 * time.Second

	// DefaultRetryAttempts is the number of tries for an operation
	// whose SFTP session died underneath it.
	DefaultRetryAttempts = 3

	// DefaultRetryDelay is the fixed pause between those tries.
	DefaultRetryDelay = time.Second

	// DefaultRecreateDelay separates stop and start when a tunnel is
	// recreated.
	DefaultRecreateDelay = 500 * time.Millisecond

	// DefaultResetPause separates disconnects during a registry reset.
	DefaultResetPause = 100 * time.Millisecond

	// DefaultHealthInterval is the tunnel health sweep period.
	DefaultHealthInterval = 10 * time.Second

	// DefaultMaxPending caps bytes buffered from a local socket before
	// its forwarded channel is open.
	DefaultMaxPending = 256 * 1024

	// DefaultMaxConnsPerServer caps concurrent sessions to one server.
	DefaultMaxConnsPerServer = 5

	// DefaultKeyPath is used when key auth is enabled without a path.
	DefaultKeyPath = "~/.ssh/id_ed25519"
)
