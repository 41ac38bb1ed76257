// Package metrics provides lightweight, lock-free counters and gauges
// for SSH sessions, tunnel relays and file transfers.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for one sshlink process.
type Collector struct {
	sessionsActive atomic.Int64
	sessionsTotal  atomic.Int64
	reconnects     atomic.Int64

	relaysActive atomic.Int64
	relaysTotal  atomic.Int64
	bytesUp      atomic.Int64 // local → remote
	bytesDown    atomic.Int64 // remote → local

	transfersDone      atomic.Int64
	transfersCancelled atomic.Int64
	transferBytes      atomic.Int64

	tunnelsRecreated atomic.Int64
	errorsTotal      atomic.Int64

	mu              sync.RWMutex
	startTime       time.Time
	lastHealthCheck time.Time
	lastError       time.Time
	lastErrorMsg    string
	errorsByKind    map[string]int64
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now(), errorsByKind: make(map[string]int64)}
}

// ── Session metrics ──────────────────────────────────────────────────

// SessionOpened records a completed SSH handshake.
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(1)
	c.sessionsTotal.Add(1)
}

// SessionClosed records a session being torn down.
func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(-1)
}

// Reconnect records a session that replaced an earlier one.
func (c *Collector) Reconnect() {
	if c == nil {
		return
	}
	c.reconnects.Add(1)
}

// ActiveSessions returns the number of open SSH sessions.
func (c *Collector) ActiveSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsActive.Load()
}

// TotalSessions returns the lifetime handshake count.
func (c *Collector) TotalSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsTotal.Load()
}

// Reconnects returns the reconnect count.
func (c *Collector) Reconnects() int64 {
	if c == nil {
		return 0
	}
	return c.reconnects.Load()
}

// ── Relay metrics ────────────────────────────────────────────────────

// RelayOpened records a local connection accepted by a tunnel.
func (c *Collector) RelayOpened() {
	if c == nil {
		return
	}
	c.relaysActive.Add(1)
	c.relaysTotal.Add(1)
}

// RelayClosed records a relay finishing and the bytes it moved.
func (c *Collector) RelayClosed(up, down int64) {
	if c == nil {
		return
	}
	c.relaysActive.Add(-1)
	c.bytesUp.Add(up)
	c.bytesDown.Add(down)
}

// ActiveRelays returns the number of live tunnel relays.
func (c *Collector) ActiveRelays() int64 {
	if c == nil {
		return 0
	}
	return c.relaysActive.Load()
}

// BytesUp returns total bytes sent from local clients to the server.
func (c *Collector) BytesUp() int64 {
	if c == nil {
		return 0
	}
	return c.bytesUp.Load()
}

// BytesDown returns total bytes sent from the server to local clients.
func (c *Collector) BytesDown() int64 {
	if c == nil {
		return 0
	}
	return c.bytesDown.Load()
}

// TunnelRecreated records a tunnel being torn down and rebuilt.
func (c *Collector) TunnelRecreated() {
	if c == nil {
		return
	}
	c.tunnelsRecreated.Add(1)
}

// TunnelsRecreated returns the recreate count.
func (c *Collector) TunnelsRecreated() int64 {
	if c == nil {
		return 0
	}
	return c.tunnelsRecreated.Load()
}

// ── Transfer metrics ─────────────────────────────────────────────────

// TransferCompleted records a finished upload or download of n bytes.
func (c *Collector) TransferCompleted(n int64) {
	if c == nil {
		return
	}
	c.transfersDone.Add(1)
	c.transferBytes.Add(n)
}

// TransferCancelled records an aborted transfer.
func (c *Collector) TransferCancelled() {
	if c == nil {
		return
	}
	c.transfersCancelled.Add(1)
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter for kind and stores the
// message.
func (c *Collector) RecordError(kind, msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.errorsByKind[kind]++
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ErrorsByKind returns a copy of the per-kind error counts.
func (c *Collector) ErrorsByKind() map[string]int64 {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int64, len(c.errorsByKind))
	for k, v := range c.errorsByKind {
		out[k] = v
	}
	return out
}

// ── Health ───────────────────────────────────────────────────────────

// RecordHealthCheck updates the last health check timestamp.
func (c *Collector) RecordHealthCheck() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.lastHealthCheck = time.Now()
	c.mu.Unlock()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime             string           `json:"uptime"`
	SessionsActive     int64            `json:"sessions_active"`
	SessionsTotal      int64            `json:"sessions_total"`
	Reconnects         int64            `json:"reconnects"`
	RelaysActive       int64            `json:"relays_active"`
	RelaysTotal        int64            `json:"relays_total"`
	BytesUp            int64            `json:"bytes_up"`
	BytesDown          int64            `json:"bytes_down"`
	TransfersCompleted int64            `json:"transfers_completed"`
	TransfersCancelled int64            `json:"transfers_cancelled"`
	TransferBytes      int64            `json:"transfer_bytes"`
	TunnelsRecreated   int64            `json:"tunnels_recreated"`
	ErrorsTotal        int64            `json:"errors_total"`
	ErrorsByKind       map[string]int64 `json:"errors_by_kind,omitempty"`
	ErrorKinds         []string         `json:"-"`
	LastHealthCheck    string           `json:"last_health_check,omitempty"`
	LastError          string           `json:"last_error,omitempty"`
	LastErrorMessage   string           `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:             time.Since(c.startTime).Truncate(time.Second).String(),
		SessionsActive:     c.sessionsActive.Load(),
		SessionsTotal:      c.sessionsTotal.Load(),
		Reconnects:         c.reconnects.Load(),
		RelaysActive:       c.relaysActive.Load(),
		RelaysTotal:        c.relaysTotal.Load(),
		BytesUp:            c.bytesUp.Load(),
		BytesDown:          c.bytesDown.Load(),
		TransfersCompleted: c.transfersDone.Load(),
		TransfersCancelled: c.transfersCancelled.Load(),
		TransferBytes:      c.transferBytes.Load(),
		TunnelsRecreated:   c.tunnelsRecreated.Load(),
		ErrorsTotal:        c.errorsTotal.Load(),
	}
	if len(c.errorsByKind) > 0 {
		s.ErrorsByKind = make(map[string]int64, len(c.errorsByKind))
		for k, v := range c.errorsByKind {
			s.ErrorsByKind[k] = v
			s.ErrorKinds = append(s.ErrorKinds, k)
		}
		sort.Strings(s.ErrorKinds)
	}
	if !c.lastHealthCheck.IsZero() {
		s.LastHealthCheck = c.lastHealthCheck.Format(time.RFC3339)
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
