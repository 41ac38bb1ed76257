// Package tunnel forwards local TCP ports to services reachable from
// an SSH server, the Go equivalent of ssh -L.
//
// Each [Tunnel] owns a loopback listener and a dedicated
// [remote.Handle].  Every accepted connection gets its own
// direct-tcpip channel, spliced to the local socket by a [RelayPipe].
// A [Registry] keeps tunnels by name and rebuilds the ones that go
// unhealthy.
package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"sshlink/config"
	ncerr "sshlink/internal/errors"
	"sshlink/internal/metrics"
	"sshlink/internal/retry"
	"sshlink/remote"
	"sshlink/util"
)

// Options tunes a [Tunnel].
type Options struct {
	Logger        *util.Logger
	Metrics       *metrics.Collector
	MaxPending    int
	RecreateDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = util.Discard()
	}
	if o.MaxPending <= 0 {
		o.MaxPending = config.DefaultMaxPending
	}
	if o.RecreateDelay <= 0 {
		o.RecreateDelay = config.DefaultRecreateDelay
	}
	return o
}

// Tunnel is one local port forward.
type Tunnel struct {
	ID     uuid.UUID
	name   string
	spec   config.TunnelSpec
	handle *remote.Handle
	opts   Options
	log    *util.Logger

	mu        sync.Mutex
	listener  net.Listener
	accepting bool
	port      int
	cancel    context.CancelFunc
	relays    map[*RelayPipe]struct{}
	started   time.Time
	retired   bool // set once the registry lets go; Start refuses

	wg sync.WaitGroup
}

// New returns a stopped tunnel that forwards through h.  The tunnel
// owns h and disconnects it on Stop.
func New(name string, spec config.TunnelSpec, h *remote.Handle, opts Options) *Tunnel {
	opts = opts.withDefaults()
	return &Tunnel{
		ID:     uuid.New(),
		name:   name,
		spec:   spec,
		handle: h,
		opts:   opts,
		log:    opts.Logger.Named("tunnel " + name),
		relays: make(map[*RelayPipe]struct{}),
	}
}

// Name returns the tunnel's registry name.
func (t *Tunnel) Name() string { return t.name }

// Spec returns the forward definition.
func (t *Tunnel) Spec() config.TunnelSpec { return t.spec }

// Handle returns the tunnel's dedicated connection.
func (t *Tunnel) Handle() *remote.Handle { return t.handle }

// LocalPort returns the bound port, or 0 while stopped.
func (t *Tunnel) LocalPort() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return 0
	}
	return t.port
}

// Start connects the tunnel's handle and binds the local port.  On
// failure nothing is left running.  Starting a running tunnel is a
// no-op, and a retired tunnel never starts again.
func (t *Tunnel) Start(ctx context.Context) error {
	t.mu.Lock()
	running := t.listener != nil
	retired := t.retired
	prevPort := t.port
	t.mu.Unlock()
	if retired {
		return ncerr.Tunnel(t.name, "start", ncerr.ErrTunnelStopped)
	}
	if running {
		return nil
	}

	if err := t.handle.Connect(ctx); err != nil {
		return ncerr.Tunnel(t.name, "connect", err)
	}

	ln, err := t.listen(prevPort)
	if err != nil {
		t.handle.Disconnect()
		return ncerr.Tunnel(t.name, "listen", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	if t.retired {
		t.mu.Unlock()
		cancel()
		ln.Close()
		t.handle.Disconnect()
		return ncerr.Tunnel(t.name, "start", ncerr.ErrTunnelStopped)
	}
	t.listener = ln
	t.accepting = true
	t.port = util.PortOf(ln.Addr())
	t.cancel = cancel
	t.started = time.Now()
	t.mu.Unlock()

	t.wg.Add(1)
	go t.acceptLoop(runCtx, ln)

	t.log.Info("listening on %s → %s", ln.Addr(), t.spec.RemoteAddr())
	return nil
}

// listen binds the configured port.  An ephemeral tunnel that is
// being restarted tries its previous port first so clients can
// reconnect to the same address.
func (t *Tunnel) listen(prevPort int) (net.Listener, error) {
	if t.spec.LocalPort == 0 && prevPort != 0 {
		if ln, err := net.Listen("tcp", util.FormatAddr(config.DefaultLocalAddress, prevPort)); err == nil {
			return ln, nil
		}
	}
	return net.Listen("tcp", util.FormatAddr(config.DefaultLocalAddress, t.spec.LocalPort))
}

func (t *Tunnel) acceptLoop(ctx context.Context, ln net.Listener) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		if t.listener == ln {
			t.accepting = false
		}
		t.mu.Unlock()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !util.IsClosed(err) {
				t.log.Warn("accept: %v", err)
				t.opts.Metrics.RecordError("tunnel", fmt.Sprintf("%s accept: %v", t.name, err))
			}
			return
		}
		t.wg.Add(1)
		go t.serve(ctx, conn)
	}
}

// serve relays one local connection.  Local bytes are buffered while
// the channel is being opened.
func (t *Tunnel) serve(ctx context.Context, conn net.Conn) {
	defer t.wg.Done()

	pipe := NewRelayPipe(conn, t.opts.MaxPending)
	if !t.track(pipe) {
		pipe.Close()
		pipe.Wait()
		return
	}
	defer t.untrack(pipe)
	t.opts.Metrics.RelayOpened()

	from := conn.RemoteAddr()
	t.log.Verbose("connection from %s", from)

	ch, err := t.handle.Dial(ctx, t.spec.RemoteAddr())
	if err != nil {
		t.log.Warn("channel to %s failed: %v", t.spec.RemoteAddr(), err)
		t.opts.Metrics.RecordError("tunnel", ncerr.Tunnel(t.name, "channel", err).Error())
		pipe.Close()
	} else if err := pipe.Attach(ch); err != nil {
		t.log.Debug("attach: %v", err)
	}

	up, down := pipe.Wait()
	t.opts.Metrics.RelayClosed(up, down)
	t.log.Verbose("%s closed (up=%d down=%d)", from, up, down)
}

func (t *Tunnel) track(p *RelayPipe) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return false
	}
	t.relays[p] = struct{}{}
	return true
}

func (t *Tunnel) untrack(p *RelayPipe) {
	t.mu.Lock()
	delete(t.relays, p)
	t.mu.Unlock()
}

// ActiveRelays returns the number of connections being relayed.
func (t *Tunnel) ActiveRelays() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.relays)
}

// retire stops the tunnel for good.
func (t *Tunnel) retire() {
	t.mu.Lock()
	t.retired = true
	t.mu.Unlock()
	t.Stop()
}

// Stop closes the listener, every relay and the tunnel's connection.
// It is safe to call more than once.
func (t *Tunnel) Stop() {
	t.mu.Lock()
	ln := t.listener
	cancel := t.cancel
	t.listener = nil
	t.accepting = false
	t.cancel = nil
	relays := make([]*RelayPipe, 0, len(t.relays))
	for p := range t.relays {
		relays = append(relays, p)
	}
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ln != nil {
		ln.Close()
	}
	for _, p := range relays {
		p.Close()
	}
	t.handle.Disconnect()
	t.wg.Wait()

	if ln != nil {
		t.log.Info("stopped")
	}
}

// IsHealthy reports whether the tunnel is accepting connections and
// its SSH session is alive.
func (t *Tunnel) IsHealthy() bool {
	t.mu.Lock()
	ok := t.listener != nil && t.accepting
	t.mu.Unlock()
	return ok && t.handle.IsConnected()
}

// keepalive pings the session of a tunnel that looks healthy, so that a
// silently dead server is noticed.
func (t *Tunnel) keepalive(ctx context.Context) {
	if !t.IsHealthy() {
		return
	}
	if err := t.handle.Ping(ctx); err != nil {
		t.log.Warn("keepalive failed: %v", err)
	}
}

// RecreateIfNeeded rebuilds an unhealthy tunnel: stop, pause, start.
// It reports whether a rebuild happened.
func (t *Tunnel) RecreateIfNeeded(ctx context.Context) (bool, error) {
	if t.IsHealthy() {
		return false, nil
	}

	t.log.Info("unhealthy, recreating")
	t.Stop()
	if !retry.Sleep(ctx, t.opts.RecreateDelay) {
		return false, ncerr.Tunnel(t.name, "recreate", ctx.Err())
	}
	if err := t.Start(ctx); err != nil {
		return false, err
	}
	t.opts.Metrics.TunnelRecreated()
	return true, nil
}

// Status is a point-in-time view of a tunnel.
type Status struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	LocalPort int    `json:"local_port"`
	Remote    string `json:"remote"`
	Healthy   bool   `json:"healthy"`
	Relays    int    `json:"relays"`
	Uptime    string `json:"uptime,omitempty"`
	Breaker   string `json:"breaker,omitempty"`
}

func (t *Tunnel) status() Status {
	s := Status{
		ID:        t.ID.String(),
		Name:      t.name,
		LocalPort: t.LocalPort(),
		Remote:    t.spec.RemoteAddr(),
		Healthy:   t.IsHealthy(),
		Relays:    t.ActiveRelays(),
	}
	t.mu.Lock()
	if t.listener != nil {
		s.Uptime = time.Since(t.started).Truncate(time.Second).String()
	}
	t.mu.Unlock()
	return s
}
