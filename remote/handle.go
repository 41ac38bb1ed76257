// Package remote manages authenticated SSH sessions to media servers
// and the filesystem and command operations that run over them.
//
// A [Handle] owns at most one live session at a time.  Concurrent
// callers share a single in-flight connect, idle sessions are replaced
// before use, and operations whose session dies mid-flight are retried
// on a fresh one.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/sync/singleflight"

	"sshlink/config"
	ncerr "sshlink/internal/errors"
	"sshlink/internal/metrics"
	"sshlink/internal/retry"
	"sshlink/internal/transport"
	"sshlink/util"
)

// State is the connection state of a [Handle].
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Options tunes a [Handle].  Zero values take the defaults from the
// config package, except IdleTimeout where zero disables idle
// reconnects.
type Options struct {
	Dialer  transport.Dialer
	Logger  *util.Logger
	Metrics *metrics.Collector

	ConnTimeout    time.Duration
	IdleTimeout    time.Duration
	OpTimeout      time.Duration
	ConnectWait    time.Duration
	RetryAttempts  int
	RetryDelay     time.Duration
	ReconnectPause time.Duration
}

// OptionsFrom copies the connection tunables out of cfg.
func OptionsFrom(cfg *config.Config, dialer transport.Dialer, logger *util.Logger, m *metrics.Collector) Options {
	return Options{
		Dialer:        dialer,
		Logger:        logger,
		Metrics:       m,
		ConnTimeout:   cfg.ConnTimeout,
		IdleTimeout:   cfg.IdleTimeout,
		OpTimeout:     cfg.OpTimeout,
		ConnectWait:   cfg.ConnectWait,
		RetryAttempts: cfg.RetryAttempts,
		RetryDelay:    cfg.RetryDelay,
	}
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = util.Discard()
	}
	if o.ConnTimeout <= 0 {
		o.ConnTimeout = config.DefaultConnTimeout
	}
	if o.IdleTimeout < 0 {
		o.IdleTimeout = 0
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = config.DefaultOpTimeout
	}
	if o.ConnectWait <= 0 {
		o.ConnectWait = config.DefaultConnectWait
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = config.DefaultRetryAttempts
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = config.DefaultRetryDelay
	}
	if o.ReconnectPause <= 0 {
		o.ReconnectPause = 500 * time.Millisecond
	}
	return o
}

const connectKey = "connect"

// Handle is a managed connection to one server profile.
type Handle struct {
	profile config.Profile
	opts    Options
	log     *util.Logger

	flight singleflight.Group

	mu         sync.Mutex
	state      State
	sess       *session
	lastActive time.Time
	epoch      uint64 // bumped by Disconnect; connects that straddle it are discarded
	connects   int
}

// NewHandle returns a disconnected handle for p.  Nothing is dialed
// until the first operation.
func NewHandle(p config.Profile, opts Options) *Handle {
	opts = opts.withDefaults()
	return &Handle{
		profile: p,
		opts:    opts,
		log:     opts.Logger.Named(p.SecretName()),
	}
}

// Profile returns the server profile.
func (h *Handle) Profile() config.Profile { return h.profile }

// State returns the current connection state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// LastActive returns when an operation last succeeded.
func (h *Handle) LastActive() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastActive
}

// IsConnected reports whether a live session exists.  It does not
// consider idleness.
func (h *Handle) IsConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == Connected && h.sess != nil && h.sess.alive()
}

// usableLocked reports whether the current session can serve an
// operation without reconnecting.  h.mu must be held.
func (h *Handle) usableLocked(now time.Time) bool {
	if h.state != Connected || h.sess == nil || !h.sess.alive() {
		return false
	}
	return h.opts.IdleTimeout <= 0 || now.Sub(h.lastActive) <= h.opts.IdleTimeout
}

// Connect makes sure a fresh session exists.  Callers that arrive
// while a connect is in flight wait for it instead of dialing again.
func (h *Handle) Connect(ctx context.Context) error {
	h.mu.Lock()
	ok := h.usableLocked(time.Now())
	h.mu.Unlock()
	if ok {
		return nil
	}
	return h.connectShared(ctx)
}

func (h *Handle) connectShared(ctx context.Context) error {
	ch := h.flight.DoChan(connectKey, func() (interface{}, error) {
		return nil, h.establish()
	})

	wait := time.NewTimer(h.opts.ConnectWait)
	defer wait.Stop()

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("connect %s: %w", h.profile.Addr(), ctx.Err())
	case <-wait.C:
		return ncerr.Wrap("connect", h.profile.Addr(), ncerr.ErrTimeout)
	}
}

// establish runs inside the singleflight group.  The dial uses its own
// context so that one impatient waiter does not abort the connect for
// everyone else.
func (h *Handle) establish() error {
	h.mu.Lock()
	if h.usableLocked(time.Now()) {
		h.mu.Unlock()
		return nil
	}
	old := h.sess
	h.sess = nil
	h.state = Connecting
	epoch := h.epoch
	h.mu.Unlock()

	if old != nil {
		h.log.Verbose("replacing idle or dead session")
		old.close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.opts.ConnTimeout)
	defer cancel()

	h.log.Verbose("connecting to %s", h.profile.Key())
	client, err := h.opts.Dialer.DialSSH(ctx, h.profile)

	h.mu.Lock()
	if err != nil {
		if h.epoch == epoch {
			h.state = Disconnected
		}
		h.mu.Unlock()
		h.opts.Metrics.RecordError(errorKind(err), err.Error())
		h.log.Warn("connect failed: %v", err)
		return err
	}
	if h.epoch != epoch {
		h.mu.Unlock()
		client.Close()
		return fmt.Errorf("connect %s: %w", h.profile.Addr(), ncerr.ErrCancelled)
	}
	s := newSession(client, h.opts.Metrics)
	h.sess = s
	h.state = Connected
	h.lastActive = time.Now()
	h.connects++
	reconnect := h.connects > 1
	h.mu.Unlock()

	h.opts.Metrics.SessionOpened()
	if reconnect {
		h.opts.Metrics.Reconnect()
	}
	go h.watch(s)
	h.log.Info("connected to %s", h.profile.Key())
	return nil
}

// watch marks s dead as soon as the server side goes away.
func (h *Handle) watch(s *session) {
	err := s.client.Wait()
	s.close()

	h.mu.Lock()
	current := h.sess == s
	if current {
		h.sess = nil
		h.state = Disconnected
	}
	h.mu.Unlock()

	if current {
		h.log.Verbose("session closed: %v", err)
	}
}

// Disconnect closes the session if one exists.  It is safe to call at
// any time, any number of times.  A connect in flight is discarded
// when it completes.
func (h *Handle) Disconnect() {
	h.mu.Lock()
	s := h.sess
	h.sess = nil
	h.state = Disconnected
	h.epoch++
	h.mu.Unlock()

	if s != nil {
		s.close()
		h.log.Verbose("disconnected")
	}
}

// ForceReconnect drops the current session and connects again after a
// short pause.
func (h *Handle) ForceReconnect(ctx context.Context) error {
	h.Disconnect()
	if !retry.Sleep(ctx, h.opts.ReconnectPause) {
		return fmt.Errorf("reconnect %s: %w", h.profile.Addr(), ctx.Err())
	}
	return h.Connect(ctx)
}

// forget lets the next Connect start a new dial even if an earlier one
// is still running.
func (h *Handle) forget() { h.flight.Forget(connectKey) }

// dropSession discards s if it is still current.  Unlike Disconnect it
// leaves an in-flight connect alone.
func (h *Handle) dropSession(s *session) {
	h.mu.Lock()
	if h.sess == s {
		h.sess = nil
		h.state = Disconnected
	}
	h.mu.Unlock()
	s.close()
}

func (h *Handle) touch(s *session) {
	h.mu.Lock()
	if h.sess == s {
		h.lastActive = time.Now()
	}
	h.mu.Unlock()
}

// ensureValid returns a session that is connected, alive and not idle,
// reconnecting if necessary.
func (h *Handle) ensureValid(ctx context.Context) (*session, error) {
	h.mu.Lock()
	now := time.Now()
	if h.usableLocked(now) {
		s := h.sess
		h.mu.Unlock()
		return s, nil
	}
	if h.sess != nil && h.sess.alive() {
		h.log.Verbose("session idle for %v, reconnecting", now.Sub(h.lastActive).Truncate(time.Second))
	}
	h.mu.Unlock()

	if err := h.connectShared(ctx); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sess == nil {
		return nil, ncerr.Wrap("connect", h.profile.Addr(), ncerr.ErrNotConnected)
	}
	return h.sess, nil
}

// do runs fn against a valid session.  If the session dies underneath
// fn, the session is dropped and fn is retried on a new one.  A timeout
// or any other failure is returned at once.
func (h *Handle) do(ctx context.Context, op, path string, fn func(s *session) error) error {
	var lost bool
	policy := retry.Fixed(h.opts.RetryDelay, h.opts.RetryAttempts)
	err := policy.Do(ctx, func(attempt int) error {
		lost = false
		s, err := h.ensureValid(ctx)
		if err != nil {
			return retry.Permanent(err)
		}

		err = h.bounded(ctx, s, func() error { return fn(s) })
		if err == nil {
			h.touch(s)
			return nil
		}
		// A hung call already used its OpTimeout; retrying would
		// multiply it.
		if errors.Is(err, ncerr.ErrTimeout) {
			return retry.Permanent(err)
		}
		if sessionLost(s, err) {
			lost = true
			h.log.Warn("%s %s: session lost (attempt %d/%d): %v", op, path, attempt, h.opts.RetryAttempts, err)
			h.dropSession(s)
			return err
		}
		return retry.Permanent(err)
	})
	if err == nil {
		return nil
	}
	if lost {
		err = ncerr.Wrap(op, h.profile.Addr(), err)
	}
	return h.fail(op, path, err)
}

// bounded runs fn with the per-operation timeout.  A call that
// overruns it has its session dropped, which also unblocks fn.
func (h *Handle) bounded(ctx context.Context, s *session, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, h.opts.OpTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			h.log.Warn("operation exceeded %v, dropping session", h.opts.OpTimeout)
			h.dropSession(s)
			return ncerr.Wrap("remote", h.profile.Addr(), ncerr.ErrTimeout)
		}
		return fmt.Errorf("%w: %w", ncerr.ErrCancelled, ctx.Err())
	}
}

// fail classifies err for the caller and records it.
func (h *Handle) fail(op, path string, err error) error {
	var (
		netErr    *ncerr.NetworkError
		sshErr    *ncerr.SSHError
		cfgErr    *ncerr.ConfigError
		remoteErr *ncerr.RemoteError
	)
	switch {
	case ncerr.IsCancelled(err), ncerr.IsAuth(err),
		errors.As(err, &netErr), errors.As(err, &sshErr),
		errors.As(err, &cfgErr), errors.As(err, &remoteErr):
	default:
		err = ncerr.Remote(op, path, err)
	}
	if !ncerr.IsCancelled(err) && !ncerr.IsNotFound(err) {
		h.opts.Metrics.RecordError(errorKind(err), err.Error())
	}
	return err
}

// Ping sends an OpenSSH keepalive on the current session.  It never
// reconnects; a failed ping drops the session.
func (h *Handle) Ping(ctx context.Context) error {
	h.mu.Lock()
	s := h.sess
	h.mu.Unlock()
	if s == nil || !s.alive() {
		return ncerr.Wrap("ping", h.profile.Addr(), ncerr.ErrNotConnected)
	}
	err := h.bounded(ctx, s, func() error {
		_, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil)
		return err
	})
	if err != nil {
		h.dropSession(s)
		return ncerr.Wrap("ping", h.profile.Addr(), err)
	}
	return nil
}

// Dial opens a direct-tcpip channel to addr as seen from the server.
func (h *Handle) Dial(ctx context.Context, addr string) (net.Conn, error) {
	s, err := h.ensureValid(ctx)
	if err != nil {
		return nil, err
	}

	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		c, err := s.client.Dial("tcp", addr)
		done <- result{c, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if !s.alive() {
				h.dropSession(s)
			}
			return nil, ncerr.Wrap("channel", addr, r.err)
		}
		h.touch(s)
		return r.conn, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ncerr.Wrap("channel", addr, ctx.Err())
	}
}

// sessionLost reports whether err means the transport under s is gone
// rather than the operation itself failing.
func sessionLost(s *session, err error) bool {
	if !s.alive() {
		return true
	}
	switch {
	case errors.Is(err, sftp.ErrSSHFxConnectionLost),
		errors.Is(err, sftp.ErrSSHFxNoConnection),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed):
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "unexpected server disconnect") ||
		strings.Contains(msg, "connection lost")
}

// errorKind buckets err for metrics.
func errorKind(err error) string {
	var (
		netErr    *ncerr.NetworkError
		cfgErr    *ncerr.ConfigError
		sshErr    *ncerr.SSHError
		tunnelErr *ncerr.TunnelError
	)
	switch {
	case ncerr.IsAuth(err):
		return "auth"
	case errors.As(err, &cfgErr):
		return "config"
	case errors.As(err, &netErr), errors.As(err, &sshErr):
		return "network"
	case errors.As(err, &tunnelErr):
		return "tunnel"
	default:
		return "remote"
	}
}
