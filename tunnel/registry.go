package tunnel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"sshlink/config"
	ncerr "sshlink/internal/errors"
	"sshlink/internal/retry"
	"sshlink/remote"
	"sshlink/util"
)

// RegistryOptions configures a [Registry].
type RegistryOptions struct {
	// Profile is the server new tunnels connect to.
	Profile config.Profile
	// Remote configures each tunnel's dedicated handle.  IdleTimeout
	// is forced to zero: a tunnel session is never idle while relays
	// are open.
	Remote remote.Options
	Tunnel Options
	// Breaker guards each tunnel's recreation.  Nil uses the defaults.
	Breaker *retry.CircuitBreakerConfig
	// Connections, if set, receives every tunnel handle so that a
	// connection reset also covers tunnels.
	Connections *remote.Registry
}

type entry struct {
	t       *Tunnel
	breaker *retry.CircuitBreaker
}

// Registry holds tunnels by name, at most one per name.
type Registry struct {
	opts RegistryOptions
	log  *util.Logger

	mu      sync.Mutex
	tunnels map[string]*entry
}

// NewRegistry returns an empty registry.
func NewRegistry(opts RegistryOptions) *Registry {
	opts.Tunnel = opts.Tunnel.withDefaults()
	opts.Remote.IdleTimeout = 0
	if opts.Remote.Logger == nil {
		opts.Remote.Logger = opts.Tunnel.Logger
	}
	if opts.Remote.Metrics == nil {
		opts.Remote.Metrics = opts.Tunnel.Metrics
	}
	return &Registry{
		opts:    opts,
		log:     opts.Tunnel.Logger.Named("tunnels"),
		tunnels: make(map[string]*entry),
	}
}

func (r *Registry) newBreaker(name string) *retry.CircuitBreaker {
	cfg := retry.DefaultCircuitBreakerConfig()
	if r.opts.Breaker != nil {
		c := *r.opts.Breaker
		cfg = &c
	}
	log := r.log
	cfg.OnStateChange = func(from, to retry.State) {
		log.Info("%s: recreate breaker %s → %s", name, from, to)
	}
	return retry.NewCircuitBreaker(cfg)
}

// Store puts t under name.  A different tunnel already stored under
// name is retired, so its port is free when Store returns and it can
// never start again.
func (r *Registry) Store(name string, t *Tunnel) {
	r.mu.Lock()
	old := r.tunnels[name]
	if old != nil && old.t == t {
		r.mu.Unlock()
		return
	}
	r.tunnels[name] = &entry{t: t, breaker: r.newBreaker(name)}
	r.mu.Unlock()

	if old != nil {
		r.release(old.t)
	}
}

// Get returns the tunnel stored under name.
func (r *Registry) Get(name string) (*Tunnel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tunnels[name]
	if !ok {
		return nil, false
	}
	return e.t, true
}

// Remove stops and forgets the tunnel under name.  It reports whether
// one existed.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	e, ok := r.tunnels[name]
	delete(r.tunnels, name)
	r.mu.Unlock()

	if ok {
		r.release(e.t)
	}
	return ok
}

// Len returns the number of stored tunnels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tunnels)
}

// TeardownAll stops every tunnel and empties the registry.
func (r *Registry) TeardownAll() {
	r.mu.Lock()
	all := r.tunnels
	r.tunnels = make(map[string]*entry)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range all {
		wg.Add(1)
		go func(t *Tunnel) {
			defer wg.Done()
			r.release(t)
		}(e.t)
	}
	wg.Wait()
	if len(all) > 0 {
		r.log.Info("tore down %d tunnels", len(all))
	}
}

func (r *Registry) release(t *Tunnel) {
	t.retire()
	if r.opts.Connections != nil {
		r.opts.Connections.Unregister(t.Handle())
	}
}

// Open builds a tunnel with its own connection, stores it under name
// and starts it.  A start failure leaves nothing stored.  If a
// concurrent Open replaces the tunnel before it is listening, this
// call fails with ErrTunnelStopped.
func (r *Registry) Open(ctx context.Context, name string, spec config.TunnelSpec) (*Tunnel, error) {
	if err := spec.Validate(); err != nil {
		return nil, ncerr.Tunnel(name, "config", err)
	}
	spec.Name = name

	h := remote.NewHandle(r.opts.Profile, r.opts.Remote)
	t := New(name, spec, h, r.opts.Tunnel)
	if r.opts.Connections != nil {
		r.opts.Connections.Register(h)
	}
	r.Store(name, t)

	if err := t.Start(ctx); err != nil {
		r.mu.Lock()
		if e, ok := r.tunnels[name]; ok && e.t == t {
			delete(r.tunnels, name)
		}
		r.mu.Unlock()
		r.release(t)
		return nil, err
	}
	return t, nil
}

// EnsureHealthy checks the named tunnel and recreates it if it is
// unhealthy.  Repeated recreate failures open the tunnel's breaker,
// after which attempts are skipped until its cooldown ends.
func (r *Registry) EnsureHealthy(ctx context.Context, name string) error {
	r.mu.Lock()
	e, ok := r.tunnels[name]
	r.mu.Unlock()
	if !ok {
		return ncerr.Tunnel(name, "health", fmt.Errorf("no such tunnel"))
	}

	e.t.keepalive(ctx)
	return e.breaker.Execute(func() error {
		if !r.holds(name, e) {
			return nil
		}
		recreated, err := e.t.RecreateIfNeeded(ctx)
		if err != nil && !r.holds(name, e) {
			// Released while recreating; it stays stopped.
			return nil
		}
		if recreated {
			r.log.Info("%s recreated on port %d", name, e.t.LocalPort())
		}
		return err
	})
}

// holds reports whether e is still the entry stored under name.
func (r *Registry) holds(name string, e *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tunnels[name] == e
}

// EnsureAllHealthy runs [Registry.EnsureHealthy] for every tunnel
// concurrently and returns the first failure.
func (r *Registry) EnsureAllHealthy(ctx context.Context) error {
	r.mu.Lock()
	names := make([]string, 0, len(r.tunnels))
	for name := range r.tunnels {
		names = append(names, name)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, name := range names {
		name := name
		g.Go(func() error {
			err := r.EnsureHealthy(ctx, name)
			if err != nil {
				r.log.Warn("%s: %v", name, err)
			}
			return err
		})
	}
	return g.Wait()
}

// Monitor runs the health sweep every interval until ctx is done.
func (r *Registry) Monitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = config.DefaultHealthInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.EnsureAllHealthy(ctx) //nolint:errcheck // logged per tunnel
			r.opts.Tunnel.Metrics.RecordHealthCheck()
		}
	}
}

// Snapshot returns the status of every tunnel, sorted by name.
func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.tunnels))
	for _, e := range r.tunnels {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		s := e.t.status()
		s.Breaker = e.breaker.CurrentState().String()
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
