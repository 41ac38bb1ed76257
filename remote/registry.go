package remote

import (
	"context"
	"sync"
	"time"

	"sshlink/config"
	"sshlink/internal/retry"
	"sshlink/util"
)

// Registry is the process-wide set of live handles.  Handles that are
// created through [Registry.Acquire] are shared by profile key.
type Registry struct {
	opts       Options
	resetPause time.Duration
	log        *util.Logger

	mu      sync.Mutex
	handles map[*Handle]struct{}
	byKey   map[string]*Handle
}

// NewRegistry returns an empty registry.  opts is used for handles
// created by Acquire.
func NewRegistry(opts Options, resetPause time.Duration) *Registry {
	opts = opts.withDefaults()
	if resetPause <= 0 {
		resetPause = config.DefaultResetPause
	}
	return &Registry{
		opts:       opts,
		resetPause: resetPause,
		log:        opts.Logger.Named("registry"),
		handles:    make(map[*Handle]struct{}),
		byKey:      make(map[string]*Handle),
	}
}

// Register adds h.  Registering twice is harmless.
func (r *Registry) Register(h *Handle) {
	r.mu.Lock()
	r.handles[h] = struct{}{}
	r.mu.Unlock()
}

// Unregister removes h without disconnecting it.
func (r *Registry) Unregister(h *Handle) {
	r.mu.Lock()
	delete(r.handles, h)
	key := h.Profile().Key()
	if r.byKey[key] == h {
		delete(r.byKey, key)
	}
	r.mu.Unlock()
}

// Get returns the shared handle for a user@host:port key.
func (r *Registry) Get(key string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.byKey[key]
	return h, ok
}

// Acquire returns the shared handle for p, creating and registering
// it on first use.  The handle is not connected.
func (r *Registry) Acquire(p config.Profile) (*Handle, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	key := p.Key()

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.byKey[key]; ok {
		return h, nil
	}
	h := NewHandle(p, r.opts)
	r.byKey[key] = h
	r.handles[h] = struct{}{}
	return h, nil
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// ResetAll disconnects every registered handle, pausing between them,
// and clears any in-flight connects.  Handles stay registered and
// reconnect on their next operation.
func (r *Registry) ResetAll(ctx context.Context) {
	r.mu.Lock()
	snapshot := make([]*Handle, 0, len(r.handles))
	for h := range r.handles {
		snapshot = append(snapshot, h)
	}
	r.mu.Unlock()

	r.log.Info("resetting %d connections", len(snapshot))
	// A done ctx only skips the pauses; every handle is still closed.
	for i, h := range snapshot {
		if i > 0 && ctx.Err() == nil {
			retry.Sleep(ctx, r.resetPause)
		}
		h.Disconnect()
	}
	for _, h := range snapshot {
		h.forget()
	}
}
