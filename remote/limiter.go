package remote

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"sshlink/config"
)

// Limiter caps concurrent use of each server.
type Limiter struct {
	max int64

	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

// NewLimiter allows perServer concurrent holders per key.
func NewLimiter(perServer int) *Limiter {
	if perServer <= 0 {
		perServer = config.DefaultMaxConnsPerServer
	}
	return &Limiter{max: int64(perServer), sems: make(map[string]*semaphore.Weighted)}
}

// Acquire blocks until a slot for key is free or ctx is done.  The
// returned func releases the slot and must be called exactly once.
func (l *Limiter) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	sem, ok := l.sems[key]
	if !ok {
		sem = semaphore.NewWeighted(l.max)
		l.sems[key] = sem
	}
	l.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for a connection slot to %s: %w", key, err)
	}
	var once sync.Once
	return func() { once.Do(func() { sem.Release(1) }) }, nil
}

// WithConnection runs fn with the shared handle for p while holding
// one of the server's slots.  The handle is connected before fn runs.
func WithConnection(ctx context.Context, reg *Registry, lim *Limiter, p config.Profile, fn func(*Handle) error) error {
	h, err := reg.Acquire(p)
	if err != nil {
		return err
	}
	release, err := lim.Acquire(ctx, p.Key())
	if err != nil {
		return err
	}
	defer release()

	if err := h.Connect(ctx); err != nil {
		return err
	}
	return fn(h)
}
