package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errSessionLost = errors.New("sftp: session lost")

// BenchmarkFixed_Healthy is a remote call that succeeds on the live
// session, the path nearly every operation takes.
func BenchmarkFixed_Healthy(b *testing.B) {
	policy := Fixed(time.Second, 3)
	ctx := context.Background()

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if err := policy.Do(ctx, func(_ int) error { return nil }); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkFixed_ReconnectOnce is a call whose session died once and
// succeeded on the replacement.
func BenchmarkFixed_ReconnectOnce(b *testing.B) {
	policy := Fixed(0, 3)
	ctx := context.Background()

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		err := policy.Do(ctx, func(attempt int) error {
			if attempt == 1 {
				return errSessionLost
			}
			return nil
		})
		if err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkFixed_RemoteError is a call the server refused, returned
// without another attempt.
func BenchmarkFixed_RemoteError(b *testing.B) {
	policy := Fixed(time.Second, 3)
	ctx := context.Background()
	refused := errors.New("permission denied")

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if err := policy.Do(ctx, func(_ int) error { return Permanent(refused) }); err != refused {
			b.Fatal(err)
		}
	}
}

// BenchmarkBreaker_HealthCheck is a monitor pass over a healthy tunnel.
func BenchmarkBreaker_HealthCheck(b *testing.B) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		cb.Execute(func() error { return nil }) //nolint:errcheck
	}
}

// BenchmarkBreaker_RejectWhileOpen is a monitor pass over a tunnel
// whose recreation keeps failing.
func BenchmarkBreaker_RejectWhileOpen(b *testing.B) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{MaxFailures: 1, Cooldown: time.Hour})
	cb.Execute(func() error { return errSessionLost }) //nolint:errcheck

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		cb.Execute(func() error { return nil }) //nolint:errcheck
	}
}

// BenchmarkBreaker_Parallel is the monitor and on-demand checks
// hitting one tunnel's breaker at once.
func BenchmarkBreaker_Parallel(b *testing.B) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())

	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			cb.Execute(func() error { return nil }) //nolint:errcheck
		}
	})
}
