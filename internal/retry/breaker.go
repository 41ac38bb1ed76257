package retry

import (
	"fmt"
	"sync"
	"time"

	ncerr "sshlink/internal/errors"
)

// State is a breaker's position.
type State int

const (
	// StateClosed lets every call through.
	StateClosed State = iota
	// StateOpen rejects calls until the cooldown ends.
	StateOpen
	// StateHalfOpen lets one trial call through at a time.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a [CircuitBreaker].  Zero fields
// take the defaults of [DefaultCircuitBreakerConfig].
type CircuitBreakerConfig struct {
	// MaxFailures consecutive failures open the breaker.
	MaxFailures int
	// Cooldown is how long an open breaker rejects calls.
	Cooldown time.Duration
	// CloseAfter trial successes close a half-open breaker.
	CloseAfter int
	// OnStateChange runs on every transition, under the breaker's lock.
	OnStateChange func(from, to State)
}

// DefaultCircuitBreakerConfig returns the tunnel recreation defaults.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		MaxFailures: 5,
		Cooldown:    30 * time.Second,
		CloseAfter:  2,
	}
}

// CircuitBreaker throttles recreation of a tunnel whose server keeps
// failing.  Rejections match [ncerr.ErrCircuitOpen].
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     State
	streak    int
	successes int
	openUntil time.Time
	trial     bool
}

// NewCircuitBreaker returns a closed breaker.  A nil cfg uses the
// defaults.
func NewCircuitBreaker(cfg *CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	c := *def
	if cfg != nil {
		c = *cfg
		if c.MaxFailures <= 0 {
			c.MaxFailures = def.MaxFailures
		}
		if c.Cooldown <= 0 {
			c.Cooldown = def.Cooldown
		}
		if c.CloseAfter <= 0 {
			c.CloseAfter = def.CloseAfter
		}
	}
	return &CircuitBreaker{cfg: c, now: time.Now}
}

// Execute runs fn unless the breaker rejects the call, and records
// the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.record(trial, err)
	return err
}

// CurrentState returns the breaker's state.  An open breaker whose
// cooldown has ended still reports open until the next call.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		now := cb.now()
		if now.Before(cb.openUntil) {
			return false, fmt.Errorf("%w: %d consecutive failures, retry in %v",
				ncerr.ErrCircuitOpen, cb.streak, cb.openUntil.Sub(now).Truncate(time.Millisecond))
		}
		cb.successes = 0
		cb.setState(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.trial {
			return false, fmt.Errorf("%w: trial in progress", ncerr.ErrCircuitOpen)
		}
		cb.trial = true
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) record(trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if trial {
		cb.trial = false
	}

	if err != nil {
		cb.streak++
		if trial || cb.streak >= cb.cfg.MaxFailures {
			cb.openUntil = cb.now().Add(cb.cfg.Cooldown)
			cb.setState(StateOpen)
		}
		return
	}

	if trial {
		cb.successes++
		if cb.successes < cb.cfg.CloseAfter {
			return
		}
	} else if cb.state != StateClosed {
		return
	}
	cb.streak = 0
	cb.setState(StateClosed)
}

func (cb *CircuitBreaker) setState(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}
