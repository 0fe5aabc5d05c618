// Package circuitbreaker stops calling an RPC endpoint after repeated failures
// and probes it again after a cool-down.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned by Do while the breaker rejects calls
var ErrOpen = fmt.Errorf("circuit breaker is open")

// State represents the breaker state
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls fail fast
	StateHalfOpen              // one probe at a time
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

// Config holds the configuration for a breaker
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker
	FailureThreshold int

	// SuccessThreshold is the number of consecutive half-open successes that closes it
	SuccessThreshold int

	// Cooldown is how long the breaker stays open before probing
	Cooldown time.Duration

	// OnStateChange is called synchronously, outside the breaker lock
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the default breaker configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
	}
}

// Breaker guards one endpoint
type Breaker struct {
	name   string
	config Config
	now    func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	probing   bool
}

// New creates a closed breaker. Non-positive config values fall back to the defaults.
func New(name string, config Config) *Breaker {
	def := DefaultConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	return &Breaker{
		name:   name,
		config: config,
		now:    time.Now,
		state:  StateClosed,
	}
}

// State returns the current state, reporting half-open once the cooldown passed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.config.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Do runs fn unless the breaker is open. Context cancellation by the caller is
// not counted as an endpoint failure.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	switch {
	case err == nil:
		b.record(true)
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		b.abandon()
	default:
		b.record(false)
	}
	return err
}

// Call is Do for functions returning a value.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := b.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.stateLocked() {
	case StateOpen:
		return fmt.Errorf("%w: %s", ErrOpen, b.name)
	case StateHalfOpen:
		if b.probing {
			return fmt.Errorf("%w: %s is being probed", ErrOpen, b.name)
		}
		b.probing = true
		b.state = StateHalfOpen
	}
	return nil
}

func (b *Breaker) abandon() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	from := b.stateLocked()
	to := from
	b.probing = false

	if success {
		b.failures = 0
		b.successes++
		if from == StateHalfOpen && b.successes >= b.config.SuccessThreshold {
			to = StateClosed
			b.successes = 0
		}
	} else {
		b.successes = 0
		b.failures++
		if from == StateHalfOpen || b.failures >= b.config.FailureThreshold {
			to = StateOpen
			b.openedAt = b.now()
		}
	}
	b.state = to
	cb := b.config.OnStateChange
	b.mu.Unlock()

	if cb != nil && from != to {
		cb(b.name, from, to)
	}
}

// Reset closes the breaker and clears its counters
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.probing = false
}
