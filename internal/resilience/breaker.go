// Package resilience guards speech backends with circuit breakers and ordered
// failover.
//
// A [Breaker] stops calling a backend after repeated failures and lets a few
// trial calls through once its cooldown has passed. A [Group] orders several
// backends of the same kind, each behind its own breaker, and [STT] uses one
// to implement [stt.Provider] on top of a primary recogniser plus fallbacks.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// Closed forwards every call.
	Closed State = iota

	// Open rejects calls with [ErrOpen] until the cooldown elapses.
	Open

	// HalfOpen lets a bounded number of trial calls through. One failed trial
	// re-opens the breaker; enough successful trials close it.
	HalfOpen
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero fields take their defaults.
type BreakerConfig struct {
	// Name labels the breaker in logs and state callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 3.
	MaxFailures int

	// Cooldown is how long the breaker stays open before admitting trial calls. Default: 30s.
	Cooldown time.Duration

	// Trials is the number of successful half-open calls needed to close the
	// breaker, and the number of trial calls allowed in flight. Default: 1.
	Trials int

	// OnStateChange, if set, is called on every transition. It runs with the
	// breaker locked and must not call back into it.
	OnStateChange func(name string, from, to State)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Trials <= 0 {
		c.Trials = 1
	}
	return c
}

// Breaker is a three-state circuit breaker.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	inflight  int
	successes int
}

// NewBreaker returns a closed [Breaker].
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), now: time.Now}
}

// Do runs fn unless the breaker is open, recording its outcome. Context
// cancellation and deadline errors are returned unchanged and do not count
// as failures: the caller gave up, the backend did not.
func (b *Breaker) Do(fn func() error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.record(trial, err)
	return err
}

func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open {
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false, ErrOpen
		}
		b.inflight = 0
		b.successes = 0
		b.transition(HalfOpen)
	}
	if b.state == HalfOpen {
		if b.inflight >= b.cfg.Trials {
			return false, ErrOpen
		}
		b.inflight++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) record(trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial && b.inflight > 0 {
		b.inflight--
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	if err != nil {
		b.failures++
		if (trial && b.state == HalfOpen) || (b.state == Closed && b.failures >= b.cfg.MaxFailures) {
			b.openedAt = b.now()
			b.transition(Open)
		}
		return
	}

	b.failures = 0
	if trial && b.state == HalfOpen {
		b.successes++
		if b.successes >= b.cfg.Trials {
			b.transition(Closed)
		}
	}
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	switch to {
	case Open:
		slog.Warn("resilience: breaker opened", "name", b.cfg.Name, "failures", b.failures, "cooldown", b.cfg.Cooldown)
	case Closed:
		b.failures = 0
		slog.Info("resilience: breaker closed", "name", b.cfg.Name)
	default:
		slog.Info("resilience: breaker half-open", "name", b.cfg.Name)
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

// State reports the current state. An open breaker whose cooldown has passed
// still reports [Open] until the next call is admitted.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inflight = 0
	b.successes = 0
	b.transition(Closed)
	b.failures = 0
}
