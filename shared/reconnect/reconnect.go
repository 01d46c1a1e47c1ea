// Package reconnect provides the retry policy shared by the agent wrapper's
// control-plane session and any other long-lived client: exponential backoff
// with jitter, wrapped by a circuit breaker.
//
// The breaker opens after a run of consecutive failures and refuses attempts
// for a cool-down period. One trial attempt is allowed after the cool-down
// (half-open); success closes the breaker, failure re-opens it.
package reconnect

import (
	"math/rand"
	"sync"
	"time"
)

const (
	// jitterFraction adds up to ±20% random jitter to each backoff interval
	// to prevent thundering herd when many wrappers reconnect simultaneously.
	jitterFraction = 0.2
)

// BackoffConfig parameterises the exponential backoff schedule.
type BackoffConfig struct {
	Base        time.Duration // first delay (default 1s)
	Factor      float64       // multiplier per attempt (default 2)
	Max         time.Duration // delay cap (default 30s)
	MaxAttempts int           // 0 means unlimited
}

func (c *BackoffConfig) withDefaults() BackoffConfig {
	out := *c
	if out.Base <= 0 {
		out.Base = time.Second
	}
	if out.Factor <= 1 {
		out.Factor = 2
	}
	if out.Max <= 0 {
		out.Max = 30 * time.Second
	}
	return out
}

// Backoff tracks the attempt counter for one reconnect cycle.
// Not safe for concurrent use — each session owns its own Backoff.
type Backoff struct {
	cfg     BackoffConfig
	attempt int
}

// NewBackoff returns a Backoff with cfg defaults applied.
func NewBackoff(cfg BackoffConfig) *Backoff {
	return &Backoff{cfg: cfg.withDefaults()}
}

// Next returns the delay before the next attempt and whether another attempt
// is allowed. The returned delay carries ±20% jitter.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.cfg.MaxAttempts > 0 && b.attempt >= b.cfg.MaxAttempts {
		return 0, false
	}

	d := float64(b.cfg.Base)
	for i := 0; i < b.attempt; i++ {
		d *= b.cfg.Factor
		if d >= float64(b.cfg.Max) {
			d = float64(b.cfg.Max)
			break
		}
	}
	b.attempt++

	return jitter(time.Duration(d)), true
}

// Attempt returns how many delays have been handed out this cycle.
func (b *Backoff) Attempt() int { return b.attempt }

// Reset restarts the schedule after a successful connection.
func (b *Backoff) Reset() { b.attempt = 0 }

// jitter perturbs d by up to ±jitterFraction.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}

// BreakerState is the observable state of a CircuitBreaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// BreakerConfig parameterises a CircuitBreaker.
type BreakerConfig struct {
	// FailureThreshold is the run of consecutive failures that opens the
	// breaker. Default 5.
	FailureThreshold int
	// CoolDown is how long the breaker stays open before permitting one
	// trial attempt. Default 60s.
	CoolDown time.Duration
	// OnStateChange, if set, is invoked (outside the breaker lock) whenever
	// the state transitions.
	OnStateChange func(from, to BreakerState)
}

// CircuitBreaker guards reconnection attempts. Safe for concurrent use.
type CircuitBreaker struct {
	mu           sync.Mutex
	cfg          BreakerConfig
	state        BreakerState
	failures     int
	openedAt     time.Time
	trialPending bool

	now func() time.Time // injectable clock for tests
}

// NewBreaker returns a closed CircuitBreaker with cfg defaults applied.
func NewBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 60 * time.Second
	}
	return &CircuitBreaker{
		cfg:   cfg,
		state: BreakerClosed,
		now:   time.Now,
	}
}

// CanAttempt reports whether a connection attempt is currently permitted.
// When the cool-down has elapsed it transitions open → half-open and allows
// exactly one trial attempt until RecordSuccess or RecordFailure is called.
func (cb *CircuitBreaker) CanAttempt() bool {
	cb.mu.Lock()

	switch cb.state {
	case BreakerClosed:
		cb.mu.Unlock()
		return true

	case BreakerOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.CoolDown {
			cb.mu.Unlock()
			return false
		}
		notify := cb.transition(BreakerHalfOpen)
		cb.trialPending = true
		cb.mu.Unlock()
		notify()
		return true

	case BreakerHalfOpen:
		allowed := cb.trialPending
		cb.trialPending = false
		cb.mu.Unlock()
		return allowed
	}

	cb.mu.Unlock()
	return false
}

// RecordSuccess closes the breaker and clears the failure run.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	cb.failures = 0
	notify := func() {}
	if cb.state != BreakerClosed {
		notify = cb.transition(BreakerClosed)
	}
	cb.mu.Unlock()
	notify()
}

// RecordFailure notes a failed attempt. A half-open trial failure re-opens
// immediately; in the closed state the breaker opens once the consecutive
// failure threshold is reached.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	cb.failures++
	notify := func() {}

	switch cb.state {
	case BreakerHalfOpen:
		cb.openedAt = cb.now()
		notify = cb.transition(BreakerOpen)
	case BreakerClosed:
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.openedAt = cb.now()
			notify = cb.transition(BreakerOpen)
		}
	}
	cb.mu.Unlock()
	notify()
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// transition flips the state and returns the deferred notification callback.
// Must be called with cb.mu held; the returned func must be called after the
// lock is released so OnStateChange never runs under the lock.
func (cb *CircuitBreaker) transition(to BreakerState) func() {
	from := cb.state
	cb.state = to
	if cb.cfg.OnStateChange == nil || from == to {
		return func() {}
	}
	fn := cb.cfg.OnStateChange
	return func() { fn(from, to) }
}
