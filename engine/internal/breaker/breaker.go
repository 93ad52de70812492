package breaker

// Shared three-state circuit breaker. Two counting modes exist in the
// control plane: subject breakers reset the failure counter on any success,
// token breakers decrement it. Both share transitions:
//
//	closed    + N consecutive failures -> open (cooldownUntil = now + cooldown)
//	open      + cooldown elapsed       -> half_open (time is the only way out)
//	half_open + success                -> closed
//	half_open + failure                -> open, cooldown doubled up to MaxBackoff

import (
	"sync"
	"time"

	"cadence/engine/models"
)

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// SystemClock is the default wall clock.
var SystemClock Clock = realClock{}

type Mode int

const (
	// ModeSubject: success in closed state resets the failure counter.
	ModeSubject Mode = iota
	// ModeToken: success decrements the counter (floor 0); counter <= 1
	// closes the breaker and clears cooldown.
	ModeToken
)

type Options struct {
	Mode             Mode
	FailureThreshold int           // consecutive failures to trip; 0 => 5
	Cooldown         time.Duration // initial open duration; 0 => 30s
	MaxBackoff       time.Duration // cap for exponential extension; 0 => 5m
	Clock            Clock
	// OnTransition is invoked outside the lock on every state change.
	OnTransition func(from, to models.CircuitState)
}

type Breaker struct {
	opts Options

	mu            sync.Mutex
	state         models.CircuitState
	failures      int
	reopenings    int // consecutive half_open failures, drives backoff doubling
	lastFailure   time.Time
	cooldownUntil time.Time
}

type Snapshot struct {
	State         models.CircuitState `json:"state"`
	Failures      int                 `json:"failures"`
	LastFailure   time.Time           `json:"lastFailure,omitempty"`
	CooldownUntil time.Time           `json:"cooldownUntil,omitempty"`
}

func New(opts Options) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	return &Breaker{opts: opts}
}

// Allow reports whether a call may proceed, promoting open -> half_open
// once the cooldown has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	now := b.opts.Clock.Now()
	if b.state == models.CircuitOpen && !now.Before(b.cooldownUntil) {
		b.setStateLocked(models.CircuitHalfOpen)
	}
	allowed := b.state != models.CircuitOpen
	b.mu.Unlock()
	return allowed
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	now := b.opts.Clock.Now()
	if b.state == models.CircuitOpen && !now.Before(b.cooldownUntil) {
		b.setStateLocked(models.CircuitHalfOpen)
	}
	switch b.opts.Mode {
	case ModeToken:
		if b.failures > 0 {
			b.failures--
		}
		if b.failures <= 1 {
			b.cooldownUntil = time.Time{}
			b.reopenings = 0
			b.setStateLocked(models.CircuitClosed)
		} else if b.state == models.CircuitHalfOpen {
			b.setStateLocked(models.CircuitClosed)
		}
	default:
		if b.state == models.CircuitOpen {
			// Still cooling down: only time leaves the open state.
			break
		}
		b.failures = 0
		if b.state == models.CircuitHalfOpen {
			b.reopenings = 0
			b.cooldownUntil = time.Time{}
		}
		b.setStateLocked(models.CircuitClosed)
	}
	b.mu.Unlock()
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	now := b.opts.Clock.Now()
	b.lastFailure = now
	if b.state == models.CircuitOpen && !now.Before(b.cooldownUntil) {
		b.setStateLocked(models.CircuitHalfOpen)
	}
	switch b.state {
	case models.CircuitHalfOpen:
		// Extend the cooldown exponentially, doubling per failed probe.
		b.reopenings++
		d := b.opts.Cooldown << uint(b.reopenings)
		if d > b.opts.MaxBackoff || d <= 0 {
			d = b.opts.MaxBackoff
		}
		b.cooldownUntil = now.Add(d)
		b.failures++
		b.setStateLocked(models.CircuitOpen)
	default:
		b.failures++
		if b.failures >= b.opts.FailureThreshold && b.state == models.CircuitClosed {
			b.cooldownUntil = now.Add(b.opts.Cooldown)
			b.setStateLocked(models.CircuitOpen)
		}
	}
	b.mu.Unlock()
}

// State returns the current state, applying time-based promotion first.
func (b *Breaker) State() models.CircuitState {
	b.mu.Lock()
	if b.state == models.CircuitOpen && !b.opts.Clock.Now().Before(b.cooldownUntil) {
		b.setStateLocked(models.CircuitHalfOpen)
	}
	s := b.state
	b.mu.Unlock()
	return s
}

func (b *Breaker) Snapshot() Snapshot {
	state := b.State()
	b.mu.Lock()
	snap := Snapshot{State: state, Failures: b.failures, LastFailure: b.lastFailure, CooldownUntil: b.cooldownUntil}
	b.mu.Unlock()
	return snap
}

func (b *Breaker) setStateLocked(to models.CircuitState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if cb := b.opts.OnTransition; cb != nil {
		// Callbacks must not re-enter the breaker; invoke without the lock.
		b.mu.Unlock()
		cb(from, to)
		b.mu.Lock()
	}
}
