package reasoning

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
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

// ErrBreakerOpen is returned by Allow while the breaker refuses calls.
var ErrBreakerOpen = errors.New("reasoning: circuit breaker open")

const (
	// windowSize is the rolling outcome window tracked in the closed state.
	windowSize = 20
	// tripFailures opens the breaker once the window holds this many failures.
	tripFailures = 5

	baseOpenDuration = 30 * time.Second
	maxOpenDuration  = 300 * time.Second
)

// Breaker guards the reasoning service. Closed tracks a rolling window of
// the last 20 call outcomes and opens at 5 failures; Open fails fast with
// an exponentially growing cooldown; Half-Open admits exactly one probe.
type Breaker struct {
	logger *slog.Logger
	now    func() time.Time // injectable clock for tests

	mu         sync.Mutex
	state      State
	window     [windowSize]bool // true = failure
	windowPos  int
	windowLen  int
	failures   int
	openedAt   time.Time
	openCycles int // consecutive opens without an intervening success
	probing    bool
}

// NewBreaker creates a closed breaker.
func NewBreaker(logger *slog.Logger) *Breaker {
	return &Breaker{
		logger: logger.With("component", "breaker"),
		now:    time.Now,
	}
}

// Allow reports whether a call may proceed. In Open state it fails fast
// until the cooldown elapses, then transitions to Half-Open and admits a
// single probe; concurrent callers during the probe are refused.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.openDuration() {
			return ErrBreakerOpen
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return ErrBreakerOpen
		}
		b.probing = true
		return nil
	}
	return fmt.Errorf("reasoning: invalid breaker state %d", b.state)
}

// RecordSuccess records a successful call outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		// Probe succeeded: close and forget the failure history.
		b.resetWindow()
		b.openCycles = 0
		b.probing = false
		b.transition(StateClosed)
	case StateClosed:
		b.record(false)
	case StateOpen:
		// A success racing the open transition carries no information.
	}
}

// RecordFailure records a failed call outcome (429, 5xx, timeout, schema
// violation) and opens the breaker when the window crosses the trip limit.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		// Probe failed: reopen with a doubled timer.
		b.openCycles++
		b.probing = false
		b.openedAt = b.now()
		b.transition(StateOpen)
	case StateClosed:
		b.record(true)
		if b.failures >= tripFailures {
			b.openCycles++
			b.openedAt = b.now()
			b.transition(StateOpen)
		}
	case StateOpen:
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Available reports whether a call attempted now would be admitted. Unlike
// Allow it never transitions state; the orchestrator uses it to route.
func (b *Breaker) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return b.now().Sub(b.openedAt) >= b.openDuration()
	case StateHalfOpen:
		return !b.probing
	}
	return false
}

// record pushes one outcome into the rolling window.
func (b *Breaker) record(failed bool) {
	if b.windowLen == windowSize {
		if b.window[b.windowPos] {
			b.failures--
		}
	} else {
		b.windowLen++
	}
	b.window[b.windowPos] = failed
	if failed {
		b.failures++
	}
	b.windowPos = (b.windowPos + 1) % windowSize
}

func (b *Breaker) resetWindow() {
	b.window = [windowSize]bool{}
	b.windowPos = 0
	b.windowLen = 0
	b.failures = 0
}

// openDuration is 30s doubled per consecutive open cycle, capped at 300s.
func (b *Breaker) openDuration() time.Duration {
	d := baseOpenDuration
	for i := 1; i < b.openCycles; i++ {
		d *= 2
		if d >= maxOpenDuration {
			return maxOpenDuration
		}
	}
	if d > maxOpenDuration {
		d = maxOpenDuration
	}
	return d
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.logger.Info("breaker state change",
		"from", from.String(),
		"to", to.String(),
		"open_cycles", b.openCycles,
	)
}
