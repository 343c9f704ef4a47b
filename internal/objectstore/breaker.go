package objectstore

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is the state of a source circuit breaker. The numeric values
// are exported as the orchestra_source_circuit_breaker_state gauge.
type BreakerState int

const (
	// BreakerClosed lets every fetch through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerHalfOpen lets probe fetches through after the open timeout.
	BreakerHalfOpen
	// BreakerOpen rejects fetches until the timeout elapses.
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half-open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned by Allow while the breaker is open.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// Breaker trips after consecutive fetch failures against one image source
// and probes it again once the open timeout has elapsed. It is safe for
// concurrent use.
type Breaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	openedAt         time.Time
	now              func() time.Time
}

// NewBreaker creates a closed breaker. Non-positive arguments fall back to
// 5 failures, 2 successes and 30s.
func NewBreaker(failureThreshold, successThreshold int, timeout time.Duration) *Breaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if successThreshold < 1 {
		successThreshold = 2
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		now:              time.Now,
	}
}

// Allow returns ErrBreakerOpen while the breaker is open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.refresh() == BreakerOpen {
		return ErrBreakerOpen
	}
	return nil
}

// RecordSuccess records a fetch that reached the source and got a usable
// answer.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.refresh() {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

// RecordFailure records a connection error or 5xx answer.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.refresh() {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.trip()
		}
	case BreakerHalfOpen:
		// A failed probe reopens immediately.
		b.trip()
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refresh()
}

func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.successes = 0
}

// refresh moves an expired open breaker to half-open. Must be called with
// the lock held.
func (b *Breaker) refresh() BreakerState {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) > b.timeout {
		b.state = BreakerHalfOpen
		b.successes = 0
	}
	return b.state
}
