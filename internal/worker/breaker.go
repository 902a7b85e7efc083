package worker

import (
	"sync"
	"time"

	"github.com/cncaiprojem/projem-sub004/internal/metrics"
	"github.com/cncaiprojem/projem-sub004/internal/types"
)

// breakerState values match the mgf_breaker_state gauge.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// Breaker is the executor's circuit breaker. A run of consecutive
// failures opens it; while open every call is short-circuited with
// circuit_breaker_open. After the cooldown one probe is let through:
// success closes the breaker, failure reopens it.
type Breaker struct {
	mu        sync.Mutex
	state     breakerState
	failures  int
	lastFail  time.Time
	probing   bool
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// NewBreaker builds a closed breaker tripping after threshold
// consecutive failures and cooling down for cooldown.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow decides whether a call may proceed. The error is non-nil only
// for the short-circuit case. Callers that got the nod must report the
// outcome with Success or Failure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return nil
	case breakerOpen:
		if b.now().Sub(b.lastFail) < b.cooldown {
			return types.Faultf(types.CodeCircuitBreakerOpen,
				"circuit breaker is open; retry after %s", b.cooldown).
				With("failures", b.failures)
		}
		b.setStateLocked(breakerHalfOpen)
		b.probing = true
		return nil
	default: // half-open
		if b.probing {
			return types.NewFault(types.CodeCircuitBreakerOpen,
				"circuit breaker is half-open with a probe in flight")
		}
		b.probing = true
		return nil
	}
}

// Success reports a completed call and closes the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	b.setStateLocked(breakerClosed)
}

// Failure reports a failed call. In half-open it reopens immediately;
// when closed it counts toward the threshold.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFail = b.now()
	b.probing = false
	switch b.state {
	case breakerHalfOpen:
		b.setStateLocked(breakerOpen)
	case breakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.setStateLocked(breakerOpen)
		}
	}
}

func (b *Breaker) setStateLocked(s breakerState) {
	if b.state != s {
		b.state = s
		metrics.BreakerState(int(s))
	}
}

// State reports the current state for status surfaces.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half_open"
	}
	return "closed"
}
