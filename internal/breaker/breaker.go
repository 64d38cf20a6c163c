// Package breaker implements a consecutive-failure circuit breaker with a
// derived half-open state: once open, the breaker admits a probe attempt
// after the cooldown elapses, and only a recorded success closes it.
package breaker

import (
	"sync"
	"time"
)

// Status is a point-in-time snapshot of the breaker.
type Status struct {
	Open        bool      `json:"open"`
	HalfOpen    bool      `json:"halfOpen"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"lastFailure"`
	OpenedAt    time.Time `json:"openedAt"`
}

// Breaker counts consecutive failures and opens once they reach the
// threshold. There is no stored half-open flag: half-open is derived from
// the open flag plus elapsed cooldown, so the breaker cannot get stuck in a
// probe state across restarts of the calling loop.
type Breaker struct {
	mu          sync.Mutex
	threshold   int
	cooldown    time.Duration
	failures    int
	open        bool
	openedAt    time.Time
	lastFailure time.Time
	now         func() time.Time
}

// New returns a breaker that opens after threshold consecutive failures and
// admits probes after cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether an attempt may proceed. Open with cooldown elapsed
// counts as half-open, so one caller gets through to probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return true
	}
	return b.now().Sub(b.openedAt) >= b.cooldown
}

// RecordFailure counts a failure. It returns true only on the transition
// from closed to open, so the caller can alert exactly once. A failure while
// already open (a failed probe) restarts the cooldown.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.failures++
	b.lastFailure = now
	if b.open {
		b.openedAt = now
		return false
	}
	if b.failures >= b.threshold {
		b.open = true
		b.openedAt = now
		return true
	}
	return false
}

// RecordSuccess resets the failure count and closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.open = false
}

// Open reports the raw recorded state, ignoring cooldown.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// Status snapshots the breaker.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Open:        b.open,
		HalfOpen:    b.open && b.now().Sub(b.openedAt) >= b.cooldown,
		Failures:    b.failures,
		LastFailure: b.lastFailure,
		OpenedAt:    b.openedAt,
	}
}

// SetClock replaces the time source. Test hook.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}
