package engine

import (
	"sync"
	"time"

	"mediabot/internal/retry"
)

// breaker tracks consecutive transient failures of the executor.
//
//   - On success: resets failures and closes.
//   - On a transient failure: increments failures and opens once failures >= trip.
//   - Permanent failures (bad link, private media) say nothing about the
//     downloader and leave the count alone.
//
// It only reports transitions; tasks keep running while it is open.
type breaker struct {
	mu          sync.Mutex
	trip        int
	fails       int
	open        bool
	lastFailure time.Time
	resetAfter  time.Duration
}

type transition int

const (
	noChange transition = iota
	opened
	closed
)

func newBreaker(trip int) *breaker {
	return &breaker{trip: trip, resetAfter: 10 * time.Minute}
}

func (b *breaker) record(now time.Time, err error) (transition, int) {
	if b == nil || b.trip < 0 {
		return noChange, 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	// A long quiet period forgets old failures.
	if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.resetAfter {
		b.fails = 0
	}

	if err == nil {
		b.fails = 0
		b.lastFailure = time.Time{}
		if b.open {
			b.open = false
			return closed, 0
		}
		return noChange, 0
	}
	if !retry.IsRetryable(err) {
		return noChange, b.fails
	}

	b.fails++
	b.lastFailure = now
	if b.fails >= b.trip && !b.open {
		b.open = true
		return opened, b.fails
	}
	return noChange, b.fails
}

func (b *breaker) isOpen() bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}
