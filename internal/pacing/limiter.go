// Package pacing implements the minimum-inter-send-interval limiter used by
// the transport facade to keep outbound packet-radio traffic under the
// channel's duty-cycle floor.
//
// Unlike a refill-budget token bucket, a radio channel has no notion of
// "saved up" capacity: a transmitter that waited five minutes is not
// entitled to burst five sends back to back. The only invariant that
// matters is the floor itself — at least SendFloor must elapse between
// the start of one send and the start of the next.
//
// Invariants:
//   - Wait never returns before SendFloor has elapsed since the previous
//     return, except for the very first call.
//   - Wait is safe for concurrent use; callers are serialized in call order
//     is NOT guaranteed — only the floor is.
package pacing

import (
	"context"
	"sync"
	"time"
)

// Limiter enforces a minimum wall-clock interval between sends.
type Limiter struct {
	mu       sync.Mutex
	floor    time.Duration
	lastSend time.Time
	hasSent  bool
}

// New creates a Limiter with the given minimum inter-send interval.
// floor must be > 0.
func New(floor time.Duration) *Limiter {
	if floor <= 0 {
		panic("pacing.New: floor must be > 0")
	}
	return &Limiter{floor: floor}
}

// Wait blocks until a send is permitted under the floor, then records the
// send as having happened now. Returns ctx.Err() if ctx is cancelled first.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		if !l.hasSent {
			l.hasSent = true
			l.lastSend = time.Now()
			l.mu.Unlock()
			return nil
		}
		elapsed := time.Since(l.lastSend)
		if elapsed >= l.floor {
			l.lastSend = time.Now()
			l.mu.Unlock()
			return nil
		}
		remaining := l.floor - elapsed
		l.mu.Unlock()

		timer := time.NewTimer(remaining)
		select {
		case <-timer.C:
			// Loop around and re-check: another sender may have won the race.
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Allow reports whether a send is permitted right now without blocking,
// and if so records it. Used by callers that want to skip a cycle rather
// than wait (e.g. opportunistic heartbeat sends).
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.hasSent || time.Since(l.lastSend) >= l.floor {
		l.hasSent = true
		l.lastSend = time.Now()
		return true
	}
	return false
}

// Floor returns the configured minimum inter-send interval.
func (l *Limiter) Floor() time.Duration {
	return l.floor
}
