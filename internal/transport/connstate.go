package transport

import (
	"fmt"
	"sync"
	"time"
)

// ConnState is the transport facade's connection lifecycle. It is
// mutex-guarded the same way rap.PeerHealth is: a single small struct,
// one lock, explicit transition methods instead of ad-hoc field writes.
type ConnState uint8

const (
	StateDisconnected ConnState = 0
	StateConnecting   ConnState = 1
	StateConnected    ConnState = 2
	StateReconnecting ConnState = 3
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// connTracker holds the mutable connection state and the reconnect backoff
// ladder. Terminal only when connectFail reports the attempt budget
// exhausted — the facade then stops
// trying and surfaces a fatal error.
type connTracker struct {
	mu              sync.Mutex
	current         ConnState
	enteredAt       time.Time
	attempt         int
	backoffMin      time.Duration
	backoffMax      time.Duration
	maxAttempts     int
}

func newConnTracker(backoffMin, backoffMax time.Duration, maxAttempts int) *connTracker {
	return &connTracker{
		current:     StateDisconnected,
		enteredAt:   time.Now(),
		backoffMin:  backoffMin,
		backoffMax:  backoffMax,
		maxAttempts: maxAttempts,
	}
}

func (t *connTracker) set(s ConnState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = s
	t.enteredAt = time.Now()
}

func (t *connTracker) Current() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// connectOK transitions to connected and resets the attempt counter.
func (t *connTracker) connectOK() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = StateConnected
	t.enteredAt = time.Now()
	t.attempt = 0
}

// connectFail records a failed attempt and returns the next backoff
// duration, or (0, false) if the attempt budget is exhausted.
func (t *connTracker) connectFail() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.attempt++
	if t.attempt >= t.maxAttempts {
		t.current = StateDisconnected
		t.enteredAt = time.Now()
		return 0, false
	}
	t.current = StateReconnecting
	t.enteredAt = time.Now()
	return t.nextBackoff(), true
}

// lost transitions a previously-connected link into reconnecting.
func (t *connTracker) lost() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = StateReconnecting
	t.enteredAt = time.Now()
	t.attempt = 0
}

// nextBackoff computes the exponential backoff for the current attempt,
// capped at backoffMax. Must be called with mu held.
func (t *connTracker) nextBackoff() time.Duration {
	d := t.backoffMin
	for i := 0; i < t.attempt-1 && d < t.backoffMax; i++ {
		d *= 2
	}
	if d > t.backoffMax {
		d = t.backoffMax
	}
	return d
}

// Connected reports whether sends should be attempted immediately.
func (t *connTracker) Connected() bool {
	return t.Current() == StateConnected
}
