// Package rap implements the route announcement protocol: heartbeat probing
// of known peers, a learned route table keyed by destination BBS callsign, and the
// queue-and-redrive contract that hands pending outbound mail back to the
// mail engine once a peer becomes reachable again.
//
// State transition graph:
//
//	UNKNOWN (0) ──PONG──→ ALIVE (1)
//	ALIVE ──miss×N──→ UNREACHABLE (2) ──miss×M──→ DEAD (3)
//	UNREACHABLE ──PONG──→ ALIVE
//	DEAD ──PONG──→ ALIVE
//
// Health semantics:
//
//	UNKNOWN     — Never heard from; no PING has completed a round trip yet.
//	ALIVE       — Last PING/PONG round trip succeeded.
//	UNREACHABLE — Missed UnreachableAfter consecutive PONGs. Still probed,
//	              but not Routable.
//	DEAD        — Missed DeadAfter consecutive PONGs. Routes through this
//	              peer are no longer considered for BestRoute.
//
// A transition into ALIVE from any non-ALIVE state triggers a redrive of
// any outbound mail queued against that peer (see Redriver).
package rap

import (
	"fmt"
	"sync"
	"time"
)

// HealthState represents a peer's reachability as observed by RAP heartbeats.
type HealthState uint8

const (
	HealthUnknown     HealthState = 0
	HealthAlive       HealthState = 1
	HealthUnreachable HealthState = 2
	HealthDead        HealthState = 3
)

// String returns the human-readable state name.
func (s HealthState) String() string {
	switch s {
	case HealthUnknown:
		return "UNKNOWN"
	case HealthAlive:
		return "ALIVE"
	case HealthUnreachable:
		return "UNREACHABLE"
	case HealthDead:
		return "DEAD"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// Routable reports whether routes through a peer in this state should be
// considered live candidates.
func (s HealthState) Routable() bool {
	return s == HealthUnknown || s == HealthAlive
}

// PeerHealth holds the mutable reachability state for a single peer node.
// All fields are protected by mu. Do not access fields directly.
type PeerHealth struct {
	mu               sync.Mutex
	nodeIdentity     string
	current          HealthState
	enteredAt        time.Time
	lastPongAt       time.Time
	consecutiveMiss  int
	unreachableAfter int
	deadAfter        int
}

// NewPeerHealth creates a PeerHealth for a node in UNKNOWN state.
// unreachableAfter and deadAfter are the consecutive-miss thresholds from
// RAPConfig; deadAfter must be greater than unreachableAfter.
func NewPeerHealth(nodeIdentity string, unreachableAfter, deadAfter int) *PeerHealth {
	return &PeerHealth{
		nodeIdentity:     nodeIdentity,
		current:          HealthUnknown,
		enteredAt:        time.Now(),
		unreachableAfter: unreachableAfter,
		deadAfter:        deadAfter,
	}
}

// NodeIdentity returns the peer node identity this health tracks.
func (ph *PeerHealth) NodeIdentity() string {
	return ph.nodeIdentity // Immutable after construction, no lock needed.
}

// Current returns the current health state.
func (ph *PeerHealth) Current() HealthState {
	ph.mu.Lock()
	defer ph.mu.Unlock()
	return ph.current
}

// TimeInState returns how long the peer has been in its current state.
func (ph *PeerHealth) TimeInState() time.Duration {
	ph.mu.Lock()
	defer ph.mu.Unlock()
	return time.Since(ph.enteredAt)
}

// OnPong records a successful PING/PONG round trip.
// Returns (newState, becameAlive) where becameAlive is true whenever the
// peer transitioned into ALIVE from any non-ALIVE state (including
// UNKNOWN) — the signal the heartbeat loop uses to trigger a redrive.
func (ph *PeerHealth) OnPong() (HealthState, bool) {
	ph.mu.Lock()
	defer ph.mu.Unlock()

	ph.lastPongAt = time.Now()
	ph.consecutiveMiss = 0

	becameAlive := ph.current != HealthAlive
	if becameAlive {
		ph.current = HealthAlive
		ph.enteredAt = time.Now()
	}
	return ph.current, becameAlive
}

// OnMiss records a PING that timed out waiting for a PONG.
// Returns the resulting state after applying the consecutive-miss thresholds.
func (ph *PeerHealth) OnMiss() HealthState {
	ph.mu.Lock()
	defer ph.mu.Unlock()

	ph.consecutiveMiss++

	next := ph.current
	switch {
	case ph.consecutiveMiss >= ph.deadAfter:
		next = HealthDead
	case ph.consecutiveMiss >= ph.unreachableAfter:
		if ph.current != HealthDead {
			next = HealthUnreachable
		}
	}
	if next != ph.current {
		ph.current = next
		ph.enteredAt = time.Now()
	}
	return ph.current
}

// ConsecutiveMiss returns the current run of missed PONGs.
func (ph *PeerHealth) ConsecutiveMiss() int {
	ph.mu.Lock()
	defer ph.mu.Unlock()
	return ph.consecutiveMiss
}

// LastPongAt returns the timestamp of the most recent successful PONG.
// Zero value if no PONG has ever been received.
func (ph *PeerHealth) LastPongAt() time.Time {
	ph.mu.Lock()
	defer ph.mu.Unlock()
	return ph.lastPongAt
}
