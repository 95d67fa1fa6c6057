package rap

import (
	"sync"
	"time"
)

// Route describes a single learned path to a destination node.
type Route struct {
	// Destination is the BBS callsign this route reaches.
	Destination string
	// NextHop is the directly-reachable peer to forward through.
	NextHop string
	// HopCount is the number of radio hops from this node to Destination:
	// the count carried in the RAP_ROUTES announcement plus the one hop to
	// the announcing peer.
	HopCount int
	// Quality is a [0, 1] score derived from the announcing peer's recent
	// heartbeat success rate; higher wins ties on HopCount.
	Quality float64
	// LearnedAt is when this route entry was last refreshed.
	LearnedAt time.Time
}

// entry is the table's internal representation, keyed by (destination, nextHop)
// so that multiple candidate paths to the same destination can coexist.
type entry struct {
	route Route
}

// Table is the learned route table fed by inbound RAP_ROUTES announcements
// and consulted by the mail engine and MRP router to pick a relay path.
//
// Upsert semantics: a new announcement for the same (destination, nextHop)
// pair replaces the existing entry only if it offers a strictly smaller hop
// count, or an equal hop count with higher quality — mirroring the
// smaller-hop-wins contract. Entries expire independently of
// any particular peer's health; a stale entry is swept by RouteExpiry
// regardless of whether the peer that taught it is still alive.
type Table struct {
	mu      sync.RWMutex
	ttl     time.Duration
	maxHop  int
	entries map[string]map[string]entry // destination -> nextHop -> entry
}

// NewTable creates an empty route table. ttl bounds how long a route survives
// without being refreshed by a later announcement; maxHop rejects routes
// whose hop count (which already includes the one hop to reach the
// announcer) exceeds the configured ceiling.
func NewTable(ttl time.Duration, maxHop int) *Table {
	t := &Table{
		ttl:     ttl,
		maxHop:  maxHop,
		entries: make(map[string]map[string]entry),
	}
	return t
}

// Upsert records or refreshes a learned route. Returns true if the table was
// changed (new route, improved route, or refreshed timestamp on an
// unimproved but still-current route).
func (t *Table) Upsert(r Route) bool {
	if r.HopCount > t.maxHop {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	byHop := t.entries[r.Destination]
	if byHop == nil {
		byHop = make(map[string]entry)
		t.entries[r.Destination] = byHop
	}

	r.LearnedAt = time.Now()
	existing, ok := byHop[r.NextHop]
	if !ok {
		byHop[r.NextHop] = entry{route: r}
		return true
	}

	if r.HopCount < existing.route.HopCount ||
		(r.HopCount == existing.route.HopCount && r.Quality > existing.route.Quality) {
		byHop[r.NextHop] = entry{route: r}
		return true
	}

	// No improvement, but refresh the timestamp so a route that is still
	// being announced doesn't expire just because it never got better.
	if r.HopCount == existing.route.HopCount {
		existing.route.LearnedAt = r.LearnedAt
		byHop[r.NextHop] = existing
		return true
	}
	return false
}

// BestRoute returns the best known live route to destination, preferring
// fewer hops and, on a tie, higher quality. isLive, when non-nil, filters
// out candidates whose next hop is not currently routable (e.g. DEAD
// peers) — callers typically pass a PeerHealth.Routable check here.
func (t *Table) BestRoute(destination string, isLive func(nextHop string) bool) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	byHop := t.entries[destination]
	var best Route
	found := false
	for _, e := range byHop {
		if isLive != nil && !isLive(e.route.NextHop) {
			continue
		}
		if !found || e.route.HopCount < best.HopCount ||
			(e.route.HopCount == best.HopCount && e.route.Quality > best.Quality) {
			best = e.route
			found = true
		}
	}
	return best, found
}

// Count returns the total number of learned route entries across all
// destinations, for the RAPRoutesLearned gauge.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, byHop := range t.entries {
		n += len(byHop)
	}
	return n
}

// Snapshot returns every currently-held route, for composing a RAP_ROUTES
// announcement to share with peers.
func (t *Table) Snapshot() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Route, 0)
	for _, byHop := range t.entries {
		for _, e := range byHop {
			out = append(out, e.route)
		}
	}
	return out
}

// DeleteViaNextHop removes every route that transits nextHop, called when
// that peer's health transitions to DEAD ("peer-dead
// invalidates routes").
func (t *Table) DeleteViaNextHop(nextHop string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for dest, byHop := range t.entries {
		if _, ok := byHop[nextHop]; ok {
			delete(byHop, nextHop)
			n++
		}
		if len(byHop) == 0 {
			delete(t.entries, dest)
		}
	}
	return n
}

// pruneExpired removes routes not refreshed within ttl.
func (t *Table) pruneExpired() {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-t.ttl)
	for dest, byHop := range t.entries {
		for nextHop, e := range byHop {
			if e.route.LearnedAt.Before(cutoff) {
				delete(byHop, nextHop)
			}
		}
		if len(byHop) == 0 {
			delete(t.entries, dest)
		}
	}
}

// RunPruneLoop runs the background expiry sweep until done is closed.
// Intended to be started once as a goroutine alongside the heartbeat loop.
func (t *Table) RunPruneLoop(done <-chan struct{}) {
	ticker := time.NewTicker(t.ttl / 12)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.pruneExpired()
		case <-done:
			return
		}
	}
}
