package mrp

import (
	"github.com/n8n-radio/bbscore/internal/rap"
	"github.com/n8n-radio/bbscore/internal/store"
)

// Router selects the next hop for a destination BBS callsign, consulting
// the route-announcement protocol's learned table and falling back to a
// directly configured peer when one matches.
type Router struct {
	store  *store.Store
	routes *rap.Table
	health func(nodeIdentity string) bool // true if routable; wired to rap's health registry
}

// NewRouter builds a Router over the shared store and the RAP-owned route
// table. health reports whether a peer's node identity is currently
// routable (UNKNOWN or ALIVE); nil treats every peer
// as routable, which is only appropriate before RAP has started probing.
func NewRouter(st *store.Store, routes *rap.Table, health func(nodeIdentity string) bool) *Router {
	return &Router{store: st, routes: routes, health: health}
}

// Selected is the outcome of a route lookup: which peer to hand the frame
// to next, and how many hops the announcement claimed to destBBS.
type Selected struct {
	NextHopIdentity string
	HopCount        int
}

// SelectRoute picks the best next hop toward destBBS. It first looks for a
// directly configured, sync-enabled peer whose callsign equals destBBS
// (hop 0: no relay needed), then falls back to the learned route table.
func (r *Router) SelectRoute(destBBS string) (Selected, bool) {
	if peer, err := r.store.GetPeerByCallsign(destBBS); err == nil && peer.SyncEnabled {
		if node, nodeErr := r.store.GetNode(peer.NodeID); nodeErr == nil {
			return Selected{NextHopIdentity: node.NodeIdentity, HopCount: 0}, true
		}
	}

	route, ok := r.routes.BestRoute(destBBS, r.isLive)
	if !ok {
		return Selected{}, false
	}
	return Selected{NextHopIdentity: route.NextHop, HopCount: route.HopCount}, true
}

func (r *Router) isLive(nextHop string) bool {
	if r.health == nil {
		return true
	}
	return r.health(nextHop)
}
