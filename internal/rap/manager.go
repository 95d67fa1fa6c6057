package rap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/n8n-radio/bbscore/internal/config"
	"github.com/n8n-radio/bbscore/internal/corecontext"
	"github.com/n8n-radio/bbscore/internal/store"
	"github.com/n8n-radio/bbscore/internal/transport"
)

// Redriver is the narrow view of the remote-mail protocol that RAP needs:
// resend a previously queued mail now that a route exists. Satisfied
// structurally by *mrp.Engine — rap never imports mrp.
type Redriver interface {
	SendRemoteMail(mailUUID, senderUsername, senderBBS, recipientUsername, recipientBBS, body string) error
}

// Manager is the route-announcement protocol (component F): heartbeat
// probing of known peers, route table ingestion, and queue-and-redrive of
// mail pending a route.
type Manager struct {
	ctx      *corecontext.Context
	cfg      config.RAPConfig
	callsign string
	table    *Table
	redriver Redriver

	mu      sync.Mutex
	health  map[string]*PeerHealth // keyed by node identity
	pingAt  map[string]time.Time
}

// New constructs the route-announcement manager.
func New(ctx *corecontext.Context, callsign string) *Manager {
	cfg := ctx.Config.RAP
	return &Manager{
		ctx:      ctx,
		cfg:      cfg,
		callsign: callsign,
		table:    NewTable(cfg.RouteExpiry, cfg.MaxHop),
		health:   make(map[string]*PeerHealth),
		pingAt:   make(map[string]time.Time),
	}
}

// SetRedriver wires the remote-mail protocol's send path, used to redrive
// pending mail once a peer becomes reachable again.
func (m *Manager) SetRedriver(r Redriver) { m.redriver = r }

// Table returns the shared learned-route table, consulted by mrp.Router.
func (m *Manager) Table() *Table { return m.table }

// IsRoutable reports whether a peer node identity is currently considered
// live for routing purposes (UNKNOWN or ALIVE). Wired into
// mrp.NewRouter's health callback.
func (m *Manager) IsRoutable(nodeIdentity string) bool {
	m.mu.Lock()
	ph, ok := m.health[nodeIdentity]
	m.mu.Unlock()
	if !ok {
		return true // never probed yet; don't starve routing before the first heartbeat
	}
	return ph.Current().Routable()
}

// QueuePending implements mail.PendingQueuer and mrp.PendingQueuer
// structurally: persist a remote mail that couldn't be sent immediately.
func (m *Manager) QueuePending(p store.PendingMail) error {
	return m.ctx.Store.QueuePendingMail(p)
}

func (m *Manager) healthFor(nodeIdentity string) *PeerHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	ph, ok := m.health[nodeIdentity]
	if !ok {
		ph = NewPeerHealth(nodeIdentity, m.cfg.UnreachableAfter, m.cfg.DeadAfter)
		m.health[nodeIdentity] = ph
	}
	return ph
}

// RunHeartbeatLoop pings every known peer on HeartbeatInterval and
// broadcasts the full route table every FullTableShareInterval, until ctx
// is cancelled.
func (m *Manager) RunHeartbeatLoop(ctx context.Context) {
	heartbeat := time.NewTicker(m.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	fullShare := time.NewTicker(m.cfg.FullTableShareInterval)
	defer fullShare.Stop()
	prune := time.NewTicker(m.cfg.RouteExpiry / 12)
	defer prune.Stop()
	// Ticks well inside the generic storage sweep's default 1h interval so
	// this loop observes an expired row — and can enqueue its receipt —
	// before the storage-level sweep silently removes it underneath us.
	pendingExpiry := time.NewTicker(5 * time.Minute)
	defer pendingExpiry.Stop()

	for {
		select {
		case <-heartbeat.C:
			m.pingAllPeers()
		case <-fullShare.C:
			m.broadcastRoutes()
		case <-prune.C:
			m.table.pruneExpired()
		case <-pendingExpiry.C:
			m.expirePendingMail(time.Now().UTC())
		case <-ctx.Done():
			return
		}
	}
}

// expirePendingMail reaps pending outbound mail whose ExpiresAt has passed
// and enqueues a system-mail "...expired" receipt to the original sender,
// the mirror of the "...delivered" receipt redrivePending sends on success.
func (m *Manager) expirePendingMail(now time.Time) {
	expired, err := m.ctx.Store.ExpiredPendingMail(now)
	if err != nil {
		m.ctx.Logger.Error("rap: list expired pending mail", zap.Error(err))
		return
	}
	for _, p := range expired {
		m.enqueueReceipt(p.SenderUsername, fmt.Sprintf("Queued mail to %s expired", p.RecipientBBS),
			fmt.Sprintf("Your mail to %s@%s could not be delivered and has expired after %s.", p.RecipientName, p.RecipientBBS, m.cfg.PendingMailExpiry))
		if err := m.ctx.Store.DeletePendingMail(p.MailUUID); err != nil {
			m.ctx.Logger.Error("rap: delete expired pending mail", zap.Error(err), zap.String("uuid", p.MailUUID))
		}
	}
}

// enqueueReceipt stores a local system-mail notification for username, if
// that user still exists. System mail is stored as plaintext, like remote
// mail, since it never crosses the wire and has no recipient key to
// encrypt under at this layer.
func (m *Manager) enqueueReceipt(username, subject, body string) {
	recipient, err := m.ctx.Store.GetUserByUsername(username)
	if err != nil {
		return
	}
	_, _, err = m.ctx.Store.CreateMessage(store.Message{
		UUID:            uuid.NewString(),
		Type:            store.MessageTypeSystem,
		RecipientUserID: &recipient.ID,
		SubjectEnc:      []byte(subject),
		BodyEnc:         []byte(body),
		CreatedAt:       time.Now().UTC(),
	})
	if err != nil {
		m.ctx.Logger.Error("rap: enqueue system receipt", zap.Error(err), zap.String("username", username))
	}
}

func (m *Manager) pingAllPeers() {
	peers, err := m.ctx.Store.ListPeers()
	if err != nil {
		m.ctx.Logger.Error("rap: list peers", zap.Error(err))
		return
	}
	for _, peer := range peers {
		node, err := m.ctx.Store.GetNode(peer.NodeID)
		if err != nil {
			continue
		}
		m.mu.Lock()
		m.pingAt[node.NodeIdentity] = time.Now()
		m.mu.Unlock()

		_, _ = m.ctx.Transport.SendText(context.Background(), EncodePing(m.callsign), node.NodeIdentity, "", false)

		identity := node.NodeIdentity
		go m.checkPongTimeout(identity)
	}
}

func (m *Manager) checkPongTimeout(nodeIdentity string) {
	time.Sleep(m.cfg.PongTimeout)

	m.mu.Lock()
	sentAt, ok := m.pingAt[nodeIdentity]
	m.mu.Unlock()
	if !ok {
		return
	}

	ph := m.healthFor(nodeIdentity)
	if ph.LastPongAt().Before(sentAt) {
		prior := ph.Current()
		state := ph.OnMiss()
		if m.ctx.Metrics != nil && state != prior {
			m.ctx.Metrics.RAPPeerStateTransitionsTotal.WithLabelValues(prior.String(), state.String()).Inc()
		}
		m.persistHealth(nodeIdentity, ph)
		if state == HealthDead {
			m.invalidateRoutesVia(nodeIdentity)
		}
	}
}

// persistHealth mirrors an in-memory PeerHealth transition onto the
// peer's durable row, so a restart doesn't forget a peer is DEAD.
func (m *Manager) persistHealth(nodeIdentity string, ph *PeerHealth) {
	node, err := m.ctx.Store.GetNodeByIdentity(nodeIdentity)
	if err != nil {
		return
	}
	lastPong := ph.LastPongAt()
	var lastPongPtr *time.Time
	if !lastPong.IsZero() {
		lastPongPtr = &lastPong
	}
	_ = m.ctx.Store.UpdatePeerHealth(node.ID, toStoreHealth(ph.Current()), ph.ConsecutiveMiss(), lastPongPtr)
}

func toStoreHealth(s HealthState) store.PeerHealthStatus {
	switch s {
	case HealthAlive:
		return store.PeerHealthAlive
	case HealthUnreachable:
		return store.PeerHealthUnreachable
	case HealthDead:
		return store.PeerHealthDead
	default:
		return store.PeerHealthUnknown
	}
}

func (m *Manager) invalidateRoutesVia(nodeIdentity string) {
	removed := m.table.DeleteViaNextHop(nodeIdentity)
	if removed > 0 {
		m.ctx.Logger.Info("rap: peer dead, routes invalidated", zap.String("peer", nodeIdentity), zap.Int("count", removed))
	}
	if node, err := m.ctx.Store.GetNodeByIdentity(nodeIdentity); err == nil {
		if peer, err := m.ctx.Store.GetPeer(node.ID); err == nil {
			if _, delErr := m.ctx.Store.DeleteRoutesViaPeer(peer.NodeID); delErr != nil {
				m.ctx.Logger.Error("rap: delete persisted routes", zap.Error(delErr))
			}
		}
	}
}

func (m *Manager) broadcastRoutes() {
	snapshot := m.table.Snapshot()
	peers, err := m.ctx.Store.ListPeers()
	if err != nil {
		return
	}
	routes := make([]Route, len(snapshot))
	copy(routes, snapshot)
	for _, peer := range peers {
		node, err := m.ctx.Store.GetNode(peer.NodeID)
		if err != nil {
			continue
		}
		_, _ = m.ctx.Transport.SendText(context.Background(), EncodeRoutes(m.callsign, routes), node.NodeIdentity, "", false)
	}
	if m.ctx.Metrics != nil {
		m.ctx.Metrics.RAPRoutesLearned.Set(float64(m.table.Count()))
	}
}

// HandleFrame dispatches one inbound transport frame by RAP verb. Frames
// that aren't RAP envelopes are silently ignored (they belong to MRP/BSP).
func (m *Manager) HandleFrame(fr transport.Frame) {
	verb, payload, ok := ParseEnvelope(fr.Text)
	if !ok {
		return
	}
	switch verb {
	case VerbPing:
		_, _ = m.ctx.Transport.SendText(context.Background(), EncodePong(m.callsign), fr.From, "", false)
	case VerbPong:
		m.handlePong(fr.From)
	case VerbRoutes:
		m.handleRoutes(fr.From, payload)
	}
}

func (m *Manager) handlePong(fromIdentity string) {
	ph := m.healthFor(fromIdentity)
	prior := ph.Current()
	state, becameAlive := ph.OnPong()
	if m.ctx.Metrics != nil && state != prior {
		m.ctx.Metrics.RAPPeerStateTransitionsTotal.WithLabelValues(prior.String(), state.String()).Inc()
	}
	m.persistHealth(fromIdentity, ph)
	if becameAlive {
		m.redrivePending(fromIdentity)
	}
}

func (m *Manager) handleRoutes(fromIdentity, payload string) {
	_, announcements, err := DecodeRoutes(payload)
	if err != nil {
		m.ctx.Logger.Warn("rap: malformed RAP_ROUTES", zap.Error(err))
		return
	}

	node, err := m.ctx.Store.GetNodeByIdentity(fromIdentity)
	if err != nil {
		return
	}
	peer, err := m.ctx.Store.GetPeer(node.ID)
	if err != nil {
		return
	}

	now := time.Now().UTC()
	for _, a := range announcements {
		hop := a.HopCount + 1 // one more hop to reach it via fromIdentity
		if m.table.Upsert(Route{Destination: a.Destination, NextHop: fromIdentity, HopCount: hop, Quality: a.Quality}) {
			_ = m.ctx.Store.UpsertRoute(store.LearnedRoute{
				DestBBS:   a.Destination,
				ViaPeerID: peer.NodeID,
				HopCount:  hop,
				Quality:   a.Quality,
				UpdatedAt: now,
				ExpiresAt: now.Add(m.cfg.RouteExpiry),
			})
		}
	}
	if m.ctx.Metrics != nil {
		m.ctx.Metrics.RAPRoutesLearned.Set(float64(m.table.Count()))
	}
}

// redrivePending walks every pending-mail destination reachable through
// toIdentity — either directly (its own callsign) or via a learned route
// whose next hop is toIdentity — and re-attempts each one now that the
// peer is ALIVE.
func (m *Manager) redrivePending(toIdentity string) {
	if m.redriver == nil {
		return
	}
	node, err := m.ctx.Store.GetNodeByIdentity(toIdentity)
	if err != nil {
		return
	}
	peer, err := m.ctx.Store.GetPeer(node.ID)
	if err != nil {
		return
	}

	destinations := map[string]struct{}{peer.Callsign: {}}
	for _, route := range m.table.Snapshot() {
		if route.NextHop == toIdentity {
			destinations[route.Destination] = struct{}{}
		}
	}

	for dest := range destinations {
		pending, err := m.ctx.Store.PendingMailForDestination(dest)
		if err != nil {
			m.ctx.Logger.Error("rap: list pending mail", zap.Error(err), zap.String("destination", dest))
			continue
		}
		for _, p := range pending {
			err := m.redriver.SendRemoteMail(p.MailUUID, p.SenderUsername, p.SenderBBS, p.RecipientName, p.RecipientBBS, string(p.BodyBlob))
			if err != nil {
				_ = m.ctx.Store.UpdatePendingMailStatus(p.MailUUID, "redrive failed: "+err.Error())
				continue
			}
			if m.ctx.Metrics != nil {
				m.ctx.Metrics.RAPRedrivesTotal.Inc()
			}
			_ = m.ctx.Store.DeletePendingMail(p.MailUUID)
			m.enqueueReceipt(p.SenderUsername, fmt.Sprintf("Queued mail to %s delivered", p.RecipientBBS),
				fmt.Sprintf("Your queued mail to %s@%s has been delivered.", p.RecipientName, p.RecipientBBS))
		}
	}
}
