package rap

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/n8n-radio/bbscore/internal/config"
	"github.com/n8n-radio/bbscore/internal/corecontext"
	"github.com/n8n-radio/bbscore/internal/observability"
	"github.com/n8n-radio/bbscore/internal/store"
	"github.com/n8n-radio/bbscore/internal/transport"
)

type fakeManagerAdapter struct {
	mu   sync.Mutex
	sent []string
	to   []string
}

func (a *fakeManagerAdapter) Connect(ctx context.Context) error { return nil }

func (a *fakeManagerAdapter) SendText(ctx context.Context, text, destination, channel string, wantAck bool) (string, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, text)
	a.to = append(a.to, destination)
	return "req", true, nil
}

func (a *fakeManagerAdapter) SetInboundHandler(h func(transport.Frame)) {}
func (a *fakeManagerAdapter) Close() error                              { return nil }

func (a *fakeManagerAdapter) sentTexts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.sent))
	copy(out, a.sent)
	return out
}

func newTestManager(t *testing.T) (*Manager, *store.Store, *fakeManagerAdapter) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "bbscore.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.Defaults()
	cfg.Callsign = "ADV"
	cfg.NodeIdentity = "!a1b2c3d4"

	adapter := &fakeManagerAdapter{}
	tr := transport.New(adapter, transport.Config{
		SendFloor:            time.Millisecond,
		ReconnectBackoffMin:  time.Millisecond,
		ReconnectBackoffMax:  time.Millisecond,
		ReconnectMaxAttempts: 1,
		ReplyContextTTL:      time.Minute,
	}, zap.NewNop())

	runCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go tr.Run(runCtx)
	waitManagerConnected(t, tr)

	ctx := corecontext.New(&cfg, st, tr, nil, observability.NewMetrics(), zap.NewNop())
	m := New(ctx, "ADV")
	tr.OnDelivery(m.HandleFrame)
	return m, st, adapter
}

func waitManagerConnected(t *testing.T, tr *transport.Facade) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if tr.Connected() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("facade never reached connected state")
}

func TestIsRoutable_UnprobedPeerDefaultsTrue(t *testing.T) {
	m, _, _ := newTestManager(t)
	if !m.IsRoutable("!never-seen") {
		t.Fatal("expected a never-probed peer to be considered routable")
	}
}

func TestIsRoutable_FalseOnceDead(t *testing.T) {
	m, _, _ := newTestManager(t)
	ph := m.healthFor("!deadpeer")
	for i := 0; i < m.cfg.DeadAfter; i++ {
		ph.OnMiss()
	}
	if ph.Current() != HealthDead {
		t.Fatalf("expected health DEAD after %d misses, got %s", m.cfg.DeadAfter, ph.Current())
	}
	if m.IsRoutable("!deadpeer") {
		t.Fatal("expected a DEAD peer to not be routable")
	}
}

func TestHandleFrame_PingRepliesWithPong(t *testing.T) {
	m, _, adapter := newTestManager(t)

	m.HandleFrame(transport.Frame{From: "!peer1", Text: EncodePing("OTHERBBS")})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(adapter.sentTexts()) == 0 {
		time.Sleep(time.Millisecond)
	}
	sent := adapter.sentTexts()
	if len(sent) != 1 {
		t.Fatalf("expected exactly one reply frame, got %d", len(sent))
	}
	if sent[0] != EncodePong("ADV") {
		t.Fatalf("expected a RAP_PONG reply, got %q", sent[0])
	}
}

func TestHandleFrame_RoutesIngestsAnnouncementIntoTableAndStore(t *testing.T) {
	m, st, _ := newTestManager(t)

	node, err := st.GetOrCreateNode("!peer1", "KC1ABC", "")
	if err != nil {
		t.Fatalf("GetOrCreateNode: %v", err)
	}
	if err := st.UpsertPeer(store.Peer{NodeID: node.ID, Callsign: "OTHERBBS", SyncEnabled: true}); err != nil {
		t.Fatalf("UpsertPeer: %v", err)
	}

	announced := []Route{{Destination: "THIRDBBS", HopCount: 1, Quality: 0.9}}
	m.HandleFrame(transport.Frame{From: "!peer1", Text: EncodeRoutes("OTHERBBS", announced)})

	if m.Table().Count() != 1 {
		t.Fatalf("expected 1 learned route in the table, got %d", m.Table().Count())
	}
	sel, ok := m.Table().BestRoute("THIRDBBS", nil)
	if !ok {
		t.Fatal("expected a route to THIRDBBS")
	}
	if sel.NextHop != "!peer1" || sel.HopCount != 2 {
		t.Fatalf("unexpected route: %+v", sel)
	}

	persisted, err := st.RoutesToDestination("THIRDBBS", time.Now())
	if err != nil {
		t.Fatalf("RoutesToDestination: %v", err)
	}
	if len(persisted) != 1 {
		t.Fatalf("expected 1 persisted route, got %d", len(persisted))
	}
}

func TestHandleFrame_RoutesIgnoresUnknownAnnouncer(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.HandleFrame(transport.Frame{From: "!stranger", Text: EncodeRoutes("STRANGERBBS", []Route{{Destination: "X", HopCount: 1}})})
	if m.Table().Count() != 0 {
		t.Fatalf("expected no routes learned from an unregistered announcer, got %d", m.Table().Count())
	}
}

type fakeRedriver struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeRedriver) SendRemoteMail(mailUUID, senderUsername, senderBBS, recipientUsername, recipientBBS, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, mailUUID)
	return nil
}

func (f *fakeRedriver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestHandleFrame_PongFromDeadPeerTriggersRedrive(t *testing.T) {
	m, st, _ := newTestManager(t)

	node, err := st.GetOrCreateNode("!peer1", "KC1ABC", "")
	if err != nil {
		t.Fatalf("GetOrCreateNode: %v", err)
	}
	if err := st.UpsertPeer(store.Peer{NodeID: node.ID, Callsign: "OTHERBBS", SyncEnabled: true}); err != nil {
		t.Fatalf("UpsertPeer: %v", err)
	}
	if err := st.QueuePendingMail(store.PendingMail{MailUUID: "mail-1", RecipientBBS: "OTHERBBS"}); err != nil {
		t.Fatalf("QueuePendingMail: %v", err)
	}

	rd := &fakeRedriver{}
	m.SetRedriver(rd)

	ph := m.healthFor("!peer1")
	for i := 0; i < m.cfg.DeadAfter; i++ {
		ph.OnMiss()
	}
	if ph.Current() != HealthDead {
		t.Fatalf("expected DEAD before the pong arrives, got %s", ph.Current())
	}

	m.HandleFrame(transport.Frame{From: "!peer1", Text: EncodePong("OTHERBBS")})

	if rd.callCount() != 1 {
		t.Fatalf("expected exactly one redrive call, got %d", rd.callCount())
	}
	remaining, err := st.PendingMailForDestination("OTHERBBS")
	if err != nil {
		t.Fatalf("PendingMailForDestination: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected the pending row to be cleared after redrive, got %d", len(remaining))
	}
}

func TestHandleFrame_PongFromDeadPeerRedrivesLearnedRouteDestinationsToo(t *testing.T) {
	m, st, _ := newTestManager(t)

	relay, err := st.GetOrCreateNode("!relay", "RELAYBBS", "")
	if err != nil {
		t.Fatalf("GetOrCreateNode: %v", err)
	}
	if err := st.UpsertPeer(store.Peer{NodeID: relay.ID, Callsign: "RELAYBBS", SyncEnabled: true}); err != nil {
		t.Fatalf("UpsertPeer: %v", err)
	}
	sender, err := st.CreateUser(store.User{Username: "w1aw"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := st.QueuePendingMail(store.PendingMail{
		MailUUID:       "mail-direct",
		SenderUserID:   sender.ID,
		SenderUsername: "w1aw",
		RecipientBBS:   "RELAYBBS",
		RecipientName:  "kc1xyz",
	}); err != nil {
		t.Fatalf("QueuePendingMail direct: %v", err)
	}
	// Learned only through RELAYBBS, not a peer of this node in its own
	// right — redrivePending must still reach it.
	if err := st.QueuePendingMail(store.PendingMail{
		MailUUID:       "mail-indirect",
		SenderUserID:   sender.ID,
		SenderUsername: "w1aw",
		RecipientBBS:   "FARBBS",
		RecipientName:  "n0call",
	}); err != nil {
		t.Fatalf("QueuePendingMail indirect: %v", err)
	}
	m.Table().Upsert(Route{Destination: "FARBBS", NextHop: "!relay", HopCount: 2, Quality: 0.5})

	rd := &fakeRedriver{}
	m.SetRedriver(rd)

	ph := m.healthFor("!relay")
	for i := 0; i < m.cfg.DeadAfter; i++ {
		ph.OnMiss()
	}
	m.HandleFrame(transport.Frame{From: "!relay", Text: EncodePong("RELAYBBS")})

	if rd.callCount() != 2 {
		t.Fatalf("expected both the direct and the learned-route destination to be redriven, got %d calls", rd.callCount())
	}

	mail, err := st.ListMailForRecipient(sender.ID, 10)
	if err != nil {
		t.Fatalf("ListMailForRecipient: %v", err)
	}
	if len(mail) != 2 {
		t.Fatalf("expected 2 system-mail delivery receipts for the sender, got %d", len(mail))
	}
	for _, row := range mail {
		if row.Type != store.MessageTypeSystem {
			t.Fatalf("expected a system-mail receipt, got type %q", row.Type)
		}
		if !strings.HasPrefix(string(row.SubjectEnc), "Queued mail to ") || !strings.HasSuffix(string(row.SubjectEnc), " delivered") {
			t.Fatalf("unexpected receipt subject %q", string(row.SubjectEnc))
		}
	}
}

func TestExpirePendingMail_DeletesRowAndEnqueuesExpiryReceipt(t *testing.T) {
	m, st, _ := newTestManager(t)

	sender, err := st.CreateUser(store.User{Username: "w1aw"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	past := time.Now().Add(-time.Hour)
	if err := st.QueuePendingMail(store.PendingMail{
		MailUUID:       "mail-1",
		SenderUserID:   sender.ID,
		SenderUsername: "w1aw",
		RecipientBBS:   "OTHERBBS",
		RecipientName:  "kc1xyz",
		ExpiresAt:      past,
	}); err != nil {
		t.Fatalf("QueuePendingMail: %v", err)
	}

	m.expirePendingMail(time.Now())

	remaining, err := st.PendingMailForDestination("OTHERBBS")
	if err != nil {
		t.Fatalf("PendingMailForDestination: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected the expired pending row to be removed, got %d", len(remaining))
	}

	mail, err := st.ListMailForRecipient(sender.ID, 10)
	if err != nil {
		t.Fatalf("ListMailForRecipient: %v", err)
	}
	if len(mail) != 1 {
		t.Fatalf("expected 1 system-mail expiry receipt, got %d", len(mail))
	}
	if mail[0].Type != store.MessageTypeSystem {
		t.Fatalf("expected a system-mail receipt, got type %q", mail[0].Type)
	}
	if !strings.HasSuffix(string(mail[0].SubjectEnc), " expired") {
		t.Fatalf("unexpected receipt subject %q", string(mail[0].SubjectEnc))
	}
}

func TestHandleFrame_PongFromNeverProbedPeerRedrives(t *testing.T) {
	m, st, _ := newTestManager(t)

	node, err := st.GetOrCreateNode("!peer1", "KC1ABC", "")
	if err != nil {
		t.Fatalf("GetOrCreateNode: %v", err)
	}
	if err := st.UpsertPeer(store.Peer{NodeID: node.ID, Callsign: "OTHERBBS", SyncEnabled: true}); err != nil {
		t.Fatalf("UpsertPeer: %v", err)
	}
	if err := st.QueuePendingMail(store.PendingMail{MailUUID: "mail-1", RecipientBBS: "OTHERBBS"}); err != nil {
		t.Fatalf("QueuePendingMail: %v", err)
	}

	rd := &fakeRedriver{}
	m.SetRedriver(rd)

	// First ever PONG: UNKNOWN -> ALIVE is still a transition into ALIVE
	// from a non-alive state, so a redrive should fire.
	m.HandleFrame(transport.Frame{From: "!peer1", Text: EncodePong("OTHERBBS")})

	if rd.callCount() != 1 {
		t.Fatalf("expected one redrive on the very first pong, got %d calls", rd.callCount())
	}
}
