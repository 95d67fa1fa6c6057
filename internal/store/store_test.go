package store

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bbscore.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_CreatesBucketsAndSchemaVersion(t *testing.T) {
	s := openTestStore(t)
	if err := s.checkSchemaVersion(); err != nil {
		t.Fatalf("checkSchemaVersion: %v", err)
	}
}

func TestOpen_ReopenSucceedsWithMatchingSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bbscore.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.CreateBoard(Board{Name: "general"}); err != nil {
		t.Fatalf("CreateBoard: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	b, err := s2.GetBoard("general")
	if err != nil {
		t.Fatalf("GetBoard after reopen: %v", err)
	}
	if b.Name != "general" {
		t.Fatalf("unexpected board after reopen: %+v", b)
	}
}

func TestUserCRUD(t *testing.T) {
	s := openTestStore(t)

	u, err := s.CreateUser(User{Username: "w1aw", PasswordHash: []byte("hash"), Salt: []byte("salt")})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if u.ID == 0 {
		t.Fatal("expected non-zero user id")
	}

	if _, err := s.CreateUser(User{Username: "w1aw"}); err == nil {
		t.Fatal("expected ErrConflict for duplicate username")
	}

	got, err := s.GetUser(u.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.Username != "w1aw" {
		t.Fatalf("unexpected username %q", got.Username)
	}

	byName, err := s.GetUserByUsername("w1aw")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if byName.ID != u.ID {
		t.Fatalf("GetUserByUsername returned id %d, want %d", byName.ID, u.ID)
	}

	if err := s.TouchLastSeen(u.ID); err != nil {
		t.Fatalf("TouchLastSeen: %v", err)
	}
	touched, _ := s.GetUser(u.ID)
	if touched.LastSeenAt.Before(u.LastSeenAt) {
		t.Fatalf("expected LastSeenAt to advance, got %v before %v", touched.LastSeenAt, u.LastSeenAt)
	}

	if err := s.BanUser(u.ID, "spam"); err != nil {
		t.Fatalf("BanUser: %v", err)
	}
	banned, _ := s.GetUser(u.ID)
	if !banned.Banned || banned.BanReason != "spam" {
		t.Fatalf("expected banned user with reason, got %+v", banned)
	}

	if _, err := s.GetUser(99999); err == nil {
		t.Fatal("expected ErrNotFound for unknown user id")
	}
}

func TestBoardCRUD(t *testing.T) {
	s := openTestStore(t)

	b, err := s.CreateBoard(Board{Name: "general", Description: "General chatter"})
	if err != nil {
		t.Fatalf("CreateBoard: %v", err)
	}
	if b.CreatedAt.IsZero() {
		t.Fatal("expected CreatedAt to be stamped")
	}

	if _, err := s.CreateBoard(Board{Name: "general"}); err == nil {
		t.Fatal("expected ErrConflict for duplicate board name")
	}

	got, err := s.GetBoard("general")
	if err != nil {
		t.Fatalf("GetBoard: %v", err)
	}
	if got.Description != "General chatter" {
		t.Fatalf("unexpected description %q", got.Description)
	}

	if _, err := s.CreateBoard(Board{Name: "ragchew"}); err != nil {
		t.Fatalf("CreateBoard second board: %v", err)
	}
	all, err := s.ListBoards()
	if err != nil {
		t.Fatalf("ListBoards: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 boards, got %d", len(all))
	}

	if err := s.DeleteBoard("general"); err != nil {
		t.Fatalf("DeleteBoard: %v", err)
	}
	if _, err := s.GetBoard("general"); err == nil {
		t.Fatal("expected ErrNotFound after delete")
	}
}

func TestNodeGetOrCreate(t *testing.T) {
	s := openTestStore(t)

	n1, err := s.GetOrCreateNode("!abc123", "W1AW", "Hiram Maxim Memorial Station")
	if err != nil {
		t.Fatalf("GetOrCreateNode: %v", err)
	}
	if n1.ID == 0 {
		t.Fatal("expected non-zero node id")
	}

	n2, err := s.GetOrCreateNode("!abc123", "ignored", "ignored")
	if err != nil {
		t.Fatalf("GetOrCreateNode (repeat): %v", err)
	}
	if n2.ID != n1.ID {
		t.Fatalf("expected same node id on repeat sighting, got %d vs %d", n2.ID, n1.ID)
	}
	if n2.ShortName != "W1AW" {
		t.Fatalf("repeat sighting should not overwrite ShortName, got %q", n2.ShortName)
	}

	byIdentity, err := s.GetNodeByIdentity("!abc123")
	if err != nil {
		t.Fatalf("GetNodeByIdentity: %v", err)
	}
	if byIdentity.ID != n1.ID {
		t.Fatalf("GetNodeByIdentity mismatch")
	}

	if err := s.AssociateUserNode(1, n1.ID, true); err != nil {
		t.Fatalf("AssociateUserNode: %v", err)
	}
	ok, err := s.IsUserAuthorizedFromNode(1, n1.ID)
	if err != nil {
		t.Fatalf("IsUserAuthorizedFromNode: %v", err)
	}
	if !ok {
		t.Fatal("expected user authorized from associated node")
	}

	nodes, err := s.NodesForUser(1)
	if err != nil {
		t.Fatalf("NodesForUser: %v", err)
	}
	if len(nodes) != 1 || !nodes[0].Primary {
		t.Fatalf("expected one primary association, got %+v", nodes)
	}
}

func TestMessageLifecycle(t *testing.T) {
	s := openTestStore(t)

	recip := uint64(42)
	msg := Message{UUID: "msg-1", Type: MessageTypeMail, RecipientUserID: &recip, BodyEnc: []byte("hi")}
	created, result, err := s.CreateMessage(msg)
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if result != CreateResultInserted {
		t.Fatalf("expected CreateResultInserted, got %v", result)
	}
	if created.CreatedAt.IsZero() {
		t.Fatal("expected CreatedAt to be stamped")
	}

	_, dupResult, err := s.CreateMessage(msg)
	if err != nil {
		t.Fatalf("CreateMessage (duplicate): %v", err)
	}
	if dupResult != CreateResultDuplicate {
		t.Fatalf("expected CreateResultDuplicate, got %v", dupResult)
	}

	exists, err := s.MessageExists("msg-1")
	if err != nil || !exists {
		t.Fatalf("MessageExists: got %v, %v", exists, err)
	}

	if err := s.MarkAsDelivered("msg-1"); err != nil {
		t.Fatalf("MarkAsDelivered: %v", err)
	}
	if err := s.MarkAsRead("msg-1"); err != nil {
		t.Fatalf("MarkAsRead: %v", err)
	}
	got, err := s.GetMessage("msg-1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.DeliveredAt == nil || got.ReadAt == nil {
		t.Fatal("expected DeliveredAt and ReadAt to be set")
	}

	if err := s.UpdateDeliveryAttempt("msg-1", "w1aw@KC1XYZ"); err != nil {
		t.Fatalf("UpdateDeliveryAttempt: %v", err)
	}
	got, _ = s.GetMessage("msg-1")
	if got.Attempts != 1 || got.HopCount != 1 || got.ForwardedTo != "w1aw@KC1XYZ" {
		t.Fatalf("unexpected state after forward attempt: %+v", got)
	}

	list, err := s.ListMailForRecipient(recip, 10)
	if err != nil {
		t.Fatalf("ListMailForRecipient: %v", err)
	}
	if len(list) != 1 || list[0].UUID != "msg-1" {
		t.Fatalf("unexpected recipient list: %+v", list)
	}

	if err := s.DeleteMessage("msg-1"); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if _, err := s.GetMessage("msg-1"); err == nil {
		t.Fatal("expected ErrNotFound after delete")
	}
}

func TestListBulletinsForBoard_OrderAndWatermark(t *testing.T) {
	s := openTestStore(t)

	base := time.Unix(1_700_000_000, 0).UTC()
	for i, uuid := range []string{"b1", "b2", "b3"} {
		_, _, err := s.CreateMessage(Message{
			UUID:      uuid,
			Type:      MessageTypeBulletin,
			BoardName: "general",
			BodyEnc:   []byte("post " + uuid),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("CreateMessage %s: %v", uuid, err)
		}
	}

	all, err := s.ListBulletinsForBoard("general", 0, 10)
	if err != nil {
		t.Fatalf("ListBulletinsForBoard: %v", err)
	}
	if len(all) != 3 || all[0].UUID != "b1" || all[2].UUID != "b3" {
		t.Fatalf("expected oldest-first b1,b2,b3, got %+v", all)
	}

	since := base.Add(30 * time.Second).UnixMicro()
	newer, err := s.ListBulletinsForBoard("general", since, 10)
	if err != nil {
		t.Fatalf("ListBulletinsForBoard watermark: %v", err)
	}
	if len(newer) != 2 {
		t.Fatalf("expected 2 posts after watermark, got %d", len(newer))
	}

	limited, err := s.ListBulletinsForBoard("general", 0, 1)
	if err != nil {
		t.Fatalf("ListBulletinsForBoard limit: %v", err)
	}
	if len(limited) != 1 || limited[0].UUID != "b1" {
		t.Fatalf("expected limit to keep oldest post, got %+v", limited)
	}
}

func TestPeerAndRouteLifecycle(t *testing.T) {
	s := openTestStore(t)

	peer := Peer{NodeID: 7, Callsign: "KC1XYZ", SyncEnabled: true, Health: PeerHealthUnknown}
	if err := s.UpsertPeer(peer); err != nil {
		t.Fatalf("UpsertPeer: %v", err)
	}

	got, err := s.GetPeer(7)
	if err != nil {
		t.Fatalf("GetPeer: %v", err)
	}
	if got.Callsign != "KC1XYZ" {
		t.Fatalf("unexpected callsign %q", got.Callsign)
	}

	byCall, err := s.GetPeerByCallsign("KC1XYZ")
	if err != nil {
		t.Fatalf("GetPeerByCallsign: %v", err)
	}
	if byCall.NodeID != 7 {
		t.Fatalf("GetPeerByCallsign mismatch")
	}

	now := time.Now().UTC()
	if err := s.UpdatePeerHealth(7, PeerHealthAlive, 0, &now); err != nil {
		t.Fatalf("UpdatePeerHealth: %v", err)
	}
	updated, _ := s.GetPeer(7)
	if updated.Health != PeerHealthAlive || updated.LastPongAt == nil {
		t.Fatalf("unexpected peer health state: %+v", updated)
	}

	if err := s.AdvanceBoardSyncWatermark(7, 1000); err != nil {
		t.Fatalf("AdvanceBoardSyncWatermark: %v", err)
	}
	if err := s.AdvanceBoardSyncWatermark(7, 500); err != nil {
		t.Fatalf("AdvanceBoardSyncWatermark (lower): %v", err)
	}
	afterWatermark, _ := s.GetPeer(7)
	if afterWatermark.LastBoardSyncUs != 1000 {
		t.Fatalf("expected watermark to only advance forward, got %d", afterWatermark.LastBoardSyncUs)
	}

	list, err := s.ListPeers()
	if err != nil || len(list) != 1 {
		t.Fatalf("ListPeers: %v, %+v", err, list)
	}

	if err := s.UpsertRoute(LearnedRoute{DestBBS: "KC1XYZ", ViaPeerID: 7, HopCount: 3, ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("UpsertRoute: %v", err)
	}
	// A better (smaller) hop count should win even though this call passes a larger one.
	if err := s.UpsertRoute(LearnedRoute{DestBBS: "KC1XYZ", ViaPeerID: 7, HopCount: 5, ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("UpsertRoute (worse hop): %v", err)
	}
	routes, err := s.RoutesToDestination("KC1XYZ", time.Now())
	if err != nil {
		t.Fatalf("RoutesToDestination: %v", err)
	}
	if len(routes) != 1 || routes[0].HopCount != 3 {
		t.Fatalf("expected smaller hop count to be kept, got %+v", routes)
	}

	n, err := s.DeleteRoutesViaPeer(7)
	if err != nil || n != 1 {
		t.Fatalf("DeleteRoutesViaPeer: n=%d err=%v", n, err)
	}
	routes, _ = s.RoutesToDestination("KC1XYZ", time.Now())
	if len(routes) != 0 {
		t.Fatalf("expected no routes after DeleteRoutesViaPeer, got %+v", routes)
	}
}

func TestPendingMailLifecycle(t *testing.T) {
	s := openTestStore(t)

	p := PendingMail{
		MailUUID:      "pm-1",
		RecipientName: "w1aw",
		RecipientBBS:  "KC1XYZ",
		ExpiresAt:     time.Now().Add(time.Hour),
	}
	if err := s.QueuePendingMail(p); err != nil {
		t.Fatalf("QueuePendingMail: %v", err)
	}

	forDest, err := s.PendingMailForDestination("KC1XYZ")
	if err != nil || len(forDest) != 1 {
		t.Fatalf("PendingMailForDestination: %v, %+v", err, forDest)
	}

	if err := s.UpdatePendingMailStatus("pm-1", "retrying"); err != nil {
		t.Fatalf("UpdatePendingMailStatus: %v", err)
	}
	forDest, _ = s.PendingMailForDestination("KC1XYZ")
	if forDest[0].RetryCount != 1 || forDest[0].LastStatus != "retrying" {
		t.Fatalf("unexpected pending mail state: %+v", forDest[0])
	}

	if err := s.DeletePendingMail("pm-1"); err != nil {
		t.Fatalf("DeletePendingMail: %v", err)
	}
	forDest, _ = s.PendingMailForDestination("KC1XYZ")
	if len(forDest) != 0 {
		t.Fatalf("expected no pending mail after delete, got %+v", forDest)
	}
}

func TestSweep_RemovesExpiredRowsAcrossBuckets(t *testing.T) {
	s := openTestStore(t)

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	if _, _, err := s.CreateMessage(Message{UUID: "expired-msg", Type: MessageTypeBulletin, BodyEnc: []byte("x"), ExpiresAt: &past}); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if _, _, err := s.CreateMessage(Message{UUID: "live-msg", Type: MessageTypeBulletin, BodyEnc: []byte("x"), ExpiresAt: &future}); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if err := s.UpsertRoute(LearnedRoute{DestBBS: "DEAD1", ViaPeerID: 1, ExpiresAt: past}); err != nil {
		t.Fatalf("UpsertRoute: %v", err)
	}
	if err := s.QueuePendingMail(PendingMail{MailUUID: "expired-pm", RecipientBBS: "X", ExpiresAt: past}); err != nil {
		t.Fatalf("QueuePendingMail: %v", err)
	}

	result, err := s.Sweep(time.Now())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if result.ExpiredMessages != 1 {
		t.Errorf("expected 1 expired message, got %d", result.ExpiredMessages)
	}
	if result.ExpiredRoutes != 1 {
		t.Errorf("expected 1 expired route, got %d", result.ExpiredRoutes)
	}
	if result.ExpiredPending != 1 {
		t.Errorf("expected 1 expired pending mail row, got %d", result.ExpiredPending)
	}

	if _, err := s.GetMessage("live-msg"); err != nil {
		t.Fatalf("expected live-msg to survive sweep: %v", err)
	}
	if _, err := s.GetMessage("expired-msg"); err == nil {
		t.Fatal("expected expired-msg to be removed by sweep")
	}
}
