package mail

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/n8n-radio/bbscore/internal/store"
	"github.com/n8n-radio/bbscore/internal/transport"
)

type fakeAdapter struct{}

func (fakeAdapter) Connect(ctx context.Context) error { return nil }
func (fakeAdapter) SendText(ctx context.Context, text, destination, channel string, wantAck bool) (string, bool, error) {
	return "req-1", true, nil
}
func (fakeAdapter) SetInboundHandler(h func(transport.Frame)) {}
func (fakeAdapter) Close() error                              { return nil }

func newTestEngineWithTransport(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	e, st, _ := newTestEngine(t)
	e.ctx.Transport = transport.New(fakeAdapter{}, transport.Config{
		SendFloor:            time.Millisecond,
		ReconnectBackoffMin:  time.Millisecond,
		ReconnectBackoffMax:  time.Millisecond,
		ReconnectMaxAttempts: 1,
		ReplyContextTTL:      time.Minute,
	}, zap.NewNop())
	return e, st
}

func TestDueForRetry_FirstAttemptAlwaysDue(t *testing.T) {
	e, _ := newTestEngineWithTransport(t)
	msg := store.Message{}
	if !e.dueForRetry(msg, time.Now()) {
		t.Fatal("expected a message with no prior attempt to be due immediately")
	}
}

func TestDueForRetry_AppliesBackoffLadder(t *testing.T) {
	e, _ := newTestEngineWithTransport(t)
	now := time.Now()
	last := now.Add(-e.ackTimeout / 2)
	msg := store.Message{Attempts: 0, LastAttemptAt: &last}
	if e.dueForRetry(msg, now) {
		t.Fatal("expected message to not yet be due at half the ack timeout")
	}

	last2 := now.Add(-e.ackTimeout * 2)
	msg2 := store.Message{Attempts: 0, LastAttemptAt: &last2}
	if !e.dueForRetry(msg2, now) {
		t.Fatal("expected message to be due after a full ack timeout has elapsed")
	}
}

func TestDueForRetry_ClampsAtLastLadderStep(t *testing.T) {
	e, _ := newTestEngineWithTransport(t)
	now := time.Now()
	last := now.Add(-e.ackTimeout * 3)
	msg := store.Message{Attempts: 99, LastAttemptAt: &last}
	if e.dueForRetry(msg, now) {
		t.Fatal("expected the ladder to clamp at its last step rather than index out of range")
	}
}

func TestSweepOnce_NotifiesRecipientNodesAndRecordsAttempt(t *testing.T) {
	e, st := newTestEngineWithTransport(t)
	sender := createTestUser(t, st, e.masterKey, "w1aw")
	recipient := createTestUser(t, st, e.masterKey, "kc1xyz")

	node, err := st.GetOrCreateNode("!deadbeef", "KC1XYZ", "KC1XYZ's node")
	if err != nil {
		t.Fatalf("GetOrCreateNode: %v", err)
	}
	if err := st.AssociateUserNode(recipient.ID, node.ID, true); err != nil {
		t.Fatalf("AssociateUserNode: %v", err)
	}

	msg, err := e.ComposeMail(sender.ID, 1, recipient.Username, "hi", "")
	if err != nil {
		t.Fatalf("ComposeMail: %v", err)
	}

	e.sweepOnce()

	updated, err := st.GetMessage(msg.UUID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if updated.Attempts != 1 {
		t.Fatalf("expected Attempts to be incremented to 1, got %d", updated.Attempts)
	}
	if updated.LastAttemptAt == nil {
		t.Fatal("expected LastAttemptAt to be set")
	}
}

func TestAttemptLocalNotify_AbandonsOnLastAttemptWithNoRemoteDispatcher(t *testing.T) {
	e, st := newTestEngineWithTransport(t)
	sender := createTestUser(t, st, e.masterKey, "w1aw")
	recipient := createTestUser(t, st, e.masterKey, "kc1xyz")

	msg, err := e.ComposeMail(sender.ID, 1, recipient.Username, "hi", "")
	if err != nil {
		t.Fatalf("ComposeMail: %v", err)
	}
	// Simulate the message having already used up every retry but one.
	msg.Attempts = e.maxAttempts - 1
	msg.HopCount = e.maxHop - 1

	e.attemptLocalNotify(msg)

	if got := testutil.ToFloat64(e.ctx.Metrics.MailAbandonedTotal); got != 1 {
		t.Fatalf("expected MailAbandonedTotal to be incremented once, got %v", got)
	}
}
