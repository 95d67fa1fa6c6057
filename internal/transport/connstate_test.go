package transport

import (
	"testing"
	"time"
)

func TestConnState_String(t *testing.T) {
	cases := map[ConnState]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateReconnecting: "reconnecting",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}

func TestConnTracker_StartsDisconnected(t *testing.T) {
	tr := newConnTracker(time.Millisecond, time.Second, 5)
	if tr.Current() != StateDisconnected {
		t.Fatalf("expected StateDisconnected, got %v", tr.Current())
	}
	if tr.Connected() {
		t.Fatal("expected Connected() false before connectOK")
	}
}

func TestConnTracker_ConnectOK_ResetsAttempts(t *testing.T) {
	tr := newConnTracker(time.Millisecond, time.Second, 5)
	tr.connectFail()
	tr.connectFail()
	tr.connectOK()
	if !tr.Connected() {
		t.Fatal("expected Connected() true after connectOK")
	}
	// A subsequent failure should restart the backoff ladder from attempt 1.
	d, ok := tr.connectFail()
	if !ok {
		t.Fatal("expected retry budget remaining")
	}
	if d != time.Millisecond {
		t.Fatalf("expected first backoff after reset to equal backoffMin, got %v", d)
	}
}

func TestConnTracker_ConnectFail_ExponentialBackoffCapped(t *testing.T) {
	tr := newConnTracker(10*time.Millisecond, 50*time.Millisecond, 10)
	d1, ok := tr.connectFail()
	if !ok || d1 != 10*time.Millisecond {
		t.Fatalf("expected first backoff 10ms, got %v ok=%v", d1, ok)
	}
	d2, ok := tr.connectFail()
	if !ok || d2 != 20*time.Millisecond {
		t.Fatalf("expected second backoff 20ms, got %v ok=%v", d2, ok)
	}
	d3, ok := tr.connectFail()
	if !ok || d3 != 40*time.Millisecond {
		t.Fatalf("expected third backoff 40ms, got %v ok=%v", d3, ok)
	}
	d4, ok := tr.connectFail()
	if !ok || d4 != 50*time.Millisecond {
		t.Fatalf("expected fourth backoff capped at 50ms, got %v ok=%v", d4, ok)
	}
}

func TestConnTracker_ConnectFail_ExhaustsAttemptBudget(t *testing.T) {
	tr := newConnTracker(time.Millisecond, time.Second, 2)
	if _, ok := tr.connectFail(); !ok {
		t.Fatal("expected first attempt to still have budget")
	}
	if _, ok := tr.connectFail(); ok {
		t.Fatal("expected second attempt to exhaust the budget")
	}
	if tr.Current() != StateDisconnected {
		t.Fatalf("expected StateDisconnected after exhausting retries, got %v", tr.Current())
	}
}

func TestConnTracker_Lost_ResetsAttemptCounter(t *testing.T) {
	tr := newConnTracker(10*time.Millisecond, 100*time.Millisecond, 10)
	tr.connectOK()
	tr.lost()
	if tr.Current() != StateReconnecting {
		t.Fatalf("expected StateReconnecting after lost, got %v", tr.Current())
	}
	d, ok := tr.connectFail()
	if !ok || d != 10*time.Millisecond {
		t.Fatalf("expected backoff to restart at backoffMin after lost, got %v ok=%v", d, ok)
	}
}
