package mrp

import "testing"

func TestSenderState_String(t *testing.T) {
	cases := map[SenderState]string{
		SenderIdle:      "IDLE",
		SenderAwaitAck:  "AWAIT_ACK",
		SenderAwaitDlv:  "AWAIT_DLV",
		SenderDelivered: "DELIVERED",
		SenderFailed:    "FAIL",
		SenderState(99): "UNKNOWN",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", s, got, want)
		}
	}
}

func TestReceiverState_String(t *testing.T) {
	cases := map[ReceiverState]string{
		ReceiverIdle:           "IDLE",
		ReceiverAwaitingChunks: "AWAITING_CHUNKS",
		ReceiverDelivered:      "DELIVERED",
		ReceiverState(99):      "UNKNOWN",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", s, got, want)
		}
	}
}

func TestReceiverConv_CompleteReportsFalseUntilAllChunksArrive(t *testing.T) {
	rc := &receiverConv{total: 3, chunks: map[int]string{}}
	if rc.complete() {
		t.Fatal("expected incomplete with no chunks")
	}
	rc.chunks[1] = "a"
	rc.chunks[2] = "b"
	if rc.complete() {
		t.Fatal("expected incomplete with 2 of 3 chunks")
	}
	rc.chunks[3] = "c"
	if !rc.complete() {
		t.Fatal("expected complete with all 3 chunks")
	}
}

func TestReceiverConv_CompleteFalseWhenTotalUnset(t *testing.T) {
	rc := &receiverConv{total: 0, chunks: map[int]string{}}
	if rc.complete() {
		t.Fatal("expected a zero total to never report complete")
	}
}

func TestReceiverConv_AssembledBodyJoinsChunksInOrder(t *testing.T) {
	rc := &receiverConv{total: 3, chunks: map[int]string{2: "B", 1: "A", 3: "C"}}
	if got := rc.assembledBody(); got != "ABC" {
		t.Fatalf("expected assembled body %q, got %q", "ABC", got)
	}
}

func TestReceiverConv_AssembledBodyIgnoresOutOfRangeSeq(t *testing.T) {
	rc := &receiverConv{total: 2, chunks: map[int]string{1: "A", 2: "B", 5: "STRAY"}}
	if got := rc.assembledBody(); got != "AB" {
		t.Fatalf("expected assembled body %q, got %q", "AB", got)
	}
}
