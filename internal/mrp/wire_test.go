package mrp

import "testing"

func TestEncodeDecodeMailReq_RoundTrip(t *testing.T) {
	req := MailReq{
		UUID:     "uuid-1",
		FromUser: "w1aw",
		FromBBS:  "KC1ABC",
		ToUser:   "n0call",
		ToBBS:    "KC1XYZ",
		Hop:      1,
		Parts:    3,
		RouteCSV: "KC1ABC",
	}
	frame := EncodeMailReq(req)
	if Verb(frame) != "MAILREQ" {
		t.Fatalf("expected verb MAILREQ, got %q", Verb(frame))
	}

	decoded, err := DecodeMailReq(Fields(frame))
	if err != nil {
		t.Fatalf("DecodeMailReq: %v", err)
	}
	if decoded != req {
		t.Fatalf("round trip mismatch: got %+v want %+v", decoded, req)
	}
}

func TestDecodeMailReq_WrongFieldCount(t *testing.T) {
	if _, err := DecodeMailReq([]string{"only", "two"}); err == nil {
		t.Fatal("expected an error for wrong field count")
	}
}

func TestDecodeMailReq_NonNumericHop(t *testing.T) {
	fields := []string{"uuid", "w1aw", "KC1ABC", "n0call", "KC1XYZ", "notanumber", "3", ""}
	if _, err := DecodeMailReq(fields); err == nil {
		t.Fatal("expected an error for non-numeric hop field")
	}
}

func TestEncodeMailAckNak(t *testing.T) {
	ack := EncodeMailAck("uuid-1")
	if ack != "MAILACK|uuid-1|OK" {
		t.Fatalf("unexpected MAILACK frame: %q", ack)
	}
	nak := EncodeMailNak("uuid-1", NakNoRoute)
	if nak != "MAILNAK|uuid-1|NOROUTE" {
		t.Fatalf("unexpected MAILNAK frame: %q", nak)
	}
}

func TestEncodeDecodeMailDat_RoundTrip(t *testing.T) {
	frame := EncodeMailDat("uuid-1", 2, 5, "chunk|with|pipes")
	if Verb(frame) != "MAILDAT" {
		t.Fatalf("expected verb MAILDAT, got %q", Verb(frame))
	}

	dat, err := DecodeMailDat(RestAfterVerb(frame))
	if err != nil {
		t.Fatalf("DecodeMailDat: %v", err)
	}
	if dat.UUID != "uuid-1" || dat.Seq != 2 || dat.Total != 5 || dat.Chunk != "chunk|with|pipes" {
		t.Fatalf("unexpected decode: %+v", dat)
	}
}

func TestDecodeMailDat_MalformedSeqTotal(t *testing.T) {
	if _, err := DecodeMailDat("uuid-1|not-a-fraction|chunk"); err == nil {
		t.Fatal("expected error for malformed seq/total")
	}
}

func TestEncodeMailDlv(t *testing.T) {
	frame := EncodeMailDlv("uuid-1", "n0call@KC1XYZ")
	if frame != "MAILDLV|uuid-1|OK|n0call@KC1XYZ" {
		t.Fatalf("unexpected MAILDLV frame: %q", frame)
	}
}

func TestChunkBody(t *testing.T) {
	chunks := ChunkBody("hello world", 4)
	want := []string{"hell", "o wo", "rld"}
	if len(chunks) != len(want) {
		t.Fatalf("expected %d chunks, got %d: %v", len(want), len(chunks), chunks)
	}
	for i := range want {
		if chunks[i] != want[i] {
			t.Errorf("chunk %d = %q, want %q", i, chunks[i], want[i])
		}
	}
}

func TestChunkBody_Empty(t *testing.T) {
	chunks := ChunkBody("", 4)
	if len(chunks) != 1 || chunks[0] != "" {
		t.Fatalf("expected single empty chunk, got %v", chunks)
	}
}

func TestContainsAndAppendCallsign(t *testing.T) {
	route := AppendCallsign("", "KC1ABC")
	route = AppendCallsign(route, "KC1XYZ")
	if route != "KC1ABC,KC1XYZ" {
		t.Fatalf("unexpected route list %q", route)
	}
	if !ContainsCallsign(route, "kc1abc") {
		t.Fatal("expected case-insensitive match for KC1ABC")
	}
	if ContainsCallsign(route, "KC1DEF") {
		t.Fatal("did not expect KC1DEF to be present")
	}
}
