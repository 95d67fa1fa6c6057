package bsp

import "testing"

func TestOutboundBatch_AddAndDrain(t *testing.T) {
	b := newOutboundBatch("general", "KC1XYZ")
	if !b.queuedAt.IsZero() {
		t.Fatal("expected queuedAt to be zero before any post is added")
	}

	b.add(Post{UUID: "p1"})
	if b.queuedAt.IsZero() {
		t.Fatal("expected queuedAt to be stamped on first add")
	}
	b.add(Post{UUID: "p2"})

	drained := b.drain()
	if len(drained) != 2 {
		t.Fatalf("expected 2 posts drained, got %d", len(drained))
	}
	if drained[0].UUID != "p1" || drained[1].UUID != "p2" {
		t.Fatalf("unexpected drain order: %+v", drained)
	}

	if len(b.posts) != 0 {
		t.Fatal("expected posts to be cleared after drain")
	}
}

func TestOutboundBatch_DrainEmpty(t *testing.T) {
	b := newOutboundBatch("general", "KC1XYZ")
	if drained := b.drain(); drained != nil {
		t.Fatalf("expected nil drain on empty batch, got %v", drained)
	}
}
