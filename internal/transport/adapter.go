// Package transport implements the packet transport facade (component C):
// a minimum-inter-send-interval pacer, reconnect-with-backoff state
// machine, and a reply-context TTL table in front of a radio Adapter that
// the facade does not implement itself — only the contract the adapter
// must satisfy.
package transport

import "context"

// Frame is an inbound text datagram delivered by the Adapter.
type Frame struct {
	From     string // opaque node identity of the sender
	To       string // opaque node identity of the local node, or "" for broadcast
	Text     string
	Channel  string
	ReplyID  string // non-empty if this frame carries a native reply-to id
}

// Adapter is the radio I/O contract the transport facade depends on. The
// concrete implementation (serial KISS TNC, simulator, etc.) is supplied by
// the embedding process — out of scope for this core.
type Adapter interface {
	// Connect establishes the underlying link. Called by the facade's
	// reconnect loop.
	Connect(ctx context.Context) error
	// SendText transmits a single text datagram. want_ack requests a
	// per-hop link ACK, surfaced via the returned bool.
	SendText(ctx context.Context, text, destination, channel string, wantAck bool) (requestID string, ok bool, err error)
	// SetInboundHandler registers the callback invoked for every inbound
	// frame. The adapter may call it from its own I/O goroutine; the
	// facade is responsible for handing frames to the owning event loop
	// safely (see New, which queues frames on Facade.inboundCh).
	SetInboundHandler(func(Frame))
	// Close tears down the underlying link.
	Close() error
}
