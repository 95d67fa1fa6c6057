package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/n8n-radio/bbscore/internal/pacing"
)

// Sentinel errors for facade-level send failures.
type NotConnectedError struct{}

func (NotConnectedError) Error() string { return "transport: not connected" }

type SendTimeoutError struct{ RequestID string }

func (e SendTimeoutError) Error() string { return fmt.Sprintf("transport: send timeout for request %s", e.RequestID) }

type LinkNakError struct{ Reason string }

func (e LinkNakError) Error() string { return fmt.Sprintf("transport: link nak: %s", e.Reason) }

// DeliveryHandler is invoked for every inbound frame, on the facade's own
// dispatch goroutine (never on the adapter's I/O thread) — the bounded
// MPSC handoff.
type DeliveryHandler func(Frame)

// Facade is the packet transport facade (component C): pacing, reconnect,
// reply-context correlation, and inbound dispatch in front of an Adapter.
type Facade struct {
	adapter Adapter
	logger  *zap.Logger

	pacer   *pacing.Limiter
	conn    *connTracker
	replies *ReplyContextTable

	inboundCh chan Frame

	mu       sync.Mutex
	handlers []DeliveryHandler

	backoffMin  time.Duration
	backoffMax  time.Duration
	maxAttempts int
}

// Config bundles the facade's tunable knobs, mirroring config.TransportConfig.
type Config struct {
	SendFloor            time.Duration
	ReconnectBackoffMin  time.Duration
	ReconnectBackoffMax  time.Duration
	ReconnectMaxAttempts int
	ReplyContextTTL      time.Duration
}

// New constructs a Facade around adapter. The facade registers itself as
// the adapter's inbound handler.
func New(adapter Adapter, cfg Config, logger *zap.Logger) *Facade {
	f := &Facade{
		adapter:     adapter,
		logger:      logger,
		pacer:       pacing.New(cfg.SendFloor),
		conn:        newConnTracker(cfg.ReconnectBackoffMin, cfg.ReconnectBackoffMax, cfg.ReconnectMaxAttempts),
		replies:     NewReplyContextTable(cfg.ReplyContextTTL),
		inboundCh:   make(chan Frame, 256),
		backoffMin:  cfg.ReconnectBackoffMin,
		backoffMax:  cfg.ReconnectBackoffMax,
		maxAttempts: cfg.ReconnectMaxAttempts,
	}
	adapter.SetInboundHandler(func(fr Frame) {
		select {
		case f.inboundCh <- fr:
		default:
			f.logger.Warn("transport: inbound queue full, dropping frame", zap.String("from", fr.From))
		}
	})
	return f
}

// OnDelivery registers a handler invoked for every inbound frame, in
// registration order.
func (f *Facade) OnDelivery(h DeliveryHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, h)
}

// ReplyContexts returns the facade's reply-context table for callers that
// need to stash/retrieve correlation state directly.
func (f *Facade) ReplyContexts() *ReplyContextTable {
	return f.replies
}

// Connected reports whether the underlying link is currently usable.
func (f *Facade) Connected() bool {
	return f.conn.Connected()
}

// Run runs the connect/backoff ladder once, then drives the inbound
// dispatch loop until ctx is cancelled. A link marked lost by a failed
// send stays in the reconnecting state; Run does not reconnect it.
// Intended to be started once as a goroutine from cmd/bbscore's startup
// sequence.
func (f *Facade) Run(ctx context.Context) error {
	if err := f.connectWithRetry(ctx); err != nil {
		return err
	}
	for {
		select {
		case fr := <-f.inboundCh:
			f.dispatch(fr)
		case <-ctx.Done():
			_ = f.adapter.Close()
			return nil
		}
	}
}

func (f *Facade) dispatch(fr Frame) {
	f.mu.Lock()
	handlers := make([]DeliveryHandler, len(f.handlers))
	copy(handlers, f.handlers)
	f.mu.Unlock()

	for _, h := range handlers {
		h(fr)
	}
}

// connectWithRetry runs the connect/backoff ladder until connected or the
// attempt budget is exhausted.
func (f *Facade) connectWithRetry(ctx context.Context) error {
	f.conn.set(StateConnecting)
	for {
		if err := f.adapter.Connect(ctx); err == nil {
			f.conn.connectOK()
			return nil
		}
		backoff, ok := f.conn.connectFail()
		if !ok {
			return fmt.Errorf("transport: reconnect attempts exhausted")
		}
		f.logger.Warn("transport: connect failed, backing off", zap.Duration("backoff", backoff))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SendText paces and transmits a single text datagram. Returns the
// request id assigned by the adapter, or NotConnectedError if the link is
// currently down.
func (f *Facade) SendText(ctx context.Context, text, destination, channel string, wantAck bool) (string, error) {
	if !f.conn.Connected() {
		return "", NotConnectedError{}
	}
	if err := f.pacer.Wait(ctx); err != nil {
		return "", err
	}
	requestID, ok, err := f.adapter.SendText(ctx, text, destination, channel, wantAck)
	if err != nil {
		f.conn.lost()
		return "", err
	}
	// ok only carries meaning when a link ACK was requested; adapters with
	// no link-ACK concept (e.g. TCPAdapter) always report false and that is
	// not a NAK unless wantAck asked for a real answer.
	if wantAck && !ok {
		return "", LinkNakError{Reason: "send rejected"}
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return requestID, nil
}

// SendTextAwaitAck sends a protocol frame that needs per-hop confirmation,
// blocking up to timeout for the link ACK.
func (f *Facade) SendTextAwaitAck(ctx context.Context, text, destination string, timeout time.Duration) (delivered bool, reason string, err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, sendErr := f.SendText(ctx, text, destination, "", true)
	if sendErr != nil {
		if _, nak := sendErr.(LinkNakError); nak || ctx.Err() != nil {
			return false, "timeout", nil
		}
		return false, "", sendErr
	}
	// The adapter's link-ACK surfaces as a successful SendText return in
	// this facade's contract (see Adapter.SendText's ok return); a missing
	// link ACK (LinkNakError from SendText) is reported as reason "timeout".
	return true, "OK", nil
}
