package mrp

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/n8n-radio/bbscore/internal/config"
	"github.com/n8n-radio/bbscore/internal/corecontext"
	"github.com/n8n-radio/bbscore/internal/store"
	"github.com/n8n-radio/bbscore/internal/transport"
)

// PendingQueuer is satisfied structurally by the route-announcement
// protocol's pending-mail queue (and by mail.PendingQueuer, which shares
// this exact method set) — no import of either package is needed here.
type PendingQueuer interface {
	QueuePending(p store.PendingMail) error
}

// Engine is the remote-mail protocol (component E): sender, receiver, and
// relay state machines driving the MAILREQ/MAILACK/MAILNAK/MAILDAT/MAILDLV
// handshake over the packet transport facade.
//
// Engine satisfies the mail package's RemoteDispatcher interface
// structurally via SendRemoteMail — mail never imports mrp.
type Engine struct {
	ctx      *corecontext.Context
	callsign string
	router   *Router
	cfg      config.MRPConfig
	pending  PendingQueuer

	mu        sync.Mutex
	senders   map[string]*senderConv
	receivers map[string]*receiverConv
	relays    map[string]*relayConv
}

// New constructs the remote-mail engine. callsign is this BBS's own
// identity, used to populate FromBBS and to detect final-hop MAILREQs.
func New(ctx *corecontext.Context, router *Router, callsign string) *Engine {
	return &Engine{
		ctx:       ctx,
		callsign:  callsign,
		router:    router,
		cfg:       ctx.Config.MRP,
		senders:   make(map[string]*senderConv),
		receivers: make(map[string]*receiverConv),
		relays:    make(map[string]*relayConv),
	}
}

// SetPendingQueuer wires the route-announcement protocol's pending-mail
// queue, consulted when a send exhausts its retry ladder without a route
// or without a final MAILDLV.
func (e *Engine) SetPendingQueuer(q PendingQueuer) { e.pending = q }

// isKnownPeer reports whether nodeIdentity belongs to a configured peer —
// the security gate that silently drops frames from
// strangers rather than NAK'ing them (a NAK would itself leak protocol
// participation to an unauthenticated sender).
func (e *Engine) isKnownPeer(nodeIdentity string) (store.Peer, bool) {
	node, err := e.ctx.Store.GetNodeByIdentity(nodeIdentity)
	if err != nil {
		return store.Peer{}, false
	}
	peer, err := e.ctx.Store.GetPeer(node.ID)
	if err != nil {
		return store.Peer{}, false
	}
	return peer, true
}

// SendRemoteMail implements mail.RemoteDispatcher. It selects a route,
// opens a sender conversation, and transmits the initial MAILREQ. Delivery
// confirmation arrives later, asynchronously, via HandleFrame.
func (e *Engine) SendRemoteMail(mailUUID, senderUsername, senderBBS, recipientUsername, recipientBBS, body string) error {
	sel, ok := e.router.SelectRoute(recipientBBS)
	if !ok {
		return fmt.Errorf("mrp: no route to %s", recipientBBS)
	}

	chunks := ChunkBody(body, e.cfg.ChunkLen)
	req := MailReq{
		UUID:     mailUUID,
		FromUser: senderUsername,
		FromBBS:  senderBBS,
		ToUser:   recipientUsername,
		ToBBS:    recipientBBS,
		Hop:      0,
		Parts:    len(chunks),
		RouteCSV: senderBBS,
	}

	now := time.Now()
	sc := &senderConv{
		uuid:       mailUUID,
		state:      SenderAwaitAck,
		req:        req,
		nextHop:    sel.NextHopIdentity,
		body:       body,
		chunks:     chunks,
		startedAt:  now,
		lastSentAt: now,
		attempts:   1,
	}

	if _, err := e.ctx.Transport.SendText(context.Background(), EncodeMailReq(req), sel.NextHopIdentity, "", false); err != nil {
		return err
	}
	e.mu.Lock()
	e.senders[mailUUID] = sc
	e.mu.Unlock()

	if node, nerr := e.ctx.Store.GetNodeByIdentity(sel.NextHopIdentity); nerr == nil {
		_ = e.ctx.Store.RecordSyncAttempt(mailUUID, node.ID, store.SyncDirectionOutbound, "req_sent")
	}
	if e.ctx.Metrics != nil {
		e.ctx.Metrics.MRPFramesSentTotal.WithLabelValues("MAILREQ").Inc()
	}
	return nil
}

// HandleFrame dispatches one inbound transport frame by MRP verb. Wired as
// a transport.DeliveryHandler from cmd/bbscore.
func (e *Engine) HandleFrame(fr transport.Frame) {
	switch Verb(fr.Text) {
	case "MAILREQ":
		e.handleMailReq(fr)
	case "MAILACK":
		e.handleMailAck(fr)
	case "MAILNAK":
		e.handleMailNak(fr)
	case "MAILDAT":
		e.handleMailDat(fr)
	case "MAILDLV":
		e.handleMailDlv(fr)
	}
}

func (e *Engine) handleMailReq(fr transport.Frame) {
	if _, ok := e.isKnownPeer(fr.From); !ok {
		return
	}
	req, err := DecodeMailReq(Fields(fr.Text))
	if err != nil {
		e.ctx.Logger.Warn("mrp: malformed MAILREQ", zap.Error(err))
		return
	}
	if e.ctx.Metrics != nil {
		e.ctx.Metrics.MRPFramesReceivedTotal.WithLabelValues("MAILREQ", "accepted").Inc()
	}

	if req.ToBBS == e.callsign {
		e.acceptFinalMailReq(fr.From, req)
		return
	}

	if ContainsCallsign(req.RouteCSV, e.callsign) {
		e.reply(fr.From, EncodeMailNak(req.UUID, NakLoop))
		return
	}
	if req.Hop+1 > e.cfg.MaxHop {
		e.reply(fr.From, EncodeMailNak(req.UUID, NakMaxHops))
		return
	}
	sel, ok := e.router.SelectRoute(req.ToBBS)
	if !ok {
		e.reply(fr.From, EncodeMailNak(req.UUID, NakNoRoute))
		return
	}

	forwarded := req
	forwarded.Hop = req.Hop + 1
	forwarded.RouteCSV = AppendCallsign(req.RouteCSV, e.callsign)

	if _, err := e.ctx.Transport.SendText(context.Background(), EncodeMailReq(forwarded), sel.NextHopIdentity, "", false); err != nil {
		e.reply(fr.From, EncodeMailNak(req.UUID, NakNoRoute))
		return
	}

	e.mu.Lock()
	e.relays[req.UUID] = &relayConv{uuid: req.UUID, state: RelayActive, upstream: fr.From, downstream: sel.NextHopIdentity, startedAt: time.Now()}
	e.mu.Unlock()

	e.reply(fr.From, EncodeMailAck(req.UUID))
}

func (e *Engine) acceptFinalMailReq(from string, req MailReq) {
	if _, err := e.ctx.Store.GetUserByUsername(req.ToUser); err != nil {
		e.reply(from, EncodeMailNak(req.UUID, NakNoUser))
		return
	}

	e.mu.Lock()
	e.receivers[req.UUID] = &receiverConv{
		uuid:      req.UUID,
		state:     ReceiverAwaitingChunks,
		from:      req,
		replyTo:   from,
		total:     req.Parts,
		chunks:    make(map[int]string),
		startedAt: time.Now(),
	}
	e.mu.Unlock()

	e.reply(from, EncodeMailAck(req.UUID))
}

func (e *Engine) handleMailAck(fr transport.Frame) {
	fields := Fields(fr.Text)
	if len(fields) < 1 {
		return
	}
	uuid := fields[0]

	e.mu.Lock()
	sc, ok := e.senders[uuid]
	e.mu.Unlock()
	if ok {
		if sc.nextHop != fr.From {
			return
		}
		e.mu.Lock()
		sc.state = SenderAwaitDlv
		sc.lastDlvSent = time.Now()
		e.mu.Unlock()
		go e.sendChunks(sc)
		return
	}

	e.mu.Lock()
	rc, ok := e.relays[uuid]
	e.mu.Unlock()
	if ok && fr.From == rc.downstream {
		e.reply(rc.upstream, EncodeMailAck(uuid))
	}
}

func (e *Engine) handleMailNak(fr transport.Frame) {
	fields := Fields(fr.Text)
	if len(fields) < 2 {
		return
	}
	uuid, reason := fields[0], fields[1]

	e.mu.Lock()
	sc, ok := e.senders[uuid]
	if ok {
		delete(e.senders, uuid)
	}
	e.mu.Unlock()
	if ok {
		e.ctx.Logger.Warn("mrp: remote mail nak'd", zap.String("uuid", uuid), zap.String("reason", reason))
		e.requeue(sc)
		return
	}

	e.mu.Lock()
	rc, ok := e.relays[uuid]
	if ok {
		delete(e.relays, uuid)
	}
	e.mu.Unlock()
	if ok && fr.From == rc.downstream {
		e.reply(rc.upstream, EncodeMailNak(uuid, reason))
	}
}

func (e *Engine) handleMailDat(fr transport.Frame) {
	dat, err := DecodeMailDat(RestAfterVerb(fr.Text))
	if err != nil {
		e.ctx.Logger.Warn("mrp: malformed MAILDAT", zap.Error(err))
		return
	}

	e.mu.Lock()
	rc, ok := e.receivers[dat.UUID]
	e.mu.Unlock()
	if ok {
		e.mu.Lock()
		if rc.state == ReceiverDelivered {
			e.mu.Unlock()
			// Sender never saw our MAILDLV and retried MAILDAT; the receiver
			// state machine re-emits MAILDLV rather than re-storing.
			e.reply(rc.replyTo, EncodeMailDlv(rc.uuid, rc.finalDlv))
			return
		}
		rc.chunks[dat.Seq] = dat.Chunk
		rc.total = dat.Total
		done := rc.complete()
		e.mu.Unlock()
		if done {
			e.finishReceive(rc)
		}
		return
	}

	e.mu.Lock()
	relay, ok := e.relays[dat.UUID]
	e.mu.Unlock()
	if ok && fr.From == relay.upstream {
		e.ctx.Transport.SendText(context.Background(), fr.Text, relay.downstream, "", false) //nolint:errcheck
	}
}

func (e *Engine) finishReceive(rc *receiverConv) {
	body := rc.assembledBody()
	forwardedTo := fmt.Sprintf("%s@%s", rc.from.FromUser, rc.from.FromBBS)

	recipient, err := e.ctx.Store.GetUserByUsername(rc.from.ToUser)
	if err != nil {
		return
	}

	_, createResult, err := e.ctx.Store.CreateIncomingRemoteMail(store.Message{
		UUID:            rc.uuid,
		Type:            store.MessageTypeMail,
		RecipientUserID: &recipient.ID,
		BodyEnc:         []byte(body),
		CreatedAt:       time.Now().UTC(),
		OriginBBS:       rc.from.FromBBS,
		ForwardedTo:     forwardedTo,
		HopCount:        rc.from.Hop,
	})
	if err != nil {
		e.ctx.Logger.Error("mrp: store incoming remote mail", zap.Error(err))
		return
	}

	final := fmt.Sprintf("%s@%s", rc.from.ToUser, e.callsign)

	// Kept (not deleted) so a retried MAILDAT that crosses with our MAILDLV
	// still resolves idempotently per the receiver state machine's DELIVERED
	// transition; the GC sweep in retryTick reaps it after the timeout.
	e.mu.Lock()
	rc.state = ReceiverDelivered
	rc.deliveredAt = time.Now()
	rc.finalDlv = final
	e.mu.Unlock()

	e.reply(rc.replyTo, EncodeMailDlv(rc.uuid, final))

	if node, nerr := e.ctx.Store.GetNodeByIdentity(rc.replyTo); nerr == nil {
		if peer, perr := e.ctx.Store.GetPeer(node.ID); perr == nil {
			status := "delivered"
			if createResult == store.CreateResultDuplicate {
				status = "duplicate"
			}
			_ = e.ctx.Store.RecordSyncAttempt(rc.uuid, peer.NodeID, store.SyncDirectionInbound, status)
		}
	}

	if e.ctx.Metrics != nil {
		e.ctx.Metrics.MRPFramesReceivedTotal.WithLabelValues("MAILDAT", "complete").Inc()
	}
}

func (e *Engine) handleMailDlv(fr transport.Frame) {
	fields := Fields(fr.Text)
	if len(fields) < 1 {
		return
	}
	uuid := fields[0]

	e.mu.Lock()
	sc, ok := e.senders[uuid]
	if ok {
		delete(e.senders, uuid)
	}
	e.mu.Unlock()
	if ok {
		sc.state = SenderDelivered
		if err := e.ctx.Store.MarkAsDelivered(uuid); err != nil {
			e.ctx.Logger.Error("mrp: mark delivered", zap.Error(err))
		}
		if node, nerr := e.ctx.Store.GetNodeByIdentity(sc.nextHop); nerr == nil {
			_ = e.ctx.Store.RecordSyncAttempt(uuid, node.ID, store.SyncDirectionOutbound, "delivered")
		}
		return
	}

	e.mu.Lock()
	rc, ok := e.relays[uuid]
	if ok {
		delete(e.relays, uuid)
	}
	e.mu.Unlock()
	if ok {
		e.reply(rc.upstream, fr.Text)
	}
}

// sendChunks transmits a sender conversation's chunks in order, each with
// a per-chunk link-ACK retry budget and inter-chunk jitter.
// Runs on its own goroutine so inbound dispatch never blocks
// on a multi-second chunk transfer.
func (e *Engine) sendChunks(sc *senderConv) {
	for seq, chunk := range sc.chunks {
		frame := EncodeMailDat(sc.uuid, seq+1, len(sc.chunks), chunk)
		e.sendChunkWithRetry(sc.nextHop, frame)
		time.Sleep(chunkJitter(e.cfg.ChunkJitterMin, e.cfg.ChunkJitterMax))
	}
}

func (e *Engine) sendChunkWithRetry(nextHop, frame string) {
	retries := e.cfg.ChunkAckRetries
	if retries <= 0 {
		retries = 1
	}
	for attempt := 0; attempt < retries; attempt++ {
		delivered, _, err := e.ctx.Transport.SendTextAwaitAck(context.Background(), frame, nextHop, 10*time.Second)
		if err == nil && delivered {
			return
		}
	}
	e.ctx.Logger.Warn("mrp: chunk send exhausted link-ack retries", zap.String("to", nextHop))
}

func chunkJitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	span := max - min
	return min + time.Duration(rand.Int63n(int64(span)))
}

// requeue hands a failed sender conversation's body to the pending-mail
// queue, when wired, so RAP can redrive it once a route to the
// destination reappears.
func (e *Engine) requeue(sc *senderConv) {
	if e.pending == nil {
		if e.ctx.Metrics != nil {
			e.ctx.Metrics.MailAbandonedTotal.Inc()
		}
		return
	}
	now := time.Now().UTC()
	_ = e.pending.QueuePending(store.PendingMail{
		MailUUID:      sc.uuid,
		SenderUsername: sc.req.FromUser,
		SenderBBS:      sc.req.FromBBS,
		RecipientName:  sc.req.ToUser,
		RecipientBBS:   sc.req.ToBBS,
		BodyBlob:       []byte(sc.body),
		QueuedAt:       now,
		ExpiresAt:      now.Add(e.ctx.Config.RAP.PendingMailExpiry),
	})
}

// gcReceivers drops AWAITING_CHUNKS state that has sat idle past the
// configured timeout (the sender is expected to retry MAILREQ from
// scratch) and reaps DELIVERED receiver state kept around only to answer a
// crossed-wires duplicate MAILDAT idempotently.
func (e *Engine) gcReceivers(now time.Time) {
	timeout := e.cfg.AwaitingChunksTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for uuid, rc := range e.receivers {
		switch rc.state {
		case ReceiverAwaitingChunks:
			if now.Sub(rc.startedAt) >= timeout {
				delete(e.receivers, uuid)
			}
		case ReceiverDelivered:
			if now.Sub(rc.deliveredAt) >= timeout {
				delete(e.receivers, uuid)
			}
		}
	}
}

// gcRelays drops relay pass-through state that has sat idle past the
// configured timeout.
func (e *Engine) gcRelays(now time.Time) {
	timeout := e.cfg.RelayStateTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for uuid, rc := range e.relays {
		if now.Sub(rc.startedAt) >= timeout {
			delete(e.relays, uuid)
		}
	}
}

func (e *Engine) reply(to, text string) {
	if _, err := e.ctx.Transport.SendText(context.Background(), text, to, "", false); err != nil {
		e.ctx.Logger.Debug("mrp: reply send failed", zap.Error(err), zap.String("to", to))
	}
}

// RunRetryLoop resends outstanding AWAIT_ACK conversations on the
// configured request-retry ladder until delivered, nak'd, or the attempt
// budget is exhausted.
func (e *Engine) RunRetryLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.retryTick()
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) retryTick() {
	now := time.Now()

	e.mu.Lock()
	var stale []*senderConv
	var dlvStale []*senderConv
	for _, sc := range e.senders {
		switch sc.state {
		case SenderAwaitAck:
			idx := sc.attempts - 1
			if idx >= len(e.cfg.ReqRetryIntervals) {
				idx = len(e.cfg.ReqRetryIntervals) - 1
			}
			if idx < 0 || len(e.cfg.ReqRetryIntervals) == 0 {
				continue
			}
			due := time.Duration(e.cfg.ReqRetryIntervals[idx]) * time.Second
			if now.Sub(sc.lastSentAt) < due {
				continue
			}
			if sc.attempts >= e.cfg.MaxAttempts {
				stale = append(stale, sc)
				continue
			}
			sc.attempts++
			sc.lastSentAt = now
			req := sc.req
			nextHop := sc.nextHop
			go func() {
				_, _ = e.ctx.Transport.SendText(context.Background(), EncodeMailReq(req), nextHop, "", false)
			}()
			if e.ctx.Metrics != nil {
				e.ctx.Metrics.MRPRetriesTotal.WithLabelValues("req").Inc()
			}
		case SenderAwaitDlv:
			idx := sc.dlvAttempts
			if idx >= len(e.cfg.DlvRetryIntervals) {
				idx = len(e.cfg.DlvRetryIntervals) - 1
			}
			if idx < 0 || len(e.cfg.DlvRetryIntervals) == 0 {
				continue
			}
			due := time.Duration(e.cfg.DlvRetryIntervals[idx]) * time.Second
			if now.Sub(sc.lastDlvSent) < due {
				continue
			}
			if sc.dlvAttempts >= e.cfg.MaxAttempts {
				dlvStale = append(dlvStale, sc)
				continue
			}
			sc.dlvAttempts++
			sc.lastDlvSent = now
			go e.sendChunks(sc)
			if e.ctx.Metrics != nil {
				e.ctx.Metrics.MRPRetriesTotal.WithLabelValues("dlv").Inc()
			}
		}
	}
	for _, sc := range stale {
		delete(e.senders, sc.uuid)
	}
	for _, sc := range dlvStale {
		delete(e.senders, sc.uuid)
	}
	e.mu.Unlock()

	e.gcReceivers(now)
	e.gcRelays(now)

	for _, sc := range dlvStale {
		if e.ctx.Metrics != nil {
			e.ctx.Metrics.MRPRetriesTotal.WithLabelValues("dlv_exhausted").Inc()
		}
		e.requeue(sc)
	}

	for _, sc := range stale {
		if e.ctx.Metrics != nil {
			e.ctx.Metrics.MRPRetriesTotal.WithLabelValues("req_exhausted").Inc()
		}
		e.requeue(sc)
	}
}
