package bsp

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/n8n-radio/bbscore/internal/config"
	"github.com/n8n-radio/bbscore/internal/corecontext"
	"github.com/n8n-radio/bbscore/internal/store"
	"github.com/n8n-radio/bbscore/internal/transport"
)

// batchListLimit bounds how many posts a single BOARDDAT frame carries
// when replaying history in response to a BOARDREQ.
const batchListLimit = 64

// Engine is the bulletin sync protocol (component G): per-(board,peer)
// batched replication of board posts.
type Engine struct {
	ctx      *corecontext.Context
	cfg      config.BSPConfig
	callsign string

	mu       sync.Mutex
	outbound map[string]*outboundBatch // "board|peerIdentity" -> batch
}

// New constructs the bulletin sync engine.
func New(ctx *corecontext.Context, callsign string) *Engine {
	return &Engine{
		ctx:      ctx,
		cfg:      ctx.Config.BSP,
		callsign: callsign,
		outbound: make(map[string]*outboundBatch),
	}
}

func batchKey(board, peerIdentity string) string { return board + "|" + peerIdentity }

// QueuePost fans a freshly composed local bulletin out to every
// sync-enabled peer's outbound batch for board.
func (e *Engine) QueuePost(board string, post Post) {
	peers, err := e.ctx.Store.ListPeers()
	if err != nil {
		e.ctx.Logger.Error("bsp: list peers", zap.Error(err))
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, peer := range peers {
		if !peer.SyncEnabled {
			continue
		}
		node, err := e.ctx.Store.GetNode(peer.NodeID)
		if err != nil {
			continue
		}
		key := batchKey(board, node.NodeIdentity)
		batch, ok := e.outbound[key]
		if !ok {
			batch = newOutboundBatch(board, node.NodeIdentity)
			e.outbound[key] = batch
		}
		batch.add(post)
	}
}

// RunFlushLoop checks every outbound batch against its count/age triggers
// on a fixed tick until ctx is cancelled.
func (e *Engine) RunFlushLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.flushDue()
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) flushDue() {
	type pending struct {
		batch   *outboundBatch
		trigger string
	}

	e.mu.Lock()
	var due []pending
	for _, batch := range e.outbound {
		if len(batch.posts) == 0 {
			continue
		}
		switch {
		case len(batch.posts) >= e.cfg.FlushCountThreshold:
			due = append(due, pending{batch, "count"})
		case time.Since(batch.queuedAt) >= e.cfg.FlushMaxAge:
			due = append(due, pending{batch, "age"})
		}
	}
	e.mu.Unlock()

	for _, p := range due {
		posts := p.batch.drain()
		if len(posts) == 0 {
			continue
		}
		frame := EncodeBoardDat(p.batch.board, posts)
		if _, err := e.ctx.Transport.SendText(context.Background(), frame, p.batch.peerIdentity, "", false); err != nil {
			e.ctx.Logger.Warn("bsp: flush send failed", zap.Error(err), zap.String("peer", p.batch.peerIdentity))
			continue
		}
		if e.ctx.Metrics != nil {
			e.ctx.Metrics.BSPFlushesTotal.WithLabelValues(p.trigger).Inc()
			e.ctx.Metrics.BSPPostsSyncedOutboundTotal.Add(float64(len(posts)))
		}
	}
}

// SyncBoard requests every post newer than the peer's last-synced
// watermark for board from peerNodeIdentity.
func (e *Engine) SyncBoard(board, peerNodeIdentity string) error {
	node, err := e.ctx.Store.GetNodeByIdentity(peerNodeIdentity)
	if err != nil {
		return err
	}
	peer, err := e.ctx.Store.GetPeer(node.ID)
	if err != nil {
		return err
	}
	_, err = e.ctx.Transport.SendText(context.Background(), EncodeBoardReq(board, peer.LastBoardSyncUs), peerNodeIdentity, "", false)
	return err
}

// HandleFrame dispatches one inbound transport frame by BSP verb.
func (e *Engine) HandleFrame(fr transport.Frame) {
	switch Verb(fr.Text) {
	case "BOARDREQ":
		e.handleBoardReq(fr)
	case "BOARDACK":
		// No sender-side state machine to advance beyond logging; the
		// actual data flows via BOARDDAT regardless of this ack.
	case "BOARDNAK":
		e.handleBoardNak(fr)
	case "BOARDDAT":
		e.handleBoardDat(fr)
	case "BOARDDLV":
		e.handleBoardDlv(fr)
	}
}

func (e *Engine) handleBoardReq(fr transport.Frame) {
	if !e.isKnownPeer(fr.From) {
		return
	}
	req, err := DecodeBoardReq(Fields(fr.Text))
	if err != nil {
		e.ctx.Logger.Warn("bsp: malformed BOARDREQ", zap.Error(err))
		return
	}

	board, err := e.ctx.Store.GetBoard(req.Board)
	if err != nil || !board.SyncEnabled {
		e.reply(fr.From, EncodeBoardNak(req.Board, "NOSYNC"))
		return
	}

	e.reply(fr.From, EncodeBoardAck(req.Board))

	posts, err := e.ctx.Store.ListBulletinsForBoard(req.Board, req.SinceUs, batchListLimit)
	if err != nil {
		e.ctx.Logger.Error("bsp: list bulletins", zap.Error(err))
		return
	}
	if len(posts) == 0 {
		e.reply(fr.From, EncodeBoardDlv(req.Board, req.SinceUs))
		return
	}

	wirePosts := make([]Post, len(posts))
	var newestUs int64
	for i, m := range posts {
		wirePosts[i] = Post{UUID: m.UUID, Author: authorOf(m), OriginBBS: orDefault(m.OriginBBS, e.callsign), TimeUs: m.CreatedAt.UnixMicro(), Body: string(m.BodyEnc)}
		if wirePosts[i].TimeUs > newestUs {
			newestUs = wirePosts[i].TimeUs
		}
	}
	e.reply(fr.From, EncodeBoardDat(req.Board, wirePosts))
	e.reply(fr.From, EncodeBoardDlv(req.Board, newestUs))

	if peerNode, perr := e.ctx.Store.GetNodeByIdentity(fr.From); perr == nil {
		for _, m := range posts {
			if serr := e.ctx.Store.RecordSyncAttempt(m.UUID, peerNode.ID, store.SyncDirectionOutbound, "sent"); serr != nil {
				e.ctx.Logger.Warn("bsp: record sync log", zap.Error(serr))
			}
		}
	}
	if e.ctx.Metrics != nil {
		e.ctx.Metrics.BSPPostsSyncedOutboundTotal.Add(float64(len(posts)))
	}
}

func authorOf(m store.Message) string {
	// Bulletin author display name isn't modeled as a separate field on
	// Message. Remote-origin posts carry the author in OriginBBS's
	// companion ForwardedTo field; posts without it (locally authored ones)
	// yield an empty author, which is sent on the wire as-is.
	if m.ForwardedTo != "" {
		return m.ForwardedTo
	}
	return ""
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func (e *Engine) handleBoardNak(fr transport.Frame) {
	fields := Fields(fr.Text)
	if len(fields) < 2 {
		return
	}
	e.ctx.Logger.Debug("bsp: board nak", zap.String("board", fields[0]), zap.String("reason", fields[1]), zap.String("from", fr.From))
}

func (e *Engine) handleBoardDat(fr transport.Frame) {
	board, batch, err := DecodeBoardDat(RestAfterVerb(fr.Text))
	if err != nil {
		e.ctx.Logger.Warn("bsp: malformed BOARDDAT", zap.Error(err))
		return
	}
	if !e.isKnownPeer(fr.From) {
		return
	}
	boardRow, err := e.ctx.Store.GetBoard(board)
	if err != nil || !boardRow.SyncEnabled {
		return
	}

	posts, decodeErrs := DecodeBatch(batch)
	for _, derr := range decodeErrs {
		e.ctx.Logger.Warn("bsp: malformed record in batch", zap.Error(derr))
	}

	peerNode, err := e.ctx.Store.GetNodeByIdentity(fr.From)
	if err != nil {
		return
	}

	now := time.Now().UTC()
	expiresAt := now.Add(e.cfg.BulletinExpiry)
	inserted := 0
	for _, p := range posts {
		msg := store.Message{
			UUID:      p.UUID,
			Type:      store.MessageTypeBulletin,
			BoardName: board,
			BodyEnc:   []byte(p.Body),
			CreatedAt: time.UnixMicro(p.TimeUs).UTC(),
			ExpiresAt: &expiresAt,
			OriginBBS: p.OriginBBS,
			ForwardedTo: p.Author,
		}
		_, result, err := e.ctx.Store.CreateMessage(msg)
		if err != nil {
			e.ctx.Logger.Error("bsp: store inbound bulletin", zap.Error(err))
			continue
		}
		status := "inserted"
		if result == store.CreateResultDuplicate {
			status = "duplicate"
		} else {
			inserted++
		}
		if serr := e.ctx.Store.RecordSyncAttempt(p.UUID, peerNode.ID, store.SyncDirectionInbound, status); serr != nil {
			e.ctx.Logger.Warn("bsp: record sync log", zap.Error(serr))
		}
	}
	if e.ctx.Metrics != nil {
		e.ctx.Metrics.BSPPostsReceivedInboundTotal.Add(float64(inserted))
	}
}

func (e *Engine) handleBoardDlv(fr transport.Frame) {
	_, newestUs, err := DecodeBoardDlv(Fields(fr.Text))
	if err != nil {
		e.ctx.Logger.Warn("bsp: malformed BOARDDLV", zap.Error(err))
		return
	}
	node, err := e.ctx.Store.GetNodeByIdentity(fr.From)
	if err != nil {
		return
	}
	if err := e.ctx.Store.AdvanceBoardSyncWatermark(node.ID, newestUs); err != nil {
		e.ctx.Logger.Error("bsp: advance sync watermark", zap.Error(err))
	}
}

func (e *Engine) isKnownPeer(nodeIdentity string) bool {
	node, err := e.ctx.Store.GetNodeByIdentity(nodeIdentity)
	if err != nil {
		return false
	}
	_, err = e.ctx.Store.GetPeer(node.ID)
	return err == nil
}

func (e *Engine) reply(to, text string) {
	if _, err := e.ctx.Transport.SendText(context.Background(), text, to, "", false); err != nil {
		e.ctx.Logger.Debug("bsp: reply send failed", zap.Error(err), zap.String("to", to))
	}
}
