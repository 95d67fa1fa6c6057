package mail

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/n8n-radio/bbscore/internal/store"
)

// RunDeliveryLoop scans for pending local-mail deliveries on every
// SweepInterval tick until ctx is cancelled. For each due row it pokes
// every node associated with the recipient with a short notification; the
// notification itself is fire-and-forget — the recipient pulling mail is
// the acknowledgment.
func (e *Engine) RunDeliveryLoop(ctx context.Context) {
	ticker := time.NewTicker(e.ctx.Config.Mail.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.sweepOnce()
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) sweepOnce() {
	pending, err := e.ctx.Store.GetPendingDeliveries(256, e.maxAttempts, e.maxHop)
	if err != nil {
		e.ctx.Logger.Error("mail: get pending deliveries", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	for _, msg := range pending {
		if !e.dueForRetry(msg, now) {
			continue
		}
		e.attemptLocalNotify(msg)
	}

	if e.ctx.Metrics != nil {
		e.ctx.Metrics.MailPendingGauge.Set(float64(len(pending)))
	}
}

// dueForRetry applies the backoff ladder {ACK_TO x1, x2, x4}.
func (e *Engine) dueForRetry(msg store.Message, now time.Time) bool {
	if msg.LastAttemptAt == nil {
		return true
	}
	ladder := []time.Duration{e.ackTimeout, e.ackTimeout * 2, e.ackTimeout * 4}
	idx := msg.Attempts
	if idx >= len(ladder) {
		idx = len(ladder) - 1
	}
	return now.Sub(*msg.LastAttemptAt) >= ladder[idx]
}

func (e *Engine) attemptLocalNotify(msg store.Message) {
	if msg.RecipientUserID == nil {
		return
	}
	nodes, err := e.ctx.Store.NodesForUser(*msg.RecipientUserID)
	if err != nil {
		e.ctx.Logger.Error("mail: nodes for user", zap.Error(err))
		return
	}

	var sender store.User
	if msg.SenderUserID != nil {
		sender, _ = e.ctx.Store.GetUser(*msg.SenderUserID)
	}
	poke := fmt.Sprintf("[MAIL] From: %s. DM !mail", sender.Username)

	for _, un := range nodes {
		node, nodeErr := e.ctx.Store.GetNode(un.NodeID)
		if nodeErr != nil {
			continue
		}
		_, _ = e.ctx.Transport.SendText(context.Background(), poke, node.NodeIdentity, "", false)
	}

	if err := e.ctx.Store.UpdateDeliveryAttempt(msg.UUID, ""); err != nil {
		e.ctx.Logger.Error("mail: update delivery attempt", zap.Error(err))
		return
	}

	if msg.Attempts+1 >= e.maxAttempts {
		if msg.HopCount < e.maxHop-1 && e.remote != nil {
			// Exhausted local retries but still within hop budget: record a
			// forward attempt in the store (hop count +1, forwarded_to set to
			// the row's own UUID). The remote dispatcher is not called here;
			// no frame is sent to a peer for this row.
			if err := e.ctx.Store.UpdateDeliveryAttempt(msg.UUID, msg.UUID); err == nil {
				e.ctx.Logger.Info("mail: local delivery exhausted, handed to remote forwarding", zap.String("uuid", msg.UUID))
			}
		} else {
			if e.ctx.Metrics != nil {
				e.ctx.Metrics.MailAbandonedTotal.Inc()
			}
			e.ctx.Logger.Warn("mail: abandoning undeliverable mail", zap.String("uuid", msg.UUID))
		}
	}
}
