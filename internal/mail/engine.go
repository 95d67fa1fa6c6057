// Package mail implements the mail delivery engine (component D): compose,
// read, list, delete, inbox summary, and the background local-delivery
// loop. Remote composition hands off to the remote-mail protocol (E) via a
// narrow RemoteDispatcher interface, and queues undeliverable remote mail
// with the route-announcement protocol (F) via PendingQueuer — both wired
// by cmd/bbscore after E and F are constructed, to avoid an import cycle
// between mail, mrp, and rap.
package mail

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/n8n-radio/bbscore/internal/corecontext"
	"github.com/n8n-radio/bbscore/internal/cryptoenv"
	"github.com/n8n-radio/bbscore/internal/store"
)

// RemoteDispatcher is the narrow view of the remote-mail protocol that the
// mail engine depends on: hand a composed remote row to E's sender state
// machine.
type RemoteDispatcher interface {
	SendRemoteMail(mailUUID, senderUsername, senderBBS, recipientUsername, recipientBBS, body string) error
}

// PendingQueuer is the narrow view of the route-announcement protocol that
// the mail engine depends on when E reports no route is available.
type PendingQueuer interface {
	QueuePending(p store.PendingMail) error
}

// Engine is the mail delivery engine (component D).
type Engine struct {
	ctx       *corecontext.Context
	masterKey []byte
	callsign  string

	remote  RemoteDispatcher
	pending PendingQueuer

	maxAttempts int
	maxHop      int
	ackTimeout  time.Duration
	mailExpiry  time.Duration
}

// New constructs a mail Engine. masterKey unseals per-user data keys sealed
// under the operator master key; callsign is this BBS's own identity, used
// to detect local vs remote recipients.
func New(ctx *corecontext.Context, masterKey []byte, callsign string) *Engine {
	cfg := ctx.Config.Mail
	return &Engine{
		ctx:         ctx,
		masterKey:   masterKey,
		callsign:    callsign,
		maxAttempts: cfg.MaxAttempts,
		maxHop:      cfg.MaxHop,
		ackTimeout:  cfg.AckTimeout,
		mailExpiry:  cfg.MailExpiry,
	}
}

// SetRemoteDispatcher wires the remote-mail protocol handler. Must be
// called before any remote ComposeMail call.
func (e *Engine) SetRemoteDispatcher(d RemoteDispatcher) { e.remote = d }

// SetPendingQueuer wires the route-announcement protocol's pending queue.
func (e *Engine) SetPendingQueuer(q PendingQueuer) { e.pending = q }

// recipientKeyFor returns the data-encryption key for recipientUserID,
// unsealed via the operator master key (the key-escrow path).
func (e *Engine) recipientKeyFor(u store.User) ([]byte, error) {
	key, err := cryptoenv.UnsealFromMaster(u.DataKeySealedMaster, e.masterKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}
	return key, nil
}

// ComposeMail resolves the recipient and dispatches to the local or remote
// path. recipient is either a bare username (local) or "user@BBS" (remote,
// per the session layer's "send mail X to user Y@BBS Z" contract).
func (e *Engine) ComposeMail(senderUserID, senderNodeID uint64, recipient, body, subject string) (store.Message, error) {
	username, bbs, isRemote := splitRecipient(recipient)
	if isRemote && !strings.EqualFold(bbs, e.callsign) {
		return e.composeRemote(senderUserID, senderNodeID, username, bbs, body, subject)
	}
	return e.composeLocal(senderUserID, senderNodeID, username, body, subject)
}

func splitRecipient(recipient string) (username, bbs string, isRemote bool) {
	if i := strings.IndexByte(recipient, '@'); i >= 0 {
		return recipient[:i], recipient[i+1:], true
	}
	return recipient, "", false
}

func (e *Engine) composeLocal(senderUserID, senderNodeID uint64, recipientUsername, body, subject string) (store.Message, error) {
	sender, err := e.ctx.Store.GetUser(senderUserID)
	if err != nil {
		return store.Message{}, err
	}
	recipient, err := e.ctx.Store.GetUserByUsername(recipientUsername)
	if err != nil {
		return store.Message{}, ErrRecipientNotFound
	}
	if recipient.Banned {
		return store.Message{}, ErrRecipientBanned
	}
	if recipient.ID == senderUserID {
		return store.Message{}, ErrSelfAddressed
	}

	key, err := e.recipientKeyFor(recipient)
	if err != nil {
		return store.Message{}, err
	}

	now := time.Now().UTC()
	aad := cryptoenv.MailAAD(sender.Username, now.Unix())
	bodyEnc, err := cryptoenv.Encrypt([]byte(body), key, aad)
	if err != nil {
		return store.Message{}, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}
	var subjectEnc []byte
	if subject != "" {
		subjectEnc, err = cryptoenv.Encrypt([]byte(subject), key, aad)
		if err != nil {
			return store.Message{}, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
		}
	}

	expiresAt := now.Add(e.mailExpiry)
	msg := store.Message{
		UUID:            uuid.NewString(),
		Type:            store.MessageTypeMail,
		SenderUserID:    &senderUserID,
		SenderNodeID:    senderNodeID,
		RecipientUserID: &recipient.ID,
		SubjectEnc:      subjectEnc,
		BodyEnc:         bodyEnc,
		CreatedAt:       now,
		ExpiresAt:       &expiresAt,
		OriginBBS:       e.callsign,
	}
	created, _, err := e.ctx.Store.CreateMessage(msg)
	if err != nil {
		return store.Message{}, err
	}
	if e.ctx.Metrics != nil {
		e.ctx.Metrics.MailComposedTotal.Inc()
	}
	return created, nil
}

func (e *Engine) composeRemote(senderUserID, senderNodeID uint64, recipientUsername, recipientBBS, body, subject string) (store.Message, error) {
	if len(body) > e.ctx.Config.MRP.MaxBodyLen {
		return store.Message{}, fmt.Errorf("%w (max %d chars, yours: %d)", ErrPayloadTooLong, e.ctx.Config.MRP.MaxBodyLen, len(body))
	}

	sender, err := e.ctx.Store.GetUser(senderUserID)
	if err != nil {
		return store.Message{}, err
	}

	now := time.Now().UTC()
	expiresAt := now.Add(e.mailExpiry)
	msgUUID := uuid.NewString()
	forwardedTo := fmt.Sprintf("%s@%s>%s@%s", sender.Username, e.callsign, recipientUsername, recipientBBS)

	msg := store.Message{
		UUID:         msgUUID,
		Type:         store.MessageTypeMail,
		SenderUserID: &senderUserID,
		SenderNodeID: senderNodeID,
		BodyEnc:      []byte(body), // plaintext in transit between peers
		CreatedAt:    now,
		ExpiresAt:    &expiresAt,
		OriginBBS:    e.callsign,
		ForwardedTo:  forwardedTo,
	}
	created, _, err := e.ctx.Store.CreateMessage(msg)
	if err != nil {
		return store.Message{}, err
	}
	if e.ctx.Metrics != nil {
		e.ctx.Metrics.MailComposedTotal.Inc()
	}

	if e.remote == nil {
		return created, nil
	}
	if err := e.remote.SendRemoteMail(msgUUID, sender.Username, e.callsign, recipientUsername, recipientBBS, body); err != nil {
		if e.pending != nil {
			_ = e.pending.QueuePending(store.PendingMail{
				MailUUID:       msgUUID,
				SenderUserID:   senderUserID,
				SenderUsername: sender.Username,
				SenderBBS:      e.callsign,
				RecipientName:  recipientUsername,
				RecipientBBS:   recipientBBS,
				BodyBlob:       []byte(body),
				Subject:        subject,
				QueuedAt:       now,
				ExpiresAt:      now.Add(e.ctx.Config.RAP.PendingMailExpiry),
			})
		}
	}
	return created, nil
}

// ReadMail fetches a message and decrypts it (local) or parses the remote
// sender (remote), marking the row read on success.
func (e *Engine) ReadMail(messageUUID string) (body, subject, fromDisplay string, err error) {
	msg, err := e.ctx.Store.GetMessage(messageUUID)
	if err != nil {
		return "", "", "", ErrMessageNotFound
	}

	if msg.OriginBBS != "" && msg.ForwardedTo != "" && !strings.Contains(msg.ForwardedTo, ">") {
		// Remote mail: body is plaintext as delivered; "from" parsed from
		// forwarded_to ("sender@origin_bbs").
		fromDisplay = msg.ForwardedTo
		body = string(msg.BodyEnc)
		subject = "(remote mail)"
	} else {
		if msg.RecipientUserID == nil {
			return "", "", "", ErrMessageNotFound
		}
		recipient, getErr := e.ctx.Store.GetUser(*msg.RecipientUserID)
		if getErr != nil {
			return "", "", "", getErr
		}
		key, keyErr := e.recipientKeyFor(recipient)
		if keyErr != nil {
			return "", "", "", keyErr
		}

		var senderName string
		if msg.SenderUserID != nil {
			if sender, sErr := e.ctx.Store.GetUser(*msg.SenderUserID); sErr == nil {
				senderName = sender.Username
			}
		}

		plaintext, _, decErr := cryptoenv.TryDecryptMail(msg.BodyEnc, key, senderName, msg.CreatedAt, time.Now().UTC(), e.ctx.Config.Crypto.LegacyAADSearchWindow)
		if decErr != nil {
			return "", "", "", fmt.Errorf("failed to read message")
		}
		body = string(plaintext)
		fromDisplay = senderName

		if len(msg.SubjectEnc) > 0 {
			subjPt, _, sErr := cryptoenv.TryDecryptMail(msg.SubjectEnc, key, senderName, msg.CreatedAt, time.Now().UTC(), e.ctx.Config.Crypto.LegacyAADSearchWindow)
			if sErr == nil {
				subject = string(subjPt)
			}
		}
	}

	_ = e.ctx.Store.MarkAsRead(messageUUID)
	return body, subject, fromDisplay, nil
}

// ListMail returns a recipient's mail, newest first.
func (e *Engine) ListMail(recipientUserID uint64, limit int) ([]store.Message, error) {
	return e.ctx.Store.ListMailForRecipient(recipientUserID, limit)
}

// DeleteMail removes a message row outright.
func (e *Engine) DeleteMail(messageUUID string) error {
	return e.ctx.Store.DeleteMessage(messageUUID)
}

// InboxSummary is the lightweight unread-count view for get_inbox_summary.
type InboxSummary struct {
	Total  int
	Unread int
}

// GetInboxSummary returns total and unread counts for a recipient.
func (e *Engine) GetInboxSummary(recipientUserID uint64) (InboxSummary, error) {
	msgs, err := e.ctx.Store.ListMailForRecipient(recipientUserID, 1<<20)
	if err != nil {
		return InboxSummary{}, err
	}
	summary := InboxSummary{Total: len(msgs)}
	for _, m := range msgs {
		if m.ReadAt == nil {
			summary.Unread++
		}
	}
	return summary, nil
}
