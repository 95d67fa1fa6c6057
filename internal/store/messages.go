package store

import (
	"encoding/binary"
	"encoding/json"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

// MessageType classifies a Message row.
type MessageType string

const (
	MessageTypeMail     MessageType = "mail"
	MessageTypeBulletin MessageType = "bulletin"
	MessageTypeSystem   MessageType = "system"
)

// Message is the unified row for mail, bulletin, and system messages.
//
// A mail row is "local" when SenderUserID and RecipientUserID are both set
// and BodyEnc was produced with the recipient's key. It is "remote" when
// RecipientUserID points at a local user but BodyEnc is plaintext as
// delivered by the peer, and ForwardedTo encodes "sender@origin_bbs" — the
// two forms are distinguished by OriginBBS being non-empty AND ForwardedTo
// matching the "user@bbs" shape (see mail.Engine.ReadMail). An outbound-remote
// mail in transit has ForwardedTo of the form "sender@src>recipient@dst"
// and no RecipientUserID.
type Message struct {
	UUID            string      `json:"uuid"`
	Type            MessageType `json:"type"`
	BoardName       string      `json:"board_name,omitempty"`
	SenderUserID    *uint64     `json:"sender_user_id,omitempty"`
	SenderNodeID    uint64      `json:"sender_node_id"`
	RecipientUserID *uint64     `json:"recipient_user_id,omitempty"`
	RecipientNodeID *uint64     `json:"recipient_node_id,omitempty"`
	SubjectEnc      []byte      `json:"subject_enc,omitempty"`
	BodyEnc         []byte      `json:"body_enc"`
	CreatedAt       time.Time   `json:"created_at"`
	DeliveredAt     *time.Time  `json:"delivered_at,omitempty"`
	ReadAt          *time.Time  `json:"read_at,omitempty"`
	ExpiresAt       *time.Time  `json:"expires_at,omitempty"`
	OriginBBS       string      `json:"origin_bbs,omitempty"`
	Attempts        int         `json:"attempts"`
	LastAttemptAt   *time.Time  `json:"last_attempt_at,omitempty"`
	HopCount        int         `json:"hop_count"`
	ForwardedTo     string      `json:"forwarded_to,omitempty"`
}

// CreateResult distinguishes a fresh insert from a no-op duplicate, per the
// UUID-idempotence invariant.
type CreateResult int

const (
	CreateResultInserted CreateResult = iota
	CreateResultDuplicate
)

func messageTypeByte(t MessageType) byte {
	switch t {
	case MessageTypeMail:
		return 0
	case MessageTypeBulletin:
		return 1
	default:
		return 2
	}
}

func recipientIndexKey(recipientUserID uint64, createdAt time.Time, uuid string) []byte {
	k := make([]byte, 8+8+len(uuid))
	copy(k[0:8], idKey(recipientUserID))
	binary.BigEndian.PutUint64(k[8:16], uint64(createdAt.UnixMicro()))
	copy(k[16:], uuid)
	return k
}

func typeIndexKey(t MessageType, createdAt time.Time, uuid string) []byte {
	k := make([]byte, 1+8+len(uuid))
	k[0] = messageTypeByte(t)
	binary.BigEndian.PutUint64(k[1:9], uint64(createdAt.UnixMicro()))
	copy(k[9:], uuid)
	return k
}

// MessageExists reports whether a message with this UUID is already stored.
func (s *Store) MessageExists(uuid string) (bool, error) {
	var exists bool
	err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket([]byte(bucketMessages)).Get([]byte(uuid)) != nil
		return nil
	})
	return exists, err
}

// CreateMessage inserts msg, stamping CreatedAt if zero. Atomic. Inserting
// a duplicate UUID is a no-op that returns CreateResultDuplicate so the
// caller can still react (e.g. emit MAILDLV on a replayed MAILDAT set).
func (s *Store) CreateMessage(msg Message) (Message, CreateResult, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	var result CreateResult
	err := s.db.Update(func(tx *bolt.Tx) error {
		messages := tx.Bucket([]byte(bucketMessages))
		if messages.Get([]byte(msg.UUID)) != nil {
			result = CreateResultDuplicate
			return nil
		}
		result = CreateResultInserted

		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := messages.Put([]byte(msg.UUID), data); err != nil {
			return err
		}

		if msg.RecipientUserID != nil {
			byRecip := tx.Bucket([]byte(bucketMessagesByRecip))
			if err := byRecip.Put(recipientIndexKey(*msg.RecipientUserID, msg.CreatedAt, msg.UUID), []byte(msg.UUID)); err != nil {
				return err
			}
		}
		byType := tx.Bucket([]byte(bucketMessagesByType))
		return byType.Put(typeIndexKey(msg.Type, msg.CreatedAt, msg.UUID), []byte(msg.UUID))
	})
	return msg, result, err
}

// CreateIncomingRemoteMail is CreateMessage specialised for MRP delivery:
// idempotent on UUID, returning CreateResultDuplicate (never an error) so
// the MRP receiver state machine still emits MAILDLV on replay.
func (s *Store) CreateIncomingRemoteMail(msg Message) (Message, CreateResult, error) {
	msg.Type = MessageTypeMail
	return s.CreateMessage(msg)
}

// GetMessage fetches a message by UUID.
func (s *Store) GetMessage(uuid string) (Message, error) {
	var m Message
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketMessages)).Get([]byte(uuid))
		if data == nil {
			return &ErrNotFound{Entity: "message", Key: uuid}
		}
		return json.Unmarshal(data, &m)
	})
	return m, err
}

func (s *Store) putMessage(tx *bolt.Tx, m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return tx.Bucket([]byte(bucketMessages)).Put([]byte(m.UUID), data)
}

// MarkAsDelivered stamps DeliveredAt on a message row.
func (s *Store) MarkAsDelivered(uuid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var m Message
		data := tx.Bucket([]byte(bucketMessages)).Get([]byte(uuid))
		if data == nil {
			return &ErrNotFound{Entity: "message", Key: uuid}
		}
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		now := time.Now().UTC()
		m.DeliveredAt = &now
		return s.putMessage(tx, m)
	})
}

// MarkAsRead stamps ReadAt on a message row.
func (s *Store) MarkAsRead(uuid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var m Message
		data := tx.Bucket([]byte(bucketMessages)).Get([]byte(uuid))
		if data == nil {
			return &ErrNotFound{Entity: "message", Key: uuid}
		}
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		now := time.Now().UTC()
		m.ReadAt = &now
		return s.putMessage(tx, m)
	})
}

// UpdateDeliveryAttempt increments Attempts and stamps LastAttemptAt. When
// forwardTo is non-empty, it is written into ForwardedTo and HopCount is
// also incremented (the forward variant).
func (s *Store) UpdateDeliveryAttempt(uuid string, forwardTo string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var m Message
		data := tx.Bucket([]byte(bucketMessages)).Get([]byte(uuid))
		if data == nil {
			return &ErrNotFound{Entity: "message", Key: uuid}
		}
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		now := time.Now().UTC()
		m.Attempts++
		m.LastAttemptAt = &now
		if forwardTo != "" {
			m.ForwardedTo = forwardTo
			m.HopCount++
		}
		return s.putMessage(tx, m)
	})
}

// GetPendingDeliveries returns local mail rows with DeliveredAt unset,
// Attempts < maxAttempts, HopCount < maxHop, and a non-zero SenderNodeID
// (remote queued mail is excluded — it flows through the MRP/RAP path).
func (s *Store) GetPendingDeliveries(limit, maxAttempts, maxHop int) ([]Message, error) {
	var out []Message
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketMessages)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(out) >= limit {
				break
			}
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.Type != MessageTypeMail {
				continue
			}
			if m.DeliveredAt != nil {
				continue
			}
			if m.Attempts >= maxAttempts || m.HopCount >= maxHop {
				continue
			}
			if m.SenderNodeID == 0 {
				continue
			}
			out = append(out, m)
		}
		return nil
	})
	return out, err
}

// ListMailForRecipient returns mail addressed to recipientUserID, newest
// first, for list_mail / get_inbox_summary.
func (s *Store) ListMailForRecipient(recipientUserID uint64, limit int) ([]Message, error) {
	var out []Message
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketMessagesByRecip)).Cursor()
		prefix := idKey(recipientUserID)
		messages := tx.Bucket([]byte(bucketMessages))

		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && len(k) >= 8 && string(k[0:8]) == string(prefix); k, _ = c.Next() {
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			keys = append(keys, keyCopy)
		}
		for i := len(keys) - 1; i >= 0 && len(out) < limit; i-- {
			uuid := keys[i][16:]
			data := messages.Get(uuid)
			if data == nil {
				continue
			}
			var m Message
			if err := json.Unmarshal(data, &m); err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	return out, err
}

// ListBulletinsForBoard returns bulletin posts on board newer than sinceUs
// (a Unix-microsecond watermark), oldest first, for BSP's BOARDREQ
// handler. limit caps the result size; callers batch larger syncs across
// multiple BOARDDAT frames.
func (s *Store) ListBulletinsForBoard(board string, sinceUs int64, limit int) ([]Message, error) {
	var out []Message
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketMessages)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.Type != MessageTypeBulletin || m.BoardName != board {
				continue
			}
			if m.CreatedAt.UnixMicro() <= sinceUs {
				continue
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteMessage removes a message row and both of its secondary index
// entries.
func (s *Store) DeleteMessage(uuid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		messages := tx.Bucket([]byte(bucketMessages))
		data := messages.Get([]byte(uuid))
		if data == nil {
			return &ErrNotFound{Entity: "message", Key: uuid}
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		if err := messages.Delete([]byte(uuid)); err != nil {
			return err
		}
		if m.RecipientUserID != nil {
			byRecip := tx.Bucket([]byte(bucketMessagesByRecip))
			_ = byRecip.Delete(recipientIndexKey(*m.RecipientUserID, m.CreatedAt, m.UUID))
		}
		byType := tx.Bucket([]byte(bucketMessagesByType))
		return byType.Delete(typeIndexKey(m.Type, m.CreatedAt, m.UUID))
	})
}

// deleteExpiredMessagesTx removes rows whose ExpiresAt has passed. Must run
// inside an existing write transaction (see Store.Sweep).
func deleteExpiredMessagesTx(tx *bolt.Tx, now time.Time) (int, error) {
	messages := tx.Bucket([]byte(bucketMessages))
	byRecip := tx.Bucket([]byte(bucketMessagesByRecip))
	byType := tx.Bucket([]byte(bucketMessagesByType))

	c := messages.Cursor()
	var expired []Message
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var m Message
		if err := json.Unmarshal(v, &m); err != nil {
			return 0, err
		}
		if m.ExpiresAt != nil && !m.ExpiresAt.After(now) {
			expired = append(expired, m)
		}
	}

	for _, m := range expired {
		if err := messages.Delete([]byte(m.UUID)); err != nil {
			return 0, err
		}
		if m.RecipientUserID != nil {
			_ = byRecip.Delete(recipientIndexKey(*m.RecipientUserID, m.CreatedAt, m.UUID))
		}
		_ = byType.Delete(typeIndexKey(m.Type, m.CreatedAt, m.UUID))
	}
	return len(expired), nil
}

// DeleteExpiredMessages removes rows whose ExpiresAt has passed. Returns
// the count removed.
func (s *Store) DeleteExpiredMessages(now time.Time) (int, error) {
	var n int
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		n, err = deleteExpiredMessagesTx(tx, now)
		return err
	})
	return n, err
}
