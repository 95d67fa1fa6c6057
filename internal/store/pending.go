package store

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

// PendingMail is an outbound remote mail queued because no route existed
// (or the route's peer was unreachable) at send time. Re-driven by RAP on
// the peer's ALIVE transition per the E<->F queue-and-redrive contract.
type PendingMail struct {
	MailUUID        string    `json:"mail_uuid"`
	SenderUserID    uint64    `json:"sender_user_id"`
	SenderUsername  string    `json:"sender_username"`
	SenderBBS       string    `json:"sender_bbs"`
	RecipientName   string    `json:"recipient_username"`
	RecipientBBS    string    `json:"recipient_bbs"`
	BodyBlob        []byte    `json:"body_blob"`
	Subject         string    `json:"subject,omitempty"`
	QueuedAt        time.Time `json:"queued_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	RetryCount      int       `json:"retry_count"`
	LastRetryAt     *time.Time `json:"last_retry_at,omitempty"`
	LastStatus      string    `json:"last_status,omitempty"`
}

// QueuePendingMail inserts a pending row, stamping QueuedAt if zero.
func (s *Store) QueuePendingMail(p PendingMail) error {
	if p.QueuedAt.IsZero() {
		p.QueuedAt = time.Now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(bucketPendingMail)).Put([]byte(p.MailUUID), data)
	})
}

// PendingMailForDestination returns every pending row whose RecipientBBS
// matches, for RAP's peer-up redrive walk.
func (s *Store) PendingMailForDestination(destBBS string) ([]PendingMail, error) {
	var out []PendingMail
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketPendingMail)).ForEach(func(_, v []byte) error {
			var p PendingMail
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.RecipientBBS == destBBS {
				out = append(out, p)
			}
			return nil
		})
	})
	return out, err
}

// UpdatePendingMailStatus records a retry attempt and status string.
func (s *Store) UpdatePendingMailStatus(uuid, status string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		pending := tx.Bucket([]byte(bucketPendingMail))
		data := pending.Get([]byte(uuid))
		if data == nil {
			return &ErrNotFound{Entity: "pending_mail", Key: uuid}
		}
		var p PendingMail
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		now := time.Now().UTC()
		p.RetryCount++
		p.LastRetryAt = &now
		p.LastStatus = status
		updated, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return pending.Put([]byte(uuid), updated)
	})
}

// DeletePendingMail removes a pending row once it is delivered or
// definitively expired.
func (s *Store) DeletePendingMail(uuid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		pending := tx.Bucket([]byte(bucketPendingMail))
		if pending.Get([]byte(uuid)) == nil {
			return &ErrNotFound{Entity: "pending_mail", Key: uuid}
		}
		return pending.Delete([]byte(uuid))
	})
}

func deleteExpiredPendingTx(tx *bolt.Tx, now time.Time) (int, error) {
	pending := tx.Bucket([]byte(bucketPendingMail))
	c := pending.Cursor()
	var toDelete [][]byte
	var expired []PendingMail
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var p PendingMail
		if err := json.Unmarshal(v, &p); err != nil {
			return 0, err
		}
		if !p.ExpiresAt.After(now) {
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
			expired = append(expired, p)
		}
	}
	for _, k := range toDelete {
		if err := pending.Delete(k); err != nil {
			return 0, err
		}
	}
	return len(toDelete), nil
}

// ExpiredPendingMail returns (without deleting) pending rows that have
// expired, so the caller can enqueue "...expired" receipts before the next
// Sweep physically removes them.
func (s *Store) ExpiredPendingMail(now time.Time) ([]PendingMail, error) {
	var out []PendingMail
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketPendingMail)).ForEach(func(_, v []byte) error {
			var p PendingMail
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if !p.ExpiresAt.After(now) {
				out = append(out, p)
			}
			return nil
		})
	})
	return out, err
}
