package store

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

// SyncDirection distinguishes inbound from outbound sync-log entries.
type SyncDirection string

const (
	SyncDirectionOutbound SyncDirection = "outbound"
	SyncDirectionInbound  SyncDirection = "inbound"
)

// SyncLogEntry tracks per-(message, peer, direction) acked/received
// bookkeeping, used for dedup of replayed MRP/BSP frames.
type SyncLogEntry struct {
	MessageUUID   string        `json:"message_uuid"`
	PeerID        uint64        `json:"peer_id"`
	Direction     SyncDirection `json:"direction"`
	Status        string        `json:"status"`
	Attempts      int           `json:"attempts"`
	LastAttemptAt time.Time     `json:"last_attempt_at"`
}

func syncLogKey(messageUUID string, peerID uint64, direction SyncDirection) []byte {
	k := make([]byte, 0, len(messageUUID)+1+8+1+1)
	k = append(k, []byte(messageUUID)...)
	k = append(k, 0x00)
	k = append(k, idKey(peerID)...)
	k = append(k, 0x00)
	if direction == SyncDirectionInbound {
		k = append(k, 1)
	} else {
		k = append(k, 0)
	}
	return k
}

// RecordSyncAttempt upserts a sync-log row, incrementing Attempts.
func (s *Store) RecordSyncAttempt(messageUUID string, peerID uint64, direction SyncDirection, status string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketSyncLog))
		key := syncLogKey(messageUUID, peerID, direction)

		var e SyncLogEntry
		if existing := b.Get(key); existing != nil {
			if err := json.Unmarshal(existing, &e); err != nil {
				return err
			}
		} else {
			e = SyncLogEntry{MessageUUID: messageUUID, PeerID: peerID, Direction: direction}
		}
		e.Attempts++
		e.Status = status
		e.LastAttemptAt = time.Now().UTC()

		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// GetSyncLog fetches the sync-log row for (messageUUID, peerID, direction),
// used to decide whether an inbound frame is a replay.
func (s *Store) GetSyncLog(messageUUID string, peerID uint64, direction SyncDirection) (SyncLogEntry, bool, error) {
	var e SyncLogEntry
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketSyncLog)).Get(syncLogKey(messageUUID, peerID, direction))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &e)
	})
	return e, found, err
}
