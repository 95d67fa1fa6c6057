package store

import (
	"encoding/json"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

// PeerHealthStatus mirrors rap.HealthState as a small enumerated domain at
// rest — wire/DB values remain strings for forward compatibility, per
// the enum-ish state-held-in-string-columns convention used throughout this store.
type PeerHealthStatus string

const (
	PeerHealthUnknown     PeerHealthStatus = "unknown"
	PeerHealthAlive       PeerHealthStatus = "alive"
	PeerHealthUnreachable PeerHealthStatus = "unreachable"
	PeerHealthDead        PeerHealthStatus = "dead"
)

// Peer is a Node configured as a federation partner.
type Peer struct {
	NodeID            uint64           `json:"node_id"`
	Callsign          string           `json:"callsign"`
	FriendlyName      string           `json:"friendly_name"`
	ProtocolTag       string           `json:"protocol_tag"`
	SyncEnabled       bool             `json:"sync_enabled"`
	LastSyncUs        int64            `json:"last_sync_us"`
	LastBoardSyncUs   int64            `json:"last_board_sync_us"`
	Health            PeerHealthStatus `json:"health"`
	ConsecutiveMiss   int              `json:"consecutive_miss"`
	LastPongAt        *time.Time       `json:"last_pong_at,omitempty"`
	Quality           float64          `json:"quality"`
}

// UpsertPeer inserts or fully overwrites the peer row for NodeID.
func (s *Store) UpsertPeer(p Peer) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(bucketPeers)).Put(idKey(p.NodeID), data)
	})
}

// GetPeer fetches a peer by node id.
func (s *Store) GetPeer(nodeID uint64) (Peer, error) {
	var p Peer
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketPeers)).Get(idKey(nodeID))
		if data == nil {
			return &ErrNotFound{Entity: "peer", Key: strconv.FormatUint(nodeID, 10)}
		}
		return json.Unmarshal(data, &p)
	})
	return p, err
}

// GetPeerByCallsign fetches a peer whose Callsign matches, scanning the
// (small, operator-configured) peer set.
func (s *Store) GetPeerByCallsign(callsign string) (Peer, error) {
	var found Peer
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketPeers)).ForEach(func(_, v []byte) error {
			var p Peer
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.Callsign == callsign {
				found = p
				ok = true
			}
			return nil
		})
	})
	if err != nil {
		return Peer{}, err
	}
	if !ok {
		return Peer{}, &ErrNotFound{Entity: "peer", Key: callsign}
	}
	return found, nil
}

// ListPeers returns every configured peer.
func (s *Store) ListPeers() ([]Peer, error) {
	var out []Peer
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketPeers)).ForEach(func(_, v []byte) error {
			var p Peer
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, p)
			return nil
		})
	})
	return out, err
}

// UpdatePeerHealth applies the result of a RAP health transition to the
// persisted peer row.
func (s *Store) UpdatePeerHealth(nodeID uint64, health PeerHealthStatus, consecutiveMiss int, lastPongAt *time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		peers := tx.Bucket([]byte(bucketPeers))
		data := peers.Get(idKey(nodeID))
		if data == nil {
			return &ErrNotFound{Entity: "peer", Key: strconv.FormatUint(nodeID, 10)}
		}
		var p Peer
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		p.Health = health
		p.ConsecutiveMiss = consecutiveMiss
		if lastPongAt != nil {
			p.LastPongAt = lastPongAt
		}
		updated, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return peers.Put(idKey(nodeID), updated)
	})
}

// AdvanceBoardSyncWatermark updates LastBoardSyncUs for a peer after a
// confirmed BOARDDLV.
func (s *Store) AdvanceBoardSyncWatermark(nodeID uint64, newestUs int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		peers := tx.Bucket([]byte(bucketPeers))
		data := peers.Get(idKey(nodeID))
		if data == nil {
			return &ErrNotFound{Entity: "peer", Key: strconv.FormatUint(nodeID, 10)}
		}
		var p Peer
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		if newestUs > p.LastBoardSyncUs {
			p.LastBoardSyncUs = newestUs
		}
		updated, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return peers.Put(idKey(nodeID), updated)
	})
}

