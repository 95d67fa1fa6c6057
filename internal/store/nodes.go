package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Node is a radio endpoint — not a user. Nodes auto-create on first sight
// of their NodeIdentity string (opaque to the core, shaped like "!hex8").
type Node struct {
	ID           uint64    `json:"id"`
	NodeIdentity string    `json:"node_identity"`
	ShortName    string    `json:"short_name"`
	LongName     string    `json:"long_name"`
	FirstSeenAt  time.Time `json:"first_seen_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// GetOrCreateNode returns the existing node for identity, or creates one
// with the given display names if this is the first sighting.
func (s *Store) GetOrCreateNode(identity, shortName, longName string) (Node, error) {
	var n Node
	err := s.db.Update(func(tx *bolt.Tx) error {
		byIdentity := tx.Bucket([]byte(bucketNodesByIdentity))
		nodes := tx.Bucket([]byte(bucketNodes))

		now := time.Now().UTC()
		if idBytes := byIdentity.Get([]byte(identity)); idBytes != nil {
			data := nodes.Get(idBytes)
			if err := json.Unmarshal(data, &n); err != nil {
				return err
			}
			n.LastSeenAt = now
			updated, err := json.Marshal(n)
			if err != nil {
				return err
			}
			return nodes.Put(idBytes, updated)
		}

		id, err := nodes.NextSequence()
		if err != nil {
			return fmt.Errorf("GetOrCreateNode next id: %w", err)
		}
		n = Node{
			ID:           id,
			NodeIdentity: identity,
			ShortName:    shortName,
			LongName:     longName,
			FirstSeenAt:  now,
			LastSeenAt:   now,
		}
		data, err := json.Marshal(n)
		if err != nil {
			return err
		}
		if err := nodes.Put(idKey(id), data); err != nil {
			return err
		}
		return byIdentity.Put([]byte(identity), idKey(id))
	})
	return n, err
}

// GetNode fetches a node by id.
func (s *Store) GetNode(id uint64) (Node, error) {
	var n Node
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketNodes)).Get(idKey(id))
		if data == nil {
			return &ErrNotFound{Entity: "node", Key: fmt.Sprint(id)}
		}
		return json.Unmarshal(data, &n)
	})
	return n, err
}

// GetNodeByIdentity fetches a node by its external identity string.
func (s *Store) GetNodeByIdentity(identity string) (Node, error) {
	var n Node
	err := s.db.View(func(tx *bolt.Tx) error {
		idBytes := tx.Bucket([]byte(bucketNodesByIdentity)).Get([]byte(identity))
		if idBytes == nil {
			return &ErrNotFound{Entity: "node", Key: identity}
		}
		data := tx.Bucket([]byte(bucketNodes)).Get(idBytes)
		return json.Unmarshal(data, &n)
	})
	return n, err
}

// UserNode is a many-to-many association between a User and a Node.
// Primary marks the node a user most commonly authenticates from.
type UserNode struct {
	UserID  uint64 `json:"user_id"`
	NodeID  uint64 `json:"node_id"`
	Primary bool   `json:"primary"`
}

func userNodeKey(userID, nodeID uint64) []byte {
	k := make([]byte, 16)
	copy(k[0:8], idKey(userID))
	copy(k[8:16], idKey(nodeID))
	return k
}

// AssociateUserNode links a user to a node. If primary is true, any other
// association for this user is demoted to non-primary in the same
// transaction.
func (s *Store) AssociateUserNode(userID, nodeID uint64, primary bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketUserNodes))

		if primary {
			c := b.Cursor()
			prefix := idKey(userID)
			for k, v := c.Seek(prefix); k != nil && len(k) >= 8 && string(k[0:8]) == string(prefix); k, v = c.Next() {
				var un UserNode
				if err := json.Unmarshal(v, &un); err != nil {
					return err
				}
				if un.Primary {
					un.Primary = false
					updated, err := json.Marshal(un)
					if err != nil {
						return err
					}
					if err := b.Put(k, updated); err != nil {
						return err
					}
				}
			}
		}

		un := UserNode{UserID: userID, NodeID: nodeID, Primary: primary}
		data, err := json.Marshal(un)
		if err != nil {
			return err
		}
		return b.Put(userNodeKey(userID, nodeID), data)
	})
}

// NodesForUser returns every node associated with a user.
func (s *Store) NodesForUser(userID uint64) ([]UserNode, error) {
	var out []UserNode
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketUserNodes))
		c := b.Cursor()
		prefix := idKey(userID)
		for k, v := c.Seek(prefix); k != nil && len(k) >= 8 && string(k[0:8]) == string(prefix); k, v = c.Next() {
			var un UserNode
			if err := json.Unmarshal(v, &un); err != nil {
				return err
			}
			out = append(out, un)
		}
		return nil
	})
	return out, err
}

// IsUserAuthorizedFromNode reports whether userID has an association with
// nodeID — the weak second factor described in the data model.
func (s *Store) IsUserAuthorizedFromNode(userID, nodeID uint64) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketUserNodes)).Get(userNodeKey(userID, nodeID))
		found = data != nil
		return nil
	})
	return found, err
}
