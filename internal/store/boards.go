package store

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Board is a named bulletin area. Name must be lowercase, 2-16 chars,
// [a-z0-9_] — validated by the caller (session layer), not the store.
type Board struct {
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Restricted   bool      `json:"restricted"`
	SyncEnabled  bool      `json:"sync_enabled"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreateBoard inserts a new board. Returns ErrConflict if the name is taken.
func (s *Store) CreateBoard(b Board) (Board, error) {
	b.CreatedAt = time.Now().UTC()
	err := s.db.Update(func(tx *bolt.Tx) error {
		boards := tx.Bucket([]byte(bucketBoards))
		if boards.Get([]byte(b.Name)) != nil {
			return &ErrConflict{Entity: "board", Key: b.Name}
		}
		data, err := json.Marshal(b)
		if err != nil {
			return err
		}
		return boards.Put([]byte(b.Name), data)
	})
	if err != nil {
		return Board{}, err
	}
	return b, nil
}

// GetBoard fetches a board by name.
func (s *Store) GetBoard(name string) (Board, error) {
	var b Board
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketBoards)).Get([]byte(name))
		if data == nil {
			return &ErrNotFound{Entity: "board", Key: name}
		}
		return json.Unmarshal(data, &b)
	})
	return b, err
}

// ListBoards returns every board, in no particular order.
func (s *Store) ListBoards() ([]Board, error) {
	var out []Board
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketBoards)).ForEach(func(_, v []byte) error {
			var b Board
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			out = append(out, b)
			return nil
		})
	})
	return out, err
}

// DeleteBoard removes a board by name.
func (s *Store) DeleteBoard(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketBoards))
		if b.Get([]byte(name)) == nil {
			return &ErrNotFound{Entity: "board", Key: name}
		}
		return b.Delete([]byte(name))
	})
}
