package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// User is a registered BBS account. Username auth is backed by PasswordHash
// (an opaque verifier, never a recoverable password). DataKeySealedUser is
// the user's data-encryption key sealed under their password-derived key;
// DataKeySealedMaster is the same key sealed under the operator's master
// key, enabling recovery without the user's password.
type User struct {
	ID                   uint64    `json:"id"`
	Username             string    `json:"username"`
	PasswordHash         []byte    `json:"password_hash"`
	Salt                 []byte    `json:"salt"`
	DataKeySealedUser    []byte    `json:"data_key_sealed_user"`
	DataKeySealedMaster  []byte    `json:"data_key_sealed_master"`
	Admin                bool      `json:"admin"`
	Banned               bool      `json:"banned"`
	BanReason            string    `json:"ban_reason,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	LastSeenAt           time.Time `json:"last_seen_at"`
}

// CreateUser inserts a new user, assigning an id and stamping CreatedAt.
// Returns ErrConflict if the username is already taken.
func (s *Store) CreateUser(u User) (User, error) {
	u.CreatedAt = time.Now().UTC()
	u.LastSeenAt = u.CreatedAt

	err := s.db.Update(func(tx *bolt.Tx) error {
		byUsername := tx.Bucket([]byte(bucketUsersByUsername))
		if byUsername.Get([]byte(u.Username)) != nil {
			return &ErrConflict{Entity: "user", Key: u.Username}
		}

		users := tx.Bucket([]byte(bucketUsers))
		id, err := users.NextSequence()
		if err != nil {
			return fmt.Errorf("CreateUser next id: %w", err)
		}
		u.ID = id

		data, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("CreateUser marshal: %w", err)
		}
		if err := users.Put(idKey(u.ID), data); err != nil {
			return fmt.Errorf("CreateUser put: %w", err)
		}
		return byUsername.Put([]byte(u.Username), idKey(u.ID))
	})
	if err != nil {
		return User{}, err
	}
	return u, nil
}

// GetUser fetches a user by id.
func (s *Store) GetUser(id uint64) (User, error) {
	var u User
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketUsers)).Get(idKey(id))
		if data == nil {
			return &ErrNotFound{Entity: "user", Key: fmt.Sprint(id)}
		}
		return json.Unmarshal(data, &u)
	})
	return u, err
}

// GetUserByUsername fetches a user by username.
func (s *Store) GetUserByUsername(username string) (User, error) {
	var u User
	err := s.db.View(func(tx *bolt.Tx) error {
		idBytes := tx.Bucket([]byte(bucketUsersByUsername)).Get([]byte(username))
		if idBytes == nil {
			return &ErrNotFound{Entity: "user", Key: username}
		}
		data := tx.Bucket([]byte(bucketUsers)).Get(idBytes)
		if data == nil {
			return &ErrNotFound{Entity: "user", Key: username}
		}
		return json.Unmarshal(data, &u)
	})
	return u, err
}

// UpdateUser overwrites the stored row for u.ID. The username index is
// refreshed if it changed.
func (s *Store) UpdateUser(u User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		users := tx.Bucket([]byte(bucketUsers))
		existingData := users.Get(idKey(u.ID))
		if existingData == nil {
			return &ErrNotFound{Entity: "user", Key: fmt.Sprint(u.ID)}
		}
		var existing User
		if err := json.Unmarshal(existingData, &existing); err != nil {
			return err
		}

		byUsername := tx.Bucket([]byte(bucketUsersByUsername))
		if existing.Username != u.Username {
			_ = byUsername.Delete([]byte(existing.Username))
			if err := byUsername.Put([]byte(u.Username), idKey(u.ID)); err != nil {
				return err
			}
		}

		data, err := json.Marshal(u)
		if err != nil {
			return err
		}
		return users.Put(idKey(u.ID), data)
	})
}

// TouchLastSeen updates a user's LastSeenAt to now.
func (s *Store) TouchLastSeen(id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		users := tx.Bucket([]byte(bucketUsers))
		data := users.Get(idKey(id))
		if data == nil {
			return &ErrNotFound{Entity: "user", Key: fmt.Sprint(id)}
		}
		var u User
		if err := json.Unmarshal(data, &u); err != nil {
			return err
		}
		u.LastSeenAt = time.Now().UTC()
		updated, err := json.Marshal(u)
		if err != nil {
			return err
		}
		return users.Put(idKey(id), updated)
	})
}

// BanUser marks a user banned with a reason. Idempotent.
func (s *Store) BanUser(id uint64, reason string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		users := tx.Bucket([]byte(bucketUsers))
		data := users.Get(idKey(id))
		if data == nil {
			return &ErrNotFound{Entity: "user", Key: fmt.Sprint(id)}
		}
		var u User
		if err := json.Unmarshal(data, &u); err != nil {
			return err
		}
		u.Banned = true
		u.BanReason = reason
		updated, err := json.Marshal(u)
		if err != nil {
			return err
		}
		return users.Put(idKey(id), updated)
	})
}
