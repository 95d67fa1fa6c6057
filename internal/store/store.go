// Package store is the sole durable-state component of bbscore. It wraps a
// single BoltDB file with typed repositories for users, nodes, user-node
// associations, boards, messages, peers, learned routes, pending outbound
// mail, and the sync log — mirroring the relational schema obligations of
// the messaging core without prescribing a particular RDBMS.
//
// Schema (BoltDB bucket layout):
//
//	/users                key: user id (8-byte big-endian)
//	/users_by_username     key: username                           -> user id
//	/nodes                 key: node id (8-byte big-endian)
//	/nodes_by_identity      key: node_identity                      -> node id
//	/usernodes             key: userid(8) + nodeid(8)
//	/boards                key: board name
//	/messages              key: uuid (36 bytes)
//	/messages_by_recipient key: recipient_user_id(8) + created_at(8) + uuid -> uuid
//	/messages_by_type      key: msg_type(1) + created_at(8) + uuid         -> uuid
//	/peers                 key: node id (8-byte big-endian)
//	/routes                key: dest_bbs + 0x00 + via_peer_id(8)
//	/pending_mail          key: mail uuid (36 bytes)
//	/sync_log              key: message_uuid + 0x00 + peer_id(8) + 0x00 + direction(1)
//	/meta                  key: "schema_version" -> "1"
//
// Consistency model: single-process, single-writer (bbolt enforces this).
// All writes are ACID transactions; reads use read-only transactions.
// Secondary indices are maintained by hand inside the same write
// transaction that touches the primary row, so they can never drift.
package store

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// DefaultDBPath is the default BoltDB file location.
	DefaultDBPath = "/var/lib/bbscore/bbscore.db"

	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	bucketUsers             = "users"
	bucketUsersByUsername   = "users_by_username"
	bucketNodes             = "nodes"
	bucketNodesByIdentity   = "nodes_by_identity"
	bucketUserNodes         = "usernodes"
	bucketBoards            = "boards"
	bucketMessages          = "messages"
	bucketMessagesByRecip   = "messages_by_recipient"
	bucketMessagesByType    = "messages_by_type"
	bucketPeers             = "peers"
	bucketRoutes            = "routes"
	bucketPendingMail       = "pending_mail"
	bucketSyncLog           = "sync_log"
	bucketMeta              = "meta"
)

var allBuckets = []string{
	bucketUsers, bucketUsersByUsername,
	bucketNodes, bucketNodesByIdentity,
	bucketUserNodes,
	bucketBoards,
	bucketMessages, bucketMessagesByRecip, bucketMessagesByType,
	bucketPeers,
	bucketRoutes,
	bucketPendingMail,
	bucketSyncLog,
	bucketMeta,
}

// Store wraps a BoltDB instance with typed accessors for bbscore data.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the BoltDB database at the given path.
// Initialises all required buckets and verifies the schema version.
// Returns an error if the database is corrupt or the schema is incompatible.
func Open(path string) (*Store, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	s := &Store{db: bdb}

	if err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("database initialisation failed: %w", err)
	}

	if err := s.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) checkSchemaVersion() error {
	return s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"schema version mismatch: database has %q, core requires %q. "+
					"Run migration or restore from backup.", string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (s *Store) Close() error {
	return s.db.Close()
}

// SweepResult reports how many rows were physically removed per bucket by
// a single Sweep call, for the bbscore_storage_sweep_removed_total metric.
type SweepResult struct {
	ExpiredMessages int
	ExpiredRoutes   int
	ExpiredPending  int
}

// Sweep physically removes expired messages, learned routes, and pending
// outbound mail. Intended to run on the storage.sweep_interval tick.
func (s *Store) Sweep(now time.Time) (SweepResult, error) {
	var res SweepResult
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		res.ExpiredMessages, err = deleteExpiredMessagesTx(tx, now)
		if err != nil {
			return err
		}
		res.ExpiredRoutes, err = deleteExpiredRoutesTx(tx, now)
		if err != nil {
			return err
		}
		res.ExpiredPending, err = deleteExpiredPendingTx(tx, now)
		return err
	})
	return res, err
}

// ─── shared key/id helpers ────────────────────────────────────────────────

func idKey(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

func idFromKey(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// ErrNotFound is returned by single-row lookups that find nothing.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("store: %s %q not found", e.Entity, e.Key)
}

// ErrConflict is returned when a unique constraint would be violated.
type ErrConflict struct {
	Entity string
	Key    string
}

func (e *ErrConflict) Error() string {
	return fmt.Sprintf("store: %s %q already exists", e.Entity, e.Key)
}
