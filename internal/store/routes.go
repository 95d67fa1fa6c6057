package store

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

// LearnedRoute is a durable record of a path to a destination BBS,
// mirroring rap.Route for persistence across restarts. Unique on
// (DestBBS, ViaPeerID); multiple routes to a destination coexist.
type LearnedRoute struct {
	DestBBS   string    `json:"dest_bbs"`
	ViaPeerID uint64    `json:"via_peer_id"`
	HopCount  int       `json:"hop_count"`
	Quality   float64   `json:"quality"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func routeKey(destBBS string, viaPeerID uint64) []byte {
	k := make([]byte, len(destBBS)+1+8)
	copy(k, destBBS)
	k[len(destBBS)] = 0x00
	copy(k[len(destBBS)+1:], idKey(viaPeerID))
	return k
}

// UpsertRoute inserts or refreshes a learned route. If an existing row has
// a strictly smaller hop count, the smaller hop count is kept but
// UpdatedAt/ExpiresAt are still refreshed — mirroring the RAP route
// route ingestion rule.
func (s *Store) UpsertRoute(r LearnedRoute) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		routes := tx.Bucket([]byte(bucketRoutes))
		key := routeKey(r.DestBBS, r.ViaPeerID)

		if existing := routes.Get(key); existing != nil {
			var old LearnedRoute
			if err := json.Unmarshal(existing, &old); err != nil {
				return err
			}
			if old.HopCount < r.HopCount {
				r.HopCount = old.HopCount
			}
		}

		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return routes.Put(key, data)
	})
}

// RoutesToDestination returns every non-expired route to destBBS.
func (s *Store) RoutesToDestination(destBBS string, now time.Time) ([]LearnedRoute, error) {
	var out []LearnedRoute
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketRoutes)).Cursor()
		prefix := append([]byte(destBBS), 0x00)
		for k, v := c.Seek(prefix); k != nil && len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix); k, v = c.Next() {
			var r LearnedRoute
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.ExpiresAt.After(now) {
				out = append(out, r)
			}
		}
		return nil
	})
	return out, err
}

// DeleteRoutesViaPeer removes every learned route whose ViaPeerID matches —
// called when a peer transitions to DEAD.
func (s *Store) DeleteRoutesViaPeer(viaPeerID uint64) (int, error) {
	var n int
	err := s.db.Update(func(tx *bolt.Tx) error {
		routes := tx.Bucket([]byte(bucketRoutes))
		c := routes.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var r LearnedRoute
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.ViaPeerID == viaPeerID {
				keyCopy := make([]byte, len(k))
				copy(keyCopy, k)
				toDelete = append(toDelete, keyCopy)
			}
		}
		for _, k := range toDelete {
			if err := routes.Delete(k); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func deleteExpiredRoutesTx(tx *bolt.Tx, now time.Time) (int, error) {
	routes := tx.Bucket([]byte(bucketRoutes))
	c := routes.Cursor()
	var toDelete [][]byte
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var r LearnedRoute
		if err := json.Unmarshal(v, &r); err != nil {
			return 0, err
		}
		if !r.ExpiresAt.After(now) {
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}
	}
	for _, k := range toDelete {
		if err := routes.Delete(k); err != nil {
			return 0, err
		}
	}
	return len(toDelete), nil
}
