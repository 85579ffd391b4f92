package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
	bolt "go.etcd.io/bbolt"
)

var snapshotBucket = []byte("snapshots")

// BoltOptions configures the bolt snapshot engine
type BoltOptions struct {
	Path        string
	FileMode    uint32
	OpenTimeout time.Duration
}

// DefaultBoltOptions returns the standard bolt settings
func DefaultBoltOptions() BoltOptions {
	return BoltOptions{
		Path:        "tidepool-cache.db",
		FileMode:    0600,
		OpenTimeout: 5 * time.Second,
	}
}

// BoltStore persists snapshots in a single-file bbolt database. Expiry is
// checked on read; dead entries are swept once at open.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) the bolt store at opts.Path
func OpenBolt(opts BoltOptions) (*BoltStore, error) {
	db, err := bolt.Open(opts.Path, 0600, &bolt.Options{Timeout: opts.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt store: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create snapshot bucket: %w", err)
	}

	s := &BoltStore{db: db}
	if err := s.sweepExpired(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to sweep expired snapshots: %w", err)
	}
	return s, nil
}

// sweepExpired drops every entry past its TTL
func (s *BoltStore) sweepExpired() error {
	now := time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(snapshotBucket)
		c := b.Cursor()
		var dead [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var snap Snapshot
			if err := json.Unmarshal(v, &snap); err != nil || snap.Expired(now) {
				dead = append(dead, append([]byte(nil), k...))
			}
		}
		for _, k := range dead {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get returns the live snapshot for key, or ErrMiss
func (s *BoltStore) Get(ctx context.Context, key string) (*Snapshot, error) {
	var snap *Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(snapshotBucket).Get([]byte(key))
		if data == nil {
			return nil
		}
		var decoded Snapshot
		if err := json.Unmarshal(data, &decoded); err != nil {
			return fmt.Errorf("failed to decode snapshot: %w", err)
		}
		snap = &decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	if snap == nil || snap.Expired(time.Now()) {
		return nil, ErrMiss
	}
	return snap, nil
}

// Put replaces the snapshot for key
func (s *BoltStore) Put(ctx context.Context, key string, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucket).Put([]byte(key), data)
	})
}

// Append merges records into the entry for key, trims to the most recent
// keep records and refreshes the TTL. The bolt update transaction already
// serializes writers.
func (s *BoltStore) Append(ctx context.Context, key string, records []*nostr.Event, keep int, ttl time.Duration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(snapshotBucket)

		var existing []*nostr.Event
		if data := b.Get([]byte(key)); data != nil {
			var snap Snapshot
			if err := json.Unmarshal(data, &snap); err == nil && !snap.Expired(time.Now()) {
				existing = snap.Records
			}
		}

		merged := mergeRecords(existing, records, keep)
		data, err := json.Marshal(buildSnapshot(merged, ttl))
		if err != nil {
			return fmt.Errorf("failed to encode snapshot: %w", err)
		}
		return b.Put([]byte(key), data)
	})
}

// Delete removes the entry for key
func (s *BoltStore) Delete(ctx context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucket).Delete([]byte(key))
	})
}

// Close closes the underlying database file
func (s *BoltStore) Close() error {
	return s.db.Close()
}
