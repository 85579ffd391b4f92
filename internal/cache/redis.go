package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/redis/go-redis/v9"
)

// RedisStore persists snapshots in Redis. The key TTL mirrors the snapshot's
// ExpiresAt so Redis evicts dead entries on its own.
type RedisStore struct {
	client *redis.Client

	// Append is read-modify-write; serialize writers per store.
	writeMu sync.Mutex
}

// NewRedisStore connects to Redis at url and verifies the connection
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func redisKey(key string) string {
	return "tidepool:snapshot:" + key
}

// Get returns the live snapshot for key, or ErrMiss
func (r *RedisStore) Get(ctx context.Context, key string) (*Snapshot, error) {
	data, err := r.client.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if snap.Expired(time.Now()) {
		return nil, ErrMiss
	}
	return &snap, nil
}

// Put replaces the snapshot for key
func (r *RedisStore) Put(ctx context.Context, key string, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	ttl := time.Until(snap.ExpiresAt)
	if ttl <= 0 {
		return r.Delete(ctx, key)
	}
	if err := r.client.Set(ctx, redisKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// Append merges records into the entry for key, trims to the most recent
// keep records and refreshes the TTL
func (r *RedisStore) Append(ctx context.Context, key string, records []*nostr.Event, keep int, ttl time.Duration) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	var existing []*nostr.Event
	if snap, err := r.Get(ctx, key); err == nil {
		existing = snap.Records
	}

	merged := mergeRecords(existing, records, keep)
	return r.Put(ctx, key, buildSnapshot(merged, ttl))
}

// Delete removes the entry for key
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, redisKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// Close releases the Redis connection
func (r *RedisStore) Close() error {
	return r.client.Close()
}
