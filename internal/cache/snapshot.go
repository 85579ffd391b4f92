package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/driftline/tidepool/internal/config"
	"github.com/driftline/tidepool/internal/ops"
)

// ErrMiss is returned when no live entry exists for a key
var ErrMiss = errors.New("cache miss")

// Snapshot is the persisted feed state for one filter signature
type Snapshot struct {
	Records   []*nostr.Event `json:"records"`
	Cursor    int64          `json:"cursor"`
	CachedAt  time.Time      `json:"cached_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// Expired reports whether the snapshot's TTL has passed
func (s *Snapshot) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Store persists snapshots keyed by normalized filter signature. Writes are
// best-effort at call sites; a failed write never fails the in-memory path.
type Store interface {
	// Get returns the live snapshot for key, or ErrMiss
	Get(ctx context.Context, key string) (*Snapshot, error)
	// Put replaces the snapshot for key
	Put(ctx context.Context, key string, snap *Snapshot) error
	// Append merges records into the entry for key, trims to the most
	// recent keep records, and refreshes the TTL
	Append(ctx context.Context, key string, records []*nostr.Event, keep int, ttl time.Duration) error
	// Delete removes the entry for key
	Delete(ctx context.Context, key string) error
	Close() error
}

// NewStore builds the configured snapshot engine
func NewStore(ctx context.Context, cfg *config.Caching, logger *ops.Logger) (Store, error) {
	switch cfg.Engine {
	case "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(ctx, cfg.RedisURL)
	case "bolt":
		opts := DefaultBoltOptions()
		opts.Path = cfg.BoltPath
		return OpenBolt(opts)
	default:
		return nil, fmt.Errorf("unsupported cache engine: %s", cfg.Engine)
	}
}

// RecordBefore reports whether a sorts before b in feed order: newer
// createdAt first, ties broken by id for determinism.
func RecordBefore(a, b *nostr.Event) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.ID < b.ID
}

// mergeRecords combines existing and incoming records, dedups by id, sorts
// in feed order and trims to the most recent keep entries
func mergeRecords(existing, incoming []*nostr.Event, keep int) []*nostr.Event {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	merged := make([]*nostr.Event, 0, len(existing)+len(incoming))
	for _, ev := range incoming {
		if _, ok := seen[ev.ID]; ok {
			continue
		}
		seen[ev.ID] = struct{}{}
		merged = append(merged, ev)
	}
	for _, ev := range existing {
		if _, ok := seen[ev.ID]; ok {
			continue
		}
		seen[ev.ID] = struct{}{}
		merged = append(merged, ev)
	}

	sort.Slice(merged, func(i, j int) bool {
		return RecordBefore(merged[i], merged[j])
	})

	if keep > 0 && len(merged) > keep {
		merged = merged[:keep]
	}
	return merged
}

// buildSnapshot assembles a snapshot from merged records. The cursor is the
// oldest included timestamp.
func buildSnapshot(records []*nostr.Event, ttl time.Duration) *Snapshot {
	now := time.Now()
	snap := &Snapshot{
		Records:   records,
		CachedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	if len(records) > 0 {
		snap.Cursor = int64(records[len(records)-1].CreatedAt)
	}
	return snap
}
