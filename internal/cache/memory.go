package cache

import (
	"context"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// MemoryStore is the default snapshot engine: a map guarded by a RWMutex
// with lazy expiry on read
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Snapshot
}

// NewMemoryStore creates an in-memory snapshot store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*Snapshot),
	}
}

// Get returns the live snapshot for key, or ErrMiss. Expired entries are
// removed on access.
func (m *MemoryStore) Get(ctx context.Context, key string) (*Snapshot, error) {
	m.mu.RLock()
	snap, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrMiss
	}
	if snap.Expired(time.Now()) {
		m.mu.Lock()
		// Re-check under the write lock; a Put may have raced the expiry.
		if cur, ok := m.entries[key]; ok && cur.Expired(time.Now()) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return nil, ErrMiss
	}
	return snap, nil
}

// Put replaces the snapshot for key
func (m *MemoryStore) Put(ctx context.Context, key string, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = snap
	return nil
}

// Append merges records into the entry for key, trims to the most recent
// keep records and refreshes the TTL
func (m *MemoryStore) Append(ctx context.Context, key string, records []*nostr.Event, keep int, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var existing []*nostr.Event
	if snap, ok := m.entries[key]; ok && !snap.Expired(time.Now()) {
		existing = snap.Records
	}

	merged := mergeRecords(existing, records, keep)
	m.entries[key] = buildSnapshot(merged, ttl)
	return nil
}

// Delete removes the entry for key
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Len returns the number of stored entries, expired included
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Close releases the store
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*Snapshot)
	return nil
}
