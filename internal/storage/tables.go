package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// RelayHint records one source an author publishes to or reads from,
// parsed from the author's relationship-list record
type RelayHint struct {
	Pubkey    string `db:"pubkey" json:"pubkey"`
	Relay     string `db:"relay" json:"relay"`
	CanRead   bool   `db:"can_read" json:"can_read"`
	CanWrite  bool   `db:"can_write" json:"can_write"`
	Freshness int64  `db:"freshness" json:"freshness"`
	UpdatedAt int64  `db:"updated_at" json:"updated_at"`
}

// SnapshotMeta describes one persisted feed entry, used by the sweeper to
// protect referenced records from expiry
type SnapshotMeta struct {
	Signature string `db:"signature" json:"signature"`
	EventIDs  string `db:"event_ids" json:"event_ids"` // comma-joined
	Cursor    int64  `db:"cursor" json:"cursor"`
	CachedAt  int64  `db:"cached_at" json:"cached_at"`
	ExpiresAt int64  `db:"expires_at" json:"expires_at"`
}

// runMigrations creates the side tables next to the event store
func (s *Storage) runMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS relay_hints (
			pubkey     TEXT NOT NULL,
			relay      TEXT NOT NULL,
			can_read   INTEGER NOT NULL DEFAULT 1,
			can_write  INTEGER NOT NULL DEFAULT 1,
			freshness  INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (pubkey, relay)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_relay_hints_pubkey ON relay_hints(pubkey)`,
		`CREATE TABLE IF NOT EXISTS mutes (
			viewer     TEXT NOT NULL,
			pubkey     TEXT NOT NULL,
			created_at INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (viewer, pubkey)
		)`,
		`CREATE TABLE IF NOT EXISTS feed_snapshots (
			signature  TEXT PRIMARY KEY,
			event_ids  TEXT NOT NULL DEFAULT '',
			cursor     INTEGER NOT NULL DEFAULT 0,
			cached_at  INTEGER NOT NULL DEFAULT 0,
			expires_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_feed_snapshots_expires ON feed_snapshots(expires_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// SaveRelayHint upserts a relay hint for an author
func (s *Storage) SaveRelayHint(ctx context.Context, hint *RelayHint) error {
	if hint.UpdatedAt == 0 {
		hint.UpdatedAt = time.Now().Unix()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relay_hints (pubkey, relay, can_read, can_write, freshness, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey, relay) DO UPDATE SET
			can_read = excluded.can_read,
			can_write = excluded.can_write,
			freshness = excluded.freshness,
			updated_at = excluded.updated_at`,
		hint.Pubkey, hint.Relay, hint.CanRead, hint.CanWrite, hint.Freshness, hint.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save relay hint: %w", err)
	}
	return nil
}

// GetRelayHints returns all hints for an author
func (s *Storage) GetRelayHints(ctx context.Context, pubkey string) ([]*RelayHint, error) {
	var hints []*RelayHint
	err := s.db.SelectContext(ctx, &hints, `
		SELECT pubkey, relay, can_read, can_write, freshness, updated_at
		FROM relay_hints WHERE pubkey = ?
		ORDER BY relay`, pubkey)
	if err != nil {
		return nil, fmt.Errorf("failed to get relay hints: %w", err)
	}
	return hints, nil
}

// GetWriteRelays returns the sources an author publishes to
func (s *Storage) GetWriteRelays(ctx context.Context, pubkey string) ([]string, error) {
	var relays []string
	err := s.db.SelectContext(ctx, &relays, `
		SELECT relay FROM relay_hints
		WHERE pubkey = ? AND can_write = 1
		ORDER BY relay`, pubkey)
	if err != nil {
		return nil, fmt.Errorf("failed to get write relays: %w", err)
	}
	return relays, nil
}

// GetReadRelays returns the sources an author reads from
func (s *Storage) GetReadRelays(ctx context.Context, pubkey string) ([]string, error) {
	var relays []string
	err := s.db.SelectContext(ctx, &relays, `
		SELECT relay FROM relay_hints
		WHERE pubkey = ? AND can_read = 1
		ORDER BY relay`, pubkey)
	if err != nil {
		return nil, fmt.Errorf("failed to get read relays: %w", err)
	}
	return relays, nil
}

// DeleteRelayHints removes all hints for an author, ahead of a refresh
func (s *Storage) DeleteRelayHints(ctx context.Context, pubkey string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM relay_hints WHERE pubkey = ?`, pubkey); err != nil {
		return fmt.Errorf("failed to delete relay hints: %w", err)
	}
	return nil
}

// SaveMute adds pubkey to viewer's block-list
func (s *Storage) SaveMute(ctx context.Context, viewer, pubkey string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mutes (viewer, pubkey, created_at) VALUES (?, ?, ?)
		ON CONFLICT(viewer, pubkey) DO NOTHING`,
		viewer, pubkey, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save mute: %w", err)
	}
	return nil
}

// DeleteMute removes pubkey from viewer's block-list
func (s *Storage) DeleteMute(ctx context.Context, viewer, pubkey string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM mutes WHERE viewer = ? AND pubkey = ?`, viewer, pubkey); err != nil {
		return fmt.Errorf("failed to delete mute: %w", err)
	}
	return nil
}

// GetMutes returns viewer's muted pubkeys
func (s *Storage) GetMutes(ctx context.Context, viewer string) ([]string, error) {
	var pubkeys []string
	err := s.db.SelectContext(ctx, &pubkeys, `
		SELECT pubkey FROM mutes WHERE viewer = ? ORDER BY created_at DESC`, viewer)
	if err != nil {
		return nil, fmt.Errorf("failed to get mutes: %w", err)
	}
	return pubkeys, nil
}

// SaveSnapshotMeta upserts the sweep metadata for one persisted feed entry
func (s *Storage) SaveSnapshotMeta(ctx context.Context, signature string, eventIDs []string, cursor int64, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feed_snapshots (signature, event_ids, cursor, cached_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(signature) DO UPDATE SET
			event_ids = excluded.event_ids,
			cursor = excluded.cursor,
			cached_at = excluded.cached_at,
			expires_at = excluded.expires_at`,
		signature, strings.Join(eventIDs, ","), cursor, time.Now().Unix(), expiresAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save snapshot meta: %w", err)
	}
	return nil
}

// DeleteExpiredSnapshotMeta drops metadata rows past their TTL and returns
// how many were removed
func (s *Storage) DeleteExpiredSnapshotMeta(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM feed_snapshots WHERE expires_at < ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired snapshots: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted snapshots: %w", err)
	}
	return deleted, nil
}

// LiveSnapshotEventIDs returns the set of record ids referenced by any
// unexpired snapshot
func (s *Storage) LiveSnapshotEventIDs(ctx context.Context, now time.Time) (map[string]struct{}, error) {
	var rows []string
	err := s.db.SelectContext(ctx, &rows, `
		SELECT event_ids FROM feed_snapshots WHERE expires_at >= ?`, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to get live snapshot ids: %w", err)
	}

	ids := make(map[string]struct{})
	for _, joined := range rows {
		for _, id := range strings.Split(joined, ",") {
			if id != "" {
				ids[id] = struct{}{}
			}
		}
	}
	return ids, nil
}
