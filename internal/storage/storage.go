package storage

import (
	"context"
	"fmt"

	"github.com/fiatjaf/eventstore/sqlite3"
	"github.com/fiatjaf/khatru"
	"github.com/jmoiron/sqlx"
	"github.com/nbd-wtf/go-nostr"

	"github.com/driftline/tidepool/internal/config"
	"github.com/driftline/tidepool/internal/ops"
)

// Storage is the durable, TTL-bounded record store: a khatru relay wired to
// an eventstore backend for records, plus side tables for relay hints,
// mutes and snapshot metadata.
type Storage struct {
	relay  *khatru.Relay
	db     *sqlx.DB
	config *config.Storage
	logger *ops.Logger
}

// New creates a Storage instance with the given configuration
func New(ctx context.Context, cfg *config.Storage, logger *ops.Logger) (*Storage, error) {
	s := &Storage{
		config: cfg,
		logger: logger.WithComponent("storage"),
	}

	switch cfg.Driver {
	case "sqlite":
		if err := s.initSQLite(ctx); err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}

	if err := s.runMigrations(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// initSQLite wires an eventstore SQLite backend into a khatru relay
func (s *Storage) initSQLite(ctx context.Context) error {
	backend := &sqlite3.SQLite3Backend{
		DatabaseURL: s.config.SQLitePath,
	}
	if err := backend.Init(); err != nil {
		return fmt.Errorf("failed to init eventstore backend: %w", err)
	}

	relay := khatru.NewRelay()
	relay.StoreEvent = append(relay.StoreEvent, backend.SaveEvent)
	relay.QueryEvents = append(relay.QueryEvents, backend.QueryEvents)
	relay.CountEvents = append(relay.CountEvents, backend.CountEvents)
	relay.DeleteEvent = append(relay.DeleteEvent, backend.DeleteEvent)

	s.relay = relay
	s.db = backend.DB
	return nil
}

// Relay returns the underlying khatru relay instance
func (s *Storage) Relay() *khatru.Relay {
	return s.relay
}

// DB returns the underlying database handle (for side tables)
func (s *Storage) DB() *sqlx.DB {
	return s.db
}

// StoreEvent stores a record through the relay handlers. Storing a record
// that already exists is not an error.
func (s *Storage) StoreEvent(ctx context.Context, event *nostr.Event) error {
	if s.relay == nil {
		return fmt.Errorf("relay not initialized")
	}

	for _, handler := range s.relay.StoreEvent {
		if err := handler(ctx, event); err != nil {
			return fmt.Errorf("failed to store event: %w", err)
		}
	}
	return nil
}

// QueryEvents queries stored records using a nostr filter
func (s *Storage) QueryEvents(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	if s.relay == nil || len(s.relay.QueryEvents) == 0 {
		return nil, fmt.Errorf("no query handlers configured")
	}

	ch, err := s.relay.QueryEvents[0](ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	var events []*nostr.Event
	for event := range ch {
		events = append(events, event)
	}
	return events, nil
}

// CountEvents counts stored records matching a filter
func (s *Storage) CountEvents(ctx context.Context, filter nostr.Filter) (int64, error) {
	if s.relay == nil || len(s.relay.CountEvents) == 0 {
		return 0, fmt.Errorf("no count handlers configured")
	}

	count, err := s.relay.CountEvents[0](ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// EventExists checks if a record is already stored (for deduplication)
func (s *Storage) EventExists(ctx context.Context, eventID string) (bool, error) {
	events, err := s.QueryEvents(ctx, nostr.Filter{
		IDs:   []string{eventID},
		Limit: 1,
	})
	if err != nil {
		return false, err
	}
	return len(events) > 0, nil
}

// GetEvent returns a stored record by id, or nil when absent
func (s *Storage) GetEvent(ctx context.Context, eventID string) (*nostr.Event, error) {
	events, err := s.QueryEvents(ctx, nostr.Filter{
		IDs:   []string{eventID},
		Limit: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return events[0], nil
}

// DeleteEvent deletes a stored record by id
func (s *Storage) DeleteEvent(ctx context.Context, eventID string) error {
	if s.relay == nil {
		return fmt.Errorf("relay not initialized")
	}

	// khatru's DeleteEvent handlers need the full event
	events, err := s.QueryEvents(ctx, nostr.Filter{
		IDs:   []string{eventID},
		Limit: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to query event before delete: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	for _, handler := range s.relay.DeleteEvent {
		if err := handler(ctx, events[0]); err != nil {
			return fmt.Errorf("failed to delete event: %w", err)
		}
	}
	return nil
}

// Close closes the storage connections
func (s *Storage) Close() error {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
	}
	return nil
}
