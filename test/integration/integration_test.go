//go:build integration

package integration

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fiatjaf/eventstore/slicestore"
	"github.com/fiatjaf/khatru"
	"github.com/nbd-wtf/go-nostr"

	"github.com/driftline/tidepool/internal/cache"
	"github.com/driftline/tidepool/internal/config"
	"github.com/driftline/tidepool/internal/feed"
	"github.com/driftline/tidepool/internal/ops"
	"github.com/driftline/tidepool/internal/outbox"
	"github.com/driftline/tidepool/internal/pool"
	"github.com/driftline/tidepool/internal/storage"
	"github.com/driftline/tidepool/internal/subscription"
)

// startSource runs an in-process relay backed by a slice store and returns
// its ws:// URL plus the store for direct seeding.
func startSource(t *testing.T) (string, *slicestore.SliceStore) {
	t.Helper()

	store := &slicestore.SliceStore{}
	if err := store.Init(); err != nil {
		t.Fatalf("Failed to init slice store: %v", err)
	}

	relay := khatru.NewRelay()
	relay.StoreEvent = append(relay.StoreEvent, store.SaveEvent)
	relay.QueryEvents = append(relay.QueryEvents, store.QueryEvents)
	relay.CountEvents = append(relay.CountEvents, store.CountEvents)
	relay.DeleteEvent = append(relay.DeleteEvent, store.DeleteEvent)

	srv := httptest.NewServer(relay)
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http"), store
}

// signedNote builds a properly signed kind 1 event
func signedNote(t *testing.T, sk, content string, createdAt int64, tags nostr.Tags) *nostr.Event {
	t.Helper()

	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatalf("Failed to derive pubkey: %v", err)
	}
	event := &nostr.Event{
		PubKey:    pk,
		CreatedAt: nostr.Timestamp(createdAt),
		Kind:      1,
		Content:   content,
		Tags:      tags,
	}
	if err := event.Sign(sk); err != nil {
		t.Fatalf("Failed to sign event: %v", err)
	}
	return event
}

func testPool(t *testing.T, urls []string) *pool.Pool {
	t.Helper()

	monitor := pool.NewMonitor(&config.Health{
		Window:          8,
		TripRatio:       0.5,
		DegradedAfter:   2,
		CooldownSeconds: 60,
	}, ops.Default())
	return pool.New(&config.Sources{
		Defaults:         urls,
		ConnectTimeoutMs: 2000,
		QueryTimeoutMs:   3000,
		GlobalTimeoutMs:  5000,
	}, monitor, ops.Default())
}

// TestRegistryAgainstLiveSource exercises the shared subscription path end
// to end: stored records arrive first, the boundary fires after EOSE, and
// records published afterwards are delivered live.
func TestRegistryAgainstLiveSource(t *testing.T) {
	url, _ := startSource(t)
	sk := nostr.GeneratePrivateKey()

	p := testPool(t, []string{url})
	defer p.DisconnectAll()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Seed two records before subscribing
	conn, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		t.Fatalf("Failed to connect to source: %v", err)
	}
	defer conn.Close()

	now := time.Now().Unix()
	for i, content := range []string{"first", "second"} {
		ev := signedNote(t, sk, content, now+int64(i), nil)
		if err := conn.Publish(ctx, *ev); err != nil {
			t.Fatalf("Failed to publish seed record: %v", err)
		}
	}

	registry := subscription.NewRegistry(p, &config.Subscriptions{MaxAuthorsPerQuery: 50}, ops.Default())

	events := make(chan *nostr.Event, 16)
	boundary := make(chan struct{}, 1)
	handle, err := registry.Subscribe(ctx, nostr.Filter{Kinds: []int{1}}, []string{url},
		func(source string, event *nostr.Event) { events <- event },
		func() { boundary <- struct{}{} })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer handle.Unsubscribe()

	select {
	case <-boundary:
	case <-ctx.Done():
		t.Fatal("Timed out waiting for boundary")
	}

	got := make(map[string]bool)
	deadline := time.After(3 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-events:
			got[ev.Content] = true
		case <-deadline:
			t.Fatalf("Expected 2 stored records before timeout, got %d", len(got))
		}
	}
	if !got["first"] || !got["second"] {
		t.Errorf("Expected stored records first and second, got %v", got)
	}

	// Live delivery after the boundary
	live := signedNote(t, sk, "live", now+10, nil)
	if err := conn.Publish(ctx, *live); err != nil {
		t.Fatalf("Failed to publish live record: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Content != "live" {
			t.Errorf("Expected live record, got %q", ev.Content)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for live record")
	}
}

// TestFeedServiceAgainstLiveSource opens a feed view backed by a real
// source and waits for the refresh boundary to clear the loading flag.
func TestFeedServiceAgainstLiveSource(t *testing.T) {
	url, _ := startSource(t)
	sk := nostr.GeneratePrivateKey()
	author, _ := nostr.GetPublicKey(sk)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		t.Fatalf("Failed to connect to source: %v", err)
	}
	defer conn.Close()

	now := time.Now().Unix()
	for i := 0; i < 3; i++ {
		ev := signedNote(t, sk, "note", now+int64(i), nil)
		if err := conn.Publish(ctx, *ev); err != nil {
			t.Fatalf("Failed to publish record: %v", err)
		}
	}

	cfg := config.Default()
	cfg.Sources.Defaults = []string{url}
	cfg.Sources.ConnectTimeoutMs = 2000
	cfg.Sources.QueryTimeoutMs = 3000
	cfg.Sources.GlobalTimeoutMs = 5000
	outboxOff := false
	cfg.Outbox.Enabled = &outboxOff
	cfg.Feed.CoalesceMs = 10
	cfg.Feed.MaxNotifyLatencyMs = 50
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "feed.db")

	st, err := storage.New(ctx, &cfg.Storage, ops.Default())
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	defer st.Close()

	monitor := pool.NewMonitor(&cfg.Health, ops.Default())
	p := pool.New(&cfg.Sources, monitor, ops.Default())
	defer p.DisconnectAll()

	registry := subscription.NewRegistry(p, &cfg.Subscriptions, ops.Default())
	resolver := outbox.NewResolver(st, p, &cfg.Outbox, ops.Default())
	svc := feed.NewService(cfg, p, registry, resolver, cache.NewMemoryStore(), st, ops.Default())

	view, err := svc.Open(ctx, feed.Request{Authors: []string{author}}, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer view.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		state := view.Snapshot()
		if !state.Loading {
			if len(state.Records) != 3 {
				t.Errorf("Expected 3 records after refresh, got %d", len(state.Records))
			}
			if state.Degraded {
				t.Error("Expected a healthy refresh, got degraded")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for refresh boundary")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// TestLoadOlderAgainstLiveSource verifies backward pagination pulls records
// older than the view's cursor from the source.
func TestLoadOlderAgainstLiveSource(t *testing.T) {
	url, _ := startSource(t)
	sk := nostr.GeneratePrivateKey()
	author, _ := nostr.GetPublicKey(sk)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		t.Fatalf("Failed to connect to source: %v", err)
	}
	defer conn.Close()

	// Ten records one second apart
	base := time.Now().Unix() - 100
	for i := 0; i < 10; i++ {
		ev := signedNote(t, sk, "note", base+int64(i), nil)
		if err := conn.Publish(ctx, *ev); err != nil {
			t.Fatalf("Failed to publish record: %v", err)
		}
	}

	cfg := config.Default()
	cfg.Sources.Defaults = []string{url}
	cfg.Sources.ConnectTimeoutMs = 2000
	cfg.Sources.QueryTimeoutMs = 3000
	cfg.Sources.GlobalTimeoutMs = 5000
	outboxOff := false
	cfg.Outbox.Enabled = &outboxOff
	cfg.Feed.CoalesceMs = 10
	cfg.Feed.MaxNotifyLatencyMs = 50
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "older.db")

	st, err := storage.New(ctx, &cfg.Storage, ops.Default())
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	defer st.Close()

	monitor := pool.NewMonitor(&cfg.Health, ops.Default())
	p := pool.New(&cfg.Sources, monitor, ops.Default())
	defer p.DisconnectAll()

	registry := subscription.NewRegistry(p, &cfg.Subscriptions, ops.Default())
	resolver := outbox.NewResolver(st, p, &cfg.Outbox, ops.Default())
	svc := feed.NewService(cfg, p, registry, resolver, cache.NewMemoryStore(), st, ops.Default())

	view, err := svc.Open(ctx, feed.Request{Authors: []string{author}, Limit: 5}, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer view.Close()

	deadline := time.Now().Add(5 * time.Second)
	for view.Snapshot().Loading {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for refresh boundary")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got := len(view.Snapshot().Records); got != 5 {
		t.Fatalf("Expected 5 records in the initial window, got %d", got)
	}

	added, err := svc.LoadOlder(ctx, view, 5)
	if err != nil {
		t.Fatalf("LoadOlder failed: %v", err)
	}
	if added == 0 {
		t.Fatal("Expected LoadOlder to add records")
	}
	if got := len(view.Snapshot().Records); got <= 5 {
		t.Errorf("Expected more than 5 records after pagination, got %d", got)
	}
}
