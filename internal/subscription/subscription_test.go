package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/driftline/tidepool/internal/config"
	"github.com/driftline/tidepool/internal/ops"
	"github.com/driftline/tidepool/internal/pool"
)

func TestFingerprintOrderIndependent(t *testing.T) {
	a := nostr.Filter{
		Kinds:   []int{7, 1, 6},
		Authors: []string{"bbb", "aaa", "ccc"},
	}
	b := nostr.Filter{
		Kinds:   []int{1, 6, 7},
		Authors: []string{"ccc", "aaa", "bbb"},
	}

	if Fingerprint(a, 50) != Fingerprint(b, 50) {
		t.Error("Expected reordered filters to share a fingerprint")
	}
}

func TestFingerprintDeduplicatesAuthors(t *testing.T) {
	a := nostr.Filter{Kinds: []int{1}, Authors: []string{"aaa", "aaa", "bbb"}}
	b := nostr.Filter{Kinds: []int{1}, Authors: []string{"aaa", "bbb"}}

	if Fingerprint(a, 50) != Fingerprint(b, 50) {
		t.Error("Expected duplicate authors to not affect the fingerprint")
	}
}

func TestFingerprintDistinguishesFilters(t *testing.T) {
	base := nostr.Filter{Kinds: []int{1}, Authors: []string{"aaa"}}
	since := nostr.Timestamp(1000)

	variants := []nostr.Filter{
		{Kinds: []int{7}, Authors: []string{"aaa"}},
		{Kinds: []int{1}, Authors: []string{"bbb"}},
		{Kinds: []int{1}, Authors: []string{"aaa"}, Limit: 10},
		{Kinds: []int{1}, Authors: []string{"aaa"}, Since: &since},
		{Kinds: []int{1}, Tags: nostr.TagMap{"e": {"aaa"}}},
	}

	baseFp := Fingerprint(base, 50)
	for i, variant := range variants {
		if Fingerprint(variant, 50) == baseFp {
			t.Errorf("Variant %d unexpectedly matched the base fingerprint", i)
		}
	}
}

func TestNormalizeCapsAuthors(t *testing.T) {
	filter := nostr.Filter{Authors: []string{"eee", "ddd", "ccc", "bbb", "aaa"}}

	norm := Normalize(filter, 3)
	if len(norm.Authors) != 3 {
		t.Fatalf("Expected 3 authors after cap, got %d", len(norm.Authors))
	}
	// Cap applies after sorting so the kept subset is deterministic
	for i, want := range []string{"aaa", "bbb", "ccc"} {
		if norm.Authors[i] != want {
			t.Errorf("Expected author %s at %d, got %s", want, i, norm.Authors[i])
		}
	}
}

func TestNormalizeDoesNotMutateInput(t *testing.T) {
	filter := nostr.Filter{
		Kinds:   []int{7, 1},
		Authors: []string{"bbb", "aaa"},
	}

	Normalize(filter, 50)

	if filter.Kinds[0] != 7 || filter.Authors[0] != "bbb" {
		t.Error("Expected Normalize to leave the input filter untouched")
	}
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()

	srcCfg := &config.Sources{
		Defaults:         []string{"ws://127.0.0.1:1"},
		ConnectTimeoutMs: 50,
		QueryTimeoutMs:   100,
		GlobalTimeoutMs:  200,
	}
	healthCfg := &config.Health{
		Window:               10,
		TripRatio:            0.5,
		DegradedAfter:        2,
		CooldownSeconds:      30,
		ProbeIntervalSeconds: 60,
	}
	p := pool.New(srcCfg, pool.NewMonitor(healthCfg, ops.Default()), ops.Default())
	return NewRegistry(p, &config.Subscriptions{MaxAuthorsPerQuery: 50}, ops.Default())
}

func TestSubscribeDeduplicatesByFingerprint(t *testing.T) {
	r := testRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	filter := nostr.Filter{Kinds: []int{1}, Authors: []string{"aaa", "bbb"}}
	reordered := nostr.Filter{Kinds: []int{1}, Authors: []string{"bbb", "aaa"}}
	noop := func(string, *nostr.Event) {}

	h1, err := r.Subscribe(ctx, filter, nil, noop, nil)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	h2, err := r.Subscribe(ctx, reordered, nil, noop, nil)
	if err != nil {
		t.Fatalf("Second subscribe failed: %v", err)
	}

	if h1.Fingerprint() != h2.Fingerprint() {
		t.Error("Expected both handles to share a fingerprint")
	}
	if got := r.Count(); got != 1 {
		t.Errorf("Expected 1 underlying subscription, got %d", got)
	}
	if got := r.SubscriberCount(h1.Fingerprint()); got != 2 {
		t.Errorf("Expected 2 attached subscribers, got %d", got)
	}

	h1.Unsubscribe()
	if got := r.Count(); got != 1 {
		t.Errorf("Expected subscription to survive first detach, got count %d", got)
	}

	h2.Unsubscribe()
	if got := r.Count(); got != 0 {
		t.Errorf("Expected subscription torn down after last detach, got %d", got)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	r := testRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	filter := nostr.Filter{Kinds: []int{1}}
	noop := func(string, *nostr.Event) {}

	h1, err := r.Subscribe(ctx, filter, nil, noop, nil)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	h2, err := r.Subscribe(ctx, filter, nil, noop, nil)
	if err != nil {
		t.Fatalf("Second subscribe failed: %v", err)
	}

	h1.Unsubscribe()
	h1.Unsubscribe() // double detach must not count twice

	if got := r.SubscriberCount(h2.Fingerprint()); got != 1 {
		t.Errorf("Expected 1 remaining subscriber, got %d", got)
	}
	h2.Unsubscribe()
}

func TestBoundaryFiresWhenAllSourcesFail(t *testing.T) {
	// Every source is unreachable; the boundary must still fire once every
	// pump has given up.
	r := testRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	boundary := make(chan struct{}, 1)
	_, err := r.Subscribe(ctx, nostr.Filter{Kinds: []int{1}}, nil,
		func(string, *nostr.Event) {},
		func() { boundary <- struct{}{} })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	select {
	case <-boundary:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected boundary to fire after all sources failed")
	}
}

func TestLateAttachReplaysBoundary(t *testing.T) {
	r := testRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	filter := nostr.Filter{Kinds: []int{1}, Authors: []string{"aaa"}}
	first := make(chan struct{}, 1)
	h1, err := r.Subscribe(ctx, filter, nil,
		func(string, *nostr.Event) {},
		func() { first <- struct{}{} })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer h1.Unsubscribe()

	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected initial boundary")
	}

	// A subscriber joining after the boundary still gets the signal
	late := make(chan struct{}, 1)
	h2, err := r.Subscribe(ctx, filter, nil,
		func(string, *nostr.Event) {},
		func() { late <- struct{}{} })
	if err != nil {
		t.Fatalf("Late subscribe failed: %v", err)
	}
	defer h2.Unsubscribe()

	select {
	case <-late:
	case <-time.After(time.Second):
		t.Fatal("Expected late attach to replay the boundary")
	}
}

func TestSubscriptionOutlivesCreatorContext(t *testing.T) {
	// The caller that opened the shared query cancels its context; a second
	// caller attached to the same fingerprint must keep receiving. The
	// blackhole address keeps the pump dialing past the cancellation so the
	// boundary can only arrive if the query survived it.
	r := testRegistry(t)
	sources := []string{"ws://10.255.255.1:1"}
	filter := nostr.Filter{Kinds: []int{1}}

	creatorCtx, cancelCreator := context.WithCancel(context.Background())
	h1, err := r.Subscribe(creatorCtx, filter, sources,
		func(string, *nostr.Event) {}, nil)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	boundary := make(chan struct{}, 1)
	h2, err := r.Subscribe(context.Background(), filter, sources,
		func(string, *nostr.Event) {},
		func() { boundary <- struct{}{} })
	if err != nil {
		t.Fatalf("Second subscribe failed: %v", err)
	}

	cancelCreator()

	select {
	case <-boundary:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected attached subscriber to reach its boundary after the creator's context was cancelled")
	}

	if got := r.Count(); got != 1 {
		t.Errorf("Expected the shared subscription to stay live, got count %d", got)
	}

	h1.Unsubscribe()
	h2.Unsubscribe()
	if got := r.Count(); got != 0 {
		t.Errorf("Expected teardown after last detach, got count %d", got)
	}
}
