package feed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/driftline/tidepool/internal/ops"
	"github.com/driftline/tidepool/internal/storage"
	"github.com/driftline/tidepool/internal/subscription"
)

// ErrRepostUnresolved marks a repost wrapper whose original could not be
// recovered. The wrapper is dropped from the feed; the error never reaches
// a caller.
var ErrRepostUnresolved = errors.New("repost original unresolved")

// RepostResolver recovers the original record behind a kind 6 wrapper.
// Originals come from the wrapper's inline JSON when present, then durable
// storage, then a one-shot network fetch. Resolutions are cached with a
// short TTL so many reposts of one original cost one lookup.
type RepostResolver struct {
	storage  *storage.Storage
	registry *subscription.Registry
	ttl      time.Duration
	logger   *ops.Logger

	mu    sync.Mutex
	cache map[string]repostEntry
}

type repostEntry struct {
	event     *nostr.Event // nil caches a failed resolution
	expiresAt time.Time
}

// NewRepostResolver creates a repost resolver with the given cache TTL
func NewRepostResolver(st *storage.Storage, registry *subscription.Registry, ttl time.Duration, logger *ops.Logger) *RepostResolver {
	return &RepostResolver{
		storage:  st,
		registry: registry,
		ttl:      ttl,
		logger:   logger.WithComponent("repost"),
		cache:    make(map[string]repostEntry),
	}
}

// TargetID returns the id of the record a kind 6 wrapper reposts: the last
// e tag, per convention. Empty when the wrapper carries none.
func TargetID(wrapper *nostr.Event) string {
	target := ""
	for _, tag := range wrapper.Tags {
		if len(tag) >= 2 && tag[0] == "e" && tag[1] != "" {
			target = tag[1]
		}
	}
	return target
}

// Resolve returns the original record behind wrapper, or
// ErrRepostUnresolved when it cannot be recovered
func (r *RepostResolver) Resolve(ctx context.Context, wrapper *nostr.Event) (*nostr.Event, error) {
	target := TargetID(wrapper)
	if target == "" {
		return nil, ErrRepostUnresolved
	}

	if original, ok := r.cached(target); ok {
		if original == nil {
			return nil, ErrRepostUnresolved
		}
		return original, nil
	}

	// Inline JSON content carries the original when the reposter included it
	if original := parseInline(wrapper.Content, target); original != nil {
		r.remember(target, original)
		return original, nil
	}

	if original, err := r.storage.GetEvent(ctx, target); err == nil && original != nil {
		r.remember(target, original)
		return original, nil
	}

	original, err := r.fetch(ctx, target)
	if err != nil || original == nil {
		r.logger.Debug("repost original unresolved", "target", target)
		r.remember(target, nil)
		return nil, ErrRepostUnresolved
	}

	// Keep the original durable so the next resolution skips the network
	if err := r.storage.StoreEvent(ctx, original); err != nil {
		r.logger.Warn("failed to store resolved original", "target", target, "error", err)
	}
	r.remember(target, original)
	return original, nil
}

func (r *RepostResolver) cached(target string) (*nostr.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache[target]
	if !ok || time.Now().After(entry.expiresAt) {
		delete(r.cache, target)
		return nil, false
	}
	return entry.event, true
}

func (r *RepostResolver) remember(target string, event *nostr.Event) {
	r.mu.Lock()
	r.cache[target] = repostEntry{event: event, expiresAt: time.Now().Add(r.ttl)}
	r.mu.Unlock()
}

// parseInline decodes the wrapper content as an event and accepts it only
// when its id matches the wrapper's target
func parseInline(content, target string) *nostr.Event {
	if content == "" {
		return nil
	}
	var original nostr.Event
	if err := json.Unmarshal([]byte(content), &original); err != nil {
		return nil
	}
	if original.ID != target {
		return nil
	}
	return &original
}

// fetch runs a one-shot id query through the registry. Concurrent fetches
// of the same id share one underlying subscription by fingerprint.
func (r *RepostResolver) fetch(ctx context.Context, target string) (*nostr.Event, error) {
	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	got := make(chan *nostr.Event, 1)
	boundary := make(chan struct{}, 1)

	handle, err := r.registry.Subscribe(fetchCtx,
		nostr.Filter{IDs: []string{target}, Limit: 1}, nil,
		func(_ string, event *nostr.Event) {
			select {
			case got <- event:
			default:
			}
		},
		func() {
			select {
			case boundary <- struct{}{}:
			default:
			}
		})
	if err != nil {
		return nil, err
	}
	defer handle.Unsubscribe()

	select {
	case event := <-got:
		return event, nil
	case <-boundary:
		// All sources answered and none had it
		select {
		case event := <-got:
			return event, nil
		default:
		}
		return nil, ErrRepostUnresolved
	case <-fetchCtx.Done():
		return nil, fetchCtx.Err()
	}
}
