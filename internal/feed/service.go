package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/driftline/tidepool/internal/cache"
	"github.com/driftline/tidepool/internal/config"
	"github.com/driftline/tidepool/internal/metrics"
	"github.com/driftline/tidepool/internal/ops"
	"github.com/driftline/tidepool/internal/outbox"
	"github.com/driftline/tidepool/internal/pool"
	"github.com/driftline/tidepool/internal/refs"
	"github.com/driftline/tidepool/internal/storage"
	"github.com/driftline/tidepool/internal/subscription"
)

// ErrUnavailable is returned when no usable source remains and no cached
// state exists to serve. Callers may retry once sources recover.
var ErrUnavailable = errors.New("feed unavailable: no sources and no cached state")

// Request describes one feed to open. Identities accept hex, npub or
// nprofile forms.
type Request struct {
	Viewer         string
	Authors        []string
	Topics         []string
	Kinds          []int // defaults to notes and reposts
	IncludeReplies bool
	Limit          int
}

// Service orchestrates feed views: rehydration from the snapshot store,
// live refresh through the outbox targets and the subscription registry,
// pagination, block-list maintenance and degraded cached-only operation.
type Service struct {
	pool     *pool.Pool
	registry *subscription.Registry
	outbox   *outbox.Resolver
	store    cache.Store
	storage  *storage.Storage
	reposts  *RepostResolver
	recent   *cache.IDCache
	cfg      *config.Feed
	cacheTTL time.Duration
	logger   *ops.Logger

	mu    sync.Mutex
	views map[*View]struct{}
}

// NewService wires the feed service
func NewService(cfg *config.Config, p *pool.Pool, registry *subscription.Registry, resolver *outbox.Resolver, store cache.Store, st *storage.Storage, logger *ops.Logger) *Service {
	return &Service{
		pool:     p,
		registry: registry,
		outbox:   resolver,
		store:    store,
		storage:  st,
		reposts: NewRepostResolver(st, registry,
			time.Duration(cfg.Feed.RepostTTLSeconds)*time.Second, logger),
		recent:   cache.NewIDCache(8192),
		cfg:      &cfg.Feed,
		cacheTTL: time.Duration(cfg.Caching.FeedTTLSeconds) * time.Second,
		logger:   logger.WithComponent("feed"),
		views:    make(map[*View]struct{}),
	}
}

// Open builds a live view for req: cached records first when a fresh
// snapshot exists, then a live refresh whose boundary clears the loading
// and stale flags. With zero usable sources the cached records are served
// degraded; with neither, ErrUnavailable.
func (s *Service) Open(ctx context.Context, req Request, onChange func()) (*View, error) {
	viewer := ""
	if req.Viewer != "" {
		decoded, err := refs.DecodePubkey(req.Viewer)
		if err != nil {
			return nil, fmt.Errorf("invalid viewer: %w", err)
		}
		viewer = decoded
	}

	authors, rejected := refs.DecodePubkeys(req.Authors)
	for _, bad := range rejected {
		s.logger.Warn("skipping invalid author", "author", bad)
	}

	filter := s.buildFilter(req, authors)
	signature := s.registry.FilterFingerprint(filter)

	var muted []string
	if viewer != "" {
		var err error
		muted, err = s.storage.GetMutes(ctx, viewer)
		if err != nil {
			s.logger.Warn("failed to load block-list", "viewer", viewer, "error", err)
		}
	}

	view := newView(viewOptions{
		signature:      signature,
		baseFilter:     filter,
		viewer:         viewer,
		authors:        authors,
		topics:         lowerTopics(req.Topics),
		includeReplies: req.IncludeReplies,
		fanoutLimit:    s.cfg.FanoutLimit(),
		preferRepost:   s.cfg.PreferRepostEnabled(),
		coalesce:       time.Duration(s.cfg.CoalesceMs) * time.Millisecond,
		maxLatency:     time.Duration(s.cfg.MaxNotifyLatencyMs) * time.Millisecond,
		muted:          muted,
		onChange:       onChange,
	}, s.reposts, s.logger)

	s.mu.Lock()
	s.views[view] = struct{}{}
	s.mu.Unlock()
	view.cleanup = append(view.cleanup, func() {
		s.mu.Lock()
		delete(s.views, view)
		s.mu.Unlock()
	})

	rehydrated := s.rehydrate(ctx, view, signature)
	attached := s.subscribeLive(ctx, view, filter, authors, signature)

	if attached == 0 {
		if rehydrated {
			view.do(func() {
				view.setState(func(loading, stale, degraded, _ *bool) {
					*loading = false
					*degraded = true
				})
			})
			return view, nil
		}
		view.Close()
		return nil, ErrUnavailable
	}

	return view, nil
}

func (s *Service) buildFilter(req Request, authors []string) nostr.Filter {
	kinds := req.Kinds
	if len(kinds) == 0 {
		kinds = []int{1, 6}
	}
	limit := req.Limit
	if limit == 0 {
		limit = 50
	}
	filter := nostr.Filter{
		Kinds:   kinds,
		Authors: authors,
		Limit:   limit,
	}
	if topics := lowerTopics(req.Topics); len(topics) > 0 {
		filter.Tags = nostr.TagMap{"t": topics}
	}
	return filter
}

// lowerTopics canonicalizes topic labels to lowercase so "GoLang" and
// "golang" produce the same filter and signature
func lowerTopics(topics []string) []string {
	if len(topics) == 0 {
		return nil
	}
	lowered := make([]string, len(topics))
	for i, topic := range topics {
		lowered[i] = strings.ToLower(topic)
	}
	return lowered
}

// rehydrate populates the view from the snapshot store when a live entry
// exists; the view stays stale until the live boundary confirms it
func (s *Service) rehydrate(ctx context.Context, view *View, signature string) bool {
	snap, err := s.store.Get(ctx, signature)
	if err != nil {
		metrics.SnapshotCacheTotal.WithLabelValues("miss").Inc()
		s.logger.LogCacheOperation("get", signature, false)
		return false
	}

	metrics.SnapshotCacheTotal.WithLabelValues("hit").Inc()
	s.logger.LogCacheOperation("get", signature, true)

	records := snap.Records
	view.enqueue(func() {
		added := view.ingest(ctx, records)
		view.setState(func(_, stale, _, _ *bool) { *stale = true })
		s.logger.LogFeedRefresh(signature, added, len(records), true)
	})
	return true
}

// refreshTracker fires the refresh boundary exactly once, after every
// subscribe group has completed, as long as at least one group attached.
// Completion order does not matter: a group failing after another group's
// boundary arrived must not swallow the flip.
type refreshTracker struct {
	mu       sync.Mutex
	pending  int
	attached bool
	fired    bool
}

func newRefreshTracker(groups int) *refreshTracker {
	return &refreshTracker{pending: groups}
}

// complete records one group's outcome and reports whether the boundary
// should fire now
func (t *refreshTracker) complete(attached bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if attached {
		t.attached = true
	}
	t.pending--
	if t.pending == 0 && t.attached && !t.fired {
		t.fired = true
		return true
	}
	return false
}

// subscribeLive opens one registry subscription per outbox target group and
// returns how many attached. The view's boundary fires once every group
// reaches its own.
func (s *Service) subscribeLive(ctx context.Context, view *View, filter nostr.Filter, authors []string, signature string) int {
	type group struct {
		filter  nostr.Filter
		sources []string
	}

	var groups []group
	if len(authors) > 0 {
		targets := s.outbox.Resolve(ctx, authors)
		for _, source := range targets.Sources() {
			f := filter
			f.Authors = targets.AuthorsFor(source)
			groups = append(groups, group{filter: f, sources: []string{source}})
		}
	} else {
		groups = append(groups, group{filter: filter})
	}

	tracker := newRefreshTracker(len(groups))
	complete := func(attached bool) {
		if tracker.complete(attached) {
			s.finishRefresh(view, signature)
		}
	}

	attached := 0
	onEvent := func(source string, event *nostr.Event) {
		view.enqueue(func() { view.ingest(ctx, []*nostr.Event{event}) })
	}

	for _, g := range groups {
		handle, err := s.registry.Subscribe(ctx, g.filter, g.sources, onEvent, func() { complete(true) })
		if err != nil {
			s.logger.Debug("live subscribe skipped", "sources", g.sources, "error", err)
			complete(false)
			continue
		}
		attached++
		view.cleanup = append(view.cleanup, handle.Unsubscribe)
	}
	return attached
}

// finishRefresh runs at the live boundary: flags clear and the merged
// window is persisted best-effort
func (s *Service) finishRefresh(view *View, signature string) {
	view.enqueue(func() {
		view.setState(func(loading, stale, _, _ *bool) {
			*loading = false
			*stale = false
		})
		s.persist(view, signature)
	})
}

// persist writes the view window to the snapshot store and the durable
// tier. Failures are logged and swallowed; the in-memory view is already
// correct.
func (s *Service) persist(view *View, signature string) {
	state := view.Snapshot()
	if len(state.Records) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.store.Append(ctx, signature, state.Records, s.cfg.KeepRecords, s.cacheTTL); err != nil {
		metrics.CacheWriteFailuresTotal.Inc()
		s.logger.Warn("snapshot write failed", "signature", signature, "error", err)
	}

	ids := make([]string, 0, len(state.Records))
	for _, record := range state.Records {
		ids = append(ids, record.ID)
		// The recent cache spans views: a record another refresh already
		// wrote durably is not written again.
		if !s.recent.Add(record.ID) {
			continue
		}
		if err := s.storage.StoreEvent(ctx, record); err != nil {
			s.logger.Debug("durable store skipped", "id", record.ID, "error", err)
		}
	}
	expires := time.Now().Add(s.cacheTTL)
	if err := s.storage.SaveSnapshotMeta(ctx, signature, ids, state.Cursor, expires); err != nil {
		s.logger.Warn("snapshot meta write failed", "signature", signature, "error", err)
	}

	s.logger.LogFeedRefresh(signature, 0, len(state.Records), false)
}

// LoadOlder pages the view backward: records older than the current cursor
// run through the same pipeline. Returns how many new records were
// accepted. With no usable sources the durable tier answers instead.
func (s *Service) LoadOlder(ctx context.Context, view *View, n int) (int, error) {
	state := view.Snapshot()
	if state.Cursor == 0 {
		return 0, nil
	}
	if n <= 0 {
		n = 20
	}

	// Page with the view's own filter so custom kinds and topics survive
	until := nostr.Timestamp(state.Cursor)
	filter := view.baseFilter
	filter.Until = &until
	filter.Since = nil
	filter.Limit = n

	events, err := s.fetchOlder(ctx, filter)
	if err != nil {
		return 0, err
	}

	added := 0
	view.do(func() {
		added = view.ingest(ctx, events)
		got := len(events)
		view.setState(func(_, _, _, hasMore *bool) { *hasMore = got >= n })
	})
	return added, nil
}

func (s *Service) fetchOlder(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	sources, err := s.pool.Usable(s.pool.DefaultSources())
	if err != nil {
		// Degraded: page out of the durable tier
		events, qerr := s.storage.QueryEvents(ctx, filter)
		if qerr != nil {
			return nil, fmt.Errorf("no sources and durable query failed: %w", qerr)
		}
		return events, nil
	}

	queryCtx, cancel := context.WithTimeout(ctx, s.pool.GlobalTimeout())
	defer cancel()

	var all []*nostr.Event
	for _, source := range sources {
		relay, err := s.pool.Ensure(queryCtx, source)
		if err != nil {
			continue
		}
		start := time.Now()
		events, err := relay.QuerySync(queryCtx, filter)
		if err != nil {
			s.pool.Monitor().RecordFailure(source)
			s.logger.LogQuery(source, 0, time.Since(start), err)
			continue
		}
		s.pool.Monitor().RecordSuccess(source, time.Since(start))
		s.logger.LogQuery(source, len(events), time.Since(start), nil)
		all = append(all, events...)
	}
	return all, nil
}

// Mute adds pubkey to viewer's block-list, durably and across live views
func (s *Service) Mute(ctx context.Context, viewer, pubkey string) error {
	viewerHex, err := refs.DecodePubkey(viewer)
	if err != nil {
		return fmt.Errorf("invalid viewer: %w", err)
	}
	mutedHex, err := refs.DecodePubkey(pubkey)
	if err != nil {
		return fmt.Errorf("invalid pubkey: %w", err)
	}

	if err := s.storage.SaveMute(ctx, viewerHex, mutedHex); err != nil {
		return err
	}
	s.eachViewerView(viewerHex, func(view *View) {
		view.enqueue(func() { view.addMute(mutedHex) })
	})
	return nil
}

// Unmute removes pubkey from viewer's block-list. Already-dropped records
// come back through refresh or pagination, not retroactively.
func (s *Service) Unmute(ctx context.Context, viewer, pubkey string) error {
	viewerHex, err := refs.DecodePubkey(viewer)
	if err != nil {
		return fmt.Errorf("invalid viewer: %w", err)
	}
	mutedHex, err := refs.DecodePubkey(pubkey)
	if err != nil {
		return fmt.Errorf("invalid pubkey: %w", err)
	}

	if err := s.storage.DeleteMute(ctx, viewerHex, mutedHex); err != nil {
		return err
	}
	s.eachViewerView(viewerHex, func(view *View) {
		view.enqueue(func() { view.removeMute(mutedHex) })
	})
	return nil
}

// IngestMuteList seeds a viewer's block-list from their mute-list record
// (kind 10000 p tags)
func (s *Service) IngestMuteList(ctx context.Context, event *nostr.Event) error {
	if event.Kind != 10000 {
		return fmt.Errorf("expected kind 10000, got %d", event.Kind)
	}
	for _, tag := range event.Tags {
		if len(tag) < 2 || tag[0] != "p" || !nostr.IsValidPublicKey(tag[1]) {
			continue
		}
		if err := s.Mute(ctx, event.PubKey, tag[1]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) eachViewerView(viewer string, fn func(*View)) {
	s.mu.Lock()
	views := make([]*View, 0, len(s.views))
	for view := range s.views {
		if view.Viewer() == viewer {
			views = append(views, view)
		}
	}
	s.mu.Unlock()
	for _, view := range views {
		fn(view)
	}
}

// ViewCount returns the number of open views
func (s *Service) ViewCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.views)
}
