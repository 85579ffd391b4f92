package feed

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/nbd-wtf/go-nostr"

	"github.com/driftline/tidepool/internal/cache"
	"github.com/driftline/tidepool/internal/metrics"
	"github.com/driftline/tidepool/internal/ops"
)

// State is a point-in-time copy of a view, safe to read after the view
// moves on
type State struct {
	Records  []*nostr.Event
	Cursor   int64 // oldest included timestamp, pagination anchor
	Loading  bool  // live boundary not reached yet
	Stale    bool  // serving rehydrated records awaiting live confirmation
	Degraded bool  // no usable sources, cached-only
	HasMore  bool
}

// View is one live feed: an ordered window of records fed by a serialized
// apply loop. All mutation goes through the loop; readers take copies.
type View struct {
	signature      string
	baseFilter     nostr.Filter // the request's filter, reused for pagination
	viewer         string
	authors        map[string]struct{}
	topics         map[string]struct{}
	includeReplies bool
	fanoutLimit    int
	preferRepost   bool

	resolver *RepostResolver
	logger   *ops.Logger

	applyCh  chan func()
	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
	cleanup  []func()

	mu       sync.RWMutex
	records  []*nostr.Event
	seen     map[string]struct{}
	muted    map[string]struct{}
	loading  bool
	stale    bool
	degraded bool
	hasMore  bool

	onChange   func()
	debounced  func(func())
	maxLatency time.Duration
	notifyMu   sync.Mutex
	dirtySince time.Time
}

type viewOptions struct {
	signature      string
	baseFilter     nostr.Filter
	viewer         string
	authors        []string
	topics         []string
	includeReplies bool
	fanoutLimit    int
	preferRepost   bool
	coalesce       time.Duration
	maxLatency     time.Duration
	muted          []string
	onChange       func()
}

func newView(opts viewOptions, resolver *RepostResolver, logger *ops.Logger) *View {
	v := &View{
		signature:      opts.signature,
		baseFilter:     opts.baseFilter,
		viewer:         opts.viewer,
		authors:        toSet(opts.authors),
		topics:         toSet(opts.topics),
		includeReplies: opts.includeReplies,
		fanoutLimit:    opts.fanoutLimit,
		preferRepost:   opts.preferRepost,
		resolver:       resolver,
		logger:         logger.WithComponent("view"),
		applyCh:        make(chan func(), 64),
		stopChan:       make(chan struct{}),
		doneChan:       make(chan struct{}),
		seen:           make(map[string]struct{}),
		muted:          toSet(opts.muted),
		loading:        true,
		onChange:       opts.onChange,
		debounced:      debounce.New(opts.coalesce),
		maxLatency:     opts.maxLatency,
	}
	go v.run()
	return v
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// Signature returns the normalized filter signature backing this view
func (v *View) Signature() string {
	return v.signature
}

// Viewer returns the viewer identity, empty for anonymous views
func (v *View) Viewer() string {
	return v.viewer
}

// Snapshot returns a copy of the current view state
func (v *View) Snapshot() State {
	v.mu.RLock()
	defer v.mu.RUnlock()
	records := make([]*nostr.Event, len(v.records))
	copy(records, v.records)
	return State{
		Records:  records,
		Cursor:   v.cursorLocked(),
		Loading:  v.loading,
		Stale:    v.stale,
		Degraded: v.degraded,
		HasMore:  v.hasMore,
	}
}

func (v *View) cursorLocked() int64 {
	if len(v.records) == 0 {
		return 0
	}
	return int64(v.records[len(v.records)-1].CreatedAt)
}

// Close stops the apply loop and detaches every subscription
func (v *View) Close() {
	v.stopOnce.Do(func() {
		close(v.stopChan)
		<-v.doneChan
		for _, fn := range v.cleanup {
			fn()
		}
	})
}

func (v *View) run() {
	defer close(v.doneChan)
	for {
		select {
		case fn := <-v.applyCh:
			fn()
		case <-v.stopChan:
			return
		}
	}
}

// enqueue schedules fn on the apply loop; dropped if the view is closed
func (v *View) enqueue(fn func()) {
	select {
	case v.applyCh <- fn:
	case <-v.stopChan:
	}
}

// do runs fn on the apply loop and waits for it
func (v *View) do(fn func()) {
	done := make(chan struct{})
	v.enqueue(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-v.stopChan:
	}
}

// ingest runs the pipeline for a batch of records; returns how many were
// accepted. Apply-loop only.
func (v *View) ingest(ctx context.Context, events []*nostr.Event) int {
	accepted := 0
	for _, event := range events {
		outcome := v.process(ctx, event)
		metrics.EventsProcessedTotal.WithLabelValues(outcome).Inc()
		if outcome == metrics.OutcomeAccepted {
			accepted++
		}
	}
	if accepted > 0 {
		v.markDirty()
	}
	return accepted
}

// process runs one record through dedup, exclusion, classification, context
// filtering, repost resolution and ordered insertion. Apply-loop only.
func (v *View) process(ctx context.Context, event *nostr.Event) string {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.seen[event.ID]; ok {
		return metrics.OutcomeDuplicate
	}
	if _, ok := v.muted[event.PubKey]; ok {
		return metrics.OutcomeMuted
	}

	// For a repost the thread/topic context comes from the original; the
	// author context comes from the reposter.
	subject := event
	var original *nostr.Event
	if event.Kind == 6 {
		var err error
		v.mu.Unlock()
		original, err = v.resolver.Resolve(ctx, event)
		v.mu.Lock()
		if err != nil {
			v.seen[event.ID] = struct{}{}
			return metrics.OutcomeRepostDropped
		}
		if _, ok := v.muted[original.PubKey]; ok {
			v.seen[event.ID] = struct{}{}
			return metrics.OutcomeMuted
		}
		subject = original
	}

	if v.fanoutLimit > 0 && FanOut(subject) > v.fanoutLimit {
		v.seen[event.ID] = struct{}{}
		return metrics.OutcomeFanout
	}

	if !v.includeReplies && subject.Kind == 1 && Classify(subject).IsReply {
		v.seen[event.ID] = struct{}{}
		return metrics.OutcomeReplyFiltered
	}

	if len(v.topics) > 0 && !matchesAny(Topics(subject), v.topics) {
		v.seen[event.ID] = struct{}{}
		return metrics.OutcomeContextFiltered
	}
	if len(v.authors) > 0 {
		if _, ok := v.authors[event.PubKey]; !ok {
			v.seen[event.ID] = struct{}{}
			return metrics.OutcomeContextFiltered
		}
	}

	if event.Kind == 6 && v.preferRepost {
		// The repost stands in for its original: drop a bare original
		// already shown and suppress one arriving later
		if _, shown := v.seen[original.ID]; shown {
			v.removeLocked(original.ID)
		}
		v.seen[original.ID] = struct{}{}
	}

	v.insertLocked(event)
	v.seen[event.ID] = struct{}{}
	return metrics.OutcomeAccepted
}

func matchesAny(labels []string, want map[string]struct{}) bool {
	for _, label := range labels {
		if _, ok := want[label]; ok {
			return true
		}
	}
	return false
}

// insertLocked places event at its ordered position by binary search
func (v *View) insertLocked(event *nostr.Event) {
	idx := sort.Search(len(v.records), func(i int) bool {
		return cache.RecordBefore(event, v.records[i])
	})
	v.records = append(v.records, nil)
	copy(v.records[idx+1:], v.records[idx:])
	v.records[idx] = event
}

func (v *View) removeLocked(id string) {
	for i, record := range v.records {
		if record.ID == id {
			v.records = append(v.records[:i], v.records[i+1:]...)
			return
		}
	}
}

// addMute blocks pubkey and drops its records from the window.
// Apply-loop only.
func (v *View) addMute(pubkey string) {
	v.mu.Lock()
	v.muted[pubkey] = struct{}{}
	removed := false
	kept := v.records[:0]
	for _, record := range v.records {
		if record.PubKey == pubkey {
			removed = true
			continue
		}
		kept = append(kept, record)
	}
	v.records = kept
	v.mu.Unlock()
	if removed {
		v.markDirty()
	}
}

// removeMute unblocks pubkey. Previously dropped records are not restored;
// they return through refresh or pagination.
func (v *View) removeMute(pubkey string) {
	v.mu.Lock()
	delete(v.muted, pubkey)
	v.mu.Unlock()
}

// setState mutates the status flags on the apply loop
func (v *View) setState(fn func(loading, stale, degraded, hasMore *bool)) {
	v.mu.Lock()
	fn(&v.loading, &v.stale, &v.degraded, &v.hasMore)
	v.mu.Unlock()
	v.markDirty()
}

// markDirty schedules a coalesced change notification. A lone change is
// never starved past maxLatency.
func (v *View) markDirty() {
	if v.onChange == nil {
		return
	}
	v.notifyMu.Lock()
	if v.dirtySince.IsZero() {
		v.dirtySince = time.Now()
	}
	overdue := time.Since(v.dirtySince) >= v.maxLatency
	v.notifyMu.Unlock()

	if overdue {
		v.flush()
	} else {
		v.debounced(v.flush)
	}
}

func (v *View) flush() {
	v.notifyMu.Lock()
	v.dirtySince = time.Time{}
	v.notifyMu.Unlock()
	v.onChange()
}
