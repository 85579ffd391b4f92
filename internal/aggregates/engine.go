package aggregates

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/driftline/tidepool/internal/cache"
	"github.com/driftline/tidepool/internal/config"
	"github.com/driftline/tidepool/internal/metrics"
	"github.com/driftline/tidepool/internal/ops"
	"github.com/driftline/tidepool/internal/pool"
	"github.com/driftline/tidepool/internal/refs"
	"github.com/driftline/tidepool/internal/storage"
	"github.com/driftline/tidepool/internal/subscription"
)

// Contributor is one tipper and the total they have sent to a target
type Contributor struct {
	Pubkey     string
	AmountSats int64
}

// Snapshot is the aggregate state of one target record. Counts are
// approximate while Loading; the boundary reconciliation makes them
// authoritative.
type Snapshot struct {
	TargetID          string
	ReactionCount     int
	ReactionBreakdown map[string]int
	TipTotalSats      int64
	TipCount          int
	TopContributors   []Contributor
	ViewerHasReacted  bool
	ViewerHasTipped   bool
	Loading           bool
	LastReconciledAt  time.Time
}

func (s *Snapshot) clone() *Snapshot {
	out := *s
	out.ReactionBreakdown = make(map[string]int, len(s.ReactionBreakdown))
	for label, count := range s.ReactionBreakdown {
		out.ReactionBreakdown[label] = count
	}
	out.TopContributors = append([]Contributor(nil), s.TopContributors...)
	return &out
}

// targetState is the loop-owned mutable state behind one published snapshot
type targetState struct {
	snap         *Snapshot
	contributors map[string]int64
	viewer       string
}

// optimisticDelta is a locally initiated interaction reflected before its
// authoritative record arrives. A matching record consumes it; expiry
// drops it.
type optimisticDelta struct {
	targetID   string
	label      string // empty for tips
	amountSats int64  // zero for reactions
	viewer     string
	expiresAt  time.Time
}

func (d *optimisticDelta) isTip() bool {
	return d.amountSats > 0
}

// matchesReaction reports whether an authoritative reaction confirms this
// delta
func (d *optimisticDelta) matchesReaction(targetID, viewer, label string) bool {
	return !d.isTip() && d.targetID == targetID && d.viewer == viewer && d.label == label
}

// matchesTip reports whether an authoritative tip confirms this delta;
// amounts match within ten percent
func (d *optimisticDelta) matchesTip(targetID, sender string, amountSats int64) bool {
	if !d.isTip() || d.targetID != targetID || d.viewer != sender {
		return false
	}
	diff := amountSats - d.amountSats
	if diff < 0 {
		diff = -diff
	}
	return diff*10 <= d.amountSats
}

// Engine maintains live aggregate snapshots for tracked targets: a fast
// approximate count first, then an authoritative replay of the reaction
// and tip streams, reconciled at the stream boundary.
type Engine struct {
	pool     *pool.Pool
	registry *subscription.Registry
	storage  *storage.Storage
	cfg      *config.Aggregates
	logger   *ops.Logger

	published *xsync.MapOf[string, *Snapshot]
	state     map[string]*targetState // apply-loop owned
	seen      *cache.IDCache

	applyCh  chan func()
	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}

	deltaMu sync.Mutex
	deltas  []*optimisticDelta

	handleMu sync.Mutex
	handles  []*subscription.Handle

	onChange  func(targetID string)
	debounced func(func())
	changedMu sync.Mutex
	changed   map[string]struct{}
}

// NewEngine creates an aggregate engine. onChange may be nil; when set it
// fires coalesced per changed target.
func NewEngine(p *pool.Pool, registry *subscription.Registry, st *storage.Storage, cfg *config.Aggregates, logger *ops.Logger, onChange func(targetID string)) *Engine {
	e := &Engine{
		pool:      p,
		registry:  registry,
		storage:   st,
		cfg:       cfg,
		logger:    logger.WithComponent("aggregates"),
		published: xsync.NewMapOf[string, *Snapshot](),
		state:     make(map[string]*targetState),
		seen:      cache.NewIDCache(8192),
		applyCh:   make(chan func(), 256),
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
		onChange:  onChange,
		debounced: debounce.New(300 * time.Millisecond),
		changed:   make(map[string]struct{}),
	}
	go e.run()
	return e
}

// Close stops the engine and detaches its subscriptions
func (e *Engine) Close() {
	e.stopOnce.Do(func() {
		close(e.stopChan)
		<-e.doneChan
		e.handleMu.Lock()
		for _, handle := range e.handles {
			handle.Unsubscribe()
		}
		e.handles = nil
		e.handleMu.Unlock()
	})
}

func (e *Engine) run() {
	defer close(e.doneChan)
	sweep := time.NewTicker(30 * time.Second)
	defer sweep.Stop()

	for {
		select {
		case fn := <-e.applyCh:
			fn()
		case <-sweep.C:
			e.sweepDeltas()
		case <-e.stopChan:
			return
		}
	}
}

func (e *Engine) enqueue(fn func()) {
	select {
	case e.applyCh <- fn:
	case <-e.stopChan:
	}
}

func (e *Engine) do(fn func()) {
	done := make(chan struct{})
	e.enqueue(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-e.stopChan:
	}
}

// Track begins maintaining aggregates for targetIDs (hex, note or nevent
// forms) on behalf of viewer. The fast count path answers immediately; the
// replay path reconciles at its boundary.
func (e *Engine) Track(ctx context.Context, targetIDs []string, viewer string) error {
	ids := make([]string, 0, len(targetIDs))
	for _, raw := range targetIDs {
		id, err := refs.DecodeEventID(raw)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil
	}

	e.do(func() {
		for _, id := range ids {
			if _, ok := e.state[id]; ok {
				continue
			}
			e.state[id] = &targetState{
				snap: &Snapshot{
					TargetID:          id,
					ReactionBreakdown: make(map[string]int),
					Loading:           true,
				},
				contributors: make(map[string]int64),
				viewer:       viewer,
			}
			e.publishLocked(id)
			metrics.TrackedAggregates.Inc()
		}
	})

	go e.fastCount(ctx, ids)

	filter := nostr.Filter{
		Kinds: []int{7, 9735},
		Tags:  nostr.TagMap{"e": ids},
	}

	// Durable backlog first so the replay starts warm
	if backlog, err := e.storage.QueryEvents(ctx, filter); err == nil {
		e.enqueue(func() {
			for _, event := range backlog {
				e.applyEvent(event)
			}
		})
	}

	handle, err := e.registry.Subscribe(ctx, filter, nil,
		func(_ string, event *nostr.Event) {
			e.enqueue(func() { e.applyEvent(event) })
		},
		func() {
			e.enqueue(func() { e.reconcile(ids) })
		})
	if err != nil {
		// No usable sources: the backlog is all there is, reconcile on it
		e.logger.Debug("aggregate replay unavailable", "targets", len(ids), "error", err)
		e.enqueue(func() { e.reconcile(ids) })
		return nil
	}

	e.handleMu.Lock()
	e.handles = append(e.handles, handle)
	e.handleMu.Unlock()
	return nil
}

// fastCount runs the approximate count path: per-target reaction COUNT
// queries against usable sources, best answer wins. Sources without count
// support simply do not answer.
func (e *Engine) fastCount(ctx context.Context, ids []string) {
	sources, err := e.pool.Usable(e.pool.DefaultSources())
	if err != nil {
		return
	}

	countCtx, cancel := context.WithTimeout(ctx, e.pool.QueryTimeout())
	defer cancel()

	for _, id := range ids {
		best := int64(-1)
		filter := nostr.Filter{Kinds: []int{7}, Tags: nostr.TagMap{"e": []string{id}}}
		for _, source := range sources {
			relay, err := e.pool.Ensure(countCtx, source)
			if err != nil {
				continue
			}
			count, _, err := relay.Count(countCtx, nostr.Filters{filter})
			if err != nil {
				continue
			}
			if count > best {
				best = count
			}
		}
		if best < 0 {
			continue
		}
		approx := int(best)
		e.enqueue(func() {
			state, ok := e.state[id]
			if !ok || !state.snap.Loading {
				return
			}
			// Approximate only: the replay boundary overwrites this
			if approx > state.snap.ReactionCount {
				state.snap.ReactionCount = approx
				e.publishLocked(id)
				e.notifyChanged(id)
			}
		})
	}
}

// applyEvent folds one authoritative record into its target's state.
// Apply-loop only.
func (e *Engine) applyEvent(event *nostr.Event) {
	if !e.seen.Add(event.ID) {
		return
	}

	switch event.Kind {
	case 7:
		e.applyReaction(event)
	case 9735:
		e.applyTip(event)
	}
}

func (e *Engine) applyReaction(event *nostr.Event) {
	targetID := ReactionTarget(event)
	state, ok := e.state[targetID]
	if !ok {
		return
	}

	label, excluded := ClassifyReaction(event.Content)
	if excluded {
		return
	}

	if event.PubKey == state.viewer {
		state.snap.ViewerHasReacted = true
	}

	// A confirming record consumes its optimistic delta; the count moves
	// from estimated to confirmed without double-adding
	e.consumeReactionDelta(targetID, event.PubKey, label)

	state.snap.ReactionBreakdown[label]++
	state.snap.ReactionCount++
	e.publishLocked(targetID)
	e.notifyChanged(targetID)
	e.logger.LogAggregateUpdate(targetID, state.snap.ReactionCount, state.snap.TipTotalSats)
}

func (e *Engine) applyTip(event *nostr.Event) {
	tip, err := ParseTip(event)
	if err != nil || tip.TargetID == "" {
		return
	}
	if tip.AmountSats < e.cfg.MinTipSats {
		return
	}
	state, ok := e.state[tip.TargetID]
	if !ok {
		return
	}

	if tip.Sender != "" && tip.Sender == state.viewer {
		state.snap.ViewerHasTipped = true
	}

	// The optimistic amount was an estimate; the receipt's authoritative
	// amount replaces it
	e.consumeTipDelta(tip.TargetID, tip.Sender, tip.AmountSats)

	state.snap.TipTotalSats += tip.AmountSats
	state.snap.TipCount++
	e.addContribution(state, tip.Sender, tip.AmountSats)
	e.publishLocked(tip.TargetID)
	e.notifyChanged(tip.TargetID)
	e.logger.LogAggregateUpdate(tip.TargetID, state.snap.ReactionCount, state.snap.TipTotalSats)
}

func (e *Engine) addContribution(state *targetState, sender string, amountSats int64) {
	if sender == "" {
		return
	}
	state.contributors[sender] += amountSats

	top := make([]Contributor, 0, len(state.contributors))
	for pubkey, total := range state.contributors {
		top = append(top, Contributor{Pubkey: pubkey, AmountSats: total})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].AmountSats != top[j].AmountSats {
			return top[i].AmountSats > top[j].AmountSats
		}
		return top[i].Pubkey < top[j].Pubkey
	})
	if len(top) > e.cfg.TopContributors {
		top = top[:e.cfg.TopContributors]
	}
	state.snap.TopContributors = top
}

// reconcile overwrites the approximate count with the replayed truth.
// Apply-loop only.
func (e *Engine) reconcile(ids []string) {
	now := time.Now()
	for _, id := range ids {
		state, ok := e.state[id]
		if !ok {
			continue
		}
		authoritative := 0
		for _, count := range state.snap.ReactionBreakdown {
			authoritative += count
		}
		if state.snap.ReactionCount != authoritative {
			e.logger.Debug("reconciled approximate count",
				"target", id,
				"approximate", state.snap.ReactionCount,
				"authoritative", authoritative)
		}
		state.snap.ReactionCount = authoritative
		state.snap.Loading = false
		state.snap.LastReconciledAt = now
		e.publishLocked(id)
		e.notifyChanged(id)
		metrics.ReconciliationsTotal.Inc()
	}
}

// publishLocked refreshes the lock-free read copy for id. Apply-loop only.
func (e *Engine) publishLocked(id string) {
	if state, ok := e.state[id]; ok {
		e.published.Store(id, state.snap.clone())
	}
}

// Get returns the current aggregate snapshot for targetID with any live
// optimistic deltas applied
func (e *Engine) Get(targetID string) (*Snapshot, bool) {
	published, ok := e.published.Load(targetID)
	if !ok {
		return nil, false
	}
	snap := published.clone()

	now := time.Now()
	e.deltaMu.Lock()
	for _, d := range e.deltas {
		if d.targetID != targetID || now.After(d.expiresAt) {
			continue
		}
		if d.isTip() {
			snap.TipTotalSats += d.amountSats
			snap.TipCount++
			snap.ViewerHasTipped = true
		} else {
			snap.ReactionBreakdown[d.label]++
			snap.ReactionCount++
			snap.ViewerHasReacted = true
		}
	}
	e.deltaMu.Unlock()
	return snap, true
}

// Tracked returns the number of targets with live aggregate state
func (e *Engine) Tracked() int {
	return e.published.Size()
}

// OptimisticReaction reflects the viewer's own reaction before its record
// propagates. Confirmed or expired, it is counted at most once.
func (e *Engine) OptimisticReaction(targetID, content, viewer string) {
	label, excluded := ClassifyReaction(content)
	if excluded {
		return
	}
	e.addDelta(&optimisticDelta{
		targetID:  targetID,
		label:     label,
		viewer:    viewer,
		expiresAt: time.Now().Add(e.optimisticTTL()),
	})
}

// OptimisticTip reflects the viewer's own tip before its receipt propagates
func (e *Engine) OptimisticTip(targetID string, amountSats int64, viewer string) {
	if amountSats <= 0 {
		return
	}
	e.addDelta(&optimisticDelta{
		targetID:   targetID,
		amountSats: amountSats,
		viewer:     viewer,
		expiresAt:  time.Now().Add(e.optimisticTTL()),
	})
}

func (e *Engine) optimisticTTL() time.Duration {
	return time.Duration(e.cfg.OptimisticTTLSeconds) * time.Second
}

func (e *Engine) addDelta(d *optimisticDelta) {
	e.deltaMu.Lock()
	e.deltas = append(e.deltas, d)
	e.deltaMu.Unlock()
	metrics.OptimisticDeltas.Inc()
	e.notifyChanged(d.targetID)
}

// consumeReactionDelta removes at most one matching reaction delta
func (e *Engine) consumeReactionDelta(targetID, viewer, label string) bool {
	e.deltaMu.Lock()
	defer e.deltaMu.Unlock()
	for i, d := range e.deltas {
		if d.matchesReaction(targetID, viewer, label) {
			e.removeDeltaLocked(i)
			return true
		}
	}
	return false
}

// consumeTipDelta removes at most one matching tip delta
func (e *Engine) consumeTipDelta(targetID, sender string, amountSats int64) bool {
	if sender == "" {
		return false
	}
	e.deltaMu.Lock()
	defer e.deltaMu.Unlock()
	for i, d := range e.deltas {
		if d.matchesTip(targetID, sender, amountSats) {
			e.removeDeltaLocked(i)
			return true
		}
	}
	return false
}

func (e *Engine) removeDeltaLocked(i int) {
	e.deltas = append(e.deltas[:i], e.deltas[i+1:]...)
	metrics.OptimisticDeltas.Dec()
}

// sweepDeltas drops expired unconfirmed deltas; their effect falls away
// from read copies
func (e *Engine) sweepDeltas() {
	now := time.Now()
	e.deltaMu.Lock()
	kept := e.deltas[:0]
	var expired []string
	for _, d := range e.deltas {
		if now.After(d.expiresAt) {
			expired = append(expired, d.targetID)
			metrics.OptimisticDeltas.Dec()
			continue
		}
		kept = append(kept, d)
	}
	e.deltas = kept
	e.deltaMu.Unlock()

	for _, targetID := range expired {
		e.notifyChanged(targetID)
	}
}

// notifyChanged schedules a coalesced change callback for targetID
func (e *Engine) notifyChanged(targetID string) {
	if e.onChange == nil {
		return
	}
	e.changedMu.Lock()
	e.changed[targetID] = struct{}{}
	e.changedMu.Unlock()
	e.debounced(e.flushChanged)
}

func (e *Engine) flushChanged() {
	e.changedMu.Lock()
	drained := e.changed
	e.changed = make(map[string]struct{})
	e.changedMu.Unlock()
	for targetID := range drained {
		e.onChange(targetID)
	}
}
