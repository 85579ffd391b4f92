package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/driftline/tidepool/internal/config"
	"github.com/driftline/tidepool/internal/metrics"
	"github.com/driftline/tidepool/internal/ops"
	"github.com/driftline/tidepool/internal/pool"
)

// EventFunc receives a record delivered by a subscription, with the source
// it arrived from
type EventFunc func(source string, event *nostr.Event)

// BoundaryFunc fires once when every participating source has either
// delivered its end-of-stored signal or timed out
type BoundaryFunc func()

// delivery is one message from a source pump to the dispatch loop
type delivery struct {
	source   string
	event    *nostr.Event // nil for a boundary delivery
	boundary bool
}

// attachment is one caller fanned out from a shared subscription
type attachment struct {
	onEvent    EventFunc
	onBoundary BoundaryFunc
}

// entry is one live subscription shared by all callers with the same
// filter fingerprint
type entry struct {
	fingerprint string
	filter      nostr.Filter
	generation  uint64
	createdAt   time.Time
	cancel      context.CancelFunc
	deliveries  chan delivery

	mu       sync.Mutex
	attached map[int]*attachment
	nextID   int
	boundary bool
}

// Registry deduplicates outstanding queries: N callers with the same
// normalized filter share one underlying subscription. The underlying
// query is torn down when the last caller detaches.
type Registry struct {
	pool       *pool.Pool
	maxAuthors int
	logger     *ops.Logger

	mu   sync.Mutex
	subs map[string]*entry
}

// NewRegistry creates a subscription registry over the pool
func NewRegistry(p *pool.Pool, cfg *config.Subscriptions, logger *ops.Logger) *Registry {
	return &Registry{
		pool:       p,
		maxAuthors: cfg.MaxAuthorsPerQuery,
		logger:     logger.WithComponent("subscription"),
		subs:       make(map[string]*entry),
	}
}

// Handle represents one caller's attachment to a shared subscription
type Handle struct {
	registry    *Registry
	fingerprint string
	id          int
	once        sync.Once
}

// Fingerprint returns the canonical fingerprint of the attached filter
func (h *Handle) Fingerprint() string {
	return h.fingerprint
}

// Unsubscribe detaches the caller. The underlying query is closed only
// when no callers remain.
func (h *Handle) Unsubscribe() {
	h.once.Do(func() {
		h.registry.detach(h.fingerprint, h.id)
	})
}

// Subscribe attaches a caller to the subscription for filter, opening a
// new one against sources only if no live subscription shares the
// fingerprint. A nil or empty sources slice targets the default set.
// onBoundary may be nil. The subscription outlives ctx: it is torn down
// only when the last Handle unsubscribes.
func (r *Registry) Subscribe(ctx context.Context, filter nostr.Filter, sources []string, onEvent EventFunc, onBoundary BoundaryFunc) (*Handle, error) {
	norm := Normalize(filter, r.maxAuthors)
	fingerprint := Fingerprint(filter, r.maxAuthors)

	r.mu.Lock()
	if e, ok := r.subs[fingerprint]; ok {
		handle := r.attachLocked(e, onEvent, onBoundary)
		r.mu.Unlock()
		return handle, nil
	}

	if len(sources) == 0 {
		sources = r.pool.DefaultSources()
	}
	usable, err := r.pool.Usable(sources)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}

	// The shared query's lifetime belongs to the registry, not to whichever
	// caller happened to open it first: later attachers keep receiving after
	// the creator's context ends. detach cancels at zero attached.
	subCtx, cancel := context.WithCancel(context.Background())
	e := &entry{
		fingerprint: fingerprint,
		filter:      norm,
		generation:  r.pool.Generation(),
		createdAt:   time.Now(),
		cancel:      cancel,
		deliveries:  make(chan delivery, 256),
		attached:    make(map[int]*attachment),
	}
	handle := r.attachLocked(e, onEvent, onBoundary)
	r.subs[fingerprint] = e
	r.mu.Unlock()

	metrics.ActiveSubscriptions.Inc()
	r.logger.Debug("subscription opened",
		"fingerprint", fingerprint[:12],
		"sources", len(usable))

	go r.dispatch(subCtx, e, len(usable))
	for _, source := range usable {
		go r.pump(subCtx, e, source)
	}

	return handle, nil
}

// attachLocked adds a caller to e; registry lock must be held. A caller
// attaching after the boundary fired still receives exactly one boundary
// callback.
func (r *Registry) attachLocked(e *entry, onEvent EventFunc, onBoundary BoundaryFunc) *Handle {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.attached[id] = &attachment{onEvent: onEvent, onBoundary: onBoundary}
	replay := e.boundary
	e.mu.Unlock()

	metrics.AttachedSubscribers.Inc()
	if replay && onBoundary != nil {
		go onBoundary()
	}
	return &Handle{registry: r, fingerprint: e.fingerprint, id: id}
}

// detach removes a caller; at zero the subscription is torn down
func (r *Registry) detach(fingerprint string, id int) {
	r.mu.Lock()
	e, ok := r.subs[fingerprint]
	if !ok {
		r.mu.Unlock()
		return
	}

	e.mu.Lock()
	delete(e.attached, id)
	remaining := len(e.attached)
	e.mu.Unlock()

	if remaining == 0 {
		delete(r.subs, fingerprint)
	}
	r.mu.Unlock()

	metrics.AttachedSubscribers.Dec()
	if remaining == 0 {
		e.cancel()
		metrics.ActiveSubscriptions.Dec()
		r.logger.Debug("subscription closed", "fingerprint", fingerprint[:12])
	}
}

// dispatch serializes all deliveries for one subscription: events fan out
// to attached callers, boundaries are counted down, and anything captured
// under an old pool generation is discarded.
func (r *Registry) dispatch(ctx context.Context, e *entry, participating int) {
	pending := participating

	for {
		select {
		case d := <-e.deliveries:
			stale := r.pool.Generation() != e.generation

			if d.boundary {
				pending--
				if pending == 0 {
					e.mu.Lock()
					already := e.boundary
					e.boundary = true
					callbacks := make([]BoundaryFunc, 0, len(e.attached))
					if !already {
						for _, a := range e.attached {
							if a.onBoundary != nil {
								callbacks = append(callbacks, a.onBoundary)
							}
						}
					}
					e.mu.Unlock()
					for _, fn := range callbacks {
						fn()
					}
				}
				continue
			}

			if stale || d.event == nil {
				continue
			}

			e.mu.Lock()
			handlers := make([]EventFunc, 0, len(e.attached))
			for _, a := range e.attached {
				handlers = append(handlers, a.onEvent)
			}
			e.mu.Unlock()
			for _, fn := range handlers {
				fn(d.source, d.event)
			}

		case <-ctx.Done():
			return
		}
	}
}

// pump runs one source's receive loop: subscribe, forward events, signal
// the boundary on EOSE or on the per-source query timeout. A source that
// fails never fails the subscription; it just reaches its boundary early.
func (r *Registry) pump(ctx context.Context, e *entry, source string) {
	boundarySent := false
	sendBoundary := func() {
		if boundarySent {
			return
		}
		boundarySent = true
		select {
		case e.deliveries <- delivery{source: source, boundary: true}:
		case <-ctx.Done():
		}
	}
	defer sendBoundary()

	relay, err := r.pool.Ensure(ctx, source)
	if err != nil {
		return // failure already recorded by the pool
	}

	start := time.Now()
	sub, err := relay.Subscribe(ctx, nostr.Filters{e.filter})
	if err != nil {
		r.pool.Monitor().RecordFailure(source)
		r.logger.LogQuery(source, 0, time.Since(start), err)
		return
	}
	defer sub.Unsub()

	timeout := time.NewTimer(r.pool.QueryTimeout())
	defer timeout.Stop()

	eoseCh := sub.EndOfStoredEvents
	received := 0

	for {
		select {
		case event, ok := <-sub.Events:
			if !ok {
				// Abrupt close before EOSE counts against health
				if eoseCh != nil {
					r.pool.Monitor().RecordFailure(source)
				}
				return
			}
			received++
			select {
			case e.deliveries <- delivery{source: source, event: event}:
			case <-ctx.Done():
				return
			}

		case <-eoseCh:
			r.pool.Monitor().RecordSuccess(source, time.Since(start))
			metrics.SourceQueryDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())
			r.logger.LogQuery(source, received, time.Since(start), nil)
			sendBoundary()
			eoseCh = nil // keep pumping live events
			timeout.Stop()

		case <-timeout.C:
			if eoseCh != nil {
				// Never reached EOSE in time: boundary fires anyway and
				// the slowness counts against the source.
				r.pool.Monitor().RecordFailure(source)
				r.logger.LogQuery(source, received, time.Since(start), context.DeadlineExceeded)
				sendBoundary()
				eoseCh = nil
			}

		case <-ctx.Done():
			return
		}
	}
}

// FilterFingerprint returns the canonical fingerprint for filter under the
// registry's author cap
func (r *Registry) FilterFingerprint(filter nostr.Filter) string {
	return Fingerprint(filter, r.maxAuthors)
}

// Count returns the number of distinct live subscriptions
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// SubscriberCount returns the number of callers attached to the
// subscription with the given fingerprint
func (r *Registry) SubscriberCount(fingerprint string) int {
	r.mu.Lock()
	e, ok := r.subs[fingerprint]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.attached)
}
