package outbox

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/driftline/tidepool/internal/config"
	"github.com/driftline/tidepool/internal/metrics"
	"github.com/driftline/tidepool/internal/ops"
	"github.com/driftline/tidepool/internal/pool"
	"github.com/driftline/tidepool/internal/storage"
)

// ErrResolution marks a failed hint lookup. It is consumed internally: the
// affected authors degrade to the default source set, never the caller.
var ErrResolution = errors.New("outbox resolution failed")

// Targets is the source→authors multimap produced by a resolution. Issuing
// one query per source with only its authors replaces a broadcast of every
// author to every source.
type Targets struct {
	bySource map[string][]string
}

// Sources returns the target sources in deterministic order
func (t *Targets) Sources() []string {
	sources := make([]string, 0, len(t.bySource))
	for source := range t.bySource {
		sources = append(sources, source)
	}
	sort.Strings(sources)
	return sources
}

// AuthorsFor returns the authors to query on source
func (t *Targets) AuthorsFor(source string) []string {
	return t.bySource[source]
}

func (t *Targets) add(source, author string) {
	t.bySource[source] = append(t.bySource[source], author)
}

// Resolver maps author identities to their preferred sources. Hints are
// persisted with a TTL; stale or missing authors are refreshed in one
// batched query, and authors that still resolve to nothing fall back to the
// configured default set.
type Resolver struct {
	storage *storage.Storage
	pool    *pool.Pool
	cfg     *config.Outbox
	logger  *ops.Logger
}

// NewResolver creates an outbox resolver
func NewResolver(st *storage.Storage, p *pool.Pool, cfg *config.Outbox, logger *ops.Logger) *Resolver {
	return &Resolver{
		storage: st,
		pool:    p,
		cfg:     cfg,
		logger:  logger.WithComponent("outbox"),
	}
}

// TTL returns the hint freshness window
func (r *Resolver) TTL() time.Duration {
	return time.Duration(r.cfg.TTLHours) * time.Hour
}

// Resolve builds query targets for authors. Resolution is best-effort: any
// failure routes the affected authors to the default source set.
func (r *Resolver) Resolve(ctx context.Context, authors []string) *Targets {
	targets := &Targets{bySource: make(map[string][]string)}
	defaults := r.pool.DefaultSources()

	if !r.cfg.IsEnabled() || len(authors) == 0 {
		for _, author := range authors {
			for _, source := range defaults {
				targets.add(source, author)
			}
		}
		return targets
	}

	stale := r.collectStale(ctx, authors)
	if len(stale) > 0 {
		if err := r.refresh(ctx, stale); err != nil {
			r.logger.Debug("hint refresh failed, using defaults for stale authors",
				"authors", len(stale), "error", err)
		}
	}

	for _, author := range authors {
		sources := r.sourcesFor(ctx, author)
		if len(sources) == 0 {
			metrics.OutboxResolutionsTotal.WithLabelValues("fallback").Inc()
			sources = defaults
		} else {
			metrics.OutboxResolutionsTotal.WithLabelValues("cached").Inc()
		}
		for _, source := range sources {
			targets.add(source, author)
		}
	}

	return targets
}

// collectStale returns the authors whose persisted hints are missing or
// older than the TTL
func (r *Resolver) collectStale(ctx context.Context, authors []string) []string {
	cutoff := time.Now().Add(-r.TTL()).Unix()
	var stale []string
	for _, author := range authors {
		hints, err := r.storage.GetRelayHints(ctx, author)
		if err != nil || len(hints) == 0 {
			stale = append(stale, author)
			continue
		}
		fresh := false
		for _, hint := range hints {
			if hint.UpdatedAt >= cutoff {
				fresh = true
				break
			}
		}
		if !fresh {
			stale = append(stale, author)
		}
	}
	return stale
}

// refresh fetches relationship-list records for authors in one batched
// query against the currently usable sources and persists the hints
func (r *Resolver) refresh(ctx context.Context, authors []string) error {
	sources, err := r.pool.Usable(r.pool.DefaultSources())
	if err != nil {
		return ErrResolution
	}

	filter := nostr.Filter{
		Kinds:   []int{10002},
		Authors: authors,
	}

	queryCtx, cancel := context.WithTimeout(ctx, r.pool.QueryTimeout())
	defer cancel()

	// Latest relationship-list per author wins across sources
	latest := make(map[string]*nostr.Event)
	var fetched bool
	for _, source := range sources {
		relay, err := r.pool.Ensure(queryCtx, source)
		if err != nil {
			continue
		}
		events, err := relay.QuerySync(queryCtx, filter)
		if err != nil {
			r.pool.Monitor().RecordFailure(source)
			continue
		}
		fetched = true
		for _, event := range events {
			if cur, ok := latest[event.PubKey]; !ok || event.CreatedAt > cur.CreatedAt {
				latest[event.PubKey] = event
			}
		}
	}
	if !fetched {
		return ErrResolution
	}

	for author, event := range latest {
		hints, err := ParseRelayHints(event)
		if err != nil {
			continue
		}
		// Replace wholesale so dropped relays do not linger
		if err := r.storage.DeleteRelayHints(ctx, author); err != nil {
			r.logger.Warn("failed to clear stale hints", "author", author, "error", err)
			continue
		}
		for _, hint := range hints {
			if err := r.storage.SaveRelayHint(ctx, hint); err != nil {
				r.logger.Warn("failed to save relay hint", "author", author, "error", err)
			}
		}
		metrics.OutboxResolutionsTotal.WithLabelValues("fetched").Inc()
	}
	return nil
}

// sourcesFor returns an author's publish sources, capped at
// MaxSourcesPerAuthor. Write relays are the author's publish preference;
// read relays are the fallback.
func (r *Resolver) sourcesFor(ctx context.Context, author string) []string {
	sources, err := r.storage.GetWriteRelays(ctx, author)
	if err != nil || len(sources) == 0 {
		sources, err = r.storage.GetReadRelays(ctx, author)
		if err != nil {
			return nil
		}
	}
	if max := r.cfg.MaxSourcesPerAuthor; max > 0 && len(sources) > max {
		sources = sources[:max]
	}
	return sources
}
