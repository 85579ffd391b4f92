package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/driftline/tidepool/internal/config"
	"github.com/driftline/tidepool/internal/ops"
)

// ErrNoHealthySources is returned when no usable source remains for a query.
// Callers degrade to cached-only responses rather than failing hard.
var ErrNoHealthySources = errors.New("no healthy sources reachable")

// Pool maintains one persistent connection per source endpoint. Individual
// source failures are recorded with the Monitor and never fail the pool.
type Pool struct {
	mu      sync.RWMutex
	relays  map[string]*nostr.Relay
	monitor *Monitor
	cfg     *config.Sources
	logger  *ops.Logger

	// generation advances on every full teardown; in-flight work captures
	// it at start and discards results once it moves.
	generation atomic.Uint64
}

// New creates a source pool
func New(cfg *config.Sources, monitor *Monitor, logger *ops.Logger) *Pool {
	return &Pool{
		relays:  make(map[string]*nostr.Relay),
		monitor: monitor,
		cfg:     cfg,
		logger:  logger.WithComponent("pool"),
	}
}

// Monitor returns the health monitor gating this pool
func (p *Pool) Monitor() *Monitor {
	return p.monitor
}

// Generation returns the current pool generation
func (p *Pool) Generation() uint64 {
	return p.generation.Load()
}

// ConnectTimeout returns the per-dial timeout
func (p *Pool) ConnectTimeout() time.Duration {
	return time.Duration(p.cfg.ConnectTimeoutMs) * time.Millisecond
}

// QueryTimeout returns the per-source query timeout
func (p *Pool) QueryTimeout() time.Duration {
	return time.Duration(p.cfg.QueryTimeoutMs) * time.Millisecond
}

// GlobalTimeout returns the whole-query timeout across all sources
func (p *Pool) GlobalTimeout() time.Duration {
	return time.Duration(p.cfg.GlobalTimeoutMs) * time.Millisecond
}

// DefaultSources returns the configured default source set
func (p *Pool) DefaultSources() []string {
	return p.cfg.Defaults
}

// Connect establishes one connection per address, reusing live connections.
// Dial outcomes feed the health monitor; failures are not returned.
func (p *Pool) Connect(ctx context.Context, urls []string) {
	var wg sync.WaitGroup
	for _, url := range urls {
		if !nostr.IsValidRelayURL(url) {
			p.logger.Warn("skipping invalid source url", "source", url)
			continue
		}
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			if _, err := p.Ensure(ctx, url); err != nil {
				p.logger.LogSourceConnection(url, false, err)
			}
		}(url)
	}
	wg.Wait()
}

// Ensure returns a live connection for url, dialing if needed. The outcome
// is recorded with the monitor either way.
func (p *Pool) Ensure(ctx context.Context, url string) (*nostr.Relay, error) {
	p.mu.RLock()
	relay, ok := p.relays[url]
	p.mu.RUnlock()

	if ok && relay.IsConnected() {
		return relay, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.ConnectTimeout())
	defer cancel()

	start := time.Now()
	relay, err := nostr.RelayConnect(dialCtx, url)
	if err != nil {
		p.monitor.RecordFailure(url)
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	p.monitor.RecordSuccess(url, time.Since(start))
	p.logger.LogSourceConnection(url, true, nil)

	p.mu.Lock()
	// Another goroutine may have raced us here; keep the first and close ours.
	if existing, ok := p.relays[url]; ok && existing.IsConnected() {
		p.mu.Unlock()
		relay.Close()
		return existing, nil
	}
	p.relays[url] = relay
	p.mu.Unlock()

	return relay, nil
}

// Relay returns the live connection for url if one exists
func (p *Pool) Relay(url string) (*nostr.Relay, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	relay, ok := p.relays[url]
	if !ok || !relay.IsConnected() {
		return nil, false
	}
	return relay, true
}

// Connected returns the urls with live connections
func (p *Pool) Connected() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	urls := make([]string, 0, len(p.relays))
	for url, relay := range p.relays {
		if relay.IsConnected() {
			urls = append(urls, url)
		}
	}
	return urls
}

// Usable filters urls down to valid, non-gated sources. ErrNoHealthySources
// when none remain.
func (p *Pool) Usable(urls []string) ([]string, error) {
	valid := make([]string, 0, len(urls))
	for _, url := range urls {
		if nostr.IsValidRelayURL(url) {
			valid = append(valid, url)
		}
	}
	usable := p.monitor.UsableSources(valid)
	if len(usable) == 0 {
		return nil, ErrNoHealthySources
	}
	return usable, nil
}

// DisconnectAll tears down every connection and bumps the generation
func (p *Pool) DisconnectAll() {
	p.mu.Lock()
	relays := p.relays
	p.relays = make(map[string]*nostr.Relay)
	p.generation.Add(1)
	p.mu.Unlock()

	for url, relay := range relays {
		relay.Close()
		p.logger.LogSourceConnection(url, false, nil)
	}
}
