package pool

import (
	"sync"
	"time"

	"github.com/driftline/tidepool/internal/config"
	"github.com/driftline/tidepool/internal/ops"
)

// Status describes a source's health classification
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusDegraded
	StatusTripped
)

// String returns the status name
func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusTripped:
		return "tripped"
	default:
		return "unknown"
	}
}

// SourceHealth is a point-in-time view of one source's rolling stats
type SourceHealth struct {
	URL                 string
	Status              Status
	ConsecutiveFailures int
	LastLatency         time.Duration
	LastSeenAt          time.Time
	FailureRate         float64
}

// sourceStats tracks rolling connection outcomes for a single source.
// The window is a fixed-size ring; true marks a failure.
type sourceStats struct {
	status              Status
	consecutiveFailures int
	lastLatency         time.Duration
	lastSeenAt          time.Time
	trippedAt           time.Time
	window              []bool
	windowPos           int
	windowFill          int
}

func (s *sourceStats) push(failed bool) {
	s.window[s.windowPos] = failed
	s.windowPos = (s.windowPos + 1) % len(s.window)
	if s.windowFill < len(s.window) {
		s.windowFill++
	}
}

func (s *sourceStats) failureRate() float64 {
	if s.windowFill == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < s.windowFill; i++ {
		if s.window[i] {
			failures++
		}
	}
	return float64(failures) / float64(s.windowFill)
}

// Monitor classifies sources from rolling success/failure stats and gates
// whether they participate in new queries
type Monitor struct {
	mu            sync.Mutex
	sources       map[string]*sourceStats
	window        int
	tripRatio     float64
	degradedAfter int
	cooldown      time.Duration
	logger        *ops.Logger
	onTransition  func(url string, from, to Status)
}

// NewMonitor creates a health monitor from config
func NewMonitor(cfg *config.Health, logger *ops.Logger) *Monitor {
	return &Monitor{
		sources:       make(map[string]*sourceStats),
		window:        cfg.Window,
		tripRatio:     cfg.TripRatio,
		degradedAfter: cfg.DegradedAfter,
		cooldown:      time.Duration(cfg.CooldownSeconds) * time.Second,
		logger:        logger.WithComponent("health"),
	}
}

// OnTransition registers a callback invoked on every state change
func (m *Monitor) OnTransition(fn func(url string, from, to Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTransition = fn
}

// stats returns the tracked entry for url, creating it on first reference
func (m *Monitor) stats(url string) *sourceStats {
	s, ok := m.sources[url]
	if !ok {
		s = &sourceStats{
			status: StatusUnknown,
			window: make([]bool, m.window),
		}
		m.sources[url] = s
	}
	return s
}

// RecordSuccess records a successful connection or query outcome.
// A success always restores the source to healthy, including from tripped.
func (m *Monitor) RecordSuccess(url string, latency time.Duration) {
	m.mu.Lock()
	s := m.stats(url)
	s.push(false)
	s.consecutiveFailures = 0
	s.lastLatency = latency
	s.lastSeenAt = time.Now()
	from := s.status
	s.status = StatusHealthy
	fn := m.onTransition
	m.mu.Unlock()

	if from != StatusHealthy {
		m.logger.LogSourceState(url, from.String(), StatusHealthy.String())
		if fn != nil {
			fn(url, from, StatusHealthy)
		}
	}
}

// RecordFailure records a failed connection, query timeout or abrupt close
func (m *Monitor) RecordFailure(url string) {
	m.mu.Lock()
	s := m.stats(url)
	s.push(true)
	s.consecutiveFailures++

	from := s.status
	to := from

	// A full window above the trip ratio trips the breaker; repeated
	// consecutive failures alone only degrade.
	if s.windowFill == len(s.window) && s.failureRate() > m.tripRatio {
		to = StatusTripped
	} else if s.consecutiveFailures >= m.degradedAfter {
		to = StatusDegraded
	}

	if to == StatusTripped {
		s.trippedAt = time.Now()
	}
	s.status = to
	fn := m.onTransition
	m.mu.Unlock()

	if from != to {
		m.logger.LogSourceState(url, from.String(), to.String())
		if fn != nil {
			fn(url, from, to)
		}
	}
}

// Status returns the current classification for url
func (m *Monitor) Status(url string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[url]
	if !ok {
		return StatusUnknown
	}
	return s.status
}

// Usable reports whether url may participate in new queries. Tripped
// sources become usable again once the cooldown has elapsed; the next
// outcome then decides whether they recover or re-trip.
func (m *Monitor) Usable(url string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[url]
	if !ok {
		return true
	}
	if s.status != StatusTripped {
		return true
	}
	return time.Since(s.trippedAt) >= m.cooldown
}

// UsableSources filters urls down to those currently allowed in queries
func (m *Monitor) UsableSources(urls []string) []string {
	usable := make([]string, 0, len(urls))
	for _, url := range urls {
		if m.Usable(url) {
			usable = append(usable, url)
		}
	}
	return usable
}

// Tripped returns the urls currently in the tripped state
func (m *Monitor) Tripped() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var tripped []string
	for url, s := range m.sources {
		if s.status == StatusTripped {
			tripped = append(tripped, url)
		}
	}
	return tripped
}

// Snapshot returns a copy of every tracked source's stats
func (m *Monitor) Snapshot() []SourceHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SourceHealth, 0, len(m.sources))
	for url, s := range m.sources {
		out = append(out, SourceHealth{
			URL:                 url,
			Status:              s.status,
			ConsecutiveFailures: s.consecutiveFailures,
			LastLatency:         s.lastLatency,
			LastSeenAt:          s.lastSeenAt,
			FailureRate:         s.failureRate(),
		})
	}
	return out
}
