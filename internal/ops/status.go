package ops

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"
)

// RuntimeStats is the process-level section of a status report
type RuntimeStats struct {
	Version       string  `json:"version"`
	Commit        string  `json:"commit"`
	GoVersion     string  `json:"go_version"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Goroutines    int     `json:"goroutines"`
	MemAllocMB    float64 `json:"mem_alloc_mb"`
	MemSysMB      float64 `json:"mem_sys_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// Status is the full report served as the health body
type Status struct {
	CollectedAt time.Time              `json:"collected_at"`
	Runtime     RuntimeStats           `json:"runtime"`
	Components  map[string]interface{} `json:"components"`
}

// StatusCollector assembles the health report. Components register a
// section provider; each collection calls every provider.
type StatusCollector struct {
	version   string
	commit    string
	startTime time.Time

	mu       sync.Mutex
	sections map[string]func() interface{}
}

// NewStatusCollector creates a status collector
func NewStatusCollector(version, commit string) *StatusCollector {
	return &StatusCollector{
		version:   version,
		commit:    commit,
		startTime: time.Now(),
		sections:  make(map[string]func() interface{}),
	}
}

// Register adds a named component section to every future report
func (c *StatusCollector) Register(name string, fn func() interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sections[name] = fn
}

// Collect assembles a point-in-time status report
func (c *StatusCollector) Collect() *Status {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	status := &Status{
		CollectedAt: time.Now(),
		Runtime: RuntimeStats{
			Version:       c.version,
			Commit:        c.commit,
			GoVersion:     runtime.Version(),
			UptimeSeconds: time.Since(c.startTime).Seconds(),
			Goroutines:    runtime.NumGoroutine(),
			MemAllocMB:    float64(m.Alloc) / 1024 / 1024,
			MemSysMB:      float64(m.Sys) / 1024 / 1024,
			NumGC:         m.NumGC,
		},
		Components: make(map[string]interface{}),
	}

	c.mu.Lock()
	providers := make(map[string]func() interface{}, len(c.sections))
	for name, fn := range c.sections {
		providers[name] = fn
	}
	c.mu.Unlock()

	for name, fn := range providers {
		status.Components[name] = fn()
	}
	return status
}

// Handler serves the status report as JSON
func (c *StatusCollector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(c.Collect()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
