package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/driftline/tidepool/internal/config"
	"github.com/driftline/tidepool/internal/ops"
)

// SourceInfo is the subset of a relay information document (NIP-11) the
// prober cares about
type SourceInfo struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	Software      string `json:"software"`
	Version       string `json:"version"`
	SupportedNIPs []int  `json:"supported_nips"`
}

// Prober periodically issues low-cost NIP-11 info fetches against tripped
// sources. A successful probe records a success with the monitor, restoring
// the source without waiting for the next full query attempt.
type Prober struct {
	monitor  *Monitor
	interval time.Duration
	client   *http.Client
	logger   *ops.Logger

	stopChan chan struct{}
	doneChan chan struct{}
}

// NewProber creates a prober for the monitor's tripped sources
func NewProber(monitor *Monitor, cfg *config.Health, logger *ops.Logger) *Prober {
	return &Prober{
		monitor:  monitor,
		interval: time.Duration(cfg.ProbeIntervalSeconds) * time.Second,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger.WithComponent("prober"),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start launches the background probe loop
func (p *Prober) Start(ctx context.Context) {
	go p.run(ctx)
}

// Stop signals the probe loop and waits for it to exit
func (p *Prober) Stop() {
	close(p.stopChan)
	<-p.doneChan
}

func (p *Prober) run(ctx context.Context) {
	defer close(p.doneChan)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.probeTripped(ctx)
		case <-p.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *Prober) probeTripped(ctx context.Context) {
	for _, url := range p.monitor.Tripped() {
		start := time.Now()
		if err := p.Probe(ctx, url); err != nil {
			p.logger.Debug("probe failed", "source", url, "error", err)
			continue
		}
		p.monitor.RecordSuccess(url, time.Since(start))
		p.logger.Info("probe restored source", "source", url)
	}
}

// Probe fetches the source's information document (NIP-11) over HTTP
func (p *Prober) Probe(ctx context.Context, wsURL string) error {
	_, err := p.FetchInfo(ctx, wsURL)
	return err
}

// FetchInfo retrieves a source's NIP-11 relay information document
func (p *Prober) FetchInfo(ctx context.Context, wsURL string) (*SourceInfo, error) {
	// Convert ws:// or wss:// to http:// or https://
	httpURL := strings.Replace(wsURL, "ws://", "http://", 1)
	httpURL = strings.Replace(httpURL, "wss://", "https://", 1)

	req, err := http.NewRequestWithContext(ctx, "GET", httpURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/nostr+json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch source info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("source info request failed: status %d", resp.StatusCode)
	}

	var info SourceInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to parse source info: %w", err)
	}

	return &info, nil
}
