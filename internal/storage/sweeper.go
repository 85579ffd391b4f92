package storage

import (
	"context"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/driftline/tidepool/internal/config"
	"github.com/driftline/tidepool/internal/ops"
)

// Sweeper enforces the bounded-TTL guarantee: expired snapshot metadata is
// dropped and records past the retention window are deleted unless a live
// snapshot still references them.
type Sweeper struct {
	storage  *Storage
	retain   time.Duration
	interval time.Duration
	logger   *ops.Logger

	stopChan chan struct{}
	doneChan chan struct{}
}

// NewSweeper creates a sweeper over the storage instance
func NewSweeper(st *Storage, cfg *config.Storage, logger *ops.Logger) *Sweeper {
	return &Sweeper{
		storage:  st,
		retain:   time.Duration(cfg.RetainHours) * time.Hour,
		interval: time.Duration(cfg.SweepIntervalSeconds) * time.Second,
		logger:   logger.WithComponent("sweeper"),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start launches the background sweep loop
func (w *Sweeper) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop signals the sweep loop and waits for it to exit
func (w *Sweeper) Stop() {
	close(w.stopChan)
	<-w.doneChan
}

func (w *Sweeper) run(ctx context.Context) {
	defer close(w.doneChan)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			deleted, err := w.SweepOnce(ctx)
			w.logger.LogSweep(deleted, time.Since(start), err)
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// SweepOnce performs a single expiry pass and returns the number of
// records deleted
func (w *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	now := time.Now()

	expired, err := w.storage.DeleteExpiredSnapshotMeta(ctx, now)
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		w.logger.Debug("expired snapshot metadata removed", "count", expired)
	}

	protected, err := w.storage.LiveSnapshotEventIDs(ctx, now)
	if err != nil {
		return 0, err
	}

	cutoff := nostr.Timestamp(now.Add(-w.retain).Unix())
	old, err := w.storage.QueryEvents(ctx, nostr.Filter{
		Until: &cutoff,
	})
	if err != nil {
		return 0, err
	}

	var deleted int64
	for _, event := range old {
		if _, ok := protected[event.ID]; ok {
			continue
		}
		if err := w.storage.DeleteEvent(ctx, event.ID); err != nil {
			// Keep sweeping; a single failed delete retries next pass.
			w.logger.Warn("failed to delete expired record", "id", event.ID, "error", err)
			continue
		}
		deleted++
	}

	return deleted, nil
}
