package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/driftline/tidepool/internal/aggregates"
	"github.com/driftline/tidepool/internal/cache"
	"github.com/driftline/tidepool/internal/config"
	"github.com/driftline/tidepool/internal/feed"
	"github.com/driftline/tidepool/internal/metrics"
	"github.com/driftline/tidepool/internal/ops"
	"github.com/driftline/tidepool/internal/outbox"
	"github.com/driftline/tidepool/internal/pool"
	"github.com/driftline/tidepool/internal/storage"
	"github.com/driftline/tidepool/internal/subscription"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
	builtBy = "manual"
)

func main() {
	// Define subcommands
	if len(os.Args) > 1 && os.Args[1] == "init" {
		handleInit()
		return
	}

	var (
		showVersion = flag.Bool("version", false, "Show version information")
		configPath  = flag.String("config", "", "Path to configuration file")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("tidepool %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		fmt.Printf("  by:     %s\n", builtBy)
		os.Exit(0)
	}

	if *configPath == "" {
		fmt.Println("tidepool - multi-source feed aggregation daemon")
		fmt.Println()
		fmt.Println("No configuration file specified. Use --config <path> to specify config.")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  tidepool init              Generate example configuration")
		fmt.Println("  tidepool --version         Show version information")
		fmt.Println("  tidepool --config <path>   Start with configuration file")
		os.Exit(1)
	}

	// Load and validate configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Starting tidepool %s\n", version)
	fmt.Printf("  Sources: %d default\n", len(cfg.Sources.Defaults))
	fmt.Printf("  Cache: %s\n", cfg.Caching.Engine)
	fmt.Printf("  Storage: %s\n", cfg.Storage.Driver)
	fmt.Println()

	// Run the application
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := ops.NewLogger(&cfg.Logging)
	ops.SetDefault(logger)

	// Initialize durable storage
	fmt.Println("Initializing storage...")
	st, err := storage.New(ctx, &cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer st.Close()
	fmt.Printf("  Storage: %s initialized\n", cfg.Storage.Driver)

	sweeper := storage.NewSweeper(st, &cfg.Storage, logger)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// Source pool with health tracking and recovery probing
	fmt.Println("Initializing source pool...")
	monitor := pool.NewMonitor(&cfg.Health, logger)
	monitor.OnTransition(func(url string, from, to pool.Status) {
		if from != pool.StatusUnknown {
			metrics.SourceState.WithLabelValues(from.String()).Dec()
		}
		metrics.SourceState.WithLabelValues(to.String()).Inc()
	})
	p := pool.New(&cfg.Sources, monitor, logger)
	defer p.DisconnectAll()

	prober := pool.NewProber(monitor, &cfg.Health, logger)
	prober.Start(ctx)
	defer prober.Stop()
	fmt.Printf("  Pool ready (%d default sources)\n", len(cfg.Sources.Defaults))

	// Shared subscription registry
	registry := subscription.NewRegistry(p, &cfg.Subscriptions, logger)

	// Outbox resolver
	resolver := outbox.NewResolver(st, p, &cfg.Outbox, logger)

	// Snapshot cache
	fmt.Println("Initializing cache...")
	store, err := cache.NewStore(ctx, &cfg.Caching, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer store.Close()
	fmt.Printf("  Cache: %s engine ready\n", cfg.Caching.Engine)

	// Feed service and aggregate engine
	feedSvc := feed.NewService(cfg, p, registry, resolver, store, st, logger)

	engine := aggregates.NewEngine(p, registry, st, &cfg.Aggregates, logger, nil)
	defer engine.Close()

	// Optional status listener: Prometheus metrics plus a JSON health body
	var statusServer *http.Server
	if cfg.Status.Listen != "" {
		collector := ops.NewStatusCollector(version, commit)
		collector.Register("pool", func() interface{} {
			snapshot := monitor.Snapshot()
			sources := make([]map[string]interface{}, 0, len(snapshot))
			for _, h := range snapshot {
				sources = append(sources, map[string]interface{}{
					"url":                  h.URL,
					"status":               h.Status.String(),
					"consecutive_failures": h.ConsecutiveFailures,
					"last_latency_ms":      h.LastLatency.Milliseconds(),
					"failure_rate":         h.FailureRate,
				})
			}
			return map[string]interface{}{
				"connected": len(p.Connected()),
				"sources":   sources,
			}
		})
		collector.Register("subscriptions", func() interface{} {
			return map[string]interface{}{"active": registry.Count()}
		})
		collector.Register("feed", func() interface{} {
			return map[string]interface{}{"open_views": feedSvc.ViewCount()}
		})
		collector.Register("aggregates", func() interface{} {
			return map[string]interface{}{"tracked_targets": engine.Tracked()}
		})

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/healthz", collector.Handler())
		statusServer = &http.Server{Addr: cfg.Status.Listen, Handler: mux}

		go func() {
			fmt.Printf("Status listener on %s\n", cfg.Status.Listen)
			if err := statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Status listener failed", "error", err)
			}
		}()
	}

	// Warm connections to the default sources in the background
	go p.Connect(ctx, p.DefaultSources())

	fmt.Println()
	fmt.Println("✓ All services started successfully!")
	fmt.Println()
	fmt.Println("Press Ctrl+C to shutdown gracefully...")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println()
	fmt.Println("Shutting down gracefully...")

	if statusServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := statusServer.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping status listener: %v\n", err)
		}
		shutdownCancel()
	}

	fmt.Println("✓ Shutdown complete")
	return nil
}

func handleInit() {
	exampleConfig, err := config.GetExampleConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading example config: %v\n", err)
		os.Exit(1)
	}

	// Write to stdout
	fmt.Print(string(exampleConfig))
}
