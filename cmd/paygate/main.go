// Command paygate starts the monetization gateway: it loads configuration,
// wires the KeyStore, Gate, Router/Transport, and HTTP server together, and
// runs until an interrupt/terminate signal drains and shuts everything down.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/paygate/gateway/config"
	"github.com/paygate/gateway/internal/database"
	"github.com/paygate/gateway/internal/gate"
	"github.com/paygate/gateway/internal/httpserver"
	"github.com/paygate/gateway/internal/keystore"
	"github.com/paygate/gateway/internal/logger"
	"github.com/paygate/gateway/internal/meter"
	"github.com/paygate/gateway/internal/metrics"
	"github.com/paygate/gateway/internal/quota"
	"github.com/paygate/gateway/internal/ratelimiter"
	"github.com/paygate/gateway/internal/redissync"
	"github.com/paygate/gateway/internal/router"
	"github.com/paygate/gateway/internal/transport"
	"github.com/paygate/gateway/internal/webhook"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Starting PayGate",
		"version", Version,
		"build_time", BuildTime,
		"git_commit", GitCommit,
	)

	metricsInstance := metrics.Init(cfg.Metrics.Enabled)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("Failed to initialize archival database", "error", err)
	}
	defer db.Close(ctx)
	if db.IsConfigured() {
		if err := db.EnsureArchiveSchema(ctx); err != nil {
			logger.Error("Failed to ensure archive schema", "error", err)
		}
	}

	store, err := keystore.New(cfg.Gate.StateFilePath, cfg.Gate.PersistDebounce)
	if err != nil {
		logger.Fatal("Failed to initialize key store", "error", err)
	}
	if cfg.RedisSync.Enabled {
		store = redissync.New(ctx, store, cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB,
			cfg.RedisSync.Channel, cfg.RedisSync.HashKey, cfg.RedisSync.WarmOnStart)
		logger.Info("Redis sync enabled", "channel", cfg.RedisSync.Channel)
	}
	defer store.Close()

	limiter := ratelimiter.New()
	defer limiter.Close()

	quotas := quota.New(store)

	meterInst := meter.New(cfg.Gate.RingSize)

	aggregator := meter.NewAggregator(meterInst, db, time.Minute)
	go aggregator.Start(ctx)

	webhooks := webhook.New(webhook.Config{
		URL:            cfg.Webhook.URL,
		Secret:         cfg.Webhook.Secret,
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		InitialBackoff: cfg.Webhook.InitialBackoff,
		MaxBackoff:     cfg.Webhook.MaxBackoff,
		QueueSize:      cfg.Webhook.QueueSize,
		DLQSize:        cfg.Webhook.DLQSize,
	})
	defer webhooks.Close()

	plugins := gate.NewRegistry()

	g := gate.New(cfg.Gate, gate.Deps{
		Store:    store,
		Limiter:  limiter,
		Quotas:   quotas,
		Meter:    meterInst,
		Webhooks: webhooks,
		Metrics:  metricsInstance,
		Plugins:  plugins,
	})

	rtr, err := buildRouter(cfg)
	if err != nil {
		logger.Fatal("Failed to configure backend router", "error", err)
	}
	startCtx, startCancel := context.WithTimeout(ctx, cfg.Router.StartupTimeout)
	if err := rtr.Start(startCtx, cfg.Router.StartupTimeout); err != nil {
		startCancel()
		logger.Fatal("Failed to start backend router", "error", err)
	}
	startCancel()
	if rtr.Degraded() {
		logger.Warn("Router started in degraded mode: not every backend came up in time")
	}

	srv := httpserver.New(httpserver.Deps{
		Config:   cfg,
		Gate:     g,
		Store:    store,
		Router:   rtr,
		Meter:    meterInst,
		Webhooks: webhooks,
		Metrics:  metricsInstance,
	})

	go func() {
		logger.Info("Starting HTTP server", "address", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil {
			logger.Fatal("HTTP server failed", "error", err)
		}
	}()

	waitForShutdown(ctx, cancel, cfg, srv, rtr, store)
}

// waitForShutdown blocks until SIGINT/SIGTERM, then runs the graceful
// sequence: stop accepting connections and drain in-flight requests (up to
// DrainTimeout), terminate backends, and flush the state file via the
// deferred Close calls in main. A second signal forces an immediate exit.
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, srv *httpserver.Server, rtr *router.Router, store keystore.Store) {
	quit := make(chan os.Signal, 2)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	logger.Info("Shutting down server...")

	go func() {
		<-quit
		logger.Error("Second shutdown signal received, forcing immediate exit")
		os.Exit(1)
	}()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Server.DrainTimeout)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		logger.Error("HTTP server forced to shutdown", "error", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Transport.ShutdownGrace+5*time.Second)
	defer stopCancel()
	if err := rtr.Stop(stopCtx); err != nil {
		logger.Error("Error stopping backend router", "error", err)
	}

	cancel()
	logger.Info("Server exited")
}

// buildRouter resolves the backend topology: ROUTER_BACKENDS_JSON describes
// a multi-backend, prefix-routed deployment; absent that, the single
// BACKEND_COMMAND/BACKEND_URL pair runs as the sole, unprefixed backend.
func buildRouter(cfg *config.Config) (*router.Router, error) {
	backends := cfg.Router.Backends
	if len(backends) == 0 {
		if cfg.Backend.Command == "" && cfg.Backend.URL == "" {
			return nil, fmt.Errorf("no backend configured: set BACKEND_COMMAND, BACKEND_URL, or ROUTER_BACKENDS_JSON")
		}
		backends = []config.BackendConfig{cfg.Backend}
	}

	entries := make(map[string]transport.Transport, len(backends))
	order := make([]string, 0, len(backends))
	for _, b := range backends {
		var tr transport.Transport
		switch {
		case b.Command != "":
			tr = transport.NewStdio(b.Command, b.Args, cfg.Transport.CallTimeout,
				cfg.Transport.RespawnBackoff, cfg.Transport.ShutdownGrace, cfg.Transport.RespawnOnCrash)
		case b.URL != "":
			tr = transport.NewHTTP(b.URL, nil, cfg.Transport.CallTimeout)
		default:
			return nil, fmt.Errorf("backend %q has neither command nor url", b.Prefix)
		}
		if _, exists := entries[b.Prefix]; exists {
			return nil, fmt.Errorf("duplicate backend prefix %q", b.Prefix)
		}
		entries[b.Prefix] = tr
		order = append(order, b.Prefix)
	}
	return router.New(entries, order), nil
}
