// Command gateway is the dual-backend API gateway. It routes requests
// across the Node.js and Java backends, reconciles authentication between
// them, and keeps collection data synchronized through the realtime hub.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/asagents/service-gateway/internal/auth"
	"github.com/asagents/service-gateway/internal/auth/boltdb"
	"github.com/asagents/service-gateway/internal/backend"
	"github.com/asagents/service-gateway/internal/cache"
	"github.com/asagents/service-gateway/internal/config"
	"github.com/asagents/service-gateway/internal/logging"
	"github.com/asagents/service-gateway/internal/metrics"
	"github.com/asagents/service-gateway/internal/realtime"
	syncengine "github.com/asagents/service-gateway/internal/sync"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config.LoadOrDefault()
	logger := logging.New("gateway", cfg.Logging.Level, cfg.Logging.Format)
	meter := metrics.New("gateway")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Response cache: Redis when configured, in-process otherwise.
	var store cache.Cache
	if cfg.Cache.RedisAddr != "" {
		redisCache, err := cache.NewRedis(ctx, cache.RedisConfig{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
			Prefix:   "gateway:",
		})
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, using memory cache")
			store = cache.NewMemory()
		} else {
			store = redisCache
		}
	} else {
		store = cache.NewMemory()
	}
	defer store.Close()

	// Backend clients share one token holder so a login on either path
	// authorizes subsequent requests to both.
	tokens := backend.NewTokenHolder()
	nodeClient := backend.NewClient(backend.SourceNode, cfg.Backends.Node.BaseURL, tokens,
		&http.Client{Timeout: cfg.Backends.Node.Timeout()})
	javaClient := backend.NewClient(backend.SourceJava, cfg.Backends.Java.BaseURL, tokens,
		&http.Client{Timeout: cfg.Backends.Java.Timeout()})

	monitor := backend.NewHealthMonitor(nodeClient, javaClient, backend.HealthMonitorConfig{
		NodeHealthPath: cfg.Backends.Node.HealthPath,
		JavaHealthPath: cfg.Backends.Java.HealthPath,
	}, logger, meter)

	router := backend.NewRouter(nodeClient, javaClient, monitor, tokens, logger, meter)

	// Durable session store; fall back to memory if the database cannot
	// be opened so a bad volume never blocks startup.
	var authStore auth.Store
	if cfg.Auth.StorePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Auth.StorePath), 0o750); err != nil {
			logger.Warn().Err(err).Msg("failed to create auth store directory")
		}
		boltStore, err := boltdb.New(cfg.Auth.StorePath)
		if err != nil {
			logger.Warn().Err(err).Str("path", cfg.Auth.StorePath).Msg("auth store unavailable, sessions will not persist")
			authStore = auth.NewMemoryStore()
		} else {
			authStore = boltStore
		}
	} else {
		authStore = auth.NewMemoryStore()
	}
	defer authStore.Close()

	authService := auth.NewService(router, tokens, authStore, logger)
	if err := authService.Restore(ctx); err != nil {
		logger.Warn().Err(err).Msg("session restore failed")
	}

	// The realtime hub is best-effort: the gateway serves requests without
	// it, it just loses push updates and the background sync gate opens.
	var hub *realtime.Client
	if cfg.Realtime.URL != "" {
		hub = realtime.NewClient(realtime.Options{
			URL:      cfg.Realtime.URL,
			TenantID: cfg.Realtime.TenantID,
		}, logger)
		if err := hub.Connect(ctx); err != nil {
			logger.Warn().Err(err).Msg("realtime hub unavailable, will keep retrying")
		}
		defer hub.Close()
	}

	collections := backend.NewCollections(nodeClient)
	var engineHub syncengine.Hub
	if hub != nil {
		engineHub = hub
	}
	projects := syncengine.NewEngine(collections, engineHub, store, meter, logger, syncengine.Options{
		Endpoint:     "/projects",
		EntityType:   "project",
		SyncInterval: cfg.Sync.Interval(),
		CacheKey:     "collections:projects",
		CacheTTL:     cfg.Sync.CacheTTL(),
	})
	defer projects.Close()
	go projects.Run(ctx)

	// Scheduled health refresh keeps the Prometheus gauges and the auth
	// capabilities current between requests.
	scheduler := cron.New()
	if cfg.Backends.HealthRefreshSeconds > 0 {
		spec := "@every " + (time.Duration(cfg.Backends.HealthRefreshSeconds) * time.Second).String()
		if _, err := scheduler.AddFunc(spec, func() {
			probeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			monitor.Check(probeCtx)
			authService.RefreshAuth(probeCtx)
		}); err != nil {
			logger.Warn().Err(err).Msg("failed to schedule health refresh")
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	handler, stopCleanup := newHandler(cfg, logger, meter, router, authService, projects, hub, store)
	defer stopCleanup()

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown failed")
	}
}
