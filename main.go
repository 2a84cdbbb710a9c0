package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"recommendation-engine/config"
	"recommendation-engine/internal/admission"
	"recommendation-engine/internal/api"
	"recommendation-engine/internal/auth"
	"recommendation-engine/internal/chains"
	"recommendation-engine/internal/clock"
	"recommendation-engine/internal/database"
	"recommendation-engine/internal/events"
	"recommendation-engine/internal/exposure"
	"recommendation-engine/internal/logging"
	"recommendation-engine/internal/pricefeed"
	"recommendation-engine/internal/reporting"
	"recommendation-engine/internal/store"
	"recommendation-engine/internal/tracker"
)

func main() {
	configPath := os.Getenv("CONFIG_FILE")
	if configPath == "" {
		configPath = "config.json"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("[MAIN] Failed to load config: %v", err)
	}

	logging.SetDefault(logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		Component:  "main",
		JSONFormat: cfg.LoggingConfig.JSONFormat,
	}))
	logger := logging.WithComponent("main")

	clk := clock.Real{}
	runtime := config.NewRuntimeManager(cfg.RuntimeFile)
	bus := events.NewBus()

	st, err := openStore(cfg)
	if err != nil {
		log.Fatalf("[MAIN] Failed to open store: %v", err)
	}
	defer st.Close()

	var rdb *redis.Client
	if cfg.RedisConfig.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Addr,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
		})
		defer rdb.Close()
	}
	feed := pricefeed.New(clk, rdb)

	ix := exposure.NewIndex()
	rebuildExposure(st, ix, feed, logger)

	monitor := chains.NewMonitor(st, clk)
	controller := admission.NewController(st, monitor, ix, feed, runtime, bus, clk)
	reporter := reporting.NewReporter(st)

	trk := tracker.New(st, feed, ix, runtime, bus, clk,
		time.Duration(cfg.TrackerConfig.TickIntervalMs)*time.Millisecond)
	if cfg.TrackerConfig.AutoStart {
		trk.Start()
	}

	var jwtManager *auth.JWTManager
	if cfg.AuthConfig.Secret != "" {
		jwtManager = auth.NewJWTManager(cfg.AuthConfig.Secret,
			time.Duration(cfg.AuthConfig.TokenTTLHours)*time.Hour)
		logger.Info("API authentication enabled")
	}

	server := api.NewServer(cfg.ServerConfig, api.Deps{
		Store:      st,
		Admission:  controller,
		Tracker:    trk,
		Monitor:    monitor,
		Reporter:   reporter,
		Feed:       feed,
		Exposure:   ix,
		Runtime:    runtime,
		Bus:        bus,
		Clock:      clk,
		JWTManager: jwtManager,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("server exited", "error", err.Error())
		}
	}

	trk.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err.Error())
	}
	logger.Info("shutdown complete")
}

// openStore selects PostgreSQL when a database host is configured and
// falls back to the in-memory store otherwise.
func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.DatabaseConfig.Host == "" {
		log.Printf("[MAIN] No database configured, using in-memory store")
		return store.NewMemoryStore(), nil
	}

	db, err := database.NewDB(cfg.DatabaseConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// rebuildExposure reloads the derived exposure aggregates from the ACTIVE
// rows and warms the price feed for their symbols.
func rebuildExposure(st store.Store, ix *exposure.Index, feed *pricefeed.Feed, logger *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	active, err := st.ListActive(ctx, store.ActiveFilter{})
	if err != nil {
		logger.Error("failed to rebuild exposure index", "error", err.Error())
		return
	}
	ix.Rebuild(active)

	symbols := make([]string, 0, len(active))
	seen := make(map[string]bool)
	for _, rec := range active {
		if !seen[rec.Symbol] {
			seen[rec.Symbol] = true
			symbols = append(symbols, rec.Symbol)
		}
	}
	feed.Warm(ctx, symbols)
	logger.Info("exposure index rebuilt", "active", len(active), "symbols", len(symbols))
}
