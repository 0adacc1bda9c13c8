// Package main provides the querypilot service entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm/logger"

	"github.com/querypilot/querypilot/internal/audit"
	"github.com/querypilot/querypilot/internal/auth"
	"github.com/querypilot/querypilot/internal/cache"
	"github.com/querypilot/querypilot/internal/config"
	"github.com/querypilot/querypilot/internal/db"
	"github.com/querypilot/querypilot/internal/orchestrator"
	"github.com/querypilot/querypilot/internal/queryexpert"
	"github.com/querypilot/querypilot/internal/ratelimit"
	"github.com/querypilot/querypilot/internal/server"
	"github.com/querypilot/querypilot/internal/server/sse"
	"github.com/querypilot/querypilot/internal/session"
	"github.com/querypilot/querypilot/internal/watcher"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to config file (optional)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if *debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("Shutting down")
		cancel()
	}()

	store, err := db.NewStore(db.Config{
		Driver:   cfg.Database.Driver,
		DSN:      cfg.Database.DSN,
		MaxConns: cfg.Database.MaxConns,
		LogLevel: logger.Silent,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize store")
	}
	defer store.Close()

	sessions := db.NewSessionStore(store)
	records := db.NewRecordStore(store)
	mappings := db.NewMappingStore(store)
	auditLog := audit.NewLogger(db.NewAuditStore(store))

	var resolver auth.Resolver
	switch cfg.Auth.Resolver {
	case "directory":
		resolver = auth.NewDirectoryResolver(cfg.Auth.DirectoryURL, cfg.Auth.DirectoryAPIKey, cfg.Auth.DirectoryTimeout, mappings)
		log.Info().Str("url", cfg.Auth.DirectoryURL).Msg("Using directory identity resolver")
	default:
		resolver = auth.NewLocalResolver(mappings)
	}
	guard := auth.NewGuard(resolver, mappings, auditLog)

	pool := newRedisPool(cfg.Redis)
	defer pool.Close()
	limiter := ratelimit.New(pool,
		ratelimit.Window{Limit: cfg.RateLimit.PerPrincipal, Size: cfg.RateLimit.PerPrincipalWindow},
		ratelimit.Window{Limit: cfg.RateLimit.Global, Size: cfg.RateLimit.GlobalWindow},
	)

	resultCache := cache.New(store)
	sweeper := cache.NewSweeper(resultCache, cfg.Cache.SweepInterval)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	reaper := session.NewReaper(sessions, cfg.Session.IdleThreshold, cfg.Session.ReapInterval)
	reaper.Start(ctx)
	defer reaper.Stop()

	var expert queryexpert.Client
	if cfg.QueryExpert.MockMode {
		log.Warn().Msg("Query expert mock mode enabled, answers are canned")
		expert = queryexpert.NewMock(cfg.QueryExpert.MockDelay)
	} else {
		expert = queryexpert.NewHTTPClient(cfg.QueryExpert.BaseURL, cfg.QueryExpert.QueryTimeout)
	}

	runner := orchestrator.New(guard, limiter, resultCache, sessions, records, expert, auditLog, orchestrator.Config{
		QueryTimeout: cfg.QueryExpert.QueryTimeout,
		StoreTimeout: cfg.StoreTimeout,
		CacheTTL:     cfg.Cache.TTL,
		Exec: queryexpert.ExecOptions{
			Database:  cfg.Warehouse.Database,
			Schema:    cfg.Warehouse.Schema,
			Warehouse: cfg.Warehouse.Warehouse,
		},
		MaxResultRows: cfg.MaxResultRows,
	})

	broadcaster := sse.NewBroadcaster()
	runner.SetProgress(broadcaster.Publish)

	svc := server.New(runner, guard, limiter, resultCache, reaper, records, auditLog, broadcaster, expert, Version)

	startConfigWatcher(*configPath)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           svc.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Listen).Str("version", Version).Msg("Starting querypilot")
		serverErr <- httpServer.ListenAndServe()
	}()
	svc.SetReady(true)

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
		return
	}

	svc.SetReady(false)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
	}
}

// newRedisPool builds the shared counter pool for the rate limiter.
func newRedisPool(cfg config.RedisConfig) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     cfg.MaxIdle,
		IdleTimeout: 240 * time.Second,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialContext(ctx, "tcp", cfg.Addr,
				redis.DialDatabase(cfg.DB),
				redis.DialConnectTimeout(cfg.DialTimeout),
			)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// startConfigWatcher exits the process when the config file changes so
// the supervisor restarts it with fresh settings.
func startConfigWatcher(configPath string) {
	if configPath == "" {
		return
	}
	w, err := watcher.New(configPath, func() {
		log.Warn().Str("path", configPath).Msg("Config file changed, exiting for restart...")
		time.Sleep(100 * time.Millisecond) // Give logs time to flush
		os.Exit(0)
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create config watcher")
		return
	}
	if err := w.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start config watcher")
		return
	}
	log.Info().Str("path", configPath).Msg("Config file watcher started")
}
