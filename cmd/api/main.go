package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"geotrack/internal/api"
	"geotrack/internal/config"
	"geotrack/internal/engine"
	"geotrack/internal/ingest"
	"geotrack/internal/logger"
	"geotrack/internal/metrics"
	"geotrack/internal/roster"
	"geotrack/internal/signals"
	"geotrack/internal/store"
	"geotrack/internal/webhooks"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "geotrack:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("GEOTRACK_CONFIG"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(&logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	logger.SetDefault(log)
	metrics.RegisterDefault()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend := map[string]string{}
	st, err := openStore(ctx, cfg.Store, backend)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	deps := engine.Deps{Store: st, Log: log}
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		deps.Broker = signals.NewRedisBroker(rdb)
		deps.Feed = ingest.NewRedisFeed(rdb, cfg.Ingest.Freshness)
		backend["broker"], backend["feed"] = "redis", "redis"
	} else {
		backend["broker"], backend["feed"] = "memory", "memory"
	}
	if cfg.Roster.URL != "" {
		deps.Roster = roster.NewHTTPProvider(cfg.Roster.URL, cfg.Roster.Timeout)
		backend["roster"] = "http"
	} else {
		backend["roster"] = "store"
	}

	eng, err := engine.New(*cfg, deps)
	if err != nil {
		return err
	}
	if cfg.Webhooks.URL != "" {
		var kinds []signals.Kind
		for _, k := range strings.Split(cfg.Webhooks.Kinds, ",") {
			if k = strings.TrimSpace(k); k != "" {
				kinds = append(kinds, signals.Kind(k))
			}
		}
		hooks := webhooks.NewWorker(eng.Signals(), webhooks.Config{
			URL:         cfg.Webhooks.URL,
			Secret:      cfg.Webhooks.Secret,
			Kinds:       kinds,
			MaxAttempts: cfg.Webhooks.MaxAttempts,
			Timeout:     cfg.Webhooks.Timeout,
		}, log)
		hooks.Start()
		defer hooks.Stop()
		backend["webhooks"] = "on"
	}

	srv := api.NewServer(eng, log)
	srv.Backend = backend

	httpSrv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logger.Fields{"addr": httpSrv.Addr, "backend": backend}).Info("API listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if cfg.Polling.AutoStart {
		if err := eng.Start(ctx); err != nil {
			return fmt.Errorf("start engine: %w", err)
		}
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("engine stop")
	}
	return nil
}

// openStore picks Postgres, then SQLite, then memory.
func openStore(ctx context.Context, cfg config.StoreConfig, backend map[string]string) (store.Store, error) {
	switch {
	case cfg.DatabaseURL != "":
		pg, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if cfg.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				_ = pg.Close()
				return nil, fmt.Errorf("migrate postgres: %w", err)
			}
		}
		backend["store"] = "postgres"
		return pg, nil
	case cfg.SQLitePath != "":
		lite, err := store.NewSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		if err := lite.Migrate(ctx); err != nil {
			_ = lite.Close()
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		backend["store"] = "sqlite"
		return lite, nil
	default:
		backend["store"] = "memory"
		return store.NewMemory(), nil
	}
}
