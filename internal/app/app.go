// Package app wires the sync components together for the binaries under cmd/.
package app

import (
	"context"
	"net/http"
	"time"

	"ordersync/internal/config"
	"ordersync/internal/database"
	"ordersync/internal/events"
	"ordersync/internal/fetch"
	"ordersync/internal/importer"
	"ordersync/internal/pipeline"
	"ordersync/internal/ratelimit"
	"ordersync/internal/recovery"
	"ordersync/internal/repository"
	"ordersync/internal/retry"
	"ordersync/internal/session"
	"ordersync/internal/vendor"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type App struct {
	DB       *database.DB
	Store    repository.Store
	Bus      *events.EventBus
	Vendor   *vendor.Client
	Engine   *importer.Engine
	Pipeline *pipeline.Pipeline
	Recovery *recovery.Service

	redis *redis.Client
}

// Build opens the database and the shared store and assembles the sync
// pipeline with failure capture and recovery attached. Redis is optional;
// without it, or while it is down, an in-process store takes over.
func Build(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	db, err := database.NewDB(cfg.Database.Path, logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return nil, err
	}

	a := &App{DB: db, Bus: events.NewEventBus()}
	a.Store = a.initStore(ctx, cfg, logger)

	httpClient := &http.Client{Timeout: time.Duration(cfg.Vendor.TimeoutSeconds) * time.Second}
	exchanger := session.NewOAuthExchangerFromConfig(cfg.Vendor, httpClient)
	tokens := session.NewManager(a.Store, exchanger, cfg.Sync.TokenBuffer, logger)

	limiter := ratelimit.New(a.Store, cfg.RateLimit, logger)
	exec := retry.NewExecutor(cfg.Sync.BackoffSchedule, logger)
	a.Vendor = vendor.NewClient(cfg.Vendor, httpClient, tokens, limiter, exec, logger)

	fetcher := fetch.NewOrchestrator(a.Vendor, cfg.Vendor.PageSize, logger)

	a.Engine = importer.NewEngine(db, cfg.Sync, logger)
	a.Recovery = recovery.NewService(db, a.Engine, cfg.Recovery, logger)
	a.Recovery.SetLookup(cfg.Vendor.AccountID, a.Vendor)
	a.Recovery.SetDeadLetters(a.Store)
	a.Recovery.SetEvents(a.Bus)
	a.Engine.SetFailureSink(a.Recovery)

	a.Pipeline = pipeline.New(tokens, fetcher, a.Engine, cfg.Sync, cfg.Vendor.AccountID, logger)
	a.Pipeline.SetEvents(a.Bus)

	return a, nil
}

func (a *App) initStore(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) repository.Store {
	memory := repository.NewMemoryStore()
	if cfg.Redis.Address == "" {
		logger.Info().Msg("redis not configured, using in-process store")
		return memory
	}

	a.redis = repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, a.redis); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Redis.Address).Msg("redis unavailable, starting on fallback store")
	} else {
		logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	}
	return repository.NewFailoverStore(repository.NewRedisStore(a.redis), memory, logger)
}

func (a *App) Close() {
	if a.redis != nil {
		_ = repository.Close(a.redis)
	}
	if a.DB != nil {
		_ = a.DB.Close()
	}
}
