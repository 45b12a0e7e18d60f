package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"ordersync/internal/api"
	"ordersync/internal/app"
	"ordersync/internal/config"
	"ordersync/internal/events"
	"ordersync/internal/logging"
	"ordersync/internal/metrics"
	"ordersync/internal/notify"
	"ordersync/internal/warming"
	"ordersync/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("create database directory")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, &logger)
	if err != nil {
		return err
	}
	defer a.Close()

	startMetrics(ctx, cfg, &logger)
	subscribeLogging(a.Bus, &logger)

	if cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != 0 {
		bot, err := notify.NewTelegramBot(cfg.Telegram.BotToken)
		if err != nil {
			logger.Warn().Err(err).Msg("telegram unavailable, exhausted failed syncs will only be logged")
		} else {
			a.Recovery.SetEscalator(notify.NewTelegramEscalator(bot, cfg.Telegram.ChatID, &logger))
		}
	}

	warmer, err := buildWarmer(cfg, a, &logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Sync.Enabled {
		scheduler := worker.NewScheduler(a.Pipeline, cfg.Sync, &logger)
		g.Go(func() error {
			scheduler.Start(gctx)
			return nil
		})
	} else {
		logger.Warn().Msg("scheduled sync disabled; only manual triggers will run")
	}

	g.Go(func() error {
		a.Recovery.Start(gctx)
		return nil
	})

	if warmer != nil {
		g.Go(func() error {
			warmer.Start(gctx, a.Bus)
			return nil
		})
	}

	if cfg.API.Enabled {
		httpServer := api.NewHTTPServer(cfg.API, cfg.Sync, a.Pipeline, a.Recovery, &logger)
		g.Go(func() error {
			return httpServer.Start(gctx)
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	logger.Info().
		Str("account_id", cfg.Vendor.AccountID).
		Bool("api", cfg.API.Enabled).
		Bool("warming", warmer != nil).
		Msg("order sync daemon started")

	err = g.Wait()
	logger.Info().Msg("shutdown complete")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "syncd").Logger()

	return cfg, logger, closer, nil
}

// buildWarmer prefers a standalone warming space file (WARMING_PATH) over the
// inline warming section of the main config.
func buildWarmer(cfg *config.Config, a *app.App, logger *zerolog.Logger) (*warming.Orchestrator, error) {
	if !cfg.Warming.Enabled {
		return nil, nil
	}

	space := warming.SpaceFromConfig(cfg.Warming)
	if path := os.Getenv("WARMING_PATH"); path != "" {
		loaded, err := warming.LoadSpace(path)
		if err != nil {
			logger.Error().Err(err).Str("warming_path", path).Msg("load warming space")
			return nil, err
		}
		space = loaded
	}
	if err := space.Validate(); err != nil {
		return nil, fmt.Errorf("warming space: %w", err)
	}

	recomputer := warming.NewAggregateRecomputer(a.DB, a.Store, cfg.Warming.TTL)
	warmer := warming.NewOrchestrator(space, a.Store, recomputer, cfg.Warming, logger)
	warmer.SetEvents(a.Bus)
	logger.Info().Int("combinations", space.Size()).Msg("cache warming enabled")
	return warmer, nil
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}

func subscribeLogging(bus *events.EventBus, logger *zerolog.Logger) {
	l := logger.With().Str("component", "events").Logger()
	for _, eventType := range []string{
		events.EventSyncCompleted,
		events.EventWarmingCompleted,
		events.EventFailedSyncExhausted,
	} {
		bus.Subscribe(eventType, func(ev *events.Event) error {
			l.Info().Str("event", ev.Type).RawJSON("payload", ev.Payload).Msg("event")
			return nil
		})
	}
}
