// Command sync runs a single order sync and prints the result as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"ordersync/internal/app"
	"ordersync/internal/config"
	"ordersync/internal/logging"
	"ordersync/internal/models"
	"ordersync/internal/pipeline"
)

const dateLayout = "2006-01-02"

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	var (
		configPath = flag.String("config", envOr("CONFIG_PATH", "configs/config.yaml"), "path to config.yaml")
		from       = flag.String("from", "", "range start, YYYY-MM-DD (default: lookback_days ago)")
		to         = flag.String("to", "", "range end day, inclusive, YYYY-MM-DD (default: now)")
		force      = flag.Bool("force", false, "write every order even when nothing tracked changed")
		sweep      = flag.Bool("sweep", false, "run one failed-sync recovery sweep after the sync")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}
	logger := baseLogger.With().Str("component", "sync-cli").Logger()

	rng, err := parseRange(*from, *to, cfg.Sync.LookbackDays, time.Now())
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, &logger)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := []pipeline.RunOption{pipeline.WithTrigger(pipeline.TriggerManual)}
	if *force {
		opts = append(opts, pipeline.WithForce())
	}
	res, runErr := a.Pipeline.RunSync(ctx, rng, opts...)

	out := map[string]any{"sync": res}
	if *sweep {
		swept, err := a.Recovery.Sweep(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("recovery sweep failed")
		}
		out["recovery"] = swept
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}

	if runErr != nil {
		return runErr
	}
	if !res.Success {
		return fmt.Errorf("sync %s finished with %d failed records", res.RunID, res.Totals.Failed)
	}
	return nil
}

func parseRange(from, to string, lookbackDays int, now time.Time) (models.DateRange, error) {
	if lookbackDays <= 0 {
		lookbackDays = models.DefaultLookbackDays
	}
	rng := models.LastDays(now, lookbackDays)
	if from != "" {
		t, err := time.Parse(dateLayout, from)
		if err != nil {
			return rng, fmt.Errorf("invalid -from: %w", err)
		}
		rng.From = t
	}
	if to != "" {
		t, err := time.Parse(dateLayout, to)
		if err != nil {
			return rng, fmt.Errorf("invalid -to: %w", err)
		}
		// The range is closed-open; the named day is included.
		rng.To = t.AddDate(0, 0, 1)
	}
	if !rng.Valid() {
		return rng, fmt.Errorf("-from must not be after -to")
	}
	return rng, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
