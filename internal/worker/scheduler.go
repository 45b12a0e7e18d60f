package worker

import (
	"context"
	"errors"
	"time"

	"ordersync/internal/config"
	"ordersync/internal/models"
	"ordersync/internal/pipeline"

	"github.com/rs/zerolog"
)

// Syncer is implemented by *pipeline.Pipeline.
type Syncer interface {
	RunSync(ctx context.Context, rng models.DateRange, opts ...pipeline.RunOption) (pipeline.RunResult, error)
}

// Scheduler triggers a sync of the trailing lookback window every interval.
type Scheduler struct {
	syncer       Syncer
	interval     time.Duration
	lookbackDays int
	runOnStart   bool
	logger       *zerolog.Logger
	now          func() time.Time
}

// NewScheduler builds a scheduler with sane defaults.
func NewScheduler(syncer Syncer, cfg config.SyncConfig, logger *zerolog.Logger) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = models.DefaultSyncInterval * time.Second
	}
	lookback := cfg.LookbackDays
	if lookback <= 0 {
		lookback = models.DefaultLookbackDays
	}
	l := logger.With().Str("component", "scheduler").Logger()
	return &Scheduler{
		syncer:       syncer,
		interval:     interval,
		lookbackDays: lookback,
		runOnStart:   true,
		logger:       &l,
		now:          time.Now,
	}
}

// Start launches the main loop; stops when ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().Dur("interval", s.interval).Int("lookback_days", s.lookbackDays).Msg("scheduler started")
	defer s.logger.Info().Msg("scheduler stopped")

	if s.runOnStart {
		s.Tick(ctx)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduled sync. A run already in flight is left alone.
func (s *Scheduler) Tick(ctx context.Context) {
	rng := models.LastDays(s.now(), s.lookbackDays)
	_, err := s.syncer.RunSync(ctx, rng, pipeline.WithTrigger(pipeline.TriggerScheduled))
	switch {
	case err == nil:
	case errors.Is(err, pipeline.ErrSyncInProgress):
		s.logger.Info().Msg("previous sync still running, skipping tick")
	case errors.Is(err, context.Canceled):
	default:
		s.logger.Error().Err(err).Msg("scheduled sync failed")
	}
}
