// Package recovery durably records orders whose import failed and retries
// them on a schedule until they succeed or run out of attempts.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ordersync/internal/config"
	"ordersync/internal/domain"
	"ordersync/internal/events"
	"ordersync/internal/importer"
	"ordersync/internal/metrics"
	"ordersync/internal/models"
	"ordersync/internal/retry"
	"ordersync/internal/vendor"

	"github.com/rs/zerolog"
)

// Importer is implemented by *importer.Engine.
type Importer interface {
	Import(ctx context.Context, orders []models.VendorOrder, force bool, opts ...importer.Option) (importer.Summary, error)
}

// OrderLookup refetches full orders by vendor id. It is implemented by
// *vendor.Client.
type OrderLookup interface {
	OrdersByID(ctx context.Context, accountID string, ids []string) ([]models.VendorOrder, error)
}

type SweepResult struct {
	Attempted int
	Resolved  int
	Retrying  int
	Exhausted int
}

type Service struct {
	store         domain.FailedSyncStore
	importer      Importer
	policy        retry.Policy
	lookup        OrderLookup
	accountID     string
	deadLetters   domain.DeadLetterQueue
	deadLetterKey string
	escalator     domain.Escalator
	events        domain.EventPublisher
	interval      time.Duration
	batchSize     int
	logger        *zerolog.Logger
	now           func() time.Time
}

func NewService(store domain.FailedSyncStore, imp Importer, cfg config.RecoveryConfig, logger *zerolog.Logger) *Service {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = models.DefaultRecoveryMaxAttempts
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	l := logger.With().Str("component", "recovery").Logger()
	return &Service{
		store:    store,
		importer: imp,
		policy: retry.Policy{
			MaxAttempts:   maxAttempts,
			InitialDelay:  cfg.InitialDelay,
			MaxDelay:      cfg.MaxDelay,
			BackoffFactor: cfg.BackoffFactor,
		},
		deadLetterKey: cfg.DeadLetterKey,
		interval:      interval,
		batchSize:     batchSize,
		logger:        &l,
		now:           time.Now,
	}
}

// SetLookup enables refetching orders whose captured payload carries only
// identifiers.
func (s *Service) SetLookup(accountID string, lookup OrderLookup) {
	s.accountID = accountID
	s.lookup = lookup
}

// SetDeadLetters pushes exhausted records onto queue.
func (s *Service) SetDeadLetters(queue domain.DeadLetterQueue) {
	s.deadLetters = queue
}

func (s *Service) SetEscalator(esc domain.Escalator) {
	s.escalator = esc
}

func (s *Service) SetEvents(pub domain.EventPublisher) {
	s.events = pub
}

// Capture records a failed main-path import. It implements
// importer.FailureSink.
func (s *Service) Capture(ctx context.Context, order models.VendorOrder, reason string) error {
	payload, err := vendor.EncodeOrder(order)
	if err != nil {
		return fmt.Errorf("encode failed order: %w", err)
	}

	rec, err := s.store.CaptureFailedSync(ctx, &models.FailedSyncRecord{
		Identifier:          order.Identifier(),
		RawPayload:          string(payload),
		AttemptCount:        1,
		LastFailureReason:   reason,
		NextRetryEligibleAt: s.now().Add(s.policy.NextDelay(1)),
	})
	if err != nil {
		return err
	}

	metrics.IncFailedSyncTransition(rec.Status)
	s.logger.Warn().
		Int64("failed_sync_id", rec.ID).
		Str("identifier", rec.Identifier).
		Str("status", rec.Status).
		Int("attempts", rec.AttemptCount).
		Str("reason", reason).
		Msg("failed sync captured")
	return nil
}

// Start runs Sweep every interval until ctx is done.
func (s *Service) Start(ctx context.Context) {
	s.logger.Info().Dur("interval", s.interval).Msg("recovery started")
	defer s.logger.Info().Msg("recovery stopped")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("recovery sweep failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep retries every pending record whose eligibility time has passed.
// Exhausted records are never selected.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	due, err := s.store.DueFailedSyncs(ctx, s.now(), s.batchSize)
	if err != nil {
		return res, fmt.Errorf("load due failed syncs: %w", err)
	}

	for _, rec := range due {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Attempted++

		cause := s.retryOne(ctx, rec)
		if cause == nil {
			if err := s.store.MarkFailedSyncResolved(ctx, rec.ID); err != nil {
				return res, err
			}
			res.Resolved++
			metrics.IncFailedSyncTransition(models.FailedSyncResolved)
			s.logger.Info().Int64("failed_sync_id", rec.ID).Str("identifier", rec.Identifier).Msg("failed sync resolved")
			continue
		}

		attempts := rec.AttemptCount + 1
		status := models.FailedSyncPending
		if s.policy.Exhausted(attempts) {
			status = models.FailedSyncExhausted
		}
		next := s.now().Add(s.policy.NextDelay(attempts))
		if err := s.store.RecordFailedSyncAttempt(ctx, rec.ID, cause.Error(), next, status); err != nil {
			return res, err
		}
		metrics.IncFailedSyncTransition(status)

		if status == models.FailedSyncExhausted {
			res.Exhausted++
			rec.AttemptCount = attempts
			rec.LastFailureReason = cause.Error()
			rec.Status = status
			s.escalate(ctx, rec)
			continue
		}
		res.Retrying++
		s.logger.Warn().
			Err(cause).
			Int64("failed_sync_id", rec.ID).
			Str("identifier", rec.Identifier).
			Int("attempts", attempts).
			Time("next_retry_at", next).
			Msg("failed sync retry failed")
	}

	if res.Attempted > 0 {
		s.logger.Info().
			Int("attempted", res.Attempted).
			Int("resolved", res.Resolved).
			Int("retrying", res.Retrying).
			Int("exhausted", res.Exhausted).
			Msg("recovery sweep finished")
	}
	return res, nil
}

// retryOne re-imports the captured payload with forced update.
func (s *Service) retryOne(ctx context.Context, rec *models.FailedSyncRecord) error {
	order, err := vendor.DecodeOrder([]byte(rec.RawPayload))
	if err != nil {
		return fmt.Errorf("decode captured payload: %w", err)
	}

	if order.ReceivedAt.IsZero() && order.VendorOrderID != "" && s.lookup != nil {
		fetched, err := s.lookup.OrdersByID(ctx, s.accountID, []string{order.VendorOrderID})
		if err != nil {
			return fmt.Errorf("refetch order: %w", err)
		}
		if len(fetched) > 0 {
			order = fetched[0]
		}
	}

	summary, err := s.importer.Import(ctx, []models.VendorOrder{order}, true, importer.WithoutCapture())
	if err != nil {
		return err
	}
	if len(summary.Results) == 0 {
		return errors.New("order was not imported")
	}

	r := summary.Results[0]
	switch r.Outcome {
	case importer.OutcomeCreated, importer.OutcomeUpdated:
		return nil
	case importer.OutcomeFailed:
		return r.Err
	default:
		if r.Err != nil {
			return r.Err
		}
		return fmt.Errorf("order %s was skipped", r.Identifier)
	}
}

func (s *Service) escalate(ctx context.Context, rec *models.FailedSyncRecord) {
	s.logger.Error().
		Int64("failed_sync_id", rec.ID).
		Str("identifier", rec.Identifier).
		Int("attempts", rec.AttemptCount).
		Str("reason", rec.LastFailureReason).
		Msg("failed sync exhausted")

	if s.deadLetters != nil && s.deadLetterKey != "" {
		if err := s.deadLetters.PushDeadLetter(ctx, s.deadLetterKey, rec); err != nil {
			s.logger.Error().Err(err).Int64("failed_sync_id", rec.ID).Msg("dead letter push failed")
		}
	}
	if s.escalator != nil {
		if err := s.escalator.Escalate(ctx, rec); err != nil {
			s.logger.Error().Err(err).Int64("failed_sync_id", rec.ID).Msg("escalation failed")
		}
	}
	if s.events != nil {
		_ = s.events.PublishJSON(events.EventFailedSyncExhausted, events.FailedSyncExhaustedPayload{
			ID:         rec.ID,
			Identifier: rec.Identifier,
			Attempts:   rec.AttemptCount,
			Reason:     rec.LastFailureReason,
		})
	}
}

// List returns records in status, or all records when status is empty.
func (s *Service) List(ctx context.Context, status string, limit int) ([]*models.FailedSyncRecord, error) {
	if limit <= 0 {
		limit = s.batchSize
	}
	return s.store.ListFailedSyncs(ctx, status, limit)
}

func (s *Service) ListExhausted(ctx context.Context, limit int) ([]*models.FailedSyncRecord, error) {
	return s.List(ctx, models.FailedSyncExhausted, limit)
}

// Requeue returns an exhausted record to pending with a fresh attempt
// budget, eligible immediately.
func (s *Service) Requeue(ctx context.Context, id int64) error {
	if err := s.store.RequeueFailedSync(ctx, id, s.now()); err != nil {
		return err
	}
	metrics.IncFailedSyncTransition("requeued")
	s.logger.Info().Int64("failed_sync_id", id).Msg("failed sync requeued")
	return nil
}
