package warming

import (
	"context"
	"fmt"
	"time"

	"ordersync/internal/domain"

	"github.com/shopspring/decimal"
)

// Recomputer refreshes the cached metric for one combination.
type Recomputer interface {
	Recompute(ctx context.Context, task Task) error
}

// Metric is the cached value for one combination.
type Metric struct {
	Window     string          `json:"window"`
	Channel    string          `json:"channel"`
	Status     string          `json:"status"`
	From       time.Time       `json:"from"`
	To         time.Time       `json:"to"`
	Count      int             `json:"count"`
	Revenue    decimal.Decimal `json:"revenue"`
	ComputedAt time.Time       `json:"computed_at"`
}

// AggregateRecomputer aggregates persisted orders and caches the result.
type AggregateRecomputer struct {
	source domain.MetricsSource
	cache  domain.MetricCache
	ttl    time.Duration
	now    func() time.Time
}

func NewAggregateRecomputer(source domain.MetricsSource, cache domain.MetricCache, ttl time.Duration) *AggregateRecomputer {
	return &AggregateRecomputer{source: source, cache: cache, ttl: ttl, now: time.Now}
}

func (r *AggregateRecomputer) Recompute(ctx context.Context, task Task) error {
	agg, err := r.source.AggregateOrders(ctx, task.Range.From, task.Range.To, task.Channel, task.Status)
	if err != nil {
		return fmt.Errorf("aggregate %s: %w", task.Key(), err)
	}

	m := Metric{
		Window:     task.Window,
		Channel:    task.Channel,
		Status:     task.Status,
		From:       task.Range.From,
		To:         task.Range.To,
		Count:      agg.Count,
		Revenue:    agg.Revenue,
		ComputedAt: r.now().UTC(),
	}
	if err := r.cache.StoreMetric(ctx, task.Key(), m, r.ttl); err != nil {
		return fmt.Errorf("store %s: %w", task.Key(), err)
	}
	return nil
}
