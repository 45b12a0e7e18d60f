package domain

import (
	"context"
	"time"

	"ordersync/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
)

// OrderTx is the set of order operations available inside one import
// transaction. Lookups return (nil, nil) when nothing matches.
type OrderTx interface {
	FindOrderByVendorID(ctx context.Context, vendorOrderID string) (*models.Order, error)
	FindOrderByNumber(ctx context.Context, orderNumber string) (*models.Order, error)
	InsertOrder(ctx context.Context, order *models.Order) error
	UpdateOrder(ctx context.Context, order *models.Order) error
	ReplaceOrderItems(ctx context.Context, orderID int64, items []models.OrderItem) error
	Savepoint(ctx context.Context, name string) error
	RollbackTo(ctx context.Context, name string) error
	Release(ctx context.Context, name string) error
}

type OrderStore interface {
	RunInTx(ctx context.Context, fn func(tx OrderTx) error) error
	ExhaustedIdentifiers(ctx context.Context, identifiers []string) (map[string]bool, error)
}

type FailedSyncStore interface {
	CaptureFailedSync(ctx context.Context, rec *models.FailedSyncRecord) (*models.FailedSyncRecord, error)
	DueFailedSyncs(ctx context.Context, now time.Time, limit int) ([]*models.FailedSyncRecord, error)
	MarkFailedSyncResolved(ctx context.Context, id int64) error
	RecordFailedSyncAttempt(ctx context.Context, id int64, reason string, nextEligible time.Time, status string) error
	ListFailedSyncs(ctx context.Context, status string, limit int) ([]*models.FailedSyncRecord, error)
	GetFailedSync(ctx context.Context, id int64) (*models.FailedSyncRecord, error)
	RequeueFailedSync(ctx context.Context, id int64, now time.Time) error
}

// OrderAggregate is the metric computed for one warming combination.
type OrderAggregate struct {
	Count   int             `json:"count"`
	Revenue decimal.Decimal `json:"revenue"`
}

type MetricsSource interface {
	AggregateOrders(ctx context.Context, from, to time.Time, channel, status string) (OrderAggregate, error)
}

// WindowStore counts requests per fixed window key.
type WindowStore interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Reset(ctx context.Context, key string) error
}

type TokenCache interface {
	Get(ctx context.Context, accountID string) (*models.SessionToken, error)
	Put(ctx context.Context, token models.SessionToken) error
	Delete(ctx context.Context, accountID string) error
}

// Gate admits the first caller per key until ttl elapses.
type Gate interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type MetricCache interface {
	StoreMetric(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

type DeadLetterQueue interface {
	PushDeadLetter(ctx context.Context, key string, payload interface{}) error
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// Escalator brings exhausted failed syncs to an operator's attention.
type Escalator interface {
	Escalate(ctx context.Context, rec *models.FailedSyncRecord) error
}

type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}
