package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order is the canonical local copy of a vendor order.
type Order struct {
	ID            int64           `json:"id"`
	VendorOrderID string          `json:"vendor_order_id"`
	OrderNumber   string          `json:"order_number"`
	ChannelRef    string          `json:"channel_ref"`
	ReceivedAt    time.Time       `json:"received_at"`
	ProcessedAt   *time.Time      `json:"processed_at"`
	Channel       string          `json:"channel"`
	TotalCharge   decimal.Decimal `json:"total_charge"`
	IsOpen        bool            `json:"is_open"`
	IsProcessed   bool            `json:"is_processed"`
	IsCancelled   bool            `json:"is_cancelled"`
	SyncStatus    string          `json:"sync_status"`
	Items         []OrderItem     `json:"items"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	LastSyncedAt  *time.Time      `json:"last_synced_at"`
}

// OrderItem rows belong to exactly one Order and are replaced as a set.
type OrderItem struct {
	OrderID      int64           `json:"order_id"`
	SKU          string          `json:"sku"`
	Quantity     int             `json:"quantity"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	PricePerUnit decimal.Decimal `json:"price_per_unit"`
	LineTotal    decimal.Decimal `json:"line_total"`
}

// Status returns a single label used for cache partitions.
func (o *Order) Status() string {
	switch {
	case o.IsCancelled:
		return "cancelled"
	case o.IsProcessed:
		return "processed"
	case o.IsOpen:
		return "open"
	default:
		return "closed"
	}
}
