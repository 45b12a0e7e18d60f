package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// VendorOrder is a vendor payload after shape normalization. It lives only
// for the duration of a sync pass.
type VendorOrder struct {
	VendorOrderID string
	OrderNumber   string
	ChannelRef    string
	Channel       string
	ReceivedAt    time.Time
	ProcessedAt   *time.Time
	TotalCharge   decimal.Decimal
	IsOpen        bool
	IsProcessed   bool
	IsCancelled   bool
	Items         []VendorOrderItem
	Raw           json.RawMessage
}

type VendorOrderItem struct {
	SKU          string
	Quantity     int
	UnitCost     decimal.Decimal
	PricePerUnit decimal.Decimal
	LineTotal    decimal.Decimal
}

// Identifier returns the first non-empty identifier in resolution order.
func (o VendorOrder) Identifier() string {
	switch {
	case o.VendorOrderID != "":
		return o.VendorOrderID
	case o.OrderNumber != "":
		return o.OrderNumber
	default:
		return o.ChannelRef
	}
}

// HasIdentity reports whether the order can be matched to a local record.
func (o VendorOrder) HasIdentity() bool {
	return o.VendorOrderID != "" || o.OrderNumber != ""
}

// ProcessedStatus is one entry of the processed-orders feed.
type ProcessedStatus struct {
	VendorOrderID string
	OrderNumber   string
	ProcessedAt   time.Time
}

// DateRange is a closed-open interval [From, To).
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Valid reports whether the range is non-empty.
func (r DateRange) Valid() bool {
	return !r.From.IsZero() && !r.To.IsZero() && r.From.Before(r.To)
}

// LastDays returns the range ending at now.
func LastDays(now time.Time, days int) DateRange {
	return DateRange{From: now.AddDate(0, 0, -days), To: now}
}
