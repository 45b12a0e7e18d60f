package importer

import (
	"time"

	"ordersync/internal/models"
)

type fieldSet map[string]bool

func newFieldSet(fields []string) fieldSet {
	set := make(fieldSet, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

// toOrder builds the canonical record for a vendor order.
func toOrder(v models.VendorOrder) *models.Order {
	return &models.Order{
		VendorOrderID: v.VendorOrderID,
		OrderNumber:   v.OrderNumber,
		ChannelRef:    v.ChannelRef,
		ReceivedAt:    v.ReceivedAt,
		ProcessedAt:   v.ProcessedAt,
		Channel:       v.Channel,
		TotalCharge:   v.TotalCharge,
		IsOpen:        v.IsOpen,
		IsProcessed:   v.IsProcessed,
		IsCancelled:   v.IsCancelled,
		SyncStatus:    models.SyncStatusSynced,
		Items:         toItems(v.Items),
	}
}

func toItems(items []models.VendorOrderItem) []models.OrderItem {
	out := make([]models.OrderItem, 0, len(items))
	for _, it := range items {
		out = append(out, models.OrderItem{
			SKU:          it.SKU,
			Quantity:     it.Quantity,
			UnitCost:     it.UnitCost,
			PricePerUnit: it.PricePerUnit,
			LineTotal:    it.LineTotal,
		})
	}
	return out
}

// dirtyFields returns the tracked fields whose incoming value differs from
// the stored one.
func (s fieldSet) dirtyFields(stored, incoming *models.Order) []string {
	var dirty []string
	check := func(field string, changed bool) {
		if s[field] && changed {
			dirty = append(dirty, field)
		}
	}

	check("order_number", incoming.OrderNumber != "" && incoming.OrderNumber != stored.OrderNumber)
	check("channel", incoming.Channel != stored.Channel)
	check("total_charge", !incoming.TotalCharge.Equal(stored.TotalCharge))
	check("is_open", incoming.IsOpen != stored.IsOpen)
	check("is_processed", incoming.IsProcessed != stored.IsProcessed)
	check("is_cancelled", incoming.IsCancelled != stored.IsCancelled)
	check("processed_at", !sameTime(incoming.ProcessedAt, stored.ProcessedAt))
	check("received_at", !incoming.ReceivedAt.IsZero() && !incoming.ReceivedAt.Equal(stored.ReceivedAt))
	check("items", !sameItems(incoming.Items, stored.Items))
	return dirty
}

// merge copies incoming values onto the stored record, keeping stored
// identifiers the vendor did not send.
func merge(stored, incoming *models.Order) *models.Order {
	merged := *incoming
	merged.ID = stored.ID
	merged.CreatedAt = stored.CreatedAt
	if merged.VendorOrderID == "" {
		merged.VendorOrderID = stored.VendorOrderID
	}
	if merged.OrderNumber == "" {
		merged.OrderNumber = stored.OrderNumber
	}
	if merged.ChannelRef == "" {
		merged.ChannelRef = stored.ChannelRef
	}
	if merged.ReceivedAt.IsZero() {
		merged.ReceivedAt = stored.ReceivedAt
	}
	return &merged
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func sameItems(a, b []models.OrderItem) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.SKU != y.SKU || x.Quantity != y.Quantity ||
			!x.UnitCost.Equal(y.UnitCost) ||
			!x.PricePerUnit.Equal(y.PricePerUnit) ||
			!x.LineTotal.Equal(y.LineTotal) {
			return false
		}
	}
	return true
}
