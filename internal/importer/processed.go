package importer

import (
	"context"

	"ordersync/internal/domain"
	"ordersync/internal/models"
)

// MarkProcessed applies status transitions from the processed-orders feed
// to existing local orders. Orders that are unknown locally, or already
// processed at the same time, are skipped without a write.
func (e *Engine) MarkProcessed(ctx context.Context, statuses []models.ProcessedStatus) (Summary, error) {
	apply := func(ctx context.Context, tx domain.OrderTx, i int) (RecordResult, error) {
		return e.markOne(ctx, tx, i, statuses[i])
	}

	summary, err := e.runChunks(ctx, len(statuses), apply, nil, nil)
	e.logger.Info().
		Int("processed", summary.Processed).
		Int("updated", summary.Updated).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Msg("processed statuses applied")
	return summary, err
}

func (e *Engine) markOne(ctx context.Context, tx domain.OrderTx, i int, st models.ProcessedStatus) (RecordResult, error) {
	v := models.VendorOrder{VendorOrderID: st.VendorOrderID, OrderNumber: st.OrderNumber}
	res := RecordResult{Index: i, Identifier: v.Identifier(), Outcome: OutcomeSkipped}

	if !v.HasIdentity() {
		res.Err = &ValidationError{Index: i, Reason: "missing vendor order id and order number"}
		return res, nil
	}

	stored, err := e.resolve(ctx, tx, v)
	if err != nil {
		return res, &ImportError{Index: i, VendorOrderID: st.VendorOrderID, OrderNumber: st.OrderNumber, Err: err}
	}
	if stored == nil {
		return res, nil
	}
	res.OrderID = stored.ID

	processedAt := stored.ProcessedAt
	if !st.ProcessedAt.IsZero() {
		at := st.ProcessedAt.UTC()
		processedAt = &at
	}
	if stored.IsProcessed && !stored.IsOpen && sameTime(stored.ProcessedAt, processedAt) {
		return res, nil
	}

	stored.IsProcessed = true
	stored.IsOpen = false
	stored.ProcessedAt = processedAt
	if err := tx.UpdateOrder(ctx, stored); err != nil {
		e.logger.Error().
			Err(err).
			Str("vendor_order_id", st.VendorOrderID).
			Str("order_number", st.OrderNumber).
			Msg("failed to mark order processed")
		return res, &ImportError{Index: i, VendorOrderID: st.VendorOrderID, OrderNumber: st.OrderNumber, Err: err}
	}
	res.Outcome = OutcomeUpdated
	res.Dirty = []string{"is_processed", "processed_at"}
	return res, nil
}
