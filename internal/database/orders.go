package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"ordersync/internal/domain"
	"ordersync/internal/models"

	"github.com/shopspring/decimal"
)

// Tx is an import transaction. It implements domain.OrderTx.
type Tx struct {
	tx *sql.Tx
}

const orderColumns = `id, vendor_order_id, order_number, channel_ref, received_at, processed_at, channel,
    total_charge, is_open, is_processed, is_cancelled, sync_status, created_at, updated_at, last_synced_at`

var savepointName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var (
		o             models.Order
		vendorOrderID sql.NullString
		orderNumber   sql.NullString
	)
	err := row.Scan(
		&o.ID, &vendorOrderID, &orderNumber, &o.ChannelRef, &o.ReceivedAt, &o.ProcessedAt, &o.Channel,
		&o.TotalCharge, &o.IsOpen, &o.IsProcessed, &o.IsCancelled, &o.SyncStatus, &o.CreatedAt, &o.UpdatedAt, &o.LastSyncedAt,
	)
	if err != nil {
		return nil, err
	}
	o.VendorOrderID = vendorOrderID.String
	o.OrderNumber = orderNumber.String
	return &o, nil
}

func (t *Tx) findOrder(ctx context.Context, column, value string) (*models.Order, error) {
	if value == "" {
		return nil, nil
	}
	query := `SELECT ` + orderColumns + ` FROM orders WHERE ` + column + ` = ?`
	order, err := scanOrder(t.tx.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find order by %s: %w", column, err)
	}

	items, err := t.orderItems(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	order.Items = items
	return order, nil
}

func (t *Tx) FindOrderByVendorID(ctx context.Context, vendorOrderID string) (*models.Order, error) {
	return t.findOrder(ctx, "vendor_order_id", vendorOrderID)
}

func (t *Tx) FindOrderByNumber(ctx context.Context, orderNumber string) (*models.Order, error) {
	return t.findOrder(ctx, "order_number", orderNumber)
}

func (t *Tx) orderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT order_id, sku, quantity, unit_cost, price_per_unit, line_total
         FROM order_items WHERE order_id = ? ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order items: %w", err)
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var it models.OrderItem
		if err := rows.Scan(&it.OrderID, &it.SKU, &it.Quantity, &it.UnitCost, &it.PricePerUnit, &it.LineTotal); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (t *Tx) InsertOrder(ctx context.Context, order *models.Order) error {
	now := time.Now().UTC()
	if order.SyncStatus == "" {
		order.SyncStatus = models.SyncStatusSynced
	}
	result, err := t.tx.ExecContext(ctx, `
        INSERT INTO orders (vendor_order_id, order_number, channel_ref, received_at, processed_at, channel,
            total_charge, is_open, is_processed, is_cancelled, sync_status, created_at, updated_at, last_synced_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullString(order.VendorOrderID), nullString(order.OrderNumber), order.ChannelRef,
		utc(order.ReceivedAt), utcPtr(order.ProcessedAt), order.Channel,
		order.TotalCharge.String(), order.IsOpen, order.IsProcessed, order.IsCancelled,
		order.SyncStatus, now, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	order.ID = id
	order.CreatedAt = now
	order.UpdatedAt = now
	order.LastSyncedAt = &now
	return nil
}

func (t *Tx) UpdateOrder(ctx context.Context, order *models.Order) error {
	now := time.Now().UTC()
	if order.SyncStatus == "" {
		order.SyncStatus = models.SyncStatusSynced
	}
	result, err := t.tx.ExecContext(ctx, `
        UPDATE orders SET vendor_order_id = ?, order_number = ?, channel_ref = ?, received_at = ?,
            processed_at = ?, channel = ?, total_charge = ?, is_open = ?, is_processed = ?,
            is_cancelled = ?, sync_status = ?, updated_at = ?, last_synced_at = ?
        WHERE id = ?`,
		nullString(order.VendorOrderID), nullString(order.OrderNumber), order.ChannelRef,
		utc(order.ReceivedAt), utcPtr(order.ProcessedAt), order.Channel,
		order.TotalCharge.String(), order.IsOpen, order.IsProcessed, order.IsCancelled,
		order.SyncStatus, now, now, order.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("order %d: %w", order.ID, ErrNotFound)
	}
	order.UpdatedAt = now
	order.LastSyncedAt = &now
	return nil
}

func (t *Tx) ReplaceOrderItems(ctx context.Context, orderID int64, items []models.OrderItem) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM order_items WHERE order_id = ?`, orderID); err != nil {
		return fmt.Errorf("failed to delete order items: %w", err)
	}

	for _, it := range items {
		_, err := t.tx.ExecContext(ctx, `
            INSERT INTO order_items (order_id, sku, quantity, unit_cost, price_per_unit, line_total)
            VALUES (?, ?, ?, ?, ?, ?)`,
			orderID, it.SKU, it.Quantity, it.UnitCost.String(), it.PricePerUnit.String(), it.LineTotal.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert order item %s: %w", it.SKU, err)
		}
	}
	return nil
}

func (t *Tx) Savepoint(ctx context.Context, name string) error {
	return t.savepointExec(ctx, "SAVEPOINT ", name)
}

func (t *Tx) RollbackTo(ctx context.Context, name string) error {
	return t.savepointExec(ctx, "ROLLBACK TO SAVEPOINT ", name)
}

func (t *Tx) Release(ctx context.Context, name string) error {
	return t.savepointExec(ctx, "RELEASE SAVEPOINT ", name)
}

func (t *Tx) savepointExec(ctx context.Context, stmt, name string) error {
	if !savepointName.MatchString(name) {
		return fmt.Errorf("invalid savepoint name %q", name)
	}
	if _, err := t.tx.ExecContext(ctx, stmt+name); err != nil {
		return fmt.Errorf("%s%s: %w", stmt, name, err)
	}
	return nil
}

// GetOrderByIdentifier resolves an order by vendor order id, then order number.
func (db *DB) GetOrderByIdentifier(ctx context.Context, identifier string) (*models.Order, error) {
	var order *models.Order
	err := db.RunInTx(ctx, func(tx domain.OrderTx) error {
		found, err := tx.FindOrderByVendorID(ctx, identifier)
		if err != nil {
			return err
		}
		if found == nil {
			found, err = tx.FindOrderByNumber(ctx, identifier)
			if err != nil {
				return err
			}
		}
		order = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrNotFound
	}
	return order, nil
}

func (db *DB) CountOrders(ctx context.Context) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count orders: %w", err)
	}
	return n, nil
}

// AggregateOrders computes the order count and revenue for orders received
// in [from, to). Empty or "all" channel and status match everything.
func (db *DB) AggregateOrders(ctx context.Context, from, to time.Time, channel, status string) (domain.OrderAggregate, error) {
	query := `SELECT total_charge FROM orders WHERE received_at >= ? AND received_at < ?`
	args := []interface{}{utc(from), utc(to)}

	if channel != "" && channel != "all" {
		query += ` AND channel = ?`
		args = append(args, channel)
	}

	switch status {
	case "", "all":
	case "open":
		query += ` AND is_open = 1 AND is_cancelled = 0`
	case "processed":
		query += ` AND is_processed = 1 AND is_cancelled = 0`
	case "cancelled":
		query += ` AND is_cancelled = 1`
	default:
		return domain.OrderAggregate{}, fmt.Errorf("unknown status filter %q", status)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return domain.OrderAggregate{}, fmt.Errorf("failed to aggregate orders: %w", err)
	}
	defer rows.Close()

	agg := domain.OrderAggregate{Revenue: decimal.Zero}
	for rows.Next() {
		var charge decimal.Decimal
		if err := rows.Scan(&charge); err != nil {
			return domain.OrderAggregate{}, fmt.Errorf("failed to scan total charge: %w", err)
		}
		agg.Count++
		agg.Revenue = agg.Revenue.Add(charge)
	}
	return agg, rows.Err()
}
