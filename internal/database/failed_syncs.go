package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ordersync/internal/models"
)

const failedSyncColumns = `id, identifier, raw_payload, attempt_count, last_failure_reason,
    next_retry_eligible_at, status, created_at, updated_at`

func scanFailedSync(row rowScanner) (*models.FailedSyncRecord, error) {
	var r models.FailedSyncRecord
	err := row.Scan(&r.ID, &r.Identifier, &r.RawPayload, &r.AttemptCount, &r.LastFailureReason,
		&r.NextRetryEligibleAt, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CaptureFailedSync records a main-path import failure. A new identifier
// starts pending with the given attempt count. An existing pending record
// keeps its attempt count and schedule, a resolved one is reopened, and an
// exhausted one stays exhausted.
func (db *DB) CaptureFailedSync(ctx context.Context, rec *models.FailedSyncRecord) (*models.FailedSyncRecord, error) {
	now := time.Now().UTC()
	_, err := db.ExecContext(ctx, `
        INSERT INTO failed_syncs (identifier, raw_payload, attempt_count, last_failure_reason,
            next_retry_eligible_at, status, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, 'pending', ?, ?)
        ON CONFLICT(identifier) DO UPDATE SET
            raw_payload = excluded.raw_payload,
            last_failure_reason = excluded.last_failure_reason,
            attempt_count = CASE WHEN failed_syncs.status = 'resolved'
                THEN excluded.attempt_count ELSE failed_syncs.attempt_count END,
            next_retry_eligible_at = CASE WHEN failed_syncs.status = 'resolved'
                THEN excluded.next_retry_eligible_at ELSE failed_syncs.next_retry_eligible_at END,
            status = CASE WHEN failed_syncs.status = 'exhausted'
                THEN 'exhausted' ELSE 'pending' END,
            updated_at = excluded.updated_at`,
		rec.Identifier, rec.RawPayload, rec.AttemptCount, rec.LastFailureReason,
		utc(rec.NextRetryEligibleAt), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to capture failed sync: %w", err)
	}

	row := db.QueryRowContext(ctx, `SELECT `+failedSyncColumns+` FROM failed_syncs WHERE identifier = ?`, rec.Identifier)
	stored, err := scanFailedSync(row)
	if err != nil {
		return nil, fmt.Errorf("failed to read captured failed sync: %w", err)
	}
	return stored, nil
}

func (db *DB) DueFailedSyncs(ctx context.Context, now time.Time, limit int) ([]*models.FailedSyncRecord, error) {
	query := `SELECT ` + failedSyncColumns + ` FROM failed_syncs
              WHERE status = 'pending' AND next_retry_eligible_at <= ?
              ORDER BY next_retry_eligible_at ASC, id ASC LIMIT ?`
	return db.queryFailedSyncs(ctx, query, utc(now), limit)
}

func (db *DB) ListFailedSyncs(ctx context.Context, status string, limit int) ([]*models.FailedSyncRecord, error) {
	if status == "" {
		query := `SELECT ` + failedSyncColumns + ` FROM failed_syncs ORDER BY updated_at DESC, id DESC LIMIT ?`
		return db.queryFailedSyncs(ctx, query, limit)
	}
	query := `SELECT ` + failedSyncColumns + ` FROM failed_syncs WHERE status = ?
              ORDER BY updated_at DESC, id DESC LIMIT ?`
	return db.queryFailedSyncs(ctx, query, status, limit)
}

func (db *DB) queryFailedSyncs(ctx context.Context, query string, args ...interface{}) ([]*models.FailedSyncRecord, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get failed syncs: %w", err)
	}
	defer rows.Close()

	var records []*models.FailedSyncRecord
	for rows.Next() {
		r, err := scanFailedSync(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan failed sync: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (db *DB) GetFailedSync(ctx context.Context, id int64) (*models.FailedSyncRecord, error) {
	row := db.QueryRowContext(ctx, `SELECT `+failedSyncColumns+` FROM failed_syncs WHERE id = ?`, id)
	r, err := scanFailedSync(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get failed sync: %w", err)
	}
	return r, nil
}

func (db *DB) MarkFailedSyncResolved(ctx context.Context, id int64) error {
	return db.execFailedSync(ctx, `UPDATE failed_syncs SET status = 'resolved', updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
}

// RecordFailedSyncAttempt counts one more failed retry and moves the record
// to status with the next eligibility time.
func (db *DB) RecordFailedSyncAttempt(ctx context.Context, id int64, reason string, nextEligible time.Time, status string) error {
	return db.execFailedSync(ctx, `
        UPDATE failed_syncs SET attempt_count = attempt_count + 1, last_failure_reason = ?,
            next_retry_eligible_at = ?, status = ?, updated_at = ?
        WHERE id = ?`,
		reason, utc(nextEligible), status, time.Now().UTC(), id)
}

// RequeueFailedSync returns an exhausted record to pending with a fresh
// attempt budget.
func (db *DB) RequeueFailedSync(ctx context.Context, id int64, now time.Time) error {
	return db.execFailedSync(ctx, `
        UPDATE failed_syncs SET status = 'pending', attempt_count = 1, next_retry_eligible_at = ?, updated_at = ?
        WHERE id = ? AND status = 'exhausted'`,
		utc(now), time.Now().UTC(), id)
}

func (db *DB) execFailedSync(ctx context.Context, query string, args ...interface{}) error {
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update failed sync: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ExhaustedIdentifiers reports which of identifiers have an exhausted record.
func (db *DB) ExhaustedIdentifiers(ctx context.Context, identifiers []string) (map[string]bool, error) {
	result := make(map[string]bool)
	if len(identifiers) == 0 {
		return result, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(identifiers)), ",")
	args := make([]interface{}, 0, len(identifiers))
	for _, id := range identifiers {
		args = append(args, id)
	}

	rows, err := db.QueryContext(ctx,
		`SELECT identifier FROM failed_syncs WHERE status = 'exhausted' AND identifier IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get exhausted identifiers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan identifier: %w", err)
		}
		result[id] = true
	}
	return result, rows.Err()
}
