package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/core"
)

// CreateBatch inserts an empty batch in pending state.
func (s *Store) CreateBatch(ctx context.Context, b *core.Batch) error {
	query := `
		INSERT INTO batches (id, name, status, total_count, success_count, failure_count)
		VALUES ($1, $2, $3, 0, 0, 0)
		RETURNING created_at
	`
	if err := s.db.Pool().QueryRow(ctx, query, b.ID, b.Name, b.Status).Scan(&b.CreatedAt); err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}

	s.logger.Info("batch created",
		zap.String("batch_id", b.ID.String()),
		zap.String("name", b.Name),
	)
	return nil
}

// GetBatch retrieves a batch with its per-item errors.
func (s *Store) GetBatch(ctx context.Context, id uuid.UUID) (*core.Batch, error) {
	query := `
		SELECT id, name, status, total_count, success_count, failure_count,
		       created_at, started_at, completed_at
		FROM batches
		WHERE id = $1
	`

	var b core.Batch
	err := s.db.Pool().QueryRow(ctx, query, id).Scan(
		&b.ID, &b.Name, &b.Status, &b.TotalCount, &b.SuccessCount, &b.FailureCount,
		&b.CreatedAt, &b.StartedAt, &b.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query batch: %w", err)
	}

	rows, err := s.db.Pool().Query(ctx,
		`SELECT notification_id, message FROM batch_errors WHERE batch_id = $1 ORDER BY created_at ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("query batch errors: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e core.BatchItemError
		if err := rows.Scan(&e.NotificationID, &e.Message); err != nil {
			return nil, fmt.Errorf("scan batch error: %w", err)
		}
		b.Errors = append(b.Errors, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return &b, nil
}

// AddBatchMembers attaches notifications to a batch and bumps total_count
// in one transaction. Membership can only grow while the batch is pending
// or processing.
func (s *Store) AddBatchMembers(ctx context.Context, batchID uuid.UUID, notificationIDs []uuid.UUID) error {
	if len(notificationIDs) == 0 {
		return nil
	}

	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, nid := range notificationIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO batch_notifications (batch_id, notification_id) VALUES ($1, $2)
			 ON CONFLICT DO NOTHING`, batchID, nid); err != nil {
			return fmt.Errorf("insert batch member: %w", err)
		}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE batches SET total_count = total_count + $1
		WHERE id = $2 AND status IN ('pending', 'processing')
	`, len(notificationIDs), batchID)
	if err != nil {
		return fmt.Errorf("update batch total: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("batch %s not open for members", batchID)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetBatchMembers returns the notification ids attached to a batch in
// attachment order.
func (s *Store) GetBatchMembers(ctx context.Context, batchID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.Pool().Query(ctx,
		`SELECT notification_id FROM batch_notifications WHERE batch_id = $1 ORDER BY added_at ASC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("query batch members: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan batch member: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return ids, nil
}

// AdvanceBatchStatus moves a batch forward in its lifecycle, stamping the
// started/completed timestamps. The WHERE guard keeps the lifecycle
// monotonic even under concurrent drivers.
func (s *Store) AdvanceBatchStatus(ctx context.Context, id uuid.UUID, from, to core.BatchStatus) error {
	if !from.CanAdvanceTo(to) {
		return fmt.Errorf("%w: batch %s -> %s", core.ErrInvalidTransition, from, to)
	}

	query := `
		UPDATE batches
		SET status = $1,
		    started_at = CASE WHEN $1 = 'processing' THEN NOW() ELSE started_at END,
		    completed_at = CASE WHEN $1 IN ('completed', 'failed') THEN NOW() ELSE completed_at END
		WHERE id = $2 AND status = $3
	`
	tag, err := s.db.Pool().Exec(ctx, query, to, id, from)
	if err != nil {
		return fmt.Errorf("advance batch status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetBatch(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: batch %s no longer in %s", core.ErrInvalidTransition, id, from)
	}
	return nil
}

// RecordBatchResult accumulates one member outcome into the batch counts,
// appending a per-item error on failure.
func (s *Store) RecordBatchResult(ctx context.Context, batchID, notificationID uuid.UUID, success bool, message string) error {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var query string
	if success {
		query = `UPDATE batches SET success_count = success_count + 1
		         WHERE id = $1 AND success_count + failure_count < total_count`
	} else {
		query = `UPDATE batches SET failure_count = failure_count + 1
		         WHERE id = $1 AND success_count + failure_count < total_count`
	}
	tag, err := tx.Exec(ctx, query, batchID)
	if err != nil {
		return fmt.Errorf("update batch counts: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("batch %s counts already settled", batchID)
	}

	if !success {
		if _, err := tx.Exec(ctx,
			`INSERT INTO batch_errors (batch_id, notification_id, message) VALUES ($1, $2, $3)`,
			batchID, notificationID, message); err != nil {
			return fmt.Errorf("insert batch error: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// BatchTotals returns the lifetime completed/failed batch counts used for
// the health signal.
func (s *Store) BatchTotals(ctx context.Context) (completed, failed int64, err error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM batches
	`
	if err := s.db.Pool().QueryRow(ctx, query).Scan(&completed, &failed); err != nil {
		return 0, 0, fmt.Errorf("query batch totals: %w", err)
	}
	return completed, failed, nil
}
