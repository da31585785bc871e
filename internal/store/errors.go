package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/core"
)

// AddError appends an entry to the error ledger. The ledger is append-only;
// entries are never mutated or deleted individually.
func (s *Store) AddError(ctx context.Context, e *core.NotificationError) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}

	query := `
		INSERT INTO notification_errors (id, notification_id, channel, message, code, retryable)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`

	err := s.db.Pool().QueryRow(ctx, query,
		e.ID, e.NotificationID, e.Channel, e.Message, e.Code, e.Retryable,
	).Scan(&e.CreatedAt)
	if err != nil {
		s.logger.Error("failed to record notification error",
			zap.Error(err),
			zap.String("notification_id", e.NotificationID.String()),
		)
		return fmt.Errorf("insert notification error: %w", err)
	}

	return nil
}

// GetErrors returns the ledger entries for one notification, oldest first.
func (s *Store) GetErrors(ctx context.Context, notificationID uuid.UUID) ([]*core.NotificationError, error) {
	query := `
		SELECT id, notification_id, channel, message, code, retryable, created_at
		FROM notification_errors
		WHERE notification_id = $1
		ORDER BY created_at ASC
	`
	return s.queryErrors(ctx, query, notificationID)
}

// ExportErrors returns every ledger entry in the date range, for bulk
// reporting.
func (s *Store) ExportErrors(ctx context.Context, from, to time.Time) ([]*core.NotificationError, error) {
	query := `
		SELECT id, notification_id, channel, message, code, retryable, created_at
		FROM notification_errors
		WHERE created_at >= $1 AND created_at <= $2
		ORDER BY created_at ASC
	`
	return s.queryErrors(ctx, query, from, to)
}

func (s *Store) queryErrors(ctx context.Context, query string, args ...any) ([]*core.NotificationError, error) {
	rows, err := s.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notification errors: %w", err)
	}
	defer rows.Close()

	var out []*core.NotificationError
	for rows.Next() {
		var e core.NotificationError
		if err := rows.Scan(&e.ID, &e.NotificationID, &e.Channel, &e.Message, &e.Code, &e.Retryable, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification error: %w", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}
