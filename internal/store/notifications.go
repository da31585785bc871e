package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/core"
	"github.com/courierhq/courier/internal/lifecycle"
)

// Store handles database operations for the delivery engine.
type Store struct {
	db     *DB
	logger *zap.Logger
}

// NewStore creates a notification store over the given pool.
func NewStore(db *DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

const notificationColumns = `
	id, type, channel, priority, recipient, content, subject,
	status, attempts, max_attempts, tags, metadata,
	scheduled_at, sent_at, delivered_at, failed_at, created_at, updated_at`

// CreateNotification inserts a new notification.
func (s *Store) CreateNotification(ctx context.Context, n *core.Notification) error {
	recipient, err := json.Marshal(n.Recipient)
	if err != nil {
		return fmt.Errorf("marshal recipient: %w", err)
	}
	content, err := json.Marshal(n.Content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	metadata, err := json.Marshal(n.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	query := `
		INSERT INTO notifications (
			id, type, channel, priority, recipient, content, subject,
			status, attempts, max_attempts, tags, metadata, scheduled_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)
		RETURNING created_at, updated_at
	`

	err = s.db.Pool().QueryRow(ctx, query,
		n.ID, n.Type, n.Channel, n.Priority, recipient, content, n.Subject,
		n.Status, n.Attempts, n.MaxAttempts, n.Tags, metadata, n.ScheduledAt,
	).Scan(&n.CreatedAt, &n.UpdatedAt)

	if err != nil {
		s.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	s.logger.Info("notification created",
		zap.String("notification_id", n.ID.String()),
		zap.String("channel", n.Channel.String()),
		zap.String("priority", n.Priority.String()),
	)

	return nil
}

func scanNotification(row pgx.Row) (*core.Notification, error) {
	var (
		n         core.Notification
		recipient []byte
		content   []byte
		metadata  []byte
	)
	err := row.Scan(
		&n.ID, &n.Type, &n.Channel, &n.Priority, &recipient, &content, &n.Subject,
		&n.Status, &n.Attempts, &n.MaxAttempts, &n.Tags, &metadata,
		&n.ScheduledAt, &n.SentAt, &n.DeliveredAt, &n.FailedAt, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(recipient, &n.Recipient); err != nil {
		return nil, fmt.Errorf("unmarshal recipient: %w", err)
	}
	if err := json.Unmarshal(content, &n.Content); err != nil {
		return nil, fmt.Errorf("unmarshal content: %w", err)
	}
	if err := json.Unmarshal(metadata, &n.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &n, nil
}

// GetNotification retrieves a notification by ID.
func (s *Store) GetNotification(ctx context.Context, id uuid.UUID) (*core.Notification, error) {
	query := `SELECT` + notificationColumns + ` FROM notifications WHERE id = $1`

	n, err := scanNotification(s.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("notification %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}
	return n, nil
}

// ApplyChange commits a state machine transition as a single atomic
// update guarded by the expected prior status, so a concurrent transition
// on the same notification cannot race past the state machine.
func (s *Store) ApplyChange(ctx context.Context, id uuid.UUID, ch lifecycle.Change) error {
	query := `
		UPDATE notifications
		SET status = $1,
		    attempts = $2,
		    sent_at = COALESCE(sent_at, $3),
		    delivered_at = COALESCE(delivered_at, $4),
		    failed_at = COALESCE(failed_at, $5),
		    updated_at = $6
		WHERE id = $7 AND status = $8
	`

	tag, err := s.db.Pool().Exec(ctx, query,
		ch.To, ch.Attempts, ch.SentAt, ch.DeliveredAt, ch.FailedAt, ch.At, id, ch.From,
	)
	if err != nil {
		s.logger.Error("failed to apply status change",
			zap.Error(err),
			zap.String("notification_id", id.String()),
			zap.String("to", ch.To.String()),
		)
		return fmt.Errorf("apply status change: %w", err)
	}

	if tag.RowsAffected() == 0 {
		// Either the row is gone or another worker already moved it.
		if _, err := s.GetNotification(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: notification %s no longer in %s", core.ErrInvalidTransition, id, ch.From)
	}

	return nil
}

// GetQueued returns unscheduled queued notifications ordered by priority
// urgency then age. Priority filters when non-empty. Rows carrying a
// scheduled_at release through GetScheduled instead, so a future release
// time keeps a row out of the dispatch backlog entirely.
func (s *Store) GetQueued(ctx context.Context, priority core.Priority, limit int) ([]*core.Notification, error) {
	if limit <= 0 || limit > core.MaxPageSize {
		limit = core.MaxPageSize
	}

	query := `
		SELECT` + notificationColumns + `
		FROM notifications
		WHERE status = 'queued'
		  AND scheduled_at IS NULL
	`
	args := []any{}
	if priority != "" {
		query += ` AND priority = $1`
		args = append(args, priority)
	}
	query += fmt.Sprintf(`
		ORDER BY CASE priority
			WHEN 'critical' THEN 1
			WHEN 'urgent' THEN 2
			WHEN 'high' THEN 3
			WHEN 'normal' THEN 4
			ELSE 5
		END, created_at ASC
		LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	return s.queryNotifications(ctx, query, args...)
}

// GetScheduled returns notifications whose release time falls before the
// given instant and that are still waiting in queued.
func (s *Store) GetScheduled(ctx context.Context, before time.Time) ([]*core.Notification, error) {
	query := `
		SELECT` + notificationColumns + `
		FROM notifications
		WHERE status = 'queued' AND scheduled_at IS NOT NULL AND scheduled_at <= $1
		ORDER BY scheduled_at ASC
	`
	return s.queryNotifications(ctx, query, before)
}

// GetStuckProcessing returns notifications that have sat in processing for
// longer than cutoff without a recorded outcome. The watchdog uses this to
// recover items orphaned by a crashed or timed-out attempt.
func (s *Store) GetStuckProcessing(ctx context.Context, cutoff time.Time) ([]*core.Notification, error) {
	query := `
		SELECT` + notificationColumns + `
		FROM notifications
		WHERE status = 'processing' AND updated_at <= $1
		ORDER BY updated_at ASC
	`
	return s.queryNotifications(ctx, query, cutoff)
}

// ListNotifications applies the filter and returns a page of matches.
func (s *Store) ListNotifications(ctx context.Context, f core.Filter) ([]*core.Notification, error) {
	f.Normalize()

	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.Priority != "" {
		add("priority = $%d", f.Priority)
	}
	if f.Channel != "" {
		add("channel = $%d", f.Channel)
	}
	if f.Type != "" {
		add("type = $%d", f.Type)
	}
	if f.RecipientID != "" {
		add("recipient->>'id' = $%d", f.RecipientID)
	}
	if f.RecipientEmail != "" {
		add("recipient->>'email' = $%d", f.RecipientEmail)
	}
	if len(f.Tags) > 0 {
		add("tags @> $%d", f.Tags)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}

	query := `SELECT` + notificationColumns + ` FROM notifications`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, f.Limit, f.Offset)

	return s.queryNotifications(ctx, query, args...)
}

// DeleteNotification hard-deletes a notification and its batch membership
// rows. Administrative operation, outside the state machine.
func (s *Store) DeleteNotification(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM batch_notifications WHERE notification_id = $1`, id); err != nil {
		return fmt.Errorf("delete batch membership: %w", err)
	}

	tag, err := tx.Exec(ctx, `DELETE FROM notifications WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", id, core.ErrNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	s.logger.Info("notification deleted", zap.String("notification_id", id.String()))
	return nil
}

func (s *Store) queryNotifications(ctx context.Context, query string, args ...any) ([]*core.Notification, error) {
	rows, err := s.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []*core.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}
