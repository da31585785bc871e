package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/core"
	"github.com/courierhq/courier/internal/lifecycle"
	"github.com/courierhq/courier/internal/metrics"
	"github.com/courierhq/courier/internal/queue"
)

// HandleJob adapts Process to the broker handler contract. Dispatch
// failures are business outcomes already committed to the store, so they
// return nil here; only infrastructure errors propagate and trigger
// broker-level redelivery.
func (s *Service) HandleJob(ctx context.Context, job queue.Job) error {
	id, err := uuid.Parse(job.NotificationID)
	if err != nil {
		s.logger.Error("discarding job with invalid notification id",
			zap.String("notification_id", job.NotificationID),
		)
		return nil
	}

	_, err = s.Process(ctx, id)
	if err != nil && !errors.Is(err, core.ErrNotFound) && !errors.Is(err, core.ErrInvalidTransition) {
		return err
	}
	return nil
}

// Process drives one delivery attempt for a notification. The returned
// bool reports business success; dispatch errors are never surfaced to
// the caller beyond that, having already been committed to the error
// ledger and folded into the retry/fail decision.
func (s *Service) Process(ctx context.Context, id uuid.UUID) (bool, error) {
	n, err := s.store.GetNotification(ctx, id)
	if err != nil {
		return false, err
	}

	if n.Status.Terminal() {
		s.logger.Debug("skipping terminal notification",
			zap.String("notification_id", id.String()),
			zap.String("status", n.Status.String()),
		)
		return n.Status == core.StatusDelivered, nil
	}

	now := time.Now().UTC()
	change, err := lifecycle.BeginProcessing(n, now)
	if err != nil {
		return false, err
	}
	if err := s.commit(ctx, n, change); err != nil {
		// Another worker claimed it first.
		return false, err
	}
	n.Status = core.StatusProcessing

	sendCtx, cancel := context.WithTimeout(ctx, s.config.SendTimeout)
	sendErr := s.dispatcher.Send(sendCtx, n)
	cancel()

	if errors.Is(sendErr, context.DeadlineExceeded) {
		// A timed-out send is a retryable failure, never a hung state.
		sendErr = core.NewChannelError(n.Channel, "timeout", true, sendErr)
	}

	if sendErr == nil {
		return true, s.completeAttempt(ctx, n)
	}
	return false, s.failAttempt(ctx, n, sendErr)
}

// completeAttempt commits processing -> sent and schedules the delivery
// confirmation follow-up.
func (s *Service) completeAttempt(ctx context.Context, n *core.Notification) error {
	now := time.Now().UTC()
	change, err := lifecycle.MarkSent(n, now)
	if err != nil {
		return err
	}
	if err := s.commit(ctx, n, change); err != nil {
		return err
	}

	metrics.RecordDispatchAttempt(n.Channel.String(), "sent")
	s.logger.Info("notification sent",
		zap.String("notification_id", n.ID.String()),
		zap.String("channel", n.Channel.String()),
		zap.Int("attempt", change.Attempts),
	)

	s.confirmer.ScheduleConfirmation(n.ID, n.Channel)
	return nil
}

// failAttempt records the failure in the error ledger and lets the state
// machine decide between a business retry and terminal failure.
func (s *Service) failAttempt(ctx context.Context, n *core.Notification, sendErr error) error {
	// While attempts remain the entry is retryable by definition; on the
	// final attempt it keeps the underlying classification so the ledger
	// still says whether the terminal error was transient.
	retryable := true
	if lifecycle.WillExhaust(n) {
		retryable = core.RetryableError(sendErr)
	}
	ledgerEntry := &core.NotificationError{
		NotificationID: n.ID,
		Channel:        n.Channel,
		Message:        sendErr.Error(),
		Code:           core.ErrorCode(sendErr),
		Retryable:      retryable,
	}
	if err := s.store.AddError(ctx, ledgerEntry); err != nil {
		s.logger.Error("failed to record error ledger entry",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
	}

	now := time.Now().UTC()
	change, err := lifecycle.ResolveFailure(n, now)
	if err != nil {
		return err
	}
	if err := s.commit(ctx, n, change); err != nil {
		return err
	}

	if change.To == core.StatusQueued {
		metrics.RecordDispatchAttempt(n.Channel.String(), "retry")
		s.logger.Warn("dispatch failed, retrying",
			zap.Error(sendErr),
			zap.String("notification_id", n.ID.String()),
			zap.Int("attempt", change.Attempts),
			zap.Int("max_attempts", n.MaxAttempts),
		)
		n.Status = core.StatusQueued
		n.Attempts = change.Attempts
		if err := s.enqueue(ctx, n); err != nil {
			s.logger.Warn("retry enqueue failed, sweep will recover",
				zap.Error(err),
				zap.String("notification_id", n.ID.String()),
			)
		}
		return nil
	}

	metrics.RecordDispatchAttempt(n.Channel.String(), "failed")
	s.logger.Error("notification failed permanently",
		zap.Error(sendErr),
		zap.String("notification_id", n.ID.String()),
		zap.Int("attempts", change.Attempts),
	)
	return nil
}

// MarkDelivered commits sent -> delivered. Called by the confirmation
// handler, either the timer simulator or a provider webhook.
func (s *Service) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	n, err := s.store.GetNotification(ctx, id)
	if err != nil {
		return err
	}

	change, err := lifecycle.MarkDelivered(n, time.Now().UTC())
	if err != nil {
		return err
	}
	return s.commit(ctx, n, change)
}
