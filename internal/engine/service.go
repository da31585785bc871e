// Package engine orchestrates the notification delivery pipeline: it
// creates notifications, routes them through the priority dispatch queue,
// drives delivery attempts, and tracks each lifecycle to a terminal state.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/core"
	"github.com/courierhq/courier/internal/events"
	"github.com/courierhq/courier/internal/lifecycle"
	"github.com/courierhq/courier/internal/metrics"
	"github.com/courierhq/courier/internal/queue"
)

// Store is the persistence contract consumed by the engine. Implemented
// by store.Store.
type Store interface {
	CreateNotification(ctx context.Context, n *core.Notification) error
	GetNotification(ctx context.Context, id uuid.UUID) (*core.Notification, error)
	ListNotifications(ctx context.Context, f core.Filter) ([]*core.Notification, error)
	ApplyChange(ctx context.Context, id uuid.UUID, ch lifecycle.Change) error
	GetQueued(ctx context.Context, priority core.Priority, limit int) ([]*core.Notification, error)
	GetScheduled(ctx context.Context, before time.Time) ([]*core.Notification, error)
	GetStuckProcessing(ctx context.Context, cutoff time.Time) ([]*core.Notification, error)
	DeleteNotification(ctx context.Context, id uuid.UUID) error

	AddError(ctx context.Context, e *core.NotificationError) error
	GetErrors(ctx context.Context, notificationID uuid.UUID) ([]*core.NotificationError, error)
	ExportErrors(ctx context.Context, from, to time.Time) ([]*core.NotificationError, error)

	RecordStatistic(ctx context.Context, st *core.Statistic) error
	DeliveryMetrics(ctx context.Context, from, to time.Time) (*core.DeliveryMetrics, error)
	ChannelStatistics(ctx context.Context, from, to time.Time) ([]*core.ChannelStatistics, error)
}

// Dispatcher performs one delivery attempt. Implemented by
// channel.Registry.
type Dispatcher interface {
	Send(ctx context.Context, n *core.Notification) error
}

// Config tunes the engine.
type Config struct {
	// SendTimeout bounds one channel dispatch call.
	SendTimeout time.Duration
	// RetryBackoffBase seeds the business retry delay: base multiplied
	// by the attempt number.
	RetryBackoffBase time.Duration
	// SweepBatchSize caps how many queued rows one sweep drains.
	SweepBatchSize int
	// StuckAfter is how long an item may sit in processing before the
	// watchdog reclaims it.
	StuckAfter time.Duration
}

func (c *Config) defaults() {
	if c.SendTimeout == 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.RetryBackoffBase == 0 {
		c.RetryBackoffBase = 2 * time.Second
	}
	if c.SweepBatchSize == 0 {
		c.SweepBatchSize = 100
	}
	if c.StuckAfter == 0 {
		c.StuckAfter = 5 * time.Minute
	}
}

// Service is the delivery engine orchestrator.
type Service struct {
	store      Store
	broker     queue.Broker
	dispatcher Dispatcher
	bus        *events.Bus
	confirmer  ConfirmationHandler
	config     Config
	logger     *zap.Logger
}

// NewService wires the engine together. The broker and dispatcher are
// injected with explicit lifecycles; the engine never reaches for ambient
// global state.
func NewService(store Store, broker queue.Broker, dispatcher Dispatcher, bus *events.Bus, cfg Config, logger *zap.Logger) *Service {
	cfg.defaults()
	s := &Service{
		store:      store,
		broker:     broker,
		dispatcher: dispatcher,
		bus:        bus,
		config:     cfg,
		logger:     logger,
	}
	s.confirmer = NewTimerConfirmer(s, logger)
	return s
}

// SetConfirmationHandler replaces the delivery-confirmation strategy,
// e.g. with one fed by real provider webhooks.
func (s *Service) SetConfirmationHandler(h ConfirmationHandler) {
	s.confirmer = h
}

// CreateRequest is the input for CreateNotification.
type CreateRequest struct {
	Type        core.NotificationType
	Channel     core.Channel
	Priority    core.Priority
	Recipient   core.Recipient
	Content     core.Content
	Subject     string
	MaxAttempts int
	Tags        []string
	Metadata    core.Metadata
	ScheduledAt *time.Time
}

// CreateNotification validates the request, persists the notification in
// queued state, and submits it to the dispatch queue. A broker outage
// does not fail creation: the periodic sweep re-discovers the row once
// the broker returns.
func (s *Service) CreateNotification(ctx context.Context, req CreateRequest) (*core.Notification, error) {
	if req.Priority == "" {
		req.Priority = core.PriorityNormal
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = core.DefaultMaxAttempts
	}

	n := &core.Notification{
		ID:          uuid.New(),
		Type:        req.Type,
		Channel:     req.Channel,
		Priority:    req.Priority,
		Recipient:   req.Recipient,
		Content:     req.Content,
		Subject:     core.DeriveSubject(req.Subject, req.Content.Text),
		Status:      core.StatusQueued,
		Attempts:    0,
		MaxAttempts: req.MaxAttempts,
		Tags:        req.Tags,
		Metadata:    req.Metadata,
		ScheduledAt: req.ScheduledAt,
	}

	if err := n.Validate(); err != nil {
		return nil, err
	}

	if err := s.store.CreateNotification(ctx, n); err != nil {
		return nil, err
	}

	metrics.RecordNotificationCreated(n.Channel.String(), n.Priority.String())
	s.bus.Publish(events.Event{
		Name:           events.NotificationCreated,
		NotificationID: n.ID,
		NewStatus:      n.Status,
		At:             n.CreatedAt,
	})

	if err := s.enqueue(ctx, n); err != nil {
		s.logger.Warn("eager enqueue failed, sweep will recover",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
	}

	return n, nil
}

// enqueue submits a notification to the broker with its priority weight
// and release delay. Scheduled notifications wait until their release
// time; business retries wait out their backoff instead.
func (s *Service) enqueue(ctx context.Context, n *core.Notification) error {
	delay := n.Priority.ReleaseDelay()
	if n.ScheduledAt != nil {
		if until := time.Until(*n.ScheduledAt); until > delay {
			delay = until
		}
	}
	if n.Attempts > 0 {
		if backoff := s.config.RetryBackoffBase * time.Duration(n.Attempts); backoff > delay {
			delay = backoff
		}
	}

	return s.broker.Add(ctx, queue.Job{
		NotificationID: n.ID.String(),
		Priority:       n.Priority.Weight(),
		Delay:          delay,
		MaxAttempts:    queue.InfraMaxAttempts,
		Backoff:        queue.DefaultBackoffBase,
	})
}

// GetNotification returns one notification by id.
func (s *Service) GetNotification(ctx context.Context, id uuid.UUID) (*core.Notification, error) {
	return s.store.GetNotification(ctx, id)
}

// ListNotifications returns a filtered page of notifications.
func (s *Service) ListNotifications(ctx context.Context, f core.Filter) ([]*core.Notification, error) {
	return s.store.ListNotifications(ctx, f)
}

// GetErrors returns the error ledger entries for a notification.
func (s *Service) GetErrors(ctx context.Context, id uuid.UUID) ([]*core.NotificationError, error) {
	if _, err := s.store.GetNotification(ctx, id); err != nil {
		return nil, err
	}
	return s.store.GetErrors(ctx, id)
}

// UpdateStatus applies an administrative status transition through the
// state machine.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, status core.Status) (*core.Notification, error) {
	if !status.IsValid() {
		return nil, core.NewValidationError("status", "unknown status "+string(status))
	}

	n, err := s.store.GetNotification(ctx, id)
	if err != nil {
		return nil, err
	}

	change, err := lifecycle.Transition(n, status, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := s.commit(ctx, n, change); err != nil {
		return nil, err
	}
	return s.store.GetNotification(ctx, id)
}

// Cancel cancels a queued notification. Once the item has left queued the
// request is advisory only and lifecycle.ErrCancelNotApplicable reports
// that nothing changed.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	n, err := s.store.GetNotification(ctx, id)
	if err != nil {
		return err
	}

	change, err := lifecycle.Cancel(n, time.Now().UTC())
	if err != nil {
		if errors.Is(err, lifecycle.ErrCancelNotApplicable) && n.Status == core.StatusCancelled {
			// Retried cancel on an already-cancelled item is a no-op.
			return nil
		}
		return err
	}

	return s.commit(ctx, n, change)
}

// Delete hard-deletes a notification. Administrative escape hatch outside
// the state machine.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	return s.store.DeleteNotification(ctx, id)
}

// QueueMetrics returns the broker-level queue snapshot.
func (s *Service) QueueMetrics(ctx context.Context) (queue.Metrics, error) {
	return s.broker.Metrics(ctx)
}

// PauseDispatch stops the broker from handing out jobs. Queued and
// delayed notifications accumulate until ResumeDispatch.
func (s *Service) PauseDispatch() {
	s.broker.Pause()
	s.logger.Warn("dispatch paused")
}

// ResumeDispatch reverses PauseDispatch.
func (s *Service) ResumeDispatch() {
	s.broker.Resume()
	s.logger.Info("dispatch resumed")
}

// Shutdown stops the confirmation handler and waits for in-flight
// confirmation timers to finish.
func (s *Service) Shutdown() {
	if s.confirmer != nil {
		s.confirmer.Stop()
	}
}

// commit applies a state change atomically, then emits the status event
// and analytics rollup. Event and statistic failures never fail the
// transition; the store already holds the truth.
func (s *Service) commit(ctx context.Context, n *core.Notification, change lifecycle.Change) error {
	if err := s.store.ApplyChange(ctx, n.ID, change); err != nil {
		return err
	}

	metrics.RecordStatusTransition(n.Channel.String(), change.To.String())

	name := events.NotificationStatusUpdated
	if change.To == core.StatusDelivered {
		name = events.NotificationDelivered
	}
	s.bus.Publish(events.Event{
		Name:           name,
		NotificationID: n.ID,
		OldStatus:      change.From,
		NewStatus:      change.To,
		At:             change.At,
	})

	st := &core.Statistic{
		Metric:   "status." + change.To.String(),
		Channel:  n.Channel,
		Type:     n.Type,
		Priority: n.Priority,
		Count:    1,
		Bucket:   change.At.Truncate(24 * time.Hour),
	}
	if change.To == core.StatusDelivered && change.DeliveredAt != nil {
		st.AvgDeliveryMillis = float64(change.DeliveredAt.Sub(n.CreatedAt).Milliseconds())
		metrics.RecordDeliveryLatency(n.Channel.String(), change.DeliveredAt.Sub(n.CreatedAt))
	}
	if err := s.store.RecordStatistic(ctx, st); err != nil {
		s.logger.Warn("failed to record statistic",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
	}

	return nil
}
