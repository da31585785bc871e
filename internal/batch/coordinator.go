// Package batch treats a named group of notifications as one controllable
// unit: processed together with bounded concurrency, tracked with
// aggregate counts, and retryable as a fresh batch.
package batch

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/courierhq/courier/internal/core"
	"github.com/courierhq/courier/internal/metrics"
	"github.com/courierhq/courier/internal/queue"
)

// Store is the batch persistence contract. Implemented by store.Store.
type Store interface {
	CreateBatch(ctx context.Context, b *core.Batch) error
	GetBatch(ctx context.Context, id uuid.UUID) (*core.Batch, error)
	AddBatchMembers(ctx context.Context, batchID uuid.UUID, notificationIDs []uuid.UUID) error
	GetBatchMembers(ctx context.Context, batchID uuid.UUID) ([]uuid.UUID, error)
	AdvanceBatchStatus(ctx context.Context, id uuid.UUID, from, to core.BatchStatus) error
	RecordBatchResult(ctx context.Context, batchID, notificationID uuid.UUID, success bool, message string) error
	BatchTotals(ctx context.Context) (completed, failed int64, err error)
}

// Processor drives individual member notifications. Implemented by
// engine.Service.
type Processor interface {
	Process(ctx context.Context, id uuid.UUID) (bool, error)
	Cancel(ctx context.Context, id uuid.UUID) error
}

// Config tunes the coordinator.
type Config struct {
	// Concurrency bounds parallel member processing. Default 5.
	Concurrency int
}

// Coordinator owns batch records and drives their members through the
// delivery engine.
type Coordinator struct {
	store     Store
	processor Processor
	broker    queue.Broker
	config    Config
	logger    *zap.Logger
}

// NewCoordinator creates a batch coordinator.
func NewCoordinator(store Store, processor Processor, broker queue.Broker, cfg Config, logger *zap.Logger) *Coordinator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	return &Coordinator{
		store:     store,
		processor: processor,
		broker:    broker,
		config:    cfg,
		logger:    logger,
	}
}

// Create makes an empty pending batch.
func (c *Coordinator) Create(ctx context.Context, name string) (*core.Batch, error) {
	if name == "" {
		return nil, core.NewValidationError("name", "is required")
	}
	b := &core.Batch{
		ID:     uuid.New(),
		Name:   name,
		Status: core.BatchPending,
	}
	if err := c.store.CreateBatch(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Get returns a batch with its per-item errors.
func (c *Coordinator) Get(ctx context.Context, id uuid.UUID) (*core.Batch, error) {
	return c.store.GetBatch(ctx, id)
}

// AddMembers attaches notifications to a batch. Allowed only while the
// batch is pending or processing.
func (c *Coordinator) AddMembers(ctx context.Context, batchID uuid.UUID, notificationIDs []uuid.UUID) error {
	if len(notificationIDs) == 0 {
		return core.NewValidationError("notification_ids", "must not be empty")
	}
	return c.store.AddBatchMembers(ctx, batchID, notificationIDs)
}

// Process drives every member through one delivery attempt with bounded
// concurrency. A member failure never aborts the run: it is isolated,
// counted, and processing continues. The batch finishes completed unless
// every single member failed; callers inspect FailureCount for
// partial-failure semantics.
func (c *Coordinator) Process(ctx context.Context, batchID uuid.UUID) (*core.Batch, error) {
	b, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.Status != core.BatchPending {
		return nil, fmt.Errorf("%w: batch %s is %s, not pending", core.ErrInvalidTransition, batchID, b.Status)
	}

	if err := c.store.AdvanceBatchStatus(ctx, batchID, core.BatchPending, core.BatchProcessing); err != nil {
		return nil, err
	}

	members, err := c.store.GetBatchMembers(ctx, batchID)
	if err != nil {
		return nil, err
	}

	c.logger.Info("batch processing started",
		zap.String("batch_id", batchID.String()),
		zap.Int("members", len(members)),
		zap.Int("concurrency", c.config.Concurrency),
	)

	var (
		mu       sync.Mutex
		failures int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.Concurrency)

	for _, nid := range members {
		nid := nid
		g.Go(func() error {
			success, perr := c.processor.Process(gctx, nid)
			message := ""
			if perr != nil {
				message = perr.Error()
				success = false
			} else if !success {
				message = "delivery failed, see notification error ledger"
			}

			if rerr := c.store.RecordBatchResult(gctx, batchID, nid, success, message); rerr != nil {
				c.logger.Error("failed to record batch member result",
					zap.Error(rerr),
					zap.String("batch_id", batchID.String()),
					zap.String("notification_id", nid.String()),
				)
			}

			if !success {
				mu.Lock()
				failures++
				mu.Unlock()
			}
			// Member failures stay isolated; never propagate into the group.
			return nil
		})
	}
	_ = g.Wait()

	final := core.BatchCompleted
	if len(members) > 0 && failures == len(members) {
		final = core.BatchFailed
	}
	if err := c.store.AdvanceBatchStatus(ctx, batchID, core.BatchProcessing, final); err != nil {
		return nil, err
	}
	metrics.RecordBatchProcessed(final.String())

	c.logger.Info("batch processing finished",
		zap.String("batch_id", batchID.String()),
		zap.String("status", final.String()),
		zap.Int("failures", failures),
	)

	return c.store.GetBatch(ctx, batchID)
}

// Retry creates a new batch covering the same notification ids. The
// original batch's history is never mutated. Permitted only for batches
// that failed or finished with failures.
func (c *Coordinator) Retry(ctx context.Context, batchID uuid.UUID) (*core.Batch, error) {
	b, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.Status != core.BatchFailed && b.FailureCount == 0 {
		return nil, core.NewValidationError("batch", "has no failures to retry")
	}

	members, err := c.store.GetBatchMembers(ctx, batchID)
	if err != nil {
		return nil, err
	}

	retry := &core.Batch{
		ID:     uuid.New(),
		Name:   b.Name + " (retry)",
		Status: core.BatchPending,
	}
	if err := c.store.CreateBatch(ctx, retry); err != nil {
		return nil, err
	}
	if err := c.store.AddBatchMembers(ctx, retry.ID, members); err != nil {
		return nil, err
	}

	c.logger.Info("batch retry created",
		zap.String("batch_id", batchID.String()),
		zap.String("retry_batch_id", retry.ID.String()),
		zap.Int("members", len(members)),
	)

	return c.store.GetBatch(ctx, retry.ID)
}

// Cancel cancels the unprocessed members of a pending batch and reports
// whether the cancellation applied. Cancelling a batch that has already
// started is a documented no-op returning false: there is no preemption
// of an active run.
func (c *Coordinator) Cancel(ctx context.Context, batchID uuid.UUID) (bool, error) {
	b, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return false, err
	}
	if b.Status != core.BatchPending {
		return false, nil
	}

	members, err := c.store.GetBatchMembers(ctx, batchID)
	if err != nil {
		return false, err
	}
	for _, nid := range members {
		if err := c.processor.Cancel(ctx, nid); err != nil {
			// Members that already left queued stay untouched.
			c.logger.Debug("batch member not cancellable",
				zap.Error(err),
				zap.String("notification_id", nid.String()),
			)
		}
	}

	c.logger.Info("batch cancelled",
		zap.String("batch_id", batchID.String()),
		zap.Int("members", len(members)),
	)
	return true, nil
}

// Health derives the operational signal from broker connectivity, the
// failed-to-completed batch ratio, and queue depth.
func (c *Coordinator) Health(ctx context.Context) (*core.BatchHealth, error) {
	h := &core.BatchHealth{State: core.HealthHealthy}

	m, err := c.broker.Metrics(ctx)
	h.BrokerConnected = err == nil && m.Connected
	h.QueueDepth = m.Waiting

	completed, failed, terr := c.store.BatchTotals(ctx)
	if terr != nil {
		return nil, terr
	}
	h.CompletedCount = completed
	h.FailedCount = failed
	if total := completed + failed; total > 0 {
		h.FailureRatio = float64(failed) / float64(total)
	}

	switch {
	case !h.BrokerConnected || h.FailureRatio > 0.5:
		h.State = core.HealthUnhealthy
	case h.FailureRatio > 0.1 || h.QueueDepth > 1000:
		h.State = core.HealthDegraded
	}

	return h, nil
}
