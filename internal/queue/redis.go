package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/courierhq/courier/internal/core"
)

const (
	keyDelayed  = "courier:delayed"
	keyReady    = "courier:ready"
	keyJobs     = "courier:jobs"
	keySeq      = "courier:seq"
	keyComplete = "courier:stats:completed"
	keyFailed   = "courier:stats:failed"

	enqueueKeyPrefix = "courier:enq:"

	// enqueueGuardTTL bounds how long a duplicate enqueue is suppressed
	// if a worker dies without releasing the guard.
	enqueueGuardTTL = 5 * time.Minute

	pollInterval = 200 * time.Millisecond
)

// RedisConfig holds Redis broker connection settings.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// RedisBroker implements Broker over Redis sorted sets. Delayed jobs wait
// in one set scored by release time; due jobs are promoted into a ready
// set scored by priority weight plus a sequence number, so lower-weight
// classes pop first and FIFO holds within a class on a single node.
type RedisBroker struct {
	rdb    *redis.Client
	logger *zap.Logger

	paused atomic.Bool
	active atomic.Int64
	closed chan struct{}
	once   sync.Once
}

// NewRedisBroker connects to Redis and verifies connectivity.
func NewRedisBroker(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*RedisBroker, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logger.Info("redis broker connected",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
	)

	return &RedisBroker{rdb: rdb, logger: logger, closed: make(chan struct{})}, nil
}

// newRedisBrokerForTest wires a broker onto an existing client.
func newRedisBrokerForTest(rdb *redis.Client, logger *zap.Logger) *RedisBroker {
	return &RedisBroker{rdb: rdb, logger: logger, closed: make(chan struct{})}
}

// Add submits a job. The SETNX guard keyed by notification id makes the
// call idempotent while an earlier submission is still in flight, which is
// what lets the periodic sweep run without deduplication of its own.
func (b *RedisBroker) Add(ctx context.Context, job Job) error {
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = InfraMaxAttempts
	}
	job.EnqueuedAt = time.Now().UnixMilli()

	guard := enqueueKeyPrefix + job.NotificationID
	set, err := b.rdb.SetNX(ctx, guard, "1", enqueueGuardTTL).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrBrokerUnavailable, err)
	}
	if !set {
		b.logger.Debug("enqueue suppressed, job already in flight",
			zap.String("notification_id", job.NotificationID),
		)
		return nil
	}

	payload, err := json.Marshal(job)
	if err != nil {
		b.releaseGuard(ctx, guard)
		return fmt.Errorf("marshal job: %w", err)
	}

	pipe := b.rdb.Pipeline()
	pipe.HSet(ctx, keyJobs, job.NotificationID, payload)
	if job.Delay > 0 {
		readyAt := float64(time.Now().Add(job.Delay).UnixMilli())
		pipe.ZAdd(ctx, keyDelayed, redis.Z{Score: readyAt, Member: job.NotificationID})
	} else {
		seq, err := b.rdb.Incr(ctx, keySeq).Result()
		if err != nil {
			b.releaseGuard(ctx, guard)
			return fmt.Errorf("%w: %v", core.ErrBrokerUnavailable, err)
		}
		pipe.ZAdd(ctx, keyReady, redis.Z{Score: readyScore(job.Priority, seq), Member: job.NotificationID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		b.releaseGuard(ctx, guard)
		return fmt.Errorf("%w: %v", core.ErrBrokerUnavailable, err)
	}

	return nil
}

// releaseGuard drops the enqueue guard after a failed submission so the
// sweep can resubmit immediately instead of waiting out the guard TTL.
func (b *RedisBroker) releaseGuard(ctx context.Context, guard string) {
	if err := b.rdb.Del(ctx, guard).Err(); err != nil {
		b.logger.Warn("failed to release enqueue guard", zap.Error(err), zap.String("key", guard))
	}
}

// readyScore orders the ready set by priority weight first and arrival
// sequence second. The weight occupies a high decade so sequence numbers
// can never promote a low-priority job past a higher class.
func readyScore(weight int, seq int64) float64 {
	if weight < 1 {
		weight = 5
	}
	return float64(weight)*1e12 + float64(seq)
}

// promoteDue moves jobs whose release time has passed from the delayed set
// into the ready set.
func (b *RedisBroker) promoteDue(ctx context.Context) error {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	ids, err := b.rdb.ZRangeByScore(ctx, keyDelayed, &redis.ZRangeBy{Min: "0", Max: now, Count: 100}).Result()
	if err != nil {
		return fmt.Errorf("range delayed: %w", err)
	}

	for _, id := range ids {
		raw, err := b.rdb.HGet(ctx, keyJobs, id).Result()
		if err != nil {
			// Orphaned member; drop it.
			b.rdb.ZRem(ctx, keyDelayed, id)
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			b.rdb.ZRem(ctx, keyDelayed, id)
			continue
		}
		seq, err := b.rdb.Incr(ctx, keySeq).Result()
		if err != nil {
			return fmt.Errorf("sequence: %w", err)
		}
		pipe := b.rdb.Pipeline()
		pipe.ZRem(ctx, keyDelayed, id)
		pipe.ZAdd(ctx, keyReady, redis.Z{Score: readyScore(job.Priority, seq), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("promote job: %w", err)
		}
	}
	return nil
}

// pop takes the most urgent ready job, if any.
func (b *RedisBroker) pop(ctx context.Context) (*Job, error) {
	members, err := b.rdb.ZPopMin(ctx, keyReady, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("pop ready: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	id, _ := members[0].Member.(string)
	raw, err := b.rdb.HGet(ctx, keyJobs, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load job payload: %w", err)
	}

	pipe := b.rdb.Pipeline()
	pipe.HDel(ctx, keyJobs, id)
	pipe.Del(ctx, enqueueKeyPrefix+id)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, nil
}

// Consume runs the dispatch loop until ctx is cancelled or the broker is
// closed. At most concurrency handlers run at once.
func (b *RedisBroker) Consume(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 5
	}
	sem := semaphore.NewWeighted(int64(concurrency))
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.closed:
			return nil
		case <-ticker.C:
		}

		if b.paused.Load() {
			continue
		}

		if err := b.promoteDue(ctx); err != nil {
			b.logger.Warn("failed to promote delayed jobs", zap.Error(err))
			continue
		}

		for {
			job, err := b.pop(ctx)
			if err != nil {
				b.logger.Warn("failed to pop job", zap.Error(err))
				break
			}
			if job == nil {
				break
			}

			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			b.active.Add(1)
			go func(job Job) {
				defer sem.Release(1)
				defer b.active.Add(-1)
				b.dispatch(ctx, job, handler)
			}(*job)
		}
	}
}

func (b *RedisBroker) dispatch(ctx context.Context, job Job, handler Handler) {
	err := handler(ctx, job)
	if err == nil {
		b.rdb.Incr(ctx, keyComplete)
		return
	}

	job.Attempt++
	if job.Attempt < job.MaxAttempts {
		job.Delay = job.BackoffDelay()
		b.logger.Warn("dispatch failed, scheduling broker retry",
			zap.Error(err),
			zap.String("notification_id", job.NotificationID),
			zap.Int("attempt", job.Attempt),
			zap.Duration("delay", job.Delay),
		)
		if addErr := b.Add(ctx, job); addErr != nil {
			b.logger.Error("failed to requeue job", zap.Error(addErr),
				zap.String("notification_id", job.NotificationID))
			b.rdb.Incr(ctx, keyFailed)
		}
		return
	}

	b.logger.Error("dispatch failed, broker attempts exhausted",
		zap.Error(err),
		zap.String("notification_id", job.NotificationID),
		zap.Int("attempts", job.Attempt),
	)
	b.rdb.Incr(ctx, keyFailed)
}

// Pause stops delivering jobs to handlers. Jobs keep accumulating.
func (b *RedisBroker) Pause() { b.paused.Store(true) }

// Resume restarts delivery after a Pause.
func (b *RedisBroker) Resume() { b.paused.Store(false) }

// Metrics reports the current queue snapshot.
func (b *RedisBroker) Metrics(ctx context.Context) (Metrics, error) {
	m := Metrics{Broker: "redis", Active: b.active.Load()}

	pipe := b.rdb.Pipeline()
	delayed := pipe.ZCard(ctx, keyDelayed)
	ready := pipe.ZCard(ctx, keyReady)
	completed := pipe.Get(ctx, keyComplete)
	failed := pipe.Get(ctx, keyFailed)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return m, fmt.Errorf("%w: %v", core.ErrBrokerUnavailable, err)
	}

	m.Connected = true
	m.Waiting = delayed.Val() + ready.Val()
	if v, err := completed.Int64(); err == nil {
		m.Completed = v
	}
	if v, err := failed.Int64(); err == nil {
		m.Failed = v
	}
	return m, nil
}

// Close stops the consume loop and releases the connection.
func (b *RedisBroker) Close() error {
	b.once.Do(func() { close(b.closed) })
	return b.rdb.Close()
}
