package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/courierhq/courier/internal/core"
)

const (
	amqpExchange    = "courier"
	amqpDispatchQ   = "courier.dispatch"
	amqpDelayQ      = "courier.delayed"
	amqpMaxPriority = 5
	amqpDispatchKey = "dispatch"
	amqpDelayKey    = "delay"
)

// AMQPConfig holds AMQP broker settings.
type AMQPConfig struct {
	URL string
}

// AMQPBroker implements Broker over RabbitMQ. Priority ordering rides on
// x-max-priority; delays ride on a TTL queue whose dead-letter exchange
// points back at the dispatch queue. Priority ordering across classes is
// best-effort, matching the soft guarantee the engine promises.
type AMQPBroker struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *zap.Logger

	paused    atomic.Bool
	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64

	mu     sync.Mutex
	closed bool
}

// NewAMQPBroker dials RabbitMQ and declares the exchange and queues.
func NewAMQPBroker(cfg AMQPConfig, logger *zap.Logger) (*AMQPBroker, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial amqp: %v", core.ErrBrokerUnavailable, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	b := &AMQPBroker{conn: conn, ch: ch, logger: logger}
	if err := b.declare(); err != nil {
		b.Close()
		return nil, err
	}

	logger.Info("amqp broker connected", zap.String("exchange", amqpExchange))
	return b, nil
}

func (b *AMQPBroker) declare() error {
	if err := b.ch.ExchangeDeclare(amqpExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	if _, err := b.ch.QueueDeclare(amqpDispatchQ, true, false, false, false, amqp.Table{
		"x-max-priority": int32(amqpMaxPriority),
	}); err != nil {
		return fmt.Errorf("declare dispatch queue: %w", err)
	}
	if err := b.ch.QueueBind(amqpDispatchQ, amqpDispatchKey, amqpExchange, false, nil); err != nil {
		return fmt.Errorf("bind dispatch queue: %w", err)
	}

	// Expired messages dead-letter back into the dispatch queue.
	if _, err := b.ch.QueueDeclare(amqpDelayQ, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    amqpExchange,
		"x-dead-letter-routing-key": amqpDispatchKey,
	}); err != nil {
		return fmt.Errorf("declare delay queue: %w", err)
	}
	if err := b.ch.QueueBind(amqpDelayQ, amqpDelayKey, amqpExchange, false, nil); err != nil {
		return fmt.Errorf("bind delay queue: %w", err)
	}

	return nil
}

// amqpPriority inverts the weight: AMQP services higher priority first,
// the engine's weight is lower-first.
func amqpPriority(weight int) uint8 {
	if weight < 1 || weight > amqpMaxPriority {
		weight = amqpMaxPriority
	}
	return uint8(amqpMaxPriority + 1 - weight)
}

// Add publishes a job, routing through the delay queue when it carries a
// release delay.
func (b *AMQPBroker) Add(ctx context.Context, job Job) error {
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = InfraMaxAttempts
	}
	job.EnqueuedAt = time.Now().UnixMilli()

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Priority:     amqpPriority(job.Priority),
		MessageId:    job.NotificationID,
		Timestamp:    time.Now(),
	}

	key := amqpDispatchKey
	if job.Delay > 0 {
		key = amqpDelayKey
		pub.Expiration = strconv.FormatInt(job.Delay.Milliseconds(), 10)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("%w: broker closed", core.ErrBrokerUnavailable)
	}
	if err := b.ch.PublishWithContext(ctx, amqpExchange, key, false, false, pub); err != nil {
		return fmt.Errorf("%w: publish: %v", core.ErrBrokerUnavailable, err)
	}
	return nil
}

// Consume runs the dispatch loop until ctx is cancelled.
func (b *AMQPBroker) Consume(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 5
	}
	if err := b.ch.Qos(concurrency, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := b.ch.Consume(amqpDispatchQ, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	sem := semaphore.NewWeighted(int64(concurrency))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("%w: delivery channel closed", core.ErrBrokerUnavailable)
			}
			if b.paused.Load() {
				_ = d.Nack(false, true)
				time.Sleep(pollInterval)
				continue
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				_ = d.Nack(false, true)
				return err
			}
			b.active.Add(1)
			go func(d amqp.Delivery) {
				defer sem.Release(1)
				defer b.active.Add(-1)
				b.dispatch(ctx, d, handler)
			}(d)
		}
	}
}

func (b *AMQPBroker) dispatch(ctx context.Context, d amqp.Delivery, handler Handler) {
	var job Job
	if err := json.Unmarshal(d.Body, &job); err != nil {
		b.logger.Error("invalid job payload, discarding", zap.Error(err))
		_ = d.Ack(false)
		b.failed.Add(1)
		return
	}

	err := handler(ctx, job)
	if err == nil {
		_ = d.Ack(false)
		b.completed.Add(1)
		return
	}

	job.Attempt++
	if job.Attempt < job.MaxAttempts {
		job.Delay = job.BackoffDelay()
		b.logger.Warn("dispatch failed, scheduling broker retry",
			zap.Error(err),
			zap.String("notification_id", job.NotificationID),
			zap.Int("attempt", job.Attempt),
		)
		if addErr := b.Add(ctx, job); addErr != nil {
			b.logger.Error("failed to requeue job", zap.Error(addErr))
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)
		return
	}

	b.logger.Error("dispatch failed, broker attempts exhausted",
		zap.Error(err),
		zap.String("notification_id", job.NotificationID),
	)
	_ = d.Ack(false)
	b.failed.Add(1)
}

// Pause stops delivering jobs to handlers; messages are requeued.
func (b *AMQPBroker) Pause() { b.paused.Store(true) }

// Resume restarts delivery after a Pause.
func (b *AMQPBroker) Resume() { b.paused.Store(false) }

// Metrics reports the current queue snapshot.
func (b *AMQPBroker) Metrics(ctx context.Context) (Metrics, error) {
	m := Metrics{
		Broker:    "amqp",
		Active:    b.active.Load(),
		Completed: b.completed.Load(),
		Failed:    b.failed.Load(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return m, fmt.Errorf("%w: broker closed", core.ErrBrokerUnavailable)
	}

	for _, name := range []string{amqpDispatchQ, amqpDelayQ} {
		q, err := b.ch.QueueInspect(name)
		if err != nil {
			return m, fmt.Errorf("%w: inspect %s: %v", core.ErrBrokerUnavailable, name, err)
		}
		m.Waiting += int64(q.Messages)
	}
	m.Connected = true
	return m, nil
}

// Close shuts the channel and connection.
func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
