// Package idempotency deduplicates notification creation across client
// retries using Redis. A producing system that resends the same
// Idempotency-Key gets the original notification back instead of a
// duplicate delivery.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// TTL is how long a completed result is retained. The client controls
	// key uniqueness, so a generous window is safe.
	TTL = 24 * time.Hour

	// processingTTL is the lock duration while a request is in flight.
	processingTTL = 5 * time.Minute

	processingMarker = "processing"

	keyPrefix = "courier:idem:"
)

// ErrDuplicateRequest indicates another request holds the key right now.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key already exists")

// Result stores the cached outcome for an idempotent request.
type Result struct {
	NotificationID string `json:"notification_id"`
	StatusCode     int    `json:"status_code"`
	CreatedAt      int64  `json:"created_at"`
}

// Service provides idempotency guarantees backed by Redis.
type Service struct {
	rdb    redis.UniversalClient
	logger *zap.Logger
}

// NewService creates an idempotency service.
func NewService(rdb redis.UniversalClient, logger *zap.Logger) *Service {
	return &Service{rdb: rdb, logger: logger}
}

func (s *Service) buildKey(source, idempotencyKey string) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, source, idempotencyKey)
}

// Check retrieves a cached result. Returns (nil, nil) when the key is
// unknown, and ErrDuplicateRequest while another request is processing.
func (s *Service) Check(ctx context.Context, source, idempotencyKey string) (*Result, error) {
	key := s.buildKey(source, idempotencyKey)

	val, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result Result
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal idempotency result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("idempotency cache hit",
		zap.String("source", source),
		zap.String("notification_id", result.NotificationID),
	)

	return &result, nil
}

// Store saves the result of a successfully processed request.
func (s *Service) Store(ctx context.Context, source, idempotencyKey string, result *Result) error {
	key := s.buildKey(source, idempotencyKey)

	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.rdb.Set(ctx, key, data, TTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

// CheckOrReserve returns the cached result if one exists, otherwise
// reserves the key with SET NX so concurrent duplicates fail fast.
func (s *Service) CheckOrReserve(ctx context.Context, source, idempotencyKey string) (*Result, error) {
	result, err := s.Check(ctx, source, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	key := s.buildKey(source, idempotencyKey)
	set, err := s.rdb.SetNX(ctx, key, processingMarker, processingTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !set {
		return nil, ErrDuplicateRequest
	}

	return nil, nil
}
