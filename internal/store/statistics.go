package store

import (
	"context"
	"fmt"
	"time"

	"github.com/courierhq/courier/internal/core"
)

// RecordStatistic upserts one rollup row for the day bucket. Write-only
// from the engine; analytics reads it back through the aggregate queries
// below.
func (s *Store) RecordStatistic(ctx context.Context, st *core.Statistic) error {
	query := `
		INSERT INTO statistics (metric, channel, type, priority, count, avg_delivery_ms, error_rate, bucket)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (metric, channel, type, priority, bucket)
		DO UPDATE SET
			count = statistics.count + EXCLUDED.count,
			avg_delivery_ms = CASE
				WHEN EXCLUDED.avg_delivery_ms > 0 THEN
					(statistics.avg_delivery_ms * statistics.count + EXCLUDED.avg_delivery_ms)
					/ (statistics.count + 1)
				ELSE statistics.avg_delivery_ms
			END,
			error_rate = EXCLUDED.error_rate
	`
	_, err := s.db.Pool().Exec(ctx, query,
		st.Metric, st.Channel, st.Type, st.Priority,
		st.Count, st.AvgDeliveryMillis, st.ErrorRate, st.Bucket,
	)
	if err != nil {
		return fmt.Errorf("record statistic: %w", err)
	}
	return nil
}

// DeliveryMetrics aggregates notification outcomes over a date range.
func (s *Store) DeliveryMetrics(ctx context.Context, from, to time.Time) (*core.DeliveryMetrics, error) {
	m := &core.DeliveryMetrics{
		From:       from,
		To:         to,
		ByStatus:   make(map[core.Status]int64),
		ByPriority: make(map[core.Priority]int64),
	}

	rows, err := s.db.Pool().Query(ctx, `
		SELECT status, priority, COUNT(*),
		       AVG(EXTRACT(EPOCH FROM (delivered_at - created_at)) * 1000)
		         FILTER (WHERE delivered_at IS NOT NULL)
		FROM notifications
		WHERE created_at >= $1 AND created_at <= $2
		GROUP BY status, priority
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query delivery metrics: %w", err)
	}
	defer rows.Close()

	var (
		weightedMS float64
		delivered  int64
	)
	for rows.Next() {
		var (
			status   core.Status
			priority core.Priority
			count    int64
			avgMS    *float64
		)
		if err := rows.Scan(&status, &priority, &count, &avgMS); err != nil {
			return nil, fmt.Errorf("scan delivery metrics: %w", err)
		}
		m.Total += count
		m.ByStatus[status] += count
		m.ByPriority[priority] += count
		if status == core.StatusDelivered && avgMS != nil {
			weightedMS += *avgMS * float64(count)
			delivered += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	if m.Total > 0 {
		m.DeliveryRate = float64(m.ByStatus[core.StatusDelivered]) / float64(m.Total)
		m.FailureRate = float64(m.ByStatus[core.StatusFailed]) / float64(m.Total)
	}
	if delivered > 0 {
		m.AvgDeliveryMS = weightedMS / float64(delivered)
	}

	return m, nil
}

// ChannelStatistics breaks outcomes down per channel over a date range.
func (s *Store) ChannelStatistics(ctx context.Context, from, to time.Time) ([]*core.ChannelStatistics, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT channel,
		       COUNT(*) FILTER (WHERE sent_at IS NOT NULL),
		       COUNT(*) FILTER (WHERE status = 'delivered'),
		       COUNT(*) FILTER (WHERE status = 'failed'),
		       AVG(EXTRACT(EPOCH FROM (delivered_at - created_at)) * 1000)
		         FILTER (WHERE delivered_at IS NOT NULL)
		FROM notifications
		WHERE created_at >= $1 AND created_at <= $2
		GROUP BY channel
		ORDER BY channel
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query channel statistics: %w", err)
	}
	defer rows.Close()

	var out []*core.ChannelStatistics
	for rows.Next() {
		var (
			cs    core.ChannelStatistics
			avgMS *float64
		)
		if err := rows.Scan(&cs.Channel, &cs.Sent, &cs.Delivered, &cs.Failed, &avgMS); err != nil {
			return nil, fmt.Errorf("scan channel statistics: %w", err)
		}
		if total := cs.Sent + cs.Failed; total > 0 {
			cs.ErrorRate = float64(cs.Failed) / float64(total)
		}
		if avgMS != nil {
			cs.AvgDeliveryMS = *avgMS
		}
		out = append(out, &cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}
