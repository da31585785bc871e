package engine

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/courierhq/courier/internal/core"
)

// DeliveryMetrics returns aggregate delivery outcomes for the range.
func (s *Service) DeliveryMetrics(ctx context.Context, from, to time.Time) (*core.DeliveryMetrics, error) {
	return s.store.DeliveryMetrics(ctx, from, to)
}

// ChannelStatistics returns per-channel delivery outcomes for the range.
func (s *Service) ChannelStatistics(ctx context.Context, from, to time.Time) ([]*core.ChannelStatistics, error) {
	return s.store.ChannelStatistics(ctx, from, to)
}

// ExportFormat selects the error export encoding.
type ExportFormat string

const (
	ExportJSON ExportFormat = "json"
	ExportCSV  ExportFormat = "csv"
)

// ExportErrors writes the error ledger for the range to w in the given
// format.
func (s *Service) ExportErrors(ctx context.Context, w io.Writer, format ExportFormat, from, to time.Time) error {
	entries, err := s.store.ExportErrors(ctx, from, to)
	if err != nil {
		return err
	}

	switch format {
	case ExportJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if entries == nil {
			entries = []*core.NotificationError{}
		}
		return enc.Encode(entries)

	case ExportCSV:
		cw := csv.NewWriter(w)
		header := []string{"id", "notification_id", "channel", "message", "code", "retryable", "created_at"}
		if err := cw.Write(header); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
		for _, e := range entries {
			record := []string{
				e.ID.String(),
				e.NotificationID.String(),
				e.Channel.String(),
				e.Message,
				e.Code,
				strconv.FormatBool(e.Retryable),
				e.CreatedAt.Format(time.RFC3339),
			}
			if err := cw.Write(record); err != nil {
				return fmt.Errorf("write csv record: %w", err)
			}
		}
		cw.Flush()
		return cw.Error()

	default:
		return core.NewValidationError("format", "must be json or csv")
	}
}
