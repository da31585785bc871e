package core

import (
	"time"

	"github.com/google/uuid"
)

// BatchStatus is the processing state of a batch. Transitions are
// monotonic: pending -> processing -> (completed | failed).
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

func (s BatchStatus) String() string { return string(s) }

func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchPending, BatchProcessing, BatchCompleted, BatchFailed:
		return true
	}
	return false
}

// rank orders batch statuses for the monotonicity check.
func (s BatchStatus) rank() int {
	switch s {
	case BatchPending:
		return 0
	case BatchProcessing:
		return 1
	case BatchCompleted, BatchFailed:
		return 2
	default:
		return -1
	}
}

// CanAdvanceTo reports whether moving from s to next respects the
// monotonic batch lifecycle.
func (s BatchStatus) CanAdvanceTo(next BatchStatus) bool {
	return next.IsValid() && next.rank() > s.rank()
}

// BatchItemError records one member's failure inside a batch run.
type BatchItemError struct {
	NotificationID uuid.UUID `json:"notification_id"`
	Message        string    `json:"message"`
}

// Batch groups a set of notifications under one controllable operation.
// Counts are updated only by the batch coordinator as members resolve;
// SuccessCount+FailureCount never exceeds TotalCount.
type Batch struct {
	ID           uuid.UUID        `json:"id"`
	Name         string           `json:"name"`
	Status       BatchStatus      `json:"status"`
	TotalCount   int              `json:"total_count"`
	SuccessCount int              `json:"success_count"`
	FailureCount int              `json:"failure_count"`
	Errors       []BatchItemError `json:"errors,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
}

// BatchHealthState is the operational signal derived from broker
// connectivity and failure ratios.
type BatchHealthState string

const (
	HealthHealthy   BatchHealthState = "healthy"
	HealthDegraded  BatchHealthState = "degraded"
	HealthUnhealthy BatchHealthState = "unhealthy"
)

// BatchHealth is the dashboard-facing health summary.
type BatchHealth struct {
	State           BatchHealthState `json:"state"`
	BrokerConnected bool             `json:"broker_connected"`
	QueueDepth      int64            `json:"queue_depth"`
	CompletedCount  int64            `json:"completed_count"`
	FailedCount     int64            `json:"failed_count"`
	FailureRatio    float64          `json:"failure_ratio"`
}
