// Package core holds the domain model for the notification delivery engine.
package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a notification.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) String() string { return string(s) }

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusSent, StatusDelivered, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are permitted from s.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusCancelled
}

// Channel is a delivery transport.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
	ChannelPush    Channel = "push"
	ChannelChat    Channel = "chat"
	ChannelWebhook Channel = "webhook"
)

func (c Channel) String() string { return string(c) }

func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush, ChannelChat, ChannelWebhook:
		return true
	}
	return false
}

// Priority governs dispatch ordering and release delay.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityUrgent   Priority = "urgent"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

func (p Priority) String() string { return string(p) }

func (p Priority) IsValid() bool {
	switch p {
	case PriorityCritical, PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Weight maps a priority class to its broker scheduling weight.
// Lower weight is serviced first.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 1
	case PriorityUrgent:
		return 2
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 4
	case PriorityLow:
		return 5
	default:
		return 4
	}
}

// ReleaseDelay is the default enqueue delay per priority class, staggering
// bulk low-priority traffic so it cannot thundering-herd the workers.
func (p Priority) ReleaseDelay() time.Duration {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityUrgent:
		return 100 * time.Millisecond
	case PriorityHigh:
		return time.Second
	case PriorityNormal:
		return 5 * time.Second
	case PriorityLow:
		return 30 * time.Second
	default:
		return 5 * time.Second
	}
}

// NotificationType is the domain category of a notification.
type NotificationType string

const (
	TypeAppointmentReminder NotificationType = "appointment-reminder"
	TypeLabResults          NotificationType = "lab-results"
	TypeGeneric             NotificationType = "generic"
)

func (t NotificationType) String() string { return string(t) }

// Recipient carries the addressing info for every supported channel.
// At least the field matching the chosen channel must be populated.
type Recipient struct {
	ID          string `json:"id,omitempty"`
	Email       string `json:"email,omitempty"`
	Phone       string `json:"phone,omitempty"`
	DeviceToken string `json:"device_token,omitempty"`
	ChatHandle  string `json:"chat_handle,omitempty"`
	WebhookURL  string `json:"webhook_url,omitempty"`
}

// AddressFor returns the address used by the given channel.
func (r Recipient) AddressFor(ch Channel) string {
	switch ch {
	case ChannelEmail:
		return r.Email
	case ChannelSMS:
		return r.Phone
	case ChannelPush:
		return r.DeviceToken
	case ChannelChat:
		return r.ChatHandle
	case ChannelWebhook:
		return r.WebhookURL
	default:
		return ""
	}
}

// Content is the message body of a notification.
type Content struct {
	Text         string         `json:"text"`
	HTML         string         `json:"html,omitempty"`
	TemplateName string         `json:"template_name,omitempty"`
	TemplateData map[string]any `json:"template_data,omitempty"`
}

// HealthcareMetadata is the domain-specific metadata sub-object.
type HealthcareMetadata struct {
	Urgency         string   `json:"urgency,omitempty"`
	PatientID       string   `json:"patient_id,omitempty"`
	ComplianceFlags []string `json:"compliance_flags,omitempty"`
}

// Metadata is a typed bag of known annotations plus an open extension map
// for forward-compatible fields.
type Metadata struct {
	Source        string              `json:"source,omitempty"`
	CorrelationID string              `json:"correlation_id,omitempty"`
	Healthcare    *HealthcareMetadata `json:"healthcare,omitempty"`
	Extra         map[string]any      `json:"extra,omitempty"`
}

// DefaultMaxAttempts is the business retry budget when the caller does not
// set one.
const DefaultMaxAttempts = 3

// Notification is the central entity of the delivery engine. Status is
// mutated only through the lifecycle state machine; the store is the single
// source of truth.
type Notification struct {
	ID          uuid.UUID        `json:"id"`
	Type        NotificationType `json:"type"`
	Channel     Channel          `json:"channel"`
	Priority    Priority         `json:"priority"`
	Recipient   Recipient        `json:"recipient"`
	Content     Content          `json:"content"`
	Subject     string           `json:"subject"`
	Status      Status           `json:"status"`
	Attempts    int              `json:"attempts"`
	MaxAttempts int              `json:"max_attempts"`
	Tags        []string         `json:"tags,omitempty"`
	Metadata    Metadata         `json:"metadata"`
	ScheduledAt *time.Time       `json:"scheduled_at,omitempty"`
	SentAt      *time.Time       `json:"sent_at,omitempty"`
	DeliveredAt *time.Time       `json:"delivered_at,omitempty"`
	FailedAt    *time.Time       `json:"failed_at,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// DeriveSubject returns the explicit subject, or the first line of the text
// content truncated to 80 runes when no subject was given.
func DeriveSubject(subject, text string) string {
	if subject != "" {
		return subject
	}
	line := text
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if r := []rune(line); len(r) > 80 {
		line = string(r[:77]) + "..."
	}
	return line
}

// Validate checks the invariants a notification must satisfy at creation.
func (n *Notification) Validate() error {
	if !n.Channel.IsValid() {
		return NewValidationError("channel", "must be one of email, sms, push, chat, webhook")
	}
	if !n.Priority.IsValid() {
		return NewValidationError("priority", "must be one of critical, urgent, high, normal, low")
	}
	if n.Type == "" {
		return NewValidationError("type", "is required")
	}
	if n.Content.Text == "" {
		return NewValidationError("content.text", "is required")
	}
	if n.Recipient.AddressFor(n.Channel) == "" {
		return NewValidationError("recipient", "missing address for channel "+n.Channel.String())
	}
	if n.MaxAttempts <= 0 {
		return NewValidationError("max_attempts", "must be positive")
	}
	return nil
}

// NotificationError is an immutable ledger entry for one failed delivery
// attempt.
type NotificationError struct {
	ID             uuid.UUID `json:"id"`
	NotificationID uuid.UUID `json:"notification_id"`
	Channel        Channel   `json:"channel"`
	Message        string    `json:"message"`
	Code           string    `json:"code,omitempty"`
	Retryable      bool      `json:"retryable"`
	CreatedAt      time.Time `json:"created_at"`
}
