package core

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the engine's failure taxonomy. Validation and
// not-found errors surface synchronously to callers; dispatch errors are
// recorded in the error ledger and folded into the retry decision instead
// of propagating.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrBrokerUnavailable = errors.New("broker unavailable")
)

// ValidationError reports a missing or malformed field on a request.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ChannelError classifies a delivery failure at the channel boundary.
// Retryable failures are eligible for a business-level retry while the
// notification has attempts remaining.
type ChannelError struct {
	Channel   Channel
	Code      string
	Retryable bool
	Err       error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("%s dispatch: %v", e.Channel, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// NewChannelError wraps a transport failure with its retry classification.
func NewChannelError(ch Channel, code string, retryable bool, err error) *ChannelError {
	return &ChannelError{Channel: ch, Code: code, Retryable: retryable, Err: err}
}

// RetryableError reports whether err is classified as transient. Errors
// that carry no classification are treated as retryable so a flaky
// provider never burns the whole attempt budget on one blip.
func RetryableError(err error) bool {
	var ce *ChannelError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return true
}

// ErrorCode extracts the channel error code, if any.
func ErrorCode(err error) string {
	var ce *ChannelError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}
