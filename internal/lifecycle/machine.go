// Package lifecycle implements the delivery state machine for a single
// notification. It is pure: it validates a transition against a snapshot
// and returns the mutation to commit; the store applies the mutation as
// one atomic update so readers never observe a torn state.
package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/courierhq/courier/internal/core"
)

// ErrCancelNotApplicable is returned when a cancel request arrives after
// the notification has left queued. Cancellation is advisory at that
// point; callers must be told it did not apply rather than silently
// succeeding.
var ErrCancelNotApplicable = errors.New("cancel not applicable: notification already in flight")

// transitions is the full set of legal status moves.
var transitions = map[core.Status][]core.Status{
	core.StatusQueued:     {core.StatusProcessing, core.StatusCancelled},
	core.StatusProcessing: {core.StatusSent, core.StatusQueued, core.StatusFailed},
	core.StatusSent:       {core.StatusDelivered},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to core.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Change is the atomic mutation produced by a transition. Attempts is the
// new absolute attempt count. Timestamp pointers are non-nil only when the
// transition stamps them, and each is stamped at most once over a
// notification's lifetime.
type Change struct {
	From        core.Status
	To          core.Status
	Attempts    int
	SentAt      *time.Time
	DeliveredAt *time.Time
	FailedAt    *time.Time
	At          time.Time
}

func invalid(from, to core.Status) error {
	return fmt.Errorf("%w: %s -> %s", core.ErrInvalidTransition, from, to)
}

// BeginProcessing moves a queued notification into processing when a
// worker picks it up. No counters move here; attempts are charged on the
// dispatch outcome.
func BeginProcessing(n *core.Notification, now time.Time) (Change, error) {
	if !CanTransition(n.Status, core.StatusProcessing) {
		return Change{}, invalid(n.Status, core.StatusProcessing)
	}
	return Change{From: n.Status, To: core.StatusProcessing, Attempts: n.Attempts, At: now}, nil
}

// MarkSent records a successful channel dispatch.
func MarkSent(n *core.Notification, now time.Time) (Change, error) {
	if !CanTransition(n.Status, core.StatusSent) {
		return Change{}, invalid(n.Status, core.StatusSent)
	}
	return Change{
		From:     n.Status,
		To:       core.StatusSent,
		Attempts: n.Attempts + 1,
		SentAt:   &now,
		At:       now,
	}, nil
}

// MarkDelivered records the delivery confirmation for a sent notification.
func MarkDelivered(n *core.Notification, now time.Time) (Change, error) {
	if !CanTransition(n.Status, core.StatusDelivered) {
		return Change{}, invalid(n.Status, core.StatusDelivered)
	}
	return Change{
		From:        n.Status,
		To:          core.StatusDelivered,
		Attempts:    n.Attempts,
		DeliveredAt: &now,
		At:          now,
	}, nil
}

// ResolveFailure charges one attempt for a failed dispatch and decides
// between a business retry (back to queued) and terminal failure once
// the attempt budget is exhausted.
func ResolveFailure(n *core.Notification, now time.Time) (Change, error) {
	attempts := n.Attempts + 1
	if attempts < n.MaxAttempts {
		if !CanTransition(n.Status, core.StatusQueued) {
			return Change{}, invalid(n.Status, core.StatusQueued)
		}
		return Change{From: n.Status, To: core.StatusQueued, Attempts: attempts, At: now}, nil
	}
	if !CanTransition(n.Status, core.StatusFailed) {
		return Change{}, invalid(n.Status, core.StatusFailed)
	}
	return Change{
		From:     n.Status,
		To:       core.StatusFailed,
		Attempts: attempts,
		FailedAt: &now,
		At:       now,
	}, nil
}

// Requeue returns a processing notification to queued without charging an
// attempt. Administrative path; rejected once the attempt budget is
// exhausted, since re-dispatching would push attempts past maxAttempts.
func Requeue(n *core.Notification, now time.Time) (Change, error) {
	if !CanTransition(n.Status, core.StatusQueued) {
		return Change{}, invalid(n.Status, core.StatusQueued)
	}
	if n.Attempts >= n.MaxAttempts {
		return Change{}, fmt.Errorf("%w: %s -> %s, attempt budget exhausted",
			core.ErrInvalidTransition, n.Status, core.StatusQueued)
	}
	return Change{From: n.Status, To: core.StatusQueued, Attempts: n.Attempts, At: now}, nil
}

// ForceFail marks a processing notification failed regardless of the
// remaining attempt budget. Administrative counterpart of ResolveFailure:
// the caller asked for failed and gets exactly that, or an error.
func ForceFail(n *core.Notification, now time.Time) (Change, error) {
	if !CanTransition(n.Status, core.StatusFailed) {
		return Change{}, invalid(n.Status, core.StatusFailed)
	}
	return Change{
		From:     n.Status,
		To:       core.StatusFailed,
		Attempts: n.Attempts,
		FailedAt: &now,
		At:       now,
	}, nil
}

// WillExhaust reports whether the next failure would consume the last
// attempt.
func WillExhaust(n *core.Notification) bool {
	return n.Attempts+1 >= n.MaxAttempts
}

// Cancel moves a queued notification to cancelled. Once the item has
// entered processing for the current attempt there is no preemption of the
// in-flight send; ErrCancelNotApplicable tells the caller so. Cancelling
// an already-cancelled notification is an idempotent no-op.
func Cancel(n *core.Notification, now time.Time) (Change, error) {
	switch n.Status {
	case core.StatusQueued:
		return Change{From: n.Status, To: core.StatusCancelled, Attempts: n.Attempts, At: now}, nil
	case core.StatusCancelled:
		return Change{From: n.Status, To: core.StatusCancelled, Attempts: n.Attempts, At: now}, ErrCancelNotApplicable
	case core.StatusProcessing, core.StatusSent:
		return Change{}, ErrCancelNotApplicable
	default:
		return Change{}, invalid(n.Status, core.StatusCancelled)
	}
}

// Transition validates an arbitrary target status against the snapshot and
// builds the corresponding change. Used by the administrative status
// update path; the dispatch path uses the specific constructors above.
// The committed change lands on exactly the requested status or the call
// errors; it never substitutes a different outcome.
func Transition(n *core.Notification, to core.Status, now time.Time) (Change, error) {
	switch to {
	case core.StatusProcessing:
		return BeginProcessing(n, now)
	case core.StatusSent:
		return MarkSent(n, now)
	case core.StatusDelivered:
		return MarkDelivered(n, now)
	case core.StatusQueued:
		return Requeue(n, now)
	case core.StatusFailed:
		return ForceFail(n, now)
	case core.StatusCancelled:
		return Cancel(n, now)
	default:
		return Change{}, invalid(n.Status, to)
	}
}
