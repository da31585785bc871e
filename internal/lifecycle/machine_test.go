package lifecycle

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/courierhq/courier/internal/core"
)

func notif(status core.Status, attempts, maxAttempts int) *core.Notification {
	return &core.Notification{
		ID:          uuid.New(),
		Status:      status,
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
	}
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to core.Status }{
		{core.StatusQueued, core.StatusProcessing},
		{core.StatusQueued, core.StatusCancelled},
		{core.StatusProcessing, core.StatusSent},
		{core.StatusProcessing, core.StatusQueued},
		{core.StatusProcessing, core.StatusFailed},
		{core.StatusSent, core.StatusDelivered},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be allowed", tc.from, tc.to)
		}
	}

	rejected := []struct{ from, to core.Status }{
		{core.StatusQueued, core.StatusSent},
		{core.StatusQueued, core.StatusDelivered},
		{core.StatusSent, core.StatusQueued},
		{core.StatusDelivered, core.StatusQueued},
		{core.StatusFailed, core.StatusQueued},
		{core.StatusCancelled, core.StatusProcessing},
	}
	for _, tc := range rejected {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be rejected", tc.from, tc.to)
		}
	}
}

func TestBeginProcessing(t *testing.T) {
	now := time.Now().UTC()
	n := notif(core.StatusQueued, 0, 3)

	ch, err := BeginProcessing(n, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ch.To != core.StatusProcessing {
		t.Fatalf("expected processing, got %s", ch.To)
	}
	if ch.Attempts != 0 {
		t.Fatal("picking up a job must not charge an attempt")
	}
}

func TestBeginProcessing_FromTerminal(t *testing.T) {
	for _, s := range []core.Status{core.StatusDelivered, core.StatusFailed, core.StatusCancelled} {
		if _, err := BeginProcessing(notif(s, 0, 3), time.Now()); !errors.Is(err, core.ErrInvalidTransition) {
			t.Errorf("%s: expected ErrInvalidTransition, got %v", s, err)
		}
	}
}

func TestMarkSent_ChargesAttemptAndStampsSentAt(t *testing.T) {
	now := time.Now().UTC()
	n := notif(core.StatusProcessing, 1, 3)

	ch, err := MarkSent(n, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ch.Attempts != 2 {
		t.Fatalf("expected attempts 2, got %d", ch.Attempts)
	}
	if ch.SentAt == nil || !ch.SentAt.Equal(now) {
		t.Fatal("expected SentAt stamped")
	}
	if ch.DeliveredAt != nil || ch.FailedAt != nil {
		t.Fatal("only SentAt should be stamped")
	}
}

func TestMarkDelivered(t *testing.T) {
	now := time.Now().UTC()
	ch, err := MarkDelivered(notif(core.StatusSent, 1, 3), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ch.To != core.StatusDelivered {
		t.Fatalf("expected delivered, got %s", ch.To)
	}
	if ch.DeliveredAt == nil {
		t.Fatal("expected DeliveredAt stamped")
	}
	if ch.Attempts != 1 {
		t.Fatal("confirmation must not charge an attempt")
	}
}

func TestResolveFailure_RetriesWhileBudgetRemains(t *testing.T) {
	n := notif(core.StatusProcessing, 0, 3)
	ch, err := ResolveFailure(n, time.Now().UTC())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ch.To != core.StatusQueued {
		t.Fatalf("expected requeue, got %s", ch.To)
	}
	if ch.Attempts != 1 {
		t.Fatalf("expected attempts 1, got %d", ch.Attempts)
	}
	if ch.FailedAt != nil {
		t.Fatal("retry must not stamp FailedAt")
	}
}

func TestResolveFailure_TerminalOnLastAttempt(t *testing.T) {
	n := notif(core.StatusProcessing, 2, 3)
	ch, err := ResolveFailure(n, time.Now().UTC())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ch.To != core.StatusFailed {
		t.Fatalf("expected failed, got %s", ch.To)
	}
	if ch.Attempts != 3 {
		t.Fatalf("expected attempts 3, got %d", ch.Attempts)
	}
	if ch.FailedAt == nil {
		t.Fatal("terminal failure must stamp FailedAt")
	}
}

func TestWillExhaust(t *testing.T) {
	if WillExhaust(notif(core.StatusProcessing, 0, 3)) {
		t.Fatal("first attempt of three should not exhaust")
	}
	if !WillExhaust(notif(core.StatusProcessing, 2, 3)) {
		t.Fatal("third attempt of three should exhaust")
	}
}

func TestCancel_Queued(t *testing.T) {
	ch, err := Cancel(notif(core.StatusQueued, 0, 3), time.Now().UTC())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ch.To != core.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", ch.To)
	}
}

func TestCancel_InFlightNotApplicable(t *testing.T) {
	for _, s := range []core.Status{core.StatusProcessing, core.StatusSent} {
		if _, err := Cancel(notif(s, 1, 3), time.Now()); !errors.Is(err, ErrCancelNotApplicable) {
			t.Errorf("%s: expected ErrCancelNotApplicable, got %v", s, err)
		}
	}
}

func TestCancel_AlreadyCancelled(t *testing.T) {
	_, err := Cancel(notif(core.StatusCancelled, 0, 3), time.Now())
	if !errors.Is(err, ErrCancelNotApplicable) {
		t.Fatalf("expected ErrCancelNotApplicable, got %v", err)
	}
}

func TestCancel_FromDeliveredIsInvalid(t *testing.T) {
	_, err := Cancel(notif(core.StatusDelivered, 1, 3), time.Now())
	if !errors.Is(err, core.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestRequeue_KeepsAttemptCount(t *testing.T) {
	now := time.Now().UTC()

	ch, err := Requeue(notif(core.StatusProcessing, 1, 3), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ch.To != core.StatusQueued || ch.Attempts != 1 {
		t.Fatalf("change = %+v, want queued with attempts 1", ch)
	}
}

func TestRequeue_RejectsExhaustedBudget(t *testing.T) {
	now := time.Now().UTC()

	if _, err := Requeue(notif(core.StatusProcessing, 3, 3), now); !errors.Is(err, core.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestForceFail_FromQueuedIsInvalid(t *testing.T) {
	now := time.Now().UTC()

	if _, err := ForceFail(notif(core.StatusQueued, 0, 3), now); !errors.Is(err, core.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestTransition_Dispatch(t *testing.T) {
	now := time.Now().UTC()

	ch, err := Transition(notif(core.StatusQueued, 0, 3), core.StatusProcessing, now)
	if err != nil || ch.To != core.StatusProcessing {
		t.Fatalf("queued -> processing: change %+v, err %v", ch, err)
	}

	// Requesting failed commits failed, even with attempts remaining.
	ch, err = Transition(notif(core.StatusProcessing, 0, 3), core.StatusFailed, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ch.To != core.StatusFailed {
		t.Fatalf("asked for failed, got %s", ch.To)
	}
	if ch.FailedAt == nil || !ch.FailedAt.Equal(now) {
		t.Fatalf("expected FailedAt stamped at %v, got %v", now, ch.FailedAt)
	}
	if ch.Attempts != 0 {
		t.Fatalf("force-fail charged an attempt: %d", ch.Attempts)
	}

	if _, err := Transition(notif(core.StatusQueued, 0, 3), core.Status("bogus"), now); !errors.Is(err, core.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for unknown status, got %v", err)
	}
}
