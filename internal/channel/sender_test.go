package channel

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/core"
)

type stubSender struct {
	ch    core.Channel
	calls int
}

func (s *stubSender) Send(_ context.Context, _ *core.Notification) error {
	s.calls++
	return nil
}

func (s *stubSender) Channel() core.Channel { return s.ch }

func TestRegistry_RoutesByChannel(t *testing.T) {
	email := &stubSender{ch: core.ChannelEmail}
	sms := &stubSender{ch: core.ChannelSMS}

	r := NewRegistry(zap.NewNop(), nil)
	r.Register(email)
	r.Register(sms)

	n := &core.Notification{ID: uuid.New(), Channel: core.ChannelSMS}
	if err := r.Send(context.Background(), n); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if sms.calls != 1 || email.calls != 0 {
		t.Fatalf("routed to wrong sender: sms=%d email=%d", sms.calls, email.calls)
	}
}

func TestRegistry_FallbackForUnregisteredChannel(t *testing.T) {
	fallback := &stubSender{ch: core.ChannelEmail}
	r := NewRegistry(zap.NewNop(), fallback)

	n := &core.Notification{ID: uuid.New(), Channel: core.ChannelPush}
	if err := r.Send(context.Background(), n); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if fallback.calls != 1 {
		t.Fatalf("fallback not used, calls=%d", fallback.calls)
	}
}

func TestRegistry_NoSenderNoFallback(t *testing.T) {
	r := NewRegistry(zap.NewNop(), nil)

	n := &core.Notification{ID: uuid.New(), Channel: core.ChannelPush}
	err := r.Send(context.Background(), n)

	var chErr *core.ChannelError
	if !errors.As(err, &chErr) {
		t.Fatalf("expected channel error, got %v", err)
	}
	if chErr.Retryable {
		t.Fatal("a missing sender is a configuration problem, not transient")
	}
	if chErr.Code != "no_sender" {
		t.Fatalf("unexpected code %q", chErr.Code)
	}
}

func TestRegistry_RegisterReplaces(t *testing.T) {
	first := &stubSender{ch: core.ChannelChat}
	second := &stubSender{ch: core.ChannelChat}

	r := NewRegistry(zap.NewNop(), nil)
	r.Register(first)
	r.Register(second)

	n := &core.Notification{ID: uuid.New(), Channel: core.ChannelChat}
	if err := r.Send(context.Background(), n); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if first.calls != 0 || second.calls != 1 {
		t.Fatalf("replacement not effective: first=%d second=%d", first.calls, second.calls)
	}
}
