package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/core"
	"github.com/courierhq/courier/internal/events"
	"github.com/courierhq/courier/internal/lifecycle"
	"github.com/courierhq/courier/internal/queue"
)

// memStore is an in-memory Store with the same status-guarded ApplyChange
// semantics as the SQL implementation.
type memStore struct {
	mu            sync.Mutex
	notifications map[uuid.UUID]*core.Notification
	ledger        map[uuid.UUID][]*core.NotificationError
	statistics    []*core.Statistic
	createErr     error
	// stuckOverride, when set, is returned by GetStuckProcessing verbatim
	// so tests can hand the watchdog a stale snapshot.
	stuckOverride []*core.Notification
}

func newMemStore() *memStore {
	return &memStore{
		notifications: make(map[uuid.UUID]*core.Notification),
		ledger:        make(map[uuid.UUID][]*core.NotificationError),
	}
}

func (s *memStore) CreateNotification(_ context.Context, n *core.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	now := time.Now().UTC()
	n.CreatedAt = now
	n.UpdatedAt = now
	cp := *n
	s.notifications[n.ID] = &cp
	return nil
}

func (s *memStore) GetNotification(_ context.Context, id uuid.UUID) (*core.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (s *memStore) ListNotifications(_ context.Context, _ core.Filter) ([]*core.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*core.Notification, 0, len(s.notifications))
	for _, n := range s.notifications {
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) ApplyChange(_ context.Context, id uuid.UUID, ch lifecycle.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return core.ErrNotFound
	}
	if n.Status != ch.From {
		return core.ErrInvalidTransition
	}
	n.Status = ch.To
	n.Attempts = ch.Attempts
	if n.SentAt == nil {
		n.SentAt = ch.SentAt
	}
	if n.DeliveredAt == nil {
		n.DeliveredAt = ch.DeliveredAt
	}
	if n.FailedAt == nil {
		n.FailedAt = ch.FailedAt
	}
	n.UpdatedAt = ch.At
	return nil
}

func (s *memStore) GetQueued(_ context.Context, priority core.Priority, limit int) ([]*core.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Notification
	for _, n := range s.notifications {
		if n.Status != core.StatusQueued || n.Priority != priority || n.ScheduledAt != nil {
			continue
		}
		if len(out) >= limit {
			break
		}
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) GetScheduled(_ context.Context, before time.Time) ([]*core.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Notification
	for _, n := range s.notifications {
		if n.Status != core.StatusQueued || n.ScheduledAt == nil || n.ScheduledAt.After(before) {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) GetStuckProcessing(_ context.Context, cutoff time.Time) ([]*core.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stuckOverride != nil {
		return s.stuckOverride, nil
	}
	var out []*core.Notification
	for _, n := range s.notifications {
		if n.Status == core.StatusProcessing && n.UpdatedAt.Before(cutoff) {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) DeleteNotification(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notifications[id]; !ok {
		return core.ErrNotFound
	}
	delete(s.notifications, id)
	return nil
}

func (s *memStore) AddError(_ context.Context, e *core.NotificationError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = uuid.New()
	e.CreatedAt = time.Now().UTC()
	s.ledger[e.NotificationID] = append(s.ledger[e.NotificationID], e)
	return nil
}

func (s *memStore) GetErrors(_ context.Context, id uuid.UUID) ([]*core.NotificationError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*core.NotificationError(nil), s.ledger[id]...), nil
}

func (s *memStore) ExportErrors(_ context.Context, _, _ time.Time) ([]*core.NotificationError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.NotificationError
	for _, entries := range s.ledger {
		out = append(out, entries...)
	}
	return out, nil
}

func (s *memStore) RecordStatistic(_ context.Context, st *core.Statistic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statistics = append(s.statistics, st)
	return nil
}

func (s *memStore) DeliveryMetrics(_ context.Context, _, _ time.Time) (*core.DeliveryMetrics, error) {
	return &core.DeliveryMetrics{}, nil
}

func (s *memStore) ChannelStatistics(_ context.Context, _, _ time.Time) ([]*core.ChannelStatistics, error) {
	return nil, nil
}

type recordingBroker struct {
	mu     sync.Mutex
	jobs   []queue.Job
	addErr error
}

func (b *recordingBroker) Add(_ context.Context, job queue.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.addErr != nil {
		return b.addErr
	}
	b.jobs = append(b.jobs, job)
	return nil
}

func (b *recordingBroker) Consume(context.Context, int, queue.Handler) error { return nil }
func (b *recordingBroker) Pause()                                            {}
func (b *recordingBroker) Resume()                                           {}
func (b *recordingBroker) Metrics(context.Context) (queue.Metrics, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return queue.Metrics{Waiting: int64(len(b.jobs)), Connected: true}, nil
}
func (b *recordingBroker) Close() error { return nil }

func (b *recordingBroker) added() []queue.Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]queue.Job(nil), b.jobs...)
}

// scriptedDispatcher returns its scripted errors in order, then succeeds.
type scriptedDispatcher struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (d *scriptedDispatcher) Send(_ context.Context, _ *core.Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.errs) == 0 {
		return nil
	}
	err := d.errs[0]
	d.errs = d.errs[1:]
	return err
}

type recordingConfirmer struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (c *recordingConfirmer) ScheduleConfirmation(id uuid.UUID, _ core.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, id)
}

func (c *recordingConfirmer) Stop() {}

func setupService(t *testing.T) (*Service, *memStore, *recordingBroker, *scriptedDispatcher, *recordingConfirmer) {
	t.Helper()
	st := newMemStore()
	broker := &recordingBroker{}
	dispatcher := &scriptedDispatcher{}
	confirmer := &recordingConfirmer{}
	svc := NewService(st, broker, dispatcher, events.NewBus(zap.NewNop()), Config{
		RetryBackoffBase: 10 * time.Millisecond,
	}, zap.NewNop())
	svc.SetConfirmationHandler(confirmer)
	return svc, st, broker, dispatcher, confirmer
}

func emailRequest() CreateRequest {
	return CreateRequest{
		Type:    core.TypeGeneric,
		Channel: core.ChannelEmail,
		Recipient: core.Recipient{
			ID:    "user-1",
			Email: "ada@example.com",
		},
		Content: core.Content{Text: "Disk usage at 92%\nHost db-3 is filling up."},
	}
}

func TestService_CreateNotificationDefaults(t *testing.T) {
	svc, _, broker, _, _ := setupService(t)

	n, err := svc.CreateNotification(context.Background(), emailRequest())
	if err != nil {
		t.Fatalf("CreateNotification failed: %v", err)
	}
	if n.Status != core.StatusQueued {
		t.Fatalf("expected queued, got %s", n.Status)
	}
	if n.Priority != core.PriorityNormal {
		t.Fatalf("expected normal priority default, got %s", n.Priority)
	}
	if n.MaxAttempts != core.DefaultMaxAttempts {
		t.Fatalf("expected default max attempts, got %d", n.MaxAttempts)
	}
	if n.Subject != "Disk usage at 92%" {
		t.Fatalf("expected subject derived from first line, got %q", n.Subject)
	}

	jobs := broker.added()
	if len(jobs) != 1 {
		t.Fatalf("expected eager enqueue, got %d jobs", len(jobs))
	}
	if jobs[0].NotificationID != n.ID.String() {
		t.Fatalf("job carries wrong id %s", jobs[0].NotificationID)
	}
	if jobs[0].Priority != core.PriorityNormal.Weight() {
		t.Fatalf("job carries wrong priority weight %d", jobs[0].Priority)
	}
}

func TestService_CreateNotificationSurvivesBrokerOutage(t *testing.T) {
	svc, st, broker, _, _ := setupService(t)
	broker.addErr = errors.New("connection refused")

	n, err := svc.CreateNotification(context.Background(), emailRequest())
	if err != nil {
		t.Fatalf("broker outage must not fail creation: %v", err)
	}

	stored, err := st.GetNotification(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("notification not persisted: %v", err)
	}
	if stored.Status != core.StatusQueued {
		t.Fatalf("expected queued for sweep recovery, got %s", stored.Status)
	}
}

func TestService_CreateNotificationRejectsInvalid(t *testing.T) {
	svc, st, _, _, _ := setupService(t)

	req := emailRequest()
	req.Channel = core.ChannelSMS // no phone on the recipient
	if _, err := svc.CreateNotification(context.Background(), req); !core.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(st.notifications) != 0 {
		t.Fatal("invalid request must not persist anything")
	}
}

func TestService_ProcessSuccess(t *testing.T) {
	svc, st, _, _, confirmer := setupService(t)
	n, err := svc.CreateNotification(context.Background(), emailRequest())
	if err != nil {
		t.Fatalf("CreateNotification failed: %v", err)
	}

	ok, err := svc.Process(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !ok {
		t.Fatal("expected successful attempt")
	}

	got, _ := st.GetNotification(context.Background(), n.ID)
	if got.Status != core.StatusSent {
		t.Fatalf("expected sent, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("success must charge one attempt, got %d", got.Attempts)
	}
	if got.SentAt == nil {
		t.Fatal("SentAt not stamped")
	}
	if len(confirmer.ids) != 1 || confirmer.ids[0] != n.ID {
		t.Fatalf("delivery confirmation not scheduled: %v", confirmer.ids)
	}
}

func TestService_ProcessRetriesThenSucceeds(t *testing.T) {
	svc, st, _, dispatcher, _ := setupService(t)
	dispatcher.errs = []error{
		errors.New("smtp: temporary failure"),
		errors.New("smtp: temporary failure"),
	}

	n, err := svc.CreateNotification(context.Background(), emailRequest())
	if err != nil {
		t.Fatalf("CreateNotification failed: %v", err)
	}

	// First two attempts fail and requeue; the third lands.
	for attempt := 1; attempt <= 2; attempt++ {
		ok, err := svc.Process(context.Background(), n.ID)
		if err != nil {
			t.Fatalf("attempt %d errored: %v", attempt, err)
		}
		if ok {
			t.Fatalf("attempt %d should have failed", attempt)
		}
		got, _ := st.GetNotification(context.Background(), n.ID)
		if got.Status != core.StatusQueued {
			t.Fatalf("attempt %d: expected requeue, got %s", attempt, got.Status)
		}
		if got.Attempts != attempt {
			t.Fatalf("attempt %d: counter reads %d", attempt, got.Attempts)
		}
		if got.FailedAt != nil {
			t.Fatal("FailedAt must stay unset while retries remain")
		}
	}

	ok, err := svc.Process(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("final attempt errored: %v", err)
	}
	if !ok {
		t.Fatal("final attempt should have succeeded")
	}

	got, _ := st.GetNotification(context.Background(), n.ID)
	if got.Status != core.StatusSent || got.Attempts != 3 {
		t.Fatalf("expected sent after 3 attempts, got %s/%d", got.Status, got.Attempts)
	}

	ledger, _ := st.GetErrors(context.Background(), n.ID)
	if len(ledger) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(ledger))
	}
	for i, e := range ledger {
		if !e.Retryable {
			t.Fatalf("entry %d: non-final failures are retryable by definition", i)
		}
	}
}

func TestService_ProcessExhaustsAttempts(t *testing.T) {
	svc, st, _, dispatcher, _ := setupService(t)
	dispatcher.errs = []error{
		errors.New("boom"),
		errors.New("boom"),
		core.NewChannelError(core.ChannelEmail, "invalid_recipient", false, errors.New("mailbox does not exist")),
	}

	n, err := svc.CreateNotification(context.Background(), emailRequest())
	if err != nil {
		t.Fatalf("CreateNotification failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := svc.Process(context.Background(), n.ID); err != nil {
			t.Fatalf("attempt %d errored: %v", i+1, err)
		}
	}

	got, _ := st.GetNotification(context.Background(), n.ID)
	if got.Status != core.StatusFailed {
		t.Fatalf("expected terminal failure, got %s", got.Status)
	}
	if got.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", got.Attempts)
	}
	if got.FailedAt == nil {
		t.Fatal("FailedAt not stamped")
	}

	ledger, _ := st.GetErrors(context.Background(), n.ID)
	if len(ledger) != 3 {
		t.Fatalf("expected 3 ledger entries, got %d", len(ledger))
	}
	last := ledger[len(ledger)-1]
	if last.Retryable {
		t.Fatal("final entry keeps the non-retryable classification")
	}
	if last.Code != "invalid_recipient" {
		t.Fatalf("final entry keeps the error code, got %q", last.Code)
	}
}

func TestService_ProcessSkipsTerminal(t *testing.T) {
	svc, st, _, dispatcher, _ := setupService(t)
	n, err := svc.CreateNotification(context.Background(), emailRequest())
	if err != nil {
		t.Fatalf("CreateNotification failed: %v", err)
	}
	st.mu.Lock()
	st.notifications[n.ID].Status = core.StatusCancelled
	st.mu.Unlock()

	ok, err := svc.Process(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("Process on terminal status errored: %v", err)
	}
	if ok {
		t.Fatal("cancelled notification is not a delivery success")
	}
	if dispatcher.calls != 0 {
		t.Fatal("terminal notification must not be dispatched")
	}
}

func TestService_CancelQueued(t *testing.T) {
	svc, st, _, _, _ := setupService(t)
	n, err := svc.CreateNotification(context.Background(), emailRequest())
	if err != nil {
		t.Fatalf("CreateNotification failed: %v", err)
	}

	if err := svc.Cancel(context.Background(), n.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	got, _ := st.GetNotification(context.Background(), n.ID)
	if got.Status != core.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}

	// Repeating the cancel is a no-op, not an error.
	if err := svc.Cancel(context.Background(), n.ID); err != nil {
		t.Fatalf("repeated cancel must be idempotent: %v", err)
	}
}

func TestService_CancelAfterSend(t *testing.T) {
	svc, _, _, _, _ := setupService(t)
	n, err := svc.CreateNotification(context.Background(), emailRequest())
	if err != nil {
		t.Fatalf("CreateNotification failed: %v", err)
	}
	if _, err := svc.Process(context.Background(), n.ID); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	err = svc.Cancel(context.Background(), n.ID)
	if !errors.Is(err, lifecycle.ErrCancelNotApplicable) {
		t.Fatalf("expected cancel-not-applicable, got %v", err)
	}
}

func TestService_UpdateStatusRejectsUnknown(t *testing.T) {
	svc, _, _, _, _ := setupService(t)

	_, err := svc.UpdateStatus(context.Background(), uuid.New(), core.Status("archived"))
	if !core.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestService_UpdateStatusCommitsRequestedTarget(t *testing.T) {
	svc, st, _, _, _ := setupService(t)
	ctx := context.Background()

	n, err := svc.CreateNotification(ctx, emailRequest())
	if err != nil {
		t.Fatalf("CreateNotification failed: %v", err)
	}
	st.mu.Lock()
	st.notifications[n.ID].Status = core.StatusProcessing
	st.mu.Unlock()

	// Forcing failed with two attempts still in the budget commits
	// failed, not a retry to queued.
	got, err := svc.UpdateStatus(ctx, n.ID, core.StatusFailed)
	if err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if got.Status != core.StatusFailed {
		t.Fatalf("asked for failed, got %s", got.Status)
	}
	if got.FailedAt == nil {
		t.Fatal("expected FailedAt stamped")
	}
	if got.Attempts != 0 {
		t.Fatalf("administrative failure charged an attempt: %d", got.Attempts)
	}
}

func TestService_UpdateStatusRejectsRequeueWhenExhausted(t *testing.T) {
	svc, st, _, _, _ := setupService(t)
	ctx := context.Background()

	n, err := svc.CreateNotification(ctx, emailRequest())
	if err != nil {
		t.Fatalf("CreateNotification failed: %v", err)
	}
	st.mu.Lock()
	st.notifications[n.ID].Status = core.StatusProcessing
	st.notifications[n.ID].Attempts = 3
	st.mu.Unlock()

	_, err = svc.UpdateStatus(ctx, n.ID, core.StatusQueued)
	if !errors.Is(err, core.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	got, _ := st.GetNotification(ctx, n.ID)
	if got.Status != core.StatusProcessing {
		t.Fatalf("rejected update must not change status, got %s", got.Status)
	}
}

func TestService_HandleJobDiscardsUnprocessable(t *testing.T) {
	svc, _, _, _, _ := setupService(t)
	ctx := context.Background()

	if err := svc.HandleJob(ctx, queue.Job{NotificationID: "not-a-uuid"}); err != nil {
		t.Fatalf("malformed id must be discarded, got %v", err)
	}
	if err := svc.HandleJob(ctx, queue.Job{NotificationID: uuid.NewString()}); err != nil {
		t.Fatalf("missing notification must be discarded, got %v", err)
	}
}

func TestService_DrainQueuedResubmits(t *testing.T) {
	svc, _, broker, _, _ := setupService(t)
	if _, err := svc.CreateNotification(context.Background(), emailRequest()); err != nil {
		t.Fatalf("CreateNotification failed: %v", err)
	}
	broker.mu.Lock()
	broker.jobs = nil // pretend the eager enqueue was lost
	broker.mu.Unlock()

	if err := svc.DrainQueued(context.Background()); err != nil {
		t.Fatalf("DrainQueued failed: %v", err)
	}
	if len(broker.added()) != 1 {
		t.Fatalf("expected the queued row resubmitted, got %d jobs", len(broker.added()))
	}
}

func TestService_DrainQueuedReleasesDueScheduled(t *testing.T) {
	svc, st, broker, _, _ := setupService(t)
	ctx := context.Background()

	future := time.Now().UTC().Add(time.Hour)
	heldReq := emailRequest()
	heldReq.ScheduledAt = &future
	held, err := svc.CreateNotification(ctx, heldReq)
	if err != nil {
		t.Fatalf("CreateNotification failed: %v", err)
	}

	past := time.Now().UTC().Add(-time.Minute)
	dueReq := emailRequest()
	dueReq.ScheduledAt = &past
	due, err := svc.CreateNotification(ctx, dueReq)
	if err != nil {
		t.Fatalf("CreateNotification failed: %v", err)
	}

	broker.mu.Lock()
	broker.jobs = nil // pretend the eager enqueues were lost
	broker.mu.Unlock()

	if err := svc.DrainQueued(ctx); err != nil {
		t.Fatalf("DrainQueued failed: %v", err)
	}
	jobs := broker.added()
	if len(jobs) != 1 {
		t.Fatalf("expected only the due notification enqueued, got %d jobs", len(jobs))
	}
	if jobs[0].NotificationID != due.ID.String() {
		t.Fatalf("enqueued %s, want the due notification %s", jobs[0].NotificationID, due.ID)
	}

	// Once its release time passes, the held notification becomes
	// sweep-eligible.
	expired := time.Now().UTC().Add(-time.Second)
	st.mu.Lock()
	st.notifications[due.ID].Status = core.StatusProcessing
	st.notifications[held.ID].ScheduledAt = &expired
	st.mu.Unlock()

	if err := svc.DrainQueued(ctx); err != nil {
		t.Fatalf("DrainQueued failed: %v", err)
	}
	jobs = broker.added()
	if len(jobs) != 2 || jobs[1].NotificationID != held.ID.String() {
		t.Fatalf("expected the held notification released, got %+v", jobs)
	}
}

func TestService_ReclaimStuck(t *testing.T) {
	svc, st, _, _, _ := setupService(t)
	ctx := context.Background()

	retryable, err := svc.CreateNotification(ctx, emailRequest())
	if err != nil {
		t.Fatalf("CreateNotification failed: %v", err)
	}
	exhausted, err := svc.CreateNotification(ctx, emailRequest())
	if err != nil {
		t.Fatalf("CreateNotification failed: %v", err)
	}

	stale := time.Now().UTC().Add(-time.Hour)
	st.mu.Lock()
	st.notifications[retryable.ID].Status = core.StatusProcessing
	st.notifications[retryable.ID].UpdatedAt = stale
	st.notifications[exhausted.ID].Status = core.StatusProcessing
	st.notifications[exhausted.ID].Attempts = 2
	st.notifications[exhausted.ID].UpdatedAt = stale
	st.mu.Unlock()

	if err := svc.ReclaimStuck(ctx); err != nil {
		t.Fatalf("ReclaimStuck failed: %v", err)
	}

	got, _ := st.GetNotification(ctx, retryable.ID)
	if got.Status != core.StatusQueued {
		t.Fatalf("expected stuck item requeued, got %s", got.Status)
	}
	got, _ = st.GetNotification(ctx, exhausted.ID)
	if got.Status != core.StatusFailed {
		t.Fatalf("expected exhausted item failed, got %s", got.Status)
	}

	ledger, _ := st.GetErrors(ctx, retryable.ID)
	if len(ledger) != 1 || ledger[0].Code != "watchdog_timeout" {
		t.Fatalf("expected watchdog ledger entry, got %+v", ledger)
	}
}

func TestService_ReclaimStuckLostRaceLeavesNoLedgerEntry(t *testing.T) {
	svc, st, _, _, _ := setupService(t)
	ctx := context.Background()

	n, err := svc.CreateNotification(ctx, emailRequest())
	if err != nil {
		t.Fatalf("CreateNotification failed: %v", err)
	}

	// The watchdog scanned while the attempt was in flight, but the
	// worker recorded the send before the reclaim committed.
	now := time.Now().UTC()
	stale := *n
	stale.Status = core.StatusProcessing
	stale.UpdatedAt = now.Add(-time.Hour)

	st.mu.Lock()
	st.notifications[n.ID].Status = core.StatusSent
	st.notifications[n.ID].Attempts = 1
	st.notifications[n.ID].SentAt = &now
	st.stuckOverride = []*core.Notification{&stale}
	st.mu.Unlock()

	if err := svc.ReclaimStuck(ctx); err != nil {
		t.Fatalf("ReclaimStuck failed: %v", err)
	}

	got, _ := st.GetNotification(ctx, n.ID)
	if got.Status != core.StatusSent {
		t.Fatalf("lost race must leave the worker's outcome, got %s", got.Status)
	}
	ledger, _ := st.GetErrors(ctx, n.ID)
	if len(ledger) != 0 {
		t.Fatalf("lost race must not leave a ledger entry, got %+v", ledger)
	}
}

func TestTimerConfirmer_ConfirmsWebhookImmediately(t *testing.T) {
	st := newMemStore()
	broker := &recordingBroker{}
	svc := NewService(st, broker, &scriptedDispatcher{}, events.NewBus(zap.NewNop()), Config{}, zap.NewNop())
	t.Cleanup(svc.Shutdown)

	req := emailRequest()
	req.Channel = core.ChannelWebhook
	req.Recipient = core.Recipient{ID: "hook-1", WebhookURL: "https://example.com/hook"}
	n, err := svc.CreateNotification(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateNotification failed: %v", err)
	}

	if _, err := svc.Process(context.Background(), n.ID); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := st.GetNotification(context.Background(), n.ID)
		if got.Status == core.StatusDelivered {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("webhook notification never confirmed delivered")
}
