package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/core"
)

func setupTestBroker(t *testing.T) (*RedisBroker, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := newRedisBrokerForTest(rdb, zap.NewNop())

	return b, func() {
		_ = b.Close()
		mr.Close()
	}
}

func TestRedisBroker_PopsByPriorityWeight(t *testing.T) {
	b, cleanup := setupTestBroker(t)
	defer cleanup()
	ctx := context.Background()

	// Submitted low first, critical last; pop order must follow weight,
	// not arrival.
	jobs := []Job{
		{NotificationID: "low-1", Priority: 5},
		{NotificationID: "normal-1", Priority: 4},
		{NotificationID: "critical-1", Priority: 1},
		{NotificationID: "high-1", Priority: 3},
	}
	for _, j := range jobs {
		if err := b.Add(ctx, j); err != nil {
			t.Fatalf("add %s: %v", j.NotificationID, err)
		}
	}

	want := []string{"critical-1", "high-1", "normal-1", "low-1"}
	for i, expected := range want {
		job, err := b.pop(ctx)
		if err != nil {
			t.Fatalf("pop %d: %v", i, err)
		}
		if job == nil {
			t.Fatalf("pop %d: queue empty, expected %s", i, expected)
		}
		if job.NotificationID != expected {
			t.Fatalf("pop %d: expected %s, got %s", i, expected, job.NotificationID)
		}
	}
}

func TestRedisBroker_FIFOWithinPriorityClass(t *testing.T) {
	b, cleanup := setupTestBroker(t)
	defer cleanup()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := b.Add(ctx, Job{NotificationID: id, Priority: 4}); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}

	for _, expected := range []string{"a", "b", "c"} {
		job, err := b.pop(ctx)
		if err != nil || job == nil {
			t.Fatalf("pop: job %v, err %v", job, err)
		}
		if job.NotificationID != expected {
			t.Fatalf("expected %s, got %s", expected, job.NotificationID)
		}
	}
}

func TestRedisBroker_DelayedJobNotReadyUntilPromoted(t *testing.T) {
	b, cleanup := setupTestBroker(t)
	defer cleanup()
	ctx := context.Background()

	if err := b.Add(ctx, Job{NotificationID: "later", Priority: 1, Delay: time.Hour}); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := b.promoteDue(ctx); err != nil {
		t.Fatalf("promote: %v", err)
	}
	job, err := b.pop(ctx)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if job != nil {
		t.Fatalf("job with a future release time must not pop, got %s", job.NotificationID)
	}

	m, err := b.Metrics(ctx)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if m.Waiting != 1 {
		t.Fatalf("expected 1 waiting, got %d", m.Waiting)
	}
}

func TestRedisBroker_PromotesDueJobs(t *testing.T) {
	b, cleanup := setupTestBroker(t)
	defer cleanup()
	ctx := context.Background()

	if err := b.Add(ctx, Job{NotificationID: "soon", Priority: 2, Delay: 10 * time.Millisecond}); err != nil {
		t.Fatalf("add: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if err := b.promoteDue(ctx); err != nil {
		t.Fatalf("promote: %v", err)
	}
	job, err := b.pop(ctx)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if job == nil || job.NotificationID != "soon" {
		t.Fatalf("expected promoted job, got %+v", job)
	}
}

func TestRedisBroker_DuplicateAddSuppressed(t *testing.T) {
	b, cleanup := setupTestBroker(t)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Add(ctx, Job{NotificationID: "dup", Priority: 3}); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}

	m, err := b.Metrics(ctx)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if m.Waiting != 1 {
		t.Fatalf("expected 1 waiting after duplicate adds, got %d", m.Waiting)
	}
}

func TestRedisBroker_GuardReleasedOnPop(t *testing.T) {
	b, cleanup := setupTestBroker(t)
	defer cleanup()
	ctx := context.Background()

	if err := b.Add(ctx, Job{NotificationID: "n1", Priority: 3}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if job, _ := b.pop(ctx); job == nil {
		t.Fatal("expected job")
	}

	// After the pop the guard is gone, so resubmission works.
	if err := b.Add(ctx, Job{NotificationID: "n1", Priority: 3}); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if job, _ := b.pop(ctx); job == nil {
		t.Fatal("expected resubmitted job")
	}
}

// failPipelineOnce fails the first pipelined call so tests can exercise a
// broker outage between the enqueue guard and the job write.
type failPipelineOnce struct {
	failed bool
}

func (h *failPipelineOnce) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *failPipelineOnce) ProcessHook(next redis.ProcessHook) redis.ProcessHook { return next }

func (h *failPipelineOnce) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		if !h.failed {
			h.failed = true
			return errors.New("connection reset")
		}
		return next(ctx, cmds)
	}
}

func TestRedisBroker_GuardReleasedOnFailedEnqueue(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rdb.AddHook(&failPipelineOnce{})
	b := newRedisBrokerForTest(rdb, zap.NewNop())
	defer b.Close()
	ctx := context.Background()

	if err := b.Add(ctx, Job{NotificationID: "n1", Priority: 3}); !errors.Is(err, core.ErrBrokerUnavailable) {
		t.Fatalf("expected broker-unavailable error, got %v", err)
	}

	// The guard must not outlive the failed submission: the next sweep's
	// resubmit has to store the job, not be suppressed for the guard TTL.
	if err := b.Add(ctx, Job{NotificationID: "n1", Priority: 3}); err != nil {
		t.Fatalf("re-add after failed enqueue: %v", err)
	}
	job, err := b.pop(ctx)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if job == nil || job.NotificationID != "n1" {
		t.Fatalf("expected resubmitted job, got %+v", job)
	}
}

func TestRedisBroker_DispatchRetriesWithBackoff(t *testing.T) {
	b, cleanup := setupTestBroker(t)
	defer cleanup()
	ctx := context.Background()

	job := Job{NotificationID: "flaky", Priority: 2, MaxAttempts: 3, Backoff: time.Minute}
	if err := b.Add(ctx, job); err != nil {
		t.Fatalf("add: %v", err)
	}
	popped, _ := b.pop(ctx)
	if popped == nil {
		t.Fatal("expected job")
	}

	b.dispatch(ctx, *popped, func(ctx context.Context, j Job) error {
		return errors.New("broker hiccup")
	})

	// The retry lands in the delayed set with one attempt charged.
	m, err := b.Metrics(ctx)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if m.Waiting != 1 {
		t.Fatalf("expected requeued job waiting, got %d", m.Waiting)
	}
	if m.Failed != 0 {
		t.Fatalf("attempts remain, job must not count as failed, got %d", m.Failed)
	}
}

func TestRedisBroker_DispatchExhaustionCountsFailed(t *testing.T) {
	b, cleanup := setupTestBroker(t)
	defer cleanup()
	ctx := context.Background()

	job := Job{NotificationID: "doomed", Priority: 2, Attempt: 2, MaxAttempts: 3}
	b.dispatch(ctx, job, func(ctx context.Context, j Job) error {
		return errors.New("still down")
	})

	m, err := b.Metrics(ctx)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if m.Failed != 1 {
		t.Fatalf("expected 1 failed, got %d", m.Failed)
	}
}

func TestRedisBroker_ConsumeRunsHandler(t *testing.T) {
	b, cleanup := setupTestBroker(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var handled []string
	done := make(chan struct{})
	go func() {
		_ = b.Consume(ctx, 2, func(ctx context.Context, j Job) error {
			mu.Lock()
			handled = append(handled, j.NotificationID)
			if len(handled) == 1 {
				close(done)
			}
			mu.Unlock()
			return nil
		})
	}()

	if err := b.Add(ctx, Job{NotificationID: "via-consume", Priority: 1}); err != nil {
		t.Fatalf("add: %v", err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never ran")
	}

	mu.Lock()
	defer mu.Unlock()
	if handled[0] != "via-consume" {
		t.Fatalf("unexpected job handled: %v", handled)
	}
}

func TestRedisBroker_PauseStopsDelivery(t *testing.T) {
	b, cleanup := setupTestBroker(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	handled := 0
	go func() {
		_ = b.Consume(ctx, 1, func(ctx context.Context, j Job) error {
			mu.Lock()
			handled++
			mu.Unlock()
			return nil
		})
	}()

	b.Pause()
	if err := b.Add(ctx, Job{NotificationID: "parked", Priority: 1}); err != nil {
		t.Fatalf("add: %v", err)
	}
	time.Sleep(500 * time.Millisecond)

	mu.Lock()
	got := handled
	mu.Unlock()
	if got != 0 {
		t.Fatal("paused broker must not deliver")
	}

	m, _ := b.Metrics(context.Background())
	if m.Waiting != 1 {
		t.Fatalf("job should keep waiting while paused, got %d", m.Waiting)
	}

	b.Resume()
	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		got = handled
		mu.Unlock()
		if got == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job not delivered after resume")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestJob_BackoffDelay(t *testing.T) {
	j := Job{Attempt: 2, Backoff: time.Second}
	if got := j.BackoffDelay(); got != 2*time.Second {
		t.Fatalf("expected 2s, got %v", got)
	}

	j = Job{} // defaults
	if got := j.BackoffDelay(); got != DefaultBackoffBase {
		t.Fatalf("expected default base, got %v", got)
	}
}
