package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/iago/dispatch-sla-back/internal/candidates"
	"github.com/iago/dispatch-sla-back/internal/clock"
	"github.com/iago/dispatch-sla-back/internal/domain"
	"github.com/iago/dispatch-sla-back/internal/repository"
)

// newUnmonitoredEngine builds an engine with no deadline scheduler, so pending
// attempts survive until a recovery sweep finds them. Mirrors a process that
// crashed between opening an attempt and its deadline.
func newUnmonitoredEngine(t *testing.T, workerIDs ...string) (*Engine, *repository.MemoryStore, *clock.FakeClock) {
	t.Helper()

	store := repository.NewMemoryStore()
	clk := clock.NewFakeClock(testStart)
	for _, workerID := range workerIDs {
		seedWorker(t, store, workerID, true)
	}
	ids := append([]string(nil), workerIDs...)
	provider := candidates.ProviderFunc(func(context.Context, string) ([]string, error) {
		return ids, nil
	})
	engine := NewEngine(store, provider, &capturingNotifier{}, clk, nil, Config{})
	return engine, store, clk
}

func TestSweepResolvesExpiredPendingAttempts(t *testing.T) {
	engine, store, clk := newUnmonitoredEngine(t, "w1")
	job, err := engine.CreateJob(context.Background(), "cust-1", "electrical", "Dead outlet")
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	// Deadline passes with no timer registered for it.
	clk.Advance(20 * time.Minute)

	monitor := NewMonitor(store, engine, clk, nil, time.Minute)
	engine.SetScheduler(monitor)
	if err := monitor.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	attempts, err := store.ListAttemptsByJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 1 || attempts[0].Status != domain.AttemptStatusTimedOut {
		t.Fatalf("recovery did not time out the attempt: %+v", attempts)
	}
	if attempts[0].DeclineReason != "timeout" {
		t.Fatalf("timeout reason = %q", attempts[0].DeclineReason)
	}
}

func TestSweepRegistersTimersForLivePendingAttempts(t *testing.T) {
	engine, store, clk := newUnmonitoredEngine(t, "w1")
	job, err := engine.CreateJob(context.Background(), "cust-1", "electrical", "Dead outlet")
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	monitor := NewMonitor(store, engine, clk, nil, time.Minute)
	engine.SetScheduler(monitor)
	if err := monitor.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if monitor.TrackedTimers() != 1 {
		t.Fatalf("tracked timers = %d, want 1", monitor.TrackedTimers())
	}

	// Re-sweeping must not double-register.
	if err := monitor.Sweep(context.Background()); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if monitor.TrackedTimers() != 1 {
		t.Fatalf("tracked timers after resweep = %d, want 1", monitor.TrackedTimers())
	}

	clk.Advance(16 * time.Minute)

	attempts, err := store.ListAttemptsByJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if attempts[0].Status != domain.AttemptStatusTimedOut {
		t.Fatalf("attempt status = %s, want timed_out", attempts[0].Status)
	}
	if monitor.TrackedTimers() != 0 {
		t.Fatalf("fired timer still tracked: %d", monitor.TrackedTimers())
	}
}

func TestSweepRedispatchesJobStalledByProviderOutage(t *testing.T) {
	store := repository.NewMemoryStore()
	clk := clock.NewFakeClock(testStart)
	seedWorker(t, store, "w1", true)
	seedWorker(t, store, "w2", true)

	providerDown := false
	provider := candidates.ProviderFunc(func(context.Context, string) ([]string, error) {
		if providerDown {
			return nil, errors.New("roster unavailable")
		}
		return []string{"w1", "w2"}, nil
	})
	engine := NewEngine(store, provider, &capturingNotifier{}, clk, nil, Config{})
	monitor := NewMonitor(store, engine, clk, nil, time.Minute)
	engine.SetScheduler(monitor)

	job, err := engine.CreateJob(context.Background(), "cust-1", "plumbing", "Burst pipe")
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	first, err := store.ListAttemptsByJob(context.Background(), job.ID)
	if err != nil || len(first) != 1 {
		t.Fatalf("expected one attempt, got %v (%v)", first, err)
	}

	// The provider is down when the decline triggers the next dispatch, so the
	// job is left in dispatching with no pending attempt.
	providerDown = true
	if err := engine.ResolveAttempt(context.Background(), first[0].ID, domain.AttemptStatusDeclined, "busy", WorkerActor("w1")); err != nil {
		t.Fatalf("decline: %v", err)
	}

	stranded, err := store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if stranded.Status != domain.JobStatusDispatching || stranded.Escalated {
		t.Fatalf("unexpected stranded job state: %+v", stranded)
	}
	attempts, err := store.ListAttemptsByJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 1 || domain.PendingAttempt(attempts) != nil {
		t.Fatalf("stranded job must have no pending attempt: %+v", attempts)
	}

	providerDown = false
	if err := monitor.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	attempts, err = store.ListAttemptsByJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("list attempts after sweep: %v", err)
	}
	pending := domain.PendingAttempt(attempts)
	if len(attempts) != 2 || pending == nil || pending.WorkerID != "w2" {
		t.Fatalf("sweep did not re-dispatch the stalled job: %+v", attempts)
	}
	if monitor.TrackedTimers() != 1 {
		t.Fatalf("tracked timers = %d, want 1", monitor.TrackedTimers())
	}
}

func TestScheduleReplacesExistingTimer(t *testing.T) {
	engine, store, clk := newUnmonitoredEngine(t)
	monitor := NewMonitor(store, engine, clk, nil, time.Minute)

	monitor.Schedule("attempt-1", testStart.Add(5*time.Minute))
	monitor.Schedule("attempt-1", testStart.Add(10*time.Minute))

	if monitor.TrackedTimers() != 1 {
		t.Fatalf("tracked timers = %d, want 1", monitor.TrackedTimers())
	}
	if clk.PendingTimers() != 1 {
		t.Fatalf("pending clock timers = %d, want 1", clk.PendingTimers())
	}
}

func TestCancelTimerStopsDeadlineCallback(t *testing.T) {
	h := newTestHarness(t, Config{}, "w1")
	job := h.createJob(t)
	attempt := h.pendingAttempt(t, job.ID)

	h.monitor.CancelTimer(attempt.ID)
	h.clock.Advance(time.Hour)

	if got := h.pendingAttempt(t, job.ID); got.Status != domain.AttemptStatusPending {
		t.Fatalf("attempt status = %s, want pending", got.Status)
	}
}

func TestStartRunsRecoveryThenStopsOnCancel(t *testing.T) {
	engine, store, clk := newUnmonitoredEngine(t, "w1")
	job, err := engine.CreateJob(context.Background(), "cust-1", "hvac", "No cooling")
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	clk.Advance(20 * time.Minute)

	monitor := NewMonitor(store, engine, clk, nil, 10*time.Millisecond)
	engine.SetScheduler(monitor)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		monitor.Start(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		attempts, err := store.ListAttemptsByJob(context.Background(), job.ID)
		if err != nil {
			t.Fatalf("list attempts: %v", err)
		}
		if attempts[0].Status == domain.AttemptStatusTimedOut {
			break
		}
		select {
		case <-deadline:
			t.Fatal("recovery scan never resolved the expired attempt")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop after context cancellation")
	}
}
