package dispatch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/iago/dispatch-sla-back/internal/clock"
	"github.com/iago/dispatch-sla-back/internal/repository"
)

// Monitor guarantees that no pending attempt survives past its deadline. Each
// open attempt registers a timer; on fire the monitor resolves the attempt as
// timed out through the same compare-and-set path as worker responses, so a
// timer firing on an already-resolved attempt is a benign no-op.
//
// Durability across restarts comes from the recovery scan: on start every
// pending attempt past its deadline is resolved immediately and timers are
// re-registered for the rest. A periodic sweep retries anything a failed
// resolution left behind, and re-dispatches jobs stranded without a pending
// attempt when a post-resolution dispatch failed.
type Monitor struct {
	store         repository.Store
	engine        *Engine
	clock         clock.Clock
	logger        *log.Logger
	sweepInterval time.Duration

	mu      sync.Mutex
	baseCtx context.Context
	timers  map[string]clock.Timer
}

func NewMonitor(
	store repository.Store,
	engine *Engine,
	clk clock.Clock,
	logger *log.Logger,
	sweepInterval time.Duration,
) *Monitor {
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	return &Monitor{
		store:         store,
		engine:        engine,
		clock:         clk,
		logger:        logger,
		sweepInterval: sweepInterval,
		baseCtx:       context.Background(),
		timers:        make(map[string]clock.Timer),
	}
}

// Start runs the recovery scan and then sweeps periodically until ctx is
// cancelled. Sweep failures are logged and retried on the next tick.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()

	if err := m.Sweep(ctx); err != nil {
		m.logf("monitor recovery scan failed: %v", err)
	}

	for {
		timer := time.NewTimer(m.sweepInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if err := m.Sweep(ctx); err != nil {
				m.logf("monitor sweep failed: %v", err)
			}
		}
	}
}

// Sweep resolves every pending attempt whose deadline has elapsed, ensures a
// timer exists for every pending attempt still inside its deadline, and
// re-runs the dispatch policy on jobs stalled without a pending attempt.
func (m *Monitor) Sweep(ctx context.Context) error {
	now := m.clock.Now()

	expired, err := m.store.ListExpiredPendingAttempts(ctx, now)
	if err != nil {
		return err
	}
	for _, attempt := range expired {
		m.CancelTimer(attempt.ID)
		m.engine.HandleDeadline(ctx, attempt.ID)
	}

	pending, err := m.store.ListPendingAttempts(ctx)
	if err != nil {
		return err
	}
	for _, attempt := range pending {
		if attempt.Deadline.Before(now) {
			continue
		}
		m.mu.Lock()
		_, tracked := m.timers[attempt.ID]
		m.mu.Unlock()
		if !tracked {
			m.Schedule(attempt.ID, attempt.Deadline)
		}
	}

	stalled, err := m.store.ListStalledJobs(ctx)
	if err != nil {
		return err
	}
	for _, job := range stalled {
		if err := m.engine.RecoverDispatch(ctx, job.ID); err != nil {
			m.logf("stalled job redispatch failed job_id=%s err=%v", job.ID, err)
		}
	}
	return nil
}

// Schedule registers a deadline callback for the attempt, replacing any
// existing timer for the same attempt id.
func (m *Monitor) Schedule(attemptID string, deadline time.Time) {
	delay := deadline.Sub(m.clock.Now())
	if delay < 0 {
		delay = 0
	}

	m.mu.Lock()
	if existing, ok := m.timers[attemptID]; ok {
		existing.Stop()
	}
	m.timers[attemptID] = m.clock.AfterFunc(delay, func() {
		m.fire(attemptID)
	})
	m.mu.Unlock()
}

// CancelTimer stops the deadline callback for a resolved attempt. Best-effort:
// a timer that already fired is harmless due to the compare-and-set
// resolution discipline.
func (m *Monitor) CancelTimer(attemptID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if timer, ok := m.timers[attemptID]; ok {
		timer.Stop()
		delete(m.timers, attemptID)
	}
}

// TrackedTimers reports the number of registered deadline callbacks.
func (m *Monitor) TrackedTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (m *Monitor) fire(attemptID string) {
	m.mu.Lock()
	delete(m.timers, attemptID)
	ctx := m.baseCtx
	m.mu.Unlock()

	m.engine.HandleDeadline(ctx, attemptID)
}

func (m *Monitor) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}
