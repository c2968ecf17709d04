package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aidehq/aide/internal/core"
	"github.com/aidehq/aide/internal/storage"
	"github.com/aidehq/aide/internal/testutil"
)

// fakeDispatcher records dispatches and fails on command.
type fakeDispatcher struct {
	mu        sync.Mutex
	dispatched []*core.ScheduledTask
	errs      map[string]error // task dedupe key -> error to return
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{errs: make(map[string]error)}
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, task *core.ScheduledTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, task)
	return f.errs[task.DedupeKey]
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dispatched)
}

func (f *fakeDispatcher) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.dispatched))
	for i, t := range f.dispatched {
		out[i] = t.DedupeKey
	}
	return out
}

func newTestScheduler(t *testing.T, clk *testutil.FakeClock) (*Scheduler, *fakeDispatcher, *storage.TaskStore) {
	t.Helper()
	db := testutil.NewTestDB(t)
	tasks := storage.NewTaskStore(db)
	s := New(tasks, clk, DefaultConfig())
	d := newFakeDispatcher()
	s.SetDispatcher(d)
	return s, d, tasks
}

func TestParseRecurrence(t *testing.T) {
	t.Run("valid forms", func(t *testing.T) {
		r, err := ParseRecurrence("every:45m")
		if err != nil {
			t.Fatalf("ParseRecurrence failed: %v", err)
		}
		base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
		if got := r.Next(base); !got.Equal(base.Add(45 * time.Minute)) {
			t.Errorf("Next = %v", got)
		}

		r, err = ParseRecurrence("daily:08:30")
		if err != nil {
			t.Fatalf("ParseRecurrence failed: %v", err)
		}
		// After 09:00 the next 08:30 is tomorrow
		want := time.Date(2026, 3, 11, 8, 30, 0, 0, time.UTC)
		if got := r.Next(base); !got.Equal(want) {
			t.Errorf("Next = %v, want %v", got, want)
		}
		// Before 08:30 it is today
		early := time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC)
		want = time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC)
		if got := r.Next(early); !got.Equal(want) {
			t.Errorf("Next = %v, want %v", got, want)
		}
	})

	t.Run("one-shot", func(t *testing.T) {
		r, err := ParseRecurrence("")
		if err != nil || r != nil {
			t.Errorf("Empty rule: r=%v err=%v", r, err)
		}
	})

	t.Run("invalid forms", func(t *testing.T) {
		for _, s := range []string{"every:bogus", "every:30s", "daily:25:00", "daily:08", "weekly:mon"} {
			if _, err := ParseRecurrence(s); !errors.Is(err, core.ErrBadRecurrence) {
				t.Errorf("ParseRecurrence(%q) = %v, want ErrBadRecurrence", s, err)
			}
		}
	})
}

func TestRegister(t *testing.T) {
	clk := testutil.NewFakeClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	s, _, _ := newTestScheduler(t, clk)

	t.Run("validation", func(t *testing.T) {
		_, err := s.Register(RegisterInput{Type: core.TaskReminder, DedupeKey: "x", RunAt: clk.Now()})
		if !errors.Is(err, core.ErrMissingRequired) {
			t.Errorf("Missing user: %v", err)
		}
		_, err = s.Register(RegisterInput{UserID: "u", Type: core.TaskReminder, DedupeKey: "x", RunAt: clk.Now(), Recurrence: "bogus"})
		if !errors.Is(err, core.ErrBadRecurrence) {
			t.Errorf("Bad recurrence: %v", err)
		}
	})

	t.Run("defaults applied", func(t *testing.T) {
		task, err := s.Register(RegisterInput{
			UserID: "alice", Type: core.TaskReminder, DedupeKey: "r1", RunAt: clk.Now().Add(time.Hour),
		})
		if err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if task.Priority != core.PriorityNormal {
			t.Errorf("Priority = %d, want normal", task.Priority)
		}
		if task.MaxRetries != 3 {
			t.Errorf("MaxRetries = %d, want 3", task.MaxRetries)
		}
	})

	t.Run("cancel", func(t *testing.T) {
		found, err := s.Cancel("alice", core.TaskReminder, "r1")
		if err != nil {
			t.Fatalf("Cancel failed: %v", err)
		}
		if !found {
			t.Error("Expected to find the pending task")
		}
		found, err = s.Cancel("alice", core.TaskReminder, "r1")
		if err != nil {
			t.Fatalf("Cancel failed: %v", err)
		}
		if found {
			t.Error("Second cancel should find nothing")
		}
	})
}

func TestTick(t *testing.T) {
	ctx := context.Background()

	t.Run("fires due tasks exactly once", func(t *testing.T) {
		clk := testutil.NewFakeClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
		s, d, tasks := newTestScheduler(t, clk)

		if _, err := s.Register(RegisterInput{
			UserID: "alice", Type: core.TaskReminder, DedupeKey: "due", RunAt: clk.Now().Add(-time.Minute),
		}); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if _, err := s.Register(RegisterInput{
			UserID: "alice", Type: core.TaskReminder, DedupeKey: "future", RunAt: clk.Now().Add(time.Hour),
		}); err != nil {
			t.Fatalf("Register failed: %v", err)
		}

		if err := s.Tick(ctx); err != nil {
			t.Fatalf("Tick failed: %v", err)
		}
		if d.count() != 1 {
			t.Fatalf("Dispatched %d tasks, want 1", d.count())
		}
		if d.keys()[0] != "due" {
			t.Errorf("Wrong task fired: %s", d.keys()[0])
		}

		// A second tick must not re-fire the completed task
		if err := s.Tick(ctx); err != nil {
			t.Fatalf("Tick failed: %v", err)
		}
		if d.count() != 1 {
			t.Errorf("Task fired twice")
		}

		live, err := tasks.ListByUser("alice")
		if err != nil {
			t.Fatalf("ListByUser failed: %v", err)
		}
		if len(live) != 1 || live[0].DedupeKey != "future" {
			t.Errorf("Unexpected live tasks: %d", len(live))
		}
	})

	t.Run("same-user tasks fire in priority order", func(t *testing.T) {
		clk := testutil.NewFakeClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
		s, d, _ := newTestScheduler(t, clk)

		if _, err := s.Register(RegisterInput{
			UserID: "bob", Type: core.TaskDigest, DedupeKey: "low",
			RunAt: clk.Now().Add(-time.Minute), Priority: core.PriorityLow,
		}); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		clk.Advance(time.Second)
		if _, err := s.Register(RegisterInput{
			UserID: "bob", Type: core.TaskWakeupAttempt, DedupeKey: "high",
			RunAt: clk.Now().Add(-time.Minute), Priority: core.PriorityHigh,
		}); err != nil {
			t.Fatalf("Register failed: %v", err)
		}

		if err := s.Tick(ctx); err != nil {
			t.Fatalf("Tick failed: %v", err)
		}

		keys := d.keys()
		if len(keys) != 2 {
			t.Fatalf("Dispatched %d tasks, want 2", len(keys))
		}
		if keys[0] != "high" || keys[1] != "low" {
			t.Errorf("Order = %v, want [high low]", keys)
		}
	})

	t.Run("recurring task rolls forward", func(t *testing.T) {
		clk := testutil.NewFakeClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
		s, d, tasks := newTestScheduler(t, clk)

		reg, err := s.Register(RegisterInput{
			UserID: "carol", Type: core.TaskDigest, DedupeKey: "digest",
			RunAt: clk.Now().Add(-time.Minute), Recurrence: "every:1h",
		})
		if err != nil {
			t.Fatalf("Register failed: %v", err)
		}

		if err := s.Tick(ctx); err != nil {
			t.Fatalf("Tick failed: %v", err)
		}
		if d.count() != 1 {
			t.Fatalf("Dispatched %d, want 1", d.count())
		}

		got, err := tasks.GetByID(reg.ID)
		if err != nil {
			t.Fatalf("GetByID failed: %v", err)
		}
		if got.Status != core.TaskPending {
			t.Errorf("Status = %s, want pending", got.Status)
		}
		if !got.NextRunAt.Equal(clk.Now().Add(time.Hour)) {
			t.Errorf("NextRunAt = %v, want +1h", got.NextRunAt)
		}

		// Fires again when due
		clk.Advance(61 * time.Minute)
		if err := s.Tick(ctx); err != nil {
			t.Fatalf("Tick failed: %v", err)
		}
		if d.count() != 2 {
			t.Errorf("Dispatched %d, want 2", d.count())
		}
	})
}

func TestRetries(t *testing.T) {
	ctx := context.Background()

	t.Run("transient failure backs off then succeeds", func(t *testing.T) {
		clk := testutil.NewFakeClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
		s, d, tasks := newTestScheduler(t, clk)
		d.errs["flaky"] = errors.New("transient")

		reg, err := s.Register(RegisterInput{
			UserID: "alice", Type: core.TaskReminder, DedupeKey: "flaky", RunAt: clk.Now().Add(-time.Minute),
		})
		if err != nil {
			t.Fatalf("Register failed: %v", err)
		}

		if err := s.Tick(ctx); err != nil {
			t.Fatalf("Tick failed: %v", err)
		}

		got, err := tasks.GetByID(reg.ID)
		if err != nil {
			t.Fatalf("GetByID failed: %v", err)
		}
		if got.Status != core.TaskPending {
			t.Fatalf("Status = %s, want pending for retry", got.Status)
		}
		if got.RetryCount != 1 {
			t.Errorf("RetryCount = %d, want 1", got.RetryCount)
		}
		if !got.NextRunAt.Equal(clk.Now().Add(time.Minute)) {
			t.Errorf("Backoff = %v, want +1m", got.NextRunAt.Sub(clk.Now()))
		}

		// Not due again until the backoff elapses
		if err := s.Tick(ctx); err != nil {
			t.Fatalf("Tick failed: %v", err)
		}
		if d.count() != 1 {
			t.Errorf("Retried before backoff elapsed")
		}

		// Heal the dispatcher; the retry succeeds
		d.errs["flaky"] = nil
		clk.Advance(2 * time.Minute)
		if err := s.Tick(ctx); err != nil {
			t.Fatalf("Tick failed: %v", err)
		}

		got, err = tasks.GetByID(reg.ID)
		if err != nil {
			t.Fatalf("GetByID failed: %v", err)
		}
		if got.Status != core.TaskDone {
			t.Errorf("Status = %s, want done", got.Status)
		}
	})

	t.Run("exhausted retries fail the task and fire the hook", func(t *testing.T) {
		clk := testutil.NewFakeClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
		s, d, tasks := newTestScheduler(t, clk)
		d.errs["doomed"] = errors.New("always fails")

		var hookCalls int
		s.SetFailureHook(func(task *core.ScheduledTask, err error) {
			hookCalls++
		})

		reg, err := s.Register(RegisterInput{
			UserID: "bob", Type: core.TaskReminder, DedupeKey: "doomed",
			RunAt: clk.Now().Add(-time.Minute), MaxRetries: 2,
		})
		if err != nil {
			t.Fatalf("Register failed: %v", err)
		}

		// initial attempt + 2 retries
		for i := 0; i < 3; i++ {
			if err := s.Tick(ctx); err != nil {
				t.Fatalf("Tick failed: %v", err)
			}
			clk.Advance(time.Hour)
		}

		got, err := tasks.GetByID(reg.ID)
		if err != nil {
			t.Fatalf("GetByID failed: %v", err)
		}
		if got.Status != core.TaskFailed {
			t.Errorf("Status = %s, want failed", got.Status)
		}
		if d.count() != 3 {
			t.Errorf("Dispatched %d times, want 3", d.count())
		}
		if hookCalls != 1 {
			t.Errorf("Failure hook called %d times, want 1", hookCalls)
		}
	})

	t.Run("permanent failure skips retries", func(t *testing.T) {
		clk := testutil.NewFakeClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
		s, d, tasks := newTestScheduler(t, clk)
		d.errs["invalid"] = fmt.Errorf("%w: unknown recipient", core.ErrPermanentDelivery)

		var hookErr error
		s.SetFailureHook(func(task *core.ScheduledTask, err error) {
			hookErr = err
		})

		reg, err := s.Register(RegisterInput{
			UserID: "carol", Type: core.TaskReminder, DedupeKey: "invalid", RunAt: clk.Now().Add(-time.Minute),
		})
		if err != nil {
			t.Fatalf("Register failed: %v", err)
		}

		if err := s.Tick(ctx); err != nil {
			t.Fatalf("Tick failed: %v", err)
		}

		got, err := tasks.GetByID(reg.ID)
		if err != nil {
			t.Fatalf("GetByID failed: %v", err)
		}
		if got.Status != core.TaskFailed {
			t.Errorf("Status = %s, want failed after one attempt", got.Status)
		}
		if d.count() != 1 {
			t.Errorf("Dispatched %d times, want 1", d.count())
		}
		if !errors.Is(hookErr, core.ErrPermanentDelivery) {
			t.Errorf("Hook error = %v", hookErr)
		}
	})
}

func TestRecover(t *testing.T) {
	clk := testutil.NewFakeClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	s, d, tasks := newTestScheduler(t, clk)

	reg, err := s.Register(RegisterInput{
		UserID: "alice", Type: core.TaskReminder, DedupeKey: "orphan", RunAt: clk.Now().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// Simulate a crash mid-dispatch
	if err := tasks.MarkRunning(reg.ID, clk.Now()); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}

	if err := s.Recover(); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if d.count() != 1 {
		t.Errorf("Recovered task did not fire: dispatched %d", d.count())
	}
}

func TestBackoffCap(t *testing.T) {
	clk := testutil.NewFakeClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	s, _, _ := newTestScheduler(t, clk)

	if got := s.backoff(0); got != time.Minute {
		t.Errorf("backoff(0) = %v, want 1m", got)
	}
	if got := s.backoff(2); got != 4*time.Minute {
		t.Errorf("backoff(2) = %v, want 4m", got)
	}
	if got := s.backoff(10); got != 30*time.Minute {
		t.Errorf("backoff(10) = %v, want capped 30m", got)
	}
}
