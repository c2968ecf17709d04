// Package scheduler fires registered future triggers. Tasks are durable:
// they live in SQLite, survive restarts, and fire at most once per due time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aidehq/aide/internal/clock"
	"github.com/aidehq/aide/internal/core"
	"github.com/aidehq/aide/internal/logging"
	"github.com/aidehq/aide/internal/storage"
)

// Dispatcher executes a due task. The orchestrator implements this.
type Dispatcher interface {
	Dispatch(ctx context.Context, task *core.ScheduledTask) error
}

// FailureHook observes tasks that exhausted their retries. Used to record
// the failure in the proactive audit trail.
type FailureHook func(task *core.ScheduledTask, err error)

// Config tunes the scheduler.
type Config struct {
	TickInterval      time.Duration
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	DefaultMaxRetries int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:      30 * time.Second,
		BackoffBase:       time.Minute,
		BackoffCap:        30 * time.Minute,
		DefaultMaxRetries: 3,
	}
}

// Scheduler owns the task lifecycle: register, cancel, tick, recover.
type Scheduler struct {
	tasks *storage.TaskStore
	clock clock.Clock
	cfg   Config

	mu         sync.Mutex
	dispatcher Dispatcher
	onFailure  FailureHook
}

// New creates a scheduler. The dispatcher is attached later via
// SetDispatcher to break the construction cycle with the orchestrator.
func New(tasks *storage.TaskStore, clk clock.Clock, cfg Config) *Scheduler {
	if cfg.TickInterval == 0 {
		cfg = DefaultConfig()
	}
	return &Scheduler{
		tasks: tasks,
		clock: clk,
		cfg:   cfg,
	}
}

// SetDispatcher attaches the component that executes due tasks.
func (s *Scheduler) SetDispatcher(d Dispatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatcher = d
}

// SetFailureHook attaches the failure observer.
func (s *Scheduler) SetFailureHook(h FailureHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFailure = h
}

// RegisterInput describes a task to register.
type RegisterInput struct {
	UserID     string
	Type       core.TaskType
	DedupeKey  string
	RunAt      time.Time
	Recurrence string
	Priority   int // 0 means PriorityNormal
	Payload    map[string]string
	MaxRetries int // 0 means the configured default
}

// Register creates or replaces a task. At most one pending task exists per
// (user, type, dedupe key); registering again replaces the pending one.
func (s *Scheduler) Register(in RegisterInput) (*core.ScheduledTask, error) {
	if in.UserID == "" {
		return nil, fmt.Errorf("%w: user id", core.ErrMissingRequired)
	}
	if in.Type == "" {
		return nil, fmt.Errorf("%w: task type", core.ErrMissingRequired)
	}
	if strings.TrimSpace(in.DedupeKey) == "" {
		return nil, fmt.Errorf("%w: dedupe key", core.ErrMissingRequired)
	}
	if in.RunAt.IsZero() {
		return nil, fmt.Errorf("%w: run time", core.ErrMissingRequired)
	}
	if _, err := ParseRecurrence(in.Recurrence); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if in.Priority == 0 {
		in.Priority = core.PriorityNormal
	}
	if in.MaxRetries == 0 {
		in.MaxRetries = s.cfg.DefaultMaxRetries
	}

	task := &core.ScheduledTask{
		ID:          uuid.NewString(),
		UserID:      in.UserID,
		Type:        in.Type,
		DedupeKey:   in.DedupeKey,
		ScheduledAt: in.RunAt.UTC(),
		Recurrence:  in.Recurrence,
		Priority:    in.Priority,
		Payload:     in.Payload,
		Status:      core.TaskPending,
		MaxRetries:  in.MaxRetries,
		NextRunAt:   in.RunAt.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.tasks.Register(task); err != nil {
		return nil, fmt.Errorf("failed to register task: %w", err)
	}

	logging.Debug("Registered task %s type=%s user=%s due=%s", task.ID, task.Type, task.UserID, task.NextRunAt)
	return task, nil
}

// Cancel cancels the pending task matching the dedupe identity. Returns
// false when no such task exists; that is not an error.
func (s *Scheduler) Cancel(userID string, taskType core.TaskType, dedupeKey string) (bool, error) {
	return s.tasks.CancelPending(userID, taskType, dedupeKey, s.clock.Now())
}

// ListByUser returns a user's live tasks.
func (s *Scheduler) ListByUser(userID string) ([]*core.ScheduledTask, error) {
	return s.tasks.ListByUser(userID)
}

// RegisterHabitSuggestion satisfies habits.Registrar: one suggestion task
// per pattern key, replaced on every re-scan.
func (s *Scheduler) RegisterHabitSuggestion(userID string, pattern *core.HabitPattern, runAt time.Time) error {
	_, err := s.Register(RegisterInput{
		UserID:    userID,
		Type:      core.TaskHabitSuggest,
		DedupeKey: pattern.Data.Key,
		RunAt:     runAt,
		Payload: map[string]string{
			"pattern_id":  pattern.ID,
			"pattern_key": pattern.Data.Key,
		},
	})
	return err
}

// Recover flips tasks stranded in running back to pending. Call once at
// startup, before the tick loop.
func (s *Scheduler) Recover() error {
	n, err := s.tasks.RecoverRunning(s.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to recover tasks: %w", err)
	}
	if n > 0 {
		logging.Warn("Recovered %d tasks stranded in running state", n)
	}
	return nil
}

// Tick fires every due task once. Tasks for different users run
// concurrently; tasks for the same user run in order.
func (s *Scheduler) Tick(ctx context.Context) error {
	s.mu.Lock()
	dispatcher := s.dispatcher
	s.mu.Unlock()
	if dispatcher == nil {
		return errors.New("scheduler has no dispatcher")
	}

	due, err := s.tasks.Due(s.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to load due tasks: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	// Due ordering is (user, priority, created_at); grouping preserves it
	byUser := make(map[string][]*core.ScheduledTask)
	for _, task := range due {
		byUser[task.UserID] = append(byUser[task.UserID], task)
	}

	var wg sync.WaitGroup
	for _, tasks := range byUser {
		wg.Add(1)
		go func(tasks []*core.ScheduledTask) {
			defer wg.Done()
			for _, task := range tasks {
				s.fire(ctx, dispatcher, task)
			}
		}(tasks)
	}
	wg.Wait()

	return nil
}

// fire claims and dispatches one task, then settles its outcome.
func (s *Scheduler) fire(ctx context.Context, dispatcher Dispatcher, task *core.ScheduledTask) {
	now := s.clock.Now()

	// Claiming moves pending -> running; losing the claim means another
	// tick already took it
	if err := s.tasks.MarkRunning(task.ID, now); err != nil {
		if !errors.Is(err, core.ErrTaskNotFound) {
			logging.Error("Failed to claim task %s: %v", task.ID, err)
		}
		return
	}

	err := dispatcher.Dispatch(ctx, task)
	now = s.clock.Now()

	if err == nil {
		s.settle(task, now)
		return
	}

	permanent := errors.Is(err, core.ErrPermanentDelivery)
	if permanent || task.RetryCount >= task.MaxRetries {
		logging.Error("Task %s failed permanently: %v", task.ID, err)
		if ferr := s.tasks.Fail(task.ID, now); ferr != nil {
			logging.Error("Failed to mark task %s failed: %v", task.ID, ferr)
		}
		s.mu.Lock()
		hook := s.onFailure
		s.mu.Unlock()
		if hook != nil {
			hook(task, err)
		}
		return
	}

	delay := s.backoff(task.RetryCount)
	logging.Warn("Task %s failed (attempt %d/%d), retrying in %s: %v",
		task.ID, task.RetryCount+1, task.MaxRetries, delay, err)
	if rerr := s.tasks.Reschedule(task.ID, now.Add(delay), true, now); rerr != nil {
		logging.Error("Failed to reschedule task %s: %v", task.ID, rerr)
	}
}

// settle completes a one-shot task or rolls a recurring one forward.
func (s *Scheduler) settle(task *core.ScheduledTask, now time.Time) {
	rule, err := ParseRecurrence(task.Recurrence)
	if err != nil || rule == nil {
		if err != nil {
			logging.Warn("Task %s has unparseable recurrence %q, completing as one-shot", task.ID, task.Recurrence)
		}
		if cerr := s.tasks.Complete(task.ID, now); cerr != nil {
			logging.Error("Failed to complete task %s: %v", task.ID, cerr)
		}
		return
	}

	next := rule.Next(now)
	if rerr := s.tasks.Reschedule(task.ID, next, false, now); rerr != nil {
		logging.Error("Failed to roll task %s forward: %v", task.ID, rerr)
	}
}

// backoff returns the delay before retry n: base doubling per attempt,
// capped.
func (s *Scheduler) backoff(retryCount int) time.Duration {
	delay := s.cfg.BackoffBase
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= s.cfg.BackoffCap {
			return s.cfg.BackoffCap
		}
	}
	if delay > s.cfg.BackoffCap {
		delay = s.cfg.BackoffCap
	}
	return delay
}

// Run ticks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				logging.Error("Scheduler tick failed: %v", err)
			}
		}
	}
}
