// Package proactive decides, for every fired trigger, whether the user
// actually hears about it. Every decision, sent or suppressed, lands in the
// audit trail.
package proactive

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aidehq/aide/internal/clock"
	"github.com/aidehq/aide/internal/core"
	"github.com/aidehq/aide/internal/logging"
	"github.com/aidehq/aide/internal/memory"
	"github.com/aidehq/aide/internal/storage"
	"github.com/aidehq/aide/internal/wakeup"
)

// NotifyFunc observes sent actions, for pushing over the websocket hub.
type NotifyFunc func(userID string, actionType core.TaskType, body string)

// Orchestrator routes due tasks and applies the proactive gates:
// master switch, per-feature opt-out, quiet hours, daily cap, confidence.
// Wake-up attempts pass straight through; the user explicitly asked for
// those.
type Orchestrator struct {
	memories  *memory.Manager
	patterns  *storage.HabitStore
	actions   *storage.ActionStore
	wakeups   *wakeup.Manager
	transport core.Transport
	composer  core.Composer // may be nil
	prefs     core.PreferenceSource
	clock     clock.Clock

	confidenceFloor float64
	staleness       time.Duration

	notify NotifyFunc // may be nil
}

// NewOrchestrator creates the orchestrator.
func NewOrchestrator(
	memories *memory.Manager,
	patterns *storage.HabitStore,
	actions *storage.ActionStore,
	wakeups *wakeup.Manager,
	transport core.Transport,
	composer core.Composer,
	prefs core.PreferenceSource,
	clk clock.Clock,
	confidenceFloor float64,
	staleness time.Duration,
) *Orchestrator {
	if confidenceFloor == 0 {
		confidenceFloor = 0.6
	}
	if staleness == 0 {
		staleness = 14 * 24 * time.Hour
	}
	return &Orchestrator{
		memories:        memories,
		patterns:        patterns,
		actions:         actions,
		wakeups:         wakeups,
		transport:       transport,
		composer:        composer,
		prefs:           prefs,
		clock:           clk,
		confidenceFloor: confidenceFloor,
		staleness:       staleness,
	}
}

// SetNotify attaches the sent-action observer.
func (o *Orchestrator) SetNotify(fn NotifyFunc) {
	o.notify = fn
}

// Dispatch satisfies scheduler.Dispatcher.
func (o *Orchestrator) Dispatch(ctx context.Context, task *core.ScheduledTask) error {
	switch task.Type {
	case core.TaskWakeupAttempt:
		return o.wakeups.HandleAttempt(ctx, task)
	case core.TaskHabitSuggest:
		return o.handleHabitSuggest(ctx, task)
	case core.TaskReminder:
		return o.handleReminder(ctx, task)
	case core.TaskDigest:
		return o.handleDigest(ctx, task)
	default:
		return fmt.Errorf("%w: unknown task type %q", core.ErrInvalidInput, task.Type)
	}
}

// RecordFailure satisfies scheduler.FailureHook: a task that exhausted its
// retries still leaves an audit row.
func (o *Orchestrator) RecordFailure(task *core.ScheduledTask, err error) {
	o.record(task, core.DecisionFailed, err.Error())
}

// handleHabitSuggest runs the full gate chain before a habit suggestion
// goes out.
func (o *Orchestrator) handleHabitSuggest(ctx context.Context, task *core.ScheduledTask) error {
	prefs, err := o.prefs.GetPreferences(ctx, task.UserID)
	if err != nil {
		return fmt.Errorf("failed to load preferences: %w", err)
	}

	if !prefs.ProactiveMode || !prefs.HabitReminders {
		o.record(task, core.DecisionSuppressedPreference, "habit reminders disabled")
		return nil
	}

	now := o.clock.Now()
	if prefs.InQuietHours(now.Hour()) {
		o.record(task, core.DecisionSuppressedQuietHours, "")
		return nil
	}

	if suppressed, err := o.overDailyCap(task.UserID, prefs, now); err != nil {
		return err
	} else if suppressed {
		o.record(task, core.DecisionSuppressedPreference, "daily proactive cap reached")
		return nil
	}

	// The pattern may have decayed between registration and firing;
	// re-check confidence at send time
	pattern, err := o.patterns.GetByID(task.UserID, task.Payload["pattern_id"])
	if err != nil || pattern.Confidence < o.confidenceFloor || !pattern.Active ||
		pattern.LastObservedAt.Before(now.Add(-o.staleness)) {
		o.record(task, core.DecisionSuppressedConfidence, "pattern no longer eligible")
		return nil
	}

	body := o.compose(ctx, "habit-suggestion",
		fmt.Sprintf("pattern=%s confidence=%.2f", pattern.Data.Key, pattern.Confidence),
		fmt.Sprintf("You usually do %s around now. Want a hand?", pattern.Data.Key))

	if _, err := o.transport.SendText(ctx, task.UserID, body); err != nil {
		return err
	}

	o.record(task, core.DecisionSent, pattern.Data.Key)
	o.remember(ctx, task, "Suggested habit "+pattern.Data.Key, map[string]string{"pattern_key": pattern.Data.Key})
	o.push(task.UserID, task.Type, body)
	return nil
}

// handleReminder fires a user-requested reminder. Explicit requests skip
// the habit gates but still honor the master switch.
func (o *Orchestrator) handleReminder(ctx context.Context, task *core.ScheduledTask) error {
	prefs, err := o.prefs.GetPreferences(ctx, task.UserID)
	if err != nil {
		return fmt.Errorf("failed to load preferences: %w", err)
	}
	if !prefs.ProactiveMode {
		o.record(task, core.DecisionSuppressedPreference, "proactive mode off")
		return nil
	}

	body := task.Payload["text"]
	if body == "" {
		body = "Reminder"
	}

	if _, err := o.transport.SendText(ctx, task.UserID, body); err != nil {
		return err
	}

	o.record(task, core.DecisionSent, body)
	o.remember(ctx, task, "Sent reminder: "+body, nil)
	o.push(task.UserID, task.Type, body)
	return nil
}

// handleDigest sends the daily summary.
func (o *Orchestrator) handleDigest(ctx context.Context, task *core.ScheduledTask) error {
	prefs, err := o.prefs.GetPreferences(ctx, task.UserID)
	if err != nil {
		return fmt.Errorf("failed to load preferences: %w", err)
	}
	if !prefs.ProactiveMode || !prefs.DailyDigest {
		o.record(task, core.DecisionSuppressedPreference, "daily digest disabled")
		return nil
	}

	now := o.clock.Now()
	if prefs.InQuietHours(now.Hour()) {
		o.record(task, core.DecisionSuppressedQuietHours, "")
		return nil
	}

	summary, err := o.memories.Summarize(task.UserID)
	if err != nil {
		return fmt.Errorf("failed to summarize memory: %w", err)
	}

	body := o.compose(ctx, "daily-digest",
		fmt.Sprintf("total=%d kinds=%d", summary.Total, len(summary.ByKind)),
		fmt.Sprintf("Daily digest: %d memories on file, %d recorded today.",
			summary.Total, summary.ByDay[now.Format("2006-01-02")]))

	if _, err := o.transport.SendText(ctx, task.UserID, body); err != nil {
		return err
	}

	o.record(task, core.DecisionSent, "digest")
	o.push(task.UserID, task.Type, body)
	return nil
}

// overDailyCap reports whether the user already received the day's quota.
func (o *Orchestrator) overDailyCap(userID string, prefs core.Preferences, now time.Time) (bool, error) {
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	sent, err := o.actions.CountSentSince(userID, dayStart)
	if err != nil {
		return false, fmt.Errorf("failed to count sent actions: %w", err)
	}
	return sent >= prefs.MaxDailyProactive, nil
}

func (o *Orchestrator) compose(ctx context.Context, intent, contextSummary, fallback string) string {
	if o.composer == nil {
		return fallback
	}
	body, err := o.composer.Compose(ctx, intent, contextSummary)
	if err != nil || body == "" {
		return fallback
	}
	return body
}

// record appends one row to the audit trail. Audit failures are logged,
// never propagated: a lost audit row must not retry a sent message.
func (o *Orchestrator) record(task *core.ScheduledTask, decision core.Decision, summary string) {
	action := &core.ProactiveAction{
		ID:            uuid.NewString(),
		UserID:        task.UserID,
		TaskID:        task.ID,
		ActionType:    task.Type,
		Decision:      decision,
		ResultSummary: summary,
		ExecutedAt:    o.clock.Now(),
	}
	if err := o.actions.Insert(action); err != nil {
		logging.Error("Failed to record action for task %s: %v", task.ID, err)
	}
}

// remember closes the loop: what the engine did becomes detector input.
func (o *Orchestrator) remember(ctx context.Context, task *core.ScheduledTask, content string, tags map[string]string) {
	_, err := o.memories.Append(ctx, memory.AppendInput{
		UserID:  task.UserID,
		Kind:    core.MemoryKindActionResult,
		Content: content,
		Tags:    tags,
	})
	if err != nil {
		logging.Warn("Failed to memorize action for task %s: %v", task.ID, err)
	}
}

func (o *Orchestrator) push(userID string, actionType core.TaskType, body string) {
	if o.notify != nil {
		o.notify(userID, actionType, body)
	}
}
