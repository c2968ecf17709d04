// Package wakeup implements the wake-up confirmation state machine:
// repeated call attempts until the user confirms, the attempt budget runs
// out, or the session is cancelled.
//
// The manager never sleeps. Each attempt is a scheduled task; firing one
// places a call, counts it, and registers the next attempt. The firing
// after the last uncounted attempt settles the session as exhausted and
// sends the single fallback text.
package wakeup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aidehq/aide/internal/clock"
	"github.com/aidehq/aide/internal/core"
	"github.com/aidehq/aide/internal/logging"
	"github.com/aidehq/aide/internal/scheduler"
	"github.com/aidehq/aide/internal/storage"
)

// TaskScheduler is the slice of the scheduler the manager needs.
type TaskScheduler interface {
	Register(in scheduler.RegisterInput) (*core.ScheduledTask, error)
	Cancel(userID string, taskType core.TaskType, dedupeKey string) (bool, error)
}

// Config tunes wake-up sessions.
type Config struct {
	DefaultMaxAttempts  int
	DefaultIntervalSecs int
	FallbackTemplate    string // %s is the target time
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		DefaultMaxAttempts:  3,
		DefaultIntervalSecs: 300,
		FallbackTemplate:    "Couldn't reach you by phone - this is your wake-up for %s.",
	}
}

// Manager drives wake-up sessions.
type Manager struct {
	sessions  *storage.WakeupStore
	tasks     TaskScheduler
	transport core.Transport
	composer  core.Composer // may be nil
	prefs     core.PreferenceSource
	clock     clock.Clock
	cfg       Config
}

// NewManager creates a wake-up manager.
func NewManager(sessions *storage.WakeupStore, tasks TaskScheduler, transport core.Transport, composer core.Composer, prefs core.PreferenceSource, clk clock.Clock, cfg Config) *Manager {
	if cfg.DefaultMaxAttempts == 0 {
		cfg = DefaultConfig()
	}
	return &Manager{
		sessions:  sessions,
		tasks:     tasks,
		transport: transport,
		composer:  composer,
		prefs:     prefs,
		clock:     clk,
		cfg:       cfg,
	}
}

// ScheduleInput describes a requested wake-up.
type ScheduleInput struct {
	UserID      string
	TargetTime  time.Time
	MaxAttempts int // 0 means the configured default
	IntervalSec int // 0 means the configured default
}

// Schedule creates a session and registers its first attempt. Wake-up calls
// disabled in preferences reject the request outright rather than silently
// never firing.
func (m *Manager) Schedule(ctx context.Context, in ScheduleInput) (*core.WakeupSession, error) {
	if in.UserID == "" {
		return nil, fmt.Errorf("%w: user id", core.ErrMissingRequired)
	}
	now := m.clock.Now()
	if !in.TargetTime.After(now) {
		return nil, fmt.Errorf("%w: target time %s is not in the future", core.ErrInvalidInput, in.TargetTime)
	}

	prefs, err := m.prefs.GetPreferences(ctx, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load preferences: %w", err)
	}
	if !prefs.WakeupCalls {
		return nil, core.ErrWakeupDisabled
	}

	if in.MaxAttempts <= 0 {
		in.MaxAttempts = m.cfg.DefaultMaxAttempts
	}
	if in.IntervalSec <= 0 {
		in.IntervalSec = m.cfg.DefaultIntervalSecs
	}

	session := &core.WakeupSession{
		ID:                  uuid.NewString(),
		UserID:              in.UserID,
		TargetTime:          in.TargetTime.UTC(),
		State:               core.WakeupScheduled,
		MaxAttempts:         in.MaxAttempts,
		AttemptIntervalSecs: in.IntervalSec,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if err := m.sessions.Insert(session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	if err := m.registerAttempt(session, session.TargetTime); err != nil {
		return nil, err
	}

	logging.Info("Scheduled wake-up %s for user %s at %s", session.ID, session.UserID, session.TargetTime)
	return session, nil
}

func (m *Manager) registerAttempt(session *core.WakeupSession, runAt time.Time) error {
	_, err := m.tasks.Register(scheduler.RegisterInput{
		UserID:    session.UserID,
		Type:      core.TaskWakeupAttempt,
		DedupeKey: session.ID,
		RunAt:     runAt,
		Priority:  core.PriorityHigh,
		Payload:   map[string]string{"session_id": session.ID},
	})
	if err != nil {
		return fmt.Errorf("failed to register attempt: %w", err)
	}
	return nil
}

// HandleAttempt executes one firing of a session's attempt task. The
// orchestrator routes wakeup.attempt tasks here.
func (m *Manager) HandleAttempt(ctx context.Context, task *core.ScheduledTask) error {
	sessionID := task.Payload["session_id"]
	if sessionID == "" {
		return fmt.Errorf("%w: session id in payload", core.ErrMissingRequired)
	}

	session, err := m.sessions.GetByID(sessionID)
	if err != nil {
		return err
	}

	// Confirmed or cancelled between firings: nothing to do
	if session.State.Terminal() {
		return nil
	}

	now := m.clock.Now()

	if session.AttemptCount >= session.MaxAttempts {
		return m.exhaust(ctx, session, now)
	}

	script := m.composeScript(ctx, session)
	if _, err := m.transport.PlaceCall(ctx, session.UserID, script); err != nil {
		// An unanswered or failed call still spends an attempt; only a
		// permanently undeliverable user aborts the session
		if isPermanent(err) {
			return err
		}
		logging.Warn("Wake-up call failed for session %s: %v", session.ID, err)
	}

	session.State = core.WakeupAttempting
	session.AttemptCount++
	session.UpdatedAt = now
	if err := m.sessions.Update(session); err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}

	// Next firing either places the next call or settles as exhausted
	next := now.Add(time.Duration(session.AttemptIntervalSecs) * time.Second)
	return m.registerAttempt(session, next)
}

// exhaust settles an unconfirmed session and sends the one fallback text.
func (m *Manager) exhaust(ctx context.Context, session *core.WakeupSession, now time.Time) error {
	session.State = core.WakeupExhausted
	session.UpdatedAt = now
	if err := m.sessions.Update(session); err != nil {
		return fmt.Errorf("failed to settle session: %w", err)
	}

	body := fmt.Sprintf(m.cfg.FallbackTemplate, session.TargetTime.Format("15:04"))
	if _, err := m.transport.SendText(ctx, session.UserID, body); err != nil {
		logging.Error("Fallback text failed for session %s: %v", session.ID, err)
	}

	logging.Info("Wake-up %s exhausted after %d attempts", session.ID, session.AttemptCount)
	return nil
}

func (m *Manager) composeScript(ctx context.Context, session *core.WakeupSession) string {
	fallback := fmt.Sprintf("Good morning! This is your %s wake-up call.", session.TargetTime.Format("15:04"))
	if m.composer == nil {
		return fallback
	}
	script, err := m.composer.Compose(ctx, "wakeup-call",
		fmt.Sprintf("target=%s attempt=%d", session.TargetTime.Format(time.RFC3339), session.AttemptCount+1))
	if err != nil || script == "" {
		return fallback
	}
	return script
}

// Confirm marks the session confirmed and cancels the pending attempt.
// Confirming a terminal session is rejected, not overwritten.
func (m *Manager) Confirm(sessionID string) (*core.WakeupSession, error) {
	session, err := m.sessions.GetByID(sessionID)
	if err != nil {
		return nil, err
	}
	if session.State.Terminal() {
		return nil, fmt.Errorf("%w: %s", core.ErrSessionTerminal, session.State)
	}

	now := m.clock.Now()
	session.State = core.WakeupConfirmed
	session.ConfirmedAt = &now
	session.UpdatedAt = now
	if err := m.sessions.Update(session); err != nil {
		return nil, fmt.Errorf("failed to confirm session: %w", err)
	}

	if _, err := m.tasks.Cancel(session.UserID, core.TaskWakeupAttempt, session.ID); err != nil {
		logging.Warn("Failed to cancel attempt task for session %s: %v", session.ID, err)
	}

	logging.Info("Wake-up %s confirmed after %d attempts", session.ID, session.AttemptCount)
	return session, nil
}

// Cancel aborts a live session.
func (m *Manager) Cancel(sessionID string) (*core.WakeupSession, error) {
	session, err := m.sessions.GetByID(sessionID)
	if err != nil {
		return nil, err
	}
	if session.State.Terminal() {
		return nil, fmt.Errorf("%w: %s", core.ErrSessionTerminal, session.State)
	}

	now := m.clock.Now()
	session.State = core.WakeupCancelled
	session.UpdatedAt = now
	if err := m.sessions.Update(session); err != nil {
		return nil, fmt.Errorf("failed to cancel session: %w", err)
	}

	if _, err := m.tasks.Cancel(session.UserID, core.TaskWakeupAttempt, session.ID); err != nil {
		logging.Warn("Failed to cancel attempt task for session %s: %v", session.ID, err)
	}

	return session, nil
}

// Get returns one session.
func (m *Manager) Get(sessionID string) (*core.WakeupSession, error) {
	return m.sessions.GetByID(sessionID)
}

// ListActive returns a user's live sessions.
func (m *Manager) ListActive(userID string) ([]*core.WakeupSession, error) {
	return m.sessions.ListActive(userID)
}

func isPermanent(err error) bool {
	return errors.Is(err, core.ErrPermanentDelivery)
}
