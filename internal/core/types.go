// Package core defines the fundamental types for Aide.
// Everything the engine stores or decides about is declared here.
package core

import (
	"time"
)

// -----------------------------------------------------------------------------
// MEMORY - the durable interaction log
// -----------------------------------------------------------------------------

// MemoryKind classifies a memory record.
type MemoryKind string

const (
	MemoryKindMessage      MemoryKind = "message"       // Inbound or outbound user message
	MemoryKindActionResult MemoryKind = "action-result" // Outcome of something the engine did
	MemoryKindSystemNote   MemoryKind = "system-note"   // Internal bookkeeping worth remembering
)

// ValidMemoryKind reports whether k is one of the recognized kinds.
func ValidMemoryKind(k MemoryKind) bool {
	switch k {
	case MemoryKindMessage, MemoryKindActionResult, MemoryKindSystemNote:
		return true
	}
	return false
}

// MemoryRecord is one observed fact or interaction. Records are append-only:
// once written, only Importance (decay) and Active (soft delete) ever change.
type MemoryRecord struct {
	ID         string            `json:"id"` // ULID: lexically sortable, assignment order == append order
	UserID     string            `json:"user_id"`
	Timestamp  time.Time         `json:"timestamp"`
	Kind       MemoryKind        `json:"kind"`
	Content    string            `json:"content"`
	Embedding  []float32         `json:"embedding,omitempty"`
	Importance float64           `json:"importance"` // 0.0-1.0, decays unless reinforced
	Tags       map[string]string `json:"tags,omitempty"`
	Active     bool              `json:"active"` // false = forgotten (soft delete, kept for audit)
	CreatedAt  time.Time         `json:"created_at"`
}

// MemorySummary aggregates a user's memory by kind and day.
// Cheap input for digest generation and habit scans.
type MemorySummary struct {
	UserID  string                         `json:"user_id"`
	Total   int                            `json:"total"`
	ByKind  map[MemoryKind]KindAggregate   `json:"by_kind"`
	ByDay   map[string]int                 `json:"by_day"` // "2006-01-02" -> count
	Oldest  *time.Time                     `json:"oldest,omitempty"`
	Newest  *time.Time                     `json:"newest,omitempty"`
}

// KindAggregate is the per-kind slice of a MemorySummary.
type KindAggregate struct {
	Count         int     `json:"count"`
	AvgImportance float64 `json:"avg_importance"`
}

// -----------------------------------------------------------------------------
// HABITS - detected recurring behavior
// -----------------------------------------------------------------------------

// PatternType categorizes a detected habit.
type PatternType string

const (
	PatternTimeOfDay PatternType = "time-of-day" // Same action, same hour, same weekdays
	PatternFrequency PatternType = "frequency"   // Same action at a steady interval
	PatternSequence  PatternType = "sequence"    // Action B reliably follows action A
)

// PatternData is the structured description of a habit. Key identifies the
// pattern within (userID, patternType) for last-writer-wins updates; the
// remaining fields are populated per type.
type PatternData struct {
	Key  string     `json:"key"`
	Kind MemoryKind `json:"kind,omitempty"`

	// time-of-day
	Hour        int   `json:"hour,omitempty"`
	WeekdayMask uint8 `json:"weekday_mask,omitempty"` // bit 0 = Sunday

	// frequency
	IntervalHours float64 `json:"interval_hours,omitempty"`

	// sequence
	First      MemoryKind `json:"first,omitempty"`
	Second     MemoryKind `json:"second,omitempty"`
	Probability float64   `json:"probability,omitempty"` // P(second|first)
	GapMinutes  float64   `json:"gap_minutes,omitempty"`

	Consistency float64 `json:"consistency"` // 0-1, how regular the observations are
}

// HabitPattern is a confidence-scored recurring behavior. Patterns below the
// configured confidence floor are stored but never surfaced; the floor is
// applied at read time.
type HabitPattern struct {
	ID               string      `json:"id"`
	UserID           string      `json:"user_id"`
	Type             PatternType `json:"type"`
	Data             PatternData `json:"data"`
	Confidence       float64     `json:"confidence"`
	ObservationCount int         `json:"observation_count"`
	LastObservedAt   time.Time   `json:"last_observed_at"`
	NextPredictedAt  *time.Time  `json:"next_predicted_at,omitempty"`
	Active           bool        `json:"active"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// -----------------------------------------------------------------------------
// SCHEDULING - future triggers
// -----------------------------------------------------------------------------

// TaskType names what a scheduled task will do when it fires.
type TaskType string

const (
	TaskHabitSuggest  TaskType = "habit.suggest"  // Surface a habit-derived suggestion
	TaskReminder      TaskType = "reminder.fire"  // Direct user-requested reminder
	TaskDigest        TaskType = "digest.send"    // Daily summary
	TaskWakeupAttempt TaskType = "wakeup.attempt" // One step of the wake-up state machine
)

// TaskStatus is the lifecycle state of a scheduled task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskDone      TaskStatus = "done"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Task priorities. Lower value fires first among tasks due at the same
// instant for the same user.
const (
	PriorityHigh   = 1
	PriorityNormal = 5
	PriorityLow    = 9
)

// ScheduledTask is a registered future trigger. At most one pending or
// running task exists per (UserID, Type, DedupeKey); re-registration
// replaces the pending instance.
type ScheduledTask struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	Type        TaskType          `json:"type"`
	DedupeKey   string            `json:"dedupe_key"`
	ScheduledAt time.Time         `json:"scheduled_at"`
	Recurrence  string            `json:"recurrence,omitempty"` // "", "every:<dur>", or "daily:HH:MM"
	Priority    int               `json:"priority"`
	Payload     map[string]string `json:"payload,omitempty"`
	Status      TaskStatus        `json:"status"`
	RetryCount  int               `json:"retry_count"`
	MaxRetries  int               `json:"max_retries"`
	LastRunAt   *time.Time        `json:"last_run_at,omitempty"`
	NextRunAt   time.Time         `json:"next_run_at"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Terminal reports whether the task can no longer fire.
func (t *ScheduledTask) Terminal() bool {
	return t.Status == TaskDone || t.Status == TaskFailed || t.Status == TaskCancelled
}

// -----------------------------------------------------------------------------
// PROACTIVE ACTIONS - the audit trail of autonomous decisions
// -----------------------------------------------------------------------------

// Decision records what the orchestrator decided for one trigger.
type Decision string

const (
	DecisionSent                  Decision = "sent"
	DecisionSuppressedPreference  Decision = "suppressed-by-preference"
	DecisionSuppressedConfidence  Decision = "suppressed-by-confidence"
	DecisionSuppressedQuietHours  Decision = "suppressed-by-quiet-hours"
	DecisionFailed                Decision = "failed"
)

// ProactiveAction is the write-once record of one executed or suppressed
// proactive send. It doubles as habit-detector input, closing the loop.
type ProactiveAction struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	TaskID        string    `json:"task_id"`
	ActionType    TaskType  `json:"action_type"`
	Decision      Decision  `json:"decision"`
	ResultSummary string    `json:"result_summary,omitempty"`
	ExecutedAt    time.Time `json:"executed_at"`
}

// -----------------------------------------------------------------------------
// WAKE-UP SESSIONS - bounded-retry wake calls
// -----------------------------------------------------------------------------

// WakeupState is the state of a wake-up session.
type WakeupState string

const (
	WakeupScheduled  WakeupState = "scheduled"
	WakeupAttempting WakeupState = "attempting"
	WakeupConfirmed  WakeupState = "confirmed"
	WakeupExhausted  WakeupState = "exhausted"
	WakeupCancelled  WakeupState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s WakeupState) Terminal() bool {
	return s == WakeupConfirmed || s == WakeupExhausted || s == WakeupCancelled
}

// WakeupSession drives repeated call attempts until the user confirms,
// the attempt budget runs out, or the session is cancelled.
type WakeupSession struct {
	ID                  string      `json:"id"`
	UserID              string      `json:"user_id"`
	TargetTime          time.Time   `json:"target_time"`
	State               WakeupState `json:"state"`
	AttemptCount        int         `json:"attempt_count"`
	MaxAttempts         int         `json:"max_attempts"`
	AttemptIntervalSecs int         `json:"attempt_interval_secs"`
	ConfirmedAt         *time.Time  `json:"confirmed_at,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// -----------------------------------------------------------------------------
// PREFERENCES - per-user gates consulted before any proactive send
// -----------------------------------------------------------------------------

// Preferences is the typed, enumerated per-user gating configuration.
// Adding a gate is a compile-time-checked change, deliberately not an
// open-ended key/value blob.
type Preferences struct {
	UserID string `json:"user_id"`

	// Master switch. When false the orchestrator never sends anything.
	ProactiveMode bool `json:"proactive_mode"`

	// Per-feature opt-outs.
	HabitReminders bool `json:"habit_reminders"`
	WakeupCalls    bool `json:"wakeup_calls"`
	DailyDigest    bool `json:"daily_digest"`

	// Scalars.
	DigestHour        int `json:"digest_hour"`         // Local hour for the daily digest, default 8
	QuietHoursStart   int `json:"quiet_hours_start"`   // Inclusive local hour, default 22
	QuietHoursEnd     int `json:"quiet_hours_end"`     // Exclusive local hour, default 7
	MaxDailyProactive int `json:"max_daily_proactive"` // Cap on sent actions per day, default 10
}

// DefaultPreferences returns the documented defaults for a user with no
// stored preference row.
func DefaultPreferences(userID string) Preferences {
	return Preferences{
		UserID:            userID,
		ProactiveMode:     true,
		HabitReminders:    true,
		WakeupCalls:       true,
		DailyDigest:       true,
		DigestHour:        8,
		QuietHoursStart:   22,
		QuietHoursEnd:     7,
		MaxDailyProactive: 10,
	}
}

// InQuietHours reports whether the given local hour falls inside the
// user's quiet window. The window may wrap midnight.
func (p Preferences) InQuietHours(hour int) bool {
	if p.QuietHoursStart == p.QuietHoursEnd {
		return false
	}
	if p.QuietHoursStart < p.QuietHoursEnd {
		return hour >= p.QuietHoursStart && hour < p.QuietHoursEnd
	}
	return hour >= p.QuietHoursStart || hour < p.QuietHoursEnd
}
