package proactive

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aidehq/aide/internal/core"
	"github.com/aidehq/aide/internal/memory"
	"github.com/aidehq/aide/internal/scheduler"
	"github.com/aidehq/aide/internal/storage"
	"github.com/aidehq/aide/internal/testutil"
	"github.com/aidehq/aide/internal/wakeup"
)

type fixture struct {
	orch      *Orchestrator
	actions   *storage.ActionStore
	patterns  *storage.HabitStore
	memories  *memory.Manager
	transport *testutil.FakeTransport
	prefs     *testutil.StaticPrefs
	clk       *testutil.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t)
	clk := testutil.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	transport := &testutil.FakeTransport{}
	prefs := testutil.NewStaticPrefs()

	memStore := storage.NewMemoryStore(db)
	patterns := storage.NewHabitStore(db)
	actions := storage.NewActionStore(db)

	memories, err := memory.NewManager(memStore, clk, memory.Config{}, nil, nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	sched := scheduler.New(storage.NewTaskStore(db), clk, scheduler.DefaultConfig())
	wakeups := wakeup.NewManager(storage.NewWakeupStore(db), sched, transport, testutil.FakeComposer{}, prefs, clk, wakeup.DefaultConfig())

	orch := NewOrchestrator(memories, patterns, actions, wakeups, transport, testutil.FakeComposer{}, prefs, clk, 0.6, 14*24*time.Hour)
	sched.SetDispatcher(orch)
	sched.SetFailureHook(orch.RecordFailure)

	return &fixture{
		orch:      orch,
		actions:   actions,
		patterns:  patterns,
		memories:  memories,
		transport: transport,
		prefs:     prefs,
		clk:       clk,
	}
}

func (f *fixture) seedPattern(t *testing.T, userID string, confidence float64) *core.HabitPattern {
	t.Helper()
	now := f.clk.Now()
	p := &core.HabitPattern{
		ID:     "pat-1",
		UserID: userID,
		Type:   core.PatternTimeOfDay,
		Data: core.PatternData{
			Key:         "coffee-order@07",
			Kind:        core.MemoryKindMessage,
			Hour:        7,
			Consistency: 0.9,
		},
		Confidence:       confidence,
		ObservationCount: 5,
		LastObservedAt:   now.Add(-time.Hour),
		Active:           true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := f.patterns.Upsert(p); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	return p
}

func suggestTask(userID, patternID string) *core.ScheduledTask {
	return &core.ScheduledTask{
		ID:        "task-1",
		UserID:    userID,
		Type:      core.TaskHabitSuggest,
		DedupeKey: "coffee-order@07",
		Payload:   map[string]string{"pattern_id": patternID},
	}
}

func (f *fixture) lastAction(t *testing.T, userID string) *core.ProactiveAction {
	t.Helper()
	list, err := f.actions.ListByUser(userID, 1)
	if err != nil {
		t.Fatalf("ListByUser failed: %v", err)
	}
	if len(list) == 0 {
		t.Fatal("No action recorded")
	}
	return list[0]
}

func TestHabitSuggestGates(t *testing.T) {
	ctx := context.Background()

	t.Run("eligible pattern sends and audits", func(t *testing.T) {
		f := newFixture(t)
		p := f.seedPattern(t, "alice", 0.8)

		var notified string
		f.orch.SetNotify(func(userID string, actionType core.TaskType, body string) {
			notified = body
		})

		if err := f.orch.Dispatch(ctx, suggestTask("alice", p.ID)); err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}

		if f.transport.TextCount() != 1 {
			t.Fatalf("Sent %d texts, want 1", f.transport.TextCount())
		}
		action := f.lastAction(t, "alice")
		if action.Decision != core.DecisionSent {
			t.Errorf("Decision = %s, want sent", action.Decision)
		}
		if notified == "" {
			t.Error("Notify hook not called")
		}

		// The send itself becomes detector input
		recent, err := f.memories.RecentContext("alice", 24*time.Hour)
		if err != nil {
			t.Fatalf("RecentContext failed: %v", err)
		}
		found := false
		for _, rec := range recent {
			if rec.Kind == core.MemoryKindActionResult {
				found = true
			}
		}
		if !found {
			t.Error("Sent action not appended to memory")
		}
	})

	t.Run("proactive mode off suppresses", func(t *testing.T) {
		f := newFixture(t)
		p := f.seedPattern(t, "alice", 0.8)
		prefs := core.DefaultPreferences("alice")
		prefs.ProactiveMode = false
		f.prefs.Set(prefs)

		if err := f.orch.Dispatch(ctx, suggestTask("alice", p.ID)); err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}
		if f.transport.TextCount() != 0 {
			t.Error("Suppressed suggestion was sent")
		}
		if got := f.lastAction(t, "alice").Decision; got != core.DecisionSuppressedPreference {
			t.Errorf("Decision = %s, want suppressed-by-preference", got)
		}
	})

	t.Run("quiet hours suppress", func(t *testing.T) {
		f := newFixture(t)
		p := f.seedPattern(t, "alice", 0.8)
		f.clk.Set(time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)) // inside 22-07

		if err := f.orch.Dispatch(ctx, suggestTask("alice", p.ID)); err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}
		if f.transport.TextCount() != 0 {
			t.Error("Quiet-hours suggestion was sent")
		}
		if got := f.lastAction(t, "alice").Decision; got != core.DecisionSuppressedQuietHours {
			t.Errorf("Decision = %s, want suppressed-by-quiet-hours", got)
		}
	})

	t.Run("decayed confidence suppresses at send time", func(t *testing.T) {
		f := newFixture(t)
		p := f.seedPattern(t, "alice", 0.5) // below the floor

		if err := f.orch.Dispatch(ctx, suggestTask("alice", p.ID)); err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}
		if f.transport.TextCount() != 0 {
			t.Error("Low-confidence suggestion was sent")
		}
		if got := f.lastAction(t, "alice").Decision; got != core.DecisionSuppressedConfidence {
			t.Errorf("Decision = %s, want suppressed-by-confidence", got)
		}
	})

	t.Run("daily cap suppresses", func(t *testing.T) {
		f := newFixture(t)
		p := f.seedPattern(t, "alice", 0.8)
		prefs := core.DefaultPreferences("alice")
		prefs.MaxDailyProactive = 2
		f.prefs.Set(prefs)

		// Fill the quota
		for i := 0; i < 2; i++ {
			err := f.actions.Insert(&core.ProactiveAction{
				ID:         fmt.Sprintf("prior-%d", i),
				UserID:     "alice",
				TaskID:     fmt.Sprintf("pt-%d", i),
				ActionType: core.TaskHabitSuggest,
				Decision:   core.DecisionSent,
				ExecutedAt: f.clk.Now().Add(-time.Hour),
			})
			if err != nil {
				t.Fatalf("Insert failed: %v", err)
			}
		}

		if err := f.orch.Dispatch(ctx, suggestTask("alice", p.ID)); err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}
		if f.transport.TextCount() != 0 {
			t.Error("Over-cap suggestion was sent")
		}
		if got := f.lastAction(t, "alice").Decision; got != core.DecisionSuppressedPreference {
			t.Errorf("Decision = %s, want suppressed-by-preference", got)
		}
	})
}

func TestReminderDispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("reminder sends payload text", func(t *testing.T) {
		f := newFixture(t)
		task := &core.ScheduledTask{
			ID: "r1", UserID: "bob", Type: core.TaskReminder,
			Payload: map[string]string{"text": "Take your medication"},
		}
		if err := f.orch.Dispatch(ctx, task); err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}
		if f.transport.TextCount() != 1 {
			t.Fatalf("Sent %d texts, want 1", f.transport.TextCount())
		}
		if f.transport.Texts[0].Body != "Take your medication" {
			t.Errorf("Body = %q", f.transport.Texts[0].Body)
		}
	})

	t.Run("reminder skips quiet hours and cap", func(t *testing.T) {
		f := newFixture(t)
		f.clk.Set(time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC))

		task := &core.ScheduledTask{
			ID: "r2", UserID: "bob", Type: core.TaskReminder,
			Payload: map[string]string{"text": "Flight check-in closes soon"},
		}
		if err := f.orch.Dispatch(ctx, task); err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}
		if f.transport.TextCount() != 1 {
			t.Error("Explicit reminder suppressed by quiet hours")
		}
	})

	t.Run("transport error propagates for retry", func(t *testing.T) {
		f := newFixture(t)
		f.transport.Err = errors.New("gateway timeout")

		task := &core.ScheduledTask{
			ID: "r3", UserID: "bob", Type: core.TaskReminder,
			Payload: map[string]string{"text": "x"},
		}
		if err := f.orch.Dispatch(ctx, task); err == nil {
			t.Error("Expected transport error to propagate")
		}
	})
}

func TestDigestDispatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.memories.Append(ctx, memory.AppendInput{
		UserID: "carol", Kind: core.MemoryKindMessage, Content: "morning note",
	}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	task := &core.ScheduledTask{ID: "d1", UserID: "carol", Type: core.TaskDigest, DedupeKey: "daily"}
	if err := f.orch.Dispatch(ctx, task); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if f.transport.TextCount() != 1 {
		t.Fatalf("Sent %d texts, want 1", f.transport.TextCount())
	}
	if got := f.lastAction(t, "carol").Decision; got != core.DecisionSent {
		t.Errorf("Decision = %s, want sent", got)
	}

	t.Run("digest disabled suppresses", func(t *testing.T) {
		prefs := core.DefaultPreferences("carol")
		prefs.DailyDigest = false
		f.prefs.Set(prefs)

		if err := f.orch.Dispatch(ctx, task); err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}
		if f.transport.TextCount() != 1 {
			t.Error("Disabled digest was sent")
		}
	})
}

func TestRecordFailure(t *testing.T) {
	f := newFixture(t)

	task := &core.ScheduledTask{ID: "f1", UserID: "dave", Type: core.TaskReminder}
	f.orch.RecordFailure(task, errors.New("retries exhausted"))

	action := f.lastAction(t, "dave")
	if action.Decision != core.DecisionFailed {
		t.Errorf("Decision = %s, want failed", action.Decision)
	}
	if action.ResultSummary != "retries exhausted" {
		t.Errorf("Summary = %q", action.ResultSummary)
	}
}

func TestUnknownTaskType(t *testing.T) {
	f := newFixture(t)
	task := &core.ScheduledTask{ID: "x1", UserID: "dave", Type: "bogus"}
	if err := f.orch.Dispatch(context.Background(), task); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
}
