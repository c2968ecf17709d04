package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aidehq/aide/internal/core"
	"github.com/aidehq/aide/internal/habits"
	"github.com/aidehq/aide/internal/memory"
	"github.com/aidehq/aide/internal/proactive"
	"github.com/aidehq/aide/internal/scheduler"
	"github.com/aidehq/aide/internal/storage"
	"github.com/aidehq/aide/internal/testutil"
	"github.com/aidehq/aide/internal/wakeup"
)

// testServer wires a full engine against an in-memory database.
func testServer(t *testing.T) (*Server, *testutil.FakeClock) {
	t.Helper()

	db := testutil.NewTestDB(t)
	clk := testutil.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	transport := &testutil.FakeTransport{}
	prefStore := storage.NewPreferenceStore(db)

	memStore := storage.NewMemoryStore(db)
	patterns := storage.NewHabitStore(db)
	actions := storage.NewActionStore(db)

	memories, err := memory.NewManager(memStore, clk, memory.Config{}, nil, nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	sched := scheduler.New(storage.NewTaskStore(db), clk, scheduler.DefaultConfig())
	wakeups := wakeup.NewManager(storage.NewWakeupStore(db), sched, transport, testutil.FakeComposer{}, prefStore, clk, wakeup.DefaultConfig())
	detector := habits.NewDetector(memStore, patterns, db, sched, clk, habits.DefaultConfig())
	orch := proactive.NewOrchestrator(memories, patterns, actions, wakeups, transport, testutil.FakeComposer{}, prefStore, clk, 0.6, 14*24*time.Hour)
	service := proactive.NewService(sched, detector, memories, orch, prefStore, db, clk, proactive.DefaultServiceConfig())

	srv := New(Config{
		Host:      "localhost",
		Port:      0,
		Memories:  memories,
		Detector:  detector,
		Scheduler: sched,
		Wakeups:   wakeups,
		Service:   service,
		Actions:   actions,
		Prefs:     prefStore,
		Clock:     clk,
	})

	return srv, clk
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)
	return rr
}

func TestAPI_Health(t *testing.T) {
	srv, _ := testServer(t)

	rr := doJSON(t, srv, "GET", "/health", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}

	var resp map[string]interface{}
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["status"] != "ok" {
		t.Errorf("expected status 'ok', got %v", resp["status"])
	}
}

// --- Memory endpoints ---

func TestAPI_AppendAndRecentMemories(t *testing.T) {
	srv, _ := testServer(t)

	rr := doJSON(t, srv, "POST", "/api/v1/users/alice/memories", map[string]interface{}{
		"kind":    "message",
		"content": "ordered a flat white",
		"tags":    map[string]string{"event": "coffee-order"},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var rec core.MemoryRecord
	json.Unmarshal(rr.Body.Bytes(), &rec)
	if rec.ID == "" {
		t.Error("expected a record ID")
	}

	rr = doJSON(t, srv, "GET", "/api/v1/users/alice/memories/recent", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var records []core.MemoryRecord
	json.Unmarshal(rr.Body.Bytes(), &records)
	if len(records) != 1 {
		t.Errorf("expected 1 recent record, got %d", len(records))
	}
}

func TestAPI_AppendMemory_InvalidJSON(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest("POST", "/api/v1/users/alice/memories", bytes.NewBufferString("invalid"))
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rr.Code)
	}
}

func TestAPI_AppendMemory_BadKind(t *testing.T) {
	srv, _ := testServer(t)

	rr := doJSON(t, srv, "POST", "/api/v1/users/alice/memories", map[string]interface{}{
		"kind":    "bogus",
		"content": "x",
	})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rr.Code)
	}
}

func TestAPI_SearchMemories_EmptyQuery(t *testing.T) {
	srv, _ := testServer(t)

	rr := doJSON(t, srv, "POST", "/api/v1/users/alice/memories/search", map[string]string{"query": ""})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rr.Code)
	}
}

func TestAPI_SearchMemories_RecencyFallback(t *testing.T) {
	srv, _ := testServer(t)

	doJSON(t, srv, "POST", "/api/v1/users/alice/memories", map[string]interface{}{
		"kind": "message", "content": "note one",
	})

	rr := doJSON(t, srv, "POST", "/api/v1/users/alice/memories/search", map[string]interface{}{
		"query": "note", "limit": 5,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var records []core.MemoryRecord
	json.Unmarshal(rr.Body.Bytes(), &records)
	if len(records) != 1 {
		t.Errorf("expected 1 match, got %d", len(records))
	}
}

func TestAPI_ForgetMemory(t *testing.T) {
	srv, _ := testServer(t)

	rr := doJSON(t, srv, "POST", "/api/v1/users/alice/memories", map[string]interface{}{
		"kind": "message", "content": "to be forgotten",
	})
	var rec core.MemoryRecord
	json.Unmarshal(rr.Body.Bytes(), &rec)

	rr = doJSON(t, srv, "DELETE", "/api/v1/users/alice/memories/"+rec.ID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	// Gone from recent, still readable by ID for the audit trail
	rr = doJSON(t, srv, "GET", "/api/v1/users/alice/memories/recent", nil)
	var records []core.MemoryRecord
	json.Unmarshal(rr.Body.Bytes(), &records)
	if len(records) != 0 {
		t.Errorf("expected forgotten record hidden, got %d records", len(records))
	}

	rr = doJSON(t, srv, "GET", "/api/v1/users/alice/memories/"+rec.ID, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected audit read to return 200, got %d", rr.Code)
	}
}

func TestAPI_GetMemory_NotFound(t *testing.T) {
	srv, _ := testServer(t)

	rr := doJSON(t, srv, "GET", "/api/v1/users/alice/memories/nonexistent", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rr.Code)
	}
}

func TestAPI_MemorySummary(t *testing.T) {
	srv, _ := testServer(t)

	doJSON(t, srv, "POST", "/api/v1/users/alice/memories", map[string]interface{}{
		"kind": "message", "content": "a",
	})
	doJSON(t, srv, "POST", "/api/v1/users/alice/memories", map[string]interface{}{
		"kind": "system-note", "content": "b",
	})

	rr := doJSON(t, srv, "GET", "/api/v1/users/alice/memories/summary", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var summary core.MemorySummary
	json.Unmarshal(rr.Body.Bytes(), &summary)
	if summary.Total != 2 {
		t.Errorf("expected total 2, got %d", summary.Total)
	}
}

// --- Habit endpoints ---

func TestAPI_ScanAndListHabits(t *testing.T) {
	srv, _ := testServer(t)

	// Five weekday 07:10 coffee orders
	for i := 0; i < 5; i++ {
		ts := time.Date(2026, 3, 2+i, 7, 10, 0, 0, time.UTC)
		doJSON(t, srv, "POST", "/api/v1/users/alice/memories", map[string]interface{}{
			"kind":      "message",
			"content":   "ordered coffee",
			"tags":      map[string]string{"event": "coffee-order"},
			"timestamp": ts,
		})
	}

	rr := doJSON(t, srv, "POST", "/api/v1/users/alice/habits/scan", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var scan struct {
		Detected int                  `json:"detected"`
		Patterns []*core.HabitPattern `json:"patterns"`
	}
	json.Unmarshal(rr.Body.Bytes(), &scan)
	if scan.Detected == 0 {
		t.Fatal("expected at least one detected pattern")
	}

	rr = doJSON(t, srv, "GET", "/api/v1/users/alice/habits", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var eligible []*core.HabitPattern
	json.Unmarshal(rr.Body.Bytes(), &eligible)
	if len(eligible) == 0 {
		t.Error("expected an eligible pattern after scan")
	}
}

func TestAPI_HabitExecuted_NotFound(t *testing.T) {
	srv, _ := testServer(t)

	rr := doJSON(t, srv, "POST", "/api/v1/users/alice/habits/nonexistent/executed", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rr.Code)
	}
}

// --- Task endpoints ---

func TestAPI_ScheduleAndCancelReminder(t *testing.T) {
	srv, clk := testServer(t)

	rr := doJSON(t, srv, "POST", "/api/v1/users/bob/reminders", map[string]interface{}{
		"dedupe_key": "meds",
		"text":       "Take your medication",
		"run_at":     clk.Now().Add(time.Hour),
		"recurrence": "every:24h",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, srv, "GET", "/api/v1/users/bob/tasks", nil)
	var tasks []*core.ScheduledTask
	json.Unmarshal(rr.Body.Bytes(), &tasks)
	if len(tasks) != 1 {
		t.Fatalf("expected 1 pending task, got %d", len(tasks))
	}

	rr = doJSON(t, srv, "POST", "/api/v1/users/bob/tasks/cancel", map[string]string{
		"type": "reminder", "dedupe_key": "meds",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	rr = doJSON(t, srv, "POST", "/api/v1/users/bob/tasks/cancel", map[string]string{
		"type": "reminder", "dedupe_key": "meds",
	})
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected second cancel to return 404, got %d", rr.Code)
	}
}

func TestAPI_ScheduleReminder_BadRecurrence(t *testing.T) {
	srv, clk := testServer(t)

	rr := doJSON(t, srv, "POST", "/api/v1/users/bob/reminders", map[string]interface{}{
		"dedupe_key": "meds",
		"text":       "x",
		"run_at":     clk.Now().Add(time.Hour),
		"recurrence": "every:10s",
	})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rr.Code)
	}
}

// --- Wake-up endpoints ---

func TestAPI_WakeupLifecycle(t *testing.T) {
	srv, clk := testServer(t)

	rr := doJSON(t, srv, "POST", "/api/v1/users/carol/wakeups", map[string]interface{}{
		"target_time": clk.Now().Add(8 * time.Hour),
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var session core.WakeupSession
	json.Unmarshal(rr.Body.Bytes(), &session)
	if session.ID == "" {
		t.Fatal("expected a session ID")
	}

	rr = doJSON(t, srv, "GET", "/api/v1/users/carol/wakeups", nil)
	var active []*core.WakeupSession
	json.Unmarshal(rr.Body.Bytes(), &active)
	if len(active) != 1 {
		t.Fatalf("expected 1 active session, got %d", len(active))
	}

	rr = doJSON(t, srv, "POST", fmt.Sprintf("/api/v1/wakeups/%s/confirm", session.ID), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	// A second confirm hits a terminal session
	rr = doJSON(t, srv, "POST", fmt.Sprintf("/api/v1/wakeups/%s/confirm", session.ID), nil)
	if rr.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d", rr.Code)
	}
}

func TestAPI_ScheduleWakeup_PastTarget(t *testing.T) {
	srv, clk := testServer(t)

	rr := doJSON(t, srv, "POST", "/api/v1/users/carol/wakeups", map[string]interface{}{
		"target_time": clk.Now().Add(-time.Hour),
	})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rr.Code)
	}
}

func TestAPI_GetWakeup_NotFound(t *testing.T) {
	srv, _ := testServer(t)

	rr := doJSON(t, srv, "GET", "/api/v1/wakeups/nonexistent", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rr.Code)
	}
}

// --- Preference endpoints ---

func TestAPI_Preferences(t *testing.T) {
	srv, _ := testServer(t)

	// Unseen user gets defaults
	rr := doJSON(t, srv, "GET", "/api/v1/users/dave/preferences", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var prefs core.Preferences
	json.Unmarshal(rr.Body.Bytes(), &prefs)
	if !prefs.ProactiveMode {
		t.Error("expected proactive mode on by default")
	}

	rr = doJSON(t, srv, "PUT", "/api/v1/users/dave/preferences", map[string]interface{}{
		"proactive_mode": false,
		"digest_hour":    9,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, srv, "GET", "/api/v1/users/dave/preferences", nil)
	json.Unmarshal(rr.Body.Bytes(), &prefs)
	if prefs.ProactiveMode {
		t.Error("expected proactive mode off after update")
	}
	if prefs.DigestHour != 9 {
		t.Errorf("expected digest hour 9, got %d", prefs.DigestHour)
	}
}

func TestAPI_PutPreferences_OutOfRange(t *testing.T) {
	srv, _ := testServer(t)

	rr := doJSON(t, srv, "PUT", "/api/v1/users/dave/preferences", map[string]interface{}{
		"digest_hour": 25,
	})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rr.Code)
	}
}

// --- Audit endpoint ---

func TestAPI_ListActions_Empty(t *testing.T) {
	srv, _ := testServer(t)

	rr := doJSON(t, srv, "GET", "/api/v1/users/dave/actions", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var actions []*core.ProactiveAction
	json.Unmarshal(rr.Body.Bytes(), &actions)
	if len(actions) != 0 {
		t.Errorf("expected no actions, got %d", len(actions))
	}
}

// --- Hub ---

func TestHub_BroadcastWithoutClients(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	time.Sleep(10 * time.Millisecond)

	// Must not panic or block
	hub.Broadcast(Event{Type: "test", Timestamp: time.Now()})
}
