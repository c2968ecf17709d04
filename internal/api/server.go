// Package api provides the HTTP surface of the engine: memory CRUD, habit
// reads, task registration, wake-up scheduling plus the confirmation
// callback, preferences, and a websocket event feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/aidehq/aide/internal/clock"
	"github.com/aidehq/aide/internal/core"
	"github.com/aidehq/aide/internal/habits"
	"github.com/aidehq/aide/internal/logging"
	"github.com/aidehq/aide/internal/memory"
	"github.com/aidehq/aide/internal/proactive"
	"github.com/aidehq/aide/internal/scheduler"
	"github.com/aidehq/aide/internal/storage"
	"github.com/aidehq/aide/internal/wakeup"
)

// Server is the HTTP API server.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server

	memories *memory.Manager
	detector *habits.Detector
	sched    *scheduler.Scheduler
	wakeups  *wakeup.Manager
	service  *proactive.Service
	actions  *storage.ActionStore
	prefs    *storage.PreferenceStore
	clock    clock.Clock

	hub *Hub
}

// Config for the server.
type Config struct {
	Host string
	Port int

	Memories  *memory.Manager
	Detector  *habits.Detector
	Scheduler *scheduler.Scheduler
	Wakeups   *wakeup.Manager
	Service   *proactive.Service
	Actions   *storage.ActionStore
	Prefs     *storage.PreferenceStore
	Clock     clock.Clock
}

// New creates the API server and wires the orchestrator's notifications
// into the websocket hub.
func New(cfg Config) *Server {
	s := &Server{
		memories: cfg.Memories,
		detector: cfg.Detector,
		sched:    cfg.Scheduler,
		wakeups:  cfg.Wakeups,
		service:  cfg.Service,
		actions:  cfg.Actions,
		prefs:    cfg.Prefs,
		clock:    cfg.Clock,
		hub:      NewHub(),
	}

	if s.service != nil {
		s.service.Orchestrator().SetNotify(func(userID string, actionType core.TaskType, body string) {
			s.hub.Broadcast(Event{
				Type:      "proactive." + string(actionType),
				UserID:    userID,
				Data:      map[string]string{"body": body},
				Timestamp: s.clock.Now(),
			})
		})
	}

	s.setupRouter()
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: s.router,
	}

	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.hub.ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/users/{userID}", func(r chi.Router) {
			// Memory
			r.Post("/memories", s.handleAppendMemory)
			r.Get("/memories/recent", s.handleRecentMemories)
			r.Post("/memories/search", s.handleSearchMemories)
			r.Get("/memories/summary", s.handleMemorySummary)
			r.Get("/memories/{recordID}", s.handleGetMemory)
			r.Delete("/memories/{recordID}", s.handleForgetMemory)

			// Habits
			r.Get("/habits", s.handleListHabits)
			r.Post("/habits/scan", s.handleScanHabits)
			r.Post("/habits/{patternID}/executed", s.handleHabitExecuted)

			// Tasks and reminders
			r.Get("/tasks", s.handleListTasks)
			r.Post("/reminders", s.handleScheduleReminder)
			r.Post("/tasks/cancel", s.handleCancelTask)

			// Wake-ups
			r.Post("/wakeups", s.handleScheduleWakeup)
			r.Get("/wakeups", s.handleListWakeups)

			// Audit trail
			r.Get("/actions", s.handleListActions)

			// Preferences
			r.Get("/preferences", s.handleGetPreferences)
			r.Put("/preferences", s.handlePutPreferences)
		})

		// Session-scoped wake-up endpoints; the confirm callback arrives
		// from the telephony side without a user context
		r.Get("/wakeups/{sessionID}", s.handleGetWakeup)
		r.Post("/wakeups/{sessionID}/confirm", s.handleConfirmWakeup)
		r.Post("/wakeups/{sessionID}/cancel", s.handleCancelWakeup)
	})

	s.router = r
}

// Start runs the hub and the HTTP listener. Blocks until shutdown.
func (s *Server) Start() error {
	go s.hub.Run()
	logging.Info("API server listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// --- Response helpers ---

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// respondStoreError maps sentinel errors onto HTTP statuses.
func (s *Server) respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrMemoryNotFound),
		errors.Is(err, core.ErrPatternNotFound),
		errors.Is(err, core.ErrTaskNotFound),
		errors.Is(err, core.ErrSessionNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, core.ErrSessionTerminal):
		s.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, core.ErrInvalidInput),
		errors.Is(err, core.ErrMissingRequired),
		errors.Is(err, core.ErrInvalidKind),
		errors.Is(err, core.ErrBadRecurrence):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, core.ErrWakeupDisabled):
		s.respondError(w, http.StatusForbidden, err.Error())
	default:
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"running": s.service != nil && s.service.IsRunning(),
		"time":    s.clock.Now(),
	})
}

// --- Memory handlers ---

type appendMemoryRequest struct {
	ID         string            `json:"id,omitempty"` // client-supplied for idempotent retries
	Kind       string            `json:"kind"`
	Content    string            `json:"content"`
	Tags       map[string]string `json:"tags,omitempty"`
	Importance *float64          `json:"importance,omitempty"`
	Timestamp  *time.Time        `json:"timestamp,omitempty"`
}

func (s *Server) handleAppendMemory(w http.ResponseWriter, r *http.Request) {
	var req appendMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	rec, err := s.memories.Append(r.Context(), memory.AppendInput{
		ID:         req.ID,
		UserID:     chi.URLParam(r, "userID"),
		Kind:       core.MemoryKind(req.Kind),
		Content:    req.Content,
		Tags:       req.Tags,
		Importance: req.Importance,
		Timestamp:  req.Timestamp,
	})
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	s.respondJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleRecentMemories(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if q := r.URL.Query().Get("window_hours"); q != "" {
		var hours int
		if _, err := fmt.Sscanf(q, "%d", &hours); err != nil || hours <= 0 {
			s.respondError(w, http.StatusBadRequest, "Invalid window_hours")
			return
		}
		window = time.Duration(hours) * time.Hour
	}

	records, err := s.memories.RecentContext(chi.URLParam(r, "userID"), window)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, records)
}

type searchMemoriesRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

func (s *Server) handleSearchMemories(w http.ResponseWriter, r *http.Request) {
	var req searchMemoriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.Query == "" {
		s.respondError(w, http.StatusBadRequest, "Query required")
		return
	}

	records, err := s.memories.Recall(r.Context(), chi.URLParam(r, "userID"), req.Query, req.Limit)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, records)
}

func (s *Server) handleMemorySummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.memories.Summarize(chi.URLParam(r, "userID"))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	rec, err := s.memories.Get(chi.URLParam(r, "userID"), chi.URLParam(r, "recordID"))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleForgetMemory(w http.ResponseWriter, r *http.Request) {
	err := s.memories.Forget(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "recordID"))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "forgotten"})
}

// --- Habit handlers ---

func (s *Server) handleListHabits(w http.ResponseWriter, r *http.Request) {
	patterns, err := s.detector.Eligible(chi.URLParam(r, "userID"))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, patterns)
}

func (s *Server) handleScanHabits(w http.ResponseWriter, r *http.Request) {
	patterns, err := s.detector.Scan(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"detected": len(patterns),
		"patterns": patterns,
	})
}

func (s *Server) handleHabitExecuted(w http.ResponseWriter, r *http.Request) {
	err := s.detector.MarkExecuted(chi.URLParam(r, "userID"), chi.URLParam(r, "patternID"))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "reinforced"})
}

// --- Task handlers ---

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.sched.ListByUser(chi.URLParam(r, "userID"))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, tasks)
}

type scheduleReminderRequest struct {
	DedupeKey  string    `json:"dedupe_key"`
	Text       string    `json:"text"`
	RunAt      time.Time `json:"run_at"`
	Recurrence string    `json:"recurrence,omitempty"`
}

func (s *Server) handleScheduleReminder(w http.ResponseWriter, r *http.Request) {
	var req scheduleReminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	task, err := s.service.ScheduleReminder(chi.URLParam(r, "userID"), req.DedupeKey, req.Text, req.RunAt, req.Recurrence)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, task)
}

type cancelTaskRequest struct {
	Type      string `json:"type"`
	DedupeKey string `json:"dedupe_key"`
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	var req cancelTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	found, err := s.sched.Cancel(chi.URLParam(r, "userID"), core.TaskType(req.Type), req.DedupeKey)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	if !found {
		s.respondError(w, http.StatusNotFound, "no pending task")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// --- Wake-up handlers ---

type scheduleWakeupRequest struct {
	TargetTime  time.Time `json:"target_time"`
	MaxAttempts int       `json:"max_attempts,omitempty"`
	IntervalSec int       `json:"interval_secs,omitempty"`
}

func (s *Server) handleScheduleWakeup(w http.ResponseWriter, r *http.Request) {
	var req scheduleWakeupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	session, err := s.wakeups.Schedule(r.Context(), wakeup.ScheduleInput{
		UserID:      chi.URLParam(r, "userID"),
		TargetTime:  req.TargetTime,
		MaxAttempts: req.MaxAttempts,
		IntervalSec: req.IntervalSec,
	})
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, session)
}

func (s *Server) handleListWakeups(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.wakeups.ListActive(chi.URLParam(r, "userID"))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetWakeup(w http.ResponseWriter, r *http.Request) {
	session, err := s.wakeups.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, session)
}

func (s *Server) handleConfirmWakeup(w http.ResponseWriter, r *http.Request) {
	session, err := s.wakeups.Confirm(chi.URLParam(r, "sessionID"))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	s.hub.Broadcast(Event{
		Type:      "wakeup.confirmed",
		UserID:    session.UserID,
		Data:      map[string]string{"session_id": session.ID},
		Timestamp: s.clock.Now(),
	})
	s.respondJSON(w, http.StatusOK, session)
}

func (s *Server) handleCancelWakeup(w http.ResponseWriter, r *http.Request) {
	session, err := s.wakeups.Cancel(chi.URLParam(r, "sessionID"))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, session)
}

// --- Audit trail ---

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		fmt.Sscanf(q, "%d", &limit)
	}

	actions, err := s.actions.ListByUser(chi.URLParam(r, "userID"), limit)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, actions)
}

// --- Preferences ---

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := s.prefs.Get(chi.URLParam(r, "userID"))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, prefs)
}

func (s *Server) handlePutPreferences(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	// Start from the current values so partial updates keep defaults
	prefs, err := s.prefs.Get(userID)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	prefs.UserID = userID

	if prefs.DigestHour < 0 || prefs.DigestHour > 23 ||
		prefs.QuietHoursStart < 0 || prefs.QuietHoursStart > 23 ||
		prefs.QuietHoursEnd < 0 || prefs.QuietHoursEnd > 23 ||
		prefs.MaxDailyProactive < 0 {
		s.respondError(w, http.StatusBadRequest, "Preference value out of range")
		return
	}

	if err := s.prefs.Put(prefs); err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, prefs)
}
