package proactive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aidehq/aide/internal/clock"
	"github.com/aidehq/aide/internal/core"
	"github.com/aidehq/aide/internal/habits"
	"github.com/aidehq/aide/internal/logging"
	"github.com/aidehq/aide/internal/memory"
	"github.com/aidehq/aide/internal/scheduler"
)

// UserSource enumerates known users. *storage.DB satisfies it.
type UserSource interface {
	UserIDs() ([]string, error)
}

// ServiceConfig configures the background loops.
type ServiceConfig struct {
	ScanInterval        time.Duration // Habit re-scan per user
	DecayInterval       time.Duration // Memory importance decay pass
	DecayRatePerDay     float64
	DecayFloor          float64
	DigestCheckInterval time.Duration // How often digest registrations are refreshed
}

// DefaultServiceConfig returns sensible defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ScanInterval:        time.Hour,
		DecayInterval:       6 * time.Hour,
		DecayRatePerDay:     0.02,
		DecayFloor:          0.05,
		DigestCheckInterval: time.Hour,
	}
}

// Service owns the engine's background loops: scheduler ticks, habit scans,
// memory decay, and digest registration.
type Service struct {
	sched    *scheduler.Scheduler
	detector *habits.Detector
	memories *memory.Manager
	orch     *Orchestrator
	prefs    core.PreferenceSource
	users    UserSource
	clock    clock.Clock
	cfg      ServiceConfig

	running bool
	mu      sync.Mutex
}

// NewService wires the orchestrator into the scheduler and returns the
// assembled service.
func NewService(sched *scheduler.Scheduler, detector *habits.Detector, memories *memory.Manager, orch *Orchestrator, prefs core.PreferenceSource, users UserSource, clk clock.Clock, cfg ServiceConfig) *Service {
	if cfg.ScanInterval == 0 {
		cfg = DefaultServiceConfig()
	}

	sched.SetDispatcher(orch)
	sched.SetFailureHook(orch.RecordFailure)

	return &Service{
		sched:    sched,
		detector: detector,
		memories: memories,
		orch:     orch,
		prefs:    prefs,
		users:    users,
		clock:    clk,
		cfg:      cfg,
	}
}

// Orchestrator returns the dispatch component.
func (s *Service) Orchestrator() *Orchestrator {
	return s.orch
}

// Start recovers stranded tasks and launches the background loops.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("proactive service already running")
	}
	s.running = true
	s.mu.Unlock()

	if err := s.sched.Recover(); err != nil {
		return err
	}

	go s.sched.Run(ctx)
	go s.detector.RunScanLoop(ctx, s.cfg.ScanInterval)
	go s.memories.RunDecayLoop(ctx, s.cfg.DecayInterval, s.cfg.DecayRatePerDay, s.cfg.DecayFloor)
	go s.runDigestLoop(ctx)

	logging.Info("Proactive service started")
	return nil
}

// IsRunning reports whether Start has been called.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ScheduleReminder registers a direct user-requested reminder.
func (s *Service) ScheduleReminder(userID, dedupeKey, text string, runAt time.Time, recurrence string) (*core.ScheduledTask, error) {
	return s.sched.Register(scheduler.RegisterInput{
		UserID:     userID,
		Type:       core.TaskReminder,
		DedupeKey:  dedupeKey,
		RunAt:      runAt,
		Recurrence: recurrence,
		Payload:    map[string]string{"text": text},
	})
}

// runDigestLoop keeps one recurring digest task registered per digest-
// enabled user. Refreshing hourly picks up preference changes.
func (s *Service) runDigestLoop(ctx context.Context) {
	s.refreshDigests(ctx)

	ticker := time.NewTicker(s.cfg.DigestCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshDigests(ctx)
		}
	}
}

func (s *Service) refreshDigests(ctx context.Context) {
	users, err := s.users.UserIDs()
	if err != nil {
		logging.Error("Digest refresh failed to list users: %v", err)
		return
	}

	now := s.clock.Now()
	for _, userID := range users {
		prefs, err := s.prefs.GetPreferences(ctx, userID)
		if err != nil {
			logging.Error("Digest refresh failed for user %s: %v", userID, err)
			continue
		}
		if !prefs.DailyDigest {
			if _, err := s.sched.Cancel(userID, core.TaskDigest, "daily"); err != nil {
				logging.Warn("Failed to cancel digest for user %s: %v", userID, err)
			}
			continue
		}

		rule := fmt.Sprintf("daily:%02d:00", prefs.DigestHour)
		first := time.Date(now.Year(), now.Month(), now.Day(), prefs.DigestHour, 0, 0, 0, now.Location())
		if !first.After(now) {
			first = first.AddDate(0, 0, 1)
		}

		if _, err := s.sched.Register(scheduler.RegisterInput{
			UserID:     userID,
			Type:       core.TaskDigest,
			DedupeKey:  "daily",
			RunAt:      first,
			Recurrence: rule,
			Priority:   core.PriorityLow,
		}); err != nil {
			logging.Error("Failed to register digest for user %s: %v", userID, err)
		}
	}
}
