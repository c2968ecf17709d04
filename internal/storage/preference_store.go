package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/aidehq/aide/internal/core"
)

// PreferenceStore persists per-user gating preferences. A user with no row
// gets the documented defaults; rows are only written on explicit change.
type PreferenceStore struct {
	db *DB
}

// NewPreferenceStore creates a preference store
func NewPreferenceStore(db *DB) *PreferenceStore {
	return &PreferenceStore{db: db}
}

// Get returns the user's preferences, falling back to defaults.
func (s *PreferenceStore) Get(userID string) (core.Preferences, error) {
	p := core.Preferences{UserID: userID}

	err := s.db.conn.QueryRow(`
		SELECT proactive_mode, habit_reminders, wakeup_calls, daily_digest,
		       digest_hour, quiet_hours_start, quiet_hours_end, max_daily_proactive
		FROM preferences WHERE user_id = ?
	`, userID).Scan(
		&p.ProactiveMode, &p.HabitReminders, &p.WakeupCalls, &p.DailyDigest,
		&p.DigestHour, &p.QuietHoursStart, &p.QuietHoursEnd, &p.MaxDailyProactive,
	)
	if err == sql.ErrNoRows {
		return core.DefaultPreferences(userID), nil
	}
	if err != nil {
		return p, err
	}
	return p, nil
}

// GetPreferences satisfies core.PreferenceSource.
func (s *PreferenceStore) GetPreferences(ctx context.Context, userID string) (core.Preferences, error) {
	return s.Get(userID)
}

// Put writes the user's preferences, replacing any existing row.
func (s *PreferenceStore) Put(p core.Preferences) error {
	_, err := s.db.conn.Exec(`
		INSERT INTO preferences (
		    user_id, proactive_mode, habit_reminders, wakeup_calls, daily_digest,
		    digest_hour, quiet_hours_start, quiet_hours_end, max_daily_proactive,
		    updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
		    proactive_mode      = excluded.proactive_mode,
		    habit_reminders     = excluded.habit_reminders,
		    wakeup_calls        = excluded.wakeup_calls,
		    daily_digest        = excluded.daily_digest,
		    digest_hour         = excluded.digest_hour,
		    quiet_hours_start   = excluded.quiet_hours_start,
		    quiet_hours_end     = excluded.quiet_hours_end,
		    max_daily_proactive = excluded.max_daily_proactive,
		    updated_at          = excluded.updated_at
	`,
		p.UserID, p.ProactiveMode, p.HabitReminders, p.WakeupCalls, p.DailyDigest,
		p.DigestHour, p.QuietHoursStart, p.QuietHoursEnd, p.MaxDailyProactive,
		time.Now().UTC(),
	)
	return err
}
