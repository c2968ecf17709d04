package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aidehq/aide/internal/core"
)

// Recurrence is a parsed rule for repeating tasks. Two forms exist:
//
//	every:<duration>  fixed interval, e.g. "every:45m"
//	daily:HH:MM       same wall-clock time each day, e.g. "daily:08:00"
type Recurrence struct {
	interval time.Duration // every: form
	hour     int           // daily: form
	minute   int
	daily    bool
}

// ParseRecurrence parses a rule string. Empty means one-shot and returns nil.
func ParseRecurrence(s string) (*Recurrence, error) {
	if s == "" {
		return nil, nil
	}

	switch {
	case strings.HasPrefix(s, "every:"):
		d, err := time.ParseDuration(strings.TrimPrefix(s, "every:"))
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", core.ErrBadRecurrence, s, err)
		}
		if d < time.Minute {
			return nil, fmt.Errorf("%w: %q: interval below one minute", core.ErrBadRecurrence, s)
		}
		return &Recurrence{interval: d}, nil

	case strings.HasPrefix(s, "daily:"):
		parts := strings.Split(strings.TrimPrefix(s, "daily:"), ":")
		if len(parts) != 2 {
			return nil, fmt.Errorf("%w: %q", core.ErrBadRecurrence, s)
		}
		hour, err1 := strconv.Atoi(parts[0])
		minute, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
			return nil, fmt.Errorf("%w: %q", core.ErrBadRecurrence, s)
		}
		return &Recurrence{hour: hour, minute: minute, daily: true}, nil
	}

	return nil, fmt.Errorf("%w: %q", core.ErrBadRecurrence, s)
}

// Next returns the first occurrence strictly after the given instant.
func (r *Recurrence) Next(after time.Time) time.Time {
	if r.daily {
		next := time.Date(after.Year(), after.Month(), after.Day(), r.hour, r.minute, 0, 0, after.Location())
		if !next.After(after) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	}
	return after.Add(r.interval)
}
