// Package habits detects recurring behavior from the memory log.
//
// Three passes run over a user's recent records: time-of-day (same event,
// same hour, same weekdays), frequency (same event at a steady interval),
// and sequence (event B reliably follows event A). Detection is stateless:
// every scan re-derives patterns from scratch and upserts them, so a lapsed
// habit fades out on its own.
package habits

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/aidehq/aide/internal/clock"
	"github.com/aidehq/aide/internal/core"
	"github.com/aidehq/aide/internal/logging"
	"github.com/aidehq/aide/internal/storage"
)

// confidenceCap keeps detection from ever reaching certainty.
const confidenceCap = 0.95

// Registrar receives suggestion triggers for eligible patterns. The
// scheduler implements this; tests substitute a recorder.
type Registrar interface {
	RegisterHabitSuggestion(userID string, pattern *core.HabitPattern, runAt time.Time) error
}

// UserSource enumerates users with memory history. *storage.DB satisfies it.
type UserSource interface {
	UserIDs() ([]string, error)
}

// Config tunes detection.
type Config struct {
	ConfidenceFloor     float64       // Below this a pattern is never surfaced
	MinObservations     int           // False-positive guard
	CVCutoff            float64       // Max coefficient of variation for frequency
	Staleness           time.Duration // Patterns must be observed this recently
	SequenceWindow      time.Duration // B must follow A within this window
	SequenceProbability float64       // Min P(B|A)
	Lookback            time.Duration // Scan horizon
	SuggestionLead      time.Duration // Suggest this long before the predicted time
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		ConfidenceFloor:     0.6,
		MinObservations:     3,
		CVCutoff:            0.5,
		Staleness:           14 * 24 * time.Hour,
		SequenceWindow:      30 * time.Minute,
		SequenceProbability: 0.6,
		Lookback:            30 * 24 * time.Hour,
		SuggestionLead:      15 * time.Minute,
	}
}

// Detector runs pattern detection for all users.
type Detector struct {
	memories  *storage.MemoryStore
	patterns  *storage.HabitStore
	users     UserSource
	registrar Registrar // may be nil
	clock     clock.Clock
	cfg       Config
}

// NewDetector creates a detector. registrar may be nil, in which case
// eligible patterns are stored but no suggestions get scheduled.
func NewDetector(memories *storage.MemoryStore, patterns *storage.HabitStore, users UserSource, registrar Registrar, clk clock.Clock, cfg Config) *Detector {
	if cfg.MinObservations == 0 {
		cfg = DefaultConfig()
	}
	return &Detector{
		memories:  memories,
		patterns:  patterns,
		users:     users,
		registrar: registrar,
		clock:     clk,
		cfg:       cfg,
	}
}

// observation is one behavioral event extracted from the memory log.
// The event name comes from the "event" tag when present, otherwise the
// record kind, so untagged messages still cluster.
type observation struct {
	name string
	kind core.MemoryKind
	at   time.Time
}

// Scan runs all three passes for one user and upserts the results.
// Returns the detected patterns, eligible or not.
func (d *Detector) Scan(ctx context.Context, userID string) ([]*core.HabitPattern, error) {
	now := d.clock.Now()

	records, err := d.memories.ActiveSince(userID, now.Add(-d.cfg.Lookback))
	if err != nil {
		return nil, fmt.Errorf("failed to load observations: %w", err)
	}

	obs := make([]observation, 0, len(records))
	for _, rec := range records {
		name := string(rec.Kind)
		if e, ok := rec.Tags["event"]; ok && e != "" {
			name = e
		}
		obs = append(obs, observation{name: name, kind: rec.Kind, at: rec.Timestamp})
	}

	if len(obs) < d.cfg.MinObservations {
		return nil, nil
	}

	var detected []*core.HabitPattern
	detected = append(detected, d.detectTimeOfDay(userID, obs, now)...)
	detected = append(detected, d.detectFrequency(userID, obs, now)...)
	detected = append(detected, d.detectSequences(userID, obs, now)...)

	for _, p := range detected {
		if err := d.patterns.Upsert(p); err != nil {
			return nil, fmt.Errorf("failed to store pattern %s: %w", p.Data.Key, err)
		}

		if d.registrar != nil && d.eligible(p, now) && p.NextPredictedAt != nil {
			runAt := p.NextPredictedAt.Add(-d.cfg.SuggestionLead)
			if runAt.Before(now) {
				runAt = now
			}
			if err := d.registrar.RegisterHabitSuggestion(userID, p, runAt); err != nil {
				logging.Warn("Failed to register suggestion for %s: %v", p.Data.Key, err)
			}
		}
	}

	return detected, nil
}

func (d *Detector) eligible(p *core.HabitPattern, now time.Time) bool {
	return p.Confidence >= d.cfg.ConfidenceFloor &&
		p.ObservationCount >= d.cfg.MinObservations &&
		p.LastObservedAt.After(now.Add(-d.cfg.Staleness))
}

// Eligible returns the user's patterns that clear the surfacing bar.
func (d *Detector) Eligible(userID string) ([]*core.HabitPattern, error) {
	now := d.clock.Now()
	return d.patterns.ListEligible(userID, d.cfg.ConfidenceFloor, d.cfg.MinObservations, now.Add(-d.cfg.Staleness))
}

// MarkExecuted reinforces a pattern the user acted on.
func (d *Detector) MarkExecuted(userID, patternID string) error {
	return d.patterns.MarkExecuted(userID, patternID, 0.05, confidenceCap, d.clock.Now())
}

// detectTimeOfDay finds events concentrated at one hour of the day.
// A pattern needs the peak hour hit on distinct days: a burst of events
// within a single day is one occurrence, not a habit. Patterns with more
// than one missed expected occurrence across the observed span are
// rejected as lapsed.
func (d *Detector) detectTimeOfDay(userID string, obs []observation, now time.Time) []*core.HabitPattern {
	byName := groupByName(obs)

	var patterns []*core.HabitPattern
	for name, events := range byName {
		if len(events) < d.cfg.MinObservations {
			continue
		}

		hourCounts := make(map[int]int)
		for _, e := range events {
			hourCounts[e.at.Hour()]++
		}

		bestHour, bestCount := -1, 0
		for h, c := range hourCounts {
			if c > bestCount {
				bestHour, bestCount = h, c
			}
		}
		if bestCount < d.cfg.MinObservations {
			continue
		}

		var mask uint8
		var first, last time.Time
		days := make(map[string]bool)
		for _, e := range events {
			if e.at.Hour() == bestHour {
				mask |= 1 << uint(e.at.Weekday())
				days[e.at.Format("2006-01-02")] = true
				if first.IsZero() || e.at.Before(first) {
					first = e.at
				}
				if e.at.After(last) {
					last = e.at
				}
			}
		}
		if len(days) < d.cfg.MinObservations {
			continue
		}
		if missedOccurrences(first, last, mask, days) > 1 {
			continue
		}

		// Consistency is the share of events landing in the peak hour;
		// the sample size is distinct days, so same-day repeats add no
		// confidence
		consistency := float64(bestCount) / float64(len(events))
		confidence := cappedConfidence(consistency, len(days))

		next := nextHourOccurrence(now, bestHour, mask)
		patterns = append(patterns, &core.HabitPattern{
			ID:     uuid.NewString(),
			UserID: userID,
			Type:   core.PatternTimeOfDay,
			Data: core.PatternData{
				Key:         fmt.Sprintf("%s@%02d", name, bestHour),
				Kind:        events[0].kind,
				Hour:        bestHour,
				WeekdayMask: mask,
				Consistency: consistency,
			},
			Confidence:       confidence,
			ObservationCount: bestCount,
			LastObservedAt:   last,
			NextPredictedAt:  &next,
			Active:           true,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
	}

	return patterns
}

// detectFrequency finds events recurring at a steady interval.
func (d *Detector) detectFrequency(userID string, obs []observation, now time.Time) []*core.HabitPattern {
	byName := groupByName(obs)

	var patterns []*core.HabitPattern
	for name, events := range byName {
		// n observations give n-1 gaps; need MinObservations gaps
		if len(events) < d.cfg.MinObservations+1 {
			continue
		}

		sort.Slice(events, func(i, j int) bool { return events[i].at.Before(events[j].at) })

		gaps := make([]float64, 0, len(events)-1)
		for i := 1; i < len(events); i++ {
			gaps = append(gaps, events[i].at.Sub(events[i-1].at).Hours())
		}

		mean, stddev := meanStddev(gaps)
		if mean == 0 {
			continue
		}
		cv := stddev / mean
		if cv > d.cfg.CVCutoff {
			continue
		}

		consistency := 1 - cv
		confidence := cappedConfidence(consistency, len(gaps))
		last := events[len(events)-1].at
		next := last.Add(time.Duration(mean * float64(time.Hour)))
		if next.Before(now) {
			next = now.Add(time.Duration(mean * float64(time.Hour)))
		}

		patterns = append(patterns, &core.HabitPattern{
			ID:     uuid.NewString(),
			UserID: userID,
			Type:   core.PatternFrequency,
			Data: core.PatternData{
				Key:           name + "@interval",
				Kind:          events[0].kind,
				IntervalHours: mean,
				Consistency:   consistency,
			},
			Confidence:       confidence,
			ObservationCount: len(gaps),
			LastObservedAt:   last,
			NextPredictedAt:  &next,
			Active:           true,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
	}

	return patterns
}

// detectSequences finds ordered pairs where B reliably follows A within the
// window. Prediction is event-driven rather than time-driven, so these
// patterns carry no NextPredictedAt.
func (d *Detector) detectSequences(userID string, obs []observation, now time.Time) []*core.HabitPattern {
	sorted := make([]observation, len(obs))
	copy(sorted, obs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].at.Before(sorted[j].at) })

	type pairKey struct{ first, second string }
	type pairStats struct {
		count    int
		gapTotal float64
		last     time.Time
		firstK   core.MemoryKind
		secondK  core.MemoryKind
	}
	firstCounts := make(map[string]int)
	pairs := make(map[pairKey]*pairStats)

	for i, a := range sorted {
		firstCounts[a.name]++
		for j := i + 1; j < len(sorted); j++ {
			b := sorted[j]
			gap := b.at.Sub(a.at)
			if gap > d.cfg.SequenceWindow {
				break
			}
			if b.name == a.name {
				continue
			}
			key := pairKey{a.name, b.name}
			st := pairs[key]
			if st == nil {
				st = &pairStats{firstK: a.kind, secondK: b.kind}
				pairs[key] = st
			}
			st.count++
			st.gapTotal += gap.Minutes()
			if b.at.After(st.last) {
				st.last = b.at
			}
			// Only the first follower within the window counts
			break
		}
	}

	var patterns []*core.HabitPattern
	for key, st := range pairs {
		total := firstCounts[key.first]
		if st.count < d.cfg.MinObservations {
			continue
		}
		probability := float64(st.count) / float64(total)
		if probability < d.cfg.SequenceProbability {
			continue
		}

		confidence := cappedConfidence(probability, st.count)
		patterns = append(patterns, &core.HabitPattern{
			ID:     uuid.NewString(),
			UserID: userID,
			Type:   core.PatternSequence,
			Data: core.PatternData{
				Key:         key.first + "->" + key.second,
				First:       st.firstK,
				Second:      st.secondK,
				Probability: probability,
				GapMinutes:  st.gapTotal / float64(st.count),
				Consistency: probability,
			},
			Confidence:       confidence,
			ObservationCount: st.count,
			LastObservedAt:   st.last,
			Active:           true,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
	}

	return patterns
}

// RunScanLoop re-scans every known user on an interval until ctx is done.
func (d *Detector) RunScanLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			users, err := d.users.UserIDs()
			if err != nil {
				logging.Error("Habit scan failed to list users: %v", err)
				continue
			}
			for _, userID := range users {
				if _, err := d.Scan(ctx, userID); err != nil {
					logging.Error("Habit scan failed for user %s: %v", userID, err)
				}
			}
		}
	}
}

// Helper functions

func groupByName(obs []observation) map[string][]observation {
	byName := make(map[string][]observation)
	for _, o := range obs {
		byName[o.name] = append(byName[o.name], o)
	}
	return byName
}

// cappedConfidence blends regularity with sample size: more observations
// push confidence toward the regularity score, capped below certainty.
func cappedConfidence(consistency float64, n int) float64 {
	c := consistency * float64(n) / float64(n+2)
	return math.Min(confidenceCap, c)
}

func meanStddev(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))

	if len(xs) < 2 {
		return mean, 0
	}
	var sumSquares float64
	for _, x := range xs {
		diff := x - mean
		sumSquares += diff * diff
	}
	return mean, math.Sqrt(sumSquares / float64(len(xs)-1))
}

// missedOccurrences counts days between the first and last observation
// whose weekday the pattern covers but which saw no peak-hour event.
func missedOccurrences(first, last time.Time, mask uint8, days map[string]bool) int {
	missed := 0
	for day := first; !day.After(last); day = day.AddDate(0, 0, 1) {
		if mask&(1<<uint(day.Weekday())) == 0 {
			continue
		}
		if !days[day.Format("2006-01-02")] {
			missed++
		}
	}
	return missed
}

// nextHourOccurrence returns the next instant at the given hour on an
// allowed weekday, strictly after now.
func nextHourOccurrence(now time.Time, hour int, mask uint8) time.Time {
	candidate := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	for i := 0; i < 8; i++ {
		if candidate.After(now) && mask&(1<<uint(candidate.Weekday())) != 0 {
			return candidate
		}
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}
