// Package memory implements the durable per-user interaction log: append,
// recall, recent context, forgetting, and importance decay.
package memory

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/oklog/ulid/v2"

	"github.com/aidehq/aide/internal/clock"
	"github.com/aidehq/aide/internal/core"
	"github.com/aidehq/aide/internal/logging"
	"github.com/aidehq/aide/internal/storage"
	"github.com/aidehq/aide/internal/vectors"
)

// Embedder turns text into a vector. Nil or failing embedders degrade
// recall to recency ranking; they never block a write.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SemanticIndex is the vector-search side of memory.
type SemanticIndex interface {
	Index(ctx context.Context, recordID, userID string, vector []float32) error
	Search(ctx context.Context, userID string, vector []float32, limit uint64) ([]vectors.Match, error)
	Remove(ctx context.Context, recordID string) error
}

// Config tunes the manager.
type Config struct {
	RecentWindow     time.Duration // Fast-path horizon, default 24h
	CacheTTL         time.Duration // Recent-context cache TTL
	SimilarityWeight float64       // Recall blend: similarity vs importance
	ReinforceBump    float64       // Importance added to related records on append
}

// Manager owns the memory lifecycle for all users.
type Manager struct {
	store *storage.MemoryStore
	clock clock.Clock
	cfg   Config

	embedder Embedder      // may be nil
	index    SemanticIndex // may be nil

	cache *ristretto.Cache

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewManager creates a memory manager. embedder and index may be nil, in
// which case recall uses recency ranking only.
func NewManager(store *storage.MemoryStore, clk clock.Clock, cfg Config, embedder Embedder, index SemanticIndex) (*Manager, error) {
	if cfg.RecentWindow == 0 {
		cfg.RecentWindow = 24 * time.Hour
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	if cfg.SimilarityWeight == 0 {
		cfg.SimilarityWeight = 0.7
	}
	if cfg.ReinforceBump == 0 {
		cfg.ReinforceBump = 0.05
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	return &Manager{
		store:    store,
		clock:    clk,
		cfg:      cfg,
		embedder: embedder,
		index:    index,
		cache:    cache,
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}, nil
}

func (m *Manager) newID(now time.Time) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), m.entropy).String()
}

// AppendInput is the caller-supplied part of a new record.
type AppendInput struct {
	ID         string // Optional caller-supplied id; retries with the same id insert once
	UserID     string
	Kind       core.MemoryKind
	Content    string
	Tags       map[string]string
	Importance *float64   // nil means default 0.5; zero is a valid value
	Timestamp  *time.Time // nil means now; backfill sets it explicitly
}

// Append validates and writes one record, assigns its id, indexes it for
// semantic recall, and reinforces related recent memories. Embedding and
// indexing failures are logged and swallowed: the durable write wins.
func (m *Manager) Append(ctx context.Context, in AppendInput) (*core.MemoryRecord, error) {
	if in.UserID == "" {
		return nil, fmt.Errorf("%w: user id", core.ErrMissingRequired)
	}
	if strings.TrimSpace(in.Content) == "" {
		return nil, fmt.Errorf("%w: content", core.ErrMissingRequired)
	}
	if !core.ValidMemoryKind(in.Kind) {
		return nil, fmt.Errorf("%w: %q", core.ErrInvalidKind, in.Kind)
	}
	if in.Importance != nil && (*in.Importance < 0 || *in.Importance > 1) {
		return nil, fmt.Errorf("%w: importance %f out of range", core.ErrInvalidInput, *in.Importance)
	}

	now := m.clock.Now()
	ts := now
	if in.Timestamp != nil {
		ts = in.Timestamp.UTC()
	}
	importance := 0.5
	if in.Importance != nil {
		importance = *in.Importance
	}

	id := in.ID
	if id == "" {
		id = m.newID(now)
	}

	rec := &core.MemoryRecord{
		ID:         id,
		UserID:     in.UserID,
		Timestamp:  ts,
		Kind:       in.Kind,
		Content:    in.Content,
		Importance: importance,
		Tags:       in.Tags,
		Active:     true,
		CreatedAt:  now,
	}

	if m.embedder != nil {
		vec, err := m.embedder.Embed(ctx, in.Content)
		if err != nil {
			logging.Warn("Embedding failed for record %s: %v", rec.ID, err)
		} else {
			rec.Embedding = vec
		}
	}

	if err := m.store.Insert(rec); err != nil {
		return nil, fmt.Errorf("failed to append record: %w", err)
	}

	if m.index != nil && rec.Embedding != nil {
		if err := m.index.Index(ctx, rec.ID, rec.UserID, rec.Embedding); err != nil {
			logging.Warn("Indexing failed for record %s: %v", rec.ID, err)
		}
	}

	if len(in.Tags) > 0 {
		since := now.Add(-7 * 24 * time.Hour)
		if err := m.store.Reinforce(in.UserID, in.Kind, in.Tags, since, m.cfg.ReinforceBump); err != nil {
			logging.Warn("Reinforce failed for user %s: %v", in.UserID, err)
		}
	}

	m.cache.Del(in.UserID)

	return rec, nil
}

// Get returns one record by id, forgotten ones included.
func (m *Manager) Get(userID, id string) (*core.MemoryRecord, error) {
	return m.store.GetByID(userID, id)
}

// scored pairs a record with its recall rank.
type scored struct {
	rec   *core.MemoryRecord
	score float64
}

// Recall returns up to limit active records relevant to the query, ranked
// by a blend of semantic similarity and importance. Without an embedder or
// index it degrades to newest-first.
func (m *Manager) Recall(ctx context.Context, userID, query string, limit int) ([]*core.MemoryRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	if m.embedder == nil || m.index == nil {
		return m.store.RecentActive(userID, limit)
	}

	vec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		logging.Warn("Recall embedding failed, falling back to recency: %v", err)
		return m.store.RecentActive(userID, limit)
	}

	// Over-fetch: forgotten records are filtered after the join
	matches, err := m.index.Search(ctx, userID, vec, uint64(limit*3))
	if err != nil {
		logging.Warn("Semantic search failed, falling back to recency: %v", err)
		return m.store.RecentActive(userID, limit)
	}

	w := m.cfg.SimilarityWeight
	var ranked []scored
	for _, match := range matches {
		rec, err := m.store.GetByID(userID, match.RecordID)
		if err != nil {
			if errors.Is(err, core.ErrMemoryNotFound) {
				continue
			}
			return nil, err
		}
		if !rec.Active {
			continue
		}
		ranked = append(ranked, scored{
			rec:   rec,
			score: w*float64(match.Score) + (1-w)*rec.Importance,
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	records := make([]*core.MemoryRecord, len(ranked))
	for i, s := range ranked {
		records[i] = s.rec
	}
	return records, nil
}

// RecentContext returns active records within the window, oldest first.
// Backed by a short-TTL cache holding the full recent window per user.
func (m *Manager) RecentContext(userID string, window time.Duration) ([]*core.MemoryRecord, error) {
	if window <= 0 || window > m.cfg.RecentWindow {
		window = m.cfg.RecentWindow
	}
	now := m.clock.Now()

	var full []*core.MemoryRecord
	if cached, ok := m.cache.Get(userID); ok {
		full = cached.([]*core.MemoryRecord)
	} else {
		var err error
		full, err = m.store.ActiveSince(userID, now.Add(-m.cfg.RecentWindow))
		if err != nil {
			return nil, err
		}
		m.cache.SetWithTTL(userID, full, int64(len(full)+1), m.cfg.CacheTTL)
		m.cache.Wait()
	}

	cutoff := now.Add(-window)
	out := make([]*core.MemoryRecord, 0, len(full))
	for _, rec := range full {
		if !rec.Timestamp.Before(cutoff) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Forget soft-deletes a record and drops it from the semantic index.
func (m *Manager) Forget(ctx context.Context, userID, id string) error {
	if err := m.store.Deactivate(userID, id); err != nil {
		return err
	}

	if m.index != nil {
		if err := m.index.Remove(ctx, id); err != nil {
			logging.Warn("Index removal failed for record %s: %v", id, err)
		}
	}

	m.cache.Del(userID)
	return nil
}

// Summarize aggregates a user's active memory.
func (m *Manager) Summarize(userID string) (*core.MemorySummary, error) {
	return m.store.Summarize(userID)
}

// Decay runs one importance-decay pass over all users.
func (m *Manager) Decay(ratePerDay, floor float64) (int, error) {
	n, err := m.store.DecayImportance(m.clock.Now(), ratePerDay, floor)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.cache.Clear()
		logging.Debug("Decay pass touched %d records", n)
	}
	return n, nil
}

// RunDecayLoop runs Decay on an interval until ctx is done.
func (m *Manager) RunDecayLoop(ctx context.Context, interval time.Duration, ratePerDay, floor float64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Decay(ratePerDay, floor); err != nil {
				logging.Error("Decay pass failed: %v", err)
			}
		}
	}
}
