// Package testutil provides fakes shared by the engine's tests.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aidehq/aide/internal/core"
	"github.com/aidehq/aide/internal/storage"
)

// NewTestDB opens a migrated in-memory database.
func NewTestDB(t *testing.T) *storage.DB {
	t.Helper()

	db, err := storage.Open(storage.Config{InMemory: true})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	return db
}

// FakeClock is a manually advanced clock.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock starts a fake clock at the given instant.
func NewFakeClock(now time.Time) *FakeClock {
	return &FakeClock{now: now.UTC()}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set jumps the clock to an instant.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

// SentText records one SendText call.
type SentText struct {
	UserID string
	Body   string
}

// PlacedCall records one PlaceCall call.
type PlacedCall struct {
	UserID string
	Script string
}

// FakeTransport captures outbound messages and calls. Err, when set, is
// returned from every delivery.
type FakeTransport struct {
	mu    sync.Mutex
	Err   error
	Texts []SentText
	Calls []PlacedCall
}

// SendText records the message or fails with Err.
func (f *FakeTransport) SendText(ctx context.Context, userID, body string) (*core.DeliveryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	f.Texts = append(f.Texts, SentText{UserID: userID, Body: body})
	return &core.DeliveryResult{MessageID: "msg-test", DeliveredAt: time.Now().UTC()}, nil
}

// PlaceCall records the call or fails with Err.
func (f *FakeTransport) PlaceCall(ctx context.Context, userID, script string) (*core.CallResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	f.Calls = append(f.Calls, PlacedCall{UserID: userID, Script: script})
	return &core.CallResult{CallID: "call-test", PlacedAt: time.Now().UTC()}, nil
}

// TextCount returns how many texts were sent.
func (f *FakeTransport) TextCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Texts)
}

// CallCount returns how many calls were placed.
func (f *FakeTransport) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}

// FakeComposer returns a canned message body.
type FakeComposer struct{}

// Compose echoes the intent so tests can assert on what was requested.
func (FakeComposer) Compose(ctx context.Context, intent, contextSummary string) (string, error) {
	return intent, nil
}

// StaticPrefs serves fixed preferences per user.
type StaticPrefs struct {
	mu    sync.Mutex
	prefs map[string]core.Preferences
}

// NewStaticPrefs creates an empty preference source; unknown users get
// defaults.
func NewStaticPrefs() *StaticPrefs {
	return &StaticPrefs{prefs: make(map[string]core.Preferences)}
}

// Set installs preferences for a user.
func (s *StaticPrefs) Set(p core.Preferences) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[p.UserID] = p
}

// GetPreferences returns the stored preferences or defaults.
func (s *StaticPrefs) GetPreferences(ctx context.Context, userID string) (core.Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.prefs[userID]; ok {
		return p, nil
	}
	return core.DefaultPreferences(userID), nil
}
