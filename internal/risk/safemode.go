package risk

import (
	"sync"
	"time"

	"tradepilot/internal/events"
	"tradepilot/pkg/types"
)

// SafeMode is a latched halt on new entries. It engages automatically when
// the drawdown limit breaches and manually through the operator API; only
// an explicit Clear releases it. Exits keep running while it is active.
type SafeMode struct {
	mu     sync.Mutex
	active bool
	reason string
	since  time.Time
	events *events.Log
}

// NewSafeMode creates an inactive latch.
func NewSafeMode(evts *events.Log) *SafeMode {
	return &SafeMode{events: evts}
}

// Activate engages safe mode. Re-activating while active updates nothing;
// the first reason wins until cleared.
func (s *SafeMode) Activate(reason string) {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return
	}
	s.active = true
	s.reason = reason
	s.since = time.Now().UTC()
	s.mu.Unlock()

	s.events.Emit(types.EventSafeModeActivated, map[string]any{"reason": reason})
}

// Clear releases the latch.
func (s *SafeMode) Clear() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	reason := s.reason
	s.active = false
	s.reason = ""
	s.mu.Unlock()

	s.events.Emit(types.EventSafeModeCleared, map[string]any{"was": reason})
}

// Active returns the latch state and, when engaged, the activation reason.
func (s *SafeMode) Active() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.reason
}

// Since returns when safe mode engaged; zero when inactive.
func (s *SafeMode) Since() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.since
}
