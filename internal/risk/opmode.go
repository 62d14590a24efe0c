package risk

import (
	"sync"

	"tradepilot/internal/events"
	"tradepilot/pkg/types"
)

// OpMode holds the engine's current operation mode (paper or live). Mode
// changes come from the operator API and are recorded as events; the event
// log itself reads the mode through Get, so OpMode must be constructed
// before the log and wired afterwards via SetEvents.
type OpMode struct {
	mu     sync.RWMutex
	mode   types.Mode
	events *events.Log
}

// NewOpMode creates a holder starting in the given mode.
func NewOpMode(initial types.Mode) *OpMode {
	return &OpMode{mode: initial}
}

// SetEvents attaches the event log once it exists.
func (m *OpMode) SetEvents(evts *events.Log) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = evts
}

// Get returns the current mode.
func (m *OpMode) Get() types.Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// Set switches the mode, emitting a mode_changed event on a real change.
func (m *OpMode) Set(mode types.Mode) {
	m.mu.Lock()
	if m.mode == mode {
		m.mu.Unlock()
		return
	}
	old := m.mode
	m.mode = mode
	evts := m.events
	m.mu.Unlock()

	if evts != nil {
		evts.Emit(types.EventModeChanged, map[string]any{"from": old, "to": mode})
	}
}
