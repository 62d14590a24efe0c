package risk

import (
	"sync"
	"time"
)

// EquityTracker derives drawdown and daily-loss metrics from a stream of
// equity marks. Peak equity never decays; the daily anchor resets at UTC
// midnight so the daily loss limit spans a calendar day.
type EquityTracker struct {
	mu         sync.Mutex
	peak       float64
	current    float64
	dayAnchor  float64   // equity at the start of the current UTC day
	currentDay time.Time // UTC midnight of the day the anchor belongs to
}

// NewEquityTracker creates a tracker with no history.
func NewEquityTracker() *EquityTracker {
	return &EquityTracker{}
}

// Update records an equity mark at the given time.
func (t *EquityTracker) Update(equity float64, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	day := now.UTC().Truncate(24 * time.Hour)
	if t.currentDay.IsZero() || day.After(t.currentDay) {
		t.currentDay = day
		t.dayAnchor = equity
	}

	t.current = equity
	if equity > t.peak {
		t.peak = equity
	}
}

// DrawdownPct returns the fractional decline from peak equity, 0 when flat
// or at a new peak.
func (t *EquityTracker) DrawdownPct() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.peak <= 0 {
		return 0
	}
	dd := (t.peak - t.current) / t.peak
	if dd < 0 {
		return 0
	}
	return dd
}

// DailyLossUSD returns how far equity has fallen since the UTC-midnight
// anchor; 0 when the day is flat or up.
func (t *EquityTracker) DailyLossUSD() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	loss := t.dayAnchor - t.current
	if loss < 0 {
		return 0
	}
	return loss
}

// Peak returns the highest equity seen so far.
func (t *EquityTracker) Peak() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peak
}
