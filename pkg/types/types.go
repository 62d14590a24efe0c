// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the platform — market snapshots,
// the strategy document contract, positions, trades, orders, and event
// records. It has no dependencies on internal packages, so it can be
// imported by any layer of either service.
package types

import (
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Mode selects which adapter the router dispatches to.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// Valid reports whether m is a recognised operation mode.
func (m Mode) Valid() bool {
	return m == ModePaper || m == ModeLive
}

// Posture is the strategy-level signal that scales or halts execution.
type Posture string

const (
	PostureAggressive Posture = "aggressive"
	PostureModerate   Posture = "moderate"
	PostureDefensive  Posture = "defensive"
	PostureFlat       Posture = "flat"
	PostureExitAll    Posture = "exit_all"
)

// Valid reports whether p is a recognised posture.
func (p Posture) Valid() bool {
	switch p {
	case PostureAggressive, PostureModerate, PostureDefensive, PostureFlat, PostureExitAll:
		return true
	}
	return false
}

// HaltsEntries reports whether the posture blocks new entries entirely.
func (p Posture) HaltsEntries() bool {
	return p == PostureFlat || p == PostureExitAll
}

// Direction is the declared intent of a strategy position.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
	DirectionClose Direction = "close" // close an existing position, open nothing
)

// Valid reports whether d is a recognised direction.
func (d Direction) Valid() bool {
	return d == DirectionLong || d == DirectionShort || d == DirectionClose
}

// Side is the direction of an order as sent to the exchange.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// EntryType determines how a declared position's entry is gated.
type EntryType string

const (
	EntryMarket      EntryType = "market"      // enter immediately
	EntryLimit       EntryType = "limit"       // enter when price reaches the limit
	EntryConditional EntryType = "conditional" // enter when the condition evaluates true
)

// Valid reports whether e is a recognised entry type.
func (e EntryType) Valid() bool {
	return e == EntryMarket || e == EntryLimit || e == EntryConditional
}

// StopType selects hard versus trailing stop-loss behaviour.
type StopType string

const (
	StopHard     StopType = "hard"
	StopTrailing StopType = "trailing"
)

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// MarketSnapshot is one tick for one asset as delivered by the exchange
// adapter. Snapshots are immutable: produced once, fanned out, discarded.
// Indicators carries named technical-indicator scalars computed upstream
// (e.g. "RSI_14", "EMA_50"); an absent key means that indicator is not
// ready yet.
type MarketSnapshot struct {
	Asset      string             `json:"asset"` // e.g. "BTC/USD"
	Bid        float64            `json:"bid"`
	Ask        float64            `json:"ask"`
	Timestamp  time.Time          `json:"timestamp"` // UTC, non-decreasing per asset
	Indicators map[string]float64 `json:"indicators,omitempty"`
}

// Mid returns the snapshot mid price (bid+ask)/2.
func (s MarketSnapshot) Mid() float64 {
	return (s.Bid + s.Ask) / 2
}

// ————————————————————————————————————————————————————————————————————————
// Strategy document — the contract between the learner and the engine
// ————————————————————————————————————————————————————————————————————————

// PortfolioRisk holds the hard portfolio limits the risk enforcer applies.
// All _pct fields are fractions in (0, 1]; the USD limit is an absolute amount.
type PortfolioRisk struct {
	MaxDrawdownPct      float64 `json:"max_drawdown_pct"`
	DailyLossLimitUSD   float64 `json:"daily_loss_limit_usd"`
	MaxTotalExposurePct float64 `json:"max_total_exposure_pct"`
	MaxPerPositionPct   float64 `json:"max_per_position_pct"`
}

// TakeProfitTarget is one rung of a position's take-profit ladder.
type TakeProfitTarget struct {
	Price    float64 `json:"price"`
	ClosePct float64 `json:"close_pct"` // fraction of original quantity to close
}

// StopLoss configures a position's stop. Hard stops carry Price; trailing
// stops carry TrailPct (fractional distance from the favourable extreme).
type StopLoss struct {
	Type     StopType `json:"type"`
	Price    float64  `json:"price,omitempty"`
	TrailPct float64  `json:"trail_pct,omitempty"`
}

// StrategyPosition is one declared trading intent within a strategy document.
// Immutable for the lifetime of its parent document.
type StrategyPosition struct {
	ID                    string             `json:"id"`
	Asset                 string             `json:"asset"`
	Direction             Direction          `json:"direction"`
	AllocationPct         float64            `json:"allocation_pct"` // fraction of available cash in (0, 1]
	EntryType             EntryType          `json:"entry_type"`
	EntryLimitPrice       float64            `json:"entry_limit_price,omitempty"` // required for limit entries
	EntryCondition        string             `json:"entry_condition,omitempty"`   // required for conditional entries
	TakeProfitTargets     []TakeProfitTarget `json:"take_profit_targets,omitempty"`
	StopLoss              *StopLoss          `json:"stop_loss,omitempty"`
	TimeExitUTC           *time.Time         `json:"time_exit_utc,omitempty"`
	InvalidationCondition string             `json:"invalidation_condition,omitempty"`
}

// StrategyDocument is the control input consumed by the execution engine.
// ID is content-derived (first 16 hex chars of SHA-256 over the file bytes)
// and assigned at load time; the writer never serialises it.
type StrategyDocument struct {
	ID             string             `json:"-"`
	Mode           Mode               `json:"mode"`
	Posture        Posture            `json:"posture"`
	ValidityWindow time.Time          `json:"validity_window"` // UTC deadline
	PortfolioRisk  PortfolioRisk      `json:"portfolio_risk"`
	Positions      []StrategyPosition `json:"positions"`
}

// Symbols returns the deduplicated set of assets the document references,
// in first-seen order.
func (d *StrategyDocument) Symbols() []string {
	seen := make(map[string]bool, len(d.Positions))
	var out []string
	for _, p := range d.Positions {
		if !seen[p.Asset] {
			seen[p.Asset] = true
			out = append(out, p.Asset)
		}
	}
	return out
}

// Position returns the declared position with the given id, or nil.
func (d *StrategyDocument) Position(id string) *StrategyPosition {
	for i := range d.Positions {
		if d.Positions[i].ID == id {
			return &d.Positions[i]
		}
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Realised positions and trades
// ————————————————————————————————————————————————————————————————————————

// OpenPosition is a realised live position owned by the position registry.
// Exactly one OpenPosition exists per (StrategyID, StrategyPositionID).
type OpenPosition struct {
	ID                 string    `json:"id"` // internal id
	StrategyID         string    `json:"strategy_id"`
	StrategyPositionID string    `json:"strategy_position_id"`
	Asset              string    `json:"asset"`
	Direction          Direction `json:"direction"` // long or short only
	Quantity           float64   `json:"quantity"`
	OriginalQuantity   float64   `json:"original_quantity"` // quantity at entry, before partial closes
	AvgEntryPrice      float64   `json:"avg_entry_price"`
	OpenedAt           time.Time `json:"opened_at"`

	// TrailingStopPrice is 0 until the first tick initialises it. It only
	// ever moves in the position's favourable direction.
	TrailingStopPrice float64 `json:"trailing_stop_price,omitempty"`

	// TakeProfitHit records which ladder indices have already fired.
	TakeProfitHit []int `json:"take_profit_hit,omitempty"`
}

// TakeProfitIndexHit reports whether ladder index i has already fired.
func (p *OpenPosition) TakeProfitIndexHit(i int) bool {
	for _, hit := range p.TakeProfitHit {
		if hit == i {
			return true
		}
	}
	return false
}

// Trade is an append-only record of a closed fill.
type Trade struct {
	ID        string    `json:"id"` // exchange trade id
	Asset     string    `json:"asset"`
	Side      Side      `json:"side"`
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price"`
	Fee       float64   `json:"fee"`
	Timestamp time.Time `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// OrderKind distinguishes market and limit submissions at the adapter.
type OrderKind string

const (
	OrderMarket OrderKind = "market"
	OrderLimit  OrderKind = "limit"
)

// OrderRequest is the router's submission to an exchange adapter.
type OrderRequest struct {
	ID       string    `json:"id"` // internal order id, assigned by the router
	Asset    string    `json:"asset"`
	Side     Side      `json:"side"`
	Kind     OrderKind `json:"kind"`
	Quantity float64   `json:"quantity"`
	Price    float64   `json:"price,omitempty"` // limit price; ignored for market orders
}

// OrderStatus enumerates adapter acknowledgement states.
type OrderStatus string

const (
	OrderFilled   OrderStatus = "filled"
	OrderPartial  OrderStatus = "partial"
	OrderOpen     OrderStatus = "open"
	OrderRejected OrderStatus = "rejected"
)

// OrderAck is the adapter's acknowledgement of an order submission.
type OrderAck struct {
	OrderID        string      `json:"order_id"` // exchange-assigned id
	Status         OrderStatus `json:"status"`
	FilledQuantity float64     `json:"filled_quantity"`
	AvgFillPrice   float64     `json:"avg_fill_price"`
	Fee            float64     `json:"fee"`
	Reason         string      `json:"reason,omitempty"` // populated on rejection
}

// Balance is one currency balance reported by an adapter.
type Balance struct {
	Currency  string  `json:"currency"`
	Available float64 `json:"available"`
	Total     float64 `json:"total"`
}

// ————————————————————————————————————————————————————————————————————————
// Events
// ————————————————————————————————————————————————————————————————————————

// EventType enumerates every significant state change the platform records.
type EventType string

const (
	EventStrategyLoaded    EventType = "strategy_loaded"
	EventStrategyRejected  EventType = "strategy_rejected"
	EventStrategySwapped   EventType = "strategy_swapped"
	EventStrategyExpired   EventType = "strategy_expired"
	EventEntryTriggered    EventType = "entry_triggered"
	EventEntrySkipped      EventType = "entry_skipped"
	EventExitTriggered     EventType = "exit_triggered"
	EventRiskSuspended     EventType = "risk_suspended"
	EventSafeModeActivated EventType = "safe_mode_activated"
	EventSafeModeCleared   EventType = "safe_mode_cleared"
	EventModeChanged       EventType = "mode_changed"
	EventOrderPlaced       EventType = "order_placed"
	EventOrderFilled       EventType = "order_filled"
	EventOrderRejected     EventType = "order_rejected"
)

// Event is one structured log record. Data is a free-form payload whose
// keys are stable per event type.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Type      EventType      `json:"event_type"`
	Mode      Mode           `json:"mode"`
	Data      map[string]any `json:"data,omitempty"`
}
