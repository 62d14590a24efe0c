// Package risk enforces the portfolio limits declared in the strategy
// document.
//
// The Enforcer is re-evaluated on a 5-second ticker and immediately after
// every fill. It checks three limits:
//
//   - Total exposure: open notional above max_total_exposure_pct of equity
//     suspends new entries until exposure shrinks back under the cap.
//   - Daily loss:     equity down more than daily_loss_limit_usd since UTC
//     midnight suspends new entries for the rest of the day.
//   - Max drawdown:   equity down more than max_drawdown_pct from its peak
//     escalates to safe mode, which stays latched until an operator clears it.
//
// Suspensions halt entries only; exit management always keeps running.
package risk

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tradepilot/internal/events"
	"tradepilot/pkg/types"
)

const checkInterval = 5 * time.Second

const (
	// Suspension reasons, stable strings used in events and /status.
	ReasonExposure  = "exposure_limit"
	ReasonDailyLoss = "daily_loss_limit"
	ReasonDrawdown  = "max_drawdown"
)

// PortfolioView is what the enforcer needs to see each evaluation: the
// engine supplies cash, open positions, and current marks.
type PortfolioView struct {
	CashUSD   float64
	Positions []types.OpenPosition
	Marks     map[string]float64 // mid price per asset
}

// ViewFunc produces the current portfolio view.
type ViewFunc func(ctx context.Context) (PortfolioView, error)

// Enforcer applies the active document's portfolio limits.
type Enforcer struct {
	view     ViewFunc
	safeMode *SafeMode
	tracker  *EquityTracker
	events   *events.Log
	logger   *slog.Logger

	mu        sync.Mutex
	limits    types.PortfolioRisk
	hasLimits bool
	suspended map[string]bool

	kick chan struct{} // on-fill recheck
}

// NewEnforcer creates an enforcer with no limits yet; until a strategy
// document arrives nothing is suspended.
func NewEnforcer(view ViewFunc, safeMode *SafeMode, evts *events.Log, logger *slog.Logger) *Enforcer {
	return &Enforcer{
		view:      view,
		safeMode:  safeMode,
		tracker:   NewEquityTracker(),
		events:    evts,
		logger:    logger.With("component", "risk"),
		suspended: make(map[string]bool),
		kick:      make(chan struct{}, 1),
	}
}

// SetLimits installs the limits from a newly loaded strategy document.
func (e *Enforcer) SetLimits(r types.PortfolioRisk) {
	e.mu.Lock()
	e.limits = r
	e.hasLimits = true
	e.mu.Unlock()
	e.Kick()
}

// Kick requests an immediate re-evaluation (called after fills).
func (e *Enforcer) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// EntriesAllowed reports whether new entries may dispatch right now.
func (e *Enforcer) EntriesAllowed() bool {
	if active, _ := e.safeMode.Active(); active {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.suspended) == 0
}

// Suspensions returns the active suspension reasons.
func (e *Enforcer) Suspensions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.suspended))
	for r := range e.suspended {
		out = append(out, r)
	}
	return out
}

// Tracker exposes the equity metrics for the status API.
func (e *Enforcer) Tracker() *EquityTracker { return e.tracker }

// Run evaluates on a fixed ticker and on every kick until ctx is cancelled.
func (e *Enforcer) Run(ctx context.Context) error {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.evaluate(ctx)
		case <-e.kick:
			e.evaluate(ctx)
		}
	}
}

func (e *Enforcer) evaluate(ctx context.Context) {
	e.mu.Lock()
	hasLimits := e.hasLimits
	limits := e.limits
	e.mu.Unlock()
	if !hasLimits {
		return
	}

	pv, err := e.view(ctx)
	if err != nil {
		e.logger.Warn("portfolio view unavailable", "error", err)
		return
	}

	equity, exposure := Valuation(pv)
	e.tracker.Update(equity, time.Now())

	// Exposure cap. Reaching a limit counts as breaching it.
	overExposed := equity > 0 && exposure >= limits.MaxTotalExposurePct*equity
	e.setSuspended(ReasonExposure, overExposed, map[string]any{
		"exposure_usd": exposure,
		"equity_usd":   equity,
		"limit_pct":    limits.MaxTotalExposurePct,
	})

	// Daily loss limit.
	dailyLoss := e.tracker.DailyLossUSD()
	e.setSuspended(ReasonDailyLoss, dailyLoss >= limits.DailyLossLimitUSD, map[string]any{
		"daily_loss_usd": dailyLoss,
		"limit_usd":      limits.DailyLossLimitUSD,
	})

	// Drawdown escalates to safe mode.
	if dd := e.tracker.DrawdownPct(); dd >= limits.MaxDrawdownPct {
		e.safeMode.Activate(ReasonDrawdown)
	}
}

// setSuspended flips one suspension flag, emitting risk_suspended on the
// rising edge only.
func (e *Enforcer) setSuspended(reason string, on bool, data map[string]any) {
	e.mu.Lock()
	was := e.suspended[reason]
	if on {
		e.suspended[reason] = true
	} else {
		delete(e.suspended, reason)
	}
	e.mu.Unlock()

	if on && !was {
		if data == nil {
			data = map[string]any{}
		}
		data["reason"] = reason
		e.events.Emit(types.EventRiskSuspended, data)
	}
	if !on && was {
		e.logger.Info("suspension cleared", "reason", reason)
	}
}

// Valuation marks the portfolio: equity is cash plus long value minus the
// cost of buying shorts back; exposure is the absolute open notional.
func Valuation(pv PortfolioView) (equity, exposure float64) {
	equity = pv.CashUSD
	for _, p := range pv.Positions {
		mark, ok := pv.Marks[p.Asset]
		if !ok {
			// No current mark: fall back to entry so a data gap doesn't
			// zero the position out of the books.
			mark = p.AvgEntryPrice
		}
		notional := p.Quantity * mark
		exposure += notional
		if p.Direction == types.DirectionShort {
			equity -= notional
		} else {
			equity += notional
		}
	}
	return equity, exposure
}
