// exit.go manages open positions against the active document's exit rules.
//
// Rules are checked per position in a fixed order, first match wins for the
// tick: safe mode (forced exit-all), exit-all posture, hard stop, trailing
// stop, take-profit ladder, time exit, invalidation condition, declared
// close. The trailing stop only ever moves in the position's favourable
// direction, and at most one ladder rung fires per tick so a gap through
// several targets closes in steps.
//
// Exit management never pauses: expired strategies and risk suspensions
// halt entries only.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tradepilot/internal/dsl"
	"tradepilot/internal/events"
	"tradepilot/internal/orders"
	"tradepilot/internal/strategy"
	"tradepilot/pkg/types"
)

// Exit rule names, stable strings used in events and close reasons.
const (
	exitSafeMode     = "safe_mode"
	exitPostureAll   = "posture_exit_all"
	exitStopHard     = "stop_loss_hard"
	exitStopTrailing = "stop_loss_trailing"
	exitTime         = "time_exit"
	exitInvalidation = "invalidation"
	exitDeclared     = "declared_close"
)

// exitTakeProfit names the ladder rule for a specific rung index.
func exitTakeProfit(i int) string {
	return fmt.Sprintf("take_profit_target_%d", i)
}

type exitEvaluator struct {
	compiled     *strategy.Compiled
	invalidation map[string]*dsl.Condition // per-evaluator clones
	registry     *orders.Registry
	router       *orders.Router
	safeActive   func() bool
	events       *events.Log
	logger       *slog.Logger
	now          func() time.Time
}

func newExitEvaluator(
	compiled *strategy.Compiled,
	registry *orders.Registry,
	router *orders.Router,
	safeActive func() bool,
	evts *events.Log,
	logger *slog.Logger,
) *exitEvaluator {
	conds := make(map[string]*dsl.Condition, len(compiled.Invalidation))
	for id, c := range compiled.Invalidation {
		conds[id] = c.Clone()
	}
	return &exitEvaluator{
		compiled:     compiled,
		invalidation: conds,
		registry:     registry,
		router:       router,
		safeActive:   safeActive,
		events:       evts,
		logger:       logger.With("component", "exit"),
		now:          time.Now,
	}
}

// OnTick walks every open position and applies the first matching exit rule.
func (ev *exitEvaluator) OnTick(ctx context.Context, snaps dsl.Snapshots) {
	for _, p := range ev.registry.List() {
		if ev.router.IsClosing(p.StrategyID, p.StrategyPositionID) {
			continue
		}
		ev.evalPosition(ctx, p, snaps)
	}
}

func (ev *exitEvaluator) evalPosition(ctx context.Context, p types.OpenPosition, snaps dsl.Snapshots) {
	doc := &ev.compiled.Doc
	declared := doc.Position(p.StrategyPositionID)
	snap, priced := snaps[p.Asset]
	mid := 0.0
	if priced {
		mid = snap.Mid()
	}

	// Safe mode forces exit-all behaviour regardless of strategy posture.
	if ev.safeActive() {
		ev.close(ctx, p, p.Quantity, exitSafeMode, mid)
		return
	}

	// Posture exit-all closes everything regardless of per-position rules.
	if doc.Posture == types.PostureExitAll {
		ev.close(ctx, p, p.Quantity, exitPostureAll, mid)
		return
	}

	if declared == nil {
		// The active document no longer declares this position; only the
		// portfolio-wide exit above applies.
		return
	}

	// Keep the trailing stop current before any trigger check.
	if priced && declared.StopLoss != nil && declared.StopLoss.Type == types.StopTrailing {
		p = ev.updateTrailing(p, *declared.StopLoss, snap)
	}

	if priced && declared.StopLoss != nil {
		switch declared.StopLoss.Type {
		case types.StopHard:
			if breached(p.Direction, snap, declared.StopLoss.Price) {
				ev.close(ctx, p, p.Quantity, exitStopHard, mid)
				return
			}
		case types.StopTrailing:
			if p.TrailingStopPrice > 0 && breached(p.Direction, snap, p.TrailingStopPrice) {
				ev.close(ctx, p, p.Quantity, exitStopTrailing, mid)
				return
			}
		}
	}

	if priced && ev.takeProfit(ctx, p, declared, snap, mid) {
		return
	}

	if declared.TimeExitUTC != nil && !ev.now().Before(*declared.TimeExitUTC) {
		ev.close(ctx, p, p.Quantity, exitTime, mid)
		return
	}

	if cond := ev.invalidation[p.StrategyPositionID]; cond != nil {
		if cond.Eval(snaps) == dsl.True {
			ev.close(ctx, p, p.Quantity, exitInvalidation, mid)
			return
		}
	}

	if declared.Direction == types.DirectionClose {
		ev.close(ctx, p, p.Quantity, exitDeclared, mid)
	}
}

// breached reports whether price has crossed a stop level against the
// position. Stops trigger on the side a close would trade against: the bid
// for a long, the ask for a short.
func breached(dir types.Direction, snap types.MarketSnapshot, stop float64) bool {
	if dir == types.DirectionShort {
		return snap.Ask >= stop
	}
	return snap.Bid <= stop
}

// updateTrailing initialises or advances the trailing stop, persisting any
// movement. The stop trails the closable side and never retreats.
func (ev *exitEvaluator) updateTrailing(p types.OpenPosition, sl types.StopLoss, snap types.MarketSnapshot) types.OpenPosition {
	var candidate float64
	if p.Direction == types.DirectionShort {
		candidate = snap.Ask * (1 + sl.TrailPct)
	} else {
		candidate = snap.Bid * (1 - sl.TrailPct)
	}

	improved := p.TrailingStopPrice == 0 ||
		(p.Direction == types.DirectionShort && candidate < p.TrailingStopPrice) ||
		(p.Direction != types.DirectionShort && candidate > p.TrailingStopPrice)
	if !improved {
		return p
	}

	p.TrailingStopPrice = candidate
	if err := ev.registry.SetTrailingStop(p.StrategyID, p.StrategyPositionID, candidate); err != nil {
		ev.logger.Warn("persist trailing stop", "position", p.StrategyPositionID, "error", err)
	}
	return p
}

// takeProfit fires at most the first un-hit rung whose price is reached,
// closing close_pct of the original quantity. A rung counts as reached when
// the far side of the book touches it: the ask for a long, the bid for a
// short.
func (ev *exitEvaluator) takeProfit(ctx context.Context, p types.OpenPosition, declared *types.StrategyPosition, snap types.MarketSnapshot, mid float64) bool {
	for i, tp := range declared.TakeProfitTargets {
		if p.TakeProfitIndexHit(i) {
			continue
		}

		var reached bool
		if p.Direction == types.DirectionShort {
			reached = snap.Bid <= tp.Price
		} else {
			reached = snap.Ask >= tp.Price
		}
		if !reached {
			return false // rungs fire in declared order only
		}

		qty := tp.ClosePct * p.OriginalQuantity
		if qty > p.Quantity {
			qty = p.Quantity
		}
		if err := ev.registry.MarkTakeProfitHit(p.StrategyID, p.StrategyPositionID, i); err != nil {
			ev.logger.Warn("persist take-profit hit", "position", p.StrategyPositionID, "error", err)
		}
		ev.close(ctx, p, qty, exitTakeProfit(i), mid)
		return true
	}
	return false
}

func (ev *exitEvaluator) close(ctx context.Context, p types.OpenPosition, qty float64, rule string, mid float64) {
	ev.events.Emit(types.EventExitTriggered, map[string]any{
		"strategy_id":          p.StrategyID,
		"strategy_position_id": p.StrategyPositionID,
		"asset":                p.Asset,
		"rule":                 rule,
		"quantity":             qty,
		"mark":                 mid,
	})

	if _, err := ev.router.SubmitClose(ctx, p, qty, rule); err != nil {
		ev.logger.Error("close submission failed",
			"position", p.StrategyPositionID,
			"rule", rule,
			"error", err,
		)
	}
}
