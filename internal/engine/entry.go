// entry.go evaluates declared entries against each market tick.
//
// An entryEvaluator is built fresh for every installed strategy document, so
// its cloned crossing state always starts from the new document's baseline.
// Entry dedup lives in the router: once an entry dispatches for a declared
// position, repeated true ticks are no-ops until that position fully closes.
package engine

import (
	"context"
	"log/slog"

	"tradepilot/internal/dsl"
	"tradepilot/internal/events"
	"tradepilot/internal/orders"
	"tradepilot/internal/risk"
	"tradepilot/internal/strategy"
	"tradepilot/pkg/types"
)

type entryEvaluator struct {
	compiled *strategy.Compiled
	conds    map[string]*dsl.Condition // per-evaluator clones with fresh crossing state
	router   *orders.Router
	enforcer *risk.Enforcer
	expired  func() bool
	cash     func(ctx context.Context) (float64, error)
	minOrder float64
	events   *events.Log
	logger   *slog.Logger

	lastSkip map[string]string // declared position id → last emitted skip reason
}

func newEntryEvaluator(
	compiled *strategy.Compiled,
	router *orders.Router,
	enforcer *risk.Enforcer,
	expired func() bool,
	cash func(ctx context.Context) (float64, error),
	minOrder float64,
	evts *events.Log,
	logger *slog.Logger,
) *entryEvaluator {
	conds := make(map[string]*dsl.Condition, len(compiled.Entry))
	for id, c := range compiled.Entry {
		conds[id] = c.Clone()
	}
	return &entryEvaluator{
		compiled: compiled,
		conds:    conds,
		router:   router,
		enforcer: enforcer,
		expired:  expired,
		cash:     cash,
		minOrder: minOrder,
		events:   evts,
		logger:   logger.With("component", "entry"),
		lastSkip: make(map[string]string),
	}
}

// OnTick runs every declared entry against the current snapshot set.
func (ev *entryEvaluator) OnTick(ctx context.Context, snaps dsl.Snapshots) {
	doc := &ev.compiled.Doc

	for i := range doc.Positions {
		pos := doc.Positions[i]
		if pos.Direction == types.DirectionClose {
			continue // close intents are the exit evaluator's job
		}
		if ev.router.HasClaim(doc.ID, pos.ID) {
			continue
		}

		// Conditions advance their crossing state on every evaluable tick,
		// even when a gate would block the dispatch.
		switch ev.wantsEntry(pos, snaps) {
		case dsl.NotReady:
			ev.skip(pos.ID, "indicator_not_ready")
			continue
		case dsl.False:
			continue
		}

		if reason := ev.gate(doc); reason != "" {
			ev.skip(pos.ID, reason)
			continue
		}

		ev.dispatch(ctx, doc, pos, snaps)
	}
}

// wantsEntry resolves the entry trigger for this tick. Limit triggers use
// the side the order would trade against: the bid must reach a long limit,
// the ask must reach a short limit.
func (ev *entryEvaluator) wantsEntry(pos types.StrategyPosition, snaps dsl.Snapshots) dsl.Result {
	snap, ok := snaps[pos.Asset]

	switch pos.EntryType {
	case types.EntryMarket:
		// Enter on the first tick that prices the asset.
		return boolResult(ok)

	case types.EntryLimit:
		if !ok {
			return dsl.False
		}
		if pos.Direction == types.DirectionShort {
			return boolResult(snap.Ask >= pos.EntryLimitPrice)
		}
		return boolResult(snap.Bid <= pos.EntryLimitPrice)

	case types.EntryConditional:
		cond := ev.conds[pos.ID]
		if cond == nil {
			return dsl.False
		}
		return cond.Eval(snaps)

	default:
		return dsl.False
	}
}

func boolResult(b bool) dsl.Result {
	if b {
		return dsl.True
	}
	return dsl.False
}

// gate returns a non-empty reason when entries are currently blocked.
func (ev *entryEvaluator) gate(doc *types.StrategyDocument) string {
	if doc.Posture.HaltsEntries() {
		return "posture " + string(doc.Posture)
	}
	if ev.expired() {
		return "strategy expired"
	}
	if !ev.enforcer.EntriesAllowed() {
		reasons := ev.enforcer.Suspensions()
		if len(reasons) > 0 {
			return "risk: " + reasons[0]
		}
		return "safe mode"
	}
	return ""
}

// skip records a blocked dispatch, emitting entry_skipped once per reason
// change so a held gate doesn't flood the event log every tick.
func (ev *entryEvaluator) skip(posID, reason string) {
	if ev.lastSkip[posID] == reason {
		return
	}
	ev.lastSkip[posID] = reason
	ev.events.Emit(types.EventEntrySkipped, map[string]any{
		"strategy_position_id": posID,
		"reason":               reason,
	})
}

func (ev *entryEvaluator) dispatch(ctx context.Context, doc *types.StrategyDocument, pos types.StrategyPosition, snaps dsl.Snapshots) {
	delete(ev.lastSkip, pos.ID)

	cash, err := ev.cash(ctx)
	if err != nil {
		ev.logger.Warn("cash unavailable, entry deferred", "position", pos.ID, "error", err)
		return
	}

	// Size against the price the order would actually pay: the ask for a
	// buy, the bid for a short sale.
	snap := snaps[pos.Asset]
	refPrice := snap.Ask
	if pos.Direction == types.DirectionShort {
		refPrice = snap.Bid
	}

	qty, skipReason := sizeEntry(cash, pos, doc.PortfolioRisk, refPrice, ev.minOrder)
	if skipReason != "" {
		ev.skip(pos.ID, skipReason)
		return
	}

	ev.events.Emit(types.EventEntryTriggered, map[string]any{
		"strategy_id":          doc.ID,
		"strategy_position_id": pos.ID,
		"asset":                pos.Asset,
		"direction":            pos.Direction,
		"entry_type":           pos.EntryType,
		"quantity":             qty,
		"ref_price":            refPrice,
	})

	if _, err := ev.router.SubmitEntry(ctx, doc.ID, pos, qty); err != nil {
		ev.logger.Error("entry submission failed", "position", pos.ID, "error", err)
	}
}
