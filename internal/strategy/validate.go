package strategy

import (
	"fmt"
	"time"

	"tradepilot/internal/dsl"
	"tradepilot/pkg/types"
)

// Compiled is a validated strategy document with its conditions pre-parsed.
// Entry and Invalidation hold the shared compiled trees keyed by declared
// position id; evaluators must Clone() before evaluating because crossing
// nodes carry state.
type Compiled struct {
	Doc          types.StrategyDocument
	Entry        map[string]*dsl.Condition
	Invalidation map[string]*dsl.Condition
	LoadedAt     time.Time
}

// compile validates the document and pre-parses every condition. The first
// violation aborts with a reason suitable for a strategy_rejected event.
func compile(doc types.StrategyDocument, now time.Time) (*Compiled, error) {
	if !doc.Mode.Valid() {
		return nil, fmt.Errorf("mode must be paper or live, got %q", doc.Mode)
	}
	if !doc.Posture.Valid() {
		return nil, fmt.Errorf("unknown posture %q", doc.Posture)
	}
	if doc.ValidityWindow.IsZero() {
		return nil, fmt.Errorf("validity_window is required")
	}
	if !doc.ValidityWindow.After(now) {
		return nil, fmt.Errorf("validity_window %s is already in the past", doc.ValidityWindow.Format(time.RFC3339))
	}
	if err := validateRisk(doc.PortfolioRisk); err != nil {
		return nil, err
	}

	c := &Compiled{
		Doc:          doc,
		Entry:        make(map[string]*dsl.Condition),
		Invalidation: make(map[string]*dsl.Condition),
		LoadedAt:     now,
	}

	seen := make(map[string]bool, len(doc.Positions))
	for i, pos := range doc.Positions {
		if pos.ID == "" {
			return nil, fmt.Errorf("positions[%d]: id is required", i)
		}
		if seen[pos.ID] {
			return nil, fmt.Errorf("positions[%d]: duplicate id %q", i, pos.ID)
		}
		seen[pos.ID] = true

		if err := validatePosition(pos); err != nil {
			return nil, fmt.Errorf("position %q: %w", pos.ID, err)
		}

		if pos.EntryCondition != "" {
			cond, err := dsl.Compile(pos.EntryCondition)
			if err != nil {
				return nil, fmt.Errorf("position %q: entry_condition: %w", pos.ID, err)
			}
			c.Entry[pos.ID] = cond
		}
		if pos.InvalidationCondition != "" {
			cond, err := dsl.Compile(pos.InvalidationCondition)
			if err != nil {
				return nil, fmt.Errorf("position %q: invalidation_condition: %w", pos.ID, err)
			}
			c.Invalidation[pos.ID] = cond
		}
	}
	return c, nil
}

func validateRisk(r types.PortfolioRisk) error {
	if r.MaxDrawdownPct <= 0 || r.MaxDrawdownPct > 1 {
		return fmt.Errorf("portfolio_risk.max_drawdown_pct must be in (0, 1], got %g", r.MaxDrawdownPct)
	}
	if r.DailyLossLimitUSD < 0 {
		return fmt.Errorf("portfolio_risk.daily_loss_limit_usd must be >= 0, got %g", r.DailyLossLimitUSD)
	}
	if r.MaxTotalExposurePct <= 0 || r.MaxTotalExposurePct > 1 {
		return fmt.Errorf("portfolio_risk.max_total_exposure_pct must be in (0, 1], got %g", r.MaxTotalExposurePct)
	}
	if r.MaxPerPositionPct <= 0 || r.MaxPerPositionPct > 1 {
		return fmt.Errorf("portfolio_risk.max_per_position_pct must be in (0, 1], got %g", r.MaxPerPositionPct)
	}
	return nil
}

func validatePosition(pos types.StrategyPosition) error {
	if pos.Asset == "" {
		return fmt.Errorf("asset is required")
	}
	if !pos.Direction.Valid() {
		return fmt.Errorf("unknown direction %q", pos.Direction)
	}

	if pos.Direction == types.DirectionClose {
		// Close intents reference an existing position; sizing fields are
		// ignored and entries are not gated.
		return nil
	}

	if pos.AllocationPct <= 0 || pos.AllocationPct > 1 {
		return fmt.Errorf("allocation_pct must be in (0, 1], got %g", pos.AllocationPct)
	}
	if !pos.EntryType.Valid() {
		return fmt.Errorf("unknown entry_type %q", pos.EntryType)
	}
	if pos.EntryType == types.EntryLimit && pos.EntryLimitPrice <= 0 {
		return fmt.Errorf("limit entry requires entry_limit_price > 0")
	}
	if pos.EntryType == types.EntryConditional && pos.EntryCondition == "" {
		return fmt.Errorf("conditional entry requires entry_condition")
	}

	var closeTotal float64
	for i, tp := range pos.TakeProfitTargets {
		if tp.Price <= 0 {
			return fmt.Errorf("take_profit_targets[%d].price must be > 0", i)
		}
		if tp.ClosePct <= 0 || tp.ClosePct > 1 {
			return fmt.Errorf("take_profit_targets[%d].close_pct must be in (0, 1]", i)
		}
		closeTotal += tp.ClosePct
	}
	if closeTotal > 1+1e-9 {
		return fmt.Errorf("take_profit_targets close_pct sum %g exceeds 1", closeTotal)
	}

	if sl := pos.StopLoss; sl != nil {
		switch sl.Type {
		case types.StopHard:
			if sl.Price <= 0 {
				return fmt.Errorf("hard stop requires price > 0")
			}
		case types.StopTrailing:
			if sl.TrailPct <= 0 || sl.TrailPct >= 1 {
				return fmt.Errorf("trailing stop requires trail_pct in (0, 1)")
			}
		default:
			return fmt.Errorf("unknown stop_loss type %q", sl.Type)
		}
	}
	return nil
}
