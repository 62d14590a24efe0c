package engine

import (
	"github.com/shopspring/decimal"

	"tradepilot/pkg/types"
)

// Sizer skip reasons, stable tokens carried in entry_skipped events.
const (
	skipInsufficientCapital = "insufficient_capital"
	skipBelowMin            = "below_min"
)

// sizeEntry converts a declared allocation into an order quantity:
// available cash times the allocation fraction (capped by the portfolio's
// per-position limit), divided by the reference price. The math runs in
// decimals so repeated sizing doesn't accumulate float drift. A non-empty
// skip reason is returned when the resulting quantity can't be ordered.
func sizeEntry(cashUSD float64, pos types.StrategyPosition, limits types.PortfolioRisk, refPrice, minOrder float64) (float64, string) {
	if refPrice <= 0 {
		return 0, "no reference price"
	}
	if cashUSD <= 0 {
		return 0, skipInsufficientCapital
	}

	alloc := pos.AllocationPct
	if limits.MaxPerPositionPct > 0 && alloc > limits.MaxPerPositionPct {
		alloc = limits.MaxPerPositionPct
	}

	notional := decimal.NewFromFloat(cashUSD).Mul(decimal.NewFromFloat(alloc))
	qty, _ := notional.Div(decimal.NewFromFloat(refPrice)).Float64()

	if qty < minOrder {
		return 0, skipBelowMin
	}
	return qty, ""
}
