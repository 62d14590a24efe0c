// Package exchange implements the order-side adapters and the market tick feed.
//
// Two adapters satisfy the same Adapter interface:
//
//   - Paper: a deterministic in-process simulator. Market orders fill
//     immediately at the last observed ask (buys) or bid (sells); a cash
//     ledger tracks the simulated account.
//
//   - Live: a REST client for a real venue, rate-limited per endpoint
//     category and authenticated with an API-key header.
//
// The order router is the only caller of an Adapter; nothing else in the
// engine talks to an exchange directly.
package exchange

import (
	"context"

	"tradepilot/pkg/types"
)

// Adapter is the uniform order interface the router dispatches to.
// Implementations must be safe for concurrent use.
type Adapter interface {
	// Name identifies the adapter in logs and events ("paper" or "live").
	Name() string

	// PlaceOrder submits one order and returns the venue acknowledgement.
	// A rejection is returned as an ack with StatusRejected, not an error;
	// errors mean the submission itself failed.
	PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.OrderAck, error)

	// CancelOrder cancels a resting order by its exchange id.
	CancelOrder(ctx context.Context, orderID string) error

	// OrderStatus fetches the current state of an order by its exchange id.
	OrderStatus(ctx context.Context, orderID string) (*types.OrderAck, error)

	// Balances returns the account's currency balances.
	Balances(ctx context.Context) ([]types.Balance, error)

	// TradeHistory returns up to limit most recent fills, newest first.
	// limit <= 0 means no cap.
	TradeHistory(ctx context.Context, limit int) ([]types.Trade, error)

	// MinOrderSize is the venue's minimum quantity per order.
	MinOrderSize() float64
}
