// paper.go implements the simulated adapter used in paper mode.
//
// The simulator is deterministic: market orders fill in full at the last
// observed ask (buys) or bid (sells), limit orders fill when a tick crosses
// the limit price, and a decimal cash ledger tracks the account. Observe()
// must be fed every market tick so resting limit orders and fill prices
// stay current.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradepilot/pkg/types"
)

// Paper is the in-process exchange simulator.
type Paper struct {
	mu       sync.Mutex
	cash     decimal.Decimal
	minOrder float64
	last     map[string]types.MarketSnapshot // last tick per asset
	resting  map[string]types.OrderRequest   // open limit orders by exchange id
	acks     map[string]types.OrderAck       // terminal + open acks by exchange id
	trades   []types.Trade                   // append-only, oldest first
	logger   *slog.Logger
}

// NewPaper creates a simulator seeded with startingCashUSD.
func NewPaper(startingCashUSD, minOrderSize float64, logger *slog.Logger) *Paper {
	return &Paper{
		cash:     decimal.NewFromFloat(startingCashUSD),
		minOrder: minOrderSize,
		last:     make(map[string]types.MarketSnapshot),
		resting:  make(map[string]types.OrderRequest),
		acks:     make(map[string]types.OrderAck),
		logger:   logger.With("component", "paper_exchange"),
	}
}

// Name identifies the adapter.
func (p *Paper) Name() string { return "paper" }

// MinOrderSize is the simulated venue minimum.
func (p *Paper) MinOrderSize() float64 { return p.minOrder }

// Observe feeds one market tick into the simulator. Resting limit orders on
// the tick's asset fill when the tick crosses their limit price.
func (p *Paper) Observe(snap types.MarketSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.last[snap.Asset] = snap

	for id, req := range p.resting {
		if req.Asset != snap.Asset {
			continue
		}
		var fillPrice float64
		switch {
		case req.Side == types.Buy && snap.Ask <= req.Price:
			fillPrice = snap.Ask
		case req.Side == types.Sell && snap.Bid >= req.Price:
			fillPrice = snap.Bid
		default:
			continue
		}
		delete(p.resting, id)
		p.settle(id, req, fillPrice, snap.Timestamp)
	}
}

// PlaceOrder fills market orders immediately and rests non-marketable limits.
func (p *Paper) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	id := uuid.NewString()

	if req.Quantity < p.minOrder {
		return p.reject(id, fmt.Sprintf("quantity %g below exchange minimum %g", req.Quantity, p.minOrder)), nil
	}

	snap, ok := p.last[req.Asset]
	if !ok {
		return p.reject(id, "no market data for "+req.Asset), nil
	}

	switch req.Kind {
	case types.OrderMarket:
		price := snap.Ask
		if req.Side == types.Sell {
			price = snap.Bid
		}
		if req.Side == types.Buy && !p.affordable(req.Quantity, price) {
			return p.reject(id, "insufficient funds"), nil
		}
		ack := p.settle(id, req, price, snap.Timestamp)
		return &ack, nil

	case types.OrderLimit:
		// Marketable limits fill now at the touch; the rest rest.
		switch {
		case req.Side == types.Buy && snap.Ask <= req.Price:
			if !p.affordable(req.Quantity, snap.Ask) {
				return p.reject(id, "insufficient funds"), nil
			}
			ack := p.settle(id, req, snap.Ask, snap.Timestamp)
			return &ack, nil
		case req.Side == types.Sell && snap.Bid >= req.Price:
			ack := p.settle(id, req, snap.Bid, snap.Timestamp)
			return &ack, nil
		}
		p.resting[id] = req
		ack := types.OrderAck{OrderID: id, Status: types.OrderOpen}
		p.acks[id] = ack
		return &ack, nil

	default:
		return p.reject(id, fmt.Sprintf("unsupported order kind %q", req.Kind)), nil
	}
}

// CancelOrder removes a resting order.
func (p *Paper) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.resting[orderID]; !ok {
		return fmt.Errorf("order %s is not open", orderID)
	}
	delete(p.resting, orderID)
	delete(p.acks, orderID)
	return nil
}

// OrderStatus returns the current acknowledgement for an order.
func (p *Paper) OrderStatus(ctx context.Context, orderID string) (*types.OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ack, ok := p.acks[orderID]
	if !ok {
		return nil, fmt.Errorf("unknown order %s", orderID)
	}
	return &ack, nil
}

// Balances returns the single simulated USD balance.
func (p *Paper) Balances(ctx context.Context) ([]types.Balance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	cash, _ := p.cash.Float64()
	return []types.Balance{{Currency: "USD", Available: cash, Total: cash}}, nil
}

// TradeHistory returns up to limit most recent fills, newest first.
func (p *Paper) TradeHistory(ctx context.Context, limit int) ([]types.Trade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.trades)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]types.Trade, 0, n)
	for i := len(p.trades) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, p.trades[i])
	}
	return out, nil
}

// affordable reports whether the ledger covers a buy. Callers hold p.mu.
func (p *Paper) affordable(qty, price float64) bool {
	cost := decimal.NewFromFloat(qty).Mul(decimal.NewFromFloat(price))
	return p.cash.GreaterThanOrEqual(cost)
}

// settle records a full fill and moves cash. Callers hold p.mu.
func (p *Paper) settle(id string, req types.OrderRequest, price float64, ts time.Time) types.OrderAck {
	notional := decimal.NewFromFloat(req.Quantity).Mul(decimal.NewFromFloat(price))
	if req.Side == types.Buy {
		p.cash = p.cash.Sub(notional)
	} else {
		p.cash = p.cash.Add(notional)
	}

	p.trades = append(p.trades, types.Trade{
		ID:        id,
		Asset:     req.Asset,
		Side:      req.Side,
		Quantity:  req.Quantity,
		Price:     price,
		Timestamp: ts,
	})

	ack := types.OrderAck{
		OrderID:        id,
		Status:         types.OrderFilled,
		FilledQuantity: req.Quantity,
		AvgFillPrice:   price,
	}
	p.acks[id] = ack

	p.logger.Debug("fill",
		"order_id", id,
		"asset", req.Asset,
		"side", req.Side,
		"qty", req.Quantity,
		"price", price,
	)
	return ack
}

// reject records and returns a rejection ack. Callers hold p.mu.
func (p *Paper) reject(id, reason string) *types.OrderAck {
	ack := types.OrderAck{OrderID: id, Status: types.OrderRejected, Reason: reason}
	p.acks[id] = ack
	p.logger.Warn("order rejected", "order_id", id, "reason", reason)
	return &ack
}
