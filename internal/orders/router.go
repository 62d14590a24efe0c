// router.go is the single gateway between the engine and an exchange.
//
// The Router serialises order submissions, enforces at-most-once entry
// dispatch per declared position, tracks in-flight closes so one exit rule
// can't fire twice on consecutive ticks, and feeds every fill back into the
// Registry before anything else observes it.
package orders

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradepilot/internal/events"
	"tradepilot/internal/exchange"
	"tradepilot/pkg/types"
)

// Router owns all order flow. The adapter is swappable at runtime for
// paper/live mode changes.
type Router struct {
	mu       sync.Mutex
	adapter  exchange.Adapter
	registry *Registry
	events   *events.Log
	claims   map[string]bool // entry dispatched for strategyID|posID, not yet fully closed
	closing  map[string]bool // close order in flight for strategyID|posID
	logger   *slog.Logger
}

// NewRouter creates a router over the given adapter and registry.
func NewRouter(adapter exchange.Adapter, registry *Registry, evts *events.Log, logger *slog.Logger) *Router {
	r := &Router{
		adapter:  adapter,
		registry: registry,
		events:   evts,
		claims:   make(map[string]bool),
		closing:  make(map[string]bool),
		logger:   logger.With("component", "router"),
	}
	// Positions restored from disk keep their entry claims so a restart
	// can't double-enter.
	for _, p := range registry.List() {
		r.claims[key(p.StrategyID, p.StrategyPositionID)] = true
	}
	return r
}

// SetAdapter swaps the active adapter (paper/live mode change).
func (r *Router) SetAdapter(a exchange.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapter = a
	r.logger.Info("adapter switched", "adapter", a.Name())
}

// AdapterName returns the active adapter's name.
func (r *Router) AdapterName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.adapter.Name()
}

// HasClaim reports whether an entry has already been dispatched for the
// declared position and not yet fully closed.
func (r *Router) HasClaim(strategyID, strategyPositionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.claims[key(strategyID, strategyPositionID)]
}

// IsClosing reports whether a close is in flight for the position.
func (r *Router) IsClosing(strategyID, strategyPositionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closing[key(strategyID, strategyPositionID)]
}

// SubmitEntry places the entry order for a declared position. It returns
// false without error when the entry was already dispatched; the claim
// stays held until the resulting position fully closes. A venue rejection
// releases the claim so a later tick may retry.
func (r *Router) SubmitEntry(ctx context.Context, strategyID string, pos types.StrategyPosition, qty float64) (bool, error) {
	k := key(strategyID, pos.ID)

	r.mu.Lock()
	if r.claims[k] {
		r.mu.Unlock()
		return false, nil
	}
	r.claims[k] = true
	adapter := r.adapter
	r.mu.Unlock()

	side := types.Buy
	if pos.Direction == types.DirectionShort {
		side = types.Sell
	}
	req := types.OrderRequest{
		ID:       uuid.NewString(),
		Asset:    pos.Asset,
		Side:     side,
		Kind:     types.OrderMarket,
		Quantity: qty,
	}

	r.events.Emit(types.EventOrderPlaced, map[string]any{
		"order_id":             req.ID,
		"strategy_id":          strategyID,
		"strategy_position_id": pos.ID,
		"asset":                pos.Asset,
		"side":                 side,
		"quantity":             qty,
		"adapter":              adapter.Name(),
	})

	ack, err := adapter.PlaceOrder(ctx, req)
	if err != nil {
		r.release(k)
		return false, fmt.Errorf("place entry order: %w", err)
	}
	if ack.Status == types.OrderRejected {
		r.release(k)
		r.events.Emit(types.EventOrderRejected, map[string]any{
			"order_id":             req.ID,
			"strategy_position_id": pos.ID,
			"reason":               ack.Reason,
		})
		return false, nil
	}

	if ack.FilledQuantity > 0 {
		if err := r.recordEntryFill(strategyID, pos, ack); err != nil {
			return true, err
		}
	}
	return true, nil
}

// recordEntryFill books an entry fill into the registry. The first fill
// opens the position; later fills for the same declared position fold in at
// a weighted-average entry price.
func (r *Router) recordEntryFill(strategyID string, pos types.StrategyPosition, ack *types.OrderAck) error {
	now := time.Now().UTC()

	if _, exists := r.registry.Get(strategyID, pos.ID); exists {
		if err := r.registry.AddFill(strategyID, pos.ID, ack.FilledQuantity, ack.AvgFillPrice); err != nil {
			return err
		}
	} else if err := r.registry.OpenPosition(types.OpenPosition{
		ID:                 uuid.NewString(),
		StrategyID:         strategyID,
		StrategyPositionID: pos.ID,
		Asset:              pos.Asset,
		Direction:          pos.Direction,
		Quantity:           ack.FilledQuantity,
		OriginalQuantity:   ack.FilledQuantity,
		AvgEntryPrice:      ack.AvgFillPrice,
		OpenedAt:           now,
	}); err != nil {
		return err
	}

	side := types.Buy
	if pos.Direction == types.DirectionShort {
		side = types.Sell
	}
	if err := r.registry.RecordTrade(types.Trade{
		ID:        ack.OrderID,
		Asset:     pos.Asset,
		Side:      side,
		Quantity:  ack.FilledQuantity,
		Price:     ack.AvgFillPrice,
		Fee:       ack.Fee,
		Timestamp: now,
	}); err != nil {
		return err
	}

	r.events.Emit(types.EventOrderFilled, map[string]any{
		"order_id":             ack.OrderID,
		"strategy_id":          strategyID,
		"strategy_position_id": pos.ID,
		"asset":                pos.Asset,
		"quantity":             ack.FilledQuantity,
		"price":                ack.AvgFillPrice,
	})
	return nil
}

// SubmitClose sells (or buys back) qty of an open position. It returns
// false without error when a close is already in flight. The entry claim
// is released only when the position fully closes.
func (r *Router) SubmitClose(ctx context.Context, p types.OpenPosition, qty float64, reason string) (bool, error) {
	k := key(p.StrategyID, p.StrategyPositionID)

	r.mu.Lock()
	if r.closing[k] {
		r.mu.Unlock()
		return false, nil
	}
	r.closing[k] = true
	adapter := r.adapter
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.closing, k)
		r.mu.Unlock()
	}()

	side := types.Sell
	if p.Direction == types.DirectionShort {
		side = types.Buy
	}
	req := types.OrderRequest{
		ID:       uuid.NewString(),
		Asset:    p.Asset,
		Side:     side,
		Kind:     types.OrderMarket,
		Quantity: qty,
	}

	r.events.Emit(types.EventOrderPlaced, map[string]any{
		"order_id":             req.ID,
		"strategy_id":          p.StrategyID,
		"strategy_position_id": p.StrategyPositionID,
		"asset":                p.Asset,
		"side":                 side,
		"quantity":             qty,
		"reason":               reason,
		"adapter":              adapter.Name(),
	})

	ack, err := adapter.PlaceOrder(ctx, req)
	if err != nil {
		return false, fmt.Errorf("place close order: %w", err)
	}
	if ack.Status == types.OrderRejected {
		r.events.Emit(types.EventOrderRejected, map[string]any{
			"order_id":             req.ID,
			"strategy_position_id": p.StrategyPositionID,
			"reason":               ack.Reason,
		})
		return false, nil
	}
	if ack.FilledQuantity <= 0 {
		return true, nil
	}

	removed, err := r.registry.Reduce(p.StrategyID, p.StrategyPositionID, ack.FilledQuantity)
	if err != nil {
		return true, err
	}
	if removed {
		r.release(k)
	}

	if err := r.registry.RecordTrade(types.Trade{
		ID:        ack.OrderID,
		Asset:     p.Asset,
		Side:      side,
		Quantity:  ack.FilledQuantity,
		Price:     ack.AvgFillPrice,
		Fee:       ack.Fee,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		return true, err
	}

	r.events.Emit(types.EventOrderFilled, map[string]any{
		"order_id":             ack.OrderID,
		"strategy_id":          p.StrategyID,
		"strategy_position_id": p.StrategyPositionID,
		"asset":                p.Asset,
		"quantity":             ack.FilledQuantity,
		"price":                ack.AvgFillPrice,
		"reason":               reason,
		"closed":               removed,
	})
	return true, nil
}

func (r *Router) release(k string) {
	r.mu.Lock()
	delete(r.claims, k)
	r.mu.Unlock()
}
