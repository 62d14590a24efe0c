// live.go implements the REST adapter for a real venue:
//   - PlaceOrder:   POST   /orders
//   - CancelOrder:  DELETE /orders/{id}
//   - OrderStatus:  GET    /orders/{id}
//   - Balances:     GET    /balances
//   - TradeHistory: GET    /trades
//
// Every request is rate-limited via per-category TokenBuckets, retried on
// 5xx, and authenticated with the X-Api-Key header.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"tradepilot/internal/config"
	"tradepilot/pkg/types"
)

// Live is the REST adapter for live trading.
type Live struct {
	http     *resty.Client
	rl       *RateLimiter
	minOrder float64
	logger   *slog.Logger
}

// NewLive creates a REST adapter with rate limiting and retry.
func NewLive(cfg config.ExchangeConfig, logger *slog.Logger) *Live {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Api-Key", cfg.ApiKey)

	return &Live{
		http:     httpClient,
		rl:       NewRateLimiter(),
		minOrder: cfg.MinOrderSize,
		logger:   logger.With("component", "live_exchange"),
	}
}

// Name identifies the adapter.
func (l *Live) Name() string { return "live" }

// MinOrderSize is the venue minimum quantity per order.
func (l *Live) MinOrderSize() float64 { return l.minOrder }

// PlaceOrder submits one order. A 4xx response becomes a rejection ack so
// the router can record it without treating it as a transport failure.
func (l *Live) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.OrderAck, error) {
	if err := l.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	var ack types.OrderAck
	resp, err := l.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&ack).
		Post("/orders")
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}

	switch {
	case resp.StatusCode() == http.StatusOK || resp.StatusCode() == http.StatusCreated:
		return &ack, nil
	case resp.StatusCode() >= 400 && resp.StatusCode() < 500:
		return &types.OrderAck{
			Status: types.OrderRejected,
			Reason: fmt.Sprintf("status %d: %s", resp.StatusCode(), resp.String()),
		}, nil
	default:
		return nil, fmt.Errorf("place order: status %d: %s", resp.StatusCode(), resp.String())
	}
}

// CancelOrder cancels a resting order by id.
func (l *Live) CancelOrder(ctx context.Context, orderID string) error {
	if err := l.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	resp, err := l.http.R().
		SetContext(ctx).
		Delete("/orders/" + orderID)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusNoContent {
		return fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// OrderStatus fetches the current state of an order.
func (l *Live) OrderStatus(ctx context.Context, orderID string) (*types.OrderAck, error) {
	if err := l.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}

	var ack types.OrderAck
	resp, err := l.http.R().
		SetContext(ctx).
		SetResult(&ack).
		Get("/orders/" + orderID)
	if err != nil {
		return nil, fmt.Errorf("order status: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("order status: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &ack, nil
}

// Balances returns the account's currency balances.
func (l *Live) Balances(ctx context.Context) ([]types.Balance, error) {
	if err := l.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}

	var balances []types.Balance
	resp, err := l.http.R().
		SetContext(ctx).
		SetResult(&balances).
		Get("/balances")
	if err != nil {
		return nil, fmt.Errorf("get balances: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get balances: status %d: %s", resp.StatusCode(), resp.String())
	}
	return balances, nil
}

// TradeHistory returns up to limit most recent fills, newest first.
func (l *Live) TradeHistory(ctx context.Context, limit int) ([]types.Trade, error) {
	if err := l.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}

	r := l.http.R().SetContext(ctx)
	if limit > 0 {
		r.SetQueryParam("limit", strconv.Itoa(limit))
	}

	var trades []types.Trade
	resp, err := r.SetResult(&trades).Get("/trades")
	if err != nil {
		return nil, fmt.Errorf("trade history: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("trade history: status %d: %s", resp.StatusCode(), resp.String())
	}
	return trades, nil
}
