package tools

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"tradepilot/pkg/types"
)

// engineClient is the shared REST client for tools that query the running
// execution engine's operator API.
type engineClient struct {
	http *resty.Client
}

func newEngineClient(baseURL string, logger *slog.Logger) *engineClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetLogger(restyLogger{logger.With("component", "engine-tools")})
	return &engineClient{http: client}
}

// restyLogger adapts slog to resty's logger interface.
type restyLogger struct{ l *slog.Logger }

func (r restyLogger) Errorf(format string, v ...any) { r.l.Error(fmt.Sprintf(format, v...)) }
func (r restyLogger) Warnf(format string, v ...any)  { r.l.Warn(fmt.Sprintf(format, v...)) }
func (r restyLogger) Debugf(format string, v ...any) { r.l.Debug(fmt.Sprintf(format, v...)) }

func (c *engineClient) get(ctx context.Context, path string, query map[string]string, out any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(query).
		SetResult(out).
		Get(path)
	if err != nil {
		return fmt.Errorf("engine api %s: %w", path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("engine api %s: status %d: %s", path, resp.StatusCode(), resp.String())
	}
	return nil
}

// NewEngineTools builds the four tools that read from the engine API.
func NewEngineTools(baseURL string, logger *slog.Logger) []Tool {
	c := newEngineClient(baseURL, logger)
	return []Tool{
		&marketPriceTool{c},
		&indicatorsTool{c},
		&currentPositionsTool{c},
		&recentTradesTool{c},
	}
}

// ————————————————————————————————————————————————————————————————————————

type marketPriceTool struct{ c *engineClient }

func (t *marketPriceTool) Name() string { return "market_price" }
func (t *marketPriceTool) Description() string {
	return "Current bid, ask and mid price for one asset, e.g. BTC/USD."
}
func (t *marketPriceTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"asset": map[string]any{"type": "string", "description": "Asset pair, e.g. BTC/USD"},
		},
		"required": []string{"asset"},
	}
}

func (t *marketPriceTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	asset := stringArg(args, "asset")
	if asset == "" {
		return nil, fmt.Errorf("asset is required")
	}
	var snap types.MarketSnapshot
	if err := t.c.get(ctx, "/prices", map[string]string{"asset": asset}, &snap); err != nil {
		return nil, err
	}
	return map[string]any{
		"asset": snap.Asset,
		"bid":   snap.Bid,
		"ask":   snap.Ask,
		"mid":   snap.Mid(),
		"as_of": snap.Timestamp,
	}, nil
}

// ————————————————————————————————————————————————————————————————————————

type indicatorsTool struct{ c *engineClient }

func (t *indicatorsTool) Name() string { return "indicators" }
func (t *indicatorsTool) Description() string {
	return "Technical indicator values carried on the latest tick for one asset (e.g. RSI_14, MACD_12_26_9)."
}
func (t *indicatorsTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"asset": map[string]any{"type": "string", "description": "Asset pair, e.g. BTC/USD"},
		},
		"required": []string{"asset"},
	}
}

func (t *indicatorsTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	asset := stringArg(args, "asset")
	if asset == "" {
		return nil, fmt.Errorf("asset is required")
	}
	var snap types.MarketSnapshot
	if err := t.c.get(ctx, "/prices", map[string]string{"asset": asset}, &snap); err != nil {
		return nil, err
	}
	return map[string]any{
		"asset":      snap.Asset,
		"indicators": snap.Indicators,
		"as_of":      snap.Timestamp,
	}, nil
}

// ————————————————————————————————————————————————————————————————————————

type currentPositionsTool struct{ c *engineClient }

func (t *currentPositionsTool) Name() string { return "current_positions" }
func (t *currentPositionsTool) Description() string {
	return "All currently open positions with quantity, average entry price and stops."
}
func (t *currentPositionsTool) Schema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (t *currentPositionsTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	var positions []types.OpenPosition
	if err := t.c.get(ctx, "/positions", nil, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// ————————————————————————————————————————————————————————————————————————

type recentTradesTool struct{ c *engineClient }

func (t *recentTradesTool) Name() string { return "recent_trades" }
func (t *recentTradesTool) Description() string {
	return "Most recent completed trades, newest first."
}
func (t *recentTradesTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Maximum trades to return, default 20"},
		},
	}
}

func (t *recentTradesTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	limit := intArg(args, "limit", 20)
	var trades []types.Trade
	if err := t.c.get(ctx, "/trades", map[string]string{"limit": fmt.Sprint(limit)}, &trades); err != nil {
		return nil, err
	}
	return trades, nil
}
