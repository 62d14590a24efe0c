// Package engine is the central orchestrator of the execution service.
//
// It wires together all subsystems:
//
//  1. The market-data hub fans ticks out from the exchange feed.
//  2. The strategy service watches the strategy file and hot-swaps documents.
//  3. Per tick, the exit evaluator runs before the entry evaluator, so a
//     close on the same tick frees cash before new entries size themselves.
//  4. The order router is the only path to an exchange adapter; the paper
//     simulator also observes every tick so its fills track the market.
//  5. The risk enforcer re-checks portfolio limits periodically and after
//     activity, suspending entries or escalating to safe mode.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"tradepilot/internal/config"
	"tradepilot/internal/dsl"
	"tradepilot/internal/events"
	"tradepilot/internal/exchange"
	"tradepilot/internal/marketdata"
	"tradepilot/internal/orders"
	"tradepilot/internal/risk"
	"tradepilot/internal/strategy"
	"tradepilot/pkg/types"
)

// Engine owns the lifecycle of every execution-side component.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	opMode   *risk.OpMode
	events   *events.Log
	hub      *marketdata.Hub
	paper    *exchange.Paper
	live     *exchange.Live // nil when no live venue is configured
	registry *orders.Registry
	router   *orders.Router
	strat    *strategy.Service
	safeMode *risk.SafeMode
	enforcer *risk.Enforcer

	// evaluators are rebuilt on every strategy swap
	evalMu sync.RWMutex
	entry  *entryEvaluator
	exit   *exitEvaluator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components over the given tick source.
func New(cfg config.Config, source marketdata.Source, logger *slog.Logger) (*Engine, error) {
	opMode := risk.NewOpMode(types.Mode(cfg.Mode))

	evts, err := events.Open(cfg.Execution.DataDir, opMode.Get, logger)
	if err != nil {
		return nil, err
	}
	opMode.SetEvents(evts)

	registry, err := orders.Open(cfg.Execution.DataDir, logger)
	if err != nil {
		return nil, err
	}

	paper := exchange.NewPaper(cfg.Exchange.StartingCashUSD, cfg.Exchange.MinOrderSize, logger)
	var live *exchange.Live
	if cfg.Exchange.BaseURL != "" {
		live = exchange.NewLive(cfg.Exchange, logger)
	}

	var active exchange.Adapter = paper
	if opMode.Get() == types.ModeLive {
		if live == nil {
			return nil, fmt.Errorf("live mode requires exchange.base_url")
		}
		active = live
	}

	router := orders.NewRouter(active, registry, evts, logger)
	hub := marketdata.New(source, logger)
	strat := strategy.NewService(cfg.Strategy, evts, logger)
	safeMode := risk.NewSafeMode(evts)

	e := &Engine{
		cfg:      cfg,
		logger:   logger.With("component", "engine"),
		opMode:   opMode,
		events:   evts,
		hub:      hub,
		paper:    paper,
		live:     live,
		registry: registry,
		router:   router,
		strat:    strat,
		safeMode: safeMode,
	}
	e.enforcer = risk.NewEnforcer(e.portfolioView, safeMode, evts, logger)
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// Start launches all background goroutines.
func (e *Engine) Start() error {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.hub.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("hub stopped", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.strat.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("strategy service stopped", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.enforcer.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("risk enforcer stopped", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.loop()
	}()

	return nil
}

// Stop cancels all goroutines, waits for them, and closes resources.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.cancel()
	e.wg.Wait()
	if err := e.events.Close(); err != nil {
		e.logger.Error("close event log", "error", err)
	}
	e.logger.Info("shutdown complete")
}

// loop is the main engine loop: install freshly loaded strategies and run
// both evaluators on every tick.
func (e *Engine) loop() {
	ticks := e.hub.Subscribe(256)

	for {
		select {
		case <-e.ctx.Done():
			return
		case compiled := <-e.strat.Updates():
			e.installStrategy(compiled)
		case snap := <-ticks:
			e.paper.Observe(snap)
			e.onTick(snap)
		}
	}
}

func (e *Engine) installStrategy(compiled *strategy.Compiled) {
	doc := &compiled.Doc

	if doc.Mode != e.opMode.Get() {
		e.logger.Warn("document mode differs from operation mode; operator setting wins",
			"document_mode", doc.Mode,
			"operation_mode", e.opMode.Get(),
		)
	}

	if err := e.hub.SetSymbols(doc.Symbols()); err != nil {
		e.logger.Error("update symbol subscriptions", "error", err)
	}
	e.enforcer.SetLimits(doc.PortfolioRisk)

	expired := func() bool { return e.strat.State() == strategy.StateExpired }
	cash := e.availableCash
	minOrder := e.adapter().MinOrderSize()

	safeActive := func() bool {
		active, _ := e.safeMode.Active()
		return active
	}

	e.evalMu.Lock()
	e.entry = newEntryEvaluator(compiled, e.router, e.enforcer, expired, cash, minOrder, e.events, e.logger)
	e.exit = newExitEvaluator(compiled, e.registry, e.router, safeActive, e.events, e.logger)
	e.evalMu.Unlock()

	e.logger.Info("strategy installed",
		"strategy_id", doc.ID,
		"posture", doc.Posture,
		"positions", len(doc.Positions),
		"symbols", doc.Symbols(),
	)
}

func (e *Engine) onTick(snap types.MarketSnapshot) {
	e.evalMu.RLock()
	entry, exit := e.entry, e.exit
	e.evalMu.RUnlock()
	if entry == nil || exit == nil {
		return
	}

	snaps := dsl.Snapshots(e.hub.Snapshots())

	// Exits run first so cash freed by a close is visible to entry sizing
	// on the same tick.
	exit.OnTick(e.ctx, snaps)
	entry.OnTick(e.ctx, snaps)

	e.enforcer.Kick()
}

// adapter returns the router's active adapter.
func (e *Engine) adapter() exchange.Adapter {
	if e.opMode.Get() == types.ModeLive && e.live != nil {
		return e.live
	}
	return e.paper
}

// availableCash reads the USD balance from the active adapter.
func (e *Engine) availableCash(ctx context.Context) (float64, error) {
	balances, err := e.adapter().Balances(ctx)
	if err != nil {
		return 0, err
	}
	for _, b := range balances {
		if b.Currency == "USD" {
			return b.Available, nil
		}
	}
	return 0, nil
}

// portfolioView assembles the enforcer's input from the adapter, registry,
// and tick cache.
func (e *Engine) portfolioView(ctx context.Context) (risk.PortfolioView, error) {
	cash, err := e.availableCash(ctx)
	if err != nil {
		return risk.PortfolioView{}, err
	}

	marks := make(map[string]float64)
	for asset, snap := range e.hub.Snapshots() {
		marks[asset] = snap.Mid()
	}

	return risk.PortfolioView{
		CashUSD:   cash,
		Positions: e.registry.List(),
		Marks:     marks,
	}, nil
}

// SetMode switches between paper and live execution.
func (e *Engine) SetMode(mode types.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("unknown mode %q", mode)
	}
	if mode == types.ModeLive && e.live == nil {
		return fmt.Errorf("live mode requires exchange.base_url")
	}

	e.opMode.Set(mode)
	if mode == types.ModeLive {
		e.router.SetAdapter(e.live)
	} else {
		e.router.SetAdapter(e.paper)
	}
	return nil
}

// Mode returns the current operation mode.
func (e *Engine) Mode() types.Mode { return e.opMode.Get() }

// SafeMode exposes the safe-mode latch for the operator API.
func (e *Engine) SafeMode() *risk.SafeMode { return e.safeMode }

// Events exposes the event log for the operator API.
func (e *Engine) Events() *events.Log { return e.events }

// Registry exposes the position registry for the operator API.
func (e *Engine) Registry() *orders.Registry { return e.registry }

// Status is the point-in-time summary served by GET /status.
type Status struct {
	Mode           types.Mode     `json:"mode"`
	StrategyState  strategy.State `json:"strategy_state"`
	StrategyID     string         `json:"strategy_id,omitempty"`
	Posture        types.Posture  `json:"posture,omitempty"`
	SafeModeActive bool           `json:"safe_mode"`
	SafeModeReason string         `json:"safe_mode_reason,omitempty"`
	Suspensions    []string       `json:"risk_suspensions,omitempty"`
	OpenPositions  int            `json:"open_positions"`
	EquityUSD      float64        `json:"equity_usd"`
	ExposureUSD    float64        `json:"exposure_usd"`
	PeakEquityUSD  float64        `json:"peak_equity_usd"`
}

// Status assembles the current engine summary.
func (e *Engine) Status(ctx context.Context) Status {
	s := Status{
		Mode:          e.opMode.Get(),
		StrategyState: e.strat.State(),
		Suspensions:   e.enforcer.Suspensions(),
		OpenPositions: len(e.registry.List()),
		PeakEquityUSD: e.enforcer.Tracker().Peak(),
	}
	s.SafeModeActive, s.SafeModeReason = e.safeMode.Active()

	if c := e.strat.Current(); c != nil {
		s.StrategyID = c.Doc.ID
		s.Posture = c.Doc.Posture
	}
	if pv, err := e.portfolioView(ctx); err == nil {
		s.EquityUSD, s.ExposureUSD = risk.Valuation(pv)
	}
	return s
}

// Strategy exposes the strategy service for the operator API.
func (e *Engine) Strategy() *strategy.Service { return e.strat }

// Snapshots exposes the last-tick cache for the operator API.
func (e *Engine) Snapshots() map[string]types.MarketSnapshot { return e.hub.Snapshots() }
