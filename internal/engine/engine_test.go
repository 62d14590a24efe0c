package engine

import (
	"context"
	"log/slog"
	"math"
	"testing"
	"time"

	"tradepilot/internal/dsl"
	"tradepilot/internal/events"
	"tradepilot/internal/exchange"
	"tradepilot/internal/orders"
	"tradepilot/internal/risk"
	"tradepilot/internal/strategy"
	"tradepilot/pkg/types"
)

// harness drives the evaluators tick by tick against the paper simulator,
// without any goroutines, so every scenario is deterministic.
type harness struct {
	t        *testing.T
	paper    *exchange.Paper
	registry *orders.Registry
	router   *orders.Router
	events   *events.Log
	enforcer *risk.Enforcer
	safeMode *risk.SafeMode
	compiled *strategy.Compiled
	entry    *entryEvaluator
	exit     *exitEvaluator

	expired bool
	snaps   dsl.Snapshots
	clock   time.Time
}

func newHarness(t *testing.T, doc types.StrategyDocument) *harness {
	t.Helper()
	dir := t.TempDir()

	evts, err := events.Open(dir, func() types.Mode { return types.ModePaper }, slog.Default())
	if err != nil {
		t.Fatalf("events.Open: %v", err)
	}
	t.Cleanup(func() { evts.Close() })

	registry, err := orders.Open(dir, slog.Default())
	if err != nil {
		t.Fatalf("orders.Open: %v", err)
	}

	h := &harness{
		t:        t,
		paper:    exchange.NewPaper(10000, 0.0001, slog.Default()),
		registry: registry,
		events:   evts,
		snaps:    dsl.Snapshots{},
		clock:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.router = orders.NewRouter(h.paper, registry, evts, slog.Default())
	h.safeMode = risk.NewSafeMode(evts)
	h.enforcer = risk.NewEnforcer(h.view, h.safeMode, evts, slog.Default())

	doc.ID = "stratA"
	h.install(doc)
	return h
}

// install compiles the document's conditions and rebuilds both evaluators,
// mirroring what the engine does on a strategy swap.
func (h *harness) install(doc types.StrategyDocument) {
	h.t.Helper()
	compiled := &strategy.Compiled{
		Doc:          doc,
		Entry:        map[string]*dsl.Condition{},
		Invalidation: map[string]*dsl.Condition{},
	}
	for _, p := range doc.Positions {
		if p.EntryCondition != "" {
			c, err := dsl.Compile(p.EntryCondition)
			if err != nil {
				h.t.Fatalf("compile entry condition: %v", err)
			}
			compiled.Entry[p.ID] = c
		}
		if p.InvalidationCondition != "" {
			c, err := dsl.Compile(p.InvalidationCondition)
			if err != nil {
				h.t.Fatalf("compile invalidation condition: %v", err)
			}
			compiled.Invalidation[p.ID] = c
		}
	}
	h.compiled = compiled
	h.enforcer.SetLimits(doc.PortfolioRisk)

	h.entry = newEntryEvaluator(
		compiled, h.router, h.enforcer,
		func() bool { return h.expired },
		h.cash, 0.0001, h.events, slog.Default(),
	)
	safeActive := func() bool {
		active, _ := h.safeMode.Active()
		return active
	}
	h.exit = newExitEvaluator(compiled, h.registry, h.router, safeActive, h.events, slog.Default())
	h.exit.now = func() time.Time { return h.clock }
}

func (h *harness) cash(ctx context.Context) (float64, error) {
	balances, err := h.paper.Balances(ctx)
	if err != nil {
		return 0, err
	}
	return balances[0].Available, nil
}

func (h *harness) view(ctx context.Context) (risk.PortfolioView, error) {
	cash, err := h.cash(ctx)
	if err != nil {
		return risk.PortfolioView{}, err
	}
	marks := map[string]float64{}
	for asset, snap := range h.snaps {
		marks[asset] = snap.Mid()
	}
	return risk.PortfolioView{CashUSD: cash, Positions: h.registry.List(), Marks: marks}, nil
}

// tick delivers one snapshot and runs exits then entries, like the engine loop.
func (h *harness) tick(asset string, bid, ask float64, indicators map[string]float64) {
	h.clock = h.clock.Add(time.Second)
	snap := types.MarketSnapshot{
		Asset: asset, Bid: bid, Ask: ask, Timestamp: h.clock, Indicators: indicators,
	}
	h.snaps[asset] = snap
	h.paper.Observe(snap)
	h.exit.OnTick(context.Background(), h.snaps)
	h.entry.OnTick(context.Background(), h.snaps)
}

func (h *harness) countEvents(et types.EventType) int {
	h.t.Helper()
	all, err := h.events.Tail(0)
	if err != nil {
		h.t.Fatal(err)
	}
	n := 0
	for _, evt := range all {
		if evt.Type == et {
			n++
		}
	}
	return n
}

func docWith(positions ...types.StrategyPosition) types.StrategyDocument {
	return types.StrategyDocument{
		Mode:           types.ModePaper,
		Posture:        types.PostureModerate,
		ValidityWindow: time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC),
		PortfolioRisk: types.PortfolioRisk{
			MaxDrawdownPct:      0.5,
			DailyLossLimitUSD:   100000,
			MaxTotalExposurePct: 1,
			MaxPerPositionPct:   1,
		},
		Positions: positions,
	}
}

func TestConditionalEntryFiresExactlyOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, docWith(types.StrategyPosition{
		ID: "btc-dip", Asset: "BTC/USD", Direction: types.DirectionLong,
		AllocationPct: 0.1, EntryType: types.EntryConditional,
		EntryCondition: "rsi(14, BTC/USD) < 30",
	}))

	h.tick("BTC/USD", 40000, 40010, map[string]float64{"RSI_14": 45})
	if len(h.registry.List()) != 0 {
		t.Fatal("condition false, no entry expected")
	}

	h.tick("BTC/USD", 39000, 39010, map[string]float64{"RSI_14": 28})
	if len(h.registry.List()) != 1 {
		t.Fatal("condition true, entry expected")
	}

	// Condition stays true on later ticks: no duplicate entry.
	h.tick("BTC/USD", 38900, 38910, map[string]float64{"RSI_14": 25})
	h.tick("BTC/USD", 38800, 38810, map[string]float64{"RSI_14": 22})
	if got := h.countEvents(types.EventEntryTriggered); got != 1 {
		t.Errorf("entry_triggered emitted %d times, want 1", got)
	}
	if len(h.registry.List()) != 1 {
		t.Errorf("open positions = %d, want 1", len(h.registry.List()))
	}
}

func TestLimitEntryWaitsForPrice(t *testing.T) {
	t.Parallel()
	h := newHarness(t, docWith(types.StrategyPosition{
		ID: "eth-bid", Asset: "ETH/USD", Direction: types.DirectionLong,
		AllocationPct: 0.2, EntryType: types.EntryLimit, EntryLimitPrice: 2400,
	}))

	h.tick("ETH/USD", 2500, 2502, nil)
	if len(h.registry.List()) != 0 {
		t.Fatal("bid above limit, no entry expected")
	}

	// A wide spread keeps the mid above the limit; the bid alone decides.
	h.tick("ETH/USD", 2398, 2412, nil) // bid 2398 <= 2400, mid 2405
	if len(h.registry.List()) != 1 {
		t.Fatal("bid reached limit, entry expected")
	}

	p, _ := h.registry.Get("stratA", "eth-bid")
	// 10000 * 0.2 / 2412, sized at the ask the buy would pay.
	wantQty := 10000 * 0.2 / 2412.0
	if math.Abs(p.Quantity-wantQty) > 1e-6 {
		t.Errorf("quantity = %v, want %v", p.Quantity, wantQty)
	}
}

func TestMarketEntrySizedAgainstPerPositionCap(t *testing.T) {
	t.Parallel()
	doc := docWith(types.StrategyPosition{
		ID: "btc-now", Asset: "BTC/USD", Direction: types.DirectionLong,
		AllocationPct: 0.9, EntryType: types.EntryMarket,
	})
	doc.PortfolioRisk.MaxPerPositionPct = 0.25
	h := newHarness(t, doc)

	h.tick("BTC/USD", 100, 102, nil)

	p, ok := h.registry.Get("stratA", "btc-now")
	if !ok {
		t.Fatal("market entry should fill on the first tick")
	}
	wantQty := 10000 * 0.25 / 102.0 // capped at max_per_position_pct, sized at the ask
	if math.Abs(p.Quantity-wantQty) > 1e-6 {
		t.Errorf("quantity = %v, want capped %v", p.Quantity, wantQty)
	}
}

func TestHardStopClosesFullPosition(t *testing.T) {
	t.Parallel()
	h := newHarness(t, docWith(types.StrategyPosition{
		ID: "btc-long", Asset: "BTC/USD", Direction: types.DirectionLong,
		AllocationPct: 0.1, EntryType: types.EntryConditional,
		EntryCondition: "rsi(14, BTC/USD) < 30",
		StopLoss:       &types.StopLoss{Type: types.StopHard, Price: 39000},
	}))

	h.tick("BTC/USD", 40000, 40010, map[string]float64{"RSI_14": 25}) // entry
	if len(h.registry.List()) != 1 {
		t.Fatal("entry expected")
	}

	h.tick("BTC/USD", 39500, 39510, map[string]float64{"RSI_14": 50}) // bid above stop
	if len(h.registry.List()) != 1 {
		t.Fatal("stop not reached yet")
	}

	// The long stop triggers on the bid even while the mid is above it.
	h.tick("BTC/USD", 38995, 39100, map[string]float64{"RSI_14": 50}) // bid 38995 <= 39000
	if len(h.registry.List()) != 0 {
		t.Fatal("hard stop should close the full position")
	}
	if got := h.countEvents(types.EventExitTriggered); got != 1 {
		t.Errorf("exit_triggered emitted %d times, want 1", got)
	}
}

func TestTrailingStopRatchetsAndFires(t *testing.T) {
	t.Parallel()
	h := newHarness(t, docWith(types.StrategyPosition{
		ID: "btc-trail", Asset: "BTC/USD", Direction: types.DirectionLong,
		AllocationPct: 0.1, EntryType: types.EntryConditional,
		EntryCondition: "rsi(14, BTC/USD) < 30",
		StopLoss:       &types.StopLoss{Type: types.StopTrailing, TrailPct: 0.05},
	}))

	h.tick("BTC/USD", 39995, 40005, map[string]float64{"RSI_14": 25}) // entry

	// Exits run before entries, so the stop initialises on the next tick.
	// A long stop trails the bid, the price a close would fetch.
	h.tick("BTC/USD", 40000, 40200, map[string]float64{"RSI_14": 50}) // bid 40000, stop 38000
	p, _ := h.registry.Get("stratA", "btc-trail")
	if math.Abs(p.TrailingStopPrice-38000) > 1e-6 {
		t.Fatalf("initial trailing stop = %v, want 38000", p.TrailingStopPrice)
	}

	h.tick("BTC/USD", 42000, 42200, map[string]float64{"RSI_14": 50}) // bid 42000 ratchets stop to 39900
	p, _ = h.registry.Get("stratA", "btc-trail")
	if math.Abs(p.TrailingStopPrice-39900) > 1e-6 {
		t.Fatalf("trailing stop = %v, want 39900", p.TrailingStopPrice)
	}

	h.tick("BTC/USD", 41000, 41200, map[string]float64{"RSI_14": 50}) // pullback must not lower the stop
	p, _ = h.registry.Get("stratA", "btc-trail")
	if math.Abs(p.TrailingStopPrice-39900) > 1e-6 {
		t.Fatalf("trailing stop moved backwards to %v", p.TrailingStopPrice)
	}

	h.tick("BTC/USD", 39900, 40100, map[string]float64{"RSI_14": 50}) // bid 39900 <= 39900 fires, mid still above
	if len(h.registry.List()) != 0 {
		t.Error("trailing stop should close the position")
	}
}

func TestTakeProfitLadderFiresOneRungPerTick(t *testing.T) {
	t.Parallel()
	h := newHarness(t, docWith(types.StrategyPosition{
		ID: "btc-ladder", Asset: "BTC/USD", Direction: types.DirectionLong,
		AllocationPct: 0.4, EntryType: types.EntryConditional,
		EntryCondition: "rsi(14, BTC/USD) < 30",
		TakeProfitTargets: []types.TakeProfitTarget{
			{Price: 41000, ClosePct: 0.5},
			{Price: 42000, ClosePct: 0.5},
		},
	}))

	h.tick("BTC/USD", 39995, 40005, map[string]float64{"RSI_14": 25}) // entry at mid 40000
	p, _ := h.registry.Get("stratA", "btc-ladder")
	original := p.OriginalQuantity

	// A gap through both targets fires only the first rung this tick.
	h.tick("BTC/USD", 42995, 43005, map[string]float64{"RSI_14": 50})
	p, ok := h.registry.Get("stratA", "btc-ladder")
	if !ok {
		t.Fatal("position should survive the first rung")
	}
	if !p.TakeProfitIndexHit(0) || p.TakeProfitIndexHit(1) {
		t.Fatalf("hits = %v, want only rung 0", p.TakeProfitHit)
	}
	if math.Abs(p.Quantity-original*0.5) > 1e-9 {
		t.Errorf("quantity = %v, want half of %v", p.Quantity, original)
	}

	// The next tick fires the second rung, emptying the position.
	h.tick("BTC/USD", 42995, 43005, map[string]float64{"RSI_14": 50})
	if _, ok := h.registry.Get("stratA", "btc-ladder"); ok {
		t.Error("second rung should close the remainder")
	}
	if h.router.HasClaim("stratA", "btc-ladder") {
		t.Error("claim should release after the ladder empties the position")
	}
}

func TestTakeProfitReachedOnAsk(t *testing.T) {
	t.Parallel()
	h := newHarness(t, docWith(types.StrategyPosition{
		ID: "btc-tp", Asset: "BTC/USD", Direction: types.DirectionLong,
		AllocationPct: 0.1, EntryType: types.EntryConditional,
		EntryCondition:    "rsi(14, BTC/USD) < 30",
		TakeProfitTargets: []types.TakeProfitTarget{{Price: 41000, ClosePct: 1}},
	}))

	h.tick("BTC/USD", 39995, 40005, map[string]float64{"RSI_14": 25}) // entry

	// The ask touches the target while the mid stays below it.
	h.tick("BTC/USD", 40900, 41005, map[string]float64{"RSI_14": 50})
	if len(h.registry.List()) != 0 {
		t.Error("take profit should fire when the ask reaches the target")
	}
}

func TestStopBreachUsesCloseSide(t *testing.T) {
	t.Parallel()
	snap := types.MarketSnapshot{Asset: "BTC/USD", Bid: 39900, Ask: 40200}

	if !breached(types.DirectionLong, snap, 40000) {
		t.Error("long stop 40000 should breach at bid 39900")
	}
	if breached(types.DirectionLong, snap, 39800) {
		t.Error("long stop 39800 should hold with bid 39900")
	}
	if !breached(types.DirectionShort, snap, 40200) {
		t.Error("short stop 40200 should breach at ask 40200")
	}
	if breached(types.DirectionShort, snap, 40300) {
		t.Error("short stop 40300 should hold with ask 40200")
	}
}

func TestConditionalEntryNotReadySkips(t *testing.T) {
	t.Parallel()
	h := newHarness(t, docWith(types.StrategyPosition{
		ID: "btc-rsi", Asset: "BTC/USD", Direction: types.DirectionLong,
		AllocationPct: 0.1, EntryType: types.EntryConditional,
		EntryCondition: "rsi(14, BTC/USD) < 30",
	}))

	// No indicator yet: the entry is skipped, not silently dropped, and the
	// skip is emitted once for the held reason.
	h.tick("BTC/USD", 40000, 40010, nil)
	h.tick("BTC/USD", 40010, 40020, nil)
	if len(h.registry.List()) != 0 {
		t.Fatal("no entry expected while the indicator is warming up")
	}
	if got := h.countEvents(types.EventEntrySkipped); got != 1 {
		t.Fatalf("entry_skipped emitted %d times, want 1", got)
	}
	all, err := h.events.Tail(0)
	if err != nil {
		t.Fatal(err)
	}
	var reason any
	for _, evt := range all {
		if evt.Type == types.EventEntrySkipped {
			reason = evt.Data["reason"]
		}
	}
	if reason != "indicator_not_ready" {
		t.Errorf("skip reason = %v, want indicator_not_ready", reason)
	}

	// The indicator arrives and the condition holds: the entry dispatches.
	h.tick("BTC/USD", 39000, 39010, map[string]float64{"RSI_14": 25})
	if len(h.registry.List()) != 1 {
		t.Error("entry expected once the indicator is ready")
	}
}

func TestTimeExit(t *testing.T) {
	t.Parallel()
	deadline := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	h := newHarness(t, docWith(types.StrategyPosition{
		ID: "btc-timed", Asset: "BTC/USD", Direction: types.DirectionLong,
		AllocationPct: 0.1, EntryType: types.EntryConditional,
		EntryCondition: "rsi(14, BTC/USD) < 30",
		TimeExitUTC:    &deadline,
	}))

	h.tick("BTC/USD", 40000, 40010, map[string]float64{"RSI_14": 25}) // clock 12:00:01, entry
	h.tick("BTC/USD", 40000, 40010, map[string]float64{"RSI_14": 50}) // 12:00:02, holds
	if len(h.registry.List()) != 1 {
		t.Fatal("position should still be open before the deadline")
	}

	h.clock = deadline.Add(-time.Second)
	h.tick("BTC/USD", 40000, 40010, map[string]float64{"RSI_14": 50}) // crosses the deadline
	if len(h.registry.List()) != 0 {
		t.Error("time exit should close the position at the deadline")
	}
}

func TestInvalidationConditionCloses(t *testing.T) {
	t.Parallel()
	h := newHarness(t, docWith(types.StrategyPosition{
		ID: "btc-thesis", Asset: "BTC/USD", Direction: types.DirectionLong,
		AllocationPct: 0.1, EntryType: types.EntryConditional,
		EntryCondition:        "rsi(14, BTC/USD) < 30",
		InvalidationCondition: "price(BTC/USD) < 38000",
	}))

	h.tick("BTC/USD", 40000, 40010, map[string]float64{"RSI_14": 25}) // entry
	h.tick("BTC/USD", 39000, 39010, map[string]float64{"RSI_14": 50}) // thesis holds
	if len(h.registry.List()) != 1 {
		t.Fatal("position should be open")
	}

	h.tick("BTC/USD", 37000, 37010, map[string]float64{"RSI_14": 50})
	if len(h.registry.List()) != 0 {
		t.Error("invalidation should close the position")
	}
}

func TestExitAllPostureFlattensEverything(t *testing.T) {
	t.Parallel()
	h := newHarness(t, docWith(
		types.StrategyPosition{
			ID: "btc-a", Asset: "BTC/USD", Direction: types.DirectionLong,
			AllocationPct: 0.1, EntryType: types.EntryMarket,
		},
		types.StrategyPosition{
			ID: "eth-b", Asset: "ETH/USD", Direction: types.DirectionLong,
			AllocationPct: 0.1, EntryType: types.EntryMarket,
		},
	))

	h.tick("BTC/USD", 40000, 40010, nil)
	h.tick("ETH/USD", 2500, 2502, nil)
	if len(h.registry.List()) != 2 {
		t.Fatalf("open positions = %d, want 2", len(h.registry.List()))
	}

	// The swapped-in document flips to exit_all.
	doc := docWith(
		types.StrategyPosition{
			ID: "btc-a", Asset: "BTC/USD", Direction: types.DirectionLong,
			AllocationPct: 0.1, EntryType: types.EntryMarket,
		},
	)
	doc.ID = "stratB"
	doc.Posture = types.PostureExitAll
	h.install(doc)

	h.tick("BTC/USD", 40000, 40010, nil)
	h.tick("ETH/USD", 2500, 2502, nil)
	if got := len(h.registry.List()); got != 0 {
		t.Errorf("open positions = %d, exit_all should flatten everything", got)
	}
	// And no new entries while the posture halts them.
	if got := h.countEvents(types.EventEntryTriggered); got != 2 {
		t.Errorf("entry_triggered = %d, want only the 2 original entries", got)
	}
}

func TestExpiredStrategyHaltsEntriesKeepsExits(t *testing.T) {
	t.Parallel()
	h := newHarness(t, docWith(
		types.StrategyPosition{
			ID: "btc-held", Asset: "BTC/USD", Direction: types.DirectionLong,
			AllocationPct: 0.1, EntryType: types.EntryMarket,
			StopLoss: &types.StopLoss{Type: types.StopHard, Price: 39000},
		},
		types.StrategyPosition{
			ID: "eth-later", Asset: "ETH/USD", Direction: types.DirectionLong,
			AllocationPct: 0.1, EntryType: types.EntryLimit, EntryLimitPrice: 2400,
		},
	))

	h.tick("BTC/USD", 40000, 40010, nil) // first entry fills
	h.expired = true

	h.tick("ETH/USD", 2300, 2302, nil) // would trigger the limit entry
	if len(h.registry.List()) != 1 {
		t.Error("expired strategy must not open new positions")
	}
	if got := h.countEvents(types.EventEntrySkipped); got == 0 {
		t.Error("expected an entry_skipped event while expired")
	}

	h.tick("BTC/USD", 38900, 38910, nil) // stop still enforced
	if len(h.registry.List()) != 0 {
		t.Error("exit management must continue after expiry")
	}
}

func TestSafeModeBlocksEntriesAndFlattens(t *testing.T) {
	t.Parallel()
	h := newHarness(t, docWith(
		types.StrategyPosition{
			ID: "btc-now", Asset: "BTC/USD", Direction: types.DirectionLong,
			AllocationPct: 0.1, EntryType: types.EntryMarket,
		},
		types.StrategyPosition{
			ID: "eth-wait", Asset: "ETH/USD", Direction: types.DirectionLong,
			AllocationPct: 0.1, EntryType: types.EntryLimit, EntryLimitPrice: 2400,
		},
	))

	h.tick("BTC/USD", 40000, 40010, nil) // entry fills
	if len(h.registry.List()) != 1 {
		t.Fatal("entry expected")
	}

	h.safeMode.Activate("operator")

	// Safe mode forces exit-all and blocks the pending limit entry.
	h.tick("ETH/USD", 2300, 2302, nil)
	if len(h.registry.List()) != 0 {
		t.Error("safe mode must flatten open positions")
	}

	h.tick("ETH/USD", 2300, 2302, nil)
	if len(h.registry.List()) != 0 {
		t.Error("safe mode must block entries")
	}

	// Both entries are eligible again after the clear: the market entry
	// re-arms because its position fully closed, and the limit is reached.
	h.safeMode.Clear()
	h.tick("ETH/USD", 2300, 2302, nil)
	if len(h.registry.List()) != 2 {
		t.Errorf("open positions = %d, want 2 after clearing safe mode", len(h.registry.List()))
	}
}

func TestDeclaredCloseIntent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, docWith(types.StrategyPosition{
		ID: "btc-pos", Asset: "BTC/USD", Direction: types.DirectionLong,
		AllocationPct: 0.1, EntryType: types.EntryMarket,
	}))
	h.tick("BTC/USD", 40000, 40010, nil)
	if len(h.registry.List()) != 1 {
		t.Fatal("entry expected")
	}

	// The next document declares the same position id with direction close.
	doc := docWith(types.StrategyPosition{
		ID: "btc-pos", Asset: "BTC/USD", Direction: types.DirectionClose,
	})
	doc.ID = "stratB"
	h.install(doc)

	h.tick("BTC/USD", 40100, 40110, nil)
	if len(h.registry.List()) != 0 {
		t.Error("declared close should flatten the carried-over position")
	}
}
