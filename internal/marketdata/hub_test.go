package marketdata

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"tradepilot/pkg/types"
)

// fakeSource is a hand-driven tick source for tests.
type fakeSource struct {
	ch      chan types.MarketSnapshot
	symbols []string
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan types.MarketSnapshot, 16)}
}

func (s *fakeSource) Ticks() <-chan types.MarketSnapshot { return s.ch }

func (s *fakeSource) SetSymbols(symbols []string) error {
	s.symbols = symbols
	return nil
}

func snapAt(asset string, bid, ask float64, ts time.Time) types.MarketSnapshot {
	return types.MarketSnapshot{Asset: asset, Bid: bid, Ask: ask, Timestamp: ts}
}

func runHub(t *testing.T, h *Hub) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func waitSnapshot(t *testing.T, h *Hub, asset string, want types.MarketSnapshot) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if got, ok := h.Snapshot(asset); ok && got.Timestamp.Equal(want.Timestamp) {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("snapshot for %s never reached ts %v", asset, want.Timestamp)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestHubCachesLastTick(t *testing.T) {
	t.Parallel()
	src := newFakeSource()
	h := New(src, slog.Default())
	runHub(t, h)

	t0 := time.Now().UTC()
	first := snapAt("BTC/USD", 100, 101, t0)
	second := snapAt("BTC/USD", 110, 111, t0.Add(time.Second))
	src.ch <- first
	src.ch <- second
	waitSnapshot(t, h, "BTC/USD", second)

	got, _ := h.Snapshot("BTC/USD")
	if got.Bid != 110 {
		t.Errorf("cached bid = %v, want latest tick 110", got.Bid)
	}
}

func TestHubDropsOutOfOrderTick(t *testing.T) {
	t.Parallel()
	src := newFakeSource()
	h := New(src, slog.Default())
	runHub(t, h)

	t0 := time.Now().UTC()
	current := snapAt("BTC/USD", 100, 101, t0)
	stale := snapAt("BTC/USD", 90, 91, t0.Add(-time.Minute))
	marker := snapAt("ETH/USD", 1, 2, t0)

	src.ch <- current
	src.ch <- stale
	src.ch <- marker
	waitSnapshot(t, h, "ETH/USD", marker)

	got, _ := h.Snapshot("BTC/USD")
	if got.Bid != 100 {
		t.Errorf("cached bid = %v, stale tick should have been dropped", got.Bid)
	}
}

func TestHubFansOutToSubscribers(t *testing.T) {
	t.Parallel()
	src := newFakeSource()
	h := New(src, slog.Default())
	sub1 := h.Subscribe(4)
	sub2 := h.Subscribe(4)
	runHub(t, h)

	snap := snapAt("BTC/USD", 100, 101, time.Now().UTC())
	src.ch <- snap

	for i, sub := range []<-chan types.MarketSnapshot{sub1, sub2} {
		select {
		case got := <-sub:
			if got.Asset != "BTC/USD" {
				t.Errorf("sub%d got asset %q", i+1, got.Asset)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("sub%d never received the tick", i+1)
		}
	}
}

func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	t.Parallel()
	src := newFakeSource()
	h := New(src, slog.Default())
	h.Subscribe(1) // never drained
	runHub(t, h)

	t0 := time.Now().UTC()
	for i := 0; i < 5; i++ {
		src.ch <- snapAt("BTC/USD", float64(100 + i), float64(101 + i), t0.Add(time.Duration(i)*time.Second))
	}
	last := snapAt("BTC/USD", 200, 201, t0.Add(time.Minute))
	src.ch <- last
	waitSnapshot(t, h, "BTC/USD", last)
}

func TestSetSymbolsEvictsAndFilters(t *testing.T) {
	t.Parallel()
	src := newFakeSource()
	h := New(src, slog.Default())
	runHub(t, h)

	t0 := time.Now().UTC()
	if err := h.SetSymbols([]string{"BTC/USD", "ETH/USD"}); err != nil {
		t.Fatalf("SetSymbols: %v", err)
	}
	btc := snapAt("BTC/USD", 100, 101, t0)
	src.ch <- btc
	waitSnapshot(t, h, "BTC/USD", btc)

	// Narrow to ETH only: the BTC cache entry goes away and later BTC
	// ticks are ignored.
	if err := h.SetSymbols([]string{"ETH/USD"}); err != nil {
		t.Fatalf("SetSymbols: %v", err)
	}
	if _, ok := h.Snapshot("BTC/USD"); ok {
		t.Error("BTC snapshot should be evicted after SetSymbols")
	}
	if len(src.symbols) != 1 || src.symbols[0] != "ETH/USD" {
		t.Errorf("source symbols = %v, want [ETH/USD]", src.symbols)
	}

	src.ch <- snapAt("BTC/USD", 100, 101, t0.Add(time.Second))
	eth := snapAt("ETH/USD", 10, 11, t0)
	src.ch <- eth
	waitSnapshot(t, h, "ETH/USD", eth)
	if _, ok := h.Snapshot("BTC/USD"); ok {
		t.Error("untracked BTC tick should be filtered")
	}
}
