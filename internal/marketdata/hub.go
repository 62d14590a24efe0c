// Package marketdata fans market ticks out to the engine's consumers.
//
// The Hub sits between a tick source (the live WebSocket feed, or a synthetic
// feed in tests) and its subscribers: the tick evaluators, the paper
// adapter, and the dashboard stream. It caches the last snapshot per asset
// so late joiners and point-in-time readers (tools, the API) always have a
// current view, and it drops out-of-order ticks so per-asset timestamps
// never run backwards.
package marketdata

import (
	"context"
	"log/slog"
	"sync"

	"tradepilot/pkg/types"
)

// Source produces raw ticks and accepts subscription changes.
type Source interface {
	Ticks() <-chan types.MarketSnapshot
	SetSymbols(symbols []string) error
}

// Hub is the fan-out point for market snapshots.
type Hub struct {
	source Source

	mu      sync.RWMutex
	last    map[string]types.MarketSnapshot
	symbols map[string]bool
	subs    []chan types.MarketSnapshot

	logger *slog.Logger
}

// New creates a hub over the given tick source.
func New(source Source, logger *slog.Logger) *Hub {
	return &Hub{
		source:  source,
		last:    make(map[string]types.MarketSnapshot),
		symbols: make(map[string]bool),
		logger:  logger.With("component", "marketdata"),
	}
}

// Run consumes the source until ctx is cancelled, caching and fanning out
// every accepted tick.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-h.source.Ticks():
			if !ok {
				return nil
			}
			h.publish(snap)
		}
	}
}

// Subscribe returns a channel receiving every subsequent accepted tick.
// A subscriber that falls behind loses ticks, never blocks the hub.
func (h *Hub) Subscribe(buffer int) <-chan types.MarketSnapshot {
	ch := make(chan types.MarketSnapshot, buffer)
	h.mu.Lock()
	h.subs = append(h.subs, ch)
	h.mu.Unlock()
	return ch
}

// SetSymbols replaces the tracked symbol set. Cached snapshots for dropped
// symbols are evicted so stale prices can't leak into later evaluations.
func (h *Hub) SetSymbols(symbols []string) error {
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}

	h.mu.Lock()
	for asset := range h.last {
		if !want[asset] {
			delete(h.last, asset)
		}
	}
	h.symbols = want
	h.mu.Unlock()

	return h.source.SetSymbols(symbols)
}

// Snapshot returns the last accepted tick for one asset.
func (h *Hub) Snapshot(asset string) (types.MarketSnapshot, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	snap, ok := h.last[asset]
	return snap, ok
}

// Snapshots returns a copy of the whole last-tick cache.
func (h *Hub) Snapshots() map[string]types.MarketSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]types.MarketSnapshot, len(h.last))
	for k, v := range h.last {
		out[k] = v
	}
	return out
}

func (h *Hub) publish(snap types.MarketSnapshot) {
	h.mu.Lock()
	if len(h.symbols) > 0 && !h.symbols[snap.Asset] {
		h.mu.Unlock()
		return
	}
	if prev, ok := h.last[snap.Asset]; ok && snap.Timestamp.Before(prev.Timestamp) {
		h.mu.Unlock()
		h.logger.Warn("dropping out-of-order tick",
			"asset", snap.Asset,
			"tick_ts", snap.Timestamp,
			"cached_ts", prev.Timestamp,
		)
		return
	}
	h.last[snap.Asset] = snap
	subs := h.subs
	h.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- snap:
		default:
			h.logger.Warn("subscriber channel full, dropping tick", "asset", snap.Asset)
		}
	}
}
