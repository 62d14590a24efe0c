// Package orders owns realised positions, the trade ledger, and order routing.
//
// The Registry provides crash-safe persistence using JSON files. Positions
// and trades are stored as positions.json and trades.json in the data
// directory; writes use atomic file replacement (write to .tmp, fsync, then
// rename) to prevent corruption from partial writes or crashes mid-save. The router
// calls back into the registry after each fill, and Open restores state on
// startup.
package orders

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/shopspring/decimal"

	"tradepilot/pkg/types"
)

// Registry is the authoritative record of open positions and fills.
// All operations are mutex-protected to prevent concurrent file corruption.
type Registry struct {
	dir    string
	mu     sync.Mutex
	pos    map[string]*types.OpenPosition // keyed by strategyID|strategyPositionID
	trades []types.Trade                  // append-only, oldest first
	logger *slog.Logger
}

func key(strategyID, strategyPositionID string) string {
	return strategyID + "|" + strategyPositionID
}

// Open creates a registry backed by the given directory, restoring any
// persisted positions and trades.
func Open(dir string, logger *slog.Logger) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	r := &Registry{
		dir:    dir,
		pos:    make(map[string]*types.OpenPosition),
		logger: logger.With("component", "registry"),
	}

	var positions []types.OpenPosition
	if err := readJSON(filepath.Join(dir, "positions.json"), &positions); err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	for i := range positions {
		p := positions[i]
		r.pos[key(p.StrategyID, p.StrategyPositionID)] = &p
	}

	if err := readJSON(filepath.Join(dir, "trades.json"), &r.trades); err != nil {
		return nil, fmt.Errorf("load trades: %w", err)
	}

	if len(r.pos) > 0 {
		r.logger.Info("restored positions", "count", len(r.pos))
	}
	return r, nil
}

// readJSON loads a file into v, treating a missing file as empty state.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, v)
}

// OpenPosition records a newly filled entry. At most one open position may
// exist per (strategy id, declared position id).
func (r *Registry) OpenPosition(p types.OpenPosition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(p.StrategyID, p.StrategyPositionID)
	if _, exists := r.pos[k]; exists {
		return fmt.Errorf("position already open for %s/%s", p.StrategyID, p.StrategyPositionID)
	}
	stored := p
	r.pos[k] = &stored
	return r.persistLocked()
}

// AddFill increases an open position's quantity, recomputing the average
// entry price with decimal arithmetic.
func (r *Registry) AddFill(strategyID, strategyPositionID string, qty, price float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pos[key(strategyID, strategyPositionID)]
	if !ok {
		return fmt.Errorf("no open position for %s/%s", strategyID, strategyPositionID)
	}

	oldQty := decimal.NewFromFloat(p.Quantity)
	addQty := decimal.NewFromFloat(qty)
	oldNotional := oldQty.Mul(decimal.NewFromFloat(p.AvgEntryPrice))
	addNotional := addQty.Mul(decimal.NewFromFloat(price))
	newQty := oldQty.Add(addQty)

	p.AvgEntryPrice, _ = oldNotional.Add(addNotional).Div(newQty).Float64()
	p.Quantity, _ = newQty.Float64()
	p.OriginalQuantity = p.Quantity
	return r.persistLocked()
}

// Reduce shrinks an open position after a partial or full close. The
// position is removed when its remaining quantity reaches zero (within a
// dust tolerance), and removed=true is returned.
func (r *Registry) Reduce(strategyID, strategyPositionID string, qty float64) (removed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(strategyID, strategyPositionID)
	p, ok := r.pos[k]
	if !ok {
		return false, fmt.Errorf("no open position for %s/%s", strategyID, strategyPositionID)
	}

	remaining, _ := decimal.NewFromFloat(p.Quantity).Sub(decimal.NewFromFloat(qty)).Float64()
	if remaining < 0 {
		return false, fmt.Errorf("close quantity %g exceeds open quantity %g", qty, p.Quantity)
	}

	const dust = 1e-9
	if remaining <= dust {
		delete(r.pos, k)
		return true, r.persistLocked()
	}
	p.Quantity = remaining
	return false, r.persistLocked()
}

// MarkTakeProfitHit records that ladder index i fired for a position.
func (r *Registry) MarkTakeProfitHit(strategyID, strategyPositionID string, i int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pos[key(strategyID, strategyPositionID)]
	if !ok {
		return fmt.Errorf("no open position for %s/%s", strategyID, strategyPositionID)
	}
	if !p.TakeProfitIndexHit(i) {
		p.TakeProfitHit = append(p.TakeProfitHit, i)
	}
	return r.persistLocked()
}

// SetTrailingStop stores the position's current trailing stop price.
func (r *Registry) SetTrailingStop(strategyID, strategyPositionID string, price float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pos[key(strategyID, strategyPositionID)]
	if !ok {
		return fmt.Errorf("no open position for %s/%s", strategyID, strategyPositionID)
	}
	p.TrailingStopPrice = price
	return r.persistLocked()
}

// Get returns a copy of one open position.
func (r *Registry) Get(strategyID, strategyPositionID string) (types.OpenPosition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pos[key(strategyID, strategyPositionID)]
	if !ok {
		return types.OpenPosition{}, false
	}
	return *p, true
}

// List returns copies of all open positions.
func (r *Registry) List() []types.OpenPosition {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.OpenPosition, 0, len(r.pos))
	for _, p := range r.pos {
		out = append(out, *p)
	}
	return out
}

// RecordTrade appends one fill to the trade ledger.
func (r *Registry) RecordTrade(t types.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.trades = append(r.trades, t)
	return r.persistLocked()
}

// Trades returns up to limit most recent trades, newest first.
func (r *Registry) Trades(limit int) []types.Trade {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.trades)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]types.Trade, 0, n)
	for i := len(r.trades) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, r.trades[i])
	}
	return out
}

// persistLocked atomically rewrites both files. Must be called with lock held.
func (r *Registry) persistLocked() error {
	positions := make([]types.OpenPosition, 0, len(r.pos))
	for _, p := range r.pos {
		positions = append(positions, *p)
	}
	if err := writeAtomic(filepath.Join(r.dir, "positions.json"), positions); err != nil {
		return fmt.Errorf("persist positions: %w", err)
	}
	if err := writeAtomic(filepath.Join(r.dir, "trades.json"), r.trades); err != nil {
		return fmt.Errorf("persist trades: %w", err)
	}
	return nil
}

// writeAtomic writes to a .tmp file, fsyncs it, then renames over the target
// so the file is never left in a partial state and survives power loss.
func writeAtomic(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return os.Rename(tmp, path)
}
