package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"tradepilot/internal/config"
	"tradepilot/internal/engine"
	"tradepilot/pkg/types"
)

type fakeSource struct {
	ticks chan types.MarketSnapshot
}

func (f *fakeSource) Ticks() <-chan types.MarketSnapshot { return f.ticks }
func (f *fakeSource) SetSymbols(symbols []string) error  { return nil }

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Config{
		Mode: "paper",
		Exchange: config.ExchangeConfig{
			MinOrderSize:    0.0001,
			StartingCashUSD: 10000,
		},
		Strategy: config.StrategyConfig{
			WatchPath:               filepath.Join(dir, "strategy.json"),
			ReloadLatencyMs:         50,
			ValidityCheckIntervalMs: 50,
		},
		Execution: config.ExecutionConfig{DataDir: dir},
	}

	eng, err := engine.New(cfg, &fakeSource{ticks: make(chan types.MarketSnapshot)}, slog.Default())
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(eng.Stop)
	return eng
}

func newTestRouter(t *testing.T, apiKey string) (http.Handler, *engine.Engine) {
	t.Helper()
	eng := newTestEngine(t)
	handlers := NewHandlers(eng, NewHub(slog.Default()), slog.Default())
	return NewRouter(config.ApiConfig{ApiKey: apiKey}, handlers), eng
}

func TestHealth(t *testing.T) {
	t.Parallel()
	router, _ := newTestRouter(t, "")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()
	router, _ := newTestRouter(t, "")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var status engine.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Mode != types.ModePaper {
		t.Errorf("mode = %q, want paper", status.Mode)
	}
	if status.EquityUSD != 10000 {
		t.Errorf("equity = %v, want the starting cash", status.EquityUSD)
	}
}

func TestSafeModeEndpointsRequireKey(t *testing.T) {
	t.Parallel()
	router, eng := newTestRouter(t, "secret")

	body := strings.NewReader(`{"reason":"manual halt"}`)
	req := httptest.NewRequest("POST", "/safe-mode/activate", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no key: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest("POST", "/safe-mode/activate", strings.NewReader(`{"reason":"manual halt"}`))
	req.Header.Set("X-Api-Key", "wrong")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest("POST", "/safe-mode/activate", strings.NewReader(`{"reason":"manual halt"}`))
	req.Header.Set("X-Api-Key", "secret")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("valid key: status = %d, want 204", rec.Code)
	}
	if active, _ := eng.SafeMode().Active(); !active {
		t.Error("safe mode should be active")
	}

	req = httptest.NewRequest("POST", "/safe-mode/clear", nil)
	req.Header.Set("X-Api-Key", "secret")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("clear: status = %d, want 204", rec.Code)
	}
	if active, _ := eng.SafeMode().Active(); active {
		t.Error("safe mode should be cleared")
	}
}

func TestSafeModeActivateRequiresReason(t *testing.T) {
	t.Parallel()
	router, _ := newTestRouter(t, "")

	req := httptest.NewRequest("POST", "/safe-mode/activate", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for a missing reason", rec.Code)
	}
}

func TestModeLiveRequiresNote(t *testing.T) {
	t.Parallel()
	router, _ := newTestRouter(t, "")

	req := httptest.NewRequest("POST", "/mode/live", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 without an operator note", rec.Code)
	}
}

func TestModeLiveRejectedWithoutVenue(t *testing.T) {
	t.Parallel()
	router, eng := newTestRouter(t, "")

	req := httptest.NewRequest("POST", "/mode/live", strings.NewReader(`{"note":"go live"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 when no live venue is configured", rec.Code)
	}
	if eng.Mode() != types.ModePaper {
		t.Errorf("mode = %q, want unchanged paper", eng.Mode())
	}
}

func TestStrategyNotFoundWhenNoneLoaded(t *testing.T) {
	t.Parallel()
	router, _ := newTestRouter(t, "")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/strategy", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 before any strategy loads", rec.Code)
	}
}

func TestPositionsReturnsEmptyList(t *testing.T) {
	t.Parallel()
	router, _ := newTestRouter(t, "")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/positions", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("body = %q, want an empty JSON array", got)
	}
}

func TestEventsLimit(t *testing.T) {
	t.Parallel()
	router, eng := newTestRouter(t, "")

	eng.Events().Emit(types.EventModeChanged, map[string]any{"n": 1})
	eng.Events().Emit(types.EventModeChanged, map[string]any{"n": 2})
	eng.Events().Emit(types.EventModeChanged, map[string]any{"n": 3})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/events?limit=2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var events []types.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len = %d, want 2", len(events))
	}
}

func TestWebSocketStreamsStatusThenEvents(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t)
	hub := NewHub(slog.Default())
	handlers := NewHandlers(eng, hub, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(NewRouter(config.ApiConfig{}, handlers))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var frame StreamFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read first frame: %v", err)
	}
	if frame.Type != "status" {
		t.Errorf("first frame type = %q, want status", frame.Type)
	}

	hub.Broadcast(StreamFrame{Type: "event", Data: map[string]any{"x": 1}})
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read event frame: %v", err)
	}
	if frame.Type != "event" {
		t.Errorf("second frame type = %q, want event", frame.Type)
	}
}
