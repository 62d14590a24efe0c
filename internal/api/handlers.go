package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"tradepilot/internal/engine"
	"tradepilot/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The API is intended for a trusted operator network.
		return true
	},
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	eng    *engine.Engine
	hub    *Hub
	logger *slog.Logger
}

// NewHandlers creates the handler set over the engine.
func NewHandlers(eng *engine.Engine, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		eng:    eng,
		hub:    hub,
		logger: logger.With("component", "api-handlers"),
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", "error", err)
	}
}

// HandleHealth is a liveness probe.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]string{"status": "ok"})
}

// HandleStatus serves the point-in-time engine summary.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.eng.Status(r.Context()))
}

// strategyResponse is the GET /strategy payload.
type strategyResponse struct {
	State         string                  `json:"state"`
	LastRejection string                  `json:"last_rejection,omitempty"`
	Document      *types.StrategyDocument `json:"document,omitempty"`
}

// HandleStrategy serves the current strategy document and lifecycle state,
// or 404 when no document has ever been accepted.
func (h *Handlers) HandleStrategy(w http.ResponseWriter, r *http.Request) {
	svc := h.eng.Strategy()
	resp := strategyResponse{
		State:         string(svc.State()),
		LastRejection: svc.LastRejection(),
	}
	c := svc.Current()
	if c == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(resp)
		return
	}
	resp.Document = &c.Doc
	h.writeJSON(w, resp)
}

// HandlePrices serves the last market snapshot per asset; ?asset=X narrows
// to one asset, 404 when it has never ticked.
func (h *Handlers) HandlePrices(w http.ResponseWriter, r *http.Request) {
	snapshots := h.eng.Snapshots()

	if asset := r.URL.Query().Get("asset"); asset != "" {
		snap, ok := snapshots[asset]
		if !ok {
			http.Error(w, "no market data for "+asset, http.StatusNotFound)
			return
		}
		h.writeJSON(w, snap)
		return
	}
	h.writeJSON(w, snapshots)
}

// HandlePositions serves all open positions.
func (h *Handlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	positions := h.eng.Registry().List()
	if positions == nil {
		positions = []types.OpenPosition{}
	}
	h.writeJSON(w, positions)
}

// HandleTrades serves completed trades, newest first. ?limit=N caps the
// count, default 100.
func (h *Handlers) HandleTrades(w http.ResponseWriter, r *http.Request) {
	trades := h.eng.Registry().Trades(queryLimit(r, 100))
	if trades == nil {
		trades = []types.Trade{}
	}
	h.writeJSON(w, trades)
}

// HandleEvents serves the most recent event records, oldest first.
// ?limit=N caps the count, default 100.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.eng.Events().Tail(queryLimit(r, 100))
	if err != nil {
		h.logger.Error("read event log", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []types.Event{}
	}
	h.writeJSON(w, events)
}

// HandleSafeModeActivate trips safe mode: open positions are flattened and
// new entries blocked until cleared.
func (h *Handlers) HandleSafeModeActivate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Reason == "" {
		http.Error(w, "a non-empty reason is required", http.StatusBadRequest)
		return
	}

	h.eng.SafeMode().Activate("operator: " + body.Reason)
	w.WriteHeader(http.StatusNoContent)
}

// HandleSafeModeClear resumes normal entry processing.
func (h *Handlers) HandleSafeModeClear(w http.ResponseWriter, r *http.Request) {
	h.eng.SafeMode().Clear()
	w.WriteHeader(http.StatusNoContent)
}

// HandleModePaper switches order routing to the paper simulator.
func (h *Handlers) HandleModePaper(w http.ResponseWriter, r *http.Request) {
	note := readNote(r)
	h.setMode(w, types.ModePaper, note, false)
}

// HandleModeLive switches order routing to the live exchange adapter.
// Promotion to live requires an operator note.
func (h *Handlers) HandleModeLive(w http.ResponseWriter, r *http.Request) {
	note := readNote(r)
	h.setMode(w, types.ModeLive, note, true)
}

func (h *Handlers) setMode(w http.ResponseWriter, mode types.Mode, note string, noteRequired bool) {
	if noteRequired && note == "" {
		http.Error(w, "a non-empty note is required to go live", http.StatusBadRequest)
		return
	}
	if err := h.eng.SetMode(mode); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.logger.Info("operation mode switched", "mode", mode, "note", note)
	w.WriteHeader(http.StatusNoContent)
}

func readNote(r *http.Request) string {
	var body struct {
		Note string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return ""
	}
	return body.Note
}

// HandleWebSocket upgrades the connection and streams engine events.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)

	// Seed the client with the current status so it doesn't wait for the
	// first event to learn the engine state.
	frame := StreamFrame{Type: "status", Data: h.eng.Status(r.Context())}
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("marshal status frame", "error", err)
		return
	}
	select {
	case client.send <- data:
	default:
		h.logger.Warn("client send buffer full on connect")
	}
}

func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
