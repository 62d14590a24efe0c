// Package api serves the operator surface of the execution engine: status
// and position queries, the event stream, and the safe-mode and mode
// switches. Mutating endpoints require the configured API key.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"tradepilot/internal/config"
	"tradepilot/internal/engine"
)

// Server runs the engine's HTTP/WebSocket API.
type Server struct {
	cfg      config.ApiConfig
	eng      *engine.Engine
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger

	cancel context.CancelFunc
}

// NewServer wires the routes over the engine.
func NewServer(cfg config.ApiConfig, eng *engine.Engine, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(eng, hub, logger)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      NewRouter(cfg, handlers),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		eng:      eng,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// NewRouter builds the route table. Split out so handler tests can run
// without binding a listener.
func NewRouter(cfg config.ApiConfig, h *Handlers) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /status", h.HandleStatus)
	mux.HandleFunc("GET /strategy", h.HandleStrategy)
	mux.HandleFunc("GET /prices", h.HandlePrices)
	mux.HandleFunc("GET /positions", h.HandlePositions)
	mux.HandleFunc("GET /trades", h.HandleTrades)
	mux.HandleFunc("GET /events", h.HandleEvents)
	mux.HandleFunc("GET /ws", h.HandleWebSocket)

	auth := requireKey(cfg.ApiKey)
	mux.Handle("POST /safe-mode/activate", auth(http.HandlerFunc(h.HandleSafeModeActivate)))
	mux.Handle("POST /safe-mode/clear", auth(http.HandlerFunc(h.HandleSafeModeClear)))
	mux.Handle("POST /mode/paper", auth(http.HandlerFunc(h.HandleModePaper)))
	mux.Handle("POST /mode/live", auth(http.HandlerFunc(h.HandleModeLive)))

	return mux
}

// requireKey guards mutating endpoints with an X-Api-Key check. An empty
// configured key leaves the endpoints open for local use.
func requireKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key != "" && r.Header.Get("X-Api-Key") != key {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Start runs the WebSocket hub, the event forwarder, and the HTTP listener.
// Blocks until the listener stops.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go s.hub.Run(ctx)
	go s.forwardEvents(ctx)

	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop gracefully drains the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// forwardEvents pushes every engine event to connected WebSocket clients.
func (s *Server) forwardEvents(ctx context.Context) {
	events := s.eng.Events().Subscribe(256)
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			s.hub.Broadcast(StreamFrame{Type: "event", Data: evt})
		}
	}
}
