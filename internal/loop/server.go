package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"tradepilot/internal/artifacts"
	"tradepilot/internal/config"
	"tradepilot/internal/mailbox"
)

// Server exposes the learner's observability and override surface.
type Server struct {
	cfg     config.ApiConfig
	machine *Machine
	runner  *Runner
	sched   *Scheduler
	store   *artifacts.Manager
	mail    *mailbox.Store
	server  *http.Server
	logger  *slog.Logger

	runCtx context.Context
}

// NewServer wires the routes over the loop components. runCtx bounds
// cycles started through the override endpoints.
func NewServer(
	cfg config.ApiConfig,
	runCtx context.Context,
	machine *Machine,
	runner *Runner,
	sched *Scheduler,
	store *artifacts.Manager,
	mail *mailbox.Store,
	logger *slog.Logger,
) *Server {
	s := &Server{
		cfg:     cfg,
		machine: machine,
		runner:  runner,
		sched:   sched,
		store:   store,
		mail:    mail,
		logger:  logger.With("component", "loop-server"),
		runCtx:  runCtx,
	}
	s.server = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /cycles", s.handleCycles)
	mux.HandleFunc("GET /cycles/{id}", s.handleCycle)
	mux.HandleFunc("GET /errors", s.handleErrors)
	mux.HandleFunc("GET /mailboxes", s.handleMailboxes)

	auth := s.requireKey
	mux.Handle("POST /override/pause", auth(http.HandlerFunc(s.handlePause)))
	mux.Handle("POST /override/resume", auth(http.HandlerFunc(s.handleResume)))
	mux.Handle("POST /override/abort", auth(http.HandlerFunc(s.handleAbort)))
	mux.Handle("POST /override/force-cycle", auth(http.HandlerFunc(s.handleForceCycle)))
	mux.Handle("POST /override/inject", auth(http.HandlerFunc(s.handleInject)))

	return mux
}

func (s *Server) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.ApiKey != "" && r.Header.Get("X-Api-Key") != s.cfg.ApiKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start blocks until the listener stops.
func (s *Server) Start() error {
	s.logger.Info("loop server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("loop server: %w", err)
	}
	return nil
}

// Stop gracefully drains the server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "error", err)
	}
}

type statusResponse struct {
	State           State        `json:"state"`
	CycleID         string       `json:"cycle_id,omitempty"`
	Running         bool         `json:"running"`
	RestartAttempts int          `json:"restart_attempts"`
	LastCompleted   *time.Time   `json:"last_completed,omitempty"`
	Steps           []StepRecord `json:"steps"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.machine.Snapshot()
	resp := statusResponse{
		State:           snap.State,
		CycleID:         snap.ID,
		Running:         s.runner.Running(),
		RestartAttempts: snap.RestartAttempts,
		Steps:           snap.Steps,
	}
	if resp.Steps == nil {
		resp.Steps = []StepRecord{}
	}
	if last := s.runner.LastCompleted(); !last.IsZero() {
		resp.LastCompleted = &last
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	ids, err := s.store.Cycles()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

type cycleResponse struct {
	ID        string            `json:"id"`
	Artifacts map[string]string `json:"artifacts"`
}

func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	names, err := s.store.Artifacts(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown cycle " + id})
		return
	}

	resp := cycleResponse{ID: id, Artifacts: map[string]string{}}
	for _, name := range names {
		data, err := s.store.Read(id, name)
		if err != nil {
			continue
		}
		resp.Artifacts[name] = string(data)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	errs := s.runner.Errors()
	if errs == nil {
		errs = []StepRecord{}
	}
	writeJSON(w, http.StatusOK, errs)
}

func (s *Server) handleMailboxes(w http.ResponseWriter, r *http.Request) {
	agents, err := s.mail.Agents()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	boxes := map[string][]mailbox.Message{}
	for _, agent := range agents {
		msgs, err := s.mail.Messages(agent)
		if err != nil {
			continue
		}
		boxes[agent] = msgs
	}
	writeJSON(w, http.StatusOK, boxes)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.runner.Pause(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.logger.Info("loop paused by operator")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.runner.Resume(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.logger.Info("loop resumed by operator")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	if err := s.runner.Abort(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.logger.Info("cycle aborted by operator")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleForceCycle(w http.ResponseWriter, r *http.Request) {
	if !s.sched.ForceCycle(s.runCtx) {
		http.Error(w, "a cycle is already running or the loop is paused", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type injectRequest struct {
	To   string `json:"to"`
	Type string `json:"type"`
	Body string `json:"body"`
}

// handleInject drops an operator note into an agent's mailbox; the agent
// sees it at the start of its next stage run. Type defaults to forward.
func (s *Server) handleInject(w http.ResponseWriter, r *http.Request) {
	var req injectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.To == "" || req.Body == "" {
		http.Error(w, "to and body are required", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		req.Type = mailbox.TypeForward
	}

	msg, err := s.mail.Send("operator", req.To, req.Type, req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.logger.Info("operator note injected", "to", req.To, "message_id", msg.ID)
	writeJSON(w, http.StatusCreated, msg)
}
