// tradepilot-learner — the agent learning-loop runner.
//
// Architecture:
//
//	main.go              — entry point: config, logging, wiring, state recovery
//	loop/state.go        — the cycle state machine, persisted across restarts
//	loop/cycle.go        — runs Evaluate → Plan → Research → Analyze → Synthesize
//	loop/scheduler.go    — cron tick gating new cycles on the configured interval
//	loop/health.go       — stall detection: warn, then interrupt and restart the stage
//	loop/server.go       — observability and operator-override HTTP surface
//	agent/               — Ollama chat client, tool-call loop, stage prompts
//	tools/               — engine-API tools with retry, backoff, and a TTL cache
//	artifacts/           — per-cycle artifact tree, agent memory, zip archive
//	mailbox/             — bounded cross-cycle notes between agents
//
// The learner never touches the exchange. Its only output is the strategy
// document it installs at the engine's watch path.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"tradepilot/internal/agent"
	"tradepilot/internal/artifacts"
	"tradepilot/internal/config"
	"tradepilot/internal/loop"
	"tradepilot/internal/mailbox"
	"tradepilot/internal/tools"
)

func main() {
	flags := pflag.NewFlagSet("tradepilot-learner", pflag.ExitOnError)
	cfgPath := flags.String("config", "", "path to YAML config file")
	flags.Int("api.port", 8081, "learner API listen port")
	flags.String("engine_api.base_url", "http://localhost:8080", "execution engine API base URL")
	flags.Parse(os.Args[1:])

	cfg, err := config.Load(*cfgPath, flags)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	store, err := artifacts.NewManager(cfg.Storage, logger)
	if err != nil {
		logger.Error("failed to open artifact store", "error", err)
		os.Exit(1)
	}
	mail, err := mailbox.New(filepath.Join(cfg.Storage.BasePath, "mailboxes"), mailbox.DefaultBound, logger)
	if err != nil {
		logger.Error("failed to open mailboxes", "error", err)
		os.Exit(1)
	}

	executor := tools.NewExecutor(cfg.Tools, logger)
	for _, tool := range tools.NewEngineTools(cfg.EngineApi.BaseUrl, logger) {
		executor.Register(tool)
	}
	executor.Register(tools.NewReadArtifactTool(store))

	client := agent.NewClient(cfg.Ollama, logger)
	invoker := agent.NewInvoker(client, executor, logger)

	statePath := filepath.Join(cfg.Storage.BasePath, "state.json")
	machine := loop.NewMachine(persistState(statePath))
	restoreState(statePath, machine, logger)

	runner := loop.NewRunner(*cfg, machine, invoker, store, mail, logger)
	sched := loop.NewScheduler(cfg.Cycle, runner, machine, logger)
	health := loop.NewHealth(cfg.Resilience, machine, runner, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	go health.Run(ctx)

	server := loop.NewServer(cfg.Api, ctx, machine, runner, sched, store, mail, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("loop server failed", "error", err)
		}
	}()

	logger.Info("learning loop started",
		"ollama", cfg.Ollama.BaseUrl,
		"engine", cfg.EngineApi.BaseUrl,
		"interval_minutes", cfg.Cycle.ScheduleIntervalMinutes,
	)

	<-ctx.Done()
	logger.Info("shutting down")

	if err := server.Stop(); err != nil {
		logger.Error("failed to stop loop server", "error", err)
	}
}

// persistState writes the machine's cycle context after every change so a
// restart resumes at the last unfinished stage.
func persistState(path string) func(loop.CycleContext) error {
	return func(ctx loop.CycleContext) error {
		data, err := json.MarshalIndent(ctx, "", "  ")
		if err != nil {
			return err
		}
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return err
		}
		return os.Rename(tmp, path)
	}
}

// restoreState reloads persisted progress. A stage state means the process
// died mid-stage; it is demoted to Idle with the cycle context intact, so
// the scheduler's first tick resumes at the last unfinished stage.
func restoreState(path string, machine *loop.Machine, logger *slog.Logger) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		logger.Warn("could not read persisted state", "error", err)
		return
	}

	var ctx loop.CycleContext
	if err := json.Unmarshal(data, &ctx); err != nil {
		logger.Warn("discarding corrupt persisted state", "error", err)
		return
	}

	switch ctx.State {
	case loop.StateIdle, loop.StateWaiting, loop.StatePaused, loop.StateFailed:
	default:
		logger.Warn("process died mid-stage, will resume cycle", "cycle_id", ctx.ID, "stage", ctx.State)
		ctx.State = loop.StateIdle
	}

	machine.Restore(ctx)
	logger.Info("restored loop state", "state", ctx.State, "cycle_id", ctx.ID)
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
