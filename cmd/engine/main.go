// tradepilot-engine — the soft-real-time execution engine.
//
// Architecture:
//
//	main.go               — entry point: config, logging, signal handling
//	engine/engine.go      — orchestrator: strategy loader → evaluators → order router
//	engine/entry.go       — entry evaluation: market, limit, and conditional triggers
//	engine/exit.go        — exit evaluation: stops, take-profit ladders, time and invalidation exits
//	strategy/service.go   — watches the strategy file, validates and hot-swaps documents
//	dsl/                  — the three-valued condition language (compile once, evaluate per tick)
//	marketdata/hub.go     — fans WebSocket ticks out to evaluators, the paper adapter, and the API
//	exchange/             — paper and live order adapters behind one interface
//	risk/                 — portfolio limits, safe mode, paper/live mode switch
//	orders/               — order routing and the durable position/trade registry
//	api/                  — operator HTTP/WebSocket surface
//
// The engine never decides what to trade. It executes whatever the current
// strategy document declares, inside the document's own risk limits.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"tradepilot/internal/api"
	"tradepilot/internal/config"
	"tradepilot/internal/engine"
	"tradepilot/internal/exchange"
)

func main() {
	flags := pflag.NewFlagSet("tradepilot-engine", pflag.ExitOnError)
	cfgPath := flags.String("config", "", "path to YAML config file")
	flags.String("mode", "paper", "initial operation mode: paper or live")
	flags.Int("api.port", 8080, "operator API listen port")
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

	feed := exchange.NewTickFeed(cfg.Exchange.WSURL, logger)
	eng, err := engine.New(*cfg, feed, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("tick feed stopped", "error", err)
		}
	}()

	apiServer := api.NewServer(cfg.Api, eng, logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("api server failed", "error", err)
		}
	}()

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("execution engine started",
		"mode", cfg.Mode,
		"strategy_path", cfg.Strategy.WatchPath,
		"api", fmt.Sprintf("http://localhost:%d", cfg.Api.Port),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	if err := apiServer.Stop(); err != nil {
		logger.Error("failed to stop api server", "error", err)
	}
	eng.Stop()
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
