package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tradepilot/internal/config"
)

// transientMarkers are the case-insensitive substrings that mark an error
// as retryable.
var transientMarkers = []string{
	"429",
	"toomanyrequests",
	"rate limit",
	"ratelimit",
	"timeout",
	"timed out",
	"connection",
	"unavailable",
	"502",
	"503",
}

// IsTransient reports whether an error message carries a transient marker.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

type cacheEntry struct {
	data    any
	expires time.Time
}

// Executor runs registered tools with a per-call timeout, a TTL result
// cache, and retry with capped exponential backoff on transient errors.
type Executor struct {
	cfg    config.ToolsConfig
	logger *slog.Logger

	mu    sync.Mutex
	tools map[string]Tool
	cache map[string]cacheEntry

	now func() time.Time
}

// NewExecutor creates an empty tool registry.
func NewExecutor(cfg config.ToolsConfig, logger *slog.Logger) *Executor {
	return &Executor{
		cfg:    cfg,
		logger: logger.With("component", "tools"),
		tools:  make(map[string]Tool),
		cache:  make(map[string]cacheEntry),
		now:    time.Now,
	}
}

// Register adds a tool; a second registration under the same name replaces
// the first.
func (e *Executor) Register(t Tool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tools[t.Name()] = t
}

// Tools lists the registered tools for prompt construction.
func (e *Executor) Tools() []Tool {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Tool, 0, len(e.tools))
	for _, t := range e.tools {
		out = append(out, t)
	}
	return out
}

// Execute runs one tool call. The initial call plus cfg.MaxRetries retries
// is the attempt ceiling; only transient errors are retried, with backoff
// min(2^attempt seconds, max_retry_delay_seconds).
func (e *Executor) Execute(ctx context.Context, name string, args map[string]any) Result {
	start := e.now()

	e.mu.Lock()
	tool, ok := e.tools[name]
	e.mu.Unlock()
	if !ok {
		return Result{Tool: name, Error: fmt.Sprintf("unknown tool %q", name)}
	}

	key, err := cacheKey(name, args)
	if err != nil {
		return Result{Tool: name, Error: fmt.Sprintf("canonicalise args: %v", err)}
	}

	if data, hit := e.cached(key); hit {
		return Result{Tool: name, Success: true, Data: data, Cached: true, Duration: e.now().Sub(start)}
	}

	timeout := time.Duration(e.cfg.DefaultTimeoutSeconds) * time.Second
	maxDelay := time.Duration(e.cfg.MaxRetryDelaySeconds) * time.Second

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := min(time.Duration(1<<(attempt-1))*time.Second, maxDelay)
			e.logger.Warn("tool retry",
				"tool", name,
				"attempt", attempt,
				"delay", delay,
				"error", lastErr,
			)
			select {
			case <-ctx.Done():
				return Result{Tool: name, Error: ctx.Err().Error(), Duration: e.now().Sub(start)}
			case <-time.After(delay):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		data, err := tool.Execute(callCtx, args)
		cancel()

		if err == nil {
			e.store(key, data)
			return Result{Tool: name, Success: true, Data: data, Duration: e.now().Sub(start)}
		}
		lastErr = err
		if !IsTransient(err) {
			break
		}
	}

	return Result{Tool: name, Error: lastErr.Error(), Duration: e.now().Sub(start)}
}

func (e *Executor) cached(key string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.cache[key]
	if !ok || e.now().After(entry.expires) {
		return nil, false
	}
	return entry.data, true
}

func (e *Executor) store(key string, data any) {
	ttl := time.Duration(e.cfg.CacheTtlSeconds) * time.Second
	if ttl <= 0 {
		return
	}
	e.mu.Lock()
	e.cache[key] = cacheEntry{data: data, expires: e.now().Add(ttl)}
	e.mu.Unlock()
}

// cacheKey canonicalises the argument map: json.Marshal sorts map keys, so
// equal maps always produce equal keys.
func cacheKey(name string, args map[string]any) (string, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	return name + ":" + string(data), nil
}
