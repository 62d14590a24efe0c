package tools

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradepilot/internal/config"
)

// flakyTool fails with the scripted errors before succeeding.
type flakyTool struct {
	name     string
	failures []error
	calls    int
	result   any
}

func (f *flakyTool) Name() string           { return f.name }
func (f *flakyTool) Description() string    { return "test tool" }
func (f *flakyTool) Schema() map[string]any { return map[string]any{"type": "object"} }

func (f *flakyTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	f.calls++
	if f.calls <= len(f.failures) {
		return nil, f.failures[f.calls-1]
	}
	return f.result, nil
}

func testConfig() config.ToolsConfig {
	return config.ToolsConfig{
		DefaultTimeoutSeconds: 5,
		CacheTtlSeconds:       60,
		MaxRetries:            3,
		MaxRetryDelaySeconds:  30,
	}
}

func TestTransientRetryWithCappedBackoff(t *testing.T) {
	t.Parallel()
	// Two 429s then success, with the delay cap at 1s: the capped backoff
	// sleeps 1s+1s instead of the uncapped 1s+2s+4s ramp.
	cfg := testConfig()
	cfg.MaxRetryDelaySeconds = 1

	tool := &flakyTool{
		name: "flaky",
		failures: []error{
			errors.New("429 Too Many Requests"),
			errors.New("429 Too Many Requests"),
		},
		result: "ok",
	}
	ex := NewExecutor(cfg, slog.Default())
	ex.Register(tool)

	start := time.Now()
	res := ex.Execute(context.Background(), "flaky", nil)
	elapsed := time.Since(start)

	require.True(t, res.Success, "error: %s", res.Error)
	assert.Equal(t, 3, tool.calls, "initial call plus two retries")
	assert.Equal(t, "ok", res.Data)
	assert.Less(t, elapsed, 4*time.Second, "backoff cap must apply")
}

func TestNonTransientErrorFailsImmediately(t *testing.T) {
	t.Parallel()
	tool := &flakyTool{
		name:     "strict",
		failures: []error{errors.New("401 unauthorized")},
	}
	ex := NewExecutor(testConfig(), slog.Default())
	ex.Register(tool)

	res := ex.Execute(context.Background(), "strict", nil)
	require.False(t, res.Success)
	assert.Equal(t, 1, tool.calls, "non-transient errors are not retried")
	assert.Contains(t, res.Error, "401")
}

func TestRetriesExhausted(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MaxRetries = 2
	cfg.MaxRetryDelaySeconds = 0 // no sleeping in tests

	tool := &flakyTool{
		name: "down",
		failures: []error{
			errors.New("service unavailable"),
			errors.New("service unavailable"),
			errors.New("service unavailable"),
			errors.New("service unavailable"),
		},
	}
	ex := NewExecutor(cfg, slog.Default())
	ex.Register(tool)

	res := ex.Execute(context.Background(), "down", nil)
	require.False(t, res.Success)
	assert.Equal(t, 3, tool.calls, "1 initial + MaxRetries attempts")
}

func TestCacheHitSkipsExecution(t *testing.T) {
	t.Parallel()
	tool := &flakyTool{name: "cached", result: map[string]any{"v": 1}}
	ex := NewExecutor(testConfig(), slog.Default())
	ex.Register(tool)

	first := ex.Execute(context.Background(), "cached", map[string]any{"b": 2, "a": 1})
	require.True(t, first.Success)
	assert.False(t, first.Cached)

	// Same args, different key order: the canonical key must match.
	second := ex.Execute(context.Background(), "cached", map[string]any{"a": 1, "b": 2})
	require.True(t, second.Success)
	assert.True(t, second.Cached)
	assert.Equal(t, 1, tool.calls)
}

func TestCacheExpires(t *testing.T) {
	t.Parallel()
	tool := &flakyTool{name: "ttl", result: "v"}
	ex := NewExecutor(testConfig(), slog.Default())
	ex.Register(tool)

	now := time.Now()
	ex.now = func() time.Time { return now }

	ex.Execute(context.Background(), "ttl", nil)
	now = now.Add(61 * time.Second)

	res := ex.Execute(context.Background(), "ttl", nil)
	require.True(t, res.Success)
	assert.False(t, res.Cached)
	assert.Equal(t, 2, tool.calls)
}

func TestDifferentArgsMissCache(t *testing.T) {
	t.Parallel()
	tool := &flakyTool{name: "args", result: "v"}
	ex := NewExecutor(testConfig(), slog.Default())
	ex.Register(tool)

	ex.Execute(context.Background(), "args", map[string]any{"asset": "BTC/USD"})
	res := ex.Execute(context.Background(), "args", map[string]any{"asset": "ETH/USD"})
	require.True(t, res.Success)
	assert.False(t, res.Cached)
	assert.Equal(t, 2, tool.calls)
}

func TestUnknownTool(t *testing.T) {
	t.Parallel()
	ex := NewExecutor(testConfig(), slog.Default())
	res := ex.Execute(context.Background(), "nope", nil)
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "unknown tool")
}

func TestIsTransient(t *testing.T) {
	t.Parallel()
	transient := []string{
		"429 Too Many Requests",
		"TooManyRequests",
		"rate limit exceeded",
		"upstream RATELIMIT hit",
		"dial tcp: i/o timeout",
		"request timed out",
		"connection refused",
		"server unavailable",
		"502 Bad Gateway",
		"HTTP 503",
	}
	for _, msg := range transient {
		assert.True(t, IsTransient(errors.New(msg)), msg)
	}

	assert.False(t, IsTransient(errors.New("401 unauthorized")))
	assert.False(t, IsTransient(errors.New("invalid argument")))
	assert.False(t, IsTransient(nil))
}
