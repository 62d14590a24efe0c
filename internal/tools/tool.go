// Package tools gives the learning agents their read-only view of the
// trading system. Each tool is a named capability with a JSON-schema
// parameter description the model sees, and an Execute the Executor calls.
//
// Tools never mutate anything: the agents influence the engine only through
// the strategy document they eventually write.
package tools

import (
	"context"
	"time"
)

// Tool is one capability exposed to the agents.
type Tool interface {
	Name() string
	Description() string
	// Schema is the JSON-schema "parameters" object advertised to the model.
	Schema() map[string]any
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// Result is the executor's answer to a single tool call.
type Result struct {
	Tool     string        `json:"tool"`
	Success  bool          `json:"success"`
	Data     any           `json:"data,omitempty"`
	Error    string        `json:"error,omitempty"`
	Cached   bool          `json:"cached,omitempty"`
	Duration time.Duration `json:"duration"`
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64: // JSON numbers decode as float64
		return int(v)
	case int:
		return v
	default:
		return def
	}
}
