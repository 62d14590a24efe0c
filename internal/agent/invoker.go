package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"tradepilot/internal/config"
	"tradepilot/internal/tools"
)

// Invoker runs one agent stage to completion: it feeds the model the stage
// prompt, dispatches every tool call it emits, and returns the model's
// final message. The caller bounds the whole invocation with a context
// deadline.
type Invoker struct {
	client   *Client
	executor *tools.Executor
	logger   *slog.Logger
}

// NewInvoker wires the chat client to the tool executor.
func NewInvoker(client *Client, executor *tools.Executor, logger *slog.Logger) *Invoker {
	return &Invoker{
		client:   client,
		executor: executor,
		logger:   logger.With("component", "invoker"),
	}
}

// Invocation is one stage run.
type Invocation struct {
	Agent  string // stage name, for logging
	System string
	Prompt string
	Config config.AgentConfig
}

// Run iterates the chat until the model answers without tool calls or the
// MaxIterations bound is hit.
func (inv *Invoker) Run(ctx context.Context, call Invocation) (string, error) {
	messages := []ChatMessage{
		{Role: "system", Content: call.System},
		{Role: "user", Content: call.Prompt},
	}
	toolDefs := inv.toolDefs()

	for iteration := 0; iteration < call.Config.MaxIterations; iteration++ {
		start := time.Now()
		msg, err := inv.client.Chat(ctx, ChatRequest{
			Model:    call.Config.Model,
			Messages: messages,
			Tools:    toolDefs,
			Options: ChatOptions{
				Temperature: call.Config.Temperature,
				NumPredict:  call.Config.MaxTokens,
			},
		})
		if err != nil {
			return "", fmt.Errorf("agent %s iteration %d: %w", call.Agent, iteration, err)
		}
		inv.logger.Debug("model turn",
			"agent", call.Agent,
			"iteration", iteration,
			"tool_calls", len(msg.ToolCalls),
			"elapsed", time.Since(start),
		)

		messages = append(messages, *msg)
		if len(msg.ToolCalls) == 0 {
			return msg.Content, nil
		}

		for _, tc := range msg.ToolCalls {
			result := inv.executor.Execute(ctx, tc.Function.Name, tc.Function.Arguments)
			payload, err := json.Marshal(result)
			if err != nil {
				payload = []byte(fmt.Sprintf(`{"success":false,"error":%q}`, err.Error()))
			}
			messages = append(messages, ChatMessage{Role: "tool", Content: string(payload)})
		}
	}

	return "", fmt.Errorf("agent %s: no terminal answer within %d iterations", call.Agent, call.Config.MaxIterations)
}

// toolDefs converts the executor's registry into the wire tool list.
func (inv *Invoker) toolDefs() []ToolDef {
	registered := inv.executor.Tools()
	defs := make([]ToolDef, 0, len(registered))
	for _, t := range registered {
		defs = append(defs, ToolDef{
			Type: "function",
			Function: ToolDefFunction{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Schema(),
			},
		})
	}
	return defs
}
