// Package agent drives the learning pipeline's LLM stages against an
// Ollama-compatible chat endpoint, dispatching tool calls through the tool
// executor until a stage produces its artifact.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"tradepilot/internal/config"
)

// ChatMessage is one turn in a chat completion.
type ChatMessage struct {
	Role      string     `json:"role"` // system, user, assistant, tool
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	Function ToolCallFunction `json:"function"`
}

type ToolCallFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDef advertises one callable tool to the model.
type ToolDef struct {
	Type     string          `json:"type"` // always "function"
	Function ToolDefFunction `json:"function"`
}

type ToolDefFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ChatRequest is the /api/chat payload.
type ChatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Tools    []ToolDef     `json:"tools,omitempty"`
	Stream   bool          `json:"stream"`
	Options  ChatOptions   `json:"options"`
}

type ChatOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// ChatResponse is the non-streaming /api/chat reply.
type ChatResponse struct {
	Message ChatMessage `json:"message"`
	Done    bool        `json:"done"`
}

// Client talks to one Ollama-compatible server.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewClient configures the REST client from config.
func NewClient(cfg config.OllamaConfig, logger *slog.Logger) *Client {
	client := resty.New().
		SetBaseURL(cfg.BaseUrl).
		SetTimeout(time.Duration(cfg.TimeoutSeconds) * time.Second).
		SetHeader("Content-Type", "application/json")
	return &Client{
		http:   client,
		logger: logger.With("component", "ollama"),
	}
}

// Chat runs one non-streaming completion.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatMessage, error) {
	req.Stream = false

	var out ChatResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/api/chat")
	if err != nil {
		return nil, fmt.Errorf("ollama chat: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("ollama chat: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &out.Message, nil
}
