// Package providers adapts model backends to one completion interface.
// The conversation engine only ever sees Request/Response; each adapter
// owns the translation to its SDK's wire shapes.
package providers

import (
	"context"
)

type ModelInfo struct {
	ID         string
	Name       string
	MaxContext int
}

// Provider is a model backend. Complete blocks on network I/O and
// honors ctx for cancellation.
type Provider interface {
	Name() string
	SupportedModels() []ModelInfo
	Complete(ctx context.Context, req *Request) (*Response, error)
	CountTokens(messages []Message) (int, error)
	MaxContextTokens(model string) int
	HealthCheck(ctx context.Context) error
}

type ProviderValidator interface {
	ValidateConfig() error
}

type ProviderModelSupporter interface {
	SupportsModel(model string) bool
}

type ProviderCloser interface {
	Close() error
}

type Request struct {
	Messages      []Message `json:"messages"`
	Model         string    `json:"model,omitempty"`
	MaxTokens     int       `json:"max_tokens,omitempty"`
	Temperature   *float64  `json:"temperature,omitempty"`
	TopP          *float64  `json:"top_p,omitempty"`
	StopSequences []string  `json:"stop_sequences,omitempty"`
	SystemPrompt  string    `json:"system_prompt,omitempty"`
	Tools         []Tool    `json:"tools,omitempty"`
}

type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall carries the model's request to run a tool. Arguments is the
// raw JSON argument object.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type Response struct {
	Content    string     `json:"content"`
	Model      string     `json:"model"`
	StopReason StopReason `json:"stop_reason"`
	Usage      Usage      `json:"usage"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

type StopReason string

const (
	StopReasonEndTurn      StopReason = "end_turn"
	StopReasonMaxTokens    StopReason = "max_tokens"
	StopReasonStopSequence StopReason = "stop_sequence"
	StopReasonToolUse      StopReason = "tool_use"
	StopReasonError        StopReason = "error"
)

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add accumulates usage across the steps of a multi-call turn.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}
