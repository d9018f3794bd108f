// Package conversation implements the turn engine: it accepts
// structured messages, drives the model provider, executes the agent's
// own memory tools inline, and persists a resumable state machine for
// tool calls the caller must answer.
package conversation

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/adalundhe/strata/core/errors"
	"github.com/adalundhe/strata/core/providers"
)

// Incoming is the caller's message for one turn. A fresh turn carries
// role and content; a resume turn carries tool results answering the
// pending calls from the previous response.
type Incoming struct {
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolResult answers one pending tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Result is the structured outcome of a turn. Phase reports where the
// state machine landed: idle when the turn completed, tool_call_pending
// when the caller must supply tool results and converse again.
type Result struct {
	Content      string               `json:"content"`
	Phase        string               `json:"phase"`
	PendingCalls []providers.ToolCall `json:"pending_calls,omitempty"`
	ToolTrace    []TraceEntry         `json:"tool_trace,omitempty"`
	Usage        providers.Usage      `json:"usage"`
}

// TraceEntry records one tool execution during the turn.
type TraceEntry struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Result    string `json:"result"`
	IsError   bool   `json:"is_error,omitempty"`
}

// ParseIncoming validates and decodes the caller's message JSON.
func ParseIncoming(payload string) (*Incoming, error) {
	if !utf8.ValidString(payload) {
		return nil, errors.Wrap(errors.KindValidation, "message", errors.ErrInvalidUTF8)
	}

	var msg Incoming
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return nil, errors.Wrap(errors.KindValidation, "decode message", errors.ErrInvalidMessage)
	}

	if len(msg.ToolResults) > 0 {
		for _, result := range msg.ToolResults {
			if result.ToolCallID == "" {
				return nil, errors.Wrap(errors.KindValidation, "tool result without tool_call_id", errors.ErrInvalidMessage)
			}
		}
		return &msg, nil
	}

	switch msg.Role {
	case "user", "system":
	case "":
		return nil, errors.Wrap(errors.KindValidation, "message without role", errors.ErrInvalidMessage)
	default:
		return nil, errors.Wrap(errors.KindValidation, "unsupported role "+msg.Role, errors.ErrInvalidMessage)
	}
	if msg.Content == "" {
		return nil, errors.Wrap(errors.KindValidation, "message without content", errors.ErrInvalidMessage)
	}
	return &msg, nil
}

// Encode flattens the result to the JSON the operation surface returns.
func (r *Result) Encode() (string, error) {
	encoded, err := json.Marshal(r)
	if err != nil {
		return "", errors.Wrap(errors.KindIO, "encode result", err)
	}
	return string(encoded), nil
}
