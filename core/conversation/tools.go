package conversation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/adalundhe/strata/core/archival"
	"github.com/adalundhe/strata/core/errors"
	"github.com/adalundhe/strata/core/memory"
	"github.com/adalundhe/strata/core/providers"
)

// Tool names the engine executes itself. Anything else in a model
// response is handed back to the caller as tool_call_pending.
const (
	ToolMemoryReplace      = "core_memory_replace"
	ToolMemoryAppend       = "core_memory_append"
	ToolArchivalInsert     = "archival_insert"
	ToolArchivalSearch     = "archival_search"
	ToolConversationSearch = "conversation_search"
)

// toolbox executes the agent's built-in memory tools against its
// stores. One toolbox serves all agents; calls carry the agent id.
type toolbox struct {
	blocks   *memory.Blocks
	archival *archival.Service
	history  *historySearcher
}

func newToolbox(blocks *memory.Blocks, arch *archival.Service, history *historySearcher) *toolbox {
	return &toolbox{blocks: blocks, archival: arch, history: history}
}

// Owns reports whether the engine executes this tool inline.
func (t *toolbox) Owns(name string) bool {
	switch name {
	case ToolMemoryReplace, ToolMemoryAppend, ToolArchivalInsert, ToolArchivalSearch, ToolConversationSearch:
		return true
	}
	return false
}

// Definitions lists the built-in tools in provider form, advertised on
// every completion request when tools are enabled.
func (t *toolbox) Definitions() []providers.Tool {
	return []providers.Tool{
		{
			Name:        ToolMemoryReplace,
			Description: "Overwrite the value of a core memory block.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"label": map[string]any{"type": "string", "description": "Block label, e.g. persona or human"},
					"value": map[string]any{"type": "string", "description": "New block value"},
				},
				"required": []any{"label", "value"},
			},
		},
		{
			Name:        ToolMemoryAppend,
			Description: "Append a line to a core memory block, evicting the oldest text past the limit.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"label": map[string]any{"type": "string"},
					"value": map[string]any{"type": "string"},
				},
				"required": []any{"label", "value"},
			},
		},
		{
			Name:        ToolArchivalInsert,
			Description: "Store a note in long-term archival memory.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"folder":  map[string]any{"type": "string", "description": "Logical partition for the note"},
					"content": map[string]any{"type": "string"},
				},
				"required": []any{"folder", "content"},
			},
		},
		{
			Name:        ToolArchivalSearch,
			Description: "Search archival memory by relevance.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query":  map[string]any{"type": "string"},
					"folder": map[string]any{"type": "string", "description": "Optional folder to scope the search"},
					"top_k":  map[string]any{"type": "integer"},
				},
				"required": []any{"query"},
			},
		},
		{
			Name:        ToolConversationSearch,
			Description: "Search past conversation history.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string"},
					"limit": map[string]any{"type": "integer"},
				},
				"required": []any{"query"},
			},
		},
	}
}

// Execute runs one owned tool call and returns its textual result.
// Tool failures come back as (result, error) where the result is still
// a presentable message; the engine feeds it to the model either way.
func (t *toolbox) Execute(ctx context.Context, agentID string, call providers.ToolCall) (string, error) {
	switch call.Name {
	case ToolMemoryReplace:
		return t.memoryReplace(ctx, agentID, call.Arguments)
	case ToolMemoryAppend:
		return t.memoryAppend(ctx, agentID, call.Arguments)
	case ToolArchivalInsert:
		return t.archivalInsert(ctx, agentID, call.Arguments)
	case ToolArchivalSearch:
		return t.archivalSearch(ctx, agentID, call.Arguments)
	case ToolConversationSearch:
		return t.conversationSearch(ctx, agentID, call.Arguments)
	}
	return "", errors.Newf(errors.KindNotFound, "unknown tool %s", call.Name)
}

type labelValueArgs struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

func (t *toolbox) memoryReplace(ctx context.Context, agentID, arguments string) (string, error) {
	var args labelValueArgs
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return "", errors.Wrap(errors.KindValidation, "core_memory_replace arguments", err)
	}

	if err := t.blocks.Set(ctx, agentID, args.Label, args.Value); err != nil {
		return fmt.Sprintf("failed to update block %q: %v", args.Label, err), err
	}
	return fmt.Sprintf("Updated block %q.", args.Label), nil
}

func (t *toolbox) memoryAppend(ctx context.Context, agentID, arguments string) (string, error) {
	var args labelValueArgs
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return "", errors.Wrap(errors.KindValidation, "core_memory_append arguments", err)
	}

	if err := t.blocks.Append(ctx, agentID, args.Label, args.Value); err != nil {
		return fmt.Sprintf("failed to append to block %q: %v", args.Label, err), err
	}
	return fmt.Sprintf("Appended to block %q.", args.Label), nil
}

func (t *toolbox) archivalInsert(ctx context.Context, agentID, arguments string) (string, error) {
	var args struct {
		Folder  string `json:"folder"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return "", errors.Wrap(errors.KindValidation, "archival_insert arguments", err)
	}

	id, err := t.archival.Append(ctx, agentID, args.Folder, args.Content)
	if err != nil {
		return fmt.Sprintf("failed to store entry: %v", err), err
	}
	return fmt.Sprintf("Stored entry %d in folder %q.", id.Seq, args.Folder), nil
}

func (t *toolbox) archivalSearch(ctx context.Context, agentID, arguments string) (string, error) {
	var args struct {
		Query  string `json:"query"`
		Folder string `json:"folder"`
		TopK   int    `json:"top_k"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return "", errors.Wrap(errors.KindValidation, "archival_search arguments", err)
	}
	if args.TopK <= 0 {
		args.TopK = 5
	}

	results, err := t.archival.SearchFolder(ctx, agentID, args.Folder, args.Query, args.TopK)
	if err != nil {
		return fmt.Sprintf("search failed: %v", err), err
	}
	return encodeToolResults(results)
}

func (t *toolbox) conversationSearch(ctx context.Context, agentID, arguments string) (string, error) {
	var args struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return "", errors.Wrap(errors.KindValidation, "conversation_search arguments", err)
	}
	if args.Limit <= 0 {
		args.Limit = 5
	}

	results, err := t.history.Search(ctx, agentID, args.Query, args.Limit)
	if err != nil {
		return fmt.Sprintf("search failed: %v", err), err
	}
	return encodeToolResults(results)
}

func encodeToolResults(results any) (string, error) {
	encoded, err := json.Marshal(results)
	if err != nil {
		return "", errors.Wrap(errors.KindIO, "encode tool results", err)
	}
	if string(encoded) == "null" {
		return "[]", nil
	}
	return string(encoded), nil
}
