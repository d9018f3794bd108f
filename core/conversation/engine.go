package conversation

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/adalundhe/strata/core/archival"
	"github.com/adalundhe/strata/core/errors"
	"github.com/adalundhe/strata/core/memory"
	"github.com/adalundhe/strata/core/providers"
	"github.com/adalundhe/strata/core/storage"
)

// Config tunes the turn engine. Zero values take the defaults below.
type Config struct {
	// MaxSteps bounds provider round-trips within one turn.
	MaxSteps int

	// MaxMessages caps persisted history; the oldest turns are evicted.
	MaxMessages int

	// MaxContextTokens is the prompt budget for summarization decisions.
	MaxContextTokens int

	// SummarizeRatio of the budget at which the oldest half of history
	// is folded into a summary.
	SummarizeRatio float64

	// ToolsEnabled advertises the built-in memory tools to the model.
	ToolsEnabled *bool

	// IndexCacheSize bounds resident conversation-search indexes.
	IndexCacheSize int

	Logger *slog.Logger
}

const (
	DefaultMaxSteps         = 10
	DefaultMaxMessages      = 100
	DefaultMaxContextTokens = 8192
	DefaultSummarizeRatio   = 0.8
)

func (c Config) withDefaults() Config {
	if c.MaxSteps <= 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = DefaultMaxMessages
	}
	if c.MaxContextTokens <= 0 {
		c.MaxContextTokens = DefaultMaxContextTokens
	}
	if c.SummarizeRatio <= 0 || c.SummarizeRatio >= 1 {
		c.SummarizeRatio = DefaultSummarizeRatio
	}
	if c.ToolsEnabled == nil {
		enabled := true
		c.ToolsEnabled = &enabled
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}

// Engine drives conversational turns. It owns no locking: the runtime
// serializes turns per agent, and distinct agents converse freely.
type Engine struct {
	store    *storage.Store
	registry *providers.Registry
	tools    *toolbox
	history  *historySearcher
	counter  *providers.CharacterBasedCounter
	blocks   *memory.Blocks
	config   Config
	logger   *slog.Logger
}

func NewEngine(
	store *storage.Store,
	blocks *memory.Blocks,
	arch *archival.Service,
	registry *providers.Registry,
	config Config,
) (*Engine, error) {
	config = config.withDefaults()

	history, err := newHistorySearcher(store, config.IndexCacheSize)
	if err != nil {
		return nil, err
	}

	return &Engine{
		store:    store,
		registry: registry,
		tools:    newToolbox(blocks, arch, history),
		history:  history,
		counter:  providers.NewCharacterBasedCounter(providers.DefaultTokenCounterConfig()),
		blocks:   blocks,
		config:   config,
		logger:   config.Logger.With("component", "conversation"),
	}, nil
}

// Close releases the engine's in-memory search indexes.
func (e *Engine) Close() {
	e.history.Close()
}

// Forget drops the in-memory resources held for one agent, such as its
// cached history index. Persisted state is untouched.
func (e *Engine) Forget(agentID string) {
	e.history.Invalidate(agentID)
}

// Converse runs one turn: fresh input starts a turn, tool results
// resume a pending one. Memory edits happen as side effects of the
// model's tool calls; the persisted state machine survives restarts.
func (e *Engine) Converse(ctx context.Context, agentID, payload string) (*Result, error) {
	msg, err := ParseIncoming(payload)
	if err != nil {
		return nil, err
	}

	agent, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, errors.Wrap(errors.KindNotFound, "converse", errors.ErrAgentNotFound)
	}

	provider, err := e.registry.Get(providers.ProviderType(agent.Provider))
	if err != nil {
		return nil, err
	}

	phase, pending, err := loadState(ctx, e.store, agentID)
	if err != nil {
		return nil, err
	}

	if len(msg.ToolResults) > 0 {
		if phase != PhaseToolCallPending || pending == nil {
			return nil, errors.Wrap(errors.KindValidation, "no pending tool calls to resume", errors.ErrInvalidMessage)
		}
		if err := e.appendToolResults(ctx, agentID, pending, msg.ToolResults); err != nil {
			return nil, err
		}
	} else {
		if phase == PhaseToolCallPending {
			return nil, errors.Wrap(errors.KindValidation, "turn is awaiting tool results", errors.ErrInvalidMessage)
		}
		if err := e.store.AppendMessage(ctx, &storage.MessageRecord{
			ID:        uuid.NewString(),
			AgentID:   agentID,
			Role:      msg.Role,
			Content:   msg.Content,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			return nil, err
		}
	}

	if err := saveState(ctx, e.store, agentID, PhaseProcessing, nil); err != nil {
		return nil, err
	}

	result, err := e.run(ctx, agent, provider)
	if err != nil {
		// The turn input is persisted; rolling the phase back to idle
		// lets the caller retry without wedging the machine.
		if stateErr := saveState(ctx, e.store, agentID, PhaseIdle, nil); stateErr != nil {
			e.logger.Error("failed to reset conversation state", "agent", agentID, "error", stateErr)
		}
		return nil, err
	}

	if err := e.enforceHistoryCap(ctx, agentID); err != nil {
		return nil, err
	}
	return result, nil
}

// run is the provider loop: complete, execute owned tools, feed their
// results back, repeat until the model stops asking or the step budget
// runs out. External tool calls suspend the turn instead.
func (e *Engine) run(ctx context.Context, agent *storage.AgentRecord, provider providers.Provider) (*Result, error) {
	var trace []TraceEntry
	var usage providers.Usage
	var lastContent string

	for step := 0; step < e.config.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(errors.KindNetwork, "turn cancelled", err)
		}

		request, err := e.buildRequest(ctx, agent, provider)
		if err != nil {
			return nil, err
		}

		response, err := provider.Complete(ctx, request)
		if err != nil {
			if errors.KindOf(err) == errors.KindNetwork || errors.KindOf(err) == errors.KindAuth {
				return nil, err
			}
			return nil, errors.Wrap(errors.KindNetwork, "provider call failed", err)
		}
		usage.Add(response.Usage)
		lastContent = response.Content

		if len(response.ToolCalls) == 0 {
			if err := e.appendAssistant(ctx, agent.ID, response); err != nil {
				return nil, err
			}
			if err := saveState(ctx, e.store, agent.ID, PhaseIdle, nil); err != nil {
				return nil, err
			}
			return &Result{Content: response.Content, Phase: PhaseIdle, ToolTrace: trace, Usage: usage}, nil
		}

		if err := e.appendAssistant(ctx, agent.ID, response); err != nil {
			return nil, err
		}

		var external []providers.ToolCall
		for _, call := range response.ToolCalls {
			if !e.tools.Owns(call.Name) {
				external = append(external, call)
				continue
			}

			output, execErr := e.tools.Execute(ctx, agent.ID, call)
			entry := TraceEntry{
				ID:        call.ID,
				Name:      call.Name,
				Arguments: call.Arguments,
				Result:    output,
				IsError:   execErr != nil,
			}
			trace = append(trace, entry)

			if execErr != nil {
				e.logger.Warn("tool execution failed",
					"agent", agent.ID, "tool", call.Name, "error", execErr)
			}

			if err := e.appendToolMessage(ctx, agent.ID, call.ID, output, execErr != nil); err != nil {
				return nil, err
			}
		}

		if len(external) > 0 {
			pending := &pendingState{Calls: external, Content: response.Content}
			if err := saveState(ctx, e.store, agent.ID, PhaseToolCallPending, pending); err != nil {
				return nil, err
			}
			return &Result{
				Content:      response.Content,
				Phase:        PhaseToolCallPending,
				PendingCalls: external,
				ToolTrace:    trace,
				Usage:        usage,
			}, nil
		}
	}

	// Step budget exhausted: close the turn with what we have.
	if err := saveState(ctx, e.store, agent.ID, PhaseIdle, nil); err != nil {
		return nil, err
	}
	return &Result{Content: lastContent, Phase: PhaseIdle, ToolTrace: trace, Usage: usage}, nil
}

// buildRequest assembles the prompt: the agent's system prompt with
// rendered memory blocks, recent history within the context budget,
// and the built-in tool definitions.
func (e *Engine) buildRequest(ctx context.Context, agent *storage.AgentRecord, provider providers.Provider) (*providers.Request, error) {
	rendered, err := e.blocks.Render(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	systemPrompt := agent.SystemPrompt
	if rendered != "" {
		systemPrompt += "\n\n<core_memory>\n" + rendered + "</core_memory>"
	}

	history, err := e.loadHistory(ctx, agent)
	if err != nil {
		return nil, err
	}

	history, err = e.maybeSummarize(ctx, agent, provider, systemPrompt, history)
	if err != nil {
		return nil, err
	}

	request := &providers.Request{
		Model:        agent.Model,
		SystemPrompt: systemPrompt,
		Messages:     history,
	}
	if *e.config.ToolsEnabled {
		request.Tools = e.tools.Definitions()
	}
	return request, nil
}

func (e *Engine) loadHistory(ctx context.Context, agent *storage.AgentRecord) ([]providers.Message, error) {
	records, err := e.store.ListMessages(ctx, agent.ID, e.config.MaxMessages)
	if err != nil {
		return nil, err
	}

	messages := make([]providers.Message, 0, len(records))
	for _, rec := range records {
		converted, err := convertRecord(rec)
		if err != nil {
			return nil, err
		}
		messages = append(messages, converted)
	}
	return messages, nil
}

func (e *Engine) appendAssistant(ctx context.Context, agentID string, response *providers.Response) error {
	rec := &storage.MessageRecord{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Role:      string(providers.RoleAssistant),
		Content:   response.Content,
		CreatedAt: time.Now().UTC(),
	}
	if len(response.ToolCalls) > 0 {
		encoded, err := json.Marshal(response.ToolCalls)
		if err != nil {
			return errors.Wrap(errors.KindIO, "encode tool calls", err)
		}
		rec.ToolCalls = encoded
	}
	return e.store.AppendMessage(ctx, rec)
}

func (e *Engine) appendToolMessage(ctx context.Context, agentID, toolCallID, content string, isError bool) error {
	meta, err := json.Marshal(ToolResult{ToolCallID: toolCallID, Content: content, IsError: isError})
	if err != nil {
		return errors.Wrap(errors.KindIO, "encode tool result", err)
	}

	return e.store.AppendMessage(ctx, &storage.MessageRecord{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		Role:        string(providers.RoleTool),
		Content:     content,
		ToolResults: meta,
		CreatedAt:   time.Now().UTC(),
	})
}

// appendToolResults persists caller-supplied answers to the pending
// calls. Every pending call must be answered in one resume.
func (e *Engine) appendToolResults(ctx context.Context, agentID string, pending *pendingState, results []ToolResult) error {
	byID := make(map[string]ToolResult, len(results))
	for _, result := range results {
		byID[result.ToolCallID] = result
	}

	recs := make([]*storage.MessageRecord, 0, len(pending.Calls))
	for _, call := range pending.Calls {
		result, ok := byID[call.ID]
		if !ok {
			return errors.Wrap(
				errors.KindValidation,
				"missing result for tool call "+call.ID,
				errors.ErrInvalidMessage,
			)
		}

		meta, err := json.Marshal(result)
		if err != nil {
			return errors.Wrap(errors.KindIO, "encode tool result", err)
		}
		recs = append(recs, &storage.MessageRecord{
			ID:          uuid.NewString(),
			AgentID:     agentID,
			Role:        string(providers.RoleTool),
			Content:     result.Content,
			ToolResults: meta,
			CreatedAt:   time.Now().UTC(),
		})
	}
	return e.store.AppendMessages(ctx, recs)
}

func (e *Engine) enforceHistoryCap(ctx context.Context, agentID string) error {
	count, err := e.store.CountMessages(ctx, agentID)
	if err != nil {
		return err
	}
	if count <= e.config.MaxMessages {
		return nil
	}
	if err := e.store.TrimMessages(ctx, agentID, e.config.MaxMessages); err != nil {
		return err
	}
	e.history.Invalidate(agentID)
	return nil
}

// convertRecord lifts a stored message into provider form.
func convertRecord(rec *storage.MessageRecord) (providers.Message, error) {
	msg := providers.Message{
		Role:    providers.Role(rec.Role),
		Content: rec.Content,
	}

	if len(rec.ToolCalls) > 0 {
		if err := json.Unmarshal(rec.ToolCalls, &msg.ToolCalls); err != nil {
			return msg, errors.Wrap(errors.KindIO, "decode stored tool calls", err)
		}
	}
	if len(rec.ToolResults) > 0 {
		var result ToolResult
		if err := json.Unmarshal(rec.ToolResults, &result); err != nil {
			return msg, errors.Wrap(errors.KindIO, "decode stored tool result", err)
		}
		msg.ToolCallID = result.ToolCallID
	}
	return msg, nil
}
