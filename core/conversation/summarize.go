package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/adalundhe/strata/core/errors"
	"github.com/adalundhe/strata/core/providers"
	"github.com/adalundhe/strata/core/storage"
)

const summarizeSystemPrompt = "Summarize the conversation below in a few sentences. " +
	"Keep concrete facts, names, numbers, and unresolved questions. " +
	"Write in the third person."

// minSummarizeMessages keeps short conversations out of the
// summarizer; folding two messages into one buys nothing.
const minSummarizeMessages = 4

// maybeSummarize folds the oldest half of history into a summary
// message when the prompt estimate crosses the configured share of the
// context budget. Best effort: a failed summarization logs and the
// turn proceeds with full history.
func (e *Engine) maybeSummarize(
	ctx context.Context,
	agent *storage.AgentRecord,
	provider providers.Provider,
	systemPrompt string,
	history []providers.Message,
) ([]providers.Message, error) {
	if len(history) < minSummarizeMessages {
		return history, nil
	}

	promptTokens, err := e.counter.CountText(systemPrompt)
	if err != nil {
		return history, nil
	}
	historyTokens, err := e.counter.Count(history)
	if err != nil {
		return history, nil
	}

	budget := float64(e.config.MaxContextTokens) * e.config.SummarizeRatio
	if float64(promptTokens+historyTokens) <= budget {
		return history, nil
	}

	split := len(history) / 2
	summary, err := e.summarize(ctx, provider, history[:split])
	if err != nil {
		e.logger.Warn("summarization failed, proceeding with full history",
			"agent", agent.ID, "error", err)
		return history, nil
	}

	summaryMessage := providers.Message{
		Role:    providers.RoleSystem,
		Content: "Summary of earlier conversation: " + summary,
	}
	compacted := append([]providers.Message{summaryMessage}, history[split:]...)

	if err := e.persistCompacted(ctx, agent.ID, compacted); err != nil {
		return nil, err
	}
	e.history.Invalidate(agent.ID)

	e.logger.Info("history summarized",
		"agent", agent.ID, "dropped", split, "kept", len(history)-split)
	return compacted, nil
}

func (e *Engine) summarize(ctx context.Context, provider providers.Provider, oldest []providers.Message) (string, error) {
	var transcript strings.Builder
	for _, msg := range oldest {
		if msg.Content == "" {
			continue
		}
		fmt.Fprintf(&transcript, "%s: %s\n", msg.Role, msg.Content)
	}

	response, err := provider.Complete(ctx, &providers.Request{
		SystemPrompt: summarizeSystemPrompt,
		Messages: []providers.Message{
			{Role: providers.RoleUser, Content: transcript.String()},
		},
	})
	if err != nil {
		return "", err
	}
	return response.Content, nil
}

// persistCompacted replaces stored history with the compacted form in
// one transaction, so the persisted record matches what the model saw.
func (e *Engine) persistCompacted(ctx context.Context, agentID string, compacted []providers.Message) error {
	recs := make([]*storage.MessageRecord, 0, len(compacted))
	now := time.Now().UTC()
	for _, msg := range compacted {
		rec := &storage.MessageRecord{
			ID:        uuid.NewString(),
			AgentID:   agentID,
			Role:      string(msg.Role),
			Content:   msg.Content,
			CreatedAt: now,
		}
		if len(msg.ToolCalls) > 0 {
			encoded, err := json.Marshal(msg.ToolCalls)
			if err != nil {
				return errors.Wrap(errors.KindIO, "encode tool calls", err)
			}
			rec.ToolCalls = encoded
		}
		if msg.ToolCallID != "" {
			encoded, err := json.Marshal(ToolResult{ToolCallID: msg.ToolCallID, Content: msg.Content})
			if err != nil {
				return errors.Wrap(errors.KindIO, "encode tool result", err)
			}
			rec.ToolResults = encoded
		}
		recs = append(recs, rec)
	}
	return e.store.ReplaceMessages(ctx, agentID, recs)
}
