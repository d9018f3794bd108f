package conversation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/adalundhe/strata/core/errors"
	"github.com/adalundhe/strata/core/providers"
	"github.com/adalundhe/strata/core/storage"
)

// Turn phases. The machine moves idle -> processing -> {tool_call_pending
// -> processing}* -> idle, and the current phase is persisted so a turn
// interrupted by a process restart resumes instead of restarting.
const (
	PhaseIdle            = "idle"
	PhaseProcessing      = "processing"
	PhaseToolCallPending = "tool_call_pending"
)

// pendingState is what tool_call_pending persists: the calls awaiting
// caller-supplied results and any assistant text produced before them.
type pendingState struct {
	Calls   []providers.ToolCall `json:"calls"`
	Content string               `json:"content,omitempty"`
}

func loadState(ctx context.Context, store *storage.Store, agentID string) (string, *pendingState, error) {
	rec, err := store.GetConversationState(ctx, agentID)
	if err != nil {
		return "", nil, err
	}
	if rec == nil {
		return PhaseIdle, nil, nil
	}

	if rec.Phase != PhaseToolCallPending || len(rec.PendingCalls) == 0 {
		return rec.Phase, nil, nil
	}

	var pending pendingState
	if err := json.Unmarshal(rec.PendingCalls, &pending); err != nil {
		return "", nil, errors.Wrap(errors.KindIO, "decode pending tool calls", err)
	}
	return rec.Phase, &pending, nil
}

func saveState(ctx context.Context, store *storage.Store, agentID, phase string, pending *pendingState) error {
	var calls []byte
	if pending != nil {
		encoded, err := json.Marshal(pending)
		if err != nil {
			return errors.Wrap(errors.KindIO, "encode pending tool calls", err)
		}
		calls = encoded
	}

	return store.PutConversationState(ctx, &storage.ConversationStateRecord{
		AgentID:      agentID,
		Phase:        phase,
		PendingCalls: calls,
		UpdatedAt:    time.Now().UTC(),
	})
}
