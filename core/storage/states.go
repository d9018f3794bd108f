package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/adalundhe/strata/core/errors"
)

// SyncStateRecord tracks where an agent stands relative to the cloud.
// LocalVersion increments with every local mutation; Dirty flags that
// a sync is due.
type SyncStateRecord struct {
	AgentID      string
	LocalVersion int64
	CloudVersion int64
	LastSyncedAt *time.Time
	Dirty        bool
}

// ConversationStateRecord is the persisted turn state machine: phase
// plus any tool calls awaiting results, serialized as JSON.
type ConversationStateRecord struct {
	AgentID      string
	Phase        string
	PendingCalls []byte
	UpdatedAt    time.Time
}

func (s *Store) GetSyncState(ctx context.Context, agentID string) (*SyncStateRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT agent_id, local_version, cloud_version, last_synced_at, dirty
		FROM sync_state WHERE agent_id = ?
	`, agentID)

	var rec SyncStateRecord
	var lastSynced sql.NullTime
	var dirty int
	err := row.Scan(&rec.AgentID, &rec.LocalVersion, &rec.CloudVersion, &lastSynced, &dirty)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "load sync state", err)
	}

	if lastSynced.Valid {
		rec.LastSyncedAt = &lastSynced.Time
	}
	rec.Dirty = dirty != 0
	return &rec, nil
}

// PutSyncState records the outcome of a sync. The whole row is written
// so a reconciliation either fully lands or not at all.
func (s *Store) PutSyncState(ctx context.Context, rec *SyncStateRecord) error {
	dirty := 0
	if rec.Dirty {
		dirty = 1
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_state (agent_id, local_version, cloud_version, last_synced_at, dirty)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (agent_id) DO UPDATE SET
			local_version = excluded.local_version,
			cloud_version = excluded.cloud_version,
			last_synced_at = excluded.last_synced_at,
			dirty = excluded.dirty
	`, rec.AgentID, rec.LocalVersion, rec.CloudVersion, rec.LastSyncedAt, dirty)
	if err != nil {
		return errors.Wrap(errors.KindIO, "save sync state", err)
	}
	return nil
}

func (s *Store) GetConversationState(ctx context.Context, agentID string) (*ConversationStateRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT agent_id, phase, pending_calls, updated_at
		FROM conversation_state WHERE agent_id = ?
	`, agentID)

	var rec ConversationStateRecord
	err := row.Scan(&rec.AgentID, &rec.Phase, &rec.PendingCalls, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "load conversation state", err)
	}
	return &rec, nil
}

func (s *Store) PutConversationState(ctx context.Context, rec *ConversationStateRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversation_state (agent_id, phase, pending_calls, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (agent_id) DO UPDATE SET
			phase = excluded.phase,
			pending_calls = excluded.pending_calls,
			updated_at = excluded.updated_at
	`, rec.AgentID, rec.Phase, rec.PendingCalls, rec.UpdatedAt)
	if err != nil {
		return errors.Wrap(errors.KindIO, "save conversation state", err)
	}
	return nil
}
