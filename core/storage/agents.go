package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/adalundhe/strata/core/errors"
)

// AgentRecord is one persisted agent configuration.
type AgentRecord struct {
	ID           string
	Name         string
	Provider     string
	Model        string
	SystemPrompt string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateAgent inserts the agent together with its seed blocks, a fresh
// sync row, and an idle conversation row, all in one transaction.
func (s *Store) CreateAgent(ctx context.Context, rec *AgentRecord, seed []*BlockRecord) error {
	err := s.pool.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO agents (id, name, provider, model, system_prompt, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, rec.ID, rec.Name, rec.Provider, rec.Model, rec.SystemPrompt, rec.CreatedAt, rec.UpdatedAt)
		if err != nil {
			return err
		}

		for _, block := range seed {
			_, err := tx.Exec(`
				INSERT INTO blocks (agent_id, label, value, description, char_limit, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, rec.ID, block.Label, block.Value, block.Description, block.CharLimit, block.UpdatedAt)
			if err != nil {
				return err
			}
		}

		if _, err := tx.Exec(`INSERT INTO sync_state (agent_id) VALUES (?)`, rec.ID); err != nil {
			return err
		}

		_, err = tx.Exec(`
			INSERT INTO conversation_state (agent_id, phase, updated_at)
			VALUES (?, 'idle', ?)
		`, rec.ID, rec.CreatedAt)
		return err
	})
	if err != nil {
		return errors.Wrap(errors.KindIO, "create agent", err)
	}
	return nil
}

// GetAgent returns nil without error when the agent does not exist.
func (s *Store) GetAgent(ctx context.Context, id string) (*AgentRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, provider, model, system_prompt, created_at, updated_at
		FROM agents WHERE id = ?
	`, id)

	var rec AgentRecord
	err := row.Scan(&rec.ID, &rec.Name, &rec.Provider, &rec.Model, &rec.SystemPrompt, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "load agent", err)
	}
	return &rec, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, provider, model, system_prompt, created_at, updated_at
		FROM agents ORDER BY created_at
	`)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "list agents", err)
	}
	defer rows.Close()

	var agents []*AgentRecord
	for rows.Next() {
		var rec AgentRecord
		err := rows.Scan(&rec.ID, &rec.Name, &rec.Provider, &rec.Model, &rec.SystemPrompt, &rec.CreatedAt, &rec.UpdatedAt)
		if err != nil {
			return nil, errors.Wrap(errors.KindIO, "scan agent", err)
		}
		agents = append(agents, &rec)
	}
	return agents, rows.Err()
}

// DeleteAgent removes the agent row; blocks, messages, archival entries,
// and state rows follow through ON DELETE CASCADE.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(errors.KindIO, "delete agent", err)
	}
	return nil
}

// ReplaceAgentState swaps the agent's configuration and entire block set
// in one transaction. Either everything lands or nothing does, which is
// what agent file import leans on.
func (s *Store) ReplaceAgentState(ctx context.Context, rec *AgentRecord, blocks []*BlockRecord) error {
	err := s.pool.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE agents SET name = ?, provider = ?, model = ?, system_prompt = ?, updated_at = ?
			WHERE id = ?
		`, rec.Name, rec.Provider, rec.Model, rec.SystemPrompt, rec.UpdatedAt, rec.ID)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return errors.ErrAgentNotFound
		}

		if _, err := tx.Exec(`DELETE FROM blocks WHERE agent_id = ?`, rec.ID); err != nil {
			return err
		}

		for _, block := range blocks {
			_, err := tx.Exec(`
				INSERT INTO blocks (agent_id, label, value, description, char_limit, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, rec.ID, block.Label, block.Value, block.Description, block.CharLimit, block.UpdatedAt)
			if err != nil {
				return err
			}
		}

		return markDirty(tx, rec.ID)
	})
	if err != nil {
		if errors.Is(err, errors.ErrAgentNotFound) {
			return err
		}
		return errors.Wrap(errors.KindIO, "replace agent state", err)
	}
	return nil
}

// markDirty bumps the local version inside a mutating transaction so
// the sync coordinator sees the change.
func markDirty(tx *sql.Tx, agentID string) error {
	_, err := tx.Exec(`
		UPDATE sync_state SET dirty = 1, local_version = local_version + 1
		WHERE agent_id = ?
	`, agentID)
	return err
}
