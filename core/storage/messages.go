package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/adalundhe/strata/core/errors"
)

// MessageRecord is one persisted conversation turn. ToolCalls and
// ToolResults hold serialized JSON so the schema stays stable while
// the message shapes evolve.
type MessageRecord struct {
	ID          string
	AgentID     string
	Role        string
	Content     string
	ToolCalls   []byte
	ToolResults []byte
	CreatedAt   time.Time
}

func (s *Store) AppendMessage(ctx context.Context, rec *MessageRecord) error {
	return s.AppendMessages(ctx, []*MessageRecord{rec})
}

// AppendMessages inserts the turns in order within one transaction and
// marks the agent dirty once.
func (s *Store) AppendMessages(ctx context.Context, recs []*MessageRecord) error {
	if len(recs) == 0 {
		return nil
	}

	err := s.pool.Transaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO messages (id, agent_id, role, content, tool_calls, tool_results, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, rec := range recs {
			_, err := stmt.Exec(rec.ID, rec.AgentID, rec.Role, rec.Content, rec.ToolCalls, rec.ToolResults, rec.CreatedAt)
			if err != nil {
				return err
			}
		}
		return markDirty(tx, recs[0].AgentID)
	})
	if err != nil {
		return errors.Wrap(errors.KindIO, "append messages", err)
	}
	return nil
}

// ListMessages returns up to limit of the most recent turns in
// chronological order. limit <= 0 returns the full history.
func (s *Store) ListMessages(ctx context.Context, agentID string, limit int) ([]*MessageRecord, error) {
	query := `
		SELECT id, agent_id, role, content, tool_calls, tool_results, created_at
		FROM messages WHERE agent_id = ? ORDER BY rowid
	`
	if limit > 0 {
		query = `
			SELECT id, agent_id, role, content, tool_calls, tool_results, created_at
			FROM (
				SELECT rowid AS rid, id, agent_id, role, content, tool_calls, tool_results, created_at
				FROM messages WHERE agent_id = ? ORDER BY rowid DESC LIMIT ?
			) ORDER BY rid
		`
	}

	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.pool.Query(ctx, query, agentID, limit)
	} else {
		rows, err = s.pool.Query(ctx, query, agentID)
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "list messages", err)
	}
	defer rows.Close()

	var messages []*MessageRecord
	for rows.Next() {
		var rec MessageRecord
		err := rows.Scan(&rec.ID, &rec.AgentID, &rec.Role, &rec.Content, &rec.ToolCalls, &rec.ToolResults, &rec.CreatedAt)
		if err != nil {
			return nil, errors.Wrap(errors.KindIO, "scan message", err)
		}
		messages = append(messages, &rec)
	}
	return messages, rows.Err()
}

func (s *Store) CountMessages(ctx context.Context, agentID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE agent_id = ?`, agentID).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(errors.KindIO, "count messages", err)
	}
	return count, nil
}

// TrimMessages drops everything but the most recent keep turns.
func (s *Store) TrimMessages(ctx context.Context, agentID string, keep int) error {
	if keep < 0 {
		keep = 0
	}
	_, err := s.pool.Exec(ctx, `
		DELETE FROM messages WHERE agent_id = ? AND rowid NOT IN (
			SELECT rowid FROM messages WHERE agent_id = ? ORDER BY rowid DESC LIMIT ?
		)
	`, agentID, agentID, keep)
	if err != nil {
		return errors.Wrap(errors.KindIO, "trim messages", err)
	}
	return nil
}

// ReplaceMessages swaps the agent's entire history for recs in one
// transaction. Summarization leans on this so a crash can never leave
// half the old history next to the new summary.
func (s *Store) ReplaceMessages(ctx context.Context, agentID string, recs []*MessageRecord) error {
	err := s.pool.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM messages WHERE agent_id = ?`, agentID); err != nil {
			return err
		}

		stmt, err := tx.Prepare(`
			INSERT INTO messages (id, agent_id, role, content, tool_calls, tool_results, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, rec := range recs {
			_, err := stmt.Exec(rec.ID, rec.AgentID, rec.Role, rec.Content, rec.ToolCalls, rec.ToolResults, rec.CreatedAt)
			if err != nil {
				return err
			}
		}
		return markDirty(tx, agentID)
	})
	if err != nil {
		return errors.Wrap(errors.KindIO, "replace messages", err)
	}
	return nil
}
