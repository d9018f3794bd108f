package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/adalundhe/strata/core/errors"
)

// BlockRecord is one labeled memory block. The (agent_id, label) pair
// is the block's identity; writes overwrite in place.
type BlockRecord struct {
	AgentID     string
	Label       string
	Value       string
	Description string
	CharLimit   int
	UpdatedAt   time.Time
}

// UpsertBlock creates or overwrites the block and marks the agent dirty
// for sync, in one transaction. UpdatedAt is the timestamp conflict
// resolution compares, so callers set it explicitly. Overwrites keep
// the existing description.
func (s *Store) UpsertBlock(ctx context.Context, rec *BlockRecord) error {
	err := s.pool.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO blocks (agent_id, label, value, description, char_limit, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (agent_id, label) DO UPDATE SET
				value = excluded.value,
				char_limit = excluded.char_limit,
				updated_at = excluded.updated_at
		`, rec.AgentID, rec.Label, rec.Value, rec.Description, rec.CharLimit, rec.UpdatedAt)
		if err != nil {
			return err
		}
		return markDirty(tx, rec.AgentID)
	})
	if err != nil {
		return errors.Wrap(errors.KindIO, "write block", err)
	}
	return nil
}

// GetBlock returns nil without error when no block carries the label.
// Absence is ordinary here, not a failure.
func (s *Store) GetBlock(ctx context.Context, agentID, label string) (*BlockRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT agent_id, label, value, description, char_limit, updated_at
		FROM blocks WHERE agent_id = ? AND label = ?
	`, agentID, label)

	var rec BlockRecord
	err := row.Scan(&rec.AgentID, &rec.Label, &rec.Value, &rec.Description, &rec.CharLimit, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "load block", err)
	}
	return &rec, nil
}

func (s *Store) ListBlocks(ctx context.Context, agentID string) ([]*BlockRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT agent_id, label, value, description, char_limit, updated_at
		FROM blocks WHERE agent_id = ? ORDER BY label
	`, agentID)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "list blocks", err)
	}
	defer rows.Close()

	var blocks []*BlockRecord
	for rows.Next() {
		var rec BlockRecord
		err := rows.Scan(&rec.AgentID, &rec.Label, &rec.Value, &rec.Description, &rec.CharLimit, &rec.UpdatedAt)
		if err != nil {
			return nil, errors.Wrap(errors.KindIO, "scan block", err)
		}
		blocks = append(blocks, &rec)
	}
	return blocks, rows.Err()
}
