package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"
	"unicode"

	"github.com/adalundhe/strata/core/errors"
)

// ArchivalRecord is one archival memory entry. Seq is assigned at
// insert time and increases monotonically within (agent_id, folder);
// ID is a globally unique, lexically sortable identifier.
type ArchivalRecord struct {
	ID        string
	AgentID   string
	Folder    string
	Seq       int64
	Content   string
	Embedding []byte
	CreatedAt time.Time
}

// ArchivalMatch pairs a record with its full-text relevance score.
// Higher scores are better matches.
type ArchivalMatch struct {
	Record *ArchivalRecord
	Score  float64
}

// InsertArchival assigns the next sequence number for the entry's
// folder and inserts it, returning the assigned seq. The read and the
// write share a transaction; callers serialize same-folder appends.
func (s *Store) InsertArchival(ctx context.Context, rec *ArchivalRecord) (int64, error) {
	var seq int64
	err := s.pool.Transaction(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRow(`
			SELECT COALESCE(MAX(seq), 0) + 1 FROM archival
			WHERE agent_id = ? AND folder = ?
		`, rec.AgentID, rec.Folder).Scan(&seq)
		if err != nil {
			return err
		}

		_, err = tx.Exec(`
			INSERT INTO archival (id, agent_id, folder, seq, content, embedding, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, rec.ID, rec.AgentID, rec.Folder, seq, rec.Content, rec.Embedding, rec.CreatedAt)
		if err != nil {
			return err
		}
		return markDirty(tx, rec.AgentID)
	})
	if err != nil {
		return 0, errors.Wrap(errors.KindIO, "insert archival entry", err)
	}
	rec.Seq = seq
	return seq, nil
}

// SearchArchivalText runs a full-text query over the agent's archival
// entries and returns matches ranked best-first. An empty folder means
// all folders. An empty or symbol-only query yields no matches rather
// than an FTS syntax error.
func (s *Store) SearchArchivalText(ctx context.Context, agentID, folder, query string, limit int) ([]*ArchivalMatch, error) {
	match := ftsQuery(query)
	if match == "" || limit <= 0 {
		return nil, nil
	}

	stmt := `
		SELECT a.id, a.agent_id, a.folder, a.seq, a.content, a.embedding, a.created_at,
		       bm25(archival_fts) AS score
		FROM archival a
		JOIN archival_fts fts ON a.id = fts.id
		WHERE archival_fts MATCH ? AND a.agent_id = ?
	`
	args := []any{match, agentID}
	if folder != "" {
		stmt += ` AND a.folder = ?`
		args = append(args, folder)
	}
	stmt += ` ORDER BY score LIMIT ?`
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, stmt, args...)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "search archival", err)
	}
	defer rows.Close()

	var matches []*ArchivalMatch
	for rows.Next() {
		var rec ArchivalRecord
		var score float64
		err := rows.Scan(&rec.ID, &rec.AgentID, &rec.Folder, &rec.Seq, &rec.Content, &rec.Embedding, &rec.CreatedAt, &score)
		if err != nil {
			return nil, errors.Wrap(errors.KindIO, "scan archival match", err)
		}
		// bm25 reports lower-is-better; flip so callers rank descending.
		matches = append(matches, &ArchivalMatch{Record: &rec, Score: -score})
	}
	return matches, rows.Err()
}

// ListArchival returns entries newest-first by sequence. limit <= 0
// returns the whole folder.
func (s *Store) ListArchival(ctx context.Context, agentID, folder string, limit int) ([]*ArchivalRecord, error) {
	query := `
		SELECT id, agent_id, folder, seq, content, embedding, created_at
		FROM archival WHERE agent_id = ? AND folder = ? ORDER BY seq DESC
	`
	args := []any{agentID, folder}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "list archival", err)
	}
	defer rows.Close()
	return scanArchivalRows(rows)
}

// ListArchivalEmbedded returns entries that carry an embedding, for
// vector scoring. An empty folder means all folders.
func (s *Store) ListArchivalEmbedded(ctx context.Context, agentID, folder string) ([]*ArchivalRecord, error) {
	stmt := `
		SELECT id, agent_id, folder, seq, content, embedding, created_at
		FROM archival WHERE agent_id = ? AND embedding IS NOT NULL
	`
	args := []any{agentID}
	if folder != "" {
		stmt += ` AND folder = ?`
		args = append(args, folder)
	}
	stmt += ` ORDER BY created_at DESC, seq DESC`

	rows, err := s.pool.Query(ctx, stmt, args...)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "list embedded archival", err)
	}
	defer rows.Close()
	return scanArchivalRows(rows)
}

func (s *Store) CountArchival(ctx context.Context, agentID, folder string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM archival WHERE agent_id = ? AND folder = ?
	`, agentID, folder).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(errors.KindIO, "count archival", err)
	}
	return count, nil
}

func (s *Store) ListFolders(ctx context.Context, agentID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT folder FROM archival WHERE agent_id = ? ORDER BY folder
	`, agentID)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "list folders", err)
	}
	defer rows.Close()

	var folders []string
	for rows.Next() {
		var folder string
		if err := rows.Scan(&folder); err != nil {
			return nil, errors.Wrap(errors.KindIO, "scan folder", err)
		}
		folders = append(folders, folder)
	}
	return folders, rows.Err()
}

func scanArchivalRows(rows *sql.Rows) ([]*ArchivalRecord, error) {
	var records []*ArchivalRecord
	for rows.Next() {
		var rec ArchivalRecord
		err := rows.Scan(&rec.ID, &rec.AgentID, &rec.Folder, &rec.Seq, &rec.Content, &rec.Embedding, &rec.CreatedAt)
		if err != nil {
			return nil, errors.Wrap(errors.KindIO, "scan archival entry", err)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// ftsQuery rewrites free text into a safe FTS5 expression: each term
// quoted, terms OR-joined so partial matches still rank.
func ftsQuery(query string) string {
	terms := strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(terms) == 0 {
		return ""
	}

	quoted := make([]string, len(terms))
	for i, term := range terms {
		quoted[i] = `"` + term + `"`
	}
	return strings.Join(quoted, " OR ")
}
