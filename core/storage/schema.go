package storage

import (
	"database/sql"

	"github.com/adalundhe/strata/core/database"
)

const schemaV1 = `
-- ==========================================================================
-- Agents and their composable memory blocks
-- ==========================================================================

CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	system_prompt TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS blocks (
	agent_id TEXT NOT NULL,
	label TEXT NOT NULL,
	value TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	char_limit INTEGER NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (agent_id, label),
	FOREIGN KEY (agent_id) REFERENCES agents(id) ON DELETE CASCADE
);

-- ==========================================================================
-- Conversation history
-- ==========================================================================

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	tool_calls JSON,
	tool_results JSON,
	created_at TIMESTAMP NOT NULL,
	FOREIGN KEY (agent_id) REFERENCES agents(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_messages_agent ON messages(agent_id, created_at);

-- ==========================================================================
-- Archival memory with per-folder sequence numbers
-- ==========================================================================

CREATE TABLE IF NOT EXISTS archival (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	folder TEXT NOT NULL,
	seq INTEGER NOT NULL,
	content TEXT NOT NULL,
	embedding BLOB,
	created_at TIMESTAMP NOT NULL,
	UNIQUE (agent_id, folder, seq),
	FOREIGN KEY (agent_id) REFERENCES agents(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_archival_created ON archival(agent_id, created_at);

-- Full-text search index over archival content
CREATE VIRTUAL TABLE IF NOT EXISTS archival_fts USING fts5(
	id,
	content,
	content='archival',
	content_rowid='rowid'
);

-- Triggers to keep the FTS index in sync. The 'delete' commands must
-- carry the content rowid, or cascade deletes leave ghost rows that
-- corrupt every later query against the index.
CREATE TRIGGER IF NOT EXISTS archival_ai AFTER INSERT ON archival BEGIN
	INSERT INTO archival_fts(rowid, id, content)
	VALUES (new.rowid, new.id, new.content);
END;

CREATE TRIGGER IF NOT EXISTS archival_ad AFTER DELETE ON archival BEGIN
	INSERT INTO archival_fts(archival_fts, rowid, id, content)
	VALUES ('delete', old.rowid, old.id, old.content);
END;

CREATE TRIGGER IF NOT EXISTS archival_au AFTER UPDATE ON archival BEGIN
	INSERT INTO archival_fts(archival_fts, rowid, id, content)
	VALUES ('delete', old.rowid, old.id, old.content);
	INSERT INTO archival_fts(rowid, id, content)
	VALUES (new.rowid, new.id, new.content);
END;

-- ==========================================================================
-- Sync and conversation state, one row per agent
-- ==========================================================================

CREATE TABLE IF NOT EXISTS sync_state (
	agent_id TEXT PRIMARY KEY,
	local_version INTEGER NOT NULL DEFAULT 0,
	cloud_version INTEGER NOT NULL DEFAULT 0,
	last_synced_at TIMESTAMP,
	dirty INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY (agent_id) REFERENCES agents(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS conversation_state (
	agent_id TEXT PRIMARY KEY,
	phase TEXT NOT NULL DEFAULT 'idle',
	pending_calls JSON,
	updated_at TIMESTAMP NOT NULL,
	FOREIGN KEY (agent_id) REFERENCES agents(id) ON DELETE CASCADE
);
`

const dropV1 = `
DROP TABLE IF EXISTS conversation_state;
DROP TABLE IF EXISTS sync_state;
DROP TRIGGER IF EXISTS archival_au;
DROP TRIGGER IF EXISTS archival_ad;
DROP TRIGGER IF EXISTS archival_ai;
DROP TABLE IF EXISTS archival_fts;
DROP TABLE IF EXISTS archival;
DROP TABLE IF EXISTS messages;
DROP TABLE IF EXISTS blocks;
DROP TABLE IF EXISTS agents;
`

// Migrations returns the ordered schema history for the agent store.
func Migrations() []database.Migration {
	return []database.Migration{
		{
			Version:     1,
			Description: "agent store baseline",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(schemaV1)
				return err
			},
			Down: func(tx *sql.Tx) error {
				_, err := tx.Exec(dropV1)
				return err
			},
		},
	}
}
