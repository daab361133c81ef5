package sqlite

import "github.com/scrypster/ltm/internal/storage/sqlstore"

// migrations is the SQLite schema history. Append new steps; never edit an
// applied one.
var migrations = []sqlstore.Migration{
	{
		Version: 1,
		Name:    "initial",
		SQL: `
CREATE TABLE IF NOT EXISTS store_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS memories (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	scope TEXT NOT NULL,
	content TEXT NOT NULL,
	normalized_text TEXT NOT NULL,
	category TEXT NOT NULL,
	memory_type TEXT NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	details TEXT,
	confidence REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
	verified BOOLEAN NOT NULL DEFAULT 0,
	verification_state TEXT NOT NULL DEFAULT 'unverified',
	verified_at TIMESTAMP,
	verification_note TEXT NOT NULL DEFAULT '',
	asked_at TIMESTAMP,
	embedding BLOB NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	last_accessed_at TIMESTAMP,
	access_count INTEGER NOT NULL DEFAULT 0,
	active BOOLEAN NOT NULL DEFAULT 1,
	temporal TEXT
);

CREATE INDEX IF NOT EXISTS idx_memories_owner ON memories (user_id, scope, active, category);
CREATE INDEX IF NOT EXISTS idx_memories_created ON memories (created_at);

-- At most one active memory per owner and category with the same normalized text.
CREATE UNIQUE INDEX IF NOT EXISTS uq_memories_active_text
	ON memories (user_id, scope, category, normalized_text) WHERE active = 1;

CREATE TABLE IF NOT EXISTS edges (
	source_id TEXT NOT NULL REFERENCES memories (id) ON DELETE CASCADE,
	target_id TEXT NOT NULL REFERENCES memories (id) ON DELETE CASCADE,
	edge_type TEXT NOT NULL,
	confidence REAL NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (source_id, target_id, edge_type),
	CHECK (source_id <> target_id)
);

CREATE INDEX IF NOT EXISTS idx_edges_target ON edges (target_id);

CREATE TABLE IF NOT EXISTS confidence_audit (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	memory_id TEXT NOT NULL REFERENCES memories (id) ON DELETE CASCADE,
	old_value REAL NOT NULL,
	new_value REAL NOT NULL,
	reason TEXT NOT NULL,
	changed_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_confidence_audit_memory ON confidence_audit (memory_id);
`,
	},
}
