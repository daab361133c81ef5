package postgres

import (
	"fmt"

	"github.com/scrypster/ltm/internal/storage/sqlstore"
)

// migrations returns the PostgreSQL schema history. The embedding column is
// sized to the configured dimension so that an HNSW index can be built.
func migrations(dimension int) []sqlstore.Migration {
	return []sqlstore.Migration{
		{
			Version: 1,
			Name:    "initial",
			SQL: fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

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
	confidence DOUBLE PRECISION NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
	verified BOOLEAN NOT NULL DEFAULT FALSE,
	verification_state TEXT NOT NULL DEFAULT 'unverified',
	verified_at TIMESTAMPTZ,
	verification_note TEXT NOT NULL DEFAULT '',
	asked_at TIMESTAMPTZ,
	embedding vector(%d) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	last_accessed_at TIMESTAMPTZ,
	access_count INTEGER NOT NULL DEFAULT 0,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	temporal TEXT
);

CREATE INDEX IF NOT EXISTS idx_memories_owner ON memories (user_id, scope, active, category);
CREATE INDEX IF NOT EXISTS idx_memories_created ON memories (created_at);

CREATE UNIQUE INDEX IF NOT EXISTS uq_memories_active_text
	ON memories (user_id, scope, category, normalized_text) WHERE active;

CREATE INDEX IF NOT EXISTS idx_memories_embedding
	ON memories USING hnsw (embedding vector_cosine_ops);

CREATE TABLE IF NOT EXISTS edges (
	source_id TEXT NOT NULL REFERENCES memories (id) ON DELETE CASCADE,
	target_id TEXT NOT NULL REFERENCES memories (id) ON DELETE CASCADE,
	edge_type TEXT NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (source_id, target_id, edge_type),
	CHECK (source_id <> target_id)
);

CREATE INDEX IF NOT EXISTS idx_edges_target ON edges (target_id);

CREATE TABLE IF NOT EXISTS confidence_audit (
	id BIGSERIAL PRIMARY KEY,
	memory_id TEXT NOT NULL REFERENCES memories (id) ON DELETE CASCADE,
	old_value DOUBLE PRECISION NOT NULL,
	new_value DOUBLE PRECISION NOT NULL,
	reason TEXT NOT NULL,
	changed_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_confidence_audit_memory ON confidence_audit (memory_id);
`, dimension),
		},
	}
}
