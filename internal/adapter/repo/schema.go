package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schemaStatements = []string{
	`
CREATE TABLE IF NOT EXISTS imaginations (
    id             UUID PRIMARY KEY,
    user_id        TEXT NOT NULL,
    engine         TEXT NOT NULL,
    params_json    JSONB NOT NULL DEFAULT '{}'::jsonb,
    status         TEXT NOT NULL,
    percentage     INT NOT NULL DEFAULT -1,
    meta_json      JSONB NOT NULL DEFAULT '{}'::jsonb,
    retry_count    INT NOT NULL DEFAULT 0,
    results_json   JSONB NOT NULL DEFAULT '[]'::jsonb,
    error_message  TEXT NOT NULL DEFAULT '',
    usage_id       TEXT,
    bulk_id        UUID,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`,
	`CREATE INDEX IF NOT EXISTS idx_imaginations_bulk ON imaginations (bulk_id) WHERE bulk_id IS NOT NULL;`,
	`CREATE INDEX IF NOT EXISTS idx_imaginations_awaiting ON imaginations (updated_at) WHERE status NOT IN ('completed', 'error', 'cancelled', 'none', 'draft');`,
	`
CREATE TABLE IF NOT EXISTS imagination_bulks (
    id                UUID PRIMARY KEY,
    user_id           TEXT NOT NULL,
    params_json       JSONB NOT NULL DEFAULT '{}'::jsonb,
    combinations_json JSONB NOT NULL DEFAULT '[]'::jsonb,
    total_tasks       INT NOT NULL DEFAULT 0,
    total_completed   INT NOT NULL DEFAULT 0,
    total_failed      INT NOT NULL DEFAULT 0,
    results_json      JSONB NOT NULL DEFAULT '[]'::jsonb,
    errors_json       JSONB NOT NULL DEFAULT '[]'::jsonb,
    status            TEXT NOT NULL,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    completed_at      TIMESTAMPTZ
);`,
	`
CREATE TABLE IF NOT EXISTS audit_entries (
    id         UUID PRIMARY KEY,
    entity_id  UUID NOT NULL,
    message    TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`,
	`CREATE INDEX IF NOT EXISTS idx_audit_entries_entity ON audit_entries (entity_id, created_at);`,
}

// EnsureSchema creates the tables and indexes this service needs. Statements
// are idempotent so it runs unconditionally at startup.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
