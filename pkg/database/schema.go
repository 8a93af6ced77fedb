package database

import (
	"context"
	"fmt"
)

// schemaSQL creates every table the service reads or writes.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS principals (
    id UUID PRIMARY KEY,
    email TEXT NOT NULL,
    plan_tier TEXT NOT NULL DEFAULT 'free',
    status TEXT NOT NULL DEFAULT 'active',
    stripe_customer_id TEXT UNIQUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS api_keys (
    key_hash TEXT PRIMARY KEY,
    principal_id UUID NOT NULL REFERENCES principals(id) ON DELETE CASCADE,
    revoked_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS tools (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL,
    system_prompt TEXT NOT NULL DEFAULT '',
    max_tokens INTEGER NOT NULL DEFAULT 1024,
    enabled BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS daily_quotas (
    principal_id TEXT PRIMARY KEY,
    daily_count BIGINT NOT NULL DEFAULT 0,
    last_action_date DATE NOT NULL,
    lifetime_count BIGINT NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS tool_stats (
    tool_id TEXT PRIMARY KEY,
    invocations BIGINT NOT NULL DEFAULT 0,
    avg_response_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
    last_invoked_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS usage_events (
    commit_id UUID PRIMARY KEY,
    principal_id TEXT NOT NULL,
    action_class TEXT NOT NULL,
    tool_id TEXT,
    usage_date DATE NOT NULL,
    success BOOLEAN NOT NULL,
    duration_ms BIGINT NOT NULL,
    error TEXT,
    committed_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_events_principal_date ON usage_events(principal_id, usage_date);
`

// Migrate creates missing tables. It is safe to run on every start.
func (db *Database) Migrate(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
