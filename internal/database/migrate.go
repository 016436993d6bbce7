package database

import (
	"context"
	"fmt"
)

// migrations run in order inside a single connection. Statements are
// idempotent (IF NOT EXISTS / OR REPLACE) so Migrate can be re-run.
var migrations = []string{
	`CREATE SCHEMA IF NOT EXISTS core`,
	`CREATE SCHEMA IF NOT EXISTS jobs`,
	`CREATE SCHEMA IF NOT EXISTS events`,
	`CREATE SCHEMA IF NOT EXISTS audit`,
	`CREATE SCHEMA IF NOT EXISTS search`,

	`CREATE TABLE IF NOT EXISTS core.datasets (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		created_by TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS core.rows (
		row_hash TEXT PRIMARY KEY,
		data     JSONB NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS core.commits (
		commit_id        TEXT PRIMARY KEY,
		dataset_id       TEXT NOT NULL REFERENCES core.datasets(id),
		parent_commit_id TEXT REFERENCES core.commits(commit_id),
		author_id        TEXT NOT NULL,
		message          TEXT NOT NULL DEFAULT '',
		authored_at      TIMESTAMPTZ NOT NULL,
		committed_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS core.commit_rows (
		commit_id      TEXT NOT NULL REFERENCES core.commits(commit_id),
		logical_row_id TEXT NOT NULL,
		row_hash       TEXT NOT NULL REFERENCES core.rows(row_hash),
		PRIMARY KEY (commit_id, logical_row_id)
	)`,

	`CREATE INDEX IF NOT EXISTS commit_rows_row_hash_idx
		ON core.commit_rows (row_hash)`,

	`CREATE TABLE IF NOT EXISTS core.refs (
		dataset_id TEXT NOT NULL REFERENCES core.datasets(id),
		name       TEXT NOT NULL,
		commit_id  TEXT REFERENCES core.commits(commit_id),
		PRIMARY KEY (dataset_id, name)
	)`,

	`CREATE TABLE IF NOT EXISTS core.commit_schemas (
		commit_id         TEXT PRIMARY KEY REFERENCES core.commits(commit_id),
		schema_definition JSONB NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS core.table_analysis (
		commit_id TEXT NOT NULL REFERENCES core.commits(commit_id),
		table_key TEXT NOT NULL,
		analysis  JSONB NOT NULL,
		PRIMARY KEY (commit_id, table_key)
	)`,

	`CREATE TABLE IF NOT EXISTS core.files (
		id               TEXT PRIMARY KEY,
		content_hash     TEXT NOT NULL UNIQUE,
		file_type        TEXT NOT NULL,
		mime_type        TEXT,
		file_path        TEXT NOT NULL,
		file_size        BIGINT NOT NULL,
		reference_count  INT NOT NULL DEFAULT 1 CHECK (reference_count >= 0),
		compression_type TEXT,
		metadata         JSONB NOT NULL DEFAULT '{}'::jsonb,
		storage_type     TEXT NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS jobs.analysis_runs (
		id                TEXT PRIMARY KEY,
		run_type          TEXT NOT NULL,
		dataset_id        TEXT NOT NULL,
		source_commit_id  TEXT,
		user_id           TEXT NOT NULL,
		status            TEXT NOT NULL DEFAULT 'pending',
		run_parameters    JSONB NOT NULL DEFAULT '{}'::jsonb,
		output_summary    JSONB,
		output_file_id    TEXT,
		error_message     TEXT,
		run_timestamp     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at      TIMESTAMPTZ,
		execution_time_ms BIGINT
	)`,

	`CREATE INDEX IF NOT EXISTS analysis_runs_status_idx
		ON jobs.analysis_runs (status, created_at)`,

	`CREATE TABLE IF NOT EXISTS events.domain_events (
		event_id       TEXT PRIMARY KEY,
		event_type     TEXT NOT NULL,
		aggregate_id   TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		payload        JSONB NOT NULL DEFAULT '{}'::jsonb,
		metadata       JSONB NOT NULL DEFAULT '{}'::jsonb,
		occurred_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		user_id        TEXT,
		correlation_id TEXT,
		version        BIGINT NOT NULL,
		UNIQUE (aggregate_id, version)
	)`,

	`CREATE INDEX IF NOT EXISTS domain_events_aggregate_idx
		ON events.domain_events (aggregate_id, version)`,

	`CREATE TABLE IF NOT EXISTS events.aggregate_snapshots (
		aggregate_id   TEXT PRIMARY KEY,
		aggregate_type TEXT NOT NULL,
		version        BIGINT NOT NULL,
		state          JSONB NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS audit.audit_logs (
		id             BIGSERIAL PRIMARY KEY,
		event_id       TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		aggregate_id   TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		user_id        TEXT,
		occurred_at    TIMESTAMPTZ NOT NULL,
		detail         JSONB NOT NULL DEFAULT '{}'::jsonb
	)`,

	`CREATE MATERIALIZED VIEW IF NOT EXISTS search.datasets_summary AS
		SELECT d.id AS dataset_id,
		       d.name,
		       d.created_by,
		       d.created_at,
		       COUNT(DISTINCT c.commit_id) AS commit_count,
		       COUNT(DISTINCT r.name)      AS ref_count,
		       MAX(c.committed_at)         AS last_committed_at
		FROM core.datasets d
		LEFT JOIN core.commits c ON c.dataset_id = d.id
		LEFT JOIN core.refs r    ON r.dataset_id = d.id
		GROUP BY d.id, d.name, d.created_by, d.created_at`,

	// CONCURRENTLY refresh requires a unique index on the view.
	`CREATE UNIQUE INDEX IF NOT EXISTS datasets_summary_dataset_idx
		ON search.datasets_summary (dataset_id)`,
}

// Migrate applies the full schema. Safe to run repeatedly.
func (c *Client) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := c.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	c.logger.Info("schema migrations applied", "count", len(migrations))
	return nil
}

// RefreshSearchView refreshes the search materialised view without
// blocking readers.
func (c *Client) RefreshSearchView(ctx context.Context) error {
	_, err := c.pool.Exec(ctx,
		`REFRESH MATERIALIZED VIEW CONCURRENTLY search.datasets_summary`)
	if err != nil {
		return fmt.Errorf("failed to refresh datasets_summary: %w", err)
	}
	return nil
}
