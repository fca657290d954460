package store

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS stage_segments (
		source_event_id TEXT PRIMARY KEY,
		deal_id BIGINT NOT NULL,
		pipeline_id BIGINT NOT NULL,
		stage_id BIGINT NOT NULL,
		stage_name TEXT NOT NULL DEFAULT '',
		entered_at TIMESTAMPTZ NOT NULL,
		left_at TIMESTAMPTZ,
		duration_seconds BIGINT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stage_segments_deal
		ON stage_segments (deal_id, entered_at)`,
	`CREATE INDEX IF NOT EXISTS idx_stage_segments_stage
		ON stage_segments (pipeline_id, stage_id, entered_at)`,
	`CREATE TABLE IF NOT EXISTS deal_sync_state (
		deal_id BIGINT PRIMARY KEY,
		updated_at TIMESTAMPTZ NOT NULL,
		raw_object_key TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_deal_sync_state_updated
		ON deal_sync_state (updated_at)`,
	`CREATE TABLE IF NOT EXISTS metric_definitions (
		metric_key TEXT PRIMARY KEY,
		display_title TEXT NOT NULL,
		start_stage_id BIGINT NOT NULL,
		start_pipeline_id BIGINT NOT NULL,
		end_stage_id BIGINT NOT NULL,
		end_pipeline_id BIGINT NOT NULL,
		min_days DOUBLE PRECISION,
		max_days DOUBLE PRECISION,
		comment TEXT NOT NULL DEFAULT '',
		sort_order INTEGER NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// EnsureSchema creates the tables and indexes the service needs. Statements
// are idempotent, so running this on every startup is safe.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	for _, statement := range schemaStatements {
		if _, err := p.pool.Exec(ctx, statement); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
