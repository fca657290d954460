package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"salesflow/services/dealflow/internal/flow"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
)

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}

	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Health(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// UpsertSegments writes a deal's derived segments. The source event ID is
// the only deduplication key: an existing segment is counted as skipped,
// though its closing fields (left_at, duration_seconds) and display name
// are refreshed so a re-sync can close a previously open segment. Stage
// identity and entry time never change after first insert.
func (p *Postgres) UpsertSegments(ctx context.Context, segments []flow.StageSegment) (UpsertResult, error) {
	result := UpsertResult{}
	if len(segments) == 0 {
		return result, nil
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return UpsertResult{}, err
	}
	defer tx.Rollback(ctx)

	for _, segment := range segments {
		freshInsert := false
		err := tx.QueryRow(
			ctx,
			`INSERT INTO stage_segments
			   (source_event_id, deal_id, pipeline_id, stage_id, stage_name, entered_at, left_at, duration_seconds)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (source_event_id) DO UPDATE
			 SET stage_name = EXCLUDED.stage_name,
			     left_at = EXCLUDED.left_at,
			     duration_seconds = EXCLUDED.duration_seconds
			 RETURNING (xmax = 0)`,
			segment.SourceEventID,
			segment.DealID,
			segment.PipelineID,
			segment.StageID,
			segment.StageName,
			segment.EnteredAt,
			segment.LeftAt,
			segment.DurationSeconds,
		).Scan(&freshInsert)
		if err != nil {
			return UpsertResult{}, fmt.Errorf("upsert segment %s: %w", segment.SourceEventID, err)
		}

		if freshInsert {
			result.Inserted++
		} else {
			result.Skipped++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return UpsertResult{}, err
	}

	return result, nil
}

func (p *Postgres) SegmentsForDeal(ctx context.Context, dealID int) ([]flow.StageSegment, error) {
	rows, err := p.pool.Query(
		ctx,
		`SELECT source_event_id, deal_id, pipeline_id, stage_id, stage_name, entered_at, left_at, duration_seconds
		 FROM stage_segments
		 WHERE deal_id = $1
		 ORDER BY entered_at ASC, source_event_id ASC`,
		dealID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	segments := make([]flow.StageSegment, 0)
	for rows.Next() {
		var segment flow.StageSegment
		if err := rows.Scan(
			&segment.SourceEventID,
			&segment.DealID,
			&segment.PipelineID,
			&segment.StageID,
			&segment.StageName,
			&segment.EnteredAt,
			&segment.LeftAt,
			&segment.DurationSeconds,
		); err != nil {
			return nil, err
		}
		segments = append(segments, segment)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return segments, nil
}

func (p *Postgres) RecordDealSynced(ctx context.Context, dealID int, syncedAt time.Time, rawObjectKey string) error {
	_, err := p.pool.Exec(
		ctx,
		`INSERT INTO deal_sync_state (deal_id, updated_at, raw_object_key)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (deal_id) DO UPDATE
		 SET updated_at = EXCLUDED.updated_at,
		     raw_object_key = CASE WHEN EXCLUDED.raw_object_key <> '' THEN EXCLUDED.raw_object_key
		                           ELSE deal_sync_state.raw_object_key END`,
		dealID,
		syncedAt,
		rawObjectKey,
	)
	return err
}

// DealIDsForWindow lists deals reconciled within the trailing periodDays
// window; a non-positive window selects every tracked deal.
func (p *Postgres) DealIDsForWindow(ctx context.Context, periodDays int) ([]int, error) {
	query := `SELECT deal_id FROM deal_sync_state ORDER BY deal_id ASC`
	args := []any{}
	if periodDays > 0 {
		query = `SELECT deal_id FROM deal_sync_state WHERE updated_at >= $1 ORDER BY deal_id ASC`
		args = append(args, time.Now().UTC().AddDate(0, 0, -periodDays))
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	dealIDs := make([]int, 0)
	for rows.Next() {
		var dealID int
		if err := rows.Scan(&dealID); err != nil {
			return nil, err
		}
		dealIDs = append(dealIDs, dealID)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return dealIDs, nil
}

func (p *Postgres) RawObjectKeyForDeal(ctx context.Context, dealID int) (string, error) {
	objectKey := ""
	err := p.pool.QueryRow(
		ctx,
		`SELECT raw_object_key FROM deal_sync_state WHERE deal_id = $1`,
		dealID,
	).Scan(&objectKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return objectKey, nil
}

const metricDefinitionColumns = `metric_key, display_title,
	start_stage_id, start_pipeline_id, end_stage_id, end_pipeline_id,
	min_days, max_days, comment, sort_order, is_active, created_at, updated_at`

func (p *Postgres) CreateMetricDefinition(ctx context.Context, metric flow.MetricDefinition) (flow.MetricDefinition, error) {
	row := p.pool.QueryRow(
		ctx,
		`INSERT INTO metric_definitions
		   (metric_key, display_title, start_stage_id, start_pipeline_id, end_stage_id, end_pipeline_id,
		    min_days, max_days, comment, sort_order, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING `+metricDefinitionColumns,
		metric.MetricKey,
		metric.DisplayTitle,
		metric.StartStage.StageID,
		metric.StartStage.PipelineID,
		metric.EndStage.StageID,
		metric.EndStage.PipelineID,
		metric.Thresholds.MinDays,
		metric.Thresholds.MaxDays,
		metric.Comment,
		metric.SortOrder,
		metric.IsActive,
	)

	stored, err := scanMetricDefinition(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return flow.MetricDefinition{}, fmt.Errorf("metric %s: %w", metric.MetricKey, ErrDuplicateKey)
		}
		return flow.MetricDefinition{}, err
	}
	return stored, nil
}

func (p *Postgres) UpdateMetricDefinition(ctx context.Context, metric flow.MetricDefinition) (flow.MetricDefinition, error) {
	row := p.pool.QueryRow(
		ctx,
		`UPDATE metric_definitions
		 SET display_title = $2,
		     start_stage_id = $3,
		     start_pipeline_id = $4,
		     end_stage_id = $5,
		     end_pipeline_id = $6,
		     min_days = $7,
		     max_days = $8,
		     comment = $9,
		     sort_order = $10,
		     is_active = $11,
		     updated_at = now()
		 WHERE metric_key = $1
		 RETURNING `+metricDefinitionColumns,
		metric.MetricKey,
		metric.DisplayTitle,
		metric.StartStage.StageID,
		metric.StartStage.PipelineID,
		metric.EndStage.StageID,
		metric.EndStage.PipelineID,
		metric.Thresholds.MinDays,
		metric.Thresholds.MaxDays,
		metric.Comment,
		metric.SortOrder,
		metric.IsActive,
	)

	stored, err := scanMetricDefinition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return flow.MetricDefinition{}, fmt.Errorf("metric %s: %w", metric.MetricKey, ErrNotFound)
	}
	if err != nil {
		return flow.MetricDefinition{}, err
	}
	return stored, nil
}

func (p *Postgres) DeleteMetricDefinition(ctx context.Context, metricKey string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM metric_definitions WHERE metric_key = $1`, metricKey)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("metric %s: %w", metricKey, ErrNotFound)
	}
	return nil
}

func (p *Postgres) GetMetricDefinition(ctx context.Context, metricKey string) (flow.MetricDefinition, error) {
	row := p.pool.QueryRow(
		ctx,
		`SELECT `+metricDefinitionColumns+` FROM metric_definitions WHERE metric_key = $1`,
		metricKey,
	)

	stored, err := scanMetricDefinition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return flow.MetricDefinition{}, fmt.Errorf("metric %s: %w", metricKey, ErrNotFound)
	}
	if err != nil {
		return flow.MetricDefinition{}, err
	}
	return stored, nil
}

func (p *Postgres) ListMetricDefinitions(ctx context.Context, activeOnly bool) ([]flow.MetricDefinition, error) {
	query := `SELECT ` + metricDefinitionColumns + ` FROM metric_definitions ORDER BY sort_order ASC, metric_key ASC`
	if activeOnly {
		query = `SELECT ` + metricDefinitionColumns + ` FROM metric_definitions
			 WHERE is_active ORDER BY sort_order ASC, metric_key ASC`
	}

	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	metrics := make([]flow.MetricDefinition, 0)
	for rows.Next() {
		metric, err := scanMetricDefinition(rows)
		if err != nil {
			return nil, err
		}
		metrics = append(metrics, metric)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return metrics, nil
}

func scanMetricDefinition(row pgx.Row) (flow.MetricDefinition, error) {
	metric := flow.MetricDefinition{}
	err := row.Scan(
		&metric.MetricKey,
		&metric.DisplayTitle,
		&metric.StartStage.StageID,
		&metric.StartStage.PipelineID,
		&metric.EndStage.StageID,
		&metric.EndStage.PipelineID,
		&metric.Thresholds.MinDays,
		&metric.Thresholds.MaxDays,
		&metric.Comment,
		&metric.SortOrder,
		&metric.IsActive,
		&metric.CreatedAt,
		&metric.UpdatedAt,
	)
	if err != nil {
		return flow.MetricDefinition{}, err
	}
	return metric, nil
}
