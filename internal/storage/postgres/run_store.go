package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/plantedlabs/venuescout/internal/discovery"
)

// RunStore implements discovery.RunStore using Postgres. Run config and the
// log ring are stored as JSONB; progress and cost counters get their own
// columns so dashboards can query them directly.
type RunStore struct {
	pool querier
}

// NewRunStore constructs a RunStore over an open pool.
func NewRunStore(pool querier) *RunStore {
	return &RunStore{pool: pool}
}

const runColumns = `
	id, kind, status, config, current_units, total_units,
	search_queries, ai_calls, estimated_spend, log, eta,
	cancelled_at, cancelled_by, started_at, completed_at`

// CreateRun inserts a new run row.
func (s *RunStore) CreateRun(ctx context.Context, run discovery.Run) error {
	cfg, logJSON, err := marshalRunBlobs(run)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO runs (` + runColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15);`
	_, err = s.pool.Exec(ctx, query,
		run.ID,
		run.Kind,
		run.Status,
		cfg,
		run.Progress.Current,
		run.Progress.Total,
		run.Costs.SearchQueries,
		run.Costs.AICalls,
		run.Costs.EstimatedSpend,
		logJSON,
		run.ETA,
		run.CancelledAt,
		nullString(run.CancelledBy),
		run.StartedAt,
		run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun fetches one run by ID.
func (s *RunStore) GetRun(ctx context.Context, id string) (discovery.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1;`
	run, err := scanRun(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return discovery.Run{}, discovery.ErrNotFound
		}
		return discovery.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// UpdateRun replaces a run row.
func (s *RunStore) UpdateRun(ctx context.Context, run discovery.Run) error {
	cfg, logJSON, err := marshalRunBlobs(run)
	if err != nil {
		return err
	}
	query := `
		UPDATE runs SET
			status = $2,
			config = $3,
			current_units = $4,
			total_units = $5,
			search_queries = $6,
			ai_calls = $7,
			estimated_spend = $8,
			log = $9,
			eta = $10,
			cancelled_at = $11,
			cancelled_by = $12,
			completed_at = $13
		WHERE id = $1;`
	tag, err := s.pool.Exec(ctx, query,
		run.ID,
		run.Status,
		cfg,
		run.Progress.Current,
		run.Progress.Total,
		run.Costs.SearchQueries,
		run.Costs.AICalls,
		run.Costs.EstimatedSpend,
		logJSON,
		run.ETA,
		run.CancelledAt,
		nullString(run.CancelledBy),
		run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return discovery.ErrNotFound
	}
	return nil
}

// ListRuns returns runs ordered by start time descending, optionally filtered
// by status.
func (s *RunStore) ListRuns(
	ctx context.Context,
	status *discovery.RunStatus,
	limit, offset int,
) ([]discovery.Run, error) {
	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;`
	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []discovery.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

func marshalRunBlobs(run discovery.Run) (cfg, logJSON []byte, err error) {
	cfg, err = json.Marshal(run.Config)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal run config: %w", err)
	}
	logJSON, err = json.Marshal(run.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal run log: %w", err)
	}
	return cfg, logJSON, nil
}

func scanRun(row pgx.Row) (discovery.Run, error) {
	var (
		run         discovery.Run
		cfg         []byte
		logJSON     []byte
		cancelledBy *string
	)
	err := row.Scan(
		&run.ID,
		&run.Kind,
		&run.Status,
		&cfg,
		&run.Progress.Current,
		&run.Progress.Total,
		&run.Costs.SearchQueries,
		&run.Costs.AICalls,
		&run.Costs.EstimatedSpend,
		&logJSON,
		&run.ETA,
		&run.CancelledAt,
		&cancelledBy,
		&run.StartedAt,
		&run.CompletedAt,
	)
	if err != nil {
		return discovery.Run{}, err
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &run.Config); err != nil {
			return discovery.Run{}, fmt.Errorf("unmarshal run config: %w", err)
		}
	}
	if len(logJSON) > 0 {
		if err := json.Unmarshal(logJSON, &run.Log); err != nil {
			return discovery.Run{}, fmt.Errorf("unmarshal run log: %w", err)
		}
	}
	if cancelledBy != nil {
		run.CancelledBy = *cancelledBy
	}
	if run.Progress.Total > 0 {
		run.Progress.Percentage = 100 * float64(run.Progress.Current) / float64(run.Progress.Total)
	}
	return run, nil
}
