package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/plantedlabs/venuescout/internal/discovery"
)

// StrategyStore implements discovery.StrategyStore using Postgres.
type StrategyStore struct {
	pool querier
}

// NewStrategyStore constructs a StrategyStore over an open pool.
func NewStrategyStore(pool querier) *StrategyStore {
	return &StrategyStore{pool: pool}
}

const strategyColumns = `
	id, platform, country, template, success_rate, total_uses,
	successful_discoveries, false_positives, origin, parent_strategy_id,
	tags, deprecated_at, deprecated_reason, created_at, last_used_at`

// CreateStrategy inserts a new strategy row.
func (s *StrategyStore) CreateStrategy(ctx context.Context, strat discovery.Strategy) error {
	tags, err := json.Marshal(strat.Tags)
	if err != nil {
		return fmt.Errorf("marshal strategy tags: %w", err)
	}
	query := `
		INSERT INTO strategies (` + strategyColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15);`
	_, err = s.pool.Exec(ctx, query,
		strat.ID,
		strat.Platform,
		strat.Country,
		strat.Template,
		strat.SuccessRate,
		strat.TotalUses,
		strat.SuccessfulDiscoveries,
		strat.FalsePositives,
		strat.Origin,
		nullString(strat.ParentID),
		tags,
		strat.DeprecatedAt,
		nullString(strat.DeprecatedReason),
		strat.CreatedAt,
		strat.LastUsedAt,
	)
	if err != nil {
		return fmt.Errorf("insert strategy: %w", err)
	}
	return nil
}

// GetStrategy fetches one strategy by ID.
func (s *StrategyStore) GetStrategy(ctx context.Context, id string) (discovery.Strategy, error) {
	query := `SELECT ` + strategyColumns + ` FROM strategies WHERE id = $1;`
	strat, err := scanStrategy(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return discovery.Strategy{}, discovery.ErrNotFound
		}
		return discovery.Strategy{}, fmt.Errorf("get strategy: %w", err)
	}
	return strat, nil
}

// ListStrategies returns strategies for a platform and country. Empty filter
// values match everything.
func (s *StrategyStore) ListStrategies(ctx context.Context, platform, country string) ([]discovery.Strategy, error) {
	query := `
		SELECT ` + strategyColumns + `
		FROM strategies
		WHERE ($1 = '' OR platform = $1)
		  AND ($2 = '' OR country = $2)
		ORDER BY created_at;`
	rows, err := s.pool.Query(ctx, query, platform, country)
	if err != nil {
		return nil, fmt.Errorf("list strategies: %w", err)
	}
	defer rows.Close()

	var out []discovery.Strategy
	for rows.Next() {
		strat, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan strategy row: %w", err)
		}
		out = append(out, strat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate strategies: %w", err)
	}
	return out, nil
}

// UpdateStrategy replaces an existing strategy row.
func (s *StrategyStore) UpdateStrategy(ctx context.Context, strat discovery.Strategy) error {
	tags, err := json.Marshal(strat.Tags)
	if err != nil {
		return fmt.Errorf("marshal strategy tags: %w", err)
	}
	query := `
		UPDATE strategies SET
			template = $2,
			success_rate = $3,
			total_uses = $4,
			successful_discoveries = $5,
			false_positives = $6,
			tags = $7,
			deprecated_at = $8,
			deprecated_reason = $9,
			last_used_at = $10
		WHERE id = $1;`
	tag, err := s.pool.Exec(ctx, query,
		strat.ID,
		strat.Template,
		strat.SuccessRate,
		strat.TotalUses,
		strat.SuccessfulDiscoveries,
		strat.FalsePositives,
		tags,
		strat.DeprecatedAt,
		nullString(strat.DeprecatedReason),
		strat.LastUsedAt,
	)
	if err != nil {
		return fmt.Errorf("update strategy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return discovery.ErrNotFound
	}
	return nil
}

func scanStrategy(row pgx.Row) (discovery.Strategy, error) {
	var (
		strat    discovery.Strategy
		parentID *string
		reason   *string
		tags     []byte
	)
	err := row.Scan(
		&strat.ID,
		&strat.Platform,
		&strat.Country,
		&strat.Template,
		&strat.SuccessRate,
		&strat.TotalUses,
		&strat.SuccessfulDiscoveries,
		&strat.FalsePositives,
		&strat.Origin,
		&parentID,
		&tags,
		&strat.DeprecatedAt,
		&reason,
		&strat.CreatedAt,
		&strat.LastUsedAt,
	)
	if err != nil {
		return discovery.Strategy{}, err
	}
	if parentID != nil {
		strat.ParentID = *parentID
	}
	if reason != nil {
		strat.DeprecatedReason = *reason
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &strat.Tags); err != nil {
			return discovery.Strategy{}, fmt.Errorf("unmarshal strategy tags: %w", err)
		}
	}
	return strat, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
