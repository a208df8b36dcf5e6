package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/plantedlabs/venuescout/internal/discovery"
)

// CandidateStore implements discovery.CandidateStore using Postgres.
// Confidence factors are stored as JSONB so reviewers can see the full
// score breakdown.
type CandidateStore struct {
	pool querier
}

// NewCandidateStore constructs a CandidateStore over an open pool.
func NewCandidateStore(pool querier) *CandidateStore {
	return &CandidateStore{pool: pool}
}

const candidateColumns = `
	id, run_id, strategy_id, kind, name, url, platform, city,
	description, price, confidence_score, confidence_factors,
	status, snapshot_uri, discovered_at`

// CreateCandidate inserts a new candidate row.
func (s *CandidateStore) CreateCandidate(ctx context.Context, c discovery.Candidate) error {
	factors, err := json.Marshal(c.Factors)
	if err != nil {
		return fmt.Errorf("marshal confidence factors: %w", err)
	}
	query := `
		INSERT INTO candidates (` + candidateColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15);`
	_, err = s.pool.Exec(ctx, query,
		c.ID,
		c.RunID,
		nullString(c.StrategyID),
		c.Kind,
		c.Name,
		c.URL,
		c.Platform,
		nullString(c.City),
		nullString(c.Description),
		nullString(c.Price),
		c.Confidence,
		factors,
		c.Status,
		nullString(c.SnapshotURI),
		c.DiscoveredAt,
	)
	if err != nil {
		return fmt.Errorf("insert candidate: %w", err)
	}
	return nil
}

// GetCandidate fetches one candidate by ID.
func (s *CandidateStore) GetCandidate(ctx context.Context, id string) (discovery.Candidate, error) {
	query := `SELECT ` + candidateColumns + ` FROM candidates WHERE id = $1;`
	c, err := scanCandidate(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return discovery.Candidate{}, discovery.ErrNotFound
		}
		return discovery.Candidate{}, fmt.Errorf("get candidate: %w", err)
	}
	return c, nil
}

// ListCandidates returns candidates ordered by discovery time descending,
// optionally filtered by status.
func (s *CandidateStore) ListCandidates(
	ctx context.Context,
	status *discovery.CandidateStatus,
	limit, offset int,
) ([]discovery.Candidate, error) {
	query := `
		SELECT ` + candidateColumns + `
		FROM candidates
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY discovered_at DESC
		LIMIT $2 OFFSET $3;`
	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	defer rows.Close()

	var out []discovery.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candidate row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}
	return out, nil
}

// UpdateCandidateStatus moves a candidate to a new review status.
func (s *CandidateStore) UpdateCandidateStatus(
	ctx context.Context,
	id string,
	status discovery.CandidateStatus,
) error {
	tag, err := s.pool.Exec(ctx, `UPDATE candidates SET status = $2 WHERE id = $1;`, id, status)
	if err != nil {
		return fmt.Errorf("update candidate status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return discovery.ErrNotFound
	}
	return nil
}

func scanCandidate(row pgx.Row) (discovery.Candidate, error) {
	var (
		c           discovery.Candidate
		strategyID  *string
		city        *string
		description *string
		price       *string
		snapshotURI *string
		factors     []byte
	)
	err := row.Scan(
		&c.ID,
		&c.RunID,
		&strategyID,
		&c.Kind,
		&c.Name,
		&c.URL,
		&c.Platform,
		&city,
		&description,
		&price,
		&c.Confidence,
		&factors,
		&c.Status,
		&snapshotURI,
		&c.DiscoveredAt,
	)
	if err != nil {
		return discovery.Candidate{}, err
	}
	for dst, src := range map[*string]*string{
		&c.StrategyID:  strategyID,
		&c.City:        city,
		&c.Description: description,
		&c.Price:       price,
		&c.SnapshotURI: snapshotURI,
	} {
		if src != nil {
			*dst = *src
		}
	}
	if len(factors) > 0 {
		if err := json.Unmarshal(factors, &c.Factors); err != nil {
			return discovery.Candidate{}, fmt.Errorf("unmarshal confidence factors: %w", err)
		}
	}
	return c, nil
}
