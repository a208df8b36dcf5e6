package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/plantedlabs/venuescout/internal/discovery"
)

// LedgerStore implements discovery.LedgerStore using Postgres. Each period
// (day or month) is one row; AI call counts and throttle events are JSONB.
type LedgerStore struct {
	pool querier
}

// NewLedgerStore constructs a LedgerStore over an open pool.
func NewLedgerStore(pool querier) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// GetEntry fetches the ledger entry for a period.
func (s *LedgerStore) GetEntry(ctx context.Context, period string) (discovery.LedgerEntry, error) {
	query := `
		SELECT period, free_searches, paid_searches, ai_calls, spend_usd, throttles
		FROM budget_ledger
		WHERE period = $1;`
	var (
		entry     discovery.LedgerEntry
		aiCalls   []byte
		throttles []byte
	)
	err := s.pool.QueryRow(ctx, query, period).Scan(
		&entry.Period,
		&entry.FreeSearches,
		&entry.PaidSearches,
		&aiCalls,
		&entry.SpendUSD,
		&throttles,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return discovery.LedgerEntry{}, discovery.ErrNotFound
		}
		return discovery.LedgerEntry{}, fmt.Errorf("get ledger entry: %w", err)
	}
	if len(aiCalls) > 0 {
		if err := json.Unmarshal(aiCalls, &entry.AICalls); err != nil {
			return discovery.LedgerEntry{}, fmt.Errorf("unmarshal ai calls: %w", err)
		}
	}
	if len(throttles) > 0 {
		if err := json.Unmarshal(throttles, &entry.Throttles); err != nil {
			return discovery.LedgerEntry{}, fmt.Errorf("unmarshal throttles: %w", err)
		}
	}
	return entry, nil
}

// PutEntry upserts the ledger entry for its period.
func (s *LedgerStore) PutEntry(ctx context.Context, entry discovery.LedgerEntry) error {
	aiCalls, err := json.Marshal(entry.AICalls)
	if err != nil {
		return fmt.Errorf("marshal ai calls: %w", err)
	}
	throttles, err := json.Marshal(entry.Throttles)
	if err != nil {
		return fmt.Errorf("marshal throttles: %w", err)
	}
	query := `
		INSERT INTO budget_ledger (period, free_searches, paid_searches, ai_calls, spend_usd, throttles)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (period) DO UPDATE SET
			free_searches = EXCLUDED.free_searches,
			paid_searches = EXCLUDED.paid_searches,
			ai_calls = EXCLUDED.ai_calls,
			spend_usd = EXCLUDED.spend_usd,
			throttles = EXCLUDED.throttles;`
	_, err = s.pool.Exec(ctx, query,
		entry.Period,
		entry.FreeSearches,
		entry.PaidSearches,
		aiCalls,
		entry.SpendUSD,
		throttles,
	)
	if err != nil {
		return fmt.Errorf("upsert ledger entry: %w", err)
	}
	return nil
}
