// Package memory provides in-memory store implementations for development
// and testing.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/plantedlabs/venuescout/internal/discovery"
)

// StrategyStore keeps strategies in a map guarded by a RWMutex.
type StrategyStore struct {
	mu         sync.RWMutex
	strategies map[string]discovery.Strategy
}

// NewStrategyStore constructs a StrategyStore.
func NewStrategyStore() *StrategyStore {
	return &StrategyStore{strategies: make(map[string]discovery.Strategy)}
}

// CreateStrategy stores a new strategy.
func (s *StrategyStore) CreateStrategy(_ context.Context, strat discovery.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.strategies[strat.ID]; exists {
		return fmt.Errorf("strategy %s already exists", strat.ID)
	}
	s.strategies[strat.ID] = strat
	return nil
}

// GetStrategy fetches a strategy by ID.
func (s *StrategyStore) GetStrategy(_ context.Context, id string) (discovery.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	strat, ok := s.strategies[id]
	if !ok {
		return discovery.Strategy{}, discovery.ErrNotFound
	}
	return strat, nil
}

// ListStrategies returns strategies matching platform and country. Empty
// filter values match everything.
func (s *StrategyStore) ListStrategies(_ context.Context, platform, country string) ([]discovery.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]discovery.Strategy, 0, len(s.strategies))
	for _, strat := range s.strategies {
		if platform != "" && strat.Platform != platform {
			continue
		}
		if country != "" && strat.Country != country {
			continue
		}
		out = append(out, strat)
	}
	return out, nil
}

// UpdateStrategy replaces an existing strategy record.
func (s *StrategyStore) UpdateStrategy(_ context.Context, strat discovery.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.strategies[strat.ID]; !ok {
		return discovery.ErrNotFound
	}
	s.strategies[strat.ID] = strat
	return nil
}
