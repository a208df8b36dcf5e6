// Package scoring converts raw candidate signals into auditable confidence
// scores. Every score carries its full factor breakdown; the total is the
// clamped sum of the factor contributions and nothing else.
package scoring

import (
	"fmt"
	"strings"

	"github.com/plantedlabs/venuescout/internal/discovery"
)

// Factor names used in venue and dish breakdowns.
const (
	FactorBrandMention    = "brand_mention"
	FactorURLPattern      = "url_pattern"
	FactorStrategyQuality = "strategy_quality"
	FactorPlatformTrust   = "platform_trust"
	FactorDescription     = "description_complete"
	FactorPriceVisible    = "price_visible"
	FactorRelevance       = "relevance"
)

// Weights maps factor names to their maximum contribution. Values are treated
// as configuration, not constants; see the config package for defaults.
type Weights map[string]float64

// DefaultVenueWeights and DefaultDishWeights sum to 100 so an all-positive
// candidate scores full marks without clamping.
var (
	DefaultVenueWeights = Weights{
		FactorBrandMention:    35,
		FactorURLPattern:      20,
		FactorStrategyQuality: 20,
		FactorPlatformTrust:   15,
		FactorDescription:     10,
	}
	DefaultDishWeights = Weights{
		FactorBrandMention: 40,
		FactorRelevance:    30,
		FactorPriceVisible: 15,
		FactorDescription:  15,
	}
)

// VenueSignals are the raw inputs to a venue score.
type VenueSignals struct {
	BrandMention bool
	URL          string
	// StrategySuccessRate is the parent strategy's derived rate, 0-100.
	StrategySuccessRate float64
	PlatformKnown       bool
	Description         string
}

// DishSignals are the raw inputs to a dish score.
type DishSignals struct {
	BrandMention bool
	GenericTerm  bool
	PriceVisible bool
	Description  string
	// Relevance is the analyzer's 0-1 relevance estimate.
	Relevance float64
}

// Result pairs a clamped 0-100 score with its retained factor breakdown.
type Result struct {
	Score   float64
	Factors []discovery.ConfidenceFactor
}

// Scorer computes weighted sums over named factors.
type Scorer struct {
	venue Weights
	dish  Weights
}

// New builds a Scorer; nil weight maps fall back to the defaults.
func New(venue, dish Weights) *Scorer {
	if venue == nil {
		venue = DefaultVenueWeights
	}
	if dish == nil {
		dish = DefaultDishWeights
	}
	return &Scorer{venue: venue, dish: dish}
}

// ScoreVenue scores a venue candidate.
func (s *Scorer) ScoreVenue(sig VenueSignals) Result {
	factors := []discovery.ConfidenceFactor{
		boolFactor(FactorBrandMention, s.venue[FactorBrandMention], sig.BrandMention,
			"page mentions the brand explicitly", "no explicit brand mention on page"),
		boolFactor(FactorURLPattern, s.venue[FactorURLPattern], urlLooksLikeMenu(sig.URL),
			"url matches a menu/venue pattern", "url does not match known venue patterns"),
		scaledFactor(FactorStrategyQuality, s.venue[FactorStrategyQuality], sig.StrategySuccessRate/100,
			fmt.Sprintf("parent strategy success rate %.0f%%", sig.StrategySuccessRate)),
		boolFactor(FactorPlatformTrust, s.venue[FactorPlatformTrust], sig.PlatformKnown,
			"hosted on a known delivery platform", "unrecognized platform"),
		boolFactor(FactorDescription, s.venue[FactorDescription], completeDescription(sig.Description),
			"description present and substantial", "description missing or too short"),
	}
	return finish(factors)
}

// ScoreDish scores a dish candidate. A generic-term-only match halves the
// brand factor rather than zeroing it; the rationale records which case fired.
func (s *Scorer) ScoreDish(sig DishSignals) Result {
	brand := discovery.ConfidenceFactor{Name: FactorBrandMention, Weight: s.dish[FactorBrandMention]}
	switch {
	case sig.BrandMention:
		brand.Score = brand.Weight
		brand.Rationale = "dish names the brand explicitly"
	case sig.GenericTerm:
		brand.Score = brand.Weight / 2
		brand.Rationale = "generic product term only, no brand name"
	default:
		brand.Rationale = "neither brand nor product term present"
	}

	factors := []discovery.ConfidenceFactor{
		brand,
		scaledFactor(FactorRelevance, s.dish[FactorRelevance], clamp01(sig.Relevance),
			fmt.Sprintf("analyzer relevance %.2f", sig.Relevance)),
		boolFactor(FactorPriceVisible, s.dish[FactorPriceVisible], sig.PriceVisible,
			"price visible on menu", "no price shown"),
		boolFactor(FactorDescription, s.dish[FactorDescription], completeDescription(sig.Description),
			"dish description present", "dish description missing or too short"),
	}
	return finish(factors)
}

func finish(factors []discovery.ConfidenceFactor) Result {
	var total float64
	for _, f := range factors {
		total += f.Score
	}
	if total < 0 {
		total = 0
	}
	if total > 100 {
		total = 100
	}
	return Result{Score: total, Factors: factors}
}

func boolFactor(name string, weight float64, hit bool, yes, no string) discovery.ConfidenceFactor {
	f := discovery.ConfidenceFactor{Name: name, Weight: weight, Rationale: no}
	if hit {
		f.Score = weight
		f.Rationale = yes
	}
	return f
}

func scaledFactor(name string, weight, scale float64, rationale string) discovery.ConfidenceFactor {
	return discovery.ConfidenceFactor{
		Name:      name,
		Weight:    weight,
		Score:     weight * clamp01(scale),
		Rationale: rationale,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func completeDescription(desc string) bool {
	return len(strings.TrimSpace(desc)) >= 20
}

var menuPathHints = []string{"/menu", "/restaurant", "/store", "/speisekarte", "/delivery"}

func urlLooksLikeMenu(url string) bool {
	lower := strings.ToLower(url)
	for _, hint := range menuPathHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}
