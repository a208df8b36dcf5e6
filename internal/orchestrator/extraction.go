package orchestrator

import (
	"context"
	"fmt"

	"github.com/plantedlabs/venuescout/internal/budget"
	"github.com/plantedlabs/venuescout/internal/discovery"
	"github.com/plantedlabs/venuescout/internal/progress"
	"github.com/plantedlabs/venuescout/internal/scoring"
	"github.com/plantedlabs/venuescout/internal/session"
)

// planExtraction turns each venue URL into one unit. Unknown hosts still get
// a unit; they just score without platform trust.
func (o *Orchestrator) planExtraction(cfg discovery.RunConfig) []workUnit {
	unitEstimate := o.deps.Budget.Estimate(budget.Units{AICalls: 1})
	units := make([]workUnit, 0, len(cfg.VenueURLs))
	for _, venueURL := range cfg.VenueURLs {
		platform := o.platformOf(venueURL)
		if platform == "" {
			platform = "unknown"
		}
		units = append(units, workUnit{
			platform: platform,
			estimate: unitEstimate,
			venueURL: venueURL,
		})
		if cfg.MaxUnits > 0 && len(units) >= cfg.MaxUnits {
			break
		}
	}
	return units
}

// processExtractionUnit renders one venue page in an isolated browser
// session, extracts dish signals and writes dish candidates.
func (o *Orchestrator) processExtractionUnit(rc *runContext, u workUnit) {
	start := o.deps.Clock.Now()
	run := rc.st.snapshot()
	var costs discovery.Costs
	defer func() {
		rc.st.addProgress(context.Background(), 1, costs)
		o.emit(progress.Event{
			RunID:    run.ID,
			TS:       o.deps.Clock.Now(),
			Stage:    progress.StageQueryDone,
			Platform: u.platform,
			URL:      u.venueURL,
			Dur:      o.deps.Clock.Now().Sub(start),
		})
	}()

	ctx, cancel := context.WithTimeout(rc.ctx, o.cfg.ItemTimeout)
	defer cancel()

	var captured session.Page
	err := o.retry.do(ctx, func() error {
		return o.deps.Sessions.WithSession(ctx, u.venueURL, func(_ context.Context, page session.Page) error {
			captured = page
			return nil
		})
	}, func(err error) bool {
		return ctx.Err() != nil
	})
	if err != nil {
		rc.st.appendLog(fmt.Sprintf("render %s: %v", u.venueURL, err))
		if rc.markPlatformFailure(u.platform, o.cfg.DegradedThreshold) {
			rc.st.appendLog(fmt.Sprintf("platform %s degraded for the rest of the run", u.platform))
		}
		return
	}
	rc.markPlatformSuccess(u.platform)

	analysis, err := o.deps.Analyzer.Analyze(ctx, discovery.AnalysisRequest{
		URL:     u.venueURL,
		Brand:   o.cfg.Brand,
		Content: captured.HTML,
	})
	rc.tally.addAICall(o.deps.Analyzer.Provider())
	costs.AICalls++
	if err != nil {
		rc.st.appendLog(fmt.Sprintf("analysis for %s unavailable: %v", u.venueURL, err))
		return
	}
	if len(analysis.Dishes) == 0 {
		rc.st.appendLog(fmt.Sprintf("no dish signals on %s", u.venueURL))
		return
	}

	snapshot := []byte(captured.HTML)
	for _, dish := range analysis.Dishes {
		result := o.deps.Scorer.ScoreDish(scoring.DishSignals{
			BrandMention: dish.BrandMention,
			GenericTerm:  dish.ProductGuess != "",
			PriceVisible: dish.Price != "",
			Description:  dish.Description,
			Relevance:    dish.Relevance,
		})
		if result.Score < o.cfg.MinConfidence {
			continue
		}
		cand, err := o.writeCandidate(ctx, candidateInput{
			runID:       run.ID,
			kind:        discovery.CandidateDish,
			name:        dish.Name,
			url:         u.venueURL,
			platform:    u.platform,
			description: dish.Description,
			price:       dish.Price,
			score:       result,
			snapshot:    snapshot,
		})
		if err != nil {
			rc.st.appendLog(fmt.Sprintf("record dish %q on %s: %v", dish.Name, u.venueURL, err))
			continue
		}
		// One snapshot per venue is enough.
		snapshot = nil
		o.announceCandidate(ctx, rc, o.cfg.DishTopic, cand)
	}
}
