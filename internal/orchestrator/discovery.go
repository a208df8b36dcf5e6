package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/plantedlabs/venuescout/internal/budget"
	"github.com/plantedlabs/venuescout/internal/credentials"
	"github.com/plantedlabs/venuescout/internal/discovery"
	"github.com/plantedlabs/venuescout/internal/progress"
	"github.com/plantedlabs/venuescout/internal/scoring"
	"github.com/plantedlabs/venuescout/internal/session"
	"github.com/plantedlabs/venuescout/internal/strategy"
)

// workUnit is one schedulable item: a search query for discovery runs, a
// venue URL for extraction runs.
type workUnit struct {
	platform     string
	estimate     float64
	strategyID   string
	strategyRate float64
	query        strategy.Query
	venueURL     string
}

func groupUnits(units []workUnit) map[string][]workUnit {
	groups := make(map[string][]workUnit)
	for _, u := range units {
		groups[u.platform] = append(groups[u.platform], u)
	}
	return groups
}

// planDiscovery expands every eligible strategy over the configured cities
// into concrete query units, capped at MaxUnits.
func (o *Orchestrator) planDiscovery(ctx context.Context, cfg discovery.RunConfig) ([]workUnit, error) {
	if len(cfg.Platforms) == 0 {
		return nil, errors.New("discovery run requires at least one platform")
	}
	if len(cfg.Cities) == 0 {
		return nil, errors.New("discovery run requires at least one city")
	}

	unitEstimate := o.deps.Budget.Estimate(budget.Units{FreeSearches: 1, AICalls: 1})
	var units []workUnit
	for _, platform := range cfg.Platforms {
		strategies, err := o.deps.Strategies.SelectEligible(ctx, platform, cfg.Country)
		if err != nil {
			return nil, fmt.Errorf("select strategies for %s: %w", platform, err)
		}
		for _, s := range strategies {
			for _, q := range strategy.BuildBatches(s.Template, cfg.Cities, cfg.BatchSize) {
				units = append(units, workUnit{
					platform:     platform,
					estimate:     unitEstimate,
					strategyID:   s.ID,
					strategyRate: s.SuccessRate,
					query:        q,
				})
				if cfg.MaxUnits > 0 && len(units) >= cfg.MaxUnits {
					return units, nil
				}
			}
		}
	}
	if len(units) == 0 {
		return nil, errors.New("no eligible strategies for the requested platforms")
	}
	return units, nil
}

// processDiscoveryUnit runs one query end to end: dedup, search with
// credential rotation, fetch, analysis, scoring, candidate write.
func (o *Orchestrator) processDiscoveryUnit(rc *runContext, u workUnit) {
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
			Query:    u.query.Text,
			Dur:      o.deps.Clock.Now().Sub(start),
		})
	}()

	if o.deps.Dedup.ShouldSkip(u.query.Text) {
		rc.st.appendLog(fmt.Sprintf("skipped duplicate query %q", u.query.Text))
		return
	}

	ctx, cancel := context.WithTimeout(rc.ctx, o.cfg.ItemTimeout)
	defer cancel()

	results, paid, err := o.searchWithRotation(ctx, u.query.Text)
	if err != nil {
		var inv *credentials.InvariantError
		if errors.As(err, &inv) {
			rc.setVerdict(discovery.RunStatusFailed,
				fmt.Sprintf("credential invariant violated: %v", err))
			return
		}
		rc.st.appendLog(fmt.Sprintf("query %q failed on %s: %v", u.query.Text, u.platform, err))
		if rc.markPlatformFailure(u.platform, o.cfg.DegradedThreshold) {
			rc.st.appendLog(fmt.Sprintf("platform %s degraded for the rest of the run", u.platform))
		}
		return
	}
	rc.markPlatformSuccess(u.platform)
	rc.tally.addSearch(paid)
	costs.SearchQueries++
	o.deps.Dedup.Record(u.query.Text, len(results) > 0)

	found := 0
	for i, res := range results {
		if i >= o.cfg.MaxResultsPerQuery {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if o.evaluateSearchHit(ctx, rc, run.ID, u, res, &costs) {
			found++
		}
	}

	outcome := discovery.OutcomeNoResult
	if found > 0 {
		outcome = discovery.OutcomeSuccess
	}
	if _, err := o.deps.Strategies.RecordOutcome(context.Background(), u.strategyID, outcome); err != nil {
		rc.st.appendLog(fmt.Sprintf("record outcome for strategy %s: %v", u.strategyID, err))
	}
}

// searchWithRotation executes one query, rotating to the next credential slot
// on a quota response. The same slot is never retried after a quota hit; the
// rotation bottoms out at the paid fallback.
func (o *Orchestrator) searchWithRotation(ctx context.Context, query string) ([]discovery.SearchResult, bool, error) {
	for {
		cred, err := o.deps.Credentials.Acquire("discovery")
		if err != nil {
			return nil, false, err
		}

		var results []discovery.SearchResult
		err = o.retry.do(ctx, func() error {
			var serr error
			results, serr = o.deps.Search.Search(ctx, query, cred)
			return serr
		}, func(err error) bool {
			return errors.Is(err, discovery.ErrRateLimited)
		})
		if errors.Is(err, discovery.ErrRateLimited) {
			if cred.Paid {
				return nil, true, err
			}
			o.deps.Credentials.ReportExhausted(cred.SlotID)
			continue
		}
		if err != nil {
			return nil, cred.Paid, err
		}
		return results, cred.Paid, nil
	}
}

// evaluateSearchHit fetches and scores one search result, recording a venue
// candidate when the score clears the floor. Returns true when a candidate
// was written.
func (o *Orchestrator) evaluateSearchHit(
	ctx context.Context,
	rc *runContext,
	runID string,
	u workUnit,
	res discovery.SearchResult,
	costs *discovery.Costs,
) bool {
	var (
		body     []byte
		analysis discovery.AnalysisResult
	)
	page, err := o.deps.Pages.Fetch(ctx, res.URL)
	if err != nil {
		rc.st.appendLog(fmt.Sprintf("fetch %s: %v", res.URL, err))
	} else {
		body = page.Body
		if page.NeedsHeadless() && o.deps.Sessions != nil {
			// The plain fetch came back as a client-rendered shell;
			// escalate to an isolated headless session.
			rendered, renderErr := o.renderShell(ctx, res.URL)
			if renderErr != nil {
				rc.st.appendLog(fmt.Sprintf("render %s: %v", res.URL, renderErr))
			} else {
				body = []byte(rendered)
			}
		}
		analysis, err = o.deps.Analyzer.Analyze(ctx, discovery.AnalysisRequest{
			URL:     res.URL,
			Brand:   o.cfg.Brand,
			City:    firstCity(u.query.Cities),
			Content: string(body),
		})
		rc.tally.addAICall(o.deps.Analyzer.Provider())
		costs.AICalls++
		if err != nil {
			// Transport failure: proceed on snippet signals alone.
			rc.st.appendLog(fmt.Sprintf("analysis for %s unavailable: %v", res.URL, err))
			analysis = discovery.AnalysisResult{}
		}
	}

	description := analysis.Description
	if description == "" {
		description = res.Snippet
	}
	result := o.deps.Scorer.ScoreVenue(scoring.VenueSignals{
		BrandMention:        analysis.BrandMention || containsFold(res.Title+" "+res.Snippet, o.cfg.Brand),
		URL:                 res.URL,
		StrategySuccessRate: u.strategyRate,
		PlatformKnown:       o.platformOf(res.URL) != "",
		Description:         description,
	})
	if result.Score < o.cfg.MinConfidence {
		return false
	}

	name := analysis.VenueName
	if name == "" {
		name = res.Title
	}
	cand, err := o.writeCandidate(ctx, candidateInput{
		runID:       runID,
		strategyID:  u.strategyID,
		kind:        discovery.CandidateVenue,
		name:        name,
		url:         res.URL,
		platform:    u.platform,
		city:        firstCity(u.query.Cities),
		description: description,
		score:       result,
		snapshot:    body,
	})
	if err != nil {
		rc.st.appendLog(fmt.Sprintf("record candidate %s: %v", res.URL, err))
		return false
	}
	o.announceCandidate(ctx, rc, o.cfg.VenueTopic, cand)
	return true
}

// candidateInput collects the fields common to venue and dish candidates.
type candidateInput struct {
	runID       string
	strategyID  string
	kind        discovery.CandidateKind
	name        string
	url         string
	platform    string
	city        string
	description string
	price       string
	score       scoring.Result
	snapshot    []byte
}

func (o *Orchestrator) writeCandidate(ctx context.Context, in candidateInput) (discovery.Candidate, error) {
	id, err := o.deps.IDGen.NewID()
	if err != nil {
		return discovery.Candidate{}, fmt.Errorf("candidate id: %w", err)
	}
	cand := discovery.Candidate{
		ID:           id,
		RunID:        in.runID,
		StrategyID:   in.strategyID,
		Kind:         in.kind,
		Name:         in.name,
		URL:          in.url,
		Platform:     in.platform,
		City:         in.city,
		Description:  in.description,
		Price:        in.price,
		Confidence:   in.score.Score,
		Factors:      in.score.Factors,
		Status:       discovery.CandidateDiscovered,
		DiscoveredAt: o.deps.Clock.Now(),
	}
	if len(in.snapshot) > 0 && o.deps.Blobs != nil {
		path := fmt.Sprintf("%s/%s/%s.html", o.cfg.SnapshotPrefix, in.runID, id)
		uri, err := o.deps.Blobs.PutObject(ctx, path, "text/html", in.snapshot)
		if err != nil {
			return discovery.Candidate{}, fmt.Errorf("snapshot %s: %w", path, err)
		}
		cand.SnapshotURI = uri
	}
	if err := o.deps.Candidates.CreateCandidate(ctx, cand); err != nil {
		return discovery.Candidate{}, fmt.Errorf("create candidate: %w", err)
	}
	return cand, nil
}

// renderShell runs a headless session for a page the plain fetcher could not
// materialize and returns the rendered HTML.
func (o *Orchestrator) renderShell(ctx context.Context, venueURL string) (string, error) {
	var html string
	err := o.deps.Sessions.WithSession(ctx, venueURL, func(_ context.Context, page session.Page) error {
		html = page.HTML
		return nil
	})
	return html, err
}

func (o *Orchestrator) announceCandidate(ctx context.Context, rc *runContext, topic string, cand discovery.Candidate) {
	if o.deps.Publisher != nil {
		if _, err := o.deps.Publisher.Publish(ctx, topic, cand); err != nil {
			rc.st.appendLog(fmt.Sprintf("publish candidate %s: %v", cand.ID, err))
		}
	}
	o.emit(progress.Event{
		RunID:      cand.RunID,
		TS:         o.deps.Clock.Now(),
		Stage:      progress.StageCandidate,
		Platform:   cand.Platform,
		URL:        cand.URL,
		Confidence: cand.Confidence,
		Note:       cand.Name,
	})
}

// platformOf maps a result URL to a configured platform name by host suffix.
func (o *Orchestrator) platformOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(parsed.Hostname())
	for name, suffix := range o.cfg.KnownPlatforms {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return name
		}
	}
	return ""
}

func firstCity(cities []string) string {
	if len(cities) == 0 {
		return ""
	}
	return cities[0]
}

func containsFold(s, sub string) bool {
	if sub == "" {
		return false
	}
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
