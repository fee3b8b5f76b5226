package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/couchcryptid/storm-reroute-service/internal/domain"
	"github.com/couchcryptid/storm-reroute-service/internal/observability"
	"github.com/couchcryptid/storm-reroute-service/internal/scoring"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

// ProcurementConfig tunes candidate search and scoring.
type ProcurementConfig struct {
	Weights                    scoring.Weights
	Cost                       scoring.CostModel
	CandidatePoolSize          int
	MaxProposalsPerCorrelation int
	ExclusionRadiusKm          float64
	WorkerPoolSize             int
	HistoryWindow              time.Duration
	DefaultSLAScore            float64
}

// Procurement turns correlations into scored reroute proposals.
type Procurement struct {
	locations LocationSource
	router    Router
	history   DeliveryHistory
	proposals ProposalCreator
	cfg       ProcurementConfig
	clock     clockwork.Clock
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// NewProcurement creates a Procurement agent. A nil router always uses the
// fallback route estimate.
func NewProcurement(locations LocationSource, router Router, history DeliveryHistory, proposals ProposalCreator,
	cfg ProcurementConfig, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics,
) *Procurement {
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 8
	}
	if cfg.CandidatePoolSize <= 0 {
		cfg.CandidatePoolSize = 10
	}
	if cfg.MaxProposalsPerCorrelation <= 0 {
		cfg.MaxProposalsPerCorrelation = 3
	}
	return &Procurement{
		locations: locations, router: router, history: history, proposals: proposals,
		cfg: cfg, clock: clock, logger: logger, metrics: metrics,
	}
}

type scoredCandidate struct {
	proposal domain.RerouteProposal
	score    float64
}

// Propose generates, validates and persists proposals for every correlation.
// The returned slice keeps correlation order, best candidate first.
func (p *Procurement) Propose(ctx context.Context, watch WatchResult) ([]domain.RerouteProposal, error) {
	if len(watch.Correlations) == 0 {
		return nil, nil
	}
	locations, err := p.locations.ListActiveLocations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list candidate locations: %w", err)
	}

	threatened := make(map[string]map[string]struct{})
	for _, c := range watch.Correlations {
		if threatened[c.Threat.ID] == nil {
			threatened[c.Threat.ID] = make(map[string]struct{})
		}
		threatened[c.Threat.ID][c.Location.ID] = struct{}{}
	}

	results := make([][]domain.RerouteProposal, len(watch.Correlations))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.WorkerPoolSize)
	for i, corr := range watch.Correlations {
		g.Go(func() error {
			props, err := p.proposeFor(gctx, corr, locations, threatened[corr.Threat.ID])
			if err != nil {
				return err
			}
			results[i] = props
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []domain.RerouteProposal
	for _, r := range results {
		out = append(out, r...)
	}
	p.logger.Info("procurement pass complete", "correlations", len(watch.Correlations), "proposals", len(out))
	return out, nil
}

func (p *Procurement) proposeFor(ctx context.Context, corr domain.Correlation, locations []domain.Location, threatened map[string]struct{}) ([]domain.RerouteProposal, error) {
	if corr.Centroid == nil {
		p.metrics.HazardsSkipped.WithLabelValues("procurement", "no_centroid").Inc()
		p.logger.Warn("threat centroid unresolvable, skipping correlation",
			"threat_id", corr.Threat.ID, "location_id", corr.Location.ID)
		return nil, nil
	}
	centroid := *corr.Centroid
	origin := corr.Location

	var eligible []domain.Location
	for _, cand := range locations {
		if cand.ID == origin.ID || cand.Type != origin.Type || !cand.Active {
			continue
		}
		if _, hit := threatened[cand.ID]; hit {
			continue
		}
		if scoring.DistanceKm(cand.Coordinates, centroid) <= p.cfg.ExclusionRadiusKm {
			continue
		}
		eligible = append(eligible, cand)
	}
	if len(eligible) == 0 {
		p.logger.Debug("no eligible alternates", "threat_id", corr.Threat.ID, "location_id", origin.ID)
		return nil, nil
	}

	scored := make([]scoredCandidate, 0, len(eligible))
	for _, cand := range domain.HighestValue(eligible, p.cfg.CandidatePoolSize) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		scored = append(scored, p.score(ctx, corr, cand))
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].proposal.ProposedLocationID < scored[j].proposal.ProposedLocationID
	})
	if len(scored) > p.cfg.MaxProposalsPerCorrelation {
		scored = scored[:p.cfg.MaxProposalsPerCorrelation]
	}

	out := make([]domain.RerouteProposal, 0, len(scored))
	for _, sc := range scored {
		prop := domain.NewRerouteProposal(sc.proposal)
		if err := prop.Validate(); err != nil {
			p.logger.Warn("discarding invalid proposal", "threat_id", corr.Threat.ID, "candidate", prop.ProposedLocationID, "error", err)
			continue
		}
		if err := p.proposals.CreateProposal(ctx, prop); err != nil {
			return nil, fmt.Errorf("persist proposal %s: %w", prop.ID, err)
		}
		p.metrics.ProposalsCreated.Inc()
		out = append(out, prop)
	}
	return out, nil
}

func (p *Procurement) score(ctx context.Context, corr domain.Correlation, cand domain.Location) scoredCandidate {
	origin := corr.Location
	straightKm := scoring.DistanceKm(origin.Coordinates, cand.Coordinates)
	route := p.route(ctx, origin, cand, straightKm)

	sla := p.cfg.DefaultSLAScore
	if p.history != nil {
		stats, err := p.history.DeliveryStats(ctx, cand.ID, p.clock.Now().Add(-p.cfg.HistoryWindow))
		if err != nil {
			p.logger.Warn("delivery history unavailable, using default SLA score", "location_id", cand.ID, "error", err)
		} else {
			sla = stats.SLAScore(p.cfg.DefaultSLAScore)
		}
	}

	cost := scoring.RerouteCost(cand, route.DistanceKm, p.cfg.Cost)
	attention := scoring.AttentionScore(scoring.AttentionInputs{
		Severity:          corr.Threat.Severity,
		RerouteCostUSD:    cost,
		OriginValueAtRisk: origin.ValueAtRisk(),
		DriveTimeMinutes:  route.DurationMinutes,
		Reliability:       cand.ReliabilityIndex,
		SLAMatch:          sla,
	}, p.cfg.Weights)

	return scoredCandidate{
		score: attention,
		proposal: domain.RerouteProposal{
			ThreatID:             corr.Threat.ID,
			OriginalLocationID:   origin.ID,
			ProposedLocationID:   cand.ID,
			ProposedLocationName: cand.Name,
			AttentionScore:       attention,
			RerouteCostUSD:       cost,
			DriveTimeMinutes:     route.DurationMinutes,
			DistanceKm:           route.DistanceKm,
			RouteEstimated:       route.Estimated,
			Rationale: fmt.Sprintf("%s %s threatens %s; %s is %.0f km away (%.0f min), reliability %.2f, on-time %.2f",
				corr.Threat.Severity, corr.Threat.EventType, origin.Name, cand.Name,
				route.DistanceKm, route.DurationMinutes, cand.ReliabilityIndex, sla),
		},
	}
}

// route asks the router and degrades to the fallback estimate on any failure.
func (p *Procurement) route(ctx context.Context, from, to domain.Location, straightKm float64) domain.Route {
	if p.router != nil {
		r, err := p.router.Route(ctx, from.Coordinates, to.Coordinates)
		if err == nil {
			return r
		}
		p.logger.Warn("routing failed, using fallback estimate",
			"from", from.ID, "to", to.ID, "error", err)
	}
	minutes, km := scoring.FallbackRoute(straightKm, to.AvgLeadTimeHours)
	p.metrics.RouteRequests.WithLabelValues("fallback").Inc()
	return domain.Route{DurationMinutes: minutes, DistanceKm: km, Estimated: true}
}
