package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/storm-reroute-service/internal/domain"
	"github.com/couchcryptid/storm-reroute-service/internal/observability"
	"github.com/couchcryptid/storm-reroute-service/internal/scoring"
	"github.com/jonboulle/clockwork"
)

// WatcherConfig tunes correlation.
type WatcherConfig struct {
	Buffers scoring.Buffers
	// A location correlated with more than BottleneckThreshold threats is a bottleneck.
	BottleneckThreshold int
}

// ThreatSummary describes one hazard that could be geo-matched.
type ThreatSummary struct {
	Threat            domain.HazardEvent
	Centroid          domain.Coordinates
	AffectedIDs       []string
	PrimaryLocationID string
	ValueAtRisk       float64
}

// WatchResult is the Watcher's output for one cycle.
type WatchResult struct {
	HazardsScanned   int
	Skipped          int
	Threats          []ThreatSummary
	Correlations     []domain.Correlation
	AtRisk           []domain.Location
	Bottlenecks      []domain.Location
	TotalValueAtRisk float64
}

// Watcher correlates active hazards with active locations.
type Watcher struct {
	hazards   HazardSource
	locations LocationSource
	cfg       WatcherConfig
	clock     clockwork.Clock
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// NewWatcher creates a Watcher.
func NewWatcher(h HazardSource, l LocationSource, cfg WatcherConfig, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Watcher {
	if cfg.BottleneckThreshold <= 0 {
		cfg.BottleneckThreshold = 1
	}
	return &Watcher{hazards: h, locations: l, cfg: cfg, clock: clock, logger: logger, metrics: metrics}
}

// Watch runs one correlation pass. A data-source error fails the stage.
func (w *Watcher) Watch(ctx context.Context) (WatchResult, error) {
	hazards, err := w.hazards.ListActiveHazards(ctx, w.clock.Now())
	if err != nil {
		return WatchResult{}, fmt.Errorf("list active hazards: %w", err)
	}
	locations, err := w.locations.ListActiveLocations(ctx)
	if err != nil {
		return WatchResult{}, fmt.Errorf("list active locations: %w", err)
	}

	res := WatchResult{HazardsScanned: len(hazards)}
	hits := make(map[string]int)

	for _, h := range hazards {
		if len(h.Zone) == 0 {
			w.skip(&res, h, "empty_zone")
			continue
		}
		centroid, ok := scoring.ResolveCentroid(h)
		if !ok {
			w.skip(&res, h, "no_centroid")
			continue
		}

		buffer := w.cfg.Buffers.For(h.Severity)
		var affected []domain.Location
		for _, loc := range locations {
			if !scoring.WithinBuffer(h.Zone, loc.Coordinates, buffer) {
				continue
			}
			affected = append(affected, loc)
			c := centroid
			res.Correlations = append(res.Correlations, domain.Correlation{Threat: h, Centroid: &c, Location: loc})
			if hits[loc.ID] == 0 {
				res.AtRisk = append(res.AtRisk, loc)
			}
			hits[loc.ID]++
		}

		summary := ThreatSummary{Threat: h, Centroid: centroid, ValueAtRisk: domain.TotalValueAtRisk(affected)}
		for _, loc := range affected {
			summary.AffectedIDs = append(summary.AffectedIDs, loc.ID)
		}
		if top := domain.HighestValue(affected, 1); len(top) == 1 {
			summary.PrimaryLocationID = top[0].ID
		}
		res.Threats = append(res.Threats, summary)
	}

	for _, loc := range res.AtRisk {
		if hits[loc.ID] > w.cfg.BottleneckThreshold {
			res.Bottlenecks = append(res.Bottlenecks, loc)
		}
	}
	res.TotalValueAtRisk = domain.TotalValueAtRisk(res.AtRisk)
	w.metrics.CorrelationsFound.Add(float64(len(res.Correlations)))

	w.logger.Info("watcher pass complete",
		"hazards", res.HazardsScanned,
		"skipped", res.Skipped,
		"correlations", len(res.Correlations),
		"at_risk", len(res.AtRisk),
		"bottlenecks", len(res.Bottlenecks),
		"value_at_risk", res.TotalValueAtRisk,
	)
	return res, nil
}

func (w *Watcher) skip(res *WatchResult, h domain.HazardEvent, reason string) {
	res.Skipped++
	w.metrics.HazardsSkipped.WithLabelValues("watcher", reason).Inc()
	w.logger.Warn("hazard cannot be geo-matched, skipping", "threat_id", h.ID, "reason", reason)
}
