// Package simulate replays archived hazards against recorded supplier
// deliveries and estimates what rerouting would have saved over a period.
//
// Each hazard effective in the period is matched to the locations inside its
// severity buffer. Late deliveries recorded at those locations while the
// hazard was in effect give its disrupted shipments and average delay. A
// hazard with no such deliveries is costed from its severity Profile instead.
package simulate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/storm-reroute-service/internal/domain"
	"github.com/couchcryptid/storm-reroute-service/internal/scoring"
)

// ErrInvalidPeriod is returned for a malformed, reversed or oversized period.
var ErrInvalidPeriod = errors.New("invalid simulation period")

// MaxPeriodDays bounds the span between start and end.
const MaxPeriodDays = 366

// Data sources reported on a Report.
const (
	SourceHistorical = "historical"
	SourceSynthetic  = "synthetic_fallback"
)

// Source is the read side a simulation needs.
type Source interface {
	ListHazardsEffective(ctx context.Context, from, to time.Time, limit int) ([]domain.HazardEvent, error)
	ListActiveLocations(ctx context.Context) ([]domain.Location, error)
	DeliveryStatsBetween(ctx context.Context, supplierID string, from, to time.Time) (domain.DeliveryStats, error)
}

// Period is an inclusive range of UTC calendar days.
type Period struct {
	Start time.Time
	End   time.Time
}

// ParsePeriod parses YYYY-MM-DD bounds.
func ParsePeriod(start, end string) (Period, error) {
	s, err := time.Parse(time.DateOnly, start)
	if err != nil {
		return Period{}, fmt.Errorf("%w: start must be YYYY-MM-DD", ErrInvalidPeriod)
	}
	e, err := time.Parse(time.DateOnly, end)
	if err != nil {
		return Period{}, fmt.Errorf("%w: end must be YYYY-MM-DD", ErrInvalidPeriod)
	}
	p := Period{Start: s, End: e}
	return p, p.Validate()
}

// Validate checks ordering and span.
func (p Period) Validate() error {
	if p.End.Before(p.Start) {
		return fmt.Errorf("%w: end must not be before start", ErrInvalidPeriod)
	}
	if p.End.Sub(p.Start) > MaxPeriodDays*24*time.Hour {
		return fmt.Errorf("%w: period must not exceed %d days", ErrInvalidPeriod, MaxPeriodDays)
	}
	return nil
}

// from and to are the first and last instants of the period.
func (p Period) from() time.Time { return p.Start.UTC().Truncate(24 * time.Hour) }
func (p Period) to() time.Time {
	return p.End.UTC().Truncate(24 * time.Hour).Add(24*time.Hour - time.Nanosecond)
}

// Incident is one hazard's estimated cost and saving.
type Incident struct {
	ThreatID            string           `json:"threat_id"`
	EventType           domain.EventType `json:"event_type"`
	Severity            domain.Severity  `json:"severity"`
	Headline            string           `json:"headline"`
	Effective           time.Time        `json:"effective"`
	ExposedLocations    int              `json:"exposed_locations"`
	DisruptedShipments  int              `json:"disrupted_shipments"`
	AvgDelayHours       float64          `json:"avg_delay_hours"`
	GrossDelayCostUSD   float64          `json:"gross_delay_cost_usd"`
	RerouteOverheadUSD  float64          `json:"reroute_overhead_usd"`
	NetSavingsUSD       float64          `json:"net_savings_usd"`
	DetectionRate       float64          `json:"detection_rate"`
	FromDeliveryHistory bool             `json:"from_delivery_history"`
}

// EventTypeBreakdown aggregates incidents of one event type.
type EventTypeBreakdown struct {
	EventType          domain.EventType `json:"event_type"`
	Threats            int              `json:"threats"`
	DisruptedShipments int              `json:"disrupted_shipments"`
	GrossDelayCostUSD  float64          `json:"gross_delay_cost_usd"`
	NetSavingsUSD      float64          `json:"net_savings_usd"`
	AvgDelayHours      float64          `json:"avg_delay_hours"`
}

// SeverityBreakdown aggregates incidents of one severity.
type SeverityBreakdown struct {
	Severity          domain.Severity `json:"severity"`
	Threats           int             `json:"threats"`
	DetectionRate     float64         `json:"detection_rate"`
	GrossDelayCostUSD float64         `json:"gross_delay_cost_usd"`
	NetSavingsUSD     float64         `json:"net_savings_usd"`
}

// Report is the counterfactual outcome of a period.
type Report struct {
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`

	NetSavingsUSD      float64 `json:"net_savings_usd"`
	NetSavingsHeadline string  `json:"net_savings_headline"`
	GrossDelayCostUSD  float64 `json:"gross_delay_cost_usd"`
	RerouteOverheadUSD float64 `json:"reroute_overhead_usd"`
	ROIMultiple        float64 `json:"roi_multiple"`

	ThreatsAnalyzed     int `json:"threats_analyzed"`
	DisruptionsDetected int `json:"disruptions_detected"`
	ReroutesPrevented   int `json:"reroutes_prevented"`

	ByEventType  []EventTypeBreakdown `json:"breakdown_by_event_type"`
	BySeverity   []SeverityBreakdown  `json:"breakdown_by_severity"`
	TopIncidents []Incident           `json:"top_prevented_incidents"`

	DataSource      string `json:"data_source"`
	MethodologyNote string `json:"methodology_note"`
}

// Config tunes a Service. Zero values take defaults.
type Config struct {
	Buffers    scoring.Buffers
	MaxHazards int
	Workers    int
	TopN       int
}

// Service runs simulations.
type Service struct {
	src    Source
	cfg    Config
	logger *slog.Logger
}

// NewService creates a simulation Service.
func NewService(src Source, cfg Config, logger *slog.Logger) *Service {
	if cfg.MaxHazards <= 0 {
		cfg.MaxHazards = 500
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.TopN <= 0 {
		cfg.TopN = 5
	}
	return &Service{src: src, cfg: cfg, logger: logger}
}

// Run simulates p. Store failures are returned; a period without hazards
// yields an empty report.
func (s *Service) Run(ctx context.Context, p Period) (Report, error) {
	if err := p.Validate(); err != nil {
		return Report{}, err
	}
	from, to := p.from(), p.to()

	hazards, err := s.src.ListHazardsEffective(ctx, from, to, s.cfg.MaxHazards)
	if err != nil {
		return Report{}, fmt.Errorf("list hazards: %w", err)
	}
	locations, err := s.src.ListActiveLocations(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list locations: %w", err)
	}

	incidents := make([]Incident, len(hazards))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for i, h := range hazards {
		g.Go(func() error {
			inc, err := s.assess(gctx, h, locations, to)
			if err != nil {
				return err
			}
			incidents[i] = inc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	r := summarize(p, incidents, s.cfg.TopN)
	s.logger.Info("simulation complete",
		"period_start", r.PeriodStart,
		"period_end", r.PeriodEnd,
		"threats", r.ThreatsAnalyzed,
		"data_source", r.DataSource,
		"net_savings_usd", r.NetSavingsUSD,
	)
	return r, nil
}

// assess costs one hazard. Locations are exposed when inside the hazard's
// severity buffer; deliveries count while the hazard was in effect.
func (s *Service) assess(ctx context.Context, h domain.HazardEvent, locations []domain.Location, periodEnd time.Time) (Incident, error) {
	sev := domain.ParseSeverity(string(h.Severity))
	inc := Incident{
		ThreatID:      h.ID,
		EventType:     h.EventType,
		Severity:      sev,
		Headline:      h.Headline,
		Effective:     h.Effective,
		DetectionRate: DetectionRate(sev),
	}
	profile := ProfileFor(sev)

	until := periodEnd
	if !h.Expires.IsZero() && h.Expires.Before(until) {
		until = h.Expires
	}

	var shipments int
	var delaySum float64
	if len(h.Zone) > 0 {
		buffer := s.cfg.Buffers.For(sev)
		for _, loc := range locations {
			if !scoring.WithinBuffer(h.Zone, loc.Coordinates, buffer) {
				continue
			}
			inc.ExposedLocations++
			stats, err := s.src.DeliveryStatsBetween(ctx, loc.ID, h.Effective, until)
			if err != nil {
				return Incident{}, fmt.Errorf("delivery stats for %s: %w", loc.ID, err)
			}
			late, delay := disrupted(stats)
			shipments += late
			delaySum += delay * float64(late)
		}
	} else {
		s.logger.Warn("archived hazard has no zone, costing from profile", "threat_id", h.ID)
	}

	var gross float64
	if shipments > 0 {
		inc.FromDeliveryHistory = true
		inc.DisruptedShipments = shipments
		inc.AvgDelayHours = delaySum / float64(shipments)
		gross = DelayCost(inc.AvgDelayHours, profile.AvgShipmentValueUSD) * float64(shipments)
	} else {
		inc.DisruptedShipments = profile.ShipmentsPerThreat
		inc.AvgDelayHours = profile.AvgDelayHours
		gross = DelayCost(profile.AvgDelayHours, profile.AvgShipmentValueUSD) * float64(profile.ShipmentsPerThreat)
	}

	sv := NetSavings(gross, sev)
	inc.GrossDelayCostUSD = round2(gross)
	inc.RerouteOverheadUSD = round2(sv.Overhead)
	inc.NetSavingsUSD = round2(sv.Net)
	return inc, nil
}

// disrupted returns the late shipments in stats and their mean delay, or
// zero when the mean delay is below MinDisruptionHours.
func disrupted(stats domain.DeliveryStats) (late int, delayHours float64) {
	late = int(math.Round(float64(stats.Samples) * stats.LateRatio))
	if late == 0 {
		return 0, 0
	}
	// On-time deliveries carry no delay, so the total delay belongs to the late ones.
	delayHours = stats.AvgDelayHours * float64(stats.Samples) / float64(late)
	if delayHours < MinDisruptionHours {
		return 0, 0
	}
	return late, delayHours
}

var severityOrder = []domain.Severity{
	domain.SeverityExtreme, domain.SeveritySevere, domain.SeverityModerate, domain.SeverityMinor, domain.SeverityUnknown,
}

func summarize(p Period, incidents []Incident, topN int) Report {
	r := Report{
		PeriodStart:     p.Start.Format(time.DateOnly),
		PeriodEnd:       p.End.Format(time.DateOnly),
		ThreatsAnalyzed: len(incidents),
		DataSource:      SourceSynthetic,
		ByEventType:     []EventTypeBreakdown{},
		BySeverity:      []SeverityBreakdown{},
		TopIncidents:    []Incident{},
	}

	byEvent := make(map[domain.EventType]*EventTypeBreakdown)
	delayByEvent := make(map[domain.EventType]float64)
	bySev := make(map[domain.Severity]*SeverityBreakdown)

	for _, inc := range incidents {
		r.GrossDelayCostUSD += inc.GrossDelayCostUSD
		r.NetSavingsUSD += inc.NetSavingsUSD
		r.RerouteOverheadUSD += inc.RerouteOverheadUSD
		if inc.NetSavingsUSD > 0 {
			r.DisruptionsDetected++
		}
		r.ReroutesPrevented += int(math.Ceil(float64(inc.DisruptedShipments) * inc.DetectionRate))
		if inc.FromDeliveryHistory {
			r.DataSource = SourceHistorical
		}

		eb := byEvent[inc.EventType]
		if eb == nil {
			eb = &EventTypeBreakdown{EventType: inc.EventType}
			byEvent[inc.EventType] = eb
		}
		eb.Threats++
		eb.DisruptedShipments += inc.DisruptedShipments
		eb.GrossDelayCostUSD += inc.GrossDelayCostUSD
		eb.NetSavingsUSD += inc.NetSavingsUSD
		delayByEvent[inc.EventType] += inc.AvgDelayHours * float64(inc.DisruptedShipments)

		sb := bySev[inc.Severity]
		if sb == nil {
			sb = &SeverityBreakdown{Severity: inc.Severity, DetectionRate: inc.DetectionRate}
			bySev[inc.Severity] = sb
		}
		sb.Threats++
		sb.GrossDelayCostUSD += inc.GrossDelayCostUSD
		sb.NetSavingsUSD += inc.NetSavingsUSD
	}

	r.GrossDelayCostUSD = round2(r.GrossDelayCostUSD)
	r.NetSavingsUSD = round2(r.NetSavingsUSD)
	r.RerouteOverheadUSD = round2(r.RerouteOverheadUSD)
	r.NetSavingsHeadline = FormatUSD(r.NetSavingsUSD)
	if r.RerouteOverheadUSD > 0 {
		r.ROIMultiple = round2(r.NetSavingsUSD / r.RerouteOverheadUSD)
	}

	for et, eb := range byEvent {
		if eb.DisruptedShipments > 0 {
			eb.AvgDelayHours = math.Round(delayByEvent[et]/float64(eb.DisruptedShipments)*10) / 10
		}
		eb.GrossDelayCostUSD = round2(eb.GrossDelayCostUSD)
		eb.NetSavingsUSD = round2(eb.NetSavingsUSD)
		r.ByEventType = append(r.ByEventType, *eb)
	}
	sort.Slice(r.ByEventType, func(i, j int) bool {
		a, b := r.ByEventType[i], r.ByEventType[j]
		if a.NetSavingsUSD != b.NetSavingsUSD {
			return a.NetSavingsUSD > b.NetSavingsUSD
		}
		return a.EventType < b.EventType
	})

	for _, sev := range severityOrder {
		if sb := bySev[sev]; sb != nil {
			sb.GrossDelayCostUSD = round2(sb.GrossDelayCostUSD)
			sb.NetSavingsUSD = round2(sb.NetSavingsUSD)
			r.BySeverity = append(r.BySeverity, *sb)
		}
	}

	top := append([]Incident(nil), incidents...)
	sort.SliceStable(top, func(i, j int) bool { return top[i].NetSavingsUSD > top[j].NetSavingsUSD })
	if len(top) > topN {
		top = top[:topN]
	}
	r.TopIncidents = append(r.TopIncidents, top...)

	r.MethodologyNote = methodology(r)
	return r
}

func methodology(r Report) string {
	rates := fmt.Sprintf("Detection rates: extreme %.0f%%, severe %.0f%%, moderate %.0f%%, minor %.0f%%. ",
		DetectionRate(domain.SeverityExtreme)*100, DetectionRate(domain.SeveritySevere)*100,
		DetectionRate(domain.SeverityModerate)*100, DetectionRate(domain.SeverityMinor)*100)
	formula := fmt.Sprintf("Net savings = detected delay cost x %.0f%% avoidance, less %.0f%% reroute overhead.",
		AvoidanceEfficiency*100, RerouteOverheadRate*100)
	if r.DataSource == SourceHistorical {
		return fmt.Sprintf("Late deliveries (mean delay of at least %.0f h) recorded at locations inside each hazard's buffer "+
			"while it was in effect, %s to %s; hazards without recorded deliveries use severity profiles. ",
			MinDisruptionHours, r.PeriodStart, r.PeriodEnd) + rates + formula
	}
	return fmt.Sprintf("No late deliveries recorded for %s to %s; figures use severity profiles "+
		"(extreme: 72 h, 15 shipments; severe: 36 h, 10; moderate: 18 h, 6; minor: 8 h, 3). ",
		r.PeriodStart, r.PeriodEnd) + rates + formula
}
