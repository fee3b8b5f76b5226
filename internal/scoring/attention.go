package scoring

import (
	"math"

	"github.com/couchcryptid/storm-reroute-service/internal/domain"
)

const (
	// MinDriveTimeMinutes floors the drive time used in scoring, so a
	// near-zero estimate cannot dominate every other term.
	MinDriveTimeMinutes = 5.0
	// DriveTimeScaleMinutes is the drive time at which the drive-time factor is one half.
	DriveTimeScaleMinutes = 120.0
)

// Weights are the linear coefficients of the attention score.
type Weights struct {
	Severity    float64 `yaml:"severity"`
	CostSavings float64 `yaml:"cost_savings"`
	DriveTime   float64 `yaml:"drive_time"`
	Reliability float64 `yaml:"reliability"`
	SLA         float64 `yaml:"sla"`
}

// DefaultWeights returns the production weights. They sum to one.
func DefaultWeights() Weights {
	return Weights{Severity: 0.30, CostSavings: 0.20, DriveTime: 0.15, Reliability: 0.25, SLA: 0.10}
}

// AttentionInputs are the per-candidate values fed to AttentionScore.
type AttentionInputs struct {
	Severity          domain.Severity
	RerouteCostUSD    float64
	OriginValueAtRisk float64
	DriveTimeMinutes  float64
	Reliability       float64
	SLAMatch          float64
	Adjustment        float64
}

// AttentionScore ranks a reroute candidate. The result is clamped to [0, 1].
func AttentionScore(in AttentionInputs, w Weights) float64 {
	score := w.Severity*SeverityWeight(in.Severity) +
		w.CostSavings*CostSavings(in.RerouteCostUSD, in.OriginValueAtRisk) +
		w.DriveTime*DriveTimeFactor(in.DriveTimeMinutes) +
		w.Reliability*clamp01(in.Reliability) +
		w.SLA*clamp01(in.SLAMatch) +
		in.Adjustment
	return clamp01(score)
}

// SeverityWeight normalizes a severity to [0, 1].
func SeverityWeight(s domain.Severity) float64 {
	switch s {
	case domain.SeverityExtreme:
		return 1.0
	case domain.SeveritySevere:
		return 0.75
	case domain.SeverityModerate:
		return 0.5
	case domain.SeverityMinor:
		return 0.25
	default:
		return 0.1
	}
}

// CostSavings is the share of the at-risk value left after paying for the reroute.
func CostSavings(cost, valueAtRisk float64) float64 {
	if valueAtRisk <= 0 {
		return 0
	}
	return clamp01(1 - cost/valueAtRisk)
}

// DriveTimeFactor decays with drive time. The denominator never drops below
// MinDriveTimeMinutes.
func DriveTimeFactor(minutes float64) float64 {
	if math.IsNaN(minutes) {
		minutes = 0
	}
	return DriveTimeScaleMinutes / (DriveTimeScaleMinutes + math.Max(minutes, MinDriveTimeMinutes))
}

// CostModel prices a reroute.
type CostModel struct {
	BaseRate float64 `yaml:"base_rate"`
	PerKm    float64 `yaml:"per_km"`
}

// DefaultCostModel returns the production pricing.
func DefaultCostModel() CostModel {
	return CostModel{BaseRate: 0.05, PerKm: 2.5}
}

// RerouteCost is the handling charge on the candidate's inventory plus distance.
func RerouteCost(candidate domain.Location, routeKm float64, m CostModel) float64 {
	return candidate.ValueAtRisk()*m.BaseRate + math.Max(routeKm, 0)*m.PerKm
}

const (
	fallbackLeadTimeHours = 24.0
	roadDistanceFactor    = 1.3
)

// FallbackRoute estimates drive minutes and road km when routing is unavailable.
func FallbackRoute(greatCircleKm, leadTimeHours float64) (minutes, km float64) {
	if leadTimeHours <= 0 {
		leadTimeHours = fallbackLeadTimeHours
	}
	return leadTimeHours * 60, greatCircleKm * roadDistanceFactor
}

// HistoryPenalty is the reliability penalty for a supplier with a poor recent
// record: late more than 30% of the time or averaging more than 4h of delay.
func HistoryPenalty(stats domain.DeliveryStats, factor float64) float64 {
	if stats.Samples == 0 {
		return 0
	}
	if stats.LateRatio > 0.3 || stats.AvgDelayHours > 4 {
		return factor * (1 + stats.LateRatio)
	}
	return 0
}

// Confidence lowers the attention score by the weighted penalty and returns
// the result along with the signed adjustment that was applied.
func Confidence(attention, penalty, penaltyWeight float64) (confidence, adjustment float64) {
	confidence = clamp01(attention - penalty*penaltyWeight)
	return confidence, confidence - clamp01(attention)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
