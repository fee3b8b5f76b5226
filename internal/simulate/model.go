package simulate

import (
	"fmt"
	"math"

	"github.com/couchcryptid/storm-reroute-service/internal/domain"
)

const (
	// AvoidanceEfficiency is the share of a detected delay cost a reroute avoids.
	AvoidanceEfficiency = 0.73
	// RerouteOverheadRate is the share of avoided cost spent on the reroute itself.
	RerouteOverheadRate = 0.18
	// DelayCostRatePerHour is the carrying cost per dollar of cargo per hour
	// of delay (0.4% per day).
	DelayCostRatePerHour = 0.004 / 24
	// MinDisruptionHours is the shortest average delay counted as a disruption.
	MinDisruptionHours = 4.0
)

// Profile is the assumed disruption footprint of one hazard at a severity,
// used when no recorded deliveries cover it.
type Profile struct {
	AvgDelayHours       float64
	ShipmentsPerThreat  int
	AvgShipmentValueUSD float64
}

var profiles = map[domain.Severity]Profile{
	domain.SeverityExtreme:  {AvgDelayHours: 72, ShipmentsPerThreat: 15, AvgShipmentValueUSD: 55_000},
	domain.SeveritySevere:   {AvgDelayHours: 36, ShipmentsPerThreat: 10, AvgShipmentValueUSD: 48_000},
	domain.SeverityModerate: {AvgDelayHours: 18, ShipmentsPerThreat: 6, AvgShipmentValueUSD: 42_000},
	domain.SeverityMinor:    {AvgDelayHours: 8, ShipmentsPerThreat: 3, AvgShipmentValueUSD: 38_000},
	domain.SeverityUnknown:  {AvgDelayHours: 20, ShipmentsPerThreat: 5, AvgShipmentValueUSD: 42_000},
}

// ProfileFor returns the severity's profile; unrecognized severities use the
// unknown profile.
func ProfileFor(s domain.Severity) Profile {
	if p, ok := profiles[s]; ok {
		return p
	}
	return profiles[domain.SeverityUnknown]
}

// DetectionRate is the probability a hazard of severity s is flagged before
// it reaches deliveries.
func DetectionRate(s domain.Severity) float64 {
	switch s {
	case domain.SeverityExtreme:
		return 0.92
	case domain.SeveritySevere:
		return 0.85
	case domain.SeverityModerate:
		return 0.72
	case domain.SeverityMinor:
		return 0.55
	default:
		return 0.60
	}
}

// DelayCost is the carrying cost of holding shipmentValueUSD for delayHours.
func DelayCost(delayHours, shipmentValueUSD float64) float64 {
	return delayHours * shipmentValueUSD * DelayCostRatePerHour
}

// Savings splits a gross delay cost into what would have been detected,
// the reroute overhead, and the net saving.
type Savings struct {
	Detected float64
	Overhead float64
	Net      float64
}

// NetSavings applies detection, avoidance and overhead to gross.
func NetSavings(gross float64, s domain.Severity) Savings {
	detected := gross * DetectionRate(s)
	avoided := detected * AvoidanceEfficiency
	overhead := avoided * RerouteOverheadRate
	return Savings{Detected: detected, Overhead: overhead, Net: avoided - overhead}
}

// FormatUSD renders a headline amount as "$2.4M", "$310.5K" or "$870".
func FormatUSD(usd float64) string {
	switch {
	case usd >= 1_000_000:
		return fmt.Sprintf("$%.1fM", usd/1_000_000)
	case usd >= 1_000:
		return fmt.Sprintf("$%.1fK", usd/1_000)
	default:
		return fmt.Sprintf("$%.0f", usd)
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
