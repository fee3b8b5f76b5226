package domain

import "time"

// DeliveryOutcome is a recorded delivery from a supplier.
type DeliveryOutcome struct {
	SupplierID string    `json:"supplier_id"`
	ProposalID string    `json:"proposal_id,omitempty"`
	OnTime     bool      `json:"on_time"`
	DelayHours float64   `json:"delay_hours"`
	RecordedAt time.Time `json:"recorded_at"`
}

// DeliveryStats summarizes a supplier's recent deliveries.
type DeliveryStats struct {
	Samples       int     `json:"samples"`
	LateRatio     float64 `json:"late_ratio"`
	AvgDelayHours float64 `json:"avg_delay_hours"`
}

// SLAScore is the on-time fraction, or def when there is no history.
func (s DeliveryStats) SLAScore(def float64) float64 {
	if s.Samples == 0 {
		return def
	}
	return 1 - s.LateRatio
}

// SummarizeDeliveries aggregates outcomes into stats.
func SummarizeDeliveries(outcomes []DeliveryOutcome) DeliveryStats {
	if len(outcomes) == 0 {
		return DeliveryStats{}
	}
	var late int
	var delay float64
	for _, o := range outcomes {
		if !o.OnTime {
			late++
		}
		delay += o.DelayHours
	}
	n := float64(len(outcomes))
	return DeliveryStats{
		Samples:       len(outcomes),
		LateRatio:     float64(late) / n,
		AvgDelayHours: delay / n,
	}
}
