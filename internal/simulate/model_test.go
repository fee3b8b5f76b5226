package simulate

import (
	"testing"

	"github.com/couchcryptid/storm-reroute-service/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestDelayCost(t *testing.T) {
	// 0.4% of cargo value per day.
	assert.InDelta(t, 200, DelayCost(24, 50_000), 1e-9)
	assert.InDelta(t, 0, DelayCost(0, 50_000), 1e-9)
}

func TestNetSavings(t *testing.T) {
	sv := NetSavings(2880, domain.SeveritySevere)
	assert.InDelta(t, 2448, sv.Detected, 1e-6)
	assert.InDelta(t, 321.6672, sv.Overhead, 1e-6)
	assert.InDelta(t, 1465.3728, sv.Net, 1e-6)
	assert.InDelta(t, sv.Detected*AvoidanceEfficiency, sv.Net+sv.Overhead, 1e-6)
}

func TestDetectionRateAndProfileDefaults(t *testing.T) {
	assert.InDelta(t, 0.60, DetectionRate(""), 0)
	assert.InDelta(t, 0.60, DetectionRate(domain.SeverityUnknown), 0)
	assert.Equal(t, ProfileFor(domain.SeverityUnknown), ProfileFor("catastrophic"))
	assert.Greater(t, DetectionRate(domain.SeverityExtreme), DetectionRate(domain.SeverityMinor))
}

func TestFormatUSD(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{2_400_000, "$2.4M"},
		{1_000_000, "$1.0M"},
		{310_540, "$310.5K"},
		{6_917.42, "$6.9K"},
		{870.4, "$870"},
		{0, "$0"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatUSD(tt.in))
		})
	}
}

func TestDisrupted(t *testing.T) {
	tests := []struct {
		name      string
		stats     domain.DeliveryStats
		wantLate  int
		wantDelay float64
	}{
		{name: "no history", stats: domain.DeliveryStats{}},
		{name: "all on time", stats: domain.DeliveryStats{Samples: 6}},
		{name: "half late", stats: domain.DeliveryStats{Samples: 4, LateRatio: 0.5, AvgDelayHours: 10}, wantLate: 2, wantDelay: 20},
		{name: "short delays ignored", stats: domain.DeliveryStats{Samples: 4, LateRatio: 0.5, AvgDelayHours: 1}},
		{name: "threshold counts", stats: domain.DeliveryStats{Samples: 2, LateRatio: 1, AvgDelayHours: 4}, wantLate: 2, wantDelay: 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			late, delay := disrupted(tt.stats)
			assert.Equal(t, tt.wantLate, late)
			assert.InDelta(t, tt.wantDelay, delay, 1e-9)
		})
	}
}
