package simulate_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/storm-reroute-service/internal/domain"
	"github.com/couchcryptid/storm-reroute-service/internal/scoring"
	"github.com/couchcryptid/storm-reroute-service/internal/simulate"
	"github.com/couchcryptid/storm-reroute-service/internal/store"
)

var jan = time.Date(2026, 1, 10, 6, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func box(minLon, minLat, maxLon, maxLat float64) domain.Zone {
	return domain.Zone{orb.Bound{Min: orb.Point{minLon, minLat}, Max: orb.Point{maxLon, maxLat}}.ToPolygon()}
}

var (
	floodZone     = box(-91, 29, -90, 30)
	hurricaneZone = box(-96, 27, -94, 29.5)
)

func newService(src simulate.Source) *simulate.Service {
	return simulate.NewService(src, simulate.Config{Buffers: scoring.DefaultBuffers()}, discardLogger())
}

func january(t *testing.T) simulate.Period {
	t.Helper()
	p, err := simulate.ParsePeriod("2026-01-01", "2026-01-31")
	require.NoError(t, err)
	return p
}

func seed(t *testing.T, hazards []domain.HazardEvent, locs []domain.Location, deliveries []domain.DeliveryOutcome) *store.Memory {
	t.Helper()
	ctx := context.Background()
	m := store.NewMemory(nil)
	_, err := m.UpsertHazards(ctx, hazards)
	require.NoError(t, err)
	for _, l := range locs {
		require.NoError(t, m.UpsertLocation(ctx, l))
	}
	for _, d := range deliveries {
		require.NoError(t, m.RecordDelivery(ctx, d))
	}
	return m
}

func TestParsePeriod(t *testing.T) {
	tests := []struct {
		name       string
		start, end string
		wantErr    bool
	}{
		{name: "one day", start: "2026-01-01", end: "2026-01-01"},
		{name: "leap year", start: "2024-01-01", end: "2025-01-01"},
		{name: "reversed", start: "2026-02-01", end: "2026-01-01", wantErr: true},
		{name: "too long", start: "2024-01-01", end: "2025-01-02", wantErr: true},
		{name: "not a date", start: "last week", end: "2026-01-01", wantErr: true},
		{name: "missing end", start: "2026-01-01", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := simulate.ParsePeriod(tt.start, tt.end)
			if tt.wantErr {
				require.ErrorIs(t, err, simulate.ErrInvalidPeriod)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestRun_SeverityProfilesWithoutDeliveries(t *testing.T) {
	src := seed(t, []domain.HazardEvent{
		{ID: "flood-1", EventType: domain.EventFlood, Severity: domain.SeveritySevere, Zone: floodZone, Effective: jan},
		{ID: "hurr-1", EventType: domain.EventHurricane, Severity: domain.SeverityExtreme, Zone: hurricaneZone, Effective: jan.Add(48 * time.Hour)},
		{ID: "flood-dec", EventType: domain.EventFlood, Severity: domain.SeverityExtreme, Zone: floodZone, Effective: jan.AddDate(0, -1, 0)},
	}, nil, nil)

	r, err := newService(src).Run(context.Background(), january(t))
	require.NoError(t, err)

	assert.Equal(t, "2026-01-01", r.PeriodStart)
	assert.Equal(t, "2026-01-31", r.PeriodEnd)
	assert.Equal(t, simulate.SourceSynthetic, r.DataSource)
	assert.Equal(t, 2, r.ThreatsAnalyzed)
	assert.Equal(t, 2, r.DisruptionsDetected)
	assert.Equal(t, 9+14, r.ReroutesPrevented)

	// severe: 36 h x $48k x 10 shipments; extreme: 72 h x $55k x 15 shipments.
	assert.InDelta(t, 2880+9900, r.GrossDelayCostUSD, 0.01)
	assert.InDelta(t, 1465.37+5452.05, r.NetSavingsUSD, 0.01)
	assert.InDelta(t, 321.67+1196.79, r.RerouteOverheadUSD, 0.01)
	assert.InDelta(t, 4.56, r.ROIMultiple, 0.01)
	assert.Equal(t, "$6.9K", r.NetSavingsHeadline)

	require.Len(t, r.ByEventType, 2)
	assert.Equal(t, domain.EventHurricane, r.ByEventType[0].EventType)
	assert.InDelta(t, 72, r.ByEventType[0].AvgDelayHours, 0)

	require.Len(t, r.BySeverity, 2)
	assert.Equal(t, domain.SeverityExtreme, r.BySeverity[0].Severity)
	assert.Equal(t, domain.SeveritySevere, r.BySeverity[1].Severity)

	require.Len(t, r.TopIncidents, 2)
	assert.Equal(t, "hurr-1", r.TopIncidents[0].ThreatID)
	assert.False(t, r.TopIncidents[0].FromDeliveryHistory)
	assert.Contains(t, r.MethodologyNote, "severity profiles")
}

func TestRun_LateDeliveriesInsideBuffer(t *testing.T) {
	hazard := domain.HazardEvent{
		ID: "flood-1", EventType: domain.EventFlood, Severity: domain.SeveritySevere, Zone: floodZone,
		Effective: jan, Expires: jan.Add(72 * time.Hour),
	}
	locs := []domain.Location{
		{ID: "sup-nola", Name: "NOLA Chemicals", Type: domain.LocationSupplier, Coordinates: domain.Coordinates{Lat: 29.95, Lon: -90.07}, Active: true},
		{ID: "sup-houma", Name: "Houma Marine", Type: domain.LocationSupplier, Coordinates: domain.Coordinates{Lat: 29.6, Lon: -90.7}, Active: true},
		{ID: "sup-memphis", Name: "Memphis Parts", Type: domain.LocationSupplier, Coordinates: domain.Coordinates{Lat: 35.1, Lon: -90.0}, Active: true},
	}
	deliveries := []domain.DeliveryOutcome{
		{SupplierID: "sup-nola", OnTime: true, RecordedAt: jan.Add(2 * time.Hour)},
		{SupplierID: "sup-nola", OnTime: true, RecordedAt: jan.Add(5 * time.Hour)},
		{SupplierID: "sup-nola", OnTime: false, DelayHours: 10, RecordedAt: jan.Add(20 * time.Hour)},
		{SupplierID: "sup-nola", OnTime: false, DelayHours: 30, RecordedAt: jan.Add(40 * time.Hour)},
		// After the hazard expired.
		{SupplierID: "sup-nola", OnTime: false, DelayHours: 90, RecordedAt: jan.Add(100 * time.Hour)},
		{SupplierID: "sup-houma", OnTime: true, RecordedAt: jan.Add(10 * time.Hour)},
		// Outside the buffer.
		{SupplierID: "sup-memphis", OnTime: false, DelayHours: 50, RecordedAt: jan.Add(10 * time.Hour)},
	}
	src := seed(t, []domain.HazardEvent{hazard}, locs, deliveries)

	r, err := newService(src).Run(context.Background(), january(t))
	require.NoError(t, err)

	assert.Equal(t, simulate.SourceHistorical, r.DataSource)
	require.Len(t, r.TopIncidents, 1)
	inc := r.TopIncidents[0]
	assert.True(t, inc.FromDeliveryHistory)
	assert.Equal(t, 2, inc.ExposedLocations)
	assert.Equal(t, 2, inc.DisruptedShipments)
	assert.InDelta(t, 20, inc.AvgDelayHours, 1e-9)
	// 20 h x $48k x 2 shipments at 0.4% a day.
	assert.InDelta(t, 320, inc.GrossDelayCostUSD, 0.01)
	assert.InDelta(t, 162.82, inc.NetSavingsUSD, 0.01)
	assert.InDelta(t, 0.85, inc.DetectionRate, 0)
	assert.Equal(t, 2, r.ReroutesPrevented)
	assert.Contains(t, r.MethodologyNote, "Late deliveries")
}

func TestRun_EmptyPeriod(t *testing.T) {
	r, err := newService(store.NewMemory(nil)).Run(context.Background(), january(t))
	require.NoError(t, err)
	assert.Zero(t, r.ThreatsAnalyzed)
	assert.Zero(t, r.ROIMultiple)
	assert.Equal(t, "$0", r.NetSavingsHeadline)
	assert.NotNil(t, r.ByEventType)
	assert.NotNil(t, r.TopIncidents)
}

func TestRun_TopIncidentsAreCapped(t *testing.T) {
	var hazards []domain.HazardEvent
	for i, sev := range []domain.Severity{
		domain.SeverityMinor, domain.SeverityModerate, domain.SeveritySevere,
		domain.SeverityExtreme, domain.SeverityUnknown, domain.SeverityMinor, domain.SeverityExtreme,
	} {
		hazards = append(hazards, domain.HazardEvent{
			ID: fmt.Sprintf("%s-%d", sev, i), EventType: domain.EventTornado, Severity: sev,
			Zone: floodZone, Effective: jan.Add(time.Duration(i) * time.Hour),
		})
	}
	r, err := newService(seed(t, hazards, nil, nil)).Run(context.Background(), january(t))
	require.NoError(t, err)

	assert.Equal(t, 7, r.ThreatsAnalyzed)
	require.Len(t, r.TopIncidents, 5)
	for i := 1; i < len(r.TopIncidents); i++ {
		assert.GreaterOrEqual(t, r.TopIncidents[i-1].NetSavingsUSD, r.TopIncidents[i].NetSavingsUSD)
	}
	assert.Len(t, r.BySeverity, 5)
}

type failingSource struct {
	*store.Memory
	err error
}

func (f failingSource) DeliveryStatsBetween(context.Context, string, time.Time, time.Time) (domain.DeliveryStats, error) {
	return domain.DeliveryStats{}, f.err
}

func TestRun_StoreErrorFailsSimulation(t *testing.T) {
	mem := seed(t,
		[]domain.HazardEvent{{ID: "flood-1", Severity: domain.SeveritySevere, Zone: floodZone, Effective: jan}},
		[]domain.Location{{ID: "sup-nola", Name: "NOLA", Type: domain.LocationSupplier, Coordinates: domain.Coordinates{Lat: 29.95, Lon: -90.07}, Active: true}},
		nil)
	boom := errors.New("connection refused")

	_, err := newService(failingSource{Memory: mem, err: boom}).Run(context.Background(), january(t))
	require.ErrorIs(t, err, boom)
}

func TestRun_RejectsInvalidPeriod(t *testing.T) {
	p := simulate.Period{Start: jan, End: jan.AddDate(0, 0, -1)}
	_, err := newService(store.NewMemory(nil)).Run(context.Background(), p)
	require.ErrorIs(t, err, simulate.ErrInvalidPeriod)
}
