package agent_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/couchcryptid/storm-reroute-service/internal/domain"
	"github.com/couchcryptid/storm-reroute-service/internal/observability"
	"github.com/couchcryptid/storm-reroute-service/internal/store"
	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 20, 18, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func usd(v float64) *float64 { return &v }

// oklahomaZone is a one-degree square over central Oklahoma.
func oklahomaZone() domain.Zone {
	return domain.Zone{orb.Polygon{orb.Ring{
		{-97, 35}, {-96, 35}, {-96, 36}, {-97, 36}, {-97, 35},
	}}}
}

func hazard(id string, sev domain.Severity, zone domain.Zone) domain.HazardEvent {
	return domain.HazardEvent{
		ID:        id,
		Source:    "nws",
		EventType: domain.EventTornado,
		Severity:  sev,
		Zone:      zone,
		Effective: t0.Add(-time.Hour),
		Expires:   t0.Add(6 * time.Hour),
	}
}

func warehouse(id string, lat, lon float64, value *float64, reliability float64) domain.Location {
	return domain.Location{
		ID:               id,
		Name:             id,
		Type:             domain.LocationWarehouse,
		Coordinates:      domain.Coordinates{Lat: lat, Lon: lon},
		InventoryValue:   value,
		ReliabilityIndex: reliability,
		AvgLeadTimeHours: 12,
		Active:           true,
	}
}

// Fixture network: one warehouse inside the zone, one ~18 km east of it,
// one just outside the exclusion radius, and two distant alternates.
var (
	whInside  = warehouse("wh-okc", 35.5, -96.5, usd(1_000_000), 0.9)
	whEdge    = warehouse("wh-edge", 35.5, -95.8, usd(200_000), 0.8)
	whNear    = warehouse("wh-near", 36.3, -96.5, usd(300_000), 0.95)
	whDallas  = warehouse("wh-dallas", 32.8, -96.8, usd(500_000), 0.85)
	whKC      = warehouse("wh-kc", 39.1, -94.6, usd(400_000), 0.7)
	supRemote = domain.Location{
		ID: "sup-remote", Name: "sup-remote", Type: domain.LocationSupplier,
		Coordinates: domain.Coordinates{Lat: 41.9, Lon: -87.6}, InventoryValue: usd(900_000),
		ReliabilityIndex: 0.99, Active: true,
	}
)

func seededStore(t *testing.T, clock clockwork.Clock, locs ...domain.Location) *store.Memory {
	t.Helper()
	m := store.NewMemory(clock)
	for _, l := range locs {
		require.NoError(t, m.UpsertLocation(context.Background(), l))
	}
	return m
}

func testMetrics() *observability.Metrics {
	return observability.NewMetricsForTesting()
}

// --- fakes ---

type fakeRouter struct {
	mu     sync.Mutex
	routes map[string]domain.Route
	err    error
	calls  int
}

func (r *fakeRouter) Route(_ context.Context, _, to domain.Coordinates) (domain.Route, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return domain.Route{}, r.err
	}
	if route, ok := r.routes[coordKey(to)]; ok {
		return route, nil
	}
	return domain.Route{}, errors.New("no route")
}

func coordKey(c domain.Coordinates) string {
	return fmt.Sprintf("%.4f,%.4f", c.Lat, c.Lon)
}

type recordingExecutor struct {
	mu       sync.Mutex
	executed []string
	err      error
}

func (e *recordingExecutor) Execute(_ context.Context, p domain.RerouteProposal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.executed = append(e.executed, p.ID)
	return nil
}

func (e *recordingExecutor) IDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.executed...)
}

type recordingNotifier struct {
	mu        sync.Mutex
	requested []string
	err       error
}

func (n *recordingNotifier) RequestApproval(_ context.Context, p domain.RerouteProposal) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.requested = append(n.requested, p.ID)
	return nil
}

func (n *recordingNotifier) IDs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.requested...)
}

type failingHistory struct{}

func (failingHistory) DeliveryStats(context.Context, string, time.Time) (domain.DeliveryStats, error) {
	return domain.DeliveryStats{}, errors.New("history unavailable")
}
