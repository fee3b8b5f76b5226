package focus_test

import (
	"context"
	"testing"
	"time"

	"github.com/couchcryptid/storm-reroute-service/internal/domain"
	"github.com/couchcryptid/storm-reroute-service/internal/focus"
	"github.com/couchcryptid/storm-reroute-service/internal/scoring"
	"github.com/couchcryptid/storm-reroute-service/internal/store"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usd(v float64) *float64 { return &v }

func seededStore(t *testing.T) *store.Memory {
	t.Helper()
	ctx := context.Background()
	m := store.NewMemory(nil)
	_, err := m.UpsertHazards(ctx, []domain.HazardEvent{{
		ID: "haz-1", EventType: domain.EventFlood, Severity: domain.SeverityModerate,
		Zone: domain.Zone{orb.Polygon{orb.Ring{{-91, 29}, {-90, 29}, {-90, 30}, {-91, 30}, {-91, 29}}}},
	}})
	require.NoError(t, err)
	for _, loc := range []domain.Location{
		{ID: "port-nola", Type: domain.LocationPort, Coordinates: domain.Coordinates{Lat: 29.95, Lon: -90.07}, InventoryValue: usd(3_000_000), Active: true},
		{ID: "wh-memphis", Type: domain.LocationWarehouse, Coordinates: domain.Coordinates{Lat: 35.1, Lon: -90.0}, InventoryValue: usd(1_000_000), Active: true},
	} {
		require.NoError(t, m.UpsertLocation(ctx, loc))
	}
	require.NoError(t, m.CreateProposal(ctx, domain.RerouteProposal{
		ID: "p1", ThreatID: "haz-1", OriginalLocationID: "port-nola", ProposedLocationID: "port-mobile", Status: domain.StatusPending, Version: 1,
	}))
	return m
}

func TestFocus_Result(t *testing.T) {
	svc := focus.NewService(seededStore(t), scoring.DefaultBuffers(), time.Second)

	res, err := svc.Focus(context.Background(), "s1", "haz-1")
	require.NoError(t, err)
	require.Len(t, res.Affected, 1)
	assert.Equal(t, "port-nola", res.Affected[0].ID)
	assert.InDelta(t, 3_000_000, res.ValueAtRisk, 0.01)
	assert.Len(t, res.Proposals, 1)
	assert.InDelta(t, 10, res.BufferKm, 0)
	require.NotNil(t, res.Centroid)
	assert.Contains(t, res.Summary, "1 location(s)")
	assert.Zero(t, svc.Active(), "session released")
}

func TestFocus_UnknownThreat(t *testing.T) {
	svc := focus.NewService(seededStore(t), scoring.DefaultBuffers(), time.Second)

	_, err := svc.Focus(context.Background(), "s1", "haz-missing")
	require.ErrorIs(t, err, focus.ErrThreatNotFound)
}

// blockingSource blocks GetHazard until released or cancelled.
type blockingSource struct {
	*store.Memory
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSource) GetHazard(ctx context.Context, id string) (domain.HazardEvent, error) {
	b.entered <- struct{}{}
	select {
	case <-ctx.Done():
		return domain.HazardEvent{}, ctx.Err()
	case <-b.release:
	}
	return b.Memory.GetHazard(ctx, id)
}

func TestFocus_NewQuerySupersedesOld(t *testing.T) {
	src := &blockingSource{Memory: seededStore(t), entered: make(chan struct{}, 2), release: make(chan struct{})}
	svc := focus.NewService(src, scoring.DefaultBuffers(), 5*time.Second)

	first := make(chan error, 1)
	go func() {
		_, err := svc.Focus(context.Background(), "s1", "haz-1")
		first <- err
	}()
	<-src.entered

	second := make(chan error, 1)
	go func() {
		_, err := svc.Focus(context.Background(), "s1", "haz-1")
		second <- err
	}()

	require.ErrorIs(t, <-first, focus.ErrSuperseded)
	<-src.entered
	close(src.release)
	require.NoError(t, <-second)
}

func TestFocus_SessionsAreIndependent(t *testing.T) {
	src := &blockingSource{Memory: seededStore(t), entered: make(chan struct{}, 2), release: make(chan struct{})}
	svc := focus.NewService(src, scoring.DefaultBuffers(), 5*time.Second)

	errs := make(chan error, 2)
	for _, sess := range []string{"s1", "s2"} {
		go func() {
			_, err := svc.Focus(context.Background(), sess, "haz-1")
			errs <- err
		}()
	}
	<-src.entered
	<-src.entered
	close(src.release)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
}
