//go:build integration

package postgres_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/storm-reroute-service/internal/adapter/postgres"
	"github.com/couchcryptid/storm-reroute-service/internal/domain"
	"github.com/couchcryptid/storm-reroute-service/internal/store"
)

var t0 = time.Date(2026, 7, 14, 10, 0, 0, 0, time.UTC)

// setupStore connects to DATABASE_URL, runs all migrations, and returns a
// ready-to-use Store. The pool is closed via t.Cleanup.
func setupStore(t *testing.T) *postgres.Store {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}

	ctx := context.Background()
	require.NoError(t, postgres.RunMigrations(ctx, dsn))

	pool, err := postgres.NewPool(ctx, dsn, 4)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return postgres.NewStore(pool, clockwork.NewFakeClockAt(t0))
}

func uniqueID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func usd(v float64) *float64 { return &v }

func TestStore_HazardRoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	h := domain.HazardEvent{
		ID: uniqueID("haz"), Source: "noaa", EventType: domain.EventFlood, Severity: domain.SeveritySevere,
		Zone:      domain.Zone{orb.Polygon{orb.Ring{{-91, 29}, {-90, 29}, {-90, 30}, {-91, 30}, {-91, 29}}}},
		Centroid:  &domain.Coordinates{Lat: 29.5, Lon: -90.5},
		Effective: t0, Expires: t0.Add(time.Hour), IngestedAt: t0,
	}
	n, err := s.UpsertHazards(ctx, []domain.HazardEvent{h})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetHazard(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, h.Zone, got.Zone)
	assert.Equal(t, *h.Centroid, *got.Centroid)
	assert.True(t, h.Expires.Equal(got.Expires))

	_, err = s.ExpireHazards(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	_, err = s.GetHazard(ctx, h.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	archived, err := s.ListHazardsEffective(ctx, t0.Add(-time.Minute), t0.Add(time.Minute), 0)
	require.NoError(t, err)
	var ids []string
	for _, a := range archived {
		ids = append(ids, a.ID)
	}
	assert.Contains(t, ids, h.ID, "expired hazards stay in the archive")
}

func TestStore_ReliabilityIsClamped(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	loc := domain.Location{
		ID: uniqueID("sup"), Name: "Tulsa Steel", Type: domain.LocationSupplier,
		Coordinates: domain.Coordinates{Lat: 36.15, Lon: -95.99}, ReliabilityIndex: 0.98, Active: true,
	}
	require.NoError(t, s.UpsertLocation(ctx, loc))

	v, err := s.AdjustReliability(ctx, loc.ID, 0.05)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, v, 1e-9)

	got, err := s.GetLocation(ctx, loc.ID)
	require.NoError(t, err)
	assert.Nil(t, got.InventoryValue, "unknown inventory stays null")

	_, err = s.AdjustReliability(ctx, uniqueID("missing"), 0.1)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_ProposalLifecycle(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	p := domain.RerouteProposal{
		ID: uniqueID("prop"), ThreatID: uniqueID("haz"), OriginalLocationID: "a", ProposedLocationID: "b",
		AttentionScore: 0.7, RerouteCostUSD: 1000, DriveTimeMinutes: 60, DistanceKm: 80,
		Status: domain.StatusPending, Version: 1, CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, s.CreateProposal(ctx, p))
	require.ErrorIs(t, s.CreateProposal(ctx, p), store.ErrConflict)

	conf := 0.62
	updated, err := s.TransitionProposal(ctx, domain.ProposalTransition{
		ProposalID: p.ID, From: domain.StatusPending, To: domain.StatusAwaitingApproval, Version: 1, Confidence: &conf,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	// A stale version loses.
	_, err = s.TransitionProposal(ctx, domain.ProposalTransition{
		ProposalID: p.ID, From: domain.StatusPending, To: domain.StatusRejected, Version: 1,
	})
	require.ErrorIs(t, err, store.ErrConflict)

	listed, err := s.ListProposals(ctx, store.ProposalFilter{ThreatID: p.ThreatID, Status: domain.StatusAwaitingApproval})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.NotNil(t, listed[0].Confidence)
	assert.InDelta(t, 0.62, *listed[0].Confidence, 1e-9)
}

func TestStore_ConcurrentTransitionsApplyOnce(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	p := domain.RerouteProposal{
		ID: uniqueID("prop"), ThreatID: "h", OriginalLocationID: "a", ProposedLocationID: "b",
		Status: domain.StatusAwaitingApproval, Version: 3, CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, s.CreateProposal(ctx, p))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.TransitionProposal(ctx, domain.ProposalTransition{
				ProposalID: p.ID, From: domain.StatusAwaitingApproval, To: domain.StatusApproved, Version: 3, ResolvedBy: "ops",
			})
			if err == nil {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, applied)
}

func TestStore_DeliveryStats(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	sup := uniqueID("sup")

	for _, o := range []domain.DeliveryOutcome{
		{SupplierID: sup, OnTime: true, RecordedAt: t0.Add(-time.Hour)},
		{SupplierID: sup, OnTime: false, DelayHours: 8, RecordedAt: t0.Add(-2 * time.Hour)},
		{SupplierID: sup, OnTime: false, DelayHours: 30, RecordedAt: t0.Add(-60 * 24 * time.Hour)},
	} {
		require.NoError(t, s.RecordDelivery(ctx, o))
	}

	st, err := s.DeliveryStats(ctx, sup, t0.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, st.Samples)
	assert.InDelta(t, 0.5, st.LateRatio, 1e-9)
	assert.InDelta(t, 4, st.AvgDelayHours, 1e-9)

	st, err = s.DeliveryStatsBetween(ctx, sup, t0.Add(-61*24*time.Hour), t0.Add(-90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, st.Samples)
	assert.InDelta(t, 1, st.LateRatio, 1e-9)
	assert.InDelta(t, 19, st.AvgDelayHours, 1e-9)
}

func TestStore_Snapshot(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertLocation(ctx, domain.Location{
		ID: uniqueID("wh"), Name: "Memphis DC", Type: domain.LocationWarehouse,
		Coordinates: domain.Coordinates{Lat: 35.1, Lon: -90}, InventoryValue: usd(1_000), Active: true,
	}))

	snap, err := s.Snapshot(ctx, t0, 50)
	require.NoError(t, err)
	assert.Empty(t, snap.Failed)
	assert.NotEmpty(t, snap.Locations)
	assert.NotNil(t, snap.Pending)
}

func TestStore_SnapshotOnCancelledContext(t *testing.T) {
	s := setupStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Snapshot(ctx, t0, 50)
	require.Error(t, err)
}
