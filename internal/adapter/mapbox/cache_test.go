package mapbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/couchcryptid/storm-reroute-service/internal/domain"
	"github.com/couchcryptid/storm-reroute-service/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mock for cache tests ---

type countingRouter struct {
	mu    sync.Mutex
	calls int
	route domain.Route
	err   error
}

func (m *countingRouter) Route(context.Context, domain.Coordinates, domain.Coordinates) (domain.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.route, m.err
}

func (m *countingRouter) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newCached(t *testing.T, inner *countingRouter) *CachedRouter {
	t.Helper()
	c, err := NewCachedRouter(inner, 1<<20, time.Hour, observability.NewMetricsForTesting())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

// --- CachedRouter tests ---

func TestCachedRouter_CacheHit(t *testing.T) {
	inner := &countingRouter{route: domain.Route{DurationMinutes: 230, DistanceKm: 385}}
	cached := newCached(t, inner)

	r1, err := cached.Route(context.Background(), houston, dallas)
	require.NoError(t, err)
	cached.Wait()

	r2, err := cached.Route(context.Background(), houston, dallas)
	require.NoError(t, err)

	assert.Equal(t, r1, r2)
	assert.Equal(t, 1, inner.Calls(), "should only call inner once")
}

func TestCachedRouter_DirectionMatters(t *testing.T) {
	inner := &countingRouter{route: domain.Route{DurationMinutes: 230}}
	cached := newCached(t, inner)

	_, _ = cached.Route(context.Background(), houston, dallas)
	cached.Wait()
	_, _ = cached.Route(context.Background(), dallas, houston)

	assert.Equal(t, 2, inner.Calls())
}

func TestCachedRouter_ErrorsAreNotCached(t *testing.T) {
	inner := &countingRouter{err: errors.New("mapbox API error: status 503")}
	cached := newCached(t, inner)

	_, err := cached.Route(context.Background(), houston, dallas)
	require.Error(t, err)
	cached.Wait()
	_, err = cached.Route(context.Background(), houston, dallas)
	require.Error(t, err)

	assert.Equal(t, 2, inner.Calls())
}

func TestCachedRouter_EstimatesAreNotCached(t *testing.T) {
	inner := &countingRouter{route: domain.Route{DurationMinutes: 400, Estimated: true}}
	cached := newCached(t, inner)

	_, _ = cached.Route(context.Background(), houston, dallas)
	cached.Wait()
	_, _ = cached.Route(context.Background(), houston, dallas)

	assert.Equal(t, 2, inner.Calls())
}

func TestRouteKey_RoundsNearbyPoints(t *testing.T) {
	near := domain.Coordinates{Lat: houston.Lat + 0.00001, Lon: houston.Lon}
	assert.Equal(t, routeKey(houston, dallas), routeKey(near, dallas))
	assert.NotEqual(t, routeKey(houston, dallas), routeKey(dallas, houston))
}
