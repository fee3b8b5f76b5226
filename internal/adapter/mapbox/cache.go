package mapbox

import (
	"context"
	"fmt"
	"time"

	"github.com/couchcryptid/storm-reroute-service/internal/agent"
	"github.com/couchcryptid/storm-reroute-service/internal/domain"
	"github.com/couchcryptid/storm-reroute-service/internal/observability"
	"github.com/dgraph-io/ristretto/v2"
)

// routeCost approximates the in-memory size of a cached entry.
const routeCost = 64

// CachedRouter wraps a Router with an in-process ristretto cache.
type CachedRouter struct {
	inner   agent.Router
	cache   *ristretto.Cache[string, domain.Route]
	ttl     time.Duration
	metrics *observability.Metrics
}

// NewCachedRouter creates a cache decorator around a router. maxCostBytes
// bounds the cache size.
func NewCachedRouter(inner agent.Router, maxCostBytes int64, ttl time.Duration, metrics *observability.Metrics) (*CachedRouter, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, domain.Route]{
		NumCounters: maxCostBytes / routeCost * 10, // ~10x expected items
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create route cache: %w", err)
	}
	return &CachedRouter{inner: inner, cache: c, ttl: ttl, metrics: metrics}, nil
}

// Route returns a cached route or asks the inner router.
func (c *CachedRouter) Route(ctx context.Context, from, to domain.Coordinates) (domain.Route, error) {
	key := routeKey(from, to)
	if r, ok := c.cache.Get(key); ok {
		c.metrics.RouteCache.WithLabelValues("hit").Inc()
		return r, nil
	}
	c.metrics.RouteCache.WithLabelValues("miss").Inc()

	r, err := c.inner.Route(ctx, from, to)
	if err != nil {
		return r, err
	}
	// Estimated routes are not cached so the next lookup retries the API.
	if !r.Estimated {
		c.cache.SetWithTTL(key, r, routeCost, c.ttl)
	}
	return r, nil
}

// Wait blocks until pending cache writes are applied.
func (c *CachedRouter) Wait() { c.cache.Wait() }

// Close releases the cache.
func (c *CachedRouter) Close() { c.cache.Close() }

// routeKey rounds to ~11m so nearby lookups share an entry.
func routeKey(from, to domain.Coordinates) string {
	return fmt.Sprintf("%.4f,%.4f|%.4f,%.4f", from.Lat, from.Lon, to.Lat, to.Lon)
}
