// Package scoring holds the pure geospatial and scoring functions shared by the
// pipeline agents. Nothing here performs I/O.
package scoring

import (
	"math"

	"github.com/couchcryptid/storm-reroute-service/internal/domain"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"
)

const kmPerDegree = math.Pi * orb.EarthRadius / 180 / 1000

// DistanceKm is the great-circle distance between two coordinates.
func DistanceKm(a, b domain.Coordinates) float64 {
	return geo.DistanceHaversine(a.Point(), b.Point()) / 1000
}

// ZoneContains reports whether c lies inside the zone (holes excluded).
func ZoneContains(z domain.Zone, c domain.Coordinates) bool {
	return planar.MultiPolygonContains(z.MultiPolygon(), c.Point())
}

// DistanceToZoneKm is the distance from c to the nearest zone edge, or zero
// when c is inside. An empty zone is infinitely far away.
func DistanceToZoneKm(z domain.Zone, c domain.Coordinates) float64 {
	if len(z) == 0 {
		return math.Inf(1)
	}
	if ZoneContains(z, c) {
		return 0
	}
	best := math.Inf(1)
	for _, poly := range z {
		for _, ring := range poly {
			for i := 1; i < len(ring); i++ {
				if d := segmentDistanceKm(c, ring[i-1], ring[i]); d < best {
					best = d
				}
			}
		}
	}
	return best
}

// segmentDistanceKm projects onto a local equirectangular plane centered on c.
// Accurate to well under a percent at buffer scales (tens of km).
func segmentDistanceKm(c domain.Coordinates, a, b orb.Point) float64 {
	cosLat := math.Cos(c.Lat * math.Pi / 180)
	ax, ay := (a[0]-c.Lon)*cosLat*kmPerDegree, (a[1]-c.Lat)*kmPerDegree
	bx, by := (b[0]-c.Lon)*cosLat*kmPerDegree, (b[1]-c.Lat)*kmPerDegree

	dx, dy := bx-ax, by-ay
	lenSq := dx*dx + dy*dy
	t := 0.0
	if lenSq > 0 {
		t = math.Max(0, math.Min(1, -(ax*dx+ay*dy)/lenSq))
	}
	px, py := ax+t*dx, ay+t*dy
	return math.Hypot(px, py)
}

// WithinBuffer reports whether c is inside the zone or within bufferKm of it.
func WithinBuffer(z domain.Zone, c domain.Coordinates, bufferKm float64) bool {
	if len(z) == 0 {
		return false
	}
	if ZoneContains(z, c) {
		return true
	}
	return bufferKm > 0 && DistanceToZoneKm(z, c) <= bufferKm
}

// ResolveCentroid returns the hazard's published centroid or, failing that,
// the area centroid of its zone. ok is false when neither is usable.
func ResolveCentroid(h domain.HazardEvent) (domain.Coordinates, bool) {
	if h.Centroid != nil && h.Centroid.Validate() == nil {
		return *h.Centroid, true
	}
	if len(h.Zone) == 0 {
		return domain.Coordinates{}, false
	}
	pt, area := planar.CentroidArea(h.Zone.MultiPolygon())
	if area == 0 || math.IsNaN(pt[0]) || math.IsNaN(pt[1]) {
		return domain.Coordinates{}, false
	}
	c := domain.Coordinates{Lat: pt[1], Lon: pt[0]}
	if c.Validate() != nil {
		return domain.Coordinates{}, false
	}
	return c, true
}

// Buffers is the severity-scaled match radius in kilometres.
type Buffers struct {
	Extreme  float64 `yaml:"extreme"`
	Severe   float64 `yaml:"severe"`
	Moderate float64 `yaml:"moderate"`
	Minor    float64 `yaml:"minor"`
	Unknown  float64 `yaml:"unknown"`
}

// DefaultBuffers returns the production buffer radii.
func DefaultBuffers() Buffers {
	return Buffers{Extreme: 50, Severe: 25, Moderate: 10}
}

// For returns the buffer radius for a severity.
func (b Buffers) For(s domain.Severity) float64 {
	switch s {
	case domain.SeverityExtreme:
		return b.Extreme
	case domain.SeveritySevere:
		return b.Severe
	case domain.SeverityModerate:
		return b.Moderate
	case domain.SeverityMinor:
		return b.Minor
	default:
		return b.Unknown
	}
}
