package domain

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// ErrNoPolygonalZone is returned when a hazard footprint has no usable polygon.
var ErrNoPolygonalZone = errors.New("zone has no polygonal geometry")

// EventType classifies a hazard.
type EventType string

const (
	EventHurricane          EventType = "hurricane"
	EventTornado            EventType = "tornado"
	EventFlood              EventType = "flood"
	EventWinterStorm        EventType = "winter_storm"
	EventSevereThunderstorm EventType = "severe_thunderstorm"
	EventHeatWave           EventType = "heat_wave"
	EventWildfire           EventType = "wildfire"
	EventEarthquake         EventType = "earthquake"
	EventTsunami            EventType = "tsunami"
	EventUnknown            EventType = "unknown"
)

var knownEventTypes = map[EventType]struct{}{
	EventHurricane: {}, EventTornado: {}, EventFlood: {}, EventWinterStorm: {},
	EventSevereThunderstorm: {}, EventHeatWave: {}, EventWildfire: {},
	EventEarthquake: {}, EventTsunami: {}, EventUnknown: {},
}

// ParseEventType normalizes a feed value. Unrecognized values map to EventUnknown.
func ParseEventType(s string) EventType {
	t := EventType(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := knownEventTypes[t]; ok {
		return t
	}
	return EventUnknown
}

// Severity is the normalized hazard intensity.
type Severity string

const (
	SeverityExtreme  Severity = "extreme"
	SeveritySevere   Severity = "severe"
	SeverityModerate Severity = "moderate"
	SeverityMinor    Severity = "minor"
	SeverityUnknown  Severity = "unknown"
)

// ParseSeverity normalizes a feed value. Unrecognized values map to SeverityUnknown.
func ParseSeverity(s string) Severity {
	switch v := Severity(strings.ToLower(strings.TrimSpace(s))); v {
	case SeverityExtreme, SeveritySevere, SeverityModerate, SeverityMinor:
		return v
	default:
		return SeverityUnknown
	}
}

// Coordinates is a WGS-84 latitude/longitude pair.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Point returns the coordinates in orb's lon/lat order.
func (c Coordinates) Point() orb.Point {
	return orb.Point{c.Lon, c.Lat}
}

// Validate checks the coordinates are finite and in range.
func (c Coordinates) Validate() error {
	if math.IsNaN(c.Lat) || math.IsInf(c.Lat, 0) || c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("latitude %v out of range [-90, 90]", c.Lat)
	}
	if math.IsNaN(c.Lon) || math.IsInf(c.Lon, 0) || c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("longitude %v out of range [-180, 180]", c.Lon)
	}
	return nil
}

// Zone is a hazard footprint restricted to polygonal geometry.
// It marshals as GeoJSON.
type Zone orb.MultiPolygon

// NewZone filters g down to its polygonal components.
func NewZone(g orb.Geometry) (Zone, error) {
	var z Zone
	collectPolygons(g, &z)
	if len(z) == 0 {
		return nil, ErrNoPolygonalZone
	}
	return z, nil
}

func collectPolygons(g orb.Geometry, out *Zone) {
	switch v := g.(type) {
	case orb.Polygon:
		if p, ok := cleanPolygon(v); ok {
			*out = append(*out, p)
		}
	case orb.MultiPolygon:
		for _, p := range v {
			collectPolygons(p, out)
		}
	case orb.Collection:
		for _, member := range v {
			collectPolygons(member, out)
		}
	}
}

// cleanPolygon drops degenerate rings. A polygon without a usable outer ring is discarded.
func cleanPolygon(p orb.Polygon) (orb.Polygon, bool) {
	if len(p) == 0 || len(p[0]) < 4 {
		return nil, false
	}
	cleaned := orb.Polygon{p[0]}
	for _, hole := range p[1:] {
		if len(hole) >= 4 {
			cleaned = append(cleaned, hole)
		}
	}
	return cleaned, true
}

// MultiPolygon returns the zone as an orb geometry.
func (z Zone) MultiPolygon() orb.MultiPolygon {
	return orb.MultiPolygon(z)
}

// MarshalJSON encodes the zone as a GeoJSON geometry.
func (z Zone) MarshalJSON() ([]byte, error) {
	if len(z) == 0 {
		return []byte("null"), nil
	}
	return geojson.NewGeometry(z.MultiPolygon()).MarshalJSON()
}

// UnmarshalJSON decodes a GeoJSON geometry and keeps only its polygons.
func (z *Zone) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*z = nil
		return nil
	}
	g, err := geojson.UnmarshalGeometry(data)
	if err != nil {
		return fmt.Errorf("decode zone: %w", err)
	}
	parsed, err := NewZone(g.Geometry())
	if err != nil {
		return err
	}
	*z = parsed
	return nil
}

// HazardEvent is a geographically bounded weather or seismic threat.
type HazardEvent struct {
	ID         string       `json:"id"`
	Source     string       `json:"source"`
	EventType  EventType    `json:"event_type"`
	Severity   Severity     `json:"severity"`
	Zone       Zone         `json:"affected_zone"`
	Centroid   *Coordinates `json:"centroid,omitempty"`
	Headline   string       `json:"headline,omitempty"`
	Effective  time.Time    `json:"effective"`
	Expires    time.Time    `json:"expires,omitzero"`
	IngestedAt time.Time    `json:"ingested_at"`
}

// Validate checks the fields needed to correlate the hazard.
func (h HazardEvent) Validate() error {
	if h.ID == "" {
		return errors.New("hazard id is required")
	}
	if len(h.Zone) == 0 {
		return fmt.Errorf("hazard %s: %w", h.ID, ErrNoPolygonalZone)
	}
	if h.Centroid != nil {
		if err := h.Centroid.Validate(); err != nil {
			return fmt.Errorf("hazard %s centroid: %w", h.ID, err)
		}
	}
	return nil
}

// ActiveAt reports whether the hazard is still in effect at t.
// A zero expiry never expires.
func (h HazardEvent) ActiveAt(t time.Time) bool {
	return h.Expires.IsZero() || h.Expires.After(t)
}

// Correlation pairs a hazard with a location inside its buffered zone.
// Correlations are recomputed every cycle and never stored.
type Correlation struct {
	Threat   HazardEvent
	Centroid *Coordinates
	Location Location
}
