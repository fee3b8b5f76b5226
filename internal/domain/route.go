package domain

// Route is a drive estimate between two points.
type Route struct {
	DurationMinutes float64 `json:"duration_minutes"`
	DistanceKm      float64 `json:"distance_km"`
	// Estimated is true when the route came from the fallback model rather
	// than a routing service.
	Estimated bool `json:"estimated"`
}
