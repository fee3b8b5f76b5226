// Package domain models hazards, supply-chain locations and reroute proposals.
//
// # Hazards
//
// Hazard events arrive from upstream feeds (NWS alerts, FIRMS fire detections,
// USGS earthquakes) already normalized to a GeoJSON footprint. Only polygonal
// footprints can be matched against locations, so every zone is reduced to a
// MultiPolygon on the way in:
//
//	Polygon            → one-element MultiPolygon
//	MultiPolygon       → kept, degenerate rings dropped
//	GeometryCollection → polygonal members kept, Point/LineString members dropped
//	anything else      → rejected with [ErrNoPolygonalZone]
//
// A ring needs at least four positions (closed triangle) to be kept.
//
// The centroid is optional. Feeds that publish one are trusted; otherwise the
// scoring package derives an area centroid from the zone. A hazard whose
// centroid cannot be resolved is skipped rather than scored.
//
// # Locations
//
// Inventory value is nullable at the source. Every comparison and aggregate
// goes through [ValueOrZero] (or [Location.ValueAtRisk]) so a missing value
// is always treated as zero and never wins a "highest value" selection.
//
// # Proposals
//
// A reroute proposal moves through a fixed status graph:
//
//	pending ──► auto_approved
//	   │
//	   ├──────► awaiting_approval ──► approved
//	   │                 │
//	   └──────► rejected ◄┘
//
// auto_approved, approved and rejected are terminal. [CanTransition] is the
// only authority on legal moves; stores apply transitions with an optimistic
// version check so concurrent writers cannot both win.
package domain
