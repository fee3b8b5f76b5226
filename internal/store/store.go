// Package store defines the persistence ports used by the pipeline and an
// in-memory implementation for tests and single-node development.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/couchcryptid/storm-reroute-service/internal/domain"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an optimistic precondition fails or an id is taken.
	ErrConflict = errors.New("conflict")
)

// HazardStore persists hazard events.
type HazardStore interface {
	UpsertHazards(ctx context.Context, hazards []domain.HazardEvent) (int, error)
	ListActiveHazards(ctx context.Context, at time.Time) ([]domain.HazardEvent, error)
	GetHazard(ctx context.Context, id string) (domain.HazardEvent, error)
	ExpireHazards(ctx context.Context, at time.Time) (int, error)
	// ListHazardsEffective returns every hazard ever stored whose effective
	// time falls in [from, to], oldest first. Expiry does not remove hazards
	// from this listing.
	ListHazardsEffective(ctx context.Context, from, to time.Time, limit int) ([]domain.HazardEvent, error)
}

// LocationStore persists supply-chain locations.
type LocationStore interface {
	UpsertLocation(ctx context.Context, loc domain.Location) error
	GetLocation(ctx context.Context, id string) (domain.Location, error)
	ListActiveLocations(ctx context.Context) ([]domain.Location, error)
	// AdjustReliability adds delta to the reliability index, clamped to [0, 1],
	// and returns the new value.
	AdjustReliability(ctx context.Context, id string, delta float64) (float64, error)
}

// ProposalFilter narrows a proposal listing. Zero values match everything.
type ProposalFilter struct {
	Status   domain.HITLStatus
	ThreatID string
	Limit    int
	Offset   int
}

// ProposalStore persists reroute proposals.
type ProposalStore interface {
	// CreateProposal stores a new proposal. An existing id yields ErrConflict.
	CreateProposal(ctx context.Context, p domain.RerouteProposal) error
	GetProposal(ctx context.Context, id string) (domain.RerouteProposal, error)
	// ListProposals returns proposals newest first.
	ListProposals(ctx context.Context, f ProposalFilter) ([]domain.RerouteProposal, error)
	// TransitionProposal applies t only when the stored proposal still has
	// status t.From at version t.Version; otherwise it returns ErrConflict.
	TransitionProposal(ctx context.Context, t domain.ProposalTransition) (domain.RerouteProposal, error)
}

// DeliveryStore records supplier delivery outcomes.
type DeliveryStore interface {
	RecordDelivery(ctx context.Context, o domain.DeliveryOutcome) error
	DeliveryStats(ctx context.Context, supplierID string, since time.Time) (domain.DeliveryStats, error)
	// DeliveryStatsBetween summarizes deliveries recorded in [from, to].
	DeliveryStatsBetween(ctx context.Context, supplierID string, from, to time.Time) (domain.DeliveryStats, error)
}

// Snapshot is a single read of everything the dashboard shows. Sections that
// could not be read are left nil and named in Failed.
type Snapshot struct {
	Hazards      []domain.HazardEvent
	Locations    []domain.Location
	ActiveRoutes []domain.RerouteProposal
	Pending      []domain.RerouteProposal
	Failed       []string
}

// Snapshot section names.
const (
	SectionHazards      = "hazards"
	SectionLocations    = "locations"
	SectionActiveRoutes = "active_routes"
	SectionPending      = "pending"
)

// Snapshotter reads a dashboard snapshot in one round trip. A non-nil error
// may accompany a partial snapshot.
type Snapshotter interface {
	Snapshot(ctx context.Context, at time.Time, limit int) (Snapshot, error)
}

// Store is the full persistence surface.
type Store interface {
	HazardStore
	LocationStore
	ProposalStore
	DeliveryStore
	Snapshotter
	Ping(ctx context.Context) error
}
