// Package agent implements the three pipeline stages: the Watcher correlates
// hazards with locations, Procurement proposes reroutes, and the Auditor
// decides each proposal's disposition.
package agent

import (
	"context"
	"time"

	"github.com/couchcryptid/storm-reroute-service/internal/domain"
)

// HazardSource lists hazards in effect at a point in time.
type HazardSource interface {
	ListActiveHazards(ctx context.Context, at time.Time) ([]domain.HazardEvent, error)
}

// LocationSource lists active supply-chain locations.
type LocationSource interface {
	ListActiveLocations(ctx context.Context) ([]domain.Location, error)
}

// ProposalCreator persists new proposals.
type ProposalCreator interface {
	CreateProposal(ctx context.Context, p domain.RerouteProposal) error
}

// ProposalRepository reads proposals and applies optimistic transitions.
type ProposalRepository interface {
	GetProposal(ctx context.Context, id string) (domain.RerouteProposal, error)
	TransitionProposal(ctx context.Context, t domain.ProposalTransition) (domain.RerouteProposal, error)
}

// DeliveryHistory summarizes a supplier's delivery record.
type DeliveryHistory interface {
	DeliveryStats(ctx context.Context, supplierID string, since time.Time) (domain.DeliveryStats, error)
}

// ReliabilityAdjuster nudges a location's reliability index.
type ReliabilityAdjuster interface {
	AdjustReliability(ctx context.Context, id string, delta float64) (float64, error)
}

// Router estimates drive time and distance between two points.
type Router interface {
	Route(ctx context.Context, from, to domain.Coordinates) (domain.Route, error)
}

// Executor carries out an approved reroute.
type Executor interface {
	Execute(ctx context.Context, p domain.RerouteProposal) error
}

// Notifier asks a human to approve or reject a proposal.
type Notifier interface {
	RequestApproval(ctx context.Context, p domain.RerouteProposal) error
}
