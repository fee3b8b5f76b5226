// Package dashboard assembles the operator dashboard state. It never fails:
// on backend errors it serves the last good sections and marks the state degraded.
package dashboard

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/couchcryptid/storm-reroute-service/internal/domain"
	"github.com/couchcryptid/storm-reroute-service/internal/scoring"
	"github.com/couchcryptid/storm-reroute-service/internal/store"
	"github.com/jonboulle/clockwork"
)

// State is the dashboard payload.
type State struct {
	ActiveThreats    []domain.HazardEvent     `json:"active_threats"`
	Locations        []domain.Location        `json:"erp_locations"`
	ActiveRoutes     []domain.RerouteProposal `json:"active_routes"`
	PendingProposals []domain.RerouteProposal `json:"pending_proposals"`
	TotalValueAtRisk float64                  `json:"total_value_at_risk"`
	Degraded         bool                     `json:"degraded"`
	StaleSections    []string                 `json:"stale_sections,omitempty"`
	GeneratedAt      time.Time                `json:"generated_at"`
}

// Service builds State from a store snapshot.
type Service struct {
	snapshots store.Snapshotter
	limit     int
	timeout   time.Duration
	clock     clockwork.Clock
	logger    *slog.Logger

	mu       sync.Mutex
	lastGood store.Snapshot
	haveGood map[string]bool
}

// NewService creates a dashboard Service. limit caps each proposal list.
func NewService(s store.Snapshotter, limit int, timeout time.Duration, clock clockwork.Clock, logger *slog.Logger) *Service {
	if limit <= 0 {
		limit = 200
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Service{
		snapshots: s,
		limit:     limit,
		timeout:   timeout,
		clock:     clock,
		logger:    logger,
		haveGood:  make(map[string]bool),
	}
}

// State returns the current dashboard state.
func (s *Service) State(ctx context.Context) State {
	now := s.clock.Now()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	snap, err := s.snapshots.Snapshot(ctx, now, s.limit)
	failed := snap.Failed
	if err != nil {
		s.logger.Warn("dashboard snapshot incomplete, serving cached sections", "error", err, "failed", failed)
		if len(failed) == 0 {
			failed = allSections
		}
	}

	snap, stale := s.merge(snap, failed)
	return State{
		ActiveThreats:    orEmpty(snap.Hazards),
		Locations:        orEmpty(snap.Locations),
		ActiveRoutes:     orEmpty(snap.ActiveRoutes),
		PendingProposals: orEmpty(snap.Pending),
		TotalValueAtRisk: ValueAtRisk(snap.Hazards, snap.Locations),
		Degraded:         len(failed) > 0,
		StaleSections:    stale,
		GeneratedAt:      now,
	}
}

var allSections = []string{store.SectionHazards, store.SectionLocations, store.SectionActiveRoutes, store.SectionPending}

// merge fills failed sections from the last good snapshot and caches the
// sections that succeeded. It returns the sections served from cache.
func (s *Service) merge(snap store.Snapshot, failed []string) (store.Snapshot, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []string
	for _, section := range allSections {
		if slices.Contains(failed, section) {
			if s.haveGood[section] {
				stale = append(stale, section)
			}
			switch section {
			case store.SectionHazards:
				snap.Hazards = s.lastGood.Hazards
			case store.SectionLocations:
				snap.Locations = s.lastGood.Locations
			case store.SectionActiveRoutes:
				snap.ActiveRoutes = s.lastGood.ActiveRoutes
			case store.SectionPending:
				snap.Pending = s.lastGood.Pending
			}
			continue
		}
		s.haveGood[section] = true
		switch section {
		case store.SectionHazards:
			s.lastGood.Hazards = snap.Hazards
		case store.SectionLocations:
			s.lastGood.Locations = snap.Locations
		case store.SectionActiveRoutes:
			s.lastGood.ActiveRoutes = snap.ActiveRoutes
		case store.SectionPending:
			s.lastGood.Pending = snap.Pending
		}
	}
	return snap, stale
}

// ValueAtRisk sums inventory value of locations inside any hazard zone,
// counting each location once.
func ValueAtRisk(hazards []domain.HazardEvent, locations []domain.Location) float64 {
	var hit []domain.Location
	for _, loc := range locations {
		for _, h := range hazards {
			if scoring.ZoneContains(h.Zone, loc.Coordinates) {
				hit = append(hit, loc)
				break
			}
		}
	}
	return domain.TotalValueAtRisk(hit)
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
