package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/couchcryptid/storm-reroute-service/internal/domain"
	"github.com/jonboulle/clockwork"
)

// Memory is a mutex-guarded Store. It is safe for concurrent use.
type Memory struct {
	mu         sync.RWMutex
	clock      clockwork.Clock
	hazards    map[string]domain.HazardEvent
	archive    map[string]domain.HazardEvent
	locations  map[string]domain.Location
	proposals  map[string]domain.RerouteProposal
	deliveries []domain.DeliveryOutcome
}

// NewMemory creates an empty in-memory store. A nil clock uses real time.
func NewMemory(clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{
		clock:     clock,
		hazards:   make(map[string]domain.HazardEvent),
		archive:   make(map[string]domain.HazardEvent),
		locations: make(map[string]domain.Location),
		proposals: make(map[string]domain.RerouteProposal),
	}
}

func (m *Memory) Ping(_ context.Context) error { return nil }

func (m *Memory) UpsertHazards(_ context.Context, hazards []domain.HazardEvent) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range hazards {
		m.hazards[h.ID] = h
		m.archive[h.ID] = h
	}
	return len(hazards), nil
}

func (m *Memory) ListHazardsEffective(_ context.Context, from, to time.Time, limit int) ([]domain.HazardEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.HazardEvent, 0)
	for _, h := range m.archive {
		if h.Effective.Before(from) || h.Effective.After(to) {
			continue
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Effective.Equal(out[j].Effective) {
			return out[i].Effective.Before(out[j].Effective)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListActiveHazards(_ context.Context, at time.Time) ([]domain.HazardEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeHazardsLocked(at), nil
}

func (m *Memory) activeHazardsLocked(at time.Time) []domain.HazardEvent {
	out := make([]domain.HazardEvent, 0, len(m.hazards))
	for _, h := range m.hazards {
		if h.ActiveAt(at) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) GetHazard(_ context.Context, id string) (domain.HazardEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hazards[id]
	if !ok {
		return domain.HazardEvent{}, fmt.Errorf("hazard %s: %w", id, ErrNotFound)
	}
	return h, nil
}

func (m *Memory) ExpireHazards(_ context.Context, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, h := range m.hazards {
		if !h.ActiveAt(at) {
			delete(m.hazards, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) UpsertLocation(_ context.Context, loc domain.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations[loc.ID] = loc
	return nil
}

func (m *Memory) GetLocation(_ context.Context, id string) (domain.Location, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.locations[id]
	if !ok {
		return domain.Location{}, fmt.Errorf("location %s: %w", id, ErrNotFound)
	}
	return l, nil
}

func (m *Memory) ListActiveLocations(_ context.Context) ([]domain.Location, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeLocationsLocked(), nil
}

func (m *Memory) activeLocationsLocked() []domain.Location {
	out := make([]domain.Location, 0, len(m.locations))
	for _, l := range m.locations {
		if l.Active {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) AdjustReliability(_ context.Context, id string, delta float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locations[id]
	if !ok {
		return 0, fmt.Errorf("location %s: %w", id, ErrNotFound)
	}
	l.ReliabilityIndex = math.Max(0, math.Min(1, l.ReliabilityIndex+delta))
	m.locations[id] = l
	return l.ReliabilityIndex, nil
}

func (m *Memory) CreateProposal(_ context.Context, p domain.RerouteProposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.proposals[p.ID]; exists {
		return fmt.Errorf("proposal %s: %w", p.ID, ErrConflict)
	}
	m.proposals[p.ID] = p
	return nil
}

func (m *Memory) GetProposal(_ context.Context, id string) (domain.RerouteProposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.proposals[id]
	if !ok {
		return domain.RerouteProposal{}, fmt.Errorf("proposal %s: %w", id, ErrNotFound)
	}
	return p, nil
}

func (m *Memory) ListProposals(_ context.Context, f ProposalFilter) ([]domain.RerouteProposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listProposalsLocked(f), nil
}

func (m *Memory) listProposalsLocked(f ProposalFilter) []domain.RerouteProposal {
	out := make([]domain.RerouteProposal, 0)
	for _, p := range m.proposals {
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.ThreatID != "" && p.ThreatID != f.ThreatID {
			continue
		}
		out = append(out, p)
	}
	sortNewestFirst(out)
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return out[:0]
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// sortNewestFirst orders proposals by creation time descending, then id,
// matching the Postgres listing order.
func sortNewestFirst(ps []domain.RerouteProposal) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].CreatedAt.After(ps[j].CreatedAt)
		}
		return ps[i].ID < ps[j].ID
	})
}

func (m *Memory) TransitionProposal(_ context.Context, t domain.ProposalTransition) (domain.RerouteProposal, error) {
	if err := t.Validate(); err != nil {
		return domain.RerouteProposal{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[t.ProposalID]
	if !ok {
		return domain.RerouteProposal{}, fmt.Errorf("proposal %s: %w", t.ProposalID, ErrNotFound)
	}
	if p.Version != t.Version || p.Status != t.From {
		return p, fmt.Errorf("proposal %s is %s at version %d: %w", p.ID, p.Status, p.Version, ErrConflict)
	}
	updated, err := p.Apply(t, m.clock.Now())
	if err != nil {
		return p, err
	}
	m.proposals[p.ID] = updated
	return updated, nil
}

func (m *Memory) RecordDelivery(_ context.Context, o domain.DeliveryOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.RecordedAt.IsZero() {
		o.RecordedAt = m.clock.Now()
	}
	m.deliveries = append(m.deliveries, o)
	return nil
}

func (m *Memory) DeliveryStats(_ context.Context, supplierID string, since time.Time) (domain.DeliveryStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deliveryStatsLocked(supplierID, since, time.Time{}), nil
}

func (m *Memory) DeliveryStatsBetween(_ context.Context, supplierID string, from, to time.Time) (domain.DeliveryStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deliveryStatsLocked(supplierID, from, to), nil
}

// deliveryStatsLocked summarizes deliveries at or after from and, unless to
// is zero, at or before to.
func (m *Memory) deliveryStatsLocked(supplierID string, from, to time.Time) domain.DeliveryStats {
	var window []domain.DeliveryOutcome
	for _, o := range m.deliveries {
		if o.SupplierID != supplierID || o.RecordedAt.Before(from) {
			continue
		}
		if !to.IsZero() && o.RecordedAt.After(to) {
			continue
		}
		window = append(window, o)
	}
	return domain.SummarizeDeliveries(window)
}

func (m *Memory) Snapshot(_ context.Context, at time.Time, limit int) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	routes := append(
		m.listProposalsLocked(ProposalFilter{Status: domain.StatusApproved}),
		m.listProposalsLocked(ProposalFilter{Status: domain.StatusAutoApproved})...,
	)
	sortNewestFirst(routes)
	if limit > 0 && len(routes) > limit {
		routes = routes[:limit]
	}
	return Snapshot{
		Hazards:      m.activeHazardsLocked(at),
		Locations:    m.activeLocationsLocked(),
		ActiveRoutes: routes,
		Pending:      m.listProposalsLocked(ProposalFilter{Status: domain.StatusAwaitingApproval, Limit: limit}),
	}, nil
}
