// Package focus answers "what does this threat affect" queries for an operator
// session. A newer query in the same session cancels the older one, so stale
// answers are never returned.
package focus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/couchcryptid/storm-reroute-service/internal/domain"
	"github.com/couchcryptid/storm-reroute-service/internal/scoring"
	"github.com/couchcryptid/storm-reroute-service/internal/store"
)

// ErrSuperseded is returned to a query replaced by a newer one in its session.
var ErrSuperseded = errors.New("focus query superseded")

// ErrThreatNotFound is returned for an unknown threat id.
var ErrThreatNotFound = errors.New("threat not found")

// Source is the read side the focus query needs.
type Source interface {
	GetHazard(ctx context.Context, id string) (domain.HazardEvent, error)
	ListActiveLocations(ctx context.Context) ([]domain.Location, error)
	ListProposals(ctx context.Context, f store.ProposalFilter) ([]domain.RerouteProposal, error)
}

// Result describes one threat's footprint.
type Result struct {
	Threat      domain.HazardEvent       `json:"threat"`
	Centroid    *domain.Coordinates      `json:"centroid"`
	BufferKm    float64                  `json:"buffer_km"`
	Affected    []domain.Location        `json:"affected_locations"`
	ValueAtRisk float64                  `json:"value_at_risk"`
	Proposals   []domain.RerouteProposal `json:"proposals"`
	Summary     string                   `json:"summary"`
}

type session struct {
	cancel context.CancelCauseFunc
}

// Service runs focus queries.
type Service struct {
	src     Source
	buffers scoring.Buffers
	timeout time.Duration

	mu       sync.Mutex
	sessions map[string]*session
}

// NewService creates a focus Service.
func NewService(src Source, buffers scoring.Buffers, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Service{src: src, buffers: buffers, timeout: timeout, sessions: make(map[string]*session)}
}

// Focus runs a query for threatID on behalf of sessionID. An empty sessionID
// is never superseded.
func (s *Service) Focus(ctx context.Context, sessionID, threatID string) (Result, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	ctx, cancelTimeout := context.WithTimeout(ctx, s.timeout)
	defer cancelTimeout()

	if sessionID != "" {
		me := &session{cancel: cancel}
		s.mu.Lock()
		if prev := s.sessions[sessionID]; prev != nil {
			prev.cancel(ErrSuperseded)
		}
		s.sessions[sessionID] = me
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			if s.sessions[sessionID] == me {
				delete(s.sessions, sessionID)
			}
			s.mu.Unlock()
		}()
	}

	res, err := s.query(ctx, threatID)
	if errors.Is(context.Cause(ctx), ErrSuperseded) {
		return Result{}, ErrSuperseded
	}
	return res, err
}

// Active is the number of sessions with a query in flight.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Service) query(ctx context.Context, threatID string) (Result, error) {
	h, err := s.src.GetHazard(ctx, threatID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, fmt.Errorf("%w: %s", ErrThreatNotFound, threatID)
	}
	if err != nil {
		return Result{}, fmt.Errorf("load threat %s: %w", threatID, err)
	}

	res := Result{Threat: h, BufferKm: s.buffers.For(h.Severity), Affected: []domain.Location{}}
	if c, ok := scoring.ResolveCentroid(h); ok {
		res.Centroid = &c
	}

	locations, err := s.src.ListActiveLocations(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list locations: %w", err)
	}
	for _, loc := range locations {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if scoring.WithinBuffer(h.Zone, loc.Coordinates, res.BufferKm) {
			res.Affected = append(res.Affected, loc)
		}
	}
	res.ValueAtRisk = domain.TotalValueAtRisk(res.Affected)

	res.Proposals, err = s.src.ListProposals(ctx, store.ProposalFilter{ThreatID: threatID})
	if err != nil {
		return Result{}, fmt.Errorf("list proposals for %s: %w", threatID, err)
	}

	res.Summary = fmt.Sprintf("%s %s affects %d location(s) holding $%.0f; %d reroute proposal(s)",
		h.Severity, h.EventType, len(res.Affected), res.ValueAtRisk, len(res.Proposals))
	return res, nil
}
