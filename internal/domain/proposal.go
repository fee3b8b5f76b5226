package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidTransition is returned for any status change outside the proposal graph.
	ErrInvalidTransition = errors.New("invalid proposal status transition")
	// ErrInvalidProposal is returned when a proposal fails validation.
	ErrInvalidProposal = errors.New("invalid proposal")
)

// HITLStatus is the human-in-the-loop disposition of a proposal.
type HITLStatus string

const (
	StatusPending          HITLStatus = "pending"
	StatusAutoApproved     HITLStatus = "auto_approved"
	StatusAwaitingApproval HITLStatus = "awaiting_approval"
	StatusApproved         HITLStatus = "approved"
	StatusRejected         HITLStatus = "rejected"
)

var transitions = map[HITLStatus][]HITLStatus{
	StatusPending:          {StatusAutoApproved, StatusAwaitingApproval, StatusRejected},
	StatusAwaitingApproval: {StatusApproved, StatusRejected},
}

// Valid reports whether s is a known status.
func (s HITLStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAutoApproved, StatusAwaitingApproval, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s HITLStatus) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// CanTransition reports whether from → to is an edge of the status graph.
func CanTransition(from, to HITLStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RerouteProposal is a candidate reroute from an at-risk location to an alternate.
type RerouteProposal struct {
	ID                   string     `json:"proposal_id"`
	ThreatID             string     `json:"threat_id"`
	OriginalLocationID   string     `json:"original_location_id"`
	ProposedLocationID   string     `json:"proposed_location_id"`
	ProposedLocationName string     `json:"proposed_location_name"`
	AttentionScore       float64    `json:"attention_score"`
	RerouteCostUSD       float64    `json:"reroute_cost_usd"`
	DriveTimeMinutes     float64    `json:"drive_time_minutes"`
	DistanceKm           float64    `json:"distance_km"`
	RouteEstimated       bool       `json:"route_estimated"`
	Rationale            string     `json:"rationale"`
	Status               HITLStatus `json:"hitl_status"`
	Confidence           *float64   `json:"confidence"`
	RLAdjustment         float64    `json:"rl_adjustment"`
	AuditExplanation     string     `json:"audit_explanation,omitempty"`
	ResolvedBy           string     `json:"resolved_by,omitempty"`
	ResolutionNote       string     `json:"resolution_note,omitempty"`
	Version              int64      `json:"version"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// NewProposalID returns an identifier of the form prop-<12 hex>.
func NewProposalID() string {
	return "prop-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// NewRerouteProposal stamps a pending proposal with an id and timestamps.
func NewRerouteProposal(p RerouteProposal) RerouteProposal {
	if p.ID == "" {
		p.ID = NewProposalID()
	}
	t := now()
	p.Status = StatusPending
	p.Version = 1
	p.CreatedAt = t
	p.UpdatedAt = t
	return p
}

// Validate enforces the proposal schema. Every proposal is validated before it
// is persisted or handed to the next stage.
func (p RerouteProposal) Validate() error {
	var errs []error
	if p.ID == "" {
		errs = append(errs, errors.New("proposal_id is required"))
	}
	if p.ThreatID == "" {
		errs = append(errs, errors.New("threat_id is required"))
	}
	if p.OriginalLocationID == "" || p.ProposedLocationID == "" {
		errs = append(errs, errors.New("original and proposed location ids are required"))
	}
	if p.OriginalLocationID != "" && p.OriginalLocationID == p.ProposedLocationID {
		errs = append(errs, errors.New("proposed location must differ from the original"))
	}
	if !inUnitRange(p.AttentionScore) {
		errs = append(errs, fmt.Errorf("attention_score %v out of range [0, 1]", p.AttentionScore))
	}
	if !nonNegative(p.RerouteCostUSD) || !nonNegative(p.DriveTimeMinutes) || !nonNegative(p.DistanceKm) {
		errs = append(errs, errors.New("cost, drive time and distance must be finite and non-negative"))
	}
	if !p.Status.Valid() {
		errs = append(errs, fmt.Errorf("unknown hitl_status %q", p.Status))
	}
	if p.Confidence != nil && !inUnitRange(*p.Confidence) {
		errs = append(errs, fmt.Errorf("confidence %v out of range [0, 1]", *p.Confidence))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidProposal, errors.Join(errs...))
	}
	return nil
}

func inUnitRange(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

func nonNegative(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

// ProposalTransition is an optimistic status change: it only applies when the
// stored proposal still has status From at Version.
type ProposalTransition struct {
	ProposalID       string
	From             HITLStatus
	To               HITLStatus
	Version          int64
	Confidence       *float64
	RLAdjustment     *float64
	AuditExplanation string
	ResolvedBy       string
	ResolutionNote   string
}

// Validate checks the transition against the status graph.
func (t ProposalTransition) Validate() error {
	if t.ProposalID == "" {
		return fmt.Errorf("%w: proposal id is required", ErrInvalidTransition)
	}
	if !CanTransition(t.From, t.To) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.From, t.To)
	}
	return nil
}

// Apply returns p with the transition applied and the version advanced.
// Callers are responsible for the version and status precondition.
func (p RerouteProposal) Apply(t ProposalTransition, at time.Time) (RerouteProposal, error) {
	if err := t.Validate(); err != nil {
		return p, err
	}
	if p.Status != t.From {
		return p, fmt.Errorf("%w: proposal %s is %s, not %s", ErrInvalidTransition, p.ID, p.Status, t.From)
	}
	p.Status = t.To
	if t.Confidence != nil {
		c := *t.Confidence
		p.Confidence = &c
	}
	if t.RLAdjustment != nil {
		p.RLAdjustment = *t.RLAdjustment
	}
	if t.AuditExplanation != "" {
		p.AuditExplanation = t.AuditExplanation
	}
	if t.ResolvedBy != "" {
		p.ResolvedBy = t.ResolvedBy
	}
	if t.ResolutionNote != "" {
		p.ResolutionNote = t.ResolutionNote
	}
	p.Version++
	p.UpdatedAt = at.UTC()
	return p, nil
}
