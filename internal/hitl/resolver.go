// Package hitl applies human approval decisions to escalated proposals and
// folds delivery feedback back into supplier reliability.
package hitl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/couchcryptid/storm-reroute-service/internal/agent"
	"github.com/couchcryptid/storm-reroute-service/internal/domain"
	"github.com/couchcryptid/storm-reroute-service/internal/observability"
	"github.com/couchcryptid/storm-reroute-service/internal/store"
)

var (
	ErrProposalNotFound = errors.New("proposal not found")
	ErrAlreadyResolved  = errors.New("proposal already resolved")
	ErrInvalidDecision  = errors.New("invalid decision")
)

// Decision is a human verdict on an escalated proposal.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ParseDecision accepts approve/reject and the Slack action ids.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve", "approved", "hitl_approve":
		return DecisionApprove, nil
	case "reject", "rejected", "hitl_reject":
		return DecisionReject, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDecision, s)
}

// Resolution is one human decision.
type Resolution struct {
	ProposalID    string   `json:"proposal_id"`
	Decision      Decision `json:"decision"`
	Actor         string   `json:"actor"`
	Justification string   `json:"justification,omitempty"`
}

// ResolverConfig tunes side effects of a resolution.
type ResolverConfig struct {
	// RejectPenalty is subtracted from the proposed location's reliability on reject.
	RejectPenalty  float64
	ExecuteTimeout time.Duration
}

// Resolver applies resolutions. Concurrent resolutions of the same proposal
// produce exactly one transition and at most one execution.
type Resolver struct {
	proposals   agent.ProposalRepository
	executor    agent.Executor
	reliability agent.ReliabilityAdjuster
	cfg         ResolverConfig
	logger      *slog.Logger
	metrics     *observability.Metrics
}

// NewResolver creates a Resolver. executor and reliability may be nil.
func NewResolver(proposals agent.ProposalRepository, executor agent.Executor, reliability agent.ReliabilityAdjuster,
	cfg ResolverConfig, logger *slog.Logger, metrics *observability.Metrics,
) *Resolver {
	if cfg.ExecuteTimeout <= 0 {
		cfg.ExecuteTimeout = 10 * time.Second
	}
	return &Resolver{
		proposals:   proposals,
		executor:    executor,
		reliability: reliability,
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
	}
}

// Resolve moves an awaiting_approval proposal to approved or rejected.
func (r *Resolver) Resolve(ctx context.Context, res Resolution) (p domain.RerouteProposal, err error) {
	ctx, span := observability.StartResolutionSpan(ctx, res.ProposalID, string(res.Decision))
	defer span.End()
	defer func() {
		decision := string(res.Decision)
		if errors.Is(err, ErrInvalidDecision) {
			decision = "invalid"
		}
		r.metrics.Resolutions.WithLabelValues(decision, resolutionOutcome(err)).Inc()
		if err != nil {
			span.RecordError(err)
		}
	}()

	to, err := targetStatus(res.Decision)
	if err != nil {
		return p, err
	}
	if res.ProposalID == "" {
		return p, fmt.Errorf("%w: proposal id is required", ErrProposalNotFound)
	}

	p, err = r.proposals.GetProposal(ctx, res.ProposalID)
	if errors.Is(err, store.ErrNotFound) {
		return p, fmt.Errorf("%w: %s", ErrProposalNotFound, res.ProposalID)
	}
	if err != nil {
		return p, fmt.Errorf("load proposal %s: %w", res.ProposalID, err)
	}
	if p.Status != domain.StatusAwaitingApproval {
		return p, fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, p.ID, p.Status)
	}

	actor := res.Actor
	if actor == "" {
		actor = "unknown"
	}
	updated, err := r.proposals.TransitionProposal(ctx, domain.ProposalTransition{
		ProposalID:     p.ID,
		From:           domain.StatusAwaitingApproval,
		To:             to,
		Version:        p.Version,
		ResolvedBy:     actor,
		ResolutionNote: res.Justification,
	})
	if errors.Is(err, store.ErrConflict) {
		return p, fmt.Errorf("%w: %s changed concurrently", ErrAlreadyResolved, p.ID)
	}
	if err != nil {
		return p, fmt.Errorf("resolve proposal %s: %w", p.ID, err)
	}
	r.logger.Info("proposal resolved", "proposal_id", p.ID, "decision", res.Decision, "actor", actor)

	switch to {
	case domain.StatusApproved:
		r.execute(ctx, updated)
	case domain.StatusRejected:
		r.penalize(ctx, updated)
	}
	return updated, nil
}

func targetStatus(d Decision) (domain.HITLStatus, error) {
	switch d {
	case DecisionApprove:
		return domain.StatusApproved, nil
	case DecisionReject:
		return domain.StatusRejected, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDecision, d)
}

func resolutionOutcome(err error) string {
	switch {
	case err == nil:
		return "applied"
	case errors.Is(err, ErrAlreadyResolved):
		return "already_resolved"
	case errors.Is(err, ErrProposalNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidDecision):
		return "invalid"
	default:
		return "error"
	}
}

func (r *Resolver) execute(ctx context.Context, p domain.RerouteProposal) {
	if r.executor == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ExecuteTimeout)
	defer cancel()
	if err := r.executor.Execute(ctx, p); err != nil {
		r.metrics.Executions.WithLabelValues("error").Inc()
		r.logger.Error("reroute execution failed after approval", "proposal_id", p.ID, "error", err)
		return
	}
	r.metrics.Executions.WithLabelValues("success").Inc()
}

func (r *Resolver) penalize(ctx context.Context, p domain.RerouteProposal) {
	if r.reliability == nil || r.cfg.RejectPenalty <= 0 {
		return
	}
	ri, err := r.reliability.AdjustReliability(ctx, p.ProposedLocationID, -r.cfg.RejectPenalty)
	if err != nil {
		r.logger.Warn("reliability penalty not applied", "location_id", p.ProposedLocationID, "error", err)
		return
	}
	r.logger.Info("rejected supplier penalized", "location_id", p.ProposedLocationID, "reliability", ri)
}
