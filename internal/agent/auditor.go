package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/couchcryptid/storm-reroute-service/internal/domain"
	"github.com/couchcryptid/storm-reroute-service/internal/observability"
	"github.com/couchcryptid/storm-reroute-service/internal/scoring"
	"github.com/couchcryptid/storm-reroute-service/internal/store"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

// AuditorConfig holds the decision thresholds and side-effect timeouts.
type AuditorConfig struct {
	ApproveThreshold     float64
	RejectThreshold      float64
	HITLCostThresholdUSD float64
	RLPenaltyFactor      float64
	HistoryPenaltyWeight float64
	HistoryWindow        time.Duration
	WorkerPoolSize       int
	ExecuteTimeout       time.Duration
	NotifyTimeout        time.Duration
}

// AuditResult counts the Auditor's dispositions for one pass.
type AuditResult struct {
	Approved  int
	Escalated int
	Rejected  int
	Skipped   int
	Proposals []domain.RerouteProposal
}

// Actions is the number of proposals that reached a decision this pass.
func (r AuditResult) Actions() int {
	return r.Approved + r.Escalated + r.Rejected
}

// Auditor re-scores proposals against delivery history and decides each one.
type Auditor struct {
	proposals   ProposalRepository
	history     DeliveryHistory
	reliability ReliabilityAdjuster
	executor    Executor
	notifiers   []Notifier
	cfg         AuditorConfig
	clock       clockwork.Clock
	logger      *slog.Logger
	metrics     *observability.Metrics
}

// AuditorDeps groups the Auditor's collaborators. Executor and notifiers may be nil.
type AuditorDeps struct {
	Proposals   ProposalRepository
	History     DeliveryHistory
	Reliability ReliabilityAdjuster
	Executor    Executor
	// Notifiers are tried in order until one succeeds.
	Notifiers []Notifier
}

// NewAuditor creates an Auditor.
func NewAuditor(deps AuditorDeps, cfg AuditorConfig, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Auditor {
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 8
	}
	if cfg.ExecuteTimeout <= 0 {
		cfg.ExecuteTimeout = 10 * time.Second
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 5 * time.Second
	}
	var notifiers []Notifier
	for _, n := range deps.Notifiers {
		if n != nil {
			notifiers = append(notifiers, n)
		}
	}
	return &Auditor{
		proposals:   deps.Proposals,
		history:     deps.History,
		reliability: deps.Reliability,
		executor:    deps.Executor,
		notifiers:   notifiers,
		cfg:         cfg,
		clock:       clock,
		logger:      logger,
		metrics:     metrics,
	}
}

// Decide maps a confidence and cost to a disposition.
func (a *Auditor) Decide(confidence, costUSD float64) domain.HITLStatus {
	switch {
	case confidence < a.cfg.RejectThreshold:
		return domain.StatusRejected
	case confidence >= a.cfg.ApproveThreshold && costUSD < a.cfg.HITLCostThresholdUSD:
		return domain.StatusAutoApproved
	default:
		return domain.StatusAwaitingApproval
	}
}

// Audit evaluates every proposal. Proposals that are no longer pending are
// skipped, so re-auditing the same batch is a no-op.
func (a *Auditor) Audit(ctx context.Context, proposals []domain.RerouteProposal) (AuditResult, error) {
	var (
		mu  sync.Mutex
		res AuditResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.WorkerPoolSize)
	for _, p := range proposals {
		g.Go(func() error {
			updated, evaluated, err := a.Evaluate(gctx, p.ID)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if !evaluated {
				res.Skipped++
				return nil
			}
			res.Proposals = append(res.Proposals, updated)
			switch updated.Status {
			case domain.StatusAutoApproved:
				res.Approved++
			case domain.StatusAwaitingApproval:
				res.Escalated++
			case domain.StatusRejected:
				res.Rejected++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	a.logger.Info("auditor pass complete",
		"approved", res.Approved, "escalated", res.Escalated, "rejected", res.Rejected, "skipped", res.Skipped)
	return res, nil
}

// Evaluate decides a single proposal. evaluated is false when the proposal
// had already left pending, including when a concurrent evaluation won.
func (a *Auditor) Evaluate(ctx context.Context, id string) (p domain.RerouteProposal, evaluated bool, err error) {
	p, err = a.proposals.GetProposal(ctx, id)
	if err != nil {
		return p, false, fmt.Errorf("load proposal %s: %w", id, err)
	}
	if p.Status != domain.StatusPending {
		a.logger.Debug("proposal already evaluated, skipping", "proposal_id", id, "status", p.Status)
		return p, false, nil
	}

	penalty := a.historyPenalty(ctx, p.ProposedLocationID)
	confidence, adjustment := scoring.Confidence(p.AttentionScore, penalty, a.cfg.HistoryPenaltyWeight)
	status := a.Decide(confidence, p.RerouteCostUSD)

	updated, err := a.proposals.TransitionProposal(ctx, domain.ProposalTransition{
		ProposalID:       p.ID,
		From:             domain.StatusPending,
		To:               status,
		Version:          p.Version,
		Confidence:       &confidence,
		RLAdjustment:     &adjustment,
		AuditExplanation: a.explain(p, confidence, penalty, status),
	})
	if errors.Is(err, store.ErrConflict) {
		a.logger.Debug("proposal evaluated concurrently, skipping", "proposal_id", id)
		return p, false, nil
	}
	if err != nil {
		return p, false, fmt.Errorf("record decision for %s: %w", id, err)
	}
	a.metrics.ProposalDecisions.WithLabelValues(string(status)).Inc()
	a.logger.Info("proposal decided",
		"proposal_id", id, "threat_id", p.ThreatID, "status", status,
		"confidence", confidence, "rl_adjustment", adjustment)

	a.afterDecision(ctx, updated, penalty)
	return updated, true, nil
}

func (a *Auditor) historyPenalty(ctx context.Context, supplierID string) float64 {
	if a.history == nil {
		return 0
	}
	stats, err := a.history.DeliveryStats(ctx, supplierID, a.clock.Now().Add(-a.cfg.HistoryWindow))
	if err != nil {
		a.logger.Warn("delivery history unavailable, no penalty applied", "location_id", supplierID, "error", err)
		return 0
	}
	return scoring.HistoryPenalty(stats, a.cfg.RLPenaltyFactor)
}

func (a *Auditor) explain(p domain.RerouteProposal, confidence, penalty float64, status domain.HITLStatus) string {
	msg := fmt.Sprintf("attention %.3f, history penalty %.3f, confidence %.3f", p.AttentionScore, penalty, confidence)
	switch {
	case status == domain.StatusRejected:
		return msg + fmt.Sprintf("; below reject threshold %.2f", a.cfg.RejectThreshold)
	case status == domain.StatusAutoApproved:
		return msg + fmt.Sprintf("; meets approve threshold %.2f", a.cfg.ApproveThreshold)
	case confidence >= a.cfg.ApproveThreshold:
		return msg + fmt.Sprintf("; cost $%.0f requires approval (limit $%.0f)", p.RerouteCostUSD, a.cfg.HITLCostThresholdUSD)
	default:
		return msg + "; requires human approval"
	}
}

// afterDecision runs the side effects of a committed decision. Failures are
// logged; the recorded status is never rolled back.
func (a *Auditor) afterDecision(ctx context.Context, p domain.RerouteProposal, penalty float64) {
	switch p.Status {
	case domain.StatusAutoApproved:
		a.execute(ctx, p)
	case domain.StatusAwaitingApproval:
		a.notify(ctx, p)
	}

	if penalty > 0 && a.reliability != nil {
		if _, err := a.reliability.AdjustReliability(ctx, p.ProposedLocationID, -penalty); err != nil {
			a.logger.Warn("reliability penalty not applied", "location_id", p.ProposedLocationID, "error", err)
		}
	}
}

func (a *Auditor) execute(ctx context.Context, p domain.RerouteProposal) {
	if a.executor == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.ExecuteTimeout)
	defer cancel()
	if err := a.executor.Execute(ctx, p); err != nil {
		a.metrics.Executions.WithLabelValues("error").Inc()
		a.logger.Error("reroute execution failed", "proposal_id", p.ID, "error", err)
		return
	}
	a.metrics.Executions.WithLabelValues("success").Inc()
}

func (a *Auditor) notify(ctx context.Context, p domain.RerouteProposal) {
	for i, n := range a.notifiers {
		nctx, cancel := context.WithTimeout(ctx, a.cfg.NotifyTimeout)
		err := n.RequestApproval(nctx, p)
		cancel()
		if err == nil {
			return
		}
		a.logger.Warn("approval request failed", "proposal_id", p.ID, "notifier", i, "error", err)
	}
	if len(a.notifiers) > 0 {
		a.logger.Error("no notifier delivered the approval request; proposal stays awaiting approval", "proposal_id", p.ID)
	}
}
