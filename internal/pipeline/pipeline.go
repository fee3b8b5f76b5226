package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/storm-reroute-service/internal/agent"
	"github.com/couchcryptid/storm-reroute-service/internal/domain"
	"github.com/couchcryptid/storm-reroute-service/internal/observability"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

// Watcher correlates hazards with locations.
type Watcher interface {
	Watch(ctx context.Context) (agent.WatchResult, error)
}

// Proposer turns correlations into persisted proposals.
type Proposer interface {
	Propose(ctx context.Context, watch agent.WatchResult) ([]domain.RerouteProposal, error)
}

// Auditor decides the disposition of each proposal.
type Auditor interface {
	Audit(ctx context.Context, proposals []domain.RerouteProposal) (agent.AuditResult, error)
}

// Publisher receives progress events. It must not block.
type Publisher interface {
	Publish(ev domain.ProgressEvent)
}

// Trigger sources.
const (
	SourceManual   = "manual"
	SourceSchedule = "schedule"
	SourceIngest   = "ingest"
)

// CycleSummary reports what one pipeline cycle did.
type CycleSummary struct {
	CycleID      string        `json:"cycle_id"`
	Source       string        `json:"source"`
	Joined       bool          `json:"joined"`
	Reason       domain.Reason `json:"reason,omitempty"`
	Threats      int           `json:"threats"`
	AtRisk       int           `json:"at_risk"`
	Bottlenecks  int           `json:"bottlenecks"`
	ValueAtRisk  float64       `json:"value_at_risk"`
	Correlations int           `json:"correlations"`
	Proposals    int           `json:"proposals"`
	Approved     int           `json:"approved"`
	HITL         int           `json:"hitl"`
	Rejected     int           `json:"rejected"`
	Actions      int           `json:"actions"`
	Error        string        `json:"error,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
}

// Duration is the wall time of the cycle.
func (s CycleSummary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// Orchestrator runs Watcher, Procurement and Auditor in sequence. At most one
// cycle runs at a time; concurrent triggers share the in-flight result.
type Orchestrator struct {
	watcher      Watcher
	proposer     Proposer
	auditor      Auditor
	publisher    Publisher
	clock        clockwork.Clock
	logger       *slog.Logger
	metrics      *observability.Metrics
	cycleTimeout time.Duration

	group singleflight.Group
	ready atomic.Bool
	last  atomic.Pointer[CycleSummary]
}

// New creates an Orchestrator. A nil publisher discards progress events.
func New(w Watcher, p Proposer, a Auditor, pub Publisher, cycleTimeout time.Duration,
	clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics,
) *Orchestrator {
	if cycleTimeout <= 0 {
		cycleTimeout = 2 * time.Minute
	}
	return &Orchestrator{
		watcher:      w,
		proposer:     p,
		auditor:      a,
		publisher:    pub,
		clock:        clock,
		logger:       logger,
		metrics:      metrics,
		cycleTimeout: cycleTimeout,
	}
}

// CheckReadiness returns nil once a cycle has completed without error.
func (o *Orchestrator) CheckReadiness(_ context.Context) error {
	if !o.ready.Load() {
		return errors.New("pipeline has not completed a cycle yet")
	}
	return nil
}

// LastCycle returns the most recent finished cycle, if any.
func (o *Orchestrator) LastCycle() (CycleSummary, bool) {
	s := o.last.Load()
	if s == nil {
		return CycleSummary{}, false
	}
	return *s, true
}

// Trigger runs a cycle, or joins the one already running. The cycle itself is
// detached from ctx; cancelling ctx only stops the caller from waiting.
func (o *Orchestrator) Trigger(ctx context.Context, source string) (CycleSummary, error) {
	led := false
	ch := o.group.DoChan("cycle", func() (any, error) {
		led = true
		return o.runCycle(context.WithoutCancel(ctx), source)
	})

	select {
	case <-ctx.Done():
		return CycleSummary{}, ctx.Err()
	case res := <-ch:
		summary, _ := res.Val.(CycleSummary)
		if !led {
			summary.Joined = true
			o.metrics.CyclesJoined.Inc()
			o.logger.Info("trigger joined in-flight cycle", "cycle_id", summary.CycleID, "source", source)
		}
		return summary, res.Err
	}
}

func newCycleID() string {
	return "cycle-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func (o *Orchestrator) runCycle(ctx context.Context, source string) (summary CycleSummary, err error) {
	ctx, cancel := context.WithTimeout(ctx, o.cycleTimeout)
	defer cancel()

	summary = CycleSummary{CycleID: newCycleID(), Source: source, StartedAt: o.clock.Now()}
	ctx, span := observability.StartCycleSpan(ctx, summary.CycleID, source)
	defer span.End()

	o.logger.Info("pipeline cycle started", "cycle_id", summary.CycleID, "source", source)
	o.publish(domain.StageRunningEvent(summary.CycleID, domain.AgentPipeline))

	defer func() {
		summary.FinishedAt = o.clock.Now()
		outcome := "complete"
		switch {
		case err != nil:
			outcome = "error"
			summary.Error = err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case summary.Reason != "":
			outcome = string(summary.Reason)
		}
		if err == nil {
			o.ready.Store(true)
		}
		o.metrics.CyclesTotal.WithLabelValues(outcome).Inc()
		s := summary
		o.last.Store(&s)
		o.logger.Info("pipeline cycle finished",
			"cycle_id", summary.CycleID, "outcome", outcome, "actions", summary.Actions,
			"duration", summary.FinishedAt.Sub(summary.StartedAt))
	}()

	// Watcher.
	o.publish(domain.StageRunningEvent(summary.CycleID, domain.AgentWatcher))
	var watch agent.WatchResult
	err = o.stage(ctx, summary.CycleID, domain.AgentWatcher, func(ctx context.Context) error {
		var werr error
		watch, werr = o.watcher.Watch(ctx)
		return werr
	})
	if err != nil {
		return summary, err
	}
	summary.Threats = len(watch.Threats)
	summary.AtRisk = len(watch.AtRisk)
	summary.Bottlenecks = len(watch.Bottlenecks)
	summary.ValueAtRisk = watch.TotalValueAtRisk
	summary.Correlations = len(watch.Correlations)
	o.publish(domain.WatcherCompleteEvent(summary.CycleID, summary.Threats, summary.AtRisk, summary.Bottlenecks, summary.ValueAtRisk))
	if len(watch.Correlations) == 0 {
		return o.finishEarly(summary, domain.ReasonNoCorrelations), nil
	}

	// Procurement.
	o.publish(domain.ProcurementRunningEvent(summary.CycleID, summary.Correlations))
	var proposals []domain.RerouteProposal
	err = o.stage(ctx, summary.CycleID, domain.AgentProcurement, func(ctx context.Context) error {
		var perr error
		proposals, perr = o.proposer.Propose(ctx, watch)
		return perr
	})
	if err != nil {
		return summary, err
	}
	summary.Proposals = len(proposals)
	o.publish(domain.ProcurementCompleteEvent(summary.CycleID, summary.Proposals))
	if len(proposals) == 0 {
		return o.finishEarly(summary, domain.ReasonNoProposals), nil
	}

	// Auditor.
	o.publish(domain.AuditorRunningEvent(summary.CycleID, summary.Proposals))
	var audit agent.AuditResult
	err = o.stage(ctx, summary.CycleID, domain.AgentAuditor, func(ctx context.Context) error {
		var aerr error
		audit, aerr = o.auditor.Audit(ctx, proposals)
		return aerr
	})
	if err != nil {
		return summary, err
	}
	summary.Approved = audit.Approved
	summary.HITL = audit.Escalated
	summary.Rejected = audit.Rejected
	summary.Actions = audit.Actions()
	o.publish(domain.AuditorCompleteEvent(summary.CycleID, summary.Approved, summary.HITL, summary.Rejected))
	o.publish(domain.PipelineCompleteEvent(summary.CycleID, summary.Actions, ""))
	return summary, nil
}

// stage runs fn inside a span, records its duration, and on failure publishes
// the stage and pipeline error events.
func (o *Orchestrator) stage(ctx context.Context, cycleID string, a domain.Agent, fn func(context.Context) error) error {
	ctx, span := observability.StartStageSpan(ctx, cycleID, string(a))
	defer span.End()

	start := o.clock.Now()
	err := fn(ctx)
	o.metrics.StageDuration.WithLabelValues(string(a)).Observe(o.clock.Since(start).Seconds())
	if err == nil {
		return nil
	}

	err = fmt.Errorf("%s stage: %w", a, err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	o.logger.Error("pipeline stage failed", "cycle_id", cycleID, "agent", a, "error", err)
	o.publish(domain.StageFailedEvent(cycleID, a, err))
	o.publish(domain.StageFailedEvent(cycleID, domain.AgentPipeline, err))
	return err
}

func (o *Orchestrator) finishEarly(summary CycleSummary, reason domain.Reason) CycleSummary {
	summary.Reason = reason
	o.publish(domain.PipelineCompleteEvent(summary.CycleID, 0, reason))
	return summary
}

func (o *Orchestrator) publish(ev domain.ProgressEvent) {
	if o.publisher != nil {
		o.publisher.Publish(ev)
	}
}
