package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/couchcryptid/storm-reroute-service/internal/agent"
	"github.com/couchcryptid/storm-reroute-service/internal/domain"
	"github.com/couchcryptid/storm-reroute-service/internal/observability"
	"github.com/couchcryptid/storm-reroute-service/internal/pipeline"
	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type mockWatcher struct {
	result  agent.WatchResult
	err     error
	calls   atomic.Int32
	release chan struct{}
	ctxErr  atomic.Value
}

func (m *mockWatcher) Watch(ctx context.Context) (agent.WatchResult, error) {
	m.calls.Add(1)
	if m.release != nil {
		<-m.release
	}
	if err := ctx.Err(); err != nil {
		m.ctxErr.Store(err)
	}
	return m.result, m.err
}

type mockProposer struct {
	proposals []domain.RerouteProposal
	err       error
	calls     atomic.Int32
}

func (m *mockProposer) Propose(_ context.Context, _ agent.WatchResult) ([]domain.RerouteProposal, error) {
	m.calls.Add(1)
	return m.proposals, m.err
}

type mockAuditor struct {
	result agent.AuditResult
	err    error
	calls  atomic.Int32
}

func (m *mockAuditor) Audit(_ context.Context, _ []domain.RerouteProposal) (agent.AuditResult, error) {
	m.calls.Add(1)
	return m.result, m.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.ProgressEvent
}

func (p *recordingPublisher) Publish(ev domain.ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

type step struct {
	Agent  domain.Agent
	Status domain.StageStatus
	Reason domain.Reason
}

func (p *recordingPublisher) steps() []step {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]step, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, step{Agent: ev.Agent, Status: ev.Status, Reason: ev.Reason})
	}
	return out
}

func (p *recordingPublisher) last() domain.ProgressEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

func newTestMetrics() *observability.Metrics {
	return observability.NewMetricsForTesting()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func oneCorrelation() agent.WatchResult {
	c := domain.Coordinates{Lat: 35.5, Lon: -96.5}
	loc := domain.Location{ID: "wh-okc"}
	return agent.WatchResult{
		HazardsScanned:   1,
		Threats:          []agent.ThreatSummary{{Threat: domain.HazardEvent{ID: "haz-1"}, Centroid: c}},
		Correlations:     []domain.Correlation{{Threat: domain.HazardEvent{ID: "haz-1"}, Centroid: &c, Location: loc}},
		AtRisk:           []domain.Location{loc},
		TotalValueAtRisk: 1_000_000,
	}
}

type harness struct {
	watcher   *mockWatcher
	proposer  *mockProposer
	auditor   *mockAuditor
	publisher *recordingPublisher
}

func newHarness() *harness {
	return &harness{
		watcher:  &mockWatcher{result: oneCorrelation()},
		proposer: &mockProposer{proposals: []domain.RerouteProposal{{ID: "p1"}, {ID: "p2"}, {ID: "p3"}}},
		auditor: &mockAuditor{result: agent.AuditResult{
			Approved: 1, Escalated: 1, Rejected: 1,
		}},
		publisher: &recordingPublisher{},
	}
}

func (h *harness) orchestrator() *pipeline.Orchestrator {
	return pipeline.New(h.watcher, h.proposer, h.auditor, h.publisher, time.Minute,
		clockwork.NewRealClock(), discardLogger(), newTestMetrics())
}

// --- tests ---

func TestOrchestrator_FullCycle(t *testing.T) {
	h := newHarness()
	o := h.orchestrator()

	summary, err := o.Trigger(context.Background(), pipeline.SourceManual)
	require.NoError(t, err)

	assert.False(t, summary.Joined)
	assert.NotEmpty(t, summary.CycleID)
	assert.Equal(t, 1, summary.Correlations)
	assert.Equal(t, 3, summary.Proposals)
	assert.Equal(t, 3, summary.Actions)
	assert.Empty(t, summary.Reason)
	require.NoError(t, o.CheckReadiness(context.Background()))

	want := []step{
		{domain.AgentPipeline, domain.StageRunning, ""},
		{domain.AgentWatcher, domain.StageRunning, ""},
		{domain.AgentWatcher, domain.StageComplete, ""},
		{domain.AgentProcurement, domain.StageRunning, ""},
		{domain.AgentProcurement, domain.StageComplete, ""},
		{domain.AgentAuditor, domain.StageRunning, ""},
		{domain.AgentAuditor, domain.StageComplete, ""},
		{domain.AgentPipeline, domain.StageComplete, ""},
	}
	if diff := cmp.Diff(want, h.publisher.steps()); diff != "" {
		t.Fatalf("progress sequence mismatch (-want +got):\n%s", diff)
	}

	last := h.publisher.last()
	require.NotNil(t, last.Actions)
	assert.Equal(t, 3, *last.Actions)
	for _, ev := range h.publisher.events {
		assert.Equal(t, summary.CycleID, ev.CycleID)
	}

	got, ok := o.LastCycle()
	require.True(t, ok)
	assert.Equal(t, summary.CycleID, got.CycleID)
}

func TestOrchestrator_NoCorrelationsShortCircuits(t *testing.T) {
	h := newHarness()
	h.watcher.result = agent.WatchResult{HazardsScanned: 2}
	o := h.orchestrator()

	summary, err := o.Trigger(context.Background(), pipeline.SourceManual)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonNoCorrelations, summary.Reason)
	assert.Zero(t, h.proposer.calls.Load())
	assert.Zero(t, h.auditor.calls.Load())

	want := []step{
		{domain.AgentPipeline, domain.StageRunning, ""},
		{domain.AgentWatcher, domain.StageRunning, ""},
		{domain.AgentWatcher, domain.StageComplete, domain.ReasonNoCorrelations},
		{domain.AgentPipeline, domain.StageComplete, domain.ReasonNoCorrelations},
	}
	if diff := cmp.Diff(want, h.publisher.steps()); diff != "" {
		t.Fatalf("progress sequence mismatch (-want +got):\n%s", diff)
	}
	require.NoError(t, o.CheckReadiness(context.Background()), "short circuit is not a failure")
}

func TestOrchestrator_NoProposalsSkipsAuditor(t *testing.T) {
	h := newHarness()
	h.proposer.proposals = nil
	o := h.orchestrator()

	summary, err := o.Trigger(context.Background(), pipeline.SourceManual)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonNoProposals, summary.Reason)
	assert.Zero(t, h.auditor.calls.Load())

	last := h.publisher.last()
	assert.Equal(t, domain.AgentPipeline, last.Agent)
	assert.Equal(t, domain.ReasonNoProposals, last.Reason)
	require.NotNil(t, last.Actions)
	assert.Zero(t, *last.Actions)
}

func TestOrchestrator_StageErrorAbortsCycle(t *testing.T) {
	h := newHarness()
	h.proposer.err = errors.New("search backend unavailable")
	o := h.orchestrator()

	summary, err := o.Trigger(context.Background(), pipeline.SourceManual)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "procurement stage")
	assert.Contains(t, summary.Error, "search backend unavailable")
	assert.Zero(t, h.auditor.calls.Load())
	assert.Error(t, o.CheckReadiness(context.Background()))

	steps := h.publisher.steps()
	require.GreaterOrEqual(t, len(steps), 2)
	assert.Equal(t, step{domain.AgentProcurement, domain.StageError, ""}, steps[len(steps)-2])
	assert.Equal(t, step{domain.AgentPipeline, domain.StageError, ""}, steps[len(steps)-1])
	assert.Contains(t, h.publisher.last().Error, "search backend unavailable")
}

func TestOrchestrator_ConcurrentTriggersJoin(t *testing.T) {
	h := newHarness()
	h.watcher.release = make(chan struct{})
	o := h.orchestrator()

	first := make(chan pipeline.CycleSummary, 1)
	go func() {
		s, err := o.Trigger(context.Background(), pipeline.SourceSchedule)
		assert.NoError(t, err)
		first <- s
	}()
	require.Eventually(t, func() bool { return h.watcher.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	second := make(chan pipeline.CycleSummary, 1)
	go func() {
		s, err := o.Trigger(context.Background(), pipeline.SourceManual)
		assert.NoError(t, err)
		second <- s
	}()
	// Give the second trigger time to reach the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(h.watcher.release)

	a, b := <-first, <-second
	assert.Equal(t, int32(1), h.watcher.calls.Load(), "only one watcher run")
	assert.Equal(t, a.CycleID, b.CycleID)
	assert.False(t, a.Joined)
	assert.True(t, b.Joined)
	assert.Equal(t, a.Actions, b.Actions)
}

func TestOrchestrator_CallerCancelDoesNotCancelCycle(t *testing.T) {
	h := newHarness()
	h.watcher.release = make(chan struct{})
	o := h.orchestrator()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := o.Trigger(ctx, pipeline.SourceManual)
		done <- err
	}()
	require.Eventually(t, func() bool { return h.watcher.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	close(h.watcher.release)

	require.Eventually(t, func() bool {
		_, ok := o.LastCycle()
		return ok
	}, time.Second, 5*time.Millisecond)
	assert.Nil(t, h.watcher.ctxErr.Load(), "cycle context stays live")
	assert.Equal(t, int32(1), h.auditor.calls.Load())
}

func TestOrchestrator_NilPublisher(t *testing.T) {
	h := newHarness()
	o := pipeline.New(h.watcher, h.proposer, h.auditor, nil, 0, clockwork.NewRealClock(), discardLogger(), newTestMetrics())

	_, err := o.Trigger(context.Background(), pipeline.SourceManual)
	require.NoError(t, err)
}
