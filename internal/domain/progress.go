package domain

import "time"

// Agent names a pipeline stage in progress events.
type Agent string

const (
	AgentWatcher     Agent = "watcher"
	AgentProcurement Agent = "procurement"
	AgentAuditor     Agent = "auditor"
	AgentPipeline    Agent = "pipeline"
)

// StageStatus is the lifecycle state carried by a progress event.
type StageStatus string

const (
	StageRunning  StageStatus = "running"
	StageComplete StageStatus = "complete"
	StageError    StageStatus = "error"
)

// Reason explains why a cycle stopped early.
type Reason string

const (
	ReasonNoCorrelations Reason = "no_correlations"
	ReasonNoProposals    Reason = "no_proposals"
)

// ProgressEvent is a transient notification describing pipeline progress.
// Counters are present only on the events that report them.
type ProgressEvent struct {
	CycleID      string      `json:"cycle_id"`
	Agent        Agent       `json:"agent"`
	Status       StageStatus `json:"status"`
	Threats      *int        `json:"threats,omitempty"`
	AtRisk       *int        `json:"at_risk,omitempty"`
	Bottlenecks  *int        `json:"bottlenecks,omitempty"`
	ValueAtRisk  *float64    `json:"value_at_risk,omitempty"`
	Correlations *int        `json:"correlations,omitempty"`
	Proposals    *int        `json:"proposals,omitempty"`
	Approved     *int        `json:"approved,omitempty"`
	HITL         *int        `json:"hitl,omitempty"`
	Rejected     *int        `json:"rejected,omitempty"`
	Actions      *int        `json:"actions,omitempty"`
	Reason       Reason      `json:"reason,omitempty"`
	Error        string      `json:"error,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
}

func ptr[T any](v T) *T { return &v }

func progress(cycleID string, agent Agent, status StageStatus) ProgressEvent {
	return ProgressEvent{CycleID: cycleID, Agent: agent, Status: status, Timestamp: now()}
}

// StageRunningEvent reports that a stage has started.
func StageRunningEvent(cycleID string, agent Agent) ProgressEvent {
	return progress(cycleID, agent, StageRunning)
}

// StageFailedEvent reports a stage error that aborted the cycle.
func StageFailedEvent(cycleID string, agent Agent, err error) ProgressEvent {
	e := progress(cycleID, agent, StageError)
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// WatcherCompleteEvent reports the Watcher's correlation summary.
func WatcherCompleteEvent(cycleID string, threats, atRisk, bottlenecks int, valueAtRisk float64) ProgressEvent {
	e := progress(cycleID, AgentWatcher, StageComplete)
	e.Threats = ptr(threats)
	e.AtRisk = ptr(atRisk)
	e.Bottlenecks = ptr(bottlenecks)
	e.ValueAtRisk = ptr(valueAtRisk)
	if atRisk == 0 {
		e.Reason = ReasonNoCorrelations
	}
	return e
}

// ProcurementRunningEvent reports how many correlations Procurement is working on.
func ProcurementRunningEvent(cycleID string, correlations int) ProgressEvent {
	e := progress(cycleID, AgentProcurement, StageRunning)
	e.Correlations = ptr(correlations)
	return e
}

// ProcurementCompleteEvent reports the number of proposals generated.
func ProcurementCompleteEvent(cycleID string, proposals int) ProgressEvent {
	e := progress(cycleID, AgentProcurement, StageComplete)
	e.Proposals = ptr(proposals)
	if proposals == 0 {
		e.Reason = ReasonNoProposals
	}
	return e
}

// AuditorRunningEvent reports how many proposals the Auditor is evaluating.
func AuditorRunningEvent(cycleID string, proposals int) ProgressEvent {
	e := progress(cycleID, AgentAuditor, StageRunning)
	e.Proposals = ptr(proposals)
	return e
}

// AuditorCompleteEvent reports the Auditor's dispositions.
func AuditorCompleteEvent(cycleID string, approved, hitl, rejected int) ProgressEvent {
	e := progress(cycleID, AgentAuditor, StageComplete)
	e.Approved = ptr(approved)
	e.HITL = ptr(hitl)
	e.Rejected = ptr(rejected)
	return e
}

// PipelineCompleteEvent closes a cycle.
func PipelineCompleteEvent(cycleID string, actions int, reason Reason) ProgressEvent {
	e := progress(cycleID, AgentPipeline, StageComplete)
	e.Actions = ptr(actions)
	e.Reason = reason
	return e
}
