package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "storm_reroute"

// Metrics holds the Prometheus counters, histograms, and gauges for the reroute service.
type Metrics struct {
	PipelineRunning prometheus.Gauge
	CyclesTotal     *prometheus.CounterVec   // labels: outcome={complete,no_correlations,no_proposals,error}
	CyclesJoined    prometheus.Counter       // triggers that joined an in-flight cycle
	StageDuration   *prometheus.HistogramVec // labels: agent={watcher,procurement,auditor}

	// Stage output.
	CorrelationsFound prometheus.Counter
	HazardsSkipped    *prometheus.CounterVec // labels: agent, reason={no_centroid,empty_zone}
	ProposalsCreated  prometheus.Counter
	ProposalDecisions *prometheus.CounterVec // labels: status={auto_approved,awaiting_approval,rejected}

	// HITL.
	Resolutions     *prometheus.CounterVec // labels: decision={approve,reject}, outcome={applied,already_resolved,not_found,error}
	SignatureChecks *prometheus.CounterVec // labels: result={valid,invalid,stale,malformed}

	// Side effects.
	Executions    *prometheus.CounterVec // labels: outcome={success,error}
	Notifications *prometheus.CounterVec // labels: channel={slack,kafka}, outcome={success,error}

	// Routing.
	RouteRequests    *prometheus.CounterVec // labels: outcome={success,error,fallback}
	RouteCache       *prometheus.CounterVec // labels: result={hit,miss}
	RouteAPIDuration prometheus.Histogram

	// Progress stream.
	ProgressDropped prometheus.Counter
	ProgressClients prometheus.Gauge

	// Ingest.
	HazardsIngested *prometheus.CounterVec // labels: outcome={stored,invalid}
}

// NewMetrics creates and registers all service metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics(true)
	prometheus.MustRegister(
		m.PipelineRunning,
		m.CyclesTotal,
		m.CyclesJoined,
		m.StageDuration,
		m.CorrelationsFound,
		m.HazardsSkipped,
		m.ProposalsCreated,
		m.ProposalDecisions,
		m.Resolutions,
		m.SignatureChecks,
		m.Executions,
		m.Notifications,
		m.RouteRequests,
		m.RouteCache,
		m.RouteAPIDuration,
		m.ProgressDropped,
		m.ProgressClients,
		m.HazardsIngested,
	)
	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics(false)
}

func newMetrics(withHelp bool) *Metrics {
	help := func(s string) string {
		if withHelp {
			return s
		}
		return ""
	}
	return &Metrics{
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      help("1 while the periodic pipeline runner is active, 0 when shut down."),
		}),
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      help("Pipeline cycles by outcome."),
		}, []string{"outcome"}),
		CyclesJoined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_joined_total",
			Help:      help("Triggers that joined an in-flight cycle instead of starting one."),
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      help("Duration of each agent stage."),
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"agent"}),
		CorrelationsFound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "correlations_total",
			Help:      help("Hazard/location correlations found by the watcher."),
		}),
		HazardsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hazards_skipped_total",
			Help:      help("Hazards or correlations skipped for missing geometry."),
		}, []string{"agent", "reason"}),
		ProposalsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposals_created_total",
			Help:      help("Reroute proposals persisted by procurement."),
		}),
		ProposalDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proposal_decisions_total",
			Help:      help("Auditor dispositions by status."),
		}, []string{"status"}),
		Resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hitl_resolutions_total",
			Help:      help("Human-in-the-loop resolutions by decision and outcome."),
		}, []string{"decision", "outcome"}),
		SignatureChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signature_checks_total",
			Help:      help("Signed callback verifications by result."),
		}, []string{"result"}),
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      help("Reroute executions by outcome."),
		}, []string{"outcome"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      help("Approval requests sent by channel and outcome."),
		}, []string{"channel", "outcome"}),
		RouteRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_requests_total",
			Help:      help("Directions lookups by outcome."),
		}, []string{"outcome"}),
		RouteCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_cache_total",
			Help:      help("Route cache lookups by result."),
		}, []string{"result"}),
		RouteAPIDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "route_api_duration_seconds",
			Help:      help("Mapbox Directions API request duration in seconds."),
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		ProgressDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_events_dropped_total",
			Help:      help("Progress events dropped because a subscriber buffer was full."),
		}),
		ProgressClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "progress_subscribers",
			Help:      help("Current progress stream subscribers."),
		}),
		HazardsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hazards_ingested_total",
			Help:      help("Hazard messages consumed by outcome."),
		}, []string{"outcome"}),
	}
}
