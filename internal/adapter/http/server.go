// Package http exposes the reroute service API, the progress stream and the
// Slack callback over HTTP with chi.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/storm-reroute-service/internal/dashboard"
	"github.com/couchcryptid/storm-reroute-service/internal/domain"
	"github.com/couchcryptid/storm-reroute-service/internal/focus"
	"github.com/couchcryptid/storm-reroute-service/internal/hitl"
	"github.com/couchcryptid/storm-reroute-service/internal/ingest"
	"github.com/couchcryptid/storm-reroute-service/internal/observability"
	"github.com/couchcryptid/storm-reroute-service/internal/pipeline"
	"github.com/couchcryptid/storm-reroute-service/internal/simulate"
	"github.com/couchcryptid/storm-reroute-service/internal/store"
)

// Cycler runs one pipeline cycle.
type Cycler interface {
	Trigger(ctx context.Context, source string) (pipeline.CycleSummary, error)
}

// IngestService refreshes hazards and reports what is active.
type IngestService interface {
	Poll(ctx context.Context) (ingest.PollResult, error)
	Status(ctx context.Context) (ingest.Status, error)
}

// DashboardReader builds the dashboard payload.
type DashboardReader interface {
	State(ctx context.Context) dashboard.State
}

// LocationWriter stores locations.
type LocationWriter interface {
	UpsertLocation(ctx context.Context, loc domain.Location) error
	GetLocation(ctx context.Context, id string) (domain.Location, error)
}

// ProposalReader reads proposals.
type ProposalReader interface {
	GetProposal(ctx context.Context, id string) (domain.RerouteProposal, error)
	ListProposals(ctx context.Context, f store.ProposalFilter) ([]domain.RerouteProposal, error)
}

// Resolver applies human decisions.
type Resolver interface {
	Resolve(ctx context.Context, res hitl.Resolution) (domain.RerouteProposal, error)
}

// FeedbackRecorder folds delivery outcomes into reliability.
type FeedbackRecorder interface {
	Record(ctx context.Context, r hitl.OutcomeReport) (hitl.ReliabilityUpdate, error)
}

// ThreatFocuser answers per-session threat focus queries.
type ThreatFocuser interface {
	Focus(ctx context.Context, sessionID, threatID string) (focus.Result, error)
}

// Simulator replays a past period.
type Simulator interface {
	Run(ctx context.Context, p simulate.Period) (simulate.Report, error)
}

// Pinger is satisfied by the stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreReadiness reports ready while the store answers pings.
type StoreReadiness struct {
	Store Pinger
}

// CheckReadiness pings the store.
func (r StoreReadiness) CheckReadiness(ctx context.Context) error {
	return r.Store.Ping(ctx)
}

// Deps are the services behind the routes. All are required.
type Deps struct {
	Ready     sharedobs.ReadinessChecker
	Pipeline  Cycler
	Ingest    IngestService
	Dashboard DashboardReader
	Locations LocationWriter
	Proposals ProposalReader
	Resolver  Resolver
	Feedback  FeedbackRecorder
	Focus     ThreatFocuser
	Simulate  Simulator
	Progress  http.Handler

	// APIKey guards /api/v1 when set.
	APIKey             string
	SlackSigningSecret string
	SignatureTolerance time.Duration
	RequestTimeout     time.Duration

	Clock   clockwork.Clock
	Metrics *observability.Metrics
}

// Server exposes health, readiness, metrics and the service API.
type Server struct {
	httpServer *http.Server
	deps       Deps
	logger     *slog.Logger
}

// NewServer creates an HTTP server with every route mounted.
func NewServer(addr string, deps Deps, logger *slog.Logger) *Server {
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 60 * time.Second
	}
	s := &Server{deps: deps, logger: logger}

	// No read or write timeout: the progress stream is long-lived.
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(s.logger))

	r.Get("/healthz", sharedobs.LivenessHandler())
	r.Get("/readyz", sharedobs.ReadinessHandler(s.deps.Ready))
	r.Handle("/metrics", promhttp.Handler())

	// Authenticated by request signature, not API key.
	r.Post("/slack/actions", s.handleSlackActions)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(APIKey(s.deps.APIKey))

		r.Handle("/ws/pipeline", s.deps.Progress)

		r.Group(func(r chi.Router) {
			r.Use(chimw.Timeout(s.deps.RequestTimeout))

			r.Post("/pipeline/run", s.handlePipelineRun)
			r.Post("/ingest/poll", s.handleIngestPoll)
			r.Get("/ingest/status", s.handleIngestStatus)
			r.Get("/dashboard/state", s.handleDashboardState)
			r.Post("/locations", s.handleUpsertLocation)
			r.Get("/proposals", s.handleListProposals)
			r.Get("/proposals/{id}", s.handleGetProposal)
			r.Post("/proposals/{id}/resolve", s.handleResolveProposal)
			r.Post("/rl/update", s.handleRLUpdate)
			r.Get("/threats/{id}/focus", s.handleThreatFocus)
			r.Post("/simulate", s.handleSimulate)
		})
	})
	return r
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}
