package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/couchcryptid/storm-reroute-service/internal/domain"
	"github.com/couchcryptid/storm-reroute-service/internal/hitl"
	"github.com/couchcryptid/storm-reroute-service/internal/pipeline"
	"github.com/couchcryptid/storm-reroute-service/internal/simulate"
	"github.com/couchcryptid/storm-reroute-service/internal/store"
)

const (
	defaultProposalLimit = 50
	maxProposalLimit     = 500
	defaultReliability   = 0.5
)

type cycleError struct {
	Error   string                `json:"error"`
	Summary pipeline.CycleSummary `json:"summary"`
}

func (s *Server) handlePipelineRun(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Pipeline.Trigger(r.Context(), pipeline.SourceManual)
	if err != nil {
		s.logger.Error("manual pipeline run failed", "cycle_id", summary.CycleID, "error", err)
		writeJSON(w, http.StatusInternalServerError, cycleError{Error: err.Error(), Summary: summary})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleIngestPoll(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Ingest.Poll(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleIngestStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Ingest.Status(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDashboardState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Dashboard.State(r.Context()))
}

// locationRequest is the body of POST /locations. Omitting location_id
// creates a new location.
type locationRequest struct {
	LocationID       string              `json:"location_id"`
	Name             string              `json:"name"`
	Type             domain.LocationType `json:"type"`
	Lat              *float64            `json:"lat"`
	Lon              *float64            `json:"lon"`
	InventoryValue   *float64            `json:"inventory_value_usd"`
	ReliabilityIndex *float64            `json:"reliability_index"`
	AvgLeadTimeHours float64             `json:"avg_lead_time_hours"`
	Active           *bool               `json:"active"`
}

type locationResponse struct {
	Status     string `json:"status"`
	LocationID string `json:"location_id"`
}

func (s *Server) handleUpsertLocation(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[locationRequest](w, r)
	if !ok {
		return
	}
	if req.Lat == nil || req.Lon == nil {
		writeError(w, http.StatusBadRequest, "lat and lon are required")
		return
	}

	loc := domain.Location{
		ID:               strings.TrimSpace(req.LocationID),
		Name:             strings.TrimSpace(req.Name),
		Type:             domain.LocationType(strings.ToLower(string(req.Type))),
		Coordinates:      domain.Coordinates{Lat: *req.Lat, Lon: *req.Lon},
		InventoryValue:   req.InventoryValue,
		ReliabilityIndex: defaultReliability,
		AvgLeadTimeHours: req.AvgLeadTimeHours,
		Active:           true,
	}
	if req.ReliabilityIndex != nil {
		loc.ReliabilityIndex = *req.ReliabilityIndex
	}
	if req.Active != nil {
		loc.Active = *req.Active
	}
	if err := loc.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status, code := "updated", http.StatusOK
	if loc.ID == "" {
		loc.ID = "loc-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
		status, code = "created", http.StatusCreated
	} else if _, err := s.deps.Locations.GetLocation(r.Context(), loc.ID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.writeDomainError(w, r, err)
			return
		}
		status, code = "created", http.StatusCreated
	}

	if err := s.deps.Locations.UpsertLocation(r.Context(), loc); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.logger.Info("location stored", "location_id", loc.ID, "status", status)
	writeJSON(w, code, locationResponse{Status: status, LocationID: loc.ID})
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ProposalFilter{
		Status:   domain.HITLStatus(q.Get("status")),
		ThreatID: q.Get("threat_id"),
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status "+string(f.Status))
		return
	}
	var err error
	if f.Limit, err = queryInt(r, "limit", defaultProposalLimit); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.Offset, err = queryInt(r, "offset", 0); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.Limit == 0 || f.Limit > maxProposalLimit {
		f.Limit = maxProposalLimit
	}

	proposals, err := s.deps.Proposals.ListProposals(r.Context(), f)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if proposals == nil {
		proposals = []domain.RerouteProposal{}
	}
	writeJSON(w, http.StatusOK, proposals)
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Proposals.GetProposal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type resolveRequest struct {
	Decision      string `json:"decision"`
	Actor         string `json:"actor"`
	Justification string `json:"justification"`
}

func (s *Server) handleResolveProposal(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[resolveRequest](w, r)
	if !ok {
		return
	}
	decision, err := hitl.ParseDecision(req.Decision)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := s.deps.Resolver.Resolve(r.Context(), hitl.Resolution{
		ProposalID:    chi.URLParam(r, "id"),
		Decision:      decision,
		Actor:         req.Actor,
		Justification: req.Justification,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleRLUpdate(w http.ResponseWriter, r *http.Request) {
	report, ok := readJSON[hitl.OutcomeReport](w, r)
	if !ok {
		return
	}
	if report.SupplierID == "" {
		writeError(w, http.StatusBadRequest, "supplier_id is required")
		return
	}
	update, err := s.deps.Feedback.Record(r.Context(), report)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, update)
}

func (s *Server) handleThreatFocus(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Focus.Focus(r.Context(), r.URL.Query().Get("session"), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	period, err := simulate.ParsePeriod(r.URL.Query().Get("start"), r.URL.Query().Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := s.deps.Simulate.Run(r.Context(), period)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
