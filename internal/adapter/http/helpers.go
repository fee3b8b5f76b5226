package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/couchcryptid/storm-reroute-service/internal/domain"
	"github.com/couchcryptid/storm-reroute-service/internal/focus"
	"github.com/couchcryptid/storm-reroute-service/internal/hitl"
	"github.com/couchcryptid/storm-reroute-service/internal/simulate"
	"github.com/couchcryptid/storm-reroute-service/internal/store"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

// readJSON decodes a JSON request body with a size limit.
func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeDomainError maps service errors to status codes. Unknown errors are
// logged and reported as 500 without detail.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, hitl.ErrProposalNotFound),
		errors.Is(err, focus.ErrThreatNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, hitl.ErrAlreadyResolved),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, focus.ErrSuperseded):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, hitl.ErrInvalidDecision),
		errors.Is(err, hitl.ErrInvalidOutcome),
		errors.Is(err, simulate.ErrInvalidPeriod),
		errors.Is(err, domain.ErrInvalidProposal):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// queryInt parses a non-negative integer query parameter, returning def when absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}
