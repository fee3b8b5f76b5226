package http

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/couchcryptid/storm-reroute-service/internal/adapter/slack"
	"github.com/couchcryptid/storm-reroute-service/internal/hitl"
)

type slackReply struct {
	ResponseType string `json:"response_type"`
	Text         string `json:"text"`
}

// handleSlackActions verifies the request signature over the raw body before
// anything in the body is interpreted.
func (s *Server) handleSlackActions(w http.ResponseWriter, r *http.Request) {
	if s.deps.SlackSigningSecret == "" {
		writeError(w, http.StatusServiceUnavailable, "slack callbacks are not configured")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	err = hitl.VerifySignature(s.deps.SlackSigningSecret,
		r.Header.Get(hitl.HeaderTimestamp), r.Header.Get(hitl.HeaderSignature),
		body, s.deps.Clock.Now(), s.deps.SignatureTolerance)
	s.deps.Metrics.SignatureChecks.WithLabelValues(signatureResult(err)).Inc()
	if err != nil {
		s.logger.Warn("slack callback rejected", "error", err, "remote", r.RemoteAddr)
		writeError(w, signatureStatus(err), err.Error())
		return
	}

	in, err := slack.ParseInteraction(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	decision, err := hitl.ParseDecision(in.ActionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown action: "+in.ActionID)
		return
	}

	p, err := s.deps.Resolver.Resolve(r.Context(), hitl.Resolution{
		ProposalID: in.ProposalID,
		Decision:   decision,
		Actor:      in.User,
	})
	switch {
	case errors.Is(err, hitl.ErrAlreadyResolved):
		writeJSON(w, http.StatusOK, slackReply{
			ResponseType: "ephemeral",
			Text:         fmt.Sprintf("Reroute `%s` was already resolved.", in.ProposalID),
		})
	case err != nil:
		s.writeDomainError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, slackReply{
			ResponseType: "in_channel",
			Text:         fmt.Sprintf("Reroute `%s` %s by %s.", p.ID, p.Status, p.ResolvedBy),
		})
	}
}

func signatureResult(err error) string {
	switch {
	case err == nil:
		return "valid"
	case errors.Is(err, hitl.ErrStaleSignature):
		return "stale"
	case errors.Is(err, hitl.ErrInvalidSignature):
		return "invalid"
	default:
		return "malformed"
	}
}

// signatureStatus maps absent or unparseable headers to 400 and a failed
// verification to 403.
func signatureStatus(err error) int {
	if errors.Is(err, hitl.ErrMissingSignature) || errors.Is(err, hitl.ErrMalformedSignature) {
		return http.StatusBadRequest
	}
	return http.StatusForbidden
}
