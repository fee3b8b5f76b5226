package slack

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/couchcryptid/storm-reroute-service/internal/domain"
	"github.com/couchcryptid/storm-reroute-service/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func sampleProposal() domain.RerouteProposal {
	conf := 0.41
	return domain.RerouteProposal{
		ID: "prop-0a1b2c3d4e5f", ThreatID: "noaa-ok-7", OriginalLocationID: "sup-okc",
		ProposedLocationID: "sup-tulsa", ProposedLocationName: "Tulsa Steel",
		AttentionScore: 0.58, RerouteCostUSD: 72_450.5, DriveTimeMinutes: 104,
		Status: domain.StatusAwaitingApproval, Confidence: &conf,
		AuditExplanation: "cost above auto-approval threshold",
	}
}

func TestNotifier_RequestApproval(t *testing.T) {
	var got message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, time.Second, discardLogger(), observability.NewMetricsForTesting())
	require.NoError(t, n.RequestApproval(context.Background(), sampleProposal()))

	require.Len(t, got.Blocks, 5)
	assert.Equal(t, "header", got.Blocks[0].Type)
	assert.Contains(t, got.Blocks[1].Fields[3].Text, "Tulsa Steel (sup-tulsa)")
	assert.Contains(t, got.Blocks[1].Fields[4].Text, "$72,450.50")
	assert.Contains(t, got.Blocks[2].Text.Text, "cost above auto-approval threshold")

	actions := got.Blocks[4]
	assert.Equal(t, "actions", actions.Type)
	require.Len(t, actions.Elements, 2)
	assert.Equal(t, ActionApprove, actions.Elements[0].ActionID)
	assert.Equal(t, ActionReject, actions.Elements[1].ActionID)
	assert.Equal(t, "prop-0a1b2c3d4e5f", actions.Elements[0].Value)
	assert.Equal(t, "prop-0a1b2c3d4e5f", actions.Elements[1].Value)
}

func TestNotifier_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("invalid_token"))
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, time.Second, discardLogger(), observability.NewMetricsForTesting())
	err := n.RequestApproval(context.Background(), sampleProposal())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "invalid_token")
}

func TestNotifier_NotConfigured(t *testing.T) {
	n := NewNotifier("", time.Second, discardLogger(), observability.NewMetricsForTesting())
	require.ErrorIs(t, n.RequestApproval(context.Background(), sampleProposal()), ErrNotConfigured)
}

func TestFormatUSD(t *testing.T) {
	tests := map[float64]string{
		0:            "0.00",
		999.999:      "1,000.00",
		50_000:       "50,000.00",
		1_234_567.89: "1,234,567.89",
		-4_200:       "-4,200.00",
	}
	for in, want := range tests {
		assert.Equal(t, want, formatUSD(in), "formatUSD(%v)", in)
	}
}

func formBody(payload string) []byte {
	return []byte(url.Values{"payload": {payload}}.Encode())
}

func TestParseInteraction(t *testing.T) {
	body := formBody(`{"type":"block_actions","user":{"id":"U1","username":"dana"},` +
		`"actions":[{"action_id":"hitl_reject","value":"prop-9"},{"action_id":"hitl_approve","value":"prop-9"}]}`)

	got, err := ParseInteraction(body)
	require.NoError(t, err)
	assert.Equal(t, Interaction{ActionID: ActionReject, ProposalID: "prop-9", User: "dana"}, got)
}

func TestParseInteraction_FallsBackToUserID(t *testing.T) {
	got, err := ParseInteraction(formBody(`{"user":{"id":"U42"},"actions":[{"action_id":"hitl_approve","value":"p"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "U42", got.User)
}

func TestParseInteraction_Malformed(t *testing.T) {
	for name, body := range map[string][]byte{
		"no payload":   []byte("foo=bar"),
		"bad json":     formBody("{"),
		"no actions":   formBody(`{"user":{"username":"dana"},"actions":[]}`),
		"bad encoding": []byte("payload=%zz"),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseInteraction(body)
			require.ErrorIs(t, err, ErrMalformedInteraction)
		})
	}
}
