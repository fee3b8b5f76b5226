// Package slack posts interactive approval requests to a Slack incoming webhook.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/couchcryptid/storm-reroute-service/internal/domain"
	"github.com/couchcryptid/storm-reroute-service/internal/observability"
)

const channelName = "slack"

// Action ids carried by the approval buttons.
const (
	ActionApprove = "hitl_approve"
	ActionReject  = "hitl_reject"
)

// ErrNotConfigured is returned when no webhook URL is set.
var ErrNotConfigured = errors.New("slack webhook not configured")

// Notifier sends approval requests via incoming webhook.
type Notifier struct {
	webhookURL string
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// NewNotifier creates a Slack notifier with the given webhook URL.
func NewNotifier(webhookURL string, timeout time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		metrics:    metrics,
	}
}

// message is the Block Kit payload. Text is the notification fallback.
type message struct {
	Text   string  `json:"text"`
	Blocks []block `json:"blocks"`
}

type block struct {
	Type     string    `json:"type"`
	BlockID  string    `json:"block_id,omitempty"`
	Text     *text     `json:"text,omitempty"`
	Fields   []text    `json:"fields,omitempty"`
	Elements []element `json:"elements,omitempty"`
}

type text struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type element struct {
	Type     string `json:"type"`
	Text     text   `json:"text"`
	Style    string `json:"style,omitempty"`
	ActionID string `json:"action_id"`
	Value    string `json:"value"`
}

// RequestApproval posts the proposal with Approve and Reject buttons.
func (n *Notifier) RequestApproval(ctx context.Context, p domain.RerouteProposal) (err error) {
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		n.metrics.Notifications.WithLabelValues(channelName, outcome).Inc()
	}()

	if n.webhookURL == "" {
		return ErrNotConfigured
	}

	body, err := json.Marshal(approvalMessage(p))
	if err != nil {
		return fmt.Errorf("slack marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req) //nolint:gosec // webhook URL from trusted config
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("slack API %d: %s", resp.StatusCode, string(respBody))
	}

	n.logger.Info("approval request sent", "channel", channelName, "proposal_id", p.ID)
	return nil
}

func approvalMessage(p domain.RerouteProposal) message {
	proposed := p.ProposedLocationID
	if p.ProposedLocationName != "" {
		proposed = fmt.Sprintf("%s (%s)", p.ProposedLocationName, p.ProposedLocationID)
	}
	confidence := "n/a"
	if p.Confidence != nil {
		confidence = fmt.Sprintf("%.4f", *p.Confidence)
	}
	drive := fmt.Sprintf("%.0f min", p.DriveTimeMinutes)
	if p.RouteEstimated {
		drive += " (estimated)"
	}
	rationale := p.AuditExplanation
	if rationale == "" {
		rationale = p.Rationale
	}

	return message{
		Text: "Reroute approval required: " + p.ID,
		Blocks: []block{
			{Type: "header", Text: &text{Type: "plain_text", Text: ":rotating_light: Reroute approval required"}},
			{Type: "section", Fields: []text{
				{Type: "mrkdwn", Text: "*Threat:*\n" + p.ThreatID},
				{Type: "mrkdwn", Text: "*Proposal ID:*\n`" + p.ID + "`"},
				{Type: "mrkdwn", Text: "*Current location:*\n" + p.OriginalLocationID},
				{Type: "mrkdwn", Text: "*Proposed location:*\n" + proposed},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Reroute cost:*\n$%s", formatUSD(p.RerouteCostUSD))},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Attention / confidence:*\n%.4f / %s", p.AttentionScore, confidence)},
			}},
			{Type: "section", Text: &text{Type: "mrkdwn", Text: fmt.Sprintf("*Drive time:* %s\n*Rationale:*\n>%s", drive, rationale)}},
			{Type: "divider"},
			{Type: "actions", BlockID: "hitl_" + p.ID, Elements: []element{
				{Type: "button", Text: text{Type: "plain_text", Text: "Approve"}, Style: "primary", ActionID: ActionApprove, Value: p.ID},
				{Type: "button", Text: text{Type: "plain_text", Text: "Reject"}, Style: "danger", ActionID: ActionReject, Value: p.ID},
			}},
		},
	}
}

// formatUSD renders v with thousands separators and two decimals.
func formatUSD(v float64) string {
	s := fmt.Sprintf("%.2f", v)
	intPart, frac := s[:len(s)-3], s[len(s)-3:]
	neg := false
	if intPart != "" && intPart[0] == '-' {
		neg, intPart = true, intPart[1:]
	}
	var b []byte
	for i, c := range []byte(intPart) {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b = append(b, ',')
		}
		b = append(b, c)
	}
	if neg {
		return "-" + string(b) + frac
	}
	return string(b) + frac
}
