package slack

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
)

// ErrMalformedInteraction means the interactive payload could not be read.
var ErrMalformedInteraction = errors.New("malformed slack interaction")

// Interaction is the part of a block_actions callback the service acts on.
type Interaction struct {
	ActionID   string
	ProposalID string
	User       string
}

type interactionPayload struct {
	Type string `json:"type"`
	User struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Name     string `json:"name"`
	} `json:"user"`
	Actions []struct {
		ActionID string `json:"action_id"`
		Value    string `json:"value"`
	} `json:"actions"`
}

// ParseInteraction decodes the url-encoded form body Slack posts when a
// button is clicked. Only the first action is considered.
func ParseInteraction(body []byte) (Interaction, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return Interaction{}, fmt.Errorf("%w: %w", ErrMalformedInteraction, err)
	}
	raw := form.Get("payload")
	if raw == "" {
		return Interaction{}, fmt.Errorf("%w: missing payload field", ErrMalformedInteraction)
	}

	var p interactionPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Interaction{}, fmt.Errorf("%w: %w", ErrMalformedInteraction, err)
	}
	if len(p.Actions) == 0 {
		return Interaction{}, fmt.Errorf("%w: no actions", ErrMalformedInteraction)
	}

	user := p.User.Username
	if user == "" {
		user = p.User.Name
	}
	if user == "" {
		user = p.User.ID
	}
	return Interaction{
		ActionID:   p.Actions[0].ActionID,
		ProposalID: p.Actions[0].Value,
		User:       user,
	}, nil
}
