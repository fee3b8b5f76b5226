package hitl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/couchcryptid/storm-reroute-service/internal/domain"
	"github.com/jonboulle/clockwork"
)

// ErrInvalidOutcome means a delivery outcome could not be interpreted.
var ErrInvalidOutcome = errors.New("invalid delivery outcome")

// maxDelayFactor caps how many days of delay scale the penalty.
const maxDelayFactor = 3.0

// OutcomeReport is delivery feedback for a supplier.
type OutcomeReport struct {
	SupplierID         string  `json:"supplier_id"`
	ProposalID         string  `json:"proposal_id,omitempty"`
	Outcome            string  `json:"outcome"`
	DeliveryDelayHours float64 `json:"delivery_delay_hours"`
}

// ReliabilityUpdate reports the effect of one OutcomeReport.
type ReliabilityUpdate struct {
	SupplierID          string  `json:"supplier_id"`
	PreviousReliability float64 `json:"previous_reliability"`
	NewReliability      float64 `json:"new_reliability"`
	Delta               float64 `json:"delta"`
}

// FeedbackStore is the persistence Feedback needs.
type FeedbackStore interface {
	GetLocation(ctx context.Context, id string) (domain.Location, error)
	AdjustReliability(ctx context.Context, id string, delta float64) (float64, error)
	RecordDelivery(ctx context.Context, o domain.DeliveryOutcome) error
}

// Feedback rewards on-time suppliers and penalizes late ones.
type Feedback struct {
	store         FeedbackStore
	rewardFactor  float64
	penaltyFactor float64
	clock         clockwork.Clock
	logger        *slog.Logger
}

// NewFeedback creates a Feedback service.
func NewFeedback(s FeedbackStore, rewardFactor, penaltyFactor float64, clock clockwork.Clock, logger *slog.Logger) *Feedback {
	return &Feedback{store: s, rewardFactor: rewardFactor, penaltyFactor: penaltyFactor, clock: clock, logger: logger}
}

// ReliabilityDelta is +reward on success and -penalty*(1+min(delay/24h, 3)) on failure.
func ReliabilityDelta(success bool, delayHours, reward, penalty float64) float64 {
	if success {
		return reward
	}
	delayFactor := math.Min(math.Max(delayHours, 0)/24, maxDelayFactor)
	return -penalty * (1 + delayFactor)
}

// Record stores the outcome in the delivery log and adjusts reliability.
func (f *Feedback) Record(ctx context.Context, r OutcomeReport) (ReliabilityUpdate, error) {
	var success bool
	switch strings.ToLower(strings.TrimSpace(r.Outcome)) {
	case "success", "on_time":
		success = true
	case "failure", "late":
	default:
		return ReliabilityUpdate{}, fmt.Errorf("%w: outcome %q", ErrInvalidOutcome, r.Outcome)
	}
	if r.DeliveryDelayHours < 0 || math.IsNaN(r.DeliveryDelayHours) {
		return ReliabilityUpdate{}, fmt.Errorf("%w: negative delay", ErrInvalidOutcome)
	}

	loc, err := f.store.GetLocation(ctx, r.SupplierID)
	if err != nil {
		return ReliabilityUpdate{}, fmt.Errorf("load supplier %s: %w", r.SupplierID, err)
	}

	if err := f.store.RecordDelivery(ctx, domain.DeliveryOutcome{
		SupplierID: r.SupplierID,
		ProposalID: r.ProposalID,
		OnTime:     success,
		DelayHours: r.DeliveryDelayHours,
		RecordedAt: f.clock.Now(),
	}); err != nil {
		return ReliabilityUpdate{}, fmt.Errorf("record delivery for %s: %w", r.SupplierID, err)
	}

	delta := ReliabilityDelta(success, r.DeliveryDelayHours, f.rewardFactor, f.penaltyFactor)
	updated, err := f.store.AdjustReliability(ctx, r.SupplierID, delta)
	if err != nil {
		return ReliabilityUpdate{}, fmt.Errorf("adjust reliability for %s: %w", r.SupplierID, err)
	}

	f.logger.Info("supplier reliability updated",
		"location_id", r.SupplierID, "outcome", r.Outcome, "delta", delta,
		"previous", loc.ReliabilityIndex, "reliability", updated)
	return ReliabilityUpdate{
		SupplierID:          r.SupplierID,
		PreviousReliability: loc.ReliabilityIndex,
		NewReliability:      updated,
		Delta:               delta,
	}, nil
}
