// Package ingest refreshes the hazard store from the hazard feed and reports
// what is currently active.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/couchcryptid/storm-reroute-service/internal/domain"
	"github.com/couchcryptid/storm-reroute-service/internal/observability"
	"github.com/couchcryptid/storm-reroute-service/internal/store"
	"github.com/jonboulle/clockwork"
)

// Message is one consumed hazard payload.
type Message struct {
	Key       string
	Value     []byte
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Headers   map[string]string
}

// Source delivers hazard messages. Messages are committed only after the
// hazards they carry are stored.
type Source interface {
	Fetch(ctx context.Context, max int) ([]Message, error)
	Commit(ctx context.Context, msgs []Message) error
}

// HazardWriter is the store surface the refresher writes to.
type HazardWriter interface {
	UpsertHazards(ctx context.Context, hazards []domain.HazardEvent) (int, error)
	ExpireHazards(ctx context.Context, at time.Time) (int, error)
	ListActiveHazards(ctx context.Context, at time.Time) ([]domain.HazardEvent, error)
}

// CycleNotifier wakes the pipeline runner.
type CycleNotifier interface {
	Notify()
}

// PollResult summarizes one refresh.
type PollResult struct {
	Received  int  `json:"received"`
	Stored    int  `json:"stored"`
	Invalid   int  `json:"invalid"`
	Expired   int  `json:"expired"`
	Triggered bool `json:"pipeline_triggered"`
}

// Status is the active hazard breakdown.
type Status struct {
	ActiveThreats int            `json:"active_threats"`
	BySource      map[string]int `json:"by_source"`
	ByEvent       map[string]int `json:"by_event"`
	BySeverity    map[string]int `json:"by_severity"`
}

// Refresher pulls hazards from a Source into the store.
type Refresher struct {
	source    Source
	store     HazardWriter
	notifier  CycleNotifier
	batchSize int
	clock     clockwork.Clock
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// NewRefresher creates a Refresher. A nil source only expires hazards; a nil
// notifier disables the ingest trigger.
func NewRefresher(source Source, st HazardWriter, notifier CycleNotifier, batchSize int, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Refresher {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Refresher{
		source:    source,
		store:     st,
		notifier:  notifier,
		batchSize: batchSize,
		clock:     clock,
		logger:    logger,
		metrics:   metrics,
	}
}

// Poll expires stale hazards, stores one batch from the source and wakes the
// runner when anything new was stored.
func (r *Refresher) Poll(ctx context.Context) (PollResult, error) {
	now := r.clock.Now()
	var res PollResult

	expired, err := r.store.ExpireHazards(ctx, now)
	if err != nil {
		return res, fmt.Errorf("expire hazards: %w", err)
	}
	res.Expired = expired

	if r.source == nil {
		return res, nil
	}

	msgs, err := r.source.Fetch(ctx, r.batchSize)
	if err != nil && len(msgs) == 0 {
		return res, fmt.Errorf("fetch hazards: %w", err)
	}
	if err != nil {
		r.logger.Warn("hazard fetch ended early", "error", err, "received", len(msgs))
	}
	res.Received = len(msgs)

	hazards := make([]domain.HazardEvent, 0, len(msgs))
	for _, msg := range msgs {
		h, err := DecodeHazard(msg.Value, now)
		if err != nil {
			res.Invalid++
			r.metrics.HazardsIngested.WithLabelValues("invalid").Inc()
			r.logger.Warn("skipping invalid hazard message",
				"key", msg.Key, "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
			continue
		}
		if !h.ActiveAt(now) {
			continue
		}
		hazards = append(hazards, h)
	}

	if len(hazards) > 0 {
		stored, err := r.store.UpsertHazards(ctx, hazards)
		if err != nil {
			return res, fmt.Errorf("store hazards: %w", err)
		}
		res.Stored = stored
		r.metrics.HazardsIngested.WithLabelValues("stored").Add(float64(stored))
	}

	if len(msgs) > 0 {
		if err := r.source.Commit(ctx, msgs); err != nil {
			return res, fmt.Errorf("commit hazard offsets: %w", err)
		}
	}

	if res.Stored > 0 && r.notifier != nil {
		r.notifier.Notify()
		res.Triggered = true
	}

	r.logger.Info("hazard refresh complete",
		"received", res.Received, "stored", res.Stored, "invalid", res.Invalid, "expired", res.Expired)
	return res, nil
}

// Run polls every interval until ctx is cancelled. Poll errors are logged.
func (r *Refresher) Run(ctx context.Context, interval time.Duration) {
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.Poll(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("hazard refresh failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}

// Status counts active hazards by source, event type and severity.
func (r *Refresher) Status(ctx context.Context) (Status, error) {
	hazards, err := r.store.ListActiveHazards(ctx, r.clock.Now())
	if err != nil {
		return Status{}, fmt.Errorf("list active hazards: %w", err)
	}
	st := Status{
		ActiveThreats: len(hazards),
		BySource:      map[string]int{},
		ByEvent:       map[string]int{},
		BySeverity:    map[string]int{},
	}
	for _, h := range hazards {
		st.BySource[h.Source]++
		st.ByEvent[string(h.EventType)]++
		st.BySeverity[string(h.Severity)]++
	}
	return st, nil
}

// hazardMessage is the feed's wire shape.
type hazardMessage struct {
	ID        string              `json:"id"`
	Source    string              `json:"source"`
	EventType string              `json:"event_type"`
	Severity  string              `json:"severity"`
	Zone      json.RawMessage     `json:"affected_zone"`
	Centroid  *domain.Coordinates `json:"centroid"`
	Headline  string              `json:"headline"`
	Effective time.Time           `json:"effective"`
	Expires   time.Time           `json:"expires"`
}

// ErrMissingZone is returned for a message without an affected zone.
var ErrMissingZone = errors.New("affected_zone is required")

// DecodeHazard parses and validates one feed message.
func DecodeHazard(data []byte, ingestedAt time.Time) (domain.HazardEvent, error) {
	var msg hazardMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return domain.HazardEvent{}, fmt.Errorf("decode hazard: %w", err)
	}
	if len(msg.Zone) == 0 || string(msg.Zone) == "null" {
		return domain.HazardEvent{}, fmt.Errorf("hazard %s: %w", msg.ID, ErrMissingZone)
	}
	var zone domain.Zone
	if err := json.Unmarshal(msg.Zone, &zone); err != nil {
		return domain.HazardEvent{}, fmt.Errorf("hazard %s: %w", msg.ID, err)
	}

	h := domain.HazardEvent{
		ID:         strings.TrimSpace(msg.ID),
		Source:     strings.ToLower(strings.TrimSpace(msg.Source)),
		EventType:  domain.ParseEventType(msg.EventType),
		Severity:   domain.ParseSeverity(msg.Severity),
		Zone:       zone,
		Centroid:   msg.Centroid,
		Headline:   msg.Headline,
		Effective:  msg.Effective,
		Expires:    msg.Expires,
		IngestedAt: ingestedAt,
	}
	if h.Source == "" {
		h.Source = "unknown"
	}
	if h.Effective.IsZero() {
		h.Effective = ingestedAt
	}
	// An unusable published centroid is dropped; correlation recomputes it
	// from the zone.
	if h.Centroid != nil && h.Centroid.Validate() != nil {
		h.Centroid = nil
	}
	if err := h.Validate(); err != nil {
		return domain.HazardEvent{}, err
	}
	return h, nil
}

var _ HazardWriter = (*store.Memory)(nil)
