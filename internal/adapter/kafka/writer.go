package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/storm-reroute-service/internal/domain"
	"github.com/couchcryptid/storm-reroute-service/internal/observability"
	"github.com/jonboulle/clockwork"
	kafkago "github.com/segmentio/kafka-go"
)

// Message kinds carried in the event_type header.
const (
	KindProgress        = "pipeline_progress"
	KindExecution       = "reroute_execution"
	KindApprovalRequest = "approval_request"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Writer produces JSON messages to one Kafka topic.
type Writer struct {
	writer messageWriter
	topic  string
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for topic.
func NewWriter(brokers []string, topic string, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &Writer{writer: w, topic: topic, logger: logger}
}

func (w *Writer) publish(ctx context.Context, key, kind string, v any, at time.Time) error {
	msg, err := serializeToMessage(key, kind, v, at)
	if err != nil {
		return err
	}
	if err := w.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write %s to %s: %w", kind, w.topic, err)
	}
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals v into a Kafka message keyed by key.
func serializeToMessage(key, kind string, v any, at time.Time) (kafkago.Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize %s: %w", kind, err)
	}
	return kafkago.Message{
		Key:   []byte(key),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte(kind)},
			{Key: "produced_at", Value: []byte(at.UTC().Format(time.RFC3339))},
		},
	}, nil
}

// ExecutionOrder is the message downstream fulfilment consumes for an
// approved reroute.
type ExecutionOrder struct {
	ProposalID         string    `json:"proposal_id"`
	ThreatID           string    `json:"threat_id"`
	OriginalLocationID string    `json:"original_location_id"`
	ProposedLocationID string    `json:"proposed_location_id"`
	RerouteCostUSD     float64   `json:"reroute_cost_usd"`
	DriveTimeMinutes   float64   `json:"drive_time_minutes"`
	Status             string    `json:"hitl_status"`
	ApprovedBy         string    `json:"approved_by,omitempty"`
	IssuedAt           time.Time `json:"issued_at"`
}

// Executor publishes execution orders. It implements agent.Executor.
type Executor struct {
	w     *Writer
	clock clockwork.Clock
}

// NewExecutor creates an Executor on w that stamps orders with clock.
func NewExecutor(w *Writer, clock clockwork.Clock) *Executor {
	return &Executor{w: w, clock: clock}
}

func (e *Executor) Execute(ctx context.Context, p domain.RerouteProposal) error {
	at := e.clock.Now().UTC()
	order := ExecutionOrder{
		ProposalID:         p.ID,
		ThreatID:           p.ThreatID,
		OriginalLocationID: p.OriginalLocationID,
		ProposedLocationID: p.ProposedLocationID,
		RerouteCostUSD:     p.RerouteCostUSD,
		DriveTimeMinutes:   p.DriveTimeMinutes,
		Status:             string(p.Status),
		ApprovedBy:         p.ResolvedBy,
		IssuedAt:           at,
	}
	return e.w.publish(ctx, p.ID, KindExecution, order, at)
}

// Notifier publishes approval requests for consumers without Slack. It
// implements agent.Notifier.
type Notifier struct {
	w       *Writer
	clock   clockwork.Clock
	metrics *observability.Metrics
}

// NewNotifier creates a Notifier on w.
func NewNotifier(w *Writer, clock clockwork.Clock, metrics *observability.Metrics) *Notifier {
	return &Notifier{w: w, clock: clock, metrics: metrics}
}

func (n *Notifier) RequestApproval(ctx context.Context, p domain.RerouteProposal) error {
	if err := n.w.publish(ctx, p.ID, KindApprovalRequest, p, n.clock.Now()); err != nil {
		n.metrics.Notifications.WithLabelValues("kafka", "error").Inc()
		return err
	}
	n.metrics.Notifications.WithLabelValues("kafka", "success").Inc()
	return nil
}

// ProgressForwarder copies progress events onto a topic.
type ProgressForwarder struct {
	w *Writer
}

// NewProgressForwarder creates a ProgressForwarder on w.
func NewProgressForwarder(w *Writer) *ProgressForwarder {
	return &ProgressForwarder{w: w}
}

// Forward publishes events until the channel closes or ctx is cancelled.
// Write failures are logged and the event is dropped.
func (f *ProgressForwarder) Forward(ctx context.Context, events <-chan domain.ProgressEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := f.w.publish(ctx, e.CycleID, KindProgress, e, e.Timestamp); err != nil && ctx.Err() == nil {
				f.w.logger.Warn("progress event not forwarded", "cycle_id", e.CycleID, "agent", e.Agent, "error", err)
			}
		}
	}
}
