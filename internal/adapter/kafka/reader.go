package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/storm-reroute-service/internal/ingest"
	kafkago "github.com/segmentio/kafka-go"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Reader consumes hazard messages from a Kafka topic. It implements
// ingest.Source.
type Reader struct {
	reader messageReader
	wait   time.Duration
	logger *slog.Logger
}

// NewReader creates a consumer-group reader. wait bounds how long one Fetch
// collects messages.
func NewReader(brokers []string, topic, groupID string, wait time.Duration, logger *slog.Logger) *Reader {
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
	})
	return &Reader{reader: r, wait: wait, logger: logger}
}

// Fetch returns up to max messages, stopping early when the wait window
// elapses. An empty topic yields an empty slice, not an error.
func (r *Reader) Fetch(ctx context.Context, max int) ([]ingest.Message, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.wait)
	defer cancel()

	var out []ingest.Message
	for len(out) < max {
		msg, err := r.reader.FetchMessage(fetchCtx)
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return out, fmt.Errorf("fetch hazard message: %w", err)
		}
		out = append(out, mapMessage(msg))
	}
	return out, nil
}

// Commit marks msgs as processed.
func (r *Reader) Commit(ctx context.Context, msgs []ingest.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	km := make([]kafkago.Message, len(msgs))
	for i, m := range msgs {
		km[i] = kafkago.Message{Topic: m.Topic, Partition: m.Partition, Offset: m.Offset}
	}
	return r.reader.CommitMessages(ctx, km...)
}

func (r *Reader) Close() error {
	return r.reader.Close()
}

func mapMessage(msg kafkago.Message) ingest.Message {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	return ingest.Message{
		Key:       string(msg.Key),
		Value:     msg.Value,
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Timestamp: msg.Time,
		Headers:   headers,
	}
}
