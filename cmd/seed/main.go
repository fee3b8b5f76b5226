// Command seed loads the demo supply network, hazard set and delivery history
// used for local runs of the reroute service.
//
// Locations, hazards and history are written to PostgreSQL when a database
// URL is set. Hazards can also be published to the hazard topic so they flow
// through the normal ingest path, or dumped as a JSON fixture.
//
// Usage:
//
//	go run ./cmd/seed -database-url postgres://... -history-days 90
//	go run ./cmd/seed -kafka-brokers localhost:9092 -threats-only
//	go run ./cmd/seed -out data/demo.json -dry-run
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	"github.com/couchcryptid/storm-reroute-service/internal/adapter/postgres"
	"github.com/couchcryptid/storm-reroute-service/internal/domain"
	"github.com/jonboulle/clockwork"
	kafkago "github.com/segmentio/kafka-go"
)

type options struct {
	databaseURL   string
	brokers       string
	topic         string
	out           string
	historyDays   int
	hazardTTL     time.Duration
	seed          uint64
	locationsOnly bool
	threatsOnly   bool
	dryRun        bool
}

// fixture is the full demo data set.
type fixture struct {
	Locations []domain.Location        `json:"locations,omitempty"`
	Hazards   []domain.HazardEvent     `json:"hazards,omitempty"`
	History   []domain.DeliveryOutcome `json:"history,omitempty"`
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	var opts options
	flag.StringVar(&opts.databaseURL, "database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
	flag.StringVar(&opts.brokers, "kafka-brokers", "", "comma-separated Kafka brokers; hazards are published when set")
	flag.StringVar(&opts.topic, "topic", sharedcfg.EnvOrDefault("KAFKA_HAZARD_TOPIC", "hazard-events"), "hazard topic")
	flag.StringVar(&opts.out, "out", "", "write the fixture as JSON to this path")
	flag.IntVar(&opts.historyDays, "history-days", 90, "days of supplier delivery history to generate; 0 disables")
	flag.DurationVar(&opts.hazardTTL, "hazard-ttl", 72*time.Hour, "how long the demo hazards stay active")
	flag.Uint64Var(&opts.seed, "seed", 42, "random seed for delivery history")
	flag.BoolVar(&opts.locationsOnly, "locations-only", false, "seed only locations")
	flag.BoolVar(&opts.threatsOnly, "threats-only", false, "seed only hazards")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "build the fixture and report counts without writing anywhere")
	flag.Parse()

	if opts.locationsOnly && opts.threatsOnly {
		return fmt.Errorf("-locations-only and -threats-only are mutually exclusive")
	}
	if opts.databaseURL == "" && opts.brokers == "" && opts.out == "" && !opts.dryRun {
		flag.Usage()
		return fmt.Errorf("nothing to do: set -database-url, -kafka-brokers or -out")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fx := build(opts, clockwork.NewRealClock())
	log.Printf("fixture: %d locations, %d hazards, %d deliveries", len(fx.Locations), len(fx.Hazards), len(fx.History))
	if opts.dryRun {
		return nil
	}

	if opts.out != "" {
		if err := writeJSON(opts.out, fx); err != nil {
			return fmt.Errorf("writing fixture: %w", err)
		}
		log.Printf("wrote fixture: %s", opts.out)
	}
	if opts.databaseURL != "" {
		if err := seedDatabase(ctx, opts.databaseURL, fx); err != nil {
			return err
		}
	}
	if opts.brokers != "" && len(fx.Hazards) > 0 {
		if err := publishHazards(ctx, sharedcfg.ParseBrokers(opts.brokers), opts.topic, fx.Hazards); err != nil {
			return err
		}
	}
	return nil
}

// build assembles the fixture selected by opts, stamped relative to clock.
func build(opts options, clock clockwork.Clock) fixture {
	now := clock.Now().UTC().Truncate(time.Hour)
	var fx fixture
	if !opts.threatsOnly {
		fx.Locations = buildLocations()
		if opts.historyDays > 0 {
			fx.History = buildHistory(now, opts.historyDays, opts.seed)
		}
	}
	if !opts.locationsOnly {
		fx.Hazards = buildHazards(now, opts.hazardTTL)
	}
	return fx
}

func seedDatabase(ctx context.Context, dsn string, fx fixture) error {
	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		return err
	}
	pool, err := postgres.NewPool(ctx, dsn, 4)
	if err != nil {
		return err
	}
	defer pool.Close()
	st := postgres.NewStore(pool, clockwork.NewRealClock())

	for _, loc := range fx.Locations {
		if err := st.UpsertLocation(ctx, loc); err != nil {
			return fmt.Errorf("upsert location %s: %w", loc.ID, err)
		}
	}
	if len(fx.Locations) > 0 {
		log.Printf("upserted %d locations", len(fx.Locations))
	}

	if len(fx.Hazards) > 0 {
		n, err := st.UpsertHazards(ctx, fx.Hazards)
		if err != nil {
			return fmt.Errorf("upsert hazards: %w", err)
		}
		log.Printf("upserted %d hazards", n)
	}

	for _, o := range fx.History {
		if err := st.RecordDelivery(ctx, o); err != nil {
			return fmt.Errorf("record delivery for %s: %w", o.SupplierID, err)
		}
	}
	if len(fx.History) > 0 {
		log.Printf("recorded %d deliveries", len(fx.History))
	}
	return nil
}

// publishHazards writes each hazard in the feed's JSON shape, keyed by id.
func publishHazards(ctx context.Context, brokers []string, topic string, hazards []domain.HazardEvent) error {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}
	defer func() { _ = w.Close() }()

	msgs := make([]kafkago.Message, 0, len(hazards))
	for _, h := range hazards {
		value, err := json.Marshal(h)
		if err != nil {
			return fmt.Errorf("marshal hazard %s: %w", h.ID, err)
		}
		msgs = append(msgs, kafkago.Message{
			Key:     []byte(h.ID),
			Value:   value,
			Time:    h.IngestedAt,
			Headers: []kafkago.Header{{Key: "source", Value: []byte(h.Source)}},
		})
	}
	if err := w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish hazards to %s: %w", topic, err)
	}
	log.Printf("published %d hazards to %s", len(msgs), topic)
	return nil
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o600)
}
