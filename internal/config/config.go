package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	KafkaEnabled           bool
	KafkaBrokers           []string
	KafkaHazardTopic       string
	KafkaProgressTopic     string
	KafkaExecutionTopic    string
	KafkaNotificationTopic string
	KafkaGroupID           string
	HTTPAddr               string
	LogLevel               string
	LogFormat              string
	ShutdownTimeout        time.Duration

	// Hazard ingest batching. BatchFlushInterval bounds how long one poll
	// waits for the batch to fill.
	BatchSize          int
	BatchFlushInterval time.Duration
	IngestPollInterval time.Duration

	// Empty DatabaseURL selects the in-memory store.
	DatabaseURL string

	// Mapbox directions configuration.
	MapboxToken    string
	MapboxEnabled  bool
	MapboxTimeout  time.Duration
	MapboxCacheMB  int
	MapboxCacheTTL time.Duration

	// Pipeline scheduling and fan-out.
	PipelineInterval           time.Duration
	CycleTimeout               time.Duration
	TriggerOnIngest            bool
	WorkerPoolSize             int
	CandidatePoolSize          int
	MaxProposalsPerCorrelation int
	ExclusionRadiusKm          float64
	BottleneckThreshold        int

	// HITL and side effects.
	APIKey             string
	SlackWebhookURL    string
	SlackSigningSecret string
	SignatureTolerance time.Duration
	NotifyTimeout      time.Duration
	ExecuteTimeout     time.Duration

	ProgressBufferSize int
	// WSOriginPatterns are the cross-origin hosts allowed to open the
	// progress stream. Same-origin upgrades are always accepted.
	WSOriginPatterns []string
	OTLPEndpoint     string

	Policy Policy
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}
	batchSize, err := sharedcfg.ParseBatchSize()
	if err != nil {
		return nil, err
	}
	flushInterval, err := sharedcfg.ParseBatchFlushInterval()
	if err != nil {
		return nil, err
	}

	policy, err := LoadPolicy(os.Getenv("POLICY_FILE"))
	if err != nil {
		return nil, err
	}

	mapboxToken := os.Getenv("MAPBOX_TOKEN")
	mapboxEnabled := mapboxToken != ""
	if v := os.Getenv("MAPBOX_ENABLED"); v != "" {
		mapboxEnabled = v == "true"
	}

	cfg := &Config{
		KafkaEnabled:           envBool("KAFKA_ENABLED", true),
		KafkaBrokers:           sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaHazardTopic:       sharedcfg.EnvOrDefault("KAFKA_HAZARD_TOPIC", "hazard-events"),
		KafkaProgressTopic:     sharedcfg.EnvOrDefault("KAFKA_PROGRESS_TOPIC", "pipeline-progress"),
		KafkaExecutionTopic:    sharedcfg.EnvOrDefault("KAFKA_EXECUTION_TOPIC", "reroute-executions"),
		KafkaNotificationTopic: sharedcfg.EnvOrDefault("KAFKA_NOTIFICATION_TOPIC", "hitl-notifications"),
		KafkaGroupID:           sharedcfg.EnvOrDefault("KAFKA_GROUP_ID", "storm-reroute"),
		HTTPAddr:               sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:               sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:              sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout:        shutdownTimeout,
		BatchSize:              batchSize,
		BatchFlushInterval:     flushInterval,
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		MapboxToken:            mapboxToken,
		MapboxEnabled:          mapboxEnabled,
		TriggerOnIngest:        envBool("PIPELINE_TRIGGER_ON_INGEST", true),
		APIKey:                 os.Getenv("API_KEY"),
		SlackWebhookURL:        os.Getenv("SLACK_WEBHOOK_URL"),
		SlackSigningSecret:     os.Getenv("SLACK_SIGNING_SECRET"),
		WSOriginPatterns:       envList("WS_ORIGIN_PATTERNS", "localhost:3000,127.0.0.1:3000"),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Policy:                 policy,
	}

	durations := []struct {
		name string
		def  string
		dst  *time.Duration
	}{
		{"INGEST_POLL_INTERVAL", "30s", &cfg.IngestPollInterval},
		{"MAPBOX_TIMEOUT", "5s", &cfg.MapboxTimeout},
		{"MAPBOX_CACHE_TTL", "6h", &cfg.MapboxCacheTTL},
		{"PIPELINE_INTERVAL", "6m", &cfg.PipelineInterval},
		{"CYCLE_TIMEOUT", "2m", &cfg.CycleTimeout},
		{"SIGNATURE_TOLERANCE", "5m", &cfg.SignatureTolerance},
		{"NOTIFY_TIMEOUT", "5s", &cfg.NotifyTimeout},
		{"EXECUTE_TIMEOUT", "10s", &cfg.ExecuteTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = envDuration(d.name, d.def); err != nil {
			return nil, err
		}
	}

	ints := []struct {
		name string
		def  int
		dst  *int
	}{
		{"MAPBOX_CACHE_MB", 16, &cfg.MapboxCacheMB},
		{"WORKER_POOL_SIZE", 8, &cfg.WorkerPoolSize},
		{"CANDIDATE_POOL_SIZE", 10, &cfg.CandidatePoolSize},
		{"MAX_PROPOSALS_PER_CORRELATION", 3, &cfg.MaxProposalsPerCorrelation},
		{"BOTTLENECK_THRESHOLD", 1, &cfg.BottleneckThreshold},
		{"PROGRESS_BUFFER_SIZE", 64, &cfg.ProgressBufferSize},
	}
	for _, n := range ints {
		if *n.dst, err = envPositiveInt(n.name, n.def); err != nil {
			return nil, err
		}
	}

	if cfg.ExclusionRadiusKm, err = envFloat("EXCLUSION_RADIUS_KM", 100); err != nil {
		return nil, err
	}

	if cfg.KafkaEnabled && len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	if cfg.KafkaEnabled && cfg.KafkaHazardTopic == "" {
		return nil, errors.New("KAFKA_HAZARD_TOPIC is required")
	}
	if cfg.MapboxEnabled && cfg.MapboxToken == "" {
		return nil, errors.New("MAPBOX_ENABLED is true but MAPBOX_TOKEN is not set")
	}
	if cfg.ExclusionRadiusKm < 0 {
		return nil, errors.New("EXCLUSION_RADIUS_KM must not be negative")
	}

	return cfg, nil
}

func envBool(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// envList splits a comma-separated variable, dropping empty entries.
func envList(name, def string) []string {
	var out []string
	for _, v := range strings.Split(sharedcfg.EnvOrDefault(name, def), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func envDuration(name, def string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(name, def))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return d, nil
}

func envPositiveInt(name string, def int) (int, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive integer", name)
	}
	return n, nil
}

func envFloat(name string, def float64) (float64, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return f, nil
}
