package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	defaultBroker   = "localhost:9092"
	testMapboxToken = "pk.test-token"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.KafkaEnabled)
	assert.Equal(t, []string{defaultBroker}, cfg.KafkaBrokers)
	assert.Equal(t, "hazard-events", cfg.KafkaHazardTopic)
	assert.Equal(t, "pipeline-progress", cfg.KafkaProgressTopic)
	assert.Equal(t, "reroute-executions", cfg.KafkaExecutionTopic)
	assert.Equal(t, "hitl-notifications", cfg.KafkaNotificationTopic)
	assert.Equal(t, "storm-reroute", cfg.KafkaGroupID)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 500*time.Millisecond, cfg.BatchFlushInterval)
	assert.Equal(t, 30*time.Second, cfg.IngestPollInterval)
	assert.Empty(t, cfg.DatabaseURL)
	assert.False(t, cfg.MapboxEnabled)
	assert.Equal(t, 5*time.Second, cfg.MapboxTimeout)
	assert.Equal(t, 16, cfg.MapboxCacheMB)
	assert.Equal(t, 6*time.Minute, cfg.PipelineInterval)
	assert.Equal(t, 2*time.Minute, cfg.CycleTimeout)
	assert.True(t, cfg.TriggerOnIngest)
	assert.Equal(t, 8, cfg.WorkerPoolSize)
	assert.Equal(t, 10, cfg.CandidatePoolSize)
	assert.Equal(t, 3, cfg.MaxProposalsPerCorrelation)
	assert.InDelta(t, 100, cfg.ExclusionRadiusKm, 0)
	assert.Equal(t, 1, cfg.BottleneckThreshold)
	assert.Equal(t, 5*time.Minute, cfg.SignatureTolerance)
	assert.Equal(t, 64, cfg.ProgressBufferSize)
	assert.Equal(t, []string{"localhost:3000", "127.0.0.1:3000"}, cfg.WSOriginPatterns)
	assert.Empty(t, cfg.APIKey)
	assert.Equal(t, DefaultPolicy(), cfg.Policy)
}

func TestLoad_CustomEnv(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "broker1:9092,broker2:9092")
	t.Setenv("KAFKA_HAZARD_TOPIC", "custom-hazards")
	t.Setenv("KAFKA_GROUP_ID", "custom-group")
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("SHUTDOWN_TIMEOUT", "30s")
	t.Setenv("BATCH_SIZE", "100")
	t.Setenv("BATCH_FLUSH_INTERVAL", "1s")
	t.Setenv("MAPBOX_TOKEN", testMapboxToken)
	t.Setenv("MAPBOX_TIMEOUT", "10s")
	t.Setenv("PIPELINE_INTERVAL", "90s")
	t.Setenv("PIPELINE_TRIGGER_ON_INGEST", "false")
	t.Setenv("WORKER_POOL_SIZE", "4")
	t.Setenv("EXCLUSION_RADIUS_KM", "150.5")
	t.Setenv("API_KEY", "secret")
	t.Setenv("DATABASE_URL", "postgres://localhost/reroute")
	t.Setenv("WS_ORIGIN_PATTERNS", " dashboard.internal:8443 , ,*.ops.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "custom-hazards", cfg.KafkaHazardTopic)
	assert.Equal(t, "custom-group", cfg.KafkaGroupID)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 1*time.Second, cfg.BatchFlushInterval)
	assert.True(t, cfg.MapboxEnabled)
	assert.Equal(t, 10*time.Second, cfg.MapboxTimeout)
	assert.Equal(t, 90*time.Second, cfg.PipelineInterval)
	assert.False(t, cfg.TriggerOnIngest)
	assert.Equal(t, 4, cfg.WorkerPoolSize)
	assert.Equal(t, []string{"dashboard.internal:8443", "*.ops.example.com"}, cfg.WSOriginPatterns)
	assert.InDelta(t, 150.5, cfg.ExclusionRadiusKm, 1e-9)
	assert.Equal(t, "secret", cfg.APIKey)
	assert.Equal(t, "postgres://localhost/reroute", cfg.DatabaseURL)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := map[string]string{
		"SHUTDOWN_TIMEOUT":     "not-a-duration",
		"BATCH_SIZE":           "0",
		"MAPBOX_TIMEOUT":       "bad",
		"PIPELINE_INTERVAL":    "bad",
		"CYCLE_TIMEOUT":        "bad",
		"SIGNATURE_TOLERANCE":  "bad",
		"INGEST_POLL_INTERVAL": "bad",
		"WORKER_POOL_SIZE":     "-2",
	}
	for name, value := range tests {
		t.Run(name, func(t *testing.T) {
			t.Setenv(name, value)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), name)
		})
	}
}

func TestLoad_MapboxEnabledWithoutToken(t *testing.T) {
	t.Setenv("MAPBOX_ENABLED", "true")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAPBOX_TOKEN")
}

func TestLoad_MapboxExplicitlyDisabled(t *testing.T) {
	t.Setenv("MAPBOX_TOKEN", testMapboxToken)
	t.Setenv("MAPBOX_ENABLED", "false")
	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.MapboxEnabled)
}

func TestLoad_KafkaDisabledSkipsBrokerCheck(t *testing.T) {
	t.Setenv("KAFKA_ENABLED", "false")
	t.Setenv("KAFKA_HAZARD_TOPIC", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.KafkaEnabled)
}

func TestLoadPolicy_FileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
approve_threshold: 0.9
history_window: 168h
weights:
  severity: 0.4
buffers_km:
  extreme: 80
`), 0o600))

	p, err := LoadPolicy(path)
	require.NoError(t, err)

	assert.InDelta(t, 0.9, p.ApproveThreshold, 1e-9)
	assert.InDelta(t, 0.4, p.RejectThreshold, 1e-9, "default kept")
	assert.Equal(t, 168*time.Hour, p.HistoryWindow)
	assert.InDelta(t, 0.4, p.Weights.Severity, 1e-9)
	assert.InDelta(t, 0.25, p.Weights.Reliability, 1e-9, "sibling default kept")
	assert.InDelta(t, 80, p.Buffers.Extreme, 1e-9)
	assert.InDelta(t, 25, p.Buffers.Severe, 1e-9)
}

func TestLoadPolicy_InvalidThresholds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("approve_threshold: 0.3\n"), 0o600))

	_, err := LoadPolicy(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reject")
}

func TestLoad_MissingPolicyFile(t *testing.T) {
	t.Setenv("POLICY_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POLICY_FILE")
}
