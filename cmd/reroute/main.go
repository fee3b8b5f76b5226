package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	httpadapter "github.com/couchcryptid/storm-reroute-service/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/storm-reroute-service/internal/adapter/kafka"
	"github.com/couchcryptid/storm-reroute-service/internal/adapter/mapbox"
	"github.com/couchcryptid/storm-reroute-service/internal/adapter/postgres"
	"github.com/couchcryptid/storm-reroute-service/internal/adapter/slack"
	"github.com/couchcryptid/storm-reroute-service/internal/adapter/ws"
	"github.com/couchcryptid/storm-reroute-service/internal/agent"
	"github.com/couchcryptid/storm-reroute-service/internal/config"
	"github.com/couchcryptid/storm-reroute-service/internal/dashboard"
	"github.com/couchcryptid/storm-reroute-service/internal/domain"
	"github.com/couchcryptid/storm-reroute-service/internal/focus"
	"github.com/couchcryptid/storm-reroute-service/internal/hitl"
	"github.com/couchcryptid/storm-reroute-service/internal/ingest"
	"github.com/couchcryptid/storm-reroute-service/internal/observability"
	"github.com/couchcryptid/storm-reroute-service/internal/pipeline"
	"github.com/couchcryptid/storm-reroute-service/internal/progress"
	"github.com/couchcryptid/storm-reroute-service/internal/simulate"
	"github.com/couchcryptid/storm-reroute-service/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()
	domain.SetClock(clock)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, observability.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}

	st, closeStore, err := openStore(ctx, cfg, clock, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	// Routing (feature-flagged via MAPBOX_ENABLED / MAPBOX_TOKEN). Without it
	// procurement falls back to great-circle estimates.
	var router agent.Router
	if cfg.MapboxEnabled {
		client := mapbox.NewClient(cfg.MapboxToken, cfg.MapboxTimeout, logger, metrics)
		cached, err := mapbox.NewCachedRouter(client, int64(cfg.MapboxCacheMB)<<20, cfg.MapboxCacheTTL, metrics)
		if err != nil {
			logger.Error("failed to create route cache", "error", err)
			os.Exit(1)
		}
		defer cached.Close()
		router = cached
		logger.Info("mapbox routing enabled", "cache_mb", cfg.MapboxCacheMB, "timeout", cfg.MapboxTimeout)
	} else {
		logger.Info("mapbox routing disabled, using distance estimates")
	}

	broker := progress.NewBroker(cfg.ProgressBufferSize, metrics)

	var (
		executor  agent.Executor
		notifiers []agent.Notifier
		source    ingest.Source
		forwarder *kafkaadapter.ProgressForwarder
		closers   []io.Closer
	)
	if cfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, slack.NewNotifier(cfg.SlackWebhookURL, cfg.NotifyTimeout, logger, metrics))
	}
	if cfg.KafkaEnabled {
		execWriter := kafkaadapter.NewWriter(cfg.KafkaBrokers, cfg.KafkaExecutionTopic, logger)
		notifyWriter := kafkaadapter.NewWriter(cfg.KafkaBrokers, cfg.KafkaNotificationTopic, logger)
		progressWriter := kafkaadapter.NewWriter(cfg.KafkaBrokers, cfg.KafkaProgressTopic, logger)
		reader := kafkaadapter.NewReader(cfg.KafkaBrokers, cfg.KafkaHazardTopic, cfg.KafkaGroupID, cfg.BatchFlushInterval, logger)
		closers = append(closers, reader, execWriter, notifyWriter, progressWriter)

		executor = kafkaadapter.NewExecutor(execWriter, clock)
		notifiers = append(notifiers, kafkaadapter.NewNotifier(notifyWriter, clock, metrics))
		forwarder = kafkaadapter.NewProgressForwarder(progressWriter)
		source = reader
	} else {
		logger.Info("kafka disabled, hazards must be loaded into the store directly")
	}

	policy := cfg.Policy
	watcher := agent.NewWatcher(st, st, agent.WatcherConfig{
		Buffers:             policy.Buffers,
		BottleneckThreshold: cfg.BottleneckThreshold,
	}, clock, logger, metrics)
	procurement := agent.NewProcurement(st, router, st, st, agent.ProcurementConfig{
		Weights:                    policy.Weights,
		Cost:                       policy.Cost,
		CandidatePoolSize:          cfg.CandidatePoolSize,
		MaxProposalsPerCorrelation: cfg.MaxProposalsPerCorrelation,
		ExclusionRadiusKm:          cfg.ExclusionRadiusKm,
		WorkerPoolSize:             cfg.WorkerPoolSize,
		HistoryWindow:              policy.HistoryWindow,
		DefaultSLAScore:            policy.DefaultSLAScore,
	}, clock, logger, metrics)
	auditor := agent.NewAuditor(agent.AuditorDeps{
		Proposals:   st,
		History:     st,
		Reliability: st,
		Executor:    executor,
		Notifiers:   notifiers,
	}, agent.AuditorConfig{
		ApproveThreshold:     policy.ApproveThreshold,
		RejectThreshold:      policy.RejectThreshold,
		HITLCostThresholdUSD: policy.HITLCostThresholdUSD,
		RLPenaltyFactor:      policy.RLPenaltyFactor,
		HistoryPenaltyWeight: policy.HistoryPenaltyWeight,
		HistoryWindow:        policy.HistoryWindow,
		WorkerPoolSize:       cfg.WorkerPoolSize,
		ExecuteTimeout:       cfg.ExecuteTimeout,
		NotifyTimeout:        cfg.NotifyTimeout,
	}, clock, logger, metrics)

	orchestrator := pipeline.New(watcher, procurement, auditor, broker, cfg.CycleTimeout, clock, logger, metrics)
	runner := pipeline.NewRunner(orchestrator, cfg.PipelineInterval, clock, logger, metrics)

	var wake ingest.CycleNotifier
	if cfg.TriggerOnIngest {
		wake = runner
	}
	refresher := ingest.NewRefresher(source, st, wake, cfg.BatchSize, clock, logger, metrics)

	simulator := simulate.NewService(st, simulate.Config{Buffers: policy.Buffers, Workers: cfg.WorkerPoolSize}, logger)

	srv := httpadapter.NewServer(cfg.HTTPAddr, httpadapter.Deps{
		Ready:     httpadapter.StoreReadiness{Store: st},
		Pipeline:  orchestrator,
		Ingest:    refresher,
		Dashboard: dashboard.NewService(st, 200, 3*time.Second, clock, logger),
		Locations: st,
		Proposals: st,
		Resolver: hitl.NewResolver(st, executor, st, hitl.ResolverConfig{
			RejectPenalty:  policy.RLPenaltyFactor,
			ExecuteTimeout: cfg.ExecuteTimeout,
		}, logger, metrics),
		Feedback:           hitl.NewFeedback(st, policy.RLRewardFactor, policy.RLPenaltyFactor, clock, logger),
		Focus:              focus.NewService(st, policy.Buffers, 10*time.Second),
		Simulate:           simulator,
		Progress:           ws.NewHandler(broker, 20*time.Second, 5*time.Second, cfg.WSOriginPatterns, logger),
		APIKey:             cfg.APIKey,
		SlackSigningSecret: cfg.SlackSigningSecret,
		SignatureTolerance: cfg.SignatureTolerance,
		RequestTimeout:     cfg.CycleTimeout + 10*time.Second,
		Clock:              clock,
		Metrics:            metrics,
	}, logger)

	if cfg.APIKey == "" {
		logger.Warn("API_KEY not set, /api/v1 is unauthenticated")
	}

	g, gctx := errgroup.WithContext(ctx)

	// Start HTTP server.
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Start scheduler and hazard refresh.
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error {
		refresher.Run(gctx, cfg.IngestPollInterval)
		return nil
	})

	if forwarder != nil {
		sub := broker.Subscribe()
		g.Go(func() error {
			defer sub.Close()
			forwarder.Forward(gctx, sub.Events())
			return nil
		})
	}

	<-gctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	broker.Close()
	if err := g.Wait(); err != nil {
		logger.Error("service error", "error", err)
	}
	for _, c := range closers {
		if err := c.Close(); err != nil {
			logger.Error("kafka client close error", "error", err)
		}
	}
	closeStore()
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
}

// openStore selects Postgres when DATABASE_URL is set and the in-memory
// store otherwise.
func openStore(ctx context.Context, cfg *config.Config, clock clockwork.Clock, logger *slog.Logger) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		return store.NewMemory(clock), func() {}, nil
	}

	if err := postgres.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
		return nil, nil, err
	}
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, int32(cfg.WorkerPoolSize*2)) //nolint:gosec // bounded by config validation
	if err != nil {
		return nil, nil, err
	}
	logger.Info("postgres store ready")
	return postgres.NewStore(pool, clock), pool.Close, nil
}
