// Package main provides the eligibility worker entry point.
// Consumes eligibility requests and rule commands from Redpanda and publishes
// one outcome per request.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/drfirst/bvb-checker/internal/api/handlers"
	"github.com/drfirst/bvb-checker/internal/audit"
	"github.com/drfirst/bvb-checker/internal/config"
	"github.com/drfirst/bvb-checker/internal/infrastructure/postgres"
	"github.com/drfirst/bvb-checker/internal/infrastructure/redpanda"
	"github.com/drfirst/bvb-checker/internal/observability/metrics"
	"github.com/drfirst/bvb-checker/internal/observability/tracing"
	"github.com/drfirst/bvb-checker/internal/processor"
	"github.com/drfirst/bvb-checker/internal/ruletable"
	"github.com/drfirst/bvb-checker/pkg/circuitbreaker"
)

const serviceName = "eligibility-worker"

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(serviceName)
	if err != nil {
		fallback, _ := zap.NewProduction()
		fallback.Fatal("invalid configuration", zap.Error(err))
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fallback, _ := zap.NewProduction()
		fallback.Fatal("failed to build logger", zap.Error(err))
	}
	defer logger.Sync()

	if len(cfg.Brokers) == 0 {
		logger.Fatal("KAFKA_BROKERS is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, cfg.Tracing())
	if err != nil {
		logger.Fatal("failed to initialize tracing", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	source, closeSource, err := cfg.RuleSource(ctx, logger)
	if err != nil {
		logger.Fatal("failed to open rule source", zap.Error(err))
	}
	defer closeSource()

	store := ruletable.NewStore(source, logger, m)
	if _, err := store.Reload(ctx); err != nil {
		logger.Fatal("failed to load rule table", zap.String("source", source.Name()), zap.Error(err))
	}

	admin, err := redpanda.NewAdmin(cfg.Brokers, logger)
	if err != nil {
		logger.Fatal("failed to create admin client", zap.Error(err))
	}
	defer admin.Close()
	if err := admin.EnsureTopics(ctx); err != nil {
		logger.Warn("failed to ensure topics", zap.Error(err))
	}

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Brokers
	producerCfg.ClientID = serviceName
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("failed to create producer", zap.Error(err))
	}

	breakers := circuitbreaker.NewManager(logger)
	go m.WatchBreakers(ctx, breakers, 15*time.Second)

	breaker, err := breakers.Get("redpanda")
	if err != nil {
		logger.Fatal("failed to create circuit breaker", zap.Error(err))
	}

	relay, err := audit.NewRelay(audit.DefaultConfig(), producer, breaker, m, logger)
	if err != nil {
		logger.Fatal("failed to create audit relay", zap.Error(err))
	}
	relay.Start()

	procCfg := processor.DefaultConfig()
	procCfg.Pool.Workers = cfg.Workers
	proc, err := processor.New(procCfg, store, producer, breaker, relay, m, logger)
	if err != nil {
		logger.Fatal("failed to create processor", zap.Error(err))
	}
	proc.Start()

	requestsCfg := redpanda.DefaultConsumerConfig()
	requestsCfg.Brokers = cfg.Brokers
	requestsCfg.GroupID = cfg.ConsumerGroup
	requestsCfg.Topics = []string{redpanda.TopicEligibilityRequests}
	requests, err := redpanda.NewConsumer(requestsCfg, proc.HandleRequest, logger)
	if err != nil {
		logger.Fatal("failed to create request consumer", zap.Error(err))
	}

	// every worker must see every command, so no group here
	commandsCfg := redpanda.DefaultConsumerConfig()
	commandsCfg.Brokers = cfg.Brokers
	commandsCfg.GroupID = ""
	commandsCfg.StartOffset = "latest"
	commandsCfg.Topics = []string{redpanda.TopicRulesCommands}
	commands, err := redpanda.NewConsumer(commandsCfg, proc.HandleCommand, logger)
	if err != nil {
		logger.Fatal("failed to create command consumer", zap.Error(err))
	}

	requests.Start()
	commands.Start()
	go watchLag(ctx, admin, cfg.ConsumerGroup, m, logger)

	health := handlers.NewHealthHandler(serviceName, cfg.Version, store, breakers)
	health.AddCheck("redpanda", func(ctx context.Context) error {
		return redpanda.HealthCheck(ctx, cfg.Brokers)
	})
	health.AddCheck("topics", admin.TopicsReady)
	health.AddCheck("evaluation_queue", proc.Ready)
	if pg, ok := source.(*postgres.RuleSource); ok {
		health.AddCheck("postgres", pg.Ping)
	}

	r := chi.NewRouter()
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(reg))

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server error", zap.Error(err))
		}
	}()

	logger.Info("eligibility worker started",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("group", cfg.ConsumerGroup),
		zap.Int("workers", cfg.Workers),
		zap.String("rule_source", store.SourceName()))

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// stop intake first, then drain evaluations and queued events
	if err := requests.Stop(); err != nil {
		logger.Error("request consumer stop error", zap.Error(err))
	}
	if err := commands.Stop(); err != nil {
		logger.Error("command consumer stop error", zap.Error(err))
	}
	if err := proc.Stop(); err != nil {
		logger.Error("processor stop error", zap.Error(err))
	}
	relay.Stop()
	if err := producer.Close(); err != nil {
		logger.Error("producer close error", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("health server shutdown error", zap.Error(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", zap.Error(err))
	}

	logger.Info("eligibility worker stopped", zap.Any("inbox", proc.InboxStats()))
}

// watchLag publishes the lag of the worker group every 30 seconds
func watchLag(ctx context.Context, admin *redpanda.Admin, group string, m *metrics.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lag, err := admin.GroupLag(ctx, group)
			if err != nil {
				logger.Debug("failed to read group lag", zap.Error(err))
				continue
			}
			m.SetConsumerLag(lag)
		}
	}
}
