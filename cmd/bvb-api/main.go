// Package main provides the eligibility API service entry point.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/drfirst/bvb-checker/internal/api"
	"github.com/drfirst/bvb-checker/internal/api/handlers"
	"github.com/drfirst/bvb-checker/internal/audit"
	"github.com/drfirst/bvb-checker/internal/config"
	"github.com/drfirst/bvb-checker/internal/infrastructure/postgres"
	"github.com/drfirst/bvb-checker/internal/infrastructure/redpanda"
	"github.com/drfirst/bvb-checker/internal/observability/metrics"
	"github.com/drfirst/bvb-checker/internal/observability/tracing"
	"github.com/drfirst/bvb-checker/internal/ruletable"
	"github.com/drfirst/bvb-checker/pkg/circuitbreaker"
)

const serviceName = "bvb-api"

func main() {
	// .env is optional; real deployments set the environment directly
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

	// Rule table
	source, closeSource, err := cfg.RuleSource(ctx, logger)
	if err != nil {
		logger.Fatal("failed to open rule source", zap.Error(err))
	}
	defer closeSource()

	store := ruletable.NewStore(source, logger, m)
	if _, err := store.Reload(ctx); err != nil {
		logger.Fatal("failed to load rule table", zap.String("source", source.Name()), zap.Error(err))
	}

	checks := map[string]handlers.ReadinessCheck{}
	if pg, ok := source.(*postgres.RuleSource); ok {
		checks["postgres"] = pg.Ping
	}

	breakers := circuitbreaker.NewManager(logger)
	go m.WatchBreakers(ctx, breakers, 15*time.Second)

	// Audit trail, only with a broker
	var emitter audit.Emitter = audit.Nop{}
	var relay *audit.Relay
	var producer *redpanda.Producer
	if len(cfg.Brokers) > 0 {
		producer, relay = startAudit(ctx, cfg, breakers, m, logger)
		emitter = relay
		brokers := cfg.Brokers
		checks["redpanda"] = func(ctx context.Context) error {
			return redpanda.HealthCheck(ctx, brokers)
		}
	} else {
		logger.Info("KAFKA_BROKERS not set, audit events are disabled")
	}

	router := api.NewRouter(api.Config{
		Service:  serviceName,
		Version:  cfg.Version,
		Store:    store,
		Audit:    emitter,
		Metrics:  m,
		Gatherer: reg,
		Breakers: breakers,
		Checks:   checks,
		Logger:   logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting eligibility API",
			zap.String("port", cfg.Port),
			zap.String("rule_source", store.SourceName()))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	if relay != nil {
		relay.Stop()
		if n := relay.Dropped(); n > 0 {
			logger.Warn("audit events dropped", zap.Int64("count", n))
		}
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.Error("producer close error", zap.Error(err))
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func startAudit(ctx context.Context, cfg config.Config, breakers *circuitbreaker.Manager, m *metrics.Metrics, logger *zap.Logger) (*redpanda.Producer, *audit.Relay) {
	admin, err := redpanda.NewAdmin(cfg.Brokers, logger)
	if err != nil {
		logger.Fatal("failed to create admin client", zap.Error(err))
	}
	if err := admin.EnsureTopics(ctx); err != nil {
		logger.Warn("failed to ensure topics", zap.Error(err))
	}
	admin.Close()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Brokers
	producerCfg.ClientID = serviceName
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("failed to create producer", zap.Error(err))
	}

	breaker, err := breakers.Get("redpanda")
	if err != nil {
		logger.Fatal("failed to create circuit breaker", zap.Error(err))
	}

	relay, err := audit.NewRelay(audit.DefaultConfig(), producer, breaker, m, logger)
	if err != nil {
		logger.Fatal("failed to create audit relay", zap.Error(err))
	}
	relay.Start()
	return producer, relay
}
