// Package api assembles the HTTP surface of the eligibility service.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/bvb-checker/internal/api/handlers"
	"github.com/drfirst/bvb-checker/internal/api/middleware"
	"github.com/drfirst/bvb-checker/internal/audit"
	"github.com/drfirst/bvb-checker/internal/observability/metrics"
	"github.com/drfirst/bvb-checker/pkg/circuitbreaker"
)

// Config holds the router dependencies
type Config struct {
	Service string
	Version string
	Store   handlers.RuleStore
	// Audit receives evaluation and reload events; nil disables auditing
	Audit audit.Emitter
	// Metrics and Gatherer are optional
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Breakers *circuitbreaker.Manager
	Checks   map[string]handlers.ReadinessCheck
	Logger   *zap.Logger
}

// NewRouter builds the chi router with the global middleware chain
func NewRouter(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var observer handlers.EvaluationObserver
	if cfg.Metrics != nil {
		observer = cfg.Metrics
	}

	health := handlers.NewHealthHandler(cfg.Service, cfg.Version, cfg.Store, cfg.Breakers)
	for name, check := range cfg.Checks {
		health.AddCheck(name, check)
	}
	eligibilityHandler := handlers.NewEligibilityHandler(cfg.Store, cfg.Audit, observer, logger)
	rulesHandler := handlers.NewRulesHandler(cfg.Store, cfg.Audit, logger)

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(cfg.Service))
	if cfg.Metrics != nil {
		r.Use(middleware.Metrics(cfg.Metrics))
	}

	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(cfg.Gatherer))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/eligibility", eligibilityHandler.Routes())
		r.Mount("/rules", rulesHandler.Routes())
	})

	return r
}
