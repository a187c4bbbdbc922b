package handlers

import (
	"context"
	"net/http"

	"github.com/drfirst/bvb-checker/internal/domain/eligibility"
	"github.com/drfirst/bvb-checker/pkg/circuitbreaker"
)

// ReadinessCheck is an extra dependency probed by /ready
type ReadinessCheck func(ctx context.Context) error

// HealthHandler serves liveness and readiness
type HealthHandler struct {
	service  string
	version  string
	store    RuleStore
	breakers *circuitbreaker.Manager
	checks   map[string]ReadinessCheck
}

// NewHealthHandler creates a health handler. breakers may be nil.
func NewHealthHandler(service, version string, store RuleStore, breakers *circuitbreaker.Manager) *HealthHandler {
	return &HealthHandler{
		service:  service,
		version:  version,
		store:    store,
		breakers: breakers,
		checks:   make(map[string]ReadinessCheck),
	}
}

// AddCheck registers a readiness dependency
func (h *HealthHandler) AddCheck(name string, check ReadinessCheck) {
	h.checks[name] = check
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status       string                        `json:"status"`
	Service      string                        `json:"service"`
	Version      string                        `json:"version"`
	RuleSource   string                        `json:"ruleSource"`
	Rules        int                           `json:"rules"`
	Distribution eligibility.Distribution      `json:"distribution"`
	Breakers     []circuitbreaker.HealthStatus `json:"breakers,omitempty"`
}

// Health handles GET /health. It reports degraded instead of failing while
// the rule table is missing.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:     "healthy",
		Service:    h.service,
		Version:    h.version,
		RuleSource: h.store.SourceName(),
	}
	if table, err := h.store.Table(); err == nil {
		resp.Rules = table.Len()
		resp.Distribution = table.Stats()
	} else {
		resp.Status = "degraded"
	}
	if h.breakers != nil {
		resp.Breakers = h.breakers.HealthStatus()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if !h.store.Ready() {
		jsonError(w, "rule table not loaded", http.StatusServiceUnavailable)
		return
	}
	for name, check := range h.checks {
		if err := check(r.Context()); err != nil {
			jsonError(w, name+" not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
