package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/bvb-checker/internal/api/middleware"
	"github.com/drfirst/bvb-checker/internal/audit"
	"github.com/drfirst/bvb-checker/internal/domain/eligibility"
)

const (
	defaultNeighbors = 20
	maxNeighbors     = 200
)

// RulesHandler exposes the rule table
type RulesHandler struct {
	store  RuleStore
	audit  audit.Emitter
	logger *zap.Logger
}

// NewRulesHandler creates a new handler. emitter may be nil.
func NewRulesHandler(store RuleStore, emitter audit.Emitter, logger *zap.Logger) *RulesHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = audit.Nop{}
	}
	return &RulesHandler{store: store, audit: emitter, logger: logger}
}

// Routes returns the handler routes
func (h *RulesHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/stats", h.Stats)
	r.Post("/reload", h.Reload)
	r.Get("/{code}", h.Get)
	r.Get("/{code}/neighbors", h.Neighbors)
	return r
}

// StatsResponse describes the published table
type StatsResponse struct {
	Source       string                   `json:"source"`
	LoadedAt     time.Time                `json:"loadedAt"`
	Distribution eligibility.Distribution `json:"distribution"`
}

func statsOf(t *eligibility.RuleTable) StatsResponse {
	return StatsResponse{
		Source:       t.Source(),
		LoadedAt:     t.LoadedAt(),
		Distribution: t.Stats(),
	}
}

// Stats handles GET /rules/stats
func (h *RulesHandler) Stats(w http.ResponseWriter, r *http.Request) {
	table, err := h.store.Table()
	if err != nil {
		jsonError(w, "rule table not loaded", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, statsOf(table))
}

// Get handles GET /rules/{code}
func (h *RulesHandler) Get(w http.ResponseWriter, r *http.Request) {
	table, err := h.store.Table()
	if err != nil {
		jsonError(w, "rule table not loaded", http.StatusServiceUnavailable)
		return
	}

	code := normalizeParam(chi.URLParam(r, "code"))
	rule, ok := table.Lookup(code)
	if !ok {
		jsonError(w, "code "+code+" not found in diagnosis list", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// NeighborsResponse lists codes of the same family
type NeighborsResponse struct {
	Code      string   `json:"code"`
	Neighbors []string `json:"neighbors"`
}

// Neighbors handles GET /rules/{code}/neighbors?k=20
func (h *RulesHandler) Neighbors(w http.ResponseWriter, r *http.Request) {
	table, err := h.store.Table()
	if err != nil {
		jsonError(w, "rule table not loaded", http.StatusServiceUnavailable)
		return
	}

	k := defaultNeighbors
	if raw := r.URL.Query().Get("k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxNeighbors {
			jsonError(w, "k must be an integer between 1 and "+strconv.Itoa(maxNeighbors), http.StatusBadRequest)
			return
		}
		k = n
	}

	code := normalizeParam(chi.URLParam(r, "code"))
	neighbors := table.Neighbors(code, k)
	if neighbors == nil {
		neighbors = []string{}
	}
	writeJSON(w, http.StatusOK, NeighborsResponse{Code: code, Neighbors: neighbors})
}

// Reload handles POST /rules/reload. A failed reload keeps the previous table.
func (h *RulesHandler) Reload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	table, err := h.store.Reload(ctx)
	if err != nil {
		h.logger.Error("reload requested over HTTP failed",
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(err))
		jsonError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	stats := statsOf(table)
	event, err := eligibility.NewEvent(eligibility.EventRuleTableReloaded, stats.Source, eligibility.ReloadedData{
		Source:       stats.Source,
		Distribution: stats.Distribution,
		LoadedAt:     stats.LoadedAt,
	})
	if err == nil {
		h.audit.Emit(event.WithCorrelation(middleware.GetRequestID(ctx)))
	}

	writeJSON(w, http.StatusOK, stats)
}

func normalizeParam(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
