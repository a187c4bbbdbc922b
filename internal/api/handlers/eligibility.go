package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/bvb-checker/internal/api/middleware"
	"github.com/drfirst/bvb-checker/internal/audit"
	"github.com/drfirst/bvb-checker/internal/domain/eligibility"
)

// EvaluationObserver records evaluation outcomes
type EvaluationObserver interface {
	ObserveEvaluation(results []eligibility.Result, d time.Duration)
}

// EligibilityHandler handles eligibility checks
type EligibilityHandler struct {
	store    RuleStore
	audit    audit.Emitter
	observer EvaluationObserver
	logger   *zap.Logger
	now      func() time.Time
}

// NewEligibilityHandler creates a new handler. emitter and observer may be nil.
func NewEligibilityHandler(store RuleStore, emitter audit.Emitter, observer EvaluationObserver, logger *zap.Logger) *EligibilityHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = audit.Nop{}
	}
	return &EligibilityHandler{
		store:    store,
		audit:    emitter,
		observer: observer,
		logger:   logger,
		now:      time.Now,
	}
}

// Routes returns the handler routes
func (h *EligibilityHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/check", h.Check)
	return r
}

// CheckRequest is the request body for an eligibility check. Codes is free
// text ("G35.0, I63.9") or a JSON array of codes.
type CheckRequest = eligibility.Request

// CheckResponse is the response for an eligibility check
type CheckResponse = eligibility.Evaluation

// Check handles POST /eligibility/check
func (h *EligibilityHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("eligibility-handler").Start(r.Context(), "check_eligibility")
	defer span.End()

	var req CheckRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	patient, today, err := req.Resolve(h.now())
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	table, err := h.store.Table()
	if err != nil {
		jsonError(w, "rule table not loaded", http.StatusServiceUnavailable)
		return
	}

	requestID := middleware.GetRequestID(ctx)

	start := time.Now()
	resp := eligibility.Run(table, requestID, patient, today)
	elapsed := time.Since(start)

	if h.observer != nil {
		h.observer.ObserveEvaluation(resp.Results, elapsed)
	}

	span.SetAttributes(
		attribute.Int("codes", len(patient.Codes)),
		attribute.Int("eligible", resp.Summary.TotalEligible),
	)

	h.emit(patient, today, resp)

	h.logger.Debug("eligibility checked",
		zap.String("request_id", requestID),
		zap.Int("codes", len(patient.Codes)),
		zap.Int("eligible", resp.Summary.TotalEligible),
		zap.Duration("evaluation", elapsed))

	writeJSON(w, http.StatusOK, resp)
}

func (h *EligibilityHandler) emit(patient eligibility.PatientContext, today time.Time, resp CheckResponse) {
	event, err := eligibility.NewEvent(
		eligibility.EventEligibilityEvaluated,
		eligibility.EvaluationKey(patient, today),
		resp.AuditData(h.now().UTC()))
	if err != nil {
		h.logger.Error("failed to build audit event", zap.Error(err))
		return
	}
	h.audit.Emit(event.WithCorrelation(resp.RequestID))
}
