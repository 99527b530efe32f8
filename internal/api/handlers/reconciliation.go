package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/clinicore/medorder/internal/api/middleware"
	"github.com/clinicore/medorder/internal/domain/meds"
	"github.com/clinicore/medorder/internal/domain/reconciliation"
)

// ReconciliationHandler handles medication reconciliation endpoints.
// The engine is pure; reconciliation documents live in the chart, so
// intervention and completion requests carry the document.
type ReconciliationHandler struct {
	engine   *reconciliation.Engine
	validate *validator.Validate
	logger   *zap.Logger
}

// NewReconciliationHandler creates a new handler
func NewReconciliationHandler(engine *reconciliation.Engine, logger *zap.Logger) *ReconciliationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReconciliationHandler{
		engine:   engine,
		validate: validator.New(),
		logger:   logger,
	}
}

// Routes returns the handler routes
func (h *ReconciliationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Reconcile)
	r.Post("/interventions", h.AddIntervention)
	r.Post("/complete", h.Complete)
	return r
}

// ReconcileRequest carries the two medication lists to compare
type ReconcileRequest struct {
	PatientID          string                   `json:"patient_id" validate:"required"`
	Event              reconciliation.EventType `json:"event" validate:"required"`
	HomeMedications    []meds.ListEntry         `json:"home_medications"`
	CurrentMedications []meds.ListEntry         `json:"current_medications"`
}

// Reconcile handles POST /reconciliations
func (h *ReconciliationHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		jsonError(w, "validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	rec := h.engine.Reconcile(req.PatientID, req.Event, req.HomeMedications, req.CurrentMedications)

	h.logger.Info("reconciliation performed",
		zap.String("patient_id", req.PatientID),
		zap.String("event", string(req.Event)),
		zap.Int("discrepancies", len(rec.Discrepancies)),
		zap.String("request_id", middleware.GetRequestID(r.Context())),
	)
	writeJSON(w, http.StatusCreated, rec)
}

// InterventionRequest attaches an intervention to a discrepancy
type InterventionRequest struct {
	Reconciliation *reconciliation.Reconciliation  `json:"reconciliation" validate:"required"`
	DiscrepancyID  string                          `json:"discrepancy_id" validate:"required"`
	Type           reconciliation.InterventionType `json:"type" validate:"required"`
	Notes          string                          `json:"notes"`
}

// AddIntervention handles POST /reconciliations/interventions
func (h *ReconciliationHandler) AddIntervention(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActor(r.Context())
	if !ok {
		jsonError(w, "missing actor", http.StatusUnauthorized)
		return
	}

	var req InterventionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		jsonError(w, "validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	if _, err := h.engine.AddIntervention(req.Reconciliation, req.DiscrepancyID, req.Type, actor.ID, req.Notes); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, req.Reconciliation)
}

// Complete handles POST /reconciliations/complete
func (h *ReconciliationHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var rec reconciliation.Reconciliation
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := rec.MarkComplete(); err != nil {
		if errors.Is(err, reconciliation.ErrIncomplete) {
			jsonError(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, &rec)
}
