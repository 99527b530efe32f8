package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/clinicore/medorder/internal/api/middleware"
	"github.com/clinicore/medorder/internal/domain/administration"
	"github.com/clinicore/medorder/internal/domain/order"
	"github.com/clinicore/medorder/internal/observability/metrics"
)

// AdministrationHandler handles dose administration endpoints
type AdministrationHandler struct {
	svc      *order.Service
	engine   *administration.Engine
	store    administration.RecordStore
	authz    order.Authorizer
	validate *validator.Validate
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewAdministrationHandler creates a new handler. metrics may be nil.
func NewAdministrationHandler(svc *order.Service, engine *administration.Engine, store administration.RecordStore, authz order.Authorizer, m *metrics.Metrics, logger *zap.Logger) *AdministrationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdministrationHandler{
		svc:      svc,
		engine:   engine,
		store:    store,
		authz:    authz,
		validate: validator.New(),
		metrics:  m,
		logger:   logger,
	}
}

// Routes returns the handler routes, mounted under /orders/{id}.
func (h *AdministrationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Administer)
	r.Get("/", h.List)
	r.Post("/skip", h.Skip)
	r.Post("/{recordID}/reaction", h.Reaction)
	return r
}

// AdministerRequest carries the scanned values and the documentation
// for one dose. Verification and documentation run in one request so
// the verification cannot be reused across doses.
type AdministerRequest struct {
	PatientID      string                             `json:"patient_id" validate:"required"`
	MedicationName string                             `json:"medication_name" validate:"required"`
	Dose           float64                            `json:"dose" validate:"gt=0"`
	DoseUnit       string                             `json:"dose_unit"`
	Route          string                             `json:"route" validate:"required"`
	ScheduledAt    time.Time                          `json:"scheduled_at" validate:"required"`
	Method         administration.VerificationMethod  `json:"method"`
	WitnessID      string                             `json:"witness_id,omitempty"`
	PreAssessment  *administration.Assessment         `json:"pre_assessment,omitempty"`
	PostAssessment *administration.Assessment         `json:"post_assessment,omitempty"`
}

// Administer handles POST /orders/{id}/administrations
func (h *AdministrationHandler) Administer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := middleware.GetActor(ctx)
	if !ok {
		jsonError(w, "missing actor", http.StatusUnauthorized)
		return
	}

	var req AdministerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		jsonError(w, "validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	o, err := h.svc.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	if err := h.authz.Require(actor, order.ActionAdminister, o); err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}

	v, err := h.engine.VerifyFiveRights(ctx, o, administration.VerificationRequest{
		PatientID:      req.PatientID,
		NurseID:        actor.ID,
		MedicationName: req.MedicationName,
		Dose:           req.Dose,
		Route:          req.Route,
		ScheduledAt:    req.ScheduledAt,
		Method:         req.Method,
	})
	if err != nil {
		var fe *administration.FiveRightsError
		if h.metrics != nil && errors.As(err, &fe) {
			h.metrics.FiveRightsFailures.Inc()
		}
		writeDomainError(w, h.logger, r, err)
		return
	}

	rec, err := h.engine.DocumentAdministration(ctx, o, v, administration.DocumentInput{
		DoseGiven:      req.Dose,
		DoseUnit:       req.DoseUnit,
		Route:          req.Route,
		WitnessID:      req.WitnessID,
		PreAssessment:  req.PreAssessment,
		PostAssessment: req.PostAssessment,
	})
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}

	if h.metrics != nil {
		h.metrics.Administrations.WithLabelValues(string(rec.Status)).Inc()
	}
	h.logger.Info("dose administered",
		zap.String("order_id", o.ID),
		zap.String("record_id", rec.ID),
		zap.String("request_id", middleware.GetRequestID(ctx)),
	)
	writeJSON(w, http.StatusCreated, rec)
}

// SkipRequest documents a dose that was not given
type SkipRequest struct {
	ScheduledAt time.Time             `json:"scheduled_at" validate:"required"`
	Status      administration.Status `json:"status" validate:"required"`
	Reason      string                `json:"reason" validate:"required"`
}

// Skip handles POST /orders/{id}/administrations/skip
func (h *AdministrationHandler) Skip(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := middleware.GetActor(ctx)
	if !ok {
		jsonError(w, "missing actor", http.StatusUnauthorized)
		return
	}

	var req SkipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		jsonError(w, "validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	o, err := h.svc.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	if err := h.authz.Require(actor, order.ActionAdminister, o); err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}

	rec, err := h.engine.RecordNonAdministration(ctx, o, administration.NonAdministrationInput{
		NurseID:     actor.ID,
		ScheduledAt: req.ScheduledAt,
		Status:      req.Status,
		Reason:      req.Reason,
	})
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	if h.metrics != nil {
		h.metrics.Administrations.WithLabelValues(string(rec.Status)).Inc()
	}
	writeJSON(w, http.StatusCreated, rec)
}

// Reaction handles POST /orders/{id}/administrations/{recordID}/reaction
func (h *AdministrationHandler) Reaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := middleware.GetActor(ctx)
	if !ok {
		jsonError(w, "missing actor", http.StatusUnauthorized)
		return
	}
	if err := h.authz.Require(actor, order.ActionAdminister, nil); err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}

	var reaction administration.AdverseReaction
	if err := json.NewDecoder(r.Body).Decode(&reaction); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	rec, err := h.store.Get(ctx, chi.URLParam(r, "recordID"))
	if err != nil {
		jsonError(w, "administration record not found", http.StatusNotFound)
		return
	}

	if err := h.engine.MonitorAdverseReaction(ctx, rec, reaction); err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	if h.metrics != nil {
		h.metrics.AdverseReactions.WithLabelValues(string(reaction.Severity)).Inc()
	}
	writeJSON(w, http.StatusOK, rec)
}

// List handles GET /orders/{id}/administrations
func (h *AdministrationHandler) List(w http.ResponseWriter, r *http.Request) {
	recs, err := h.store.ListByOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	if recs == nil {
		recs = []*administration.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}
