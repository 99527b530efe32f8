// Package handlers provides HTTP handlers for the orders API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/clinicore/medorder/internal/api/middleware"
	"github.com/clinicore/medorder/internal/domain/administration"
	"github.com/clinicore/medorder/internal/domain/meds"
	"github.com/clinicore/medorder/internal/domain/order"
	"github.com/clinicore/medorder/internal/domain/review"
	"github.com/clinicore/medorder/internal/observability/metrics"
)

// OrderHandler handles order lifecycle endpoints
type OrderHandler struct {
	svc      *order.Service
	gate     *review.Gate
	validate *validator.Validate
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewOrderHandler creates a new handler. metrics may be nil.
func NewOrderHandler(svc *order.Service, gate *review.Gate, m *metrics.Metrics, logger *zap.Logger) *OrderHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderHandler{
		svc:      svc,
		gate:     gate,
		validate: validator.New(),
		metrics:  m,
		logger:   logger,
	}
}

// Routes returns the handler routes
func (h *OrderHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Put("/{id}/dosing", h.UpdateDosing)
	r.Post("/{id}/transmit", h.Transmit)
	r.Post("/{id}/fill-status", h.FillStatus)
	r.Post("/{id}/review", h.Review)
	r.Post("/{id}/hold", h.Hold)
	r.Post("/{id}/resume", h.Resume)
	r.Post("/{id}/complete", h.Complete)
	r.Post("/{id}/cancel", h.Cancel)
	return r
}

// CreateOrderRequest is the request body for creating an order
type CreateOrderRequest struct {
	PatientID         string                  `json:"patient_id" validate:"required"`
	Medication        meds.MedicationDetails  `json:"medication"`
	Dosing            meds.DosingInstructions `json:"dosing"`
	Indication        string                  `json:"indication" validate:"required"`
	DurationDays      int                     `json:"duration_days" validate:"gt=0"`
	Refills           int                     `json:"refills" validate:"gte=0"`
	DispenseAsWritten bool                    `json:"dispense_as_written"`
	PriorAuthRequired bool                    `json:"prior_auth_required"`
	Profile           meds.PatientProfile     `json:"profile"`
	Overrides         []order.OverrideRequest `json:"overrides,omitempty"`
}

// Create handles POST /orders
func (h *OrderHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("order-handler")
	ctx, span := tracer.Start(ctx, "create_order")
	defer span.End()

	actor, ok := middleware.GetActor(ctx)
	if !ok {
		jsonError(w, "missing actor", http.StatusUnauthorized)
		return
	}

	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		jsonError(w, "validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	o, err := h.svc.Create(ctx, actor, order.CreateInput{
		PatientID:         req.PatientID,
		PrescriberID:      actor.ID,
		Medication:        req.Medication,
		Dosing:            req.Dosing,
		Indication:        req.Indication,
		DurationDays:      req.DurationDays,
		Refills:           req.Refills,
		DispenseAsWritten: req.DispenseAsWritten,
		PriorAuthRequired: req.PriorAuthRequired,
		Profile:           req.Profile,
		Overrides:         req.Overrides,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	span.SetAttributes(attribute.String("order_id", o.ID))
	if h.metrics != nil {
		h.metrics.OrdersCreated.Inc()
	}
	h.logger.Info("order created",
		zap.String("id", o.ID),
		zap.String("request_id", middleware.GetRequestID(ctx)),
		zap.Bool("controlled", o.Medication.IsControlled),
	)

	writeJSON(w, http.StatusCreated, o)
}

// Get handles GET /orders/{id}
func (h *OrderHandler) Get(w http.ResponseWriter, r *http.Request) {
	o, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// UpdateDosingRequest is the request body for dosing edits
type UpdateDosingRequest struct {
	Dosing       meds.DosingInstructions `json:"dosing"`
	DurationDays int                     `json:"duration_days" validate:"gt=0"`
	Profile      meds.PatientProfile     `json:"profile"`
	Overrides    []order.OverrideRequest `json:"overrides,omitempty"`
}

// UpdateDosing handles PUT /orders/{id}/dosing
func (h *OrderHandler) UpdateDosing(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := middleware.GetActor(ctx)
	if !ok {
		jsonError(w, "missing actor", http.StatusUnauthorized)
		return
	}

	var req UpdateDosingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		jsonError(w, "validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	o, err := h.svc.UpdateDosing(ctx, actor, chi.URLParam(r, "id"), req.Dosing, req.DurationDays, req.Profile, req.Overrides)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// TransmitRequest is the request body for transmission
type TransmitRequest struct {
	PharmacyID   string `json:"pharmacy_id" validate:"required"`
	PharmacyName string `json:"pharmacy_name"`
}

// Transmit handles POST /orders/{id}/transmit
func (h *OrderHandler) Transmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := middleware.GetActor(ctx)
	if !ok {
		jsonError(w, "missing actor", http.StatusUnauthorized)
		return
	}

	var req TransmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		jsonError(w, "validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	o, err := h.svc.Transmit(ctx, actor, chi.URLParam(r, "id"), req.PharmacyID, req.PharmacyName)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if h.metrics != nil && o.Prescription != nil {
		h.metrics.Transmissions.WithLabelValues(string(o.Prescription.Status)).Inc()
	}
	writeJSON(w, http.StatusOK, o)
}

// FillStatusRequest carries a pharmacy fill-status callback
type FillStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

// FillStatus handles POST /orders/{id}/fill-status
func (h *OrderHandler) FillStatus(w http.ResponseWriter, r *http.Request) {
	var req FillStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	status, ok := order.ParseFillStatus(req.Status)
	if !ok {
		jsonError(w, "unknown fill status: "+req.Status, http.StatusBadRequest)
		return
	}

	o, err := h.svc.ApplyFillUpdate(r.Context(), chi.URLParam(r, "id"), status)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if h.metrics != nil {
		h.metrics.FillStatusUpdates.Inc()
	}
	writeJSON(w, http.StatusOK, o.Prescription)
}

// ReviewRequest is the pharmacist review submission
type ReviewRequest struct {
	ActiveMedications []meds.ListEntry     `json:"active_medications"`
	RequestedStatus   order.ApprovalStatus `json:"requested_status" validate:"required"`
	Notes             string               `json:"notes"`
}

// Review handles POST /orders/{id}/review
func (h *OrderHandler) Review(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := middleware.GetActor(ctx)
	if !ok {
		jsonError(w, "missing actor", http.StatusUnauthorized)
		return
	}

	var req ReviewRequest
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
		h.writeDomainError(w, r, err)
		return
	}

	rev := h.gate.Evaluate(o, req.ActiveMedications, actor.ID)
	if err := h.gate.Decide(rev, req.RequestedStatus, req.Notes); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	o, err = h.svc.Approve(ctx, actor, o.ID, rev)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if h.metrics != nil {
		if rev.ApprovalStatus.Activates() {
			h.metrics.OrdersActivated.Inc()
		} else if rev.ApprovalStatus == order.Rejected {
			h.metrics.OrdersRejected.Inc()
		}
	}
	writeJSON(w, http.StatusOK, o)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// Hold handles POST /orders/{id}/hold
func (h *OrderHandler) Hold(w http.ResponseWriter, r *http.Request) {
	h.withReason(w, r, h.svc.Hold)
}

// Cancel handles POST /orders/{id}/cancel
func (h *OrderHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.withReason(w, r, func(ctx context.Context, actor order.Actor, id, reason string) (*order.MedicationOrder, error) {
		o, err := h.svc.Cancel(ctx, actor, id, reason)
		if err == nil && h.metrics != nil {
			h.metrics.OrdersCancelled.Inc()
		}
		return o, err
	})
}

// Resume handles POST /orders/{id}/resume
func (h *OrderHandler) Resume(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := middleware.GetActor(ctx)
	if !ok {
		jsonError(w, "missing actor", http.StatusUnauthorized)
		return
	}
	o, err := h.svc.Resume(ctx, actor, chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// Complete handles POST /orders/{id}/complete
func (h *OrderHandler) Complete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := middleware.GetActor(ctx)
	if !ok {
		jsonError(w, "missing actor", http.StatusUnauthorized)
		return
	}
	o, err := h.svc.Complete(ctx, actor, chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrderHandler) withReason(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, actor order.Actor, id, reason string) (*order.MedicationOrder, error)) {
	ctx := r.Context()
	actor, ok := middleware.GetActor(ctx)
	if !ok {
		jsonError(w, "missing actor", http.StatusUnauthorized)
		return
	}

	var req reasonRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	o, err := fn(ctx, actor, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrderHandler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	writeDomainError(w, h.logger, r, err)
}

func writeDomainError(w http.ResponseWriter, logger *zap.Logger, r *http.Request, err error) {
	var ve *order.ValidationError
	var ae *order.AuthorizationError
	var ge *order.SafetyGateError
	var fe *administration.FiveRightsError

	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": ve.Error(), "field": ve.Field, "rule": ve.Rule})
	case errors.As(err, &ae):
		writeJSON(w, http.StatusForbidden, map[string]interface{}{"error": ae.Error()})
	case errors.As(err, &ge):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{"error": ge.Error(), "warnings": ge.Warnings})
	case errors.As(err, &fe):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{"error": fe.Error(), "verification": fe.Verification})
	case errors.Is(err, administration.ErrDoseAlreadyDocumented):
		jsonError(w, "dose already documented for this scheduled time", http.StatusConflict)
	case errors.Is(err, order.ErrNotFound):
		jsonError(w, "order not found", http.StatusNotFound)
	case errors.Is(err, order.ErrVersionConflict):
		jsonError(w, "order was modified concurrently, retry", http.StatusConflict)
	default:
		logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		jsonError(w, "internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}
