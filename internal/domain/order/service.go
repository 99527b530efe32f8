package order

import (
	"context"

	"go.uber.org/zap"

	"github.com/clinicore/medorder/internal/domain/meds"
	"github.com/clinicore/medorder/internal/domain/safety"
	"github.com/clinicore/medorder/pkg/idempotency"
	"github.com/clinicore/medorder/pkg/identity"
)

// Service drives the medication order lifecycle. All mutations go
// through the injected store's optimistic concurrency check, so two
// concurrent writers on the same order cannot both succeed.
type Service struct {
	store  Store
	safety *safety.Engine
	authz  Authorizer
	ledger LedgerOpener
	sender PrescriptionSender
	clock  identity.Clock
	ids    identity.IDGenerator
	logger *zap.Logger
}

// NewService wires the lifecycle service.
func NewService(store Store, engine *safety.Engine, authz Authorizer, ledger LedgerOpener, sender PrescriptionSender, clock identity.Clock, ids identity.IDGenerator, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = identity.SystemClock{}
	}
	if ids == nil {
		ids = identity.UUIDGenerator{}
	}
	return &Service{
		store:  store,
		safety: engine,
		authz:  authz,
		ledger: ledger,
		sender: sender,
		clock:  clock,
		ids:    ids,
		logger: logger,
	}
}

// OverrideRequest acknowledges one Critical warning at creation time.
type OverrideRequest struct {
	Check      safety.CheckType `json:"check"`
	Code       string           `json:"code"`
	Reason     string           `json:"reason"`
	ApprovedBy string           `json:"approved_by"`
}

// CreateInput carries everything needed to create a Draft order.
type CreateInput struct {
	PatientID         string
	PrescriberID      string
	Medication        meds.MedicationDetails
	Dosing            meds.DosingInstructions
	Indication        string
	DurationDays      int
	Refills           int
	DispenseAsWritten bool
	PriorAuthRequired bool
	Profile           meds.PatientProfile
	Overrides         []OverrideRequest
}

func (in *CreateInput) validate() error {
	switch {
	case in.PatientID == "":
		return &ValidationError{Field: "patient_id", Rule: "required", Message: "patient id is required"}
	case in.PrescriberID == "":
		return &ValidationError{Field: "prescriber_id", Rule: "required", Message: "prescriber id is required"}
	case in.Medication.Name == "":
		return &ValidationError{Field: "medication.name", Rule: "required", Message: "medication name is required"}
	case in.Dosing.Dose <= 0:
		return &ValidationError{Field: "dosing.dose", Rule: "positive", Message: "dose must be greater than zero"}
	case in.Dosing.Route == "":
		return &ValidationError{Field: "dosing.route", Rule: "required", Message: "route is required"}
	case in.Dosing.Frequency == "":
		return &ValidationError{Field: "dosing.frequency", Rule: "required", Message: "frequency is required"}
	case in.Medication.IsControlled && in.Medication.DEASchedule == "":
		return &ValidationError{Field: "medication.dea_schedule", Rule: "required", Message: "controlled substances require a DEA schedule"}
	}
	return nil
}

// Create runs the safety check synchronously and returns a Draft
// order. A Critical overall risk with any unresolved Critical warning
// is a hard gate: the order is rejected with *SafetyGateError.
func (s *Service) Create(ctx context.Context, actor Actor, in CreateInput) (*MedicationOrder, error) {
	if err := s.authz.Require(actor, ActionCreate, nil); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	result, err := s.safety.Check(ctx, in.Profile, in.Medication, in.Dosing)
	if err != nil {
		return nil, &ValidationError{Field: "medication", Rule: "safety_check", Message: err.Error()}
	}

	now := s.clock.Now()
	for _, req := range in.Overrides {
		ov, err := safety.NewOverride(req.Reason, req.ApprovedBy, in.PrescriberID, now)
		if err != nil {
			return nil, &ValidationError{Field: "overrides", Rule: "invalid", Message: err.Error()}
		}
		if !result.ApplyOverride(req.Check, req.Code, ov) {
			return nil, &ValidationError{Field: "overrides", Rule: "unknown_warning", Message: "override references a warning that was not raised"}
		}
	}

	if blocked := result.UnresolvedCritical(); len(blocked) > 0 {
		return nil, &SafetyGateError{Warnings: blocked}
	}

	o := &MedicationOrder{
		ID:                s.ids.NewID(),
		PatientID:         in.PatientID,
		PrescriberID:      in.PrescriberID,
		Medication:        in.Medication,
		Dosing:            in.Dosing,
		Indication:        in.Indication,
		DurationDays:      in.DurationDays,
		Refills:           in.Refills,
		DispenseAsWritten: in.DispenseAsWritten,
		PriorAuthRequired: in.PriorAuthRequired,
		Status:            StatusDraft,
		Safety:            result,
		Counseling:        CounselingFor(in.Medication),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	o.recomputeQuantity()
	o.appendAudit(actor.ID, "create", "order created", now)

	event, err := s.event(o, EventOrderCreated, CreatedData{
		OrderID:      o.ID,
		PatientID:    o.PatientID,
		PrescriberID: o.PrescriberID,
		Medication:   o.Medication.Name,
		IsControlled: o.Medication.IsControlled,
		DEASchedule:  o.Medication.DEASchedule,
		Quantity:     o.QuantityPrescribed,
		OverallRisk:  result.OverallRisk.String(),
	}, actor)
	if err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, o, []*Event{event}); err != nil {
		return nil, err
	}

	s.logger.Info("order created",
		zap.String("order_id", o.ID),
		zap.String("patient_id", o.PatientID),
		zap.Bool("controlled", o.Medication.IsControlled),
		zap.String("risk", result.OverallRisk.String()))
	return o, nil
}

// UpdateDosing edits dosing and duration on a Draft order, recomputes
// derived quantities and re-runs the safety check. Overrides already
// recorded on the order carry forward to warnings the re-run raises
// again, so an authorized override granted at creation does not have to
// be re-approved to edit the order; new warnings can be overridden
// through overrides.
func (s *Service) UpdateDosing(ctx context.Context, actor Actor, orderID string, dosing meds.DosingInstructions, durationDays int, profile meds.PatientProfile, overrides []OverrideRequest) (*MedicationOrder, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := s.authz.Require(actor, ActionEdit, o); err != nil {
		return nil, err
	}
	if !o.Status.Editable() {
		return nil, &ValidationError{Field: "status", Rule: "draft_only", Message: "dosing can only be edited while the order is in draft"}
	}

	result, err := s.safety.Check(ctx, profile, o.Medication, dosing)
	if err != nil {
		return nil, &ValidationError{Field: "dosing", Rule: "safety_check", Message: err.Error()}
	}
	if o.Safety != nil {
		for _, w := range o.Safety.Warnings {
			if w.Override != nil {
				result.ApplyOverride(w.Check, w.Code, w.Override)
			}
		}
	}

	now := s.clock.Now()
	for _, req := range overrides {
		ov, err := safety.NewOverride(req.Reason, req.ApprovedBy, o.PrescriberID, now)
		if err != nil {
			return nil, &ValidationError{Field: "overrides", Rule: "invalid", Message: err.Error()}
		}
		if !result.ApplyOverride(req.Check, req.Code, ov) {
			return nil, &ValidationError{Field: "overrides", Rule: "unknown_warning", Message: "override references a warning that was not raised"}
		}
	}

	if blocked := result.UnresolvedCritical(); len(blocked) > 0 {
		return nil, &SafetyGateError{Warnings: blocked}
	}
	o.Dosing = dosing
	o.DurationDays = durationDays
	o.Safety = result
	o.recomputeQuantity()
	o.UpdatedAt = now
	o.appendAudit(actor.ID, "update_dosing", "dosing updated", now)

	event, err := s.event(o, EventOrderDosingUpdated, StatusChangeData{OrderID: o.ID, From: o.Status, To: o.Status}, actor)
	if err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, o, []*Event{event}); err != nil {
		return nil, err
	}
	return o, nil
}

// Transmit creates an electronic prescription for the pharmacy target
// and performs one send attempt. Legal from Draft and Pending only; a
// Draft order moves to Pending first. A transport failure is recorded
// on the prescription, the order status is not reverted, and the call
// still succeeds so the caller can decide on retry.
func (s *Service) Transmit(ctx context.Context, actor Actor, orderID, pharmacyID, pharmacyName string) (*MedicationOrder, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := s.authz.Require(actor, ActionTransmit, o); err != nil {
		return nil, err
	}
	if o.Status != StatusDraft && o.Status != StatusPending {
		return nil, &ValidationError{Field: "status", Rule: "transmit_from_draft_or_pending", Message: "orders can only be transmitted from draft or pending"}
	}
	if pharmacyID == "" {
		return nil, &ValidationError{Field: "pharmacy_id", Rule: "required", Message: "pharmacy id is required"}
	}

	now := s.clock.Now()

	// A controlled order must have its ledger row before leaving Draft.
	if o.Medication.IsControlled && !o.LedgerOpened {
		daily := float64(o.Dosing.TimesPerDay)
		if daily <= 0 {
			daily = 1
		}
		if err := s.ledger.Open(ctx, o.ID, o.QuantityPrescribed, daily, o.Medication.DEASchedule); err != nil {
			return nil, err
		}
		o.LedgerOpened = true
	}

	o.TransmissionAttempts++
	rx := &ElectronicPrescription{
		ID:              s.ids.NewID(),
		OrderID:         o.ID,
		PharmacyID:      pharmacyID,
		PharmacyName:    pharmacyName,
		AttemptSequence: o.TransmissionAttempts,
		IdempotencyKey:  idempotency.TransmissionKey(o.ID, o.TransmissionAttempts),
		Status:          TransmissionPending,
		UpdatedAt:       now,
	}

	if o.Status == StatusDraft {
		o.transition(StatusPending, now)
	}

	if err := s.sender.Send(ctx, rx); err != nil {
		return nil, err
	}
	o.Prescription = rx
	o.appendAudit(actor.ID, "transmit", "transmission attempt "+rx.IdempotencyKey, now)
	o.UpdatedAt = now

	event, err := s.event(o, EventOrderTransmitted, TransmittedData{
		OrderID:         o.ID,
		PharmacyID:      pharmacyID,
		AttemptSequence: rx.AttemptSequence,
		Status:          string(rx.Status),
		ErrorMessage:    rx.ErrorMessage,
	}, actor)
	if err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, o, []*Event{event}); err != nil {
		return nil, err
	}

	if rx.Status == TransmissionError {
		s.logger.Warn("prescription transmission failed",
			zap.String("order_id", o.ID),
			zap.String("pharmacy_id", pharmacyID),
			zap.Int("attempt", rx.AttemptSequence),
			zap.String("error", rx.ErrorMessage))
	}
	return o, nil
}

// ApplyFillUpdate applies a pharmacy fill callback to the order's
// prescription. Backward moves are logged anomalies, not errors.
func (s *Service) ApplyFillUpdate(ctx context.Context, orderID string, status FillStatus) (*MedicationOrder, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Prescription == nil {
		return nil, &ValidationError{Field: "prescription", Rule: "missing", Message: "order has no electronic prescription"}
	}
	if !o.Prescription.AdvanceFill(status, s.clock.Now()) {
		s.logger.Warn("ignoring backward fill status callback",
			zap.String("order_id", orderID),
			zap.String("current", o.Prescription.FillStatus.String()),
			zap.String("requested", status.String()))
		return o, nil
	}
	if err := s.store.Update(ctx, o, nil); err != nil {
		return nil, err
	}
	return o, nil
}

// Approve applies a pharmacist review verdict. Approved and Approved
// with Modifications move Pending to Active; Rejected cancels. The
// Critical gate is re-checked here so a Critical order without
// overrides can never reach Active.
func (s *Service) Approve(ctx context.Context, actor Actor, orderID string, rev *PharmacistReview) (*MedicationOrder, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := s.authz.Require(actor, ActionApprove, o); err != nil {
		return nil, err
	}
	if o.Status != StatusPending {
		return nil, &ValidationError{Field: "status", Rule: "pending_only", Message: "only pending orders can be reviewed"}
	}
	if rev == nil {
		return nil, &ValidationError{Field: "review", Rule: "required", Message: "a pharmacist review is required"}
	}

	now := s.clock.Now()
	o.Review = rev

	switch {
	case rev.ApprovalStatus.Activates():
		if blocked := o.Safety.UnresolvedCritical(); len(blocked) > 0 {
			return nil, &SafetyGateError{Warnings: blocked}
		}
		o.transition(StatusActive, now)
		o.appendAudit(actor.ID, "approve", string(rev.ApprovalStatus), now)
		event, err := s.event(o, EventOrderApproved, StatusChangeData{OrderID: o.ID, From: StatusPending, To: StatusActive}, actor)
		if err != nil {
			return nil, err
		}
		if err := s.store.Update(ctx, o, []*Event{event}); err != nil {
			return nil, err
		}
	case rev.ApprovalStatus == Rejected:
		o.transition(StatusCancelled, now)
		o.appendAudit(actor.ID, "reject", rev.Notes, now)
		event, err := s.event(o, EventOrderRejected, StatusChangeData{OrderID: o.ID, From: StatusPending, To: StatusCancelled, Reason: rev.Notes}, actor)
		if err != nil {
			return nil, err
		}
		if err := s.store.Update(ctx, o, []*Event{event}); err != nil {
			return nil, err
		}
	default:
		return nil, &ValidationError{Field: "review.approval_status", Rule: "decided", Message: "review must carry a decided approval status"}
	}
	return o, nil
}

// Hold suspends a Pending or Active order.
func (s *Service) Hold(ctx context.Context, actor Actor, orderID, reason string) (*MedicationOrder, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := s.authz.Require(actor, ActionHold, o); err != nil {
		return nil, err
	}
	if !CanTransition(o.Status, StatusOnHold) {
		return nil, &ValidationError{Field: "status", Rule: "hold_from_pending_or_active", Message: "only pending or active orders can be held"}
	}

	now := s.clock.Now()
	o.HeldFrom = o.Status
	o.transition(StatusOnHold, now)
	o.appendAudit(actor.ID, "hold", reason, now)

	event, err := s.event(o, EventOrderHeld, StatusChangeData{OrderID: o.ID, From: o.HeldFrom, To: StatusOnHold, Reason: reason}, actor)
	if err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, o, []*Event{event}); err != nil {
		return nil, err
	}
	return o, nil
}

// Resume returns a held order to the state it was held from.
func (s *Service) Resume(ctx context.Context, actor Actor, orderID string) (*MedicationOrder, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := s.authz.Require(actor, ActionResume, o); err != nil {
		return nil, err
	}
	if o.Status != StatusOnHold {
		return nil, &ValidationError{Field: "status", Rule: "on_hold_only", Message: "only held orders can be resumed"}
	}

	target := o.HeldFrom
	if target == "" {
		target = StatusPending
	}
	now := s.clock.Now()
	o.HeldFrom = ""
	o.transition(target, now)
	o.appendAudit(actor.ID, "resume", "", now)

	event, err := s.event(o, EventOrderResumed, StatusChangeData{OrderID: o.ID, From: StatusOnHold, To: target}, actor)
	if err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, o, []*Event{event}); err != nil {
		return nil, err
	}
	return o, nil
}

// Complete finishes an Active order.
func (s *Service) Complete(ctx context.Context, actor Actor, orderID string) (*MedicationOrder, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := s.authz.Require(actor, ActionComplete, o); err != nil {
		return nil, err
	}
	if !CanTransition(o.Status, StatusCompleted) {
		return nil, &ValidationError{Field: "status", Rule: "active_only", Message: "only active orders can be completed"}
	}

	now := s.clock.Now()
	from := o.Status
	o.transition(StatusCompleted, now)
	o.appendAudit(actor.ID, "complete", "", now)

	event, err := s.event(o, EventOrderCompleted, StatusChangeData{OrderID: o.ID, From: from, To: StatusCompleted}, actor)
	if err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, o, []*Event{event}); err != nil {
		return nil, err
	}
	return o, nil
}

// Cancel moves any non-terminal order to Cancelled. Idempotent: a
// second cancel returns the already-cancelled order without error.
// Completed orders cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, actor Actor, orderID, reason string) (*MedicationOrder, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status == StatusCancelled {
		return o, nil
	}
	if err := s.authz.Require(actor, ActionCancel, o); err != nil {
		return nil, err
	}
	if o.Status == StatusCompleted {
		return nil, &ValidationError{Field: "status", Rule: "not_completed", Message: "completed orders cannot be cancelled"}
	}

	now := s.clock.Now()
	from := o.Status
	o.transition(StatusCancelled, now)
	o.appendAudit(actor.ID, "cancel", reason, now)

	event, err := s.event(o, EventOrderCancelled, StatusChangeData{OrderID: o.ID, From: from, To: StatusCancelled, Reason: reason}, actor)
	if err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, o, []*Event{event}); err != nil {
		return nil, err
	}

	s.logger.Info("order cancelled",
		zap.String("order_id", o.ID),
		zap.String("actor_id", actor.ID),
		zap.String("reason", reason))
	return o, nil
}

// Get loads an order.
func (s *Service) Get(ctx context.Context, orderID string) (*MedicationOrder, error) {
	return s.store.Get(ctx, orderID)
}

func (s *Service) event(o *MedicationOrder, t EventType, data interface{}, actor Actor) (*Event, error) {
	event, err := NewEvent(s.ids.NewID(), o.ID, t, data, s.clock.Now())
	if err != nil {
		return nil, err
	}
	event.ActorID = actor.ID
	event.PatientID = o.PatientID
	return event, nil
}
