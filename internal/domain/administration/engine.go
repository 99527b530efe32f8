// Package administration implements the per-dose administration
// engine: five-rights verification, dose documentation and
// adverse-reaction monitoring.
package administration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/clinicore/medorder/internal/domain/meds"
	"github.com/clinicore/medorder/internal/domain/order"
	"github.com/clinicore/medorder/pkg/identity"
)

// ErrDoseAlreadyDocumented is returned by stores when a Given record
// already exists for the same order and scheduled time. The scheduled
// dose is the exclusivity unit: one dose, one Given record, regardless
// of how many verifications were minted for it.
var ErrDoseAlreadyDocumented = errors.New("dose already documented for this scheduled time")

// FiveRightsError is raised when verification fails. Callers must not
// proceed to administration; the failed verification is attached for
// rendering.
type FiveRightsError struct {
	Verification *FiveRightsVerification
}

func (e *FiveRightsError) Error() string {
	return fmt.Sprintf("five rights verification failed: %s", strings.Join(e.Verification.FailedRights(), ", "))
}

// RecordStore persists administration records. SaveGiven must write
// the record and the controlled-substance ledger decrement in one
// transactional unit, idempotent on the record id, so a crash between
// the two cannot silently lose the quantity decrement. Both SaveGiven
// and Save must reject a second Given record for the same order and
// scheduled time with ErrDoseAlreadyDocumented.
type RecordStore interface {
	SaveGiven(ctx context.Context, rec *Record, quantity float64) error
	Save(ctx context.Context, rec *Record) error
	Update(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	ListByOrder(ctx context.Context, orderID string) ([]*Record, error)
}

// PhysicianNotifier delivers adverse-reaction alerts. Fire-and-forget
// from the engine's perspective; the transport behind it guarantees
// at-least-once delivery.
type PhysicianNotifier interface {
	NotifyPhysician(ctx context.Context, patientID string, reaction AdverseReaction) error
}

// Config holds administration settings.
type Config struct {
	// Window is the administration window around the scheduled time;
	// the right-time check fails outside it.
	Window time.Duration
}

// DefaultConfig returns the standard one-hour administration window.
func DefaultConfig() Config {
	return Config{Window: time.Hour}
}

// Engine runs the per-dose workflow.
type Engine struct {
	store    RecordStore
	notifier PhysicianNotifier
	config   Config
	clock    identity.Clock
	ids      identity.IDGenerator
	logger   *zap.Logger
}

// NewEngine creates an administration engine.
func NewEngine(store RecordStore, notifier PhysicianNotifier, cfg Config, clock identity.Clock, ids identity.IDGenerator, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = identity.SystemClock{}
	}
	if ids == nil {
		ids = identity.UUIDGenerator{}
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	return &Engine{store: store, notifier: notifier, config: cfg, clock: clock, ids: ids, logger: logger}
}

// VerificationRequest carries what the nurse scanned or entered for
// one scheduled dose.
type VerificationRequest struct {
	PatientID      string
	NurseID        string
	MedicationName string
	Dose           float64
	Route          string
	ScheduledAt    time.Time
	Method         VerificationMethod
}

// VerifyFiveRights checks the request against the order. It returns
// *FiveRightsError when any right fails; a window violation alone is
// enough to block administration.
func (e *Engine) VerifyFiveRights(ctx context.Context, o *order.MedicationOrder, req VerificationRequest) (*FiveRightsVerification, error) {
	if o == nil {
		return nil, &order.ValidationError{Field: "order", Rule: "required", Message: "an order is required for verification"}
	}
	if !o.Administrable() {
		return nil, &order.ValidationError{Field: "order.status", Rule: "active_only", Message: "doses may only be administered against active orders"}
	}
	if req.NurseID == "" {
		return nil, &order.ValidationError{Field: "nurse_id", Rule: "required", Message: "nurse id is required"}
	}

	now := e.clock.Now()
	delta := now.Sub(req.ScheduledAt)
	if delta < 0 {
		delta = -delta
	}

	v := &FiveRightsVerification{
		ID:              e.ids.NewID(),
		OrderID:         o.ID,
		NurseID:         req.NurseID,
		RightPatient:    req.PatientID == o.PatientID,
		RightMedication: meds.SameDrug(req.MedicationName, o.Medication.Name),
		RightDose:       req.Dose == o.Dosing.Dose,
		RightRoute:      strings.EqualFold(req.Route, o.Dosing.Route),
		RightTime:       delta <= e.config.Window,
		Method:          req.Method,
		ScheduledAt:     req.ScheduledAt,
		VerifiedAt:      now,
	}

	if !v.AllVerified() {
		e.logger.Warn("five rights verification failed",
			zap.String("order_id", o.ID),
			zap.String("nurse_id", req.NurseID),
			zap.Strings("failed", v.FailedRights()))
		return nil, &FiveRightsError{Verification: v}
	}
	return v, nil
}

// DocumentInput carries the details of an administered dose.
type DocumentInput struct {
	DoseGiven      float64
	DoseUnit       string
	Route          string
	WitnessID      string
	PreAssessment  *Assessment
	PostAssessment *Assessment
}

// DocumentAdministration writes a Given record for a verified dose.
// The verification must belong to the same order, have fully passed,
// and is consumed by this call: a second documentation attempt against
// the same verification is rejected, and the store rejects a second
// Given record for the same scheduled dose even when it arrives with a
// fresh verification. For controlled substances the record requires a
// witness and the ledger decrement is written atomically with the
// record.
func (e *Engine) DocumentAdministration(ctx context.Context, o *order.MedicationOrder, v *FiveRightsVerification, in DocumentInput) (*Record, error) {
	if v == nil || !v.AllVerified() {
		return nil, &order.ValidationError{Field: "verification", Rule: "required", Message: "a successful five rights verification is required before documenting"}
	}
	if v.OrderID != o.ID {
		return nil, &order.ValidationError{Field: "verification", Rule: "order_mismatch", Message: "verification belongs to a different order"}
	}
	if v.consumed {
		return nil, &order.ValidationError{Field: "verification", Rule: "consumed", Message: "verification has already been used to document a dose"}
	}
	if !o.Administrable() {
		return nil, &order.ValidationError{Field: "order.status", Rule: "active_only", Message: "doses may only be administered against active orders"}
	}
	if in.DoseGiven <= 0 {
		return nil, &order.ValidationError{Field: "dose_given", Rule: "positive", Message: "administered dose must be greater than zero"}
	}

	witnessRequired := o.Medication.IsControlled
	if witnessRequired && in.WitnessID == "" {
		return nil, &order.ValidationError{Field: "witness_id", Rule: "required", Message: "controlled substance administration requires a witness"}
	}
	if witnessRequired && in.WitnessID == v.NurseID {
		return nil, &order.ValidationError{Field: "witness_id", Rule: "distinct", Message: "the witness must differ from the administering nurse"}
	}

	now := e.clock.Now()
	rec := &Record{
		ID:              e.ids.NewID(),
		OrderID:         o.ID,
		PatientID:       o.PatientID,
		NurseID:         v.NurseID,
		ScheduledAt:     v.ScheduledAt,
		AdministeredAt:  &now,
		DoseGiven:       in.DoseGiven,
		DoseUnit:        in.DoseUnit,
		Route:           in.Route,
		Status:          StatusGiven,
		VerificationID:  v.ID,
		WitnessRequired: witnessRequired,
		WitnessID:       in.WitnessID,
		PreAssessment:   in.PreAssessment,
		PostAssessment:  in.PostAssessment,
		CreatedAt:       now,
	}

	if o.Medication.IsControlled {
		if err := e.store.SaveGiven(ctx, rec, in.DoseGiven); err != nil {
			return nil, err
		}
	} else {
		if err := e.store.Save(ctx, rec); err != nil {
			return nil, err
		}
	}
	v.consumed = true

	e.logger.Info("dose administered",
		zap.String("order_id", o.ID),
		zap.String("record_id", rec.ID),
		zap.String("nurse_id", v.NurseID),
		zap.Bool("witnessed", rec.WitnessID != ""))
	return rec, nil
}

// NonAdministrationInput documents a dose that was not given.
type NonAdministrationInput struct {
	NurseID     string
	ScheduledAt time.Time
	Status      Status
	Reason      string
}

// RecordNonAdministration writes a Held, Refused, Omitted or
// NotAvailable record. A reason is mandatory; five rights verification
// is bypassed since nothing was administered.
func (e *Engine) RecordNonAdministration(ctx context.Context, o *order.MedicationOrder, in NonAdministrationInput) (*Record, error) {
	if in.Status == StatusGiven || !in.Status.RequiresReason() {
		return nil, &order.ValidationError{Field: "status", Rule: "non_administration", Message: "use DocumentAdministration to record a given dose"}
	}
	switch in.Status {
	case StatusHeld, StatusRefused, StatusOmitted, StatusNotAvailable:
	default:
		return nil, &order.ValidationError{Field: "status", Rule: "known", Message: "unknown administration status"}
	}
	if in.Reason == "" {
		return nil, &order.ValidationError{Field: "reason", Rule: "required", Message: "a reason is required when a dose is not given"}
	}
	if in.NurseID == "" {
		return nil, &order.ValidationError{Field: "nurse_id", Rule: "required", Message: "nurse id is required"}
	}

	now := e.clock.Now()
	rec := &Record{
		ID:          e.ids.NewID(),
		OrderID:     o.ID,
		PatientID:   o.PatientID,
		NurseID:     in.NurseID,
		ScheduledAt: in.ScheduledAt,
		Status:      in.Status,
		Reason:      in.Reason,
		CreatedAt:   now,
	}
	if err := e.store.Save(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// MonitorAdverseReaction attaches a reaction to an administration
// record, flags follow-up, and notifies the physician for Severe and
// Life-threatening severities. Notification failures are logged, not
// returned; the transport re-delivers.
func (e *Engine) MonitorAdverseReaction(ctx context.Context, rec *Record, reaction AdverseReaction) error {
	if rec == nil {
		return &order.ValidationError{Field: "record", Rule: "required", Message: "an administration record is required"}
	}
	if rec.Status != StatusGiven {
		return &order.ValidationError{Field: "record.status", Rule: "given_only", Message: "adverse reactions attach to administered doses"}
	}
	if reaction.Description == "" {
		return &order.ValidationError{Field: "reaction.description", Rule: "required", Message: "a reaction description is required"}
	}

	if reaction.ID == "" {
		reaction.ID = e.ids.NewID()
	}
	rec.Reaction = &reaction
	rec.FollowUpRequired = true

	if err := e.store.Update(ctx, rec); err != nil {
		return err
	}

	if reaction.Severity.NotifiesPhysician() {
		if err := e.notifier.NotifyPhysician(ctx, rec.PatientID, reaction); err != nil {
			e.logger.Error("physician notification dispatch failed",
				zap.String("record_id", rec.ID),
				zap.String("severity", string(reaction.Severity)),
				zap.Error(err))
		}
	}
	return nil
}
