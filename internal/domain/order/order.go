// Package order implements the medication order aggregate and its
// lifecycle: prescriber creation through safety gating, electronic
// transmission, pharmacist approval and terminal states.
package order

import (
	"time"

	"github.com/clinicore/medorder/internal/domain/meds"
	"github.com/clinicore/medorder/internal/domain/safety"
)

// AuditNote is one entry of the order's append-only audit trail.
type AuditNote struct {
	ActorID string    `json:"actor_id"`
	Action  string    `json:"action"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// CounselingPoint is one patient counseling item pre-populated at
// order creation from the drug-class rule table.
type CounselingPoint struct {
	Topic string `json:"topic"`
	Text  string `json:"text"`
}

// MedicationOrder is one prescription. It is mutated only through the
// lifecycle service; Version backs the optimistic concurrency check.
type MedicationOrder struct {
	ID      string `json:"id"`
	Version int    `json:"version"`

	PatientID    string `json:"patient_id"`
	PrescriberID string `json:"prescriber_id"`

	Medication meds.MedicationDetails   `json:"medication"`
	Dosing     meds.DosingInstructions  `json:"dosing"`
	Indication string                   `json:"indication"`

	DurationDays       int     `json:"duration_days"`
	Refills            int     `json:"refills"`
	DispenseAsWritten  bool    `json:"dispense_as_written"`
	PriorAuthRequired  bool    `json:"prior_auth_required"`
	QuantityPrescribed float64 `json:"quantity_prescribed"`

	Status   Status `json:"status"`
	HeldFrom Status `json:"held_from,omitempty"`

	Safety     *safety.SafetyCheckResult `json:"safety"`
	Counseling []CounselingPoint         `json:"counseling,omitempty"`
	Review     *PharmacistReview         `json:"review,omitempty"`

	Prescription         *ElectronicPrescription `json:"prescription,omitempty"`
	TransmissionAttempts int                     `json:"transmission_attempts"`

	// LedgerOpened guards the exactly-one ledger row created before a
	// controlled order leaves Draft.
	LedgerOpened bool `json:"ledger_opened"`

	AuditTrail []AuditNote `json:"audit_trail,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// transition moves the order to a new status. Callers must have
// checked legality via CanTransition.
func (o *MedicationOrder) transition(to Status, now time.Time) {
	o.Status = to
	o.UpdatedAt = now
}

// appendAudit records an actor action on the trail.
func (o *MedicationOrder) appendAudit(actorID, action, detail string, at time.Time) {
	o.AuditTrail = append(o.AuditTrail, AuditNote{
		ActorID: actorID,
		Action:  action,
		Detail:  detail,
		At:      at,
	})
}

// recomputeQuantity derives the prescribed quantity from dosing and
// duration. Re-run whenever either changes.
func (o *MedicationOrder) recomputeQuantity() {
	times := o.Dosing.TimesPerDay
	if times <= 0 {
		times = 1
	}
	days := o.DurationDays
	if days <= 0 {
		days = 1
	}
	o.QuantityPrescribed = float64(times * days)
}

// Administrable reports whether doses may be given against this order.
func (o *MedicationOrder) Administrable() bool {
	return o.Status == StatusActive
}
