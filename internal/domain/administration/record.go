package administration

import "time"

// Status is the terminal outcome of a dose event. Records are
// immutable once the status is set, except for adverse-reaction
// monitoring fields.
type Status string

const (
	StatusGiven        Status = "given"
	StatusHeld         Status = "held"
	StatusRefused      Status = "refused"
	StatusOmitted      Status = "omitted"
	StatusNotAvailable Status = "not_available"
)

// RequiresReason reports whether the status must carry a reason.
// Everything except Given describes a dose that was not administered.
func (s Status) RequiresReason() bool { return s != StatusGiven }

// VerificationMethod is how the five rights were checked.
type VerificationMethod string

const (
	MethodBarcode VerificationMethod = "barcode"
	MethodManual  VerificationMethod = "manual"
)

// FiveRightsVerification is the nursing checklist outcome for one
// scheduled dose. A verification is single-use: documenting an
// administration consumes it.
type FiveRightsVerification struct {
	ID      string `json:"id"`
	OrderID string `json:"order_id"`
	NurseID string `json:"nurse_id"`

	RightPatient    bool `json:"right_patient"`
	RightMedication bool `json:"right_medication"`
	RightDose       bool `json:"right_dose"`
	RightRoute      bool `json:"right_route"`
	RightTime       bool `json:"right_time"`

	Method      VerificationMethod `json:"method"`
	ScheduledAt time.Time          `json:"scheduled_at"`
	VerifiedAt  time.Time          `json:"verified_at"`

	consumed bool
}

// AllVerified reports whether every right passed.
func (v *FiveRightsVerification) AllVerified() bool {
	return v.RightPatient && v.RightMedication && v.RightDose && v.RightRoute && v.RightTime
}

// FailedRights lists the rights that did not pass.
func (v *FiveRightsVerification) FailedRights() []string {
	var failed []string
	if !v.RightPatient {
		failed = append(failed, "patient")
	}
	if !v.RightMedication {
		failed = append(failed, "medication")
	}
	if !v.RightDose {
		failed = append(failed, "dose")
	}
	if !v.RightRoute {
		failed = append(failed, "route")
	}
	if !v.RightTime {
		failed = append(failed, "time")
	}
	return failed
}

// Assessment is a pre- or post-administration nursing assessment.
type Assessment struct {
	Notes      string    `json:"notes"`
	PainScore  int       `json:"pain_score,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ReactionSeverity grades an adverse reaction.
type ReactionSeverity string

const (
	ReactionMild            ReactionSeverity = "mild"
	ReactionModerate        ReactionSeverity = "moderate"
	ReactionSevere          ReactionSeverity = "severe"
	ReactionLifeThreatening ReactionSeverity = "life_threatening"
)

// NotifiesPhysician reports whether the severity triggers immediate
// physician notification.
func (s ReactionSeverity) NotifiesPhysician() bool {
	return s == ReactionSevere || s == ReactionLifeThreatening
}

// AdverseReaction documents a patient reaction to an administered
// dose.
type AdverseReaction struct {
	ID                string           `json:"id"`
	Description       string           `json:"description"`
	Severity          ReactionSeverity `json:"severity"`
	OnsetAt           time.Time        `json:"onset_at"`
	InterventionTaken string           `json:"intervention_taken,omitempty"`
}

// Record is one actual or attempted dose event.
type Record struct {
	ID        string `json:"id"`
	OrderID   string `json:"order_id"`
	PatientID string `json:"patient_id"`
	NurseID   string `json:"nurse_id"`

	ScheduledAt    time.Time  `json:"scheduled_at"`
	AdministeredAt *time.Time `json:"administered_at,omitempty"`

	DoseGiven float64 `json:"dose_given,omitempty"`
	DoseUnit  string  `json:"dose_unit,omitempty"`
	Route     string  `json:"route,omitempty"`

	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`

	VerificationID  string `json:"verification_id,omitempty"`
	WitnessRequired bool   `json:"witness_required"`
	WitnessID       string `json:"witness_id,omitempty"`

	PreAssessment  *Assessment `json:"pre_assessment,omitempty"`
	PostAssessment *Assessment `json:"post_assessment,omitempty"`

	Reaction         *AdverseReaction `json:"reaction,omitempty"`
	FollowUpRequired bool             `json:"follow_up_required"`

	CreatedAt time.Time `json:"created_at"`
}
