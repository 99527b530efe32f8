package safety

import (
	"errors"
	"time"
)

// CheckType identifies the sub-check that produced a warning.
type CheckType string

const (
	CheckAllergy          CheckType = "allergy"
	CheckInteraction      CheckType = "interaction"
	CheckContraindication CheckType = "contraindication"
	CheckDuplicateTherapy CheckType = "duplicate_therapy"
	CheckDosing           CheckType = "dosing"
	CheckRenalHepatic     CheckType = "renal_hepatic"
	CheckPregnancy        CheckType = "pregnancy"
)

// Override records the authorized acknowledgement of a warning.
type Override struct {
	Reason     string    `json:"reason"`
	ApprovedBy string    `json:"approved_by"`
	ApprovedAt time.Time `json:"approved_at"`
}

// NewOverride builds an override, enforcing the four-eyes rule: the
// approver must not be the ordering prescriber.
func NewOverride(reason, approvedBy, prescriberID string, at time.Time) (*Override, error) {
	if reason == "" {
		return nil, errors.New("override reason is required")
	}
	if approvedBy == "" {
		return nil, errors.New("override approver is required")
	}
	if approvedBy == prescriberID {
		return nil, errors.New("override approver must differ from the prescriber")
	}
	return &Override{Reason: reason, ApprovedBy: approvedBy, ApprovedAt: at}, nil
}

// Warning is one structured safety finding. Findings are never raised
// as errors; the caller decides what to do with them.
type Warning struct {
	Check             CheckType `json:"check"`
	Code              string    `json:"code"`
	Severity          Severity  `json:"severity"`
	Message           string    `json:"message"`
	RecommendedAction string    `json:"recommended_action"`
	Override          *Override `json:"override,omitempty"`
}

// SafetyCheckResult is the immutable snapshot computed at order
// creation and on every modification.
type SafetyCheckResult struct {
	Warnings    []Warning `json:"warnings"`
	OverallRisk RiskLevel `json:"overall_risk"`
	CheckedAt   time.Time `json:"checked_at"`
}

// UnresolvedCritical returns the Critical warnings that have no
// recorded override. A non-empty result blocks order creation and
// activation.
func (r *SafetyCheckResult) UnresolvedCritical() []Warning {
	var blocked []Warning
	for _, w := range r.Warnings {
		if w.Severity == SeverityCritical && w.Override == nil {
			blocked = append(blocked, w)
		}
	}
	return blocked
}

// ApplyOverride attaches an override to the warning identified by
// check and code. Returns false if no such warning exists.
func (r *SafetyCheckResult) ApplyOverride(check CheckType, code string, ov *Override) bool {
	for i := range r.Warnings {
		if r.Warnings[i].Check == check && r.Warnings[i].Code == code {
			r.Warnings[i].Override = ov
			return true
		}
	}
	return false
}

// aggregate derives the overall risk from the warning set: any
// Critical warning makes the order Critical; High findings (allergy
// cross-reactivity, major interactions, hard contraindications) make
// it High; Medium findings (moderate interactions and the like) make
// it Medium; otherwise Low.
func aggregate(warnings []Warning) RiskLevel {
	risk := RiskLow
	for _, w := range warnings {
		switch {
		case w.Severity == SeverityCritical:
			return RiskCritical
		case w.Severity == SeverityHigh && risk < RiskHigh:
			risk = RiskHigh
		case w.Severity == SeverityMedium && risk < RiskMedium:
			risk = RiskMedium
		}
	}
	return risk
}
