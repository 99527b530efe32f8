// Package safety implements the medication safety check engine: a
// pure function set turning (patient profile, candidate medication,
// dosing) into a structured, reproducible risk report.
package safety

import (
	"context"
	"errors"
	"fmt"

	"github.com/clinicore/medorder/internal/domain/meds"
	"github.com/clinicore/medorder/pkg/identity"
)

// ErrMissingMedication is the only error the engine itself raises.
var ErrMissingMedication = errors.New("safety check: medication name is required")

// Engine runs the safety sub-checks against the drug knowledge port.
// It holds no mutable state and is safe for concurrent use.
type Engine struct {
	kb    KnowledgePort
	clock identity.Clock
}

// NewEngine creates a safety check engine.
func NewEngine(kb KnowledgePort, clock identity.Clock) *Engine {
	if clock == nil {
		clock = identity.SystemClock{}
	}
	return &Engine{kb: kb, clock: clock}
}

// Check runs every sub-check and aggregates the findings. Sub-checks
// are independent and order-insensitive; for fixed inputs and a fixed
// knowledge base the result is identical on every invocation. A
// knowledge-port failure is recorded as a Medium "check not performed"
// warning, never as reduced risk.
func (e *Engine) Check(ctx context.Context, profile meds.PatientProfile, medication meds.MedicationDetails, dosing meds.DosingInstructions) (*SafetyCheckResult, error) {
	if medication.Name == "" {
		return nil, ErrMissingMedication
	}

	var warnings []Warning
	warnings = append(warnings, e.checkAllergies(ctx, profile, medication)...)
	warnings = append(warnings, e.checkInteractions(ctx, profile, medication)...)
	warnings = append(warnings, e.checkContraindications(ctx, profile, medication)...)
	warnings = append(warnings, e.checkDuplicateTherapy(profile, medication)...)

	norm, normWarning := e.lookupNorms(ctx, profile, medication)
	if normWarning != nil {
		warnings = append(warnings, *normWarning)
	}
	warnings = append(warnings, checkDosing(medication, dosing, norm)...)
	warnings = append(warnings, checkRenalHepatic(profile, medication, norm)...)
	warnings = append(warnings, checkPregnancy(profile, medication, norm)...)

	return &SafetyCheckResult{
		Warnings:    warnings,
		OverallRisk: aggregate(warnings),
		CheckedAt:   e.clock.Now(),
	}, nil
}

// notPerformed records an unavailable sub-check. The outage must not
// look like "no risk found".
func notPerformed(check CheckType, err error) Warning {
	return Warning{
		Check:             check,
		Code:              string(check) + ".not_performed",
		Severity:          SeverityMedium,
		Message:           fmt.Sprintf("%s check not performed: %v", check, err),
		RecommendedAction: "Repeat the safety check once the drug knowledge base is reachable.",
	}
}

func (e *Engine) checkAllergies(ctx context.Context, profile meds.PatientProfile, medication meds.MedicationDetails) []Warning {
	var warnings []Warning
	for _, allergy := range profile.Allergies {
		if meds.SameDrug(allergy.Allergen, medication.Name) {
			warnings = append(warnings, Warning{
				Check:             CheckAllergy,
				Code:              "allergy.direct_match",
				Severity:          SeverityCritical,
				Message:           fmt.Sprintf("patient has a documented allergy to %s", allergy.Allergen),
				RecommendedAction: "Select an alternative agent or obtain an authorized override.",
			})
			continue
		}

		risk, err := e.kb.LookupAllergyCrossReactivity(ctx, allergy.Allergen, medication.Name)
		if err != nil {
			warnings = append(warnings, notPerformed(CheckAllergy, err))
			continue
		}
		if sev := risk.Severity(); sev > SeverityNone {
			warnings = append(warnings, Warning{
				Check:             CheckAllergy,
				Code:              "allergy.cross_reactivity",
				Severity:          sev,
				Message:           fmt.Sprintf("%s cross-reactivity between documented allergen %s and %s", risk, allergy.Allergen, medication.Name),
				RecommendedAction: "Review the allergy history; consider an agent outside the cross-reacting class.",
			})
		}
	}
	return warnings
}

func (e *Engine) checkInteractions(ctx context.Context, profile meds.PatientProfile, medication meds.MedicationDetails) []Warning {
	var warnings []Warning
	for _, active := range profile.ActiveMedications {
		interaction, err := e.kb.LookupInteraction(ctx, medication.Name, active.Name)
		if err != nil {
			warnings = append(warnings, notPerformed(CheckInteraction, err))
			continue
		}
		if interaction == nil {
			continue
		}
		if sev := interaction.Level.Severity(); sev > SeverityNone {
			action := interaction.Management
			if action == "" {
				action = "Review the interacting pair; adjust therapy or monitor."
			}
			warnings = append(warnings, Warning{
				Check:             CheckInteraction,
				Code:              "interaction." + string(interaction.Level),
				Severity:          sev,
				Message:           fmt.Sprintf("%s interaction between %s and %s: %s", interaction.Level, medication.Name, active.Name, interaction.Description),
				RecommendedAction: action,
			})
		}
	}
	return warnings
}

func (e *Engine) checkContraindications(ctx context.Context, profile meds.PatientProfile, medication meds.MedicationDetails) []Warning {
	contras, err := e.kb.LookupContraindications(ctx, medication.Name, profile)
	if err != nil {
		return []Warning{notPerformed(CheckContraindication, err)}
	}

	var warnings []Warning
	for _, c := range contras {
		sev := SeverityMedium
		code := "contraindication.relative"
		if c.Absolute {
			sev = SeverityHigh
			code = "contraindication.absolute"
		}
		warnings = append(warnings, Warning{
			Check:             CheckContraindication,
			Code:              code,
			Severity:          sev,
			Message:           fmt.Sprintf("%s is contraindicated with %s: %s", medication.Name, c.Condition, c.Detail),
			RecommendedAction: "Confirm the condition is current and document the rationale if proceeding.",
		})
	}
	return warnings
}

func (e *Engine) checkDuplicateTherapy(profile meds.PatientProfile, medication meds.MedicationDetails) []Warning {
	var warnings []Warning
	for _, active := range profile.ActiveMedications {
		if meds.SameDrug(active.Name, medication.Name) {
			warnings = append(warnings, Warning{
				Check:             CheckDuplicateTherapy,
				Code:              "duplicate.same_drug",
				Severity:          SeverityHigh,
				Message:           fmt.Sprintf("%s is already on the active medication list", medication.Name),
				RecommendedAction: "Discontinue the existing order before creating a new one.",
			})
			continue
		}
		if medication.DrugClass != "" && active.DrugClass == medication.DrugClass {
			warnings = append(warnings, Warning{
				Check:             CheckDuplicateTherapy,
				Code:              "duplicate.same_class",
				Severity:          SeverityMedium,
				Message:           fmt.Sprintf("%s duplicates drug class %s already covered by %s", medication.Name, medication.DrugClass, active.Name),
				RecommendedAction: "Confirm intentional dual therapy within the class.",
			})
		}
	}
	return warnings
}

// lookupNorms fetches dosing norms once; the dosing, renal/hepatic and
// pregnancy checks all run off the same lookup.
func (e *Engine) lookupNorms(ctx context.Context, profile meds.PatientProfile, medication meds.MedicationDetails) (*DosingNorm, *Warning) {
	norm, err := e.kb.LookupDosingNorms(ctx, medication.Name, profile)
	if err != nil {
		w := notPerformed(CheckDosing, err)
		return nil, &w
	}
	return norm, nil
}

func checkDosing(medication meds.MedicationDetails, dosing meds.DosingInstructions, norm *DosingNorm) []Warning {
	var warnings []Warning

	if dosing.MaxDailyDose > 0 && dosing.DailyDose() > dosing.MaxDailyDose {
		warnings = append(warnings, Warning{
			Check:             CheckDosing,
			Code:              "dosing.exceeds_ordered_max",
			Severity:          SeverityHigh,
			Message:           fmt.Sprintf("scheduled daily dose %.2f exceeds the ordered maximum %.2f", dosing.DailyDose(), dosing.MaxDailyDose),
			RecommendedAction: "Reduce the per-dose amount or frequency.",
		})
	}

	if norm == nil {
		return warnings
	}
	if norm.MaxDose > 0 && dosing.Dose > norm.MaxDose {
		warnings = append(warnings, Warning{
			Check:             CheckDosing,
			Code:              "dosing.exceeds_norm",
			Severity:          SeverityHigh,
			Message:           fmt.Sprintf("dose %.2f %s exceeds the published maximum %.2f %s for %s", dosing.Dose, dosing.DoseUnit, norm.MaxDose, norm.DoseUnit, medication.Name),
			RecommendedAction: "Verify the intended dose against current dosing references.",
		})
	}
	if norm.MaxDailyDose > 0 && dosing.DailyDose() > norm.MaxDailyDose {
		warnings = append(warnings, Warning{
			Check:             CheckDosing,
			Code:              "dosing.daily_exceeds_norm",
			Severity:          SeverityHigh,
			Message:           fmt.Sprintf("daily dose %.2f exceeds the published daily maximum %.2f for %s", dosing.DailyDose(), norm.MaxDailyDose, medication.Name),
			RecommendedAction: "Verify the frequency; the cumulative daily exposure is above the reference limit.",
		})
	}
	if norm.MinDose > 0 && dosing.Dose < norm.MinDose {
		warnings = append(warnings, Warning{
			Check:             CheckDosing,
			Code:              "dosing.below_norm",
			Severity:          SeverityLow,
			Message:           fmt.Sprintf("dose %.2f %s is below the usual minimum %.2f %s", dosing.Dose, dosing.DoseUnit, norm.MinDose, norm.DoseUnit),
			RecommendedAction: "Confirm a sub-therapeutic dose is intended.",
		})
	}
	return warnings
}

func checkRenalHepatic(profile meds.PatientProfile, medication meds.MedicationDetails, norm *DosingNorm) []Warning {
	if norm == nil {
		return nil
	}
	var warnings []Warning
	if norm.RenalAdjustment && profile.RenalImpairment {
		warnings = append(warnings, Warning{
			Check:             CheckRenalHepatic,
			Code:              "renal.adjustment_required",
			Severity:          SeverityHigh,
			Message:           fmt.Sprintf("%s requires renal dose adjustment and the patient has documented renal impairment", medication.Name),
			RecommendedAction: "Adjust the dose for renal function before activation.",
		})
	}
	if norm.HepaticAdjustment && profile.HepaticImpairment {
		warnings = append(warnings, Warning{
			Check:             CheckRenalHepatic,
			Code:              "hepatic.adjustment_required",
			Severity:          SeverityHigh,
			Message:           fmt.Sprintf("%s requires hepatic dose adjustment and the patient has documented hepatic impairment", medication.Name),
			RecommendedAction: "Adjust the dose for hepatic function before activation.",
		})
	}
	return warnings
}

func checkPregnancy(profile meds.PatientProfile, medication meds.MedicationDetails, norm *DosingNorm) []Warning {
	if norm == nil || !profile.Pregnant {
		return nil
	}
	switch norm.PregnancyCategory {
	case "X":
		return []Warning{{
			Check:             CheckPregnancy,
			Code:              "pregnancy.category_x",
			Severity:          SeverityCritical,
			Message:           fmt.Sprintf("%s is pregnancy category X and the patient is pregnant", medication.Name),
			RecommendedAction: "Do not administer; select a non-teratogenic alternative.",
		}}
	case "D":
		return []Warning{{
			Check:             CheckPregnancy,
			Code:              "pregnancy.category_d",
			Severity:          SeverityHigh,
			Message:           fmt.Sprintf("%s is pregnancy category D and the patient is pregnant", medication.Name),
			RecommendedAction: "Weigh fetal risk against maternal benefit and document the decision.",
		}}
	}
	return nil
}
