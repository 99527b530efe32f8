package safety

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/clinicore/medorder/internal/domain/meds"
	"github.com/clinicore/medorder/pkg/identity"
)

// fakeKB is a scriptable in-memory knowledge base.
type fakeKB struct {
	interactions    map[string]*Interaction
	crossReactivity map[string]CrossReactivityRisk
	contras         []Contraindication
	norm            *DosingNorm
	err             error
}

func (f *fakeKB) LookupInteraction(_ context.Context, drugA, drugB string) (*Interaction, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.interactions[drugA+"|"+drugB], nil
}

func (f *fakeKB) LookupAllergyCrossReactivity(_ context.Context, allergen, drug string) (CrossReactivityRisk, error) {
	if f.err != nil {
		return CrossReactivityNone, f.err
	}
	if risk, ok := f.crossReactivity[allergen+"|"+drug]; ok {
		return risk, nil
	}
	return CrossReactivityNone, nil
}

func (f *fakeKB) LookupContraindications(_ context.Context, _ string, _ meds.PatientProfile) ([]Contraindication, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.contras, nil
}

func (f *fakeKB) LookupDosingNorms(_ context.Context, _ string, _ meds.PatientProfile) (*DosingNorm, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.norm, nil
}

var testClock = identity.FixedClock{T: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

func warfarin() meds.MedicationDetails {
	return meds.MedicationDetails{Name: "warfarin", DrugClass: "anticoagulant", Strength: "5 mg", Form: "tablet"}
}

func qdDosing(dose float64) meds.DosingInstructions {
	return meds.DosingInstructions{Dose: dose, DoseUnit: "mg", Route: "oral", Frequency: "daily", TimesPerDay: 1}
}

func TestCheckRequiresMedicationName(t *testing.T) {
	engine := NewEngine(&fakeKB{}, testClock)
	_, err := engine.Check(context.Background(), meds.PatientProfile{}, meds.MedicationDetails{}, qdDosing(5))
	if !errors.Is(err, ErrMissingMedication) {
		t.Fatalf("expected ErrMissingMedication, got %v", err)
	}
}

func TestCheckIsDeterministic(t *testing.T) {
	kb := &fakeKB{
		interactions: map[string]*Interaction{
			"warfarin|aspirin": {DrugA: "warfarin", DrugB: "aspirin", Level: InteractionMajor, Description: "bleeding risk"},
		},
		contras: []Contraindication{{Condition: "pregnancy", Absolute: false, Detail: "crosses placenta"}},
	}
	engine := NewEngine(kb, testClock)

	profile := meds.PatientProfile{
		PatientID:         "p-1",
		AgeYears:          70,
		ActiveMedications: []meds.ListEntry{{Name: "aspirin", DrugClass: "antiplatelet"}},
	}

	first, err := engine.Check(context.Background(), profile, warfarin(), qdDosing(5))
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	second, err := engine.Check(context.Background(), profile, warfarin(), qdDosing(5))
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("expected identical results for identical inputs:\n%+v\n%+v", first, second)
	}
}

func TestDirectAllergyMatchIsCritical(t *testing.T) {
	engine := NewEngine(&fakeKB{}, testClock)
	profile := meds.PatientProfile{
		Allergies: []meds.Allergy{{Allergen: "Warfarin Sodium", Reaction: "rash"}},
	}

	result, err := engine.Check(context.Background(), profile, warfarin(), qdDosing(5))
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if result.OverallRisk != RiskCritical {
		t.Errorf("expected critical risk, got %s", result.OverallRisk)
	}
	blocked := result.UnresolvedCritical()
	if len(blocked) != 1 {
		t.Fatalf("expected 1 unresolved critical warning, got %d", len(blocked))
	}
	if blocked[0].Code != "allergy.direct_match" {
		t.Errorf("unexpected code %s", blocked[0].Code)
	}
}

func TestHighCrossReactivityBlocksLikeDirectMatch(t *testing.T) {
	kb := &fakeKB{
		crossReactivity: map[string]CrossReactivityRisk{
			"penicillin|cephalexin": CrossReactivityHigh,
		},
	}
	engine := NewEngine(kb, testClock)
	profile := meds.PatientProfile{Allergies: []meds.Allergy{{Allergen: "penicillin"}}}
	med := meds.MedicationDetails{Name: "cephalexin", DrugClass: "cephalosporin"}

	result, err := engine.Check(context.Background(), profile, med, qdDosing(500))
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if len(result.UnresolvedCritical()) != 1 {
		t.Fatalf("expected high cross-reactivity to block, warnings: %+v", result.Warnings)
	}
}

func TestKnowledgeOutageRecordsNotPerformed(t *testing.T) {
	kb := &fakeKB{err: errors.New("connection refused")}
	engine := NewEngine(kb, testClock)
	profile := meds.PatientProfile{
		Allergies:         []meds.Allergy{{Allergen: "penicillin"}},
		ActiveMedications: []meds.ListEntry{{Name: "aspirin"}},
	}

	result, err := engine.Check(context.Background(), profile, warfarin(), qdDosing(5))
	if err != nil {
		t.Fatalf("an outage must not fail the check: %v", err)
	}

	notPerformed := 0
	for _, w := range result.Warnings {
		if w.Severity != SeverityMedium {
			t.Errorf("not-performed warning must be medium, got %s for %s", w.Severity, w.Code)
		}
		notPerformed++
	}
	// allergy cross-reactivity, interaction, contraindication, dosing norms
	if notPerformed != 4 {
		t.Errorf("expected 4 not-performed warnings, got %d: %+v", notPerformed, result.Warnings)
	}
	if result.OverallRisk != RiskMedium {
		t.Errorf("outage must surface as medium risk, got %s", result.OverallRisk)
	}
}

func TestDuplicateTherapy(t *testing.T) {
	engine := NewEngine(&fakeKB{}, testClock)
	profile := meds.PatientProfile{
		ActiveMedications: []meds.ListEntry{
			{Name: "warfarin hcl"},
			{Name: "apixaban", DrugClass: "anticoagulant"},
		},
	}

	result, err := engine.Check(context.Background(), profile, warfarin(), qdDosing(5))
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}

	var sameDrug, sameClass bool
	for _, w := range result.Warnings {
		switch w.Code {
		case "duplicate.same_drug":
			sameDrug = true
			if w.Severity != SeverityHigh {
				t.Errorf("same drug duplicate should be high, got %s", w.Severity)
			}
		case "duplicate.same_class":
			sameClass = true
			if w.Severity != SeverityMedium {
				t.Errorf("same class duplicate should be medium, got %s", w.Severity)
			}
		}
	}
	if !sameDrug || !sameClass {
		t.Errorf("expected both duplicate warnings, got %+v", result.Warnings)
	}
	if result.OverallRisk != RiskHigh {
		t.Errorf("expected high risk, got %s", result.OverallRisk)
	}
}

func TestDosingAgainstNorms(t *testing.T) {
	kb := &fakeKB{norm: &DosingNorm{MinDose: 1, MaxDose: 10, MaxDailyDose: 10, DoseUnit: "mg"}}
	engine := NewEngine(kb, testClock)

	tests := []struct {
		name     string
		dosing   meds.DosingInstructions
		wantCode string
	}{
		{"exceeds published max", qdDosing(20), "dosing.exceeds_norm"},
		{"daily total exceeds norm", meds.DosingInstructions{Dose: 6, DoseUnit: "mg", TimesPerDay: 2}, "dosing.daily_exceeds_norm"},
		{"below usual minimum", qdDosing(0.5), "dosing.below_norm"},
		{"exceeds ordered max", meds.DosingInstructions{Dose: 5, DoseUnit: "mg", TimesPerDay: 3, MaxDailyDose: 10}, "dosing.exceeds_ordered_max"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := engine.Check(context.Background(), meds.PatientProfile{}, warfarin(), tt.dosing)
			if err != nil {
				t.Fatalf("check failed: %v", err)
			}
			found := false
			for _, w := range result.Warnings {
				if w.Code == tt.wantCode {
					found = true
				}
			}
			if !found {
				t.Errorf("expected warning %s, got %+v", tt.wantCode, result.Warnings)
			}
		})
	}
}

func TestOrganAdjustmentAndPregnancy(t *testing.T) {
	kb := &fakeKB{norm: &DosingNorm{MaxDose: 100, RenalAdjustment: true, PregnancyCategory: "X"}}
	engine := NewEngine(kb, testClock)
	profile := meds.PatientProfile{Pregnant: true, RenalImpairment: true}

	result, err := engine.Check(context.Background(), profile, warfarin(), qdDosing(5))
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}

	codes := map[string]Severity{}
	for _, w := range result.Warnings {
		codes[w.Code] = w.Severity
	}
	if codes["renal.adjustment_required"] != SeverityHigh {
		t.Errorf("expected high renal warning, got %+v", codes)
	}
	if codes["pregnancy.category_x"] != SeverityCritical {
		t.Errorf("expected critical pregnancy warning, got %+v", codes)
	}
	if result.OverallRisk != RiskCritical {
		t.Errorf("expected critical risk, got %s", result.OverallRisk)
	}
}

func TestNewOverrideFourEyes(t *testing.T) {
	at := testClock.Now()

	if _, err := NewOverride("", "attending-1", "prescriber-1", at); err == nil {
		t.Error("expected error for missing reason")
	}
	if _, err := NewOverride("benefit outweighs risk", "", "prescriber-1", at); err == nil {
		t.Error("expected error for missing approver")
	}
	if _, err := NewOverride("benefit outweighs risk", "prescriber-1", "prescriber-1", at); err == nil {
		t.Error("expected error when approver is the prescriber")
	}
	ov, err := NewOverride("benefit outweighs risk", "attending-1", "prescriber-1", at)
	if err != nil {
		t.Fatalf("valid override rejected: %v", err)
	}
	if ov.ApprovedAt != at {
		t.Errorf("unexpected approval time %v", ov.ApprovedAt)
	}
}

func TestApplyOverrideClearsBlock(t *testing.T) {
	engine := NewEngine(&fakeKB{}, testClock)
	profile := meds.PatientProfile{Allergies: []meds.Allergy{{Allergen: "warfarin"}}}

	result, err := engine.Check(context.Background(), profile, warfarin(), qdDosing(5))
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}

	ov, err := NewOverride("desensitization protocol in place", "attending-1", "prescriber-1", testClock.Now())
	if err != nil {
		t.Fatalf("override creation failed: %v", err)
	}
	if !result.ApplyOverride(CheckAllergy, "allergy.direct_match", ov) {
		t.Fatal("override did not match the warning")
	}
	if len(result.UnresolvedCritical()) != 0 {
		t.Error("overridden critical warning must not block")
	}
	if result.ApplyOverride(CheckAllergy, "allergy.cross_reactivity", ov) {
		t.Error("override must not apply to an absent warning")
	}
}
