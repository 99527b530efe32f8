package review

import (
	"testing"
	"time"

	"github.com/clinicore/medorder/internal/domain/meds"
	"github.com/clinicore/medorder/internal/domain/order"
	"github.com/clinicore/medorder/internal/domain/safety"
	"github.com/clinicore/medorder/pkg/identity"
)

func newGate() *Gate {
	return NewGate(identity.FixedClock{T: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)},
		&identity.SequenceIDs{Prefix: "rev"}, nil)
}

func cleanOrder() *order.MedicationOrder {
	return &order.MedicationOrder{
		ID:           "ord-1",
		Medication:   meds.MedicationDetails{Name: "lisinopril", DrugClass: "ace_inhibitor"},
		Indication:   "hypertension",
		DurationDays: 30,
		Safety:       &safety.SafetyCheckResult{OverallRisk: safety.RiskLow},
	}
}

func TestEvaluateCleanOrder(t *testing.T) {
	rev := newGate().Evaluate(cleanOrder(), nil, "ph-1")

	c := rev.Clinical
	if !c.AppropriateIndication || !c.AppropriateDosing || !c.AppropriateDuration || !c.NoDuplicateTherapy {
		t.Errorf("expected all flags true, got %+v", c)
	}
	if len(rev.Recommendations) != 0 {
		t.Errorf("clean order must not generate recommendations: %+v", rev.Recommendations)
	}
	if rev.ApprovalStatus != order.ApprovalPending {
		t.Errorf("evaluation must not decide, got %s", rev.ApprovalStatus)
	}
}

func TestEvaluateGeneratesRecommendationPerFailedFlag(t *testing.T) {
	o := cleanOrder()
	o.Indication = ""
	o.DurationDays = 0
	o.Safety.Warnings = []safety.Warning{{Check: safety.CheckDosing, Code: "dosing.exceeds_norm", Severity: safety.SeverityHigh}}
	active := []meds.ListEntry{{Name: "Lisinopril HCL"}}

	rev := newGate().Evaluate(o, active, "ph-1")
	if len(rev.Recommendations) != 4 {
		t.Fatalf("expected 4 recommendations, got %d: %+v", len(rev.Recommendations), rev.Recommendations)
	}

	urgent := 0
	for _, r := range rev.Recommendations {
		if r.Priority == order.PriorityUrgent {
			urgent++
		}
		if r.Implemented {
			t.Error("recommendations start unimplemented")
		}
	}
	if urgent != 2 {
		t.Errorf("dosing and duplicate findings are urgent, got %d urgent", urgent)
	}
}

func TestLowSeverityDosingFindingDoesNotFlag(t *testing.T) {
	o := cleanOrder()
	o.Safety.Warnings = []safety.Warning{{Check: safety.CheckDosing, Code: "dosing.below_norm", Severity: safety.SeverityLow}}

	rev := newGate().Evaluate(o, nil, "ph-1")
	if !rev.Clinical.AppropriateDosing {
		return
	}
	t.Error("low dosing finding flagged the review")
}

func TestDecideDowngradesWhenDosingFlagged(t *testing.T) {
	g := newGate()
	o := cleanOrder()
	o.Safety.Warnings = []safety.Warning{{Check: safety.CheckDosing, Code: "dosing.exceeds_norm", Severity: safety.SeverityHigh}}

	rev := g.Evaluate(o, nil, "ph-1")
	if err := g.Decide(rev, order.Approved, "dose reduced per protocol"); err != nil {
		t.Fatalf("decide failed: %v", err)
	}
	if rev.ApprovalStatus != order.ApprovedWithModifications {
		t.Errorf("expected downgrade to approved_with_modifications, got %s", rev.ApprovalStatus)
	}
}

func TestDecidePlainApproval(t *testing.T) {
	g := newGate()
	rev := g.Evaluate(cleanOrder(), nil, "ph-1")

	if err := g.Decide(rev, order.Approved, ""); err != nil {
		t.Fatalf("decide failed: %v", err)
	}
	if rev.ApprovalStatus != order.Approved {
		t.Errorf("clean review must approve as requested, got %s", rev.ApprovalStatus)
	}
}

func TestDecideRejectsUndecidedVerdict(t *testing.T) {
	g := newGate()
	rev := g.Evaluate(cleanOrder(), nil, "ph-1")

	if err := g.Decide(rev, order.ApprovalPending, ""); err == nil {
		t.Error("expected error for undecided verdict")
	}
}

func TestMarkImplemented(t *testing.T) {
	g := newGate()
	o := cleanOrder()
	o.Indication = ""
	rev := g.Evaluate(o, nil, "ph-1")
	if len(rev.Recommendations) != 1 {
		t.Fatalf("expected one recommendation, got %d", len(rev.Recommendations))
	}

	if !MarkImplemented(rev, rev.Recommendations[0].ID) {
		t.Fatal("existing recommendation not found")
	}
	if !rev.Recommendations[0].Implemented {
		t.Error("flag not set")
	}
	if MarkImplemented(rev, "missing") {
		t.Error("unknown id must return false")
	}
}
