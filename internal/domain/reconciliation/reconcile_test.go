package reconciliation

import (
	"errors"
	"testing"
	"time"

	"github.com/clinicore/medorder/internal/domain/meds"
	"github.com/clinicore/medorder/pkg/identity"
)

func newTestEngine() *Engine {
	return NewEngine(identity.FixedClock{T: time.Date(2025, 6, 1, 7, 0, 0, 0, time.UTC)},
		&identity.SequenceIDs{Prefix: "rec"})
}

func entry(name, dose, freq string) meds.ListEntry {
	return meds.ListEntry{Name: name, Dose: dose, Frequency: freq}
}

func TestReconcileClassifiesDiscrepancies(t *testing.T) {
	e := newTestEngine()

	home := []meds.ListEntry{
		entry("metformin", "500 mg", "BID"),
		entry("lisinopril", "10 mg", "daily"),
		entry("atorvastatin", "20 mg", "nightly"),
	}
	current := []meds.ListEntry{
		entry("metformin", "500 mg", "BID"),     // unchanged
		entry("lisinopril", "20 mg", "daily"),   // dose changed
		entry("pantoprazole", "40 mg", "daily"), // new in hospital
	}

	rec := e.Reconcile("pat-1", EventAdmission, home, current)

	byType := map[DiscrepancyType][]Discrepancy{}
	for _, d := range rec.Discrepancies {
		byType[d.Type] = append(byType[d.Type], d)
	}

	if len(rec.Discrepancies) != 3 {
		t.Fatalf("expected 3 discrepancies, got %d: %+v", len(rec.Discrepancies), rec.Discrepancies)
	}
	if len(byType[Omission]) != 1 || byType[Omission][0].DrugName != "atorvastatin" {
		t.Errorf("expected atorvastatin omission, got %+v", byType[Omission])
	}
	if len(byType[Commission]) != 1 || byType[Commission][0].DrugName != "pantoprazole" {
		t.Errorf("expected pantoprazole commission, got %+v", byType[Commission])
	}
	if len(byType[DoseOrFrequencyError]) != 1 || byType[DoseOrFrequencyError][0].DrugName != "lisinopril" {
		t.Errorf("expected lisinopril dose error, got %+v", byType[DoseOrFrequencyError])
	}

	dose := byType[DoseOrFrequencyError][0]
	if dose.HomeEntry == nil || dose.CurrentEntry == nil {
		t.Error("dose discrepancy must carry both entries")
	}
	if dose.Significance != SignificanceHigh {
		t.Errorf("dose error should be high significance, got %s", dose.Significance)
	}
	if byType[Commission][0].Significance != SignificanceMedium {
		t.Errorf("commission should be medium significance, got %s", byType[Commission][0].Significance)
	}
}

func TestDoseChangeIsOneDiscrepancyNotTwo(t *testing.T) {
	e := newTestEngine()

	// Salt-suffix variation must match as the same drug.
	home := []meds.ListEntry{entry("Metoprolol Tartrate", "25 mg", "BID")}
	current := []meds.ListEntry{entry("metoprolol", "50 mg", "BID")}

	rec := e.Reconcile("pat-1", EventTransfer, home, current)
	if len(rec.Discrepancies) != 1 {
		t.Fatalf("expected a single dose discrepancy, got %+v", rec.Discrepancies)
	}
	if rec.Discrepancies[0].Type != DoseOrFrequencyError {
		t.Errorf("expected dose_or_frequency_error, got %s", rec.Discrepancies[0].Type)
	}
}

func TestReconcileIdenticalListsIsClean(t *testing.T) {
	e := newTestEngine()
	list := []meds.ListEntry{entry("metformin", "500 mg", "BID")}

	rec := e.Reconcile("pat-1", EventDischarge, list, list)
	if len(rec.Discrepancies) != 0 {
		t.Errorf("identical lists must produce no discrepancies: %+v", rec.Discrepancies)
	}
	if err := rec.MarkComplete(); err != nil {
		t.Errorf("clean reconciliation must complete: %v", err)
	}
	if !rec.Complete {
		t.Error("completion flag not set")
	}
}

func TestMarkCompleteRequiresClarifyForHighFindings(t *testing.T) {
	e := newTestEngine()
	home := []meds.ListEntry{entry("warfarin", "5 mg", "daily")}

	rec := e.Reconcile("pat-1", EventAdmission, home, nil)
	if err := rec.MarkComplete(); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}

	// A non-clarify intervention is not enough.
	d := rec.Discrepancies[0]
	if _, err := e.AddIntervention(rec, d.ID, InterventionRestart, "ph-1", "restart at home dose"); err != nil {
		t.Fatalf("intervention failed: %v", err)
	}
	if err := rec.MarkComplete(); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("restart alone must not complete, got %v", err)
	}

	if _, err := e.AddIntervention(rec, d.ID, InterventionClarify, "ph-1", "confirmed with outpatient pharmacy"); err != nil {
		t.Fatalf("intervention failed: %v", err)
	}
	if err := rec.MarkComplete(); err != nil {
		t.Errorf("clarified reconciliation must complete: %v", err)
	}
}

func TestResolutionAlsoSatisfiesCompletion(t *testing.T) {
	e := newTestEngine()
	home := []meds.ListEntry{entry("warfarin", "5 mg", "daily")}

	rec := e.Reconcile("pat-1", EventAdmission, home, nil)
	if !rec.ResolveDiscrepancy(rec.Discrepancies[0].ID) {
		t.Fatal("discrepancy not found")
	}
	if err := rec.MarkComplete(); err != nil {
		t.Errorf("resolved reconciliation must complete: %v", err)
	}
	if rec.ResolveDiscrepancy("missing") {
		t.Error("unknown discrepancy id must return false")
	}
}

func TestAddInterventionUnknownDiscrepancy(t *testing.T) {
	e := newTestEngine()
	rec := e.Reconcile("pat-1", EventVisit, nil, nil)

	if _, err := e.AddIntervention(rec, "nope", InterventionClarify, "ph-1", ""); err == nil {
		t.Error("expected error for unknown discrepancy")
	}
}
