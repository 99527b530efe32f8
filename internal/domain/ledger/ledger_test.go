package ledger

import (
	"errors"
	"testing"
	"time"
)

var opened = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func open(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open("ord-1", 30, 2, "II", opened)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	return l
}

func TestOpenValidation(t *testing.T) {
	if _, err := Open("", 30, 2, "II", opened); err == nil {
		t.Error("expected error for missing order id")
	}
	if _, err := Open("ord-1", 0, 2, "II", opened); err == nil {
		t.Error("expected error for non-positive quantity")
	}
}

func TestConservationHoldsAcrossDispenses(t *testing.T) {
	l := open(t)

	for day := 0; day < 5; day++ {
		at := opened.Add(time.Duration(day*24) * time.Hour)
		if err := l.RecordDispense("adm-"+string(rune('a'+day)), 2, at); err != nil {
			t.Fatalf("dispense %d failed: %v", day, err)
		}
		if err := l.CheckConservation(); err != nil {
			t.Fatalf("conservation violated after dispense %d: %v", day, err)
		}
	}
	if l.QuantityDispensed != 10 || l.QuantityRemaining != 20 {
		t.Errorf("unexpected totals: dispensed %v remaining %v", l.QuantityDispensed, l.QuantityRemaining)
	}
}

func TestDispenseReplayIsNoOp(t *testing.T) {
	l := open(t)

	if err := l.RecordDispense("adm-1", 2, opened.Add(time.Hour)); err != nil {
		t.Fatalf("dispense failed: %v", err)
	}
	if err := l.RecordDispense("adm-1", 2, opened.Add(2*time.Hour)); err != nil {
		t.Fatalf("replay must be a no-op, got %v", err)
	}
	if l.QuantityDispensed != 2 {
		t.Errorf("replay decremented again: dispensed %v", l.QuantityDispensed)
	}
	if len(l.Events) != 1 {
		t.Errorf("replay appended an event: %d", len(l.Events))
	}
}

func TestDispenseCannotGoNegative(t *testing.T) {
	l := open(t)

	err := l.RecordDispense("adm-1", 31, opened.Add(time.Hour))
	if !errors.Is(err, ErrInsufficientQuantity) {
		t.Fatalf("expected ErrInsufficientQuantity, got %v", err)
	}
	if l.QuantityRemaining != 30 {
		t.Errorf("failed dispense mutated the ledger: remaining %v", l.QuantityRemaining)
	}
}

func TestEarlyConsumptionIsFlaggedNotBlocked(t *testing.T) {
	l := open(t)

	// Expected 2/day; 6 units on day one is well past the tolerance.
	if err := l.RecordDispense("adm-1", 6, opened.Add(6*time.Hour)); err != nil {
		t.Fatalf("dispense failed: %v", err)
	}
	if !l.HighRiskPatient {
		t.Error("expected high-risk flag for early consumption")
	}
	found := false
	for _, f := range l.RiskFactors {
		if f == "early_refill" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected early_refill factor, got %v", l.RiskFactors)
	}

	// Flagging must not block further dispensing.
	if err := l.RecordDispense("adm-2", 2, opened.Add(7*time.Hour)); err != nil {
		t.Errorf("flagged ledger must still dispense: %v", err)
	}
}

func TestConsumptionWithinRateNotFlagged(t *testing.T) {
	l := open(t)

	if err := l.RecordDispense("adm-1", 2, opened.Add(12*time.Hour)); err != nil {
		t.Fatalf("dispense failed: %v", err)
	}
	if l.HighRiskPatient {
		t.Errorf("on-schedule consumption flagged: %v", l.RiskFactors)
	}
}

func TestPDMPFlagRaisesRisk(t *testing.T) {
	l := open(t)

	l.RecordPDMPCheck(PDMPCheck{CheckedBy: "ph-1", Cleared: true, At: opened})
	if l.HighRiskPatient {
		t.Error("cleared check must not flag")
	}

	l.RecordPDMPCheck(PDMPCheck{CheckedBy: "ph-1", Findings: "multiple prescribers", Cleared: false, At: opened})
	if !l.HighRiskPatient {
		t.Error("uncleared check must flag")
	}
}

func TestPillCountDiscrepancy(t *testing.T) {
	l := open(t)

	l.RecordPillCount(PillCount{CountedBy: "rn-1", WitnessID: "rn-2", Expected: 30, Counted: 30, At: opened})
	if l.HighRiskPatient {
		t.Error("matching count must not flag")
	}

	l.RecordPillCount(PillCount{CountedBy: "rn-1", WitnessID: "rn-2", Expected: 28, Counted: 26, At: opened})
	if !l.HighRiskPatient {
		t.Error("discrepant count must flag")
	}
	if !l.PillCounts[1].Discrepant {
		t.Error("discrepancy not recorded on the count")
	}
}
