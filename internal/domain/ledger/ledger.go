// Package ledger implements controlled-substance quantity accounting
// layered onto orders flagged as controlled. The ledger is a pure
// structure; atomicity with administration records is supplied by the
// store that persists it.
package ledger

import (
	"errors"
	"fmt"
	"time"
)

// ErrInsufficientQuantity indicates a dispense would drive the
// remaining quantity negative.
var ErrInsufficientQuantity = errors.New("ledger: dispense exceeds remaining quantity")

// DispenseEvent is one quantity decrement, keyed by the
// administration record that caused it. The key makes replay
// idempotent.
type DispenseEvent struct {
	AdministrationID string    `json:"administration_id"`
	Quantity         float64   `json:"quantity"`
	At               time.Time `json:"at"`
}

// PDMPCheck records one Prescription Drug Monitoring Program query.
type PDMPCheck struct {
	CheckedBy string    `json:"checked_by"`
	Findings  string    `json:"findings,omitempty"`
	Cleared   bool      `json:"cleared"`
	At        time.Time `json:"at"`
}

// PillCount records a witnessed count audit.
type PillCount struct {
	CountedBy  string    `json:"counted_by"`
	WitnessID  string    `json:"witness_id"`
	Expected   float64   `json:"expected"`
	Counted    float64   `json:"counted"`
	Discrepant bool      `json:"discrepant"`
	At         time.Time `json:"at"`
}

// Ledger is the quantity-accounting row for one controlled-substance
// order. Invariant: QuantityDispensed is monotonically non-decreasing
// and QuantityDispensed + QuantityRemaining == QuantityPrescribed.
type Ledger struct {
	OrderID     string `json:"order_id"`
	DEASchedule string `json:"dea_schedule"`

	QuantityPrescribed float64 `json:"quantity_prescribed"`
	QuantityDispensed  float64 `json:"quantity_dispensed"`
	QuantityRemaining  float64 `json:"quantity_remaining"`

	// DailyQuantity is the expected daily consumption, used for
	// early-refill detection.
	DailyQuantity float64   `json:"daily_quantity"`
	OpenedAt      time.Time `json:"opened_at"`

	Events     []DispenseEvent `json:"events,omitempty"`
	PDMPChecks []PDMPCheck     `json:"pdmp_checks,omitempty"`
	PillCounts []PillCount     `json:"pill_counts,omitempty"`

	HighRiskPatient bool     `json:"high_risk_patient"`
	RiskFactors     []string `json:"risk_factors,omitempty"`
}

// Open creates the ledger row for an order.
func Open(orderID string, quantityPrescribed, dailyQuantity float64, deaSchedule string, at time.Time) (*Ledger, error) {
	if orderID == "" {
		return nil, errors.New("ledger: order id is required")
	}
	if quantityPrescribed <= 0 {
		return nil, fmt.Errorf("ledger: prescribed quantity must be positive, got %v", quantityPrescribed)
	}
	return &Ledger{
		OrderID:            orderID,
		DEASchedule:        deaSchedule,
		QuantityPrescribed: quantityPrescribed,
		QuantityRemaining:  quantityPrescribed,
		DailyQuantity:      dailyQuantity,
		OpenedAt:           at,
	}, nil
}

// RecordDispense applies one administration decrement. Replaying the
// same administration record id is a no-op, so a crashed transaction
// can be retried safely. Risk factors are recomputed on every applied
// event.
func (l *Ledger) RecordDispense(administrationID string, quantity float64, at time.Time) error {
	if administrationID == "" {
		return errors.New("ledger: administration record id is required")
	}
	for _, ev := range l.Events {
		if ev.AdministrationID == administrationID {
			return nil
		}
	}
	if quantity <= 0 {
		return fmt.Errorf("ledger: dispense quantity must be positive, got %v", quantity)
	}
	if quantity > l.QuantityRemaining {
		return ErrInsufficientQuantity
	}

	l.Events = append(l.Events, DispenseEvent{
		AdministrationID: administrationID,
		Quantity:         quantity,
		At:               at,
	})
	l.QuantityDispensed += quantity
	l.QuantityRemaining = l.QuantityPrescribed - l.QuantityDispensed
	l.recomputeRisk(at)
	return nil
}

// RecordPDMPCheck appends a monitoring-program query result.
func (l *Ledger) RecordPDMPCheck(check PDMPCheck) {
	l.PDMPChecks = append(l.PDMPChecks, check)
	if !check.Cleared {
		l.addRiskFactor("pdmp_flag")
		l.HighRiskPatient = true
	}
}

// RecordPillCount appends a witnessed count audit; a discrepancy is a
// risk factor.
func (l *Ledger) RecordPillCount(count PillCount) {
	count.Discrepant = count.Counted != count.Expected
	l.PillCounts = append(l.PillCounts, count)
	if count.Discrepant {
		l.addRiskFactor("count_discrepancy")
		l.HighRiskPatient = true
	}
}

// recomputeRisk re-derives consumption risk factors. Consumption
// materially ahead of the expected rate (early refill) is flagged,
// not blocked.
func (l *Ledger) recomputeRisk(at time.Time) {
	if l.DailyQuantity <= 0 {
		return
	}
	elapsedDays := at.Sub(l.OpenedAt).Hours() / 24
	if elapsedDays < 1 {
		elapsedDays = 1
	}
	expected := l.DailyQuantity * elapsedDays
	if l.QuantityDispensed > expected*earlyRefillTolerance {
		l.addRiskFactor("early_refill")
		l.HighRiskPatient = true
	}
}

// earlyRefillTolerance is the slack over the expected consumption rate
// before the early-refill factor is raised.
const earlyRefillTolerance = 1.25

func (l *Ledger) addRiskFactor(factor string) {
	for _, f := range l.RiskFactors {
		if f == factor {
			return
		}
	}
	l.RiskFactors = append(l.RiskFactors, factor)
}

// CheckConservation verifies the ledger invariant. Returns an error
// describing the violation, nil when the books balance.
func (l *Ledger) CheckConservation() error {
	if l.QuantityDispensed+l.QuantityRemaining != l.QuantityPrescribed {
		return fmt.Errorf("ledger: conservation violated for order %s: dispensed %v + remaining %v != prescribed %v",
			l.OrderID, l.QuantityDispensed, l.QuantityRemaining, l.QuantityPrescribed)
	}
	if l.QuantityRemaining < 0 {
		return fmt.Errorf("ledger: negative remaining quantity for order %s", l.OrderID)
	}
	return nil
}
