package order

import "time"

// TransmissionStatus is the outcome of the latest outbound attempt.
type TransmissionStatus string

const (
	TransmissionPending     TransmissionStatus = "pending"
	TransmissionTransmitted TransmissionStatus = "transmitted"
	TransmissionError       TransmissionStatus = "error"
)

// FillStatus tracks pharmacy-side progress. Ordinal: callbacks may
// only move it forward.
type FillStatus int

const (
	FillNotFilled FillStatus = iota
	FillPartial
	FillFilled
	FillPickupReady
	FillPickedUp
)

// String returns the canonical label.
func (f FillStatus) String() string {
	switch f {
	case FillNotFilled:
		return "not_filled"
	case FillPartial:
		return "partial_fill"
	case FillFilled:
		return "filled"
	case FillPickupReady:
		return "pickup_ready"
	case FillPickedUp:
		return "picked_up"
	default:
		return "unknown"
	}
}

// ParseFillStatus maps a pharmacy callback label to its ordinal.
func ParseFillStatus(s string) (FillStatus, bool) {
	switch s {
	case "not_filled":
		return FillNotFilled, true
	case "partial_fill":
		return FillPartial, true
	case "filled":
		return FillFilled, true
	case "pickup_ready":
		return FillPickupReady, true
	case "picked_up":
		return FillPickedUp, true
	default:
		return FillNotFilled, false
	}
}

// ElectronicPrescription is one outbound transmission attempt against
// a pharmacy target. Fill status advances independently of
// transmission status, driven by pharmacy callbacks.
type ElectronicPrescription struct {
	ID              string             `json:"id"`
	OrderID         string             `json:"order_id"`
	PharmacyID      string             `json:"pharmacy_id"`
	PharmacyName    string             `json:"pharmacy_name,omitempty"`
	AttemptSequence int                `json:"attempt_sequence"`
	IdempotencyKey  string             `json:"idempotency_key"`
	Status          TransmissionStatus `json:"transmission_status"`
	ErrorMessage    string             `json:"error_message,omitempty"`
	MessageID       string             `json:"message_id,omitempty"`
	TransmittedAt   *time.Time         `json:"transmitted_at,omitempty"`
	FillStatus      FillStatus         `json:"fill_status"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// AdvanceFill applies a pharmacy callback. Backward moves are a no-op
// and return false so the caller can log the anomaly; they are never
// an error.
func (rx *ElectronicPrescription) AdvanceFill(to FillStatus, at time.Time) bool {
	if to <= rx.FillStatus {
		return false
	}
	rx.FillStatus = to
	rx.UpdatedAt = at
	return true
}
