package order

import "context"

// Role is the clinical role an actor holds.
type Role string

const (
	RolePrescriber Role = "prescriber"
	RolePharmacist Role = "pharmacist"
	RoleNurse      Role = "nurse"
)

// Actor identifies who is performing an operation.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Action is a mutating capability on an order.
type Action string

const (
	ActionCreate   Action = "create"
	ActionEdit     Action = "edit"
	ActionTransmit Action = "transmit"
	ActionApprove  Action = "approve"
	ActionHold     Action = "hold"
	ActionResume   Action = "resume"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"

	// ActionAdminister covers documenting doses against an order:
	// administering, skipping, and reaction monitoring.
	ActionAdminister Action = "administer"
)

// Authorizer is the capability-check layer applied before any state
// mutation. Implementations return *AuthorizationError on denial.
type Authorizer interface {
	Require(actor Actor, action Action, o *MedicationOrder) error
}

// Store persists orders with per-order optimistic concurrency. Update
// must reject stale writers with ErrVersionConflict. Events are
// written atomically with the order state (transactional outbox).
type Store interface {
	Create(ctx context.Context, o *MedicationOrder, events []*Event) error
	Update(ctx context.Context, o *MedicationOrder, events []*Event) error
	Get(ctx context.Context, id string) (*MedicationOrder, error)
}

// LedgerOpener creates the controlled-substance tracking row for an
// order. Called exactly once, before the order leaves Draft.
type LedgerOpener interface {
	Open(ctx context.Context, orderID string, quantityPrescribed, dailyQuantity float64, deaSchedule string) error
}

// PrescriptionSender performs one outbound transmission attempt. A
// transport failure is recorded on the prescription (Status and
// ErrorMessage), not returned; the error return is reserved for
// context cancellation and malformed input.
type PrescriptionSender interface {
	Send(ctx context.Context, rx *ElectronicPrescription) error
}
