package order

// Status represents the medication order lifecycle state.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusOnHold    Status = "on_hold"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// transitions is the closed transition table. Cancellation edges are
// implied for every non-terminal state and handled separately.
var transitions = map[Status][]Status{
	StatusDraft:   {StatusPending, StatusCancelled},
	StatusPending: {StatusActive, StatusOnHold, StatusCancelled},
	StatusActive:  {StatusCompleted, StatusOnHold, StatusCancelled},
	StatusOnHold:  {StatusPending, StatusActive, StatusCancelled},
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Editable reports whether medication and dosing details may be freely
// changed. Only Draft orders are editable.
func (s Status) Editable() bool { return s == StatusDraft }
