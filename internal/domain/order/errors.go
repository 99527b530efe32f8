package order

import (
	"errors"
	"fmt"

	"github.com/clinicore/medorder/internal/domain/safety"
)

// ErrNotFound indicates the order does not exist.
var ErrNotFound = errors.New("order not found")

// ErrVersionConflict indicates a stale writer lost an optimistic
// concurrency check. Retryable: reload and reapply.
var ErrVersionConflict = errors.New("order version conflict")

// ValidationError reports malformed or missing input. Carries enough
// structure to render directly; never retried automatically.
type ValidationError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s (%s): %s", e.Field, e.Rule, e.Message)
}

// SafetyGateError is the distinct rejection raised when a Critical
// risk lacks an override, so callers can render an override workflow
// instead of a generic failure.
type SafetyGateError struct {
	Warnings []safety.Warning `json:"warnings"`
}

func (e *SafetyGateError) Error() string {
	return fmt.Sprintf("safety gate: %d critical warning(s) without override", len(e.Warnings))
}

// AuthorizationError reports a capability the actor does not hold.
// Checked before any mutation; no partial state change occurs.
type AuthorizationError struct {
	ActorID string `json:"actor_id"`
	Role    Role   `json:"role"`
	Action  Action `json:"action"`
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("actor %s (%s) is not permitted to %s", e.ActorID, e.Role, e.Action)
}

// IsRetryable reports whether the caller may safely retry after
// reloading state.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}
