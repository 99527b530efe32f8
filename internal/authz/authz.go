// Package authz enforces role-based permissions for order lifecycle
// operations.
package authz

import (
	"github.com/clinicore/medorder/internal/domain/order"
)

// RoleAuthorizer maps roles to allowed lifecycle actions. Prescribers
// manage their own orders; pharmacists gate activation; nurses
// document administration and never mutate orders directly.
type RoleAuthorizer struct{}

// NewRoleAuthorizer creates the default policy.
func NewRoleAuthorizer() *RoleAuthorizer { return &RoleAuthorizer{} }

var roleActions = map[order.Role]map[order.Action]bool{
	order.RolePrescriber: {
		order.ActionCreate:   true,
		order.ActionEdit:     true,
		order.ActionTransmit: true,
		order.ActionHold:     true,
		order.ActionResume:   true,
		order.ActionComplete: true,
		order.ActionCancel:   true,
	},
	order.RolePharmacist: {
		order.ActionApprove: true,
		order.ActionHold:    true,
		order.ActionResume:  true,
		order.ActionCancel:  true,
	},
	order.RoleNurse: {
		order.ActionAdminister: true,
	},
}

// Require returns nil when the actor's role permits the action,
// otherwise *order.AuthorizationError. A prescriber may only act on
// their own orders; o is nil for creation.
func (a *RoleAuthorizer) Require(actor order.Actor, action order.Action, o *order.MedicationOrder) error {
	denied := &order.AuthorizationError{ActorID: actor.ID, Role: actor.Role, Action: action}

	allowed, known := roleActions[actor.Role]
	if !known || !allowed[action] {
		return denied
	}
	if actor.Role == order.RolePrescriber && o != nil && o.PrescriberID != actor.ID {
		return denied
	}
	return nil
}
