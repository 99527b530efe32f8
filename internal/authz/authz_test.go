package authz

import (
	"errors"
	"testing"

	"github.com/clinicore/medorder/internal/domain/order"
)

func TestRolePermissions(t *testing.T) {
	a := NewRoleAuthorizer()

	tests := []struct {
		role    order.Role
		action  order.Action
		allowed bool
	}{
		{order.RolePrescriber, order.ActionCreate, true},
		{order.RolePrescriber, order.ActionTransmit, true},
		{order.RolePrescriber, order.ActionApprove, false},
		{order.RolePharmacist, order.ActionApprove, true},
		{order.RolePharmacist, order.ActionCreate, false},
		{order.RolePharmacist, order.ActionHold, true},
		{order.RoleNurse, order.ActionCreate, false},
		{order.RoleNurse, order.ActionCancel, false},
		{order.RoleNurse, order.ActionAdminister, true},
		{order.RolePrescriber, order.ActionAdminister, false},
		{order.RolePharmacist, order.ActionAdminister, false},
		{order.Role("unknown"), order.ActionCreate, false},
	}

	for _, tt := range tests {
		err := a.Require(order.Actor{ID: "u-1", Role: tt.role}, tt.action, nil)
		if tt.allowed && err != nil {
			t.Errorf("%s should be allowed to %s: %v", tt.role, tt.action, err)
		}
		if !tt.allowed {
			var ae *order.AuthorizationError
			if !errors.As(err, &ae) {
				t.Errorf("%s must be denied %s, got %v", tt.role, tt.action, err)
			}
		}
	}
}

func TestPrescriberLimitedToOwnOrders(t *testing.T) {
	a := NewRoleAuthorizer()
	o := &order.MedicationOrder{ID: "ord-1", PrescriberID: "dr-1"}

	if err := a.Require(order.Actor{ID: "dr-1", Role: order.RolePrescriber}, order.ActionEdit, o); err != nil {
		t.Errorf("owner must be allowed: %v", err)
	}

	err := a.Require(order.Actor{ID: "dr-2", Role: order.RolePrescriber}, order.ActionEdit, o)
	var ae *order.AuthorizationError
	if !errors.As(err, &ae) {
		t.Errorf("foreign prescriber must be denied, got %v", err)
	}

	// Pharmacists are not bound to the ordering prescriber.
	if err := a.Require(order.Actor{ID: "ph-1", Role: order.RolePharmacist}, order.ActionApprove, o); err != nil {
		t.Errorf("pharmacist must be allowed to approve: %v", err)
	}
}
