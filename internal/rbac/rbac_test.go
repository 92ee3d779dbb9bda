package rbac

import (
	"testing"

	"github.com/pesio-ai/be-crm-pipeline/internal/auth"
)

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		module string
		action Action
		allow  bool
	}{
		{name: "admin anything", role: RoleAdmin, module: ModuleShipments, action: ActionApprove, allow: true},
		{name: "viewer read", role: RoleViewer, module: ModuleDeals, action: ActionRead, allow: true},
		{name: "viewer update", role: RoleViewer, module: ModuleDeals, action: ActionUpdate, allow: false},
		{name: "rep updates quote", role: RoleSalesRep, module: ModuleQuotes, action: ActionUpdate, allow: true},
		{name: "rep cannot approve quote", role: RoleSalesRep, module: ModuleQuotes, action: ActionApprove, allow: false},
		{name: "rep cannot update invoice", role: RoleSalesRep, module: ModuleInvoices, action: ActionUpdate, allow: false},
		{name: "manager approves quote", role: RoleSalesManager, module: ModuleQuotes, action: ActionApprove, allow: true},
		{name: "finance approves invoice", role: RoleFinance, module: ModuleInvoices, action: ActionApprove, allow: true},
		{name: "fulfillment ships", role: RoleFulfillment, module: ModuleShipments, action: ActionUpdate, allow: true},
		{name: "fulfillment no deals", role: RoleFulfillment, module: ModuleDeals, action: ActionRead, allow: false},
		{name: "unknown role", role: Role(""), module: ModuleDeals, action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.module, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q, %q) = %v, want %v", tc.role, tc.module, tc.action, got, tc.allow)
			}
		})
	}
}

func TestOracleUnionOfRoles(t *testing.T) {
	o := NewOracle()
	actor := auth.Actor{ID: "u", TenantID: "t", Roles: []string{"Viewer", "fulfillment"}}

	if !o.CanPerform(actor, ModuleShipments, string(ActionUpdate)) {
		t.Fatal("fulfillment grant should apply")
	}
	if o.CanPerform(actor, ModuleQuotes, string(ActionUpdate)) {
		t.Fatal("no role grants quote updates")
	}
	if o.CanPerform(auth.Actor{ID: "u", TenantID: "t", Roles: []string{"superuser"}}, ModuleDeals, string(ActionRead)) {
		t.Fatal("unknown role must not grant")
	}
}
