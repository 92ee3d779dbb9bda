package rbac

import (
	"strings"

	"github.com/pesio-ai/be-crm-pipeline/internal/auth"
)

type Role string
type Action string

const (
	RoleAdmin        Role = "admin"
	RoleSalesManager Role = "sales_manager"
	RoleSalesRep     Role = "sales_rep"
	RoleFinance      Role = "finance"
	RoleFulfillment  Role = "fulfillment"
	RoleViewer       Role = "viewer"
)

const (
	ActionRead    Action = "read"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionApprove Action = "approve"
)

const (
	ModuleDeals     = "deals"
	ModuleQuotes    = "quotes"
	ModuleInvoices  = "invoices"
	ModuleShipments = "shipments"
	ModuleContracts = "contracts"
)

var (
	readOnly = []Action{ActionRead}
	editor   = []Action{ActionRead, ActionUpdate, ActionDelete}
	approver = []Action{ActionRead, ActionUpdate, ActionDelete, ActionApprove}
)

var grants = map[Role]map[string][]Action{
	RoleSalesManager: {
		ModuleDeals:     approver,
		ModuleQuotes:    approver,
		ModuleContracts: approver,
		ModuleInvoices:  {ActionRead, ActionUpdate, ActionApprove},
		ModuleShipments: readOnly,
	},
	RoleSalesRep: {
		ModuleDeals:     editor,
		ModuleQuotes:    editor,
		ModuleContracts: editor,
		ModuleInvoices:  readOnly,
		ModuleShipments: readOnly,
	},
	RoleFinance: {
		ModuleInvoices:  approver,
		ModuleQuotes:    readOnly,
		ModuleDeals:     readOnly,
		ModuleContracts: {ActionRead, ActionApprove},
		ModuleShipments: readOnly,
	},
	RoleFulfillment: {
		ModuleShipments: editor,
		ModuleInvoices:  readOnly,
	},
}

// Can reports whether role may perform action on module.
func Can(role Role, module string, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleViewer:
		return action == ActionRead
	}
	for _, a := range grants[role][module] {
		if a == action {
			return true
		}
	}
	return false
}

// Normalize maps a free-form role claim onto a known role. Unknown roles
// carry no grants.
func Normalize(role string) Role {
	r := Role(strings.ToLower(strings.TrimSpace(role)))
	switch r {
	case RoleAdmin, RoleSalesManager, RoleSalesRep, RoleFinance, RoleFulfillment, RoleViewer:
		return r
	default:
		return ""
	}
}

// Oracle answers permission checks for an actor holding several roles.
type Oracle struct{}

// NewOracle returns the role-table oracle.
func NewOracle() *Oracle {
	return &Oracle{}
}

// CanPerform is true when any of the actor's roles grants the action.
func (o *Oracle) CanPerform(actor auth.Actor, module, action string) bool {
	for _, role := range actor.Roles {
		if Can(Normalize(role), module, Action(action)) {
			return true
		}
	}
	return false
}
