// Package tenancy defines the explicit tenant scope every store call takes.
package tenancy

import (
	"fmt"

	"github.com/pesio-ai/be-crm-pipeline/internal/auth"
)

// Scope pins a call to one tenant. The zero value is invalid.
type Scope struct {
	TenantID string
	ActorID  string
	// Elevated is set only by Elevate and is recorded in audit payloads.
	Elevated bool
}

// ForActor scopes a call to the actor's own tenant.
func ForActor(actor auth.Actor) (Scope, error) {
	if actor.TenantID == "" {
		return Scope{}, fmt.Errorf("actor %q has no tenant", actor.ID)
	}
	return Scope{TenantID: actor.TenantID, ActorID: actor.ID}, nil
}

// Elevate is the only path to another tenant's data. The actor must be an
// elevated principal and must name the target tenant; there is no wildcard.
func Elevate(actor auth.Actor, targetTenant string) (Scope, error) {
	if !actor.Elevated {
		return Scope{}, fmt.Errorf("actor %q is not permitted to act across tenants", actor.ID)
	}
	if targetTenant == "" || targetTenant == "*" {
		return Scope{}, fmt.Errorf("elevated access requires an explicit target tenant")
	}
	return Scope{TenantID: targetTenant, ActorID: actor.ID, Elevated: targetTenant != actor.TenantID}, nil
}

// Resolve picks ForActor or Elevate depending on whether a target tenant was
// requested.
func Resolve(actor auth.Actor, targetTenant string) (Scope, error) {
	if targetTenant == "" || targetTenant == actor.TenantID {
		return ForActor(actor)
	}
	return Elevate(actor, targetTenant)
}

// Validate rejects the zero scope.
func (s Scope) Validate() error {
	if s.TenantID == "" {
		return fmt.Errorf("tenant scope is empty")
	}
	return nil
}
