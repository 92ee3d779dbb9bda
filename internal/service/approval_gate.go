package service

import (
	"context"
	"sort"

	"github.com/pesio-ai/be-crm-pipeline/internal/errors"
	"github.com/pesio-ai/be-crm-pipeline/internal/logger"
	"github.com/pesio-ai/be-crm-pipeline/internal/policy"
	"github.com/pesio-ai/be-crm-pipeline/internal/repository"
	"github.com/pesio-ai/be-crm-pipeline/internal/stagegraph"
	"github.com/pesio-ai/be-crm-pipeline/internal/tenancy"
)

// GateDecision is what the approval gate tells the executor to do.
type GateDecision string

const (
	GateProceed        GateDecision = "PROCEED"
	GateBlockPending   GateDecision = "BLOCK_APPROVAL_PENDING"
	GateCreateAndBlock GateDecision = "CREATE_AND_BLOCK"
)

// GateResult carries the decision and, when blocked or approved, the
// request it refers to.
type GateResult struct {
	Decision GateDecision
	Request  *repository.ApprovalRequest
}

// ApprovalGate opens and consults approval requests for gated transitions.
type ApprovalGate struct {
	policy    *policy.Policy
	approvals ApprovalStore
	roles     RoleDirectory
	notifier  NotificationSender
	log       *logger.Logger
}

// NewApprovalGate creates a new ApprovalGate.
func NewApprovalGate(
	pol *policy.Policy,
	approvals ApprovalStore,
	roles RoleDirectory,
	notifier NotificationSender,
	log *logger.Logger,
) *ApprovalGate {
	return &ApprovalGate{
		policy:    pol,
		approvals: approvals,
		roles:     roles,
		notifier:  notifier,
		log:       log.Component("approval_gate"),
	}
}

// RequiresApproval reports whether kind from -> to is a gated transition class.
func (g *ApprovalGate) RequiresApproval(kind stagegraph.Kind, from, to stagegraph.Stage) bool {
	return g.policy.RequiresApproval(kind, from, to)
}

// Resolve decides whether rec may move to stage to now.
//
// An open request blocks without creating another one. An approved request
// for the same from/to pair lets the transition through. Otherwise a pending
// request is created for the approvers and the transition is blocked.
func (g *ApprovalGate) Resolve(ctx context.Context, scope tenancy.Scope, rec *repository.PipelineRecord, to stagegraph.Stage) (*GateResult, error) {
	gate, ok := g.policy.Gate(rec.Kind, rec.Stage, to)
	if !ok {
		return &GateResult{Decision: GateProceed}, nil
	}

	applies, err := gate.Applies(policy.Facts{
		Kind:     rec.Kind,
		Stage:    rec.Stage,
		Total:    rec.Total,
		Currency: rec.Currency,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to evaluate approval condition")
	}
	if !applies {
		return &GateResult{Decision: GateProceed}, nil
	}

	pending, err := g.approvals.FindPending(ctx, scope, rec.Kind, rec.ID, to)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		return &GateResult{Decision: GateBlockPending, Request: pending}, nil
	}

	approved, err := g.approvals.FindApproved(ctx, scope, rec.Kind, rec.ID, rec.Stage, to)
	if err != nil {
		return nil, err
	}
	if approved != nil {
		return &GateResult{Decision: GateProceed, Request: approved}, nil
	}

	req := &repository.ApprovalRequest{
		RecordKind:     rec.Kind,
		RecordID:       rec.ID,
		FromStage:      rec.Stage,
		RequestedStage: to,
		ApproverIDs:    g.approvers(ctx, scope.TenantID, gate.ApproverRoles),
		Status:         repository.ApprovalPending,
		Priority:       string(gate.Priority),
		RequestedBy:    scope.ActorID,
	}

	created, err := g.approvals.CreatePending(ctx, scope, req)
	if err != nil {
		return nil, err
	}
	if !created {
		// A concurrent call opened the request between the probe and the insert.
		pending, err := g.approvals.FindPending(ctx, scope, rec.Kind, rec.ID, to)
		if err != nil {
			return nil, err
		}
		return &GateResult{Decision: GateBlockPending, Request: pending}, nil
	}

	g.log.Info().
		Str("tenant_id", scope.TenantID).
		Str("record_kind", string(rec.Kind)).
		Str("record_id", rec.ID).
		Str("approval_request_id", req.ID).
		Str("requested_stage", string(to)).
		Int("approvers", len(req.ApproverIDs)).
		Msg("Approval request created")

	g.notifyApprovers(ctx, scope, rec, req, gate.ApproverRoles)

	return &GateResult{Decision: GateCreateAndBlock, Request: req}, nil
}

// approvers captures the users currently holding any of roles. Directory
// failures leave that role's users out rather than failing the request.
func (g *ApprovalGate) approvers(ctx context.Context, tenantID string, roles []string) []string {
	seen := make(map[string]bool)
	ids := []string{}
	for _, role := range roles {
		users, err := g.roles.UsersWithRole(ctx, tenantID, role)
		if err != nil {
			g.log.Warn().Err(err).Str("role", role).Msg("Could not fetch users for role; approvers will be incomplete")
			continue
		}
		for _, u := range users {
			if !seen[u] {
				seen[u] = true
				ids = append(ids, u)
			}
		}
	}
	sort.Strings(ids)
	if len(ids) == 0 {
		g.log.Warn().Str("tenant_id", tenantID).Strs("roles", roles).Msg("No approvers hold the required roles")
	}
	return ids
}

func (g *ApprovalGate) notifyApprovers(ctx context.Context, scope tenancy.Scope, rec *repository.PipelineRecord, req *repository.ApprovalRequest, roles []string) {
	n := &repository.Notification{
		TenantID:   scope.TenantID,
		Event:      "approval.requested",
		ActorID:    scope.ActorID,
		RecordKind: rec.Kind,
		RecordID:   rec.ID,
		Roles:      roles,
		Recipients: req.ApproverIDs,
		Payload: map[string]any{
			"approvalRequestId": req.ID,
			"fromStage":         string(req.FromStage),
			"requestedStage":    string(req.RequestedStage),
			"priority":          req.Priority,
			"title":             rec.Title,
		},
	}
	if err := g.notifier.Send(ctx, n); err != nil {
		g.log.Warn().Err(err).Str("approval_request_id", req.ID).Msg("Failed to notify approvers")
	}
}
