package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/pesio-ai/be-crm-pipeline/internal/auth"
	"github.com/pesio-ai/be-crm-pipeline/internal/errors"
	"github.com/pesio-ai/be-crm-pipeline/internal/logger"
	"github.com/pesio-ai/be-crm-pipeline/internal/rbac"
	"github.com/pesio-ai/be-crm-pipeline/internal/repository"
	"github.com/pesio-ai/be-crm-pipeline/internal/tenancy"
)

// Decision is an approver's verdict.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

// ParseDecision accepts APPROVE/REJECT in any case, plus APPROVED/REJECTED.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "APPROVE", "APPROVED":
		return DecisionApprove, nil
	case "REJECT", "REJECTED":
		return DecisionReject, nil
	default:
		return "", errors.InvalidInput("decision", "must be APPROVE or REJECT")
	}
}

// DecisionRequest resolves one pending approval request.
type DecisionRequest struct {
	ApprovalRequestID string
	Decision          Decision
	Comment           *string
	TargetTenant      string
}

// DecisionResult carries the decided request and, for approvals, the
// outcome of the transition it released.
type DecisionResult struct {
	Request *repository.ApprovalRequest
	Outcome *TransitionOutcome
}

// ApprovalService lets approvers act on approval requests.
type ApprovalService struct {
	approvals ApprovalStore
	oracle    PermissionOracle
	executor  *TransitionExecutor
	audit     AuditSink
	notifier  NotificationSender
	log       *logger.Logger
}

// NewApprovalService creates a new ApprovalService.
func NewApprovalService(
	approvals ApprovalStore,
	oracle PermissionOracle,
	executor *TransitionExecutor,
	audit AuditSink,
	notifier NotificationSender,
	log *logger.Logger,
) *ApprovalService {
	return &ApprovalService{
		approvals: approvals,
		oracle:    oracle,
		executor:  executor,
		audit:     audit,
		notifier:  notifier,
		log:       log.Component("approval_service"),
	}
}

// Decide approves or rejects a pending request. Only users in the captured
// approver list, or elevated actors, may decide, and they must still hold
// approve rights on the record's module. An approval immediately re-runs
// the transition on the approver's behalf; a rejection leaves the record
// where it is.
func (s *ApprovalService) Decide(ctx context.Context, actor auth.Actor, req DecisionRequest) (*DecisionResult, error) {
	if req.Decision != DecisionApprove && req.Decision != DecisionReject {
		return nil, errors.InvalidInput("decision", "must be APPROVE or REJECT")
	}
	scope, err := tenancy.Resolve(actor, req.TargetTenant)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeForbidden, "tenant scope denied")
	}

	current, err := s.approvals.Get(ctx, scope, req.ApprovalRequestID)
	if err != nil {
		return nil, err
	}
	if !current.IsApprover(actor.ID) && !actor.Elevated {
		return nil, errors.Forbidden(current.RecordKind.Module(), string(rbac.ActionApprove)).
			WithDetail("approvalRequestId", current.ID)
	}
	// Checked before the request is marked decided, so a captured approver
	// who has since lost the role cannot strand it as APPROVED.
	if !s.oracle.CanPerform(actor, current.RecordKind.Module(), string(rbac.ActionApprove)) {
		return nil, errors.Forbidden(current.RecordKind.Module(), string(rbac.ActionApprove)).
			WithDetail("approvalRequestId", current.ID)
	}
	if current.Status != repository.ApprovalPending {
		return nil, errors.New(errors.ErrCodeConflict, "approval request already decided").
			WithDetail("status", string(current.Status))
	}

	status := repository.ApprovalApproved
	action := ActionApprovalApproved
	if req.Decision == DecisionReject {
		status = repository.ApprovalRejected
		action = ActionApprovalRejected
	}

	decided, err := s.approvals.Decide(ctx, scope, current.ID, status, actor.ID, req.Comment)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"approvalRequestId": decided.ID,
		"fromStage":         string(decided.FromStage),
		"requestedStage":    string(decided.RequestedStage),
	}
	if req.Comment != nil {
		payload["comment"] = *req.Comment
	}
	if err := s.audit.Append(ctx, scope, &repository.AuditEntry{
		EntityKind: string(decided.RecordKind),
		EntityID:   decided.RecordID,
		ActorID:    actor.ID,
		Action:     action,
		Payload:    payload,
	}); err != nil {
		s.log.Warn().Err(err).Str("approval_request_id", decided.ID).Msg("Failed to audit approval decision")
	}

	s.notifyRequester(ctx, scope, decided)

	s.log.Info().
		Str("tenant_id", scope.TenantID).
		Str("approval_request_id", decided.ID).
		Str("status", string(decided.Status)).
		Str("decided_by", actor.ID).
		Msg("Approval request decided")

	result := &DecisionResult{Request: decided}
	if status == repository.ApprovalRejected {
		return result, nil
	}

	outcome, err := s.executor.Execute(ctx, actor, TransitionRequest{
		Kind:              decided.RecordKind,
		RecordID:          decided.RecordID,
		TargetStage:       decided.RequestedStage,
		TargetTenant:      req.TargetTenant,
		ApprovalRequestID: decided.ID,
	})
	if err != nil {
		return result, fmt.Errorf("apply approved transition: %w", err)
	}
	result.Outcome = outcome
	return result, nil
}

// List returns the requests addressed to the actor, optionally filtered by
// status.
func (s *ApprovalService) List(ctx context.Context, actor auth.Actor, status repository.ApprovalStatus, targetTenant string) ([]*repository.ApprovalRequest, error) {
	scope, err := tenancy.Resolve(actor, targetTenant)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeForbidden, "tenant scope denied")
	}
	switch status {
	case "", repository.ApprovalPending, repository.ApprovalApproved, repository.ApprovalRejected:
	default:
		return nil, errors.InvalidInput("status", "must be PENDING, APPROVED or REJECTED")
	}
	return s.approvals.List(ctx, scope, actor.ID, status)
}

func (s *ApprovalService) notifyRequester(ctx context.Context, scope tenancy.Scope, req *repository.ApprovalRequest) {
	n := &repository.Notification{
		TenantID:   scope.TenantID,
		Event:      "approval." + strings.ToLower(string(req.Status)),
		ActorID:    scope.ActorID,
		RecordKind: req.RecordKind,
		RecordID:   req.RecordID,
		Recipients: []string{req.RequestedBy},
		Payload: map[string]any{
			"approvalRequestId": req.ID,
			"requestedStage":    string(req.RequestedStage),
		},
	}
	if req.RequestedBy == "" {
		n.Recipients = nil
	}
	if err := s.notifier.Send(ctx, n); err != nil {
		s.log.Warn().Err(err).Str("approval_request_id", req.ID).Msg("Failed to notify requester")
	}
}
