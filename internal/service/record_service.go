package service

import (
	"context"

	"github.com/pesio-ai/be-crm-pipeline/internal/auth"
	"github.com/pesio-ai/be-crm-pipeline/internal/errors"
	"github.com/pesio-ai/be-crm-pipeline/internal/logger"
	"github.com/pesio-ai/be-crm-pipeline/internal/rbac"
	"github.com/pesio-ai/be-crm-pipeline/internal/repository"
	"github.com/pesio-ai/be-crm-pipeline/internal/stagegraph"
	"github.com/pesio-ai/be-crm-pipeline/internal/tenancy"
)

// RecordService handles record reads, edits and deletes. Stage changes are
// delegated to the TransitionExecutor.
type RecordService struct {
	records  RecordStore
	oracle   PermissionOracle
	executor *TransitionExecutor
	audit    AuditSink
	log      *logger.Logger
}

// NewRecordService creates a new record service
func NewRecordService(
	records RecordStore,
	oracle PermissionOracle,
	executor *TransitionExecutor,
	audit AuditSink,
	log *logger.Logger,
) *RecordService {
	return &RecordService{
		records:  records,
		oracle:   oracle,
		executor: executor,
		audit:    audit,
		log:      log.Component("record_service"),
	}
}

// UpdateRequest represents a record update: optional field edits followed
// by an optional stage change.
type UpdateRequest struct {
	Kind         stagegraph.Kind
	RecordID     string
	TargetTenant string
	TargetStage  *stagegraph.Stage
	Patch        repository.RecordPatch
}

func (s *RecordService) authorize(actor auth.Actor, kind stagegraph.Kind, targetTenant string, action rbac.Action) (tenancy.Scope, error) {
	if len(stagegraph.Stages(kind)) == 0 {
		return tenancy.Scope{}, errors.InvalidInput("kind", "unknown record kind "+string(kind))
	}
	scope, err := tenancy.Resolve(actor, targetTenant)
	if err != nil {
		return tenancy.Scope{}, errors.Wrap(err, errors.ErrCodeForbidden, "tenant scope denied")
	}
	if !s.oracle.CanPerform(actor, kind.Module(), string(action)) {
		return tenancy.Scope{}, errors.Forbidden(kind.Module(), string(action))
	}
	return scope, nil
}

// Get returns one record.
func (s *RecordService) Get(ctx context.Context, actor auth.Actor, kind stagegraph.Kind, id, targetTenant string) (*repository.PipelineRecord, error) {
	scope, err := s.authorize(actor, kind, targetTenant, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	return s.records.Get(ctx, scope, kind, id)
}

// Update applies field edits, then the stage change if one was requested.
// Terminal records accept neither.
func (s *RecordService) Update(ctx context.Context, actor auth.Actor, req UpdateRequest) (*TransitionOutcome, error) {
	scope, err := s.authorize(actor, req.Kind, req.TargetTenant, rbac.ActionUpdate)
	if err != nil {
		return nil, err
	}
	if req.TargetStage == nil && req.Patch.Empty() {
		return nil, errors.InvalidInput("body", "nothing to update")
	}
	if req.Patch.Total != nil && req.Patch.Total.IsNegative() {
		return nil, errors.InvalidInput("total", "must not be negative")
	}

	rec, err := s.records.Get(ctx, scope, req.Kind, req.RecordID)
	if err != nil {
		return nil, err
	}
	if stagegraph.IsTerminal(rec.Kind, rec.Stage) {
		return nil, errors.Immutable(string(rec.Stage))
	}

	if req.TargetStage != nil {
		// The executor applies the patch only once the stage change has
		// been validated and cleared the approval gate.
		return s.executor.Execute(ctx, actor, TransitionRequest{
			Kind:         req.Kind,
			RecordID:     req.RecordID,
			TargetStage:  *req.TargetStage,
			TargetTenant: req.TargetTenant,
			Patch:        req.Patch,
		})
	}

	rec, err = s.records.UpdateFields(ctx, scope, req.Kind, req.RecordID, req.Patch)
	if err != nil {
		return nil, err
	}
	s.appendAudit(ctx, scope, actor, rec, ActionFieldsUpdated, patchPayload(req.Patch))
	return &TransitionOutcome{Kind: OutcomeApplied, Record: rec, Unchanged: true}, nil
}

// Delete removes a record that is neither terminal nor referenced by a
// downstream record, and returns it.
func (s *RecordService) Delete(ctx context.Context, actor auth.Actor, kind stagegraph.Kind, id, targetTenant string) (*repository.PipelineRecord, error) {
	scope, err := s.authorize(actor, kind, targetTenant, rbac.ActionDelete)
	if err != nil {
		return nil, err
	}

	rec, err := s.records.Get(ctx, scope, kind, id)
	if err != nil {
		return nil, err
	}
	if stagegraph.IsTerminal(rec.Kind, rec.Stage) {
		return nil, errors.Immutable(string(rec.Stage))
	}

	deps, err := s.records.FindDependents(ctx, scope, kind, id, "")
	if err != nil {
		return nil, err
	}
	if len(deps) > 0 {
		return nil, errors.HasDependents(string(deps[0].Kind), deps[0].ID)
	}

	if err := s.records.Delete(ctx, scope, kind, id); err != nil {
		return nil, err
	}
	s.appendAudit(ctx, scope, actor, rec, ActionRecordDeleted, map[string]any{"stage": string(rec.Stage)})

	s.log.Info().
		Str("tenant_id", scope.TenantID).
		Str("record_kind", string(kind)).
		Str("record_id", id).
		Msg("Record deleted")
	return rec, nil
}

func (s *RecordService) appendAudit(ctx context.Context, scope tenancy.Scope, actor auth.Actor, rec *repository.PipelineRecord, action string, payload map[string]any) {
	err := s.audit.Append(ctx, scope, &repository.AuditEntry{
		EntityKind: string(rec.Kind),
		EntityID:   rec.ID,
		ActorID:    actor.ID,
		Action:     action,
		Payload:    payload,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("record_id", rec.ID).Str("action", action).Msg("Failed to write audit entry")
	}
}

func patchPayload(p repository.RecordPatch) map[string]any {
	out := map[string]any{}
	if p.Title != nil {
		out["title"] = *p.Title
	}
	if p.Total != nil {
		out["total"] = p.Total.String()
	}
	if p.OwnerID != nil {
		out["ownerId"] = *p.OwnerID
	}
	return out
}
