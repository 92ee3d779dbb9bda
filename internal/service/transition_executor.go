package service

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/pesio-ai/be-crm-pipeline/internal/auth"
	"github.com/pesio-ai/be-crm-pipeline/internal/errors"
	"github.com/pesio-ai/be-crm-pipeline/internal/logger"
	"github.com/pesio-ai/be-crm-pipeline/internal/rbac"
	"github.com/pesio-ai/be-crm-pipeline/internal/repository"
	"github.com/pesio-ai/be-crm-pipeline/internal/stagegraph"
	"github.com/pesio-ai/be-crm-pipeline/internal/tenancy"
)

const instrumentationName = "github.com/pesio-ai/be-crm-pipeline/service"

// Phase is a step of the executor state machine.
type Phase string

const (
	PhaseValidating    Phase = "VALIDATING"
	PhaseApprovalCheck Phase = "APPROVAL_CHECK"
	PhaseWriting       Phase = "WRITING"
	PhaseVerifying     Phase = "VERIFYING"
	PhaseCascading     Phase = "CASCADING"
	PhaseDone          Phase = "DONE"
	PhaseRejected      Phase = "REJECTED"
)

// OutcomeKind classifies a transition that did not fail.
type OutcomeKind string

const (
	OutcomeApplied          OutcomeKind = "APPLIED"
	OutcomeApprovalRequired OutcomeKind = "APPROVAL_REQUIRED"
	OutcomeApprovalPending  OutcomeKind = "APPROVAL_PENDING"
)

// Audit actions written by the service layer.
const (
	ActionStageTransition  = "stage_transition"
	ActionStageUnchanged   = "stage_unchanged"
	ActionFieldsUpdated    = "fields_updated"
	ActionRecordDeleted    = "record_deleted"
	ActionApprovalApproved = "approval_approved"
	ActionApprovalRejected = "approval_rejected"
)

// TransitionRequest asks for one record to move to TargetStage.
type TransitionRequest struct {
	Kind        stagegraph.Kind
	RecordID    string
	TargetStage stagegraph.Stage
	// TargetTenant addresses another tenant; only elevated actors may set it.
	TargetTenant string
	// ApprovalRequestID is set when an approver's decision drives the
	// transition. The actor then needs approve rather than update rights.
	ApprovalRequestID string
	// Patch is written just before the stage, after validation and the
	// approval gate. A rejected or gated transition leaves it unapplied.
	Patch repository.RecordPatch
}

// TransitionOutcome is the result of a transition that was not rejected.
type TransitionOutcome struct {
	Kind            OutcomeKind
	Record          *repository.PipelineRecord
	ApprovalRequest *repository.ApprovalRequest
	// Unchanged is set when the record was already in the target stage.
	Unchanged bool
	Derived   *repository.PipelineRecord
	Warnings  []CascadeWarning
}

// TransitionExecutor is the entry point for every stage change.
type TransitionExecutor struct {
	records  RecordStore
	oracle   PermissionOracle
	gate     *ApprovalGate
	verifier *ConsistencyVerifier
	cascade  *CascadeDispatcher
	audit    AuditSink
	log      *logger.Logger

	tracer      trace.Tracer
	transitions metric.Int64Counter
}

// NewTransitionExecutor creates a new TransitionExecutor.
func NewTransitionExecutor(
	records RecordStore,
	oracle PermissionOracle,
	gate *ApprovalGate,
	verifier *ConsistencyVerifier,
	cascade *CascadeDispatcher,
	audit AuditSink,
	log *logger.Logger,
) *TransitionExecutor {
	transitions, _ := otel.Meter(instrumentationName).Int64Counter("crm.pipeline.transitions",
		metric.WithDescription("Stage transitions by kind and outcome"),
	)
	return &TransitionExecutor{
		records:     records,
		oracle:      oracle,
		gate:        gate,
		verifier:    verifier,
		cascade:     cascade,
		audit:       audit,
		log:         log.Component("transition_executor"),
		tracer:      otel.Tracer(instrumentationName),
		transitions: transitions,
	}
}

// Execute authorizes, validates and applies one transition.
//
// Rejections come back as *errors.AppError with codes FORBIDDEN, NOT_FOUND,
// IMMUTABLE_RECORD, INVALID_TRANSITION or CONSISTENCY_ERROR. Approval gates
// are outcomes, not errors.
func (e *TransitionExecutor) Execute(ctx context.Context, actor auth.Actor, req TransitionRequest) (*TransitionOutcome, error) {
	ctx, span := e.tracer.Start(ctx, "pipeline.transition",
		trace.WithAttributes(
			attribute.String("crm.record_kind", string(req.Kind)),
			attribute.String("crm.record_id", req.RecordID),
			attribute.String("crm.target_stage", string(req.TargetStage)),
		),
	)
	defer span.End()

	outcome, err := e.execute(ctx, span, actor, req)

	var result string
	if err != nil {
		result = string(errors.CodeOf(err))
		e.enter(span, req, PhaseRejected)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.log.Info().
			Err(err).
			Str("actor_id", actor.ID).
			Str("record_kind", string(req.Kind)).
			Str("record_id", req.RecordID).
			Str("target_stage", string(req.TargetStage)).
			Msg("Transition rejected")
	} else {
		result = string(outcome.Kind)
		e.enter(span, req, PhaseDone)
	}
	e.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(req.Kind)),
		attribute.String("result", result),
	))
	return outcome, err
}

func (e *TransitionExecutor) execute(ctx context.Context, span trace.Span, actor auth.Actor, req TransitionRequest) (*TransitionOutcome, error) {
	scope, err := tenancy.Resolve(actor, req.TargetTenant)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeForbidden, "tenant scope denied")
	}

	action := rbac.ActionUpdate
	if req.ApprovalRequestID != "" {
		action = rbac.ActionApprove
	}
	if !e.oracle.CanPerform(actor, req.Kind.Module(), string(action)) {
		return nil, errors.Forbidden(req.Kind.Module(), string(action))
	}

	// ── VALIDATING ──
	e.enter(span, req, PhaseValidating)
	if len(stagegraph.Stages(req.Kind)) == 0 {
		return nil, errors.InvalidInput("kind", "unknown record kind "+string(req.Kind))
	}
	rec, err := e.records.Get(ctx, scope, req.Kind, req.RecordID)
	if err != nil {
		return nil, err
	}
	from := rec.Stage
	if stagegraph.IsTerminal(rec.Kind, from) {
		return nil, errors.Immutable(string(from))
	}
	if req.TargetStage == from {
		if !req.Patch.Empty() {
			if rec, err = e.applyPatch(ctx, scope, actor, rec, req.Patch); err != nil {
				return nil, err
			}
		}
		e.auditUnchanged(ctx, scope, actor, rec)
		return &TransitionOutcome{Kind: OutcomeApplied, Record: rec, Unchanged: true}, nil
	}
	if !stagegraph.CanTransition(rec.Kind, from, req.TargetStage) {
		allowed := stagegraph.StageNames(stagegraph.AllowedTargets(rec.Kind, from))
		return nil, errors.InvalidTransition(string(from), string(req.TargetStage), allowed)
	}

	// ── APPROVAL_CHECK ──
	e.enter(span, req, PhaseApprovalCheck)
	gate, err := e.gate.Resolve(ctx, scope, rec, req.TargetStage)
	if err != nil {
		return nil, err
	}
	switch gate.Decision {
	case GateBlockPending:
		return &TransitionOutcome{Kind: OutcomeApprovalPending, Record: rec, ApprovalRequest: gate.Request}, nil
	case GateCreateAndBlock:
		return &TransitionOutcome{Kind: OutcomeApprovalRequired, Record: rec, ApprovalRequest: gate.Request}, nil
	}

	approvalID := req.ApprovalRequestID
	if approvalID == "" && gate.Request != nil {
		approvalID = gate.Request.ID
	}

	// The caller can no longer cancel once the write is issued.
	ctx = context.WithoutCancel(ctx)

	// ── WRITING / VERIFYING ──
	e.enter(span, req, PhaseWriting)
	if !req.Patch.Empty() {
		if rec, err = e.applyPatch(ctx, scope, actor, rec, req.Patch); err != nil {
			return nil, err
		}
	}
	verified, err := e.verifier.WriteAndVerify(ctx, scope, rec.Kind, rec.ID, req.TargetStage, func(ctx context.Context) error {
		return e.records.UpdateStage(ctx, scope, rec.Kind, rec.ID, from, req.TargetStage)
	})
	e.enter(span, req, PhaseVerifying)
	if err != nil {
		return nil, err
	}

	// ── CASCADING ──
	e.enter(span, req, PhaseCascading)
	cascade := e.cascade.OnTransitioned(ctx, scope, Transitioned{
		Actor:             actor,
		Record:            verified,
		From:              from,
		To:                req.TargetStage,
		ApprovalRequestID: approvalID,
	})

	e.log.Info().
		Str("tenant_id", scope.TenantID).
		Str("actor_id", actor.ID).
		Str("record_kind", string(rec.Kind)).
		Str("record_id", rec.ID).
		Str("from", string(from)).
		Str("to", string(req.TargetStage)).
		Int("warnings", len(cascade.Warnings)).
		Msg("Transition applied")

	return &TransitionOutcome{
		Kind:            OutcomeApplied,
		Record:          verified,
		ApprovalRequest: gate.Request,
		Derived:         cascade.Derived,
		Warnings:        cascade.Warnings,
	}, nil
}

func (e *TransitionExecutor) enter(span trace.Span, req TransitionRequest, phase Phase) {
	span.AddEvent(string(phase))
	e.log.Debug().
		Str("record_id", req.RecordID).
		Str("phase", string(phase)).
		Msg("Transition phase")
}

// applyPatch writes field edits that ride along with a stage change.
func (e *TransitionExecutor) applyPatch(ctx context.Context, scope tenancy.Scope, actor auth.Actor, rec *repository.PipelineRecord, patch repository.RecordPatch) (*repository.PipelineRecord, error) {
	updated, err := e.records.UpdateFields(ctx, scope, rec.Kind, rec.ID, patch)
	if err != nil {
		return nil, err
	}
	err = e.audit.Append(ctx, scope, &repository.AuditEntry{
		EntityKind: string(rec.Kind),
		EntityID:   rec.ID,
		ActorID:    actor.ID,
		Action:     ActionFieldsUpdated,
		Payload:    patchPayload(patch),
	})
	if err != nil {
		e.log.Warn().Err(err).Str("record_id", rec.ID).Msg("Failed to audit field update")
	}
	return updated, nil
}

// auditUnchanged records a request for the stage the record is already in.
// No cascade runs for it.
func (e *TransitionExecutor) auditUnchanged(ctx context.Context, scope tenancy.Scope, actor auth.Actor, rec *repository.PipelineRecord) {
	err := e.audit.Append(ctx, scope, &repository.AuditEntry{
		EntityKind: string(rec.Kind),
		EntityID:   rec.ID,
		ActorID:    actor.ID,
		Action:     ActionStageUnchanged,
		Payload:    map[string]any{"stage": string(rec.Stage)},
	})
	if err != nil {
		e.log.Warn().Err(err).Str("record_id", rec.ID).Msg("Failed to audit no-op transition")
	}
}
