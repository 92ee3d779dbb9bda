package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-crm-pipeline/internal/database"
	"github.com/pesio-ai/be-crm-pipeline/internal/errors"
	"github.com/pesio-ai/be-crm-pipeline/internal/stagegraph"
	"github.com/pesio-ai/be-crm-pipeline/internal/tenancy"
)

// ApprovalRequestRepository stores approval requests. The partial unique
// index approval_requests_one_pending_idx keeps at most one PENDING request
// per record and requested stage.
type ApprovalRequestRepository struct {
	db *database.DB
}

// NewApprovalRequestRepository creates a new ApprovalRequestRepository.
func NewApprovalRequestRepository(db *database.DB) *ApprovalRequestRepository {
	return &ApprovalRequestRepository{db: db}
}

const approvalColumns = `
	id::text, tenant_id, related_kind::text, related_id::text,
	from_stage::text, requested_stage::text, approver_ids,
	status::text, priority::text, requested_by,
	decided_by, decided_at, decision_comment,
	created_at, updated_at`

// FindPending returns the open request for (record, requested stage), or
// nil when there is none.
func (r *ApprovalRequestRepository) FindPending(ctx context.Context, scope tenancy.Scope, kind stagegraph.Kind, recordID string, to stagegraph.Stage) (*ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + `
		FROM approval_requests
		WHERE tenant_id = $1 AND related_kind = $2::record_kind AND related_id = $3::uuid
		  AND requested_stage = $4::pipeline_stage
		  AND status = 'PENDING'
		LIMIT 1`

	req, err := scanApproval(r.db.QueryRow(ctx, query, scope.TenantID, string(kind), recordID, string(to)))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to probe pending approval")
	}
	return req, nil
}

// FindApproved returns the most recent APPROVED request for exactly
// from -> to on the record, or nil.
func (r *ApprovalRequestRepository) FindApproved(ctx context.Context, scope tenancy.Scope, kind stagegraph.Kind, recordID string, from, to stagegraph.Stage) (*ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + `
		FROM approval_requests
		WHERE tenant_id = $1 AND related_kind = $2::record_kind AND related_id = $3::uuid
		  AND from_stage = $4::pipeline_stage
		  AND requested_stage = $5::pipeline_stage
		  AND status = 'APPROVED'
		ORDER BY decided_at DESC
		LIMIT 1`

	req, err := scanApproval(r.db.QueryRow(ctx, query, scope.TenantID, string(kind), recordID, string(from), string(to)))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to probe approved request")
	}
	return req, nil
}

// CreatePending inserts a PENDING request. It reports false, without error,
// when a concurrent caller already holds the pending slot.
func (r *ApprovalRequestRepository) CreatePending(ctx context.Context, scope tenancy.Scope, req *ApprovalRequest) (bool, error) {
	req.TenantID = scope.TenantID
	req.Status = ApprovalPending
	if req.ApproverIDs == nil {
		req.ApproverIDs = []string{}
	}

	query := `
		INSERT INTO approval_requests
		    (tenant_id, related_kind, related_id, from_stage, requested_stage,
		     approver_ids, status, priority, requested_by)
		VALUES ($1, $2::record_kind, $3::uuid, $4::pipeline_stage, $5::pipeline_stage,
		        $6, 'PENDING', $7::approval_priority, $8)
		ON CONFLICT (tenant_id, related_kind, related_id, requested_stage)
		    WHERE status = 'PENDING' DO NOTHING
		RETURNING id::text, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		req.TenantID,
		string(req.RecordKind),
		req.RecordID,
		string(req.FromStage),
		string(req.RequestedStage),
		req.ApproverIDs,
		req.Priority,
		req.RequestedBy,
	).Scan(&req.ID, &req.CreatedAt, &req.UpdatedAt)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval request")
	}
	return true, nil
}

// Get loads one request.
func (r *ApprovalRequestRepository) Get(ctx context.Context, scope tenancy.Scope, id string) (*ApprovalRequest, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.NotFound("approval_request", id)
	}

	query := `SELECT ` + approvalColumns + `
		FROM approval_requests
		WHERE id = $1 AND tenant_id = $2`

	req, err := scanApproval(r.db.QueryRow(ctx, query, id, scope.TenantID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_request", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval request")
	}
	return req, nil
}

// Decide moves a PENDING request to APPROVED or REJECTED. Deciding a request
// that is no longer pending is a conflict.
func (r *ApprovalRequestRepository) Decide(ctx context.Context, scope tenancy.Scope, id string, status ApprovalStatus, decidedBy string, comment *string) (*ApprovalRequest, error) {
	if status != ApprovalApproved && status != ApprovalRejected {
		return nil, errors.InvalidInput("decision", "must be APPROVED or REJECTED")
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.NotFound("approval_request", id)
	}

	query := `
		UPDATE approval_requests
		SET status           = $3::approval_status,
		    decided_by       = $4,
		    decided_at       = NOW(),
		    decision_comment = $5,
		    updated_at       = NOW()
		WHERE id = $1 AND tenant_id = $2 AND status = 'PENDING'
		RETURNING ` + approvalColumns

	req, err := scanApproval(r.db.QueryRow(ctx, query, id, scope.TenantID, string(status), decidedBy, comment))
	if err == pgx.ErrNoRows {
		existing, getErr := r.Get(ctx, scope, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, errors.New(errors.ErrCodeConflict, "approval request already decided").
			WithDetail("status", string(existing.Status))
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to decide approval request")
	}
	return req, nil
}

// List returns requests in the tenant, optionally narrowed to one approver
// and one status, oldest first.
func (r *ApprovalRequestRepository) List(ctx context.Context, scope tenancy.Scope, approverID string, status ApprovalStatus) ([]*ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + `
		FROM approval_requests
		WHERE tenant_id = $1
		  AND ($2 = '' OR $2 = ANY(approver_ids))
		  AND ($3 = '' OR status::text = $3)
		ORDER BY created_at`

	rows, err := r.db.Query(ctx, query, scope.TenantID, approverID, string(status))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval requests")
	}
	defer rows.Close()

	var out []*ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval request")
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func scanApproval(row rowScanner) (*ApprovalRequest, error) {
	var (
		req       ApprovalRequest
		kind      string
		fromStage string
		toStage   string
		status    string
	)
	err := row.Scan(
		&req.ID,
		&req.TenantID,
		&kind,
		&req.RecordID,
		&fromStage,
		&toStage,
		&req.ApproverIDs,
		&status,
		&req.Priority,
		&req.RequestedBy,
		&req.DecidedBy,
		&req.DecidedAt,
		&req.DecisionComment,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	req.RecordKind = stagegraph.Kind(kind)
	req.FromStage = stagegraph.Stage(fromStage)
	req.RequestedStage = stagegraph.Stage(toStage)
	req.Status = ApprovalStatus(status)
	return &req, nil
}
