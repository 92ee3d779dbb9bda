// Package memory is an in-process implementation of the pipeline stores used
// for local development and tests. Each call is atomic under one mutex, which
// gives the same per-call guarantees the Postgres statements give.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-crm-pipeline/internal/errors"
	"github.com/pesio-ai/be-crm-pipeline/internal/repository"
	"github.com/pesio-ai/be-crm-pipeline/internal/stagegraph"
	"github.com/pesio-ai/be-crm-pipeline/internal/tenancy"
)

type tenantKey struct {
	tenant string
	id     string
}

// Store holds every table. Use the accessor methods to get the typed views.
type Store struct {
	mu        sync.Mutex
	records   map[tenantKey]*repository.PipelineRecord
	approvals map[tenantKey]*repository.ApprovalRequest
	inventory map[tenantKey]*repository.InventoryBalance
	audit     []*repository.AuditEntry
	now       func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		records:   make(map[tenantKey]*repository.PipelineRecord),
		approvals: make(map[tenantKey]*repository.ApprovalRequest),
		inventory: make(map[tenantKey]*repository.InventoryBalance),
		now:       time.Now,
	}
}

// WithClock overrides the clock for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Records() *Records { return &Records{s: s} }
func (s *Store) Approvals() *Approvals { return &Approvals{s: s} }
func (s *Store) Inventory() *Inventory { return &Inventory{s: s} }
func (s *Store) Audit() *Audit { return &Audit{s: s} }

// ── records ──────────────────────────────────────────────────────────────────

type Records struct{ s *Store }

func cloneRecord(r *repository.PipelineRecord) *repository.PipelineRecord {
	out := *r
	out.Lines = append([]repository.LineItem(nil), r.Lines...)
	if r.ParentKind != nil {
		pk := *r.ParentKind
		out.ParentKind = &pk
	}
	if r.ParentID != nil {
		pid := *r.ParentID
		out.ParentID = &pid
	}
	if r.OwnerID != nil {
		oid := *r.OwnerID
		out.OwnerID = &oid
	}
	return &out
}

func (r *Records) Get(_ context.Context, scope tenancy.Scope, kind stagegraph.Kind, id string) (*repository.PipelineRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	rec, ok := r.s.records[tenantKey{scope.TenantID, id}]
	if !ok || rec.Kind != kind {
		return nil, errors.NotFound(kind.Module(), id)
	}
	return cloneRecord(rec), nil
}

func (r *Records) UpdateStage(_ context.Context, scope tenancy.Scope, kind stagegraph.Kind, id string, from, to stagegraph.Stage) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	rec, ok := r.s.records[tenantKey{scope.TenantID, id}]
	if !ok || rec.Kind != kind {
		return errors.New(errors.ErrCodeConsistency, fmt.Sprintf("%s %s is no longer in stage %s", kind, id, from))
	}
	if rec.Stage != from && rec.Stage != to {
		return errors.New(errors.ErrCodeConsistency, fmt.Sprintf("%s %s is no longer in stage %s", kind, id, from))
	}
	rec.Stage = to
	rec.UpdatedAt = r.s.now()
	return nil
}

func (r *Records) UpdateFields(_ context.Context, scope tenancy.Scope, kind stagegraph.Kind, id string, patch repository.RecordPatch) (*repository.PipelineRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	rec, ok := r.s.records[tenantKey{scope.TenantID, id}]
	if !ok || rec.Kind != kind {
		return nil, errors.NotFound(kind.Module(), id)
	}
	if patch.Title != nil {
		rec.Title = *patch.Title
	}
	if patch.Total != nil {
		rec.Total = *patch.Total
	}
	if patch.OwnerID != nil {
		owner := *patch.OwnerID
		rec.OwnerID = &owner
	}
	rec.UpdatedAt = r.s.now()
	return cloneRecord(rec), nil
}

func (r *Records) Create(_ context.Context, scope tenancy.Scope, rec *repository.PipelineRecord) error {
	if !stagegraph.Valid(rec.Kind, rec.Stage) {
		return errors.InvalidInput("stage", fmt.Sprintf("%s is not a %s stage", rec.Stage, rec.Kind))
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.TenantID = scope.TenantID
	now := r.s.now()
	rec.CreatedAt, rec.UpdatedAt = now, now
	for i := range rec.Lines {
		if rec.Lines[i].LineNumber == 0 {
			rec.Lines[i].LineNumber = i + 1
		}
	}
	r.s.records[tenantKey{scope.TenantID, rec.ID}] = cloneRecord(rec)
	return nil
}

func (r *Records) Delete(_ context.Context, scope tenancy.Scope, kind stagegraph.Kind, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	key := tenantKey{scope.TenantID, id}
	rec, ok := r.s.records[key]
	if !ok || rec.Kind != kind {
		return errors.NotFound(kind.Module(), id)
	}
	for _, other := range r.s.records {
		if other.TenantID == scope.TenantID && other.ParentID != nil && *other.ParentID == id {
			return errors.HasDependents(string(other.Kind), other.ID)
		}
	}
	delete(r.s.records, key)
	return nil
}

func (r *Records) FindDependents(_ context.Context, scope tenancy.Scope, parentKind stagegraph.Kind, parentID string, childKind stagegraph.Kind) ([]*repository.PipelineRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*repository.PipelineRecord
	for _, rec := range r.s.records {
		if rec.TenantID != scope.TenantID || rec.ParentKind == nil || rec.ParentID == nil {
			continue
		}
		if *rec.ParentKind != parentKind || *rec.ParentID != parentID {
			continue
		}
		if childKind != "" && rec.Kind != childKind {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ── approvals ────────────────────────────────────────────────────────────────

type Approvals struct{ s *Store }

func cloneApproval(a *repository.ApprovalRequest) *repository.ApprovalRequest {
	out := *a
	out.ApproverIDs = append([]string(nil), a.ApproverIDs...)
	return &out
}

func (a *Approvals) FindPending(_ context.Context, scope tenancy.Scope, kind stagegraph.Kind, recordID string, to stagegraph.Stage) (*repository.ApprovalRequest, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	if req := a.findPendingLocked(scope, kind, recordID, to); req != nil {
		return cloneApproval(req), nil
	}
	return nil, nil
}

func (a *Approvals) findPendingLocked(scope tenancy.Scope, kind stagegraph.Kind, recordID string, to stagegraph.Stage) *repository.ApprovalRequest {
	for _, req := range a.s.approvals {
		if req.TenantID == scope.TenantID && req.RecordKind == kind && req.RecordID == recordID &&
			req.RequestedStage == to && req.Status == repository.ApprovalPending {
			return req
		}
	}
	return nil
}

func (a *Approvals) FindApproved(_ context.Context, scope tenancy.Scope, kind stagegraph.Kind, recordID string, from, to stagegraph.Stage) (*repository.ApprovalRequest, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	var latest *repository.ApprovalRequest
	for _, req := range a.s.approvals {
		if req.TenantID != scope.TenantID || req.RecordKind != kind || req.RecordID != recordID {
			continue
		}
		if req.FromStage != from || req.RequestedStage != to || req.Status != repository.ApprovalApproved {
			continue
		}
		if latest == nil || req.DecidedAt.After(*latest.DecidedAt) {
			latest = req
		}
	}
	if latest == nil {
		return nil, nil
	}
	return cloneApproval(latest), nil
}

func (a *Approvals) CreatePending(_ context.Context, scope tenancy.Scope, req *repository.ApprovalRequest) (bool, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	if a.findPendingLocked(scope, req.RecordKind, req.RecordID, req.RequestedStage) != nil {
		return false, nil
	}
	req.ID = uuid.NewString()
	req.TenantID = scope.TenantID
	req.Status = repository.ApprovalPending
	if req.ApproverIDs == nil {
		req.ApproverIDs = []string{}
	}
	now := a.s.now()
	req.CreatedAt, req.UpdatedAt = now, now
	a.s.approvals[tenantKey{scope.TenantID, req.ID}] = cloneApproval(req)
	return true, nil
}

func (a *Approvals) Get(_ context.Context, scope tenancy.Scope, id string) (*repository.ApprovalRequest, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	req, ok := a.s.approvals[tenantKey{scope.TenantID, id}]
	if !ok {
		return nil, errors.NotFound("approval_request", id)
	}
	return cloneApproval(req), nil
}

func (a *Approvals) Decide(_ context.Context, scope tenancy.Scope, id string, status repository.ApprovalStatus, decidedBy string, comment *string) (*repository.ApprovalRequest, error) {
	if status != repository.ApprovalApproved && status != repository.ApprovalRejected {
		return nil, errors.InvalidInput("decision", "must be APPROVED or REJECTED")
	}

	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	req, ok := a.s.approvals[tenantKey{scope.TenantID, id}]
	if !ok {
		return nil, errors.NotFound("approval_request", id)
	}
	if req.Status != repository.ApprovalPending {
		return nil, errors.New(errors.ErrCodeConflict, "approval request already decided").
			WithDetail("status", string(req.Status))
	}
	now := a.s.now()
	by := decidedBy
	req.Status = status
	req.DecidedBy = &by
	req.DecidedAt = &now
	req.DecisionComment = comment
	req.UpdatedAt = now
	return cloneApproval(req), nil
}

func (a *Approvals) List(_ context.Context, scope tenancy.Scope, approverID string, status repository.ApprovalStatus) ([]*repository.ApprovalRequest, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	var out []*repository.ApprovalRequest
	for _, req := range a.s.approvals {
		if req.TenantID != scope.TenantID {
			continue
		}
		if approverID != "" && !req.IsApprover(approverID) {
			continue
		}
		if status != "" && req.Status != status {
			continue
		}
		out = append(out, cloneApproval(req))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ── inventory ────────────────────────────────────────────────────────────────

type Inventory struct{ s *Store }

func (inv *Inventory) Get(_ context.Context, scope tenancy.Scope, itemID string) (*repository.InventoryBalance, error) {
	inv.s.mu.Lock()
	defer inv.s.mu.Unlock()

	b, ok := inv.s.inventory[tenantKey{scope.TenantID, itemID}]
	if !ok {
		return nil, errors.NotFound("inventory_item", itemID)
	}
	out := *b
	return &out, nil
}

func (inv *Inventory) Put(_ context.Context, scope tenancy.Scope, b *repository.InventoryBalance) error {
	if b.OnHand < 0 || b.Reserved < 0 || b.Incoming < 0 {
		return errors.InvalidInput("balance", "counters must not be negative")
	}

	inv.s.mu.Lock()
	defer inv.s.mu.Unlock()

	b.TenantID = scope.TenantID
	b.UpdatedAt = inv.s.now()
	stored := *b
	inv.s.inventory[tenantKey{scope.TenantID, b.ItemID}] = &stored
	return nil
}

func (inv *Inventory) Reserve(_ context.Context, scope tenancy.Scope, itemID string, qty int64) (*repository.StockChange, error) {
	if qty <= 0 {
		return nil, errors.InvalidInput("quantity", "must be positive")
	}

	inv.s.mu.Lock()
	defer inv.s.mu.Unlock()

	b, ok := inv.s.inventory[tenantKey{scope.TenantID, itemID}]
	if !ok {
		return nil, errors.NotFound("inventory_item", itemID)
	}
	if !b.AllowOversell && b.Available() < qty {
		return nil, errors.InsufficientStock(itemID, qty, b.Available())
	}
	b.Reserved += qty
	b.UpdatedAt = inv.s.now()
	return &repository.StockChange{ItemID: itemID, Requested: qty, Balance: *b}, nil
}

func (inv *Inventory) Release(_ context.Context, scope tenancy.Scope, itemID string, qty int64) (*repository.StockChange, error) {
	if qty <= 0 {
		return nil, errors.InvalidInput("quantity", "must be positive")
	}

	inv.s.mu.Lock()
	defer inv.s.mu.Unlock()

	b, ok := inv.s.inventory[tenantKey{scope.TenantID, itemID}]
	if !ok {
		return nil, errors.NotFound("inventory_item", itemID)
	}
	clamped := b.Reserved < qty
	b.Reserved = max(b.Reserved-qty, 0)
	b.UpdatedAt = inv.s.now()
	return &repository.StockChange{ItemID: itemID, Requested: qty, Balance: *b, Clamped: clamped}, nil
}

func (inv *Inventory) Consume(_ context.Context, scope tenancy.Scope, itemID string, qty int64) (*repository.StockChange, error) {
	if qty <= 0 {
		return nil, errors.InvalidInput("quantity", "must be positive")
	}

	inv.s.mu.Lock()
	defer inv.s.mu.Unlock()

	b, ok := inv.s.inventory[tenantKey{scope.TenantID, itemID}]
	if !ok {
		return nil, errors.NotFound("inventory_item", itemID)
	}
	clamped := b.OnHand < qty
	b.OnHand = max(b.OnHand-qty, 0)
	b.Reserved -= min(qty, b.Reserved)
	b.UpdatedAt = inv.s.now()
	return &repository.StockChange{ItemID: itemID, Requested: qty, Balance: *b, Clamped: clamped}, nil
}

// ── audit ────────────────────────────────────────────────────────────────────

type Audit struct{ s *Store }

func (a *Audit) Append(_ context.Context, scope tenancy.Scope, entry *repository.AuditEntry) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	entry.ID = uuid.NewString()
	entry.TenantID = scope.TenantID
	entry.CreatedAt = a.s.now()
	stored := *entry
	a.s.audit = append(a.s.audit, &stored)
	return nil
}

func (a *Audit) List(_ context.Context, scope tenancy.Scope, entityKind, entityID string) ([]*repository.AuditEntry, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	var out []*repository.AuditEntry
	for _, e := range a.s.audit {
		if e.TenantID == scope.TenantID && e.EntityKind == entityKind && e.EntityID == entityID {
			copied := *e
			out = append(out, &copied)
		}
	}
	return out, nil
}
