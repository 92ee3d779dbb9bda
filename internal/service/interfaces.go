package service

import (
	"context"

	"github.com/pesio-ai/be-crm-pipeline/internal/auth"
	"github.com/pesio-ai/be-crm-pipeline/internal/repository"
	"github.com/pesio-ai/be-crm-pipeline/internal/stagegraph"
	"github.com/pesio-ai/be-crm-pipeline/internal/tenancy"
)

// RecordStore is the tenant-isolated record store. Implemented by
// repository.RecordRepository and memory.Records.
type RecordStore interface {
	Get(ctx context.Context, scope tenancy.Scope, kind stagegraph.Kind, id string) (*repository.PipelineRecord, error)
	UpdateStage(ctx context.Context, scope tenancy.Scope, kind stagegraph.Kind, id string, from, to stagegraph.Stage) error
	UpdateFields(ctx context.Context, scope tenancy.Scope, kind stagegraph.Kind, id string, patch repository.RecordPatch) (*repository.PipelineRecord, error)
	Create(ctx context.Context, scope tenancy.Scope, rec *repository.PipelineRecord) error
	Delete(ctx context.Context, scope tenancy.Scope, kind stagegraph.Kind, id string) error
	FindDependents(ctx context.Context, scope tenancy.Scope, parentKind stagegraph.Kind, parentID string, childKind stagegraph.Kind) ([]*repository.PipelineRecord, error)
}

// ApprovalStore persists approval requests. FindPending and FindApproved
// return nil, nil when nothing matches. CreatePending reports false when a
// pending request for the same record and stage already exists.
type ApprovalStore interface {
	FindPending(ctx context.Context, scope tenancy.Scope, kind stagegraph.Kind, recordID string, to stagegraph.Stage) (*repository.ApprovalRequest, error)
	FindApproved(ctx context.Context, scope tenancy.Scope, kind stagegraph.Kind, recordID string, from, to stagegraph.Stage) (*repository.ApprovalRequest, error)
	CreatePending(ctx context.Context, scope tenancy.Scope, req *repository.ApprovalRequest) (bool, error)
	Get(ctx context.Context, scope tenancy.Scope, id string) (*repository.ApprovalRequest, error)
	Decide(ctx context.Context, scope tenancy.Scope, id string, status repository.ApprovalStatus, decidedBy string, comment *string) (*repository.ApprovalRequest, error)
	List(ctx context.Context, scope tenancy.Scope, approverID string, status repository.ApprovalStatus) ([]*repository.ApprovalRequest, error)
}

// InventoryStore mutates stock counters atomically per item.
type InventoryStore interface {
	Get(ctx context.Context, scope tenancy.Scope, itemID string) (*repository.InventoryBalance, error)
	Put(ctx context.Context, scope tenancy.Scope, b *repository.InventoryBalance) error
	Reserve(ctx context.Context, scope tenancy.Scope, itemID string, qty int64) (*repository.StockChange, error)
	Release(ctx context.Context, scope tenancy.Scope, itemID string, qty int64) (*repository.StockChange, error)
	Consume(ctx context.Context, scope tenancy.Scope, itemID string, qty int64) (*repository.StockChange, error)
}

// AuditSink appends audit entries. Entries are never updated.
type AuditSink interface {
	Append(ctx context.Context, scope tenancy.Scope, entry *repository.AuditEntry) error
}

// NotificationSender delivers fire-and-forget notifications.
type NotificationSender interface {
	Send(ctx context.Context, n *repository.Notification) error
}

// RoleDirectory resolves the users holding a role in a tenant.
type RoleDirectory interface {
	UsersWithRole(ctx context.Context, tenantID, role string) ([]string, error)
}

// PermissionOracle is the external authorization decision point.
type PermissionOracle interface {
	CanPerform(actor auth.Actor, module, action string) bool
}
