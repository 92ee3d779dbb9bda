package repository

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-crm-pipeline/internal/stagegraph"
)

// ── Pipeline records ─────────────────────────────────────────────────────────

// LineItem is one catalog line on a quote, invoice or shipment.
type LineItem struct {
	LineNumber int             `json:"lineNumber"`
	ItemID     string          `json:"itemId"`
	Quantity   int64           `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unitPrice"`
}

// PipelineRecord is a deal, quote, invoice, shipment or contract.
type PipelineRecord struct {
	ID         string           `json:"id"`
	TenantID   string           `json:"tenantId"`
	Kind       stagegraph.Kind  `json:"kind"`
	Stage      stagegraph.Stage `json:"stage"`
	Title      string           `json:"title"`
	Total      decimal.Decimal  `json:"total"`
	Currency   string           `json:"currency"`
	ParentKind *stagegraph.Kind `json:"parentKind,omitempty"`
	ParentID   *string          `json:"parentId,omitempty"`
	OwnerID    *string          `json:"ownerId,omitempty"`
	Lines      []LineItem       `json:"lines,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}

// RecordPatch carries the non-stage fields a caller may edit. Nil fields are
// left untouched.
type RecordPatch struct {
	Title   *string
	Total   *decimal.Decimal
	OwnerID *string
}

// Empty reports whether the patch changes nothing.
func (p RecordPatch) Empty() bool {
	return p.Title == nil && p.Total == nil && p.OwnerID == nil
}

// ── Approvals ────────────────────────────────────────────────────────────────

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// ApprovalRequest gates one transition of one record. ApproverIDs is the
// approver set captured when the request was opened.
type ApprovalRequest struct {
	ID              string           `json:"id"`
	TenantID        string           `json:"tenantId"`
	RecordKind      stagegraph.Kind  `json:"relatedTo"`
	RecordID        string           `json:"relatedId"`
	FromStage       stagegraph.Stage `json:"fromStage"`
	RequestedStage  stagegraph.Stage `json:"requestedStage"`
	ApproverIDs     []string         `json:"approverIds"`
	Status          ApprovalStatus   `json:"status"`
	Priority        string           `json:"priority"`
	RequestedBy     string           `json:"requestedBy"`
	DecidedBy       *string          `json:"decidedBy,omitempty"`
	DecidedAt       *time.Time       `json:"decidedAt,omitempty"`
	DecisionComment *string          `json:"decisionComment,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// IsApprover reports whether userID was in the captured approver set.
func (a *ApprovalRequest) IsApprover(userID string) bool {
	for _, id := range a.ApproverIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// ── Inventory ────────────────────────────────────────────────────────────────

// InventoryBalance is the stock position of one catalog item in one tenant.
type InventoryBalance struct {
	TenantID      string    `json:"tenantId"`
	ItemID        string    `json:"itemId"`
	OnHand        int64     `json:"onHand"`
	Reserved      int64     `json:"reserved"`
	Incoming      int64     `json:"incoming"`
	AllowOversell bool      `json:"allowOversell"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Available is on-hand stock not held by a reservation, never negative.
func (b InventoryBalance) Available() int64 {
	if b.OnHand-b.Reserved < 0 {
		return 0
	}
	return b.OnHand - b.Reserved
}

// StockChange reports the outcome of one reserve, release or consume.
// Clamped is set when the requested quantity would have driven a counter
// below zero and the store floored it instead. For consume only on-hand
// counts, since consuming unreserved stock is routine.
type StockChange struct {
	ItemID    string
	Requested int64
	Balance   InventoryBalance
	Clamped   bool
}

// ── Audit and notifications ──────────────────────────────────────────────────

// AuditEntry is one append-only audit log row.
type AuditEntry struct {
	ID         string
	TenantID   string
	EntityKind string
	EntityID   string
	ActorID    string
	Action     string
	Payload    map[string]any
	CreatedAt  time.Time
}

// Notification is a fire-and-forget message to a tenant audience.
type Notification struct {
	TenantID   string
	Event      string
	ActorID    string
	RecordKind stagegraph.Kind
	RecordID   string
	Roles      []string
	Recipients []string
	Payload    map[string]any
}
