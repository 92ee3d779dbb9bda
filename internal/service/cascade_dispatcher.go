package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/pesio-ai/be-crm-pipeline/internal/auth"
	"github.com/pesio-ai/be-crm-pipeline/internal/logger"
	"github.com/pesio-ai/be-crm-pipeline/internal/policy"
	"github.com/pesio-ai/be-crm-pipeline/internal/repository"
	"github.com/pesio-ai/be-crm-pipeline/internal/stagegraph"
	"github.com/pesio-ai/be-crm-pipeline/internal/tenancy"
)

// CascadeWarning reports a follow-on effect that failed after the transition
// itself committed.
type CascadeWarning struct {
	Effect  string `json:"effect"`
	Message string `json:"message"`
}

// CascadeResult is what the cascade hands back to the executor.
type CascadeResult struct {
	Warnings []CascadeWarning
	// Derived is the record created by the derived-record effect, if any.
	Derived *repository.PipelineRecord
}

// Transitioned describes a committed stage change.
type Transitioned struct {
	Actor  auth.Actor
	Record *repository.PipelineRecord
	From   stagegraph.Stage
	To     stagegraph.Stage
	// ApprovalRequestID is set when the change was applied by an approval.
	ApprovalRequestID string
}

const (
	effectDerivedRecord = "derived_record"
	effectInventory     = "inventory"
	effectAudit         = "audit"
	effectNotification  = "notification"
)

// derivation maps a kind reaching a stage to the record it spawns.
type derivation struct {
	kind      stagegraph.Kind
	stage     stagegraph.Stage
	childKind stagegraph.Kind
	copyLines bool
}

var derivations = []derivation{
	{kind: stagegraph.KindQuote, stage: stagegraph.StageAccepted, childKind: stagegraph.KindInvoice, copyLines: true},
	{kind: stagegraph.KindDeal, stage: stagegraph.StageWon, childKind: stagegraph.KindContract},
}

// CascadeDispatcher runs the follow-on effects of a committed transition.
// Effects run in a fixed order and each is isolated from the others.
type CascadeDispatcher struct {
	records  RecordStore
	ledger   *InventoryLedger
	audit    AuditSink
	notifier NotificationSender
	policy   *policy.Policy
	log      *logger.Logger
}

// NewCascadeDispatcher creates a new CascadeDispatcher.
func NewCascadeDispatcher(
	records RecordStore,
	ledger *InventoryLedger,
	audit AuditSink,
	notifier NotificationSender,
	pol *policy.Policy,
	log *logger.Logger,
) *CascadeDispatcher {
	return &CascadeDispatcher{
		records:  records,
		ledger:   ledger,
		audit:    audit,
		notifier: notifier,
		policy:   pol,
		log:      log.Component("cascade"),
	}
}

// OnTransitioned runs derived-record creation, inventory, audit and
// notification effects in that order. Only derived-record failures are
// returned, as warnings; the rest are logged.
func (d *CascadeDispatcher) OnTransitioned(ctx context.Context, scope tenancy.Scope, t Transitioned) *CascadeResult {
	result := &CascadeResult{}

	if err := d.isolate(effectDerivedRecord, t, func() error {
		derived, err := d.createDerived(ctx, scope, t)
		result.Derived = derived
		return err
	}); err != nil {
		result.Warnings = append(result.Warnings, CascadeWarning{Effect: effectDerivedRecord, Message: err.Error()})
	}

	_ = d.isolate(effectInventory, t, func() error {
		return d.adjustInventory(ctx, scope, t)
	})

	_ = d.isolate(effectAudit, t, func() error {
		return d.writeAudit(ctx, scope, t, result.Derived)
	})

	_ = d.isolate(effectNotification, t, func() error {
		return d.notify(ctx, scope, t)
	})

	return result
}

// isolate runs one effect, turning a panic into an error, and logs failures.
func (d *CascadeDispatcher) isolate(effect string, t Transitioned, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s effect panicked: %v", effect, r)
		}
		if err != nil {
			d.log.Warn().
				Err(err).
				Str("effect", effect).
				Str("record_kind", string(t.Record.Kind)).
				Str("record_id", t.Record.ID).
				Str("to_stage", string(t.To)).
				Msg("Cascade effect failed")
		}
	}()
	return fn()
}

// ── Derived records ──────────────────────────────────────────────────────────

func (d *CascadeDispatcher) createDerived(ctx context.Context, scope tenancy.Scope, t Transitioned) (*repository.PipelineRecord, error) {
	rec := t.Record
	for _, dv := range derivations {
		if dv.kind != rec.Kind || dv.stage != t.To {
			continue
		}

		existing, err := d.records.FindDependents(ctx, scope, rec.Kind, rec.ID, dv.childKind)
		if err != nil {
			return nil, fmt.Errorf("probe existing %s: %w", dv.childKind, err)
		}
		if len(existing) > 0 {
			d.log.Debug().
				Str("record_id", rec.ID).
				Str("derived_id", existing[0].ID).
				Msg("Derived record already exists; skipping")
			return nil, nil
		}

		parentKind, parentID := rec.Kind, rec.ID
		child := &repository.PipelineRecord{
			Kind:       dv.childKind,
			Stage:      stagegraph.InitialStage(dv.childKind),
			Title:      rec.Title,
			Total:      rec.Total,
			Currency:   rec.Currency,
			ParentKind: &parentKind,
			ParentID:   &parentID,
			OwnerID:    rec.OwnerID,
		}
		if dv.copyLines {
			child.Lines = make([]repository.LineItem, len(rec.Lines))
			copy(child.Lines, rec.Lines)
		}
		if err := d.records.Create(ctx, scope, child); err != nil {
			return nil, fmt.Errorf("create %s from %s %s: %w", dv.childKind, rec.Kind, rec.ID, err)
		}

		d.log.Info().
			Str("record_kind", string(rec.Kind)).
			Str("record_id", rec.ID).
			Str("derived_kind", string(child.Kind)).
			Str("derived_id", child.ID).
			Msg("Derived record created")
		return child, nil
	}
	return nil, nil
}

// ── Inventory ────────────────────────────────────────────────────────────────

type stockOp func(ctx context.Context, scope tenancy.Scope, itemID string, qty int64) (*repository.StockChange, error)

func (d *CascadeDispatcher) adjustInventory(ctx context.Context, scope tenancy.Scope, t Transitioned) error {
	rec := t.Record
	var (
		op   stockOp
		name string
	)

	switch {
	case rec.Kind == stagegraph.KindQuote && t.To == stagegraph.StageAccepted:
		op, name = d.ledger.Reserve, "reserve"
	case rec.Kind == stagegraph.KindInvoice && (t.To == stagegraph.StagePaid || t.To == stagegraph.StageCancelled):
		// A shipment owns the stock movement once one exists for the invoice.
		shipments, err := d.records.FindDependents(ctx, scope, rec.Kind, rec.ID, stagegraph.KindShipment)
		if err != nil {
			return fmt.Errorf("probe shipments: %w", err)
		}
		if len(shipments) > 0 {
			return nil
		}
		if t.To == stagegraph.StagePaid {
			op, name = d.ledger.Consume, "consume"
		} else {
			op, name = d.ledger.Release, "release"
		}
	case rec.Kind == stagegraph.KindShipment && t.To == stagegraph.StageShipped:
		op, name = d.ledger.Consume, "consume"
	case rec.Kind == stagegraph.KindShipment && t.To == stagegraph.StageCancelled:
		op, name = d.ledger.Release, "release"
	default:
		return nil
	}

	failed := 0
	for _, line := range rec.Lines {
		if line.ItemID == "" || line.Quantity <= 0 {
			continue
		}
		if _, err := op(ctx, scope, line.ItemID, line.Quantity); err != nil {
			failed++
			d.log.Warn().
				Err(err).
				Str("op", name).
				Str("item_id", line.ItemID).
				Int64("qty", line.Quantity).
				Str("record_id", rec.ID).
				Msg("Inventory adjustment failed for line")
		}
	}
	if failed > 0 {
		return fmt.Errorf("%s failed for %d of %d lines", name, failed, len(rec.Lines))
	}
	return nil
}

// ── Audit and notification ───────────────────────────────────────────────────

func (d *CascadeDispatcher) writeAudit(ctx context.Context, scope tenancy.Scope, t Transitioned, derived *repository.PipelineRecord) error {
	payload := map[string]any{
		"from": string(t.From),
		"to":   string(t.To),
	}
	if scope.Elevated {
		payload["elevated"] = true
		payload["actorTenantId"] = t.Actor.TenantID
	}
	if t.ApprovalRequestID != "" {
		payload["approvalRequestId"] = t.ApprovalRequestID
	}
	if derived != nil {
		payload["derivedKind"] = string(derived.Kind)
		payload["derivedId"] = derived.ID
	}
	return d.audit.Append(ctx, scope, &repository.AuditEntry{
		EntityKind: string(t.Record.Kind),
		EntityID:   t.Record.ID,
		ActorID:    t.Actor.ID,
		Action:     ActionStageTransition,
		Payload:    payload,
	})
}

func (d *CascadeDispatcher) notify(ctx context.Context, scope tenancy.Scope, t Transitioned) error {
	rec := t.Record
	return d.notifier.Send(ctx, &repository.Notification{
		TenantID:   scope.TenantID,
		Event:      EventName(rec.Kind, t.To),
		ActorID:    t.Actor.ID,
		RecordKind: rec.Kind,
		RecordID:   rec.ID,
		Roles:      d.policy.AudienceFor(rec.Kind, t.To),
		Payload: map[string]any{
			"from":    string(t.From),
			"to":      string(t.To),
			"title":   rec.Title,
			"message": describe(rec, t.From, t.To),
		},
	})
}

// EventName is the notification event for a record entering stage, e.g.
// "quote.accepted".
func EventName(kind stagegraph.Kind, stage stagegraph.Stage) string {
	return strings.ToLower(string(kind)) + "." + strings.ToLower(string(stage))
}

func describe(rec *repository.PipelineRecord, from, to stagegraph.Stage) string {
	name := humanize(string(rec.Kind))
	if rec.Title != "" {
		name += fmt.Sprintf(" %q", rec.Title)
	}
	return fmt.Sprintf("%s moved from %s to %s", name, humanize(string(from)), humanize(string(to)))
}

func humanize(s string) string {
	s = strings.ToLower(s)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
