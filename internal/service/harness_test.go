package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-crm-pipeline/internal/auth"
	"github.com/pesio-ai/be-crm-pipeline/internal/client"
	"github.com/pesio-ai/be-crm-pipeline/internal/logger"
	"github.com/pesio-ai/be-crm-pipeline/internal/policy"
	"github.com/pesio-ai/be-crm-pipeline/internal/rbac"
	"github.com/pesio-ai/be-crm-pipeline/internal/repository"
	"github.com/pesio-ai/be-crm-pipeline/internal/repository/memory"
	"github.com/pesio-ai/be-crm-pipeline/internal/stagegraph"
	"github.com/pesio-ai/be-crm-pipeline/internal/tenancy"
)

const tenantA = "tenant-a"

var (
	salesRep = auth.Actor{ID: "rep-1", TenantID: tenantA, Roles: []string{"sales_rep"}}
	manager  = auth.Actor{ID: "mgr-1", TenantID: tenantA, Roles: []string{"sales_manager"}}
	finance  = auth.Actor{ID: "fin-1", TenantID: tenantA, Roles: []string{"finance"}}
	admin    = auth.Actor{ID: "admin-1", TenantID: tenantA, Roles: []string{"admin"}}
	viewer   = auth.Actor{ID: "view-1", TenantID: tenantA, Roles: []string{"viewer"}}

	scopeA = tenancy.Scope{TenantID: tenantA, ActorID: "seed"}
)

// recordingNotifier captures notifications. fail makes every Send return an
// error; panicOn panics for one event name.
type recordingNotifier struct {
	mu      sync.Mutex
	sent    []*repository.Notification
	fail    error
	panicOn string
}

func (n *recordingNotifier) Send(_ context.Context, msg *repository.Notification) error {
	if n.panicOn != "" && msg.Event == n.panicOn {
		panic("notifier exploded")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		return n.fail
	}
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.sent))
	for _, m := range n.sent {
		out = append(out, m.Event)
	}
	return out
}

func (n *recordingNotifier) find(event string) *repository.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, m := range n.sent {
		if m.Event == event {
			return m
		}
	}
	return nil
}

// laggingRecords wraps the memory store. After a stage write, the next
// staleReads reads still report the pre-write stage.
type laggingRecords struct {
	*memory.Records

	mu         sync.Mutex
	staleReads int
	writes     int
	before     stagegraph.Stage
	writeErr   error
	createErr  error
}

func (l *laggingRecords) UpdateStage(ctx context.Context, scope tenancy.Scope, kind stagegraph.Kind, id string, from, to stagegraph.Stage) error {
	l.mu.Lock()
	l.writes++
	l.before = from
	err := l.writeErr
	l.mu.Unlock()
	if err != nil {
		return err
	}
	return l.Records.UpdateStage(ctx, scope, kind, id, from, to)
}

func (l *laggingRecords) Get(ctx context.Context, scope tenancy.Scope, kind stagegraph.Kind, id string) (*repository.PipelineRecord, error) {
	rec, err := l.Records.Get(ctx, scope, kind, id)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writes > 0 && l.staleReads > 0 {
		l.staleReads--
		rec.Stage = l.before
	}
	return rec, nil
}

func (l *laggingRecords) Create(ctx context.Context, scope tenancy.Scope, rec *repository.PipelineRecord) error {
	l.mu.Lock()
	err := l.createErr
	l.mu.Unlock()
	if err != nil {
		return err
	}
	return l.Records.Create(ctx, scope, rec)
}

func (l *laggingRecords) writeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writes
}

type harness struct {
	store     *memory.Store
	records   *laggingRecords
	approvals *memory.Approvals
	inventory *memory.Inventory
	audit     *memory.Audit
	roles     *client.StaticRoleDirectory
	notifier  *recordingNotifier

	gate        *ApprovalGate
	ledger      *InventoryLedger
	cascade     *CascadeDispatcher
	verifier    *ConsistencyVerifier
	executor    *TransitionExecutor
	recordSvc   *RecordService
	approvalSvc *ApprovalService
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	pol, err := policy.Default()
	require.NoError(t, err)

	store := memory.New()
	h := &harness{
		store:     store,
		records:   &laggingRecords{Records: store.Records()},
		approvals: store.Approvals(),
		inventory: store.Inventory(),
		audit:     store.Audit(),
		roles:     client.NewStaticRoleDirectory(),
		notifier:  &recordingNotifier{},
	}

	ctx := context.Background()
	require.NoError(t, h.roles.Assign(ctx, tenantA, "sales_manager", manager.ID))
	require.NoError(t, h.roles.Assign(ctx, tenantA, "finance", finance.ID))
	require.NoError(t, h.roles.Assign(ctx, tenantA, "admin", admin.ID))

	log := logger.Nop()
	oracle := rbac.NewOracle()
	h.gate = NewApprovalGate(pol, h.approvals, h.roles, h.notifier, log)
	h.ledger = NewInventoryLedger(h.inventory, log)
	h.cascade = NewCascadeDispatcher(h.records, h.ledger, h.audit, h.notifier, pol, log)
	h.verifier = NewConsistencyVerifier(h.records, VerifierConfig{Delay: time.Millisecond, MaxRetries: 1}, log)
	h.executor = NewTransitionExecutor(h.records, oracle, h.gate, h.verifier, h.cascade, h.audit, log)
	h.recordSvc = NewRecordService(h.records, oracle, h.executor, h.audit, log)
	h.approvalSvc = NewApprovalService(h.approvals, oracle, h.executor, h.audit, h.notifier, log)
	return h
}

func (h *harness) seed(t *testing.T, rec *repository.PipelineRecord) *repository.PipelineRecord {
	t.Helper()
	if rec.Currency == "" {
		rec.Currency = "USD"
	}
	require.NoError(t, h.store.Records().Create(context.Background(), scopeA, rec))
	return rec
}

func (h *harness) seedQuote(t *testing.T, stage stagegraph.Stage, lines ...repository.LineItem) *repository.PipelineRecord {
	t.Helper()
	return h.seed(t, &repository.PipelineRecord{
		Kind:  stagegraph.KindQuote,
		Stage: stage,
		Title: "Pump order",
		Total: decimal.RequireFromString("1200.00"),
		Lines: lines,
	})
}

func (h *harness) stock(t *testing.T, itemID string, onHand int64) {
	t.Helper()
	require.NoError(t, h.inventory.Put(context.Background(), scopeA, &repository.InventoryBalance{ItemID: itemID, OnHand: onHand}))
}

func (h *harness) balance(t *testing.T, itemID string) *repository.InventoryBalance {
	t.Helper()
	b, err := h.inventory.Get(context.Background(), scopeA, itemID)
	require.NoError(t, err)
	return b
}

func (h *harness) current(t *testing.T, kind stagegraph.Kind, id string) *repository.PipelineRecord {
	t.Helper()
	rec, err := h.store.Records().Get(context.Background(), scopeA, kind, id)
	require.NoError(t, err)
	return rec
}

func (h *harness) children(t *testing.T, parent *repository.PipelineRecord, kind stagegraph.Kind) []*repository.PipelineRecord {
	t.Helper()
	out, err := h.store.Records().FindDependents(context.Background(), scopeA, parent.Kind, parent.ID, kind)
	require.NoError(t, err)
	return out
}

func (h *harness) auditActions(t *testing.T, rec *repository.PipelineRecord) []string {
	t.Helper()
	entries, err := h.audit.List(context.Background(), scopeA, string(rec.Kind), rec.ID)
	require.NoError(t, err)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

func (h *harness) transition(actor auth.Actor, rec *repository.PipelineRecord, to stagegraph.Stage) (*TransitionOutcome, error) {
	return h.executor.Execute(context.Background(), actor, TransitionRequest{
		Kind:        rec.Kind,
		RecordID:    rec.ID,
		TargetStage: to,
	})
}
