package handler

import (
	"context"
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
	"github.com/pesio-ai/be-crm-pipeline/internal/service"
	"github.com/pesio-ai/be-crm-pipeline/internal/stagegraph"
	"github.com/pesio-ai/be-crm-pipeline/internal/tenancy"
)

const tenantA = "tenant-a"

var (
	salesRep = auth.Actor{ID: "rep-1", TenantID: tenantA, Roles: []string{"sales_rep"}}
	manager  = auth.Actor{ID: "mgr-1", TenantID: tenantA, Roles: []string{"sales_manager"}}
	viewer   = auth.Actor{ID: "view-1", TenantID: tenantA, Roles: []string{"viewer"}}

	seedScope = tenancy.Scope{TenantID: tenantA, ActorID: "seed"}
)

type fixture struct {
	store     *memory.Store
	records   *service.RecordService
	approvals *service.ApprovalService
}

// newFixture wires the services over the memory store with notifications
// disabled.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	pol, err := policy.Default()
	require.NoError(t, err)

	store := memory.New()
	roles := client.NewStaticRoleDirectory()
	require.NoError(t, roles.Assign(context.Background(), tenantA, "sales_manager", manager.ID))

	log := logger.Nop()
	notifier := client.NewNotificationPublisher(nil, "notifications.crm", log.Logger)
	oracle := rbac.NewOracle()

	gate := service.NewApprovalGate(pol, store.Approvals(), roles, notifier, log)
	ledger := service.NewInventoryLedger(store.Inventory(), log)
	cascade := service.NewCascadeDispatcher(store.Records(), ledger, store.Audit(), notifier, pol, log)
	verifier := service.NewConsistencyVerifier(store.Records(), service.VerifierConfig{Delay: time.Millisecond, MaxRetries: 1}, log)
	executor := service.NewTransitionExecutor(store.Records(), oracle, gate, verifier, cascade, store.Audit(), log)

	return &fixture{
		store:     store,
		records:   service.NewRecordService(store.Records(), oracle, executor, store.Audit(), log),
		approvals: service.NewApprovalService(store.Approvals(), oracle, executor, store.Audit(), notifier, log),
	}
}

func (f *fixture) seed(t *testing.T, kind stagegraph.Kind, stage stagegraph.Stage) *repository.PipelineRecord {
	t.Helper()
	rec := &repository.PipelineRecord{
		Kind:     kind,
		Stage:    stage,
		Title:    "Acme renewal",
		Total:    decimal.RequireFromString("1200.00"),
		Currency: "USD",
	}
	require.NoError(t, f.store.Records().Create(context.Background(), seedScope, rec))
	return rec
}

func (f *fixture) current(t *testing.T, kind stagegraph.Kind, id string) *repository.PipelineRecord {
	t.Helper()
	rec, err := f.store.Records().Get(context.Background(), seedScope, kind, id)
	require.NoError(t, err)
	return rec
}

func (f *fixture) seedChild(t *testing.T, rec *repository.PipelineRecord) {
	t.Helper()
	if rec.Currency == "" {
		rec.Currency = "USD"
	}
	require.NoError(t, f.store.Records().Create(context.Background(), seedScope, rec))
}
