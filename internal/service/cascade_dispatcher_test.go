package service

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-crm-pipeline/internal/repository"
	"github.com/pesio-ai/be-crm-pipeline/internal/stagegraph"
)

func TestDerivedRecordFailureBecomesWarning(t *testing.T) {
	h := newHarness(t)
	deal := h.seed(t, &repository.PipelineRecord{Kind: stagegraph.KindDeal, Stage: stagegraph.StageNegotiation})
	h.records.createErr = stderrors.New("insert failed")

	outcome, err := h.transition(salesRep, deal, stagegraph.StageWon)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome.Kind)
	assert.Equal(t, stagegraph.StageWon, outcome.Record.Stage)
	require.Len(t, outcome.Warnings, 1)
	assert.Equal(t, "derived_record", outcome.Warnings[0].Effect)
	assert.Contains(t, outcome.Warnings[0].Message, "insert failed")

	// The remaining effects still ran.
	assert.Equal(t, []string{ActionStageTransition}, h.auditActions(t, deal))
	assert.NotNil(t, h.notifier.find("deal.won"))
}

func TestSideEffectFailuresAreOnlyLogged(t *testing.T) {
	h := newHarness(t)
	h.notifier.fail = stderrors.New("nats unavailable")
	// sku-9 has no balance row, so the reservation fails.
	quote := h.seedQuote(t, stagegraph.StageSent, repository.LineItem{ItemID: "sku-9", Quantity: 1})

	result := h.cascade.OnTransitioned(context.Background(), scopeA, Transitioned{
		Actor: manager, Record: quote, From: stagegraph.StageSent, To: stagegraph.StageAccepted,
	})
	assert.Empty(t, result.Warnings)
	require.NotNil(t, result.Derived)
	assert.Equal(t, stagegraph.KindInvoice, result.Derived.Kind)
	assert.Equal(t, []string{ActionStageTransition}, h.auditActions(t, quote))
}

func TestPanickingEffectIsIsolated(t *testing.T) {
	h := newHarness(t)
	h.notifier.panicOn = "deal.lost"
	deal := h.seed(t, &repository.PipelineRecord{Kind: stagegraph.KindDeal, Stage: stagegraph.StageLead})

	outcome, err := h.transition(salesRep, deal, stagegraph.StageLost)
	require.NoError(t, err)
	assert.Equal(t, stagegraph.StageLost, outcome.Record.Stage)
	assert.Empty(t, outcome.Warnings)
	assert.Equal(t, []string{ActionStageTransition}, h.auditActions(t, deal))
}

func TestAuditPayloadDescribesTransition(t *testing.T) {
	h := newHarness(t)
	quote := h.seedQuote(t, stagegraph.StageSent)

	result := h.cascade.OnTransitioned(context.Background(), scopeA, Transitioned{
		Actor: manager, Record: quote, From: stagegraph.StageSent, To: stagegraph.StageAccepted,
		ApprovalRequestID: "apr-1",
	})
	require.NotNil(t, result.Derived)

	entries, err := h.audit.List(context.Background(), scopeA, "QUOTE", quote.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	p := entries[0].Payload
	assert.Equal(t, "SENT", p["from"])
	assert.Equal(t, "ACCEPTED", p["to"])
	assert.Equal(t, "apr-1", p["approvalRequestId"])
	assert.Equal(t, "INVOICE", p["derivedKind"])
	assert.Equal(t, result.Derived.ID, p["derivedId"])
	assert.Equal(t, manager.ID, entries[0].ActorID)
}

func TestShipmentCancellationReleases(t *testing.T) {
	h := newHarness(t)
	h.stock(t, "sku-1", 4)
	_, err := h.ledger.Reserve(context.Background(), scopeA, "sku-1", 4)
	require.NoError(t, err)

	shipment := h.seed(t, &repository.PipelineRecord{
		Kind: stagegraph.KindShipment, Stage: stagegraph.StagePending, Total: decimal.Zero,
		Lines: []repository.LineItem{{ItemID: "sku-1", Quantity: 4}},
	})
	result := h.cascade.OnTransitioned(context.Background(), scopeA, Transitioned{
		Actor: admin, Record: shipment, From: stagegraph.StagePending, To: stagegraph.StageCancelled,
	})
	assert.Empty(t, result.Warnings)
	assert.Nil(t, result.Derived)

	b := h.balance(t, "sku-1")
	assert.Equal(t, int64(4), b.OnHand)
	assert.Equal(t, int64(0), b.Reserved)
}

func TestEventName(t *testing.T) {
	assert.Equal(t, "quote.accepted", EventName(stagegraph.KindQuote, stagegraph.StageAccepted))
	assert.Equal(t, "invoice.cancelled", EventName(stagegraph.KindInvoice, stagegraph.StageCancelled))
}
