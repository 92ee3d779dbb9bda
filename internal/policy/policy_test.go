package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-crm-pipeline/internal/stagegraph"
)

func TestDefaultGates(t *testing.T) {
	p, err := Default()
	require.NoError(t, err)

	assert.True(t, p.RequiresApproval(stagegraph.KindQuote, stagegraph.StageSent, stagegraph.StageAccepted))
	assert.True(t, p.RequiresApproval(stagegraph.KindQuote, stagegraph.StageSent, stagegraph.StageDeclined))
	assert.True(t, p.RequiresApproval(stagegraph.KindInvoice, stagegraph.StageOverdue, stagegraph.StageCancelled))
	assert.True(t, p.RequiresApproval(stagegraph.KindContract, stagegraph.StageActive, stagegraph.StageTerminated))

	assert.False(t, p.RequiresApproval(stagegraph.KindDeal, stagegraph.StageNegotiation, stagegraph.StageWon))
	assert.False(t, p.RequiresApproval(stagegraph.KindInvoice, stagegraph.StageDraft, stagegraph.StageCancelled))

	g, ok := p.Gate(stagegraph.KindQuote, stagegraph.StageSent, stagegraph.StageAccepted)
	require.True(t, ok)
	assert.Equal(t, []string{"sales_manager"}, g.ApproverRoles)
	assert.Equal(t, PriorityNormal, g.Priority)
}

func TestInvoiceCancelThreshold(t *testing.T) {
	p, err := Default()
	require.NoError(t, err)

	g, ok := p.Gate(stagegraph.KindInvoice, stagegraph.StageSent, stagegraph.StageCancelled)
	require.True(t, ok)
	assert.Equal(t, PriorityHigh, g.Priority)

	small, err := g.Applies(Facts{Kind: stagegraph.KindInvoice, Stage: stagegraph.StageSent, Total: decimal.NewFromInt(120), Currency: "USD"})
	require.NoError(t, err)
	assert.False(t, small)

	large, err := g.Applies(Facts{Kind: stagegraph.KindInvoice, Stage: stagegraph.StageSent, Total: decimal.RequireFromString("5000.01"), Currency: "USD"})
	require.NoError(t, err)
	assert.True(t, large)
}

func TestUnconditionalGateAlwaysApplies(t *testing.T) {
	p, err := Default()
	require.NoError(t, err)
	g, _ := p.Gate(stagegraph.KindContract, stagegraph.StageActive, stagegraph.StageTerminated)
	applies, err := g.Applies(Facts{})
	require.NoError(t, err)
	assert.True(t, applies)
}

func TestAudienceOverrides(t *testing.T) {
	p, err := Default()
	require.NoError(t, err)

	assert.Equal(t, []string{"sales_rep", "sales_manager", "finance"}, p.AudienceFor(stagegraph.KindDeal, stagegraph.StageWon))
	assert.Equal(t, []string{"sales_rep", "sales_manager"}, p.AudienceFor(stagegraph.KindDeal, stagegraph.StageLost))
	assert.Equal(t, []string{"fulfillment"}, p.AudienceFor(stagegraph.KindShipment, stagegraph.StageShipped))
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"illegal edge": `
gates:
  - kind: QUOTE
    from: [DRAFT]
    to: ACCEPTED
    approver_roles: [admin]
`,
		"unknown stage": `
gates:
  - kind: DEAL
    from: [NEGOTIATION]
    to: SHIPPED
    approver_roles: [admin]
`,
		"no approvers": `
gates:
  - kind: QUOTE
    from: [SENT]
    to: ACCEPTED
`,
		"non-bool condition": `
gates:
  - kind: QUOTE
    from: [SENT]
    to: ACCEPTED
    condition: "total + 1.0"
    approver_roles: [admin]
`,
		"unknown variable": `
gates:
  - kind: QUOTE
    from: [SENT]
    to: ACCEPTED
    condition: "discount > 0.2"
    approver_roles: [admin]
`,
		"bad priority": `
gates:
  - kind: QUOTE
    from: [SENT]
    to: ACCEPTED
    approver_roles: [admin]
    priority: URGENT
`,
		"unknown audience kind": `
audiences:
  LEAD:
    roles: [admin]
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
gates:
  - kind: deal
    from: [negotiation]
    to: won
    condition: "currency == 'EUR'"
    approver_roles: [sales_manager]
    priority: high
`), 0o600))

	p, err := Load(path)
	require.NoError(t, err)
	g, ok := p.Gate(stagegraph.KindDeal, stagegraph.StageNegotiation, stagegraph.StageWon)
	require.True(t, ok)
	assert.Equal(t, PriorityHigh, g.Priority)

	eur, err := g.Applies(Facts{Currency: "EUR"})
	require.NoError(t, err)
	assert.True(t, eur)

	usd, err := g.Applies(Facts{Currency: "USD"})
	require.NoError(t, err)
	assert.False(t, usd)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
