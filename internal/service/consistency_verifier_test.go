package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-crm-pipeline/internal/errors"
	"github.com/pesio-ai/be-crm-pipeline/internal/logger"
	"github.com/pesio-ai/be-crm-pipeline/internal/repository"
	"github.com/pesio-ai/be-crm-pipeline/internal/stagegraph"
)

func TestVerifierDefaults(t *testing.T) {
	v := NewConsistencyVerifier(nil, VerifierConfig{}, logger.Nop())
	assert.Equal(t, 150*time.Millisecond, v.delay)
	assert.Equal(t, 1, v.retries)
}

func TestVerifierRetryBudgetIsConfigurable(t *testing.T) {
	h := newHarness(t)
	deal := h.seed(t, &repository.PipelineRecord{Kind: stagegraph.KindDeal, Stage: stagegraph.StageLead})
	h.records.staleReads = 100

	v := NewConsistencyVerifier(h.records, VerifierConfig{Delay: time.Millisecond, MaxRetries: 3}, logger.Nop())
	_, err := v.WriteAndVerify(context.Background(), scopeA, deal.Kind, deal.ID, stagegraph.StageContacted, func(ctx context.Context) error {
		return h.records.UpdateStage(ctx, scopeA, deal.Kind, deal.ID, stagegraph.StageLead, stagegraph.StageContacted)
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeConsistency))
	assert.Equal(t, 4, h.records.writeCount())
}

func TestVerifierWaitsBetweenAttempts(t *testing.T) {
	h := newHarness(t)
	deal := h.seed(t, &repository.PipelineRecord{Kind: stagegraph.KindDeal, Stage: stagegraph.StageLead})
	h.records.staleReads = 1

	v := NewConsistencyVerifier(h.records, VerifierConfig{Delay: 40 * time.Millisecond, MaxRetries: 1}, logger.Nop())
	start := time.Now()
	rec, err := v.WriteAndVerify(context.Background(), scopeA, deal.Kind, deal.ID, stagegraph.StageContacted, func(ctx context.Context) error {
		return h.records.UpdateStage(ctx, scopeA, deal.Kind, deal.ID, stagegraph.StageLead, stagegraph.StageContacted)
	})
	require.NoError(t, err)
	assert.Equal(t, stagegraph.StageContacted, rec.Stage)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, 2, h.records.writeCount())
}

func TestVerifierReadErrorIsNotRetried(t *testing.T) {
	h := newHarness(t)
	writes := 0

	_, err := h.verifier.WriteAndVerify(context.Background(), scopeA, stagegraph.KindDeal, "missing", stagegraph.StageContacted, func(context.Context) error {
		writes++
		return nil
	})
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
	assert.Equal(t, 1, writes)
}
