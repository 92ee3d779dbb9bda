package service

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pesio-ai/be-crm-pipeline/internal/errors"
	"github.com/pesio-ai/be-crm-pipeline/internal/logger"
	"github.com/pesio-ai/be-crm-pipeline/internal/repository"
	"github.com/pesio-ai/be-crm-pipeline/internal/stagegraph"
	"github.com/pesio-ai/be-crm-pipeline/internal/tenancy"
)

const (
	DefaultVerifyDelay   = 150 * time.Millisecond
	DefaultVerifyRetries = 1
)

var errStaleRead = stderrors.New("persisted stage does not reflect the write")

// VerifierConfig bounds the re-write loop.
type VerifierConfig struct {
	Delay      time.Duration
	MaxRetries int
}

// ConsistencyVerifier writes a stage, reads it back, and re-issues the write
// a bounded number of times while the read still shows the old stage.
type ConsistencyVerifier struct {
	records RecordStore
	delay   time.Duration
	retries int
	log     *logger.Logger
}

// NewConsistencyVerifier creates a verifier. Zero values fall back to one
// retry after 150ms.
func NewConsistencyVerifier(records RecordStore, cfg VerifierConfig, log *logger.Logger) *ConsistencyVerifier {
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultVerifyDelay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultVerifyRetries
	}
	return &ConsistencyVerifier{
		records: records,
		delay:   cfg.Delay,
		retries: cfg.MaxRetries,
		log:     log.Component("consistency_verifier"),
	}
}

// WriteFunc performs the stage write being verified.
type WriteFunc func(ctx context.Context) error

// WriteAndVerify runs write, re-reads the record and checks its stage is
// target. A write or read error ends the loop immediately. A stale read is
// retried after the configured delay; once retries run out the call fails
// with CONSISTENCY_ERROR. On success the re-read record is returned.
func (v *ConsistencyVerifier) WriteAndVerify(
	ctx context.Context,
	scope tenancy.Scope,
	kind stagegraph.Kind,
	id string,
	target stagegraph.Stage,
	write WriteFunc,
) (*repository.PipelineRecord, error) {
	var (
		attempts int
		observed stagegraph.Stage
		verified *repository.PipelineRecord
	)

	op := func() error {
		attempts++
		if err := write(ctx); err != nil {
			return backoff.Permanent(err)
		}
		rec, err := v.records.Get(ctx, scope, kind, id)
		if err != nil {
			return backoff.Permanent(err)
		}
		if rec.Stage != target {
			observed = rec.Stage
			return errStaleRead
		}
		verified = rec
		return nil
	}

	notify := func(err error, wait time.Duration) {
		v.log.Warn().
			Str("record_kind", string(kind)).
			Str("record_id", id).
			Str("expected", string(target)).
			Str("observed", string(observed)).
			Int("attempt", attempts).
			Dur("retry_in", wait).
			Msg("Stage write not visible on re-read; retrying")
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(v.delay), uint64(v.retries)),
		ctx,
	)
	err := backoff.RetryNotify(op, bo, notify)
	if err == nil {
		return verified, nil
	}
	if stderrors.Is(err, errStaleRead) {
		v.log.Error().
			Str("record_kind", string(kind)).
			Str("record_id", id).
			Str("expected", string(target)).
			Str("observed", string(observed)).
			Int("attempts", attempts).
			Msg("Stage write never became visible")
		return nil, errors.Consistency(string(target), string(observed), attempts)
	}
	return nil, err
}
