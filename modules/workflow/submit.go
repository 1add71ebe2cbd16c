package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/go-kit/log/level"

	"github.com/driftq/driftq/modules/jobqueue"
	"github.com/driftq/driftq/modules/store"
	"github.com/driftq/driftq/pkg/lifecycle"
	"github.com/driftq/driftq/pkg/provider"
	"github.com/driftq/driftq/pkg/util/log"
)

// handleCreateProviderBatch submits an uploaded batch, gated by the
// per-model token budget. The admission check, the provider call and
// the resulting transition share one transaction so the reservation
// cannot race another submission.
func (w *Workflow) handleCreateProviderBatch(ctx context.Context, job *jobqueue.Job) error {
	return w.store.WithTx(ctx, func(tx *store.Tx) error {
		b, err := w.reloadInState(tx, job.SubjectID, lifecycle.BatchUploaded)
		if err != nil || b == nil {
			return err
		}

		b, admitted, err := w.capacity.Admit(tx, b)
		if err != nil {
			return err
		}
		if !admitted {
			// Parked; the drain re-enqueues submission later.
			return nil
		}

		pb, err := w.provider.CreateBatch(ctx, b.ProviderInputFileID, b.Endpoint)
		if errors.Is(err, provider.ErrTokenLimitExceeded) {
			return w.tokenLimited(tx, b, err.Error())
		}
		if err != nil {
			return err
		}

		patch := map[string]interface{}{
			"provider_batch_id": pb.ID,
			"provider_status":   pb.Status,
		}
		if pb.ExpiresAt > 0 {
			expiresAt := time.Unix(pb.ExpiresAt, 0).UTC()
			patch["expires_at"] = expiresAt
			if err := w.queue.EnqueueTx(tx, jobqueue.KindDeleteExpired, b.ID, expiresAt); err != nil {
				return err
			}
		}
		if _, err := tx.TransitionBatch(b, lifecycle.BatchProviderProcessing, patch); err != nil {
			return err
		}
		if _, err := tx.BulkTransitionRequests(b.ID, lifecycle.RequestPending, lifecycle.RequestProviderProcessing); err != nil {
			return err
		}

		metricSubmissions.WithLabelValues(b.Model).Inc()
		level.Info(log.Logger).Log("msg", "batch submitted to provider", "batch_id", b.ID,
			"provider_batch_id", pb.ID, "requests", b.RequestCount, "tokens", b.EstimatedInputTokensTotal)

		return w.queue.EnqueueTx(tx, jobqueue.KindPollBatchStatus, b.ID, w.clock.Now().Add(w.cfg.PollInterval))
	})
}

// tokenLimited applies the capped token-limit backoff, failing the
// batch once the retry budget is spent.
func (w *Workflow) tokenLimited(tx *store.Tx, b *store.Batch, providerErr string) error {
	if w.capacity.RetriesExhausted(b) {
		return w.failBatch(tx, b, fmtTokenRetriesExhausted(b.TokenLimitRetryAttempts, providerErr))
	}

	parked, err := w.capacity.ParkTokenLimited(tx, b, providerErr)
	if err != nil {
		return err
	}
	// Wake the drain when the backoff elapses; nothing else re-examines
	// this batch.
	return w.queue.EnqueueTx(tx, jobqueue.KindDrainCapacity, parked.ID, parked.TokenLimitRetryNextAt.Time)
}
