package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log/level"

	"github.com/driftq/driftq/modules/jobqueue"
	"github.com/driftq/driftq/modules/store"
	"github.com/driftq/driftq/pkg/lifecycle"
	"github.com/driftq/driftq/pkg/util/log"
)

// ErrNotRedeliverable is returned when redeliver is invoked on a batch
// that is not in a delivery-terminal state.
var ErrNotRedeliverable = errors.New("batch is not redeliverable")

// ErrAlreadyTerminal is returned when cancel is invoked on a batch that
// already finished.
var ErrAlreadyTerminal = errors.New("batch is already terminal")

// handleDeliver pushes one request's result to its sink. Exactly one
// attempt per job: delivery failures are recorded, never retried;
// redelivery is an explicit operator action.
func (w *Workflow) handleDeliver(ctx context.Context, job *jobqueue.Job) error {
	requestID := job.SubjectID

	// Phase one: claim the request by moving it to delivering. The
	// provider HTTP call must not hold the write transaction.
	var req *store.Request
	err := w.store.WithTx(ctx, func(tx *store.Tx) error {
		r, err := tx.GetRequest(requestID)
		if err != nil {
			return err
		}
		switch r.State {
		case lifecycle.RequestProviderProcessed:
			r, err = tx.TransitionRequest(r, lifecycle.RequestDelivering, nil)
			if err != nil {
				return err
			}
		case lifecycle.RequestDelivering:
			// Recovered job; re-dispatch.
		default:
			return nil
		}
		req = r

		b, err := tx.GetBatch(r.BatchID)
		if err != nil {
			return err
		}
		if b.State == lifecycle.BatchReadyToDeliver {
			if _, err := tx.TransitionBatch(b, lifecycle.BatchDelivering, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil || req == nil {
		return err
	}

	res := w.sinks.Deliver(ctx, req)

	// Phase two: record the attempt and settle the request.
	return w.store.WithTx(ctx, func(tx *store.Tx) error {
		r, err := tx.GetRequest(requestID)
		if err != nil {
			return err
		}
		if r.State != lifecycle.RequestDelivering {
			return nil
		}

		if _, err := tx.InsertDeliveryAttempt(r.ID, res.Outcome, res.Detail); err != nil {
			return err
		}

		to := lifecycle.RequestDelivered
		if !res.Success() {
			to = lifecycle.RequestDeliveryFailed
		}
		if _, err := tx.TransitionRequest(r, to, nil); err != nil {
			return err
		}

		return w.queue.EnqueueTx(tx, jobqueue.KindCheckDeliveryCompletion, r.BatchID, time.Time{})
	})
}

// handleCheckDeliveryCompletion finalizes a delivering batch once every
// request is terminal.
func (w *Workflow) handleCheckDeliveryCompletion(ctx context.Context, job *jobqueue.Job) error {
	return w.store.WithTx(ctx, func(tx *store.Tx) error {
		b, err := w.reloadInState(tx, job.SubjectID, lifecycle.BatchDelivering)
		if err != nil || b == nil {
			return err
		}

		counts, err := tx.RequestStateCounts(b.ID)
		if err != nil {
			return err
		}
		inflight := counts[lifecycle.RequestPending] +
			counts[lifecycle.RequestProviderProcessing] +
			counts[lifecycle.RequestProviderProcessed] +
			counts[lifecycle.RequestDelivering]
		if inflight > 0 {
			return nil
		}

		delivered := counts[lifecycle.RequestDelivered]
		// Requests failed at the provider count against the batch
		// outcome alongside failed deliveries.
		failed := counts[lifecycle.RequestDeliveryFailed] + counts[lifecycle.RequestFailed]

		var to lifecycle.State
		switch {
		case failed == 0:
			// Includes the empty batch.
			to = lifecycle.BatchDelivered
		case delivered == 0:
			to = lifecycle.BatchDeliveryFailed
		default:
			to = lifecycle.BatchPartiallyDelivered
		}

		if _, err := tx.TransitionBatch(b, to, nil); err != nil {
			return err
		}
		metricBatchesFinalized.WithLabelValues(string(to)).Inc()
		level.Info(log.Logger).Log("msg", "batch delivery finalized", "batch_id", b.ID,
			"state", to, "delivered", delivered, "failed", failed)
		return nil
	})
}

// Redeliver re-runs delivery for every delivery_failed request of a
// batch that finished partially_delivered or delivery_failed.
func (w *Workflow) Redeliver(ctx context.Context, batchID int64) error {
	return w.store.WithTx(ctx, func(tx *store.Tx) error {
		b, err := tx.GetBatch(batchID)
		if err != nil {
			return err
		}
		if b.State != lifecycle.BatchPartiallyDelivered && b.State != lifecycle.BatchDeliveryFailed {
			return fmt.Errorf("%w: batch %d is %s", ErrNotRedeliverable, batchID, b.State)
		}

		if _, err := tx.TransitionBatch(b, lifecycle.BatchDelivering, nil); err != nil {
			return err
		}

		reqs, err := tx.RequestsInState(b.ID, lifecycle.RequestDeliveryFailed)
		if err != nil {
			return err
		}
		for _, r := range reqs {
			if _, err := tx.TransitionRequest(r, lifecycle.RequestDelivering, nil); err != nil {
				return err
			}
			if err := w.queue.EnqueueTx(tx, jobqueue.KindDeliver, r.ID, time.Time{}); err != nil {
				return err
			}
		}

		level.Info(log.Logger).Log("msg", "redelivery started", "batch_id", b.ID, "requests", len(reqs))
		return nil
	})
}

// Cancel terminates a non-terminal batch. Pending jobs are cancelled,
// children move to cancelled, and any provider-side batch is cancelled
// best-effort after commit.
func (w *Workflow) Cancel(ctx context.Context, batchID int64) error {
	return w.store.WithTx(ctx, func(tx *store.Tx) error {
		b, err := tx.GetBatch(batchID)
		if err != nil {
			return err
		}
		if b.Terminal() {
			return fmt.Errorf("%w: batch %d is %s", ErrAlreadyTerminal, batchID, b.State)
		}

		if err := w.queue.CancelPending(tx, b.ID,
			jobqueue.KindStartUpload,
			jobqueue.KindCreateProviderBatch,
			jobqueue.KindPollBatchStatus,
			jobqueue.KindDownloadAndParse,
			jobqueue.KindRetryExpired,
			jobqueue.KindCheckDeliveryCompletion,
			jobqueue.KindExpireStaleBuilding,
		); err != nil {
			return err
		}

		if _, err := tx.TransitionBatch(b, lifecycle.BatchCancelled, nil); err != nil {
			return err
		}
		if err := cancelRequests(tx, b.ID); err != nil {
			return err
		}
		if err := w.queue.EnqueueTx(tx, jobqueue.KindDrainCapacity, b.ID, time.Time{}); err != nil {
			return err
		}

		providerBatchID := b.ProviderBatchID
		tx.AfterCommit(func() {
			_ = w.files.Delete(b.ID)
			if providerBatchID != "" {
				if err := w.provider.CancelBatch(context.Background(), providerBatchID); err != nil {
					level.Warn(log.Logger).Log("msg", "failed to cancel provider batch",
						"batch_id", b.ID, "provider_batch_id", providerBatchID, "err", err)
				}
			}
		})

		level.Info(log.Logger).Log("msg", "batch cancelled", "batch_id", b.ID)
		return nil
	})
}
