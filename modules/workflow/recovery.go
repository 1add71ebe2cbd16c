package workflow

import (
	"context"
	"time"

	"github.com/go-kit/log/level"

	"github.com/driftq/driftq/modules/jobqueue"
	"github.com/driftq/driftq/modules/store"
	"github.com/driftq/driftq/pkg/lifecycle"
	"github.com/driftq/driftq/pkg/util/log"
)

// Recover re-enqueues the resumption job for every batch left in a
// non-terminal, action-required state by a previous process. Singleton
// dedup makes this safe to run against jobs that already exist.
func (w *Workflow) Recover(ctx context.Context) error {
	batches, err := w.store.NonTerminalBatches(ctx)
	if err != nil {
		return err
	}

	recovered := 0
	for _, b := range batches {
		if err := w.recoverBatch(ctx, b); err != nil {
			return err
		}
		recovered++
	}

	if recovered > 0 {
		level.Info(log.Logger).Log("msg", "recovered stale work", "batches", recovered)
	}
	return nil
}

func (w *Workflow) recoverBatch(ctx context.Context, b *store.Batch) error {
	return w.store.WithTx(ctx, func(tx *store.Tx) error {
		switch b.State {
		case lifecycle.BatchBuilding:
			// The age-expiry job is durable and still scheduled.
			return nil

		case lifecycle.BatchUploading:
			return w.queue.EnqueueTx(tx, jobqueue.KindStartUpload, b.ID, time.Time{})

		case lifecycle.BatchUploaded:
			return w.queue.EnqueueTx(tx, jobqueue.KindCreateProviderBatch, b.ID, time.Time{})

		case lifecycle.BatchWaitingForCapacity:
			return w.queue.EnqueueTx(tx, jobqueue.KindDrainCapacity, b.ID, time.Time{})

		case lifecycle.BatchProviderProcessing:
			return w.queue.EnqueueTx(tx, jobqueue.KindPollBatchStatus, b.ID, time.Time{})

		case lifecycle.BatchProviderCompleted, lifecycle.BatchDownloading, lifecycle.BatchDownloaded:
			return w.queue.EnqueueTx(tx, jobqueue.KindDownloadAndParse, b.ID, time.Time{})

		case lifecycle.BatchExpired:
			// Result files recorded at poll time hold partial results;
			// those must be ingested, not resubmitted wholesale.
			if b.ProviderOutputFileID != "" || b.ProviderErrorFileID != "" {
				return w.queue.EnqueueTx(tx, jobqueue.KindDownloadAndParse, b.ID, time.Time{})
			}
			return w.queue.EnqueueTx(tx, jobqueue.KindRetryExpired, b.ID, time.Time{})

		case lifecycle.BatchWaitingToRetry:
			return w.queue.EnqueueTx(tx, jobqueue.KindStartUpload, b.ID, time.Time{})

		case lifecycle.BatchReadyToDeliver, lifecycle.BatchDelivering:
			for _, state := range []lifecycle.State{lifecycle.RequestProviderProcessed, lifecycle.RequestDelivering} {
				reqs, err := tx.RequestsInState(b.ID, state)
				if err != nil {
					return err
				}
				for _, r := range reqs {
					if err := w.queue.EnqueueTx(tx, jobqueue.KindDeliver, r.ID, time.Time{}); err != nil {
						return err
					}
				}
			}
			return w.queue.EnqueueTx(tx, jobqueue.KindCheckDeliveryCompletion, b.ID, time.Time{})

		default:
			level.Warn(log.Logger).Log("msg", "no recovery action for batch", "batch_id", b.ID, "state", b.State)
			return nil
		}
	})
}
