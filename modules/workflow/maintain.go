package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/go-kit/log/level"

	"github.com/driftq/driftq/modules/jobqueue"
	"github.com/driftq/driftq/modules/store"
	"github.com/driftq/driftq/pkg/lifecycle"
	"github.com/driftq/driftq/pkg/util/log"
)

// handleDrainCapacity re-admits waiting batches for the subject batch's
// model, strictly FIFO, and schedules submission for each one admitted.
func (w *Workflow) handleDrainCapacity(ctx context.Context, job *jobqueue.Job) error {
	batch, err := w.store.GetBatch(ctx, job.SubjectID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	return w.store.WithTx(ctx, func(tx *store.Tx) error {
		admitted, err := w.capacity.Drain(tx, batch.Model)
		if err != nil {
			return err
		}
		for _, a := range admitted {
			if err := w.queue.EnqueueTx(tx, jobqueue.KindCreateProviderBatch, a.ID, time.Time{}); err != nil {
				return err
			}
		}
		return nil
	})
}

// handleRetryExpired resubmits a batch that expired with no results at
// all: every in-flight request resets to pending and the whole batch
// re-uploads.
func (w *Workflow) handleRetryExpired(ctx context.Context, job *jobqueue.Job) error {
	return w.store.WithTx(ctx, func(tx *store.Tx) error {
		b, err := w.reloadInState(tx, job.SubjectID, lifecycle.BatchExpired)
		if err != nil || b == nil {
			return err
		}

		reset, err := tx.BulkTransitionRequests(b.ID, lifecycle.RequestProviderProcessing, lifecycle.RequestPending)
		if err != nil {
			return err
		}
		if reset == 0 {
			return w.failBatch(tx, b, "expired batch has no requests left to retry")
		}

		b, err = tx.TransitionBatch(b, lifecycle.BatchWaitingToRetry, nil)
		if err != nil {
			return err
		}
		if _, err := tx.TransitionBatch(b, lifecycle.BatchUploading, nil); err != nil {
			return err
		}

		level.Info(log.Logger).Log("msg", "retrying expired batch", "batch_id", b.ID, "requests", reset)
		return w.queue.EnqueueTx(tx, jobqueue.KindStartUpload, b.ID, time.Time{})
	})
}

// handleExpireStaleBuilding closes a building batch that reached its
// age limit: empty batches are deleted outright, non-empty ones ship.
func (w *Workflow) handleExpireStaleBuilding(ctx context.Context, job *jobqueue.Job) error {
	return w.store.WithTx(ctx, func(tx *store.Tx) error {
		b, err := w.reloadInState(tx, job.SubjectID, lifecycle.BatchBuilding)
		if err != nil || b == nil {
			return err
		}

		if b.RequestCount == 0 {
			level.Info(log.Logger).Log("msg", "deleting empty stale building batch", "batch_id", b.ID)
			if err := tx.DeleteBatch(b.ID); err != nil {
				return err
			}
			tx.AfterCommit(func() { _ = w.files.Delete(b.ID) })
			return nil
		}

		level.Info(log.Logger).Log("msg", "closing aged building batch", "batch_id", b.ID,
			"requests", b.RequestCount, "age", w.clock.Now().Sub(b.CreatedAt))
		if _, err := tx.TransitionBatch(b, lifecycle.BatchUploading, nil); err != nil {
			return err
		}
		return w.queue.EnqueueTx(tx, jobqueue.KindStartUpload, b.ID, time.Time{})
	})
}

// handleDeleteExpired removes a batch whose provider-side deadline has
// passed, once it is terminal. Non-terminal batches are re-checked
// later.
func (w *Workflow) handleDeleteExpired(ctx context.Context, job *jobqueue.Job) error {
	return w.store.WithTx(ctx, func(tx *store.Tx) error {
		b, err := tx.GetBatch(job.SubjectID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if !b.Terminal() {
			return w.queue.EnqueueTx(tx, jobqueue.KindDeleteExpired, b.ID, w.clock.Now().Add(time.Hour))
		}
		if !b.ExpiresAt.Valid || w.clock.Now().Before(b.ExpiresAt.Time) {
			return nil
		}

		level.Info(log.Logger).Log("msg", "deleting expired batch", "batch_id", b.ID, "state", b.State)
		if err := tx.DeleteBatch(b.ID); err != nil {
			return err
		}
		tx.AfterCommit(func() { _ = w.files.Delete(b.ID) })
		return nil
	})
}
