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

var errNothingToUpload = errors.New("batch has no pending requests to upload")

// handleStartUpload rebuilds the batch's upload file from the database
// and ships it to the provider. Only pending requests are included, so
// a partial-expiration resubmission uploads just the remainder.
func (w *Workflow) handleStartUpload(ctx context.Context, job *jobqueue.Job) error {
	batchID := job.SubjectID

	// Materialize the file outside the provider call but from a
	// consistent read.
	var pending int
	err := w.store.WithTx(ctx, func(tx *store.Tx) error {
		b, err := w.reloadInState(tx, batchID, lifecycle.BatchUploading)
		if err != nil || b == nil {
			return err
		}

		reqs, err := tx.RequestsInState(batchID, lifecycle.RequestPending)
		if err != nil {
			return err
		}
		pending = len(reqs)
		if pending == 0 {
			return nil
		}

		f, err := w.files.Create(batchID)
		if err != nil {
			return err
		}
		defer f.Close()
		for _, r := range reqs {
			if _, err := f.Write(append(r.RequestPayload, '\n')); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if pending == 0 {
		// Either the job is stale or the batch is unexpectedly empty.
		var stale bool
		err := w.store.WithTx(ctx, func(tx *store.Tx) error {
			b, err := w.reloadInState(tx, batchID, lifecycle.BatchUploading)
			if err != nil {
				return err
			}
			stale = b == nil
			if b != nil {
				return w.failBatch(tx, b, errNothingToUpload.Error())
			}
			return nil
		})
		if err != nil {
			return err
		}
		if !stale {
			level.Error(log.Logger).Log("msg", "refusing to upload empty batch", "batch_id", batchID)
		}
		return nil
	}

	file, err := w.provider.UploadFile(ctx, w.files.Path(batchID))
	if err != nil {
		// The file is rebuilt from scratch on retry.
		_ = w.files.Delete(batchID)
		return err
	}

	err = w.store.WithTx(ctx, func(tx *store.Tx) error {
		b, err := w.reloadInState(tx, batchID, lifecycle.BatchUploading)
		if err != nil || b == nil {
			return err
		}
		if _, err := tx.TransitionBatch(b, lifecycle.BatchUploaded, map[string]interface{}{
			"provider_input_file_id": file.ID,
		}); err != nil {
			return err
		}
		return w.queue.EnqueueTx(tx, jobqueue.KindCreateProviderBatch, batchID, time.Time{})
	})
	if err != nil {
		return err
	}

	_ = w.files.Delete(batchID)
	metricUploads.Inc()
	level.Info(log.Logger).Log("msg", "batch uploaded", "batch_id", batchID,
		"requests", pending, "provider_file_id", file.ID)
	return nil
}
