package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/go-kit/log/level"

	"github.com/driftq/driftq/modules/jobqueue"
	"github.com/driftq/driftq/modules/store"
	"github.com/driftq/driftq/pkg/events"
	"github.com/driftq/driftq/pkg/lifecycle"
	"github.com/driftq/driftq/pkg/provider"
	"github.com/driftq/driftq/pkg/util/log"
)

// handlePollBatchStatus fetches the provider-side batch state and
// advances the local batch accordingly. At most one poll job exists per
// batch; polls are idempotent because each merely records the latest
// known provider status.
func (w *Workflow) handlePollBatchStatus(ctx context.Context, job *jobqueue.Job) error {
	batch, err := w.store.GetBatch(ctx, job.SubjectID)
	if err != nil {
		return err
	}
	if batch.State != lifecycle.BatchProviderProcessing {
		return nil
	}

	pb, err := w.provider.GetBatch(ctx, batch.ProviderBatchID)
	if errors.Is(err, provider.ErrNotFound) {
		return w.store.WithTx(ctx, func(tx *store.Tx) error {
			b, err := w.reloadInState(tx, batch.ID, lifecycle.BatchProviderProcessing)
			if err != nil || b == nil {
				return err
			}
			return w.failBatch(tx, b, "provider batch "+b.ProviderBatchID+" not found")
		})
	}
	if err != nil {
		return err
	}
	metricPolls.WithLabelValues(pb.Status).Inc()

	return w.store.WithTx(ctx, func(tx *store.Tx) error {
		b, err := w.reloadInState(tx, batch.ID, lifecycle.BatchProviderProcessing)
		if err != nil || b == nil {
			return err
		}

		switch pb.Status {
		case provider.StatusCompleted:
			return w.pollCompleted(tx, b, pb)

		case provider.StatusFailed:
			if pb.Errors.TokenLimited() {
				return w.tokenLimited(tx, b, pb.Errors.FirstMessage())
			}
			msg := pb.Errors.FirstMessage()
			if msg == "" {
				msg = "batch failed at provider"
			}
			return w.failBatch(tx, b, msg)

		case provider.StatusExpired:
			return w.pollExpired(tx, b, pb)

		case provider.StatusCancelled, provider.StatusCancelling:
			if _, err := tx.TransitionBatch(b, lifecycle.BatchCancelled, map[string]interface{}{
				"provider_status": pb.Status,
			}); err != nil {
				return err
			}
			if err := cancelRequests(tx, b.ID); err != nil {
				return err
			}
			return w.queue.EnqueueTx(tx, jobqueue.KindDrainCapacity, b.ID, time.Time{})

		default:
			return w.pollInFlight(tx, b, pb)
		}
	})
}

func (w *Workflow) pollCompleted(tx *store.Tx, b *store.Batch, pb *provider.Batch) error {
	if _, err := tx.TransitionBatch(b, lifecycle.BatchProviderCompleted, providerResultPatch(tx, pb)); err != nil {
		return err
	}
	level.Info(log.Logger).Log("msg", "provider batch completed", "batch_id", b.ID,
		"completed", pb.RequestCounts.Completed, "failed", pb.RequestCounts.Failed)
	return w.queue.EnqueueTx(tx, jobqueue.KindDownloadAndParse, b.ID, time.Time{})
}

// pollExpired handles the provider's deadline elapsing. Result files
// that did materialize are downloaded; with no data at all the batch
// re-queues for a full resubmission.
func (w *Workflow) pollExpired(tx *store.Tx, b *store.Batch, pb *provider.Batch) error {
	b, err := tx.TransitionBatch(b, lifecycle.BatchExpired, providerResultPatch(tx, pb))
	if err != nil {
		return err
	}
	metricExpirations.WithLabelValues(expirationKind(pb)).Inc()

	if pb.OutputFileID != "" || pb.ErrorFileID != "" {
		level.Info(log.Logger).Log("msg", "batch expired with partial results", "batch_id", b.ID,
			"output_file", pb.OutputFileID, "error_file", pb.ErrorFileID)
		return w.queue.EnqueueTx(tx, jobqueue.KindDownloadAndParse, b.ID, time.Time{})
	}

	level.Info(log.Logger).Log("msg", "batch expired with no results, retrying", "batch_id", b.ID)
	return w.queue.EnqueueTx(tx, jobqueue.KindRetryExpired, b.ID, time.Time{})
}

// pollInFlight records progress and schedules the next poll.
func (w *Workflow) pollInFlight(tx *store.Tx, b *store.Batch, pb *provider.Batch) error {
	changed := b.ProviderRequestsCompleted != pb.RequestCounts.Completed ||
		b.ProviderRequestsFailed != pb.RequestCounts.Failed ||
		b.ProviderRequestsTotal != pb.RequestCounts.Total

	now := w.clock.Now().UTC()
	patch := map[string]interface{}{
		"last_checked_at": now,
		"provider_status": pb.Status,
	}
	if changed {
		patch["provider_requests_total"] = pb.RequestCounts.Total
		patch["provider_requests_completed"] = pb.RequestCounts.Completed
		patch["provider_requests_failed"] = pb.RequestCounts.Failed
	}
	if _, err := tx.PatchBatch(b, patch); err != nil {
		return err
	}

	if changed {
		progress := events.Progress{
			ID:        events.NewID(),
			BatchID:   b.ID,
			Total:     pb.RequestCounts.Total,
			Completed: pb.RequestCounts.Completed,
			Failed:    pb.RequestCounts.Failed,
			At:        now,
		}
		tx.AfterCommit(func() {
			w.bus.Publish(events.Event{Topic: events.TopicBatchProgress, Progress: &progress})
		})
	}

	return w.queue.EnqueueTx(tx, jobqueue.KindPollBatchStatus, b.ID, now.Add(w.cfg.PollInterval))
}

// providerResultPatch captures file ids, usage and final counts off a
// finished provider batch.
func providerResultPatch(tx *store.Tx, pb *provider.Batch) map[string]interface{} {
	return map[string]interface{}{
		"provider_status":             pb.Status,
		"provider_output_file_id":     pb.OutputFileID,
		"provider_error_file_id":      pb.ErrorFileID,
		"provider_requests_total":     pb.RequestCounts.Total,
		"provider_requests_completed": pb.RequestCounts.Completed,
		"provider_requests_failed":    pb.RequestCounts.Failed,
		"input_tokens":                pb.Usage.InputTokens,
		"cached_tokens":               pb.Usage.CachedTokens,
		"reasoning_tokens":            pb.Usage.ReasoningTokens,
		"output_tokens":               pb.Usage.OutputTokens,
		"last_checked_at":             tx.Now(),
	}
}

func expirationKind(pb *provider.Batch) string {
	if pb.OutputFileID != "" || pb.ErrorFileID != "" {
		return "partial"
	}
	return "empty"
}

// cancelRequests cancels every child request still cancellable.
func cancelRequests(tx *store.Tx, batchID int64) error {
	for _, from := range []lifecycle.State{
		lifecycle.RequestPending,
		lifecycle.RequestProviderProcessing,
		lifecycle.RequestProviderProcessed,
		lifecycle.RequestDelivering,
	} {
		if _, err := tx.BulkTransitionRequests(batchID, from, lifecycle.RequestCancelled); err != nil {
			return err
		}
	}
	return nil
}
