package workflow

import (
	"bufio"
	"context"
	"time"

	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/errgroup"

	"github.com/driftq/driftq/modules/jobqueue"
	"github.com/driftq/driftq/modules/store"
	"github.com/driftq/driftq/pkg/lifecycle"
	"github.com/driftq/driftq/pkg/util/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// resultLine is the provider's result file row. The full raw line is
// preserved on the request; this struct only drives classification.
type resultLine struct {
	CustomID string              `json:"custom_id"`
	Response *resultResponse     `json:"response"`
	Error    jsoniter.RawMessage `json:"error"`
}

type resultResponse struct {
	StatusCode int                 `json:"status_code"`
	Body       jsoniter.RawMessage `json:"body"`
}

type resultBody struct {
	Error jsoniter.RawMessage `json:"error"`
}

// failed classifies an output-file row. Error-file rows are always
// failures.
func (l *resultLine) failed() bool {
	if nonNull(l.Error) {
		return true
	}
	if l.Response == nil {
		return true
	}
	if l.Response.StatusCode != 200 {
		return true
	}
	var body resultBody
	if err := json.Unmarshal(l.Response.Body, &body); err == nil && nonNull(body.Error) {
		return true
	}
	return false
}

func nonNull(raw jsoniter.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

// handleDownloadAndParse downloads whichever result files exist and
// classifies every row onto its request. After parsing, the batch
// either fans out to delivery, resubmits the unprocessed remainder of
// an expired run, or finishes directly when nothing survived.
func (w *Workflow) handleDownloadAndParse(ctx context.Context, job *jobqueue.Job) error {
	batchID := job.SubjectID

	var batch *store.Batch
	err := w.store.WithTx(ctx, func(tx *store.Tx) error {
		b, err := w.reloadInState(tx, batchID,
			lifecycle.BatchProviderCompleted, lifecycle.BatchExpired, lifecycle.BatchDownloading)
		if err != nil || b == nil {
			return err
		}
		if b.State != lifecycle.BatchDownloading {
			b, err = tx.TransitionBatch(b, lifecycle.BatchDownloading, nil)
			if err != nil {
				return err
			}
		}
		batch = b
		return nil
	})
	if err != nil || batch == nil {
		return err
	}

	// Error file first: a custom_id present in both files must end up
	// failed, and the terminal-skip guard then ignores the output row.
	if batch.ProviderErrorFileID != "" {
		if err := w.parseResultFile(ctx, batch.ID, batch.ProviderErrorFileID, true); err != nil {
			return err
		}
	}
	if batch.ProviderOutputFileID != "" {
		if err := w.parseResultFile(ctx, batch.ID, batch.ProviderOutputFileID, false); err != nil {
			return err
		}
	}

	return w.finishParsing(ctx, batch.ID)
}

// parseResultFile streams one NDJSON result file in fixed-size chunks,
// each chunk applied in its own transaction. Chunk transactions run on
// a bounded group so a large file overlaps parsing with the download.
func (w *Workflow) parseResultFile(ctx context.Context, batchID int64, fileID string, isErrorFile bool) error {
	rc, err := w.provider.DownloadFile(ctx, fileID)
	if err != nil {
		return err
	}
	defer rc.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.ParseConcurrency)

	chunkSize := w.cfg.DownloadChunkSize
	if chunkSize <= 0 {
		chunkSize = 100
	}

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64<<10), 16<<20)

	chunk := make([][]byte, 0, chunkSize)
	flush := func() {
		if len(chunk) == 0 {
			return
		}
		lines := chunk
		chunk = make([][]byte, 0, chunkSize)
		g.Go(func() error {
			return w.applyChunk(ctx, batchID, lines, isErrorFile)
		})
	}

	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		chunk = append(chunk, line)
		if len(chunk) >= chunkSize {
			flush()
		}
	}
	if err := scanner.Err(); err != nil {
		_ = g.Wait()
		return err
	}
	flush()
	return g.Wait()
}

// applyChunk classifies one chunk of result rows inside a single
// transaction. Rows for unknown custom_ids are logged and skipped;
// rows whose request is already terminal are skipped.
func (w *Workflow) applyChunk(ctx context.Context, batchID int64, lines [][]byte, isErrorFile bool) error {
	parsed := make([]*resultLine, 0, len(lines))
	customIDs := make([]string, 0, len(lines))
	for _, raw := range lines {
		var l resultLine
		if err := json.Unmarshal(raw, &l); err != nil {
			level.Warn(log.Logger).Log("msg", "skipping malformed result line", "batch_id", batchID, "err", err)
			parsed = append(parsed, nil)
			continue
		}
		parsed = append(parsed, &l)
		customIDs = append(customIDs, l.CustomID)
	}

	return w.store.WithTx(ctx, func(tx *store.Tx) error {
		reqs, err := tx.RequestsByCustomIDs(batchID, customIDs)
		if err != nil {
			return err
		}

		for i, l := range parsed {
			if l == nil {
				continue
			}
			req, ok := reqs[l.CustomID]
			if !ok {
				level.Warn(log.Logger).Log("msg", "result row references unknown custom_id",
					"batch_id", batchID, "custom_id", l.CustomID)
				continue
			}
			if req.Terminal() || req.State == lifecycle.RequestProviderProcessed {
				// Never regress an already-parsed request.
				continue
			}

			raw := string(lines[i])
			if isErrorFile || l.failed() {
				_, err = tx.TransitionRequest(req, lifecycle.RequestFailed, map[string]interface{}{
					"error_msg": raw,
				})
				metricResultRows.WithLabelValues("failed").Inc()
			} else {
				_, err = tx.TransitionRequest(req, lifecycle.RequestProviderProcessed, map[string]interface{}{
					"response_payload": raw,
				})
				metricResultRows.WithLabelValues("processed").Inc()
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// finishParsing routes the batch out of downloading once both files are
// consumed.
func (w *Workflow) finishParsing(ctx context.Context, batchID int64) error {
	return w.store.WithTx(ctx, func(tx *store.Tx) error {
		b, err := w.reloadInState(tx, batchID, lifecycle.BatchDownloading)
		if err != nil || b == nil {
			return err
		}
		b, err = tx.TransitionBatch(b, lifecycle.BatchDownloaded, nil)
		if err != nil {
			return err
		}

		// The batch left the reserved set when it stopped processing;
		// let waiting batches through.
		if err := w.queue.EnqueueTx(tx, jobqueue.KindDrainCapacity, b.ID, time.Time{}); err != nil {
			return err
		}

		// An expired batch resubmits whatever the provider never got
		// to: reset those requests and re-upload just them.
		if b.ProviderStatus == "expired" {
			reset, err := tx.BulkTransitionRequests(b.ID, lifecycle.RequestProviderProcessing, lifecycle.RequestPending)
			if err != nil {
				return err
			}
			if reset > 0 {
				level.Info(log.Logger).Log("msg", "resubmitting unprocessed remainder of expired batch",
					"batch_id", b.ID, "requests", reset)
				if _, err := tx.TransitionBatch(b, lifecycle.BatchUploading, nil); err != nil {
					return err
				}
				return w.queue.EnqueueTx(tx, jobqueue.KindStartUpload, b.ID, time.Time{})
			}
		}

		counts, err := tx.RequestStateCounts(b.ID)
		if err != nil {
			return err
		}
		processed := counts[lifecycle.RequestProviderProcessed]

		if b.RequestCount == 0 {
			_, err = tx.TransitionBatch(b, lifecycle.BatchDelivered, nil)
			return err
		}
		if processed == 0 {
			return w.failBatch(tx, b, "no requests produced a deliverable result")
		}

		b, err = tx.TransitionBatch(b, lifecycle.BatchReadyToDeliver, nil)
		if err != nil {
			return err
		}
		reqs, err := tx.RequestsInState(b.ID, lifecycle.RequestProviderProcessed)
		if err != nil {
			return err
		}
		for _, r := range reqs {
			if err := w.queue.EnqueueTx(tx, jobqueue.KindDeliver, r.ID, time.Time{}); err != nil {
				return err
			}
		}
		return nil
	})
}
