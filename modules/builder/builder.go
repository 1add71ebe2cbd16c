// Package builder routes newly enqueued requests into the unique
// building batch per (model, endpoint), creating batches as needed and
// closing them when they fill up or age out.
package builder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"

	"github.com/driftq/driftq/modules/delivery"
	"github.com/driftq/driftq/modules/jobqueue"
	"github.com/driftq/driftq/modules/overrides"
	"github.com/driftq/driftq/modules/store"
	"github.com/driftq/driftq/pkg/batchfile"
	"github.com/driftq/driftq/pkg/clock"
	"github.com/driftq/driftq/pkg/lifecycle"
	"github.com/driftq/driftq/pkg/util/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Endpoints accepted by the ingress.
var allowedEndpoints = map[string]struct{}{
	"/v1/responses":        {},
	"/v1/chat/completions": {},
	"/v1/completions":      {},
	"/v1/embeddings":       {},
	"/v1/moderations":      {},
}

const maxCustomIDLen = 512

var (
	// ErrInvalid wraps ingress validation failures. Callers surface
	// these without retrying.
	ErrInvalid = errors.New("invalid request")

	// ErrBatchSizeExceeded means the request cannot fit even a fresh
	// batch.
	ErrBatchSizeExceeded = errors.New("request exceeds batch size limit")
)

// IncomingRequest is the ingress payload.
type IncomingRequest struct {
	CustomID string              `json:"custom_id"`
	Model    string              `json:"model"`
	Endpoint string              `json:"endpoint"`
	Body     jsoniter.RawMessage `json:"body"`
	Delivery delivery.Config     `json:"delivery"`
}

// Builder is the ingestion path. Safe for concurrent use; the store's
// transactions and the building-batch unique index arbitrate races.
type Builder struct {
	store  *store.Store
	files  *batchfile.Store
	queue  *jobqueue.Queue
	limits overrides.Interface
	clock  clock.Clock
}

func New(s *store.Store, files *batchfile.Store, queue *jobqueue.Queue, limits overrides.Interface, cl clock.Clock) *Builder {
	if cl == nil {
		cl = clock.New()
	}
	return &Builder{store: s, files: files, queue: queue, limits: limits, clock: cl}
}

// Enqueue validates, canonicalizes and persists one request, assigning
// it to the building batch for its (model, endpoint). A full batch is
// closed and replaced once, transparently; a second failure surfaces.
func (b *Builder) Enqueue(ctx context.Context, in IncomingRequest) (*store.Request, *store.Batch, error) {
	if err := b.validate(in); err != nil {
		return nil, nil, err
	}

	line, err := canonicalLine(in)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: body is not valid JSON: %v", ErrInvalid, err)
	}
	deliveryCfg, err := in.Delivery.Canonical()
	if err != nil {
		return nil, nil, err
	}

	size := int64(len(line))
	if size > b.limits.MaxBatchSizeBytes() {
		return nil, nil, ErrBatchSizeExceeded
	}

	req := &store.Request{
		CustomID:             in.CustomID,
		Model:                in.Model,
		Endpoint:             in.Endpoint,
		RequestPayload:       line,
		RequestPayloadSize:   size,
		EstimatedInputTokens: estimateTokens(size),
		DeliveryConfig:       deliveryCfg,
	}

	var batch *store.Batch
	err = b.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		batch, err = b.place(tx, req)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	metricRequestsAccepted.WithLabelValues(in.Model, in.Endpoint).Inc()
	return req, batch, nil
}

// place finds or creates the building batch, rotating a full one at
// most once, and inserts the request into it.
func (b *Builder) place(tx *store.Tx, req *store.Request) (*store.Batch, error) {
	batch, err := b.buildingBatch(tx, req.Model, req.Endpoint)
	if err != nil {
		return nil, err
	}

	if full, reason := b.isFull(batch, req.RequestPayloadSize); full {
		if err := b.closeBatch(tx, batch, reason); err != nil {
			return nil, err
		}
		// One fresh batch, one retry.
		batch, err = b.createBatch(tx, req.Model, req.Endpoint)
		if err != nil {
			return nil, err
		}
		if full, _ := b.isFull(batch, req.RequestPayloadSize); full {
			return nil, ErrBatchSizeExceeded
		}
	}

	req.BatchID = batch.ID
	if err := tx.InsertRequest(req); err != nil {
		return nil, err
	}
	if err := b.files.AppendLine(batch.ID, req.RequestPayload); err != nil {
		return nil, err
	}

	batch, err = tx.GetBatch(batch.ID)
	if err != nil {
		return nil, err
	}
	if closed, reason := b.shouldClose(batch); closed {
		if err := b.closeBatch(tx, batch, reason); err != nil {
			return nil, err
		}
		return tx.GetBatch(batch.ID)
	}
	return batch, nil
}

func (b *Builder) buildingBatch(tx *store.Tx, model, endpoint string) (*store.Batch, error) {
	batch, err := tx.BuildingBatch(model, endpoint)
	if errors.Is(err, store.ErrNotFound) {
		return b.createBatch(tx, model, endpoint)
	}
	return batch, err
}

func (b *Builder) createBatch(tx *store.Tx, model, endpoint string) (*store.Batch, error) {
	batch, err := tx.CreateBatch(model, endpoint)
	if err != nil {
		return nil, err
	}
	metricBatchesCreated.WithLabelValues(model, endpoint).Inc()

	// Age closure: a batch that never fills still ships eventually.
	ageDeadline := b.clock.Now().UTC().Add(b.limits.MaxBatchAge())
	if err := b.queue.EnqueueTx(tx, jobqueue.KindExpireStaleBuilding, batch.ID, ageDeadline); err != nil {
		return nil, err
	}
	return batch, nil
}

// isFull reports whether adding a request of the given size would
// violate the count or size limit.
func (b *Builder) isFull(batch *store.Batch, incomingSize int64) (bool, string) {
	if batch.RequestCount >= b.limits.MaxRequestsPerBatch() {
		return true, "request_count"
	}
	if batch.SizeBytes+incomingSize > b.limits.MaxBatchSizeBytes() {
		return true, "size_bytes"
	}
	return false, ""
}

// shouldClose reports whether the batch reached a closing condition
// after an insert.
func (b *Builder) shouldClose(batch *store.Batch) (bool, string) {
	if batch.RequestCount >= b.limits.MaxRequestsPerBatch() {
		return true, "request_count"
	}
	if batch.SizeBytes >= b.limits.MaxBatchSizeBytes() {
		return true, "size_bytes"
	}
	return false, ""
}

// closeBatch moves a building batch to uploading and schedules its
// upload.
func (b *Builder) closeBatch(tx *store.Tx, batch *store.Batch, reason string) error {
	level.Info(log.Logger).Log("msg", "closing batch", "batch_id", batch.ID,
		"model", batch.Model, "endpoint", batch.Endpoint,
		"requests", batch.RequestCount, "bytes", batch.SizeBytes, "reason", reason)

	if _, err := tx.TransitionBatch(batch, lifecycle.BatchUploading, nil); err != nil {
		return err
	}
	metricBatchesClosed.WithLabelValues(batch.Model, reason).Inc()
	return b.queue.EnqueueTx(tx, jobqueue.KindStartUpload, batch.ID, time.Time{})
}

func (b *Builder) validate(in IncomingRequest) error {
	switch {
	case in.CustomID == "":
		return fmt.Errorf("%w: custom_id is required", ErrInvalid)
	case len(in.CustomID) > maxCustomIDLen:
		return fmt.Errorf("%w: custom_id exceeds %d characters", ErrInvalid, maxCustomIDLen)
	case strings.ContainsAny(in.CustomID, "\n\r"):
		return fmt.Errorf("%w: custom_id must not contain newlines", ErrInvalid)
	case in.Model == "":
		return fmt.Errorf("%w: model is required", ErrInvalid)
	case len(in.Body) == 0:
		return fmt.Errorf("%w: body is required", ErrInvalid)
	}
	if _, ok := allowedEndpoints[in.Endpoint]; !ok {
		return fmt.Errorf("%w: unsupported endpoint %q", ErrInvalid, in.Endpoint)
	}
	if err := in.Delivery.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// canonicalLine builds the provider upload line for a request with
// stable key ordering at every nesting level, so canonicalizing twice
// yields identical bytes.
func canonicalLine(in IncomingRequest) ([]byte, error) {
	var body interface{}
	if err := json.Unmarshal(in.Body, &body); err != nil {
		return nil, err
	}

	return json.Marshal(map[string]interface{}{
		"custom_id": in.CustomID,
		"method":    "POST",
		"url":       in.Endpoint,
		"body":      body,
	})
}

// estimateTokens is the admission heuristic: roughly four bytes of
// canonical JSON per token, rounded up.
func estimateTokens(size int64) int64 {
	return (size + 3) / 4
}
