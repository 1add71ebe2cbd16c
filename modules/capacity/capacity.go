// Package capacity gates provider submission on the per-model enqueued
// token budget. A batch only ships to the provider when the tokens it
// would add, plus everything already reserved for the model, fit under
// the model's cap; otherwise it parks in the waiting queue and is
// drained strictly first-come-first-served as capacity frees up.
package capacity

import (
	"github.com/go-kit/log/level"

	"github.com/driftq/driftq/modules/overrides"
	"github.com/driftq/driftq/modules/store"
	"github.com/driftq/driftq/pkg/clock"
	"github.com/driftq/driftq/pkg/lifecycle"
	"github.com/driftq/driftq/pkg/util/log"
)

// Controller decides admission. It holds no state of its own; every
// decision reads the database inside the caller's transaction.
type Controller struct {
	limits overrides.Interface
	clock  clock.Clock
}

func New(limits overrides.Interface, cl clock.Clock) *Controller {
	if cl == nil {
		cl = clock.New()
	}
	return &Controller{limits: limits, clock: cl}
}

// Admit decides whether an uploaded batch may be submitted now. When it
// fits, the batch is returned unchanged and the caller performs the
// provider submission. When it does not, the batch transitions to
// waiting_for_capacity and (nil, false) is returned.
//
// The reservation includes batches already waiting, so a newly uploaded
// batch cannot jump ahead of the queue.
func (c *Controller) Admit(tx *store.Tx, b *store.Batch) (*store.Batch, bool, error) {
	cap := c.limits.TokenCapForModel(b.Model)
	reserved, err := tx.ReservedTokens(b.Model, b.ID)
	if err != nil {
		return nil, false, err
	}

	if reserved+b.EstimatedInputTokensTotal <= cap {
		metricAdmitted.WithLabelValues(b.Model).Inc()
		return b, true, nil
	}

	level.Info(log.Logger).Log("msg", "batch waiting for capacity",
		"batch_id", b.ID, "model", b.Model,
		"need", b.EstimatedInputTokensTotal, "reserved", reserved, "cap", cap)
	metricParked.WithLabelValues(b.Model, store.WaitReasonInsufficientHeadroom).Inc()

	parked, err := tx.TransitionBatch(b, lifecycle.BatchWaitingForCapacity, map[string]interface{}{
		"waiting_since_at": c.clock.Now().UTC(),
		"wait_reason":      store.WaitReasonInsufficientHeadroom,
	})
	if err != nil {
		return nil, false, err
	}
	return parked, false, nil
}

// ParkTokenLimited parks a batch the provider rejected for exceeding
// its enqueued token limit. The batch re-enters the waiting queue with
// a doubling retry delay; drains before the delay elapses skip it.
func (c *Controller) ParkTokenLimited(tx *store.Tx, b *store.Batch, providerErr string) (*store.Batch, error) {
	attempts := b.TokenLimitRetryAttempts + 1
	delay := c.limits.TokenLimitBackoff(attempts)
	now := c.clock.Now().UTC()

	level.Warn(log.Logger).Log("msg", "provider token limit hit, parking batch",
		"batch_id", b.ID, "model", b.Model, "attempt", attempts, "retry_in", delay)
	metricParked.WithLabelValues(b.Model, store.WaitReasonTokenLimitBackoff).Inc()

	return tx.TransitionBatch(b, lifecycle.BatchWaitingForCapacity, map[string]interface{}{
		"waiting_since_at":             now,
		"wait_reason":                  store.WaitReasonTokenLimitBackoff,
		"token_limit_retry_attempts":   attempts,
		"token_limit_retry_next_at":    now.Add(delay),
		"token_limit_retry_last_error": providerErr,
	})
}

// RetriesExhausted reports whether another token-limit retry is still
// allowed for the batch.
func (c *Controller) RetriesExhausted(b *store.Batch) bool {
	return b.TokenLimitRetryAttempts >= c.limits.MaxTokenLimitRetries()
}

// Drain admits waiting batches for a model in strict FIFO order,
// returning the batches moved back to uploaded. The first batch that
// does not fit blocks everything behind it; batches still inside a
// token-limit retry delay are skipped without blocking.
func (c *Controller) Drain(tx *store.Tx, model string) ([]*store.Batch, error) {
	cap := c.limits.TokenCapForModel(model)
	used, err := tx.ActiveReservedTokens(model)
	if err != nil {
		return nil, err
	}
	waiting, err := tx.WaitingBatches(model)
	if err != nil {
		return nil, err
	}

	now := c.clock.Now().UTC()
	var admitted []*store.Batch
	for _, w := range waiting {
		if w.TokenLimitRetryNextAt.Valid && w.TokenLimitRetryNextAt.Time.After(now) {
			continue
		}
		if used+w.EstimatedInputTokensTotal > cap {
			break
		}

		next, err := tx.TransitionBatch(w, lifecycle.BatchUploaded, map[string]interface{}{
			"waiting_since_at":          nil,
			"wait_reason":               "",
			"token_limit_retry_next_at": nil,
		})
		if err != nil {
			return nil, err
		}
		used += w.EstimatedInputTokensTotal
		admitted = append(admitted, next)
		metricDrained.WithLabelValues(model).Inc()
	}
	return admitted, nil
}
