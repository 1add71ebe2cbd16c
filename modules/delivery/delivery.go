// Package delivery pushes finished request results to their configured
// sinks. Webhook and RabbitMQ sinks are supported; every executed push
// is recorded as an immutable DeliveryAttempt by the caller, and a
// delivery is attempted exactly once per deliver job.
package delivery

import (
	"context"
	"errors"

	"github.com/go-kit/log/level"

	"github.com/driftq/driftq/modules/overrides"
	"github.com/driftq/driftq/modules/store"
	"github.com/driftq/driftq/pkg/util/log"
)

// MessagePublisher pushes one message to an AMQP destination. It owns
// its connections and is safe to share across workers.
type MessagePublisher interface {
	Publish(ctx context.Context, cfg *Config, body []byte) error
}

// Result is the mapped outcome of one delivery attempt. Outcome is one
// of the store.Outcome* constants; Detail carries the sink's error or
// response body for the attempt ledger.
type Result struct {
	Outcome string
	Detail  string
}

func (r Result) Success() bool { return r.Outcome == store.OutcomeSuccess }

// Dispatcher routes a request's result payload to its sink.
type Dispatcher struct {
	webhook *WebhookSink
	mq      MessagePublisher
	limits  overrides.Interface
}

func NewDispatcher(webhook *WebhookSink, mq MessagePublisher, limits overrides.Interface) *Dispatcher {
	return &Dispatcher{webhook: webhook, mq: mq, limits: limits}
}

// Deliver pushes the request's stored result to its configured sink and
// maps the outcome. It never retries; the returned Result is final for
// this attempt.
func (d *Dispatcher) Deliver(ctx context.Context, req *store.Request) Result {
	cfg, err := ParseConfig([]byte(req.DeliveryConfig))
	if err != nil {
		return Result{Outcome: store.OutcomeOther, Detail: err.Error()}
	}

	payload := req.ResponsePayload
	if payload == "" {
		payload = req.ErrorMsg
	}

	var res Result
	switch cfg.Type {
	case TypeWebhook:
		res = d.webhook.Deliver(ctx, cfg.WebhookURL, []byte(payload))
	case TypeRabbitMQ:
		res = d.publish(ctx, cfg, []byte(payload))
	default:
		res = Result{Outcome: store.OutcomeOther, Detail: "unknown delivery type " + cfg.Type}
	}

	metricDeliveries.WithLabelValues(cfg.Type, res.Outcome).Inc()
	if !res.Success() {
		level.Warn(log.Logger).Log("msg", "delivery failed", "custom_id", req.CustomID,
			"sink", cfg.Type, "outcome", res.Outcome)
	}
	return res
}

func (d *Dispatcher) publish(ctx context.Context, cfg *Config, body []byte) Result {
	if d.mq == nil {
		return Result{Outcome: store.OutcomeOther, Detail: "no message broker configured"}
	}
	err := d.mq.Publish(ctx, cfg, body)
	if err == nil {
		return Result{Outcome: store.OutcomeSuccess}
	}

	switch {
	case errors.Is(err, ErrQueueNotFound):
		return Result{Outcome: store.OutcomeQueueNotFound, Detail: err.Error()}
	case errors.Is(err, ErrExchangeNotFound):
		return Result{Outcome: store.OutcomeExchangeNotFound, Detail: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return Result{Outcome: store.OutcomeTimeout, Detail: err.Error()}
	default:
		return Result{Outcome: store.OutcomeConnectionError, Detail: err.Error()}
	}
}
