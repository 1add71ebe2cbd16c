package delivery

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/driftq/driftq/modules/overrides"
	"github.com/driftq/driftq/modules/store"
)

// maxResponseBody bounds how much of a sink's response is kept on the
// attempt ledger.
const maxResponseBody = 16 << 10

// WebhookSink POSTs result payloads to user-supplied HTTPS endpoints.
type WebhookSink struct {
	limits overrides.Interface
	client *http.Client
}

func NewWebhookSink(limits overrides.Interface) *WebhookSink {
	connect, _ := limits.WebhookTimeouts()
	return &WebhookSink{
		limits: limits,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: connect,
				}).DialContext,
				TLSHandshakeTimeout: connect,
				MaxIdleConnsPerHost: 16,
			},
		},
	}
}

// Deliver POSTs the payload and maps the HTTP outcome. Non-2xx bodies
// are preserved for the attempt ledger.
func (w *WebhookSink) Deliver(ctx context.Context, url string, payload []byte) Result {
	_, read := w.limits.WebhookTimeouts()
	ctx, cancel := context.WithTimeout(ctx, read)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Result{Outcome: store.OutcomeOther, Detail: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return Result{Outcome: store.OutcomeTimeout, Detail: err.Error()}
		}
		return Result{Outcome: store.OutcomeConnectionError, Detail: err.Error()}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, err := json.Marshal(map[string]interface{}{
			"status": resp.StatusCode,
			"body":   string(body),
		})
		if err != nil {
			detail = []byte(strconv.Itoa(resp.StatusCode))
		}
		return Result{Outcome: store.OutcomeHTTPStatusNot2xx, Detail: string(detail)}
	}
	return Result{Outcome: store.OutcomeSuccess}
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
