package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftq/driftq/modules/store"
)

type fakeLimits struct {
	connect time.Duration
	read    time.Duration
}

func (f fakeLimits) TokenCapForModel(string) int64          { return 1_000_000 }
func (f fakeLimits) MaxRequestsPerBatch() int64             { return 50_000 }
func (f fakeLimits) MaxBatchSizeBytes() int64               { return 100 << 20 }
func (f fakeLimits) MaxBatchAge() time.Duration             { return time.Hour }
func (f fakeLimits) MaxTokenLimitRetries() int              { return 5 }
func (f fakeLimits) TokenLimitBackoff(int) time.Duration    { return time.Minute }
func (f fakeLimits) WebhookTimeouts() (time.Duration, time.Duration) {
	return f.connect, f.read
}

func defaultLimits() fakeLimits {
	return fakeLimits{connect: 2 * time.Second, read: 2 * time.Second}
}

func TestParseConfig(t *testing.T) {
	for _, tc := range []struct {
		name string
		raw  string
		ok   bool
	}{
		{"webhook", `{"type":"webhook","webhook_url":"https://example.com/hook"}`, true},
		{"webhook http", `{"type":"webhook","webhook_url":"http://internal:8080/hook"}`, true},
		{"webhook missing url", `{"type":"webhook"}`, false},
		{"webhook bad scheme", `{"type":"webhook","webhook_url":"ftp://example.com"}`, false},
		{"queue", `{"type":"rabbitmq","rabbitmq_queue":"results"}`, true},
		{"exchange", `{"type":"rabbitmq","rabbitmq_exchange":"ex","rabbitmq_routing_key":"rk"}`, true},
		{"exchange without key", `{"type":"rabbitmq","rabbitmq_exchange":"ex"}`, false},
		{"queue and exchange", `{"type":"rabbitmq","rabbitmq_queue":"q","rabbitmq_exchange":"ex","rabbitmq_routing_key":"rk"}`, false},
		{"neither", `{"type":"rabbitmq"}`, false},
		{"no type", `{}`, false},
		{"unknown type", `{"type":"smtp"}`, false},
		{"garbage", `{`, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tc.raw))
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func webhookRequest(url string) *store.Request {
	return &store.Request{
		CustomID:        "r1",
		DeliveryConfig:  fmt.Sprintf(`{"type":"webhook","webhook_url":%q}`, url),
		ResponsePayload: `{"custom_id":"r1","response":{"status_code":200,"body":{"ok":true}}}`,
	}
}

func TestWebhookDeliverySuccess(t *testing.T) {
	var gotBody string
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(NewWebhookSink(defaultLimits()), nil, defaultLimits())
	req := webhookRequest(srv.URL)

	res := d.Deliver(context.Background(), req)
	require.Equal(t, store.OutcomeSuccess, res.Outcome)
	require.Equal(t, req.ResponsePayload, gotBody)
	require.Equal(t, "application/json", gotContentType)
}

func TestWebhookNon2xxKeepsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`upstream sad`))
	}))
	defer srv.Close()

	d := NewDispatcher(NewWebhookSink(defaultLimits()), nil, defaultLimits())
	res := d.Deliver(context.Background(), webhookRequest(srv.URL))

	require.Equal(t, store.OutcomeHTTPStatusNot2xx, res.Outcome)
	require.JSONEq(t, `{"status":502,"body":"upstream sad"}`, res.Detail)
}

func TestWebhookTimeout(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	limits := fakeLimits{connect: time.Second, read: 100 * time.Millisecond}
	d := NewDispatcher(NewWebhookSink(limits), nil, limits)
	res := d.Deliver(context.Background(), webhookRequest(srv.URL))
	require.Equal(t, store.OutcomeTimeout, res.Outcome)
}

func TestWebhookConnectionError(t *testing.T) {
	// A server that is already gone.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	d := NewDispatcher(NewWebhookSink(defaultLimits()), nil, defaultLimits())
	res := d.Deliver(context.Background(), webhookRequest(url))
	require.Equal(t, store.OutcomeConnectionError, res.Outcome)
}

func TestDeliverFallsBackToErrorPayload(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
	}))
	defer srv.Close()

	req := webhookRequest(srv.URL)
	req.ResponsePayload = ""
	req.ErrorMsg = `{"custom_id":"r1","error":{"message":"model overloaded"}}`

	d := NewDispatcher(NewWebhookSink(defaultLimits()), nil, defaultLimits())
	res := d.Deliver(context.Background(), req)
	require.Equal(t, store.OutcomeSuccess, res.Outcome)
	require.Equal(t, req.ErrorMsg, gotBody)
}

type fakePublisher struct {
	err  error
	body []byte
	cfg  *Config
}

func (f *fakePublisher) Publish(_ context.Context, cfg *Config, body []byte) error {
	f.cfg = cfg
	f.body = body
	return f.err
}

func amqpRequest(cfg string) *store.Request {
	return &store.Request{
		CustomID:        "r1",
		DeliveryConfig:  cfg,
		ResponsePayload: `{"custom_id":"r1","response":{"status_code":200}}`,
	}
}

func TestAMQPOutcomeMapping(t *testing.T) {
	for _, tc := range []struct {
		name    string
		err     error
		outcome string
	}{
		{"success", nil, store.OutcomeSuccess},
		{"queue missing", fmt.Errorf("wrap: %w", ErrQueueNotFound), store.OutcomeQueueNotFound},
		{"exchange missing", fmt.Errorf("wrap: %w", ErrExchangeNotFound), store.OutcomeExchangeNotFound},
		{"timeout", context.DeadlineExceeded, store.OutcomeTimeout},
		{"broker down", errors.New("dial tcp: connection refused"), store.OutcomeConnectionError},
	} {
		t.Run(tc.name, func(t *testing.T) {
			pub := &fakePublisher{err: tc.err}
			d := NewDispatcher(NewWebhookSink(defaultLimits()), pub, defaultLimits())

			res := d.Deliver(context.Background(), amqpRequest(`{"type":"rabbitmq","rabbitmq_queue":"results"}`))
			require.Equal(t, tc.outcome, res.Outcome)
			if tc.err == nil {
				require.Equal(t, "results", pub.cfg.RabbitMQQueue)
				require.NotEmpty(t, pub.body)
			}
		})
	}
}

func TestAMQPWithoutBroker(t *testing.T) {
	d := NewDispatcher(NewWebhookSink(defaultLimits()), nil, defaultLimits())
	res := d.Deliver(context.Background(), amqpRequest(`{"type":"rabbitmq","rabbitmq_queue":"results"}`))
	require.Equal(t, store.OutcomeOther, res.Outcome)
}

func TestMalformedStoredConfig(t *testing.T) {
	d := NewDispatcher(NewWebhookSink(defaultLimits()), nil, defaultLimits())
	res := d.Deliver(context.Background(), amqpRequest(`{"type":"webhook"}`))
	require.Equal(t, store.OutcomeOther, res.Outcome)
}
