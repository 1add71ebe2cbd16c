package frontend

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftq/driftq/modules/builder"
	"github.com/driftq/driftq/modules/capacity"
	"github.com/driftq/driftq/modules/delivery"
	"github.com/driftq/driftq/modules/jobqueue"
	"github.com/driftq/driftq/modules/store"
	"github.com/driftq/driftq/modules/workflow"
	"github.com/driftq/driftq/pkg/batchfile"
	"github.com/driftq/driftq/pkg/clock"
	"github.com/driftq/driftq/pkg/provider"
)

type fakeLimits struct{}

func (fakeLimits) TokenCapForModel(string) int64       { return 1_000_000 }
func (fakeLimits) MaxRequestsPerBatch() int64          { return 50_000 }
func (fakeLimits) MaxBatchSizeBytes() int64            { return 100 << 20 }
func (fakeLimits) MaxBatchAge() time.Duration          { return time.Hour }
func (fakeLimits) MaxTokenLimitRetries() int           { return 5 }
func (fakeLimits) TokenLimitBackoff(int) time.Duration { return time.Minute }
func (fakeLimits) WebhookTimeouts() (time.Duration, time.Duration) {
	return time.Second, time.Second
}

// nopProvider satisfies the provider surface; frontend tests never
// reach the provider.
type nopProvider struct{}

func (nopProvider) UploadFile(context.Context, string) (*provider.File, error) {
	return &provider.File{ID: "file-1"}, nil
}
func (nopProvider) CreateBatch(context.Context, string, string) (*provider.Batch, error) {
	return &provider.Batch{ID: "pb-1", Status: provider.StatusValidating}, nil
}
func (nopProvider) GetBatch(context.Context, string) (*provider.Batch, error) {
	return nil, provider.ErrNotFound
}
func (nopProvider) CancelBatch(context.Context, string) error { return nil }
func (nopProvider) DownloadFile(context.Context, string) (io.ReadCloser, error) {
	return nil, provider.ErrNotFound
}

func newTestFrontend(t *testing.T) (*Frontend, *store.Store) {
	t.Helper()

	cl := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s, err := store.Open(store.Config{DSN: "file:" + filepath.Join(t.TempDir(), "driftq.db")}, cl, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	files, err := batchfile.NewStore(batchfile.Config{Path: t.TempDir()})
	require.NoError(t, err)

	qcfg := jobqueue.Config{}
	qcfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("test", flag.PanicOnError))
	q, err := jobqueue.New(qcfg, s.DB(), cl)
	require.NoError(t, err)

	limits := fakeLimits{}
	wcfg := workflow.Config{}
	wcfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("test", flag.PanicOnError))
	w := workflow.New(wcfg, s, files, q, nopProvider{},
		capacity.New(limits, cl),
		delivery.NewDispatcher(delivery.NewWebhookSink(limits), nil, limits),
		limits, nil, cl)
	w.Register()

	fcfg := Config{}
	fcfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("test", flag.PanicOnError))
	f, err := New(fcfg, builder.New(s, files, q, limits, cl), s, w, q)
	require.NoError(t, err)
	return f, s
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func enqueueBody(customID string) string {
	return fmt.Sprintf(`{
		"custom_id": %q,
		"model": "gpt-4o",
		"endpoint": "/v1/responses",
		"body": {"model": "gpt-4o", "input": "hello"},
		"delivery": {"type": "webhook", "webhook_url": "http://example.com/hook"}
	}`, customID)
}

func TestEnqueueAccepted(t *testing.T) {
	f, _ := newTestFrontend(t)

	rec := doJSON(t, f.Handler(), http.MethodPost, "/api/v1/requests", enqueueBody("r1"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp enqueueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "r1", resp.CustomID)
	require.NotZero(t, resp.RequestID)
	require.NotZero(t, resp.BatchID)
	require.Equal(t, "building", resp.BatchState)

	rec = doJSON(t, f.Handler(), http.MethodGet, "/api/v1/requests/r1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var req requestView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &req))
	require.Equal(t, "pending", req.State)
	require.Empty(t, req.Attempts)
}

func TestEnqueueRejections(t *testing.T) {
	f, _ := newTestFrontend(t)

	rec := doJSON(t, f.Handler(), http.MethodPost, "/api/v1/requests", "{not json")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, f.Handler(), http.MethodPost, "/api/v1/requests",
		`{"model":"gpt-4o","endpoint":"/v1/responses","body":{"a":1},"delivery":{"type":"webhook","webhook_url":"http://example.com"}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "custom_id")

	rec = doJSON(t, f.Handler(), http.MethodPost, "/api/v1/requests", enqueueBody("dup"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = doJSON(t, f.Handler(), http.MethodPost, "/api/v1/requests", enqueueBody("dup"))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetBatch(t *testing.T) {
	f, _ := newTestFrontend(t)

	rec := doJSON(t, f.Handler(), http.MethodPost, "/api/v1/requests", enqueueBody("r1"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp enqueueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	rec = doJSON(t, f.Handler(), http.MethodGet, fmt.Sprintf("/api/v1/batches/%d", resp.BatchID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view batchView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, "building", view.State)
	require.Equal(t, int64(1), view.RequestCount)
	require.NotEmpty(t, view.Transitions)
	require.Equal(t, "building", view.Transitions[0].To)

	rec = doJSON(t, f.Handler(), http.MethodGet, "/api/v1/batches/99999", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, f.Handler(), http.MethodGet, "/api/v1/batches/nope", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListBatches(t *testing.T) {
	f, _ := newTestFrontend(t)

	rec := doJSON(t, f.Handler(), http.MethodPost, "/api/v1/requests", enqueueBody("r1"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, f.Handler(), http.MethodGet, "/api/v1/batches", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"gpt-4o"`)

	rec = doJSON(t, f.Handler(), http.MethodGet, "/api/v1/batches?limit=-1", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelBatch(t *testing.T) {
	f, _ := newTestFrontend(t)

	rec := doJSON(t, f.Handler(), http.MethodPost, "/api/v1/requests", enqueueBody("r1"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp enqueueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	path := fmt.Sprintf("/api/v1/batches/%d/cancel", resp.BatchID)
	rec = doJSON(t, f.Handler(), http.MethodPost, path, "")
	require.Equal(t, http.StatusOK, rec.Code)

	// Already terminal.
	rec = doJSON(t, f.Handler(), http.MethodPost, path, "")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, f.Handler(), http.MethodPost, "/api/v1/batches/99999/cancel", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRedeliverRequiresFinishedDelivery(t *testing.T) {
	f, _ := newTestFrontend(t)

	rec := doJSON(t, f.Handler(), http.MethodPost, "/api/v1/requests", enqueueBody("r1"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp enqueueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	rec = doJSON(t, f.Handler(), http.MethodPost, fmt.Sprintf("/api/v1/batches/%d/redeliver", resp.BatchID), "")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestStatusPage(t *testing.T) {
	f, _ := newTestFrontend(t)

	rec := doJSON(t, f.Handler(), http.MethodPost, "/api/v1/requests", enqueueBody("r1"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, f.Handler(), http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "batches in flight: 1")
	require.Contains(t, rec.Body.String(), "gpt-4o")
	require.Contains(t, rec.Body.String(), "building")
}

func TestMetricsEndpoint(t *testing.T) {
	f, _ := newTestFrontend(t)

	rec := doJSON(t, f.Handler(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}
