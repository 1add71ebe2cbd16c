package builder

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftq/driftq/modules/delivery"
	"github.com/driftq/driftq/modules/jobqueue"
	"github.com/driftq/driftq/modules/store"
	"github.com/driftq/driftq/pkg/batchfile"
	"github.com/driftq/driftq/pkg/clock"
	"github.com/driftq/driftq/pkg/lifecycle"
)

type fakeLimits struct {
	maxRequests int64
	maxBytes    int64
	maxAge      time.Duration
}

func (f fakeLimits) TokenCapForModel(string) int64 { return 1_000_000 }
func (f fakeLimits) MaxRequestsPerBatch() int64    { return f.maxRequests }
func (f fakeLimits) MaxBatchSizeBytes() int64      { return f.maxBytes }
func (f fakeLimits) MaxBatchAge() time.Duration    { return f.maxAge }
func (f fakeLimits) MaxTokenLimitRetries() int     { return 5 }
func (f fakeLimits) TokenLimitBackoff(int) time.Duration {
	return time.Minute
}
func (f fakeLimits) WebhookTimeouts() (time.Duration, time.Duration) {
	return 10 * time.Second, 30 * time.Second
}

func newTestBuilder(t *testing.T, limits fakeLimits) (*Builder, *store.Store, *batchfile.Store, *jobqueue.Queue) {
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
	nop := func(context.Context, *jobqueue.Job) error { return nil }
	q.Register(jobqueue.KindStartUpload, jobqueue.Spec{Singleton: true}, nop)
	q.Register(jobqueue.KindExpireStaleBuilding, jobqueue.Spec{Singleton: true}, nop)

	return New(s, files, q, limits, cl), s, files, q
}

func webhookDelivery() delivery.Config {
	return delivery.Config{Type: delivery.TypeWebhook, WebhookURL: "https://example.com/hook"}
}

func incoming(customID string) IncomingRequest {
	return IncomingRequest{
		CustomID: customID,
		Model:    "gpt-4o",
		Endpoint: "/v1/responses",
		Body:     []byte(`{"model":"gpt-4o","input":"hello"}`),
		Delivery: webhookDelivery(),
	}
}

func TestEnqueueCreatesBuildingBatch(t *testing.T) {
	b, s, files, q := newTestBuilder(t, fakeLimits{maxRequests: 100, maxBytes: 1 << 20, maxAge: time.Hour})
	ctx := context.Background()

	req, batch, err := b.Enqueue(ctx, incoming("r1"))
	require.NoError(t, err)
	require.Equal(t, lifecycle.BatchBuilding, batch.State)
	require.Equal(t, lifecycle.RequestPending, req.State)
	require.Equal(t, int64(1), batch.RequestCount)
	require.Equal(t, req.RequestPayloadSize, batch.SizeBytes)
	require.Equal(t, (req.RequestPayloadSize+3)/4, req.EstimatedInputTokens)

	// The upload line landed in the batch file.
	data, err := os.ReadFile(files.Path(batch.ID))
	require.NoError(t, err)
	require.Equal(t, string(req.RequestPayload)+"\n", string(data))

	// Age closure is scheduled.
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats[jobqueue.StatePending])

	// Second request joins the same batch.
	_, batch2, err := b.Enqueue(ctx, incoming("r2"))
	require.NoError(t, err)
	require.Equal(t, batch.ID, batch2.ID)
	require.Equal(t, int64(2), batch2.RequestCount)

	got, err := s.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), got.RequestCount)
}

func TestEnqueueValidation(t *testing.T) {
	b, _, _, _ := newTestBuilder(t, fakeLimits{maxRequests: 100, maxBytes: 1 << 20, maxAge: time.Hour})
	ctx := context.Background()

	for _, tc := range []struct {
		name   string
		mutate func(*IncomingRequest)
	}{
		{"missing custom_id", func(r *IncomingRequest) { r.CustomID = "" }},
		{"huge custom_id", func(r *IncomingRequest) { r.CustomID = strings.Repeat("x", 600) }},
		{"newline custom_id", func(r *IncomingRequest) { r.CustomID = "a\nb" }},
		{"missing model", func(r *IncomingRequest) { r.Model = "" }},
		{"bad endpoint", func(r *IncomingRequest) { r.Endpoint = "/v1/files" }},
		{"missing body", func(r *IncomingRequest) { r.Body = nil }},
		{"invalid body", func(r *IncomingRequest) { r.Body = []byte(`{"a":`) }},
		{"bad delivery", func(r *IncomingRequest) { r.Delivery = delivery.Config{Type: "webhook"} }},
		{"unknown delivery type", func(r *IncomingRequest) { r.Delivery = delivery.Config{Type: "carrier-pigeon"} }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			in := incoming("valid-id")
			tc.mutate(&in)
			_, _, err := b.Enqueue(ctx, in)
			require.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestDuplicateCustomIDSurfaces(t *testing.T) {
	b, _, _, _ := newTestBuilder(t, fakeLimits{maxRequests: 100, maxBytes: 1 << 20, maxAge: time.Hour})
	ctx := context.Background()

	_, _, err := b.Enqueue(ctx, incoming("r1"))
	require.NoError(t, err)
	_, _, err = b.Enqueue(ctx, incoming("r1"))
	require.ErrorIs(t, err, store.ErrDuplicateCustomID)
}

func TestCanonicalizationIsStable(t *testing.T) {
	in := incoming("r1")
	in.Body = []byte(`{"z":1,"a":{"c":2,"b":[3,4]},"m":"x"}`)

	first, err := canonicalLine(in)
	require.NoError(t, err)
	second, err := canonicalLine(in)
	require.NoError(t, err)
	require.Equal(t, first, second)

	// Keys are sorted at every level and internal fields never leak.
	require.Equal(t,
		`{"body":{"a":{"b":[3,4],"c":2},"m":"x","z":1},"custom_id":"r1","method":"POST","url":"/v1/responses"}`,
		string(first))
}

func TestBatchClosesAtCountLimit(t *testing.T) {
	b, s, _, q := newTestBuilder(t, fakeLimits{maxRequests: 2, maxBytes: 1 << 20, maxAge: time.Hour})
	ctx := context.Background()

	_, batch, err := b.Enqueue(ctx, incoming("r1"))
	require.NoError(t, err)
	require.Equal(t, lifecycle.BatchBuilding, batch.State)

	_, batch, err = b.Enqueue(ctx, incoming("r2"))
	require.NoError(t, err)
	require.Equal(t, lifecycle.BatchUploading, batch.State)

	// The upload job committed with the close.
	jobs, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), jobs[jobqueue.StatePending]) // expire + start_upload

	// The next request opens a fresh building batch.
	_, next, err := b.Enqueue(ctx, incoming("r3"))
	require.NoError(t, err)
	require.NotEqual(t, batch.ID, next.ID)
	require.Equal(t, lifecycle.BatchBuilding, next.State)

	closed, err := s.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	require.Equal(t, lifecycle.BatchUploading, closed.State)
}

func TestFullBatchRotatesOnce(t *testing.T) {
	// Cap sized so one request fits but two do not.
	line, err := canonicalLine(incoming("rotate-1"))
	require.NoError(t, err)
	cap := int64(len(line)) + int64(len(line))/2

	b, s, _, _ := newTestBuilder(t, fakeLimits{maxRequests: 100, maxBytes: cap, maxAge: time.Hour})
	ctx := context.Background()

	_, first, err := b.Enqueue(ctx, incoming("rotate-1"))
	require.NoError(t, err)

	// Doesn't fit the open batch: it is closed and a fresh one takes
	// the request, all within one call.
	_, second, err := b.Enqueue(ctx, incoming("rotate-2"))
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, int64(1), second.RequestCount)

	closed, err := s.GetBatch(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, lifecycle.BatchUploading, closed.State)
}

func TestOversizedRequestRejected(t *testing.T) {
	b, _, _, _ := newTestBuilder(t, fakeLimits{maxRequests: 100, maxBytes: 32, maxAge: time.Hour})

	in := incoming("huge")
	in.Body = []byte(fmt.Sprintf(`{"input":%q}`, strings.Repeat("x", 100)))
	_, _, err := b.Enqueue(context.Background(), in)
	require.ErrorIs(t, err, ErrBatchSizeExceeded)
}
