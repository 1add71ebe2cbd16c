// Package frontend is the HTTP surface: JSON ingress for new requests,
// operator endpoints for batches, a plain-text status page and the
// Prometheus metrics endpoint.
package frontend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/driftq/driftq/modules/builder"
	"github.com/driftq/driftq/modules/jobqueue"
	"github.com/driftq/driftq/modules/store"
	"github.com/driftq/driftq/modules/workflow"
	"github.com/driftq/driftq/pkg/lifecycle"
	"github.com/driftq/driftq/pkg/util/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Frontend runs the HTTP server as a dskit service.
type Frontend struct {
	services.Service

	cfg      Config
	builder  *builder.Builder
	store    *store.Store
	workflow *workflow.Workflow
	queue    *jobqueue.Queue

	router   *mux.Router
	server   *http.Server
	listener net.Listener
}

func New(cfg Config, b *builder.Builder, s *store.Store, w *workflow.Workflow, q *jobqueue.Queue) (*Frontend, error) {
	f := &Frontend{
		cfg:      cfg,
		builder:  b,
		store:    s,
		workflow: w,
		queue:    q,
	}
	f.router = f.routes()
	f.server = &http.Server{
		Handler:      f.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	f.Service = services.NewBasicService(f.starting, f.running, f.stopping)
	return f, nil
}

func (f *Frontend) routes() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/api/v1/requests", f.instrument("enqueue_request", f.handleEnqueue)).Methods(http.MethodPost)
	r.Handle("/api/v1/requests/{custom_id}", f.instrument("get_request", f.handleGetRequest)).Methods(http.MethodGet)
	r.Handle("/api/v1/batches", f.instrument("list_batches", f.handleListBatches)).Methods(http.MethodGet)
	r.Handle("/api/v1/batches/{id}", f.instrument("get_batch", f.handleGetBatch)).Methods(http.MethodGet)
	r.Handle("/api/v1/batches/{id}/cancel", f.instrument("cancel_batch", f.handleCancel)).Methods(http.MethodPost)
	r.Handle("/api/v1/batches/{id}/redeliver", f.instrument("redeliver_batch", f.handleRedeliver)).Methods(http.MethodPost)
	r.Handle("/status", f.instrument("status", f.handleStatus)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// Handler exposes the router for embedding and tests.
func (f *Frontend) Handler() http.Handler { return f.router }

func (f *Frontend) starting(context.Context) error {
	ln, err := net.Listen("tcp", f.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", f.cfg.ListenAddress, err)
	}
	f.listener = ln
	level.Info(log.Logger).Log("msg", "frontend listening", "addr", ln.Addr().String())
	return nil
}

func (f *Frontend) running(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- f.server.Serve(f.listener)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (f *Frontend) stopping(_ error) error {
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.ShutdownTimeout)
	defer cancel()
	return f.server.Shutdown(ctx)
}

type enqueueResponse struct {
	RequestID  int64  `json:"request_id"`
	CustomID   string `json:"custom_id"`
	BatchID    int64  `json:"batch_id"`
	BatchState string `json:"batch_state"`
}

func (f *Frontend) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var in builder.IncomingRequest
	body := http.MaxBytesReader(w, r.Body, f.cfg.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
		return
	}

	req, batch, err := f.builder.Enqueue(r.Context(), in)
	switch {
	case err == nil:
	case errors.Is(err, builder.ErrInvalid):
		writeError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, store.ErrDuplicateCustomID):
		writeError(w, http.StatusConflict, err)
		return
	case errors.Is(err, builder.ErrBatchSizeExceeded):
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	default:
		level.Error(log.Logger).Log("msg", "enqueue failed", "err", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}

	writeJSON(w, http.StatusAccepted, enqueueResponse{
		RequestID:  req.ID,
		CustomID:   req.CustomID,
		BatchID:    batch.ID,
		BatchState: string(batch.State),
	})
}

func (f *Frontend) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	customID := mux.Vars(r)["custom_id"]

	req, err := f.store.GetRequestByCustomID(r.Context(), customID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	attempts, err := f.store.DeliveryAttempts(r.Context(), req.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}

	writeJSON(w, http.StatusOK, apiRequest(req, attempts))
}

func (f *Frontend) handleListBatches(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}

	batches, err := f.store.ListBatches(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}

	out := make([]*batchView, 0, len(batches))
	for _, b := range batches {
		out = append(out, apiBatch(b))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"batches": out})
}

func (f *Frontend) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := batchID(w, r)
	if !ok {
		return
	}

	b, err := f.store.GetBatch(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	trail, err := f.store.Transitions(r.Context(), lifecycle.EntityBatch, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}

	view := apiBatch(b)
	view.Transitions = make([]transitionView, 0, len(trail))
	for _, t := range trail {
		view.Transitions = append(view.Transitions, transitionView{From: t.FromState, To: t.ToState, At: t.At})
	}
	writeJSON(w, http.StatusOK, view)
}

func (f *Frontend) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := batchID(w, r)
	if !ok {
		return
	}

	err := f.workflow.Cancel(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, workflow.ErrAlreadyTerminal):
		writeError(w, http.StatusConflict, err)
	default:
		level.Error(log.Logger).Log("msg", "cancel failed", "batch_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func (f *Frontend) handleRedeliver(w http.ResponseWriter, r *http.Request) {
	id, ok := batchID(w, r)
	if !ok {
		return
	}

	err := f.workflow.Redeliver(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "redelivering"})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, workflow.ErrNotRedeliverable):
		writeError(w, http.StatusConflict, err)
	default:
		level.Error(log.Logger).Log("msg", "redeliver failed", "batch_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func batchID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("batch id must be an integer"))
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// batchView is the JSON shape of a batch. Nullable timestamps render as
// RFC 3339 or are omitted.
type batchView struct {
	ID       int64  `json:"id"`
	Model    string `json:"model"`
	Endpoint string `json:"endpoint"`
	State    string `json:"state"`

	RequestCount    int64 `json:"request_count"`
	SizeBytes       int64 `json:"size_bytes"`
	EstimatedTokens int64 `json:"estimated_input_tokens_total"`

	ProviderBatchID string `json:"provider_batch_id,omitempty"`
	ProviderStatus  string `json:"provider_status,omitempty"`

	ProviderRequestsTotal     int64 `json:"provider_requests_total,omitempty"`
	ProviderRequestsCompleted int64 `json:"provider_requests_completed,omitempty"`
	ProviderRequestsFailed    int64 `json:"provider_requests_failed,omitempty"`

	InputTokens  int64 `json:"input_tokens,omitempty"`
	OutputTokens int64 `json:"output_tokens,omitempty"`

	WaitReason string     `json:"wait_reason,omitempty"`
	ErrorMsg   string     `json:"error_msg,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Transitions []transitionView `json:"transitions,omitempty"`
}

type transitionView struct {
	From string    `json:"from,omitempty"`
	To   string    `json:"to"`
	At   time.Time `json:"at"`
}

func apiBatch(b *store.Batch) *batchView {
	return &batchView{
		ID:                        b.ID,
		Model:                     b.Model,
		Endpoint:                  b.Endpoint,
		State:                     string(b.State),
		RequestCount:              b.RequestCount,
		SizeBytes:                 b.SizeBytes,
		EstimatedTokens:           b.EstimatedInputTokensTotal,
		ProviderBatchID:           b.ProviderBatchID,
		ProviderStatus:            b.ProviderStatus,
		ProviderRequestsTotal:     b.ProviderRequestsTotal,
		ProviderRequestsCompleted: b.ProviderRequestsCompleted,
		ProviderRequestsFailed:    b.ProviderRequestsFailed,
		InputTokens:               b.InputTokens,
		OutputTokens:              b.OutputTokens,
		WaitReason:                b.WaitReason,
		ErrorMsg:                  b.ErrorMsg,
		ExpiresAt:                 nullTime(b.ExpiresAt),
		CreatedAt:                 b.CreatedAt,
		UpdatedAt:                 b.UpdatedAt,
	}
}

type requestView struct {
	ID              int64         `json:"id"`
	BatchID         int64         `json:"batch_id"`
	CustomID        string        `json:"custom_id"`
	Model           string        `json:"model"`
	Endpoint        string        `json:"endpoint"`
	State           string        `json:"state"`
	ResponsePayload string        `json:"response_payload,omitempty"`
	ErrorMsg        string        `json:"error_msg,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	Attempts        []attemptView `json:"delivery_attempts"`
}

type attemptView struct {
	Number   int64     `json:"number"`
	Outcome  string    `json:"outcome"`
	ErrorMsg string    `json:"error_msg,omitempty"`
	At       time.Time `json:"at"`
}

func apiRequest(r *store.Request, attempts []store.DeliveryAttempt) *requestView {
	view := &requestView{
		ID:              r.ID,
		BatchID:         r.BatchID,
		CustomID:        r.CustomID,
		Model:           r.Model,
		Endpoint:        r.Endpoint,
		State:           string(r.State),
		ResponsePayload: r.ResponsePayload,
		ErrorMsg:        r.ErrorMsg,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		Attempts:        make([]attemptView, 0, len(attempts)),
	}
	for _, a := range attempts {
		view.Attempts = append(view.Attempts, attemptView{
			Number:   a.AttemptNumber,
			Outcome:  a.Outcome,
			ErrorMsg: a.ErrorMsg,
			At:       a.At,
		})
	}
	return view
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
