// Package workflow drives batches through their pipeline: upload,
// capacity-gated submission, polling, result download and parsing,
// delivery fan-out and finalization. Every step is a job handler that
// re-reads its subject inside a transaction and no-ops when the entity
// already moved on, so handlers are idempotent under at-least-once
// execution.
package workflow

import (
	"flag"
	"fmt"
	"time"

	"github.com/go-kit/log/level"

	"github.com/driftq/driftq/modules/capacity"
	"github.com/driftq/driftq/modules/delivery"
	"github.com/driftq/driftq/modules/jobqueue"
	"github.com/driftq/driftq/modules/overrides"
	"github.com/driftq/driftq/modules/store"
	"github.com/driftq/driftq/pkg/batchfile"
	"github.com/driftq/driftq/pkg/clock"
	"github.com/driftq/driftq/pkg/events"
	"github.com/driftq/driftq/pkg/lifecycle"
	"github.com/driftq/driftq/pkg/provider"
	"github.com/driftq/driftq/pkg/util/log"
)

type Config struct {
	PollInterval        time.Duration `yaml:"poll_interval"`
	DownloadChunkSize   int           `yaml:"download_chunk_size"`
	ParseConcurrency    int           `yaml:"parse_concurrency"`
	DeliverConcurrency  int           `yaml:"deliver_concurrency"`
	DownloadConcurrency int           `yaml:"download_concurrency"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.PollInterval, prefix+"workflow.poll-interval", 30*time.Second, "Delay between provider status polls for one batch")
	f.IntVar(&cfg.DownloadChunkSize, prefix+"workflow.download-chunk-size", 100, "Result lines processed per transaction")
	f.IntVar(&cfg.ParseConcurrency, prefix+"workflow.parse-concurrency", 4, "Concurrent chunk transactions while parsing a result file")
	f.IntVar(&cfg.DeliverConcurrency, prefix+"workflow.deliver-concurrency", 16, "Concurrent deliver jobs")
	f.IntVar(&cfg.DownloadConcurrency, prefix+"workflow.download-concurrency", 2, "Concurrent download_and_parse jobs")
}

// Workflow owns every job handler plus the operator-facing operations
// (cancel, redeliver).
type Workflow struct {
	cfg      Config
	store    *store.Store
	files    *batchfile.Store
	queue    *jobqueue.Queue
	provider provider.Client
	capacity *capacity.Controller
	sinks    *delivery.Dispatcher
	limits   overrides.Interface
	bus      events.Publisher
	clock    clock.Clock
}

func New(cfg Config, s *store.Store, files *batchfile.Store, queue *jobqueue.Queue,
	client provider.Client, cap *capacity.Controller, sinks *delivery.Dispatcher,
	limits overrides.Interface, bus events.Publisher, cl clock.Clock) *Workflow {
	if cl == nil {
		cl = clock.New()
	}
	if bus == nil {
		bus = events.NopPublisher{}
	}
	return &Workflow{
		cfg:      cfg,
		store:    s,
		files:    files,
		queue:    queue,
		provider: client,
		capacity: cap,
		sinks:    sinks,
		limits:   limits,
		bus:      bus,
		clock:    cl,
	}
}

// Register binds every job kind to its handler. Must run before the
// queue starts.
func (w *Workflow) Register() {
	w.queue.Register(jobqueue.KindStartUpload, jobqueue.Spec{Singleton: true}, w.handleStartUpload)
	w.queue.Register(jobqueue.KindCreateProviderBatch, jobqueue.Spec{Singleton: true}, w.handleCreateProviderBatch)
	w.queue.Register(jobqueue.KindPollBatchStatus, jobqueue.Spec{Singleton: true}, w.handlePollBatchStatus)
	w.queue.Register(jobqueue.KindDownloadAndParse, jobqueue.Spec{Singleton: true, Concurrency: w.cfg.DownloadConcurrency}, w.handleDownloadAndParse)
	w.queue.Register(jobqueue.KindRetryExpired, jobqueue.Spec{Singleton: true}, w.handleRetryExpired)
	w.queue.Register(jobqueue.KindDeliver, jobqueue.Spec{MaxAttempts: 1, Concurrency: w.cfg.DeliverConcurrency}, w.handleDeliver)
	w.queue.Register(jobqueue.KindCheckDeliveryCompletion, jobqueue.Spec{Singleton: true}, w.handleCheckDeliveryCompletion)
	w.queue.Register(jobqueue.KindDrainCapacity, jobqueue.Spec{Singleton: true}, w.handleDrainCapacity)
	w.queue.Register(jobqueue.KindExpireStaleBuilding, jobqueue.Spec{Singleton: true}, w.handleExpireStaleBuilding)
	w.queue.Register(jobqueue.KindDeleteExpired, jobqueue.Spec{Singleton: true}, w.handleDeleteExpired)
}

// failBatch moves a batch to failed and fails every child request that
// never produced a result. Requests holding a parsed result keep it.
func (w *Workflow) failBatch(tx *store.Tx, b *store.Batch, msg string) error {
	if _, err := tx.TransitionBatch(b, lifecycle.BatchFailed, map[string]interface{}{
		"error_msg": msg,
	}); err != nil {
		return err
	}
	if _, err := tx.BulkTransitionRequests(b.ID, lifecycle.RequestPending, lifecycle.RequestFailed); err != nil {
		return err
	}
	if _, err := tx.BulkTransitionRequests(b.ID, lifecycle.RequestProviderProcessing, lifecycle.RequestFailed); err != nil {
		return err
	}
	metricBatchesFailed.WithLabelValues(b.Model).Inc()

	// The batch left the reserved set; let waiters through.
	return w.queue.EnqueueTx(tx, jobqueue.KindDrainCapacity, b.ID, time.Time{})
}

// reloadInState re-reads the job's subject batch and checks it is still
// in one of the expected states. A nil batch means the handler should
// no-op.
func (w *Workflow) reloadInState(tx *store.Tx, batchID int64, states ...lifecycle.State) (*store.Batch, error) {
	b, err := tx.GetBatch(batchID)
	if err != nil {
		return nil, err
	}
	for _, s := range states {
		if b.State == s {
			return b, nil
		}
	}
	level.Debug(log.Logger).Log("msg", "stale job, subject moved on", "batch_id", batchID, "state", b.State)
	return nil, nil
}

func fmtTokenRetriesExhausted(attempts int, lastErr string) string {
	return fmt.Sprintf("token_limit retries exhausted after %d attempts: %s", attempts, lastErr)
}
