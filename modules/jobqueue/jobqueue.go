// Package jobqueue is the durable, at-least-once background job
// primitive driving every workflow transition. Jobs live in the same
// database as the entities they act on, so an enqueue inside a store
// transaction commits atomically with the state change that caused it.
package jobqueue

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/jmoiron/sqlx"
	"go.uber.org/atomic"

	"github.com/driftq/driftq/pkg/clock"
	"github.com/driftq/driftq/pkg/util/log"
)

type Config struct {
	Workers            int           `yaml:"workers"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	LeaseDuration      time.Duration `yaml:"lease_duration"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	DefaultMaxAttempts int           `yaml:"default_max_attempts"`
	RetryBackoffMin    time.Duration `yaml:"retry_backoff_min"`
	RetryBackoffMax    time.Duration `yaml:"retry_backoff_max"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.Workers, prefix+"jobqueue.workers", 8, "Size of the worker pool")
	f.DurationVar(&cfg.PollInterval, prefix+"jobqueue.poll-interval", 500*time.Millisecond, "How long an idle worker waits before polling again")
	f.DurationVar(&cfg.LeaseDuration, prefix+"jobqueue.lease-duration", time.Minute, "Lease granted to a claimed job before it may be reclaimed")
	f.DurationVar(&cfg.HeartbeatInterval, prefix+"jobqueue.heartbeat-interval", 15*time.Second, "How often in-flight leases are extended")
	f.IntVar(&cfg.DefaultMaxAttempts, prefix+"jobqueue.default-max-attempts", 20, "Attempt budget for kinds that do not declare one")
	f.DurationVar(&cfg.RetryBackoffMin, prefix+"jobqueue.retry-backoff-min", time.Second, "Minimum delay before retrying a failed execution")
	f.DurationVar(&cfg.RetryBackoffMax, prefix+"jobqueue.retry-backoff-max", 5*time.Minute, "Maximum delay before retrying a failed execution")
}

func ValidateConfig(cfg *Config) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("positive worker count required")
	}
	if cfg.LeaseDuration <= cfg.HeartbeatInterval {
		return fmt.Errorf("lease duration must exceed the heartbeat interval")
	}
	return nil
}

type registration struct {
	spec    Spec
	handler Handler
	slots   chan struct{}
}

// Queue claims due jobs from the jobs table and executes their
// handlers on a bounded worker pool.
type Queue struct {
	services.Service

	cfg      Config
	db       *sqlx.DB
	clock    clock.Clock
	workerID string

	mtx   sync.RWMutex
	kinds map[Kind]*registration

	inflight *atomic.Int64

	heartbeatMtx sync.Mutex
	leased       map[int64]struct{}
}

func New(cfg Config, db *sqlx.DB, cl clock.Clock) (*Queue, error) {
	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	if cl == nil {
		cl = clock.New()
	}

	q := &Queue{
		cfg:      cfg,
		db:       db,
		clock:    cl,
		workerID: uuid.New().String(),
		kinds:    make(map[Kind]*registration),
		inflight: atomic.NewInt64(0),
		leased:   make(map[int64]struct{}),
	}
	q.Service = services.NewBasicService(nil, q.running, nil)
	return q, nil
}

// Register binds a handler and spec to a kind. Must be called before
// the queue starts.
func (q *Queue) Register(kind Kind, spec Spec, handler Handler) {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	if spec.MaxAttempts <= 0 {
		spec.MaxAttempts = q.cfg.DefaultMaxAttempts
	}

	reg := &registration{spec: spec, handler: handler}
	if spec.Concurrency > 0 {
		reg.slots = make(chan struct{}, spec.Concurrency)
	}
	q.kinds[kind] = reg
}

// Enqueue inserts a job. For singleton kinds an existing pending job
// for the same subject makes this a no-op.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, subjectID int64, runAt time.Time) error {
	return q.enqueue(ctx, q.db, kind, subjectID, runAt)
}

// EnqueueTx inserts a job inside the caller's transaction so the job
// commits atomically with the state change that scheduled it.
func (q *Queue) EnqueueTx(tx sqlx.Execer, kind Kind, subjectID int64, runAt time.Time) error {
	return q.enqueue(context.Background(), tx, kind, subjectID, runAt)
}

func (q *Queue) enqueue(_ context.Context, ex sqlx.Execer, kind Kind, subjectID int64, runAt time.Time) error {
	q.mtx.RLock()
	reg, ok := q.kinds[kind]
	q.mtx.RUnlock()
	if !ok {
		return fmt.Errorf("unknown job kind %q", kind)
	}

	now := q.clock.Now().UTC()
	if runAt.IsZero() {
		runAt = now
	}

	singleton := 0
	if reg.spec.Singleton {
		singleton = 1
	}

	res, err := ex.Exec(
		`INSERT INTO jobs (kind, subject_id, state, singleton, run_at, max_attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		string(kind), subjectID, StatePending, singleton, runAt.UTC(), reg.spec.MaxAttempts, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s job: %w", kind, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		metricJobsDeduped.WithLabelValues(string(kind)).Inc()
		return nil
	}
	metricJobsEnqueued.WithLabelValues(string(kind)).Inc()
	return nil
}

// CancelPending cancels not-yet-running jobs of the given kinds for a
// subject. Running jobs observe the entity state and no-op.
func (q *Queue) CancelPending(ex sqlx.Execer, subjectID int64, kinds ...Kind) error {
	for _, kind := range kinds {
		_, err := ex.Exec(
			`UPDATE jobs SET state = ?, updated_at = ? WHERE kind = ? AND subject_id = ? AND state = ?`,
			StateCancelled, q.clock.Now().UTC(), string(kind), subjectID, StatePending,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) running(ctx context.Context) error {
	level.Info(log.Logger).Log("msg", "job queue running", "workers", q.cfg.Workers, "worker_id", q.workerID)

	var wg sync.WaitGroup
	wg.Add(q.cfg.Workers + 1)

	go func() {
		defer wg.Done()
		q.heartbeatLoop(ctx)
	}()
	for i := 0; i < q.cfg.Workers; i++ {
		go func() {
			defer wg.Done()
			q.workerLoop(ctx)
		}()
	}

	wg.Wait()
	return nil
}

func (q *Queue) workerLoop(ctx context.Context) {
	// Transient claim errors (e.g. a busy database) retry with
	// backoff instead of spinning.
	claimRetry := backoff.New(ctx, backoff.Config{
		MinBackoff: q.cfg.PollInterval,
		MaxBackoff: 10 * q.cfg.PollInterval,
	})

	for ctx.Err() == nil {
		job, err := q.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			level.Warn(log.Logger).Log("msg", "failed to claim job", "err", err)
			claimRetry.Wait()
			continue
		}
		claimRetry.Reset()

		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.cfg.PollInterval):
			}
			continue
		}

		q.execute(ctx, job)
	}
}

// claim atomically picks the next due job, preferring kinds that have
// free concurrency slots. Expired leases are reclaimed here too.
func (q *Queue) claim(ctx context.Context) (*Job, error) {
	kinds := q.claimableKinds()
	if len(kinds) == 0 {
		return nil, nil
	}

	now := q.clock.Now().UTC()
	query, args, err := sqlx.In(
		`UPDATE jobs SET state = ?, attempts = attempts + 1, lease_until = ?, worker_id = ?, updated_at = ?
		  WHERE id = (
		    SELECT id FROM jobs
		     WHERE kind IN (?)
		       AND ((state = ? AND run_at <= ?) OR (state = ? AND lease_until < ?))
		     ORDER BY run_at, id LIMIT 1)
		 RETURNING id, kind, subject_id, args, state, singleton, run_at, attempts, max_attempts, last_error, lease_until, worker_id, created_at, updated_at`,
		StateRunning, now.Add(q.cfg.LeaseDuration), q.workerID, now,
		kinds,
		StatePending, now, StateRunning, now,
	)
	if err != nil {
		return nil, err
	}

	var job Job
	err = q.db.GetContext(ctx, &job, query, args...)
	if notFoundErr(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (q *Queue) claimableKinds() []string {
	q.mtx.RLock()
	defer q.mtx.RUnlock()

	out := make([]string, 0, len(q.kinds))
	for kind, reg := range q.kinds {
		if reg.slots != nil && len(reg.slots) == cap(reg.slots) {
			continue
		}
		out = append(out, string(kind))
	}
	return out
}

func (q *Queue) execute(ctx context.Context, job *Job) {
	q.mtx.RLock()
	reg := q.kinds[job.Kind]
	q.mtx.RUnlock()
	if reg == nil {
		// A kind from a previous deployment; park it for an operator.
		q.finish(job, StateFailed, "no handler registered")
		return
	}

	if reg.slots != nil {
		select {
		case reg.slots <- struct{}{}:
		case <-ctx.Done():
			q.release(job)
			return
		}
		defer func() { <-reg.slots }()
	}

	q.trackLease(job.ID, true)
	defer q.trackLease(job.ID, false)

	q.inflight.Inc()
	metricJobsInflight.WithLabelValues(string(job.Kind)).Inc()
	defer func() {
		q.inflight.Dec()
		metricJobsInflight.WithLabelValues(string(job.Kind)).Dec()
	}()

	err := reg.handler(ctx, job)
	if err == nil {
		metricJobsCompleted.WithLabelValues(string(job.Kind)).Inc()
		q.finish(job, StateDone, "")
		return
	}

	if job.Attempts >= job.MaxAttempts {
		level.Error(log.Logger).Log("msg", "job exhausted attempts", "kind", job.Kind, "subject_id", job.SubjectID, "attempts", job.Attempts, "err", err)
		metricJobsFailed.WithLabelValues(string(job.Kind)).Inc()
		q.finish(job, StateFailed, err.Error())
		return
	}

	delay := q.retryDelay(job.Attempts)
	level.Warn(log.Logger).Log("msg", "job errored, rescheduling", "kind", job.Kind, "subject_id", job.SubjectID, "attempt", job.Attempts, "retry_in", delay, "err", err)
	metricJobsRetried.WithLabelValues(string(job.Kind)).Inc()
	q.reschedule(job, delay, err.Error())
}

// retryDelay doubles from the configured minimum per attempt, capped.
func (q *Queue) retryDelay(attempts int) time.Duration {
	d := q.cfg.RetryBackoffMin
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.cfg.RetryBackoffMax {
			return q.cfg.RetryBackoffMax
		}
	}
	return d
}

func (q *Queue) finish(job *Job, state, lastError string) {
	_, err := q.db.Exec(
		`UPDATE jobs SET state = ?, last_error = ?, lease_until = NULL, updated_at = ? WHERE id = ?`,
		state, lastError, q.clock.Now().UTC(), job.ID,
	)
	if err != nil {
		level.Error(log.Logger).Log("msg", "failed to finish job", "job_id", job.ID, "err", err)
	}
}

func (q *Queue) reschedule(job *Job, delay time.Duration, lastError string) {
	now := q.clock.Now().UTC()
	_, err := q.db.Exec(
		`UPDATE jobs SET state = ?, run_at = ?, last_error = ?, lease_until = NULL, updated_at = ? WHERE id = ?`,
		StatePending, now.Add(delay), lastError, now, job.ID,
	)
	if err != nil {
		level.Error(log.Logger).Log("msg", "failed to reschedule job", "job_id", job.ID, "err", err)
	}
}

// release returns an unstarted claim to the queue without burning the
// attempt.
func (q *Queue) release(job *Job) {
	_, err := q.db.Exec(
		`UPDATE jobs SET state = ?, attempts = attempts - 1, lease_until = NULL, updated_at = ? WHERE id = ?`,
		StatePending, q.clock.Now().UTC(), job.ID,
	)
	if err != nil {
		level.Error(log.Logger).Log("msg", "failed to release job", "job_id", job.ID, "err", err)
	}
}

func (q *Queue) trackLease(id int64, held bool) {
	q.heartbeatMtx.Lock()
	defer q.heartbeatMtx.Unlock()
	if held {
		q.leased[id] = struct{}{}
	} else {
		delete(q.leased, id)
	}
}

func (q *Queue) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.extendLeases()
		}
	}
}

func (q *Queue) extendLeases() {
	q.heartbeatMtx.Lock()
	ids := make([]int64, 0, len(q.leased))
	for id := range q.leased {
		ids = append(ids, id)
	}
	q.heartbeatMtx.Unlock()

	if len(ids) == 0 {
		return
	}

	now := q.clock.Now().UTC()
	query, args, err := sqlx.In(
		`UPDATE jobs SET lease_until = ?, updated_at = ? WHERE id IN (?) AND state = ?`,
		now.Add(q.cfg.LeaseDuration), now, ids, StateRunning,
	)
	if err != nil {
		return
	}
	if _, err := q.db.Exec(query, args...); err != nil {
		level.Warn(log.Logger).Log("msg", "failed to extend leases", "err", err)
	}
}

// RunDue synchronously claims and executes jobs until none are due.
// Used by one-shot maintenance commands and tests; the background
// workers do the same thing concurrently.
func (q *Queue) RunDue(ctx context.Context) (int, error) {
	n := 0
	for {
		job, err := q.claim(ctx)
		if err != nil {
			return n, err
		}
		if job == nil {
			return n, nil
		}
		q.execute(ctx, job)
		n++
	}
}

func notFoundErr(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// Inflight reports the number of currently executing jobs.
func (q *Queue) Inflight() int64 { return q.inflight.Load() }

// Stats summarizes the jobs table for the status page.
func (q *Queue) Stats(ctx context.Context) (map[string]int64, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var (
			state string
			n     int64
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[state] = n
	}
	return out, rows.Err()
}
