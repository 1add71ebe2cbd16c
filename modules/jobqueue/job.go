package jobqueue

import (
	"context"
	"database/sql"
	"time"
)

// Kind names a job type. Kinds are registered with a handler and a
// spec before the queue starts.
type Kind string

// Job kinds driven by the workflow.
const (
	KindStartUpload             Kind = "start_upload"
	KindCreateProviderBatch     Kind = "create_provider_batch"
	KindPollBatchStatus         Kind = "poll_batch_status"
	KindDownloadAndParse        Kind = "download_and_parse"
	KindRetryExpired            Kind = "retry_expired"
	KindDeliver                 Kind = "deliver"
	KindCheckDeliveryCompletion Kind = "check_delivery_completion"
	KindDrainCapacity           Kind = "drain_capacity"
	KindExpireStaleBuilding     Kind = "expire_stale_building"
	KindDeleteExpired           Kind = "delete_expired"
)

// Job states.
const (
	StatePending   = "pending"
	StateRunning   = "running"
	StateDone      = "done"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// Job is one durable unit of background work. SubjectID identifies the
// batch, request or other entity the job drives; handlers re-read the
// subject under a transaction and must be idempotent.
type Job struct {
	ID          int64        `db:"id"`
	Kind        Kind         `db:"kind"`
	SubjectID   int64        `db:"subject_id"`
	Args        string       `db:"args"`
	State       string       `db:"state"`
	Singleton   bool         `db:"singleton"`
	RunAt       time.Time    `db:"run_at"`
	Attempts    int          `db:"attempts"`
	MaxAttempts int          `db:"max_attempts"`
	LastError   string       `db:"last_error"`
	LeaseUntil  sql.NullTime `db:"lease_until"`
	WorkerID    string       `db:"worker_id"`
	CreatedAt   time.Time    `db:"created_at"`
	UpdatedAt   time.Time    `db:"updated_at"`
}

// Handler executes one job. A returned error reschedules the job with
// backoff until its attempt budget runs out.
type Handler func(ctx context.Context, job *Job) error

// Spec declares per-kind queue behavior.
type Spec struct {
	// MaxAttempts bounds executions including the first. Zero means
	// the queue default.
	MaxAttempts int

	// Singleton kinds tolerate at most one pending job per subject;
	// duplicate enqueues are no-ops. Running jobs do not count, so a
	// handler may schedule its own successor.
	Singleton bool

	// Concurrency caps in-flight executions of this kind. Zero means
	// unbounded up to the worker pool size.
	Concurrency int
}
