package jobqueue

import (
	"context"
	"errors"
	"flag"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/driftq/driftq/modules/store"
	"github.com/driftq/driftq/pkg/clock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestQueue(t *testing.T) (*Queue, *clock.Fake) {
	t.Helper()

	cl := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s, err := store.Open(store.Config{DSN: "file:" + filepath.Join(t.TempDir(), "driftq.db")}, cl, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("test", flag.PanicOnError))

	q, err := New(cfg, s.DB(), cl)
	require.NoError(t, err)
	return q, cl
}

func TestEnqueueAndClaim(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	q.Register(KindPollBatchStatus, Spec{}, func(context.Context, *Job) error { return nil })

	require.NoError(t, q.Enqueue(ctx, KindPollBatchStatus, 42, time.Time{}))

	job, err := q.claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, KindPollBatchStatus, job.Kind)
	require.Equal(t, int64(42), job.SubjectID)
	require.Equal(t, StateRunning, job.State)
	require.Equal(t, 1, job.Attempts)
	require.Equal(t, q.workerID, job.WorkerID)

	// Nothing else is due.
	next, err := q.claim(ctx)
	require.NoError(t, err)
	require.Nil(t, next)
}

func TestUnknownKindRejected(t *testing.T) {
	q, _ := newTestQueue(t)
	err := q.Enqueue(context.Background(), Kind("bogus"), 1, time.Time{})
	require.Error(t, err)
}

func TestSingletonDedup(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	q.Register(KindDrainCapacity, Spec{Singleton: true}, func(context.Context, *Job) error { return nil })

	require.NoError(t, q.Enqueue(ctx, KindDrainCapacity, 7, time.Time{}))
	require.NoError(t, q.Enqueue(ctx, KindDrainCapacity, 7, time.Time{}))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats[StatePending])

	// A different subject is a different singleton.
	require.NoError(t, q.Enqueue(ctx, KindDrainCapacity, 8, time.Time{}))
	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats[StatePending])
}

func TestSingletonReschedulesFromOwnHandler(t *testing.T) {
	q, cl := newTestQueue(t)
	ctx := context.Background()

	// Polling schedules its successor from inside the handler while its
	// own row is still running; the dedup must not swallow it.
	q.Register(KindPollBatchStatus, Spec{Singleton: true}, func(_ context.Context, job *Job) error {
		return q.EnqueueTx(q.db, KindPollBatchStatus, job.SubjectID, cl.Now().Add(time.Minute))
	})
	require.NoError(t, q.Enqueue(ctx, KindPollBatchStatus, 42, time.Time{}))

	n, err := q.RunDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats[StatePending])
	require.Equal(t, int64(1), stats[StateDone])

	// The successor becomes due and reschedules again.
	cl.Advance(2 * time.Minute)
	n, err = q.RunDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats[StatePending])
}

func TestFutureJobsNotClaimable(t *testing.T) {
	q, cl := newTestQueue(t)
	ctx := context.Background()

	q.Register(KindExpireStaleBuilding, Spec{}, func(context.Context, *Job) error { return nil })
	require.NoError(t, q.Enqueue(ctx, KindExpireStaleBuilding, 1, cl.Now().Add(time.Hour)))

	job, err := q.claim(ctx)
	require.NoError(t, err)
	require.Nil(t, job)

	cl.Advance(time.Hour)
	job, err = q.claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
}

func TestExecuteRetriesThenFails(t *testing.T) {
	q, cl := newTestQueue(t)
	ctx := context.Background()

	boom := errors.New("provider unavailable")
	calls := 0
	q.Register(KindStartUpload, Spec{MaxAttempts: 2}, func(context.Context, *Job) error {
		calls++
		return boom
	})
	require.NoError(t, q.Enqueue(ctx, KindStartUpload, 5, time.Time{}))

	// First attempt errors and reschedules with the minimum backoff.
	job, err := q.claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	q.execute(ctx, job)
	require.Equal(t, 1, calls)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats[StatePending])

	// Not due until the backoff elapses.
	job, err = q.claim(ctx)
	require.NoError(t, err)
	require.Nil(t, job)

	cl.Advance(q.cfg.RetryBackoffMin)
	job, err = q.claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, 2, job.Attempts)

	// Budget exhausted: parked as failed.
	q.execute(ctx, job)
	require.Equal(t, 2, calls)
	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats[StateFailed])
}

func TestRetryDelayDoublesAndCaps(t *testing.T) {
	q, _ := newTestQueue(t)

	require.Equal(t, q.cfg.RetryBackoffMin, q.retryDelay(1))
	require.Equal(t, 2*q.cfg.RetryBackoffMin, q.retryDelay(2))
	require.Equal(t, 4*q.cfg.RetryBackoffMin, q.retryDelay(3))
	require.Equal(t, q.cfg.RetryBackoffMax, q.retryDelay(60))
}

func TestExpiredLeaseReclaimed(t *testing.T) {
	q, cl := newTestQueue(t)
	ctx := context.Background()

	q.Register(KindDeliver, Spec{}, func(context.Context, *Job) error { return nil })
	require.NoError(t, q.Enqueue(ctx, KindDeliver, 9, time.Time{}))

	first, err := q.claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)

	// Still leased: not claimable.
	again, err := q.claim(ctx)
	require.NoError(t, err)
	require.Nil(t, again)

	// Lease expires; the job comes back as a fresh attempt.
	cl.Advance(q.cfg.LeaseDuration + time.Second)
	again, err = q.claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	require.Equal(t, first.ID, again.ID)
	require.Equal(t, 2, again.Attempts)
}

func TestHeartbeatExtendsLease(t *testing.T) {
	q, cl := newTestQueue(t)
	ctx := context.Background()

	q.Register(KindDeliver, Spec{}, func(context.Context, *Job) error { return nil })
	require.NoError(t, q.Enqueue(ctx, KindDeliver, 9, time.Time{}))

	job, err := q.claim(ctx)
	require.NoError(t, err)
	q.trackLease(job.ID, true)
	defer q.trackLease(job.ID, false)

	cl.Advance(q.cfg.LeaseDuration - time.Second)
	q.extendLeases()
	cl.Advance(2 * time.Second)

	// Extended lease keeps the job off the market.
	again, err := q.claim(ctx)
	require.NoError(t, err)
	require.Nil(t, again)
}

func TestCancelPending(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	q.Register(KindPollBatchStatus, Spec{}, func(context.Context, *Job) error { return nil })
	q.Register(KindDeliver, Spec{}, func(context.Context, *Job) error { return nil })

	require.NoError(t, q.Enqueue(ctx, KindPollBatchStatus, 3, time.Time{}))
	require.NoError(t, q.Enqueue(ctx, KindDeliver, 3, time.Time{}))
	require.NoError(t, q.Enqueue(ctx, KindPollBatchStatus, 4, time.Time{}))

	require.NoError(t, q.CancelPending(q.db, 3, KindPollBatchStatus, KindDeliver))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats[StateCancelled])
	require.Equal(t, int64(1), stats[StatePending])

	job, err := q.claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, int64(4), job.SubjectID)
}

func TestConcurrencySlotsGateClaiming(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	q.Register(KindDownloadAndParse, Spec{Concurrency: 1}, func(context.Context, *Job) error { return nil })
	require.NoError(t, q.Enqueue(ctx, KindDownloadAndParse, 1, time.Time{}))

	// Saturate the single slot: the kind disappears from claiming.
	reg := q.kinds[KindDownloadAndParse]
	reg.slots <- struct{}{}
	require.Empty(t, q.claimableKinds())

	job, err := q.claim(ctx)
	require.NoError(t, err)
	require.Nil(t, job)

	<-reg.slots
	job, err = q.claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
}

func TestRunAtOrdering(t *testing.T) {
	q, cl := newTestQueue(t)
	ctx := context.Background()

	q.Register(KindDeliver, Spec{}, func(context.Context, *Job) error { return nil })

	require.NoError(t, q.Enqueue(ctx, KindDeliver, 2, cl.Now().Add(time.Minute)))
	require.NoError(t, q.Enqueue(ctx, KindDeliver, 1, cl.Now()))
	cl.Advance(time.Hour)

	first, err := q.claim(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), first.SubjectID)

	second, err := q.claim(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), second.SubjectID)
}
