package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/graphwatch/graphwatch/pkg/log"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func testQueue(t *testing.T, opts Options) (*Queue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	if opts.BackoffBase == 0 {
		opts.BackoffBase = 20 * time.Millisecond
	}
	return New(client, "test", opts), client
}

func stopQueue(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Stop(ctx))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

type payload struct {
	N int `json:"n"`
}

func TestProcessCompletesJob(t *testing.T) {
	q, _ := testQueue(t, Options{Concurrency: 2})

	var processed atomic.Int32
	q.Process(func(ctx context.Context, job *Job) error {
		var p payload
		require.NoError(t, job.Decode(&p))
		processed.Add(int32(p.N))
		return nil
	})
	defer stopQueue(t, q)

	require.NoError(t, q.Enqueue(context.Background(), "", payload{N: 1}))
	require.NoError(t, q.Enqueue(context.Background(), "", payload{N: 2}))

	waitFor(t, func() bool { return processed.Load() == 3 })

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Completed)
	assert.Equal(t, int64(0), stats.Waiting)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestDedupByJobID(t *testing.T) {
	q, _ := testQueue(t, Options{})

	require.NoError(t, q.Enqueue(context.Background(), "backfill-12", payload{N: 1}))
	err := q.Enqueue(context.Background(), "backfill-12", payload{N: 1})
	assert.ErrorIs(t, err, ErrDuplicateJob)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting)
}

func TestDedupReleasedAfterCompletion(t *testing.T) {
	q, _ := testQueue(t, Options{Concurrency: 1})

	var runs atomic.Int32
	q.Process(func(ctx context.Context, job *Job) error {
		runs.Add(1)
		return nil
	})
	defer stopQueue(t, q)

	require.NoError(t, q.Enqueue(context.Background(), "job-1", payload{}))
	waitFor(t, func() bool { return runs.Load() == 1 })

	// The id is reusable once the previous run settled
	waitFor(t, func() bool {
		return q.Enqueue(context.Background(), "job-1", payload{}) == nil
	})
	waitFor(t, func() bool { return runs.Load() == 2 })
}

func TestRetryThenDeadLetter(t *testing.T) {
	q, _ := testQueue(t, Options{Concurrency: 1, MaxAttempts: 3})

	var attempts atomic.Int32
	q.Process(func(ctx context.Context, job *Job) error {
		attempts.Add(1)
		return errors.New("boom")
	})
	defer stopQueue(t, q)

	require.NoError(t, q.Enqueue(context.Background(), "doomed", payload{}))

	waitFor(t, func() bool { return attempts.Load() == 3 })
	waitFor(t, func() bool {
		stats, err := q.Stats(context.Background())
		return err == nil && stats.Failed == 1
	})

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Waiting)
	assert.Equal(t, int64(0), stats.Delayed)
}

func TestRetrySucceedsSecondAttempt(t *testing.T) {
	q, _ := testQueue(t, Options{Concurrency: 1, MaxAttempts: 3})

	var attempts atomic.Int32
	q.Process(func(ctx context.Context, job *Job) error {
		if attempts.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	})
	defer stopQueue(t, q)

	require.NoError(t, q.Enqueue(context.Background(), "flaky", payload{}))

	waitFor(t, func() bool {
		stats, err := q.Stats(context.Background())
		return err == nil && stats.Completed == 1
	})
	assert.Equal(t, int32(2), attempts.Load())
}

func TestHighPriorityPoppedFirst(t *testing.T) {
	q, _ := testQueue(t, Options{Concurrency: 1})

	// Enqueue before any worker runs so ordering is observable
	require.NoError(t, q.Enqueue(context.Background(), "low-1", payload{N: 1}))
	require.NoError(t, q.Enqueue(context.Background(), "low-2", payload{N: 2}))
	require.NoError(t, q.Enqueue(context.Background(), "high-1", payload{N: 3}, WithPriority(PriorityHigh)))

	var order []string
	done := make(chan struct{})
	q.Process(func(ctx context.Context, job *Job) error {
		order = append(order, job.ID)
		if len(order) == 3 {
			close(done)
		}
		return nil
	})
	defer stopQueue(t, q)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("jobs not processed in time")
	}
	assert.Equal(t, "high-1", order[0])
}

func TestPauseAndResume(t *testing.T) {
	q, _ := testQueue(t, Options{Concurrency: 1})

	var runs atomic.Int32
	require.NoError(t, q.Pause(context.Background()))

	q.Process(func(ctx context.Context, job *Job) error {
		runs.Add(1)
		return nil
	})
	defer stopQueue(t, q)

	require.NoError(t, q.Enqueue(context.Background(), "", payload{}))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), runs.Load())

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.True(t, stats.Paused)

	require.NoError(t, q.Resume(context.Background()))
	waitFor(t, func() bool { return runs.Load() == 1 })
}

func TestDrainRemovesWaitingJobs(t *testing.T) {
	q, _ := testQueue(t, Options{})

	require.NoError(t, q.Enqueue(context.Background(), "a", payload{}))
	require.NoError(t, q.Enqueue(context.Background(), "b", payload{}, WithPriority(PriorityHigh)))

	require.NoError(t, q.Drain(context.Background()))

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Waiting)

	// Drained ids are enqueueable again
	assert.NoError(t, q.Enqueue(context.Background(), "a", payload{}))
}

func TestEnqueueAfterStop(t *testing.T) {
	q, _ := testQueue(t, Options{})
	stopQueue(t, q)

	err := q.Enqueue(context.Background(), "", payload{})
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestRecurringDedupes(t *testing.T) {
	q, _ := testQueue(t, Options{Concurrency: 1})

	block := make(chan struct{})
	var runs atomic.Int32
	q.Process(func(ctx context.Context, job *Job) error {
		runs.Add(1)
		<-block
		return nil
	})
	defer stopQueue(t, q)

	rec := NewRecurring(q, "tick", payload{}, 15*time.Millisecond)
	rec.Start()
	defer rec.Stop()

	waitFor(t, func() bool { return runs.Load() == 1 })

	// Ticks while the job is active are deduplicated; at most one more run
	// is queued behind the active one
	time.Sleep(100 * time.Millisecond)
	close(block)
	rec.Stop()

	waitFor(t, func() bool {
		stats, err := q.Stats(context.Background())
		return err == nil && stats.Active == 0 && stats.Waiting == 0
	})
	assert.LessOrEqual(t, runs.Load(), int32(3))
}
