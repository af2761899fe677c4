// Package queue implements durable named job queues on redis primitives.
// Jobs survive process restarts, retry with exponential backoff, dead-letter
// after their attempts are exhausted, and deduplicate on caller-supplied job
// ids. Each queue runs its own worker pool with bounded concurrency.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/graphwatch/graphwatch/pkg/log"
	"github.com/graphwatch/graphwatch/pkg/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	// ErrDuplicateJob is returned when a job with the same id is already
	// waiting, delayed or active
	ErrDuplicateJob = errors.New("queue: duplicate job id")

	// ErrQueueClosed is returned for enqueues after shutdown began
	ErrQueueClosed = errors.New("queue: closed")
)

// Priority selects the lane a job is queued on. High-priority jobs are
// always popped before default-priority ones.
type Priority int

const (
	PriorityDefault Priority = iota
	PriorityHigh
)

// Job is one unit of queued work
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload"`
	Priority   Priority        `json:"priority"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	LastError  string          `json:"lastError,omitempty"`
}

// Decode unmarshals the job payload into v
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// Handler processes one job. A non-nil error schedules a retry until the
// attempt budget is spent, then the job dead-letters.
type Handler func(ctx context.Context, job *Job) error

// Options configures a queue
type Options struct {
	// Concurrency bounds the worker pool size (default 1)
	Concurrency int
	// MaxAttempts before a job dead-letters (default 3)
	MaxAttempts int
	// BackoffBase is the first retry delay; doubles per attempt (default 2s)
	BackoffBase time.Duration
	// KeepCompleted bounds the completed-job history (default 100)
	KeepCompleted int
	// KeepFailed bounds the dead-letter history (default 50)
	KeepFailed int
	// PollInterval is the idle sleep between pop attempts (default 250ms)
	PollInterval time.Duration
}

func (o *Options) defaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.KeepCompleted <= 0 {
		o.KeepCompleted = 100
	}
	if o.KeepFailed <= 0 {
		o.KeepFailed = 50
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
}

// Stats is a point-in-time queue census
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    bool  `json:"paused"`
}

// Queue is one durable named queue
type Queue struct {
	name   string
	client *redis.Client
	opts   Options
	logger zerolog.Logger

	handler Handler
	closed  atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool
}

// New creates a queue handle. The queue carries no workers until Process is
// called; a handle used only for enqueueing is valid.
func New(client *redis.Client, name string, opts Options) *Queue {
	opts.defaults()
	return &Queue{
		name:   name,
		client: client,
		opts:   opts,
		logger: log.WithQueue(name),
		stopCh: make(chan struct{}),
	}
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) key(suffix string) string {
	return "graphwatch:queue:" + q.name + ":" + suffix
}

func (q *Queue) jobKey(id string) string {
	return q.key("job:" + id)
}

// EnqueueOption adjusts a single enqueue
type EnqueueOption func(*Job)

// WithPriority queues the job on the given lane
func WithPriority(p Priority) EnqueueOption {
	return func(j *Job) { j.Priority = p }
}

// Enqueue adds a job. A non-empty id doubles as a dedup key: while a job
// with that id is waiting, delayed or active, further enqueues return
// ErrDuplicateJob. An empty id gets a random one.
func (q *Queue) Enqueue(ctx context.Context, id string, payload any, opts ...EnqueueOption) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	if id == "" {
		id = uuid.New().String()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal job payload: %w", err)
	}

	job := &Job{
		ID:         id,
		Queue:      q.name,
		Payload:    body,
		EnqueuedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(job)
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	ok, err := q.client.SetNX(ctx, q.jobKey(id), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to store job %s: %w", id, err)
	}
	if !ok {
		return ErrDuplicateJob
	}

	lane := q.key("waiting")
	if job.Priority == PriorityHigh {
		lane = q.key("prio")
	}
	if err := q.client.LPush(ctx, lane, id).Err(); err != nil {
		return fmt.Errorf("failed to push job %s: %w", id, err)
	}
	return nil
}

// Process registers the handler and starts the worker pool
func (q *Queue) Process(handler Handler) {
	if !q.started.CompareAndSwap(false, true) {
		return
	}
	q.handler = handler
	for i := 0; i < q.opts.Concurrency; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	q.logger.Info().Int("concurrency", q.opts.Concurrency).Msg("Queue workers started")
}

// Stop begins graceful shutdown: no new jobs are popped or accepted, and
// in-flight jobs get until the context deadline to finish.
func (q *Queue) Stop(ctx context.Context) error {
	if q.closed.CompareAndSwap(false, true) {
		close(q.stopCh)
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue %s: shutdown timed out: %w", q.name, ctx.Err())
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()

	for {
		select {
		case <-q.stopCh:
			return
		default:
		}

		ctx := context.Background()

		paused, err := q.isPaused(ctx)
		if err != nil || paused {
			q.sleep()
			continue
		}

		q.promoteDelayed(ctx)

		id, err := q.pop(ctx)
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				q.logger.Error().Err(err).Msg("Failed to pop job")
			}
			q.sleep()
			continue
		}

		q.run(ctx, id)
	}
}

func (q *Queue) sleep() {
	select {
	case <-time.After(q.opts.PollInterval):
	case <-q.stopCh:
	}
}

// pop takes the next job id, preferring the high-priority lane
func (q *Queue) pop(ctx context.Context) (string, error) {
	id, err := q.client.RPop(ctx, q.key("prio")).Result()
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, redis.Nil) {
		return "", err
	}
	return q.client.RPop(ctx, q.key("waiting")).Result()
}

// promoteDelayed moves due retries back onto their lane
func (q *Queue) promoteDelayed(ctx context.Context) {
	now := float64(time.Now().UnixMilli())
	ids, err := q.client.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now), Count: 100,
	}).Result()
	if err != nil || len(ids) == 0 {
		return
	}

	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, q.key("delayed"), id).Result()
		if err != nil || removed == 0 {
			continue // another worker promoted it
		}
		lane := q.key("waiting")
		if data, err := q.client.Get(ctx, q.jobKey(id)).Bytes(); err == nil {
			var job Job
			if json.Unmarshal(data, &job) == nil && job.Priority == PriorityHigh {
				lane = q.key("prio")
			}
		}
		if err := q.client.LPush(ctx, lane, id).Err(); err != nil {
			q.logger.Error().Err(err).Str("job_id", id).Msg("Failed to promote delayed job")
		}
	}
}

// run executes one job and settles its outcome
func (q *Queue) run(ctx context.Context, id string) {
	q.client.IncrBy(ctx, q.key("active"), 1)
	defer q.client.DecrBy(ctx, q.key("active"), 1)

	data, err := q.client.Get(ctx, q.jobKey(id)).Bytes()
	if err != nil {
		q.logger.Warn().Str("job_id", id).Msg("Popped job with no record, skipping")
		return
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		q.logger.Error().Err(err).Str("job_id", id).Msg("Failed to decode job, dropping")
		q.client.Del(ctx, q.jobKey(id))
		return
	}

	job.Attempts++

	err = q.handler(ctx, &job)
	if err == nil {
		q.settle(ctx, &job, q.key("completed"), q.opts.KeepCompleted, "")
		metrics.JobsProcessedTotal.WithLabelValues(q.name, "completed").Inc()
		return
	}

	if job.Attempts >= q.opts.MaxAttempts {
		q.logger.Error().Err(err).Str("job_id", job.ID).Int("attempts", job.Attempts).
			Msg("Job failed permanently, dead-lettering")
		q.settle(ctx, &job, q.key("failed"), q.opts.KeepFailed, err.Error())
		metrics.JobsProcessedTotal.WithLabelValues(q.name, "failed").Inc()
		return
	}

	// Schedule the retry with exponential backoff
	delay := q.opts.BackoffBase << (job.Attempts - 1)
	job.LastError = err.Error()
	if updated, mErr := json.Marshal(&job); mErr == nil {
		q.client.Set(ctx, q.jobKey(job.ID), updated, 0)
	}
	readyAt := time.Now().Add(delay).UnixMilli()
	if zErr := q.client.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(readyAt), Member: job.ID}).Err(); zErr != nil {
		q.logger.Error().Err(zErr).Str("job_id", job.ID).Msg("Failed to schedule retry")
	}
	metrics.JobsProcessedTotal.WithLabelValues(q.name, "retried").Inc()
	q.logger.Warn().Err(err).Str("job_id", job.ID).Int("attempt", job.Attempts).
		Dur("retry_in", delay).Msg("Job failed, retrying")
}

// settle removes the job record and appends a bounded history entry
func (q *Queue) settle(ctx context.Context, job *Job, historyKey string, keep int, errMsg string) {
	q.client.Del(ctx, q.jobKey(job.ID))

	entry, err := json.Marshal(map[string]any{
		"id":         job.ID,
		"attempts":   job.Attempts,
		"finishedAt": time.Now().UTC(),
		"error":      errMsg,
	})
	if err != nil {
		return
	}
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, historyKey, entry)
	pipe.LTrim(ctx, historyKey, 0, int64(keep-1))
	_, _ = pipe.Exec(ctx)
}

func (q *Queue) isPaused(ctx context.Context) (bool, error) {
	n, err := q.client.Exists(ctx, q.key("paused")).Result()
	return n > 0, err
}

// Pause stops job processing; enqueues still land
func (q *Queue) Pause(ctx context.Context) error {
	return q.client.Set(ctx, q.key("paused"), "1", 0).Err()
}

// Resume restarts job processing
func (q *Queue) Resume(ctx context.Context) error {
	return q.client.Del(ctx, q.key("paused")).Err()
}

// Drain removes all waiting and delayed jobs
func (q *Queue) Drain(ctx context.Context) error {
	for _, lane := range []string{"waiting", "prio"} {
		for {
			id, err := q.client.RPop(ctx, q.key(lane)).Result()
			if errors.Is(err, redis.Nil) {
				break
			}
			if err != nil {
				return fmt.Errorf("failed to drain %s: %w", q.name, err)
			}
			q.client.Del(ctx, q.jobKey(id))
		}
	}

	ids, err := q.client.ZRange(ctx, q.key("delayed"), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to drain %s delayed: %w", q.name, err)
	}
	for _, id := range ids {
		q.client.Del(ctx, q.jobKey(id))
	}
	return q.client.Del(ctx, q.key("delayed")).Err()
}

// Stats returns the queue census and refreshes the depth gauges
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.key("waiting"))
	prio := pipe.LLen(ctx, q.key("prio"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	completed := pipe.LLen(ctx, q.key("completed"))
	failed := pipe.LLen(ctx, q.key("failed"))
	active := pipe.Get(ctx, q.key("active"))
	paused := pipe.Exists(ctx, q.key("paused"))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read stats for %s: %w", q.name, err)
	}

	stats := &Stats{
		Waiting:   waiting.Val() + prio.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Paused:    paused.Val() > 0,
	}
	if n, err := active.Int64(); err == nil {
		stats.Active = n
	}

	metrics.QueueDepth.WithLabelValues(q.name, "waiting").Set(float64(stats.Waiting))
	metrics.QueueDepth.WithLabelValues(q.name, "active").Set(float64(stats.Active))
	metrics.QueueDepth.WithLabelValues(q.name, "delayed").Set(float64(stats.Delayed))
	metrics.QueueDepth.WithLabelValues(q.name, "failed").Set(float64(stats.Failed))
	return stats, nil
}
