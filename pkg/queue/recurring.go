package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Recurring fires the same job onto a queue at a fixed interval. The job id
// doubles as the dedup key, so a tick that lands while the previous run is
// still queued or active is a no-op.
type Recurring struct {
	queue    *Queue
	id       string
	payload  any
	interval time.Duration

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewRecurring creates a recurring job. Start must be called to begin firing.
func NewRecurring(q *Queue, id string, payload any, interval time.Duration) *Recurring {
	return &Recurring{
		queue:    q,
		id:       id,
		payload:  payload,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the tick loop. The first enqueue happens immediately.
func (r *Recurring) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		r.fire()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.fire()
			case <-r.stopCh:
				return
			}
		}
	}()
}

func (r *Recurring) fire() {
	err := r.queue.Enqueue(context.Background(), r.id, r.payload)
	if err != nil && !errors.Is(err, ErrDuplicateJob) && !errors.Is(err, ErrQueueClosed) {
		r.queue.logger.Error().Err(err).Str("job_id", r.id).Msg("Failed to enqueue recurring job")
	}
}

// Stop halts the tick loop
func (r *Recurring) Stop() {
	r.once.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}
