package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/graphwatch/graphwatch/pkg/cache"
	"github.com/graphwatch/graphwatch/pkg/events"
	"github.com/graphwatch/graphwatch/pkg/hub"
	"github.com/graphwatch/graphwatch/pkg/log"
	"github.com/graphwatch/graphwatch/pkg/metrics"
	"github.com/graphwatch/graphwatch/pkg/queue"
	"github.com/graphwatch/graphwatch/pkg/storage"
	"github.com/graphwatch/graphwatch/pkg/types"
	"github.com/rs/zerolog"
)

// RealtimeJobID is the dedup key of the recurring poll job; the realtime
// queue runs with concurrency 1, so only one poll is ever in flight.
const RealtimeJobID = "realtime-sync"

// EventPageSize is how many hub events one poll iteration reads
const EventPageSize = 100

// RealtimePoller tails the hub event stream: it reads the durable cursor,
// fetches the next page, enqueues the relevant events for processing, and
// advances the cursor. The cursor only moves after the whole page is
// enqueued; a crash in between re-reads the same page, which is safe because
// every downstream write is keyed by hash.
type RealtimePoller struct {
	store        storage.Store
	hub          *hub.Client
	cache        *cache.Cache
	processQueue *queue.Queue
	broker       *events.Broker
	logger       zerolog.Logger
}

// NewRealtimePoller creates a realtime poll handler
func NewRealtimePoller(store storage.Store, hubClient *hub.Client, c *cache.Cache, processQueue *queue.Queue, broker *events.Broker) *RealtimePoller {
	return &RealtimePoller{
		store:        store,
		hub:          hubClient,
		cache:        c,
		processQueue: processQueue,
		broker:       broker,
		logger:       log.WithComponent("realtime"),
	}
}

// Handle runs one poll iteration
func (r *RealtimePoller) Handle(ctx context.Context, job *queue.Job) error {
	var from uint64
	state, err := r.store.GetSyncState(ctx, storage.SyncStateRealtime)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		from = 0
	case err != nil:
		return fmt.Errorf("failed to read realtime cursor: %w", err)
	case state.LastEventID != nil:
		from = *state.LastEventID
	}

	page, err := r.hub.Events(ctx, from, EventPageSize)
	if err != nil {
		return fmt.Errorf("failed to fetch events from %d: %w", from, err)
	}
	if len(page.Events) == 0 {
		return nil
	}

	maxID := from
	enqueued := 0
	for _, ev := range page.Events {
		relevant, err := r.relevant(ctx, ev)
		if err != nil {
			return fmt.Errorf("failed to filter event %d: %w", ev.ID, err)
		}
		metrics.EventsSeenTotal.WithLabelValues(strconv.FormatBool(relevant)).Inc()
		if relevant {
			if err := r.processQueue.Enqueue(ctx, "", ev, queue.WithPriority(queue.PriorityHigh)); err != nil {
				return fmt.Errorf("failed to enqueue event %d: %w", ev.ID, err)
			}
			enqueued++
		}
		if ev.ID > maxID {
			maxID = ev.ID
		}
	}

	if err := r.store.SetLastEventID(ctx, storage.SyncStateRealtime, maxID); err != nil {
		return fmt.Errorf("failed to advance realtime cursor: %w", err)
	}
	metrics.LastEventID.Set(float64(maxID))

	r.logger.Debug().Uint64("from", from).Uint64("to", maxID).
		Int("events", len(page.Events)).Int("enqueued", enqueued).
		Msg("Processed event page")
	r.broker.Publish(&events.Event{
		Type:    events.EventRealtimePage,
		Message: fmt.Sprintf("events %d..%d, %d relevant", from, maxID, enqueued),
	})
	return nil
}

// relevant reports whether an event concerns the tracked target set
func (r *RealtimePoller) relevant(ctx context.Context, ev *types.HubEvent) (bool, error) {
	switch ev.Type {
	case types.HubEventTypeMergeMessage:
		msg := ev.Message()
		if msg == nil || msg.Data == nil {
			return false, nil
		}

		ok, err := r.cache.Targets.Contains(ctx, msg.Data.Fid)
		if err != nil || ok {
			return ok, err
		}

		// Replies to a target and reactions to a target's casts matter even
		// when the author is not tracked.
		switch msg.Data.Type {
		case types.MessageTypeCastAdd:
			if body := msg.Data.CastAddBody; body != nil && body.ParentCastID != nil {
				return r.cache.Targets.Contains(ctx, body.ParentCastID.Fid)
			}
		case types.MessageTypeReactionAdd:
			if body := msg.Data.ReactionBody; body != nil && body.TargetCastID != nil {
				return r.cache.Targets.Contains(ctx, body.TargetCastID.Fid)
			}
		}
		return false, nil

	case types.HubEventTypeMergeOnChainEvent:
		oce := ev.OnChainEvent()
		if oce == nil {
			return false, nil
		}
		return r.cache.ClientTargets.Contains(ctx, oce.Fid)
	}
	return false, nil
}
