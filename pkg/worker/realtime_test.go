package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	json "github.com/goccy/go-json"
	"github.com/graphwatch/graphwatch/pkg/cache"
	"github.com/graphwatch/graphwatch/pkg/events"
	"github.com/graphwatch/graphwatch/pkg/hub"
	"github.com/graphwatch/graphwatch/pkg/queue"
	"github.com/graphwatch/graphwatch/pkg/storage"
	"github.com/graphwatch/graphwatch/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type realtimeEnv struct {
	store        *storage.Memory
	cache        *cache.Cache
	processQueue *queue.Queue
	poller       *RealtimePoller
}

// newRealtimeEnv wires a poller against a fake hub serving the given event
// pages keyed by from_event_id
func newRealtimeEnv(t *testing.T, pages map[string][]*types.HubEvent) *realtimeEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/events", r.URL.Path)
		page := hub.EventsPage{Events: pages[r.URL.Query().Get("from_event_id")]}
		body, err := json.Marshal(page)
		require.NoError(t, err)
		w.Write(body)
	}))
	t.Cleanup(srv.Close)

	hubClient, err := hub.NewClient([]hub.Endpoint{{URL: srv.URL}})
	require.NoError(t, err)

	store := storage.NewMemory()
	c := cache.New(client)
	processQueue := queue.New(client, "process-event", queue.Options{})

	return &realtimeEnv{
		store:        store,
		cache:        c,
		processQueue: processQueue,
		poller:       NewRealtimePoller(store, hubClient, c, processQueue, events.NewBroker()),
	}
}

func (e *realtimeEnv) run(t *testing.T) {
	t.Helper()
	require.NoError(t, e.poller.Handle(context.Background(), &queue.Job{ID: RealtimeJobID}))
}

func (e *realtimeEnv) cursor(t *testing.T) uint64 {
	t.Helper()
	state, err := e.store.GetSyncState(context.Background(), storage.SyncStateRealtime)
	if err != nil {
		return 0
	}
	require.NotNil(t, state.LastEventID)
	return *state.LastEventID
}

func (e *realtimeEnv) queued(t *testing.T) int64 {
	t.Helper()
	stats, err := e.processQueue.Stats(context.Background())
	require.NoError(t, err)
	return stats.Waiting
}

func targetCastEvent(id, fid uint64) *types.HubEvent {
	return mergeMessageEvent(id, &types.MessageData{
		Type:        types.MessageTypeCastAdd,
		Fid:         fid,
		Timestamp:   100,
		CastAddBody: &types.CastAddBody{Text: "hello"},
	}, "0xabc0")
}

func TestEmptyPageLeavesCursorUnchanged(t *testing.T) {
	env := newRealtimeEnv(t, map[string][]*types.HubEvent{})

	env.run(t)

	assert.Equal(t, uint64(0), env.cursor(t))
	assert.Equal(t, int64(0), env.queued(t))
}

func TestRelevantEventsEnqueuedAndCursorAdvances(t *testing.T) {
	pages := map[string][]*types.HubEvent{
		"0": {
			targetCastEvent(1001, 12), // tracked author
			targetCastEvent(1002, 77), // untracked author
			{ID: 1003, Type: types.HubEventTypePruneMessage},
		},
	}
	env := newRealtimeEnv(t, pages)
	require.NoError(t, env.cache.Targets.Add(context.Background(), 12))

	env.run(t)

	assert.Equal(t, uint64(1003), env.cursor(t))
	assert.Equal(t, int64(1), env.queued(t))
}

func TestCursorResumesFromLastEventID(t *testing.T) {
	pages := map[string][]*types.HubEvent{
		"0":    {targetCastEvent(1001, 12)},
		"1001": {targetCastEvent(1005, 12)},
	}
	env := newRealtimeEnv(t, pages)
	require.NoError(t, env.cache.Targets.Add(context.Background(), 12))

	env.run(t)
	assert.Equal(t, uint64(1001), env.cursor(t))

	env.run(t)
	assert.Equal(t, uint64(1005), env.cursor(t))
	assert.Equal(t, int64(2), env.queued(t))
}

func TestReplyToTargetIsRelevant(t *testing.T) {
	reply := mergeMessageEvent(2001, &types.MessageData{
		Type:      types.MessageTypeCastAdd,
		Fid:       77, // untracked author
		Timestamp: 100,
		CastAddBody: &types.CastAddBody{
			Text:         "replying",
			ParentCastID: &types.CastID{Fid: 12, Hash: "0xdead"},
		},
	}, "0xr3ply")

	env := newRealtimeEnv(t, map[string][]*types.HubEvent{"0": {reply}})
	require.NoError(t, env.cache.Targets.Add(context.Background(), 12))

	env.run(t)

	assert.Equal(t, int64(1), env.queued(t))
}

func TestReactionToTargetCastIsRelevant(t *testing.T) {
	reaction := mergeMessageEvent(2002, &types.MessageData{
		Type:      types.MessageTypeReactionAdd,
		Fid:       77,
		Timestamp: 100,
		ReactionBody: &types.ReactionBody{
			Type:         types.EnumValue{Str: "REACTION_TYPE_LIKE"},
			TargetCastID: &types.CastID{Fid: 12, Hash: "0xdead"},
		},
	}, "0xr3act")

	env := newRealtimeEnv(t, map[string][]*types.HubEvent{"0": {reaction}})
	require.NoError(t, env.cache.Targets.Add(context.Background(), 12))

	env.run(t)

	assert.Equal(t, int64(1), env.queued(t))
}

func TestClientChainEventIsRelevant(t *testing.T) {
	env := newRealtimeEnv(t, map[string][]*types.HubEvent{
		"0": {signerAddEvent(3001, 99, 42)},
	})
	require.NoError(t, env.cache.ClientTargets.Add(context.Background(), 99))

	env.run(t)

	assert.Equal(t, int64(1), env.queued(t))
	assert.Equal(t, uint64(3001), env.cursor(t))
}

func TestChainEventFromUnknownFidFiltered(t *testing.T) {
	env := newRealtimeEnv(t, map[string][]*types.HubEvent{
		"0": {signerAddEvent(3001, 98, 42)},
	})

	env.run(t)

	assert.Equal(t, int64(0), env.queued(t))
	// The cursor still advances past irrelevant events
	assert.Equal(t, uint64(3001), env.cursor(t))
}
