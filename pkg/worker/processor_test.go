package worker

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	json "github.com/goccy/go-json"
	"github.com/graphwatch/graphwatch/pkg/cache"
	"github.com/graphwatch/graphwatch/pkg/events"
	"github.com/graphwatch/graphwatch/pkg/log"
	"github.com/graphwatch/graphwatch/pkg/queue"
	"github.com/graphwatch/graphwatch/pkg/storage"
	"github.com/graphwatch/graphwatch/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

type processorEnv struct {
	store         *storage.Memory
	cache         *cache.Cache
	backfillQueue *queue.Queue
	processor     *Processor
}

func newProcessorEnv(t *testing.T, clientDiscovery bool) *processorEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := storage.NewMemory()
	c := cache.New(client)
	backfillQueue := queue.New(client, "backfill", queue.Options{})

	return &processorEnv{
		store:         store,
		cache:         c,
		backfillQueue: backfillQueue,
		processor:     NewProcessor(store, c, backfillQueue, events.NewBroker(), clientDiscovery),
	}
}

// seedTarget inserts a target into both the table and the cache
func (e *processorEnv) seedTarget(t *testing.T, fid uint64, isRoot bool) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.store.CreateTarget(ctx, &types.Target{Fid: fid, IsRoot: isRoot}))
	require.NoError(t, e.cache.Targets.Add(ctx, fid))
}

func (e *processorEnv) handle(t *testing.T, ev *types.HubEvent) {
	t.Helper()
	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	require.NoError(t, e.processor.Handle(context.Background(), &queue.Job{
		ID:      "test",
		Payload: payload,
	}))
}

func (e *processorEnv) backfillWaiting(t *testing.T) int64 {
	t.Helper()
	stats, err := e.backfillQueue.Stats(context.Background())
	require.NoError(t, err)
	return stats.Waiting
}

func mergeMessageEvent(id uint64, data *types.MessageData, hash string) *types.HubEvent {
	return &types.HubEvent{
		ID:   id,
		Type: types.HubEventTypeMergeMessage,
		MergeMessageBody: &types.MergeMessageBody{
			Message: &types.Message{Hash: hash, Data: data},
		},
	}
}

func linkAddEvent(id, fid, targetFid uint64) *types.HubEvent {
	return mergeMessageEvent(id, &types.MessageData{
		Type:      types.MessageTypeLinkAdd,
		Fid:       fid,
		Timestamp: 140000000,
		LinkBody:  &types.LinkBody{Type: "follow", TargetFid: targetFid},
	}, "0xl1nk")
}

func TestCastAddAndRemove(t *testing.T) {
	env := newProcessorEnv(t, false)

	env.handle(t, mergeMessageEvent(1, &types.MessageData{
		Type:        types.MessageTypeCastAdd,
		Fid:         12,
		Timestamp:   140000000,
		CastAddBody: &types.CastAddBody{Text: "hi"},
	}, "0xAAAA"))

	require.Len(t, env.store.Casts, 1)
	assert.Contains(t, env.store.Casts, "aaaa")

	env.handle(t, mergeMessageEvent(2, &types.MessageData{
		Type:           types.MessageTypeCastRemove,
		Fid:            12,
		CastRemoveBody: &types.CastRemoveBody{TargetHash: "0xAAAA"},
	}, "0xBBBB"))

	assert.Empty(t, env.store.Casts)
}

func TestReactionRemove(t *testing.T) {
	env := newProcessorEnv(t, false)

	env.handle(t, mergeMessageEvent(1, &types.MessageData{
		Type:      types.MessageTypeReactionAdd,
		Fid:       5,
		Timestamp: 1,
		ReactionBody: &types.ReactionBody{
			Type:         types.EnumValue{Str: "REACTION_TYPE_LIKE"},
			TargetCastID: &types.CastID{Fid: 12, Hash: "0xCCCC"},
		},
	}, "0xDDDD"))
	require.Len(t, env.store.Reactions, 1)

	env.handle(t, mergeMessageEvent(2, &types.MessageData{
		Type: types.MessageTypeReactionRemove,
		Fid:  5,
		ReactionBody: &types.ReactionBody{
			Type:         types.EnumValue{Str: "REACTION_TYPE_LIKE"},
			TargetCastID: &types.CastID{Fid: 12, Hash: "0xCCCC"},
		},
	}, "0xEEEE"))
	assert.Empty(t, env.store.Reactions)
}

func TestRootFollowExpansion(t *testing.T) {
	env := newProcessorEnv(t, false)
	env.seedTarget(t, 1, true)

	env.handle(t, linkAddEvent(500, 1, 2))

	// The follow row landed
	require.Len(t, env.store.Links, 1)

	// FID 2 became a non-root target, in the table and the cache
	target, err := env.store.GetTarget(context.Background(), 2)
	require.NoError(t, err)
	assert.False(t, target.IsRoot)

	ok, err := env.cache.Targets.Contains(context.Background(), 2)
	require.NoError(t, err)
	assert.True(t, ok)

	// One backfill job scheduled under the dedup key
	assert.Equal(t, int64(1), env.backfillWaiting(t))
}

func TestRootFollowReplayIsIdempotent(t *testing.T) {
	env := newProcessorEnv(t, false)
	env.seedTarget(t, 1, true)

	env.handle(t, linkAddEvent(500, 1, 2))
	env.handle(t, linkAddEvent(500, 1, 2))

	assert.Len(t, env.store.Links, 1)
	assert.Equal(t, int64(1), env.backfillWaiting(t))
}

func TestNonRootFollowDoesNotExpand(t *testing.T) {
	env := newProcessorEnv(t, false)
	env.seedTarget(t, 1, false)

	env.handle(t, linkAddEvent(500, 1, 2))

	_, err := env.store.GetTarget(context.Background(), 2)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, int64(0), env.backfillWaiting(t))
}

func TestFollowOfExistingTargetDoesNotReenqueue(t *testing.T) {
	env := newProcessorEnv(t, false)
	env.seedTarget(t, 1, true)
	env.seedTarget(t, 2, false)

	env.handle(t, linkAddEvent(500, 1, 2))

	assert.Equal(t, int64(0), env.backfillWaiting(t))
}

func TestLinkRemoveKeepsExpandedTarget(t *testing.T) {
	env := newProcessorEnv(t, false)
	env.seedTarget(t, 1, true)

	env.handle(t, linkAddEvent(500, 1, 2))
	require.Len(t, env.store.Links, 1)

	env.handle(t, mergeMessageEvent(501, &types.MessageData{
		Type:     types.MessageTypeLinkRemove,
		Fid:      1,
		LinkBody: &types.LinkBody{Type: "follow", TargetFid: 2},
	}, "0xgone"))

	// The edge is gone but expansion is monotonic
	assert.Empty(t, env.store.Links)
	_, err := env.store.GetTarget(context.Background(), 2)
	assert.NoError(t, err)
}

func signerAddEvent(id, clientFid, targetFid uint64) *types.HubEvent {
	return &types.HubEvent{
		ID:   id,
		Type: types.HubEventTypeMergeOnChainEvent,
		MergeOnChainEventBody: &types.MergeOnChainEventBody{
			OnChainEvent: &types.HubOnChainEvent{
				Type:            types.OnChainEventTypeSigner,
				ChainID:         10,
				BlockNumber:     1,
				BlockHash:       "0x01",
				BlockTimestamp:  1700000000,
				TransactionHash: "0x02",
				LogIndex:        uint32(id),
				Fid:             clientFid,
				SignerEventBody: &types.SignerEventBody{
					Key:       "0x03",
					EventType: types.SignerEventTypeAdd,
					TargetFid: targetFid,
				},
			},
		},
	}
}

func TestClientSignerExpansion(t *testing.T) {
	env := newProcessorEnv(t, true)
	require.NoError(t, env.cache.ClientTargets.Add(context.Background(), 99))

	env.handle(t, signerAddEvent(600, 99, 42))

	// Chain event persisted
	assert.Len(t, env.store.ChainEvents, 1)

	// FID 42 became a root target with a backfill scheduled
	target, err := env.store.GetTarget(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, target.IsRoot)
	assert.Equal(t, int64(1), env.backfillWaiting(t))
}

func TestClientSignerDisabled(t *testing.T) {
	env := newProcessorEnv(t, false)
	require.NoError(t, env.cache.ClientTargets.Add(context.Background(), 99))

	env.handle(t, signerAddEvent(600, 99, 42))

	// Event stored, but discovery is off
	assert.Len(t, env.store.ChainEvents, 1)
	_, err := env.store.GetTarget(context.Background(), 42)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSignerFromUnknownClientIgnored(t *testing.T) {
	env := newProcessorEnv(t, true)

	env.handle(t, signerAddEvent(600, 98, 42))

	_, err := env.store.GetTarget(context.Background(), 42)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPruneAndUnknownEventsIgnored(t *testing.T) {
	env := newProcessorEnv(t, false)

	env.handle(t, &types.HubEvent{ID: 1, Type: types.HubEventTypePruneMessage})
	env.handle(t, &types.HubEvent{ID: 2, Type: types.HubEventTypeRevokeMessage})
	env.handle(t, &types.HubEvent{ID: 3, Type: "HUB_EVENT_TYPE_SOMETHING_NEW"})

	assert.Empty(t, env.store.Casts)
}

func TestMalformedMessageDroppedWithoutError(t *testing.T) {
	env := newProcessorEnv(t, false)

	// CAST_ADD without a body must not poison the retry loop
	env.handle(t, mergeMessageEvent(1, &types.MessageData{
		Type: types.MessageTypeCastAdd,
		Fid:  12,
	}, "0xbad"))

	assert.Empty(t, env.store.Casts)
}

func TestVerificationAddAndRemove(t *testing.T) {
	env := newProcessorEnv(t, false)

	env.handle(t, mergeMessageEvent(1, &types.MessageData{
		Type:      types.MessageTypeVerificationAdd,
		Fid:       12,
		Timestamp: 1,
		VerificationAddBody: &types.VerificationAddBody{
			Address: "0xABCD",
		},
	}, "0x77"))
	require.Len(t, env.store.Verifications, 1)

	env.handle(t, mergeMessageEvent(2, &types.MessageData{
		Type:                   types.MessageTypeVerificationRemove,
		Fid:                    12,
		VerificationRemoveBody: &types.VerificationRemoveBody{Address: "0xABCD"},
	}, "0x78"))
	assert.Empty(t, env.store.Verifications)
}

func TestUserDataAdd(t *testing.T) {
	env := newProcessorEnv(t, false)

	env.handle(t, mergeMessageEvent(1, &types.MessageData{
		Type:      types.MessageTypeUserDataAdd,
		Fid:       12,
		Timestamp: 5,
		UserDataBody: &types.UserDataBody{
			Type:  types.EnumValue{Num: 6},
			Value: "alice",
		},
	}, "0x99"))

	require.Len(t, env.store.UserData, 1)
	for _, u := range env.store.UserData {
		assert.Equal(t, types.UserDataTypeUsername, u.Type)
		assert.Equal(t, "alice", u.Value)
	}
}

func TestReplayedEventStreamConverges(t *testing.T) {
	env := newProcessorEnv(t, true)
	env.seedTarget(t, 1, true)
	require.NoError(t, env.cache.ClientTargets.Add(context.Background(), 99))

	stream := []*types.HubEvent{
		mergeMessageEvent(1, &types.MessageData{
			Type: types.MessageTypeCastAdd, Fid: 1, Timestamp: 10,
			CastAddBody: &types.CastAddBody{Text: "a"},
		}, "0x01"),
		linkAddEvent(2, 1, 2),
		signerAddEvent(3, 99, 42),
		mergeMessageEvent(4, &types.MessageData{
			Type: types.MessageTypeCastAdd, Fid: 2, Timestamp: 11,
			CastAddBody: &types.CastAddBody{Text: "b"},
		}, "0x02"),
	}

	replay := func() {
		for _, ev := range stream {
			env.handle(t, ev)
		}
	}
	replay()

	casts := len(env.store.Casts)
	links := len(env.store.Links)
	targets := len(env.store.Targets)
	waiting := env.backfillWaiting(t)

	replay()

	assert.Equal(t, casts, len(env.store.Casts))
	assert.Equal(t, links, len(env.store.Links))
	assert.Equal(t, targets, len(env.store.Targets))
	assert.Equal(t, waiting, env.backfillWaiting(t))
}
