package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/graphwatch/graphwatch/pkg/cache"
	"github.com/graphwatch/graphwatch/pkg/log"
	"github.com/graphwatch/graphwatch/pkg/storage"
	"github.com/graphwatch/graphwatch/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func TestReconcileLoadsCacheFromTables(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := storage.NewMemory()
	c := cache.New(client)
	ctx := context.Background()

	require.NoError(t, store.CreateTarget(ctx, &types.Target{Fid: 1, IsRoot: true}))
	require.NoError(t, store.CreateTarget(ctx, &types.Target{Fid: 2}))
	require.NoError(t, store.CreateTargetClient(ctx, &types.TargetClient{Fid: 99}))

	// Stale cache entries disappear on reconcile
	require.NoError(t, c.Targets.Add(ctx, 777))

	r := NewReconciler(store, c, time.Minute)
	require.NoError(t, r.Reconcile(ctx))

	members, err := c.Targets.Members(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{1, 2}, members)

	clients, err := c.ClientTargets.Members(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{99}, clients)
}

func TestReconcileEmptyTablesEmptyCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := storage.NewMemory()
	c := cache.New(client)
	ctx := context.Background()

	require.NoError(t, c.Targets.Add(ctx, 1))

	r := NewReconciler(store, c, time.Minute)
	require.NoError(t, r.Reconcile(ctx))

	n, err := c.Targets.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
