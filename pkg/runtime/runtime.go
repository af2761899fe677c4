// Package runtime assembles and supervises the indexer: it owns the
// database pool, the redis client, the hub client, the three job queues and
// their workers, and drives startup and graceful shutdown.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/graphwatch/graphwatch/pkg/cache"
	"github.com/graphwatch/graphwatch/pkg/config"
	"github.com/graphwatch/graphwatch/pkg/events"
	"github.com/graphwatch/graphwatch/pkg/hub"
	"github.com/graphwatch/graphwatch/pkg/log"
	"github.com/graphwatch/graphwatch/pkg/metrics"
	"github.com/graphwatch/graphwatch/pkg/queue"
	"github.com/graphwatch/graphwatch/pkg/reconciler"
	"github.com/graphwatch/graphwatch/pkg/storage"
	"github.com/graphwatch/graphwatch/pkg/types"
	"github.com/graphwatch/graphwatch/pkg/worker"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Queue names
const (
	QueueBackfill     = "backfill"
	QueueRealtime     = "realtime"
	QueueProcessEvent = "process-event"
)

const (
	realtimeInterval    = 5 * time.Second
	processConcurrency  = 10
	healthCheckInterval = 30 * time.Second
)

// Runtime is the assembled indexer
type Runtime struct {
	cfg    *config.Config
	logger zerolog.Logger

	Store  *storage.Postgres
	Redis  *redis.Client
	Cache  *cache.Cache
	Hub    *hub.Client
	Broker *events.Broker

	BackfillQueue *queue.Queue
	RealtimeQueue *queue.Queue
	ProcessQueue  *queue.Queue

	recurring  *queue.Recurring
	reconciler *reconciler.Reconciler
	httpServer *http.Server
	stopCh     chan struct{}
}

// New connects every dependency and creates the queues; the worker handlers
// are registered in Start. Nothing runs until Start is called.
func New(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	store, err := storage.NewPostgres(ctx, cfg.Postgres.ConnectionString, cfg.Environment)
	if err != nil {
		return nil, err
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	endpoints := make([]hub.Endpoint, len(cfg.Hubs))
	for i, h := range cfg.Hubs {
		endpoints[i] = hub.Endpoint{URL: h.URL, Transform: apiKeyTransform(h)}
	}
	hubClient, err := hub.NewClient(endpoints)
	if err != nil {
		store.Close()
		redisClient.Close()
		return nil, err
	}

	r := &Runtime{
		cfg:    cfg,
		logger: log.WithComponent("runtime"),
		Store:  store,
		Redis:  redisClient,
		Cache:  cache.New(redisClient),
		Hub:    hubClient,
		Broker: events.NewBroker(),
		stopCh: make(chan struct{}),
	}

	r.BackfillQueue = queue.New(redisClient, QueueBackfill, queue.Options{
		Concurrency: cfg.Concurrency.Backfill,
	})
	r.RealtimeQueue = queue.New(redisClient, QueueRealtime, queue.Options{
		Concurrency: 1,
	})
	r.ProcessQueue = queue.New(redisClient, QueueProcessEvent, queue.Options{
		Concurrency: processConcurrency,
	})

	r.recurring = queue.NewRecurring(r.RealtimeQueue, worker.RealtimeJobID, struct{}{}, realtimeInterval)
	r.reconciler = reconciler.NewReconciler(store, r.Cache, reconciler.DefaultInterval)
	return r, nil
}

// apiKeyTransform builds the request transformer for an endpoint; identity
// when no key is configured
func apiKeyTransform(h config.HubConfig) func(*http.Request) {
	if h.APIKey == "" {
		return nil
	}
	header := h.APIKeyHeader
	if header == "" {
		header = "x-api-key"
	}
	return func(req *http.Request) {
		req.Header.Set(header, h.APIKey)
	}
}

// Start hydrates the cache, seeds the configured strategy, starts every
// worker pool and the recurring realtime job, and serves metrics/health.
func (r *Runtime) Start(ctx context.Context) error {
	r.Broker.Start()
	go r.logEvents()

	if err := r.reconciler.Reconcile(ctx); err != nil {
		return fmt.Errorf("failed to load target cache: %w", err)
	}

	if err := r.seedStrategy(ctx); err != nil {
		return err
	}

	backfiller := worker.NewBackfiller(r.Store, r.Hub, r.Broker)
	poller := worker.NewRealtimePoller(r.Store, r.Hub, r.Cache, r.ProcessQueue, r.Broker)
	processor := worker.NewProcessor(r.Store, r.Cache, r.BackfillQueue, r.Broker, r.cfg.Strategy.EnableClientDiscovery)

	r.BackfillQueue.Process(backfiller.Handle)
	r.RealtimeQueue.Process(poller.Handle)
	r.ProcessQueue.Process(processor.Handle)

	r.recurring.Start()
	r.reconciler.Start()
	go r.healthLoop()

	if r.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/healthz", metrics.HealthHandler())
		r.httpServer = &http.Server{Addr: r.cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	r.logger.Info().
		Int("hubs", len(r.cfg.Hubs)).
		Int("backfill_concurrency", r.cfg.Concurrency.Backfill).
		Bool("client_discovery", r.cfg.Strategy.EnableClientDiscovery).
		Msg("Indexer started")
	return nil
}

// seedStrategy inserts the configured root targets and client FIDs,
// scheduling backfills for targets that have never synced
func (r *Runtime) seedStrategy(ctx context.Context) error {
	for _, fid := range r.cfg.Strategy.RootTargets {
		if err := r.AddTarget(ctx, fid, true); err != nil {
			return fmt.Errorf("failed to seed root target %d: %w", fid, err)
		}
	}
	for _, fid := range r.cfg.Strategy.TargetClients {
		if err := r.AddTargetClient(ctx, fid); err != nil {
			return fmt.Errorf("failed to seed target client %d: %w", fid, err)
		}
	}
	return nil
}

// AddTarget registers an FID for indexing: table first, then cache, then a
// deduplicated backfill job. Safe to call for an existing target.
func (r *Runtime) AddTarget(ctx context.Context, fid uint64, isRoot bool) error {
	if err := r.Store.CreateTarget(ctx, &types.Target{Fid: fid, IsRoot: isRoot}); err != nil {
		return err
	}
	if err := r.Cache.Targets.Add(ctx, fid); err != nil {
		return err
	}

	target, err := r.Store.GetTarget(ctx, fid)
	if err != nil {
		return err
	}
	if target.LastSyncedAt == nil {
		err := r.BackfillQueue.Enqueue(ctx, worker.BackfillJobID(fid), worker.BackfillJob{Fid: fid, IsRoot: target.IsRoot})
		if err != nil && !errors.Is(err, queue.ErrDuplicateJob) {
			return err
		}
	}

	r.Broker.Publish(&events.Event{Type: events.EventTargetAdded, Fid: fid})
	return nil
}

// RemoveTarget drops an FID from the target set. Indexed rows stay.
func (r *Runtime) RemoveTarget(ctx context.Context, fid uint64) error {
	if err := r.Store.DeleteTarget(ctx, fid); err != nil {
		return err
	}
	if err := r.Cache.Targets.Remove(ctx, fid); err != nil {
		return err
	}
	r.Broker.Publish(&events.Event{Type: events.EventTargetRemoved, Fid: fid})
	return nil
}

// AddTargetClient registers a client FID for signer discovery
func (r *Runtime) AddTargetClient(ctx context.Context, fid uint64) error {
	if err := r.Store.CreateTargetClient(ctx, &types.TargetClient{Fid: fid}); err != nil {
		return err
	}
	return r.Cache.ClientTargets.Add(ctx, fid)
}

// RemoveTargetClient drops a client FID
func (r *Runtime) RemoveTargetClient(ctx context.Context, fid uint64) error {
	if err := r.Store.DeleteTargetClient(ctx, fid); err != nil {
		return err
	}
	return r.Cache.ClientTargets.Remove(ctx, fid)
}

// QueueStats returns the census of all three queues
func (r *Runtime) QueueStats(ctx context.Context) (map[string]*queue.Stats, error) {
	out := make(map[string]*queue.Stats, 3)
	for _, q := range []*queue.Queue{r.BackfillQueue, r.RealtimeQueue, r.ProcessQueue} {
		stats, err := q.Stats(ctx)
		if err != nil {
			return nil, err
		}
		out[q.Name()] = stats
	}
	return out, nil
}

// logEvents mirrors broker events into the log
func (r *Runtime) logEvents() {
	sub := r.Broker.Subscribe()
	for ev := range sub {
		r.logger.Info().
			Str("event", string(ev.Type)).
			Uint64("fid", ev.Fid).
			Str("detail", ev.Message).
			Msg("Indexer event")
	}
}

// healthLoop keeps the /healthz component states fresh
func (r *Runtime) healthLoop() {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	check := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := r.Store.Ping(ctx); err != nil {
			metrics.UpdateComponent("postgres", false, err.Error())
		} else {
			metrics.UpdateComponent("postgres", true, "")
		}
		if err := r.Cache.Ping(ctx); err != nil {
			metrics.UpdateComponent("redis", false, err.Error())
		} else {
			metrics.UpdateComponent("redis", true, "")
		}
		if _, err := r.Hub.Info(ctx); err != nil {
			metrics.UpdateComponent("hub", false, err.Error())
		} else {
			metrics.UpdateComponent("hub", true, "")
		}
	}

	check()
	for {
		select {
		case <-ticker.C:
			check()
		case <-r.stopCh:
			return
		}
	}
}

// Shutdown stops intake, waits for in-flight jobs up to the configured
// timeout, then closes every connection.
func (r *Runtime) Shutdown() error {
	r.logger.Info().Msg("Shutting down")
	close(r.stopCh)

	r.recurring.Stop()
	r.reconciler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownTimeout)
	defer cancel()

	var firstErr error
	for _, q := range []*queue.Queue{r.RealtimeQueue, r.ProcessQueue, r.BackfillQueue} {
		if err := q.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	r.Broker.Stop()
	r.Store.Close()
	if err := r.Redis.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	r.logger.Info().Msg("Shutdown complete")
	return firstErr
}
