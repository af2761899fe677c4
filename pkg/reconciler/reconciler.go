package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/graphwatch/graphwatch/pkg/cache"
	"github.com/graphwatch/graphwatch/pkg/log"
	"github.com/graphwatch/graphwatch/pkg/metrics"
	"github.com/graphwatch/graphwatch/pkg/storage"
	"github.com/rs/zerolog"
)

// DefaultInterval between reconciliation cycles
const DefaultInterval = 5 * time.Minute

// Reconciler keeps the redis target sets equal to the authoritative tables.
// The cache can drift after a flush or a missed write; reloading it restores
// the membership invariant without operator action.
type Reconciler struct {
	store    storage.Store
	cache    *cache.Cache
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// NewReconciler creates a reconciler
func NewReconciler(store storage.Store, c *cache.Cache, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		store:    store,
		cache:    c,
		interval: interval,
		logger:   log.WithComponent("reconciler"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

// run is the main reconciliation loop
func (r *Reconciler) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.interval).Msg("Reconciler started")

	for {
		select {
		case <-ticker.C:
			if err := r.Reconcile(context.Background()); err != nil {
				r.logger.Error().Err(err).Msg("Reconciliation cycle failed")
			}
		case <-r.stopCh:
			r.logger.Info().Msg("Reconciler stopped")
			return
		}
	}
}

// Reconcile performs one cycle: both sets are reloaded from their tables
func (r *Reconciler) Reconcile(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	targets, err := r.store.ListTargets(ctx)
	if err != nil {
		return fmt.Errorf("failed to list targets: %w", err)
	}
	fids := make([]uint64, 0, len(targets))
	synced := 0
	rootCount := 0
	for _, t := range targets {
		fids = append(fids, t.Fid)
		if t.LastSyncedAt != nil {
			synced++
		}
		if t.IsRoot {
			rootCount++
		}
	}
	if err := r.cache.Targets.LoadAll(ctx, fids); err != nil {
		return fmt.Errorf("failed to reload target set: %w", err)
	}

	clients, err := r.store.ListTargetClients(ctx)
	if err != nil {
		return fmt.Errorf("failed to list target clients: %w", err)
	}
	clientFids := make([]uint64, 0, len(clients))
	for _, c := range clients {
		clientFids = append(clientFids, c.Fid)
	}
	if err := r.cache.ClientTargets.LoadAll(ctx, clientFids); err != nil {
		return fmt.Errorf("failed to reload client target set: %w", err)
	}

	metrics.TargetsTotal.WithLabelValues("root").Set(float64(rootCount))
	metrics.TargetsTotal.WithLabelValues("expanded").Set(float64(len(targets) - rootCount))
	metrics.TargetsTotal.WithLabelValues("client").Set(float64(len(clients)))
	metrics.TargetsSynced.Set(float64(synced))

	r.logger.Debug().Int("targets", len(targets)).Int("clients", len(clients)).
		Msg("Cache reconciled from tables")
	return nil
}
