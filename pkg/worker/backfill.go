package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/graphwatch/graphwatch/pkg/events"
	"github.com/graphwatch/graphwatch/pkg/factories"
	"github.com/graphwatch/graphwatch/pkg/hub"
	"github.com/graphwatch/graphwatch/pkg/log"
	"github.com/graphwatch/graphwatch/pkg/metrics"
	"github.com/graphwatch/graphwatch/pkg/queue"
	"github.com/graphwatch/graphwatch/pkg/storage"
	"github.com/graphwatch/graphwatch/pkg/types"
	"github.com/rs/zerolog"
)

// BackfillJob is the payload of a backfill queue job
type BackfillJob struct {
	Fid    uint64 `json:"fid"`
	IsRoot bool   `json:"isRoot"`
}

// BackfillJobID is the dedup key that prevents two concurrent backfills of
// the same FID
func BackfillJobID(fid uint64) string {
	return fmt.Sprintf("backfill-%d", fid)
}

// Backfiller hydrates a newly-added target from scratch: full history of
// every message kind, and for root targets the on-chain events too. Every
// section is idempotent, so a partially-failed job restarts safely.
type Backfiller struct {
	store  storage.Store
	hub    *hub.Client
	broker *events.Broker
	logger zerolog.Logger
}

// NewBackfiller creates a backfill handler
func NewBackfiller(store storage.Store, hubClient *hub.Client, broker *events.Broker) *Backfiller {
	return &Backfiller{
		store:  store,
		hub:    hubClient,
		broker: broker,
		logger: log.WithComponent("backfill"),
	}
}

// Handle processes one backfill job
func (b *Backfiller) Handle(ctx context.Context, job *queue.Job) error {
	var payload BackfillJob
	if err := job.Decode(&payload); err != nil {
		return fmt.Errorf("failed to decode backfill job: %w", err)
	}

	timer := metrics.NewTimer()
	logger := b.logger.With().Uint64("fid", payload.Fid).Bool("is_root", payload.IsRoot).Logger()
	logger.Info().Msg("Backfill started")

	b.broker.Publish(&events.Event{Type: events.EventBackfillStarted, Fid: payload.Fid})

	// User data first so profiles become visible quickly; ordering between
	// the remaining sections does not affect correctness.
	if err := b.backfillUserData(ctx, payload.Fid); err != nil {
		return err
	}
	if err := b.backfillCasts(ctx, payload.Fid); err != nil {
		return err
	}
	if err := b.backfillReactions(ctx, payload.Fid); err != nil {
		return err
	}
	if err := b.backfillLinks(ctx, payload.Fid); err != nil {
		return err
	}
	if err := b.backfillVerifications(ctx, payload.Fid); err != nil {
		return err
	}
	if err := b.backfillUsernameProofs(ctx, payload.Fid); err != nil {
		return err
	}
	if payload.IsRoot {
		if err := b.backfillOnChainEvents(ctx, payload.Fid); err != nil {
			return err
		}
	}

	if err := b.store.SetTargetSynced(ctx, payload.Fid, time.Now().UTC()); err != nil {
		return err
	}

	timer.ObserveDuration(metrics.BackfillDuration)
	logger.Info().Dur("took", timer.Duration()).Msg("Backfill completed")

	b.broker.Publish(&events.Event{
		Type: events.EventTargetSynced,
		Fid:  payload.Fid,
	})
	return nil
}

func (b *Backfiller) backfillUserData(ctx context.Context, fid uint64) error {
	msgs, err := b.hub.GetAllMessagesByFid(ctx, fid, hub.KindUserData)
	if err != nil {
		return fmt.Errorf("failed to fetch user data for %d: %w", fid, err)
	}
	rows := make([]*types.UserData, 0, len(msgs))
	for _, m := range msgs {
		if row := factories.UserDataFromMessage(m); row != nil {
			rows = append(rows, row)
		}
	}
	if err := b.store.UpsertUserData(ctx, rows...); err != nil {
		return err
	}
	metrics.BackfillMessagesTotal.WithLabelValues("user_data").Add(float64(len(rows)))
	return nil
}

func (b *Backfiller) backfillCasts(ctx context.Context, fid uint64) error {
	msgs, err := b.hub.GetAllMessagesByFid(ctx, fid, hub.KindCasts)
	if err != nil {
		return fmt.Errorf("failed to fetch casts for %d: %w", fid, err)
	}
	rows := make([]*types.Cast, 0, len(msgs))
	for _, m := range msgs {
		if row := factories.CastFromMessage(m); row != nil {
			rows = append(rows, row)
		}
	}
	if err := b.store.UpsertCasts(ctx, rows...); err != nil {
		return err
	}
	metrics.BackfillMessagesTotal.WithLabelValues("casts").Add(float64(len(rows)))
	return nil
}

func (b *Backfiller) backfillReactions(ctx context.Context, fid uint64) error {
	msgs, err := b.hub.GetAllMessagesByFid(ctx, fid, hub.KindReactions)
	if err != nil {
		return fmt.Errorf("failed to fetch reactions for %d: %w", fid, err)
	}
	rows := make([]*types.Reaction, 0, len(msgs))
	for _, m := range msgs {
		if row := factories.ReactionFromMessage(m); row != nil {
			rows = append(rows, row)
		}
	}
	if err := b.store.UpsertReactions(ctx, rows...); err != nil {
		return err
	}
	metrics.BackfillMessagesTotal.WithLabelValues("reactions").Add(float64(len(rows)))
	return nil
}

func (b *Backfiller) backfillLinks(ctx context.Context, fid uint64) error {
	msgs, err := b.hub.GetAllMessagesByFid(ctx, fid, hub.KindLinks)
	if err != nil {
		return fmt.Errorf("failed to fetch links for %d: %w", fid, err)
	}
	rows := make([]*types.Link, 0, len(msgs))
	for _, m := range msgs {
		if row := factories.LinkFromMessage(m); row != nil {
			rows = append(rows, row)
		}
	}
	if err := b.store.UpsertLinks(ctx, rows...); err != nil {
		return err
	}
	metrics.BackfillMessagesTotal.WithLabelValues("links").Add(float64(len(rows)))
	return nil
}

func (b *Backfiller) backfillVerifications(ctx context.Context, fid uint64) error {
	msgs, err := b.hub.GetAllMessagesByFid(ctx, fid, hub.KindVerifications)
	if err != nil {
		return fmt.Errorf("failed to fetch verifications for %d: %w", fid, err)
	}
	rows := make([]*types.Verification, 0, len(msgs))
	for _, m := range msgs {
		if row := factories.VerificationFromMessage(m); row != nil {
			rows = append(rows, row)
		}
	}
	if err := b.store.UpsertVerifications(ctx, rows...); err != nil {
		return err
	}
	metrics.BackfillMessagesTotal.WithLabelValues("verifications").Add(float64(len(rows)))
	return nil
}

func (b *Backfiller) backfillUsernameProofs(ctx context.Context, fid uint64) error {
	proofs, err := b.hub.UsernameProofsByFid(ctx, fid)
	if err != nil {
		return fmt.Errorf("failed to fetch username proofs for %d: %w", fid, err)
	}
	rows := make([]*types.UsernameProof, 0, len(proofs))
	for _, p := range proofs {
		if row := factories.UsernameProofFromProof(p); row != nil {
			rows = append(rows, row)
		}
	}
	if err := b.store.UpsertUsernameProofs(ctx, rows...); err != nil {
		return err
	}
	metrics.BackfillMessagesTotal.WithLabelValues("username_proofs").Add(float64(len(rows)))
	return nil
}

func (b *Backfiller) backfillOnChainEvents(ctx context.Context, fid uint64) error {
	hubEvents, err := b.hub.GetAllOnChainEventsByFid(ctx, fid)
	if err != nil {
		return fmt.Errorf("failed to fetch chain events for %d: %w", fid, err)
	}
	rows := make([]*types.OnChainEvent, 0, len(hubEvents))
	for _, e := range hubEvents {
		if row := factories.OnChainEventFromHub(e); row != nil {
			rows = append(rows, row)
		}
	}
	if err := b.store.UpsertOnChainEvents(ctx, rows...); err != nil {
		return err
	}
	metrics.BackfillMessagesTotal.WithLabelValues("on_chain_events").Add(float64(len(rows)))
	return nil
}
