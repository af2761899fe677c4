package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/graphwatch/graphwatch/pkg/cache"
	"github.com/graphwatch/graphwatch/pkg/events"
	"github.com/graphwatch/graphwatch/pkg/factories"
	"github.com/graphwatch/graphwatch/pkg/log"
	"github.com/graphwatch/graphwatch/pkg/metrics"
	"github.com/graphwatch/graphwatch/pkg/queue"
	"github.com/graphwatch/graphwatch/pkg/storage"
	"github.com/graphwatch/graphwatch/pkg/types"
	"github.com/rs/zerolog"
)

// Processor consumes process-event jobs: it dispatches each hub event to the
// matching factory and store operation, then applies the dynamic target
// expansion rules. All writes are keyed by hash, so redelivery is harmless.
type Processor struct {
	store           storage.Store
	cache           *cache.Cache
	backfillQueue   *queue.Queue
	broker          *events.Broker
	clientDiscovery bool
	logger          zerolog.Logger
}

// NewProcessor creates an event-processing handler. clientDiscovery gates
// the client-signer expansion rule.
func NewProcessor(store storage.Store, c *cache.Cache, backfillQueue *queue.Queue, broker *events.Broker, clientDiscovery bool) *Processor {
	return &Processor{
		store:           store,
		cache:           c,
		backfillQueue:   backfillQueue,
		broker:          broker,
		clientDiscovery: clientDiscovery,
		logger:          log.WithComponent("processor"),
	}
}

// Handle processes one hub event
func (p *Processor) Handle(ctx context.Context, job *queue.Job) error {
	var ev types.HubEvent
	if err := job.Decode(&ev); err != nil {
		// A payload that never decodes would poison the retry loop
		p.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Dropping undecodable event")
		metrics.EventsDroppedTotal.Inc()
		return nil
	}

	switch ev.Type {
	case types.HubEventTypeMergeMessage:
		return p.handleMessage(ctx, ev.Message())
	case types.HubEventTypeMergeOnChainEvent:
		return p.handleOnChainEvent(ctx, ev.OnChainEvent())
	case types.HubEventTypePruneMessage, types.HubEventTypeRevokeMessage:
		// Tombstones arrive as explicit *_REMOVE messages; prunes and
		// revokes are intentionally ignored.
		return nil
	default:
		p.logger.Debug().Str("type", ev.Type).Uint64("event_id", ev.ID).Msg("Ignoring unknown event type")
		return nil
	}
}

// drop logs a malformed message and discards it without retry
func (p *Processor) drop(msg *types.Message, reason string) error {
	hash := ""
	if msg != nil {
		hash = msg.Hash
	}
	p.logger.Warn().Str("hash", hash).Str("reason", reason).Msg("Dropping malformed message")
	metrics.EventsDroppedTotal.Inc()
	return nil
}

func (p *Processor) handleMessage(ctx context.Context, msg *types.Message) error {
	if msg == nil || msg.Data == nil {
		return p.drop(msg, "missing message data")
	}
	metrics.EventsProcessedTotal.WithLabelValues(msg.Data.Type).Inc()

	switch msg.Data.Type {
	case types.MessageTypeCastAdd:
		cast := factories.CastFromMessage(msg)
		if cast == nil {
			return p.drop(msg, "invalid cast add")
		}
		return p.store.UpsertCasts(ctx, cast)

	case types.MessageTypeCastRemove:
		body := msg.Data.CastRemoveBody
		if body == nil || body.TargetHash == "" {
			return p.drop(msg, "invalid cast remove")
		}
		return p.store.DeleteCast(ctx, factories.NormalizeHash(body.TargetHash))

	case types.MessageTypeReactionAdd:
		reaction := factories.ReactionFromMessage(msg)
		if reaction == nil {
			return p.drop(msg, "invalid reaction add")
		}
		return p.store.UpsertReactions(ctx, reaction)

	case types.MessageTypeReactionRemove:
		body := msg.Data.ReactionBody
		if body == nil || body.TargetCastID == nil {
			return p.drop(msg, "invalid reaction remove")
		}
		rt, ok := factories.ReactionTypeFromEnum(body.Type)
		if !ok {
			return p.drop(msg, "unknown reaction type")
		}
		return p.store.DeleteReaction(ctx, msg.Data.Fid, factories.NormalizeHash(body.TargetCastID.Hash), rt)

	case types.MessageTypeLinkAdd:
		link := factories.LinkFromMessage(msg)
		if link == nil {
			return p.drop(msg, "invalid link add")
		}
		if err := p.store.UpsertLinks(ctx, link); err != nil {
			return err
		}
		return p.expandRootFollow(ctx, link)

	case types.MessageTypeLinkRemove:
		body := msg.Data.LinkBody
		if body == nil || body.TargetFid == 0 {
			return p.drop(msg, "invalid link remove")
		}
		// Removal of a follow never removes an expanded target; the target
		// set only grows.
		return p.store.DeleteLink(ctx, msg.Data.Fid, body.TargetFid, types.LinkTypeFollow)

	case types.MessageTypeVerificationAdd:
		verification := factories.VerificationFromMessage(msg)
		if verification == nil {
			return p.drop(msg, "invalid verification add")
		}
		return p.store.UpsertVerifications(ctx, verification)

	case types.MessageTypeVerificationRemove:
		body := msg.Data.VerificationRemoveBody
		if body == nil || body.Address == "" {
			return p.drop(msg, "invalid verification remove")
		}
		return p.store.DeleteVerification(ctx, msg.Data.Fid, strings.ToLower(body.Address))

	case types.MessageTypeUserDataAdd:
		userData := factories.UserDataFromMessage(msg)
		if userData == nil {
			return p.drop(msg, "invalid user data add")
		}
		return p.store.UpsertUserData(ctx, userData)

	case types.MessageTypeUsernameProof:
		proof := factories.UsernameProofFromMessage(msg)
		if proof == nil {
			return p.drop(msg, "invalid username proof")
		}
		return p.store.UpsertUsernameProofs(ctx, proof)

	default:
		p.logger.Debug().Str("type", msg.Data.Type).Msg("Ignoring unknown message type")
		return nil
	}
}

func (p *Processor) handleOnChainEvent(ctx context.Context, oce *types.HubOnChainEvent) error {
	if oce == nil {
		metrics.EventsDroppedTotal.Inc()
		p.logger.Warn().Msg("Dropping merge event without chain event body")
		return nil
	}
	metrics.EventsProcessedTotal.WithLabelValues(oce.Type).Inc()

	rec := factories.OnChainEventFromHub(oce)
	if rec == nil {
		metrics.EventsDroppedTotal.Inc()
		p.logger.Warn().Str("type", oce.Type).Msg("Dropping malformed chain event")
		return nil
	}
	if err := p.store.UpsertOnChainEvents(ctx, rec); err != nil {
		return err
	}

	return p.expandClientSigner(ctx, oce)
}

// expandRootFollow applies the root-follow rule: a follow authored by a root
// target pulls the followed FID into the target set and schedules its
// backfill.
func (p *Processor) expandRootFollow(ctx context.Context, link *types.Link) error {
	author, err := p.store.GetTarget(ctx, link.Fid)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up follow author %d: %w", link.Fid, err)
	}
	if !author.IsRoot {
		return nil
	}

	known, err := p.cache.Targets.Contains(ctx, link.TargetFid)
	if err != nil {
		return fmt.Errorf("failed to check target %d: %w", link.TargetFid, err)
	}
	if known {
		return nil
	}

	return p.addTarget(ctx, link.TargetFid, false, events.EventExpansionRootFollow, "root_follow")
}

// expandClientSigner applies the client-signer rule: a signer-add issued by
// a monitored client announces a new root target.
func (p *Processor) expandClientSigner(ctx context.Context, oce *types.HubOnChainEvent) error {
	if !p.clientDiscovery {
		return nil
	}
	if oce.Type != types.OnChainEventTypeSigner || oce.SignerEventBody == nil {
		return nil
	}
	if oce.SignerEventBody.EventType != types.SignerEventTypeAdd {
		return nil
	}

	isClient, err := p.cache.ClientTargets.Contains(ctx, oce.Fid)
	if err != nil {
		return fmt.Errorf("failed to check client %d: %w", oce.Fid, err)
	}
	if !isClient {
		return nil
	}

	newFid := oce.SignerEventBody.TargetFid
	if newFid == 0 {
		return nil
	}
	known, err := p.cache.Targets.Contains(ctx, newFid)
	if err != nil {
		return fmt.Errorf("failed to check target %d: %w", newFid, err)
	}
	if known {
		return nil
	}

	return p.addTarget(ctx, newFid, true, events.EventExpansionClientSigner, "client_signer")
}

// addTarget inserts the FID table-first, mirrors it into the cache, and
// schedules its backfill. The insert and the dedup key make it idempotent.
func (p *Processor) addTarget(ctx context.Context, fid uint64, isRoot bool, eventType events.EventType, rule string) error {
	if err := p.store.CreateTarget(ctx, &types.Target{Fid: fid, IsRoot: isRoot}); err != nil {
		return err
	}
	if err := p.cache.Targets.Add(ctx, fid); err != nil {
		return err
	}

	err := p.backfillQueue.Enqueue(ctx, BackfillJobID(fid), BackfillJob{Fid: fid, IsRoot: isRoot})
	if err != nil && !errors.Is(err, queue.ErrDuplicateJob) {
		return fmt.Errorf("failed to enqueue backfill for %d: %w", fid, err)
	}

	metrics.ExpansionsTotal.WithLabelValues(rule).Inc()
	p.logger.Info().Uint64("fid", fid).Bool("is_root", isRoot).Str("rule", rule).
		Msg("Target set expanded")
	p.broker.Publish(&events.Event{Type: eventType, Fid: fid})
	return nil
}
