package storage

import (
	"context"
	"errors"
	"time"

	"github.com/graphwatch/graphwatch/pkg/types"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("storage: not found")

// Store defines the interface for the indexer's relational state.
// Implemented by the Postgres store; the in-memory store backs tests.
type Store interface {
	// Targets
	CreateTarget(ctx context.Context, target *types.Target) error
	GetTarget(ctx context.Context, fid uint64) (*types.Target, error)
	ListTargets(ctx context.Context) ([]*types.Target, error)
	DeleteTarget(ctx context.Context, fid uint64) error
	SetTargetSynced(ctx context.Context, fid uint64, at time.Time) error

	// Target clients
	CreateTargetClient(ctx context.Context, client *types.TargetClient) error
	ListTargetClients(ctx context.Context) ([]*types.TargetClient, error)
	DeleteTargetClient(ctx context.Context, fid uint64) error

	// Messages; all upserts are INSERT ... ON CONFLICT DO NOTHING keyed by
	// hash, so at-least-once ingest is idempotent
	UpsertCasts(ctx context.Context, casts ...*types.Cast) error
	UpsertReactions(ctx context.Context, reactions ...*types.Reaction) error
	UpsertLinks(ctx context.Context, links ...*types.Link) error
	UpsertVerifications(ctx context.Context, verifications ...*types.Verification) error
	UpsertUserData(ctx context.Context, rows ...*types.UserData) error
	UpsertUsernameProofs(ctx context.Context, proofs ...*types.UsernameProof) error
	UpsertOnChainEvents(ctx context.Context, events ...*types.OnChainEvent) error

	DeleteCast(ctx context.Context, hash string) error
	DeleteReaction(ctx context.Context, fid uint64, targetHash string, reactionType types.ReactionType) error
	DeleteLink(ctx context.Context, fid, targetFid uint64, linkType types.LinkType) error
	DeleteVerification(ctx context.Context, fid uint64, address string) error

	// Sync state
	GetSyncState(ctx context.Context, name string) (*types.SyncState, error)
	SetLastEventID(ctx context.Context, name string, id uint64) error

	// Profiles
	RefreshProfiles(ctx context.Context) error

	// WithTransaction runs fn against a transactional view of the store,
	// committing on nil and rolling back on error
	WithTransaction(ctx context.Context, fn func(Store) error) error

	// Utility
	Close()
}

// SyncStateRealtime is the named cursor advanced by the realtime worker
const SyncStateRealtime = "realtime-sync"
