package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/graphwatch/graphwatch/pkg/config"
	"github.com/graphwatch/graphwatch/pkg/log"
	"github.com/graphwatch/graphwatch/pkg/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const (
	// insertBatchSize splits large backfill loads into bounded statements
	insertBatchSize = 1000

	safeOpRetries   = 2 // 3 attempts total
	safeOpBaseDelay = time.Second
)

// querier is satisfied by pgxpool.Pool and pgx.Tx, letting every store
// method run either directly on the pool or inside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Postgres implements Store on a pgx connection pool
type Postgres struct {
	pool   *pgxpool.Pool
	db     querier
	logger zerolog.Logger
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects a pool sized for the given environment
func NewPostgres(ctx context.Context, connString string, env config.Environment) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	switch env {
	case config.EnvProduction:
		poolCfg.MaxConns = 20
		poolCfg.MinConns = 5
		poolCfg.MaxConnIdleTime = 20 * time.Second
		poolCfg.MaxConnLifetime = 30 * time.Minute
	case config.EnvTest:
		poolCfg.MaxConns = 5
	default:
		poolCfg.MaxConns = 10
		poolCfg.MinConns = 2
	}
	poolCfg.ConnConfig.ConnectTimeout = 10 * time.Second
	poolCfg.ConnConfig.DialFunc = (&net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 600 * time.Second,
	}).DialContext

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &Postgres{
		pool:   pool,
		db:     pool,
		logger: log.WithComponent("storage"),
	}, nil
}

// Migrate applies the schema, the profiles view, and the supplemental
// concurrent indexes
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	if _, err := p.pool.Exec(ctx, ProfilesView); err != nil {
		return fmt.Errorf("failed to create profiles view: %w", err)
	}
	for _, stmt := range ConcurrentIndexes(time.Now().AddDate(0, 0, -30)) {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			// Concurrent index creation is best-effort on fresh databases
			p.logger.Warn().Err(err).Msg("Failed to create supplemental index")
		}
	}
	return nil
}

// Ping reports pool health
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Exec runs raw SQL; used by the migrate tool
func (p *Postgres) Exec(ctx context.Context, sql string) error {
	_, err := p.db.Exec(ctx, sql)
	return err
}

// Close releases the pool
func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// WithTransaction runs fn against a transactional store view
func (p *Postgres) WithTransaction(ctx context.Context, fn func(Store) error) error {
	if p.pool == nil {
		return fmt.Errorf("nested transactions are not supported")
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	txStore := &Postgres{db: tx, logger: p.logger}
	if err := fn(txStore); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SafeOperation retries fn with exponential backoff on transient database
// errors. Anything else fails immediately.
func (p *Postgres) SafeOperation(ctx context.Context, fn func(context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = safeOpBaseDelay

	op := func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if isTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, safeOpRetries), ctx))
}

// isTransient reports whether an error is worth retrying: connection drops,
// serialization failures, deadlocks.
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "57P03", "08000", "08003", "08006":
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return pgconn.SafeToRetry(err)
}

// ---- targets ----

func (p *Postgres) CreateTarget(ctx context.Context, target *types.Target) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO targets (fid, is_root, added_at) VALUES ($1, $2, COALESCE($3, NOW()))
		 ON CONFLICT (fid) DO NOTHING`,
		int64(target.Fid), target.IsRoot, nullTime(target.AddedAt))
	if err != nil {
		return fmt.Errorf("failed to create target %d: %w", target.Fid, err)
	}
	return nil
}

func (p *Postgres) GetTarget(ctx context.Context, fid uint64) (*types.Target, error) {
	var t types.Target
	var dbFid int64
	err := p.db.QueryRow(ctx,
		`SELECT fid, is_root, added_at, last_synced_at FROM targets WHERE fid = $1`,
		int64(fid)).Scan(&dbFid, &t.IsRoot, &t.AddedAt, &t.LastSyncedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get target %d: %w", fid, err)
	}
	t.Fid = uint64(dbFid)
	return &t, nil
}

func (p *Postgres) ListTargets(ctx context.Context) ([]*types.Target, error) {
	rows, err := p.db.Query(ctx,
		`SELECT fid, is_root, added_at, last_synced_at FROM targets ORDER BY fid`)
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	defer rows.Close()

	var targets []*types.Target
	for rows.Next() {
		var t types.Target
		var dbFid int64
		if err := rows.Scan(&dbFid, &t.IsRoot, &t.AddedAt, &t.LastSyncedAt); err != nil {
			return nil, fmt.Errorf("failed to scan target: %w", err)
		}
		t.Fid = uint64(dbFid)
		targets = append(targets, &t)
	}
	return targets, rows.Err()
}

func (p *Postgres) DeleteTarget(ctx context.Context, fid uint64) error {
	_, err := p.db.Exec(ctx, `DELETE FROM targets WHERE fid = $1`, int64(fid))
	if err != nil {
		return fmt.Errorf("failed to delete target %d: %w", fid, err)
	}
	return nil
}

func (p *Postgres) SetTargetSynced(ctx context.Context, fid uint64, at time.Time) error {
	_, err := p.db.Exec(ctx,
		`UPDATE targets SET last_synced_at = $2 WHERE fid = $1`, int64(fid), at.UTC())
	if err != nil {
		return fmt.Errorf("failed to mark target %d synced: %w", fid, err)
	}
	return nil
}

// ---- target clients ----

func (p *Postgres) CreateTargetClient(ctx context.Context, client *types.TargetClient) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO target_clients (client_fid, added_at) VALUES ($1, COALESCE($2, NOW()))
		 ON CONFLICT (client_fid) DO NOTHING`,
		int64(client.Fid), nullTime(client.AddedAt))
	if err != nil {
		return fmt.Errorf("failed to create target client %d: %w", client.Fid, err)
	}
	return nil
}

func (p *Postgres) ListTargetClients(ctx context.Context) ([]*types.TargetClient, error) {
	rows, err := p.db.Query(ctx,
		`SELECT client_fid, added_at FROM target_clients ORDER BY client_fid`)
	if err != nil {
		return nil, fmt.Errorf("failed to list target clients: %w", err)
	}
	defer rows.Close()

	var clients []*types.TargetClient
	for rows.Next() {
		var c types.TargetClient
		var dbFid int64
		if err := rows.Scan(&dbFid, &c.AddedAt); err != nil {
			return nil, fmt.Errorf("failed to scan target client: %w", err)
		}
		c.Fid = uint64(dbFid)
		clients = append(clients, &c)
	}
	return clients, rows.Err()
}

func (p *Postgres) DeleteTargetClient(ctx context.Context, fid uint64) error {
	_, err := p.db.Exec(ctx, `DELETE FROM target_clients WHERE client_fid = $1`, int64(fid))
	if err != nil {
		return fmt.Errorf("failed to delete target client %d: %w", fid, err)
	}
	return nil
}

// ---- message upserts ----

// upsertBatched queues one statement per row, insertBatchSize rows at a time
func upsertBatched[T any](ctx context.Context, db querier, rows []T, queue func(*pgx.Batch, T)) error {
	for start := 0; start < len(rows); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := &pgx.Batch{}
		for _, row := range rows[start:end] {
			queue(batch, row)
		}
		if err := db.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) UpsertCasts(ctx context.Context, casts ...*types.Cast) error {
	err := upsertBatched(ctx, p.db, casts, func(b *pgx.Batch, c *types.Cast) {
		b.Queue(
			`INSERT INTO casts (hash, fid, text, parent_hash, parent_fid, parent_url, timestamp, embeds, mentions, mentions_positions)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (hash) DO NOTHING`,
			c.Hash, int64(c.Fid), c.Text, c.ParentHash, nullFid(c.ParentFid), c.ParentURL,
			c.Timestamp.UTC(), nullJSON(c.Embeds), fidArray(c.Mentions), positionsArray(c.MentionsPositions))
	})
	if err != nil {
		return fmt.Errorf("failed to upsert casts: %w", err)
	}
	return nil
}

func (p *Postgres) UpsertReactions(ctx context.Context, reactions ...*types.Reaction) error {
	err := upsertBatched(ctx, p.db, reactions, func(b *pgx.Batch, r *types.Reaction) {
		b.Queue(
			`INSERT INTO reactions (hash, fid, type, target_hash, target_fid, target_url, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (hash) DO NOTHING`,
			r.Hash, int64(r.Fid), string(r.Type), r.TargetHash, nullFid(r.TargetFid), r.TargetURL,
			r.Timestamp.UTC())
	})
	if err != nil {
		return fmt.Errorf("failed to upsert reactions: %w", err)
	}
	return nil
}

func (p *Postgres) UpsertLinks(ctx context.Context, links ...*types.Link) error {
	err := upsertBatched(ctx, p.db, links, func(b *pgx.Batch, l *types.Link) {
		b.Queue(
			`INSERT INTO links (hash, fid, target_fid, type, timestamp)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (hash) DO NOTHING`,
			l.Hash, int64(l.Fid), int64(l.TargetFid), string(l.Type), l.Timestamp.UTC())
	})
	if err != nil {
		return fmt.Errorf("failed to upsert links: %w", err)
	}
	return nil
}

func (p *Postgres) UpsertVerifications(ctx context.Context, verifications ...*types.Verification) error {
	err := upsertBatched(ctx, p.db, verifications, func(b *pgx.Batch, v *types.Verification) {
		b.Queue(
			`INSERT INTO verifications (hash, fid, address, protocol, block_hash, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (hash) DO NOTHING`,
			v.Hash, int64(v.Fid), v.Address, string(v.Protocol), v.BlockHash, v.Timestamp.UTC())
	})
	if err != nil {
		return fmt.Errorf("failed to upsert verifications: %w", err)
	}
	return nil
}

func (p *Postgres) UpsertUserData(ctx context.Context, rows ...*types.UserData) error {
	err := upsertBatched(ctx, p.db, rows, func(b *pgx.Batch, u *types.UserData) {
		b.Queue(
			`INSERT INTO user_data (hash, fid, type, value, timestamp)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (hash) DO NOTHING`,
			u.Hash, int64(u.Fid), string(u.Type), u.Value, u.Timestamp.UTC())
	})
	if err != nil {
		return fmt.Errorf("failed to upsert user data: %w", err)
	}
	return nil
}

func (p *Postgres) UpsertUsernameProofs(ctx context.Context, proofs ...*types.UsernameProof) error {
	err := upsertBatched(ctx, p.db, proofs, func(b *pgx.Batch, u *types.UsernameProof) {
		b.Queue(
			`INSERT INTO username_proofs (hash, fid, name, owner, signature, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (hash) DO NOTHING`,
			u.Hash, int64(u.Fid), u.Name, u.Owner, u.Signature, u.Timestamp.UTC())
	})
	if err != nil {
		return fmt.Errorf("failed to upsert username proofs: %w", err)
	}
	return nil
}

func (p *Postgres) UpsertOnChainEvents(ctx context.Context, events ...*types.OnChainEvent) error {
	err := upsertBatched(ctx, p.db, events, func(b *pgx.Batch, e *types.OnChainEvent) {
		b.Queue(
			`INSERT INTO on_chain_events
			 (type, chain_id, block_number, block_hash, block_timestamp, transaction_hash, log_index,
			  fid, signer_event_body, id_registry_event_body, key_registry_event_body, storage_rent_event_body)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			 ON CONFLICT (transaction_hash, log_index) DO NOTHING`,
			e.Type, int64(e.ChainID), int64(e.BlockNumber), e.BlockHash, e.BlockTimestamp.UTC(),
			e.TransactionHash, int32(e.LogIndex), int64(e.Fid),
			nullJSON(e.SignerEventBody), nullJSON(e.IDRegistryEventBody),
			nullJSON(e.KeyRegistryEvent), nullJSON(e.StorageRentEvent))
	})
	if err != nil {
		return fmt.Errorf("failed to upsert on-chain events: %w", err)
	}
	return nil
}

// ---- deletes ----

func (p *Postgres) DeleteCast(ctx context.Context, hash string) error {
	_, err := p.db.Exec(ctx, `DELETE FROM casts WHERE hash = $1`, hash)
	if err != nil {
		return fmt.Errorf("failed to delete cast %s: %w", hash, err)
	}
	return nil
}

func (p *Postgres) DeleteReaction(ctx context.Context, fid uint64, targetHash string, reactionType types.ReactionType) error {
	_, err := p.db.Exec(ctx,
		`DELETE FROM reactions WHERE fid = $1 AND target_hash = $2 AND type = $3`,
		int64(fid), targetHash, string(reactionType))
	if err != nil {
		return fmt.Errorf("failed to delete reaction: %w", err)
	}
	return nil
}

func (p *Postgres) DeleteLink(ctx context.Context, fid, targetFid uint64, linkType types.LinkType) error {
	_, err := p.db.Exec(ctx,
		`DELETE FROM links WHERE fid = $1 AND target_fid = $2 AND type = $3`,
		int64(fid), int64(targetFid), string(linkType))
	if err != nil {
		return fmt.Errorf("failed to delete link: %w", err)
	}
	return nil
}

func (p *Postgres) DeleteVerification(ctx context.Context, fid uint64, address string) error {
	_, err := p.db.Exec(ctx,
		`DELETE FROM verifications WHERE fid = $1 AND address = $2`,
		int64(fid), address)
	if err != nil {
		return fmt.Errorf("failed to delete verification: %w", err)
	}
	return nil
}

// ---- sync state ----

func (p *Postgres) GetSyncState(ctx context.Context, name string) (*types.SyncState, error) {
	s := types.SyncState{Name: name}
	var id *int64
	err := p.db.QueryRow(ctx,
		`SELECT last_event_id, last_synced_at FROM sync_state WHERE name = $1`,
		name).Scan(&id, &s.LastSyncedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync state %s: %w", name, err)
	}
	if id != nil {
		v := uint64(*id)
		s.LastEventID = &v
	}
	return &s, nil
}

func (p *Postgres) SetLastEventID(ctx context.Context, name string, id uint64) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO sync_state (name, last_event_id, last_synced_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (name) DO UPDATE SET last_event_id = EXCLUDED.last_event_id, last_synced_at = NOW()`,
		name, int64(id))
	if err != nil {
		return fmt.Errorf("failed to set last event id for %s: %w", name, err)
	}
	return nil
}

// ---- profiles ----

func (p *Postgres) RefreshProfiles(ctx context.Context) error {
	_, err := p.db.Exec(ctx, `REFRESH MATERIALIZED VIEW CONCURRENTLY profiles`)
	if err != nil {
		return fmt.Errorf("failed to refresh profiles view: %w", err)
	}
	return nil
}

// ---- scan/param helpers ----

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func nullFid(fid *uint64) *int64 {
	if fid == nil {
		return nil
	}
	v := int64(*fid)
	return &v
}

func nullJSON(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func fidArray(fids []uint64) []int64 {
	if len(fids) == 0 {
		return nil
	}
	out := make([]int64, len(fids))
	for i, f := range fids {
		out[i] = int64(f)
	}
	return out
}

func positionsArray(positions []uint32) []int32 {
	if len(positions) == 0 {
		return nil
	}
	out := make([]int32, len(positions))
	for i, p := range positions {
		out[i] = int32(p)
	}
	return out
}
