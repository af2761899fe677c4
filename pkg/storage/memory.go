package storage

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/graphwatch/graphwatch/pkg/types"
)

// Memory is an in-memory Store. It backs worker tests and small local runs;
// it is not durable.
type Memory struct {
	mu sync.RWMutex

	Targets       map[uint64]*types.Target
	TargetClients map[uint64]*types.TargetClient
	Casts         map[string]*types.Cast
	Reactions     map[string]*types.Reaction
	Links         map[string]*types.Link
	Verifications map[string]*types.Verification
	UserData      map[string]*types.UserData
	Proofs        map[string]*types.UsernameProof
	ChainEvents   map[string]*types.OnChainEvent // keyed by txhash:logindex
	SyncStates    map[string]*types.SyncState

	ProfileRefreshes int
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		Targets:       make(map[uint64]*types.Target),
		TargetClients: make(map[uint64]*types.TargetClient),
		Casts:         make(map[string]*types.Cast),
		Reactions:     make(map[string]*types.Reaction),
		Links:         make(map[string]*types.Link),
		Verifications: make(map[string]*types.Verification),
		UserData:      make(map[string]*types.UserData),
		Proofs:        make(map[string]*types.UsernameProof),
		ChainEvents:   make(map[string]*types.OnChainEvent),
		SyncStates:    make(map[string]*types.SyncState),
	}
}

func (m *Memory) CreateTarget(ctx context.Context, target *types.Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.Targets[target.Fid]; exists {
		return nil
	}
	t := *target
	if t.AddedAt.IsZero() {
		t.AddedAt = time.Now().UTC()
	}
	m.Targets[target.Fid] = &t
	return nil
}

func (m *Memory) GetTarget(ctx context.Context, fid uint64) (*types.Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.Targets[fid]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) ListTargets(ctx context.Context) ([]*types.Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Target, 0, len(m.Targets))
	for _, t := range m.Targets {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) DeleteTarget(ctx context.Context, fid uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Targets, fid)
	return nil
}

func (m *Memory) SetTargetSynced(ctx context.Context, fid uint64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.Targets[fid]; ok {
		u := at.UTC()
		t.LastSyncedAt = &u
	}
	return nil
}

func (m *Memory) CreateTargetClient(ctx context.Context, client *types.TargetClient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.TargetClients[client.Fid]; exists {
		return nil
	}
	c := *client
	if c.AddedAt.IsZero() {
		c.AddedAt = time.Now().UTC()
	}
	m.TargetClients[client.Fid] = &c
	return nil
}

func (m *Memory) ListTargetClients(ctx context.Context) ([]*types.TargetClient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.TargetClient, 0, len(m.TargetClients))
	for _, c := range m.TargetClients {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) DeleteTargetClient(ctx context.Context, fid uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.TargetClients, fid)
	return nil
}

func (m *Memory) UpsertCasts(ctx context.Context, casts ...*types.Cast) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range casts {
		if _, exists := m.Casts[c.Hash]; !exists {
			cp := *c
			m.Casts[c.Hash] = &cp
		}
	}
	return nil
}

func (m *Memory) UpsertReactions(ctx context.Context, reactions ...*types.Reaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range reactions {
		if _, exists := m.Reactions[r.Hash]; !exists {
			cp := *r
			m.Reactions[r.Hash] = &cp
		}
	}
	return nil
}

func (m *Memory) UpsertLinks(ctx context.Context, links ...*types.Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range links {
		if _, exists := m.Links[l.Hash]; !exists {
			cp := *l
			m.Links[l.Hash] = &cp
		}
	}
	return nil
}

func (m *Memory) UpsertVerifications(ctx context.Context, verifications ...*types.Verification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range verifications {
		if _, exists := m.Verifications[v.Hash]; !exists {
			cp := *v
			m.Verifications[v.Hash] = &cp
		}
	}
	return nil
}

func (m *Memory) UpsertUserData(ctx context.Context, rows ...*types.UserData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range rows {
		if _, exists := m.UserData[u.Hash]; !exists {
			cp := *u
			m.UserData[u.Hash] = &cp
		}
	}
	return nil
}

func (m *Memory) UpsertUsernameProofs(ctx context.Context, proofs ...*types.UsernameProof) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range proofs {
		if _, exists := m.Proofs[p.Hash]; !exists {
			cp := *p
			m.Proofs[p.Hash] = &cp
		}
	}
	return nil
}

func (m *Memory) UpsertOnChainEvents(ctx context.Context, events ...*types.OnChainEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range events {
		key := e.TransactionHash + ":" + strconv.FormatUint(uint64(e.LogIndex), 10)
		if _, exists := m.ChainEvents[key]; !exists {
			cp := *e
			m.ChainEvents[key] = &cp
		}
	}
	return nil
}

func (m *Memory) DeleteCast(ctx context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Casts, hash)
	return nil
}

func (m *Memory) DeleteReaction(ctx context.Context, fid uint64, targetHash string, reactionType types.ReactionType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, r := range m.Reactions {
		if r.Fid == fid && r.Type == reactionType && r.TargetHash != nil && *r.TargetHash == targetHash {
			delete(m.Reactions, hash)
		}
	}
	return nil
}

func (m *Memory) DeleteLink(ctx context.Context, fid, targetFid uint64, linkType types.LinkType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, l := range m.Links {
		if l.Fid == fid && l.TargetFid == targetFid && l.Type == linkType {
			delete(m.Links, hash)
		}
	}
	return nil
}

func (m *Memory) DeleteVerification(ctx context.Context, fid uint64, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, v := range m.Verifications {
		if v.Fid == fid && v.Address == address {
			delete(m.Verifications, hash)
		}
	}
	return nil
}

func (m *Memory) GetSyncState(ctx context.Context, name string) (*types.SyncState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.SyncStates[name]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) SetLastEventID(ctx context.Context, name string, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	m.SyncStates[name] = &types.SyncState{Name: name, LastEventID: &id, LastSyncedAt: &now}
	return nil
}

func (m *Memory) RefreshProfiles(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ProfileRefreshes++
	return nil
}

func (m *Memory) WithTransaction(ctx context.Context, fn func(Store) error) error {
	return fn(m)
}

func (m *Memory) Close() {}
