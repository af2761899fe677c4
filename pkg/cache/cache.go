// Package cache mirrors the targets and target_clients tables into redis
// sets so workers can answer membership questions in O(1) without touching
// the database. The tables stay authoritative: mutations write the table
// first, then the set, and a periodic reconciliation restores equality after
// cache loss.
package cache

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	targetsKey       = "graphwatch:targets"
	clientTargetsKey = "graphwatch:client_targets"
)

// FidSet is one redis-backed set of FIDs, stored as decimal strings
type FidSet struct {
	client *redis.Client
	key    string
}

// Add inserts an FID into the set
func (s *FidSet) Add(ctx context.Context, fid uint64) error {
	if err := s.client.SAdd(ctx, s.key, formatFid(fid)).Err(); err != nil {
		return fmt.Errorf("failed to add %d to %s: %w", fid, s.key, err)
	}
	return nil
}

// Remove deletes an FID from the set
func (s *FidSet) Remove(ctx context.Context, fid uint64) error {
	if err := s.client.SRem(ctx, s.key, formatFid(fid)).Err(); err != nil {
		return fmt.Errorf("failed to remove %d from %s: %w", fid, s.key, err)
	}
	return nil
}

// Contains reports set membership
func (s *FidSet) Contains(ctx context.Context, fid uint64) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.key, formatFid(fid)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check %d in %s: %w", fid, s.key, err)
	}
	return ok, nil
}

// LoadAll replaces the set contents with the given FIDs atomically
func (s *FidSet) LoadAll(ctx context.Context, fids []uint64) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key)
	if len(fids) > 0 {
		members := make([]any, len(fids))
		for i, fid := range fids {
			members[i] = formatFid(fid)
		}
		pipe.SAdd(ctx, s.key, members...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to load %s: %w", s.key, err)
	}
	return nil
}

// Members returns all FIDs in the set
func (s *FidSet) Members(ctx context.Context) ([]uint64, error) {
	raw, err := s.client.SMembers(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.key, err)
	}
	fids := make([]uint64, 0, len(raw))
	for _, m := range raw {
		fid, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			continue
		}
		fids = append(fids, fid)
	}
	return fids, nil
}

// Size returns the set cardinality
func (s *FidSet) Size(ctx context.Context) (int64, error) {
	n, err := s.client.SCard(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to size %s: %w", s.key, err)
	}
	return n, nil
}

// Clear empties the set
func (s *FidSet) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("failed to clear %s: %w", s.key, err)
	}
	return nil
}

// Cache holds the two target sets used by the relevance filter
type Cache struct {
	Targets       *FidSet
	ClientTargets *FidSet

	client *redis.Client
}

// New creates a cache over an existing redis client
func New(client *redis.Client) *Cache {
	return &Cache{
		Targets:       &FidSet{client: client, key: targetsKey},
		ClientTargets: &FidSet{client: client, key: clientTargetsKey},
		client:        client,
	}
}

// Ping reports cache connectivity
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func formatFid(fid uint64) string {
	return strconv.FormatUint(fid, 10)
}
