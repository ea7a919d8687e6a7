package auth

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// DefaultRevocationTTL applies when a revoked credential carries no expiry.
const DefaultRevocationTTL = 24 * time.Hour

// Denylist records sessions that have been force-terminated. Entries only
// need to outlive the credential they revoke.
type Denylist interface {
	Revoke(ctx context.Context, sessionID string, ttl time.Duration) error
	IsRevoked(ctx context.Context, sessionID string) (bool, error)
}

func revocationTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultRevocationTTL
	}
	return ttl
}

// MemoryDenylist keeps revocations in process memory.
type MemoryDenylist struct {
	c *cache.Cache
}

func NewMemoryDenylist() *MemoryDenylist {
	return &MemoryDenylist{c: cache.New(DefaultRevocationTTL, 10*time.Minute)}
}

func (d *MemoryDenylist) Revoke(_ context.Context, sessionID string, ttl time.Duration) error {
	d.c.Set(sessionID, struct{}{}, revocationTTL(ttl))
	return nil
}

func (d *MemoryDenylist) IsRevoked(_ context.Context, sessionID string) (bool, error) {
	_, ok := d.c.Get(sessionID)
	return ok, nil
}

// RedisDenylist shares revocations across instances.
type RedisDenylist struct {
	rdb *redis.Client
}

func NewRedisDenylist(rdb *redis.Client) *RedisDenylist {
	return &RedisDenylist{rdb: rdb}
}

func revokedKey(sessionID string) string { return "revoked:session:" + sessionID }

func (d *RedisDenylist) Revoke(ctx context.Context, sessionID string, ttl time.Duration) error {
	return d.rdb.Set(ctx, revokedKey(sessionID), 1, revocationTTL(ttl)).Err()
}

func (d *RedisDenylist) IsRevoked(ctx context.Context, sessionID string) (bool, error) {
	n, err := d.rdb.Exists(ctx, revokedKey(sessionID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
