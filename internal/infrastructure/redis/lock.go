package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/cassiomorais/paymentflow/internal/lock"
	"github.com/redis/go-redis/v9"
)

var (
	// Lua script for safe lock release (only owner can release)
	releaseLockScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)

	// Lua script for lock extension
	extendLockScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// LockStore keeps leases as Redis keys whose value is the owner token and
// whose TTL is the lease.
type LockStore struct {
	client redis.Cmdable
}

var _ lock.Store = (*LockStore)(nil)

func NewLockStore(client redis.Cmdable) *LockStore {
	return &LockStore{client: client}
}

func (s *LockStore) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	// SET NX PX atomically takes the key only if it is absent or expired.
	ok, err := s.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return ok, nil
}

func (s *LockStore) Release(ctx context.Context, key, owner string) (bool, error) {
	n, err := releaseLockScript.Run(ctx, s.client, []string{key}, owner).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to release lock: %w", err)
	}
	return n == 1, nil
}

func (s *LockStore) Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	n, err := extendLockScript.Run(ctx, s.client, []string{key}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to extend lock: %w", err)
	}
	return n == 1, nil
}
