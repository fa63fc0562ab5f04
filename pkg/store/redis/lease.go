// Package redis holds the lease backend used when several aptsimd nodes
// share one deployment and must agree on which scenarios have an active
// run. Single-node setups use the SQLite lease table instead.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hyperion-flux/aptsim/pkg/store"
)

const keyPrefix = "aptsim:lease:"

// Every mutation runs through a script that checks ownership first, so
// a holder can never extend or drop a claim it has already lost.
var (
	acquireScript = redis.NewScript(`
		if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
			return 1
		end
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			redis.call("PEXPIRE", KEYS[1], ARGV[2])
			return 1
		end
		return 0
	`)
	renewScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		end
		return 0
	`)
	releaseScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`)
)

// LeaseStore implements store.LeaseStore on a Redis key per lease, with
// the key's own TTL as the expiry.
type LeaseStore struct {
	client *redis.Client
}

func NewLeaseStore(client *redis.Client) *LeaseStore {
	return &LeaseStore{client: client}
}

// Acquire claims the named lease for holderID. A claim the holder
// already owns is renewed in place; a live claim by anyone else makes
// Acquire return false.
func (s *LeaseStore) Acquire(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error) {
	res, err := acquireScript.Run(ctx, s.client, []string{keyPrefix + name}, holderID, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	return res == 1, nil
}

// Renew pushes out the expiry of a lease held by holderID. It fails
// when the key has expired or been taken over since the last renewal.
func (s *LeaseStore) Renew(ctx context.Context, name, holderID string, ttl time.Duration) error {
	res, err := renewScript.Run(ctx, s.client, []string{keyPrefix + name}, holderID, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if res == 0 {
		return fmt.Errorf("lease lost or stolen")
	}
	return nil
}

// Release drops the lease if holderID still holds it. Releasing a
// claim that is already gone or stolen is not an error.
func (s *LeaseStore) Release(ctx context.Context, name, holderID string) error {
	if _, err := releaseScript.Run(ctx, s.client, []string{keyPrefix + name}, holderID).Result(); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// Get returns the current claim for name, nil when none is held.
func (s *LeaseStore) Get(ctx context.Context, name string) (*store.Lease, error) {
	key := keyPrefix + name

	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}

	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get lease ttl: %w", err)
	}

	return &store.Lease{
		Name:      name,
		HolderID:  val,
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}
