package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps leases in Redis, for deployments where several hosts
// share one exchange account but not one ledger file. Expiry is enforced by
// the key TTL, so an expired lease simply no longer exists.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// Deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewRedisStore connects using a redis:// URL.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client, prefix: "oakley:lease:"}, nil
}

func (s *RedisStore) TryAcquireLease(ctx context.Context, symbol, holder string, now, expiresAt time.Time) (bool, error) {
	ttl := expiresAt.Sub(now)
	if ttl <= 0 {
		return false, fmt.Errorf("lease ttl must be positive")
	}
	ok, err := s.client.SetNX(ctx, s.prefix+symbol, holder, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (s *RedisStore) ReleaseLease(ctx context.Context, symbol, holder string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.client, []string{s.prefix + symbol}, holder).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
