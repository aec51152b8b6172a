package lease

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/billing/pkg/ledger"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "billing:lease:"

var releaseScript = goredis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
  return redis.call('del', KEYS[1])
else
  return 0
end
`)

// RedisStore keeps leases as Redis keys set with NX and a TTL.
type RedisStore struct {
	client goredis.UniversalClient
	prefix string
}

// NewRedisStore returns a RedisStore. An empty prefix uses the default.
func NewRedisStore(client goredis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (store *RedisStore) Acquire(ctx context.Context, key string, ttl time.Duration) (Token, error) {
	token := Token(uuid.NewString())
	ok, err := store.client.SetNX(ctx, store.prefix+key, string(token), ttl).Result()
	if err != nil {
		return "", ledger.WrapError(errorOperationLease, errorSubjectRedis, errorCodeAcquire, err)
	}
	if !ok {
		return "", ErrLeaseHeld
	}
	return token, nil
}

func (store *RedisStore) Release(ctx context.Context, key string, token Token) error {
	if err := releaseScript.Run(ctx, store.client, []string{store.prefix + key}, string(token)).Err(); err != nil {
		return ledger.WrapError(errorOperationLease, errorSubjectRedis, errorCodeRelease, err)
	}
	return nil
}
