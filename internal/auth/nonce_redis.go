package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisNonceStore shares replay protection across gateway replicas.
// Each reservation writes a random owner token so Commit and Release only
// ever touch the caller's own claim.
type RedisNonceStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisNonceStore returns a store that namespaces keys under prefix.
func NewRedisNonceStore(client redis.UniversalClient, prefix string) *RedisNonceStore {
	if prefix == "" {
		prefix = "agentic:nonce:"
	}
	return &RedisNonceStore{client: client, prefix: prefix}
}

var (
	// KEYS[1]=key ARGV[1]=owner ARGV[2]=ttl ms
	commitNonceScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
if redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2], "NX") then
  return 1
end
return 0
`)
	// KEYS[1]=key ARGV[1]=owner
	releaseNonceScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
)

func (s *RedisNonceStore) Reserve(ctx context.Context, key string, ttl time.Duration) (Reservation, error) {
	owner, err := randomOwner()
	if err != nil {
		return nil, err
	}
	fullKey := s.prefix + key
	ok, err := s.client.SetNX(ctx, fullKey, owner, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNonceUsed
	}
	return &redisReservation{client: s.client, key: fullKey, owner: owner}, nil
}

type redisReservation struct {
	client redis.UniversalClient
	key    string
	owner  string
}

func (r *redisReservation) Commit(ctx context.Context, ttl time.Duration) error {
	return commitNonceScript.Run(ctx, r.client, []string{r.key}, r.owner, ttl.Milliseconds()).Err()
}

func (r *redisReservation) Release(ctx context.Context) error {
	return releaseNonceScript.Run(ctx, r.client, []string{r.key}, r.owner).Err()
}

func randomOwner() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
