package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTTL = 6 * time.Hour

// maxScript keeps the stored value monotonic: it only overwrites when the
// new timestamp is newer, and always refreshes the TTL.
var maxScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1
`)

// RedisStore keeps heartbeats in Redis so they survive process restarts and
// can be written by another service.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

type RedisOption func(*RedisStore)

func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		ttl:    defaultTTL,
		prefix: "proctorwatch",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(roomID, candidateID string) string {
	return fmt.Sprintf("%s:hb:%s:%s", s.prefix, roomID, candidateID)
}

func (s *RedisStore) RecordHeartbeat(ctx context.Context, roomID, candidateID string, ts time.Time) error {
	if roomID == "" || candidateID == "" {
		return ErrInvalidKey
	}
	err := maxScript.Run(ctx, s.client,
		[]string{s.key(roomID, candidateID)},
		ts.UnixMilli(), s.ttl.Milliseconds(),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis record heartbeat: %w", err)
	}
	return nil
}

func (s *RedisStore) LastHeartbeat(ctx context.Context, roomID, candidateID string) (time.Time, bool, error) {
	val, err := s.client.Get(ctx, s.key(roomID, candidateID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("redis get heartbeat: %w", err)
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt heartbeat value %q: %w", val, err)
	}
	return time.UnixMilli(ms), true, nil
}

func (s *RedisStore) Forget(ctx context.Context, roomID, candidateID string) error {
	if err := s.client.Del(ctx, s.key(roomID, candidateID)).Err(); err != nil {
		return fmt.Errorf("redis delete heartbeat: %w", err)
	}
	return nil
}
