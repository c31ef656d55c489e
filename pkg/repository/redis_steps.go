package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrFailedToParseRedisConnString = errors.New("failed to parse redis connection string")
	ErrRedisNotReady                = errors.New("redis did not become ready")
)

const (
	defaultRedisStepPrefix = "totp:last_step:"
	DefaultRedisStepTTL    = 24 * time.Hour
)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	ConnectionURL  string
	RetryAttempts  int
	RetryInterval  time.Duration
	ConnectTimeout time.Duration
}

// ConnectRedis connects to Redis, retrying until the server answers a ping.
func ConnectRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	opts, err := redis.ParseURL(cfg.ConnectionURL)
	if err != nil {
		return nil, errors.Join(ErrFailedToParseRedisConnString, err)
	}

	for i := 0; i < cfg.RetryAttempts; i++ {
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err == nil {
			return client, nil
		}
		_ = client.Close()

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrRedisNotReady, ctx.Err())
		case <-time.After(cfg.RetryInterval):
		}
	}
	return nil, ErrRedisNotReady
}

// advanceScript sets KEYS[1] to ARGV[1] only when it is greater than the
// stored value, refreshing the TTL in ARGV[2] milliseconds.
var advanceScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current and tonumber(current) >= tonumber(ARGV[1]) then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 1
`)

// RedisStepStore keeps the last accepted TOTP step per account in Redis.
// Entries expire after ttl; a step that old can never validate again.
type RedisStepStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStepStore creates a Redis backed step store.
func NewRedisStepStore(client redis.UniversalClient, ttl time.Duration) *RedisStepStore {
	if ttl <= 0 {
		ttl = DefaultRedisStepTTL
	}
	return &RedisStepStore{
		client: client,
		prefix: defaultRedisStepPrefix,
		ttl:    ttl,
	}
}

// LastAccepted returns the stored step for key.
func (s *RedisStepStore) LastAccepted(ctx context.Context, key string) (int64, bool, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get last accepted step: %w", err)
	}
	step, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("failed to parse last accepted step: %w", err)
	}
	return step, true, nil
}

// Advance stores step when it is newer than the stored one and reports
// whether it did.
func (s *RedisStepStore) Advance(ctx context.Context, key string, step int64) (bool, error) {
	res, err := advanceScript.Run(ctx, s.client, []string{s.prefix + key}, step, s.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to advance accepted step: %w", err)
	}
	return res == 1, nil
}

// Healthcheck pings Redis.
func (s *RedisStepStore) Healthcheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
