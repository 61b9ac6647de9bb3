package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/plannr/messaging-service/internal/config"
	registrycounter "github.com/plannr/messaging-service/internal/registry/counter"
	goredis "github.com/redis/go-redis/v9"
)

func init() {
	registrycounter.Register(registrycounter.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycounter.CounterStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis counters: MESSAGING_SERVICE_REDIS_URL is required")
	}
	return LoadFromURL(ctx, cfg.RedisURL)
}

// LoadFromURL creates a CounterStore from a Redis URL.
func LoadFromURL(ctx context.Context, redisURL string) (*Store, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis counters: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis counters: ping failed: %w", err)
	}
	return New(client), nil
}

// New wraps an existing client.
func New(client goredis.UniversalClient) *Store {
	return &Store{client: client, now: time.Now}
}

// Store keeps spam counters in Redis so every process sees the same windows.
type Store struct {
	client goredis.UniversalClient
	now    func() time.Time
}

// WithClock replaces the clock used for duplicate-window scores.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// The counter and its expiry are set in one step. A key left without a TTL
// gets one on the next increment.
var incrWindow = goredis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 or redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// Members are content hashes scored by the time they were last sent.
var seenRecently = goredis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local seen = redis.call('ZSCORE', KEYS[1], ARGV[4])
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
if seen then
  return 1
end
return 0
`)

func (s *Store) Available() bool {
	return true
}

func (s *Store) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := incrWindow.Run(ctx, s.client, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis counters: incr %s: %w", key, err)
	}
	return n, nil
}

func (s *Store) SeenRecently(ctx context.Context, key, member string, window time.Duration) (bool, error) {
	now := s.now().UnixMilli()
	cutoff := "(" + strconv.FormatInt(now-window.Milliseconds(), 10)
	n, err := seenRecently.Run(ctx, s.client, []string{key}, now, cutoff, window.Milliseconds(), member).Int64()
	if err != nil {
		return false, fmt.Errorf("redis counters: seen %s: %w", key, err)
	}
	return n == 1, nil
}

var _ registrycounter.CounterStore = (*Store)(nil)
