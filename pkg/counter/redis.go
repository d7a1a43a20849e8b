package counter

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript increments a key and refreshes its expiry in one atomic step.
// KEYS[1]: bucket key
// ARGV[1]: delta
// ARGV[2]: ttl in milliseconds, 0 keeps the key without expiry
var incrScript = redis.NewScript(`
local value = redis.call('INCRBY', KEYS[1], ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 then
    redis.call('PEXPIRE', KEYS[1], ttl)
end
return value
`)

const (
	defaultRedisTimeout = 500 * time.Millisecond
	defaultKeyTTL       = time.Hour
)

// Redis is a Store backed by a Redis server or cluster.
type Redis struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
	keyTTL  time.Duration
}

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithPrefix prepends prefix to every key.
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

// WithTimeout bounds every Redis round trip. Non-positive values keep the default.
func WithTimeout(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithKeyTTL sets how long an untouched key survives. Zero disables expiry.
// The TTL must comfortably exceed the policy's burst buffer plus its maximum
// sleep time, otherwise debt is forgotten early.
func WithKeyTTL(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d >= 0 {
			r.keyTTL = d
		}
	}
}

// NewRedis creates a Store over client.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client:  client,
		timeout: defaultRedisTimeout,
		keyTTL:  defaultKeyTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IncrBy implements Store.
func (r *Redis) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return r.incr(ctx, OpIncr, key, delta)
}

// DecrBy implements Store.
func (r *Redis) DecrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return r.incr(ctx, OpDecr, key, -delta)
}

func (r *Redis) incr(ctx context.Context, op Op, key string, delta int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	value, err := incrScript.Run(ctx, r.client, []string{r.prefix + key}, delta, r.keyTTL.Milliseconds()).Int64()
	if err != nil {
		return 0, &StoreError{Op: op, Key: key, Err: err}
	}
	return value, nil
}

// Set implements Store.
func (r *Redis) Set(ctx context.Context, key string, value int64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.client.Set(ctx, r.prefix+key, value, r.keyTTL).Err(); err != nil {
		return &StoreError{Op: OpSet, Key: key, Err: err}
	}
	return nil
}

// Ping implements Pinger.
func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return &StoreError{Op: OpPing, Err: err}
	}
	return nil
}
