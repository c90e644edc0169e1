package lease

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/michi/internal/model"
)

// DefaultRedisPrefix namespaces lease keys.
const DefaultRedisPrefix = "michi:lease:"

// renewScript grants the lease when it is free or already owned by the caller
// and otherwise reports the current holder and its remaining TTL.
var renewScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if (not cur) or cur == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
  return {1, ARGV[1], tonumber(ARGV[2])}
end
return {0, cur, redis.call('PTTL', KEYS[1])}
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('ZREM', KEYS[2], ARGV[2])
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// sweepScript drops index entries whose lease key Redis has already expired.
var sweepScript = redis.NewScript(`
local paths = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local n = 0
for _, p in ipairs(paths) do
  if redis.call('EXISTS', ARGV[2] .. p) == 0 then
    redis.call('ZREM', KEYS[1], p)
    n = n + 1
  end
end
return n
`)

// RedisStore is a lease Backend on Redis. Each lease is a key holding the
// holder id with a PX expiry, so Redis itself enforces expiry; a sorted set
// indexes live paths by expiry for listing and sweeping.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

var _ Backend = (*RedisStore)(nil)

// NewRedisStore wraps an existing client. An empty prefix uses DefaultRedisPrefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// OpenRedis parses a redis:// URL, connects and pings.
func OpenRedis(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("lease: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("lease: ping redis: %w", err)
	}
	return NewRedisStore(client, ""), nil
}

// Close closes the underlying client.
func (r *RedisStore) Close() error { return r.client.Close() }

func (r *RedisStore) key(path string) string { return r.prefix + path }
func (r *RedisStore) index() string          { return r.prefix + "index" }

// AcquireLease implements Backend. The fast path is SET NX PX; a taken key
// falls through to a compare-and-renew script.
func (r *RedisStore) AcquireLease(ctx context.Context, path, holder string, expiresAt, now time.Time) (model.Lease, bool, error) {
	ttl := expiresAt.Sub(now)
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}

	ok, err := r.client.SetNX(ctx, r.key(path), holder, ttl).Result()
	if err != nil {
		return model.Lease{}, false, fmt.Errorf("setnx: %w", err)
	}
	if ok {
		if err := r.client.ZAdd(ctx, r.index(), redis.Z{Score: float64(expiresAt.UnixMilli()), Member: path}).Err(); err != nil {
			return model.Lease{}, false, fmt.Errorf("index lease: %w", err)
		}
		return model.Lease{FilePath: path, Holder: holder, ExpiresAt: expiresAt}, true, nil
	}

	vals, err := renewScript.Run(ctx, r.client,
		[]string{r.key(path), r.index()},
		holder, ttl.Milliseconds(), expiresAt.UnixMilli(), path,
	).Slice()
	if err != nil {
		return model.Lease{}, false, fmt.Errorf("renew script: %w", err)
	}
	if len(vals) != 3 {
		return model.Lease{}, false, fmt.Errorf("renew script: unexpected reply %v", vals)
	}
	granted, _ := vals[0].(int64)
	current, _ := vals[1].(string)
	pttl, _ := vals[2].(int64)
	if granted == 1 {
		return model.Lease{FilePath: path, Holder: holder, ExpiresAt: expiresAt}, true, nil
	}
	return model.Lease{FilePath: path, Holder: current, ExpiresAt: now.Add(time.Duration(pttl) * time.Millisecond)}, false, nil
}

// ReleaseLease implements Backend with a compare-and-delete script.
func (r *RedisStore) ReleaseLease(ctx context.Context, path, holder string) (bool, error) {
	n, err := releaseScript.Run(ctx, r.client, []string{r.key(path), r.index()}, holder, path).Int64()
	if err != nil {
		return false, fmt.Errorf("release script: %w", err)
	}
	return n == 1, nil
}

// ListLeases implements Backend. Paths whose key already expired are skipped.
func (r *RedisStore) ListLeases(ctx context.Context) ([]model.Lease, error) {
	paths, err := r.client.ZRange(ctx, r.index(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list index: %w", err)
	}
	now := time.Now()
	out := make([]model.Lease, 0, len(paths))
	for _, p := range paths {
		holder, err := r.client.Get(ctx, r.key(p)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get lease %s: %w", p, err)
		}
		pttl, err := r.client.PTTL(ctx, r.key(p)).Result()
		if err != nil {
			return nil, fmt.Errorf("pttl %s: %w", p, err)
		}
		out = append(out, model.Lease{FilePath: p, Holder: holder, ExpiresAt: now.Add(pttl)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FilePath < out[j].FilePath })
	return out, nil
}

// SweepExpiredLeases implements Backend. Redis deletes expired keys itself;
// the sweep removes their index entries and reports how many it dropped.
func (r *RedisStore) SweepExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	n, err := sweepScript.Run(ctx, r.client, []string{r.index()}, now.UnixMilli(), r.prefix).Int64()
	if err != nil {
		return 0, fmt.Errorf("sweep script: %w", err)
	}
	return n, nil
}
