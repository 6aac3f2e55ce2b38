package store

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rotisserie/eris"

	"github.com/sells-group/enrich-cli/internal/model"
)

const redisKeyPrefix = "enrich:cache:"

// RedisConfig configures the redis durable tier.
type RedisConfig struct {
	Address  string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisStore implements Store with one hash per entry. Entries also carry a
// native expiry so redis evicts them without a sweep.
type RedisStore struct {
	rdb *redis.Client
}

// incrementHitScript bumps counters only when the entry still exists, so a
// hit racing an eviction cannot resurrect a partial hash.
var incrementHitScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	redis.call("HINCRBY", KEYS[1], "hit_count", 1)
	redis.call("HINCRBYFLOAT", KEYS[1], "cumulative_savings", ARGV[1])
	return 1
end
return 0
`)

// deleteIfExpiredScript removes the entry only if its stored expiry is still
// before the cutoff, so an entry refreshed mid-sweep survives.
var deleteIfExpiredScript = redis.NewScript(`
local exp = redis.call("HGET", KEYS[1], "expires_at")
if exp and tonumber(exp) < tonumber(ARGV[1]) then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewRedis connects to redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		cfg.Address = "localhost:6379"
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 10
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, eris.Wrap(err, "redis: ping")
	}
	return &RedisStore{rdb: rdb}, nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func redisKey(cacheKey string) string {
	return redisKeyPrefix + cacheKey
}

// Migrate is a no-op; redis has no schema.
func (s *RedisStore) Migrate(_ context.Context) error {
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.rdb.Ping(ctx).Err(), "redis: ping")
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) Upsert(ctx context.Context, e *model.CacheEntry) error {
	key := redisKey(e.CacheKey)
	now := time.Now().UTC().UnixMilli()

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"depth", string(e.Depth),
			"payload", e.Payload,
			"expires_at", e.ExpiresAt.UnixMilli(),
			"updated_at", now,
		)
		pipe.HSetNX(ctx, key, "created_at", now)
		pipe.HSetNX(ctx, key, "hit_count", 0)
		pipe.HSetNX(ctx, key, "cumulative_savings", 0)
		pipe.PExpireAt(ctx, key, e.ExpiresAt)
		return nil
	})
	return eris.Wrapf(err, "redis: upsert %s", e.CacheKey)
}

func (s *RedisStore) FindByKey(ctx context.Context, cacheKey string) (*model.CacheEntry, error) {
	vals, err := s.rdb.HGetAll(ctx, redisKey(cacheKey)).Result()
	if err != nil {
		return nil, eris.Wrapf(err, "redis: find %s", cacheKey)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	e, err := entryFromHash(cacheKey, vals)
	if err != nil {
		return nil, eris.Wrapf(err, "redis: decode %s", cacheKey)
	}
	return e, nil
}

func (s *RedisStore) IncrementHit(ctx context.Context, cacheKey string, savings float64) error {
	err := incrementHitScript.Run(ctx, s.rdb, []string{redisKey(cacheKey)},
		strconv.FormatFloat(savings, 'f', -1, 64)).Err()
	return eris.Wrapf(err, "redis: increment hit %s", cacheKey)
}

func (s *RedisStore) DeleteWhere(ctx context.Context, p Predicate) (int, error) {
	if err := p.validate(); err != nil {
		return 0, err
	}
	if p.CacheKey != "" {
		n, err := s.rdb.Del(ctx, redisKey(p.CacheKey)).Result()
		return int(n), eris.Wrap(err, "redis: delete where")
	}

	cutoff := p.ExpiredBefore.UnixMilli()
	var deleted int
	iter := s.rdb.Scan(ctx, 0, redisKeyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		n, err := deleteIfExpiredScript.Run(ctx, s.rdb, []string{iter.Val()}, cutoff).Int()
		if err != nil {
			return deleted, eris.Wrap(err, "redis: delete where")
		}
		deleted += n
	}
	return deleted, eris.Wrap(iter.Err(), "redis: scan")
}

func (s *RedisStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	var st Stats
	nowMs := now.UnixMilli()

	iter := s.rdb.Scan(ctx, 0, redisKeyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		vals, err := s.rdb.HMGet(ctx, iter.Val(), "expires_at", "hit_count", "cumulative_savings").Result()
		if err != nil {
			return st, eris.Wrap(err, "redis: stats")
		}
		if vals[0] == nil {
			continue
		}
		st.Entries++
		if parseInt(vals[0]) > nowMs {
			st.ActiveEntries++
		}
		st.TotalHits += parseInt(vals[1])
		st.TotalSavings += parseFloat(vals[2])
	}
	return st, eris.Wrap(iter.Err(), "redis: scan")
}

func entryFromHash(cacheKey string, vals map[string]string) (*model.CacheEntry, error) {
	expires, err := strconv.ParseInt(vals["expires_at"], 10, 64)
	if err != nil {
		return nil, eris.Wrap(err, "expires_at")
	}
	return &model.CacheEntry{
		CacheKey:          cacheKey,
		Depth:             model.Depth(vals["depth"]),
		Payload:           []byte(vals["payload"]),
		ExpiresAt:         time.UnixMilli(expires).UTC(),
		HitCount:          parseInt(vals["hit_count"]),
		CumulativeSavings: parseFloat(vals["cumulative_savings"]),
		CreatedAt:         time.UnixMilli(parseInt(vals["created_at"])).UTC(),
		UpdatedAt:         time.UnixMilli(parseInt(vals["updated_at"])).UTC(),
	}, nil
}

func parseInt(v any) int64 {
	s, _ := v.(string)
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func parseFloat(v any) float64 {
	s, _ := v.(string)
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
