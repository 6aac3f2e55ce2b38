package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

const redisKeyPrefix = "enrich:ratelimit:"

// Redis is a sliding-window limiter shared by every process on one redis.
type Redis struct {
	rdb    *redis.Client
	limit  int
	window time.Duration

	nowFunc func() time.Time
}

// NewRedis creates a limiter allowing cfg.RequestsPerMinute per identity in
// any rolling minute.
func NewRedis(rdb *redis.Client, cfg Config) *Redis {
	cfg = cfg.withDefaults()
	return &Redis{rdb: rdb, limit: cfg.RequestsPerMinute, window: time.Minute, nowFunc: time.Now}
}

// CheckAndIncrement records this request and reports whether fewer than the
// limit were seen in the preceding window.
func (l *Redis) CheckAndIncrement(ctx context.Context, identity string) (bool, error) {
	key := redisKeyPrefix + identity
	now := l.nowFunc().UnixMilli()
	windowStart := now - l.window.Milliseconds()

	pipe := l.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart, 10))
	count := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, &redis.Z{Score: float64(now), Member: uuid.New().String()})
	pipe.Expire(ctx, key, 2*l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, eris.Wrap(err, "ratelimit: redis window")
	}
	return int(count.Val()) < l.limit, nil
}
