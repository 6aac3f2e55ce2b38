// Package cache is the two-tier store for merged enrichment records: an
// in-process fast tier in front of a durable document store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/store"
)

// ErrCacheUnavailable is returned when the durable tier cannot be written.
// Callers treat it as a degradation, never as an enrichment failure.
var ErrCacheUnavailable = eris.New("cache: durable tier unavailable")

// DefaultTTL is the record lifetime when none is configured (30 days).
const DefaultTTL = 30 * 24 * time.Hour

// savings are tracked in micro-dollars so they can be added atomically.
const microsPerDollar = 1e6

// DefaultFastTTL bounds how long the fast tier serves an entry without
// re-reading the durable tier.
const DefaultFastTTL = 5 * time.Minute

// Config sets per-depth TTLs and the fast tier janitor interval. FastTTL
// bounds how stale the fast tier may be relative to deletes made by other
// processes sharing the durable tier.
type Config struct {
	QuickTTL    time.Duration
	DeepTTL     time.Duration
	FastCleanup time.Duration
	FastTTL     time.Duration
}

// Statistics is the cache summary exposed to operators.
type Statistics struct {
	Hits             int64   `json:"hits"`
	Misses           int64   `json:"misses"`
	HitRate          float64 `json:"hit_rate"`
	TotalSavings     float64 `json:"total_savings"`
	ActiveEntryCount int64   `json:"active_entry_count"`
	TotalEntries     int64   `json:"total_entries"`
	// Degraded is set when the durable tier could not be read and the
	// counts come from the fast tier only.
	Degraded bool `json:"degraded"`
}

type fastEntry struct {
	record    *model.MergedRecord
	expiresAt time.Time
	refreshAt time.Time
	createdAt time.Time
	hits      atomic.Int64
	savings   atomic.Int64
}

// Store is the two-tier cache. A nil durable store runs in fast-tier-only mode.
type Store struct {
	fast    *gocache.Cache
	durable store.Store
	cfg     Config

	hits   atomic.Int64
	misses atomic.Int64

	nowFunc func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.nowFunc = now }
}

// New creates a cache over durable, which may be nil.
func New(durable store.Store, cfg Config, opts ...Option) *Store {
	if cfg.QuickTTL <= 0 {
		cfg.QuickTTL = DefaultTTL
	}
	if cfg.DeepTTL <= 0 {
		cfg.DeepTTL = DefaultTTL
	}
	if cfg.FastCleanup <= 0 {
		cfg.FastCleanup = 10 * time.Minute
	}
	if cfg.FastTTL <= 0 {
		cfg.FastTTL = DefaultFastTTL
	}
	s := &Store{
		fast:    gocache.New(gocache.NoExpiration, cfg.FastCleanup),
		durable: durable,
		cfg:     cfg,
		nowFunc: time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Normalize lower-cases the raw key, trims surrounding whitespace and strips
// a leading "www.".
func Normalize(raw string) string {
	k := strings.ToLower(strings.TrimSpace(raw))
	return strings.TrimPrefix(k, "www.")
}

// Key derives the cache key for a depth and raw lookup key.
func Key(depth model.Depth, raw string) string {
	return string(depth) + ":" + Normalize(raw)
}

// TTL returns the configured lifetime for depth.
func (s *Store) TTL(depth model.Depth) time.Duration {
	if depth == model.DepthDeep {
		return s.cfg.DeepTTL
	}
	return s.cfg.QuickTTL
}

// Get returns the cached record for raw at depth. Hits are served as a copy
// with zero cost and no sources called; the original cost is credited to
// the entry's savings. Durable-tier errors are logged and read as a miss.
func (s *Store) Get(ctx context.Context, raw string, depth model.Depth) (*model.MergedRecord, bool) {
	if Normalize(raw) == "" {
		return nil, false
	}
	ck := Key(depth, raw)
	now := s.nowFunc()

	if fe, ok := s.fastGet(ck, now); ok {
		s.recordHit(ctx, ck, fe)
		return served(fe.record), true
	}

	if s.durable == nil {
		s.misses.Add(1)
		return nil, false
	}

	entry, err := s.durable.FindByKey(ctx, ck)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			zap.L().Warn("cache: durable read failed, treating as miss",
				zap.String("cache_key", ck), zap.Error(err))
		}
		s.misses.Add(1)
		return nil, false
	}
	if entry.Expired(now) {
		s.misses.Add(1)
		return nil, false
	}

	var rec model.MergedRecord
	if err := json.Unmarshal(entry.Payload, &rec); err != nil {
		zap.L().Warn("cache: undecodable payload, treating as miss",
			zap.String("cache_key", ck), zap.Error(err))
		s.misses.Add(1)
		return nil, false
	}

	fe := &fastEntry{record: &rec, expiresAt: entry.ExpiresAt, createdAt: entry.CreatedAt}
	fe.hits.Store(entry.HitCount)
	fe.savings.Store(toMicros(entry.CumulativeSavings))
	s.putFast(ck, fe, now)

	s.recordHit(ctx, ck, fe)
	return served(fe.record), true
}

// Set writes rec to the durable tier and, only once that succeeds, to the
// fast tier. A ttl of zero uses the depth's configured TTL. A durable failure
// returns ErrCacheUnavailable and leaves the fast tier untouched.
func (s *Store) Set(ctx context.Context, raw string, depth model.Depth, rec *model.MergedRecord, ttl time.Duration) error {
	if rec == nil {
		return eris.New("cache: nil record")
	}
	if Normalize(raw) == "" {
		return eris.New("cache: empty key")
	}
	if ttl <= 0 {
		ttl = s.TTL(depth)
	}
	ck := Key(depth, raw)
	now := s.nowFunc()
	expiresAt := now.Add(ttl)

	stored := rec.Clone()
	stored.FromCache = false

	if s.durable != nil {
		payload, err := json.Marshal(stored)
		if err != nil {
			return eris.Wrap(err, "cache: marshal record")
		}
		err = s.durable.Upsert(ctx, &model.CacheEntry{
			CacheKey:  ck,
			Depth:     depth,
			Payload:   payload,
			ExpiresAt: expiresAt,
		})
		if err != nil {
			return eris.Wrapf(ErrCacheUnavailable, "cache: set %s: %v", ck, err)
		}
	}

	fe := &fastEntry{record: stored, expiresAt: expiresAt, createdAt: now}
	if prev, ok := s.fast.Get(ck); ok {
		old := prev.(*fastEntry)
		fe.hits.Store(old.hits.Load())
		fe.savings.Store(old.savings.Load())
		fe.createdAt = old.createdAt
	}
	s.putFast(ck, fe, now)
	return nil
}

// putFast stores fe in the fast tier. With a durable tier the entry is held
// for at most FastTTL, after which the next read goes back to the durable
// tier and observes invalidations and sweeps made by other processes.
func (s *Store) putFast(ck string, fe *fastEntry, now time.Time) {
	hold := fe.expiresAt.Sub(now)
	if s.durable != nil && s.cfg.FastTTL < hold {
		hold = s.cfg.FastTTL
	}
	fe.refreshAt = now.Add(hold)
	s.fast.Set(ck, fe, hold)
}

// Invalidate removes raw at depth from both tiers.
func (s *Store) Invalidate(ctx context.Context, raw string, depth model.Depth) error {
	ck := Key(depth, raw)
	s.fast.Delete(ck)
	if s.durable == nil {
		return nil
	}
	if _, err := s.durable.DeleteWhere(ctx, store.Predicate{CacheKey: ck}); err != nil {
		return eris.Wrapf(ErrCacheUnavailable, "cache: invalidate %s: %v", ck, err)
	}
	return nil
}

// ClearExpired sweeps both tiers and returns how many durable entries were
// removed (fast entries in fast-only mode). The durable delete is one
// conditional statement, so an entry refreshed during the sweep survives.
func (s *Store) ClearExpired(ctx context.Context) (int, error) {
	now := s.nowFunc()

	var fastRemoved int
	for k, item := range s.fast.Items() {
		if fe, ok := item.Object.(*fastEntry); ok && !now.Before(fe.expiresAt) {
			s.fast.Delete(k)
			fastRemoved++
		}
	}
	s.fast.DeleteExpired()

	if s.durable == nil {
		return fastRemoved, nil
	}
	n, err := s.durable.DeleteWhere(ctx, store.Predicate{ExpiredBefore: now})
	if err != nil {
		return 0, eris.Wrap(err, "cache: clear expired")
	}
	return n, nil
}

// Statistics reports hit rate over the process lifetime plus savings and
// active entry counts from the durable tier, or the fast tier when the
// durable tier is absent or unreadable.
func (s *Store) Statistics(ctx context.Context) Statistics {
	hits, misses := s.hits.Load(), s.misses.Load()
	st := Statistics{Hits: hits, Misses: misses}
	if hits+misses > 0 {
		st.HitRate = math.Round(float64(hits)/float64(hits+misses)*10000) / 10000
	}

	now := s.nowFunc()
	if s.durable != nil {
		ds, err := s.durable.Stats(ctx, now)
		if err == nil {
			st.TotalSavings = roundMicros(ds.TotalSavings)
			st.ActiveEntryCount = ds.ActiveEntries
			st.TotalEntries = ds.Entries
			return st
		}
		zap.L().Warn("cache: durable stats failed, reporting fast tier", zap.Error(err))
		st.Degraded = true
	}

	var savings int64
	for _, item := range s.fast.Items() {
		fe, ok := item.Object.(*fastEntry)
		if !ok {
			continue
		}
		st.TotalEntries++
		if now.Before(fe.expiresAt) {
			st.ActiveEntryCount++
		}
		savings += fe.savings.Load()
	}
	st.TotalSavings = roundMicros(fromMicros(savings))
	return st
}

// Entry returns the bookkeeping wrapper for raw at depth.
func (s *Store) Entry(ctx context.Context, raw string, depth model.Depth) (*model.CacheEntry, error) {
	ck := Key(depth, raw)
	if s.durable != nil {
		e, err := s.durable.FindByKey(ctx, ck)
		if err != nil {
			return nil, eris.Wrapf(err, "cache: entry %s", ck)
		}
		return e, nil
	}

	item, ok := s.fast.Get(ck)
	if !ok {
		return nil, eris.Wrapf(store.ErrNotFound, "cache: entry %s", ck)
	}
	fe := item.(*fastEntry)
	payload, err := json.Marshal(fe.record)
	if err != nil {
		return nil, eris.Wrap(err, "cache: marshal record")
	}
	return &model.CacheEntry{
		CacheKey:          ck,
		Depth:             depth,
		Payload:           payload,
		ExpiresAt:         fe.expiresAt,
		HitCount:          fe.hits.Load(),
		CumulativeSavings: fromMicros(fe.savings.Load()),
		CreatedAt:         fe.createdAt,
	}, nil
}

func (s *Store) fastGet(ck string, now time.Time) (*fastEntry, bool) {
	item, ok := s.fast.Get(ck)
	if !ok {
		return nil, false
	}
	fe := item.(*fastEntry)
	if !now.Before(fe.expiresAt) || !now.Before(fe.refreshAt) {
		s.fast.Delete(ck)
		return nil, false
	}
	return fe, true
}

// recordHit bumps in-process and durable counters. The durable increment is
// best effort and never fails the read.
func (s *Store) recordHit(ctx context.Context, ck string, fe *fastEntry) {
	s.hits.Add(1)
	fe.hits.Add(1)
	fe.savings.Add(toMicros(fe.record.TotalCost))

	if s.durable == nil {
		return
	}
	if err := s.durable.IncrementHit(ctx, ck, fe.record.TotalCost); err != nil {
		zap.L().Warn("cache: hit accounting failed",
			zap.String("cache_key", ck), zap.Error(err))
	}
}

func served(rec *model.MergedRecord) *model.MergedRecord {
	out := rec.Clone()
	out.TotalCost = 0
	out.SourcesCalled = []model.SourceCall{}
	out.FromCache = true
	return out
}

func toMicros(usd float64) int64 {
	return int64(math.Round(usd * microsPerDollar))
}

func fromMicros(m int64) float64 {
	return float64(m) / microsPerDollar
}

func roundMicros(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
