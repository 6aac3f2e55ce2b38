package cache

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *clock {
	return &clock{now: time.Now().UTC().Truncate(time.Millisecond)}
}

// flakyStore wraps a real store and fails selected operations on demand.
type flakyStore struct {
	store.Store
	mu            sync.Mutex
	failFind      bool
	failUpsert    bool
	failIncrement bool
	failStats     bool
	finds         int
}

func (f *flakyStore) set(fn func(*flakyStore)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *flakyStore) FindByKey(ctx context.Context, key string) (*model.CacheEntry, error) {
	f.mu.Lock()
	f.finds++
	fail := f.failFind
	f.mu.Unlock()
	if fail {
		return nil, errors.New("connection refused")
	}
	return f.Store.FindByKey(ctx, key)
}

func (f *flakyStore) Upsert(ctx context.Context, e *model.CacheEntry) error {
	f.mu.Lock()
	fail := f.failUpsert
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return f.Store.Upsert(ctx, e)
}

func (f *flakyStore) IncrementHit(ctx context.Context, key string, savings float64) error {
	f.mu.Lock()
	fail := f.failIncrement
	f.mu.Unlock()
	if fail {
		return errors.New("lock timeout")
	}
	return f.Store.IncrementHit(ctx, key, savings)
}

func (f *flakyStore) Stats(ctx context.Context, now time.Time) (store.Stats, error) {
	f.mu.Lock()
	fail := f.failStats
	f.mu.Unlock()
	if fail {
		return store.Stats{}, errors.New("timeout")
	}
	return f.Store.Stats(ctx, now)
}

func newDurable(t *testing.T) *flakyStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return &flakyStore{Store: s}
}

func sampleRecord(cost float64) *model.MergedRecord {
	return &model.MergedRecord{
		Key:               "acme.com",
		Depth:             model.DepthQuick,
		Fields:            model.Fields{model.FieldName: "ACME Inc", model.FieldCNPJ: "12.345.678/0001-99"},
		FieldProvenance:   map[model.FieldKey]string{model.FieldName: "B", model.FieldCNPJ: "B"},
		CompletenessScore: 12.5,
		ConfidenceScore:   82.5,
		TotalCost:         cost,
		SourcesCalled:     []model.SourceCall{{Source: "B", Success: true, CostIncurred: cost}},
		Contributors:      map[string]float64{"A": 0.7, "B": 0.95},
	}
}

func TestNormalizeAndKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw, want string
	}{
		{"acme.com", "acme.com"},
		{"  WWW.Acme.COM  ", "acme.com"},
		{"www.acme.com", "acme.com"},
		{"wwwacme.com", "wwwacme.com"},
		{"sub.www.acme.com", "sub.www.acme.com"},
		{"   ", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.raw), "raw %q", tt.raw)
	}
	assert.Equal(t, "deep:acme.com", Key(model.DepthDeep, " www.ACME.com"))
	assert.Equal(t, Key(model.DepthQuick, "www.acme.com"), Key(model.DepthQuick, "ACME.COM "))
}

func TestStore_SavingsAccounting(t *testing.T) {
	durable := newDurable(t)
	c := New(durable, Config{})
	ctx := context.Background()

	_, ok := c.Get(ctx, "acme.com", model.DepthQuick)
	require.False(t, ok)
	require.NoError(t, c.Set(ctx, "acme.com", model.DepthQuick, sampleRecord(0.15), 0))

	for i := 0; i < 4; i++ {
		rec, ok := c.Get(ctx, "www.ACME.com", model.DepthQuick)
		require.True(t, ok)
		assert.Zero(t, rec.TotalCost)
		assert.Empty(t, rec.SourcesCalled)
		assert.True(t, rec.FromCache)
		assert.Equal(t, "ACME Inc", rec.Fields[model.FieldName])
		assert.Equal(t, "B", rec.FieldProvenance[model.FieldName])
	}

	e, err := c.Entry(ctx, "acme.com", model.DepthQuick)
	require.NoError(t, err)
	assert.Equal(t, int64(4), e.HitCount)
	assert.InDelta(t, 0.60, e.CumulativeSavings, 1e-9)

	st := c.Statistics(ctx)
	assert.Equal(t, int64(4), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.InDelta(t, 0.8, st.HitRate, 1e-9)
	assert.InDelta(t, 0.60, st.TotalSavings, 1e-9)
	assert.Equal(t, int64(1), st.ActiveEntryCount)
	assert.False(t, st.Degraded)
}

func TestStore_HitDoesNotMutateCachedRecord(t *testing.T) {
	c := New(nil, Config{})
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "acme.com", model.DepthQuick, sampleRecord(0.1), 0))

	rec, ok := c.Get(ctx, "acme.com", model.DepthQuick)
	require.True(t, ok)
	rec.Fields[model.FieldName] = "mutated"

	again, ok := c.Get(ctx, "acme.com", model.DepthQuick)
	require.True(t, ok)
	assert.Equal(t, "ACME Inc", again.Fields[model.FieldName])
}

func TestStore_DurableHitBackfillsFastTier(t *testing.T) {
	durable := newDurable(t)
	ctx := context.Background()

	writer := New(durable, Config{})
	require.NoError(t, writer.Set(ctx, "acme.com", model.DepthDeep, sampleRecord(0.2), time.Hour))

	// A second process shares only the durable tier.
	reader := New(durable, Config{})
	rec, ok := reader.Get(ctx, "acme.com", model.DepthDeep)
	require.True(t, ok)
	assert.Equal(t, "ACME Inc", rec.Fields[model.FieldName])

	// With the durable tier down, the backfilled fast tier still serves.
	durable.set(func(f *flakyStore) { f.failFind = true })
	_, ok = reader.Get(ctx, "acme.com", model.DepthDeep)
	assert.True(t, ok)
}

func TestStore_ExpiredDurableEntryIsMissWithoutBackfill(t *testing.T) {
	durable := newDurable(t)
	clk := newClock()
	ctx := context.Background()

	writer := New(durable, Config{}, WithClock(clk.Now))
	require.NoError(t, writer.Set(ctx, "acme.com", model.DepthQuick, sampleRecord(0.1), time.Minute))

	clk.Advance(2 * time.Minute)
	reader := New(durable, Config{}, WithClock(clk.Now))
	_, ok := reader.Get(ctx, "acme.com", model.DepthQuick)
	assert.False(t, ok)
	assert.Zero(t, reader.fast.ItemCount())

	// The writer's own fast tier honors the same clock.
	_, ok = writer.Get(ctx, "acme.com", model.DepthQuick)
	assert.False(t, ok)
}

func TestStore_SetDurableFailureSkipsFastTier(t *testing.T) {
	durable := newDurable(t)
	durable.set(func(f *flakyStore) { f.failUpsert = true })
	c := New(durable, Config{})
	ctx := context.Background()

	err := c.Set(ctx, "acme.com", model.DepthQuick, sampleRecord(0.1), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCacheUnavailable)

	_, ok := c.Get(ctx, "acme.com", model.DepthQuick)
	assert.False(t, ok)
}

func TestStore_HitAccountingFailureDoesNotFailRead(t *testing.T) {
	durable := newDurable(t)
	c := New(durable, Config{})
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "acme.com", model.DepthQuick, sampleRecord(0.1), 0))

	durable.set(func(f *flakyStore) { f.failIncrement = true })
	rec, ok := c.Get(ctx, "acme.com", model.DepthQuick)
	require.True(t, ok)
	assert.True(t, rec.FromCache)
}

func TestStore_DurableReadErrorIsMiss(t *testing.T) {
	durable := newDurable(t)
	durable.set(func(f *flakyStore) { f.failFind = true })
	c := New(durable, Config{})

	_, ok := c.Get(context.Background(), "acme.com", model.DepthQuick)
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Statistics(context.Background()).Misses)
}

func TestStore_FastOnlyMode(t *testing.T) {
	clk := newClock()
	c := New(nil, Config{QuickTTL: time.Hour}, WithClock(clk.Now))
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a.com", model.DepthQuick, sampleRecord(0.25), 0))
	require.NoError(t, c.Set(ctx, "b.com", model.DepthQuick, sampleRecord(0.5), 10*time.Minute))

	_, ok := c.Get(ctx, "a.com", model.DepthQuick)
	require.True(t, ok)
	_, ok = c.Get(ctx, "a.com", model.DepthQuick)
	require.True(t, ok)

	e, err := c.Entry(ctx, "a.com", model.DepthQuick)
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.HitCount)
	assert.InDelta(t, 0.5, e.CumulativeSavings, 1e-9)
	assert.Equal(t, clk.Now().Add(time.Hour), e.ExpiresAt)

	st := c.Statistics(ctx)
	assert.Equal(t, int64(2), st.ActiveEntryCount)
	assert.InDelta(t, 0.5, st.TotalSavings, 1e-9)

	clk.Advance(30 * time.Minute)
	n, err := c.ClearExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = c.Entry(ctx, "b.com", model.DepthQuick)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_ClearExpiredDurable(t *testing.T) {
	durable := newDurable(t)
	clk := newClock()
	c := New(durable, Config{}, WithClock(clk.Now))
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "old.com", model.DepthQuick, sampleRecord(0), time.Minute))
	require.NoError(t, c.Set(ctx, "new.com", model.DepthQuick, sampleRecord(0), time.Hour))

	clk.Advance(5 * time.Minute)
	n, err := c.ClearExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok := c.Get(ctx, "new.com", model.DepthQuick)
	assert.True(t, ok)
	_, err = c.Entry(ctx, "old.com", model.DepthQuick)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_Invalidate(t *testing.T) {
	durable := newDurable(t)
	c := New(durable, Config{})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "acme.com", model.DepthQuick, sampleRecord(0), 0))
	require.NoError(t, c.Set(ctx, "acme.com", model.DepthDeep, sampleRecord(0), 0))
	require.NoError(t, c.Invalidate(ctx, "WWW.acme.com", model.DepthQuick))

	_, ok := c.Get(ctx, "acme.com", model.DepthQuick)
	assert.False(t, ok)
	_, ok = c.Get(ctx, "acme.com", model.DepthDeep)
	assert.True(t, ok, "depth tiers are independent")
}

func TestStore_InvalidateFromAnotherProcess(t *testing.T) {
	durable := newDurable(t)
	clk := newClock()
	ctx := context.Background()

	server := New(durable, Config{FastTTL: 30 * time.Second}, WithClock(clk.Now))
	cli := New(durable, Config{}, WithClock(clk.Now))

	require.NoError(t, server.Set(ctx, "acme.com", model.DepthQuick, sampleRecord(0.1), 0))
	_, ok := server.Get(ctx, "acme.com", model.DepthQuick)
	require.True(t, ok)

	require.NoError(t, cli.Invalidate(ctx, "acme.com", model.DepthQuick))
	_, err := cli.Entry(ctx, "acme.com", model.DepthQuick)
	require.ErrorIs(t, err, store.ErrNotFound)

	// The server's fast tier holds the entry for at most FastTTL.
	clk.Advance(30 * time.Second)
	_, ok = server.Get(ctx, "acme.com", model.DepthQuick)
	assert.False(t, ok)
	assert.Zero(t, server.fast.ItemCount())
}

func TestStore_FastTierRefreshKeepsDurableCounters(t *testing.T) {
	durable := newDurable(t)
	clk := newClock()
	ctx := context.Background()

	c := New(durable, Config{FastTTL: time.Minute}, WithClock(clk.Now))
	require.NoError(t, c.Set(ctx, "acme.com", model.DepthQuick, sampleRecord(0.1), time.Hour))

	_, ok := c.Get(ctx, "acme.com", model.DepthQuick)
	require.True(t, ok)
	clk.Advance(2 * time.Minute)
	_, ok = c.Get(ctx, "acme.com", model.DepthQuick)
	require.True(t, ok, "a live durable entry is reloaded after the fast tier lapses")

	e, err := c.Entry(ctx, "acme.com", model.DepthQuick)
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.HitCount)
	assert.InDelta(t, 0.2, e.CumulativeSavings, 1e-9)
	assert.Equal(t, int64(2), c.Statistics(ctx).Hits)
}

func TestStore_FastOnlyModeIgnoresFastTTL(t *testing.T) {
	clk := newClock()
	ctx := context.Background()

	c := New(nil, Config{FastTTL: time.Second}, WithClock(clk.Now))
	require.NoError(t, c.Set(ctx, "acme.com", model.DepthQuick, sampleRecord(0), time.Hour))

	clk.Advance(10 * time.Minute)
	_, ok := c.Get(ctx, "acme.com", model.DepthQuick)
	assert.True(t, ok)
}

func TestStore_StatisticsDegradedWhenDurableDown(t *testing.T) {
	durable := newDurable(t)
	c := New(durable, Config{})
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "acme.com", model.DepthQuick, sampleRecord(0.3), 0))
	_, _ = c.Get(ctx, "acme.com", model.DepthQuick)

	durable.set(func(f *flakyStore) { f.failStats = true })
	st := c.Statistics(ctx)
	assert.True(t, st.Degraded)
	assert.Equal(t, int64(1), st.ActiveEntryCount)
	assert.InDelta(t, 0.3, st.TotalSavings, 1e-9)
}

func TestStore_ConcurrentHitsAreCounted(t *testing.T) {
	durable := newDurable(t)
	c := New(durable, Config{})
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "acme.com", model.DepthQuick, sampleRecord(0.01), 0))

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := c.Get(ctx, "acme.com", model.DepthQuick)
			assert.True(t, ok)
		}()
	}
	wg.Wait()

	e, err := c.Entry(ctx, "acme.com", model.DepthQuick)
	require.NoError(t, err)
	assert.Equal(t, int64(25), e.HitCount)
	assert.InDelta(t, 0.25, e.CumulativeSavings, 1e-9)
}

func TestStore_RejectsEmptyKeyAndNilRecord(t *testing.T) {
	c := New(nil, Config{})
	ctx := context.Background()
	assert.Error(t, c.Set(ctx, "  ", model.DepthQuick, sampleRecord(0), 0))
	assert.Error(t, c.Set(ctx, "a.com", model.DepthQuick, nil, 0))
	_, ok := c.Get(ctx, "", model.DepthQuick)
	assert.False(t, ok)
}

func TestStore_TTLPerDepth(t *testing.T) {
	c := New(nil, Config{QuickTTL: time.Hour, DeepTTL: 48 * time.Hour})
	assert.Equal(t, time.Hour, c.TTL(model.DepthQuick))
	assert.Equal(t, 48*time.Hour, c.TTL(model.DepthDeep))
	assert.Equal(t, DefaultTTL, New(nil, Config{}).TTL(model.DepthDeep))
}
