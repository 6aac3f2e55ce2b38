package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/enrich-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return NewPostgresWithPool(mock), mock
}

func TestPostgresStore_FindByKey_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT cache_key, depth, payload, expires_at, hit_count, cumulative_savings, created_at, updated_at\s+FROM enrichment_cache WHERE cache_key = \$1`).
		WithArgs("quick:unknown.com").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.FindByKey(context.Background(), "quick:unknown.com")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindByKey(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	expires := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	created := expires.Add(-720 * time.Hour)

	rows := pgxmock.NewRows([]string{"cache_key", "depth", "payload", "expires_at", "hit_count", "cumulative_savings", "created_at", "updated_at"}).
		AddRow("deep:acme.com", "deep", []byte(`{"key":"acme.com"}`), expires, int64(3), 0.45, created, created)
	mock.ExpectQuery(`FROM enrichment_cache WHERE cache_key`).
		WithArgs("deep:acme.com").
		WillReturnRows(rows)

	got, err := s.FindByKey(context.Background(), "deep:acme.com")
	require.NoError(t, err)
	assert.Equal(t, model.DepthDeep, got.Depth)
	assert.Equal(t, int64(3), got.HitCount)
	assert.InDelta(t, 0.45, got.CumulativeSavings, 1e-9)
	assert.Equal(t, expires, got.ExpiresAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	e := entry("quick:acme.com", time.Now().Add(time.Hour))

	mock.ExpectExec(`ON CONFLICT \(cache_key\) DO UPDATE`).
		WithArgs(pgxmock.AnyArg(), "quick:acme.com", "quick", e.Payload, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Upsert(context.Background(), e))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IncrementHit(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`SET hit_count = hit_count \+ 1, cumulative_savings = cumulative_savings \+ \$1`).
		WithArgs(0.15, "quick:acme.com").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.IncrementHit(context.Background(), "quick:acme.com", 0.15))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteWhere(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	cutoff := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`DELETE FROM enrichment_cache WHERE expires_at < \$1`).
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 7))
	mock.ExpectExec(`DELETE FROM enrichment_cache WHERE cache_key = \$1`).
		WithArgs("deep:acme.com").
		WillReturnError(errors.New("connection lost"))

	n, err := s.DeleteWhere(context.Background(), Predicate{ExpiredBefore: cutoff})
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = s.DeleteWhere(context.Background(), Predicate{CacheKey: "deep:acme.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: delete where")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Stats(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FILTER \(WHERE expires_at > \$1\)`).
		WithArgs(now).
		WillReturnRows(pgxmock.NewRows([]string{"count", "active", "hits", "savings"}).
			AddRow(int64(10), int64(8), int64(42), 6.3))

	st, err := s.Stats(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, Stats{Entries: 10, ActiveEntries: 8, TotalHits: 42, TotalSavings: 6.3}, st)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MigrateAndPing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS enrichment_cache`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`SELECT 1`).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))

	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
