package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/enrich-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are kept
// as unix milliseconds so expiry comparisons are numeric.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS enrichment_cache (
	id                 TEXT PRIMARY KEY,
	cache_key          TEXT NOT NULL UNIQUE,
	depth              TEXT NOT NULL,
	payload            BLOB NOT NULL,
	expires_at         INTEGER NOT NULL,
	hit_count          INTEGER NOT NULL DEFAULT 0,
	cumulative_savings REAL NOT NULL DEFAULT 0,
	created_at         INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_enrichment_cache_expires_at ON enrichment_cache(expires_at);
CREATE INDEX IF NOT EXISTS idx_enrichment_cache_depth ON enrichment_cache(depth);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Upsert(ctx context.Context, e *model.CacheEntry) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO enrichment_cache (id, cache_key, depth, payload, expires_at, hit_count, cumulative_savings, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, 0, ?, ?)
		 ON CONFLICT (cache_key) DO UPDATE SET
			depth = excluded.depth,
			payload = excluded.payload,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		uuid.New().String(), e.CacheKey, string(e.Depth), e.Payload,
		e.ExpiresAt.UnixMilli(), now.UnixMilli(), now.UnixMilli(),
	)
	return eris.Wrapf(err, "sqlite: upsert %s", e.CacheKey)
}

func (s *SQLiteStore) FindByKey(ctx context.Context, cacheKey string) (*model.CacheEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT cache_key, depth, payload, expires_at, hit_count, cumulative_savings, created_at, updated_at
		 FROM enrichment_cache WHERE cache_key = ?`,
		cacheKey,
	)

	var (
		e                         model.CacheEntry
		depth                     string
		expires, created, updated int64
	)
	err := row.Scan(&e.CacheKey, &depth, &e.Payload, &expires, &e.HitCount, &e.CumulativeSavings, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find %s", cacheKey)
	}
	e.Depth = model.Depth(depth)
	e.ExpiresAt = time.UnixMilli(expires).UTC()
	e.CreatedAt = time.UnixMilli(created).UTC()
	e.UpdatedAt = time.UnixMilli(updated).UTC()
	return &e, nil
}

func (s *SQLiteStore) IncrementHit(ctx context.Context, cacheKey string, savings float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE enrichment_cache
		 SET hit_count = hit_count + 1, cumulative_savings = cumulative_savings + ?
		 WHERE cache_key = ?`,
		savings, cacheKey,
	)
	return eris.Wrapf(err, "sqlite: increment hit %s", cacheKey)
}

func (s *SQLiteStore) DeleteWhere(ctx context.Context, p Predicate) (int, error) {
	if err := p.validate(); err != nil {
		return 0, err
	}

	var (
		res sql.Result
		err error
	)
	if p.CacheKey != "" {
		res, err = s.db.ExecContext(ctx, `DELETE FROM enrichment_cache WHERE cache_key = ?`, p.CacheKey)
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM enrichment_cache WHERE expires_at < ?`, p.ExpiredBefore.UnixMilli())
	}
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete where")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN expires_at > ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(hit_count), 0),
			COALESCE(SUM(cumulative_savings), 0)
		 FROM enrichment_cache`,
		now.UnixMilli(),
	).Scan(&st.Entries, &st.ActiveEntries, &st.TotalHits, &st.TotalSavings)
	return st, eris.Wrap(err, "sqlite: stats")
}
