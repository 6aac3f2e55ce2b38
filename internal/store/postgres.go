package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/enrich-cli/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// the hot read path.
var preparedStatements = map[string]string{
	"find_cache_entry": `SELECT cache_key, depth, payload, expires_at, hit_count, cumulative_savings, created_at, updated_at FROM enrichment_cache WHERE cache_key = $1`,
	"increment_hit":    `UPDATE enrichment_cache SET hit_count = hit_count + 1, cumulative_savings = cumulative_savings + $1 WHERE cache_key = $2`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool.
func NewPostgresWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS enrichment_cache (
	id                 TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	cache_key          TEXT NOT NULL UNIQUE,
	depth              TEXT NOT NULL,
	payload            JSONB NOT NULL,
	expires_at         TIMESTAMPTZ NOT NULL,
	hit_count          BIGINT NOT NULL DEFAULT 0,
	cumulative_savings DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_enrichment_cache_expires_at ON enrichment_cache(expires_at);
CREATE INDEX IF NOT EXISTS idx_enrichment_cache_depth ON enrichment_cache(depth);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Upsert(ctx context.Context, e *model.CacheEntry) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO enrichment_cache (id, cache_key, depth, payload, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (cache_key) DO UPDATE SET
			depth = EXCLUDED.depth,
			payload = EXCLUDED.payload,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at`,
		uuid.New().String(), e.CacheKey, string(e.Depth), e.Payload, e.ExpiresAt.UTC(), now, now,
	)
	return eris.Wrapf(err, "postgres: upsert %s", e.CacheKey)
}

func (s *PostgresStore) FindByKey(ctx context.Context, cacheKey string) (*model.CacheEntry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT cache_key, depth, payload, expires_at, hit_count, cumulative_savings, created_at, updated_at
		 FROM enrichment_cache WHERE cache_key = $1`,
		cacheKey,
	)

	var (
		e     model.CacheEntry
		depth string
	)
	err := row.Scan(&e.CacheKey, &depth, &e.Payload, &e.ExpiresAt, &e.HitCount, &e.CumulativeSavings, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find %s", cacheKey)
	}
	e.Depth = model.Depth(depth)
	return &e, nil
}

func (s *PostgresStore) IncrementHit(ctx context.Context, cacheKey string, savings float64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE enrichment_cache SET hit_count = hit_count + 1, cumulative_savings = cumulative_savings + $1 WHERE cache_key = $2`,
		savings, cacheKey,
	)
	return eris.Wrapf(err, "postgres: increment hit %s", cacheKey)
}

func (s *PostgresStore) DeleteWhere(ctx context.Context, p Predicate) (int, error) {
	if err := p.validate(); err != nil {
		return 0, err
	}

	var (
		tag pgconn.CommandTag
		err error
	)
	if p.CacheKey != "" {
		tag, err = s.pool.Exec(ctx, `DELETE FROM enrichment_cache WHERE cache_key = $1`, p.CacheKey)
	} else {
		tag, err = s.pool.Exec(ctx, `DELETE FROM enrichment_cache WHERE expires_at < $1`, p.ExpiredBefore.UTC())
	}
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete where")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	var st Stats
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
			COUNT(*) FILTER (WHERE expires_at > $1),
			COALESCE(SUM(hit_count), 0)::bigint,
			COALESCE(SUM(cumulative_savings), 0)::double precision
		 FROM enrichment_cache`,
		now.UTC(),
	).Scan(&st.Entries, &st.ActiveEntries, &st.TotalHits, &st.TotalSavings)
	return st, eris.Wrap(err, "postgres: stats")
}
