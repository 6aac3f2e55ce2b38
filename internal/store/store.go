// Package store is the durable document store behind the enrichment cache.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/enrich-cli/internal/model"
)

// ErrNotFound is returned by FindByKey when no entry exists for the key.
var ErrNotFound = eris.New("store: entry not found")

// Predicate selects entries for DeleteWhere. Set exactly one field.
type Predicate struct {
	// CacheKey matches one entry by key.
	CacheKey string
	// ExpiredBefore matches every entry whose expires_at is before it.
	ExpiredBefore time.Time
}

func (p Predicate) validate() error {
	hasKey := p.CacheKey != ""
	hasTime := !p.ExpiredBefore.IsZero()
	if hasKey == hasTime {
		return eris.New("store: predicate needs exactly one of cache key or expiry cutoff")
	}
	return nil
}

// Stats summarizes the durable tier.
type Stats struct {
	Entries       int64   `json:"entries"`
	ActiveEntries int64   `json:"active_entries"`
	TotalHits     int64   `json:"total_hits"`
	TotalSavings  float64 `json:"total_savings"`
}

// Store persists cache entries. Implementations must make IncrementHit an
// atomic server-side increment and DeleteWhere a single conditional delete.
type Store interface {
	// Upsert inserts the entry or replaces payload and expiry of an existing
	// one. Hit counters of an existing entry are kept.
	Upsert(ctx context.Context, e *model.CacheEntry) error
	FindByKey(ctx context.Context, cacheKey string) (*model.CacheEntry, error)
	// IncrementHit adds one hit and savings to an existing entry. A missing
	// entry is not an error.
	IncrementHit(ctx context.Context, cacheKey string, savings float64) error
	DeleteWhere(ctx context.Context, p Predicate) (int, error)
	Stats(ctx context.Context, now time.Time) (Stats, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
