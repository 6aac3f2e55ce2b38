// Package enrich orchestrates cache lookups, concurrent source fan-out and
// merging for quick and deep enrichment.
package enrich

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/enrich-cli/internal/cache"
	"github.com/sells-group/enrich-cli/internal/merge"
	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/resilience"
	"github.com/sells-group/enrich-cli/internal/source"
)

// ErrInvalidKey is returned for a lookup key that is empty or not a domain.
var ErrInvalidKey = eris.New("enrich: invalid key")

// ErrUnknownCircuit is returned when resetting a breaker that does not exist.
var ErrUnknownCircuit = eris.New("enrich: unknown circuit")

// Config bounds each fan-out. Zero values use the defaults.
type Config struct {
	QuickDeadline time.Duration
	DeepDeadline  time.Duration
}

const (
	defaultQuickDeadline = 8 * time.Second
	defaultDeepDeadline  = 60 * time.Second
)

// Service is the enrichment orchestrator.
type Service struct {
	registry *source.Registry
	cache    *cache.Store
	engine   *merge.Engine
	cfg      Config
	log      *zap.Logger
}

// NewService wires the orchestrator.
func NewService(registry *source.Registry, c *cache.Store, engine *merge.Engine, cfg Config) *Service {
	if cfg.QuickDeadline <= 0 {
		cfg.QuickDeadline = defaultQuickDeadline
	}
	if cfg.DeepDeadline <= 0 {
		cfg.DeepDeadline = defaultDeepDeadline
	}
	if engine == nil {
		engine = merge.NewEngine()
	}
	return &Service{
		registry: registry,
		cache:    c,
		engine:   engine,
		cfg:      cfg,
		log:      zap.L().With(zap.String("component", "enrich")),
	}
}

// NormalizeKey validates a raw lookup key and returns its canonical domain.
func NormalizeKey(raw string) (string, error) {
	k := cache.Normalize(raw)
	if k == "" {
		return "", eris.Wrap(ErrInvalidKey, "empty key")
	}
	if strings.ContainsAny(k, " \t\r\n/\\?#@") || !strings.Contains(k, ".") ||
		strings.HasPrefix(k, ".") || strings.HasSuffix(k, ".") || len(k) > 253 {
		return "", eris.Wrapf(ErrInvalidKey, "%q is not a domain", raw)
	}
	return k, nil
}

// EnrichQuick returns the quick-tier record for rawKey, from cache when
// possible, otherwise by fanning out to every quick source.
func (s *Service) EnrichQuick(ctx context.Context, rawKey string) (*model.MergedRecord, error) {
	domain, err := NormalizeKey(rawKey)
	if err != nil {
		return nil, err
	}
	return s.enrichQuick(ctx, domain)
}

func (s *Service) enrichQuick(ctx context.Context, domain string) (*model.MergedRecord, error) {
	if rec, ok := s.cache.Get(ctx, domain, model.DepthQuick); ok {
		s.log.Debug("cache hit", zap.String("key", domain), zap.String("depth", string(model.DepthQuick)))
		return rec, nil
	}

	partials := s.fanOut(ctx, s.registry.Tier(model.DepthQuick), domain, nil, s.cfg.QuickDeadline)
	rec := s.engine.Merge(domain, model.DepthQuick, partials, nil)
	s.store(ctx, domain, rec, partials)
	return rec, nil
}

// EnrichDeep returns the deep-tier record for rawKey. On a miss it obtains
// the quick record first, passes its fields (overridden by callerContext)
// to the deep sources as hints, and merges their results on top of it.
func (s *Service) EnrichDeep(ctx context.Context, rawKey string, callerContext model.Fields) (*model.MergedRecord, error) {
	domain, err := NormalizeKey(rawKey)
	if err != nil {
		return nil, err
	}
	if rec, ok := s.cache.Get(ctx, domain, model.DepthDeep); ok {
		s.log.Debug("cache hit", zap.String("key", domain), zap.String("depth", string(model.DepthDeep)))
		return rec, nil
	}

	quick, err := s.enrichQuick(ctx, domain)
	if err != nil {
		return nil, err
	}

	hints := quick.Fields.Clone()
	for k, v := range callerContext.Compact() {
		hints[k] = v
	}

	partials := s.fanOut(ctx, s.registry.Tier(model.DepthDeep), domain, hints, s.cfg.DeepDeadline)
	rec := s.engine.Merge(domain, model.DepthDeep, partials, quick)
	s.store(ctx, domain, rec, partials)
	return rec, nil
}

// fanOut calls every source concurrently and waits until all have settled or
// the deadline passes. Sources still running at the deadline are abandoned
// and recorded as timeouts.
func (s *Service) fanOut(ctx context.Context, sources []*source.Source, domain string, hints model.Fields, deadline time.Duration) []model.PartialRecord {
	if len(sources) == 0 {
		return nil
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	results := make(chan model.PartialRecord, len(sources))
	// Sources never return errors, so one failure cannot cancel its siblings.
	var g errgroup.Group
	for _, src := range sources {
		g.Go(func() error {
			results <- src.Fetch(ctx, domain, hints)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(results)
	}()

	settled := make(map[string]model.PartialRecord, len(sources))
collect:
	for len(settled) < len(sources) {
		select {
		case pr, ok := <-results:
			if !ok {
				break collect
			}
			settled[pr.Source] = pr
		case <-ctx.Done():
			break collect
		}
	}

	out := make([]model.PartialRecord, 0, len(sources))
	for _, src := range sources {
		pr, ok := settled[src.Name()]
		if !ok {
			d := src.Descriptor()
			pr = model.PartialRecord{
				Source:     d.Name,
				Tier:       d.Tier,
				Weight:     d.Weight,
				ErrorKind:  model.ErrorKindTimeout,
				Error:      "abandoned at fan-out deadline",
				DurationMs: time.Since(start).Milliseconds(),
			}
			s.log.Warn("source abandoned at deadline",
				zap.String("source", d.Name), zap.String("key", domain))
		}
		out = append(out, pr)
	}
	return out
}

// store writes rec to the cache unless no source in this call succeeded, so
// an outage is retried on the next lookup instead of cached for a full TTL.
// Cache failures degrade; they never fail the enrichment.
func (s *Service) store(ctx context.Context, domain string, rec *model.MergedRecord, partials []model.PartialRecord) {
	if !anySucceeded(partials) {
		s.log.Warn("no source succeeded, result not cached",
			zap.String("key", domain), zap.String("depth", string(rec.Depth)))
		return
	}
	err := s.cache.Set(ctx, domain, rec.Depth, rec, 0)
	if err == nil {
		return
	}
	lvl := s.log.Error
	if errors.Is(err, cache.ErrCacheUnavailable) {
		lvl = s.log.Warn
	}
	lvl("cache write failed",
		zap.String("key", domain), zap.String("depth", string(rec.Depth)), zap.Error(err))
}

func anySucceeded(partials []model.PartialRecord) bool {
	for _, pr := range partials {
		if pr.Success {
			return true
		}
	}
	return false
}

// CircuitHealth reports every source breaker.
func (s *Service) CircuitHealth() map[string]resilience.HealthStatus {
	return s.registry.Breakers().Health()
}

// ResetCircuit forces the named breaker closed.
func (s *Service) ResetCircuit(name string) error {
	cb, ok := s.registry.Breakers().Lookup(name)
	if !ok {
		return eris.Wrapf(ErrUnknownCircuit, "%s", name)
	}
	cb.Reset()
	s.log.Info("circuit reset", zap.String("source", name))
	return nil
}

// CacheStatistics reports hit rate, savings and entry counts.
func (s *Service) CacheStatistics(ctx context.Context) cache.Statistics {
	return s.cache.Statistics(ctx)
}

// Invalidate drops the cached record for rawKey at depth.
func (s *Service) Invalidate(ctx context.Context, rawKey string, depth model.Depth) error {
	domain, err := NormalizeKey(rawKey)
	if err != nil {
		return err
	}
	return s.cache.Invalidate(ctx, domain, depth)
}
