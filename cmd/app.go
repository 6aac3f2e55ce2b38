package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/enrich-cli/internal/cache"
	"github.com/sells-group/enrich-cli/internal/config"
	"github.com/sells-group/enrich-cli/internal/cost"
	"github.com/sells-group/enrich-cli/internal/enrich"
	"github.com/sells-group/enrich-cli/internal/merge"
	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/resilience"
	"github.com/sells-group/enrich-cli/internal/source"
	"github.com/sells-group/enrich-cli/internal/store"
	"github.com/sells-group/enrich-cli/internal/tasks"
)

// app holds the wired components shared by every command.
type app struct {
	Store    store.Store
	Cache    *cache.Store
	Registry *source.Registry
	Service  *enrich.Service
	Handlers *tasks.Handlers
}

// initApp wires store, cache, sources and the orchestrator from cfg.
func initApp(ctx context.Context, c *config.Config) (*app, error) {
	durable, err := initStore(ctx, c.Store)
	if err != nil {
		return nil, eris.Wrap(err, "init store")
	}

	cacheStore := cache.New(durable, cache.Config{
		QuickTTL:    c.Cache.QuickTTL(),
		DeepTTL:     c.Cache.DeepTTL(),
		FastCleanup: c.Cache.FastCleanup(),
		FastTTL:     c.Cache.FastTTL(),
	})

	fc, err := loadSources(c.Sources.Path)
	if err != nil {
		closeStore(durable)
		return nil, err
	}
	for i := range fc.Sources {
		if fc.Sources[i].Kind == source.KindAnthropic && fc.Sources[i].Model == "" {
			fc.Sources[i].Model = c.Anthropic.Model
		}
	}

	sf, err := initSalesforce(c.Salesforce)
	if err != nil {
		closeStore(durable)
		return nil, eris.Wrap(err, "init salesforce")
	}

	registry := source.NewRegistry(resilience.NewServiceBreakers(resilience.DefaultCircuitBreakerConfig()))
	err = source.Build(fc, source.Deps{
		HTTP:       source.NewHTTPClient(0),
		Perplexity: initPerplexity(c.Perplexity),
		Anthropic:  initAnthropic(c.Anthropic),
		Salesforce: sf,
		Costs:      cost.NewCalculator(ratesFromConfig(c.Pricing)),
	}, registry)
	if err != nil {
		closeStore(durable)
		return nil, eris.Wrap(err, "build sources")
	}

	svc := enrich.NewService(registry, cacheStore, merge.NewEngine(), enrich.Config{
		QuickDeadline: time.Duration(c.Enrich.QuickDeadlineSecs) * time.Second,
		DeepDeadline:  time.Duration(c.Enrich.DeepDeadlineSecs) * time.Second,
	})

	handlers := tasks.NewHandlers()
	handlers.Register(enrich.DeepTaskName, svc.DeepTaskHandler())

	zap.L().Info("enrichment service ready",
		zap.String("store", c.Store.Driver),
		zap.Int("quick_sources", len(registry.Tier(model.DepthQuick))),
		zap.Int("deep_sources", len(registry.Tier(model.DepthDeep))),
	)

	return &app{
		Store:    durable,
		Cache:    cacheStore,
		Registry: registry,
		Service:  svc,
		Handlers: handlers,
	}, nil
}

// Close releases the durable store.
func (a *app) Close() {
	closeStore(a.Store)
}

func closeStore(s store.Store) {
	if s == nil {
		return
	}
	if err := s.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}

// loadSources reads the adapter file, falling back to the free quick
// sources when it does not exist.
func loadSources(path string) (*source.FileConfig, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		zap.L().Info("no sources file, using defaults", zap.String("path", path))
		return source.DefaultFileConfig(), nil
	}
	return source.LoadFile(path)
}

// ratesFromConfig overlays configured pricing on the defaults.
func ratesFromConfig(p config.PricingConfig) cost.Rates {
	rates := cost.DefaultRates()
	for model, mp := range p.Anthropic {
		rates.Anthropic[model] = cost.ModelRate{
			Input:         mp.Input,
			Output:        mp.Output,
			CacheWriteMul: mp.CacheWriteMul,
			CacheReadMul:  mp.CacheReadMul,
		}
	}
	if p.Perplexity.PerQuery > 0 {
		rates.Perplexity.PerQuery = p.Perplexity.PerQuery
	}
	if p.Perplexity.PerMTok > 0 {
		rates.Perplexity.PerMTok = p.Perplexity.PerMTok
	}
	return rates
}
