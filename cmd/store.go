package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/enrich-cli/internal/config"
	"github.com/sells-group/enrich-cli/internal/store"
	"github.com/sells-group/enrich-cli/pkg/anthropic"
	"github.com/sells-group/enrich-cli/pkg/perplexity"
	"github.com/sells-group/enrich-cli/pkg/salesforce"
)

// initStore opens the durable tier. The memory driver returns nil, which
// runs the cache in fast-tier-only mode.
func initStore(ctx context.Context, c config.StoreConfig) (store.Store, error) {
	var (
		s   store.Store
		err error
	)
	switch c.Driver {
	case "memory":
		return nil, nil
	case "sqlite":
		dsn := c.DatabaseURL
		if dsn == "" {
			dsn = "enrich.db"
		}
		s, err = store.NewSQLite(dsn)
	case "postgres":
		s, err = store.NewPostgres(ctx, c.DatabaseURL, &store.PoolConfig{MaxConns: c.MaxConns, MinConns: c.MinConns})
	case "redis":
		s, err = store.NewRedis(ctx, store.RedisConfig{
			Address:  c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
			PoolSize: c.RedisPoolSize,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return s, nil
}

// initSalesforce connects with JWT auth when credentials are configured.
func initSalesforce(c config.SalesforceConfig) (salesforce.Client, error) {
	if !c.Enabled() {
		return nil, nil
	}
	return salesforce.Connect(salesforce.JWTConfig{
		LoginURL: c.LoginURL,
		Username: c.Username,
		ClientID: c.ClientID,
		KeyPath:  c.KeyPath,
	}, salesforce.WithRateLimit(c.RateLimit))
}

func initPerplexity(c config.PerplexityConfig) perplexity.Client {
	if c.Key == "" {
		return nil
	}
	opts := []perplexity.Option{perplexity.WithBaseURL(c.BaseURL), perplexity.WithModel(c.Model)}
	if c.RateLimit > 0 {
		opts = append(opts, perplexity.WithRateLimit(c.RateLimit, 1))
	}
	return perplexity.NewClient(c.Key, opts...)
}

func initAnthropic(c config.AnthropicConfig) anthropic.Client {
	if c.Key == "" {
		return nil
	}
	return anthropic.NewClient(c.Key)
}
