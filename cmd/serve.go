package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/enrich-cli/internal/api"
	"github.com/sells-group/enrich-cli/internal/cache"
	"github.com/sells-group/enrich-cli/internal/config"
	"github.com/sells-group/enrich-cli/internal/ratelimit"
	"github.com/sells-group/enrich-cli/internal/tasks"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the enrichment HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		a, err := initApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		queue, shutdownQueue, err := initQueue(ctx, cfg.Tasks, a.Handlers)
		if err != nil {
			return err
		}
		defer shutdownQueue()

		limiter, closeLimiter, err := initLimiter(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeLimiter()

		sweeper, err := startSweeper(a.Cache, cfg.Cache.SweepCron)
		if err != nil {
			return err
		}
		defer stopSweeper(sweeper)

		handler := api.NewHandler(api.Deps{
			Service:        a.Service,
			Queue:          queue,
			Limiter:        limiter,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		})
		return startServer(ctx, handler, resolvePort(servePort, cfg.Server.Port))
	},
}

// resolvePort prefers the flag over the configured port.
func resolvePort(flagPort, cfgPort int) int {
	if flagPort != 0 {
		return flagPort
	}
	return cfgPort
}

// startServer serves until ctx is cancelled, then shuts down gracefully.
func startServer(ctx context.Context, handler http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- eris.Wrap(err, "server listen")
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	zap.L().Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return eris.Wrap(err, "server shutdown")
	}
	return <-errCh
}

// initQueue starts the configured task queue. The returned func stops it.
func initQueue(ctx context.Context, c config.TasksConfig, handlers *tasks.Handlers) (tasks.Queue, func(), error) {
	switch c.Backend {
	case "temporal":
		tc, err := tasks.DialTemporal(temporalConfig(c))
		if err != nil {
			return nil, nil, err
		}
		return tasks.NewTemporalQueue(tc, temporalConfig(c), handlers), tc.Close, nil
	default:
		q := tasks.NewLocalQueue(handlers, c.Workers)
		q.Start(ctx)
		return q, func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			q.Stop(stopCtx)
		}, nil
	}
}

func temporalConfig(c config.TasksConfig) tasks.TemporalConfig {
	return tasks.TemporalConfig{
		HostPort:        c.TemporalHost,
		Namespace:       c.TemporalNamespace,
		TaskQueue:       c.TemporalTaskQueue,
		ActivityTimeout: time.Duration(c.ActivityTimeoutSecs) * time.Second,
		MaxAttempts:     c.MaxAttempts,
	}
}

// initLimiter builds the per-caller limiter. The returned func releases it.
func initLimiter(ctx context.Context, c *config.Config) (ratelimit.Limiter, func(), error) {
	rl := ratelimit.Config{
		RequestsPerMinute: c.RateLimit.RequestsPerMinute,
		Burst:             c.RateLimit.Burst,
	}
	if c.RateLimit.Backend != "redis" {
		return ratelimit.NewLocal(rl), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Store.RedisAddr,
		Password: c.Store.RedisPassword,
		DB:       c.Store.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, eris.Wrap(err, "rate limiter: redis ping")
	}
	return ratelimit.NewRedis(rdb, rl), func() { _ = rdb.Close() }, nil
}

func startSweeper(c *cache.Store, schedule string) (*cache.Sweeper, error) {
	sw, err := cache.NewSweeper(c, schedule)
	if err != nil {
		return nil, err
	}
	sw.Start()
	return sw, nil
}

func stopSweeper(sw *cache.Sweeper) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sw.Stop(ctx)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
