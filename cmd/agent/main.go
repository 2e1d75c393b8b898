// cmd/agent/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	scs "github.com/alexedwards/scs/v2"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/briangreenhill/surveysync/cache"
	"github.com/briangreenhill/surveysync/internal/agent"
	"github.com/briangreenhill/surveysync/internal/clients"
	"github.com/briangreenhill/surveysync/internal/config"
	"github.com/briangreenhill/surveysync/internal/connectivity"
	"github.com/briangreenhill/surveysync/internal/http/routes"
	"github.com/briangreenhill/surveysync/internal/intercept"
	"github.com/briangreenhill/surveysync/internal/jobs"
	"github.com/briangreenhill/surveysync/internal/lifecycle"
	applog "github.com/briangreenhill/surveysync/internal/logger"
	"github.com/briangreenhill/surveysync/internal/syncer"
	"github.com/briangreenhill/surveysync/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := applog.New(applog.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("agent stopped")
	}
	logger.Info().Msg("agent stopped")
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	origin, err := url.Parse(cfg.OriginURL)
	if err != nil {
		return fmt.Errorf("parse origin: %w", err)
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()
	}

	// Stores
	responses, err := openCache(cfg, rdb)
	if err != nil {
		return err
	}
	defer func() { _ = responses.Close() }()

	pending, closeQueue, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeQueue()

	// Network: the raw transport to the origin
	network := http.DefaultTransport.(*http.Transport).Clone()

	registry := clients.NewRegistry()
	lc := lifecycle.New(cfg.CacheVersion, responses, registry, logger)
	coord := syncer.New(pending, network, clients.NewBroadcaster(registry, logger), logger)

	var a *agent.Agent
	monitor, err := connectivity.New(origin.String(), cfg.ProbeSchedule,
		func(ctx context.Context) { a.OnReconnect(ctx) },
		connectivity.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	router := intercept.New(network, responses, pending, cfg.Classifier(),
		intercept.WithLogger(logger),
		intercept.WithFailureHook(monitor.ReportFailure),
	)

	agentOpts := []agent.Option{agent.WithLogger(logger)}
	if cfg.SyncFacility() {
		redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
		ac := asynq.NewClient(redisOpt)
		inspector := asynq.NewInspector(redisOpt)
		defer func() {
			if err := ac.Close(); err != nil {
				logger.Warn().Err(err).Msg("close asynq client")
			}
			if err := inspector.Close(); err != nil {
				logger.Warn().Err(err).Msg("close asynq inspector")
			}
		}()
		agentOpts = append(agentOpts, agent.WithSyncRegistrar(jobs.NewRegistrar(ac, inspector, logger)))
	}
	a = agent.New(lc, router, network, coord, agentOpts...)

	if err := a.Start(ctx); err != nil {
		return err
	}

	// Sessions carry the instance id handed out by /__agent/register
	sess := scs.New()
	sess.Lifetime = cfg.SessionLifetime
	sess.Cookie.Name = "surveysync_instance"
	sess.Cookie.HttpOnly = true
	sess.Cookie.SameSite = http.SameSiteLaxMode
	sess.Cookie.Secure = false

	s := routes.New(routes.ServerOptions{
		Sess:         sess,
		Agent:        a,
		Lifecycle:    lc,
		Queue:        pending,
		Clients:      registry,
		Connectivity: monitor,
		Origin:       origin,
		Logger:       logger,
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().
			Str("addr", srv.Addr).
			Str("origin", origin.String()).
			Str("version", cfg.CacheVersion).
			Msg("agent listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := monitor.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		monitor.Stop()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		router.Wait()
		a.Wait()
		return err
	})
	return g.Wait()
}

func openCache(cfg config.Config, rdb *redis.Client) (cache.Cache, error) {
	switch cfg.CacheBackend {
	case config.CacheMemory:
		return cache.NewMemory(), nil
	case config.CacheRedis:
		return cache.NewRedis(rdb), nil
	default:
		c, err := cache.NewFileCache(cfg.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("open file cache: %w", err)
		}
		return c, nil
	}
}

func openQueue(ctx context.Context, cfg config.Config) (queue.Store, func(), error) {
	switch cfg.QueueBackend {
	case config.QueueMemory:
		q := queue.NewMemory()
		return q, func() { _ = q.Close() }, nil
	case config.QueuePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("db error: %w", err)
		}
		q, err := queue.NewPostgres(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return q, func() { _ = q.Close(); pool.Close() }, nil
	default:
		if dir := filepath.Dir(cfg.QueuePath); dir != "" {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, nil, fmt.Errorf("create queue dir: %w", err)
			}
		}
		q, err := queue.OpenSQLite(cfg.QueuePath)
		if err != nil {
			return nil, nil, err
		}
		return q, func() { _ = q.Close() }, nil
	}
}
