// Package app wires configuration into a running engine: stores, task
// queue, collaborators, observers, worker pool and HTTP server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"

	"github.com/petrijr/inboxflow/internal/alerting"
	"github.com/petrijr/inboxflow/internal/collab/console"
	"github.com/petrijr/inboxflow/internal/collab/openai"
	"github.com/petrijr/inboxflow/internal/config"
	"github.com/petrijr/inboxflow/internal/engine"
	"github.com/petrijr/inboxflow/internal/httpapi"
	"github.com/petrijr/inboxflow/internal/persistence"
	"github.com/petrijr/inboxflow/internal/retry"
	"github.com/petrijr/inboxflow/internal/taskqueue"
	"github.com/petrijr/inboxflow/internal/telemetry"
	"github.com/petrijr/inboxflow/pkg/api"
	"github.com/petrijr/inboxflow/pkg/worker"
)

// App is a fully wired inboxflow process.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Engine  api.Engine
	Queue   taskqueue.Queue
	Worker  *worker.Worker
	Metrics *api.BasicMetrics
	Monitor *alerting.Monitor

	closers []func() error
}

// connections holds the clients opened for the configured drivers so the
// store and the queue can share them.
type connections struct {
	cfg    *config.Config
	sqlite *sql.DB
	pg     *sql.DB
	redis  *redis.Client
	mongo  *mongo.Client
}

func (c *connections) sqliteDB() (*sql.DB, error) {
	if c.sqlite == nil {
		db, err := sql.Open("sqlite", c.cfg.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// One writer at a time avoids SQLITE_BUSY between store and queue.
		db.SetMaxOpenConns(1)
		c.sqlite = db
	}
	return c.sqlite, nil
}

func (c *connections) postgresDB(ctx context.Context) (*sql.DB, error) {
	if c.pg == nil {
		db, err := sql.Open("pgx", c.cfg.Store.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		c.pg = db
	}
	return c.pg, nil
}

func (c *connections) redisClient(ctx context.Context) (*redis.Client, error) {
	if c.redis == nil {
		client := redis.NewClient(&redis.Options{Addr: c.cfg.Store.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		c.redis = client
	}
	return c.redis, nil
}

func (c *connections) mongoClient(ctx context.Context) (*mongo.Client, error) {
	if c.mongo == nil {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(c.cfg.Store.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, fmt.Errorf("ping mongo: %w", err)
		}
		c.mongo = client
	}
	return c.mongo, nil
}

func (c *connections) closers() []func() error {
	var out []func() error
	if c.sqlite != nil {
		out = append(out, c.sqlite.Close)
	}
	if c.pg != nil {
		out = append(out, c.pg.Close)
	}
	if c.redis != nil {
		out = append(out, c.redis.Close)
	}
	if c.mongo != nil {
		client := c.mongo
		out = append(out, func() error { return client.Disconnect(context.Background()) })
	}
	return out
}

func (c *connections) persistence(ctx context.Context) (persistence.Persistence, error) {
	switch c.cfg.Store.Driver {
	case config.DriverMemory:
		return persistence.Persistence{
			Checkpoints: persistence.NewInMemoryStore(),
			Events:      persistence.NewInMemoryEventStore(),
		}, nil
	case config.DriverSQLite:
		db, err := c.sqliteDB()
		if err != nil {
			return persistence.Persistence{}, err
		}
		store, err := persistence.NewSQLiteStore(db)
		if err != nil {
			return persistence.Persistence{}, err
		}
		events, err := persistence.NewSQLiteEventStore(db)
		if err != nil {
			return persistence.Persistence{}, err
		}
		return persistence.Persistence{Checkpoints: store, Events: events}, nil
	case config.DriverPostgres:
		db, err := c.postgresDB(ctx)
		if err != nil {
			return persistence.Persistence{}, err
		}
		store, err := persistence.NewPostgresStore(db)
		if err != nil {
			return persistence.Persistence{}, err
		}
		return persistence.Persistence{Checkpoints: store}, nil
	case config.DriverRedis:
		client, err := c.redisClient(ctx)
		if err != nil {
			return persistence.Persistence{}, err
		}
		return persistence.Persistence{Checkpoints: persistence.NewRedisStore(client, c.cfg.Store.RedisPrefix)}, nil
	case config.DriverMongo:
		client, err := c.mongoClient(ctx)
		if err != nil {
			return persistence.Persistence{}, err
		}
		return persistence.Persistence{Checkpoints: persistence.NewMongoStore(client, c.cfg.Store.MongoDatabase, "")}, nil
	default:
		return persistence.Persistence{}, fmt.Errorf("unknown store driver %q", c.cfg.Store.Driver)
	}
}

func (c *connections) queue(ctx context.Context) (taskqueue.Queue, error) {
	switch c.cfg.Worker.Queue {
	case config.DriverMemory:
		return taskqueue.NewInMemoryQueue(), nil
	case config.DriverSQLite:
		db, err := c.sqliteDB()
		if err != nil {
			return nil, err
		}
		return taskqueue.NewSQLiteQueue(db)
	case config.DriverPostgres:
		db, err := c.postgresDB(ctx)
		if err != nil {
			return nil, err
		}
		return taskqueue.NewPostgresQueue(db)
	case config.DriverRedis:
		client, err := c.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return taskqueue.NewRedisQueue(client, c.cfg.Store.RedisPrefix), nil
	case config.DriverMongo:
		client, err := c.mongoClient(ctx)
		if err != nil {
			return nil, err
		}
		return taskqueue.NewMongoQueue(client, c.cfg.Store.MongoDatabase, ""), nil
	default:
		return nil, fmt.Errorf("unknown queue driver %q", c.cfg.Worker.Queue)
	}
}

// New connects to the configured backends and builds the engine.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conns := &connections{cfg: cfg}
	a, err := build(ctx, cfg, logger, conns)
	if err != nil {
		for _, closeFn := range conns.closers() {
			_ = closeFn()
		}
		return nil, err
	}
	return a, nil
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger, conns *connections) (*App, error) {
	p, err := conns.persistence(ctx)
	if err != nil {
		return nil, err
	}
	q, err := conns.queue(ctx)
	if err != nil {
		return nil, err
	}

	gw := console.New(logger.With(slog.String("component", "gateway")))
	collabs, err := collaborators(cfg, gw)
	if err != nil {
		return nil, err
	}

	metrics := &api.BasicMetrics{}
	otelObs, err := telemetry.NewObserver()
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	monitor := alerting.NewMonitor(gw, alerting.Config{
		Threshold:  cfg.Alerts.ErrorRateThreshold,
		Window:     cfg.Alerts.Window,
		MinSamples: cfg.Alerts.MinSamples,
		Cooldown:   cfg.Alerts.Cooldown,
		Logger:     logger,
	})
	obs := api.NewCompositeObserver(api.NewLoggingObserver(logger), metrics, otelObs, monitor)

	retryOpts := []retry.Option{retry.WithObserver(obs), retry.WithLogger(logger)}
	if cfg.Retry.RateLimit > 0 {
		retryOpts = append(retryOpts, retry.WithLimiter(rate.NewLimiter(rate.Limit(cfg.Retry.RateLimit), max(cfg.Retry.Burst, 1))))
	}

	eng, err := engine.NewEngine(engine.Config{
		Persistence:       p,
		Collaborators:     collabs,
		Executor:          retry.New(cfg.RetryPolicy(), retryOpts...),
		Observer:          obs,
		Logger:            logger,
		DeadLetterCeiling: cfg.Engine.DeadLetterCeiling,
		LeaseTTL:          cfg.Engine.LeaseTTL,
	})
	if err != nil {
		return nil, err
	}

	w := worker.NewWithConfig(eng, q, worker.Config{
		MaxRedeliveries: cfg.Worker.MaxAttempts,
		LockedBackoff:   cfg.Worker.Backoff,
		Logger:          logger,
	})

	return &App{
		Config:  cfg,
		Logger:  logger,
		Engine:  eng,
		Queue:   q,
		Worker:  w,
		Metrics: metrics,
		Monitor: monitor,
		closers: conns.closers(),
	}, nil
}

// collaborators uses the OpenAI client for classification and drafting
// when an API key is configured, and keyword rules otherwise.
func collaborators(cfg *config.Config, gw *console.Gateway) (api.Collaborators, error) {
	c := api.Collaborators{
		Retriever: gw,
		Messenger: gw,
		Actions:   gw,
		Notifier:  gw,
	}
	if cfg.OpenAI.APIKey == "" {
		rules := console.DefaultRules()
		c.Classifier, c.Drafter = rules, rules
		return c, nil
	}
	client, err := openai.New(openai.Config{
		APIKey:  cfg.OpenAI.APIKey,
		BaseURL: cfg.OpenAI.BaseURL,
		Model:   cfg.OpenAI.Model,
	})
	if err != nil {
		return api.Collaborators{}, err
	}
	c.Classifier, c.Drafter = client, client
	return c, nil
}

// Close releases every backend connection.
func (a *App) Close() error {
	var errs []error
	for _, closeFn := range a.closers {
		errs = append(errs, closeFn())
	}
	return errors.Join(errs...)
}

// Serve runs the worker pool and the HTTP API until ctx is done. Stalled
// instances are recovered once at startup.
func (a *App) Serve(ctx context.Context) error {
	if recovered, err := a.Engine.RecoverStalled(ctx, a.Config.Engine.StalledAfter); err != nil {
		a.Logger.WarnContext(ctx, "startup recovery failed", slog.String("error", err.Error()))
	} else if len(recovered) > 0 {
		a.Logger.InfoContext(ctx, "startup recovery", slog.Int("count", len(recovered)))
	}

	pool := worker.NewPool(a.Worker, worker.PoolConfig{
		Concurrency:  a.Config.Worker.Concurrency,
		RecoverEvery: a.Config.Worker.RecoverEvery,
		StalledAfter: a.Config.Engine.StalledAfter,
		Logger:       a.Logger,
	})

	handler := httpapi.NewServer(a.Engine, httpapi.WithWorker(a.Worker), httpapi.WithLogger(a.Logger)).Handler()
	srv := &http.Server{
		Addr:         a.Config.HTTP.Addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error {
		a.Logger.InfoContext(gctx, "server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.Logger.Error("server shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	err := g.Wait()
	a.Logger.Info("inboxflow stopped")
	return err
}
