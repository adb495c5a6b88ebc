package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"

	authhandler "ban/internal/auth/handler"
	authmetrics "ban/internal/auth/metrics"
	"ban/internal/auth/seed"
	authservice "ban/internal/auth/service"
	authmemory "ban/internal/auth/store/memory"
	authpostgres "ban/internal/auth/store/postgres"
	"ban/internal/batch"
	"ban/internal/feed"
	"ban/internal/platform/config"
	"ban/internal/platform/database"
	"ban/internal/platform/httpserver"
	"ban/internal/platform/logger"
	"ban/internal/platform/metrics"
	"ban/internal/platform/middleware"
	"ban/internal/platform/redis"
	"ban/internal/resource/cache"
	"ban/internal/resource/entities"
	resourcehandler "ban/internal/resource/handler"
	resourcemetrics "ban/internal/resource/metrics"
	resourceservice "ban/internal/resource/service"
	"ban/internal/resource/store"
	resourcememory "ban/internal/resource/store/memory"
	resourcepostgres "ban/internal/resource/store/postgres"
	httptransport "ban/internal/transport/http"
	"ban/pkg/platform/circuit"
)

const (
	shutdownTimeout = 10 * time.Second
	purgeSchedule   = "@hourly"
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal services packages.
func main() {
	if err := run(); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	log := logger.New(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registry := entities.MustRegistry()
	var (
		db            *sql.DB
		resourceStore store.Store
		authStores    authservice.Stores
		checks        []httptransport.Check
	)
	switch cfg.Storage {
	case config.StoragePostgres:
		db, err = database.Open(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := database.Migrate(db); err != nil {
			return err
		}
		pg := resourcepostgres.New(db, registry)
		resourceStore = pg
		authStore := authpostgres.New(db)
		authStores = authservice.Stores{Users: authStore, Clients: authStore, Sessions: authStore, Tokens: authStore, Tx: authStore}
		checks = append(checks, httptransport.Check{Name: "postgres", Probe: pg.Ping})
	default:
		resourceStore = resourcememory.New(registry)
		authStore := authmemory.New()
		authStores = authservice.Stores{Users: authStore, Clients: authStore, Sessions: authStore, Tokens: authStore, Tx: authStore}
		log.Warn("using in-memory storage, data is lost on restart")
	}

	var refStore cache.Store = cache.NewMemory()
	redisClient, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		refStore = cache.NewRedis(redisClient.Client)
		checks = append(checks, httptransport.Check{Name: "redis", Probe: redisClient.Health})
	}

	resourceMetrics := resourcemetrics.New(reg)
	resources := resourceservice.New(registry, resourceStore,
		resourceservice.WithLogger(log),
		resourceservice.WithMetrics(resourceMetrics),
		resourceservice.WithCache(cache.NewRefs(refStore, cache.WithObserver(resourceMetrics), cache.WithLogger(log))),
	)

	auth, err := authservice.New(authStores, cfg.JWTSigningKey,
		authservice.WithLogger(log),
		authservice.WithMetrics(authmetrics.New(reg)),
		authservice.WithTokenTTL(cfg.TokenTTL),
	)
	if err != nil {
		return err
	}
	if cfg.SeedFile != "" {
		f, err := seed.Load(cfg.SeedFile)
		if err != nil {
			return err
		}
		if _, err := seed.Apply(ctx, auth, f, log); err != nil {
			return err
		}
	}

	feedMetrics := feed.NewMetrics(reg)
	scheduler := feed.NewScheduler(log, feedMetrics)
	if err := scheduler.Add(purgeSchedule, "purge_tokens", func(ctx context.Context) error {
		_, err := auth.PurgeExpiredTokens(ctx)
		return err
	}); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Feed.Enabled() {
		client, err := startRelay(ctx, g, gctx, cfg, db, resources, scheduler, feedMetrics, log)
		if err != nil {
			return err
		}
		defer client.Close()
	}

	var limiter *middleware.IPLimiter
	if cfg.TokenRatePerSecond > 0 {
		limiter = middleware.NewIPLimiter(cfg.TokenRatePerSecond, cfg.TokenRateBurst, middleware.WithLimiterLogger(log))
	}
	router := httptransport.NewRouter(httptransport.Deps{
		Auth:         auth,
		Token:        authhandler.New(auth, log),
		Resources:    resourcehandler.New(resources, log),
		TxRunner:     resourceStore,
		BatchOptions: []batch.Option{batch.WithMetrics(batch.NewMetrics(reg))},
		TokenLimiter: limiter,
		Checks:       checks,
		Gatherer:     reg,
		HTTPMetrics:  metrics.NewHTTP(reg),
		Logger:       log,
	})
	srv := httpserver.New(cfg.Addr, router, log)

	scheduler.Start()
	g.Go(func() error {
		log.Info("starting ban", "addr", cfg.Addr, "storage", cfg.Storage)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		scheduler.Stop(shutdownCtx)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		log.Info("server stopped")
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// startRelay connects the producer, creates the topic when missing, then runs
// the relay woken by LISTEN and by the cron catch-up.
func startRelay(ctx context.Context, g *errgroup.Group, gctx context.Context, cfg config.Server, db *sql.DB,
	source feed.DiffSource, scheduler *feed.Scheduler, m *feed.Metrics, log *slog.Logger,
) (*kgo.Client, error) {
	client, err := feed.NewKafkaClient(cfg.Feed.Brokers, cfg.Feed.Topic, log)
	if err != nil {
		return nil, err
	}
	if err := feed.EnsureTopic(ctx, client, cfg.Feed.Topic); err != nil {
		client.Close()
		return nil, err
	}

	relay := feed.NewRelay(source, feed.NewPostgresCursor(db), feed.NewKafkaPublisher(client, cfg.Feed.Topic),
		feed.WithLogger(log),
		feed.WithMetrics(m),
		feed.WithBatchSize(cfg.Feed.BatchSize),
		feed.WithBreaker(circuit.New("kafka")),
	)
	if err := scheduler.Add(cfg.Feed.CatchUp, "feed_catchup", relay.CatchUp); err != nil {
		client.Close()
		return nil, err
	}

	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error {
		return feed.Listen(gctx, database.DSN(cfg.Database), feed.DiffChannel, relay.Notify, log)
	})
	log.Info("diff relay started", "topic", cfg.Feed.Topic, "brokers", cfg.Feed.Brokers)
	return client, nil
}
