package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/redis/go-redis/v9"

	"report-job-engine/internal/api"
	"report-job-engine/internal/config"
	"report-job-engine/internal/deadletter"
	"report-job-engine/internal/health"
	"report-job-engine/internal/progress"
	"report-job-engine/internal/queue"
	"report-job-engine/internal/ratelimit"
	"report-job-engine/internal/router"
	"report-job-engine/internal/store"
	"report-job-engine/internal/taskmetrics"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := pingWithRetry(ctx, func() error { return rdb.Ping(ctx).Err() }); err != nil {
		log.Fatalf("connect redis: %v", err)
	}

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()
	if err := pingWithRetry(ctx, func() error { return st.Ping(ctx) }); err != nil {
		log.Fatalf("ping postgres: %v", err)
	}
	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	table := router.Default()
	q := queue.NewRedisQueue(rdb, table.Names(), cfg.VisibilityTimeout)
	registry := queue.NewRegistry(rdb, 6*cfg.HeartbeatInterval)
	tracker := progress.NewTracker(rdb, cfg.ProgressTTL)
	collector := taskmetrics.NewCollector(rdb, cfg.MetricsTTL, cfg.SnapshotHistory)
	deadLetters := deadletter.NewHandler(rdb)

	limiter := ratelimit.NewLimiter(rdb)
	if err := limiter.Register(ratelimit.Rule{
		Name:     api.SubmitRule,
		Requests: 60,
		Window:   time.Minute,
		Strategy: ratelimit.SlidingWindow,
		Scope:    ratelimit.ScopeUser,
	}); err != nil {
		log.Fatalf("register rate limit: %v", err)
	}

	// Breaker state is per-process and the renderer is only called from the
	// worker, so the API's health report carries no renderer component.
	healthAgg := health.NewAggregator(rdb, st, registry, q, nil)

	server := api.New(api.Params{
		Store:       st,
		Queue:       q,
		Table:       table,
		Tracker:     tracker,
		Collector:   collector,
		DeadLetters: deadLetters,
		Limiter:     limiter,
		Health:      healthAgg,
		MaxRetries:  cfg.MaxRetries,
		IdemTTL:     cfg.IdempotencyTTL,
	})
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

// pingWithRetry gives slow-starting local dependencies a moment to come up
// before failing hard.
func pingWithRetry(ctx context.Context, ping func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 30 * time.Second
	return backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return ping()
	}, policy)
}
