package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/redis/go-redis/v9"

	"report-job-engine/internal/breaker"
	"report-job-engine/internal/config"
	"report-job-engine/internal/deadletter"
	"report-job-engine/internal/progress"
	"report-job-engine/internal/queue"
	"report-job-engine/internal/render"
	"report-job-engine/internal/retry"
	"report-job-engine/internal/router"
	"report-job-engine/internal/store"
	"report-job-engine/internal/taskmetrics"
	"report-job-engine/internal/telemetry"
	workerproc "report-job-engine/internal/worker"
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
	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	table := router.Default()
	q := queue.NewRedisQueue(rdb, table.Names(), cfg.VisibilityTimeout)
	registry := queue.NewRegistry(rdb, 6*cfg.HeartbeatInterval)
	tracker := progress.NewTracker(rdb, cfg.ProgressTTL)
	collector := taskmetrics.NewCollector(rdb, cfg.MetricsTTL, cfg.SnapshotHistory)
	deadLetters := deadletter.NewHandler(rdb)

	rendererBreaker := breaker.New(cfg.BreakerThreshold, cfg.BreakerRecovery)
	renderer := render.NewClient(cfg.RendererURL, cfg.RendererRPS, rendererBreaker)

	uploader, err := workerproc.NewArtifactUploader(ctx, cfg)
	if err != nil {
		log.Fatalf("init artifact uploader: %v", err)
	}
	reports := workerproc.NewReportHandler(renderer, uploader, tracker)

	processor := workerproc.NewProcessor(workerproc.Params{
		Table:        table,
		Queue:        q,
		Store:        st,
		Tracker:      tracker,
		Collector:    collector,
		DeadLetters:  deadLetters,
		Registry:     registry,
		Policy:       retry.Policy{BaseCountdown: cfg.BaseCountdown},
		WorkerID:     workerID,
		PollInterval: cfg.WorkerPollInterval,
		Heartbeat:    cfg.HeartbeatInterval,
		BatchSize:    int64(cfg.ScheduledBatchSize),
	})
	processor.RegisterHandler("generate_report", reports.Generate)
	processor.RegisterHandler("export_report", reports.Export)
	processor.RegisterHandler("notify_email", reports.Notify)

	go collector.RunSnapshotLoop(ctx, cfg.SnapshotInterval, func(ctx context.Context) (taskmetrics.Snapshot, error) {
		depths, err := q.Depths(ctx)
		if err != nil {
			return taskmetrics.Snapshot{}, err
		}
		workers, err := registry.Workers(ctx)
		if err != nil {
			return taskmetrics.Snapshot{}, err
		}
		snap := taskmetrics.Snapshot{QueueLengths: depths}
		for _, w := range workers {
			snap.Workers = append(snap.Workers, taskmetrics.WorkerSample{
				WorkerID:       w.WorkerID,
				ActiveTasks:    len(w.ActiveTasks),
				TotalProcessed: w.TotalProcessed,
			})
		}
		return snap, nil
	})

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker %s started visibility=%s base_countdown=%s", workerID, cfg.VisibilityTimeout, cfg.BaseCountdown)
	if err := processor.Run(ctx); err != nil && err != context.Canceled {
		log.Printf("worker stopped: %v", err)
	}
}

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
