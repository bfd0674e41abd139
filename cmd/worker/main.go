package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/nikhilbhutani/promptrunner/internal/app"
	"github.com/nikhilbhutani/promptrunner/internal/config"
	"github.com/nikhilbhutani/promptrunner/internal/database"
	"github.com/nikhilbhutani/promptrunner/internal/queue"
	"github.com/nikhilbhutani/promptrunner/internal/queue/workers"
)

const concurrency = 10

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPool(ctx, cfg.Database)
	if err != nil {
		slog.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	svcs := app.New(db, rdb, cfg)

	srv := asynq.NewServer(
		queue.RedisOpt(cfg.Redis),
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
		},
	)

	registry := queue.NewHandlersRegistry()
	invocationWorker := workers.NewInvocationWorker(svcs.Invocations)
	registry.Register(queue.TypeInvocationRun, asynq.HandlerFunc(invocationWorker.ProcessTask))

	slog.Info("starting worker", "concurrency", concurrency, "task_types", registry.Types())
	if err := srv.Start(registry.Mux()); err != nil {
		slog.Error("worker error", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	slog.Info("shutting down worker...")
	srv.Shutdown()
	slog.Info("worker stopped")
}
