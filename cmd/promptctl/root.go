package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/nikhilbhutani/promptrunner/internal/app"
	"github.com/nikhilbhutani/promptrunner/internal/config"
	"github.com/nikhilbhutani/promptrunner/internal/database"
)

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "promptctl",
	Short:         "Manage prompt templates and run invocations",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadFile(configPath)
		if err != nil {
			return err
		}
		logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()}))
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (overrides "+config.ConfigFileEnv+")")
	rootCmd.AddCommand(migrateCmd(), templatesCmd(), invokeCmd(), invocationsCmd())
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func openDB(ctx context.Context) (*pgxpool.Pool, error) {
	db, err := database.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// openServices connects to Postgres and, when reachable, Redis. The returned
// func releases both.
func openServices(ctx context.Context) (*app.Services, func(), error) {
	db, err := openDB(ctx)
	if err != nil {
		return nil, nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	closeAll := func() {
		rdb.Close()
		db.Close()
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Debug("redis unavailable, template cache disabled", "error", err)
		return app.New(db, nil, cfg), closeAll, nil
	}
	return app.New(db, rdb, cfg), closeAll, nil
}
