package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/comigor/khitab/internal/config"
	"github.com/comigor/khitab/internal/conversation"
	"github.com/comigor/khitab/internal/llm"
	"github.com/comigor/khitab/internal/logger"
	"github.com/comigor/khitab/internal/session"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "khitab",
		Short:         "Chat-style editing sessions for Arabic business letters",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String("config", "", "path to config file (default ./config.yaml, or $CONFIG_PATH)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMCPCmd())
	cmd.AddCommand(newSweepCmd())

	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		if err := os.Setenv("CONFIG_PATH", path); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.SetLevel(cfg.Log.Level)
	return cfg, nil
}

// openBackend connects the configured session store. workers is the number
// of processes expected to share it.
func openBackend(ctx context.Context, cfg *config.Config, workers int) (*session.Backend, error) {
	opts := []session.Option{
		session.WithTimeout(cfg.Session.Timeout),
		session.WithWorkers(workers),
		session.WithLockLease(cfg.Session.LockLease),
	}

	storeType := session.StoreType(cfg.Session.Backend)
	switch storeType {
	case session.StoreTypeSQLite:
		opts = append(opts, session.WithSQLitePath(cfg.Session.SQLitePath))
	case session.StoreTypeRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		opts = append(opts, session.WithRedisClient(client), session.WithRedisPrefix(cfg.Redis.Prefix))
	}

	backend, err := session.Open(storeType, opts...)
	if err != nil {
		return nil, err
	}
	logger.L.Info("Session store opened", "backend", backend.Type, "timeout", cfg.Session.Timeout, "workers", workers)
	return backend, nil
}

func newController(cfg *config.Config, backend *session.Backend) *conversation.Controller {
	gen := llm.NewGenerator(llm.NewClient(cfg.LLM), cfg.LLM)
	return conversation.New(backend.Store, backend.Guard, gen)
}
