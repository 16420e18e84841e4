package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drewdunne/conductor/internal/approval"
	"github.com/drewdunne/conductor/internal/config"
	"github.com/drewdunne/conductor/internal/docker"
	"github.com/drewdunne/conductor/internal/event"
	"github.com/drewdunne/conductor/internal/handler"
	"github.com/drewdunne/conductor/internal/logging"
	"github.com/drewdunne/conductor/internal/mergetrain"
	"github.com/drewdunne/conductor/internal/pipeline"
	"github.com/drewdunne/conductor/internal/registry"
	"github.com/drewdunne/conductor/internal/repocache"
	"github.com/drewdunne/conductor/internal/server"
	"github.com/drewdunne/conductor/internal/store"
	"github.com/drewdunne/conductor/internal/store/memory"
	"github.com/drewdunne/conductor/internal/store/postgres"
	"github.com/drewdunne/conductor/internal/worker"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath, envFile string

	root := &cobra.Command{
		Use:           "conductor",
		Short:         "Merge request approvals and merge trains for GitLab and GitHub",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to config file")
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to .env file (optional)")

	load := func() (*config.Config, error) {
		if envFile != "" {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("loading env file %s: %w", envFile, err)
			}
		} else {
			// Default locations are optional.
			_ = godotenv.Load(".env")
			_ = godotenv.Load("/etc/conductor/conductor.env")
		}
		return config.Load(configPath)
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the API and webhook server",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := load()
				if err != nil {
					return err
				}
				return serve(cmd.Context(), cfg)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := load()
				if err != nil {
					return err
				}
				return migrate(cmd.Context(), cfg)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "conductor v%s\n", version)
			},
		},
	)
	return root
}

func migrate(ctx context.Context, cfg *config.Config) error {
	if cfg.Store.Driver != "postgres" {
		return fmt.Errorf("migrate needs store.driver postgres, got %q", cfg.Store.Driver)
	}
	st, err := postgres.Open(ctx, cfg.Store.DSN, cfg.Store.MaxConns)
	if err != nil {
		return err
	}
	defer st.Close()
	return st.Migrate(ctx)
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger, closeLog, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLog()

	if retention := logging.Retention(cfg.Logging); cfg.Logging.Dir != "" && retention > 0 {
		cleanup := logging.NewCleanupScheduler(logging.NewCleaner(cfg.Logging.Dir, retention), 24*time.Hour, logger)
		cleanup.Start()
		defer cleanup.Stop()
	}

	checks := map[string]server.HealthCheck{}

	st, err := openStore(ctx, cfg, checks)
	if err != nil {
		return err
	}
	defer st.Close()

	pool := worker.NewPool(worker.Config{
		Concurrency: cfg.Workers.Count,
		QueueSize:   cfg.Workers.QueueSize,
		Retry: worker.RetryConfig{
			MaxRetries:     cfg.Workers.MaxRetries,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
		},
	}, logger)
	defer pool.Shutdown()

	reg := registry.New(cfg)
	if len(reg.List()) == 0 {
		logger.Warn("no providers configured")
	}
	cache := repocache.New(cfg.RepoCache.Dir, repocache.WithCredentials(reg))
	approvals := approval.NewService(st, logger)

	runner, closeRunner, err := newRunner(cfg, reg, cache, logger, checks)
	if err != nil {
		return err
	}
	defer closeRunner()

	train := mergetrain.NewService(mergetrain.Config{
		Store:          st,
		Approvals:      approvals,
		Builder:        cache,
		Runner:         runner,
		Remote:         reg,
		Scheduler:      pool,
		Logger:         logger,
		Enabled:        cfg.Train.Enabled,
		MaxConcurrency: cfg.Train.MaxConcurrency,
	})
	if cfg.Train.Enabled {
		interval := time.Duration(cfg.Train.RefreshIntervalSeconds) * time.Second
		if interval <= 0 {
			interval = time.Minute
		}
		go train.Run(ctx, interval)
	}

	syncer := handler.NewSyncHandler(cfg, reg, st, approvals, train, logger)
	router := event.NewRouter(cfg, syncer.Handle, pool, logger)

	srv := server.New(cfg, server.Deps{
		Store:     st,
		Approvals: approvals,
		Train:     train,
		Events:    router,
		Checks:    checks,
		Logger:    logger,
	})
	logger.Info("starting conductor",
		zap.String("version", version),
		zap.String("store", cfg.Store.Driver),
		zap.Strings("providers", reg.List()),
		zap.Bool("merge_trains", cfg.Train.Enabled),
	)
	return srv.ListenAndServeWithShutdown(ctx)
}

func openStore(ctx context.Context, cfg *config.Config, checks map[string]server.HealthCheck) (store.Store, error) {
	switch cfg.Store.Driver {
	case "", "memory":
		return memory.New(), nil
	case "postgres":
		st, err := postgres.Open(ctx, cfg.Store.DSN, cfg.Store.MaxConns)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, err
		}
		checks["postgres"] = st.Ping
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// newRunner builds the pipeline runner for train refs. The returned function
// releases it.
func newRunner(cfg *config.Config, reg *registry.Registry, cache *repocache.Cache, logger *zap.Logger, checks map[string]server.HealthCheck) (pipeline.Runner, func(), error) {
	switch cfg.Train.Runner {
	case "", "provider":
		return pipeline.NewProviderRunner(reg), func() {}, nil
	case "docker":
		dc, err := docker.NewClient()
		if err != nil {
			return nil, nil, err
		}
		checks["docker"] = dc.Ping
		runner := pipeline.NewContainerRunner(dc, cache, pipeline.ContainerConfig{
			Image:   cfg.Train.Image,
			Command: cfg.Train.Command,
			Timeout: time.Duration(cfg.Train.TimeoutMinutes) * time.Minute,
		}, logger)
		return runner, func() { _ = dc.Close() }, nil
	default:
		return nil, nil, errors.New("merge_train.runner must be provider or docker")
	}
}
