package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/seekapa/copilot/internal/audit"
	"github.com/seekapa/copilot/internal/auth"
	"github.com/seekapa/copilot/internal/cache"
	"github.com/seekapa/copilot/internal/config"
	"github.com/seekapa/copilot/internal/fabric"
	"github.com/seekapa/copilot/internal/llm"
	"github.com/seekapa/copilot/internal/observability"
	"github.com/seekapa/copilot/internal/powerbi"
	"github.com/seekapa/copilot/internal/server"
	"github.com/seekapa/copilot/internal/workflow"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the copilot gateway",
		Long: `Start the copilot gateway with all subsystems.

The server will:
1. Load configuration from the specified file, with environment overrides
2. Connect to Redis for cache, sessions, and the audit log
3. Start the audit drainer, connection fabric, and workflow scheduler
4. Serve the HTTP API, websocket endpoint, and Prometheus metrics

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildCheckCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			fmt.Printf("configuration ok, server would bind %s\n", cfg.ListenAddr())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	metrics := observability.NewMetrics()
	server.Version = version

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("redis unavailable at %s: %w", cfg.Redis.Addr, err)
	}

	auditor := audit.New(rdb, audit.Config{
		RetentionDays: cfg.Audit.RetentionDays,
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: cfg.Audit.FlushInterval,
		SinkURL:       cfg.Audit.SinkURL,
		SinkKey:       cfg.Audit.SinkKey,
		FallbackPath:  cfg.Audit.FallbackPath,
	}, logger)
	auditor.Start()
	defer auditor.Close()

	cacheSvc := cache.New(rdb, cache.Options{
		DefaultTTL:           cfg.Cache.DefaultTTL,
		CompressionThreshold: cfg.Cache.CompressionThreshold,
		Logger:               logger,
	})

	authSvc := auth.NewService(rdb, cfg.Auth.JWTSecret, auth.Config{
		BcryptCost:      cfg.Auth.BcryptCost,
		AccessExpiry:    cfg.Auth.AccessExpiry,
		RefreshExpiry:   cfg.Auth.RefreshExpiry,
		SessionTTL:      cfg.Auth.SessionTTL,
		MaxFailures:     cfg.Auth.MaxFailures,
		FailureWindow:   cfg.Auth.FailureWindow,
		LockoutDuration: cfg.Auth.LockoutDuration,
	}, auditor, logger)

	router := llm.NewRouter(llm.Config{
		Endpoint:    cfg.LLM.Endpoint,
		APIKey:      cfg.LLM.APIKey,
		APIVersion:  cfg.LLM.APIVersion,
		Timeout:     cfg.LLM.Timeout,
		CacheTTL:    cfg.LLM.CacheTTL,
		Deployments: cfg.LLM.Deployments,
		Temperature: cfg.LLM.Temperature,
	}, cacheSvc, metrics, logger)

	pbi := powerbi.New(cfg.PowerBI, cacheSvc, logger)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fab := fabric.NewManager(cfg.Fabric, metrics, logger)
	fab.Start(runCtx)
	defer fab.Close()

	orch := workflow.New(cfg.Workflow, metrics, logger)
	orch.Start(runCtx)
	defer orch.Close()

	srv := server.New(server.Options{
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics,
		Redis:    rdb,
		Auth:     authSvc,
		Audit:    auditor,
		Cache:    cacheSvc,
		Router:   router,
		Fabric:   fab,
		Workflow: orch,
		PowerBI:  pbi,
	})

	auditor.Log(runCtx, audit.Entry{
		Type: audit.EventServiceStarted, Action: "startup",
		Details: map[string]any{"version": version, "addr": cfg.ListenAddr()},
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-runCtx.Done():
	}

	logger.Info("shutdown signal received")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}

	auditor.Log(context.Background(), audit.Entry{
		Type: audit.EventServiceStopped, Action: "shutdown",
	})
	return nil
}
