package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/eoniclabs/methodcache/internal/config"
	"github.com/eoniclabs/methodcache/internal/logging"
	"github.com/eoniclabs/methodcache/internal/metrics"
	"github.com/eoniclabs/methodcache/internal/observability"
	"github.com/eoniclabs/methodcache/internal/policy"
)

func daemonCmd() *cobra.Command {
	var (
		httpAddr  string
		redisAddr string
		pgDSN     string
		backplane bool
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the cache storage daemon",
		Long:  "Run the engine with an HTTP surface for health, stats, metrics, and a key-value cache API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("http") {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("redis-addr") {
				cfg.Redis.Addr = redisAddr
				cfg.Engine.DistributedEnabled = true
			}
			if cmd.Flags().Changed("pg-dsn") {
				cfg.Postgres.DSN = pgDSN
				cfg.Engine.PersistentEnabled = true
			}
			if cmd.Flags().Changed("backplane") {
				cfg.Engine.BackplaneEnabled = backplane
			}
			if logLevel != "" {
				cfg.Daemon.LogLevel = logLevel
				cfg.Observability.Logging.Level = logLevel
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := observability.Shutdown(shutdownCtx); err != nil {
					logging.Op().Warn("tracing shutdown", "error", err)
				}
			}()

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, nil)
			}

			coord, err := config.BuildCoordinator(context.Background(), cfg)
			if err != nil {
				return err
			}
			if err := coord.Initialize(context.Background()); err != nil {
				return fmt.Errorf("initialize engine: %w", err)
			}

			var profiles *policy.Profiles
			if cfg.Daemon.ProfilesPath != "" {
				profiles, err = policy.Load(cfg.Daemon.ProfilesPath)
				if err != nil {
					return fmt.Errorf("load policy profiles: %w", err)
				}
				logging.Op().Info("policy profiles loaded",
					"path", cfg.Daemon.ProfilesPath, "profiles", len(profiles.Names()))
			}

			srv := startHTTPServer(cfg.Daemon.HTTPAddr, coord, profiles)
			logging.Op().Info("methodcached started",
				"version", version, "addr", cfg.Daemon.HTTPAddr, "layers", len(coord.Layers()))

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Op().Info("shutdown signal received")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logging.Op().Warn("http shutdown", "error", err)
			}
			if err := coord.Close(); err != nil {
				logging.Op().Warn("engine close", "error", err)
			}
			logging.Op().Info("methodcached stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", ":8080", "HTTP listen address")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "localhost:6379", "Redis address; enables the distributed layer")
	cmd.Flags().StringVar(&pgDSN, "pg-dsn", "", "Postgres DSN; enables the persistent layer")
	cmd.Flags().BoolVar(&backplane, "backplane", false, "Enable the cross-instance invalidation backplane")
	return cmd
}
