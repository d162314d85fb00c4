package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/swapgate/swapgate/internal/config"
	"github.com/swapgate/swapgate/internal/logging"
	"github.com/swapgate/swapgate/internal/server"
)

// Server command flags
var (
	serverEnvFile    string
	serverConfigPath string
	serverListenAddr string
	serverLogLevel   string
	serverLogFormat  string
	serverLogFile    string
	drainTimeout     time.Duration
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the proxy server",
	Long:  `Start the proxy server and serve until interrupted. SIGHUP reloads the backend configuration.`,
	RunE:  runServer,
}

func init() {
	serverCmd.Flags().StringVar(&serverEnvFile, "env", config.EnvOrDefault("ENV", ".env"), "Path to .env file")
	serverCmd.Flags().StringVarP(&serverConfigPath, "config", "c", config.EnvOrDefault("SWAPGATE_CONFIG", "swapgate.yaml"), "Path to YAML backend configuration")
	serverCmd.Flags().StringVar(&serverListenAddr, "addr", config.EnvOrDefault("LISTEN_ADDR", ""), "Address to listen on (overrides config file)")
	serverCmd.Flags().StringVar(&serverLogLevel, "log-level", config.EnvOrDefault("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	serverCmd.Flags().StringVar(&serverLogFormat, "log-format", config.EnvOrDefault("LOG_FORMAT", "console"), "Log format: console or json")
	serverCmd.Flags().StringVar(&serverLogFile, "log-file", config.EnvOrDefault("LOG_FILE", ""), "Path to log file (default: stdout)")
	serverCmd.Flags().DurationVar(&drainTimeout, "drain-timeout", config.EnvDurationOrDefault("DRAIN_TIMEOUT", server.DefaultDrainTimeout), "How long shutdown waits for in-flight requests")
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(serverEnvFile); err == nil {
		if err := godotenv.Load(serverEnvFile); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: error loading %s: %v\n", serverEnvFile, err)
		}
	}

	logger, err := logging.NewLogger(serverLogLevel, serverLogFormat, serverLogFile)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(serverConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if serverListenAddr != "" {
		cfg.ListenAddr = serverListenAddr
	}

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				reloaded, err := config.Load(serverConfigPath)
				if err != nil {
					logger.Error("config reload failed, keeping previous configuration", zap.Error(err))
					continue
				}
				if err := srv.Reload(reloaded); err != nil {
					logger.Error("config reload rejected", zap.Error(err))
				}
				continue
			}

			logger.Info("signal received", zap.String("signal", sig.String()))
			ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			err := srv.Shutdown(ctx)
			cancel()
			if err != nil {
				logger.Warn("shutdown incomplete", zap.Error(err))
			}
			return nil
		}
	}
}
