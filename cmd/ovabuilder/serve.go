package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ovabuilder/internal/server"

	"github.com/spf13/cobra"
)

var (
	logFile  string
	host     string
	port     int
	testMode bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the HTTP server that answers build status queries.

When webhook_secret is configured, pushes to the installer repository start a
build for the pushed branch in the background.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&logFile, "log", getEnvOrDefault("OVABUILDER_LOG_FILE", "./data/ovabuilder.log"), "Path to log file")
	serveCmd.Flags().StringVar(&host, "host", getEnvOrDefault("OVABUILDER_HOST", "127.0.0.1"), "Host to bind to")
	serveCmd.Flags().IntVarP(&port, "port", "p", getEnvOrDefaultInt("OVABUILDER_PORT", 5000), "Port to listen on")
	serveCmd.Flags().BoolVar(&testMode, "test-mode", os.Getenv("OVABUILDER_SKIP_VALIDATION") == "1", "Enable test mode (no rate limits, weak secrets allowed)")
}

func runServe(cmd *cobra.Command, args []string) error {
	logOut, logFileHandle, err := setupLogging(logFile)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logFileHandle.Close()

	a, err := newApp(logOut)
	if err != nil {
		return err
	}
	defer a.Close()

	logger := a.logger
	logger.Info("Starting ovabuilder", "version", version)

	if a.cfg.WebhookSecret == "" {
		logger.Warn("webhook_secret not set, push webhook disabled")
	} else if err := a.cfg.ValidateWebhookSecret(); err != nil {
		if !testMode {
			return fmt.Errorf("invalid webhook secret: %w", err)
		}
		logger.Warn("Weak webhook secret accepted in test mode", "error", err)
	}

	if err := a.store.InitializeIfAbsent(cmd.Context()); err != nil {
		logger.Error("Failed to initialize history log", "error", err)
		return err
	}
	logger.Info("History log ready", "backend", a.cfg.History.Backend, "path", a.store.Path())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.NewServer(a.runner, a.cfg.WebhookSecret, logger, testMode)
	if err := srv.Start(ctx, host, port); err != nil {
		logger.Error("Server failed", "error", err)
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("Server stopped")
	return nil
}
