package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"rpcgate/internal/config"
	"rpcgate/internal/server"
)

// Version information set via ldflags during build
var version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "rpcgate",
		Short:         "JSON-RPC gateway in front of a metered provider",
		Long:          "rpcgate caches, deduplicates, batches and rate-limits JSON-RPC calls and rotates provider credentials.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (JSON or YAML); empty uses defaults and environment")

	return cmd
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		// Basic logger for startup errors
		log := zerolog.New(os.Stderr).With().Timestamp().Logger()
		log.Error().Err(err).Msg("failed to load config")
		return err
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	logger.Info().
		Str("config", configPath).
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Int("credentials", len(cfg.Credentials.Keys)).
		Str("version", version).
		Msg("starting rpcgate")

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create server")
		return err
	}
	if err := srv.Start(); err != nil {
		logger.Error().Err(err).Msg("failed to start server")
		return err
	}

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// setupLogger configures the zerolog logger
func setupLogger(level, format string, out io.Writer) zerolog.Logger {
	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || logLevel == zerolog.NoLevel {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if format == "json" {
		return zerolog.New(out).With().Timestamp().Logger()
	}

	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(output).With().Timestamp().Logger()
}
