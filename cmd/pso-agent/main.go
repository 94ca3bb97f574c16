package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"go.uber.org/zap"

	"github.com/mikeyg42/psoagent/internal/config"
	"github.com/mikeyg42/psoagent/internal/logging"
)

func main() {
	configPath := flag.String("config", "pso-agent.yaml", "path to the YAML config file")
	envFile := flag.String("env", ".env", "optional env file loaded before the environment")
	logLevel := flag.String("log-level", "", "override the configured log level")
	waitReady := flag.Duration("wait-ready", 0, "wait up to this long for the backend to answer before starting")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger, err := logging.New(cfg.Log, cfg.Operator.Email)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, *waitReady, logger); err != nil {
		logger.Error("Agent exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, waitReady time.Duration, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if waitReady > 0 {
		if err := waitForBackend(ctx, cfg.Backend.BaseURL, waitReady, logger); err != nil {
			return err
		}
	}

	app, err := NewApplication(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	runErr := app.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	app.Cleanup(shutdownCtx)
	return runErr
}
