// Package main is the entry point for the gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/mlevkov/gwcore/internal/config"
	"github.com/mlevkov/gwcore/internal/observability/logging"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting gwcore",
		zap.String("version", version),
		zap.String("config", flags.configPath),
	)

	cfg := loadConfig(flags.configPath, logger)

	// The config file wins over the flag defaults for log settings.
	if flags.logLevel == "" && cfg.Logging.Level != "" {
		logger.SetLevel(logging.Level(cfg.Logging.Level))
	}

	app, err := buildApplication(cfg, flags.configPath, logger)
	if err != nil {
		logger.Fatal("failed to initialize gateway", zap.Error(err))
	}

	run(app, logger)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("GATEWAY_CONFIG_PATH", "configs/gateway.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", os.Getenv("GATEWAY_LOG_LEVEL"),
		"Log level (debug, info, warn, error); overrides the config file")
	logFormat := flag.String("log-format", getEnvOrDefault("GATEWAY_LOG_FORMAT", "json"),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

func printVersion() {
	fmt.Printf("gwcore version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

func initLogger(flags cliFlags) *logging.Logger {
	level := flags.logLevel
	if level == "" {
		level = "info"
	}
	logger, err := logging.NewLogger(&logging.Config{
		Level:  logging.Level(level),
		Format: logging.Format(flags.logFormat),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	logging.SetGlobalLogger(logger)
	return logger
}

func loadConfig(path string, logger *logging.Logger) *config.GatewayConfig {
	cfg, warnings, err := config.LoadConfig(path)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	for _, warning := range warnings {
		logger.Warn("configuration warning", zap.String("warning", warning))
	}
	return cfg
}

// run starts the application and blocks until a shutdown signal arrives.
func run(app *application, logger *logging.Logger) {
	errCh := make(chan error, 1)
	go func() {
		errCh <- app.start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("gateway stopped unexpectedly", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := app.stop(ctx); err != nil {
		logger.Error("shutdown did not complete cleanly", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("gateway stopped")
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
