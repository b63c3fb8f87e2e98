// Package cli provides common CLI initialization utilities shared by
// cmd/change-sync and cmd/oauth-init.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"change/internal/auth"
	"change/internal/config"
	"change/internal/log"
	"change/internal/storage"
)

// SetupLogger builds the application logger from cfg and installs it as
// the default logger.
func SetupLogger(cfg *config.Config, out io.Writer) *log.Logger {
	logger := log.New(log.Config{
		Level:     log.ParseLevel(cfg.LogLevel),
		Format:    cfg.LogFormat,
		Component: log.ComponentApp,
		Output:    out,
	})
	log.SetDefault(logger)
	return logger
}

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// LoadAndValidateConfig loads configuration and validates it.
// Returns the config or exits the process on failure.
func LoadAndValidateConfig() *config.Config {
	cfg, err := config.Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		slog.Error("Configuration validation failed", "error", err)
		fmt.Fprintln(os.Stderr, config.Usage())
		os.Exit(1)
	}
	return cfg
}

// InitSQLite opens the local database, migrating it when needed.
// Returns the database or exits the process on failure.
func InitSQLite(ctx context.Context, logger *slog.Logger, dbPath string) *storage.DB {
	db, err := storage.Open(ctx, dbPath)
	if err != nil {
		logger.Error("Failed to open local database", "error", err, "path", dbPath)
		os.Exit(1)
	}
	return db
}

// ConsoleRedirect asks the user to open the consent page.
func ConsoleRedirect(out io.Writer) auth.Redirector {
	return auth.RedirectFunc(func(_ context.Context, consentURL string) error {
		_, err := fmt.Fprintf(out, "Open this URL to authorize:\n%s\n", consentURL)
		return err
	})
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext(logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logger.Info("Shutdown signal received", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
