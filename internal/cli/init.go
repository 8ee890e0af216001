// Package cli provides common CLI initialization utilities shared by the
// caixa subcommands.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"caixa/internal/backend"
	"caixa/internal/config"
	"caixa/internal/filter"
	"caixa/internal/log"
	"caixa/internal/report"
	"caixa/internal/services"
	"caixa/internal/session"
	"caixa/internal/transactions"
)

// SetupLogger builds the application logger from cfg and installs it as the
// slog default. Logs go to stderr so command output on stdout stays clean.
func SetupLogger(cfg *config.Config) *log.Logger {
	lc := log.DefaultConfig()
	if cfg != nil {
		if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
			lc.Level = level
		}
		lc.Format = cfg.LogFormat
	}
	logger := log.New(lc)
	log.SetDefault(logger)
	return logger
}

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// LoadAndValidateConfig loads configuration and validates it.
// Returns the config or exits the process on validation failure.
func LoadAndValidateConfig() *config.Config {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return cfg
}

// App bundles the coordinator with the resources it owns.
type App struct {
	*services.Coordinator
	Backend *backend.BackendResult
	Logger  *log.Logger
}

// Close releases the event publisher and the token store.
func (a *App) Close() error {
	var errs []error
	if err := a.Coordinator.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.Backend.Cleanup != nil {
		if err := a.Backend.Cleanup(); err != nil {
			errs = append(errs, fmt.Errorf("token store: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close app: %v", errs)
	}
	return nil
}

// InitApp creates the backend and wires the coordinator. The persisted
// session is restored before returning, so the first fetch is already in
// flight when the caller gets the App.
func InitApp(ctx context.Context, cfg *config.Config, logger *log.Logger) (*App, error) {
	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		return nil, err
	}
	res, err := backend.NewFactory(logger).CreateBackend(ctx, bcfg)
	if err != nil {
		return nil, err
	}

	preset, err := filter.ParsePreset(cfg.DefaultPreset)
	if err != nil {
		res.Cleanup()
		return nil, err
	}
	fs, err := filter.NewState(preset, time.Now)
	if err != nil {
		res.Cleanup()
		return nil, err
	}

	coord := services.NewCoordinator(services.Options{
		Session:   session.New(res.API, res.Tokens, logger),
		Store:     transactions.NewStore(res.API, logger),
		Filter:    fs,
		Exporter:  report.NewExporter(res.API, cfg.ReportFilename, logger),
		Events:    res.Events,
		Sheets:    res.Sheets,
		ReportDir: cfg.ReportDir,
		Logger:    logger,
	})
	app := &App{Coordinator: coord, Backend: res, Logger: logger}

	if err := coord.Start(ctx); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

// GracefulShutdown returns a context cancelled on SIGINT or SIGTERM. cleanup
// runs once the signal arrives, bounded by timeout.
func GracefulShutdown(logger *log.Logger, timeout time.Duration, cleanup func()) (context.Context, <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Shutdown signal received", "signal", sig.String())

		cancel()

		finished := make(chan struct{})
		go func() {
			if cleanup != nil {
				cleanup()
			}
			close(finished)
		}()

		select {
		case <-finished:
			logger.Info("Shutdown complete")
		case <-time.After(timeout):
			logger.Warn("Shutdown timeout reached")
		}
		close(done)
	}()

	return ctx, done
}
