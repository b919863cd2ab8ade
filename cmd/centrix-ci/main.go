package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/centrixsystems/centrix-ci/internal/config"
	"github.com/centrixsystems/centrix-ci/internal/daemon"
	cierrors "github.com/centrixsystems/centrix-ci/internal/errors"
	"github.com/centrixsystems/centrix-ci/internal/logfields"
	"github.com/centrixsystems/centrix-ci/internal/seed"
	"github.com/centrixsystems/centrix-ci/internal/store"
	"github.com/centrixsystems/centrix-ci/internal/version"
)

var CLI struct {
	Verbose bool `short:"v" help:"Enable verbose logging"`

	Serve struct {
		Port        int    `help:"HTTP listen port (overrides CI_PORT)"`
		DatabaseURL string `help:"Store DSN (overrides DATABASE_URL)"`
	} `cmd:"" help:"Run the CI orchestrator"`

	Seed struct {
		File string `arg:"" help:"Projects seed file (YAML)"`
	} `cmd:"" help:"Apply a projects seed file and exit"`

	Version struct{} `cmd:"" help:"Print version information"`
}

func main() {
	kctx := kong.Parse(&CLI,
		kong.Name("centrix-ci"),
		kong.Description("Multi-tenant continuous integration orchestrator"))

	cfg := config.Load()
	logger := setupLogging(cfg.LogFormat, CLI.Verbose)
	adapter := cierrors.NewCLIErrorAdapter(CLI.Verbose, logger)

	switch kctx.Command() {
	case "serve":
		if CLI.Serve.Port != 0 {
			cfg.Port = CLI.Serve.Port
		}
		if CLI.Serve.DatabaseURL != "" {
			cfg.DatabaseURL = CLI.Serve.DatabaseURL
		}
		adapter.HandleError(runServe(cfg, logger))
	case "seed <file>":
		adapter.HandleError(runSeed(cfg, logger, CLI.Seed.File))
	case "version":
		fmt.Printf("centrix-ci %s (commit %s, built %s)\n",
			version.Version, version.GitCommit, version.BuildTime)
	}
}

func setupLogging(format string, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func runServe(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d, err := daemon.New(cfg, logger)
	if err != nil {
		return err
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- d.Start(ctx)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("daemon error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received, stopping")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	return d.Stop(stopCtx)
}

func runSeed(cfg *config.Config, logger *slog.Logger, path string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	created, err := seed.New(st, logger).ApplyFile(ctx, path)
	if err != nil {
		return err
	}
	logger.Info("Seed file applied",
		logfields.Path(path),
		logfields.Count(created))
	return nil
}
