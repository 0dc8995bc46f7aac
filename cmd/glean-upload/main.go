// glean-upload delivers the pings left pending in a durable store by
// applications that exited before uploading them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/spf13/pflag"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"

	"github.com/fosrl/glean"
	"github.com/fosrl/glean/internal/config"
	"github.com/fosrl/glean/internal/database"
	"github.com/fosrl/glean/internal/storage"
	"github.com/fosrl/glean/internal/telemetry"
	"github.com/fosrl/glean/internal/upload"
)

const pollInterval = 250 * time.Millisecond

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		timeout    time.Duration
		verbose    bool
	)
	flagSet := pflag.NewFlagSet("glean-upload", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "glean.yaml", "path to the YAML configuration")
	flagSet.DurationVar(&timeout, "timeout", 2*time.Minute, "give up on pings not delivered within this time")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log debug messages")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	logger := slog.Make(sloghuman.Sink(os.Stderr))
	if verbose {
		logger = logger.Leveled(slog.LevelDebug)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Storage.Backend == config.BackendMemory {
		return xerrors.New("the memory backend holds no pending pings, configure a file or redis store")
	}

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return xerrors.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "shut down telemetry", slog.Error(err))
		}
	}()

	return drain(ctx, logger, cfg, timeout)
}

// drain uploads every stored ping, honoring the rate limit, until none is
// left or timeout expires.
func drain(ctx context.Context, logger slog.Logger, cfg config.Config, timeout time.Duration) error {
	factory, closeStorage, err := storage.Open(ctx, logger, cfg.Storage.Options())
	if err != nil {
		return xerrors.Errorf("open storage: %w", err)
	}
	defer func() {
		if err := closeStorage(); err != nil {
			logger.Warn(ctx, "close storage", slog.Error(err))
		}
	}()

	clock := quartz.NewReal()
	pings, err := database.NewPingsDatabase(logger, factory, clock, cfg.Upload.MaxPendingPings, cfg.Upload.MaxPendingPingsSize)
	if err != nil {
		return err
	}
	policy := cfg.UploadPolicy()
	uploader := upload.NewHTTPUploader(logger, nil, cfg.Upload.Timeout)
	worker := upload.NewWorker(logger, uploader, clock, cfg.ServerEndpoint, policy, glean.SDKVersion)
	limiter := upload.NewRateLimiter(clock, cfg.Upload.RateLimit.Interval, cfg.Upload.RateLimit.MaxCount)
	manager := upload.NewManager(logger, pings, worker, limiter, policy)
	pings.AttachObserver(manager)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Upload.Timeout)
		defer cancel()
		if err := manager.Close(closeCtx); err != nil {
			logger.Warn(closeCtx, "stop uploader", slog.Error(err))
		}
	}()

	if err := pings.ScanPendingPings(ctx); err != nil {
		return xerrors.Errorf("scan pending pings: %w", err)
	}
	logger.Info(ctx, "uploading pending pings",
		slog.F("queued", len(manager.Queued())),
		slog.F("endpoint", cfg.ServerEndpoint),
	)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := clock.NewTicker(pollInterval, "glean-upload", "poll")
	defer ticker.Stop()
	for worker.Running() {
		select {
		case <-waitCtx.Done():
			logger.Warn(ctx, "stopping with pings still queued", slog.F("queued", len(manager.Queued())))
			return nil
		case <-ticker.C:
		}
	}

	remaining, err := pings.GetAllPings(ctx)
	if err != nil {
		return err
	}
	logger.Info(ctx, "upload finished", slog.F("remaining", len(remaining)))
	return nil
}
