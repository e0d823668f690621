package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/exfinance/tickdl/internal/archive"
	"github.com/exfinance/tickdl/internal/config"
	"github.com/exfinance/tickdl/internal/downloader"
	"github.com/exfinance/tickdl/internal/http/rest"
	"github.com/exfinance/tickdl/internal/logctx"
	"github.com/exfinance/tickdl/internal/storage"
	"github.com/exfinance/tickdl/internal/storage/sqlite"
	"github.com/exfinance/tickdl/internal/telemetry"
	"github.com/exfinance/tickdl/internal/tick"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("tickdl starting...", "log_level", cfg.LogLevel, "base_url", cfg.BaseURL)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: "tickdl",
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	// =========================================================================
	// Start Journal
	var journal storage.Journal

	if cfg.JournalPath != "" {
		database, err := sqlite.InitDB(cfg.JournalPath)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer database.Close()

		journal = sqlite.NewJournal(database)

		logger.Info("download journal enabled", "path", cfg.JournalPath)
	}

	// =========================================================================
	// Start Downloader
	client := archive.NewClient(cfg.BaseURL, cfg.FetchTimeout)
	dl := downloader.NewDownloader(client, cfg.PoolSize(), journal, tel)
	svc := downloader.NewService(client, dl, tel)

	if cfg.Pair != "" {
		return runOnce(ctx, cfg, svc)
	}

	return serve(ctx, cfg, svc, tel)
}

// runOnce performs a single download and exits: the CLI path for
// quant workflows that just want the data on disk.
func runOnce(ctx context.Context, cfg *config.Config, svc *downloader.Service) error {
	logger := logctx.LoggerFromContext(ctx)

	outcome, err := svc.Download(ctx, cfg.Pair, cfg.StartDate, cfg.EndDate, cfg.SaveDir)
	if err != nil {
		if outcome == nil {
			return err
		}

		// ErrNoData: fall through so the failure report is still printed.
		logger.Error("download produced no data", "err", err)
	}

	for _, f := range outcome.Failures {
		logger.Error("month failed", "month", f.Month.String(), "stage", string(f.Stage), "err", f.Err)
	}

	logger.Info("download complete",
		"pair", outcome.Pair,
		"ticks", len(outcome.Ticks),
		"failed_months", len(outcome.Failures),
	)

	if cfg.OutputFile != "" && len(outcome.Ticks) > 0 {
		if err := writeMerged(cfg.OutputFile, outcome); err != nil {
			return err
		}

		logger.Info("merged csv written", "path", cfg.OutputFile)
	}

	return err
}

func writeMerged(path string, outcome *downloader.Outcome) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}

	defer out.Close()

	if err := tick.WriteCSV(out, outcome.Ticks); err != nil {
		return fmt.Errorf("failed to write merged csv: %w", err)
	}

	return nil
}

// serve runs the REST API until the context is cancelled.
func serve(ctx context.Context, cfg *config.Config, svc *downloader.Service, tel *telemetry.Telemetry) error {
	logger := logctx.LoggerFromContext(ctx)

	handler := rest.NewHandler(svc, tel.Handler())

	server := &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      handler.Routes(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	}
}
