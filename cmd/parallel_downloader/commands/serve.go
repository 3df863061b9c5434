package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/italolelis/parallel_downloader/internal/cache"
	"github.com/italolelis/parallel_downloader/internal/cleanup"
	"github.com/italolelis/parallel_downloader/internal/config"
	"github.com/italolelis/parallel_downloader/internal/dispatch"
	"github.com/italolelis/parallel_downloader/internal/downloader"
	"github.com/italolelis/parallel_downloader/internal/http/rest"
	"github.com/italolelis/parallel_downloader/internal/logctx"
	"github.com/italolelis/parallel_downloader/internal/notifier"
	"github.com/italolelis/parallel_downloader/internal/storage"
	"github.com/italolelis/parallel_downloader/internal/storage/sqlite"
	"github.com/italolelis/parallel_downloader/internal/telemetry"
	"github.com/italolelis/parallel_downloader/internal/transfer"
	"github.com/italolelis/parallel_downloader/internal/transport"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the download daemon with its HTTP control API",
	Long: `Run the download daemon. Transfers are requested and controlled over HTTP:

  POST   /transfers               {"url": "...", "cache_dir": "..."}
  GET    /transfers
  POST   /transfers/suspend       {"url": "..."}
  POST   /transfers/resume        {"url": "..."}
  POST   /transfers/suspend-all
  POST   /transfers/resume-all
  DELETE /cache                   {"url": "...", "cache_dir": "..."}
  GET    /history?limit=50
  GET    /metrics`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop, cfg, err := setup(cmd.Context(), os.Stdout)
	if err != nil {
		return err
	}
	defer stop()

	logctx.LoggerFromContext(ctx).Info("parallel downloader starting...",
		"version", Version,
		"log_level", cfg.LogLevel,
		"cache_dir", cfg.CacheDir,
		"request_timeout", cfg.RequestTimeout.String(),
		"resource_timeout", cfg.ResourceTimeout.String())

	return serve(ctx, cfg)
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:         cfg.Telemetry.Enabled,
		ServiceName:     cfg.Telemetry.ServiceName,
		ServiceVersion:  cfg.Telemetry.ServiceVersion,
		OTLPEndpoint:    cfg.Telemetry.OTLPEndpoint,
		CollectInterval: cfg.Telemetry.CollectInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	history := sqlite.NewInstrumentedHistoryRepository(database, storage.GenerateInstanceID(), tel)

	// =========================================================================
	// Start Registry
	fetcher := transport.NewHTTPFetcher(transport.Options{
		TempDir:          cfg.TempDir,
		ProgressInterval: cfg.ProgressIntervalBytes,
	})
	defer fetcher.Close()

	queue := dispatch.NewQueue(cfg.CallbackQueueSize)

	registry := transfer.NewRegistry(ctx,
		transfer.NewInstrumentedFetcher(fetcher, tel, "http"),
		transfer.WithCacheStore(cache.NewDiskStore()),
		transfer.WithExecutor(queue),
		transfer.WithDefaultConfig(cfg.TransferConfig()),
		transfer.WithTelemetry(tel),
	)

	d := downloader.NewDownloader(registry, downloader.WithHistory(history))

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, cfg, registry, d, history, tel)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return queue.Run(gctx)
	})

	g.Go(func() error {
		return cleanup.Run(gctx, fetcher.TempDir(), cfg.TempMaxAge, cfg.CleanupInterval)
	})

	g.Go(func() error {
		forwardNotifications(gctx, d, buildNotifier(cfg))

		return nil
	})

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		defer d.Close()

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	return g.Wait()
}

func buildNotifier(cfg *config.Config) notifier.Notifier {
	if cfg.DiscordWebhookURL == "" {
		return notifier.Nop{}
	}

	return notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
}

// forwardNotifications relays downloader events until both channels are closed.
func forwardNotifications(ctx context.Context, d *downloader.Downloader, notif notifier.Notifier) {
	logger := logctx.LoggerFromContext(ctx)
	notifyCtx := context.WithoutCancel(ctx)

	finished, failed := d.OnTransferFinished, d.OnTransferFailed

	for finished != nil || failed != nil {
		select {
		case ev, ok := <-finished:
			if !ok {
				finished = nil

				continue
			}

			if err := notif.Notify(notifyCtx,
				"✅ Download finished: "+ev.URL+" ("+humanize.Bytes(uint64(ev.Bytes))+")",
			); err != nil {
				logger.Error("failed to send notification", "url", ev.URL, "err", err)
			}
		case ev, ok := <-failed:
			if !ok {
				failed = nil

				continue
			}

			if err := notif.Notify(notifyCtx,
				"❌ Download failed: "+ev.URL+" ("+transfer.KindOf(ev.Err).String()+")",
			); err != nil {
				logger.Error("failed to send notification", "url", ev.URL, "err", err)
			}
		}
	}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	cfg *config.Config,
	registry *transfer.Registry,
	d *downloader.Downloader,
	history storage.HistoryReadRepository,
	tel *telemetry.Telemetry,
) *http.Server {
	handler := rest.NewTransferHandler(registry, d, history, cfg.CacheDir)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Handle("/metrics", tel.Handler())
	r.Mount("/", handler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
