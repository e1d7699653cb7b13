package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/edge_video_cache/internal/catalog"
	"github.com/italolelis/edge_video_cache/internal/cleanup"
	"github.com/italolelis/edge_video_cache/internal/config"
	"github.com/italolelis/edge_video_cache/internal/content"
	"github.com/italolelis/edge_video_cache/internal/downloader"
	"github.com/italolelis/edge_video_cache/internal/http/rest"
	"github.com/italolelis/edge_video_cache/internal/logctx"
	"github.com/italolelis/edge_video_cache/internal/notifier"
	"github.com/italolelis/edge_video_cache/internal/storage"
	"github.com/italolelis/edge_video_cache/internal/storage/sqlite"
	"github.com/italolelis/edge_video_cache/internal/telemetry"
	"github.com/italolelis/edge_video_cache/internal/transfer"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	serve := newServeCmd()

	cmd := &cobra.Command{
		Use:          "edge_video_cache",
		Short:        "Edge video cache download and cache manager",
		Long:         `Fetches videos from origins into a local content directory, tracks their state in SQLite and serves them to local players.`,
		Version:      version,
		SilenceUsage: true,
		RunE:         serve.RunE,
	}

	cmd.AddCommand(serve, newReconcileCmd(), newListCmd())

	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the download manager and the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := setup(cmd.Context())
			if err != nil {
				return err
			}

			return run(ctx, cfg)
		},
	}
}

func newReconcileCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Mark downloads interrupted by a crash as failed and exit",
		Long: `Marks every downloading record as failed with "interrupted by restart".

This is for crash recovery only: run it while no serve process uses the
database. A running server owns its downloading records, so reconcile refuses
while any exist and lists the instances holding them. Pass --force once you
have confirmed those instances are gone.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := setup(cmd.Context())
			if err != nil {
				return err
			}

			database, err := sqlite.InitDB(cfg.DBPath, cfg.DBBusyTimeout)
			if err != nil {
				return err
			}
			defer database.Close()

			repo := sqlite.NewVideoRepository(database)

			if !force {
				if err := refuseOwnedDownloads(ctx, cmd, repo); err != nil {
					return err
				}
			}

			manager := downloader.NewManager(repo, nil, downloader.Config{ContentDir: cfg.ContentDir}, nil)

			n, err := manager.Reconcile(ctx)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "reconciled %d interrupted downloads\n", n)

			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "fail downloading records even if a server may still own them")

	return cmd
}

var errDownloadsOwned = errors.New("downloading records are owned by a server instance, stop it or pass --force")

// refuseOwnedDownloads lists downloading records and fails when there are any.
func refuseOwnedDownloads(ctx context.Context, cmd *cobra.Command, repo storage.VideoReadRepository) error {
	videos, err := repo.List(ctx)
	if err != nil {
		return err
	}

	var owned int

	for _, v := range videos {
		if v.Status != storage.StatusDownloading {
			continue
		}

		owned++

		fmt.Fprintf(cmd.ErrOrStderr(), "%s is downloading, locked by %q\n", v.ID, v.LockedBy)
	}

	if owned > 0 {
		return fmt.Errorf("%w: %d records", errDownloadsOwned, owned)
	}

	return nil
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print every video record",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := setup(cmd.Context())
			if err != nil {
				return err
			}

			database, err := sqlite.InitDB(cfg.DBPath, cfg.DBBusyTimeout)
			if err != nil {
				return err
			}
			defer database.Close()

			videos, err := sqlite.NewVideoRepository(database).List(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPROGRESS\tVIEWS\tMESSAGE")

			for _, v := range videos {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s / %s\t%d\t%s\n",
					v.ID, v.Name, v.Status,
					humanize.Bytes(uint64(v.DownloadedSize)), humanize.Bytes(uint64(v.FileSize)),
					v.ViewCount, v.Message,
				)
			}

			return w.Flush()
		},
	}
}

// setup loads the configuration and installs the JSON logger on the context.
func setup(ctx context.Context) (context.Context, *config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("config error: %w", err)
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	return logctx.WithLogger(ctx, logger), cfg, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("edge video cache starting...", "version", version, "log_level", cfg.LogLevel)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		ExportInterval: cfg.Telemetry.ExportInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
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
	database, err := sqlite.InitDB(cfg.DBPath, cfg.DBBusyTimeout)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	repo := sqlite.NewInstrumentedVideoRepository(database, tel)

	// =========================================================================
	// Start Download Manager
	engine, err := buildEngine(cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to build transfer engine: %w", err)
	}

	manager := downloader.NewManager(repo, engine, downloader.Config{
		ContentDir:  cfg.ContentDir,
		MaxParallel: cfg.MaxParallel,
	}, tel)

	if _, err := manager.Reconcile(ctx); err != nil {
		return fmt.Errorf("failed to reconcile downloads: %w", err)
	}

	if _, err := cleanup.DeleteOrphanFiles(ctx, repo, cfg.ContentDir, cleanup.DefaultMinAge); err != nil {
		logger.Error("failed to delete orphan files", "err", err)
	}

	// =========================================================================
	// Start Notification
	setupNotificationForManager(ctx, manager, cfg)

	// =========================================================================
	// Start Catalog Sync
	var syncer rest.CatalogSyncer

	if cfg.ManifestURL != "" {
		s := catalog.NewSyncer(cfg.ManifestURL, engine, manager, cfg.SyncInterval, catalog.WithCacheFile(cfg.ManifestCachePath))
		if err := s.Load(ctx); err != nil {
			logger.Error("failed to load cached manifest", "err", err)
		}

		s.Run(ctx)
		syncer = s
	}

	// =========================================================================
	// Start Cleanup
	cleanup.Run(ctx, repo, cfg.ContentDir, cfg.CleanupInterval)

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, cfg, tel, repo, manager, syncer)

	g, gctx := errgroup.WithContext(ctx)

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

		// Give outstanding requests and transfers a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		if err := manager.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("could not stop downloads gracefully: %w", err)
		}

		return nil
	})

	logger.Info("waiting for download requests...",
		"content_dir", cfg.ContentDir,
		"max_parallel", cfg.MaxParallel,
		"manifest_url", cfg.ManifestURL,
	)

	return g.Wait()
}

// buildEngine registers the S3 source next to the defaults when an endpoint is configured.
func buildEngine(cfg *config.Config, tel *telemetry.Telemetry) (*transfer.Engine, error) {
	opts := []transfer.Option{
		transfer.WithRateLimit(cfg.MaxBytesPerSec),
		transfer.WithProgressPolicy(cfg.ProgressBytes, cfg.ProgressInterval),
		transfer.WithTelemetry(tel),
	}

	if cfg.S3.Endpoint != "" {
		src, err := transfer.NewS3Source(transfer.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Region:    cfg.S3.Region,
			UseSSL:    cfg.S3.UseSSL,
		})
		if err != nil {
			return nil, err
		}

		opts = append(opts, transfer.WithSource("s3", src))
	}

	return transfer.NewEngine(opts...), nil
}

func setupNotificationForManager(ctx context.Context, manager *downloader.Manager, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
	}

	notify := func(id, content string) {
		if notif == nil {
			return
		}

		notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()

		if err := notif.Notify(notifyCtx, content); err != nil {
			logger.Error("failed to send notification", "video_id", id, "err", err)
		}
	}

	go func() {
		for rec := range manager.OnDownloadFailed {
			logger.Error("video download failed", "video_id", rec.ID, "failure_kind", rec.FailureKind, "message", rec.Message)
			notify(rec.ID, notifier.FailedMessage(rec))
		}
	}()

	go func() {
		for rec := range manager.OnDownloadFinished {
			logger.Info("video download finished", "video_id", rec.ID, "video_name", rec.Name)
			notify(rec.ID, notifier.FinishedMessage(rec))
		}
	}()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	cfg *config.Config,
	tel *telemetry.Telemetry,
	repo *sqlite.InstrumentedVideoRepository,
	manager *downloader.Manager,
	syncer rest.CatalogSyncer,
) *http.Server {
	mHandler := rest.NewManagementHandler(cfg.Management.Username, cfg.Management.Password, version, manager, syncer)
	cHandler := rest.NewContentHandler(content.NewServer(repo, tel))

	r := chi.NewRouter()
	r.Use(middleware.Recoverer, telemetry.RequestID, telemetry.HTTPLogging, telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Mount("/api", mHandler.Routes())
	r.Mount("/content", cHandler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, cfg.Telemetry.ServiceName),
		BaseContext: func(net.Listener) context.Context {
			// In-flight requests keep running while Shutdown drains them.
			return context.WithoutCancel(ctx)
		},
	}
}
