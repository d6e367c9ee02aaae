package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vyvo/compute/fleet/pkg/api"
	"github.com/vyvo/compute/fleet/pkg/auth"
	"github.com/vyvo/compute/fleet/pkg/blob"
	"github.com/vyvo/compute/fleet/pkg/config"
	"github.com/vyvo/compute/fleet/pkg/controlplane"
	"github.com/vyvo/compute/fleet/pkg/logging"
	"github.com/vyvo/compute/fleet/pkg/notify"
	"github.com/vyvo/compute/fleet/pkg/registry"
	"github.com/vyvo/compute/fleet/pkg/telemetry"
)

func main() {
	root := &cobra.Command{
		Use:           "fleetd",
		Short:         "Runner fleet control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), migrateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fleetd: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, liveness sweeper and notification hub",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServer()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the Postgres schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServer()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Storage.Driver != "postgres" {
				return fmt.Errorf("migrate requires storage.driver=postgres, got %q", cfg.Storage.Driver)
			}
			store, err := controlplane.NewPostgresStore(cfg.Storage.PostgresDSN)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.EnsureSchema(cmd.Context())
		},
	}
}

func serve(ctx context.Context, cfg config.ServerConfig) error {
	zl, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	logger := logging.Wrap(zl)
	defer logger.Sync()

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Tracing)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(flushCtx)
	}()
	metrics := telemetry.NewMetrics()
	clk := clock.New()

	repo, health, closeRepo, err := openRepository(ctx, cfg.Storage, clk)
	if err != nil {
		return err
	}
	defer closeRepo()

	blobs, closeBlobs, err := openBlobStore(ctx, cfg.Blob)
	if err != nil {
		return err
	}
	defer closeBlobs()

	hub, closeRedis, err := openHub(ctx, cfg.Notify, clk, metrics, logger.Named("notify"))
	if err != nil {
		return err
	}
	defer closeRedis()

	users := auth.NewStaticDirectory(cfg.Identity.Strict)
	for _, u := range cfg.Identity.Users {
		users.Set(u.ID, u.Active)
	}

	jobsCfg := controlplane.JobsConfig{
		Publisher: hub,
		Blobs:     blobs,
		Clock:     clk,
		Logger:    logger.Named("jobs"),
	}
	if len(cfg.Applications) > 0 {
		apps := registry.New(cfg.Applications...)
		ids := make([]string, 0, apps.Len())
		for _, app := range apps.List() {
			ids = append(ids, app.ID)
		}
		logger.Info("application catalog loaded", "count", apps.Len(), "ids", ids)
		jobsCfg.Apps = apps
	}

	handler := api.NewHandler(api.Options{
		Registry:       controlplane.NewRegistry(repo, clk, logger.Named("registry")),
		Authenticator:  controlplane.NewAuthenticator(repo, users),
		Jobs:           controlplane.NewJobs(repo, jobsCfg),
		Resources:      controlplane.NewResources(repo, blobs, cfg.Upload.MaxBytes, clk, logger.Named("resources")),
		Hub:            hub,
		Users:          users,
		Metrics:        metrics,
		Logger:         logger.Named("http"),
		Health:         health,
		RequestTimeout: cfg.RequestTimeout,
	})

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("control plane listening", "addr", cfg.ListenAddr, "storage", cfg.Storage.Driver, "blob", cfg.Blob.Driver, "notify", cfg.Notify.Mode)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return hub.Run(gctx)
	})
	if cfg.Liveness.Enabled {
		sweeper := controlplane.NewSweeper(repo, cfg.Liveness.Threshold, cfg.Liveness.Interval, clk, logger.Named("liveness"))
		sweeper.OnStale(func(ids []string) {
			metrics.RunnersMarkedOffline.Add(float64(len(ids)))
		})
		g.Go(func() error {
			return sweeper.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		// Streams only end once the hub closes them.
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", "error", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("control plane stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openRepository(ctx context.Context, cfg config.StorageConfig, clk clock.Clock) (controlplane.Repository, api.Pinger, func(), error) {
	switch cfg.Driver {
	case "postgres":
		store, err := controlplane.NewPostgresStore(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		return store, store, func() { store.Close() }, nil
	case "file":
		store, err := controlplane.NewStore(cfg.Path, controlplane.WithStoreClock(clk))
		if err != nil {
			return nil, nil, nil, err
		}
		return store, nil, func() { store.Close() }, nil
	default:
		store, err := controlplane.NewStore("", controlplane.WithStoreClock(clk))
		if err != nil {
			return nil, nil, nil, err
		}
		return store, nil, func() { store.Close() }, nil
	}
}

func openBlobStore(ctx context.Context, cfg config.BlobConfig) (blob.Store, func(), error) {
	switch cfg.Driver {
	case "sftp":
		store, err := blob.NewSFTPStore(blob.SFTPConfig{
			Addr:       cfg.SFTP.Addr,
			User:       cfg.SFTP.User,
			Password:   cfg.SFTP.Password,
			PrivateKey: cfg.SFTP.PrivateKey,
			Root:       cfg.SFTP.Root,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	case "minio":
		store, err := blob.NewMinIOStore(ctx, blob.MinIOConfig{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			UseSSL:    cfg.MinIO.UseSSL,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	default:
		store, err := blob.NewFSStore(cfg.Root)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
}

func openHub(ctx context.Context, cfg config.NotifyConfig, clk clock.Clock, metrics *telemetry.Metrics, logger *logging.Logger) (*notify.Hub, func(), error) {
	mode, err := notify.ParseMode(cfg.Mode)
	if err != nil {
		return nil, nil, err
	}
	opts := notify.Options{
		Mode:      mode,
		Buffer:    cfg.Buffer,
		Clock:     clk,
		Logger:    logger,
		Published: metrics.NotificationsSent,
		Delivered: metrics.NotificationsDone,
		Dropped:   metrics.NotificationsDropped,
	}

	var client *redis.Client
	if cfg.RedisURL != "" {
		client, err = notify.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		opts.Backplane = notify.NewRedisBackplane(client, notify.DefaultChannel, logger)
	}
	if mode == notify.ModeOutbox {
		if client != nil {
			opts.Outbox = notify.NewRedisOutbox(client, notify.DefaultOutboxTTL)
		} else {
			opts.Outbox = notify.NewMemoryOutbox()
		}
	}

	closer := func() {}
	if client != nil {
		closer = func() { closeQuietly(client) }
	}
	hub, err := notify.NewHub(opts)
	if err != nil {
		closer()
		return nil, nil, err
	}
	return hub, closer, nil
}

func closeQuietly(c io.Closer) {
	_ = c.Close()
}
