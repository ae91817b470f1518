package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/recapd/recapd/internal/api"
	"github.com/recapd/recapd/internal/config"
	"github.com/recapd/recapd/internal/job"
	"github.com/recapd/recapd/internal/logging"
	"github.com/recapd/recapd/internal/manager"
	"github.com/recapd/recapd/internal/queue"
	"github.com/recapd/recapd/internal/session"
	"github.com/recapd/recapd/internal/telemetry"
	"github.com/recapd/recapd/internal/webhook"
	"github.com/recapd/recapd/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(ctx *commandContext) *cobra.Command {
	var lockPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the enrichment daemon and its HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if lockPath == "" {
				lockPath = defaultLockPath(cfg)
			}
			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(runCtx, cfg, lockPath)
		},
	}
	cmd.Flags().StringVar(&lockPath, "lock", "", "Lock file guarding against a second daemon (default next to the job database)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, lockPath string) error {
	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	lock := flock.New(lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another recapd daemon is already running")
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("failed to release daemon lock", logging.Error(err))
		}
	}()

	store, err := openJobStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := session.NewSQLiteStore(cfg.Sessions.SQLitePath)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer sessions.Close()

	metrics := telemetry.New(nil)
	q := queue.New(store, queue.WithLogger(logger))
	enricher := worker.NewCLIEnricher(cfg.Worker.Command, cfg.Worker.Args,
		worker.WithTimeout(cfg.Worker.Timeout.Duration),
		worker.WithLogger(logger))

	opts := []manager.Option{manager.WithLogger(logger), manager.WithMetrics(metrics)}
	var notifier *webhook.Notifier
	if cfg.Notify.WebhookURL != "" {
		notifier = webhook.New(cfg.Notify.WebhookURL,
			webhook.AllowPrivate(cfg.Notify.AllowPrivate),
			webhook.WithLogger(logger),
			webhook.WithMetrics(metrics))
		opts = append(opts, manager.WithNotifier(notifier))
	}

	m := manager.New(managerConfig(cfg), q, enricher, sessions, opts...)
	if err := m.Initialize(ctx); err != nil {
		return fmt.Errorf("start manager: %w", err)
	}

	handler := api.NewHandler(m, q, sessions, logger).Router(api.RouterOptions{
		APIKeys:      cfg.Server.APIKeys,
		CORSOrigins:  cfg.Server.CORSOrigins,
		RateLimitRPS: cfg.Server.RateLimitRPS,
		Metrics:      metrics,
	})

	srv := &http.Server{
		Addr:        cfg.Server.ListenAddr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("recapd listening",
			logging.String("addr", cfg.Server.ListenAddr),
			logging.String("store", cfg.Store.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", logging.Error(err))
	}
	if err := m.Shutdown(shutdownCtx); err != nil {
		logger.Error("manager shutdown", logging.Error(err))
	}
	if notifier != nil {
		notifier.Wait()
	}
	return runErr
}

// defaultLockPath keeps the lock beside the SQLite job database; network
// backends fall back to the temp dir.
func defaultLockPath(cfg *config.Config) string {
	if cfg.Store.Driver == "sqlite" && cfg.Store.SQLitePath != ":memory:" {
		return filepath.Join(filepath.Dir(cfg.Store.SQLitePath), "recapd.lock")
	}
	return filepath.Join(os.TempDir(), "recapd.lock")
}

func openJobStore(ctx context.Context, cfg config.Store) (job.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := job.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite job store: %w", err)
		}
		return s, nil
	case "redis":
		s, err := job.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("open redis job store: %w", err)
		}
		return s, nil
	case "postgres":
		s, err := job.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres job store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func managerConfig(cfg *config.Config) manager.Config {
	return manager.Config{
		MaxConcurrency:  cfg.Manager.MaxConcurrency,
		MaxAttempts:     cfg.Manager.MaxAttempts,
		BaseDelay:       cfg.Manager.BaseDelay.Duration,
		MaxDelay:        cfg.Manager.MaxDelay.Duration,
		AttemptTimeout:  cfg.Manager.AttemptTimeout.Duration,
		PollInterval:    cfg.Manager.PollInterval.Duration,
		Retention:       cfg.Store.Retention.Duration,
		CleanupInterval: cfg.Store.CleanupInterval.Duration,
		DrainOnShutdown: cfg.Manager.DrainOnShutdown,
	}
}
