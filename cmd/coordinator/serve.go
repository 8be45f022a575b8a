package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dreamware/gridcalc/internal/config"
	"github.com/dreamware/gridcalc/internal/coordinator"
	"github.com/dreamware/gridcalc/internal/plugin"
	"github.com/dreamware/gridcalc/internal/storage"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var listen, httpAddr, pluginsDir string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept workers and serve the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Coordinator.Listen = listen
			}
			if httpAddr != "" {
				cfg.Coordinator.HTTP = httpAddr
			}
			if pluginsDir != "" {
				cfg.Plugins.Dir = pluginsDir
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log.Logger)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "worker protocol address (overrides coordinator.listen)")
	cmd.Flags().StringVar(&httpAddr, "http", "", "admin API address (overrides coordinator.http)")
	cmd.Flags().StringVar(&pluginsDir, "plugins", "", "plugin directory (overrides plugins.dir)")
	return cmd
}

// openStore builds the configured outcome store. The returned func releases
// it.
func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, func(), error) {
	switch cfg.Backend {
	case config.BackendRedis:
		client, err := storage.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		return storage.NewRedisStore(client, cfg.KeyPrefix, cfg.TTL), func() { client.Close() }, nil
	default:
		return storage.NewMemoryStore(), func() {}, nil
	}
}

// serve runs the coordinator until ctx is canceled, a listener fails or the
// admin API asks for a shutdown.
func serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	manager, err := plugin.NewManager(cfg.Plugins.Dir, logger)
	if err != nil {
		return err
	}
	if err := manager.Check(); err != nil {
		logger.Warn().Err(err).Msg("plugin directory failed the integrity check")
	}
	executor := plugin.NewProcessExecutor(manager, logger, plugin.WithTimeout(cfg.Plugins.Timeout))

	store, closeStore, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStore()

	d := coordinator.NewDispatcher(executor, store, coordinator.Options{
		Logger:           logger,
		WorkTimeout:      cfg.Dispatch.WorkTimeout,
		WatchInterval:    cfg.Dispatch.WatchInterval,
		WriteTimeout:     cfg.Coordinator.WriteTimeout,
		MaxAttempts:      cfg.Dispatch.MaxAttempts,
		QueueSize:        cfg.Dispatch.QueueSize,
		MaxFrameSize:     cfg.Coordinator.MaxFrameSize,
		TrustFragmentIDs: cfg.Dispatch.TrustFragmentIDs,
	})

	workerLn, err := net.Listen("tcp", cfg.Coordinator.Listen)
	if err != nil {
		return errors.Wrap(err, "listen for workers")
	}
	adminLn, err := net.Listen("tcp", cfg.Coordinator.HTTP)
	if err != nil {
		workerLn.Close()
		return errors.Wrap(err, "listen for admin API")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := newServer(d, cancel, logger)
	httpSrv := &http.Server{
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 2)
	go func() { _ = d.Run(ctx) }()
	go func() {
		if err := d.Serve(ctx, workerLn); err != nil {
			errc <- err
		}
	}()
	go func() {
		logger.Info().Str("addr", adminLn.Addr().String()).Msg("admin API listening")
		if err := httpSrv.Serve(adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Wrap(err, "admin API")
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
		logger.Error().Err(runErr).Msg("listener failed, shutting down")
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Coordinator.ShutdownTimeout)
	defer done()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("admin API shutdown")
	}
	cancel()
	select {
	case <-d.Done():
	case <-shutdownCtx.Done():
		logger.Warn().Msg("dispatcher did not stop in time")
	}
	logger.Info().Msg("coordinator stopped")
	return runErr
}
