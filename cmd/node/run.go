package main

import (
	"context"
	"encoding/json"
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

	"github.com/dreamware/gridcalc/internal/cluster"
	"github.com/dreamware/gridcalc/internal/config"
	"github.com/dreamware/gridcalc/internal/plugin"
	"github.com/dreamware/gridcalc/internal/worker"
)

func newRunCmd(root *rootOptions) *cobra.Command {
	var coordinatorAddr, name, statusAddr string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the coordinator and compute fragments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, m, err := root.manager()
			if err != nil {
				return err
			}
			if coordinatorAddr != "" {
				cfg.Worker.Coordinator = coordinatorAddr
			}
			if name != "" {
				cfg.Worker.Name = name
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, cfg, m, statusAddr, log.Logger)
		},
	}
	cmd.Flags().StringVar(&coordinatorAddr, "coordinator", "", "coordinator worker address (overrides worker.coordinator)")
	cmd.Flags().StringVar(&name, "name", "", "name announced to the coordinator (overrides worker.name)")
	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "serve GET /status and /health on this address")
	return cmd
}

// executorPlugins joins the plugin directory listing with the process
// executor into the worker's plugin set.
type executorPlugins struct {
	*plugin.ProcessExecutor
	manager *plugin.Manager
}

func (p executorPlugins) List() ([]string, error) {
	return p.manager.List()
}

func runWorker(ctx context.Context, cfg *config.Config, m *plugin.Manager, statusAddr string, logger zerolog.Logger) error {
	if err := m.Check(); err != nil {
		logger.Warn().Err(err).Msg("plugin directory failed the integrity check")
	}
	plugins := executorPlugins{
		ProcessExecutor: plugin.NewProcessExecutor(m, logger, plugin.WithTimeout(cfg.Plugins.Timeout)),
		manager:         m,
	}
	client := worker.NewClient(plugins, worker.Options{
		Logger:            logger,
		Name:              cfg.Worker.Name,
		Coordinator:       cfg.Worker.Coordinator,
		KeepaliveInterval: cfg.Worker.KeepaliveInterval,
		ReconnectDelay:    cfg.Worker.ReconnectDelay,
		WriteTimeout:      cfg.Coordinator.WriteTimeout,
		MaxFrameSize:      cfg.Coordinator.MaxFrameSize,
	})

	if statusAddr != "" {
		ln, err := net.Listen("tcp", statusAddr)
		if err != nil {
			return errors.Wrap(err, "listen for status")
		}
		srv := &http.Server{Handler: statusRoutes(client), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("status server")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info().Str("coordinator", cfg.Worker.Coordinator).Str("plugins", m.Dir()).Msg("node starting")
	err := client.Run(ctx)
	logger.Info().Msg("node stopped")
	return err
}

type statusSource interface {
	Status() worker.Status
}

func statusRoutes(src statusSource) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+cluster.PathHealth, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET "+cluster.PathStatus, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(src.Status())
	})
	return mux
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <addr>",
		Short: "Query a running node's status endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base := cluster.NewClient(args[0])
			var st worker.Status
			if err := cluster.GetJSON(cmd.Context(), base.URL(cluster.PathStatus), &st); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
}
