package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpapi "orbit-sitecov/internal/http"
	"orbit-sitecov/internal/service"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the change watcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, m, svc, err := bootstrap(prometheus.DefaultRegisterer)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer svc.Close()
			if addr != "" {
				cfg.HTTPAddr = addr
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if err := svc.Start(ctx); err != nil {
				return err
			}

			router := httpapi.NewRouter(logger)
			router.RegisterSiteRoutes(httpapi.NewSiteHandler(svc, cfg.Import.MaxUploadBytes, m, logger))
			router.RegisterMetrics(prometheus.DefaultGatherer)
			router.RegisterHealth()
			srv := service.NewServer(cfg.HTTPAddr, router, logger)

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start()
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				logger.Info("Shutting down", zap.String("signal", sig.String()))
			case err = <-errCh:
				logger.Error("HTTP server stopped", zap.Error(err))
			}
			cancel()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if serr := srv.Stop(shutdownCtx); serr != nil {
				logger.Warn("Graceful shutdown failed", zap.Error(serr))
			}
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides HTTP_ADDR)")
	return cmd
}
