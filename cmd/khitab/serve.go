package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/comigor/khitab/internal/archive"
	"github.com/comigor/khitab/internal/httpapi"
	"github.com/comigor/khitab/internal/logger"
	"github.com/comigor/khitab/internal/session"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the expiry sweeper",
		Args:  cobra.NoArgs,
		RunE:  runServeCmd,
	}
}

func runServeCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := openBackend(ctx, cfg, cfg.Server.Workers)
	if err != nil {
		return err
	}
	defer backend.Close()

	sink, err := archive.New(cfg.Archive)
	if err != nil {
		return err
	}

	opts := []httpapi.Option{httpapi.WithJWTSecret(cfg.Server.JWTSecret)}
	if sink != nil {
		opts = append(opts, httpapi.WithSink(sink))
	}
	api := httpapi.New(backend.Store, newController(cfg, backend), opts...)

	sweeper := session.NewSweeper(backend.Store, cfg.Session.SweepInterval)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	srv := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.L.Info("Starting server", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		logger.L.Info("Shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.L.Warn("Server shutdown incomplete", "error", err)
	}
	return nil
}
