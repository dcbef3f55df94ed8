package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ecfr-dashboard/internal/dashboard"
	"ecfr-dashboard/internal/httpapi"
	"ecfr-dashboard/internal/wordcount"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dashboard HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		return serve(ctx, a)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// serve runs the HTTP server until ctx ends. Refreshes started by the server
// are cancelled when serve returns.
func serve(ctx context.Context, a *app) error {
	cfg, logger := a.cfg, a.logger
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var sched *wordcount.Scheduler
	if cfg.Refresh.Schedule != "" {
		s, err := wordcount.NewScheduler(a.refresher, cfg.Refresh.Schedule, logger)
		if err != nil {
			return err
		}
		s.Start()
		sched = s
		logger.Info("refresh scheduled",
			slog.String("schedule", cfg.Refresh.Schedule),
			slog.Time("next", s.Next()))
	}

	if cfg.Refresh.OnStart {
		go func() {
			_, err := a.refresher.Run(ctx)
			if err != nil && !errors.Is(err, wordcount.ErrRefreshRunning) && !errors.Is(err, wordcount.ErrRefresherClosed) {
				logger.Error("startup refresh failed", slog.Any("error", err))
			}
		}()
	}

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: httpapi.NewRouter(httpapi.Deps{
			Service:     dashboard.NewService(a.client, a.store),
			Store:       a.store,
			Refresher:   a.refresher,
			Scheduler:   sched,
			Breakers:    a.client.Breakers(),
			Logger:      logger,
			Lifetime:    ctx,
			CORSOrigins: cfg.Server.CORSOrigins,
		}),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", slog.String("addr", cfg.Server.Addr), slog.String("version", Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer stop()
	if sched != nil {
		sched.Stop(shutdownCtx)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
