package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ytjobs/internal/config"
	"ytjobs/internal/handlers"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	var configPath string
	cmd := &cobra.Command{
		Use:           "web",
		Short:         "Run the development conversion backend",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(logger, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Configuration file path")

	if err := cmd.Execute(); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func serve(logger *slog.Logger, cfg *config.Config) error {
	app := handlers.NewApp(logger, handlers.Options{
		DownloadsDir: cfg.Server.DownloadsDir,
		SocketPath:   cfg.Server.SocketPath,
		StepInterval: cfg.Server.StepInterval,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	app.StartCleanupLoop(ctx, time.Minute, cfg.Server.JobTTL)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           app.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server started", "addr", cfg.Server.Addr, "socket_path", cfg.Server.SocketPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-errCh:
		app.Close()
		return err
	}

	logger.Info("shutdown signal received")
	cancel()
	app.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		_ = srv.Close()
	}
	logger.Info("server stopped")
	return nil
}
