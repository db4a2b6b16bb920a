package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/basketd/basketd/internal/api"
	"github.com/basketd/basketd/internal/app"
	"github.com/basketd/basketd/internal/config"
	"github.com/basketd/basketd/internal/logging"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "basketd",
	Short: "basketd - offline-first shopping list daemon",
	RunE:  run,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(syncCmd)
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 3. Initialize logger
	logging.Setup(cfg.Log)
	slog.Info("logger initialized", "level", cfg.Log.Level)

	// 4. Assemble the component graph (store, sync queue, device
	// manager, persistence)
	application, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	slog.Info("application assembled",
		"db_path", cfg.Database.Path,
		"device_id", application.DeviceID,
		"server_configured", application.Remote.Configured(),
	)

	// 5. Start background components
	if err := application.Start(ctx); err != nil {
		application.Close()
		return err
	}

	// 6. Local HTTP facade for the UI collaborator
	handler := api.NewHandler(application.Persist, application.Queue, application.Devices, Version)
	router := api.NewRouter(handler)
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.API.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.API.ReadTimeout),
		WriteTimeout: time.Duration(cfg.API.WriteTimeout),
	}

	go func() {
		slog.Info("facade starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is
		// called gracefully.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("facade error", "error", err)
			cancel()
		}
	}()

	// 7. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 8. Graceful shutdown: drain HTTP first, then stop components
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.API.ShutdownTimeout))
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("facade shutdown error", "error", err)
	}
	if err := application.Close(); err != nil {
		slog.Error("application close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
