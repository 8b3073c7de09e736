package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/StoneLin0708/language-model-playground/api/rest/routes"
	"github.com/StoneLin0708/language-model-playground/config"
	"github.com/StoneLin0708/language-model-playground/core/monitoring"
	"github.com/StoneLin0708/language-model-playground/core/repository"

	"github.com/gorilla/mux"
)

func main() {
	cfg := config.Load()
	logger := cfg.NewLogger()

	// Initialize database
	db, err := repository.NewDB(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(context.Background()); err != nil {
		logger.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}
	logger.Info("database connected", "dialect", db.Dialect())

	// Interrupt runs whose trainer died without recording an outcome
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runMonitor := monitoring.NewRunMonitor(repository.NewRunRepository(db), cfg.DataPath, cfg.StaleRunTimeout, logger)
	go runMonitor.Start(ctx)

	r := mux.NewRouter()
	routes.SetupRoutes(r, db, cfg.DataPath)

	// Start server
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		logger.Info("starting server", "port", cfg.ServerPort, "data_path", cfg.DataPath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	logger.Info("server exited")
}
