// Command api is the Gig Dispatch API server.
//
// Usage:
//
//	gig-dispatch-api
//	API_PORT=8080 RUN_MIGRATIONS=true gig-dispatch-api
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/albapepper/gig-dispatch/internal/api"
	"github.com/albapepper/gig-dispatch/internal/app"
	"github.com/albapepper/gig-dispatch/internal/config"
	"github.com/albapepper/gig-dispatch/internal/db"
	"github.com/albapepper/gig-dispatch/internal/listener"
	"github.com/albapepper/gig-dispatch/internal/logger"
	"github.com/albapepper/gig-dispatch/internal/maintenance"
)

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	// Context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.RunMigrations {
		log.Info("Running migrations...")
		if err := db.Migrate(ctx, cfg.DatabaseURL); err != nil {
			log.Error("Failed to run migrations", "error", err)
			os.Exit(1)
		}
	}

	// Connect to database
	log.Info("Connecting to database...")
	pool, err := db.New(ctx, cfg)
	if err != nil {
		log.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	log.Info("Database connected",
		"min_conns", cfg.DBPoolMinConns,
		"max_conns", cfg.DBPoolMaxConns)

	engine := app.New(pool, cfg, log)

	// Start LISTEN/NOTIFY consumer for operator re-notify requests
	if cfg.RenotifyListenerEnabled {
		go listener.Start(ctx, cfg.DatabaseURL, engine.Coordinator, log)
	}

	// Start maintenance tickers (inactive registration purge)
	go maintenance.Start(ctx, pool, maintenance.Config{
		CleanupInterval: cfg.CleanupInterval,
		RetentionDays:   cfg.RegistrationRetentionDays,
	}, log)

	router := api.NewRouter(engine.Coordinator, pool, cfg, log)

	addr := fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 90 * time.Second, // a dispatch waits for push fan-out
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("Starting Gig Dispatch API",
			"addr", addr,
			"environment", cfg.Environment,
			"docs", fmt.Sprintf("http://localhost:%d/docs/", cfg.APIPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt
	<-ctx.Done()
	log.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Shutdown error", "error", err)
	}
	log.Info("Server stopped")
}
