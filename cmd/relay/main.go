package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/phonectl/relay/internal/config"
	"github.com/phonectl/relay/internal/database"
	"github.com/phonectl/relay/internal/history"
	"github.com/phonectl/relay/internal/registry"
	"github.com/phonectl/relay/internal/server"
	"github.com/phonectl/relay/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to config file (empty runs on defaults)")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting relay",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	var cfg *config.RelayConfig
	if *configPath == "" {
		cfg = config.Default()
	} else {
		var err error
		cfg, err = config.LoadAndValidate(*configPath)
		if err != nil {
			logger.Error("failed to load config", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"path", cfg.Server.Path,
		"history_enabled", cfg.History.Enabled,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Optional pairing-event history
	var (
		pool   *pgxpool.Pool
		buffer *history.EventBuffer
		writer *history.Writer
		sink   registry.EventSink
	)
	if cfg.History.Enabled {
		logger.Info("connecting to database",
			"host", cfg.Database.Host,
			"port", cfg.Database.Port,
			"database", cfg.Database.Name,
		)

		var err error
		pool, err = database.Connect(ctx, cfg.Database)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		logger.Info("database connected")

		buffer = history.NewEventBuffer(cfg.History.BufferSize)
		writer = history.NewWriter(history.Config{
			BatchSize:     cfg.History.BatchSize,
			FlushInterval: cfg.History.FlushInterval,
		}, buffer, pool, logger)
		sink = buffer

		if err := writer.Start(ctx); err != nil {
			logger.Error("failed to start history writer", "error", err)
			os.Exit(1)
		}
	}

	// Connection registry
	reg := registry.NewRegistry(registry.Config{
		SweepInterval: cfg.Registry.SweepInterval,
	}, sink, logger)

	if err := reg.Start(ctx); err != nil {
		logger.Error("failed to start registry", "error", err)
		os.Exit(1)
	}

	// Websocket server
	srv := server.New(cfg.Server, reg, logger)
	if err := srv.Start(ctx); err != nil {
		logger.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	// Health server
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Health.Port),
		Handler: createHealthHandler(cfg.Health.Path, reg, srv, pool),
	}

	go func() {
		logger.Info("starting health server", "port", cfg.Health.Port)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	logger.Info("relay running",
		"ws_url", fmt.Sprintf("ws://localhost:%d%s", cfg.Server.Port, cfg.Server.Path),
		"health_url", fmt.Sprintf("http://localhost:%d%s", cfg.Health.Port, cfg.Health.Path),
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	healthServer.Shutdown(shutdownCtx)
	srv.Stop(shutdownCtx)
	reg.Stop(shutdownCtx)
	if writer != nil {
		buffer.Close()
		writer.Stop(shutdownCtx)
	}

	logger.Info("relay stopped")
}

// createHealthHandler creates the HTTP handler for health checks.
func createHealthHandler(path string, reg registry.Registry, srv *server.Server, pool *pgxpool.Pool) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string                 `json:"status"`
			Components map[string]interface{} `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]interface{}),
		}

		regStats := reg.Stats()
		health.Components["registry"] = map[string]interface{}{
			"pairs":       regStats.Pairs,
			"connections": regStats.Connections,
			"full_pairs":  regStats.FullPairs,
			"swept":       regStats.Swept,
			"evictions":   regStats.Evictions,
		}

		srvStats := srv.Stats()
		health.Components["server"] = map[string]interface{}{
			"active_connections": srvStats.ActiveConnections,
			"total_accepted":     srvStats.TotalAccepted,
		}

		if pool != nil {
			if err := pool.Ping(ctx); err != nil {
				health.Status = "degraded"
				health.Components["postgres"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["postgres"] = "connected"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version":    version.Version,
			"commit":     version.Commit,
			"build_time": version.BuildTime,
		})
	})

	return mux
}
