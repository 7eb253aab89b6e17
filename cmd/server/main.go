package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Dryhten/whoAsr/internal/config"
	"github.com/Dryhten/whoAsr/internal/engine"
	"github.com/Dryhten/whoAsr/internal/metrics"
	"github.com/Dryhten/whoAsr/internal/model"
	"github.com/Dryhten/whoAsr/internal/server"
	"github.com/Dryhten/whoAsr/internal/session"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "whoAsr"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.Int("port", cfg.Server.Port),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("max_sessions", cfg.Server.MaxSessions),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("window_ms", cfg.Audio.WindowMs),
		slog.Int("window_samples", cfg.Audio.WindowSamples()),
		slog.Int("engine_workers", cfg.Engine.Workers),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Initialize model manager. The loader builds a recognizer per model type;
	// every type shares the fixed window geometry.
	windowSamples := cfg.Audio.WindowSamples()
	loader := func(t model.Type) (engine.Recognizer, error) {
		return engine.NewStreamingRecognizer(windowSamples, cfg.Audio.SampleRate)
	}
	models := model.NewManager(logger, loader, nil)

	// Auto-load configured models before accepting traffic
	for _, t := range cfg.Models.AutoLoadTypes() {
		loadCtx, loadCancel := context.WithTimeout(context.Background(), 60*time.Second)
		err := models.Load(loadCtx, t)
		loadCancel()
		if err != nil {
			logger.Error("Failed to auto-load model",
				slog.String("model_type", string(t)),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
		appMetrics.RecordModelLoad(string(t), true)
	}

	// Initialize inference worker pool
	pool := engine.NewPool(logger, cfg.Engine.Workers, cfg.Engine.QueueSize)

	// Initialize session registry
	registry := session.NewRegistry(logger, session.Config{
		SampleRate:        cfg.Audio.SampleRate,
		WindowSamples:     windowSamples,
		MaxPendingWindows: cfg.Audio.MaxPendingWindows,
		MaxSessions:       cfg.Server.MaxSessions,
		IdleTimeout:       cfg.Audio.GetIdleTimeoutDuration(),
	}, pool, models, appMetrics)
	logger.Info("Session registry initialized",
		slog.Duration("idle_timeout", cfg.Audio.GetIdleTimeoutDuration()),
		slog.Int("max_pending_windows", cfg.Audio.MaxPendingWindows),
	)

	// Force-unloading a model errors the sessions that depend on it
	models.SetForceUnloadHook(func(t model.Type) {
		registry.FailSessionsUsing(t)
	})

	// Initialize WebSocket server
	wsServer := server.NewWSServer(cfg.Server, logger, registry, appMetrics)

	// Initialize HTTP API server (if enabled)
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, registry, pool, models, appMetrics)
		logger.Info("HTTP API server initialized",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		)
	}

	// Start WebSocket server
	if err := wsServer.Start(); err != nil {
		logger.Error("Failed to start WebSocket server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Start HTTP server (if enabled)
	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("ws_address", fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port)),
	)

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests)
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
		shutdownCancel()
	}

	// Stop WebSocket server (close client connections)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := wsServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping WebSocket server", slog.String("error", err.Error()))
	}
	shutdownCancel()

	// Stop session registry (cancel recordings, join in-flight inference)
	registry.Stop()

	// Stop inference pool last so every submitter got its outcome
	pool.Stop()

	stats := pool.Stats()
	logger.Info("Final inference statistics",
		slog.Uint64("submitted", stats.Submitted),
		slog.Uint64("completed", stats.Completed),
		slog.Uint64("rejected", stats.Rejected),
	)

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
