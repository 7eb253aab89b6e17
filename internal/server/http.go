package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Dryhten/whoAsr/internal/config"
	"github.com/Dryhten/whoAsr/internal/engine"
	"github.com/Dryhten/whoAsr/internal/metrics"
	"github.com/Dryhten/whoAsr/internal/model"
	"github.com/Dryhten/whoAsr/internal/session"
)

// HTTPServer provides HTTP API endpoints for monitoring and model management
type HTTPServer struct {
	server   *http.Server
	logger   *slog.Logger
	config   *config.Config
	registry *session.Registry
	pool     *engine.Pool
	models   *model.Manager
	metrics  *metrics.Metrics

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger,
	appConfig *config.Config, registry *session.Registry, pool *engine.Pool,
	models *model.Manager, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		registry:  registry,
		pool:      pool,
		models:    models,
		metrics:   m,
		startTime: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(h.withMetrics)

	r.Get("/", h.handleRoot)
	r.Get("/health", h.handleHealth)
	r.Get("/sessions", h.handleSessions)
	r.Get("/sessions/{session_id}", h.handleSessionDetail)
	r.Get("/config", h.handleConfig)
	r.Get("/stats", h.handleStats)
	r.Get("/models", h.handleModels)
	r.Get("/models/{model_type}", h.handleModelDetail)
	r.Post("/models/{model_type}/load", h.handleModelLoad)
	r.Post("/models/{model_type}/unload", h.handleModelUnload)
	r.Handle("/metrics", promhttp.Handler())

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// withMetrics records request duration and error counts per route
func (h *HTTPServer) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(ww, r)

		endpoint := chi.RouteContext(r.Context()).RoutePattern()
		if endpoint == "" {
			endpoint = r.URL.Path
		}
		duration := time.Since(startTime).Seconds()
		statusCode := strconv.Itoa(ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func (h *HTTPServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", slog.String("error", err.Error()))
	}
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.startTime)
	poolStats := h.pool.Stats()
	registryStats := h.registry.Stats()

	loaded := 0
	for _, st := range h.models.Status() {
		if st.Loaded {
			loaded++
		}
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]interface{}{
			"name":    "whoAsr",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"sessions": map[string]interface{}{
				"status":    "running",
				"active":    registryStats.ActiveSessions,
				"recording": registryStats.Recording,
			},
			"inference_pool": map[string]interface{}{
				"status":      "running",
				"workers":     poolStats.Workers,
				"queue_depth": poolStats.QueueDepth,
				"completed":   poolStats.Completed,
			},
			"models": map[string]interface{}{
				"status": "running",
				"loaded": loaded,
			},
		},
	}

	h.writeJSON(w, http.StatusOK, health)
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	infos := h.registry.List()

	response := map[string]interface{}{
		"total_sessions": len(infos),
		"timestamp":      time.Now().UTC(),
		"sessions":       infos,
	}

	h.writeJSON(w, http.StatusOK, response)
}

// handleSessionDetail implements the /sessions/{session_id} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	sess, exists := h.registry.Get(sessionID)
	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	h.writeJSON(w, http.StatusOK, sess.Info())
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"port":              h.config.Server.Port,
			"bind_address":      h.config.Server.BindAddress,
			"max_sessions":      h.config.Server.MaxSessions,
			"read_timeout":      h.config.Server.ReadTimeout,
			"write_timeout":     h.config.Server.WriteTimeout,
			"outbound_buffer":   h.config.Server.OutboundBuffer,
			"max_message_bytes": h.config.Server.MaxMessageBytes,
		},
		"audio": map[string]interface{}{
			"sample_rate":         h.config.Audio.SampleRate,
			"window_ms":           h.config.Audio.WindowMs,
			"window_samples":      h.config.Audio.WindowSamples(),
			"max_pending_windows": h.config.Audio.MaxPendingWindows,
			"idle_timeout":        h.config.Audio.IdleTimeout,
		},
		"engine": map[string]interface{}{
			"workers":    h.config.Engine.Workers,
			"queue_size": h.config.Engine.QueueSize,
		},
		"models": map[string]interface{}{
			"auto_load": h.config.Models.AutoLoad,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	h.writeJSON(w, http.StatusOK, sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.startTime)

	stats := map[string]interface{}{
		"uptime":    uptime.String(),
		"timestamp": time.Now().UTC(),
		"sessions":  h.registry.Stats(),
		"inference": h.pool.Stats(),
		"models":    h.models.Status(),
	}

	h.writeJSON(w, http.StatusOK, stats)
}

// handleModels implements the GET /models endpoint
func (h *HTTPServer) handleModels(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"timestamp": time.Now().UTC(),
		"models":    h.models.Status(),
	}

	h.writeJSON(w, http.StatusOK, response)
}

// handleModelDetail implements the GET /models/{model_type} endpoint
func (h *HTTPServer) handleModelDetail(w http.ResponseWriter, r *http.Request) {
	t, err := model.ParseType(chi.URLParam(r, "model_type"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	status, err := h.models.StatusFor(t)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	h.writeJSON(w, http.StatusOK, status)
}

// handleModelLoad implements the POST /models/{model_type}/load endpoint.
// Loading is idempotent: a load request for an already loaded model succeeds
// without reloading, and concurrent requests share one load.
func (h *HTTPServer) handleModelLoad(w http.ResponseWriter, r *http.Request) {
	t, err := model.ParseType(chi.URLParam(r, "model_type"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.models.Load(r.Context(), t); err != nil {
		h.metrics.RecordModelLoad(string(t), false)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.metrics.RecordModelLoad(string(t), true)

	status, _ := h.models.StatusFor(t)
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": fmt.Sprintf("model %s loaded", t),
		"model":   status,
	})
}

// handleModelUnload implements the POST /models/{model_type}/unload endpoint.
// Without force it refuses while sessions hold the model; with force=true the
// dependent sessions are errored and the model is evicted.
func (h *HTTPServer) handleModelUnload(w http.ResponseWriter, r *http.Request) {
	t, err := model.ParseType(chi.URLParam(r, "model_type"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	force := r.URL.Query().Get("force") == "true"

	evicted, err := h.models.Unload(t, force)
	if err != nil {
		h.metrics.RecordModelUnload(string(t), false)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	h.metrics.RecordModelUnload(string(t), true)

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":          fmt.Sprintf("model %s unloaded", t),
		"sessions_errored": evicted,
	})
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	apiDoc := map[string]interface{}{
		"service": "whoAsr streaming transcription gateway",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":                               "API documentation",
			"GET /health":                         "Service health check",
			"GET /sessions":                       "List all active sessions",
			"GET /sessions/{session_id}":          "Get detailed session information",
			"GET /config":                         "Get service configuration",
			"GET /stats":                          "Get service statistics",
			"GET /models":                         "List model states",
			"GET /models/{model_type}":            "Get one model's state",
			"POST /models/{model_type}/load":      "Load a model (idempotent)",
			"POST /models/{model_type}/unload":    "Unload a model (?force=true evicts)",
			"GET /metrics":                        "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	h.writeJSON(w, http.StatusOK, apiDoc)
}
