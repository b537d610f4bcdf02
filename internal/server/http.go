package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dubroom/capture-service/internal/audio"
	"github.com/dubroom/capture-service/internal/capture"
	"github.com/dubroom/capture-service/internal/config"
	"github.com/dubroom/capture-service/internal/metrics"
	"github.com/dubroom/capture-service/internal/playback"
	"github.com/dubroom/capture-service/internal/session"
	"github.com/dubroom/capture-service/internal/upload"
)

// HTTPServer provides the monitoring endpoints for a running capture
// agent. It is read only; takes are driven by the agent, not over HTTP.
type HTTPServer struct {
	server      *http.Server
	logger      *slog.Logger
	config      *config.Config
	registry    *session.Registry
	uploader    *upload.Client
	coordinator *playback.Coordinator
	metrics     *metrics.Metrics

	startTime time.Time
}

// NewHTTPServer creates the monitoring server. The uploader and
// coordinator are optional; their sections are omitted from stats when
// absent.
func NewHTTPServer(cfg config.MonitoringConfig, logger *slog.Logger, appConfig *config.Config,
	registry *session.Registry, uploader *upload.Client, coordinator *playback.Coordinator,
	m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:      logger,
		config:      appConfig,
		registry:    registry,
		uploader:    uploader,
		coordinator: coordinator,
		metrics:     m,
		startTime:   time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         cfg.Address(),
		Handler:      mux,
		ReadTimeout:  cfg.GetReadTimeout(),
		WriteTimeout: cfg.GetWriteTimeout(),
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures the monitoring routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Health check endpoint
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Session monitoring endpoints
	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/sessions/", h.withMetrics("/sessions/{line}", h.handleSessionDetail))

	// Capture device enumeration
	mux.HandleFunc("/devices", h.withMetrics("/devices", h.handleDevices))

	// Configuration endpoint
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Statistics endpoint
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.Handler())

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Capture the status code for the metric labels
		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		handler(ww, r)

		if h.metrics == nil {
			return
		}
		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
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
	h.logger.Info("Starting monitoring server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("Monitoring server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping monitoring server...")

	return h.server.Shutdown(ctx)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(h.startTime)

	components := map[string]interface{}{
		"registry": map[string]interface{}{
			"status":          "running",
			"tracked_takes":   h.registry.Count(),
			"active_sessions": h.registry.ActiveCount(),
		},
	}
	if h.uploader != nil {
		uploadStats := h.uploader.GetStats()
		components["upload"] = map[string]interface{}{
			"status":         "running",
			"total_uploads":  uploadStats.TotalUploads,
			"success_rate":   uploadStats.SuccessRate,
			"active_uploads": uploadStats.ActiveUploads,
		}
	}
	if h.coordinator != nil {
		components["playback"] = map[string]interface{}{
			"status":  "running",
			"playing": h.coordinator.Playing(),
		}
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]interface{}{
			"name":    "capture-service",
			"version": "1.0.0",
		},
		"components": components,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := h.registry.All()
	infos := make([]session.Info, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.GetInfo())
	}

	response := map[string]interface{}{
		"total_sessions": len(infos),
		"timestamp":      time.Now().UTC(),
		"sessions":       infos,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleSessionDetail implements the /sessions/{line} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	lineID := r.URL.Path[len("/sessions/"):]
	if lineID == "" {
		http.Error(w, "Line ID required", http.StatusBadRequest)
		return
	}

	sess, exists := h.registry.Get(lineID)
	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	response := map[string]interface{}{
		"session": sess.GetInfo(),
	}
	// The detail view also reads the clip's own header back, so an
	// operator can compare declared metadata against the session state.
	if clip := sess.Clip(); clip != nil {
		if wavInfo, err := audio.GetWAVInfo(clip.WAV); err == nil {
			response["clip"] = wavInfo
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleDevices implements the /devices endpoint
func (h *HTTPServer) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	devices, err := capture.ListDevices()
	if err != nil {
		h.logger.Error("Device enumeration failed", slog.String("error", err.Error()))
		http.Error(w, "Device enumeration failed", http.StatusServiceUnavailable)
		return
	}

	response := map[string]interface{}{
		"total_devices": len(devices),
		"timestamp":     time.Now().UTC(),
		"devices":       devices,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Return sanitized configuration (remove sensitive data)
	sanitizedConfig := map[string]interface{}{
		"audio": map[string]interface{}{
			"sample_rate":     h.config.Audio.SampleRate,
			"channels":        h.config.Audio.Channels,
			"gain":            h.config.Audio.Gain,
			"flush_threshold": h.config.Audio.FlushThreshold,
		},
		"session": map[string]interface{}{
			"duration_tolerance_ms": h.config.Session.DurationToleranceMs,
			"max_takes":             h.config.Session.MaxTakes,
			"idle_timeout_seconds":  h.config.Session.IdleTimeoutSeconds,
		},
		"upload": map[string]interface{}{
			"enabled":         h.config.Upload.Enabled,
			"endpoint":        h.config.Upload.Endpoint,
			"timeout_seconds": h.config.Upload.TimeoutSeconds,
			"max_concurrent":  h.config.Upload.MaxConcurrent,
			// Note: API key is intentionally omitted for security
		},
		"playback": map[string]interface{}{
			"enabled":               h.config.Playback.Enabled,
			"fetch_timeout_seconds": h.config.Playback.FetchTimeoutSeconds,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(h.startTime)

	stats := map[string]interface{}{
		"uptime":    uptime.String(),
		"timestamp": time.Now().UTC(),
		"sessions": map[string]interface{}{
			"tracked_takes": h.registry.Count(),
			"active_count":  h.registry.ActiveCount(),
		},
	}
	if h.uploader != nil {
		stats["upload"] = h.uploader.GetStats()
	}
	if h.coordinator != nil {
		stats["playback"] = map[string]interface{}{
			"playing": h.coordinator.Playing(),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "Voice-Over Capture Service",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":                "API documentation",
			"GET /health":          "Service health check",
			"GET /sessions":        "List tracked recording sessions",
			"GET /sessions/{line}": "Get detailed session information",
			"GET /devices":         "List visible capture devices",
			"GET /config":          "Get agent configuration",
			"GET /stats":           "Get agent statistics",
			"GET /metrics":         "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apiDoc)
}
