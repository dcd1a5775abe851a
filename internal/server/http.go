package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/meet-audio-relay/internal/bus"
	"github.com/skypro1111/meet-audio-relay/internal/capture"
	"github.com/skypro1111/meet-audio-relay/internal/config"
	"github.com/skypro1111/meet-audio-relay/internal/metrics"
)

const (
	serviceName    = "meet-audio-relay"
	serviceVersion = "1.0.0"
)

// StatusSource reports the capture state
type StatusSource interface {
	Status() capture.Status
}

// HTTPServer provides the status API, the Prometheus endpoint and the
// websocket bridge that lets a remote UI join the message bus
type HTTPServer struct {
	server   *http.Server
	router   chi.Router
	logger   *slog.Logger
	config   *config.Config
	hub      *bus.Hub
	status   StatusSource
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	// Server state
	startTime time.Time
	mu        sync.Mutex
	uiActive  bool
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, appConfig *config.Config,
	hub *bus.Hub, status StatusSource, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		hub:       hub,
		status:    status,
		metrics:   m,
		startTime: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/", h.withMetrics("/", h.handleRoot))
	r.Get("/health", h.withMetrics("/health", h.handleHealth))
	r.Get("/status", h.withMetrics("/status", h.handleStatus))
	r.Get("/config", h.withMetrics("/config", h.handleConfig))
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/ws", h.handleWebsocket)
	h.router = r

	h.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return h
}

// Handler returns the router
func (h *HTTPServer) Handler() http.Handler {
	return h.router
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

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

func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"contexts": h.hub.Contexts(),
	})
}

func (h *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	uiActive := h.uiActive
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"capture":      h.status.Status(),
		"contexts":     h.hub.Contexts(),
		"ui_connected": uiActive,
		"timestamp":    time.Now().UTC(),
	})
}

// handleConfig returns the configuration without credentials
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	c := h.config
	writeJSON(w, http.StatusOK, map[string]any{
		"capture": map[string]any{
			"sample_rate":    c.Capture.SampleRate,
			"chunk_interval": c.Capture.ChunkInterval,
			"mime_type":      c.Capture.MimeType,
			"input_format":   c.Capture.InputFormat,
		},
		"upload": map[string]any{
			"drain_interval": c.Upload.DrainInterval,
			"timeout":        c.Upload.Timeout,
		},
		"transcript": map[string]any{
			"capture_margin":   c.Transcript.CaptureMargin,
			"ui_margin":        c.Transcript.UIMargin,
			"ui_poll_interval": c.Transcript.UIPollInterval,
		},
		"bus": map[string]any{
			"transport":       c.Bus.Transport,
			"request_timeout": c.Bus.RequestTimeout,
		},
		"archive": map[string]any{
			"enabled": c.Archive.Enabled,
			"bucket":  c.Archive.Bucket,
		},
		"logging": map[string]any{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
		},
	})
}

func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": serviceName,
		"version": serviceVersion,
		"endpoints": map[string]string{
			"GET /":        "API documentation",
			"GET /health":  "Service health check",
			"GET /status":  "Capture state and live contexts",
			"GET /config":  "Service configuration",
			"GET /metrics": "Prometheus metrics",
			"GET /ws":      "UI context over websocket",
		},
		"timestamp": time.Now().UTC(),
	})
}

// handleWebsocket attaches a remote UI to the bus as the ui context. Only
// one UI may be attached at a time.
func (h *HTTPServer) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.uiActive || h.hub.Exists(bus.ContextUI) {
		h.mu.Unlock()
		writeJSON(w, http.StatusConflict, map[string]string{"error": "a UI is already connected"})
		return
	}
	h.uiActive = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.uiActive = false
		h.mu.Unlock()
	}()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	remote := bus.NewWSTransport(conn, h.logger)
	local := h.hub.Endpoint(bus.ContextUI)
	h.logger.Info("UI connected", slog.String("remote_addr", r.RemoteAddr))

	bus.Bridge(r.Context(), local, remote, h.logger)

	local.Close()
	remote.Close()
	h.logger.Info("UI disconnected", slog.String("remote_addr", r.RemoteAddr))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
