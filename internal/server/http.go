package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/vanta-voice/listener/internal/config"
	"github.com/vanta-voice/listener/internal/metrics"
	"github.com/vanta-voice/listener/internal/stream"
	"github.com/vanta-voice/listener/internal/transcript"
	"github.com/vanta-voice/listener/internal/transcription"
	"github.com/vanta-voice/listener/internal/worker"
)

const (
	serviceName    = "listener"
	serviceVersion = "1.0.0"
)

// TranscriptionStatus is the read side of the transcription manager.
type TranscriptionStatus interface {
	Stats() transcription.Stats
	BackendHealth() []transcription.BackendStatus
}

// WorkerStatus is the read side of the worker supervisor.
type WorkerStatus interface {
	Stats() worker.Stats
	Handles() []worker.HandleInfo
}

// Components are the pipeline parts the API reports on. Transcripts, Hub
// and Gatherer may be nil.
type Components struct {
	Streams       *stream.Manager
	UDP           *UDPServer
	Transcription TranscriptionStatus
	Workers       WorkerStatus
	Transcripts   *transcript.Fanout
	Hub           *Hub
	Gatherer      prometheus.Gatherer
}

// HTTPServer provides HTTP API endpoints for monitoring and management
type HTTPServer struct {
	server  *http.Server
	logger  *slog.Logger
	config  *config.Config
	parts   Components
	metrics *metrics.Metrics

	listener  net.Listener
	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, appConfig *config.Config, parts Components,
	logger *slog.Logger, m *metrics.Metrics) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}

	h := &HTTPServer{
		logger:    logger.With("component", "server.http"),
		config:    appConfig,
		parts:     parts,
		metrics:   m,
		startTime: time.Now(),
	}

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      h.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the API routes.
func (h *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	mux.HandleFunc("/streams", h.withMetrics("/streams", h.handleStreams))
	mux.HandleFunc("/streams/", h.withMetrics("/streams/{id}", h.handleStreamDetail))

	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("/stats/transcription", h.withMetrics("/stats/transcription", h.handleTranscriptionStats))

	mux.HandleFunc("/workers", h.withMetrics("/workers", h.handleWorkers))
	mux.HandleFunc("/transcripts/recent", h.withMetrics("/transcripts/recent", h.handleRecentTranscripts))

	gatherer := h.parts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// The upgrade needs the raw ResponseWriter, so no metrics wrapper.
	if h.parts.Hub != nil {
		mux.Handle("/ws/transcripts", h.parts.Hub)
	}

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
	return mux
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		h.metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(ww.statusCode), duration)

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

// Start binds the listener and serves in the background.
func (h *HTTPServer) Start() error {
	lis, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind HTTP listener: %w", err)
	}
	h.listener = lis

	h.logger.Info("Starting HTTP API server", slog.String("address", lis.Addr().String()))

	go func() {
		if err := h.server.Serve(lis); err != nil && err != http.ErrServerClosed {
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

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth reports healthy while at least one worker is live, degraded
// otherwise. The fallback keeps producing results either way.
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := "healthy"
	components := map[string]any{}

	if h.parts.UDP != nil {
		udpStats := h.parts.UDP.GetStatistics()
		components["udp_server"] = map[string]any{
			"status":            "running",
			"packets_received":  udpStats.PacketsReceived,
			"packets_processed": udpStats.PacketsProcessed,
			"parse_errors":      udpStats.ParseErrors,
			"queue_size":        udpStats.QueueSize,
		}
	}
	if h.parts.Streams != nil {
		components["stream_manager"] = map[string]any{
			"status":         "running",
			"active_streams": h.parts.Streams.GetActiveSessionCount(),
		}
	}
	if h.parts.Workers != nil {
		ws := h.parts.Workers.Stats()
		workerStatus := "running"
		if ws.Live == 0 {
			workerStatus = "down"
			status = "degraded"
		}
		components["workers"] = map[string]any{
			"status":    workerStatus,
			"live":      ws.Live,
			"pool_size": ws.PoolSize,
			"restarts":  ws.Restarts,
		}
	}
	if h.parts.Transcription != nil {
		ts := h.parts.Transcription.Stats()
		tripped := make([]string, 0)
		for _, b := range h.parts.Transcription.BackendHealth() {
			if b.Tripped {
				tripped = append(tripped, b.Name)
			}
		}
		components["transcription"] = map[string]any{
			"status":           "running",
			"queued":           ts.Queued,
			"in_flight":        ts.InFlight,
			"emitted":          ts.Emitted,
			"tripped_backends": tripped,
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": components,
	})
}

// handleStreams implements the /streams endpoint
func (h *HTTPServer) handleStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := h.parts.Streams.GetAllSessions()
	infos := make([]stream.SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, session.Info())
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_streams": len(infos),
		"timestamp":     time.Now().UTC(),
		"streams":       infos,
	})
}

// handleStreamDetail serves GET /streams/{id} and POST /streams/{id}/flush.
func (h *HTTPServer) handleStreamDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/streams/")
	idStr, action, _ := strings.Cut(rest, "/")
	if idStr == "" {
		http.Error(w, "Stream ID required", http.StatusBadRequest)
		return
	}

	streamID, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		http.Error(w, "Invalid stream ID", http.StatusBadRequest)
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		session, exists := h.parts.Streams.GetSession(uint32(streamID))
		if !exists {
			http.Error(w, "Stream not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, session.Info())
	case "flush":
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		seg, err := h.parts.Streams.Flush(uint32(streamID))
		if err != nil {
			http.Error(w, "Stream not found", http.StatusNotFound)
			return
		}
		resp := map[string]any{"stream_id": streamID, "flushed": seg != nil}
		if seg != nil {
			resp["segment_id"] = seg.ID
			resp["duration"] = seg.Duration().Seconds()
			resp["reason"] = seg.Reason
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		http.NotFound(w, r)
	}
}

// handleConfig returns the effective configuration without secrets.
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sanitized, err := sanitizeConfig(h.config)
	if err != nil {
		http.Error(w, "Failed to render configuration", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sanitized)
}

// sanitizeConfig renders cfg through its yaml keys with the API key masked.
func sanitizeConfig(cfg *config.Config) (map[string]any, error) {
	c := *cfg
	if c.STT.Remote.APIKey != "" {
		c.STT.Remote.APIKey = "***"
	}
	data, err := yaml.Marshal(&c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	out := make(map[string]any)
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return out, nil
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
	}
	if h.parts.UDP != nil {
		stats["udp"] = h.parts.UDP.GetStatistics()
	}
	if h.parts.Streams != nil {
		stats["streams"] = map[string]any{
			"active_count": h.parts.Streams.GetActiveSessionCount(),
		}
	}
	if h.parts.Transcription != nil {
		stats["transcription"] = h.parts.Transcription.Stats()
	}
	if h.parts.Workers != nil {
		stats["workers"] = h.parts.Workers.Stats()
	}
	if h.parts.Transcripts != nil {
		stats["transcripts"] = h.parts.Transcripts.Stats()
	}
	if h.parts.Hub != nil {
		stats["websocket"] = h.parts.Hub.Stats()
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleTranscriptionStats implements the /stats/transcription endpoint
func (h *HTTPServer) handleTranscriptionStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.parts.Transcription == nil {
		http.Error(w, "Transcription unavailable", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"stats":    h.parts.Transcription.Stats(),
		"backends": h.parts.Transcription.BackendHealth(),
	})
}

func (h *HTTPServer) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.parts.Workers == nil {
		http.Error(w, "Worker pool unavailable", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"stats":   h.parts.Workers.Stats(),
		"workers": h.parts.Workers.Handles(),
	})
}

func (h *HTTPServer) handleRecentTranscripts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	recent := []*transcription.Result{}
	if h.parts.Transcripts != nil {
		recent = append(recent, h.parts.Transcripts.Recent()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(recent),
		"results": recent,
	})
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

	writeJSON(w, http.StatusOK, map[string]any{
		"service": serviceName,
		"version": serviceVersion,
		"endpoints": map[string]string{
			"GET /":                           "API documentation",
			"GET /health":                     "Service health check",
			"GET /streams":                    "List all active streams",
			"GET /streams/{stream_id}":        "Get detailed stream information",
			"POST /streams/{stream_id}/flush": "Close the open segment of a stream",
			"GET /config":                     "Get service configuration",
			"GET /stats":                      "Get service statistics",
			"GET /stats/transcription":        "Get transcription statistics and backend health",
			"GET /workers":                    "Get worker pool state",
			"GET /transcripts/recent":         "Get recent transcription results",
			"GET /ws/transcripts":             "Stream transcription results over websocket",
			"GET /metrics":                    "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}

// Addr returns the bound address, nil before Start.
func (h *HTTPServer) Addr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}
