package handlers

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ekaya-inc/query-sandbox/pkg/config"
	"github.com/ekaya-inc/query-sandbox/pkg/logging"
)

const healthCheckTimeout = 2 * time.Second

// Pinger is satisfied by *database.DB and *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthResponse reports liveness plus the state of each database endpoint.
type HealthResponse struct {
	Status    string            `json:"status"`
	Endpoints map[string]string `json:"endpoints,omitempty"`
}

// PingResponse contains service status and version information.
type PingResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Service     string `json:"service"`
	GoVersion   string `json:"go_version"`
	Hostname    string `json:"hostname"`
	Environment string `json:"environment"`
	Strategy    string `json:"connection_strategy"`
}

// HealthHandler handles health check and ping endpoints.
type HealthHandler struct {
	cfg       *config.Config
	endpoints map[string]Pinger
	logger    *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. endpoints maps a name
// ("primary", "replica") to the pool behind it; nil entries are skipped.
func NewHealthHandler(cfg *config.Config, endpoints map[string]Pinger, logger *zap.Logger) *HealthHandler {
	live := make(map[string]Pinger, len(endpoints))
	for name, p := range endpoints {
		if p != nil {
			live[name] = p
		}
	}
	return &HealthHandler{cfg: cfg, endpoints: live, logger: logger}
}

// RegisterRoutes registers the health handler's routes on the given mux.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ping", h.Ping)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// Health handles GET /health requests.
// The primary is required; an unreachable replica only degrades the status
// because reads fall back to the primary.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	response := HealthResponse{Status: "ok"}
	statusCode := http.StatusOK

	if len(h.endpoints) > 0 {
		response.Endpoints = make(map[string]string, len(h.endpoints))
	}
	for name, p := range h.endpoints {
		if err := p.Ping(ctx); err != nil {
			h.logger.Warn("Health check ping failed",
				zap.String("endpoint", name),
				zap.String("error", logging.SanitizeError(err)))
			response.Endpoints[name] = "unreachable"
			if name == "primary" {
				response.Status = "unavailable"
				statusCode = http.StatusServiceUnavailable
			} else if response.Status == "ok" {
				response.Status = "degraded"
			}
			continue
		}
		response.Endpoints[name] = "ok"
	}

	if err := WriteJSON(w, statusCode, response); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}

// Ping handles GET /ping requests.
// Returns detailed service information including version and environment.
func (h *HealthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	hostname, err := os.Hostname()
	if err != nil {
		http.Error(w, "failed to get hostname", http.StatusInternalServerError)
		return
	}

	response := PingResponse{
		Status:      "ok",
		Version:     h.cfg.Version,
		Service:     "query-sandbox",
		GoVersion:   runtime.Version(),
		Hostname:    hostname,
		Environment: h.cfg.Env,
		Strategy:    h.cfg.Sandbox.ConnectionStrategy,
	}

	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode ping response", zap.Error(err))
	}
}
