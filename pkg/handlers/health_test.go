package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/ekaya-inc/query-sandbox/pkg/config"
	"github.com/ekaya-inc/query-sandbox/pkg/metrics"
)

func TestHealthHandler_Health_NoEndpoints(t *testing.T) {
	cfg := &config.Config{
		Version: "test-version",
		Env:     "test",
	}
	handler := NewHealthHandler(cfg, nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	handler.Health(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	var response HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if response.Status != "ok" {
		t.Errorf("expected status 'ok', got '%s'", response.Status)
	}
	if response.Endpoints != nil {
		t.Error("expected nil endpoints when none are configured")
	}
}

func TestHealthHandler_Health_Endpoints(t *testing.T) {
	tests := []struct {
		name         string
		primaryErr   error
		replica      Pinger
		wantCode     int
		wantStatus   string
		wantReplica  string
		wantEndpoint int
	}{
		{
			name:         "all reachable",
			replica:      &mockPinger{},
			wantCode:     http.StatusOK,
			wantStatus:   "ok",
			wantReplica:  "ok",
			wantEndpoint: 2,
		},
		{
			name:         "replica down degrades",
			replica:      &mockPinger{err: errors.New("connection refused")},
			wantCode:     http.StatusOK,
			wantStatus:   "degraded",
			wantReplica:  "unreachable",
			wantEndpoint: 2,
		},
		{
			name:         "primary down is unavailable",
			primaryErr:   errors.New("connection refused"),
			replica:      &mockPinger{},
			wantCode:     http.StatusServiceUnavailable,
			wantStatus:   "unavailable",
			wantReplica:  "ok",
			wantEndpoint: 2,
		},
		{
			name:         "no replica configured",
			replica:      nil,
			wantCode:     http.StatusOK,
			wantStatus:   "ok",
			wantEndpoint: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			endpoints := map[string]Pinger{"primary": &mockPinger{err: tt.primaryErr}}
			if tt.replica != nil {
				endpoints["replica"] = tt.replica
			}
			handler := NewHealthHandler(&config.Config{}, endpoints, zap.NewNop())

			rec := httptest.NewRecorder()
			handler.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("expected status %d, got %d", tt.wantCode, rec.Code)
			}

			var response HealthResponse
			if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if response.Status != tt.wantStatus {
				t.Errorf("expected status %q, got %q", tt.wantStatus, response.Status)
			}
			if len(response.Endpoints) != tt.wantEndpoint {
				t.Errorf("expected %d endpoints, got %d", tt.wantEndpoint, len(response.Endpoints))
			}
			if tt.wantReplica != "" && response.Endpoints["replica"] != tt.wantReplica {
				t.Errorf("expected replica %q, got %q", tt.wantReplica, response.Endpoints["replica"])
			}
		})
	}
}

func TestHealthHandler_Ping(t *testing.T) {
	cfg := &config.Config{
		Version: "1.2.3",
		Env:     "test",
		Sandbox: config.SandboxConfig{ConnectionStrategy: config.StrategyPrimaryOnly},
	}
	handler := NewHealthHandler(cfg, nil, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()

	handler.Ping(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	var response PingResponse
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if response.Status != "ok" {
		t.Errorf("expected status 'ok', got '%s'", response.Status)
	}
	if response.Version != "1.2.3" {
		t.Errorf("expected version '1.2.3', got '%s'", response.Version)
	}
	if response.Service != "query-sandbox" {
		t.Errorf("expected service 'query-sandbox', got '%s'", response.Service)
	}
	if response.Environment != "test" {
		t.Errorf("expected environment 'test', got '%s'", response.Environment)
	}
	if response.Strategy != config.StrategyPrimaryOnly {
		t.Errorf("expected strategy %q, got %q", config.StrategyPrimaryOnly, response.Strategy)
	}
	if response.GoVersion == "" {
		t.Error("expected non-empty go_version")
	}
}

func TestHealthHandler_Metrics(t *testing.T) {
	mux := http.NewServeMux()
	NewHealthHandler(&config.Config{}, nil, zap.NewNop()).RegisterRoutes(mux)

	metrics.ExecutionsTotal.WithLabelValues(metrics.OutcomeSuccess).Inc()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "sandbox_executions_total") {
		t.Error("expected sandbox_executions_total in metrics output")
	}
}
