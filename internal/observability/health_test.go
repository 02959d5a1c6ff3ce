package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthCheckHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthCheckHandler(func() int { return 3 })(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got '%s'", ct)
	}

	var status HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if status.Status != "healthy" {
		t.Errorf("Expected status 'healthy', got '%s'", status.Status)
	}
	if status.Sessions == nil || *status.Sessions != 3 {
		t.Errorf("Expected 3 sessions, got %v", status.Sessions)
	}
}

func TestReadinessHandler_AllHealthy(t *testing.T) {
	ok := func(ctx context.Context) error { return nil }
	rec := httptest.NewRecorder()
	ReadinessHandler(
		DependencyCheck{Name: "transcoder", Check: ok},
		DependencyCheck{Name: "backend", Check: ok},
	)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	var status HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if status.Status != "ready" {
		t.Errorf("Expected status 'ready', got '%s'", status.Status)
	}
	if len(status.Dependencies) != 2 {
		t.Errorf("Expected 2 dependencies, got %d", len(status.Dependencies))
	}
}

func TestReadinessHandler_Unhealthy(t *testing.T) {
	rec := httptest.NewRecorder()
	ReadinessHandler(
		DependencyCheck{Name: "transcoder", Check: func(ctx context.Context) error { return nil }},
		DependencyCheck{Name: "backend", Check: func(ctx context.Context) error {
			return errors.New("connection refused")
		}},
	)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected status 503, got %d", rec.Code)
	}

	var status HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if status.Status != "not_ready" {
		t.Errorf("Expected status 'not_ready', got '%s'", status.Status)
	}
	backend := status.Dependencies["backend"]
	if backend.Status != "unhealthy" || backend.Message != "connection refused" {
		t.Errorf("Unexpected backend status: %+v", backend)
	}
	if status.Dependencies["transcoder"].Status != "healthy" {
		t.Errorf("Expected transcoder to be healthy, got %+v", status.Dependencies["transcoder"])
	}
}
