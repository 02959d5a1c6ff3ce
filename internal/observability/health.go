package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

const serviceName = "transcript-relay"

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status       string                      `json:"status"`
	Service      string                      `json:"service"`
	Version      string                      `json:"version"`
	Timestamp    string                      `json:"timestamp"`
	Sessions     *int                        `json:"sessions,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the status of a dependency
type DependencyStatus struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
}

// HealthCheckFunc reports whether a dependency is usable
type HealthCheckFunc func(ctx context.Context) error

// DependencyCheck names a readiness probe
type DependencyCheck struct {
	Name  string
	Check HealthCheckFunc
}

// Version is reported by the health endpoints; overridden at link time.
var Version = "1.0.0"

// HealthCheckHandler handles liveness requests. sessions may be nil.
func HealthCheckHandler(sessions func() int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := HealthStatus{
			Status:    "healthy",
			Service:   serviceName,
			Version:   Version,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		if sessions != nil {
			n := sessions()
			status.Sessions = &n
		}
		writeStatus(w, http.StatusOK, status)
	}
}

// ReadinessHandler runs every check and reports 503 if any of them fails
func ReadinessHandler(checks ...DependencyCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		dependencies := make(map[string]DependencyStatus, len(checks))
		allHealthy := true
		for _, c := range checks {
			if c.Check == nil {
				continue
			}
			start := time.Now()
			err := c.Check(ctx)
			dep := DependencyStatus{
				Status:    "healthy",
				LatencyMs: time.Since(start).Milliseconds(),
			}
			if err != nil {
				dep.Status = "unhealthy"
				dep.Message = err.Error()
				allHealthy = false
			}
			dependencies[c.Name] = dep
		}

		status := HealthStatus{
			Status:       "ready",
			Service:      serviceName,
			Version:      Version,
			Timestamp:    time.Now().UTC().Format(time.RFC3339),
			Dependencies: dependencies,
		}
		code := http.StatusOK
		if !allHealthy {
			status.Status = "not_ready"
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, status)
	}
}

func writeStatus(w http.ResponseWriter, code int, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}
