package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/shirou/gopsutil/v3/process"
)

// HealthChecker is implemented by the database and Redis wrappers.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthDependency is one backend the service talks to. A critical
// dependency that fails turns /health into a 503.
type HealthDependency struct {
	Name     string
	Checker  HealthChecker
	Critical bool
}

// HealthHandler manages health check endpoints.
type HealthHandler struct {
	version string
	deps    []HealthDependency
	started time.Time
}

type HealthResponse struct {
	// Status is "healthy", "degraded" or "unhealthy".
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Process   *ProcessStats     `json:"process,omitempty"`
}

type ProcessStats struct {
	RSSBytes   uint64 `json:"rss_bytes"`
	Threads    int32  `json:"threads"`
	Goroutines int    `json:"goroutines"`
}

func NewHealthHandler(version string, deps ...HealthDependency) *HealthHandler {
	return &HealthHandler{version: version, deps: deps, started: time.Now()}
}

// HealthCheck probes every dependency and reports process stats.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	span := sentry.StartSpan(ctx, "health_check")
	defer span.Finish()
	ctx = span.Context()
	span.SetTag("handler.name", "HealthCheck")

	servicesStatus := make(map[string]string, len(h.deps))
	status := "healthy"
	criticalUnhealthy := false
	for _, dep := range h.deps {
		if err := dep.Checker.HealthCheck(ctx); err != nil {
			servicesStatus[dep.Name] = "unhealthy: " + err.Error()
			span.SetTag(dep.Name+".status", "unhealthy")
			sentry.CaptureException(err)
			status = "degraded"
			if dep.Critical {
				criticalUnhealthy = true
			}
			continue
		}
		servicesStatus[dep.Name] = "healthy"
		span.SetTag(dep.Name+".status", "healthy")
	}
	if criticalUnhealthy {
		status = "unhealthy"
	}
	span.SetTag("overall.status", status)

	version := h.version
	if version == "" {
		version = os.Getenv("APP_VERSION")
	}
	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now(),
		Services:  servicesStatus,
		Version:   version,
		Uptime:    time.Since(h.started).String(),
		Process:   processStats(ctx),
	}

	code := http.StatusOK
	span.Status = sentry.SpanStatusOK
	if criticalUnhealthy {
		code = http.StatusServiceUnavailable
		span.Status = sentry.SpanStatusUnavailable
	}
	writeJSON(w, code, response, span)
}

// ReadinessCheck fails while any critical dependency is down.
func (h *HealthHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	span := sentry.StartSpan(r.Context(), "readiness_check")
	defer span.Finish()
	ctx := span.Context()

	servicesStatus := make(map[string]string, len(h.deps))
	ready := true
	for _, dep := range h.deps {
		if err := dep.Checker.HealthCheck(ctx); err != nil {
			servicesStatus[dep.Name] = "not ready"
			if dep.Critical {
				ready = false
			}
			continue
		}
		servicesStatus[dep.Name] = "ready"
	}

	code := http.StatusOK
	span.Status = sentry.SpanStatusOK
	if !ready {
		code = http.StatusServiceUnavailable
		span.Status = sentry.SpanStatusUnavailable
	}
	writeJSON(w, code, map[string]interface{}{"ready": ready, "services": servicesStatus}, span)
}

func (h *HealthHandler) LivenessCheck(w http.ResponseWriter, r *http.Request) {
	span := sentry.StartSpan(r.Context(), "liveness_check")
	defer span.Finish()
	span.Status = sentry.SpanStatusOK
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "alive",
		"timestamp": time.Now().Format(time.RFC3339),
	}, span)
}

func processStats(ctx context.Context) *ProcessStats {
	stats := &ProcessStats{Goroutines: runtime.NumGoroutine()}
	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return stats
	}
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil {
		stats.RSSBytes = mem.RSS
	}
	if threads, err := proc.NumThreadsWithContext(ctx); err == nil {
		stats.Threads = threads
	}
	return stats
}

func writeJSON(w http.ResponseWriter, code int, body any, span *sentry.Span) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		sentry.CaptureException(err)
		span.Status = sentry.SpanStatusInternalError
	}
}
