package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type checkerFunc func(ctx context.Context) error

func (f checkerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

var (
	healthy   = checkerFunc(func(context.Context) error { return nil })
	unhealthy = checkerFunc(func(context.Context) error { return errors.New("connection refused") })
)

func TestHealthHandler_HealthCheck(t *testing.T) {
	tests := []struct {
		name       string
		deps       []HealthDependency
		wantCode   int
		wantStatus string
	}{
		{"all healthy", []HealthDependency{{Name: "database", Checker: healthy, Critical: true}}, http.StatusOK, "healthy"},
		{"optional down", []HealthDependency{
			{Name: "database", Checker: healthy, Critical: true},
			{Name: "redis", Checker: unhealthy},
		}, http.StatusOK, "degraded"},
		{"critical down", []HealthDependency{{Name: "database", Checker: unhealthy, Critical: true}}, http.StatusServiceUnavailable, "unhealthy"},
		{"no dependencies", nil, http.StatusOK, "healthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler("1.2.3", tt.deps...)
			w := httptest.NewRecorder()
			h.HealthCheck(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			var resp HealthResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, "1.2.3", resp.Version)
			require.NotNil(t, resp.Process)
			assert.Positive(t, resp.Process.Goroutines)
		})
	}
}

func TestHealthHandler_Readiness(t *testing.T) {
	h := NewHealthHandler("", HealthDependency{Name: "redis", Checker: unhealthy})
	w := httptest.NewRecorder()
	h.ReadinessCheck(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ready":true,"services":{"redis":"not ready"}}`, w.Body.String())

	h = NewHealthHandler("", HealthDependency{Name: "database", Checker: unhealthy, Critical: true})
	w = httptest.NewRecorder()
	h.ReadinessCheck(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealthHandler_Liveness(t *testing.T) {
	w := httptest.NewRecorder()
	NewHealthHandler("").LivenessCheck(w, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"alive"`)
}
