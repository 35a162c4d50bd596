package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type healthBody struct {
	Status       string            `json:"status"`
	Dependencies map[string]string `json:"dependencies"`
}

func TestHealthHandler_AllHealthy(t *testing.T) {
	var buf bytes.Buffer
	h := NewHealthHandler(map[string]HealthChecker{
		"postgres": HealthCheckFunc(func(ctx context.Context) error { return nil }),
		"redis":    HealthCheckFunc(func(ctx context.Context) error { return nil }),
	}, newTestLogger(&buf))

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body healthBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Status != "ok" || body.Dependencies["postgres"] != "ok" || body.Dependencies["redis"] != "ok" {
		t.Errorf("body = %+v", body)
	}
}

func TestHealthHandler_DependencyDown_Returns503(t *testing.T) {
	var buf bytes.Buffer
	h := NewHealthHandler(map[string]HealthChecker{
		"postgres": HealthCheckFunc(func(ctx context.Context) error { return nil }),
		"redis":    HealthCheckFunc(func(ctx context.Context) error { return errors.New("dial tcp: connection refused") }),
	}, newTestLogger(&buf))

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	var body healthBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Status != "unavailable" || body.Dependencies["redis"] != "unavailable" || body.Dependencies["postgres"] != "ok" {
		t.Errorf("body = %+v", body)
	}
}

func TestHealthHandler_NoChecks_IsHealthy(t *testing.T) {
	var buf bytes.Buffer
	w := httptest.NewRecorder()
	NewHealthHandler(nil, newTestLogger(&buf))(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}
