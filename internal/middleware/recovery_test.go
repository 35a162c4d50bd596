package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func captureDefaultLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestRecovery_LogsPanicWithAccountID(t *testing.T) {
	buf := captureDefaultLogger(t)
	h := NewRecoveryMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/timelines/home", nil)
	req.Header.Set(AccountIDHeader, "42")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if !strings.Contains(buf.String(), `"account_id":42`) {
		t.Errorf("panicログにaccount_idが含まれていない: %s", buf.String())
	}
}

func TestRecovery_DoesNotWriteAfterResponseStarted(t *testing.T) {
	captureDefaultLogger(t)
	h := NewMetricsMiddleware(nil)(NewRecoveryMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte(`{"entries":[]}`))
		panic("after write")
	})))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/timelines/home", nil))

	if w.Code != http.StatusPartialContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusPartialContent)
	}
	if strings.Contains(w.Body.String(), "INTERNAL_ERROR") {
		t.Errorf("送信開始後にエラーレスポンスが追記された: %s", w.Body.String())
	}
}

func TestRecovery_PropagatesErrAbortHandler(t *testing.T) {
	captureDefaultLogger(t)
	h := NewRecoveryMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Errorf("recover() = %v, want http.ErrAbortHandler", rec)
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

func TestSecurityHeaders_DisableSharedCaching(t *testing.T) {
	h := NewSecurityHeadersMiddleware()(okHandler())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/timelines/home", nil))

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
		"Cache-Control":          "private, no-store",
		"Vary":                   AccountIDHeader,
	}
	for k, v := range want {
		if got := w.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}
