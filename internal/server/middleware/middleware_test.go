package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

func TestAuth(t *testing.T) {
	h := Auth("secret", "/api/health")(ok)
	tests := []struct {
		name   string
		method string
		path   string
		header map[string]string
		want   int
	}{
		{"public", http.MethodGet, "/api/health", nil, http.StatusOK},
		{"public prefix is not public", http.MethodGet, "/api/health/deep", nil, http.StatusUnauthorized},
		{"missing", http.MethodGet, "/api/stats", nil, http.StatusUnauthorized},
		{"wrong", http.MethodGet, "/api/stats", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"api key", http.MethodGet, "/api/stats", map[string]string{"X-API-Key": "secret"}, http.StatusOK},
		{"bearer", http.MethodGet, "/api/stats", map[string]string{"Authorization": "bearer secret"}, http.StatusOK},
		{"basic ignored", http.MethodGet, "/api/stats", map[string]string{"Authorization": "Basic secret"}, http.StatusUnauthorized},
		{"preflight", http.MethodOptions, "/api/stats", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestAuthDisabled(t *testing.T) {
	rec := httptest.NewRecorder()
	Auth("")(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

type recordingLimiter struct {
	keys  []string
	allow bool
	err   error
}

func (l *recordingLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	l.keys = append(l.keys, key)
	return l.allow, l.err
}

func TestRateLimit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	deny := &recordingLimiter{}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set("X-Forwarded-For", "9.9.9.9, 10.0.0.1")
	RateLimit(deny, 5, 30*time.Second, logger)(ok).ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") != "30" {
		t.Errorf("denied: status %d retry-after %q", rec.Code, rec.Header().Get("Retry-After"))
	}
	if len(deny.keys) != 1 || deny.keys[0] != "api:9.9.9.9" {
		t.Errorf("keys = %v", deny.keys)
	}

	broken := &recordingLimiter{err: errors.New("redis down")}
	rec = httptest.NewRecorder()
	RateLimit(broken, 5, time.Minute, logger)(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("limiter error should fail open, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	RateLimit(deny, 0, time.Minute, logger)(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("zero limit should disable, got %d", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:4321"
	if got := clientIP(req); got != "192.0.2.1" {
		t.Errorf("remote addr: %q", got)
	}
	req.Header.Set("X-Real-IP", " 198.51.100.7 ")
	if got := clientIP(req); got != "198.51.100.7" {
		t.Errorf("x-real-ip: %q", got)
	}
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://app.example"})(ok)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("disallowed origin got CORS headers")
	}

	req.Header.Set("Origin", "https://APP.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://APP.example" {
		t.Errorf("allow origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestLoggingRecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	h := Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/brew", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d", rec.Code)
	}
	if !strings.Contains(buf.String(), "status=418") || !strings.Contains(buf.String(), "path=/brew") {
		t.Errorf("log line = %q", buf.String())
	}
}
