package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// logLines decodes every JSON record written to buf.
func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("decode log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestLoggingMiddlewareAuthFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := RequestIDMiddleware(LoggingMiddleware(logger, "/auth")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setSubject(r.Context(), "user-1")
		setUpstream(r.Context(), "http://backend:8080")
		_, _ = w.Write([]byte("hello"))
	})))

	req := httptest.NewRequest(http.MethodGet, "/auth/callback/google?code=x", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	h.ServeHTTP(httptest.NewRecorder(), req)

	lines := logLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1", len(lines))
	}
	l := lines[0]
	want := map[string]any{
		"msg":           "http_request",
		"level":         "INFO",
		"request_id":    "abc-123",
		"auth_action":   "callback",
		"auth_provider": "google",
		"user_sub":      "user-1",
		"upstream":      "http://backend:8080",
		"bytes":         float64(5),
		"status":        float64(200),
	}
	for k, v := range want {
		if l[k] != v {
			t.Errorf("%s = %v, want %v", k, l[k], v)
		}
	}
}

func TestLoggingMiddlewareLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := LoggingMiddleware(logger, "/auth")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/boom" {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))

	for _, path := range []string{"/healthz", "/boom", "/app", "/authx"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	lines := logLines(t, &buf)
	if len(lines) != 4 {
		t.Fatalf("got %d log lines, want 4", len(lines))
	}
	for i, level := range []string{"DEBUG", "ERROR", "INFO", "INFO"} {
		if lines[i]["level"] != level {
			t.Errorf("%s logged at %v, want %s", lines[i]["path"], lines[i]["level"], level)
		}
		if _, ok := lines[i]["auth_action"]; ok {
			t.Errorf("%s has auth_action outside the base path", lines[i]["path"])
		}
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	tests := []struct {
		in   string
		keep bool
	}{
		{"req-1.a_b", true},
		{"", false},
		{"has space", false},
		{"<script>", false},
		{strings.Repeat("a", 65), false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.in != "" {
			req.Header.Set("X-Request-ID", tt.in)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if got := rec.Header().Get("X-Request-ID"); got != seen {
			t.Fatalf("header %q != context %q", got, seen)
		}
		if tt.keep && seen != tt.in {
			t.Errorf("id %q replaced with %q", tt.in, seen)
		}
		if !tt.keep && (seen == tt.in || len(seen) != 36) {
			t.Errorf("id %q kept as %q, want a fresh uuid", tt.in, seen)
		}
	}
}

func TestCORSMiddlewarePreflight(t *testing.T) {
	cfg := CORSConfig{
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type"},
	}
	called := false
	h := CORSMiddleware(cfg, []string{"https://app.example.com/"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	preflight := func(origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/auth/session", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", "POST")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := preflight("https://app.example.com")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("allowed preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("allow-origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Max-Age"); got != "600" {
		t.Errorf("max-age = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST" {
		t.Errorf("allow-methods = %q", got)
	}

	rec = preflight("https://evil.example.com")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign preflight status = %d, want 403", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Errorf("foreign origin was allowed")
	}
	if called {
		t.Fatalf("preflight reached the handler")
	}

	req := httptest.NewRequest(http.MethodGet, "/auth/session", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if !called || rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("simple foreign request: called=%v allow-origin=%q", called, rec.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestSecurityHeadersOnAuthRoutes(t *testing.T) {
	h := SecurityHeadersMiddleware(3600, "/auth")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/signin", nil))
	if rec.Header().Get("Cache-Control") != "no-store" || rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatalf("auth route headers = %v", rec.Header())
	}
	if rec.Header().Get("Strict-Transport-Security") != "" {
		t.Errorf("hsts set on plain http")
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "https://app.test/dashboard", nil))
	if rec.Header().Get("Cache-Control") != "" || rec.Header().Get("X-Frame-Options") != "" {
		t.Fatalf("app route got auth headers: %v", rec.Header())
	}
	if got := rec.Header().Get("Strict-Transport-Security"); got != "max-age=3600; includeSubDomains" {
		t.Errorf("hsts = %q", got)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("nosniff missing")
	}
}
