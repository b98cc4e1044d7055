package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type requestIDKey struct{}

type accessLogKey struct{}

// accessLog holds the fields handlers further down the chain contribute to
// the request's log line.
type accessLog struct {
	subject  string
	upstream string
}

func accessLogFrom(ctx context.Context) *accessLog {
	l, _ := ctx.Value(accessLogKey{}).(*accessLog)
	return l
}

// setSubject records the signed-in user for the access log.
func setSubject(ctx context.Context, sub string) {
	if l := accessLogFrom(ctx); l != nil {
		l.subject = sub
	}
}

// setUpstream records the proxy target that served the request.
func setUpstream(ctx context.Context, target string) {
	if l := accessLogFrom(ctx); l != nil {
		l.upstream = target
	}
}

// RequestIDMiddleware attaches a request ID. A caller supplied ID is kept
// when it is short and printable, so it can be correlated across services.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if !validRequestID(reqID) {
			reqID = uuid.NewString()
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, reqID))
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}

// RequestIDFromContext extracts the request ID.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// authRoute splits a path under basePath into the auth action and provider
// id, e.g. /auth/callback/google gives ("callback", "google").
func authRoute(basePath, path string) (action, providerID string, ok bool) {
	rest, found := strings.CutPrefix(path, basePath)
	if !found || (rest != "" && rest[0] != '/') {
		return "", "", false
	}
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 3)
	action = parts[0]
	if len(parts) > 1 {
		providerID = parts[1]
	}
	return action, providerID, true
}

// LoggingMiddleware writes one structured line per request. Requests to the
// auth actions carry the action and provider; proxied requests carry the
// user and the upstream that served them. Server errors log at error level
// and successful health checks at debug.
func LoggingMiddleware(logger *slog.Logger, basePath string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			entry := &accessLog{}
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(context.WithValue(r.Context(), accessLogKey{}, entry)))

			attrs := []any{
				"request_id", RequestIDFromContext(r.Context()),
				"method", r.Method,
				"host", r.Host,
				"path", r.URL.Path,
				"status", sw.status,
				"bytes", sw.written,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if action, providerID, ok := authRoute(basePath, r.URL.Path); ok {
				attrs = append(attrs, "auth_action", action)
				if providerID != "" {
					attrs = append(attrs, "auth_provider", providerID)
				}
			}
			if entry.subject != "" {
				attrs = append(attrs, "user_sub", entry.subject)
			}
			if entry.upstream != "" {
				attrs = append(attrs, "upstream", entry.upstream)
			}

			level := slog.LevelInfo
			switch {
			case sw.status >= http.StatusInternalServerError:
				level = slog.LevelError
			case r.URL.Path == "/healthz" && sw.status < http.StatusBadRequest:
				level = slog.LevelDebug
			}
			logger.Log(r.Context(), level, "http_request", attrs...)
		})
	}
}

// RecoveryMiddleware turns a panic into a 500 and logs it with the request
// ID. The panic value is only shown to the client in dev mode.
func RecoveryMiddleware(logger *slog.Logger, dev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				logger.Error("panic",
					"error", v,
					"request_id", RequestIDFromContext(r.Context()),
					"path", r.URL.Path,
				)
				msg := http.StatusText(http.StatusInternalServerError)
				if dev {
					msg = fmt.Sprintf("%s: %v", msg, v)
				}
				http.Error(w, msg, http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// corsMaxAge is how long browsers may cache a preflight answer, in seconds.
const corsMaxAge = 600

// CORSMiddleware lets the configured origins call the auth actions with
// cookies. Preflights from other origins are refused.
func CORSMiddleware(cfg CORSConfig, allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	wildcard := false
	for _, o := range allowedOrigins {
		if o == "*" {
			wildcard = true
			continue
		}
		allowed[strings.TrimSuffix(o, "/")] = true
	}
	methods := strings.Join(cfg.AllowedMethods, ", ")
	headers := strings.Join(cfg.AllowedHeaders, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Add("Vary", "Origin")
			if !wildcard && !allowed[origin] {
				if preflight {
					http.Error(w, "origin not allowed", http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			// Credentialed requests need the concrete origin echoed back,
			// even when every origin is allowed.
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			if preflight {
				w.Header().Add("Vary", "Access-Control-Request-Method")
				w.Header().Add("Vary", "Access-Control-Request-Headers")
				w.Header().Set("Access-Control-Allow-Methods", methods)
				w.Header().Set("Access-Control-Allow-Headers", headers)
				w.Header().Set("Access-Control-Max-Age", strconv.Itoa(corsMaxAge))
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeadersMiddleware sets HSTS on TLS connections. Auth responses
// carry tokens and sign-in forms, so they are never cached or framed.
func SecurityHeadersMiddleware(maxAge int, basePath string) func(http.Handler) http.Handler {
	hsts := fmt.Sprintf("max-age=%d; includeSubDomains", maxAge)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			if r.TLS != nil {
				h.Set("Strict-Transport-Security", hsts)
			}
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			if _, _, ok := authRoute(basePath, r.URL.Path); ok {
				h.Set("Cache-Control", "no-store")
				h.Set("X-Frame-Options", "DENY")
			}
			next.ServeHTTP(w, r)
		})
	}
}

var forwardedHeaders = []string{"X-Forwarded-Host", "X-Forwarded-Proto", "X-Forwarded-For", "Forwarded"}

// StripForwardedMiddleware drops client supplied X-Forwarded-* headers when
// the daemon is not behind a trusted proxy, so they cannot steer origin
// detection.
func StripForwardedMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, h := range forwardedHeaders {
			r.Header.Del(h)
		}
		next.ServeHTTP(w, r)
	})
}

// statusWriter captures the status code and body size for the access log.
type statusWriter struct {
	http.ResponseWriter
	status      int
	written     int64
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(b)
	w.written += int64(n)
	return n, err
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
