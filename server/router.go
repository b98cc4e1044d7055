package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router: the auth actions under the base path,
// a health check, and the session-gated proxy for configured hosts.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()
	base := a.Auth.BasePath()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger, base))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	if !a.Config.Server.TrustProxyHeaders {
		r.Use(StripForwardedMiddleware)
	}
	r.Use(CORSMiddleware(a.Config.Server.CORS, a.Config.InferCORSOrigins()))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge, base))
	}
	if a.Proxy != nil {
		r.Use(a.proxyHosts)
	}

	r.Handle(base, a.Auth)
	r.Handle(base+"/*", a.Auth)
	r.Get("/healthz", a.handleHealth)

	return r
}

// proxyHosts hands requests for proxied hosts to the proxy, except the auth
// actions which are served on every host.
func (a *App) proxyHosts(next http.Handler) http.Handler {
	base := a.Auth.BasePath()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := r.URL.Path
		isAuth := p == base || (len(p) > len(base) && p[:len(base)+1] == base+"/")
		if !isAuth && a.Proxy.Match(r) {
			a.Proxy.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	if p, ok := a.Store.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			a.Logger.Warn("storage health check failed", "error", err)
			status["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
