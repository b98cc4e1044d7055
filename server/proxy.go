package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"authkit/auth"
)

// SessionSource resolves the session of a request. *auth.Auth implements it.
type SessionSource interface {
	SessionFor(ctx context.Context, r *http.Request) (*auth.Session, []*http.Cookie, error)
}

// Default user headers injected upstream.
var defaultClaimsHeaders = map[string]string{
	"id":    "X-Auth-User-Id",
	"email": "X-Auth-User-Email",
	"name":  "X-Auth-User-Name",
	"image": "X-Auth-User-Image",
}

// ProxyManager handles reverse proxy routing based on Host header.
type ProxyManager struct {
	routes   map[string]*proxyRoute
	sessions SessionSource
	basePath string
	logger   *slog.Logger
}

type proxyRoute struct {
	host          string
	target        string
	proxy         *httputil.ReverseProxy
	requireAuth   bool
	injectClaims  bool
	claimsHeaders map[string]string
	skipPaths     []string
	signInURL     string
}

// NewProxyManager creates a proxy manager from configuration. basePath is
// where the auth actions are mounted on every host.
func NewProxyManager(cfg ProxyConfig, sessions SessionSource, basePath string, logger *slog.Logger) (*ProxyManager, error) {
	pm := &ProxyManager{
		routes:   make(map[string]*proxyRoute),
		sessions: sessions,
		basePath: basePath,
		logger:   logger,
	}

	for _, routeCfg := range cfg.Routes {
		if err := pm.addRoute(routeCfg); err != nil {
			return nil, fmt.Errorf("invalid proxy route for %s: %w", routeCfg.Host, err)
		}
	}

	return pm, nil
}

func (pm *ProxyManager) addRoute(cfg ProxyRoute) error {
	if cfg.Host == "" {
		return fmt.Errorf("host is required")
	}
	if cfg.Target == "" {
		return fmt.Errorf("target is required")
	}

	targetURL, err := url.Parse(cfg.Target)
	if err != nil {
		return fmt.Errorf("invalid target URL: %w", err)
	}

	timeout := 30 * time.Second
	if cfg.Timeout != "" {
		parsed, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout: %w", err)
		}
		timeout = parsed
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	proxy := httputil.NewSingleHostReverseProxy(targetURL)
	proxy.Transport = transport

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		// The incoming host is needed for X-Forwarded-Host before it is
		// rewritten.
		incomingHost := req.Host
		originalDirector(req)

		if cfg.StripPrefix != "" && strings.HasPrefix(req.URL.Path, cfg.StripPrefix) {
			req.URL.Path = strings.TrimPrefix(req.URL.Path, cfg.StripPrefix)
			if req.URL.Path == "" {
				req.URL.Path = "/"
			}
			req.URL.RawPath = ""
		}

		if !cfg.PreserveHost {
			req.Host = targetURL.Host
		}

		req.Header.Set("X-Forwarded-Proto", schemeFromRequest(req))
		req.Header.Set("X-Forwarded-Host", incomingHost)
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		pm.logger.Error("proxy error",
			"host", cfg.Host,
			"target", cfg.Target,
			"error", err,
			"path", r.URL.Path,
		)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
	}

	headers := cfg.ClaimsHeaders
	if len(headers) == 0 {
		headers = defaultClaimsHeaders
	}
	signInURL := cfg.AuthRedirectURL
	if signInURL == "" {
		signInURL = pm.basePath + "/signin"
	}

	route := &proxyRoute{
		host:          strings.ToLower(cfg.Host),
		target:        cfg.Target,
		proxy:         proxy,
		requireAuth:   cfg.RequireAuth,
		injectClaims:  cfg.InjectUserClaims,
		claimsHeaders: headers,
		skipPaths:     cfg.SkipPaths,
		signInURL:     signInURL,
	}

	pm.routes[route.host] = route
	pm.logger.Info("proxy route added",
		"host", cfg.Host,
		"target", cfg.Target,
		"require_auth", cfg.RequireAuth,
		"inject_user_claims", cfg.InjectUserClaims,
	)

	return nil
}

// Match reports whether the request host has a route.
func (pm *ProxyManager) Match(r *http.Request) bool {
	_, ok := pm.routes[hostOnly(r.Host)]
	return ok
}

// ServeHTTP handles incoming requests and routes them based on Host header.
func (pm *ProxyManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := hostOnly(r.Host)

	route, ok := pm.routes[host]
	if !ok {
		pm.logger.Debug("no proxy route for host", "host", host, "path", r.URL.Path)
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	// Identity headers are only ever set by the proxy.
	for _, h := range route.claimsHeaders {
		r.Header.Del(h)
	}

	if route.requireAuth && !route.skip(r.URL.Path) {
		sess, cookies, err := pm.sessions.SessionFor(r.Context(), r)
		if err != nil {
			pm.logger.Error("session lookup failed", "host", host, "path", r.URL.Path, "error", err)
			http.Error(w, "Bad Gateway", http.StatusBadGateway)
			return
		}
		for _, c := range cookies {
			http.SetCookie(w, c)
		}
		if sess == nil || sess.User == nil {
			pm.logger.Debug("no session", "host", host, "path", r.URL.Path)
			pm.denied(w, r, route)
			return
		}
		setSubject(r.Context(), sess.User.ID)
		if route.injectClaims {
			route.inject(r.Header, sess)
		}
	}

	setUpstream(r.Context(), route.target)
	pm.logger.Debug("proxying request",
		"host", host,
		"path", r.URL.Path,
		"method", r.Method,
	)

	route.proxy.ServeHTTP(w, r)
}

// denied redirects browsers navigating with GET to sign in and answers
// everything else with 401.
func (pm *ProxyManager) denied(w http.ResponseWriter, r *http.Request, route *proxyRoute) {
	if r.Method != http.MethodGet || strings.Contains(r.Header.Get("Accept"), "application/json") {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	back := schemeFromRequest(r) + "://" + r.Host + r.URL.RequestURI()
	target := route.signInURL + "?" + url.Values{"callbackUrl": {back}}.Encode()
	http.Redirect(w, r, target, http.StatusFound)
}

func (route *proxyRoute) skip(path string) bool {
	for _, p := range route.skipPaths {
		if path == p || (strings.HasSuffix(p, "/") && strings.HasPrefix(path, p)) {
			return true
		}
	}
	return false
}

func (route *proxyRoute) inject(h http.Header, sess *auth.Session) {
	values := map[string]string{
		"id":    sess.User.ID,
		"email": sess.User.Email,
		"name":  sess.User.Name,
		"image": sess.User.Image,
	}
	for claim, header := range route.claimsHeaders {
		v, ok := values[claim]
		if !ok {
			if extra, found := sess.Extra[claim]; found {
				v = fmt.Sprint(extra)
			}
		}
		if v != "" {
			h.Set(header, v)
		}
	}
}

func hostOnly(hostport string) string {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	return strings.ToLower(host)
}

func schemeFromRequest(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	return "http"
}
