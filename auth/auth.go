// Package auth is the protocol core: it classifies requests under a base
// path, runs the sign-in, callback, session and sign-out flows against the
// configured providers and storage adapter, and renders the response.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"authkit/adapter"
	"authkit/autherr"
	"authkit/checks"
	"authkit/cookie"
	"authkit/provider"
	"authkit/token"
)

// Auth serves the auth actions. It is safe for concurrent use.
type Auth struct {
	cfg        Config
	logger     *slog.Logger
	store      adapter.Capabilities
	hasAdapter bool
	strategy   Strategy
	baseURL    *url.URL
	basePath   string

	providers map[string]provider.Provider
	order     []string

	mu       sync.Mutex
	clients  map[string]*provider.Client
	passkeys map[string]provider.Passkeys
}

// New validates cfg and returns a ready instance.
func New(ctx context.Context, cfg Config) (*Auth, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Session.MaxAge <= 0 {
		cfg.Session.MaxAge = token.DefaultMaxAge
	}
	if cfg.Session.UpdateAge <= 0 {
		cfg.Session.UpdateAge = DefaultUpdateAge
	}

	a := &Auth{
		cfg:        cfg,
		logger:     cfg.Logger,
		store:      adapter.Resolve(cfg.Adapter),
		hasAdapter: cfg.Adapter != nil,
		providers:  map[string]provider.Provider{},
		clients:    map[string]*provider.Client{},
		passkeys:   map[string]provider.Passkeys{},
	}
	a.strategy = cfg.Session.Strategy
	if a.strategy == "" {
		a.strategy = StrategyJWT
		if a.hasAdapter {
			a.strategy = StrategyDatabase
		}
	}

	a.basePath = cfg.BasePath
	if cfg.URL != "" {
		u, err := url.Parse(cfg.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, autherr.Newf(autherr.Configuration, "invalid URL %q", cfg.URL)
		}
		if p := strings.TrimSuffix(u.Path, "/"); p != "" {
			a.basePath = p
		}
		a.baseURL = &url.URL{Scheme: u.Scheme, Host: u.Host}
	}
	if a.basePath == "" {
		a.basePath = DefaultBasePath
	}
	a.basePath = "/" + strings.Trim(a.basePath, "/")

	if err := a.assertConfig(); err != nil {
		return nil, err
	}
	a.logger.Info("auth configured",
		"providers", a.order,
		"strategy", a.strategy,
		"base_path", a.basePath,
	)
	return a, nil
}

// assertConfig rejects configurations that cannot work at request time.
func (a *Auth) assertConfig() error {
	cfg := a.cfg
	if len(cfg.Secrets) == 0 {
		return autherr.New(autherr.MissingSecret, "at least one secret is required")
	}
	for i, s := range cfg.Secrets {
		if s == "" {
			return autherr.Newf(autherr.MissingSecret, "secret %d is empty", i)
		}
	}
	if cfg.URL == "" && !cfg.TrustHost {
		return autherr.New(autherr.UntrustedHost, "set URL or enable TrustHost")
	}
	if a.strategy != StrategyJWT && a.strategy != StrategyDatabase {
		return autherr.Newf(autherr.UnsupportedStrategy, "unknown session strategy %q", a.strategy)
	}

	needs := adapter.Needs{}
	if a.strategy == StrategyDatabase {
		needs.Users, needs.Sessions = true, true
	}
	for _, p := range cfg.Providers {
		if p == nil {
			panic("auth: nil provider in config")
		}
		if err := p.Validate(); err != nil {
			return err
		}
		id := p.ID()
		if _, dup := a.providers[id]; dup {
			return autherr.Newf(autherr.InvalidProvider, "duplicate provider id %q", id)
		}
		a.providers[id] = p
		a.order = append(a.order, id)

		switch p.Type() {
		case provider.TypeEmail:
			needs.Users, needs.VerificationTokens = true, true
		case provider.TypeCredentials:
			if a.strategy != StrategyJWT {
				return autherr.New(autherr.UnsupportedStrategy, "credentials providers require the jwt session strategy")
			}
		case provider.TypeWebAuthn:
			if !cfg.Experimental.EnableWebAuthn {
				return autherr.New(autherr.ExperimentalFeatureNotEnabled, "webauthn providers require Experimental.EnableWebAuthn")
			}
			needs.Users, needs.Accounts, needs.Authenticators = true, true, true
		}
	}
	if len(a.order) == 0 {
		return autherr.New(autherr.InvalidProvider, "at least one provider is required")
	}
	if a.hasAdapter {
		needs.Users, needs.Accounts = true, true
	}
	return a.store.Require(a.hasAdapter, needs)
}

// Provider returns the configured provider with the given id.
func (a *Auth) Provider(id string) (provider.Provider, bool) {
	p, ok := a.providers[id]
	return p, ok
}

// BasePath is the path the actions are served under.
func (a *Auth) BasePath() string { return a.basePath }

// flow is the per-request state shared by the actions.
type flow struct {
	req       *Request
	res       *Response
	origin    *url.URL
	baseURL   string
	cookies   cookie.Cookies
	sealer    cookie.Sealer
	checks    checks.Manager
	provider  provider.Provider
	csrfToken string
	// csrfValid is whether the request echoed the csrf cookie token.
	csrfValid   bool
	callbackURL string
}

// ServeHTTP adapts Handle to net/http.
func (a *Auth) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := ReadRequest(r)
	if err != nil {
		a.logger.Warn("unreadable auth request", "error", err, "path", r.URL.Path)
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Bad request."})
		return
	}
	a.Handle(r.Context(), req).Write(w, r)
}

// Handle routes req and runs its action. Errors never escape: they are
// logged with their full cause and rendered with a client-safe code.
func (a *Auth) Handle(ctx context.Context, req *Request) *Response {
	res := newResponse()
	if req.Action == "" {
		action, providerID, err := ParseAction(a.basePath, req.URL.Path, req.Method)
		if err != nil {
			a.logger.Warn("bad auth request", "error", err, "method", req.Method, "path", req.URL.Path)
			res.json(http.StatusBadRequest, map[string]string{"message": "Bad request."})
			return res
		}
		req.Action, req.ProviderID = action, providerID
	}

	f, err := a.newFlow(ctx, req, res)
	if err == nil {
		err = a.dispatch(ctx, f)
	}
	if err != nil {
		return a.fail(req, f, err)
	}
	return res
}

func (a *Auth) dispatch(ctx context.Context, f *flow) error {
	switch f.req.Action {
	case ActionProviders:
		return a.providersAction(f)
	case ActionSession:
		return a.sessionAction(ctx, f)
	case ActionCSRF:
		f.res.json(http.StatusOK, map[string]string{"csrfToken": f.csrfToken})
		return nil
	case ActionSignIn:
		return a.signInAction(ctx, f)
	case ActionSignOut:
		return a.signOutAction(ctx, f)
	case ActionCallback:
		return a.callbackAction(ctx, f)
	case ActionError:
		return a.errorPage(f)
	case ActionVerifyRequest:
		return a.verifyRequestPage(f)
	case ActionWebAuthnOptions:
		return a.webAuthnOptionsAction(ctx, f)
	}
	return autherr.Newf(autherr.UnknownAction, "unsupported action %q", f.req.Action)
}

func (a *Auth) newFlow(ctx context.Context, req *Request, res *Response) (*flow, error) {
	origin, err := a.origin(req)
	if err != nil {
		return nil, err
	}
	secure := origin.Scheme == "https"
	if a.cfg.UseSecureCookies != nil {
		secure = *a.cfg.UseSecureCookies
	}
	cookies := cookie.Defaults(secure, a.cfg.CookiePrefix).Merge(a.cfg.Cookies)
	sealer := cookie.Sealer{Secrets: a.cfg.Secrets, Now: a.cfg.Now}

	f := &flow{
		req:     req,
		res:     res,
		origin:  origin,
		baseURL: origin.String() + a.basePath,
		cookies: cookies,
		sealer:  sealer,
		checks:  checks.Manager{Cookies: cookies, Sealer: sealer},
	}
	if req.ProviderID != "" {
		p, ok := a.providers[req.ProviderID]
		if !ok {
			return f, autherr.Newf(autherr.InvalidProvider, "provider %q is not configured", req.ProviderID)
		}
		f.provider = p
	}

	a.initCSRF(f)
	if err := a.initCallbackURL(ctx, f); err != nil {
		return f, err
	}
	return f, nil
}

// origin is the scheme and host the deployment is reached at.
func (a *Auth) origin(req *Request) (*url.URL, error) {
	if a.baseURL != nil {
		return a.baseURL, nil
	}
	if !a.cfg.TrustHost {
		return nil, autherr.New(autherr.UntrustedHost, "host is not trusted")
	}
	host := req.Headers.Get("X-Forwarded-Host")
	if host == "" {
		host = req.URL.Host
	}
	if host == "" {
		return nil, autherr.New(autherr.UntrustedHost, "cannot determine host")
	}
	host, _, _ = strings.Cut(host, ",")
	scheme := req.Headers.Get("X-Forwarded-Proto")
	scheme, _, _ = strings.Cut(scheme, ",")
	scheme = strings.TrimSpace(scheme)
	if scheme == "" {
		scheme = req.URL.Scheme
	}
	if scheme != "http" && scheme != "https" {
		scheme = "https"
	}
	return &url.URL{Scheme: scheme, Host: strings.TrimSpace(host)}, nil
}

// fail logs err and turns it into a response.
func (a *Auth) fail(req *Request, f *flow, err error) *Response {
	res := newResponse()
	if f != nil {
		// Keep queued cookies, notably cleared check cookies.
		res.Cookies = f.res.Cookies
	}
	typ := autherr.TypeOf(err)
	code := autherr.ClientCode(err)
	attrs := []any{
		"error", err,
		"type", typ,
		"action", req.Action,
		"provider", req.ProviderID,
	}
	if code == autherr.Configuration {
		a.logger.Error("auth request failed", attrs...)
	} else {
		a.logger.Warn("auth request failed", attrs...)
	}

	if typ == autherr.MissingCSRF {
		res.json(http.StatusBadRequest, map[string]string{"error": string(code)})
		return res
	}
	if f == nil || isRawAction(req.Action) {
		if code == autherr.Configuration {
			res.json(http.StatusInternalServerError, map[string]string{
				"message": "There was a problem with the server configuration. Check the server logs for more information.",
			})
			return res
		}
		res.json(http.StatusBadRequest, map[string]string{"error": string(code)})
		return res
	}

	if autherr.Kind(err) == autherr.PageSignIn && a.cfg.Pages.SignIn != "" {
		res.redirect(withQuery(a.cfg.Pages.SignIn, url.Values{"error": {string(code)}}))
		return res
	}
	if autherr.Kind(err) == autherr.PageSignIn {
		res.redirect(withQuery(f.baseURL+"/signin", url.Values{"error": {string(code)}}))
		return res
	}
	res.redirect(withQuery(a.pageURL(f, a.cfg.Pages.Error, "error"), url.Values{"error": {string(code)}}))
	return res
}

// isRawAction reports actions answered with JSON rather than pages.
func isRawAction(act Action) bool {
	switch act {
	case ActionSession, ActionCSRF, ActionProviders, ActionWebAuthnOptions:
		return true
	}
	return false
}

func (a *Auth) pageURL(f *flow, custom, builtin string) string {
	if custom != "" {
		return custom
	}
	return f.baseURL + "/" + builtin
}

func withQuery(target string, q url.Values) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	merged := u.Query()
	for k, vs := range q {
		for _, v := range vs {
			merged.Set(k, v)
		}
	}
	u.RawQuery = merged.Encode()
	return u.String()
}

func (a *Auth) now() time.Time { return a.cfg.Now() }

// emit runs an event hook and logs its failure.
func (a *Auth) emit(name string, fn func() error) {
	if err := fn(); err != nil {
		a.logger.Warn("event handler failed", "event", name, "error", err)
	}
}

// storeErr tags adapter failures, keeping ErrNotFound recognisable.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, adapter.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return adapter.Wrap(fmt.Errorf("%s: %w", op, err))
}
