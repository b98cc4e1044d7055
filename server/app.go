package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"authkit/adapter/memory"
	"authkit/adapter/redis"
	"authkit/adapter/sqlite"
	"authkit/auth"
	"authkit/provider"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config Config
	Logger *slog.Logger
	Auth   *auth.Auth
	Proxy  *ProxyManager
	// Store is the configured adapter, nil for the "none" driver.
	Store any

	closers []io.Closer
}

// Options carries hooks that cannot be expressed in YAML.
type Options struct {
	Callbacks auth.Callbacks
	Events    auth.Events
	// Mailer overrides the SMTP sender of email providers.
	Mailer func(context.Context, provider.VerificationRequest) error
	// Lookup reads provider credentials; os.Getenv by default.
	Lookup func(string) string
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger, opts Options) (*App, error) {
	app := &App{Config: cfg, Logger: logger}

	store, closer, err := OpenStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		app.closers = append(app.closers, closer)
	}
	app.Store = store

	if opts.Mailer == nil {
		switch {
		case cfg.SMTP.Host != "":
			opts.Mailer = NewMailer(cfg.SMTP, logger).SendVerificationRequest
		case cfg.Server.DevMode:
			opts.Mailer = LogSender(logger)
		}
	}
	if opts.Lookup == nil {
		opts.Lookup = os.Getenv
	}

	providers, err := BuildProviders(cfg, opts.Mailer, opts.Lookup)
	if err != nil {
		app.Close()
		return nil, err
	}

	// Proxied hosts sign in on their own origin, so the origin has to follow
	// the request.
	trustHost := cfg.Auth.TrustHost || len(cfg.Proxy.Routes) > 0
	authURL := cfg.Auth.URL
	if authURL == "" && !trustHost {
		authURL = cfg.AuthURL()
	}

	a, err := auth.New(ctx, auth.Config{
		Secrets:   cfg.Auth.Secrets,
		URL:       authURL,
		BasePath:  cfg.Auth.BasePath,
		TrustHost: trustHost,
		Providers: providers,
		Adapter:   store,
		Session: auth.SessionConfig{
			Strategy:  auth.Strategy(cfg.Auth.Session.Strategy),
			MaxAge:    cfg.Auth.Session.MaxAge,
			UpdateAge: cfg.Auth.Session.UpdateAge,
		},
		Callbacks: opts.Callbacks,
		Events:    opts.Events,
		Pages: auth.Pages{
			SignIn:        cfg.Auth.Pages.SignIn,
			SignOut:       cfg.Auth.Pages.SignOut,
			Error:         cfg.Auth.Pages.Error,
			VerifyRequest: cfg.Auth.Pages.VerifyRequest,
			NewUser:       cfg.Auth.Pages.NewUser,
		},
		CookiePrefix: cfg.Auth.CookiePrefix,
		Experimental: auth.Experimental{EnableWebAuthn: cfg.Auth.WebAuthn},
		Logger:       logger,
	})
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("init auth: %w", err)
	}
	app.Auth = a

	if len(cfg.Proxy.Routes) > 0 {
		proxy, err := NewProxyManager(cfg.Proxy, a, a.BasePath(), logger)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("init proxy: %w", err)
		}
		app.Proxy = proxy
	}

	return app, nil
}

// Close releases the storage connections.
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// OpenStore connects the configured adapter. The closer is nil for drivers
// without resources.
func OpenStore(ctx context.Context, cfg StorageConfig) (any, io.Closer, error) {
	switch cfg.Driver {
	case StorageNone:
		return nil, nil, nil
	case "", StorageMemory:
		return memory.New(), nil, nil
	case StorageRedis:
		s, err := redis.New(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case StorageSQLite:
		s, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// BuildProviders turns the provider section into descriptors. Missing
// OAuth client credentials are read from AUTH_<ID>_ID and AUTH_<ID>_SECRET.
func BuildProviders(cfg Config, mailer func(context.Context, provider.VerificationRequest) error, lookup func(string) string) ([]provider.Provider, error) {
	out := make([]provider.Provider, 0, len(cfg.Auth.Providers))
	for i, p := range cfg.Auth.Providers {
		switch provider.Type(p.Type) {
		case provider.TypeOAuth:
			c := p.oauth2()
			c.ApplyEnv(lookup)
			out = append(out, &c)
		case provider.TypeOIDC:
			c := &provider.OIDCConfig{
				OAuth2Config: p.oauth2(),
				Issuer:       p.Issuer,
				JWKSURL:      p.JWKSURL,
				TenantID:     p.TenantID,
			}
			c.ApplyEnv(lookup)
			out = append(out, c)
		case provider.TypeEmail:
			if mailer == nil {
				return nil, fmt.Errorf("auth.providers[%d]: no mailer configured, set smtp.host", i)
			}
			out = append(out, &provider.EmailConfig{
				ProviderID:              p.ID,
				DisplayName:             p.Name,
				MaxAge:                  p.MaxAge,
				SendVerificationRequest: mailer,
			})
		case provider.TypeWebAuthn:
			out = append(out, &provider.WebAuthnConfig{
				ProviderID:          p.ID,
				DisplayName:         p.Name,
				RPID:                p.RPID,
				RPName:              p.RPName,
				RPOrigins:           p.RPOrigins,
				EnableConditionalUI: p.ConditionalUI,
			})
		default:
			return nil, fmt.Errorf("auth.providers[%d]: unsupported type %q", i, p.Type)
		}
	}
	return out, nil
}

func (p ProviderConfig) oauth2() provider.OAuth2Config {
	return provider.OAuth2Config{
		ProviderID:                        p.ID,
		DisplayName:                       p.Name,
		ClientID:                          p.ClientID,
		ClientSecret:                      p.ClientSecret,
		AuthorizationURL:                  p.AuthorizationURL,
		TokenURL:                          p.TokenURL,
		UserinfoURL:                       p.UserinfoURL,
		Scopes:                            p.Scopes,
		AuthorizationParams:               p.Params,
		AllowDangerousEmailAccountLinking: p.AllowEmailLink,
		Timeout:                           p.Timeout,
	}
}
