package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"authkit/adapter/redis"
	"authkit/provider"
)

// Storage drivers.
const (
	StorageNone   = "none"
	StorageMemory = "memory"
	StorageRedis  = "redis"
	StorageSQLite = "sqlite"
)

// Hardcoded CORS and HSTS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Content-Type", "X-Auth-Return-Redirect"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
	DefaultHSTSMaxAge         = 63072000
)

// Config captures the full daemon configuration loaded from YAML and
// environment variables.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Storage StorageConfig `yaml:"storage"`
	SMTP    SMTPConfig    `yaml:"smtp"`
	Proxy   ProxyConfig   `yaml:"proxy"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL         string     `yaml:"public_url"`
	DevListenAddr     string     `yaml:"dev_listen_addr"`
	HTTPListenAddr    string     `yaml:"http_listen_addr"`
	HTTPSListenAddr   string     `yaml:"https_listen_addr"`
	DevMode           bool       `yaml:"dev_mode"`
	SecretsPath       string     `yaml:"secrets_path"`
	TLS               TLSConfig  `yaml:"tls"`
	TrustProxyHeaders bool       `yaml:"trust_proxy_headers"`
	CORS              CORSConfig `yaml:"cors"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// CORSConfig lists the browser origins allowed to call the auth endpoints.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// AuthConfig maps onto auth.Config.
type AuthConfig struct {
	// Secrets are newest first. AUTH_SECRET takes a comma separated list.
	Secrets []string `yaml:"secrets"`
	// URL defaults to server.public_url joined with base_path.
	URL          string           `yaml:"url"`
	BasePath     string           `yaml:"base_path"`
	TrustHost    bool             `yaml:"trust_host"`
	CookiePrefix string           `yaml:"cookie_prefix"`
	Session      SessionConfig    `yaml:"session"`
	Pages        PagesConfig      `yaml:"pages"`
	WebAuthn     bool             `yaml:"enable_webauthn"`
	Providers    []ProviderConfig `yaml:"providers"`
}

// SessionConfig selects the session strategy and lifetimes.
type SessionConfig struct {
	Strategy  string        `yaml:"strategy"`
	MaxAge    time.Duration `yaml:"max_age"`
	UpdateAge time.Duration `yaml:"update_age"`
}

// PagesConfig points the built-in pages at custom URLs.
type PagesConfig struct {
	SignIn        string `yaml:"sign_in"`
	SignOut       string `yaml:"sign_out"`
	Error         string `yaml:"error"`
	VerifyRequest string `yaml:"verify_request"`
	NewUser       string `yaml:"new_user"`
}

// ProviderConfig describes one sign-in provider. Which fields apply depends
// on Type.
type ProviderConfig struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type"`
	Name string `yaml:"name"`

	// oauth and oidc
	Issuer           string            `yaml:"issuer"`
	ClientID         string            `yaml:"client_id"`
	ClientSecret     string            `yaml:"client_secret"`
	TenantID         string            `yaml:"tenant_id"`
	AuthorizationURL string            `yaml:"authorization_url"`
	TokenURL         string            `yaml:"token_url"`
	UserinfoURL      string            `yaml:"userinfo_url"`
	JWKSURL          string            `yaml:"jwks_url"`
	Scopes           []string          `yaml:"scopes"`
	Params           map[string]string `yaml:"authorization_params"`
	AllowEmailLink   bool              `yaml:"allow_dangerous_email_account_linking"`
	Timeout          time.Duration     `yaml:"timeout"`

	// email
	MaxAge time.Duration `yaml:"max_age"`

	// webauthn
	RPID          string   `yaml:"rp_id"`
	RPName        string   `yaml:"rp_name"`
	RPOrigins     []string `yaml:"rp_origins"`
	ConditionalUI bool     `yaml:"conditional_ui"`
}

// StorageConfig selects the adapter.
type StorageConfig struct {
	Driver string       `yaml:"driver"`
	Redis  redis.Config `yaml:"redis"`
	SQLite SQLiteConfig `yaml:"sqlite"`
}

// SQLiteConfig locates the database file.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// SMTPConfig configures delivery of sign-in links.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	Subject  string `yaml:"subject"`
}

// ProxyConfig defines reverse proxy routes for host-based routing.
type ProxyConfig struct {
	Routes []ProxyRoute `yaml:"routes"`
}

// ProxyRoute maps a hostname to a backend target.
type ProxyRoute struct {
	Host               string `yaml:"host"`
	Target             string `yaml:"target"`
	RequireAuth        bool   `yaml:"require_auth"`
	StripPrefix        string `yaml:"strip_prefix"`
	PreserveHost       bool   `yaml:"preserve_host"`
	Timeout            string `yaml:"timeout"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`

	// InjectUserClaims forwards the session user as X-Auth-User-* headers,
	// or under the names in ClaimsHeaders (claim -> header).
	InjectUserClaims bool              `yaml:"inject_user_claims"`
	ClaimsHeaders    map[string]string `yaml:"claims_headers"`
	SkipPaths        []string          `yaml:"skip_paths"`
	// AuthRedirectURL is the sign-in page for signed-out browsers. It
	// defaults to the sign-in action on the same host.
	AuthRedirectURL string `yaml:"auth_redirect_url"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg, os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: DefaultHSTSMaxAge,
			},
			CORS: CORSConfig{
				AllowedMethods: DefaultCORSAllowedMethods,
				AllowedHeaders: DefaultCORSAllowedHeaders,
			},
		},
		Auth: AuthConfig{
			BasePath: "/auth",
		},
		Storage: StorageConfig{
			Driver: StorageMemory,
			SQLite: SQLiteConfig{Path: "authkit.db"},
		},
		SMTP: SMTPConfig{
			Port:    587,
			Subject: "Sign in to %s",
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) {
	overrides := map[string]func(string){
		"AUTHKIT_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"AUTHKIT_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"AUTHKIT_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"AUTHKIT_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"AUTHKIT_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"AUTHKIT_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"AUTHKIT_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"AUTHKIT_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"AUTHKIT_SESSION_STRATEGY":         func(v string) { cfg.Auth.Session.Strategy = v },
		"AUTHKIT_SESSION_MAX_AGE":          func(v string) { cfg.Auth.Session.MaxAge = parseDuration(v, cfg.Auth.Session.MaxAge) },
		"AUTHKIT_STORAGE_DRIVER":           func(v string) { cfg.Storage.Driver = v },
		"AUTHKIT_STORAGE_REDIS_ADDRS":      func(v string) { cfg.Storage.Redis.Addrs = splitAndTrim(v) },
		"AUTHKIT_STORAGE_REDIS_PASSWORD":   func(v string) { cfg.Storage.Redis.Password = v },
		"AUTHKIT_STORAGE_SQLITE_PATH":      func(v string) { cfg.Storage.SQLite.Path = v },
		"AUTHKIT_SMTP_HOST":                func(v string) { cfg.SMTP.Host = v },
		"AUTHKIT_SMTP_PASSWORD":            func(v string) { cfg.SMTP.Password = v },
		"AUTH_SECRET":                      func(v string) { cfg.Auth.Secrets = splitAndTrim(v) },
		"AUTH_URL":                         func(v string) { cfg.Auth.URL = v },
		"AUTH_TRUST_HOST":                  func(v string) { cfg.Auth.TrustHost = parseBool(v, cfg.Auth.TrustHost) },
	}

	for key, fn := range overrides {
		if val, ok := lookup(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// AuthURL is the public URL of the auth endpoints.
func (c Config) AuthURL() string {
	if c.Auth.URL != "" {
		return c.Auth.URL
	}
	return strings.TrimSuffix(c.Server.PublicURL, "/") + "/" + strings.Trim(c.Auth.BasePath, "/")
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}

	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if len(c.Auth.Secrets) == 0 {
		slog.Error("Missing required configuration", "field", "auth.secrets", "env", "AUTH_SECRET")
		return errors.New("auth.secrets is required (or set AUTH_SECRET)")
	}

	if c.Auth.URL != "" {
		if u, err := url.Parse(c.Auth.URL); err != nil || u.Scheme == "" || u.Host == "" {
			slog.Error("Invalid configuration value", "field", "auth.url", "value", c.Auth.URL)
			return fmt.Errorf("auth.url must be an absolute URL, got: %s", c.Auth.URL)
		}
	}

	switch c.Auth.Session.Strategy {
	case "", "jwt", "database":
	default:
		slog.Error("Invalid session strategy", "field", "auth.session.strategy", "value", c.Auth.Session.Strategy, "valid_values", []string{"jwt", "database"})
		return fmt.Errorf("auth.session.strategy must be 'jwt' or 'database', got: %s", c.Auth.Session.Strategy)
	}

	switch c.Storage.Driver {
	case StorageNone, StorageMemory:
	case StorageRedis:
		if len(c.Storage.Redis.Addrs) == 0 {
			slog.Error("Missing required configuration", "field", "storage.redis.addrs")
			return errors.New("storage.redis.addrs is required for the redis driver")
		}
	case StorageSQLite:
		if c.Storage.SQLite.Path == "" {
			slog.Error("Missing required configuration", "field", "storage.sqlite.path")
			return errors.New("storage.sqlite.path is required for the sqlite driver")
		}
	default:
		slog.Error("Invalid storage driver", "field", "storage.driver", "value", c.Storage.Driver)
		return fmt.Errorf("storage.driver must be one of none, memory, redis, sqlite, got: %s", c.Storage.Driver)
	}

	seen := make(map[string]bool, len(c.Auth.Providers))
	for i, p := range c.Auth.Providers {
		if err := p.validate(i, c); err != nil {
			return err
		}
		id := p.providerID()
		if seen[id] {
			slog.Error("Duplicate provider id", "index", i, "id", id)
			return fmt.Errorf("auth.providers[%d]: duplicate id %q", i, id)
		}
		seen[id] = true
	}
	if len(c.Auth.Providers) == 0 {
		slog.Error("No providers configured", "field", "auth.providers")
		return errors.New("at least one provider must be configured")
	}

	for i, route := range c.Proxy.Routes {
		if route.Host == "" {
			slog.Error("Proxy route missing host", "index", i)
			return fmt.Errorf("proxy.routes[%d]: host is required", i)
		}
		if route.Target == "" {
			slog.Error("Proxy route missing target", "host", route.Host, "index", i)
			return fmt.Errorf("proxy.routes[%d] (%s): target is required", i, route.Host)
		}
		if !strings.HasPrefix(route.Target, "http://") && !strings.HasPrefix(route.Target, "https://") {
			slog.Error("Invalid proxy target URL", "host", route.Host, "target", route.Target, "reason", "must be a valid HTTP(S) URL")
			return fmt.Errorf("proxy.routes[%d] (%s): target must start with http:// or https://, got: %s", i, route.Host, route.Target)
		}
		if route.Timeout != "" {
			if _, err := time.ParseDuration(route.Timeout); err != nil {
				slog.Error("Invalid proxy route timeout", "host", route.Host, "timeout", route.Timeout, "error", err)
				return fmt.Errorf("proxy.routes[%d] (%s): invalid timeout duration '%s': %w", i, route.Host, route.Timeout, err)
			}
		}
	}

	return nil
}

func (p ProviderConfig) providerID() string {
	if p.ID != "" {
		return p.ID
	}
	return p.Type
}

func (p ProviderConfig) validate(i int, c Config) error {
	field := fmt.Sprintf("auth.providers[%d]", i)
	switch provider.Type(p.Type) {
	case provider.TypeOIDC:
		if p.Issuer == "" {
			slog.Error("Provider missing issuer", "provider", p.ID, "field", field+".issuer")
			return fmt.Errorf("%s.issuer is required", field)
		}
		fallthrough
	case provider.TypeOAuth:
		if p.ID == "" {
			slog.Error("Provider missing id", "field", field+".id")
			return fmt.Errorf("%s.id is required", field)
		}
		if provider.Type(p.Type) == provider.TypeOAuth && (p.AuthorizationURL == "" || p.TokenURL == "") {
			slog.Error("Provider missing endpoints", "provider", p.ID, "field", field)
			return fmt.Errorf("%s: authorization_url and token_url are required for oauth providers", field)
		}
		if provider.Type(p.Type) == provider.TypeOAuth && p.UserinfoURL == "" {
			slog.Error("Provider missing userinfo endpoint", "provider", p.ID, "field", field+".userinfo_url")
			return fmt.Errorf("%s: userinfo_url is required for oauth providers", field)
		}
	case provider.TypeEmail:
		if c.Storage.Driver == StorageNone {
			slog.Error("Email provider needs storage", "provider", p.providerID(), "field", "storage.driver")
			return fmt.Errorf("%s: the email provider requires a storage driver", field)
		}
		if c.SMTP.Host == "" && !c.Server.DevMode {
			slog.Error("Email provider needs SMTP", "provider", p.providerID(), "field", "smtp.host")
			return fmt.Errorf("%s: smtp.host is required outside dev mode", field)
		}
	case provider.TypeWebAuthn:
		if !c.Auth.WebAuthn {
			slog.Error("WebAuthn provider not enabled", "provider", p.providerID(), "field", "auth.enable_webauthn")
			return fmt.Errorf("%s: set auth.enable_webauthn to use passkeys", field)
		}
		if c.Storage.Driver == StorageNone {
			slog.Error("WebAuthn provider needs storage", "provider", p.providerID(), "field", "storage.driver")
			return fmt.Errorf("%s: the webauthn provider requires a storage driver", field)
		}
		if p.RPName == "" {
			slog.Error("Provider missing relying party name", "provider", p.providerID(), "field", field+".rp_name")
			return fmt.Errorf("%s.rp_name is required", field)
		}
	default:
		slog.Error("Unsupported provider type", "field", field+".type", "value", p.Type, "valid_values", []string{"oauth", "oidc", "email", "webauthn"})
		return fmt.Errorf("%s.type must be oauth, oidc, email or webauthn, got: %q", field, p.Type)
	}
	return nil
}

// InferCORSOrigins returns the configured origins plus the origins of the
// proxied hosts.
func (c Config) InferCORSOrigins() []string {
	seen := make(map[string]bool)
	origins := []string{}
	add := func(o string) {
		if o != "" && !seen[o] {
			seen[o] = true
			origins = append(origins, o)
		}
	}
	for _, o := range c.Server.CORS.AllowedOrigins {
		add(o)
	}
	scheme := "https"
	if c.Server.DevMode {
		scheme = "http"
	}
	for _, route := range c.Proxy.Routes {
		add(scheme + "://" + route.Host)
	}
	return origins
}
