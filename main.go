package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"
	"gopkg.in/yaml.v3"

	"authkit/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("AUTHKIT_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *configCmd != "" {
		configFile := *configPath
		if configFile == "" {
			configFile = "./config.yaml"
		}

		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile, logger); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized successfully", "path", configFile)
			return
		case "validate":
			if err := runConfigValidate(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
	}

	args := flag.Args()
	command := ""
	commandArgs := args
	if len(commandArgs) > 0 && commandArgs[0] == "connect" {
		command = "connect"
		commandArgs = commandArgs[1:]
	}

	configFile := *configPath
	if configFile == "" && command == "" && len(commandArgs) > 0 {
		configFile = commandArgs[0]
		commandArgs = commandArgs[1:]
	}
	if configFile == "" {
		configFile = "./config.yaml"
	}

	cfg, err := loadConfig(configFile, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if command == "connect" {
		if len(commandArgs) == 0 {
			log.Fatalf("usage: %s [--config path] connect <provider>", os.Args[0])
		}
		providerName := commandArgs[0]
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		application, err := server.NewApp(ctx, cfg, logger, server.Options{})
		if err != nil {
			log.Fatalf("init app: %v", err)
		}
		defer application.Close()
		if err := runConnect(ctx, application, logger, providerName, nil); err != nil {
			logger.Error("provider connectivity failed", "provider", providerName, "error", err)
			os.Exit(1)
		}
		logger.Info("provider connectivity succeeded", "provider", providerName)
		return
	}

	// Validate URLs are accessible on startup
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	validateStartupURLs(ctx, cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := server.NewApp(ctx, cfg, logger, server.Options{})
	if err != nil {
		log.Fatalf("init app: %v", err)
	}
	defer application.Close()

	handler := application.Routes()

	var shutdownFns []func(context.Context) error

	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:         cfg.Server.DevListenAddr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "dev", "addr", cfg.Server.DevListenAddr, "auth_url", cfg.AuthURL())
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "error", err)
			}
		}()
	} else {
		tlsCachePath := filepath.Join(cfg.Server.SecretsPath, "tls")

		m := &autocert.Manager{
			Cache:      autocert.DirCache(tlsCachePath),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(hostPolicy(cfg)...),
			Email:      cfg.Server.TLS.Email,
		}
		tlsCfg := &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tlsVersion(cfg.Server.TLS.MinVersion),
		}

		httpRedirect := &http.Server{
			Addr:    cfg.Server.HTTPListenAddr,
			Handler: m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http redirect error", "error", err)
			}
		}()

		httpsSrv := &http.Server{
			Addr:      cfg.Server.HTTPSListenAddr,
			Handler:   handler,
			TLSConfig: tlsCfg,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "prod", "addr", cfg.Server.HTTPSListenAddr, "auth_url", cfg.AuthURL())
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("https server error", "error", err)
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

// hostPolicy allows the configured domains plus every proxied host.
func hostPolicy(cfg server.Config) []string {
	hosts := append([]string{}, cfg.Server.TLS.Domains...)
	for _, r := range cfg.Proxy.Routes {
		hosts = append(hosts, r.Host)
	}
	return hosts
}

func tlsVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// runConnect starts a sign-in with providerName through the auth handler,
// exactly as a browser would, and follows the provider's authorization URL
// until it stops redirecting.
func runConnect(ctx context.Context, app *server.App, logger *slog.Logger, providerName string, httpClient *http.Client) error {
	if providerName == "" {
		return errors.New("provider name required")
	}
	if _, ok := app.Auth.Provider(providerName); !ok {
		return fmt.Errorf("provider %s not configured", providerName)
	}

	authURL, err := startSignIn(ctx, app, providerName)
	if err != nil {
		return err
	}
	logger.Info("connect.start", "provider", providerName, "auth_url", authURL)
	logger.Info("connect.instructions", "provider", providerName, "message", "Open auth_url in a browser to perform interactive login if needed", "auth_url", authURL)

	client := httpClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	originalRedirect := client.CheckRedirect
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		step := len(via) + 1
		logger.Info("connect.redirect", "step", step, "url", req.URL.String())
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects (%d)", len(via))
		}
		if originalRedirect != nil {
			return originalRedirect(req, via)
		}
		return nil
	}
	defer func() { client.CheckRedirect = originalRedirect }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return fmt.Errorf("create authorize request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call authorize endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	logger.Info("connect.result", "status", resp.StatusCode, "effective_url", resp.Request.URL.String())

	switch {
	case resp.StatusCode >= 400:
		return fmt.Errorf("provider returned %s for %s", resp.Status, resp.Request.URL.String())
	case resp.StatusCode >= 300:
		return fmt.Errorf("unexpected additional redirect (status %d)", resp.StatusCode)
	}

	logger.Info("connect.success", "provider", providerName, "message", "Reached provider login endpoint")
	return nil
}

// startSignIn fetches a csrf token and posts the sign-in form in process,
// returning the URL the browser would be sent to.
func startSignIn(ctx context.Context, app *server.App, providerName string) (string, error) {
	h := app.Routes()
	base := strings.TrimSuffix(app.Config.AuthURL(), "/")
	jar := map[string]*http.Cookie{}
	call := func(method, target string, form url.Values) (*httptest.ResponseRecorder, error) {
		var body io.Reader
		if form != nil {
			body = strings.NewReader(form.Encode())
		}
		req, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return nil, err
		}
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			req.Header.Set("X-Auth-Return-Redirect", "1")
		}
		for _, c := range jar {
			req.AddCookie(c)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		for _, c := range rec.Result().Cookies() {
			jar[c.Name] = c
		}
		return rec, nil
	}

	rec, err := call(http.MethodGet, base+"/csrf", nil)
	if err != nil {
		return "", fmt.Errorf("csrf request: %w", err)
	}
	var csrf struct {
		Token string `json:"csrfToken"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&csrf); err != nil || csrf.Token == "" {
		return "", fmt.Errorf("csrf response (status %d): %v", rec.Code, err)
	}

	rec, err = call(http.MethodPost, base+"/signin/"+url.PathEscape(providerName), url.Values{
		"csrfToken":   {csrf.Token},
		"callbackUrl": {app.Config.Server.PublicURL},
	})
	if err != nil {
		return "", fmt.Errorf("sign-in request: %w", err)
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil || out.URL == "" {
		return "", fmt.Errorf("sign-in response (status %d): %v", rec.Code, err)
	}
	if strings.HasPrefix(out.URL, base+"/") {
		return "", fmt.Errorf("sign-in did not reach the provider: %s", out.URL)
	}
	return out.URL, nil
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	_, err := runSetup(bufio.NewReader(os.Stdin), path, logger)
	return err
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("validating configuration URLs...")

	for _, p := range cfg.Auth.Providers {
		if p.Issuer == "" {
			continue
		}
		if err := validateURL(ctx, discoveryURL(p.Issuer), logger); err != nil {
			logger.Error("provider URL validation failed", "provider", p.ID, "issuer", p.Issuer, "error", err)
		} else {
			logger.Info("provider URL is accessible", "provider", p.ID, "issuer", p.Issuer)
		}
	}

	for i, route := range cfg.Proxy.Routes {
		if err := validateURL(ctx, route.Target, logger); err != nil {
			logger.Error("proxy backend URL validation failed", "index", i, "host", route.Host, "target", route.Target, "error", err)
		} else {
			logger.Info("proxy backend URL is accessible", "host", route.Host, "target", route.Target)
		}
	}

	logger.Info("configuration validation complete")
	return nil
}

func discoveryURL(issuer string) string {
	return strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration"
}

func validateStartupURLs(ctx context.Context, cfg server.Config, logger *slog.Logger) {
	for _, p := range cfg.Auth.Providers {
		if p.Issuer == "" {
			continue
		}
		wellKnownURL := discoveryURL(p.Issuer)
		if err := validateURL(ctx, wellKnownURL, logger); err != nil {
			logger.Warn("provider URL may not be accessible",
				"provider", p.ID,
				"issuer", p.Issuer,
				"url", wellKnownURL,
				"error", err,
				"note", "server will continue but sign-in may fail")
		} else {
			logger.Info("provider URL is accessible", "provider", p.ID, "issuer", p.Issuer)
		}
	}

	for i, route := range cfg.Proxy.Routes {
		if err := validateURL(ctx, route.Target, logger); err != nil {
			logger.Warn("proxy backend URL may not be accessible",
				"index", i,
				"host", route.Host,
				"target", route.Target,
				"error", err,
				"note", "server will continue but proxy requests may fail")
		} else {
			logger.Debug("proxy backend URL is accessible", "host", route.Host, "target", route.Target)
		}
	}
}

func validateURL(ctx context.Context, urlStr string, logger *slog.Logger) error {
	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}

	return nil
}

func runSetup(reader *bufio.Reader, path string, logger *slog.Logger) (server.Config, error) {
	fmt.Printf("No configuration file found at %s.\n", path)
	fmt.Println("Starting guided setup for an OpenID Connect provider. Press Enter to accept defaults.")

	cfg := server.DefaultConfig()

	devMode := askYesNo(reader, "Run in development mode?", true)
	cfg.Server.DevMode = devMode

	if devMode {
		cfg.Server.DevListenAddr = ask(reader, "Dev listen address", cfg.Server.DevListenAddr)
		cfg.Server.PublicURL = strings.TrimSuffix(ask(reader, "Public URL", "http://"+cfg.Server.DevListenAddr), "/")
	} else {
		domain := askRequired(reader, "Primary public domain (e.g. auth.example.com)")
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.PublicURL = "https://" + strings.TrimSuffix(domain, "/")
		cfg.Server.TLS.Email = ask(reader, "ACME contact email", cfg.Server.TLS.Email)
	}

	cfg.Auth.Secrets = []string{randomHex(32)}

	id := ask(reader, "Provider id", "oidc")
	issuer := askRequired(reader, "Provider issuer URL")
	fmt.Printf("Register %s/callback/%s as redirect URI with the provider.\n", cfg.AuthURL(), id)
	clientID := ask(reader, "Client ID (empty to read AUTH_"+strings.ToUpper(id)+"_ID)", "")
	clientSecret := ask(reader, "Client secret (empty to read AUTH_"+strings.ToUpper(id)+"_SECRET)", "")
	cfg.Auth.Providers = []server.ProviderConfig{{
		ID:           id,
		Type:         "oidc",
		Issuer:       strings.TrimSuffix(issuer, "/"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
	}}

	cfg.Storage.Driver = ask(reader, "Storage driver (none, memory, redis, sqlite)", cfg.Storage.Driver)
	switch cfg.Storage.Driver {
	case server.StorageRedis:
		cfg.Storage.Redis.Addrs = normalizeList(ask(reader, "Redis addresses", "127.0.0.1:6379"), []string{"127.0.0.1:6379"})
		cfg.Storage.Redis.KeyPrefix = "authkit:"
	case server.StorageSQLite:
		cfg.Storage.SQLite.Path = ask(reader, "SQLite database path", cfg.Storage.SQLite.Path)
	}

	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("configuration created", "path", path)

	return server.LoadConfig(path)
}

func ask(reader *bufio.Reader, prompt, def string) string {
	if def != "" {
		fmt.Printf("%s [%s]: ", prompt, def)
	} else {
		fmt.Printf("%s: ", prompt)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func askRequired(reader *bufio.Reader, prompt string) string {
	for {
		fmt.Printf("%s: ", prompt)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if input != "" {
			return input
		}
		if err != nil {
			return ""
		}
		fmt.Println("This value is required. Please enter a value.")
	}
}

func askYesNo(reader *bufio.Reader, prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Printf("%s [%s]: ", prompt, defLabel)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input == "" {
			return def
		}
		switch input {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		default:
			if err != nil {
				return def
			}
			fmt.Println("Please enter 'y' or 'n'.")
		}
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

func normalizeList(input string, fallback []string) []string {
	if strings.TrimSpace(input) == "" {
		return fallback
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
