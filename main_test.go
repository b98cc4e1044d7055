package main

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"authkit/server"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func oauthApp(t *testing.T, authorizationURL string) *server.App {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.Auth.Secrets = []string{"s3cret"}
	cfg.Auth.Providers = []server.ProviderConfig{{
		ID:               "stub",
		Type:             "oauth",
		ClientID:         "client",
		AuthorizationURL: authorizationURL,
		TokenURL:         authorizationURL + "/token",
		UserinfoURL:      authorizationURL + "/userinfo",
	}}
	app, err := server.NewApp(context.Background(), cfg, testLogger(), server.Options{})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func TestRunConnectSuccess(t *testing.T) {
	var authorizeQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/start":
			authorizeQuery = r.URL.RawQuery
			http.Redirect(w, r, "/login", http.StatusFound)
		case "/login":
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("login"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	app := oauthApp(t, srv.URL+"/start")
	if err := runConnect(context.Background(), app, testLogger(), "stub", nil); err != nil {
		t.Fatalf("runConnect returned error: %v", err)
	}
	for _, want := range []string{"client_id=client", "state=", "code_challenge=", "redirect_uri="} {
		if !strings.Contains(authorizeQuery, want) {
			t.Fatalf("authorization request %q is missing %q", authorizeQuery, want)
		}
	}
}

func TestRunConnectFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	app := oauthApp(t, srv.URL)
	if err := runConnect(context.Background(), app, testLogger(), "stub", nil); err == nil {
		t.Fatalf("expected error but got nil")
	}
}

func TestRunConnectMissingProvider(t *testing.T) {
	app := oauthApp(t, "http://127.0.0.1:1/authorize")
	if err := runConnect(context.Background(), app, testLogger(), "missing", nil); err == nil {
		t.Fatalf("expected error for missing provider")
	}
}

func TestRunSetupWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	answers := strings.Join([]string{
		"",                            // dev mode
		"",                            // listen address
		"",                            // public url
		"google",                      // provider id
		"https://accounts.google.com", // issuer
		"client-id",
		"",
		"sqlite",
		filepath.Join(t.TempDir(), "auth.db"),
	}, "\n") + "\n"

	cfg, err := runSetup(bufio.NewReader(strings.NewReader(answers)), path, testLogger())
	if err != nil {
		t.Fatalf("runSetup: %v", err)
	}
	if len(cfg.Auth.Secrets) != 1 || len(cfg.Auth.Secrets[0]) != 64 {
		t.Fatalf("expected a generated secret, got %v", cfg.Auth.Secrets)
	}
	if cfg.Auth.Providers[0].ID != "google" || cfg.Auth.Providers[0].ClientID != "client-id" {
		t.Fatalf("unexpected provider %+v", cfg.Auth.Providers[0])
	}
	if cfg.Storage.Driver != server.StorageSQLite {
		t.Fatalf("unexpected storage driver %q", cfg.Storage.Driver)
	}
	if cfg.AuthURL() != "http://127.0.0.1:8080/auth" {
		t.Fatalf("unexpected auth url %q", cfg.AuthURL())
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"Warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"ERR":     slog.LevelError,
	}

	for input, want := range tests {
		got, err := parseLogLevel(input)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestParseLogLevelInvalid(t *testing.T) {
	if _, err := parseLogLevel("trace"); err == nil {
		t.Fatalf("expected error for unsupported level")
	}
}
