package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"authkit/autherr"
)

func TestParseAction(t *testing.T) {
	tests := []struct {
		path, method string
		action       Action
		provider     string
		ok           bool
	}{
		{"/auth/signin", http.MethodGet, ActionSignIn, "", true},
		{"/auth/signin/github", http.MethodPost, ActionSignIn, "github", true},
		{"/auth/callback/github", http.MethodGet, ActionCallback, "github", true},
		{"/auth/callback", http.MethodGet, "", "", false},
		{"/auth/session", http.MethodPost, ActionSession, "", true},
		{"/auth/csrf", http.MethodPost, "", "", false},
		{"/auth/providers/", http.MethodGet, ActionProviders, "", true},
		{"/auth/webauthn-options/passkey", http.MethodGet, ActionWebAuthnOptions, "passkey", true},
		{"/auth/signout/github", http.MethodPost, "", "", false},
		{"/auth/unknown", http.MethodGet, "", "", false},
		{"/auth", http.MethodGet, "", "", false},
		{"/authx/signin", http.MethodGet, "", "", false},
		{"/other/signin", http.MethodGet, "", "", false},
		{"/auth/signin/a/b", http.MethodGet, "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			action, providerID, err := ParseAction("/auth", tt.path, tt.method)
			if !tt.ok {
				require.Error(t, err)
				require.True(t, autherr.HasType(err, autherr.UnknownAction))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.action, action)
			require.Equal(t, tt.provider, providerID)
		})
	}
}

func TestDefaultRedirect(t *testing.T) {
	const base = "https://app.example.com"
	tests := map[string]string{
		"/dashboard":                        base + "/dashboard",
		"https://app.example.com/x?y=1":     "https://app.example.com/x?y=1",
		"https://APP.example.com/x":         "https://APP.example.com/x",
		"https://evil.example.com/":         base,
		"http://app.example.com/":           base,
		"//evil.example.com":                base,
		"/\\evil.example.com":               base,
		"javascript:alert(1)":               base,
		"https://app.example.com@evil.com/": base,
	}
	for target, want := range tests {
		got, err := DefaultRedirect(context.Background(), target, base)
		require.NoError(t, err)
		require.Equal(t, want, got, target)
	}
}

func TestReadRequestJSON(t *testing.T) {
	body := `{"csrfToken":"tok","data":{"name":"x"}}`
	r := httptest.NewRequest(http.MethodPost, "http://app.test/auth/session", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	r.AddCookie(&http.Cookie{Name: "a", Value: "b"})

	req, err := ReadRequest(r)
	require.NoError(t, err)
	require.Equal(t, "tok", req.Body.Get("csrfToken"))
	require.Equal(t, map[string]any{"name": "x"}, req.Data)
	require.Equal(t, "b", req.Cookies["a"])
	require.Equal(t, "app.test", req.URL.Host)
	require.Equal(t, "http", req.URL.Scheme)
}

func TestReadRequestForm(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "http://app.test/auth/signin/x?callbackUrl=/q", strings.NewReader("csrfToken=tok&email=a%40b.c"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	req, err := ReadRequest(r)
	require.NoError(t, err)
	require.Equal(t, "a@b.c", req.Param("email"))
	require.Equal(t, "/q", req.Param("callbackUrl"))
}

func TestResponseWrite(t *testing.T) {
	res := newResponse()
	res.redirect("https://idp.example.com/authorize")
	res.SetCookie(&http.Cookie{Name: "c", Value: "v"})

	w := httptest.NewRecorder()
	res.Write(w, httptest.NewRequest(http.MethodPost, "/auth/signin/x", nil))
	require.Equal(t, http.StatusFound, w.Code)
	require.Equal(t, "https://idp.example.com/authorize", w.Header().Get("Location"))
	require.Contains(t, w.Header().Get("Set-Cookie"), "c=v")

	r := httptest.NewRequest(http.MethodPost, "/auth/signin/x", nil)
	r.Header.Set("X-Auth-Return-Redirect", "1")
	w = httptest.NewRecorder()
	res.Write(w, r)
	require.Equal(t, http.StatusOK, w.Code)
	var out map[string]string
	require.NoError(t, json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(&out))
	require.Equal(t, "https://idp.example.com/authorize", out["url"])
}
