// Package oidctest runs an in-process OpenID Connect provider for tests.
package oidctest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
)

const keyID = "oidctest"

// Grant is the identity the provider returns for an authorization code.
type Grant struct {
	Subject string
	Email   string
	Name    string
	Picture string
}

type pendingCode struct {
	grant     Grant
	nonce     string
	challenge string
	clientID  string
}

// Server is a minimal provider: discovery, JWKS, token and userinfo.
type Server struct {
	*httptest.Server

	ClientID string
	// TokenRequests counts calls to the token endpoint.
	TokenRequests atomic.Int32

	key    *rsa.PrivateKey
	signer jose.Signer

	mu      sync.Mutex
	codes   map[string]pendingCode
	access  map[string]Grant
	counter int
}

// New starts a provider and stops it when the test ends.
func New(t testing.TB, clientID string) *Server {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", keyID),
	)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	s := &Server{
		ClientID: clientID,
		key:      key,
		signer:   signer,
		codes:    map[string]pendingCode{},
		access:   map[string]Grant{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", s.discovery)
	mux.HandleFunc("/jwks", s.jwks)
	mux.HandleFunc("/token", s.token)
	mux.HandleFunc("/userinfo", s.userinfo)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Issuer returns the issuer URL.
func (s *Server) Issuer() string { return s.URL }

// Authorize plays the provider side of the authorization redirect: it
// records the nonce and PKCE challenge found in authURL and returns a code
// and the state to echo back.
func (s *Server) Authorize(t testing.TB, authURL string, g Grant) (code, state string) {
	t.Helper()
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parse authorization url: %v", err)
	}
	q := u.Query()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	code = "code-" + strings.Repeat("x", s.counter)
	s.codes[code] = pendingCode{
		grant:     g,
		nonce:     q.Get("nonce"),
		challenge: q.Get("code_challenge"),
		clientID:  q.Get("client_id"),
	}
	return code, q.Get("state")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) discovery(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                s.URL,
		"authorization_endpoint":                s.URL + "/authorize",
		"token_endpoint":                        s.URL + "/token",
		"userinfo_endpoint":                     s.URL + "/userinfo",
		"jwks_uri":                              s.URL + "/jwks",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (s *Server) jwks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &s.key.PublicKey,
		KeyID:     keyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}})
}

func (s *Server) token(w http.ResponseWriter, r *http.Request) {
	s.TokenRequests.Add(1)
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	code := r.PostForm.Get("code")
	s.mu.Lock()
	pending, ok := s.codes[code]
	delete(s.codes, code)
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}
	if pending.challenge != "" {
		sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
		if base64.RawURLEncoding.EncodeToString(sum[:]) != pending.challenge {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "pkce"})
			return
		}
	}

	now := time.Now()
	claims := map[string]any{
		"iss":   s.URL,
		"sub":   pending.grant.Subject,
		"aud":   s.ClientID,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
		"email": pending.grant.Email,
		"name":  pending.grant.Name,
	}
	if pending.grant.Picture != "" {
		claims["picture"] = pending.grant.Picture
	}
	if pending.nonce != "" {
		claims["nonce"] = pending.nonce
	}
	payload, _ := json.Marshal(claims)
	obj, err := s.signer.Sign(payload)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}
	idToken, _ := obj.CompactSerialize()

	access := "at-" + code
	s.mu.Lock()
	s.access[access] = pending.grant
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  access,
		"token_type":    "Bearer",
		"expires_in":    3600,
		"refresh_token": "rt-" + code,
		"id_token":      idToken,
		"scope":         "openid profile email",
	})
}

func (s *Server) userinfo(w http.ResponseWriter, r *http.Request) {
	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	g, ok := s.access[tok]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sub":     g.Subject,
		"id":      g.Subject,
		"email":   g.Email,
		"name":    g.Name,
		"picture": g.Picture,
	})
}
