package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"authkit/autherr"
	"authkit/model"
)

// Client runs the authorization code flow against one OAuth 2 or OIDC
// provider.
type Client struct {
	cfg         *OAuth2Config
	oidcCfg     *OIDCConfig
	oauthConfig *oauth2.Config
	op          *oidc.Provider
	verifier    *oidc.IDTokenVerifier
	transport   *conformTransport
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewClient prepares the runtime for p. OIDC providers are discovered from
// their issuer unless explicit endpoints are configured.
func NewClient(ctx context.Context, p OAuthLike, redirectURL string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := p.OAuth()
	c := &Client{cfg: cfg, logger: logger}

	base := cfg.HTTPClient
	if base == nil {
		base = http.DefaultClient
	}
	transport := base.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	c.transport = &conformTransport{base: transport, conform: cfg.Conform}
	c.httpClient = &http.Client{Transport: c.transport, Timeout: cfg.timeout()}
	// go-oidc keeps this context for later JWKS refreshes.
	ctx = context.WithoutCancel(c.withHTTPClient(ctx))

	endpoint := oauth2.Endpoint{AuthURL: cfg.AuthorizationURL, TokenURL: cfg.TokenURL}
	scopes := cfg.Scopes

	if oc, ok := p.(*OIDCConfig); ok {
		c.oidcCfg = oc
		issuer := oc.Issuer
		if oc.TenantID != "" {
			if resolved, ok := resolveAzureTenantIssuer(oc.Issuer, oc.TenantID); ok {
				issuer = resolved
			}
		}

		var err error
		if oc.explicitEndpoints() {
			c.op = (&oidc.ProviderConfig{
				IssuerURL:   issuer,
				AuthURL:     oc.AuthorizationURL,
				TokenURL:    oc.TokenURL,
				UserInfoURL: oc.UserinfoURL,
				JWKSURL:     oc.JWKSURL,
			}).NewProvider(ctx)
		} else {
			c.op, err = oidc.NewProvider(ctx, issuer)
			if err != nil {
				return nil, autherr.Wrap(autherr.InvalidEndpoints, fmt.Errorf("discover provider %s: %w", cfg.ProviderID, err))
			}
		}
		endpoint = c.op.Endpoint()
		c.verifier = c.op.Verifier(&oidc.Config{ClientID: cfg.ClientID})
		scopes = withOpenID(scopes)
	}

	c.transport.tokenURL = endpoint.TokenURL
	if cfg.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}
	c.oauthConfig = &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     endpoint,
		Scopes:       scopes,
	}
	return c, nil
}

func withOpenID(scopes []string) []string {
	if len(scopes) == 0 {
		return []string{oidc.ScopeOpenID, "profile", "email"}
	}
	for _, s := range scopes {
		if s == oidc.ScopeOpenID {
			return scopes
		}
	}
	return append([]string{oidc.ScopeOpenID}, scopes...)
}

func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// AuthCodeURL builds the authorization request. Empty values are omitted.
func (c *Client) AuthCodeURL(state, nonce, codeChallenge string) string {
	opts := []oauth2.AuthCodeOption{}
	for k, v := range c.cfg.AuthorizationParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	if nonce != "" {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", nonce))
	}
	if codeChallenge != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", codeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		)
	}
	return c.oauthConfig.AuthCodeURL(state, opts...)
}

// Exchange trades an authorization code for tokens. The exchange is never
// retried.
func (c *Client) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(c.withHTTPClient(ctx), c.cfg.timeout())
	defer cancel()

	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}
	tok, err := c.oauthConfig.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, autherr.Wrap(autherr.OAuthCallbackError, fmt.Errorf("exchange code: %w", err))
	}
	return tok, nil
}

// FetchProfile returns the raw profile for tok. For OIDC the ID token is
// verified (signature, issuer, audience, expiry) and its nonce compared with
// expectedNonce.
func (c *Client) FetchProfile(ctx context.Context, tok *oauth2.Token, expectedNonce string) (Profile, error) {
	ctx, cancel := context.WithTimeout(c.withHTTPClient(ctx), c.cfg.timeout())
	defer cancel()

	if c.oidcCfg != nil && !c.oidcCfg.SkipIDToken {
		return c.idTokenProfile(ctx, tok, expectedNonce)
	}
	if c.cfg.Userinfo != nil {
		p, err := c.cfg.Userinfo(ctx, c.oauthConfig.Client(ctx, tok), tok)
		if err != nil {
			return nil, autherr.Wrap(autherr.OAuthProfileParseError, err)
		}
		return p, nil
	}
	if c.op != nil && c.cfg.UserinfoURL == "" {
		info, err := c.op.UserInfo(ctx, oauth2.StaticTokenSource(tok))
		if err != nil {
			return nil, autherr.Wrap(autherr.OAuthProfileParseError, fmt.Errorf("userinfo: %w", err))
		}
		var p Profile
		if err := info.Claims(&p); err != nil {
			return nil, autherr.Wrap(autherr.OAuthProfileParseError, err)
		}
		return p, nil
	}
	return c.userinfo(ctx, tok)
}

func (c *Client) idTokenProfile(ctx context.Context, tok *oauth2.Token, expectedNonce string) (Profile, error) {
	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, autherr.New(autherr.OAuthCallbackError, "id_token missing in response")
	}
	idToken, err := c.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, autherr.Wrap(autherr.OAuthCallbackError, fmt.Errorf("verify id_token: %w", err))
	}
	if expectedNonce != "" && idToken.Nonce != expectedNonce {
		return nil, autherr.New(autherr.InvalidCheck, "id_token nonce mismatch")
	}
	var p Profile
	if err := idToken.Claims(&p); err != nil {
		return nil, autherr.Wrap(autherr.OAuthProfileParseError, fmt.Errorf("parse claims: %w", err))
	}
	return p, nil
}

func (c *Client) userinfo(ctx context.Context, tok *oauth2.Token) (Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.UserinfoURL, nil)
	if err != nil {
		return nil, autherr.Wrap(autherr.OAuthProfileParseError, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.oauthConfig.Client(ctx, tok).Do(req)
	if err != nil {
		return nil, autherr.Wrap(autherr.OAuthCallbackError, fmt.Errorf("userinfo: %w", err))
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, autherr.Wrap(autherr.OAuthCallbackError, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, autherr.Newf(autherr.OAuthCallbackError, "userinfo: status %d", resp.StatusCode)
	}
	var p Profile
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, autherr.Wrap(autherr.OAuthProfileParseError, fmt.Errorf("userinfo json: %w", err))
	}
	return p, nil
}

// MapProfile applies the provider profile function, or the default mapping
// for the provider type.
func (c *Client) MapProfile(p Profile, tok *oauth2.Token) (model.User, error) {
	fn := c.cfg.Profile
	if fn == nil {
		if c.oidcCfg != nil {
			fn = DefaultOIDCProfile
		} else {
			fn = DefaultOAuthProfile
		}
	}
	u, err := fn(p, tok)
	if err != nil {
		return model.User{}, autherr.Wrap(autherr.OAuthProfileParseError, err)
	}
	if u.ID == "" {
		return model.User{}, autherr.New(autherr.OAuthProfileParseError, "profile is missing an id")
	}
	return u, nil
}

// Account builds the account record for a completed exchange.
func (c *Client) Account(userID, providerAccountID string, tok *oauth2.Token) model.Account {
	typ := model.AccountOAuth
	if c.oidcCfg != nil {
		typ = model.AccountOIDC
	}
	a := model.Account{
		UserID:            userID,
		Type:              typ,
		Provider:          c.cfg.ProviderID,
		ProviderAccountID: providerAccountID,
	}
	if tok == nil {
		return a
	}
	a.AccessToken = tok.AccessToken
	a.RefreshToken = tok.RefreshToken
	a.TokenType = tok.TokenType
	if !tok.Expiry.IsZero() {
		a.ExpiresAt = tok.Expiry.Unix()
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		a.IDToken = id
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		a.Scope = scope
	}
	return a
}

// conformTransport lets a provider rewrite its token endpoint response
// before x/oauth2 parses it.
type conformTransport struct {
	base     http.RoundTripper
	conform  ConformFunc
	tokenURL string
}

func (t *conformTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(r)
	if err != nil || t.conform == nil || !sameEndpoint(r, t.tokenURL) {
		return resp, err
	}
	return t.conform(resp)
}

func sameEndpoint(r *http.Request, endpoint string) bool {
	u := *r.URL
	u.RawQuery = ""
	u.Fragment = ""
	return endpoint != "" && u.String() == strings.SplitN(endpoint, "?", 2)[0]
}

func resolveAzureTenantIssuer(base, tenant string) (string, bool) {
	if base == "" || tenant == "" {
		return base, false
	}
	if !strings.Contains(base, "login.microsoftonline.com") {
		return base, false
	}

	trimmed := strings.TrimSuffix(base, "/")
	if strings.Contains(trimmed, "{tenant}") {
		return strings.ReplaceAll(trimmed, "{tenant}", tenant), true
	}
	prefix, suffix, ok := strings.Cut(trimmed, "/common")
	if !ok {
		return base, false
	}
	if suffix != "" && suffix[0] != '/' {
		suffix = "/" + suffix
	}
	return prefix + "/" + tenant + suffix, true
}
