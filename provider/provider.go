// Package provider describes the identity providers a deployment signs users
// in with, and runs the OAuth 2 and OpenID Connect protocol exchanges.
package provider

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"authkit/autherr"
	"authkit/checks"
	"authkit/model"
)

// Type discriminates provider descriptors.
type Type string

const (
	TypeOAuth       Type = "oauth"
	TypeOIDC        Type = "oidc"
	TypeEmail       Type = "email"
	TypeCredentials Type = "credentials"
	TypeWebAuthn    Type = "webauthn"
)

// DefaultTimeout bounds every call to a provider endpoint.
const DefaultTimeout = 10 * time.Second

// Provider is implemented by every descriptor.
type Provider interface {
	ID() string
	Name() string
	Type() Type
	Validate() error
}

// Profile is the raw profile document returned by a provider.
type Profile map[string]any

// String returns a string field or "".
func (p Profile) String(key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

// ProfileFunc maps a provider profile to a user. The returned ID is the
// provider account id, not the internal user id.
type ProfileFunc func(p Profile, tok *oauth2.Token) (model.User, error)

// UserinfoFunc replaces the default userinfo request.
type UserinfoFunc func(ctx context.Context, client *http.Client, tok *oauth2.Token) (Profile, error)

// ConformFunc rewrites a non-standard token endpoint response before it is
// parsed.
type ConformFunc func(*http.Response) (*http.Response, error)

// OAuth2Config is a plain OAuth 2 authorization code provider.
type OAuth2Config struct {
	ProviderID   string
	DisplayName  string
	ClientID     string
	ClientSecret string

	AuthorizationURL string
	TokenURL         string
	UserinfoURL      string
	Scopes           []string
	// AuthorizationParams are added to the authorization URL.
	AuthorizationParams map[string]string

	// Checks defaults to pkce and state.
	Checks []checks.Kind

	Profile  ProfileFunc
	Userinfo UserinfoFunc
	Conform  ConformFunc

	// AllowDangerousEmailAccountLinking lets a sign-in link to an existing
	// user with the same email. Only enable it for providers that verify
	// email ownership.
	AllowDangerousEmailAccountLinking bool

	Timeout    time.Duration
	HTTPClient *http.Client
}

func (c *OAuth2Config) ID() string { return c.ProviderID }

func (c *OAuth2Config) Name() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return c.ProviderID
}

func (c *OAuth2Config) Type() Type { return TypeOAuth }

// Policy returns the check policy of the provider.
func (c *OAuth2Config) Policy() checks.Policy {
	kinds := c.Checks
	if len(kinds) == 0 {
		kinds = []checks.Kind{checks.PKCE, checks.State}
	}
	return checks.Policy{Checks: kinds}
}

func (c *OAuth2Config) Validate() error {
	if c.ProviderID == "" {
		return autherr.New(autherr.InvalidProvider, "provider id is required")
	}
	if c.ClientID == "" {
		return autherr.Newf(autherr.InvalidProvider, "provider %s: client id is required", c.ProviderID)
	}
	if c.AuthorizationURL == "" || c.TokenURL == "" {
		return autherr.Newf(autherr.InvalidEndpoints, "provider %s: authorization and token endpoints are required", c.ProviderID)
	}
	if c.UserinfoURL == "" && c.Userinfo == nil {
		return autherr.Newf(autherr.InvalidEndpoints, "provider %s: a userinfo endpoint or request is required", c.ProviderID)
	}
	return nil
}

func (c *OAuth2Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// ApplyEnv fills missing client credentials from AUTH_<ID>_ID and
// AUTH_<ID>_SECRET.
func (c *OAuth2Config) ApplyEnv(lookup func(string) string) {
	prefix := "AUTH_" + envName(c.ProviderID)
	if c.ClientID == "" {
		c.ClientID = lookup(prefix + "_ID")
	}
	if c.ClientSecret == "" {
		c.ClientSecret = lookup(prefix + "_SECRET")
	}
}

func envName(id string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(id))
}

// OIDCConfig is an OpenID Connect provider. Endpoints are discovered from
// the issuer unless AuthorizationURL, TokenURL and JWKSURL are all set.
type OIDCConfig struct {
	OAuth2Config

	Issuer  string
	JWKSURL string
	// TenantID rewrites Microsoft Entra "common" issuers.
	TenantID string
	// SkipIDToken takes the profile from the userinfo endpoint instead of
	// the ID token claims.
	SkipIDToken bool
}

func (c *OIDCConfig) Type() Type { return TypeOIDC }

// Policy returns the check policy; OIDC providers default to pkce, state
// and nonce.
func (c *OIDCConfig) Policy() checks.Policy {
	kinds := c.Checks
	if len(kinds) == 0 {
		kinds = []checks.Kind{checks.PKCE, checks.State, checks.Nonce}
	}
	return checks.Policy{Checks: kinds, OIDC: true}
}

func (c *OIDCConfig) Validate() error {
	if c.ProviderID == "" {
		return autherr.New(autherr.InvalidProvider, "provider id is required")
	}
	if c.ClientID == "" {
		return autherr.Newf(autherr.InvalidProvider, "provider %s: client id is required", c.ProviderID)
	}
	if c.Issuer == "" {
		return autherr.Newf(autherr.InvalidEndpoints, "provider %s: issuer is required", c.ProviderID)
	}
	return nil
}

func (c *OIDCConfig) explicitEndpoints() bool {
	return c.AuthorizationURL != "" && c.TokenURL != "" && c.JWKSURL != ""
}

// VerificationRequest is handed to the email sender.
type VerificationRequest struct {
	Identifier string
	URL        string
	Expires    time.Time
	Token      string
	Provider   *EmailConfig
}

// EmailConfig signs users in with a one-time link.
type EmailConfig struct {
	ProviderID  string
	DisplayName string
	// MaxAge is the link lifetime, 24 hours by default.
	MaxAge time.Duration
	// SendVerificationRequest delivers the link.
	SendVerificationRequest func(ctx context.Context, req VerificationRequest) error
	// GenerateVerificationToken overrides the random token generator.
	GenerateVerificationToken func() (string, error)
	// NormalizeIdentifier overrides the default lowercase/trim of the email.
	NormalizeIdentifier func(string) (string, error)
}

func (c *EmailConfig) ID() string {
	if c.ProviderID == "" {
		return "email"
	}
	return c.ProviderID
}

func (c *EmailConfig) Name() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return "Email"
}

func (c *EmailConfig) Type() Type { return TypeEmail }

func (c *EmailConfig) Validate() error {
	if c.SendVerificationRequest == nil {
		return autherr.Newf(autherr.InvalidProvider, "provider %s: SendVerificationRequest is required", c.ID())
	}
	return nil
}

// LinkMaxAge returns the configured link lifetime.
func (c *EmailConfig) LinkMaxAge() time.Duration {
	if c.MaxAge > 0 {
		return c.MaxAge
	}
	return 24 * time.Hour
}

// Normalize canonicalizes an email identifier.
func (c *EmailConfig) Normalize(identifier string) (string, error) {
	if c.NormalizeIdentifier != nil {
		return c.NormalizeIdentifier(identifier)
	}
	return NormalizeEmail(identifier)
}

// NormalizeEmail lowercases and trims an address and keeps the first domain
// of a comma separated list.
func NormalizeEmail(identifier string) (string, error) {
	id := strings.ToLower(strings.TrimSpace(identifier))
	local, domain, ok := strings.Cut(id, "@")
	if !ok || local == "" || domain == "" || strings.Contains(domain, "@") {
		return "", autherr.Newf(autherr.EmailSignInError, "invalid email address %q", identifier)
	}
	// Only the first domain of a comma separated list is honoured.
	domain, _, _ = strings.Cut(domain, ",")
	return local + "@" + domain, nil
}

// CredentialsConfig signs users in with arbitrary form fields.
type CredentialsConfig struct {
	ProviderID  string
	DisplayName string
	// Fields names the form fields shown on the sign-in page.
	Fields []string
	// Authorize returns the user for valid credentials and nil otherwise.
	Authorize func(ctx context.Context, credentials map[string]string) (*model.User, error)
}

func (c *CredentialsConfig) ID() string {
	if c.ProviderID == "" {
		return "credentials"
	}
	return c.ProviderID
}

func (c *CredentialsConfig) Name() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return "Credentials"
}

func (c *CredentialsConfig) Type() Type { return TypeCredentials }

func (c *CredentialsConfig) Validate() error {
	if c.Authorize == nil {
		return autherr.Newf(autherr.MissingAuthorize, "provider %s: Authorize is required", c.ID())
	}
	return nil
}

// WebAuthnConfig signs users in with passkeys.
type WebAuthnConfig struct {
	ProviderID  string
	DisplayName string
	// RPID defaults to the host of the deployment URL.
	RPID      string
	RPName    string
	RPOrigins []string
	// EnableConditionalUI allows the browser autofill flow.
	EnableConditionalUI bool
	// Timeout is sent to the browser with the ceremony options and enforced
	// when the response comes back. Zero keeps the library defaults.
	Timeout time.Duration
	// Passkeys overrides the library backed implementation, e.g. in tests.
	Passkeys Passkeys
}

func (c *WebAuthnConfig) ID() string {
	if c.ProviderID == "" {
		return "passkey"
	}
	return c.ProviderID
}

func (c *WebAuthnConfig) Name() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return "Passkey"
}

func (c *WebAuthnConfig) Type() Type { return TypeWebAuthn }

func (c *WebAuthnConfig) Validate() error {
	if c.RPName == "" && c.Passkeys == nil {
		return autherr.Newf(autherr.InvalidProvider, "provider %s: relying party name is required", c.ID())
	}
	return nil
}

// OAuthLike is satisfied by OAuth2Config and OIDCConfig.
type OAuthLike interface {
	Provider
	Policy() checks.Policy
	OAuth() *OAuth2Config
}

// OAuth returns the embedded OAuth 2 settings.
func (c *OAuth2Config) OAuth() *OAuth2Config { return c }
