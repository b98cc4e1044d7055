package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"authkit/cookie"
	"authkit/model"
	"authkit/provider"
	"authkit/token"
)

// Strategy selects where sessions live.
type Strategy string

const (
	StrategyJWT      Strategy = "jwt"
	StrategyDatabase Strategy = "database"
)

// Defaults applied by New.
const (
	DefaultBasePath  = "/auth"
	DefaultUpdateAge = 24 * time.Hour
)

// SessionConfig controls session lifetime and storage.
type SessionConfig struct {
	// Strategy defaults to database when an adapter is configured and to jwt
	// otherwise.
	Strategy Strategy
	MaxAge   time.Duration
	// UpdateAge is how often a database session expiry is extended.
	UpdateAge time.Duration
	// GenerateSessionToken overrides the random database session token.
	GenerateSessionToken func() string
}

// Pages point the built-in pages at custom URLs.
type Pages struct {
	SignIn        string
	SignOut       string
	Error         string
	VerifyRequest string
	// NewUser receives first-time sign-ins when set.
	NewUser string
}

// Trigger tells the JWT callback why it runs.
type Trigger string

const (
	TriggerSignIn Trigger = "signIn"
	TriggerSignUp Trigger = "signUp"
	TriggerUpdate Trigger = "update"
)

// SignInParams is passed to the SignIn callback.
type SignInParams struct {
	User    model.User
	Account *model.Account
	Profile provider.Profile
	// VerificationRequest is set when an email link is about to be sent.
	VerificationRequest bool
	Credentials         map[string]string
}

// SignInDecision is the outcome of the SignIn callback. A non-empty
// Redirect sends the browser there instead of continuing.
type SignInDecision struct {
	Allow    bool
	Redirect string
}

// JWTParams is passed to the JWT callback. User, Account and Profile are
// only set on sign-in.
type JWTParams struct {
	Token     token.Claims
	User      *model.User
	Account   *model.Account
	Profile   provider.Profile
	Trigger   Trigger
	IsNewUser bool
	// Session is the client supplied data of an update.
	Session map[string]any
}

// SessionUser is the public part of the user exposed by the session action.
type SessionUser struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Image string `json:"image,omitempty"`
}

// Session is the body returned by the session action.
type Session struct {
	User    *SessionUser `json:"user,omitempty"`
	Expires time.Time    `json:"expires"`
	// Extra fields are merged into the JSON object.
	Extra map[string]any `json:"-"`
}

func (s Session) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Extra)+2)
	for k, v := range s.Extra {
		out[k] = v
	}
	if s.User != nil {
		out["user"] = s.User
	}
	out["expires"] = s.Expires.UTC().Format(time.RFC3339Nano)
	return json.Marshal(out)
}

// SessionParams is passed to the Session callback. Token is set for jwt
// sessions and User for database sessions.
type SessionParams struct {
	Session    Session
	Token      token.Claims
	User       *model.User
	Trigger    Trigger
	NewSession map[string]any
}

// Callbacks are hooks that shape sign-in decisions, redirects and session
// content. Every field is optional.
type Callbacks struct {
	SignIn func(ctx context.Context, p SignInParams) (SignInDecision, error)
	// Redirect approves the final browser redirect. base is the deployment
	// origin. The default only allows same-origin URLs.
	Redirect func(ctx context.Context, target, base string) (string, error)
	// JWT returns the claims to store. Returning nil ends the session.
	JWT     func(ctx context.Context, p JWTParams) (token.Claims, error)
	Session func(ctx context.Context, p SessionParams) (Session, error)
}

// SignInEvent is emitted after a successful sign-in.
type SignInEvent struct {
	User      model.User
	Account   *model.Account
	Profile   provider.Profile
	IsNewUser bool
}

// SignOutEvent carries the token (jwt) or session (database) being ended.
type SignOutEvent struct {
	Token   token.Claims
	Session *model.Session
}

// Events are notified after the fact. Errors are logged and ignored.
type Events struct {
	SignIn      func(ctx context.Context, e SignInEvent) error
	SignOut     func(ctx context.Context, e SignOutEvent) error
	CreateUser  func(ctx context.Context, u model.User) error
	UpdateUser  func(ctx context.Context, u model.User) error
	LinkAccount func(ctx context.Context, u model.User, a model.Account) error
	Session     func(ctx context.Context, s Session) error
}

// Experimental gates features that are still settling.
type Experimental struct {
	EnableWebAuthn bool
}

// Config configures an Auth instance.
type Config struct {
	// Secrets encrypt tokens and cookies. The first one is used to encrypt;
	// every one is tried to decrypt, which allows rotation.
	Secrets []string
	// URL is the public URL of the auth endpoints, e.g.
	// https://app.example.com/auth. Its path overrides BasePath.
	URL      string
	BasePath string
	// TrustHost derives the origin from X-Forwarded-* headers when URL is
	// not set.
	TrustHost bool

	Providers []provider.Provider
	// Adapter is a storage value implementing any subset of the adapter
	// capability interfaces.
	Adapter any

	Session   SessionConfig
	Callbacks Callbacks
	Events    Events
	Pages     Pages

	// Cookies overrides individual cookie names and options.
	Cookies      cookie.Cookies
	CookiePrefix string
	// UseSecureCookies forces secure cookies; otherwise they follow the
	// scheme of the origin.
	UseSecureCookies *bool

	Experimental Experimental

	Logger *slog.Logger
	Now    func() time.Time
}
