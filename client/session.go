// Package client lets applications behind the auth endpoints read the jwt
// session cookie without calling back into the auth service.
package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"authkit/cookie"
	"authkit/token"
)

// ErrNoSession is returned when the request carries no session cookie.
var ErrNoSession = errors.New("no session")

// ReaderConfig configures a SessionReader.
type ReaderConfig struct {
	// Secrets must match the auth service, newest first.
	Secrets []string
	// CookiePrefix must match the auth service; empty means the default.
	CookiePrefix string
	// SessionCookie overrides the derived cookie name.
	SessionCookie string
	Logger        *slog.Logger
	Now           func() time.Time
}

// SessionReader decrypts jwt session cookies, including chunked ones.
type SessionReader struct {
	cfg    ReaderConfig
	specs  []cookie.Spec
	logger *slog.Logger
}

// Session is the decoded view of a session cookie.
type Session struct {
	Subject   string
	Name      string
	Email     string
	Picture   string
	ExpiresAt time.Time
	Raw       token.Claims
}

// NewReader creates a reader. Both the secure and the plain cookie names are
// tried so the same reader works behind TLS termination.
func NewReader(cfg ReaderConfig) (*SessionReader, error) {
	if len(cfg.Secrets) == 0 {
		return nil, token.ErrMissingSecret
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	var specs []cookie.Spec
	if cfg.SessionCookie != "" {
		specs = []cookie.Spec{{Name: cfg.SessionCookie}}
	} else {
		specs = []cookie.Spec{
			cookie.Defaults(true, cfg.CookiePrefix).SessionToken,
			cookie.Defaults(false, cfg.CookiePrefix).SessionToken,
		}
	}
	return &SessionReader{cfg: cfg, specs: specs, logger: logger}, nil
}

// Read returns the session carried by r.
func (s *SessionReader) Read(r *http.Request) (*Session, error) {
	in := make(map[string]string)
	for _, c := range r.Cookies() {
		in[c.Name] = c.Value
	}
	for _, spec := range s.specs {
		raw := cookie.NewSessionStore(spec, in, s.logger).Value()
		if raw == "" {
			continue
		}
		claims, err := token.Decode(token.DecodeParams{
			Token:   raw,
			Secrets: s.cfg.Secrets,
			Salt:    spec.Name,
			Now:     s.cfg.Now,
		})
		if err != nil {
			return nil, err
		}
		return mapSession(claims), nil
	}
	return nil, ErrNoSession
}

func mapSession(c token.Claims) *Session {
	out := &Session{
		Subject: c.String("sub"),
		Name:    c.String("name"),
		Email:   c.String("email"),
		Picture: c.String("picture"),
		Raw:     c,
	}
	if exp, ok := c["exp"].(int64); ok {
		out.ExpiresAt = time.Unix(exp, 0)
	}
	return out
}

// RequireSession rejects requests without a valid session. With signInURL
// set, browsers are redirected there with a callbackUrl; otherwise they get
// 401.
func (s *SessionReader) RequireSession(signInURL string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, err := s.Read(r)
			if err != nil {
				if !errors.Is(err, ErrNoSession) {
					s.logger.Debug("session rejected", "error", err, "path", r.URL.Path)
				}
				if signInURL != "" && r.Method == http.MethodGet {
					target := signInURL + "?" + url.Values{"callbackUrl": {requestURL(r)}}.Encode()
					http.Redirect(w, r, target, http.StatusFound)
					return
				}
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
		})
	}
}

func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

type sessionKey struct{}

// WithSession stores sess on ctx.
func WithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, sess)
}

// SessionFromContext retrieves the session attached by RequireSession.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	sess, ok := ctx.Value(sessionKey{}).(*Session)
	return sess, ok
}
