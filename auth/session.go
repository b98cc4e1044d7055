package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"authkit/adapter"
	"authkit/autherr"
	"authkit/cookie"
	"authkit/model"
	"authkit/provider"
	"authkit/token"
)

// signInResult is the resolved identity of a completed sign-in.
type signInResult struct {
	user      model.User
	account   *model.Account
	profile   provider.Profile
	isNewUser bool
	// current is the database session the request already carried for the
	// same user, reused instead of creating another.
	current *model.Session
}

// current describes who the request is signed in as, if anyone.
type current struct {
	user    *model.User
	session *model.Session
	claims  token.Claims
}

func (a *Auth) sessionStore(f *flow) *cookie.SessionStore {
	return cookie.NewSessionStore(f.cookies.SessionToken, f.req.Cookies, a.logger)
}

func (a *Auth) encodeSession(f *flow, claims token.Claims) (string, error) {
	raw, err := token.Encode(token.EncodeParams{
		Payload: claims,
		Secret:  a.cfg.Secrets[0],
		Salt:    f.cookies.SessionToken.Name,
		MaxAge:  a.cfg.Session.MaxAge,
		Now:     a.cfg.Now,
	})
	if err != nil {
		return "", autherr.Wrap(autherr.JWTSessionError, err)
	}
	return raw, nil
}

func (a *Auth) decodeSession(f *flow, raw string) (token.Claims, error) {
	claims, err := token.Decode(token.DecodeParams{
		Token:   raw,
		Secrets: a.cfg.Secrets,
		Salt:    f.cookies.SessionToken.Name,
		Now:     a.cfg.Now,
	})
	if err != nil {
		return nil, autherr.Wrap(autherr.JWTSessionError, err)
	}
	return claims, nil
}

// currentUser resolves the signed-in user of the request. Invalid or
// expired sessions count as signed out.
func (a *Auth) currentUser(ctx context.Context, f *flow) (current, error) {
	if a.strategy == StrategyDatabase {
		tok := f.req.Cookies[f.cookies.SessionToken.Name]
		if tok == "" {
			return current{}, nil
		}
		sess, user, err := a.store.Sessions.GetSessionAndUser(ctx, tok)
		if errors.Is(err, adapter.ErrNotFound) {
			return current{}, nil
		}
		if err != nil {
			return current{}, storeErr("get session", err)
		}
		if !sess.Expires.After(a.now()) {
			return current{}, nil
		}
		return current{user: &user, session: &sess}, nil
	}

	raw := a.sessionStore(f).Value()
	if raw == "" {
		return current{}, nil
	}
	claims, err := a.decodeSession(f, raw)
	if err != nil {
		a.logger.Debug("ignoring unreadable session", "error", err)
		return current{}, nil
	}
	sub := claims.String("sub")
	if sub == "" {
		return current{claims: claims}, nil
	}
	if a.store.Users == nil {
		return current{claims: claims, user: &model.User{
			ID:    sub,
			Name:  claims.String("name"),
			Email: claims.String("email"),
			Image: claims.String("picture"),
		}}, nil
	}
	user, err := a.store.Users.GetUser(ctx, sub)
	if errors.Is(err, adapter.ErrNotFound) {
		return current{claims: claims}, nil
	}
	if err != nil {
		return current{}, storeErr("get user", err)
	}
	return current{claims: claims, user: &user}, nil
}

// issueSession writes the session for a completed sign-in.
func (a *Auth) issueSession(ctx context.Context, f *flow, r signInResult) error {
	expires := a.now().Add(a.cfg.Session.MaxAge)

	if a.strategy == StrategyDatabase {
		sess := r.current
		if sess == nil {
			tok := uuid.NewString()
			if gen := a.cfg.Session.GenerateSessionToken; gen != nil {
				tok = gen()
			}
			created, err := a.store.Sessions.CreateSession(ctx, model.Session{
				SessionToken: tok,
				UserID:       r.user.ID,
				Expires:      expires,
			})
			if err != nil {
				return storeErr("create session", err)
			}
			sess = &created
		}
		spec := f.cookies.SessionToken
		f.res.SetCookie(cookie.Build(spec, spec.Name, sess.SessionToken, sess.Expires))
		return nil
	}

	trigger := TriggerSignIn
	if r.isNewUser {
		trigger = TriggerSignUp
	}
	claims, err := a.jwtCallback(ctx, JWTParams{
		Token:     defaultClaims(r.user),
		User:      &r.user,
		Account:   r.account,
		Profile:   r.profile,
		Trigger:   trigger,
		IsNewUser: r.isNewUser,
	})
	if err != nil {
		return err
	}
	store := a.sessionStore(f)
	if claims == nil {
		f.res.setCookies(store.Clean())
		return nil
	}
	raw, err := a.encodeSession(f, claims)
	if err != nil {
		return err
	}
	f.res.setCookies(store.Chunk(raw, expires))
	return nil
}

func defaultClaims(u model.User) token.Claims {
	c := token.Claims{"sub": u.ID}
	if u.Name != "" {
		c["name"] = u.Name
	}
	if u.Email != "" {
		c["email"] = u.Email
	}
	if u.Image != "" {
		c["picture"] = u.Image
	}
	return c
}

func (a *Auth) jwtCallback(ctx context.Context, p JWTParams) (token.Claims, error) {
	if a.cfg.Callbacks.JWT == nil {
		return p.Token, nil
	}
	claims, err := a.cfg.Callbacks.JWT(ctx, p)
	if err != nil {
		return nil, autherr.Wrap(autherr.JWTSessionError, err)
	}
	return claims, nil
}

func (a *Auth) sessionCallback(ctx context.Context, p SessionParams) (Session, error) {
	if a.cfg.Callbacks.Session == nil {
		return p.Session, nil
	}
	s, err := a.cfg.Callbacks.Session(ctx, p)
	if err != nil {
		return Session{}, autherr.Wrap(autherr.SessionTokenError, err)
	}
	return s, nil
}

// sessionAction returns the current session, or null. A POST updates it
// with the posted data.
func (a *Auth) sessionAction(ctx context.Context, f *flow) error {
	var trigger Trigger
	if f.req.Method == http.MethodPost {
		if err := requireCSRF(f); err != nil {
			return err
		}
		trigger = TriggerUpdate
	}
	if a.strategy == StrategyDatabase {
		return a.databaseSession(ctx, f, trigger)
	}

	store := a.sessionStore(f)
	raw := store.Value()
	if raw == "" {
		f.res.json(http.StatusOK, nil)
		return nil
	}
	signedOut := func(err error) error {
		if err != nil {
			a.logger.Warn("session rejected", "error", err, "type", autherr.TypeOf(err))
		}
		f.res.setCookies(store.Clean())
		f.res.json(http.StatusOK, nil)
		return nil
	}

	claims, err := a.decodeSession(f, raw)
	if err != nil {
		return signedOut(err)
	}
	claims, err = a.jwtCallback(ctx, JWTParams{Token: claims, Trigger: trigger, Session: f.req.Data})
	if err != nil || claims == nil {
		return signedOut(err)
	}

	expires := a.now().Add(a.cfg.Session.MaxAge)
	sess, err := a.sessionCallback(ctx, SessionParams{
		Session: Session{
			User: &SessionUser{
				ID:    claims.String("sub"),
				Name:  claims.String("name"),
				Email: claims.String("email"),
				Image: claims.String("picture"),
			},
			Expires: expires,
		},
		Token:      claims,
		Trigger:    trigger,
		NewSession: f.req.Data,
	})
	if err != nil {
		return signedOut(err)
	}

	fresh, err := a.encodeSession(f, claims)
	if err != nil {
		return signedOut(err)
	}
	f.res.setCookies(store.Chunk(fresh, expires))
	if a.cfg.Events.Session != nil {
		a.emit("session", func() error { return a.cfg.Events.Session(ctx, sess) })
	}
	f.res.json(http.StatusOK, sess)
	return nil
}

func (a *Auth) databaseSession(ctx context.Context, f *flow, trigger Trigger) error {
	spec := f.cookies.SessionToken
	tok := f.req.Cookies[spec.Name]
	if tok == "" {
		f.res.json(http.StatusOK, nil)
		return nil
	}
	signedOut := func() error {
		f.res.SetCookie(cookie.Clear(spec, spec.Name))
		f.res.json(http.StatusOK, nil)
		return nil
	}

	sess, user, err := a.store.Sessions.GetSessionAndUser(ctx, tok)
	if errors.Is(err, adapter.ErrNotFound) {
		return signedOut()
	}
	if err != nil {
		a.logger.Error("session lookup failed", "error", autherr.Wrap(autherr.SessionTokenError, err))
		return signedOut()
	}
	now := a.now()
	if !sess.Expires.After(now) {
		if err := a.store.Sessions.DeleteSession(ctx, tok); err != nil && !errors.Is(err, adapter.ErrNotFound) {
			a.logger.Warn("delete expired session", "error", err)
		}
		return signedOut()
	}

	// Extend once the session is UpdateAge old.
	dueAt := sess.Expires.Add(-a.cfg.Session.MaxAge).Add(a.cfg.Session.UpdateAge)
	if !now.Before(dueAt) {
		sess.Expires = now.Add(a.cfg.Session.MaxAge)
		updated, err := a.store.Sessions.UpdateSession(ctx, sess)
		if err != nil {
			return storeErr("update session", err)
		}
		sess = updated
	}

	out, err := a.sessionCallback(ctx, SessionParams{
		Session: Session{
			User:    &SessionUser{ID: user.ID, Name: user.Name, Email: user.Email, Image: user.Image},
			Expires: sess.Expires,
		},
		User:       &user,
		Trigger:    trigger,
		NewSession: f.req.Data,
	})
	if err != nil {
		a.logger.Error("session callback failed", "error", err)
		return signedOut()
	}
	f.res.SetCookie(cookie.Build(spec, spec.Name, sess.SessionToken, sess.Expires))
	if a.cfg.Events.Session != nil {
		a.emit("session", func() error { return a.cfg.Events.Session(ctx, out) })
	}
	f.res.json(http.StatusOK, out)
	return nil
}

// SessionFor returns the session of an incoming request, or nil when it is
// signed out. It runs the session action without the update branch, so the
// Session callback and event fire as for GET /session. The returned cookies
// carry the refreshed session and should be set on the response.
func (a *Auth) SessionFor(ctx context.Context, r *http.Request) (*Session, []*http.Cookie, error) {
	u := *r.URL
	if u.Host == "" {
		u.Host = r.Host
	}
	if u.Scheme == "" {
		u.Scheme = "http"
		if r.TLS != nil {
			u.Scheme = "https"
		}
	}
	req := &Request{
		URL:     &u,
		Method:  http.MethodGet,
		Headers: r.Header,
		Cookies: map[string]string{},
		Body:    url.Values{},
		Action:  ActionSession,
	}
	for _, c := range r.Cookies() {
		req.Cookies[c.Name] = c.Value
	}
	res := a.Handle(ctx, req)
	if res.Status != http.StatusOK {
		return nil, nil, fmt.Errorf("session lookup failed with status %d", res.Status)
	}
	// Only the session chunks matter to the caller; the csrf cookie a fresh
	// flow issues is dropped.
	var cookies []*http.Cookie
	for _, c := range res.Cookies {
		if strings.Contains(c.Name, "session-token") {
			cookies = append(cookies, c)
		}
	}
	sess, ok := res.Body.(Session)
	if !ok {
		return nil, cookies, nil
	}
	return &sess, cookies, nil
}
