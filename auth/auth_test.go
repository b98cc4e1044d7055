package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"authkit/adapter"
	"authkit/adapter/memory"
	"authkit/autherr"
	"authkit/model"
	"authkit/provider"
	"authkit/provider/oidctest"
	"authkit/token"
)

const appURL = "http://app.test"

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// browser replays cookies between Handle calls the way a user agent would.
type browser struct {
	t   *testing.T
	a   *Auth
	jar map[string]string
}

func newBrowser(t *testing.T, a *Auth) *browser {
	return &browser{t: t, a: a, jar: map[string]string{}}
}

func (b *browser) do(method, target string, form url.Values) *Response {
	b.t.Helper()
	u, err := url.Parse(appURL + target)
	require.NoError(b.t, err)
	if form == nil {
		form = url.Values{}
	}
	cookies := make(map[string]string, len(b.jar))
	for k, v := range b.jar {
		cookies[k] = v
	}
	res := b.a.Handle(context.Background(), &Request{
		URL:     u,
		Method:  method,
		Headers: http.Header{},
		Cookies: cookies,
		Body:    form,
	})
	for _, c := range res.Cookies {
		if c.MaxAge < 0 {
			delete(b.jar, c.Name)
			continue
		}
		b.jar[c.Name] = c.Value
	}
	return res
}

func (b *browser) get(target string) *Response { return b.do(http.MethodGet, target, nil) }

func (b *browser) post(target string, form url.Values) *Response {
	return b.do(http.MethodPost, target, form)
}

func (b *browser) csrf() string {
	b.t.Helper()
	res := b.get("/auth/csrf")
	require.Equal(b.t, http.StatusOK, res.Status)
	body, ok := res.Body.(map[string]string)
	require.True(b.t, ok)
	require.NotEmpty(b.t, body["csrfToken"])
	return body["csrfToken"]
}

func (b *browser) hasSession() bool {
	for name := range b.jar {
		if strings.HasPrefix(name, "authkit.session-token") {
			return true
		}
	}
	return false
}

func oidcProvider(op *oidctest.Server) *provider.OIDCConfig {
	return &provider.OIDCConfig{
		OAuth2Config: provider.OAuth2Config{ProviderID: "test", ClientID: op.ClientID, ClientSecret: "shh"},
		Issuer:       op.Issuer(),
	}
}

func newAuth(t *testing.T, store *memory.Store, mutate func(*Config), providers ...provider.Provider) *Auth {
	t.Helper()
	cfg := Config{
		Secrets:   []string{"secret-one"},
		URL:       appURL + "/auth",
		Providers: providers,
		Logger:    testLogger(),
	}
	if store != nil {
		cfg.Adapter = store
	}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	return a
}

// oauthSignIn drives the browser to the provider and returns the code and
// state the provider sends back.
func oauthSignIn(t *testing.T, b *browser, op *oidctest.Server, g oidctest.Grant) (code, state string) {
	t.Helper()
	res := b.post("/auth/signin/test", url.Values{"csrfToken": {b.csrf()}, "callbackUrl": {"/dashboard"}})
	require.Equal(t, http.StatusFound, res.Status)
	require.True(t, strings.HasPrefix(res.Redirect, op.URL+"/authorize?"), res.Redirect)
	return op.Authorize(t, res.Redirect, g)
}

func TestOIDCSignInCreatesUser(t *testing.T) {
	op := oidctest.New(t, "client-1")
	store := memory.New()
	var events []string
	a := newAuth(t, store, func(c *Config) {
		c.Events.CreateUser = func(context.Context, model.User) error {
			events = append(events, "createUser")
			return nil
		}
		c.Events.SignIn = func(_ context.Context, e SignInEvent) error {
			if e.IsNewUser {
				events = append(events, "signIn")
			}
			return nil
		}
	}, oidcProvider(op))
	b := newBrowser(t, a)

	code, state := oauthSignIn(t, b, op, oidctest.Grant{Subject: "123", Email: "new@x.com", Name: "New"})
	res := b.get("/auth/callback/test?" + url.Values{"code": {code}, "state": {state}}.Encode())
	require.Equal(t, http.StatusFound, res.Status)
	require.Equal(t, appURL+"/dashboard", res.Redirect)
	require.True(t, b.hasSession())
	require.Equal(t, []string{"createUser", "signIn"}, events)

	user, err := store.GetUserByAccount(context.Background(), "test", "123")
	require.NoError(t, err)
	require.Equal(t, "new@x.com", user.Email)
	require.NotEqual(t, "123", user.ID)

	res = b.get("/auth/session")
	require.Equal(t, http.StatusOK, res.Status)
	sess, ok := res.Body.(Session)
	require.True(t, ok)
	require.Equal(t, "new@x.com", sess.User.Email)

	// Signing in again reuses the linked account.
	code, state = oauthSignIn(t, b, op, oidctest.Grant{Subject: "123", Email: "new@x.com"})
	res = b.get("/auth/callback/test?" + url.Values{"code": {code}, "state": {state}}.Encode())
	require.Equal(t, appURL+"/dashboard", res.Redirect)
}

func TestOIDCStateMismatch(t *testing.T) {
	op := oidctest.New(t, "client-1")
	store := memory.New()
	a := newAuth(t, store, nil, oidcProvider(op))
	b := newBrowser(t, a)

	code, _ := oauthSignIn(t, b, op, oidctest.Grant{Subject: "123", Email: "new@x.com"})
	res := b.get("/auth/callback/test?" + url.Values{"code": {code}, "state": {"forged"}}.Encode())
	require.Equal(t, http.StatusFound, res.Status)
	require.Equal(t, appURL+"/auth/error?error=InvalidCheck", res.Redirect)
	require.False(t, b.hasSession())
	require.Zero(t, op.TokenRequests.Load())

	for name := range b.jar {
		require.NotContains(t, name, "state")
		require.NotContains(t, name, "pkce")
		require.NotContains(t, name, "nonce")
	}
	_, err := store.GetUserByEmail(context.Background(), "new@x.com")
	require.ErrorIs(t, err, adapter.ErrNotFound)
}

func TestOIDCAccountNotLinked(t *testing.T) {
	op := oidctest.New(t, "client-1")
	store := memory.New()
	existing, err := store.CreateUser(context.Background(), model.User{Email: "a@x.com"})
	require.NoError(t, err)

	a := newAuth(t, store, nil, oidcProvider(op))
	b := newBrowser(t, a)
	code, state := oauthSignIn(t, b, op, oidctest.Grant{Subject: "999", Email: "a@x.com"})
	res := b.get("/auth/callback/test?" + url.Values{"code": {code}, "state": {state}}.Encode())
	require.Equal(t, appURL+"/auth/signin?error=OAuthAccountNotLinked", res.Redirect)
	require.False(t, b.hasSession())

	_, err = store.GetUserByAccount(context.Background(), "test", "999")
	require.ErrorIs(t, err, adapter.ErrNotFound)

	// Opting in links the identity to the existing user.
	p := oidcProvider(op)
	p.AllowDangerousEmailAccountLinking = true
	a = newAuth(t, store, nil, p)
	b = newBrowser(t, a)
	code, state = oauthSignIn(t, b, op, oidctest.Grant{Subject: "999", Email: "a@x.com"})
	res = b.get("/auth/callback/test?" + url.Values{"code": {code}, "state": {state}}.Encode())
	require.Equal(t, appURL+"/dashboard", res.Redirect)

	linked, err := store.GetUserByAccount(context.Background(), "test", "999")
	require.NoError(t, err)
	require.Equal(t, existing.ID, linked.ID)
}

func TestSignInRequiresCSRF(t *testing.T) {
	op := oidctest.New(t, "client-1")
	a := newAuth(t, nil, nil, oidcProvider(op))
	b := newBrowser(t, a)
	b.csrf()

	res := b.post("/auth/signin/test", url.Values{"csrfToken": {"wrong"}})
	require.Equal(t, http.StatusBadRequest, res.Status)
	require.Equal(t, map[string]string{"error": string(autherr.MissingCSRF)}, res.Body)
}

func TestOAuthSignInDiscoveryFailure(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	issuer := dead.URL
	dead.Close()

	a := newAuth(t, nil, nil, &provider.OIDCConfig{
		OAuth2Config: provider.OAuth2Config{ProviderID: "test", ClientID: "client-1"},
		Issuer:       issuer,
	})
	b := newBrowser(t, a)
	res := b.post("/auth/signin/test", url.Values{"csrfToken": {b.csrf()}, "callbackUrl": {"/dashboard"}})
	require.Equal(t, http.StatusFound, res.Status)
	require.Equal(t, appURL+"/auth/signin?error=OAuthSignInError", res.Redirect)
	for name := range b.jar {
		require.NotContains(t, name, "state")
		require.NotContains(t, name, "pkce")
	}
}

func TestJWTSessionLifecycle(t *testing.T) {
	op := oidctest.New(t, "client-1")
	var triggers []Trigger
	var signedOut bool
	a := newAuth(t, nil, func(c *Config) {
		c.Callbacks.JWT = func(_ context.Context, p JWTParams) (token.Claims, error) {
			triggers = append(triggers, p.Trigger)
			if p.Trigger == TriggerUpdate {
				p.Token["name"] = p.Session["name"]
			}
			return p.Token, nil
		}
		c.Events.SignOut = func(_ context.Context, e SignOutEvent) error {
			signedOut = e.Token != nil
			return nil
		}
	}, oidcProvider(op))
	b := newBrowser(t, a)

	code, state := oauthSignIn(t, b, op, oidctest.Grant{Subject: "123", Email: "j@x.com", Name: "Jay"})
	res := b.get("/auth/callback/test?" + url.Values{"code": {code}, "state": {state}}.Encode())
	require.Equal(t, appURL+"/dashboard", res.Redirect)
	require.True(t, b.hasSession())

	res = b.get("/auth/session")
	sess := res.Body.(Session)
	require.Equal(t, "Jay", sess.User.Name)

	tok := b.csrf()
	u, _ := url.Parse(appURL + "/auth/session")
	cookies := map[string]string{}
	for k, v := range b.jar {
		cookies[k] = v
	}
	res = a.Handle(context.Background(), &Request{
		URL:     u,
		Method:  http.MethodPost,
		Headers: http.Header{},
		Cookies: cookies,
		Body:    url.Values{"csrfToken": {tok}},
		Data:    map[string]any{"name": "Renamed"},
	})
	require.Equal(t, http.StatusOK, res.Status)
	require.Equal(t, "Renamed", res.Body.(Session).User.Name)
	require.Equal(t, []Trigger{TriggerSignIn, "", TriggerUpdate}, triggers)

	res = b.post("/auth/signout", url.Values{"csrfToken": {tok}})
	require.Equal(t, http.StatusFound, res.Status)
	require.False(t, b.hasSession())
	require.True(t, signedOut)

	res = b.get("/auth/session")
	require.Nil(t, res.Body)
}

func TestJWTSessionMarksSignUp(t *testing.T) {
	op := oidctest.New(t, "client-1")
	store := memory.New()
	var triggers []Trigger
	var newUser []bool
	links := 0
	a := newAuth(t, store, func(c *Config) {
		c.Session.Strategy = StrategyJWT
		c.Callbacks.JWT = func(_ context.Context, p JWTParams) (token.Claims, error) {
			if p.Trigger == TriggerSignIn || p.Trigger == TriggerSignUp {
				triggers = append(triggers, p.Trigger)
				newUser = append(newUser, p.IsNewUser)
				p.Token["trigger"] = string(p.Trigger)
			}
			return p.Token, nil
		}
		c.Callbacks.Session = func(_ context.Context, p SessionParams) (Session, error) {
			s := p.Session
			s.Extra = map[string]any{"trigger": p.Token["trigger"]}
			return s, nil
		}
		c.Events.LinkAccount = func(context.Context, model.User, model.Account) error {
			links++
			return nil
		}
	}, oidcProvider(op))
	b := newBrowser(t, a)

	code, state := oauthSignIn(t, b, op, oidctest.Grant{Subject: "123", Email: "new@x.com"})
	res := b.get("/auth/callback/test?" + url.Values{"code": {code}, "state": {state}}.Encode())
	require.Equal(t, appURL+"/dashboard", res.Redirect)
	sess := b.get("/auth/session").Body.(Session)
	require.Equal(t, "signUp", sess.Extra["trigger"])

	code, state = oauthSignIn(t, b, op, oidctest.Grant{Subject: "123", Email: "new@x.com"})
	res = b.get("/auth/callback/test?" + url.Values{"code": {code}, "state": {state}}.Encode())
	require.Equal(t, appURL+"/dashboard", res.Redirect)
	sess = b.get("/auth/session").Body.(Session)
	require.Equal(t, "signIn", sess.Extra["trigger"])

	require.Equal(t, []Trigger{TriggerSignUp, TriggerSignIn}, triggers)
	require.Equal(t, []bool{true, false}, newUser)
	require.Equal(t, 1, links)
	user, err := store.GetUserByAccount(context.Background(), "test", "123")
	require.NoError(t, err)
	require.Equal(t, "new@x.com", user.Email)
}

func TestDatabaseSignOutDeletesSession(t *testing.T) {
	op := oidctest.New(t, "client-1")
	store := memory.New()
	a := newAuth(t, store, nil, oidcProvider(op))
	b := newBrowser(t, a)

	code, state := oauthSignIn(t, b, op, oidctest.Grant{Subject: "1", Email: "d@x.com"})
	b.get("/auth/callback/test?" + url.Values{"code": {code}, "state": {state}}.Encode())
	tok := b.jar["authkit.session-token"]
	require.NotEmpty(t, tok)

	res := b.post("/auth/signout", url.Values{"csrfToken": {b.csrf()}})
	require.Equal(t, http.StatusFound, res.Status)
	require.False(t, b.hasSession())
	_, _, err := store.GetSessionAndUser(context.Background(), tok)
	require.ErrorIs(t, err, adapter.ErrNotFound)
}

func TestEmailSignIn(t *testing.T) {
	store := memory.New()
	var sent provider.VerificationRequest
	email := &provider.EmailConfig{
		SendVerificationRequest: func(_ context.Context, req provider.VerificationRequest) error {
			sent = req
			return nil
		},
	}
	a := newAuth(t, store, nil, email)
	b := newBrowser(t, a)

	res := b.post("/auth/signin/email", url.Values{"csrfToken": {b.csrf()}, "email": {" Mail@X.com "}})
	require.Equal(t, http.StatusFound, res.Status)
	require.Equal(t, appURL+"/auth/verify-request?provider=email&type=email", res.Redirect)
	require.Equal(t, "mail@x.com", sent.Identifier)
	require.True(t, strings.HasPrefix(sent.URL, appURL+"/auth/callback/email?"))

	link := strings.TrimPrefix(sent.URL, appURL)
	res = b.get(link)
	require.Equal(t, http.StatusFound, res.Status)
	require.Equal(t, appURL, res.Redirect)
	require.True(t, b.hasSession())

	user, err := store.GetUserByEmail(context.Background(), "mail@x.com")
	require.NoError(t, err)
	require.NotNil(t, user.EmailVerified)

	// Links are single use.
	res = newBrowser(t, a).get(link)
	require.Equal(t, appURL+"/auth/error?error=Verification", res.Redirect)
}

func TestCredentialsSignIn(t *testing.T) {
	creds := &provider.CredentialsConfig{
		Fields: []string{"username", "password"},
		Authorize: func(_ context.Context, c map[string]string) (*model.User, error) {
			if c["username"] == "ada" && c["password"] == "pw" {
				return &model.User{ID: "u-ada", Name: "Ada"}, nil
			}
			return nil, nil
		},
	}
	a := newAuth(t, nil, nil, creds)

	b := newBrowser(t, a)
	res := b.post("/auth/callback/credentials", url.Values{"csrfToken": {b.csrf()}, "username": {"ada"}, "password": {"nope"}})
	require.Equal(t, appURL+"/auth/signin?error=CredentialsSignin", res.Redirect)
	require.False(t, b.hasSession())

	res = b.post("/auth/callback/credentials", url.Values{"csrfToken": {b.csrf()}, "username": {"ada"}, "password": {"pw"}})
	require.Equal(t, appURL, res.Redirect)
	require.True(t, b.hasSession())
	require.Equal(t, "Ada", b.get("/auth/session").Body.(Session).User.Name)
}

func TestCredentialsAuthorizeErrors(t *testing.T) {
	creds := &provider.CredentialsConfig{
		Authorize: func(_ context.Context, c map[string]string) (*model.User, error) {
			if c["username"] == "locked" {
				return nil, autherr.New(autherr.CredentialsSignin, "account locked")
			}
			return nil, errors.New("user directory unreachable")
		},
	}
	a := newAuth(t, nil, nil, creds)
	b := newBrowser(t, a)

	res := b.post("/auth/callback/credentials", url.Values{"csrfToken": {b.csrf()}, "username": {"locked"}})
	require.Equal(t, appURL+"/auth/signin?error=CredentialsSignin", res.Redirect)

	res = b.post("/auth/callback/credentials", url.Values{"csrfToken": {b.csrf()}, "username": {"ada"}})
	require.Equal(t, appURL+"/auth/error?error=Configuration", res.Redirect)
	require.False(t, b.hasSession())
}

func TestSignInCallbackDenies(t *testing.T) {
	op := oidctest.New(t, "client-1")
	store := memory.New()
	a := newAuth(t, store, func(c *Config) {
		c.Callbacks.SignIn = func(context.Context, SignInParams) (SignInDecision, error) {
			return SignInDecision{}, nil
		}
	}, oidcProvider(op))
	b := newBrowser(t, a)

	code, state := oauthSignIn(t, b, op, oidctest.Grant{Subject: "1", Email: "no@x.com"})
	res := b.get("/auth/callback/test?" + url.Values{"code": {code}, "state": {state}}.Encode())
	require.Equal(t, appURL+"/auth/error?error=AccessDenied", res.Redirect)
	_, err := store.GetUserByEmail(context.Background(), "no@x.com")
	require.ErrorIs(t, err, adapter.ErrNotFound)
}

func TestProvidersAndPages(t *testing.T) {
	op := oidctest.New(t, "client-1")
	a := newAuth(t, nil, nil, oidcProvider(op))
	b := newBrowser(t, a)

	res := b.get("/auth/providers")
	require.Equal(t, map[string]ProviderInfo{"test": {
		ID:          "test",
		Name:        "test",
		Type:        provider.TypeOIDC,
		SignInURL:   appURL + "/auth/signin/test",
		CallbackURL: appURL + "/auth/callback/test",
	}}, res.Body)

	res = b.get("/auth/signin")
	require.Equal(t, http.StatusOK, res.Status)
	require.Contains(t, string(res.Body.(htmlPage)), `action="http://app.test/auth/signin/test"`)

	res = b.get("/auth/error?error=AccessDenied")
	require.Equal(t, http.StatusForbidden, res.Status)

	res = b.get("/auth/nope")
	require.Equal(t, http.StatusBadRequest, res.Status)
}

func TestUntrustedCallbackURLFallsBack(t *testing.T) {
	op := oidctest.New(t, "client-1")
	a := newAuth(t, nil, nil, oidcProvider(op))
	b := newBrowser(t, a)

	res := b.post("/auth/signout", url.Values{"csrfToken": {b.csrf()}, "callbackUrl": {"https://evil.example/"}})
	require.Equal(t, appURL, res.Redirect)
}

func TestNewRejectsBadConfig(t *testing.T) {
	creds := &provider.CredentialsConfig{Authorize: func(context.Context, map[string]string) (*model.User, error) { return nil, nil }}
	tests := []struct {
		name string
		cfg  Config
		want autherr.Type
	}{
		{"no secret", Config{URL: appURL, Providers: []provider.Provider{creds}}, autherr.MissingSecret},
		{"untrusted host", Config{Secrets: []string{"s"}, Providers: []provider.Provider{creds}}, autherr.UntrustedHost},
		{"no providers", Config{Secrets: []string{"s"}, URL: appURL}, autherr.InvalidProvider},
		{"duplicate", Config{Secrets: []string{"s"}, URL: appURL, Providers: []provider.Provider{creds, creds}}, autherr.InvalidProvider},
		{"credentials with database", Config{
			Secrets: []string{"s"}, URL: appURL, Providers: []provider.Provider{creds},
			Adapter: memory.New(),
		}, autherr.UnsupportedStrategy},
		{"webauthn not enabled", Config{
			Secrets: []string{"s"}, URL: appURL, Providers: []provider.Provider{&provider.WebAuthnConfig{RPName: "App"}},
			Adapter: memory.New(),
		}, autherr.ExperimentalFeatureNotEnabled},
		{"email without adapter", Config{
			Secrets: []string{"s"}, URL: appURL,
			Providers: []provider.Provider{&provider.EmailConfig{
				SendVerificationRequest: func(context.Context, provider.VerificationRequest) error { return nil },
			}},
		}, autherr.MissingAdapter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.Logger = testLogger()
			_, err := New(context.Background(), tt.cfg)
			require.Error(t, err)
			require.Equal(t, tt.want, autherr.TypeOf(err))
		})
	}
}
