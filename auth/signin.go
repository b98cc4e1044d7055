package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"

	"authkit/adapter"
	"authkit/autherr"
	"authkit/model"
	"authkit/provider"
)

func (a *Auth) signInAction(ctx context.Context, f *flow) error {
	if f.req.Method == http.MethodGet || f.provider == nil {
		return a.signInPage(f)
	}
	if err := requireCSRF(f); err != nil {
		return err
	}
	switch p := f.provider.(type) {
	case provider.OAuthLike:
		return a.oauthSignIn(ctx, f, p)
	case *provider.EmailConfig:
		return a.emailSignIn(ctx, f, p)
	}
	// Credentials and passkeys post straight to their callback.
	f.res.redirect(withQuery(f.baseURL+"/signin/"+f.provider.ID(), url.Values{"callbackUrl": {f.callbackURL}}))
	return nil
}

// oauthClient returns the protocol client for p at the redirect URL of this
// origin, discovering the provider on first use.
func (a *Auth) oauthClient(ctx context.Context, f *flow, p provider.OAuthLike) (*provider.Client, error) {
	redirectURL := f.baseURL + "/callback/" + p.ID()
	a.mu.Lock()
	c, ok := a.clients[redirectURL]
	a.mu.Unlock()
	if ok {
		return c, nil
	}
	c, err := provider.NewClient(ctx, p, redirectURL, a.logger)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.clients[redirectURL] = c
	a.mu.Unlock()
	return c, nil
}

// oauthSignIn starts the authorization redirect. Anything that fails before
// the browser leaves for the provider is an OAuthSignInError; the cause stays
// in the chain for the server log.
func (a *Auth) oauthSignIn(ctx context.Context, f *flow, p provider.OAuthLike) error {
	client, err := a.oauthClient(ctx, f, p)
	if err != nil {
		return autherr.Wrap(autherr.OAuthSignInError, err)
	}
	policy := p.Policy()
	pkce, err := f.checks.CreatePKCE(policy)
	if err != nil {
		return autherr.Wrap(autherr.OAuthSignInError, err)
	}
	state, err := f.checks.CreateState(policy, "")
	if err != nil {
		return autherr.Wrap(autherr.OAuthSignInError, err)
	}
	nonce, err := f.checks.CreateNonce(policy)
	if err != nil {
		return autherr.Wrap(autherr.OAuthSignInError, err)
	}
	for _, c := range []*http.Cookie{pkce.Cookie, state.Cookie, nonce.Cookie} {
		if c != nil {
			f.res.SetCookie(c)
		}
	}

	authURL := client.AuthCodeURL(state.Value, nonce.Value, pkce.Value)
	a.logger.Debug("authorization redirect",
		"provider", p.ID(),
		"pkce", pkce.Value != "",
		"state", state.Value != "",
		"nonce", nonce.Value != "",
	)
	f.res.redirect(authURL)
	return nil
}

// authorizeSignIn runs the SignIn callback. It returns a redirect when the
// callback chose one.
func (a *Auth) authorizeSignIn(ctx context.Context, f *flow, p SignInParams) (string, error) {
	fn := a.cfg.Callbacks.SignIn
	if fn == nil {
		return "", nil
	}
	d, err := fn(ctx, p)
	if err != nil {
		return "", autherr.Wrap(autherr.AccessDenied, err)
	}
	if d.Redirect != "" {
		return a.redirect(ctx, d.Redirect, f.origin.String())
	}
	if !d.Allow {
		return "", autherr.New(autherr.AccessDenied, "sign-in was rejected by the SignIn callback")
	}
	return "", nil
}

func (a *Auth) emailSignIn(ctx context.Context, f *flow, p *provider.EmailConfig) error {
	identifier, err := p.Normalize(f.req.Body.Get("email"))
	if err != nil {
		return err
	}

	user, err := a.store.Users.GetUserByEmail(ctx, identifier)
	if errors.Is(err, adapter.ErrNotFound) {
		user, err = model.User{Email: identifier}, nil
	}
	if err != nil {
		return storeErr("get user by email", err)
	}
	acct := model.Account{
		UserID:            user.ID,
		Type:              model.AccountEmail,
		Provider:          p.ID(),
		ProviderAccountID: identifier,
	}
	redirect, err := a.authorizeSignIn(ctx, f, SignInParams{User: user, Account: &acct, VerificationRequest: true})
	if err != nil {
		return err
	}
	if redirect != "" {
		f.res.redirect(redirect)
		return nil
	}

	tok, err := newVerificationToken(p)
	if err != nil {
		return autherr.Wrap(autherr.EmailSignInError, err)
	}
	expires := a.now().Add(p.LinkMaxAge())
	err = a.store.VerificationTokens.CreateVerificationToken(ctx, model.VerificationToken{
		Identifier: identifier,
		Token:      hashToken(tok, a.cfg.Secrets[0]),
		Expires:    expires,
	})
	if err != nil {
		return storeErr("create verification token", err)
	}

	link := withQuery(f.baseURL+"/callback/"+p.ID(), url.Values{
		"callbackUrl": {f.callbackURL},
		"token":       {tok},
		"email":       {identifier},
	})
	err = p.SendVerificationRequest(ctx, provider.VerificationRequest{
		Identifier: identifier,
		URL:        link,
		Expires:    expires,
		Token:      tok,
		Provider:   p,
	})
	if err != nil {
		return autherr.Wrap(autherr.EmailSignInError, err)
	}
	a.logger.Info("verification request sent", "provider", p.ID())
	f.res.redirect(withQuery(a.pageURL(f, a.cfg.Pages.VerifyRequest, "verify-request"), url.Values{
		"provider": {p.ID()},
		"type":     {string(provider.TypeEmail)},
	}))
	return nil
}

func newVerificationToken(p *provider.EmailConfig) (string, error) {
	if p.GenerateVerificationToken != nil {
		return p.GenerateVerificationToken()
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// hashToken is the stored form of a verification token.
func hashToken(tok, secret string) string {
	sum := sha256.Sum256([]byte(tok + secret))
	return hex.EncodeToString(sum[:])
}
