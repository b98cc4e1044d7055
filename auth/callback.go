package auth

import (
	"cmp"
	"context"
	"errors"
	"net/http"
	"net/url"

	"authkit/adapter"
	"authkit/autherr"
	"authkit/model"
	"authkit/provider"
)

func (a *Auth) callbackAction(ctx context.Context, f *flow) error {
	switch p := f.provider.(type) {
	case provider.OAuthLike:
		return a.oauthCallback(ctx, f, p)
	case *provider.EmailConfig:
		return a.emailCallback(ctx, f, p)
	case *provider.CredentialsConfig:
		return a.credentialsCallback(ctx, f, p)
	case *provider.WebAuthnConfig:
		return a.webAuthnCallback(ctx, f, p)
	}
	return autherr.Newf(autherr.CallbackRouteError, "provider %q has no callback", f.req.ProviderID)
}

// callbackParams merges the query with a form_post body.
func callbackParams(req *Request) url.Values {
	params := req.URL.Query()
	if req.Method == http.MethodPost {
		for k, vs := range req.Body {
			params[k] = vs
		}
	}
	return params
}

// oauthCallback completes an authorization code flow: checks, code
// exchange, profile, user resolution and session.
func (a *Auth) oauthCallback(ctx context.Context, f *flow, p provider.OAuthLike) error {
	params := callbackParams(f.req)
	policy := p.Policy()

	// Every check cookie is consumed, and cleared, before any failure is
	// reported.
	_, stateErr := f.checks.UseState(policy, f.req.Cookies, f.res, params.Get("state"))
	verifier, pkceErr := f.checks.UsePKCE(policy, f.req.Cookies, f.res)
	nonce, nonceErr := f.checks.UseNonce(policy, f.req.Cookies, f.res)
	if err := cmp.Or(stateErr, pkceErr, nonceErr); err != nil {
		return err
	}

	if e := params.Get("error"); e != "" {
		return autherr.Newf(autherr.OAuthCallbackError, "provider returned %s: %s", e, params.Get("error_description"))
	}
	code := params.Get("code")
	if code == "" {
		return autherr.New(autherr.OAuthCallbackError, "authorization code missing in callback")
	}

	client, err := a.oauthClient(ctx, f, p)
	if err != nil {
		return err
	}
	tok, err := client.Exchange(ctx, code, verifier)
	if err != nil {
		return err
	}
	raw, err := client.FetchProfile(ctx, tok, nonce)
	if err != nil {
		return err
	}
	profile, err := client.MapProfile(raw, tok)
	if err != nil {
		return err
	}
	acct := client.Account("", profile.ID, tok)

	cur, err := a.currentUser(ctx, f)
	if err != nil {
		return err
	}
	redirect, err := a.authorizeSignIn(ctx, f, SignInParams{User: profile, Account: &acct, Profile: raw})
	if err != nil {
		return err
	}
	if redirect != "" {
		f.res.redirect(redirect)
		return nil
	}

	result, err := a.loginOrRegister(ctx, cur, profile, acct, p.OAuth().AllowDangerousEmailAccountLinking)
	if err != nil {
		return err
	}
	result.profile = raw
	a.logger.Info("oauth sign-in",
		"provider", p.ID(),
		"user_id", result.user.ID,
		"new_user", result.isNewUser,
	)
	return a.completeSignIn(ctx, f, result)
}

func (a *Auth) emailCallback(ctx context.Context, f *flow, p *provider.EmailConfig) error {
	params := callbackParams(f.req)
	tok, email := params.Get("token"), params.Get("email")
	if tok == "" || email == "" {
		return autherr.New(autherr.Verification, "token or email missing in verification link")
	}
	identifier, err := p.Normalize(email)
	if err != nil {
		return autherr.Wrap(autherr.Verification, err)
	}

	var vt model.VerificationToken
	found := false
	for _, secret := range a.cfg.Secrets {
		vt, err = a.store.VerificationTokens.UseVerificationToken(ctx, identifier, hashToken(tok, secret))
		if err == nil {
			found = true
			break
		}
		if !errors.Is(err, adapter.ErrNotFound) {
			return storeErr("use verification token", err)
		}
	}
	if !found {
		return autherr.New(autherr.Verification, "verification token is invalid or was already used")
	}
	if !vt.Expires.After(a.now()) {
		return autherr.New(autherr.Verification, "verification token has expired")
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

	cur, err := a.currentUser(ctx, f)
	if err != nil {
		return err
	}
	redirect, err := a.authorizeSignIn(ctx, f, SignInParams{User: user, Account: &acct})
	if err != nil {
		return err
	}
	if redirect != "" {
		f.res.redirect(redirect)
		return nil
	}
	result, err := a.loginOrRegister(ctx, cur, user, acct, false)
	if err != nil {
		return err
	}
	return a.completeSignIn(ctx, f, result)
}

// credentialsCallback signs in with posted form fields. Sessions are
// always jwt, so nothing is stored.
func (a *Auth) credentialsCallback(ctx context.Context, f *flow, p *provider.CredentialsConfig) error {
	if f.req.Method != http.MethodPost {
		return autherr.New(autherr.CredentialsSignin, "credentials must be posted")
	}
	if err := requireCSRF(f); err != nil {
		return err
	}
	creds := make(map[string]string, len(f.req.Body))
	for k := range f.req.Body {
		if k == "csrfToken" || k == "callbackUrl" {
			continue
		}
		creds[k] = f.req.Body.Get(k)
	}

	// Authorize reports bad credentials with a nil user, or with an error
	// typed CredentialsSignin. Any other error is a failure of the route.
	user, err := p.Authorize(ctx, creds)
	if err != nil {
		if autherr.HasType(err, autherr.CredentialsSignin) {
			return err
		}
		return autherr.Wrap(autherr.CallbackRouteError, err)
	}
	if user == nil {
		return autherr.New(autherr.CredentialsSignin, "credentials were rejected")
	}
	acct := model.Account{
		UserID:            user.ID,
		Type:              model.AccountCredentials,
		Provider:          p.ID(),
		ProviderAccountID: user.ID,
	}
	redirect, err := a.authorizeSignIn(ctx, f, SignInParams{User: *user, Account: &acct, Credentials: creds})
	if err != nil {
		return err
	}
	if redirect != "" {
		f.res.redirect(redirect)
		return nil
	}
	return a.completeSignIn(ctx, f, signInResult{user: *user, account: &acct})
}

// completeSignIn issues the session and redirects the browser.
func (a *Auth) completeSignIn(ctx context.Context, f *flow, r signInResult) error {
	if err := a.issueSession(ctx, f, r); err != nil {
		return err
	}
	if fn := a.cfg.Events.SignIn; fn != nil {
		a.emit("signIn", func() error {
			return fn(ctx, SignInEvent{User: r.user, Account: r.account, Profile: r.profile, IsNewUser: r.isNewUser})
		})
	}
	if r.isNewUser && a.cfg.Pages.NewUser != "" {
		f.res.redirect(withQuery(a.cfg.Pages.NewUser, url.Values{"callbackUrl": {f.callbackURL}}))
		return nil
	}
	f.res.redirect(f.callbackURL)
	return nil
}
