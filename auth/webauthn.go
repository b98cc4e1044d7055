package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"

	"authkit/adapter"
	"authkit/autherr"
	"authkit/checks"
	"authkit/model"
	"authkit/provider"
)

// WebAuthnAction is the ceremony a passkey request runs.
type WebAuthnAction string

const (
	WebAuthnRegister     WebAuthnAction = "register"
	WebAuthnAuthenticate WebAuthnAction = "authenticate"
)

// webAuthnUser is what is known about the user behind an options request.
type webAuthnUser struct {
	user model.User
	// exists is whether the user is stored already.
	exists bool
}

// inferWebAuthnOptions picks the ceremony for an options request, or ""
// when the request is ambiguous. Signed-in users must ask explicitly.
func inferWebAuthnOptions(action WebAuthnAction, loggedIn bool, info *webAuthnUser) WebAuthnAction {
	exists := info != nil && info.exists
	switch action {
	case WebAuthnAuthenticate:
		return WebAuthnAuthenticate
	case WebAuthnRegister:
		if info != nil && loggedIn == exists {
			return WebAuthnRegister
		}
	case "":
		if loggedIn {
			return ""
		}
		if info != nil && !exists {
			return WebAuthnRegister
		}
		return WebAuthnAuthenticate
	}
	return ""
}

func (a *Auth) passkeysFor(f *flow, p *provider.WebAuthnConfig) (provider.Passkeys, error) {
	key := p.ID() + "|" + f.origin.String()
	a.mu.Lock()
	defer a.mu.Unlock()
	if pk, ok := a.passkeys[key]; ok {
		return pk, nil
	}
	pk, err := provider.NewPasskeys(p, f.origin.Hostname(), []string{f.origin.String()})
	if err != nil {
		return nil, autherr.Wrap(autherr.InvalidProvider, err)
	}
	a.passkeys[key] = pk
	return pk, nil
}

func (a *Auth) credentials(ctx context.Context, userID string) ([]webauthn.Credential, error) {
	records, err := a.store.Authenticators.ListAuthenticatorsByUserID(ctx, userID)
	if err != nil && !errors.Is(err, adapter.ErrNotFound) {
		return nil, storeErr("list authenticators", err)
	}
	creds, err := provider.DecodeCredentials(records)
	if err != nil {
		return nil, autherr.Wrap(autherr.AdapterError, err)
	}
	return creds, nil
}

// webAuthnOptionsAction returns registration or authentication options and
// seals the challenge into a cookie.
func (a *Auth) webAuthnOptionsAction(ctx context.Context, f *flow) error {
	p, ok := f.provider.(*provider.WebAuthnConfig)
	if !ok {
		return autherr.Newf(autherr.InvalidProvider, "provider %q is not a webauthn provider", f.req.ProviderID)
	}
	pk, err := a.passkeysFor(f, p)
	if err != nil {
		return err
	}
	cur, err := a.currentUser(ctx, f)
	if err != nil {
		return err
	}

	var info *webAuthnUser
	q := f.req.URL.Query()
	if cur.user != nil {
		info = &webAuthnUser{user: *cur.user, exists: true}
	} else if raw := q.Get("email"); raw != "" {
		email, err := provider.NormalizeEmail(raw)
		if err != nil {
			f.res.json(http.StatusBadRequest, map[string]string{"message": "Invalid WebAuthn options request."})
			return nil
		}
		u, err := a.store.Users.GetUserByEmail(ctx, email)
		switch {
		case err == nil:
			info = &webAuthnUser{user: u, exists: true}
		case errors.Is(err, adapter.ErrNotFound):
			info = &webAuthnUser{user: model.User{Email: email, Name: q.Get("name")}}
		default:
			return storeErr("get user by email", err)
		}
	}

	switch inferWebAuthnOptions(WebAuthnAction(q.Get("action")), cur.user != nil, info) {
	case WebAuthnAuthenticate:
		return a.authenticationOptions(ctx, f, p, pk, info)
	case WebAuthnRegister:
		return a.registrationOptions(ctx, f, pk, info)
	}
	f.res.json(http.StatusBadRequest, map[string]string{"message": "Invalid WebAuthn options request."})
	return nil
}

func (a *Auth) authenticationOptions(ctx context.Context, f *flow, p *provider.WebAuthnConfig, pk provider.Passkeys, info *webAuthnUser) error {
	var (
		assertion *protocol.CredentialAssertion
		session   *webauthn.SessionData
		err       error
	)
	if info != nil && info.exists {
		creds, cerr := a.credentials(ctx, info.user.ID)
		if cerr != nil {
			return cerr
		}
		if len(creds) > 0 {
			assertion, session, err = pk.BeginLogin(&provider.PasskeyUser{User: info.user, Credentials: creds})
		}
	}
	if assertion == nil && err == nil {
		assertion, session, err = pk.BeginDiscoverableLogin()
	}
	if err != nil {
		return autherr.Wrap(autherr.WebAuthnVerificationError, fmt.Errorf("begin login: %w", err))
	}
	if err := a.sealChallenge(f, session, nil); err != nil {
		return err
	}
	body := map[string]any{"action": WebAuthnAuthenticate, "options": assertion}
	if p.EnableConditionalUI {
		body["mediation"] = "conditional"
	}
	f.res.json(http.StatusOK, body)
	return nil
}

func (a *Auth) registrationOptions(ctx context.Context, f *flow, pk provider.Passkeys, info *webAuthnUser) error {
	user := info.user
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	var creds []webauthn.Credential
	if info.exists {
		var err error
		if creds, err = a.credentials(ctx, user.ID); err != nil {
			return err
		}
	}
	opts := []webauthn.RegistrationOption{
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
	}
	if len(creds) > 0 {
		opts = append(opts, webauthn.WithExclusions(webauthn.Credentials(creds).CredentialDescriptors()))
	}
	creation, session, err := pk.BeginRegistration(&provider.PasskeyUser{User: user, Credentials: creds}, opts...)
	if err != nil {
		return autherr.Wrap(autherr.WebAuthnVerificationError, fmt.Errorf("begin registration: %w", err))
	}
	if err := a.sealChallenge(f, session, &user); err != nil {
		return err
	}
	f.res.json(http.StatusOK, map[string]any{"action": WebAuthnRegister, "options": creation})
	return nil
}

func (a *Auth) sealChallenge(f *flow, session *webauthn.SessionData, register *model.User) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return autherr.Wrap(autherr.Configuration, err)
	}
	c, err := f.checks.CreateChallenge(checks.Challenge{
		Challenge:    session.Challenge,
		Session:      raw,
		RegisterData: register,
	})
	if err != nil {
		return err
	}
	f.res.SetCookie(c)
	return nil
}

// webAuthnCallback verifies a posted ceremony response against the sealed
// challenge and signs the user in.
func (a *Auth) webAuthnCallback(ctx context.Context, f *flow, p *provider.WebAuthnConfig) error {
	if f.req.Method != http.MethodPost {
		return autherr.New(autherr.WebAuthnVerificationError, "passkey responses must be posted")
	}
	action := WebAuthnAction(f.req.Body.Get("action"))
	data := f.req.Body.Get("data")
	if data == "" && f.req.Data != nil {
		raw, err := json.Marshal(f.req.Data)
		if err != nil {
			return autherr.Wrap(autherr.WebAuthnVerificationError, err)
		}
		data = string(raw)
	}

	ch, err := f.checks.UseChallenge(f.req.Cookies, f.res)
	if err != nil {
		return err
	}
	if data == "" {
		return autherr.New(autherr.WebAuthnVerificationError, "credential response missing")
	}
	var session webauthn.SessionData
	if err := json.Unmarshal(ch.Session, &session); err != nil {
		return autherr.Wrap(autherr.InvalidCheck, fmt.Errorf("challenge session: %w", err))
	}
	pk, err := a.passkeysFor(f, p)
	if err != nil {
		return err
	}
	cur, err := a.currentUser(ctx, f)
	if err != nil {
		return err
	}

	var (
		user         model.User
		credentialID string
		authn        *model.Authenticator
	)
	switch action {
	case WebAuthnAuthenticate:
		user, credentialID, err = a.verifyAuthentication(ctx, pk, session, []byte(data))
	case WebAuthnRegister:
		if ch.RegisterData == nil {
			return autherr.New(autherr.WebAuthnVerificationError, "challenge was not issued for a registration")
		}
		user = *ch.RegisterData
		authn, err = verifyRegistration(pk, session, user, []byte(data))
		if authn != nil {
			credentialID = authn.CredentialID
		}
	default:
		return autherr.Newf(autherr.WebAuthnVerificationError, "unknown webauthn action %q", action)
	}
	if err != nil {
		return err
	}
	acct := model.Account{
		UserID:            user.ID,
		Type:              model.AccountWebAuthn,
		Provider:          p.ID(),
		ProviderAccountID: credentialID,
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
	if authn != nil {
		authn.UserID = result.user.ID
		if err := a.store.Authenticators.CreateAuthenticator(ctx, *authn); err != nil {
			return storeErr("create authenticator", err)
		}
	}
	return a.completeSignIn(ctx, f, result)
}

// verifyAuthentication checks an assertion and returns the stored user and
// credential id behind it. The signature counter is persisted on success.
func (a *Auth) verifyAuthentication(ctx context.Context, pk provider.Passkeys, session webauthn.SessionData, data []byte) (model.User, string, error) {
	parsed, err := pk.ParseAssertion(data)
	if err != nil {
		return model.User{}, "", autherr.Wrap(autherr.WebAuthnVerificationError, fmt.Errorf("parse assertion: %w", err))
	}
	credentialID := provider.EncodeCredentialID(parsed.RawID)
	stored, err := a.store.Authenticators.GetAuthenticator(ctx, credentialID)
	if errors.Is(err, adapter.ErrNotFound) {
		return model.User{}, "", autherr.Newf(autherr.WebAuthnVerificationError, "unknown credential %s", credentialID)
	}
	if err != nil {
		return model.User{}, "", storeErr("get authenticator", err)
	}
	user, err := a.store.Users.GetUser(ctx, stored.UserID)
	if err != nil {
		if errors.Is(err, adapter.ErrNotFound) {
			return model.User{}, "", autherr.Newf(autherr.WebAuthnVerificationError, "credential %s has no user", credentialID)
		}
		return model.User{}, "", storeErr("get user", err)
	}
	creds, err := a.credentials(ctx, user.ID)
	if err != nil {
		return model.User{}, "", err
	}
	pu := &provider.PasskeyUser{User: user, Credentials: creds}

	var cred *webauthn.Credential
	if len(session.UserID) > 0 {
		cred, err = pk.ValidateLogin(pu, session, parsed)
	} else {
		_, cred, err = pk.ValidatePasskeyLogin(func(_, userHandle []byte) (webauthn.User, error) {
			if string(userHandle) != user.ID {
				return nil, fmt.Errorf("user handle does not own credential %s", credentialID)
			}
			return pu, nil
		}, session, parsed)
	}
	if err != nil {
		return model.User{}, "", autherr.Wrap(autherr.WebAuthnVerificationError, err)
	}
	if err := a.store.Authenticators.UpdateAuthenticatorCounter(ctx, credentialID, cred.Authenticator.SignCount); err != nil {
		return model.User{}, "", storeErr("update authenticator counter", err)
	}
	return user, stored.ProviderAccountID, nil
}

// verifyRegistration checks an attestation and returns the authenticator to
// store once the user is known.
func verifyRegistration(pk provider.Passkeys, session webauthn.SessionData, user model.User, data []byte) (*model.Authenticator, error) {
	parsed, err := pk.ParseAttestation(data)
	if err != nil {
		return nil, autherr.Wrap(autherr.WebAuthnVerificationError, fmt.Errorf("parse attestation: %w", err))
	}
	cred, err := pk.CreateCredential(&provider.PasskeyUser{User: user}, session, parsed)
	if err != nil {
		return nil, autherr.Wrap(autherr.WebAuthnVerificationError, err)
	}
	authn, err := provider.AuthenticatorFromCredential(user.ID, cred)
	if err != nil {
		return nil, autherr.Wrap(autherr.WebAuthnVerificationError, err)
	}
	return &authn, nil
}
