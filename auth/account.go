package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"authkit/adapter"
	"authkit/autherr"
	"authkit/model"
)

// loginOrRegister resolves the internal user for a provider identity. It
// links accounts, creates users and refuses unsafe links by email.
//
// Find-or-create is not atomic: two simultaneous first sign-ins for the
// same identity can both reach CreateUser. Adapters with unique
// constraints turn the loser into an AdapterError.
func (a *Auth) loginOrRegister(ctx context.Context, cur current, profile model.User, acct model.Account, allowEmailLinking bool) (signInResult, error) {
	res := signInResult{account: &acct}
	if !a.hasAdapter {
		res.user = profile
		return res, nil
	}
	users := a.store.Users

	if acct.Type == model.AccountEmail {
		existing, err := users.GetUserByEmail(ctx, profile.Email)
		switch {
		case err == nil:
			if cur.user != nil && cur.user.ID != existing.ID {
				return res, autherr.New(autherr.AccountNotLinked, "the email belongs to a different user than the signed-in one")
			}
			now := a.now()
			existing.EmailVerified = &now
			updated, err := users.UpdateUser(ctx, existing)
			if err != nil {
				return res, storeErr("update user", err)
			}
			a.onUpdateUser(ctx, updated)
			res.user = updated
		case errors.Is(err, adapter.ErrNotFound):
			now := a.now()
			created, err := a.createUser(ctx, model.User{
				ID:            uuid.NewString(),
				Name:          profile.Name,
				Email:         profile.Email,
				EmailVerified: &now,
				Image:         profile.Image,
			})
			if err != nil {
				return res, err
			}
			res.user, res.isNewUser = created, true
		default:
			return res, storeErr("get user by email", err)
		}
		res.current = sameUserSession(cur, res.user.ID)
		return res, nil
	}

	byAccount, err := users.GetUserByAccount(ctx, acct.Provider, acct.ProviderAccountID)
	if err != nil && !errors.Is(err, adapter.ErrNotFound) {
		return res, storeErr("get user by account", err)
	}
	if err == nil {
		if cur.user != nil && cur.user.ID != byAccount.ID {
			return res, notLinked(acct.Type, "the account is already linked to another user")
		}
		acct.UserID = byAccount.ID
		res.user = byAccount
		res.current = sameUserSession(cur, byAccount.ID)
		return res, nil
	}

	if cur.user != nil {
		// Signed in: attach the new identity to the current user.
		acct.UserID = cur.user.ID
		if err := a.linkAccount(ctx, *cur.user, acct); err != nil {
			return res, err
		}
		res.user, res.current = *cur.user, cur.session
		return res, nil
	}

	if profile.Email != "" {
		byEmail, err := users.GetUserByEmail(ctx, profile.Email)
		switch {
		case err == nil:
			if !allowEmailLinking {
				return res, notLinked(acct.Type, "another account already uses this email")
			}
			acct.UserID = byEmail.ID
			if err := a.linkAccount(ctx, byEmail, acct); err != nil {
				return res, err
			}
			res.user = byEmail
			return res, nil
		case !errors.Is(err, adapter.ErrNotFound):
			return res, storeErr("get user by email", err)
		}
	}

	newUser := model.User{Name: profile.Name, Email: profile.Email, Image: profile.Image}
	// A passkey is registered against the user handle issued with the
	// challenge, so that id is kept.
	if acct.Type == model.AccountWebAuthn {
		newUser.ID = profile.ID
	}
	if newUser.ID == "" {
		newUser.ID = uuid.NewString()
	}
	created, err := a.createUser(ctx, newUser)
	if err != nil {
		return res, err
	}
	acct.UserID = created.ID
	if err := a.linkAccount(ctx, created, acct); err != nil {
		return res, err
	}
	res.user, res.isNewUser = created, true
	return res, nil
}

func notLinked(t model.AccountType, msg string) error {
	if t == model.AccountOAuth || t == model.AccountOIDC {
		return autherr.New(autherr.OAuthAccountNotLinked, msg)
	}
	return autherr.New(autherr.AccountNotLinked, msg)
}

func sameUserSession(cur current, userID string) *model.Session {
	if cur.user != nil && cur.user.ID == userID {
		return cur.session
	}
	return nil
}

func (a *Auth) createUser(ctx context.Context, u model.User) (model.User, error) {
	created, err := a.store.Users.CreateUser(ctx, u)
	if err != nil {
		return model.User{}, adapter.Wrap(err)
	}
	if fn := a.cfg.Events.CreateUser; fn != nil {
		a.emit("createUser", func() error { return fn(ctx, created) })
	}
	return created, nil
}

func (a *Auth) linkAccount(ctx context.Context, u model.User, acct model.Account) error {
	if err := a.store.Accounts.LinkAccount(ctx, acct); err != nil {
		return adapter.Wrap(err)
	}
	if fn := a.cfg.Events.LinkAccount; fn != nil {
		a.emit("linkAccount", func() error { return fn(ctx, u, acct) })
	}
	return nil
}

func (a *Auth) onUpdateUser(ctx context.Context, u model.User) {
	if fn := a.cfg.Events.UpdateUser; fn != nil {
		a.emit("updateUser", func() error { return fn(ctx, u) })
	}
}
