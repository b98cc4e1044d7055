package auth

import (
	"context"
	"errors"
	"net/http"

	"authkit/adapter"
	"authkit/autherr"
)

// signOutAction renders the confirmation page on GET and ends the session
// on POST. The session cookies are cleared even when storage fails.
func (a *Auth) signOutAction(ctx context.Context, f *flow) error {
	if f.req.Method == http.MethodGet {
		if a.cfg.Pages.SignOut != "" {
			f.res.redirect(a.cfg.Pages.SignOut)
			return nil
		}
		f.res.html(http.StatusOK, a.renderSignOut(f))
		return nil
	}
	if err := requireCSRF(f); err != nil {
		return err
	}

	store := a.sessionStore(f)
	event := SignOutEvent{}
	if a.strategy == StrategyDatabase {
		spec := f.cookies.SessionToken
		if tok := f.req.Cookies[spec.Name]; tok != "" {
			if a.cfg.Events.SignOut != nil {
				if sess, _, err := a.store.Sessions.GetSessionAndUser(ctx, tok); err == nil {
					event.Session = &sess
				}
			}
			err := a.store.Sessions.DeleteSession(ctx, tok)
			if err != nil && !errors.Is(err, adapter.ErrNotFound) {
				a.logger.Error("sign out failed", "error", autherr.Wrap(autherr.SignOutError, err))
			}
		}
	} else if raw := store.Value(); raw != "" {
		if claims, err := a.decodeSession(f, raw); err == nil {
			event.Token = claims
		}
	}
	f.res.setCookies(store.Clean())

	if fn := a.cfg.Events.SignOut; fn != nil && (event.Token != nil || event.Session != nil) {
		a.emit("signOut", func() error { return fn(ctx, event) })
	}
	f.res.redirect(f.callbackURL)
	return nil
}
