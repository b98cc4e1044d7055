package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"authkit/autherr"
	"authkit/cookie"
)

// initCSRF reads the double-submit cookie, "token|hash(token+secret)", or
// issues a new one. The token is valid when the request echoes it in the
// csrfToken field.
func (a *Auth) initCSRF(f *flow) {
	raw := f.req.Cookies[f.cookies.CSRFToken.Name]
	if tok, hash, ok := strings.Cut(raw, "|"); ok && a.csrfHashMatches(tok, hash) {
		f.csrfToken = tok
		posted := f.req.Body.Get("csrfToken")
		f.csrfValid = f.req.Method == http.MethodPost && posted != "" &&
			subtle.ConstantTimeCompare([]byte(posted), []byte(tok)) == 1
		return
	}

	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	f.csrfToken = hex.EncodeToString(buf)
	value := f.csrfToken + "|" + hashToken(f.csrfToken, a.cfg.Secrets[0])
	// No expiry: the token lives as long as the browser session.
	f.res.SetCookie(cookie.Build(f.cookies.CSRFToken, f.cookies.CSRFToken.Name, value, time.Time{}))
}

func (a *Auth) csrfHashMatches(tok, hash string) bool {
	for _, s := range a.cfg.Secrets {
		if subtle.ConstantTimeCompare([]byte(hashToken(tok, s)), []byte(hash)) == 1 {
			return true
		}
	}
	return false
}

// requireCSRF fails state-changing requests that did not echo the token.
func requireCSRF(f *flow) error {
	if !f.csrfValid {
		return autherr.New(autherr.MissingCSRF, "CSRF token was missing or did not match")
	}
	return nil
}
