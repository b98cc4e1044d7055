// Package cookie names and seals the cookies used by the auth flows.
package cookie

import (
	"net/http"
	"time"
)

// DefaultPrefix is prepended to every cookie name.
const DefaultPrefix = "authkit"

// CheckTTL is the lifetime of the sealed check cookies.
const CheckTTL = 15 * time.Minute

// Options are the attributes applied to an outgoing cookie.
type Options struct {
	Path     string
	Domain   string
	HTTPOnly bool
	Secure   bool
	SameSite http.SameSite
}

// Spec is a cookie name plus its attributes.
type Spec struct {
	Name    string
	Options Options
}

// Cookies lists every cookie an auth deployment may set.
type Cookies struct {
	SessionToken      Spec
	CallbackURL       Spec
	CSRFToken         Spec
	PKCECodeVerifier  Spec
	State             Spec
	Nonce             Spec
	WebAuthnChallenge Spec
}

// Defaults returns the cookie set for a deployment. Secure deployments get
// __Secure- names, and the CSRF cookie gets the stricter __Host- prefix.
func Defaults(secure bool, prefix string) Cookies {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	namePrefix := ""
	hostPrefix := ""
	if secure {
		namePrefix = "__Secure-"
		hostPrefix = "__Host-"
	}
	opts := Options{Path: "/", HTTPOnly: true, Secure: secure, SameSite: http.SameSiteLaxMode}
	spec := func(p, name string) Spec {
		return Spec{Name: p + prefix + "." + name, Options: opts}
	}
	return Cookies{
		SessionToken:      spec(namePrefix, "session-token"),
		CallbackURL:       spec(namePrefix, "callback-url"),
		CSRFToken:         spec(hostPrefix, "csrf-token"),
		PKCECodeVerifier:  spec(namePrefix, "pkce.code_verifier"),
		State:             spec(namePrefix, "state"),
		Nonce:             spec(namePrefix, "nonce"),
		WebAuthnChallenge: spec(namePrefix, "challenge"),
	}
}

// Merge overlays non-empty user supplied specs onto c.
func (c Cookies) Merge(override Cookies) Cookies {
	pick := func(base, o Spec) Spec {
		if o.Name == "" {
			return base
		}
		if o.Options == (Options{}) {
			o.Options = base.Options
		}
		return o
	}
	return Cookies{
		SessionToken:      pick(c.SessionToken, override.SessionToken),
		CallbackURL:       pick(c.CallbackURL, override.CallbackURL),
		CSRFToken:         pick(c.CSRFToken, override.CSRFToken),
		PKCECodeVerifier:  pick(c.PKCECodeVerifier, override.PKCECodeVerifier),
		State:             pick(c.State, override.State),
		Nonce:             pick(c.Nonce, override.Nonce),
		WebAuthnChallenge: pick(c.WebAuthnChallenge, override.WebAuthnChallenge),
	}
}

// Setter receives outgoing cookies.
type Setter interface {
	SetCookie(c *http.Cookie)
}

// Build renders a cookie with the options carried by spec.
func Build(spec Spec, name, value string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     spec.Options.Path,
		Domain:   spec.Options.Domain,
		HttpOnly: spec.Options.HTTPOnly,
		Secure:   spec.Options.Secure,
		SameSite: spec.Options.SameSite,
		Expires:  expires,
	}
}

// Clear returns a cookie that deletes name in the browser.
func Clear(spec Spec, name string) *http.Cookie {
	c := Build(spec, name, "", time.Unix(0, 0))
	c.MaxAge = -1
	return c
}

// IsClear reports whether c instructs the browser to delete the cookie.
func IsClear(c *http.Cookie) bool {
	return c.MaxAge < 0
}
