package auth

import (
	"context"
	"net/url"
	"strings"

	"authkit/autherr"
	"authkit/cookie"
)

// initCallbackURL resolves where the browser goes after the action: the
// callbackUrl parameter, else the callback-url cookie, else the origin. The
// Redirect callback must approve it.
func (a *Auth) initCallbackURL(ctx context.Context, f *flow) error {
	param := f.req.Param("callbackUrl")
	fromCookie := f.req.Cookies[f.cookies.CallbackURL.Name]

	target := param
	if target == "" {
		target = fromCookie
	}
	if target == "" {
		target = f.origin.String()
	}

	approved, err := a.redirect(ctx, target, f.origin.String())
	if err != nil {
		return err
	}
	f.callbackURL = approved

	if param != "" && approved != fromCookie {
		f.res.SetCookie(cookie.Build(f.cookies.CallbackURL, f.cookies.CallbackURL.Name, approved, a.now().Add(a.cfg.Session.MaxAge)))
	}
	return nil
}

func (a *Auth) redirect(ctx context.Context, target, base string) (string, error) {
	fn := a.cfg.Callbacks.Redirect
	if fn == nil {
		fn = DefaultRedirect
	}
	out, err := fn(ctx, target, base)
	if err != nil {
		return "", autherr.Wrap(autherr.InvalidCallbackURL, err)
	}
	if out == "" {
		return "", autherr.Newf(autherr.InvalidCallbackURL, "redirect to %q was not approved", target)
	}
	return out, nil
}

// DefaultRedirect allows relative paths and URLs on the same origin as base.
// Anything else falls back to base.
func DefaultRedirect(_ context.Context, target, base string) (string, error) {
	if strings.HasPrefix(target, "/") && !strings.HasPrefix(target, "//") && !strings.HasPrefix(target, "/\\") {
		return strings.TrimSuffix(base, "/") + target, nil
	}
	if !isSafeRedirectURI(target) {
		return base, nil
	}
	u, err := url.Parse(target)
	if err != nil {
		return base, nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if u.Scheme == b.Scheme && strings.EqualFold(u.Host, b.Host) {
		return target, nil
	}
	return base, nil
}

// isSafeRedirectURI rejects dangerous schemes and URLs whose host part could
// be confused by a browser.
func isSafeRedirectURI(uri string) bool {
	lower := strings.ToLower(uri)
	for _, scheme := range []string{"javascript:", "data:", "file:", "vbscript:", "about:"} {
		if strings.HasPrefix(lower, scheme) {
			return false
		}
	}
	if strings.HasPrefix(uri, "//") {
		return false
	}
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok || (scheme != "http" && scheme != "https") {
		return false
	}
	// user:pass@host and path@domain tricks
	if strings.Contains(rest, "@") || strings.Contains(rest, "\\") {
		return false
	}
	host, _, _ := strings.Cut(rest, "/")
	return !strings.Contains(host, "#")
}
