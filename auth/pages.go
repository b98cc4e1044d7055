package auth

import (
	"bytes"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"authkit/autherr"
	"authkit/provider"
)

type pageProvider struct {
	ID          string
	Name        string
	Type        provider.Type
	Action      string
	Credentials []formField
}

type formField struct {
	Name string
	Type string
}

type pageData struct {
	Title       string
	Page        string
	CSRFToken   string
	CallbackURL string
	Providers   []pageProvider
	Message     string
	SignInURL   string
	SignOutURL  string
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
body { font-family: Arial, sans-serif; margin: 4rem auto; max-width: 420px; color: #1d1d1f; }
h1 { font-size: 1.5rem; margin-bottom: 1.5rem; }
form { margin-bottom: 1rem; }
label { display: block; margin-bottom: 0.35rem; font-weight: 600; }
input[type=text], input[type=email], input[type=password] { width: 100%; padding: 0.5rem; margin-bottom: 0.75rem; box-sizing: border-box; }
button { width: 100%; padding: 0.6rem 1.2rem; font-size: 1rem; cursor: pointer; }
.error { border: 1px solid #d32f2f; background: #fbeaea; border-radius: 8px; padding: 0.75rem 1rem; margin-bottom: 1.5rem; }
hr { margin: 1.5rem 0; border: none; border-top: 1px solid #d0d0d5; }
</style>
</head>
<body>
{{if eq .Page "signin"}}
<h1>Sign in</h1>
{{if .Message}}<div class="error">{{.Message}}</div>{{end}}
{{range $i, $p := .Providers}}
{{if $i}}<hr>{{end}}
<form method="post" action="{{$p.Action}}">
  <input type="hidden" name="csrfToken" value="{{$.CSRFToken}}">
  <input type="hidden" name="callbackUrl" value="{{$.CallbackURL}}">
  {{if eq (print $p.Type) "email"}}
  <label for="email-{{$p.ID}}">Email</label>
  <input id="email-{{$p.ID}}" name="email" type="email" placeholder="email@example.com" required>
  {{end}}
  {{range $p.Credentials}}
  <label for="{{$p.ID}}-{{.Name}}">{{.Name}}</label>
  <input id="{{$p.ID}}-{{.Name}}" name="{{.Name}}" type="{{.Type}}">
  {{end}}
  <button type="submit">Sign in with {{$p.Name}}</button>
</form>
{{end}}
{{else if eq .Page "signout"}}
<h1>Sign out</h1>
<p>Are you sure you want to sign out?</p>
<form method="post" action="{{.SignOutURL}}">
  <input type="hidden" name="csrfToken" value="{{.CSRFToken}}">
  <input type="hidden" name="callbackUrl" value="{{.CallbackURL}}">
  <button type="submit">Sign out</button>
</form>
{{else if eq .Page "verify-request"}}
<h1>Check your email</h1>
<p>A sign in link has been sent to your email address.</p>
{{else}}
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
<p><a href="{{.SignInURL}}">Sign in</a></p>
{{end}}
</body>
</html>
`))

func renderPage(d pageData) string {
	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, d); err != nil {
		return template.HTMLEscapeString(d.Title)
	}
	return buf.String()
}

var signInMessages = map[autherr.Type]string{
	autherr.OAuthSignInError:      "Try signing in with a different account.",
	autherr.OAuthCallbackError:    "Try signing in with a different account.",
	autherr.OAuthAccountNotLinked: "To confirm your identity, sign in with the same account you used originally.",
	autherr.EmailSignInError:      "The email could not be sent.",
	autherr.CredentialsSignin:     "Sign in failed. Check the details you provided are correct.",
	autherr.AccessDenied:          "You do not have permission to sign in.",
}

// signInPage renders the built-in provider list, or redirects to the
// configured sign-in page.
func (a *Auth) signInPage(f *flow) error {
	q := f.req.URL.Query()
	if custom := a.cfg.Pages.SignIn; custom != "" {
		params := url.Values{"callbackUrl": {f.callbackURL}}
		if e := q.Get("error"); e != "" {
			params.Set("error", e)
		}
		f.res.redirect(withQuery(custom, params))
		return nil
	}

	d := pageData{
		Title:       "Sign In",
		Page:        "signin",
		CSRFToken:   f.csrfToken,
		CallbackURL: f.callbackURL,
	}
	if e := q.Get("error"); e != "" {
		d.Message = signInMessages[autherr.Type(e)]
		if d.Message == "" {
			d.Message = "Unable to sign in."
		}
	}
	for _, p := range a.cfg.Providers {
		pp := pageProvider{
			ID:     p.ID(),
			Name:   p.Name(),
			Type:   p.Type(),
			Action: f.baseURL + "/signin/" + p.ID(),
		}
		switch c := p.(type) {
		case *provider.CredentialsConfig:
			pp.Action = f.baseURL + "/callback/" + p.ID()
			for _, name := range c.Fields {
				typ := "text"
				if strings.Contains(strings.ToLower(name), "password") {
					typ = "password"
				}
				pp.Credentials = append(pp.Credentials, formField{Name: name, Type: typ})
			}
		case *provider.WebAuthnConfig:
			// Passkeys need the browser ceremony and have no plain form.
			continue
		}
		d.Providers = append(d.Providers, pp)
	}
	f.res.html(http.StatusOK, renderPage(d))
	return nil
}

func (a *Auth) renderSignOut(f *flow) string {
	return renderPage(pageData{
		Title:       "Sign Out",
		Page:        "signout",
		CSRFToken:   f.csrfToken,
		CallbackURL: f.callbackURL,
		SignOutURL:  f.baseURL + "/signout",
	})
}

var errorMessages = map[autherr.Type]string{
	autherr.Configuration: "There is a problem with the server configuration. Check the server logs for more information.",
	autherr.AccessDenied:  "You do not have permission to sign in.",
	autherr.Verification:  "The sign in link is no longer valid. It may have been used already or it may have expired.",
}

// errorPage renders the built-in error page for the ?error code.
func (a *Auth) errorPage(f *flow) error {
	code := autherr.Type(f.req.URL.Query().Get("error"))
	if custom := a.cfg.Pages.Error; custom != "" {
		f.res.redirect(withQuery(custom, url.Values{"error": {string(code)}}))
		return nil
	}
	status := http.StatusBadRequest
	switch code {
	case autherr.Configuration:
		status = http.StatusInternalServerError
	case autherr.AccessDenied, autherr.Verification:
		status = http.StatusForbidden
	}
	msg, ok := errorMessages[code]
	if !ok {
		msg = "Unable to sign in."
	}
	f.res.html(status, renderPage(pageData{
		Title:     "Error",
		Page:      "error",
		Message:   msg,
		SignInURL: f.baseURL + "/signin",
	}))
	return nil
}

func (a *Auth) verifyRequestPage(f *flow) error {
	if custom := a.cfg.Pages.VerifyRequest; custom != "" {
		f.res.redirect(withQuery(custom, f.req.URL.Query()))
		return nil
	}
	f.res.html(http.StatusOK, renderPage(pageData{Title: "Verify Request", Page: "verify-request"}))
	return nil
}

// ProviderInfo is one entry of the providers listing.
type ProviderInfo struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Type        provider.Type `json:"type"`
	SignInURL   string        `json:"signinUrl"`
	CallbackURL string        `json:"callbackUrl"`
}

func (a *Auth) providersAction(f *flow) error {
	out := make(map[string]ProviderInfo, len(a.cfg.Providers))
	for _, p := range a.cfg.Providers {
		out[p.ID()] = ProviderInfo{
			ID:          p.ID(),
			Name:        p.Name(),
			Type:        p.Type(),
			SignInURL:   f.baseURL + "/signin/" + p.ID(),
			CallbackURL: f.baseURL + "/callback/" + p.ID(),
		}
	}
	f.res.json(http.StatusOK, out)
	return nil
}
