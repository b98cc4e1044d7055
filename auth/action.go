package auth

import (
	"net/http"
	"slices"
	"strings"

	"authkit/autherr"
)

// Action is one of the fixed operations served under the base path.
type Action string

const (
	ActionSignIn          Action = "signin"
	ActionCallback        Action = "callback"
	ActionSignOut         Action = "signout"
	ActionSession         Action = "session"
	ActionCSRF            Action = "csrf"
	ActionProviders       Action = "providers"
	ActionError           Action = "error"
	ActionVerifyRequest   Action = "verify-request"
	ActionWebAuthnOptions Action = "webauthn-options"
)

type route struct {
	methods []string
	// provider is whether a provider id segment may follow the action.
	provider bool
	// needsProvider is whether it must.
	needsProvider bool
}

var routes = map[Action]route{
	ActionSignIn:          {methods: []string{http.MethodGet, http.MethodPost}, provider: true},
	ActionCallback:        {methods: []string{http.MethodGet, http.MethodPost}, provider: true, needsProvider: true},
	ActionSignOut:         {methods: []string{http.MethodGet, http.MethodPost}},
	ActionSession:         {methods: []string{http.MethodGet, http.MethodPost}},
	ActionCSRF:            {methods: []string{http.MethodGet}},
	ActionProviders:       {methods: []string{http.MethodGet}},
	ActionError:           {methods: []string{http.MethodGet}},
	ActionVerifyRequest:   {methods: []string{http.MethodGet}},
	ActionWebAuthnOptions: {methods: []string{http.MethodGet}, provider: true, needsProvider: true},
}

// ParseAction classifies a request path below basePath. It returns an
// UnknownAction error for anything outside the action surface.
func ParseAction(basePath, path, method string) (Action, string, error) {
	base := "/" + strings.Trim(basePath, "/")
	if base == "/" {
		base = ""
	}
	rest, ok := strings.CutPrefix(path, base)
	if !ok || (rest != "" && rest[0] != '/') {
		return "", "", autherr.Newf(autherr.UnknownAction, "cannot parse action at %s", path)
	}
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" || len(parts) > 2 {
		return "", "", autherr.Newf(autherr.UnknownAction, "cannot parse action at %s", path)
	}

	action := Action(parts[0])
	r, ok := routes[action]
	if !ok {
		return "", "", autherr.Newf(autherr.UnknownAction, "unsupported action %q", parts[0])
	}
	providerID := ""
	if len(parts) == 2 {
		if !r.provider || parts[1] == "" {
			return "", "", autherr.Newf(autherr.UnknownAction, "action %s does not take a provider", action)
		}
		providerID = parts[1]
	}
	if r.needsProvider && providerID == "" {
		return "", "", autherr.Newf(autherr.UnknownAction, "action %s requires a provider", action)
	}
	if !slices.Contains(r.methods, method) {
		return "", "", autherr.Newf(autherr.UnknownAction, "%s is not supported for action %s", method, action)
	}
	return action, providerID, nil
}
