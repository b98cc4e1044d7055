package checks

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"authkit/autherr"
	"authkit/cookie"
	"authkit/model"
)

// browser applies Set-Cookie instructions the way a user agent would.
type browser map[string]string

func (b browser) SetCookie(c *http.Cookie) {
	if cookie.IsClear(c) {
		delete(b, c.Name)
		return
	}
	b[c.Name] = c.Value
}

func newManager() Manager {
	return Manager{
		Cookies: cookie.Defaults(false, ""),
		Sealer:  cookie.Sealer{Secrets: []string{"test-secret"}},
	}
}

var all = Policy{Checks: []Kind{PKCE, State, Nonce}, OIDC: true}

func TestPKCEUsedAtMostOnce(t *testing.T) {
	m := newManager()
	b := browser{}

	created, err := m.CreatePKCE(all)
	require.NoError(t, err)
	b.SetCookie(created.Cookie)

	// Snapshot taken before the clearing response is applied.
	replay := map[string]string{created.Cookie.Name: created.Cookie.Value}

	verifier, err := m.UsePKCE(all, b, b)
	require.NoError(t, err)
	require.Equal(t, created.Value, oauth2.S256ChallengeFromVerifier(verifier))

	_, err = m.UsePKCE(all, b, b)
	require.True(t, autherr.HasType(err, autherr.InvalidCheck))

	// The browser lost the value, a stale copy still unseals.
	_, err = m.UsePKCE(all, replay, browser{})
	require.NoError(t, err)
}

func TestDisabledChecksAreNoops(t *testing.T) {
	m := newManager()
	none := Policy{Checks: []Kind{None}}

	created, err := m.CreatePKCE(none)
	require.NoError(t, err)
	require.Nil(t, created.Cookie)

	v, err := m.UsePKCE(none, browser{}, browser{})
	require.NoError(t, err)
	require.Empty(t, v)

	st, err := m.UseState(none, browser{}, browser{}, "anything")
	require.NoError(t, err)
	require.Equal(t, StateData{}, st)
}

func TestStateOriginWithoutStateCheck(t *testing.T) {
	m := newManager()
	_, err := m.CreateState(Policy{Checks: []Kind{PKCE}}, "https://app.example.com")
	require.True(t, autherr.HasType(err, autherr.InvalidCheck))
}

func TestStateRoundTrip(t *testing.T) {
	m := newManager()
	b := browser{}

	created, err := m.CreateState(all, "https://app.example.com")
	require.NoError(t, err)
	b.SetCookie(created.Cookie)

	decoded, err := m.DecodeState(created.Value)
	require.NoError(t, err)
	require.Equal(t, "https://app.example.com", decoded.Origin)
	require.NotEmpty(t, decoded.Random)

	used, err := m.UseState(all, b, b, created.Value)
	require.NoError(t, err)
	require.Equal(t, decoded, used)
	require.Empty(t, b)

	_, err = m.UseState(all, b, b, created.Value)
	require.True(t, autherr.HasType(err, autherr.InvalidCheck))
}

func TestStateMismatchRejected(t *testing.T) {
	m := newManager()
	b := browser{}

	first, err := m.CreateState(all, "")
	require.NoError(t, err)
	second, err := m.CreateState(all, "")
	require.NoError(t, err)
	b.SetCookie(first.Cookie)

	_, err = m.UseState(all, b, b, second.Value)
	require.True(t, autherr.HasType(err, autherr.InvalidCheck))
	require.Empty(t, b, "state cookie must be cleared even on mismatch")
}

func TestNonceOnlyForOIDC(t *testing.T) {
	m := newManager()

	created, err := m.CreateNonce(Policy{Checks: []Kind{Nonce}})
	require.NoError(t, err)
	require.Nil(t, created.Cookie)

	b := browser{}
	created, err = m.CreateNonce(all)
	require.NoError(t, err)
	b.SetCookie(created.Cookie)

	nonce, err := m.UseNonce(all, b, b)
	require.NoError(t, err)
	require.Equal(t, created.Value, nonce)

	_, err = m.UseNonce(all, b, b)
	require.True(t, autherr.HasType(err, autherr.InvalidCheck))
}

func TestChallengeRoundTrip(t *testing.T) {
	m := newManager()
	b := browser{}

	c, err := m.CreateChallenge(Challenge{
		Challenge:    "abc",
		Session:      []byte(`{"challenge":"abc"}`),
		RegisterData: &model.User{ID: "u1", Email: "new@example.com"},
	})
	require.NoError(t, err)
	b.SetCookie(c)

	ch, err := m.UseChallenge(b, b)
	require.NoError(t, err)
	require.Equal(t, "abc", ch.Challenge)
	require.Equal(t, "new@example.com", ch.RegisterData.Email)
	require.JSONEq(t, `{"challenge":"abc"}`, string(ch.Session))

	_, err = m.UseChallenge(b, b)
	require.True(t, autherr.HasType(err, autherr.InvalidCheck))
}
