// Package checks implements the single-use values that bind an authorization
// round trip to the browser that started it: PKCE, state, nonce and the
// WebAuthn challenge. Every value lives only in a sealed cookie and is
// cleared on first use.
package checks

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"golang.org/x/oauth2"

	"authkit/autherr"
	"authkit/cookie"
	"authkit/model"
	"authkit/token"
)

// Kind names a check a provider can require.
type Kind string

const (
	PKCE  Kind = "pkce"
	State Kind = "state"
	Nonce Kind = "nonce"
	None  Kind = "none"
)

// PKCEMethod is the only code challenge method emitted.
const PKCEMethod = "S256"

const stateSalt = "encodedState"

// Policy is the check configuration of the provider in use.
type Policy struct {
	Checks []Kind
	// OIDC enables the nonce check.
	OIDC bool
}

// Has reports whether k is enabled.
func (p Policy) Has(k Kind) bool {
	if k == Nonce && !p.OIDC {
		return false
	}
	return slices.Contains(p.Checks, k)
}

// Created is a freshly sealed check: the cookie for the browser and the
// value sent to the provider.
type Created struct {
	Cookie *http.Cookie
	Value  string
}

// Manager creates and consumes checks.
type Manager struct {
	Cookies cookie.Cookies
	Sealer  cookie.Sealer
	TTL     time.Duration
}

func (m Manager) ttl() time.Duration {
	if m.TTL > 0 {
		return m.TTL
	}
	return cookie.CheckTTL
}

// CreatePKCE generates a code verifier, seals it and returns the S256
// challenge. It returns a zero Created when PKCE is not enabled.
func (m Manager) CreatePKCE(p Policy) (Created, error) {
	if !p.Has(PKCE) {
		return Created{}, nil
	}
	verifier := oauth2.GenerateVerifier()
	c, err := m.Sealer.Seal(m.Cookies.PKCECodeVerifier, verifier, m.ttl())
	if err != nil {
		return Created{}, err
	}
	return Created{Cookie: c, Value: oauth2.S256ChallengeFromVerifier(verifier)}, nil
}

// UsePKCE returns the sealed code verifier and clears its cookie. It returns
// "" when PKCE is not enabled.
func (m Manager) UsePKCE(p Policy, in map[string]string, out cookie.Setter) (string, error) {
	if !p.Has(PKCE) {
		return "", nil
	}
	return m.Sealer.Consume(m.Cookies.PKCECodeVerifier, in, out)
}

// StateData is the payload carried in the state parameter.
type StateData struct {
	Origin string `json:"origin,omitempty"`
	Random string `json:"random"`
}

// CreateState encodes {origin, random} and seals it. Supplying an origin
// while state is disabled is an InvalidCheck error.
func (m Manager) CreateState(p Policy, origin string) (Created, error) {
	if !p.Has(State) {
		if origin != "" {
			return Created{}, autherr.New(autherr.InvalidCheck, "state data was provided but the provider is not configured to use state")
		}
		return Created{}, nil
	}
	random, err := randomString(32)
	if err != nil {
		return Created{}, err
	}
	encoded, err := token.Encode(token.EncodeParams{
		Payload: token.Claims{"origin": origin, "random": random},
		Secret:  m.secret(),
		Salt:    stateSalt,
		MaxAge:  m.ttl(),
		Now:     m.Sealer.Now,
	})
	if err != nil {
		return Created{}, autherr.Wrap(autherr.Configuration, err)
	}
	c, err := m.Sealer.Seal(m.Cookies.State, encoded, m.ttl())
	if err != nil {
		return Created{}, err
	}
	return Created{Cookie: c, Value: encoded}, nil
}

// DecodeState decodes a state value as echoed by the provider.
func (m Manager) DecodeState(raw string) (StateData, error) {
	claims, err := token.Decode(token.DecodeParams{
		Token:   raw,
		Secrets: m.Sealer.Secrets,
		Salt:    stateSalt,
		Now:     m.Sealer.Now,
	})
	if err != nil {
		return StateData{}, autherr.Wrap(autherr.InvalidCheck, err)
	}
	random := claims.String("random")
	if random == "" {
		return StateData{}, autherr.New(autherr.InvalidCheck, "state value could not be parsed")
	}
	return StateData{Origin: claims.String("origin"), Random: random}, nil
}

// UseState consumes the state cookie and verifies that the parameter echoed
// by the provider is the exact value that was sealed. Both must decode.
// With state disabled it returns a zero StateData.
func (m Manager) UseState(p Policy, in map[string]string, out cookie.Setter, param string) (StateData, error) {
	if !p.Has(State) {
		return StateData{}, nil
	}
	sealed, err := m.Sealer.Consume(m.Cookies.State, in, out)
	if err != nil {
		return StateData{}, err
	}
	if param == "" {
		return StateData{}, autherr.New(autherr.InvalidCheck, "state parameter was missing")
	}
	if param != sealed {
		return StateData{}, autherr.New(autherr.InvalidCheck, "state parameter did not match the state cookie")
	}
	fromCookie, err := m.DecodeState(sealed)
	if err != nil {
		return StateData{}, err
	}
	fromParam, err := m.DecodeState(param)
	if err != nil {
		return StateData{}, err
	}
	if fromCookie != fromParam {
		return StateData{}, autherr.New(autherr.InvalidCheck, "random state values did not match")
	}
	return fromCookie, nil
}

// CreateNonce seals a random nonce. Only OIDC providers with the nonce check
// get one.
func (m Manager) CreateNonce(p Policy) (Created, error) {
	if !p.Has(Nonce) {
		return Created{}, nil
	}
	nonce, err := randomString(32)
	if err != nil {
		return Created{}, err
	}
	c, err := m.Sealer.Seal(m.Cookies.Nonce, nonce, m.ttl())
	if err != nil {
		return Created{}, err
	}
	return Created{Cookie: c, Value: nonce}, nil
}

// UseNonce returns the sealed nonce and clears its cookie.
func (m Manager) UseNonce(p Policy, in map[string]string, out cookie.Setter) (string, error) {
	if !p.Has(Nonce) {
		return "", nil
	}
	return m.Sealer.Consume(m.Cookies.Nonce, in, out)
}

// Challenge is the sealed WebAuthn round-trip state. RegisterData carries
// the pending user of a registration, which has no stored row yet.
type Challenge struct {
	Challenge    string          `json:"challenge"`
	Session      json.RawMessage `json:"session,omitempty"`
	RegisterData *model.User     `json:"registerData,omitempty"`
}

// CreateChallenge seals a WebAuthn challenge.
func (m Manager) CreateChallenge(ch Challenge) (*http.Cookie, error) {
	b, err := json.Marshal(ch)
	if err != nil {
		return nil, autherr.Wrap(autherr.Configuration, err)
	}
	return m.Sealer.Seal(m.Cookies.WebAuthnChallenge, string(b), m.ttl())
}

// UseChallenge returns the sealed challenge and clears its cookie.
func (m Manager) UseChallenge(in map[string]string, out cookie.Setter) (Challenge, error) {
	raw, err := m.Sealer.Consume(m.Cookies.WebAuthnChallenge, in, out)
	if err != nil {
		return Challenge{}, err
	}
	var ch Challenge
	if err := json.Unmarshal([]byte(raw), &ch); err != nil || ch.Challenge == "" {
		return Challenge{}, autherr.New(autherr.InvalidCheck, "challenge cookie could not be parsed")
	}
	return ch, nil
}

func (m Manager) secret() string {
	if len(m.Sealer.Secrets) == 0 {
		return ""
	}
	return m.Sealer.Secrets[0]
}

func randomString(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", autherr.Wrap(autherr.Configuration, err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
