package cookie

import (
	"net/http"
	"time"

	"authkit/autherr"
	"authkit/token"
)

// Sealer encrypts short-lived values into cookies using the token codec with
// the cookie name as salt.
type Sealer struct {
	// Secrets are the configured secrets; the first one encrypts.
	Secrets []string
	Now     func() time.Time
}

func (s Sealer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Seal wraps value in an envelope and returns the cookie carrying it.
func (s Sealer) Seal(spec Spec, value string, ttl time.Duration) (*http.Cookie, error) {
	if len(s.Secrets) == 0 {
		return nil, autherr.New(autherr.MissingSecret, "no secret configured")
	}
	if ttl <= 0 {
		ttl = CheckTTL
	}
	enc, err := token.Encode(token.EncodeParams{
		Payload: token.Claims{"value": value},
		Secret:  s.Secrets[0],
		Salt:    spec.Name,
		MaxAge:  ttl,
		Now:     s.Now,
	})
	if err != nil {
		return nil, autherr.Wrap(autherr.Configuration, err)
	}
	return Build(spec, spec.Name, enc, s.now().Add(ttl)), nil
}

// Unseal reverses Seal. A missing, undecryptable or envelope-less cookie is
// an InvalidCheck error.
func (s Sealer) Unseal(spec Spec, raw string) (string, error) {
	if raw == "" {
		return "", autherr.Newf(autherr.InvalidCheck, "%s cookie was missing", spec.Name)
	}
	claims, err := token.Decode(token.DecodeParams{
		Token:   raw,
		Secrets: s.Secrets,
		Salt:    spec.Name,
		Now:     s.Now,
	})
	if err != nil {
		return "", autherr.Wrap(autherr.InvalidCheck, err)
	}
	v, ok := claims["value"].(string)
	if !ok {
		return "", autherr.Newf(autherr.InvalidCheck, "%s value could not be parsed", spec.Name)
	}
	return v, nil
}

// Consume unseals the named cookie from in and always queues its deletion,
// whatever the outcome.
func (s Sealer) Consume(spec Spec, in map[string]string, out Setter) (string, error) {
	defer out.SetCookie(Clear(spec, spec.Name))
	return s.Unseal(spec, in[spec.Name])
}
