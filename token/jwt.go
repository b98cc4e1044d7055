// Package token encrypts structured claims into compact JWE strings. It backs
// both long-lived session tokens and the short-lived check cookies.
package token

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const (
	// DefaultMaxAge is the session lifetime used when none is configured.
	DefaultMaxAge = 30 * 24 * time.Hour
	// ClockTolerance is the skew accepted on exp/iat/nbf.
	ClockTolerance = 15 * time.Second

	keyAlgorithm = "dir"
)

// Supported content encryption algorithms.
const (
	EncA256CBCHS512 = jose.A256CBC_HS512
	EncA256GCM      = jose.A256GCM
)

var (
	// ErrMissingSecret is returned when no secret is available.
	ErrMissingSecret = errors.New("token: secret required")
	// ErrMalformed is returned for tokens that are not compact JWE.
	ErrMalformed = errors.New("token: malformed")
	// ErrNoMatchingSecret is returned when no candidate secret decrypts the token.
	ErrNoMatchingSecret = errors.New("token: no matching decryption secret")
)

// Claims is the decrypted JSON payload of a token.
type Claims map[string]any

// String returns a string claim or "".
func (c Claims) String(key string) string {
	v, _ := c[key].(string)
	return v
}

// EncodeParams configures Encode.
type EncodeParams struct {
	Payload Claims
	// Secret is the master secret; with rotation, pass the newest one.
	Secret string
	// Salt separates keys per purpose, typically the cookie name.
	Salt   string
	MaxAge time.Duration
	// Enc selects the content encryption; zero means A256CBC-HS512.
	Enc jose.ContentEncryption
	Now func() time.Time
}

// DecodeParams configures Decode.
type DecodeParams struct {
	Token string
	// Secrets are tried in order; the first successful decryption wins.
	Secrets []string
	Salt    string
	Now     func() time.Time
}

// Encode derives a purpose-bound key from the secret and encrypts the
// payload, adding iat, exp and a random jti.
func Encode(p EncodeParams) (string, error) {
	if p.Secret == "" {
		return "", ErrMissingSecret
	}
	enc := p.Enc
	if enc == "" {
		enc = EncA256CBCHS512
	}
	maxAge := p.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}

	key, err := deriveKey(enc, p.Secret, p.Salt)
	if err != nil {
		return "", err
	}
	kid := thumbprint(key)

	issued := now()
	claims := make(Claims, len(p.Payload)+3)
	for k, v := range p.Payload {
		claims[k] = v
	}
	claims["iat"] = issued.Unix()
	claims["exp"] = issued.Add(maxAge).Unix()
	claims["jti"] = uuid.NewString()

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}

	opts := (&jose.EncrypterOptions{}).WithType("JWT").WithHeader("kid", kid)
	encrypter, err := jose.NewEncrypter(enc, jose.Recipient{Algorithm: jose.DIRECT, Key: key}, opts)
	if err != nil {
		return "", fmt.Errorf("create encrypter: %w", err)
	}
	obj, err := encrypter.Encrypt(payload)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return obj.CompactSerialize()
}

// Decode decrypts and validates a token produced by Encode. Secrets whose key
// thumbprint matches the token kid are tried first; without a kid every
// secret is tried in the given order.
func Decode(p DecodeParams) (Claims, error) {
	if len(p.Secrets) == 0 {
		return nil, ErrMissingSecret
	}
	if p.Token == "" {
		return nil, ErrMalformed
	}
	hdr, err := peekHeader(p.Token)
	if err != nil {
		return nil, err
	}
	if hdr.Alg != keyAlgorithm {
		return nil, fmt.Errorf("%w: unsupported alg %q", ErrMalformed, hdr.Alg)
	}
	enc := jose.ContentEncryption(hdr.Enc)
	if enc != EncA256CBCHS512 && enc != EncA256GCM {
		return nil, fmt.Errorf("%w: unsupported enc %q", ErrMalformed, hdr.Enc)
	}

	obj, err := jose.ParseEncrypted(p.Token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var plaintext []byte
	for _, secret := range orderByKid(p.Secrets, hdr.Kid, enc, p.Salt) {
		key, err := deriveKey(enc, secret, p.Salt)
		if err != nil {
			return nil, err
		}
		if out, err := obj.Decrypt(key); err == nil {
			plaintext = out
			break
		}
	}
	if plaintext == nil {
		return nil, ErrNoMatchingSecret
	}

	var claims Claims
	dec := json.NewDecoder(strings.NewReader(string(plaintext)))
	dec.UseNumber()
	if err := dec.Decode(&claims); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}

	// MapClaims reads numeric dates as json.Number, so validate before
	// normalizing.
	opts := []jwt.ParserOption{jwt.WithLeeway(ClockTolerance), jwt.WithIssuedAt()}
	if p.Now != nil {
		opts = append(opts, jwt.WithTimeFunc(p.Now))
	}
	if err := jwt.NewValidator(opts...).Validate(jwt.MapClaims(claims)); err != nil {
		return nil, fmt.Errorf("validate claims: %w", err)
	}
	normalizeNumbers(claims)
	return claims, nil
}

type header struct {
	Alg string `json:"alg"`
	Enc string `json:"enc"`
	Kid string `json:"kid"`
}

func peekHeader(raw string) (header, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 5 {
		return header{}, ErrMalformed
	}
	b, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return header{}, fmt.Errorf("%w: header encoding", ErrMalformed)
	}
	var h header
	if err := json.Unmarshal(b, &h); err != nil {
		return header{}, fmt.Errorf("%w: header json", ErrMalformed)
	}
	return h, nil
}

func orderByKid(secrets []string, kid string, enc jose.ContentEncryption, salt string) []string {
	if kid == "" {
		return secrets
	}
	ordered := make([]string, 0, len(secrets))
	var rest []string
	for _, s := range secrets {
		key, err := deriveKey(enc, s, salt)
		if err == nil && thumbprint(key) == kid {
			ordered = append(ordered, s)
			continue
		}
		rest = append(rest, s)
	}
	return append(ordered, rest...)
}

func keyLength(enc jose.ContentEncryption) (int, error) {
	switch enc {
	case EncA256CBCHS512:
		return 64, nil
	case EncA256GCM:
		return 32, nil
	default:
		return 0, fmt.Errorf("token: unsupported content encryption %q", enc)
	}
}

func deriveKey(enc jose.ContentEncryption, secret, salt string) ([]byte, error) {
	n, err := keyLength(enc)
	if err != nil {
		return nil, err
	}
	info := fmt.Sprintf("authkit Generated Encryption Key (%s)", salt)
	r := hkdf.New(sha256.New, []byte(secret), []byte(salt), []byte(info))
	key := make([]byte, n)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// thumbprint is the RFC 7638 SHA-512 thumbprint of the symmetric key as an
// "oct" JWK.
func thumbprint(key []byte) string {
	canonical := `{"k":"` + base64.RawURLEncoding.EncodeToString(key) + `","kty":"oct"}`
	sum := sha512.Sum512([]byte(canonical))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// normalizeNumbers turns json.Number values into int64 when integral and
// float64 otherwise, recursing into nested objects.
func normalizeNumbers(m map[string]any) {
	for k, v := range m {
		m[k] = normalizeValue(v)
	}
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		normalizeNumbers(t)
		return t
	case []any:
		for i := range t {
			t[i] = normalizeValue(t[i])
		}
		return t
	default:
		return v
	}
}
