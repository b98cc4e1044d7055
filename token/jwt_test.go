package token

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestEncodeDecodeRoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	raw, err := Encode(EncodeParams{
		Payload: Claims{"sub": "user-1", "email": "a@example.com", "nested": map[string]any{"n": 3}},
		Secret:  "s3cret",
		Salt:    "authkit.session-token",
		Now:     fixedClock(now),
	})
	require.NoError(t, err)
	require.Len(t, strings.Split(raw, "."), 5)

	claims, err := Decode(DecodeParams{
		Token:   raw,
		Secrets: []string{"s3cret"},
		Salt:    "authkit.session-token",
		Now:     fixedClock(now.Add(time.Hour)),
	})
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.String("sub"))
	require.Equal(t, "a@example.com", claims.String("email"))
	require.Equal(t, now.Unix(), claims["iat"])
	require.Equal(t, now.Add(DefaultMaxAge).Unix(), claims["exp"])
	require.NotEmpty(t, claims.String("jti"))
	require.Equal(t, int64(3), claims["nested"].(map[string]any)["n"])
}

func TestDecodeRejectsWrongSaltOrSecret(t *testing.T) {
	raw, err := Encode(EncodeParams{Payload: Claims{"sub": "x"}, Secret: "a", Salt: "one"})
	require.NoError(t, err)

	_, err = Decode(DecodeParams{Token: raw, Secrets: []string{"a"}, Salt: "two"})
	require.ErrorIs(t, err, ErrNoMatchingSecret)

	_, err = Decode(DecodeParams{Token: raw, Secrets: []string{"b"}, Salt: "one"})
	require.ErrorIs(t, err, ErrNoMatchingSecret)
}

func TestDecodeWithRotatedSecrets(t *testing.T) {
	raw, err := Encode(EncodeParams{Payload: Claims{"sub": "x"}, Secret: "old", Salt: "s"})
	require.NoError(t, err)

	claims, err := Decode(DecodeParams{Token: raw, Secrets: []string{"new", "old"}, Salt: "s"})
	require.NoError(t, err)
	require.Equal(t, "x", claims.String("sub"))

	_, err = Decode(DecodeParams{Token: raw, Secrets: []string{"new"}, Salt: "s"})
	require.Error(t, err)
}

func TestDecodeExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	raw, err := Encode(EncodeParams{
		Payload: Claims{"sub": "x"},
		Secret:  "k",
		Salt:    "s",
		MaxAge:  time.Minute,
		Now:     fixedClock(now),
	})
	require.NoError(t, err)

	// Inside the clock tolerance window.
	_, err = Decode(DecodeParams{Token: raw, Secrets: []string{"k"}, Salt: "s", Now: fixedClock(now.Add(time.Minute + 10*time.Second))})
	require.NoError(t, err)

	_, err = Decode(DecodeParams{Token: raw, Secrets: []string{"k"}, Salt: "s", Now: fixedClock(now.Add(2 * time.Minute))})
	require.Error(t, err)
}

func TestDecodeGCM(t *testing.T) {
	raw, err := Encode(EncodeParams{Payload: Claims{"sub": "x"}, Secret: "k", Salt: "s", Enc: EncA256GCM})
	require.NoError(t, err)

	claims, err := Decode(DecodeParams{Token: raw, Secrets: []string{"k"}, Salt: "s"})
	require.NoError(t, err)
	require.Equal(t, "x", claims.String("sub"))
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode(DecodeParams{Token: "not-a-token", Secrets: []string{"k"}})
	require.ErrorIs(t, err, ErrMalformed)

	_, err = Decode(DecodeParams{Token: "", Secrets: []string{"k"}})
	require.ErrorIs(t, err, ErrMalformed)

	_, err = Decode(DecodeParams{Token: "a.b.c.d.e"})
	require.ErrorIs(t, err, ErrMissingSecret)
}

func TestEncodeRequiresSecret(t *testing.T) {
	_, err := Encode(EncodeParams{Payload: Claims{}})
	require.ErrorIs(t, err, ErrMissingSecret)
}

func TestKidDiffersPerSalt(t *testing.T) {
	a, err := deriveKey(EncA256CBCHS512, "k", "one")
	require.NoError(t, err)
	b, err := deriveKey(EncA256CBCHS512, "k", "two")
	require.NoError(t, err)
	require.Len(t, a, 64)
	require.NotEqual(t, thumbprint(a), thumbprint(b))
}
