package cookie

import (
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"authkit/autherr"
)

type recorder []*http.Cookie

func (r *recorder) SetCookie(c *http.Cookie) { *r = append(*r, c) }

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func toMap(cookies []*http.Cookie) map[string]string {
	m := map[string]string{}
	for _, c := range cookies {
		if !IsClear(c) {
			m[c.Name] = c.Value
		}
	}
	return m
}

func TestDefaultsSecurePrefixes(t *testing.T) {
	c := Defaults(true, "")
	require.Equal(t, "__Secure-authkit.session-token", c.SessionToken.Name)
	require.Equal(t, "__Host-authkit.csrf-token", c.CSRFToken.Name)
	require.True(t, c.State.Options.Secure)

	plain := Defaults(false, "app")
	require.Equal(t, "app.pkce.code_verifier", plain.PKCECodeVerifier.Name)
	require.Equal(t, http.SameSiteLaxMode, plain.Nonce.Options.SameSite)
	require.True(t, plain.Nonce.Options.HTTPOnly)
}

func TestMergeKeepsDefaultOptions(t *testing.T) {
	c := Defaults(false, "").Merge(Cookies{SessionToken: Spec{Name: "sid"}})
	require.Equal(t, "sid", c.SessionToken.Name)
	require.Equal(t, "/", c.SessionToken.Options.Path)
	require.Equal(t, "authkit.state", c.State.Name)
}

func TestSealUnseal(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := Sealer{Secrets: []string{"secret"}, Now: func() time.Time { return now }}
	spec := Defaults(false, "").State

	c, err := s.Seal(spec, "payload", 0)
	require.NoError(t, err)
	require.Equal(t, spec.Name, c.Name)
	require.Equal(t, now.Add(CheckTTL), c.Expires)

	v, err := s.Unseal(spec, c.Value)
	require.NoError(t, err)
	require.Equal(t, "payload", v)

	// Sealed under a different cookie name.
	_, err = s.Unseal(Defaults(false, "").Nonce, c.Value)
	require.True(t, autherr.HasType(err, autherr.InvalidCheck))

	_, err = s.Unseal(spec, "")
	require.True(t, autherr.HasType(err, autherr.InvalidCheck))
}

func TestUnsealExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := now
	s := Sealer{Secrets: []string{"secret"}, Now: func() time.Time { return clock }}
	spec := Defaults(false, "").PKCECodeVerifier

	c, err := s.Seal(spec, "v", 0)
	require.NoError(t, err)

	clock = now.Add(CheckTTL + time.Minute)
	_, err = s.Unseal(spec, c.Value)
	require.True(t, autherr.HasType(err, autherr.InvalidCheck))
}

func TestConsumeAlwaysClears(t *testing.T) {
	s := Sealer{Secrets: []string{"secret"}}
	spec := Defaults(false, "").Nonce

	var out recorder
	_, err := s.Consume(spec, map[string]string{spec.Name: "garbage"}, &out)
	require.Error(t, err)
	require.Len(t, out, 1)
	require.True(t, IsClear(out[0]))
	require.Equal(t, spec.Name, out[0].Name)
}

func TestChunkAtThresholdIsSingleCookie(t *testing.T) {
	spec := Defaults(false, "").SessionToken
	value := strings.Repeat("a", ChunkSize)

	store := NewSessionStore(spec, nil, testLogger())
	out := store.Chunk(value, time.Now().Add(time.Hour))
	require.Len(t, out, 1)
	require.Equal(t, spec.Name, out[0].Name)

	read := NewSessionStore(spec, toMap(out), testLogger())
	require.Equal(t, value, read.Value())
}

func TestChunkRoundTripLargeValue(t *testing.T) {
	spec := Defaults(false, "").SessionToken
	var sb strings.Builder
	for i := 0; sb.Len() < ChunkSize*11+17; i++ {
		sb.WriteString(string(rune('a' + i%26)))
	}
	value := sb.String()

	store := NewSessionStore(spec, nil, testLogger())
	out := store.Chunk(value, time.Now().Add(time.Hour))
	require.Len(t, out, 12)
	require.Equal(t, spec.Name+".0", out[0].Name)
	require.Equal(t, spec.Name+".11", out[11].Name)

	// 10 and 11 must sort after 2.
	read := NewSessionStore(spec, toMap(out), testLogger())
	require.Equal(t, value, read.Value())
}

func TestChunkClearsStaleChunks(t *testing.T) {
	spec := Defaults(false, "").SessionToken
	in := map[string]string{
		spec.Name + ".0": "x",
		spec.Name + ".1": "y",
		spec.Name + ".2": "z",
		"unrelated":      "keep",
	}
	store := NewSessionStore(spec, in, testLogger())
	require.Equal(t, "xyz", store.Value())

	out := store.Chunk("short", time.Now().Add(time.Hour))
	require.Len(t, out, 4)
	cleared := 0
	for _, c := range out {
		if IsClear(c) {
			cleared++
			require.NotEqual(t, "unrelated", c.Name)
		}
	}
	require.Equal(t, 3, cleared)
	require.Equal(t, "short", store.Value())
}

func TestCleanRemovesEverything(t *testing.T) {
	spec := Defaults(false, "").SessionToken
	store := NewSessionStore(spec, map[string]string{spec.Name: "v", spec.Name + ".x": "ignored"}, testLogger())
	out := store.Clean()
	require.Len(t, out, 1)
	require.True(t, IsClear(out[0]))
	require.Empty(t, store.Value())
}

func TestValueIgnoresUnchunkedLeftover(t *testing.T) {
	spec := Defaults(false, "").SessionToken
	in := map[string]string{
		spec.Name:        "STALE",
		spec.Name + ".0": "a",
		spec.Name + ".1": "b",
	}
	for range 50 {
		require.Equal(t, "ab", NewSessionStore(spec, in, testLogger()).Value())
	}

	store := NewSessionStore(spec, in, testLogger())
	out := store.Chunk(strings.Repeat("v", ChunkSize+1), time.Now().Add(time.Hour))
	cleared := false
	for _, c := range out {
		if c.Name == spec.Name {
			cleared = IsClear(c)
		}
	}
	require.True(t, cleared)

	require.Equal(t, "solo", NewSessionStore(spec, map[string]string{spec.Name: "solo"}, testLogger()).Value())
}
