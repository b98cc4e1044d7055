package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"authkit/model"
)

func TestNewPasskeysTimeout(t *testing.T) {
	pk, err := NewPasskeys(&WebAuthnConfig{RPName: "App", Timeout: 90 * time.Second}, "app.example.com", []string{"https://app.example.com"})
	require.NoError(t, err)
	cfg := pk.(*libraryPasskeys).Config
	require.True(t, cfg.Timeouts.Login.Enforce)
	require.Equal(t, 90*time.Second, cfg.Timeouts.Login.Timeout)
	require.Equal(t, 90*time.Second, cfg.Timeouts.Registration.TimeoutUVD)

	creation, _, err := pk.BeginRegistration(&PasskeyUser{User: model.User{ID: "u1", Email: "ada@example.com"}})
	require.NoError(t, err)
	require.Equal(t, 90000, creation.Response.Timeout)

	pk, err = NewPasskeys(&WebAuthnConfig{RPName: "App", RPID: "example.com"}, "app.example.com", []string{"https://app.example.com"})
	require.NoError(t, err)
	cfg = pk.(*libraryPasskeys).Config
	require.Equal(t, "example.com", cfg.RPID)
	require.False(t, cfg.Timeouts.Login.Enforce)
	require.NotZero(t, cfg.Timeouts.Login.Timeout)
}

func TestNewPasskeysOverride(t *testing.T) {
	var override Passkeys = &libraryPasskeys{}
	pk, err := NewPasskeys(&WebAuthnConfig{Passkeys: override}, "", nil)
	require.NoError(t, err)
	require.Same(t, override, pk)
}
