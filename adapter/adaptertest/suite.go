// Package adaptertest is a behavioural suite every storage adapter runs in
// its own tests.
package adaptertest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"authkit/adapter"
	"authkit/model"
)

// Store is the full set of capabilities exercised by Run.
type Store interface {
	adapter.Users
	adapter.Accounts
	adapter.Sessions
	adapter.VerificationTokens
	adapter.Authenticators
}

// Run executes the suite against fresh stores built by newStore.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()
	expires := time.Unix(1_900_000_000, 0).UTC()

	t.Run("users", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		u, err := s.CreateUser(ctx, model.User{Name: "Ada", Email: "ada@example.com"})
		require.NoError(t, err)
		require.NotEmpty(t, u.ID)

		got, err := s.GetUser(ctx, u.ID)
		require.NoError(t, err)
		require.Equal(t, "Ada", got.Name)

		got, err = s.GetUserByEmail(ctx, "ada@example.com")
		require.NoError(t, err)
		require.Equal(t, u.ID, got.ID)

		_, err = s.CreateUser(ctx, model.User{Email: "ada@example.com"})
		require.ErrorIs(t, err, adapter.ErrConflict)

		verified := expires
		u.EmailVerified = &verified
		u.Image = "https://img.example.com/ada.png"
		_, err = s.UpdateUser(ctx, u)
		require.NoError(t, err)
		got, err = s.GetUser(ctx, u.ID)
		require.NoError(t, err)
		require.NotNil(t, got.EmailVerified)
		require.True(t, expires.Equal(*got.EmailVerified))
		require.Equal(t, u.Image, got.Image)

		_, err = s.GetUser(ctx, "missing")
		require.ErrorIs(t, err, adapter.ErrNotFound)
		_, err = s.GetUserByEmail(ctx, "nobody@example.com")
		require.ErrorIs(t, err, adapter.ErrNotFound)
	})

	t.Run("accounts", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		u, err := s.CreateUser(ctx, model.User{Email: "grace@example.com"})
		require.NoError(t, err)

		acct := model.Account{
			UserID:            u.ID,
			Type:              model.AccountOIDC,
			Provider:          "github",
			ProviderAccountID: "123",
			AccessToken:       "at",
			ExpiresAt:         expires.Unix(),
		}
		require.NoError(t, s.LinkAccount(ctx, acct))
		require.ErrorIs(t, s.LinkAccount(ctx, acct), adapter.ErrConflict)

		owner, err := s.GetUserByAccount(ctx, "github", "123")
		require.NoError(t, err)
		require.Equal(t, u.ID, owner.ID)

		got, err := s.GetAccount(ctx, "123", "github")
		require.NoError(t, err)
		require.Equal(t, "at", got.AccessToken)
		require.Equal(t, expires.Unix(), got.ExpiresAt)

		require.NoError(t, s.UnlinkAccount(ctx, "github", "123"))
		_, err = s.GetUserByAccount(ctx, "github", "123")
		require.ErrorIs(t, err, adapter.ErrNotFound)
	})

	t.Run("sessions", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		u, err := s.CreateUser(ctx, model.User{Email: "linus@example.com"})
		require.NoError(t, err)

		_, err = s.CreateSession(ctx, model.Session{SessionToken: "tok", UserID: u.ID, Expires: expires})
		require.NoError(t, err)

		sess, owner, err := s.GetSessionAndUser(ctx, "tok")
		require.NoError(t, err)
		require.Equal(t, u.ID, owner.ID)
		require.True(t, expires.Equal(sess.Expires))

		later := expires.Add(time.Hour)
		_, err = s.UpdateSession(ctx, model.Session{SessionToken: "tok", Expires: later})
		require.NoError(t, err)
		sess, _, err = s.GetSessionAndUser(ctx, "tok")
		require.NoError(t, err)
		require.True(t, later.Equal(sess.Expires))
		require.Equal(t, u.ID, sess.UserID)

		require.NoError(t, s.DeleteSession(ctx, "tok"))
		_, _, err = s.GetSessionAndUser(ctx, "tok")
		require.ErrorIs(t, err, adapter.ErrNotFound)
	})

	t.Run("verification tokens are single use", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		vt := model.VerificationToken{Identifier: "a@example.com", Token: "hash", Expires: expires}
		require.NoError(t, s.CreateVerificationToken(ctx, vt))

		got, err := s.UseVerificationToken(ctx, "a@example.com", "hash")
		require.NoError(t, err)
		require.True(t, expires.Equal(got.Expires))

		_, err = s.UseVerificationToken(ctx, "a@example.com", "hash")
		require.ErrorIs(t, err, adapter.ErrNotFound)
	})

	t.Run("authenticators", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		u, err := s.CreateUser(ctx, model.User{Email: "passkey@example.com"})
		require.NoError(t, err)

		a := model.Authenticator{
			CredentialID:      "cred-1",
			UserID:            u.ID,
			ProviderAccountID: "cred-1",
			Counter:           1,
			Transports:        "internal",
			Credential:        json.RawMessage(`{"id":"Y3JlZC0x"}`),
		}
		require.NoError(t, s.CreateAuthenticator(ctx, a))
		require.ErrorIs(t, s.CreateAuthenticator(ctx, a), adapter.ErrConflict)

		require.NoError(t, s.UpdateAuthenticatorCounter(ctx, "cred-1", 7))
		got, err := s.GetAuthenticator(ctx, "cred-1")
		require.NoError(t, err)
		require.Equal(t, uint32(7), got.Counter)
		require.JSONEq(t, `{"id":"Y3JlZC0x"}`, string(got.Credential))

		list, err := s.ListAuthenticatorsByUserID(ctx, u.ID)
		require.NoError(t, err)
		require.Len(t, list, 1)

		require.ErrorIs(t, s.UpdateAuthenticatorCounter(ctx, "missing", 1), adapter.ErrNotFound)
	})

	t.Run("delete user cascades", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		u, err := s.CreateUser(ctx, model.User{Email: "gone@example.com"})
		require.NoError(t, err)
		require.NoError(t, s.LinkAccount(ctx, model.Account{UserID: u.ID, Type: model.AccountOAuth, Provider: "p", ProviderAccountID: "1"}))
		_, err = s.CreateSession(ctx, model.Session{SessionToken: "t", UserID: u.ID, Expires: expires})
		require.NoError(t, err)

		require.NoError(t, s.DeleteUser(ctx, u.ID))
		_, err = s.GetUser(ctx, u.ID)
		require.ErrorIs(t, err, adapter.ErrNotFound)
		_, err = s.GetAccount(ctx, "1", "p")
		require.ErrorIs(t, err, adapter.ErrNotFound)
		_, _, err = s.GetSessionAndUser(ctx, "t")
		require.ErrorIs(t, err, adapter.ErrNotFound)

		// Email is free again.
		_, err = s.CreateUser(ctx, model.User{Email: "gone@example.com"})
		require.NoError(t, err)
	})
}
