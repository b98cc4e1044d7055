package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"authkit/adapter"
	"authkit/adapter/adaptertest"
	"authkit/model"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client, "authkit:test:"), mr
}

func TestStore(t *testing.T) {
	adaptertest.Run(t, func(t *testing.T) adaptertest.Store {
		s, _ := newTestStore(t)
		return s
	})
}

func TestKeysArePrefixed(t *testing.T) {
	s, mr := newTestStore(t)
	u, err := s.CreateUser(context.Background(), model.User{Email: "Ada@Example.com"})
	require.NoError(t, err)

	require.True(t, mr.Exists("authkit:test:user:"+u.ID))
	require.True(t, mr.Exists("authkit:test:email:ada@example.com"))
}

func TestSessionExpiresInRedis(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	u, err := s.CreateUser(ctx, model.User{Email: "x@example.com"})
	require.NoError(t, err)
	_, err = s.CreateSession(ctx, model.Session{SessionToken: "tok", UserID: u.ID, Expires: time.Now().Add(time.Minute)})
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)
	_, _, err = s.GetSessionAndUser(ctx, "tok")
	require.ErrorIs(t, err, adapter.ErrNotFound)
}

func TestNewRequiresAddress(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}
