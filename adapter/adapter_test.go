package adapter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"authkit/autherr"
	"authkit/model"
)

type usersOnly struct{}

func (usersOnly) CreateUser(context.Context, model.User) (model.User, error) { return model.User{}, nil }
func (usersOnly) GetUser(context.Context, string) (model.User, error)        { return model.User{}, nil }
func (usersOnly) GetUserByEmail(context.Context, string) (model.User, error) {
	return model.User{}, nil
}
func (usersOnly) GetUserByAccount(context.Context, string, string) (model.User, error) {
	return model.User{}, nil
}
func (usersOnly) UpdateUser(context.Context, model.User) (model.User, error) { return model.User{}, nil }
func (usersOnly) DeleteUser(context.Context, string) error                   { return nil }

func TestRequire(t *testing.T) {
	require.NoError(t, Resolve(nil).Require(false, Needs{}))

	err := Resolve(nil).Require(false, Needs{Sessions: true})
	require.True(t, autherr.HasType(err, autherr.MissingAdapter))

	caps := Resolve(usersOnly{})
	require.NotNil(t, caps.Users)
	require.Nil(t, caps.Sessions)
	require.NoError(t, caps.Require(true, Needs{Users: true}))

	err = caps.Require(true, Needs{Users: true, Accounts: true, Sessions: true})
	require.True(t, autherr.HasType(err, autherr.MissingAdapterMethods))
	require.Contains(t, err.Error(), "Accounts, Sessions")
}

func TestWrap(t *testing.T) {
	require.NoError(t, Wrap(nil))
	require.ErrorIs(t, Wrap(ErrNotFound), ErrNotFound)
	require.True(t, autherr.HasType(Wrap(errors.New("db down")), autherr.AdapterError))
}
