package autherr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientCodeCollapsesUnsafeTypes(t *testing.T) {
	require.Equal(t, InvalidCheck, ClientCode(New(InvalidCheck, "state cookie was missing")))
	require.Equal(t, OAuthAccountNotLinked, ClientCode(New(OAuthAccountNotLinked, "linked elsewhere")))
	require.Equal(t, Configuration, ClientCode(New(AdapterError, "db down")))
	require.Equal(t, Configuration, ClientCode(errors.New("plain")))
}

func TestTypeSurvivesWrapping(t *testing.T) {
	inner := New(MissingCSRF, "token mismatch")
	err := fmt.Errorf("signin: %w", inner)

	require.True(t, HasType(err, MissingCSRF))
	require.False(t, HasType(err, InvalidCheck))
	require.Equal(t, MissingCSRF, TypeOf(err))
}

func TestWrapNil(t *testing.T) {
	require.Nil(t, Wrap(AdapterError, nil))
}

func TestKind(t *testing.T) {
	require.Equal(t, PageSignIn, Kind(New(OAuthAccountNotLinked, "x")))
	require.Equal(t, PageSignIn, Kind(New(EmailSignInError, "x")))
	require.Equal(t, PageError, Kind(New(InvalidCheck, "x")))
	require.Equal(t, PageError, Kind(errors.New("x")))
}
