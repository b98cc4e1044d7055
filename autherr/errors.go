// Package autherr defines the typed errors raised while handling auth
// requests and the rules for what a browser is allowed to see.
package autherr

import (
	"errors"
	"fmt"
)

// Type names an error kind. The string value doubles as the code shown to
// browsers for client-safe kinds.
type Type string

// Configuration errors. Always fatal for the request.
const (
	Configuration                 Type = "Configuration"
	MissingSecret                 Type = "MissingSecret"
	MissingAdapter                Type = "MissingAdapter"
	MissingAdapterMethods         Type = "MissingAdapterMethods"
	MissingAuthorize              Type = "MissingAuthorize"
	InvalidProvider               Type = "InvalidProvider"
	InvalidEndpoints              Type = "InvalidEndpoints"
	UnsupportedStrategy           Type = "UnsupportedStrategy"
	InvalidCallbackURL            Type = "InvalidCallbackUrl"
	UntrustedHost                 Type = "UntrustedHost"
	ExperimentalFeatureNotEnabled Type = "ExperimentalFeatureNotEnabled"
	UnknownAction                 Type = "UnknownAction"
)

// Protocol and check errors.
const (
	InvalidCheck Type = "InvalidCheck"
	MissingCSRF  Type = "MissingCSRF"
)

// Provider communication errors.
const (
	OAuthSignInError       Type = "OAuthSignInError"
	OAuthCallbackError     Type = "OAuthCallbackError"
	OAuthProfileParseError Type = "OAuthProfileParseError"
	CallbackRouteError     Type = "CallbackRouteError"
	EmailSignInError       Type = "EmailSignInError"
)

// Account linking refusals and sign-in outcomes.
const (
	OAuthAccountNotLinked     Type = "OAuthAccountNotLinked"
	AccountNotLinked          Type = "AccountNotLinked"
	AccessDenied              Type = "AccessDenied"
	Verification              Type = "Verification"
	CredentialsSignin         Type = "CredentialsSignin"
	WebAuthnVerificationError Type = "WebAuthnVerificationError"
)

// Storage and session errors.
const (
	AdapterError      Type = "AdapterError"
	JWTSessionError   Type = "JWTSessionError"
	SessionTokenError Type = "SessionTokenError"
	SignOutError      Type = "SignOutError"
)

// Error is a typed failure raised by the authentication core.
type Error struct {
	Type Type
	Err  error
}

// New builds an error of the given type with a plain message.
func New(t Type, msg string) *Error {
	return &Error{Type: t, Err: errors.New(msg)}
}

// Newf builds an error of the given type with a formatted message.
func Newf(t Type, format string, args ...any) *Error {
	return &Error{Type: t, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a type to an underlying cause. A nil cause yields nil.
func Wrap(t Type, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Type: t, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Type)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Err.Error())
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Type, so callers can compare against
// a zero-cause sentinel such as &Error{Type: InvalidCheck}.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

// TypeOf returns the type of the outermost *Error in the chain, or
// Configuration when the chain carries none.
func TypeOf(err error) Type {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Type
	}
	return Configuration
}

// HasType reports whether err carries an *Error of type t anywhere in its chain.
func HasType(err error, t Type) bool {
	return errors.Is(err, &Error{Type: t})
}

var clientSafe = map[Type]bool{
	AccessDenied:              true,
	OAuthAccountNotLinked:     true,
	AccountNotLinked:          true,
	OAuthCallbackError:        true,
	OAuthSignInError:          true,
	InvalidCheck:              true,
	Verification:              true,
	MissingCSRF:               true,
	CredentialsSignin:         true,
	WebAuthnVerificationError: true,
}

// ClientCode collapses err to the code that may be shown to a browser.
// Anything outside the allow-list becomes Configuration.
func ClientCode(err error) Type {
	t := TypeOf(err)
	if clientSafe[t] {
		return t
	}
	return Configuration
}

// PageKind names the page an error is surfaced on.
type PageKind string

const (
	PageError  PageKind = "error"
	PageSignIn PageKind = "signIn"
)

var signInKind = map[Type]bool{
	OAuthAccountNotLinked: true,
	OAuthCallbackError:    true,
	OAuthSignInError:      true,
	EmailSignInError:      true,
	CredentialsSignin:     true,
}

// Kind returns the page the error should redirect to.
func Kind(err error) PageKind {
	if signInKind[TypeOf(err)] {
		return PageSignIn
	}
	return PageError
}
