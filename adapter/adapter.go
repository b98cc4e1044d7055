// Package adapter declares the storage capabilities the auth core consumes.
// A storage value implements whichever subset it supports; the core checks
// at startup that the subset required by the configuration is present.
package adapter

import (
	"context"
	"errors"
	"strings"

	"authkit/autherr"
	"authkit/model"
)

var (
	// ErrNotFound is returned by lookups that match no record.
	ErrNotFound = errors.New("adapter: not found")
	// ErrConflict is returned when a unique key is already taken.
	ErrConflict = errors.New("adapter: conflict")
)

// Users stores user records.
type Users interface {
	CreateUser(ctx context.Context, u model.User) (model.User, error)
	GetUser(ctx context.Context, id string) (model.User, error)
	GetUserByEmail(ctx context.Context, email string) (model.User, error)
	GetUserByAccount(ctx context.Context, provider, providerAccountID string) (model.User, error)
	UpdateUser(ctx context.Context, u model.User) (model.User, error)
	DeleteUser(ctx context.Context, id string) error
}

// Accounts stores provider links.
type Accounts interface {
	LinkAccount(ctx context.Context, a model.Account) error
	UnlinkAccount(ctx context.Context, provider, providerAccountID string) error
	GetAccount(ctx context.Context, providerAccountID, provider string) (model.Account, error)
}

// Sessions stores database-strategy sessions.
type Sessions interface {
	CreateSession(ctx context.Context, s model.Session) (model.Session, error)
	GetSessionAndUser(ctx context.Context, sessionToken string) (model.Session, model.User, error)
	UpdateSession(ctx context.Context, s model.Session) (model.Session, error)
	DeleteSession(ctx context.Context, sessionToken string) error
}

// VerificationTokens stores email sign-in tokens. UseVerificationToken
// deletes the token it returns.
type VerificationTokens interface {
	CreateVerificationToken(ctx context.Context, t model.VerificationToken) error
	UseVerificationToken(ctx context.Context, identifier, token string) (model.VerificationToken, error)
}

// Authenticators stores WebAuthn credentials.
type Authenticators interface {
	CreateAuthenticator(ctx context.Context, a model.Authenticator) error
	GetAuthenticator(ctx context.Context, credentialID string) (model.Authenticator, error)
	ListAuthenticatorsByUserID(ctx context.Context, userID string) ([]model.Authenticator, error)
	UpdateAuthenticatorCounter(ctx context.Context, credentialID string, counter uint32) error
}

// Capabilities is a storage value split into the interfaces it satisfies.
// Missing capabilities are nil.
type Capabilities struct {
	Users              Users
	Accounts           Accounts
	Sessions           Sessions
	VerificationTokens VerificationTokens
	Authenticators     Authenticators
}

// Resolve discovers the capabilities of store. A nil store has none.
func Resolve(store any) Capabilities {
	var c Capabilities
	if store == nil {
		return c
	}
	c.Users, _ = store.(Users)
	c.Accounts, _ = store.(Accounts)
	c.Sessions, _ = store.(Sessions)
	c.VerificationTokens, _ = store.(VerificationTokens)
	c.Authenticators, _ = store.(Authenticators)
	return c
}

// Needs lists the capabilities a configuration relies on.
type Needs struct {
	Users              bool
	Accounts           bool
	Sessions           bool
	VerificationTokens bool
	Authenticators     bool
}

func (n Needs) any() bool {
	return n.Users || n.Accounts || n.Sessions || n.VerificationTokens || n.Authenticators
}

// Require fails with MissingAdapter when something is needed but no store
// is configured, and with MissingAdapterMethods naming every absent
// capability otherwise.
func (c Capabilities) Require(configured bool, n Needs) error {
	if !n.any() {
		return nil
	}
	if !configured {
		return autherr.New(autherr.MissingAdapter, "the configuration requires a storage adapter")
	}
	var missing []string
	if n.Users && c.Users == nil {
		missing = append(missing, "Users")
	}
	if n.Accounts && c.Accounts == nil {
		missing = append(missing, "Accounts")
	}
	if n.Sessions && c.Sessions == nil {
		missing = append(missing, "Sessions")
	}
	if n.VerificationTokens && c.VerificationTokens == nil {
		missing = append(missing, "VerificationTokens")
	}
	if n.Authenticators && c.Authenticators == nil {
		missing = append(missing, "Authenticators")
	}
	if len(missing) > 0 {
		return autherr.Newf(autherr.MissingAdapterMethods, "adapter is missing: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Wrap tags a storage failure as an AdapterError. ErrNotFound passes through
// so callers can keep branching on it.
func Wrap(err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	return autherr.Wrap(autherr.AdapterError, err)
}
