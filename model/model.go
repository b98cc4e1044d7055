// Package model holds the records exchanged with storage adapters.
package model

import (
	"encoding/json"
	"time"
)

// User is the internal identity a session belongs to.
type User struct {
	ID            string     `json:"id"`
	Name          string     `json:"name,omitempty"`
	Email         string     `json:"email,omitempty"`
	EmailVerified *time.Time `json:"emailVerified,omitempty"`
	Image         string     `json:"image,omitempty"`
}

// AccountType mirrors the provider type an account was created through.
type AccountType string

const (
	AccountOAuth       AccountType = "oauth"
	AccountOIDC        AccountType = "oidc"
	AccountEmail       AccountType = "email"
	AccountCredentials AccountType = "credentials"
	AccountWebAuthn    AccountType = "webauthn"
)

// Account links a User to a provider identity and keeps the token material
// returned by that provider.
type Account struct {
	UserID            string      `json:"userId"`
	Type              AccountType `json:"type"`
	Provider          string      `json:"provider"`
	ProviderAccountID string      `json:"providerAccountId"`
	AccessToken       string      `json:"access_token,omitempty"`
	RefreshToken      string      `json:"refresh_token,omitempty"`
	IDToken           string      `json:"id_token,omitempty"`
	TokenType         string      `json:"token_type,omitempty"`
	Scope             string      `json:"scope,omitempty"`
	// ExpiresAt is a unix timestamp in seconds, zero when unknown.
	ExpiresAt int64 `json:"expires_at,omitempty"`
}

// Session is a database-strategy session row.
type Session struct {
	SessionToken string    `json:"sessionToken"`
	UserID       string    `json:"userId"`
	Expires      time.Time `json:"expires"`
}

// VerificationToken backs email sign-in links. Token holds the hashed value.
type VerificationToken struct {
	Identifier string    `json:"identifier"`
	Token      string    `json:"token"`
	Expires    time.Time `json:"expires"`
}

// Authenticator is a registered WebAuthn credential.
type Authenticator struct {
	CredentialID         string `json:"credentialID"`
	UserID               string `json:"userId"`
	ProviderAccountID    string `json:"providerAccountId"`
	Counter              uint32 `json:"counter"`
	CredentialDeviceType string `json:"credentialDeviceType,omitempty"`
	CredentialBackedUp   bool   `json:"credentialBackedUp"`
	Transports           string `json:"transports,omitempty"`
	// Credential is the serialized library credential used for verification.
	Credential json.RawMessage `json:"credential,omitempty"`
}
