package provider

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"authkit/model"
)

// Passkeys is the WebAuthn ceremony capability. NewPasskeys returns one
// backed by *webauthn.WebAuthn.
type Passkeys interface {
	// ParseAttestation and ParseAssertion decode the JSON a browser posts
	// back at the end of a ceremony.
	ParseAttestation(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseAssertion(data []byte) (*protocol.ParsedCredentialAssertionData, error)
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	BeginDiscoverableLogin(opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
	ValidatePasskeyLogin(handler webauthn.DiscoverableUserHandler, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (webauthn.User, *webauthn.Credential, error)
}

// NewPasskeys returns the configured override or a library instance bound to
// the relying party.
func NewPasskeys(cfg *WebAuthnConfig, rpID string, origins []string) (Passkeys, error) {
	if cfg.Passkeys != nil {
		return cfg.Passkeys, nil
	}
	if cfg.RPID != "" {
		rpID = cfg.RPID
	}
	if len(cfg.RPOrigins) > 0 {
		origins = cfg.RPOrigins
	}
	wc := &webauthn.Config{
		RPDisplayName: cfg.RPName,
		RPID:          rpID,
		RPOrigins:     origins,
	}
	if cfg.Timeout > 0 {
		t := webauthn.TimeoutConfig{Enforce: true, Timeout: cfg.Timeout, TimeoutUVD: cfg.Timeout}
		wc.Timeouts = webauthn.TimeoutsConfig{Login: t, Registration: t}
	}
	wa, err := webauthn.New(wc)
	if err != nil {
		return nil, fmt.Errorf("webauthn %s: %w", cfg.ID(), err)
	}
	return &libraryPasskeys{WebAuthn: wa}, nil
}

type libraryPasskeys struct {
	*webauthn.WebAuthn
}

func (*libraryPasskeys) ParseAttestation(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

func (*libraryPasskeys) ParseAssertion(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

// PasskeyUser adapts a user and its stored credentials to webauthn.User.
type PasskeyUser struct {
	User        model.User
	Credentials []webauthn.Credential
}

func (u *PasskeyUser) WebAuthnID() []byte { return []byte(u.User.ID) }

func (u *PasskeyUser) WebAuthnName() string {
	if u.User.Email != "" {
		return u.User.Email
	}
	return u.User.ID
}

func (u *PasskeyUser) WebAuthnDisplayName() string {
	if u.User.Name != "" {
		return u.User.Name
	}
	return u.WebAuthnName()
}

func (u *PasskeyUser) WebAuthnCredentials() []webauthn.Credential { return u.Credentials }

// EncodeCredentialID renders a raw credential id the way it is stored.
func EncodeCredentialID(id []byte) string {
	return base64.RawURLEncoding.EncodeToString(id)
}

// DecodeCredentials restores library credentials from stored authenticators.
func DecodeCredentials(records []model.Authenticator) ([]webauthn.Credential, error) {
	if len(records) == 0 {
		return nil, nil
	}
	out := make([]webauthn.Credential, 0, len(records))
	for _, r := range records {
		var c webauthn.Credential
		if err := json.Unmarshal(r.Credential, &c); err != nil {
			return nil, fmt.Errorf("decode credential %s: %w", r.CredentialID, err)
		}
		c.Authenticator.SignCount = r.Counter
		out = append(out, c)
	}
	return out, nil
}

// AuthenticatorFromCredential builds the stored record for a new credential.
func AuthenticatorFromCredential(userID string, c *webauthn.Credential) (model.Authenticator, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return model.Authenticator{}, err
	}
	transports := make([]string, 0, len(c.Transport))
	for _, t := range c.Transport {
		transports = append(transports, string(t))
	}
	deviceType := "singleDevice"
	if c.Flags.BackupEligible {
		deviceType = "multiDevice"
	}
	id := EncodeCredentialID(c.ID)
	return model.Authenticator{
		CredentialID:         id,
		UserID:               userID,
		ProviderAccountID:    id,
		Counter:              c.Authenticator.SignCount,
		CredentialDeviceType: deviceType,
		CredentialBackedUp:   c.Flags.BackupState,
		Transports:           strings.Join(transports, ","),
		Credential:           raw,
	}, nil
}
