// Package memory is an in-process storage adapter for development and tests.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"authkit/adapter"
	"authkit/model"
)

// Store keeps every record in maps guarded by a single lock.
type Store struct {
	mu             sync.RWMutex
	users          map[string]model.User
	usersByEmail   map[string]string
	accounts       map[string]model.Account
	sessions       map[string]model.Session
	tokens         map[string]model.VerificationToken
	authenticators map[string]model.Authenticator
}

// New constructs an empty store.
func New() *Store {
	return &Store{
		users:          make(map[string]model.User),
		usersByEmail:   make(map[string]string),
		accounts:       make(map[string]model.Account),
		sessions:       make(map[string]model.Session),
		tokens:         make(map[string]model.VerificationToken),
		authenticators: make(map[string]model.Authenticator),
	}
}

func accountKey(provider, providerAccountID string) string {
	return provider + "\x00" + providerAccountID
}

func emailKey(email string) string { return strings.ToLower(email) }

// CreateUser stores u, assigning an id when empty. Emails are unique.
func (s *Store) CreateUser(_ context.Context, u model.User) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if _, ok := s.users[u.ID]; ok {
		return model.User{}, adapter.ErrConflict
	}
	if u.Email != "" {
		if _, ok := s.usersByEmail[emailKey(u.Email)]; ok {
			return model.User{}, adapter.ErrConflict
		}
		s.usersByEmail[emailKey(u.Email)] = u.ID
	}
	s.users[u.ID] = u
	return u, nil
}

// GetUser retrieves a user by id.
func (s *Store) GetUser(_ context.Context, id string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return model.User{}, adapter.ErrNotFound
	}
	return u, nil
}

// GetUserByEmail retrieves a user by case-insensitive email.
func (s *Store) GetUserByEmail(_ context.Context, email string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usersByEmail[emailKey(email)]
	if !ok {
		return model.User{}, adapter.ErrNotFound
	}
	return s.users[id], nil
}

// GetUserByAccount resolves the user owning a provider identity.
func (s *Store) GetUserByAccount(_ context.Context, provider, providerAccountID string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[accountKey(provider, providerAccountID)]
	if !ok {
		return model.User{}, adapter.ErrNotFound
	}
	u, ok := s.users[a.UserID]
	if !ok {
		return model.User{}, adapter.ErrNotFound
	}
	return u, nil
}

// UpdateUser replaces the stored fields of u.
func (s *Store) UpdateUser(_ context.Context, u model.User) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.users[u.ID]
	if !ok {
		return model.User{}, adapter.ErrNotFound
	}
	if !strings.EqualFold(prev.Email, u.Email) {
		if u.Email != "" {
			if _, taken := s.usersByEmail[emailKey(u.Email)]; taken {
				return model.User{}, adapter.ErrConflict
			}
			s.usersByEmail[emailKey(u.Email)] = u.ID
		}
		delete(s.usersByEmail, emailKey(prev.Email))
	}
	s.users[u.ID] = u
	return u, nil
}

// DeleteUser removes a user with its accounts, sessions and authenticators.
func (s *Store) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return adapter.ErrNotFound
	}
	delete(s.users, id)
	delete(s.usersByEmail, emailKey(u.Email))
	for k, a := range s.accounts {
		if a.UserID == id {
			delete(s.accounts, k)
		}
	}
	for k, sess := range s.sessions {
		if sess.UserID == id {
			delete(s.sessions, k)
		}
	}
	for k, a := range s.authenticators {
		if a.UserID == id {
			delete(s.authenticators, k)
		}
	}
	return nil
}

// LinkAccount stores a provider link. A provider identity links once.
func (s *Store) LinkAccount(_ context.Context, a model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := accountKey(a.Provider, a.ProviderAccountID)
	if _, ok := s.accounts[k]; ok {
		return adapter.ErrConflict
	}
	s.accounts[k] = a
	return nil
}

// UnlinkAccount removes a provider link.
func (s *Store) UnlinkAccount(_ context.Context, provider, providerAccountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := accountKey(provider, providerAccountID)
	if _, ok := s.accounts[k]; !ok {
		return adapter.ErrNotFound
	}
	delete(s.accounts, k)
	return nil
}

// GetAccount retrieves a provider link.
func (s *Store) GetAccount(_ context.Context, providerAccountID, provider string) (model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[accountKey(provider, providerAccountID)]
	if !ok {
		return model.Account{}, adapter.ErrNotFound
	}
	return a, nil
}

// CreateSession stores a session row.
func (s *Store) CreateSession(_ context.Context, sess model.Session) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.SessionToken] = sess
	return sess, nil
}

// GetSessionAndUser loads a session and its user.
func (s *Store) GetSessionAndUser(_ context.Context, sessionToken string) (model.Session, model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionToken]
	if !ok {
		return model.Session{}, model.User{}, adapter.ErrNotFound
	}
	u, ok := s.users[sess.UserID]
	if !ok {
		return model.Session{}, model.User{}, adapter.ErrNotFound
	}
	return sess, u, nil
}

// UpdateSession replaces a session row.
func (s *Store) UpdateSession(_ context.Context, sess model.Session) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.sessions[sess.SessionToken]
	if !ok {
		return model.Session{}, adapter.ErrNotFound
	}
	if sess.UserID == "" {
		sess.UserID = prev.UserID
	}
	s.sessions[sess.SessionToken] = sess
	return sess, nil
}

// DeleteSession removes a session row. Deleting a missing row is not an error.
func (s *Store) DeleteSession(_ context.Context, sessionToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionToken)
	return nil
}

func tokenKey(identifier, token string) string { return identifier + "\x00" + token }

// CreateVerificationToken stores a hashed email sign-in token.
func (s *Store) CreateVerificationToken(_ context.Context, t model.VerificationToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tokenKey(t.Identifier, t.Token)] = t
	return nil
}

// UseVerificationToken returns and deletes a token.
func (s *Store) UseVerificationToken(_ context.Context, identifier, token string) (model.VerificationToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := tokenKey(identifier, token)
	t, ok := s.tokens[k]
	if !ok {
		return model.VerificationToken{}, adapter.ErrNotFound
	}
	delete(s.tokens, k)
	return t, nil
}

// CreateAuthenticator stores a WebAuthn credential.
func (s *Store) CreateAuthenticator(_ context.Context, a model.Authenticator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.authenticators[a.CredentialID]; ok {
		return adapter.ErrConflict
	}
	s.authenticators[a.CredentialID] = a
	return nil
}

// GetAuthenticator retrieves a credential by id.
func (s *Store) GetAuthenticator(_ context.Context, credentialID string) (model.Authenticator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.authenticators[credentialID]
	if !ok {
		return model.Authenticator{}, adapter.ErrNotFound
	}
	return a, nil
}

// ListAuthenticatorsByUserID lists a user's credentials.
func (s *Store) ListAuthenticatorsByUserID(_ context.Context, userID string) ([]model.Authenticator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Authenticator
	for _, a := range s.authenticators {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

// UpdateAuthenticatorCounter records the latest signature counter.
func (s *Store) UpdateAuthenticatorCounter(_ context.Context, credentialID string, counter uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.authenticators[credentialID]
	if !ok {
		return adapter.ErrNotFound
	}
	a.Counter = counter
	s.authenticators[credentialID] = a
	return nil
}
