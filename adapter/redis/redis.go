// Package redis is a storage adapter backed by Redis. Records are stored as
// JSON under a configurable key prefix; sessions and verification tokens
// carry a Redis expiry matching their own.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"authkit/adapter"
	"authkit/model"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// Config holds Redis connection settings.
type Config struct {
	Addrs    []string `yaml:"addrs"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	// KeyPrefix namespaces every key, e.g. "authkit:".
	KeyPrefix string `yaml:"key_prefix"`

	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Store implements every adapter capability on Redis.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if len(cfg.Addrs) == 0 {
		return nil, errors.New("redis: at least one address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewWithClient(client, cfg.KeyPrefix), nil
}

// NewWithClient wraps an existing client, e.g. one pointed at miniredis.
func NewWithClient(client redis.UniversalClient, keyPrefix string) *Store {
	return &Store{client: client, keyPrefix: keyPrefix}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) key(parts ...string) string {
	return s.keyPrefix + strings.Join(parts, ":")
}

func (s *Store) userKey(id string) string       { return s.key("user", id) }
func (s *Store) emailKey(email string) string   { return s.key("email", strings.ToLower(email)) }
func (s *Store) sessionKey(token string) string { return s.key("session", token) }
func (s *Store) authnKey(id string) string      { return s.key("authenticator", id) }
func (s *Store) accountKey(provider, providerAccountID string) string {
	return s.key("account", provider, providerAccountID)
}
func (s *Store) tokenKey(identifier, token string) string {
	return s.key("verification", identifier, token)
}
func (s *Store) userIndexKey(userID, kind string) string { return s.key("user", userID, kind) }

func (s *Store) getJSON(ctx context.Context, key string, v any) error {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return adapter.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("redis get %s: %w", key, err)
	}
	return json.Unmarshal(raw, v)
}

func (s *Store) setJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, raw, 0).Err()
}

// setJSONNX stores v only when key is free.
func (s *Store) setJSONNX(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, key, raw, 0).Result()
	if err != nil {
		return fmt.Errorf("redis setnx %s: %w", key, err)
	}
	if !ok {
		return adapter.ErrConflict
	}
	return nil
}

// CreateUser stores u. The email index is claimed with SETNX so concurrent
// sign-ups for the same email cannot both succeed.
func (s *Store) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Email != "" {
		ok, err := s.client.SetNX(ctx, s.emailKey(u.Email), u.ID, 0).Result()
		if err != nil {
			return model.User{}, err
		}
		if !ok {
			return model.User{}, adapter.ErrConflict
		}
	}
	if err := s.setJSONNX(ctx, s.userKey(u.ID), u); err != nil {
		if u.Email != "" {
			s.client.Del(ctx, s.emailKey(u.Email))
		}
		return model.User{}, err
	}
	return u, nil
}

// GetUser retrieves a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (model.User, error) {
	var u model.User
	if err := s.getJSON(ctx, s.userKey(id), &u); err != nil {
		return model.User{}, err
	}
	return u, nil
}

// GetUserByEmail retrieves a user through the email index.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	id, err := s.client.Get(ctx, s.emailKey(email)).Result()
	if errors.Is(err, redis.Nil) {
		return model.User{}, adapter.ErrNotFound
	}
	if err != nil {
		return model.User{}, err
	}
	return s.GetUser(ctx, id)
}

// GetUserByAccount resolves the user owning a provider identity.
func (s *Store) GetUserByAccount(ctx context.Context, provider, providerAccountID string) (model.User, error) {
	a, err := s.GetAccount(ctx, providerAccountID, provider)
	if err != nil {
		return model.User{}, err
	}
	return s.GetUser(ctx, a.UserID)
}

// UpdateUser replaces a user, moving the email index when it changes.
func (s *Store) UpdateUser(ctx context.Context, u model.User) (model.User, error) {
	prev, err := s.GetUser(ctx, u.ID)
	if err != nil {
		return model.User{}, err
	}
	if !strings.EqualFold(prev.Email, u.Email) {
		if u.Email != "" {
			ok, err := s.client.SetNX(ctx, s.emailKey(u.Email), u.ID, 0).Result()
			if err != nil {
				return model.User{}, err
			}
			if !ok {
				return model.User{}, adapter.ErrConflict
			}
		}
		if prev.Email != "" {
			s.client.Del(ctx, s.emailKey(prev.Email))
		}
	}
	if err := s.setJSON(ctx, s.userKey(u.ID), u); err != nil {
		return model.User{}, err
	}
	return u, nil
}

// DeleteUser removes a user and everything indexed under it.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	u, err := s.GetUser(ctx, id)
	if err != nil {
		return err
	}
	keys := []string{s.userKey(id)}
	if u.Email != "" {
		keys = append(keys, s.emailKey(u.Email))
	}
	for _, kind := range []string{"accounts", "sessions", "authenticators"} {
		idx := s.userIndexKey(id, kind)
		members, err := s.client.SMembers(ctx, idx).Result()
		if err != nil {
			return err
		}
		keys = append(keys, members...)
		keys = append(keys, idx)
	}
	return s.client.Del(ctx, keys...).Err()
}

// LinkAccount stores a provider link.
func (s *Store) LinkAccount(ctx context.Context, a model.Account) error {
	k := s.accountKey(a.Provider, a.ProviderAccountID)
	if err := s.setJSONNX(ctx, k, a); err != nil {
		return err
	}
	return s.client.SAdd(ctx, s.userIndexKey(a.UserID, "accounts"), k).Err()
}

// UnlinkAccount removes a provider link.
func (s *Store) UnlinkAccount(ctx context.Context, provider, providerAccountID string) error {
	a, err := s.GetAccount(ctx, providerAccountID, provider)
	if err != nil {
		return err
	}
	k := s.accountKey(provider, providerAccountID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, k)
		pipe.SRem(ctx, s.userIndexKey(a.UserID, "accounts"), k)
		return nil
	})
	return err
}

// GetAccount retrieves a provider link.
func (s *Store) GetAccount(ctx context.Context, providerAccountID, provider string) (model.Account, error) {
	var a model.Account
	if err := s.getJSON(ctx, s.accountKey(provider, providerAccountID), &a); err != nil {
		return model.Account{}, err
	}
	return a, nil
}

func (s *Store) writeSession(ctx context.Context, sess model.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	k := s.sessionKey(sess.SessionToken)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, k, raw, 0)
		pipe.ExpireAt(ctx, k, sess.Expires)
		pipe.SAdd(ctx, s.userIndexKey(sess.UserID, "sessions"), k)
		return nil
	})
	return err
}

// CreateSession stores a session that Redis expires with it.
func (s *Store) CreateSession(ctx context.Context, sess model.Session) (model.Session, error) {
	if err := s.writeSession(ctx, sess); err != nil {
		return model.Session{}, err
	}
	return sess, nil
}

// GetSessionAndUser loads a session and its user.
func (s *Store) GetSessionAndUser(ctx context.Context, sessionToken string) (model.Session, model.User, error) {
	var sess model.Session
	if err := s.getJSON(ctx, s.sessionKey(sessionToken), &sess); err != nil {
		return model.Session{}, model.User{}, err
	}
	u, err := s.GetUser(ctx, sess.UserID)
	if err != nil {
		return model.Session{}, model.User{}, err
	}
	return sess, u, nil
}

// UpdateSession replaces a session and its expiry.
func (s *Store) UpdateSession(ctx context.Context, sess model.Session) (model.Session, error) {
	var prev model.Session
	if err := s.getJSON(ctx, s.sessionKey(sess.SessionToken), &prev); err != nil {
		return model.Session{}, err
	}
	if sess.UserID == "" {
		sess.UserID = prev.UserID
	}
	if sess.Expires.IsZero() {
		sess.Expires = prev.Expires
	}
	if err := s.writeSession(ctx, sess); err != nil {
		return model.Session{}, err
	}
	return sess, nil
}

// DeleteSession removes a session.
func (s *Store) DeleteSession(ctx context.Context, sessionToken string) error {
	k := s.sessionKey(sessionToken)
	var prev model.Session
	err := s.getJSON(ctx, k, &prev)
	if errors.Is(err, adapter.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, k)
		pipe.SRem(ctx, s.userIndexKey(prev.UserID, "sessions"), k)
		return nil
	})
	return err
}

// CreateVerificationToken stores a token that Redis expires with it.
func (s *Store) CreateVerificationToken(ctx context.Context, t model.VerificationToken) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	k := s.tokenKey(t.Identifier, t.Token)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, k, raw, 0)
		pipe.ExpireAt(ctx, k, t.Expires)
		return nil
	})
	return err
}

// UseVerificationToken atomically reads and deletes a token with GETDEL.
func (s *Store) UseVerificationToken(ctx context.Context, identifier, token string) (model.VerificationToken, error) {
	raw, err := s.client.GetDel(ctx, s.tokenKey(identifier, token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.VerificationToken{}, adapter.ErrNotFound
	}
	if err != nil {
		return model.VerificationToken{}, err
	}
	var t model.VerificationToken
	if err := json.Unmarshal(raw, &t); err != nil {
		return model.VerificationToken{}, err
	}
	return t, nil
}

// CreateAuthenticator stores a WebAuthn credential.
func (s *Store) CreateAuthenticator(ctx context.Context, a model.Authenticator) error {
	k := s.authnKey(a.CredentialID)
	if err := s.setJSONNX(ctx, k, a); err != nil {
		return err
	}
	return s.client.SAdd(ctx, s.userIndexKey(a.UserID, "authenticators"), k).Err()
}

// GetAuthenticator retrieves a credential by id.
func (s *Store) GetAuthenticator(ctx context.Context, credentialID string) (model.Authenticator, error) {
	var a model.Authenticator
	if err := s.getJSON(ctx, s.authnKey(credentialID), &a); err != nil {
		return model.Authenticator{}, err
	}
	return a, nil
}

// ListAuthenticatorsByUserID lists a user's credentials.
func (s *Store) ListAuthenticatorsByUserID(ctx context.Context, userID string) ([]model.Authenticator, error) {
	keys, err := s.client.SMembers(ctx, s.userIndexKey(userID, "authenticators")).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.Authenticator, 0, len(keys))
	for _, k := range keys {
		var a model.Authenticator
		err := s.getJSON(ctx, k, &a)
		if errors.Is(err, adapter.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// UpdateAuthenticatorCounter records the latest signature counter.
func (s *Store) UpdateAuthenticatorCounter(ctx context.Context, credentialID string, counter uint32) error {
	a, err := s.GetAuthenticator(ctx, credentialID)
	if err != nil {
		return err
	}
	a.Counter = counter
	return s.setJSON(ctx, s.authnKey(credentialID), a)
}
