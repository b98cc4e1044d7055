// Package sqlite is a storage adapter on SQLite. Unique constraints on user
// email and on (provider, provider_account_id) make concurrent find-or-create
// races fail with adapter.ErrConflict instead of producing duplicates.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"authkit/adapter"
	"authkit/model"
)

//go:embed schema.sql
var schema string

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store implements every adapter capability over SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return adapter.ErrNotFound
	case isUniqueViolation(err):
		return adapter.ErrConflict
	default:
		return err
	}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return adapter.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const userColumns = `u.id, u.name, u.email, u.email_verified, u.image`

func scanUser(row rowScanner) (model.User, error) {
	var (
		u        model.User
		email    sql.NullString
		verified sql.NullInt64
	)
	if err := row.Scan(&u.ID, &u.Name, &email, &verified, &u.Image); err != nil {
		return model.User{}, translate(err)
	}
	u.Email = email.String
	if verified.Valid {
		t := fromMillis(verified.Int64)
		u.EmailVerified = &t
	}
	return u, nil
}

// CreateUser inserts u, assigning an id when empty.
func (s *Store) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, email, email_verified, image) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Name, nullString(u.Email), nullMillis(u.EmailVerified), u.Image)
	if err != nil {
		return model.User{}, translate(err)
	}
	return u, nil
}

// GetUser retrieves a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (model.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users u WHERE u.id = ?`, id))
}

// GetUserByEmail retrieves a user by case-insensitive email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users u WHERE u.email = ?`, email))
}

// GetUserByAccount resolves the user owning a provider identity.
func (s *Store) GetUserByAccount(ctx context.Context, provider, providerAccountID string) (model.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users u
		 JOIN accounts a ON a.user_id = u.id
		 WHERE a.provider = ? AND a.provider_account_id = ?`,
		provider, providerAccountID))
}

// UpdateUser replaces the stored fields of u.
func (s *Store) UpdateUser(ctx context.Context, u model.User) (model.User, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET name = ?, email = ?, email_verified = ?, image = ? WHERE id = ?`,
		u.Name, nullString(u.Email), nullMillis(u.EmailVerified), u.Image, u.ID)
	if err != nil {
		return model.User{}, translate(err)
	}
	if err := requireAffected(res); err != nil {
		return model.User{}, err
	}
	return u, nil
}

// DeleteUser removes a user; accounts, sessions and authenticators cascade.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return translate(err)
	}
	return requireAffected(res)
}

// LinkAccount inserts a provider link.
func (s *Store) LinkAccount(ctx context.Context, a model.Account) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (provider, provider_account_id, user_id, type, access_token,
		  refresh_token, id_token, token_type, scope, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Provider, a.ProviderAccountID, a.UserID, string(a.Type), a.AccessToken,
		a.RefreshToken, a.IDToken, a.TokenType, a.Scope, a.ExpiresAt)
	return translate(err)
}

// UnlinkAccount removes a provider link.
func (s *Store) UnlinkAccount(ctx context.Context, provider, providerAccountID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM accounts WHERE provider = ? AND provider_account_id = ?`, provider, providerAccountID)
	if err != nil {
		return translate(err)
	}
	return requireAffected(res)
}

// GetAccount retrieves a provider link.
func (s *Store) GetAccount(ctx context.Context, providerAccountID, provider string) (model.Account, error) {
	var (
		a   model.Account
		typ string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT provider, provider_account_id, user_id, type, access_token, refresh_token,
		  id_token, token_type, scope, expires_at
		 FROM accounts WHERE provider = ? AND provider_account_id = ?`,
		provider, providerAccountID).Scan(
		&a.Provider, &a.ProviderAccountID, &a.UserID, &typ, &a.AccessToken, &a.RefreshToken,
		&a.IDToken, &a.TokenType, &a.Scope, &a.ExpiresAt)
	if err != nil {
		return model.Account{}, translate(err)
	}
	a.Type = model.AccountType(typ)
	return a, nil
}

// CreateSession inserts a session row.
func (s *Store) CreateSession(ctx context.Context, sess model.Session) (model.Session, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_token, user_id, expires) VALUES (?, ?, ?)`,
		sess.SessionToken, sess.UserID, toMillis(sess.Expires))
	if err != nil {
		return model.Session{}, translate(err)
	}
	return sess, nil
}

// GetSessionAndUser loads a session and its user in one query.
func (s *Store) GetSessionAndUser(ctx context.Context, sessionToken string) (model.Session, model.User, error) {
	var (
		sess     model.Session
		expires  int64
		u        model.User
		email    sql.NullString
		verified sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT s.session_token, s.user_id, s.expires, `+userColumns+`
		 FROM sessions s JOIN users u ON u.id = s.user_id
		 WHERE s.session_token = ?`, sessionToken).Scan(
		&sess.SessionToken, &sess.UserID, &expires,
		&u.ID, &u.Name, &email, &verified, &u.Image)
	if err != nil {
		return model.Session{}, model.User{}, translate(err)
	}
	sess.Expires = fromMillis(expires)
	u.Email = email.String
	if verified.Valid {
		t := fromMillis(verified.Int64)
		u.EmailVerified = &t
	}
	return sess, u, nil
}

// UpdateSession moves a session's expiry, keeping its owner when UserID is empty.
func (s *Store) UpdateSession(ctx context.Context, sess model.Session) (model.Session, error) {
	var userID string
	err := s.db.QueryRowContext(ctx,
		`UPDATE sessions SET expires = ?, user_id = COALESCE(NULLIF(?, ''), user_id)
		 WHERE session_token = ? RETURNING user_id`,
		toMillis(sess.Expires), sess.UserID, sess.SessionToken).Scan(&userID)
	if err != nil {
		return model.Session{}, translate(err)
	}
	sess.UserID = userID
	return sess, nil
}

// DeleteSession removes a session row. Deleting a missing row is not an error.
func (s *Store) DeleteSession(ctx context.Context, sessionToken string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_token = ?`, sessionToken)
	return translate(err)
}

// CreateVerificationToken inserts a hashed email sign-in token.
func (s *Store) CreateVerificationToken(ctx context.Context, t model.VerificationToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO verification_tokens (identifier, token, expires) VALUES (?, ?, ?)`,
		t.Identifier, t.Token, toMillis(t.Expires))
	return translate(err)
}

// UseVerificationToken deletes and returns a token in a single statement.
func (s *Store) UseVerificationToken(ctx context.Context, identifier, token string) (model.VerificationToken, error) {
	var (
		t       model.VerificationToken
		expires int64
	)
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM verification_tokens WHERE identifier = ? AND token = ?
		 RETURNING identifier, token, expires`, identifier, token).Scan(&t.Identifier, &t.Token, &expires)
	if err != nil {
		return model.VerificationToken{}, translate(err)
	}
	t.Expires = fromMillis(expires)
	return t, nil
}

const authenticatorColumns = `credential_id, user_id, provider_account_id, counter,
  credential_device_type, credential_backed_up, transports, credential`

func scanAuthenticator(row rowScanner) (model.Authenticator, error) {
	var (
		a        model.Authenticator
		counter  int64
		backedUp int64
		cred     []byte
	)
	if err := row.Scan(&a.CredentialID, &a.UserID, &a.ProviderAccountID, &counter,
		&a.CredentialDeviceType, &backedUp, &a.Transports, &cred); err != nil {
		return model.Authenticator{}, translate(err)
	}
	a.Counter = uint32(counter)
	a.CredentialBackedUp = backedUp != 0
	if len(cred) > 0 {
		a.Credential = cred
	}
	return a, nil
}

// CreateAuthenticator inserts a WebAuthn credential.
func (s *Store) CreateAuthenticator(ctx context.Context, a model.Authenticator) error {
	backedUp := 0
	if a.CredentialBackedUp {
		backedUp = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO authenticators (`+authenticatorColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.CredentialID, a.UserID, a.ProviderAccountID, int64(a.Counter),
		a.CredentialDeviceType, backedUp, a.Transports, []byte(a.Credential))
	return translate(err)
}

// GetAuthenticator retrieves a credential by id.
func (s *Store) GetAuthenticator(ctx context.Context, credentialID string) (model.Authenticator, error) {
	return scanAuthenticator(s.db.QueryRowContext(ctx,
		`SELECT `+authenticatorColumns+` FROM authenticators WHERE credential_id = ?`, credentialID))
}

// ListAuthenticatorsByUserID lists a user's credentials.
func (s *Store) ListAuthenticatorsByUserID(ctx context.Context, userID string) ([]model.Authenticator, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+authenticatorColumns+` FROM authenticators WHERE user_id = ? ORDER BY credential_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Authenticator
	for rows.Next() {
		a, err := scanAuthenticator(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAuthenticatorCounter records the latest signature counter.
func (s *Store) UpdateAuthenticatorCounter(ctx context.Context, credentialID string, counter uint32) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE authenticators SET counter = ? WHERE credential_id = ?`, int64(counter), credentialID)
	if err != nil {
		return translate(err)
	}
	return requireAffected(res)
}
