package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/agentpod/agentpod/internal/common/errors"
	"github.com/agentpod/agentpod/internal/db"
	"github.com/agentpod/agentpod/internal/oauth"
)

// OAuthStore implements oauth.Store. Token material, client secrets, and
// PKCE verifiers are sealed with the vault cipher before they touch disk.
type OAuthStore struct {
	writer *sqlx.DB
	reader *sqlx.DB
	cipher Cipher
}

var _ oauth.Store = (*OAuthStore)(nil)

// NewOAuthStore initializes the oauth vault schema.
func NewOAuthStore(pool *db.Pool, cipher Cipher) (*OAuthStore, error) {
	s := &OAuthStore{writer: pool.Writer(), reader: pool.Reader(), cipher: cipher}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("oauth schema init: %w", err)
	}
	return s, nil
}

func (s *OAuthStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS oauth_sessions (
		id              TEXT PRIMARY KEY,
		user_id         TEXT NOT NULL,
		resource_url    TEXT NOT NULL,
		auth_server_url TEXT NOT NULL DEFAULT '',
		client_id       TEXT NOT NULL DEFAULT '',
		client_secret   BLOB,
		secret_nonce    BLOB,
		access_token    BLOB,
		access_nonce    BLOB,
		refresh_token   BLOB,
		refresh_nonce   BLOB,
		token_type      TEXT NOT NULL DEFAULT '',
		scope           TEXT NOT NULL DEFAULT '',
		expires_at      TIMESTAMP,
		pkce_verifier   BLOB,
		verifier_nonce  BLOB,
		state           TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL,
		created_at      TIMESTAMP NOT NULL,
		updated_at      TIMESTAMP NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_oauth_user_resource ON oauth_sessions(user_id, resource_url);
	CREATE INDEX IF NOT EXISTS idx_oauth_state ON oauth_sessions(state);
	`
	_, err := s.writer.Exec(schema)
	return err
}

type oauthRow struct {
	ID            string       `db:"id"`
	UserID        string       `db:"user_id"`
	ResourceURL   string       `db:"resource_url"`
	AuthServerURL string       `db:"auth_server_url"`
	ClientID      string       `db:"client_id"`
	ClientSecret  []byte       `db:"client_secret"`
	SecretNonce   []byte       `db:"secret_nonce"`
	AccessToken   []byte       `db:"access_token"`
	AccessNonce   []byte       `db:"access_nonce"`
	RefreshToken  []byte       `db:"refresh_token"`
	RefreshNonce  []byte       `db:"refresh_nonce"`
	TokenType     string       `db:"token_type"`
	Scope         string       `db:"scope"`
	ExpiresAt     sql.NullTime `db:"expires_at"`
	PKCEVerifier  []byte       `db:"pkce_verifier"`
	VerifierNonce []byte       `db:"verifier_nonce"`
	State         string       `db:"state"`
	Status        string       `db:"status"`
	CreatedAt     time.Time    `db:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
}

func (s *OAuthStore) seal(plaintext string) ([]byte, []byte, error) {
	if plaintext == "" {
		return nil, nil, nil
	}
	return s.cipher.Encrypt([]byte(plaintext))
}

func (s *OAuthStore) open(ciphertext, nonce []byte) (string, error) {
	if len(ciphertext) == 0 {
		return "", nil
	}
	plaintext, err := s.cipher.Decrypt(ciphertext, nonce)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (s *OAuthStore) toSession(r *oauthRow) (*oauth.Session, error) {
	session := &oauth.Session{
		ID:            r.ID,
		UserID:        r.UserID,
		ResourceURL:   r.ResourceURL,
		AuthServerURL: r.AuthServerURL,
		ClientID:      r.ClientID,
		TokenType:     r.TokenType,
		Scope:         r.Scope,
		State:         r.State,
		Status:        oauth.SessionStatus(r.Status),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.ExpiresAt.Valid {
		session.ExpiresAt = r.ExpiresAt.Time
	}

	var err error
	if session.ClientSecret, err = s.open(r.ClientSecret, r.SecretNonce); err != nil {
		return nil, apperrors.Internal("unseal client secret", err)
	}
	if session.AccessToken, err = s.open(r.AccessToken, r.AccessNonce); err != nil {
		return nil, apperrors.Internal("unseal access token", err)
	}
	if session.RefreshToken, err = s.open(r.RefreshToken, r.RefreshNonce); err != nil {
		return nil, apperrors.Internal("unseal refresh token", err)
	}
	if session.PKCEVerifier, err = s.open(r.PKCEVerifier, r.VerifierNonce); err != nil {
		return nil, apperrors.Internal("unseal verifier", err)
	}
	return session, nil
}

// Upsert writes a session, replacing any existing row with the same id.
func (s *OAuthStore) Upsert(ctx context.Context, session *oauth.Session) error {
	secretCT, secretNonce, err := s.seal(session.ClientSecret)
	if err != nil {
		return apperrors.Internal("seal client secret", err)
	}
	accessCT, accessNonce, err := s.seal(session.AccessToken)
	if err != nil {
		return apperrors.Internal("seal access token", err)
	}
	refreshCT, refreshNonce, err := s.seal(session.RefreshToken)
	if err != nil {
		return apperrors.Internal("seal refresh token", err)
	}
	verifierCT, verifierNonce, err := s.seal(session.PKCEVerifier)
	if err != nil {
		return apperrors.Internal("seal verifier", err)
	}

	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	var expiresAt interface{}
	if !session.ExpiresAt.IsZero() {
		expiresAt = session.ExpiresAt
	}

	res, err := s.writer.ExecContext(ctx, s.writer.Rebind(`
		UPDATE oauth_sessions SET
			auth_server_url = ?, client_id = ?, client_secret = ?, secret_nonce = ?,
			access_token = ?, access_nonce = ?, refresh_token = ?, refresh_nonce = ?,
			token_type = ?, scope = ?, expires_at = ?, pkce_verifier = ?, verifier_nonce = ?,
			state = ?, status = ?, updated_at = ?
		WHERE id = ?`),
		session.AuthServerURL, session.ClientID, secretCT, secretNonce,
		accessCT, accessNonce, refreshCT, refreshNonce,
		session.TokenType, session.Scope, expiresAt, verifierCT, verifierNonce,
		session.State, string(session.Status), now, session.ID)
	if err != nil {
		return apperrors.Internal("update oauth session", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	_, err = s.writer.ExecContext(ctx, s.writer.Rebind(`
		INSERT INTO oauth_sessions (
			id, user_id, resource_url, auth_server_url, client_id,
			client_secret, secret_nonce, access_token, access_nonce,
			refresh_token, refresh_nonce, token_type, scope, expires_at,
			pkce_verifier, verifier_nonce, state, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		session.ID, session.UserID, session.ResourceURL, session.AuthServerURL, session.ClientID,
		secretCT, secretNonce, accessCT, accessNonce,
		refreshCT, refreshNonce, session.TokenType, session.Scope, expiresAt,
		verifierCT, verifierNonce, session.State, string(session.Status),
		session.CreatedAt, now)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Conflict(fmt.Sprintf("oauth session already exists for %s", session.ResourceURL))
		}
		return apperrors.Internal("insert oauth session", err)
	}
	return nil
}

// GetByUserResource returns the session for (user, resource), or nil.
func (s *OAuthStore) GetByUserResource(ctx context.Context, userID, resourceURL string) (*oauth.Session, error) {
	var row oauthRow
	err := s.reader.GetContext(ctx, &row, s.reader.Rebind(
		`SELECT * FROM oauth_sessions WHERE user_id = ? AND resource_url = ?`),
		userID, resourceURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Internal("get oauth session", err)
	}
	return s.toSession(&row)
}

// GetByState returns the pending session carrying a callback state, or nil.
func (s *OAuthStore) GetByState(ctx context.Context, state string) (*oauth.Session, error) {
	if state == "" {
		return nil, nil
	}
	var row oauthRow
	err := s.reader.GetContext(ctx, &row, s.reader.Rebind(
		`SELECT * FROM oauth_sessions WHERE state = ?`), state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Internal("get oauth session by state", err)
	}
	return s.toSession(&row)
}

// List returns every session of a user.
func (s *OAuthStore) List(ctx context.Context, userID string) ([]*oauth.Session, error) {
	var rows []oauthRow
	err := s.reader.SelectContext(ctx, &rows, s.reader.Rebind(
		`SELECT * FROM oauth_sessions WHERE user_id = ? ORDER BY created_at`), userID)
	if err != nil {
		return nil, apperrors.Internal("list oauth sessions", err)
	}
	out := make([]*oauth.Session, 0, len(rows))
	for i := range rows {
		session, err := s.toSession(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, nil
}

// Delete removes a session.
func (s *OAuthStore) Delete(ctx context.Context, id string) error {
	_, err := s.writer.ExecContext(ctx, s.writer.Rebind(
		`DELETE FROM oauth_sessions WHERE id = ?`), id)
	if err != nil {
		return apperrors.Internal("delete oauth session", err)
	}
	return nil
}
