// Package oauth implements the client side of the authorization-code flow
// for external protected resources: metadata discovery, dynamic client
// registration, PKCE, token exchange, and an encrypted token vault.
package oauth

import (
	"context"
	"strings"
	"time"
	"unicode"
)

// SessionStatus is the authorization state of a (user, resource) pair.
type SessionStatus string

const (
	// StatusPending means the authorize URL was issued and the callback is
	// awaited.
	StatusPending SessionStatus = "pending"
	// StatusAuthorized means tokens are present and usable.
	StatusAuthorized SessionStatus = "authorized"
	// StatusAuthRequired means tokens were evicted (expiry without refresh
	// token, or the resource rejected them) and the user must re-authorize.
	StatusAuthRequired SessionStatus = "auth_required"
)

// Session is one user's authorization against one external resource.
// Sensitive fields hold plaintext in memory only; the store encrypts them
// at rest and they must never reach a log record.
type Session struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	ResourceURL   string        `json:"resource_url"`
	AuthServerURL string        `json:"auth_server_url"`
	ClientID      string        `json:"client_id"`
	ClientSecret  string        `json:"-"`
	AccessToken   string        `json:"-"`
	RefreshToken  string        `json:"-"`
	TokenType     string        `json:"token_type,omitempty"`
	Scope         string        `json:"scope,omitempty"`
	ExpiresAt     time.Time     `json:"expires_at,omitempty"`
	PKCEVerifier  string        `json:"-"`
	State         string        `json:"-"`
	Status        SessionStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Authorized reports whether the session currently holds tokens.
func (s *Session) Authorized() bool {
	return s.Status == StatusAuthorized && s.AccessToken != ""
}

// EnvPrefix derives the env var prefix for a resource URL:
// "https://api.example.com/mcp" -> "API_EXAMPLE_COM".
func EnvPrefix(resourceURL string) string {
	host := resourceURL
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexAny(host, "/:"); i >= 0 {
		host = host[:i]
	}
	var b strings.Builder
	for _, r := range host {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

// Env projects the session's tokens as resource-specific env vars for
// child processes.
func (s *Session) Env() []string {
	if !s.Authorized() {
		return nil
	}
	prefix := EnvPrefix(s.ResourceURL)
	env := []string{
		prefix + "_ACCESS_TOKEN=" + s.AccessToken,
	}
	tokenType := s.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	env = append(env, prefix+"_TOKEN_TYPE="+tokenType)
	return env
}

// Store persists OAuth sessions. Implementations live in internal/storage
// and encrypt sensitive fields at rest.
type Store interface {
	Upsert(ctx context.Context, s *Session) error
	GetByUserResource(ctx context.Context, userID, resourceURL string) (*Session, error)
	GetByState(ctx context.Context, state string) (*Session, error)
	List(ctx context.Context, userID string) ([]*Session, error)
	Delete(ctx context.Context, id string) error
}
