package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpod/agentpod/internal/common/logger"
)

// memOAuthStore is an in-memory Store for manager tests.
type memOAuthStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func newMemOAuthStore() *memOAuthStore {
	return &memOAuthStore{sessions: make(map[string]*Session)}
}

func (s *memOAuthStore) Upsert(_ context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

func (s *memOAuthStore) GetByUserResource(_ context.Context, userID, resourceURL string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, session := range s.sessions {
		if session.UserID == userID && session.ResourceURL == resourceURL {
			cp := *session
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memOAuthStore) GetByState(_ context.Context, state string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, session := range s.sessions {
		if session.State == state && state != "" {
			cp := *session
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memOAuthStore) List(_ context.Context, userID string) ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Session
	for _, session := range s.sessions {
		if session.UserID == userID {
			cp := *session
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memOAuthStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// authServer is a minimal authorization + resource server for flow tests.
type authServer struct {
	srv *httptest.Server

	mu            sync.Mutex
	challenge     string
	method        string
	issuedCode    string
	tokenCalls    int
	refreshCalls  int
	expiresIn     int64
	refreshToken  string
	rejectRefresh bool
}

func newAuthServer(t *testing.T) *authServer {
	t.Helper()
	a := &authServer{issuedCode: "code-1", expiresIn: 3600, refreshToken: "refresh-1"}
	mux := http.NewServeMux()

	mux.HandleFunc("/.well-known/oauth-protected-resource", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(ProtectedResourceMetadata{
			Resource:             a.srv.URL,
			AuthorizationServers: []string{a.srv.URL},
		})
	})
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(ServerMetadata{
			Issuer:                        a.srv.URL,
			AuthorizationEndpoint:         a.srv.URL + "/authorize",
			TokenEndpoint:                 a.srv.URL + "/token",
			RegistrationEndpoint:          a.srv.URL + "/register",
			CodeChallengeMethodsSupported: []string{"S256"},
		})
	})
	mux.HandleFunc("/register", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"client_id": "client-1"})
	})
	mux.HandleFunc("/authorize", func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		a.challenge = r.URL.Query().Get("code_challenge")
		a.method = r.URL.Query().Get("code_challenge_method")
		a.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		a.mu.Lock()
		defer a.mu.Unlock()
		a.tokenCalls++

		switch r.PostForm.Get("grant_type") {
		case "authorization_code":
			if r.PostForm.Get("code") != a.issuedCode {
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
				return
			}
			sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
			if base64.RawURLEncoding.EncodeToString(sum[:]) != a.challenge {
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
				return
			}
		case "refresh_token":
			a.refreshCalls++
			if a.rejectRefresh || r.PostForm.Get("refresh_token") != a.refreshToken {
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
				return
			}
		default:
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "unsupported_grant_type"})
			return
		}

		_ = json.NewEncoder(w).Encode(tokenResponse{
			AccessToken:  "access-1",
			RefreshToken: a.refreshToken,
			TokenType:    "Bearer",
			ExpiresIn:    a.expiresIn,
		})
	})

	a.srv = httptest.NewServer(mux)
	t.Cleanup(a.srv.Close)
	return a
}

func newTestOAuthManager(t *testing.T, store Store) *Manager {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	cipher, err := NewCipher("", t.TempDir())
	require.NoError(t, err)
	return NewManager(store, cipher, "http://127.0.0.1:8799/api/v1/oauth/callback", log)
}

func TestAuthorizationCodeFlow(t *testing.T) {
	as := newAuthServer(t)
	store := newMemOAuthStore()
	mgr := newTestOAuthManager(t, store)
	ctx := context.Background()

	auth, err := mgr.BeginAuthorization(ctx, "alice", as.srv.URL, "tools:read")
	require.NoError(t, err)

	u, err := url.Parse(auth.AuthorizeURL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "client-1", q.Get("client_id"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, "tools:read", q.Get("scope"))
	assert.NotEmpty(t, q.Get("state"))

	// The user visits the authorize URL; the server records the challenge.
	resp, err := http.Get(auth.AuthorizeURL)
	require.NoError(t, err)
	_ = resp.Body.Close()

	session, err := mgr.HandleCallback(ctx, "code-1", q.Get("state"))
	require.NoError(t, err)
	assert.Equal(t, StatusAuthorized, session.Status)
	assert.Equal(t, "access-1", session.AccessToken)
	assert.Empty(t, session.PKCEVerifier, "verifier cleared after exchange")
	assert.Empty(t, session.State, "state cleared after exchange")

	token, err := mgr.Token(ctx, "alice", as.srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)
}

func TestCallbackRejectsUnknownState(t *testing.T) {
	as := newAuthServer(t)
	mgr := newTestOAuthManager(t, newMemOAuthStore())
	_ = as

	_, err := mgr.HandleCallback(context.Background(), "code-1", "bogus-state")
	assert.Error(t, err)
}

func TestTokenRefreshesNearExpiry(t *testing.T) {
	as := newAuthServer(t)
	as.expiresIn = 30 // inside the 60s refresh window
	store := newMemOAuthStore()
	mgr := newTestOAuthManager(t, store)
	ctx := context.Background()

	auth, err := mgr.BeginAuthorization(ctx, "alice", as.srv.URL, "")
	require.NoError(t, err)
	u, _ := url.Parse(auth.AuthorizeURL)
	resp, err := http.Get(auth.AuthorizeURL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	_, err = mgr.HandleCallback(ctx, "code-1", u.Query().Get("state"))
	require.NoError(t, err)

	_, err = mgr.Token(ctx, "alice", as.srv.URL)
	require.NoError(t, err)

	as.mu.Lock()
	refreshes := as.refreshCalls
	as.mu.Unlock()
	assert.GreaterOrEqual(t, refreshes, 1, "near-expiry token should refresh")
}

func TestRejectedRefreshEvictsTokens(t *testing.T) {
	as := newAuthServer(t)
	as.expiresIn = 30
	store := newMemOAuthStore()
	mgr := newTestOAuthManager(t, store)
	ctx := context.Background()

	auth, err := mgr.BeginAuthorization(ctx, "alice", as.srv.URL, "")
	require.NoError(t, err)
	u, _ := url.Parse(auth.AuthorizeURL)
	resp, err := http.Get(auth.AuthorizeURL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	_, err = mgr.HandleCallback(ctx, "code-1", u.Query().Get("state"))
	require.NoError(t, err)

	as.mu.Lock()
	as.rejectRefresh = true
	as.mu.Unlock()

	_, err = mgr.Token(ctx, "alice", as.srv.URL)
	require.Error(t, err)

	session, err := store.GetByUserResource(ctx, "alice", as.srv.URL)
	require.NoError(t, err)
	assert.Equal(t, StatusAuthRequired, session.Status)
	assert.Empty(t, session.AccessToken)
	assert.Empty(t, session.RefreshToken)
}

func TestHandleUnauthorizedEvicts(t *testing.T) {
	as := newAuthServer(t)
	store := newMemOAuthStore()
	mgr := newTestOAuthManager(t, store)
	ctx := context.Background()

	auth, err := mgr.BeginAuthorization(ctx, "alice", as.srv.URL, "")
	require.NoError(t, err)
	u, _ := url.Parse(auth.AuthorizeURL)
	resp, err := http.Get(auth.AuthorizeURL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	_, err = mgr.HandleCallback(ctx, "code-1", u.Query().Get("state"))
	require.NoError(t, err)

	require.NoError(t, mgr.HandleUnauthorized(ctx, "alice", as.srv.URL))

	_, err = mgr.Token(ctx, "alice", as.srv.URL)
	assert.Error(t, err)
	session, _ := store.GetByUserResource(ctx, "alice", as.srv.URL)
	assert.Equal(t, StatusAuthRequired, session.Status)
}

func TestTokenWithoutAuthorization(t *testing.T) {
	mgr := newTestOAuthManager(t, newMemOAuthStore())
	_, err := mgr.Token(context.Background(), "alice", "https://api.example.com")
	assert.Error(t, err)
}
