package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agentpod/agentpod/internal/common/errors"
	"github.com/agentpod/agentpod/internal/oauth"
)

func newOAuthStore(t *testing.T) *OAuthStore {
	t.Helper()
	store, err := NewOAuthStore(testPool(t), testCipher(t))
	require.NoError(t, err)
	return store
}

func demoOAuthSession(userID, resource string) *oauth.Session {
	return &oauth.Session{
		ID:            uuid.New().String(),
		UserID:        userID,
		ResourceURL:   resource,
		AuthServerURL: "https://auth.example.com",
		ClientID:      "client-1",
		ClientSecret:  "shh-client",
		AccessToken:   "tok_access",
		RefreshToken:  "tok_refresh",
		TokenType:     "Bearer",
		Scope:         "tools:read",
		ExpiresAt:     time.Now().UTC().Add(time.Hour).Truncate(time.Second),
		Status:        oauth.StatusAuthorized,
	}
}

func TestOAuthRoundTrip(t *testing.T) {
	store := newOAuthStore(t)
	ctx := context.Background()

	session := demoOAuthSession("alice", "https://api.example.com")
	require.NoError(t, store.Upsert(ctx, session))

	got, err := store.GetByUserResource(ctx, "alice", "https://api.example.com")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "tok_access", got.AccessToken)
	assert.Equal(t, "tok_refresh", got.RefreshToken)
	assert.Equal(t, "shh-client", got.ClientSecret)
	assert.Equal(t, oauth.StatusAuthorized, got.Status)
	assert.WithinDuration(t, session.ExpiresAt, got.ExpiresAt, time.Second)
}

func TestOAuthTokensEncryptedAtRest(t *testing.T) {
	store := newOAuthStore(t)
	ctx := context.Background()

	session := demoOAuthSession("alice", "https://api.example.com")
	require.NoError(t, store.Upsert(ctx, session))

	// Read the raw column; the plaintext token must not appear.
	var raw []byte
	require.NoError(t, store.reader.GetContext(ctx, &raw,
		store.reader.Rebind(`SELECT access_token FROM oauth_sessions WHERE id = ?`), session.ID))
	assert.NotEmpty(t, raw)
	assert.NotContains(t, string(raw), "tok_access")
}

func TestOAuthUpsertReplaces(t *testing.T) {
	store := newOAuthStore(t)
	ctx := context.Background()

	session := demoOAuthSession("alice", "https://api.example.com")
	require.NoError(t, store.Upsert(ctx, session))

	session.AccessToken = ""
	session.RefreshToken = ""
	session.Status = oauth.StatusAuthRequired
	require.NoError(t, store.Upsert(ctx, session))

	got, err := store.GetByUserResource(ctx, "alice", "https://api.example.com")
	require.NoError(t, err)
	assert.Empty(t, got.AccessToken)
	assert.Empty(t, got.RefreshToken)
	assert.Equal(t, oauth.StatusAuthRequired, got.Status)
}

func TestOAuthUserResourceUnique(t *testing.T) {
	store := newOAuthStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, demoOAuthSession("alice", "https://api.example.com")))

	err := store.Upsert(ctx, demoOAuthSession("alice", "https://api.example.com"))
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))

	require.NoError(t, store.Upsert(ctx, demoOAuthSession("bob", "https://api.example.com")))
	require.NoError(t, store.Upsert(ctx, demoOAuthSession("alice", "https://other.example.com")))
}

func TestOAuthGetByState(t *testing.T) {
	store := newOAuthStore(t)
	ctx := context.Background()

	session := demoOAuthSession("alice", "https://api.example.com")
	session.Status = oauth.StatusPending
	session.State = "state-xyz"
	session.PKCEVerifier = "verifier-123"
	require.NoError(t, store.Upsert(ctx, session))

	got, err := store.GetByState(ctx, "state-xyz")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, session.ID, got.ID)
	assert.Equal(t, "verifier-123", got.PKCEVerifier)

	none, err := store.GetByState(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestOAuthListAndDelete(t *testing.T) {
	store := newOAuthStore(t)
	ctx := context.Background()

	a := demoOAuthSession("alice", "https://api.example.com")
	b := demoOAuthSession("alice", "https://tools.example.com")
	require.NoError(t, store.Upsert(ctx, a))
	require.NoError(t, store.Upsert(ctx, b))

	sessions, err := store.List(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	require.NoError(t, store.Delete(ctx, a.ID))
	sessions, err = store.List(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}
