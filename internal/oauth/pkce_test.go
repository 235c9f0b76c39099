package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPKCEDefaultsToS256(t *testing.T) {
	p, err := NewPKCE(nil)
	require.NoError(t, err)
	assert.Equal(t, MethodS256, p.Method)
	assert.NotEmpty(t, p.Verifier)

	sum := sha256.Sum256([]byte(p.Verifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), p.Challenge)
}

func TestNewPKCEPlainFallback(t *testing.T) {
	p, err := NewPKCE([]string{"plain"})
	require.NoError(t, err)
	assert.Equal(t, MethodPlain, p.Method)
	assert.Equal(t, p.Verifier, p.Challenge)
}

func TestNewPKCEPrefersS256WhenBothAdvertised(t *testing.T) {
	p, err := NewPKCE([]string{"plain", "S256"})
	require.NoError(t, err)
	assert.Equal(t, MethodS256, p.Method)
}

func TestNewPKCENoSupportedMethod(t *testing.T) {
	_, err := NewPKCE([]string{"S512"})
	assert.Error(t, err)
}

func TestNewStateIsUnique(t *testing.T) {
	a, err := NewState()
	require.NoError(t, err)
	b, err := NewState()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestEnvPrefix(t *testing.T) {
	assert.Equal(t, "API_EXAMPLE_COM", EnvPrefix("https://api.example.com/mcp"))
	assert.Equal(t, "LOCALHOST", EnvPrefix("http://localhost:9090"))
	assert.Equal(t, "TOOLS_DEV_1", EnvPrefix("https://tools.dev-1"))
}

func TestSessionEnv(t *testing.T) {
	s := &Session{
		ResourceURL: "https://api.example.com",
		AccessToken: "tok_abc",
		Status:      StatusAuthorized,
	}
	env := s.Env()
	assert.Contains(t, env, "API_EXAMPLE_COM_ACCESS_TOKEN=tok_abc")
	assert.Contains(t, env, "API_EXAMPLE_COM_TOKEN_TYPE=Bearer")

	s.Status = StatusAuthRequired
	assert.Nil(t, s.Env())
}
