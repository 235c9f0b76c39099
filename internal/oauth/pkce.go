package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

// PKCE methods per RFC 7636.
const (
	MethodS256  = "S256"
	MethodPlain = "plain"
)

// PKCE holds one code verifier and its derived challenge.
type PKCE struct {
	Verifier  string
	Challenge string
	Method    string
}

// NewPKCE generates a 32-byte random verifier and its challenge. S256 is
// used unless the authorization server only advertises plain.
func NewPKCE(supported []string) (*PKCE, error) {
	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return nil, fmt.Errorf("generate verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)

	method := MethodS256
	if len(supported) > 0 && !contains(supported, MethodS256) {
		if !contains(supported, MethodPlain) {
			return nil, fmt.Errorf("no supported code challenge method in %v", supported)
		}
		method = MethodPlain
	}

	p := &PKCE{Verifier: verifier, Method: method}
	if method == MethodS256 {
		sum := sha256.Sum256([]byte(verifier))
		p.Challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	} else {
		p.Challenge = verifier
	}
	return p, nil
}

// NewState generates an opaque CSRF state value.
func NewState() (string, error) {
	raw := make([]byte, 24)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
