// Package storage implements the persistence interfaces of the domain
// packages (sandbox records, chat history, oauth vault) on the shared
// writer/reader pool, portable across SQLite and PostgreSQL.
package storage

import (
	"fmt"

	"github.com/agentpod/agentpod/internal/db"
)

// Cipher encrypts sensitive columns at rest. Satisfied by oauth.Cipher.
type Cipher interface {
	Encrypt(plaintext []byte) (ciphertext, nonce []byte, err error)
	Decrypt(ciphertext, nonce []byte) ([]byte, error)
}

// Stores aggregates every store over one pool.
type Stores struct {
	Sandboxes *SandboxStore
	Chat      *ChatStore
	OAuth     *OAuthStore
}

// New initializes every store and its schema.
func New(pool *db.Pool, cipher Cipher) (*Stores, error) {
	sandboxes, err := NewSandboxStore(pool)
	if err != nil {
		return nil, fmt.Errorf("sandbox store: %w", err)
	}
	chat, err := NewChatStore(pool)
	if err != nil {
		return nil, fmt.Errorf("chat store: %w", err)
	}
	oauth, err := NewOAuthStore(pool, cipher)
	if err != nil {
		return nil, fmt.Errorf("oauth store: %w", err)
	}
	return &Stores{Sandboxes: sandboxes, Chat: chat, OAuth: oauth}, nil
}
