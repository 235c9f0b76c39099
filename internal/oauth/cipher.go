package oauth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	// MasterKeyFile is generated under the data dir when no encryption key
	// is configured.
	MasterKeyFile = "master.key"
	// KeySize is the AES-256 key size in bytes.
	KeySize = 32
)

// Cipher encrypts token material at rest with AES-256-GCM.
type Cipher struct {
	key []byte
}

// NewCipher builds a cipher from a configured key. The key may be hex,
// base64, or 32 raw bytes. An empty key loads or generates
// {dataDir}/master.key instead.
func NewCipher(configuredKey, dataDir string) (*Cipher, error) {
	if configuredKey != "" {
		key, err := decodeKey(configuredKey)
		if err != nil {
			return nil, err
		}
		return &Cipher{key: key}, nil
	}

	key, err := loadOrGenerateKey(filepath.Join(dataDir, MasterKeyFile))
	if err != nil {
		return nil, fmt.Errorf("master key init: %w", err)
	}
	return &Cipher{key: key}, nil
}

func decodeKey(s string) ([]byte, error) {
	if decoded, err := hex.DecodeString(s); err == nil && len(decoded) == KeySize {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(s); err == nil && len(decoded) == KeySize {
		return decoded, nil
	}
	if len(s) == KeySize {
		return []byte(s), nil
	}
	return nil, fmt.Errorf("encryption key must be %d bytes (raw, hex, or base64)", KeySize)
}

func loadOrGenerateKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil && len(data) == KeySize {
		return data, nil
	}

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, fmt.Errorf("write key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext with a random nonce. Returns (ciphertext, nonce).
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, []byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Decrypt opens ciphertext produced by Encrypt.
func (c *Cipher) Decrypt(ciphertext, nonce []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
