// Package encryption seals connector credentials at rest with AES-256-GCM.
// Each ciphertext is bound to the row it belongs to (workflow and connector)
// through GCM additional data, so a token copied into another row fails to
// open.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidKeySize    = errors.New("encryption key must be 32 bytes")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

const hkdfInfo = "nflow-automate credential key v1"

// EncryptionService provides AES-256-GCM encryption/decryption
type EncryptionService struct {
	gcm cipher.AEAD

	encryptCount uint64
	decryptCount uint64
}

// NewEncryptionService builds a service from a configured secret. A base64
// string decoding to exactly 32 bytes is used as the key; any other non-empty
// secret is stretched with HKDF-SHA256.
func NewEncryptionService(secret string) (*EncryptionService, error) {
	if secret == "" {
		return nil, ErrInvalidKeySize
	}
	if raw, err := base64.StdEncoding.DecodeString(secret); err == nil && len(raw) == 32 {
		return NewEncryptionServiceWithBytes(raw)
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return NewEncryptionServiceWithBytes(key)
}

// NewEncryptionServiceWithBytes creates a service with raw key bytes
func NewEncryptionServiceWithBytes(key []byte) (*EncryptionService, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &EncryptionService{gcm: gcm}, nil
}

// Seal encrypts plaintext bound to context and returns base64 ciphertext.
// Empty plaintext stays empty.
func (es *EncryptionService) Seal(plaintext, context string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, es.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := es.gcm.Seal(nonce, nonce, []byte(plaintext), []byte(context))
	atomic.AddUint64(&es.encryptCount, 1)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. The context must match the one used to seal.
func (es *EncryptionService) Open(ciphertext, context string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64", ErrInvalidCiphertext)
	}
	nonceSize := es.gcm.NonceSize()
	if len(data) < nonceSize+es.gcm.Overhead() {
		return "", fmt.Errorf("%w: too short", ErrInvalidCiphertext)
	}
	plaintext, err := es.gcm.Open(nil, data[:nonceSize], data[nonceSize:], []byte(context))
	if err != nil {
		return "", ErrDecryptionFailed
	}
	atomic.AddUint64(&es.decryptCount, 1)
	return string(plaintext), nil
}

// Encrypt seals plaintext without a context
func (es *EncryptionService) Encrypt(plaintext string) (string, error) {
	return es.Seal(plaintext, "")
}

// Decrypt opens a ciphertext sealed without a context
func (es *EncryptionService) Decrypt(ciphertext string) (string, error) {
	return es.Open(ciphertext, "")
}

// GetMetrics returns encryption/decryption counts for monitoring
func (es *EncryptionService) GetMetrics() (encryptCount, decryptCount uint64) {
	return atomic.LoadUint64(&es.encryptCount), atomic.LoadUint64(&es.decryptCount)
}

// IsEncrypted checks if a string looks like output of Seal
func IsEncrypted(data string) bool {
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return false
	}
	// 12 byte nonce plus 16 byte tag
	return len(decoded) >= 28
}

// GenerateKeyString generates a base64-encoded 32 byte key
func GenerateKeyString() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
