// Package encryption provides symmetric encryption for credentials at rest.
// A non-empty key enables AES-256-GCM; an empty key degrades to passthrough
// so deployments without an ENCRYPTION_KEY keep working.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Service encrypts, decrypts and hashes sensitive values.
type Service interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
	Hash(plaintext string) string
}

const (
	pbkdf2Iterations = 600000
	keyLength        = 32
)

// saltContext is a fixed application salt for key derivation. Credentials are
// only readable by deployments sharing the same ENCRYPTION_KEY.
var saltContext = []byte("kiro2chat-credential-encryption-v1")

// NewService creates an encryption service. An empty key returns a noop
// passthrough service.
func NewService(key string) (Service, error) {
	if key == "" {
		return &noopService{}, nil
	}

	derived := pbkdf2.Key([]byte(key), saltContext, pbkdf2Iterations, keyLength, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &aesService{gcm: gcm, hmacKey: derived}, nil
}

// aesService implements Service with AES-256-GCM and keyed HMAC-SHA256 hashes.
type aesService struct {
	gcm     cipher.AEAD
	hmacKey []byte
}

func (s *aesService) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := s.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(sealed), nil
}

func (s *aesService) Decrypt(ciphertext string) (string, error) {
	data, err := hex.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("invalid hex encoding: %w", err)
	}
	if len(data) < s.gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short: %d bytes", len(data))
	}
	nonce, sealed := data[:s.gcm.NonceSize()], data[s.gcm.NonceSize():]
	plaintext, err := s.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decryption failed: %w", err)
	}
	return string(plaintext), nil
}

func (s *aesService) Hash(plaintext string) string {
	if plaintext == "" {
		return ""
	}
	mac := hmac.New(sha256.New, s.hmacKey)
	mac.Write([]byte(plaintext))
	return hex.EncodeToString(mac.Sum(nil))
}

// noopService passes values through unchanged and hashes with plain SHA-256.
type noopService struct{}

func (s *noopService) Encrypt(plaintext string) (string, error) {
	return plaintext, nil
}

func (s *noopService) Decrypt(ciphertext string) (string, error) {
	return ciphertext, nil
}

func (s *noopService) Hash(plaintext string) string {
	if plaintext == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
