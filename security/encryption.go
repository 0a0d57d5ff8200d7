package security

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/giantswarm/mcp-oauth-dcr/instrumentation"
)

// EncryptedPrefix marks values sealed by Encryptor so plaintext and
// ciphertext can coexist in one credential file.
const EncryptedPrefix = "enc:v1:"

// ErrEncryptionKeyRequired is returned when an encrypted value is read
// by a disabled Encryptor.
var ErrEncryptionKeyRequired = errors.New("value is encrypted but no encryption key is configured")

// Encryptor handles secret and token encryption at rest using AES-256-GCM.
type Encryptor struct {
	aead    cipher.AEAD
	metrics *instrumentation.Metrics
}

// NewEncryptor creates a new encryptor.
// If key is nil or empty, encryption is disabled.
// The key must be exactly 32 bytes for AES-256.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) == 0 {
		return &Encryptor{}, nil
	}

	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be exactly 32 bytes for AES-256, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Encryptor{aead: gcm}, nil
}

// SetInstrumentation records encryption operations and their duration
func (e *Encryptor) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		e.metrics = nil
		return
	}
	e.metrics = inst.Metrics()
}

// Encrypt seals plaintext and returns EncryptedPrefix + base64([nonce][ciphertext]).
// With encryption disabled the plaintext is returned unchanged.
// Empty values are never sealed.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if !e.IsEnabled() || plaintext == "" {
		return plaintext, nil
	}
	defer e.record("encrypt", time.Now())

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return EncryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Values without EncryptedPrefix
// are returned as-is, so files written before a key was configured stay
// readable.
func (e *Encryptor) Decrypt(value string) (string, error) {
	encoded, sealed := strings.CutPrefix(value, EncryptedPrefix)
	if !sealed {
		return value, nil
	}
	if !e.IsEnabled() {
		return "", ErrEncryptionKeyRequired
	}
	defer e.record("decrypt", time.Now())

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	nonceSize := e.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}

// IsEnabled returns true if encryption is enabled
func (e *Encryptor) IsEnabled() bool {
	return e != nil && e.aead != nil
}

func (e *Encryptor) record(op string, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordEncryptionOperation(context.Background(), op, float64(time.Since(start).Microseconds())/1000)
}

// GenerateKey generates a new 32-byte encryption key for AES-256
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// KeyFromBase64 decodes a base64-encoded encryption key
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// KeyToBase64 encodes an encryption key to base64
func KeyToBase64(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
