// Package crypto encrypts credentials stored at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Encryptor provides encryption and decryption capabilities.
type Encryptor interface {
	// EncryptString encrypts plaintext and returns an encoded ciphertext.
	EncryptString(plaintext string) (string, error)
	// DecryptString reverses EncryptString.
	DecryptString(encoded string) (string, error)
}

// NoOpEncryptor stores values unchanged. It is used when no key is configured.
type NoOpEncryptor struct{}

// EncryptString returns the plaintext as-is.
func (NoOpEncryptor) EncryptString(plaintext string) (string, error) {
	return plaintext, nil
}

// DecryptString returns the value as-is, and fails on values sealed by a Cipher
// since they cannot be read without the key.
func (NoOpEncryptor) DecryptString(encoded string) (string, error) {
	if strings.HasPrefix(encoded, sealedPrefix) {
		return "", fmt.Errorf("%w: value is encrypted but no key is configured", ErrDecryptionFailed)
	}
	return encoded, nil
}

var (
	// ErrInvalidKey is returned when the encryption key is invalid.
	ErrInvalidKey = errors.New("crypto: invalid encryption key")
	// ErrInvalidCiphertext is returned when the ciphertext is malformed.
	ErrInvalidCiphertext = errors.New("crypto: invalid ciphertext")
	// ErrDecryptionFailed is returned when decryption fails.
	ErrDecryptionFailed = errors.New("crypto: decryption failed")
)

// sealedPrefix marks values written by Cipher so that plaintext written before a
// key was configured stays readable.
const sealedPrefix = "enc:v1:"

// hkdfInfo binds derived keys to this use.
const hkdfInfo = "sast-triage credential encryption"

// Cipher provides AES-256-GCM encryption of short secrets.
type Cipher struct {
	aead cipher.AEAD
}

var _ Encryptor = (*Cipher)(nil)

// NewCipher creates a Cipher with a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: key must be exactly 32 bytes, got %d", ErrInvalidKey, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create GCM cipher: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// NewCipherFromPassphrase derives a 32-byte key from passphrase with HKDF-SHA256.
func NewCipherFromPassphrase(passphrase string) (*Cipher, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("%w: empty passphrase", ErrInvalidKey)
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(passphrase), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("%w: derive key: %v", ErrInvalidKey, err)
	}
	return NewCipher(key)
}

// NewEncryptor builds the encryptor for a configured key. An empty key yields a
// NoOpEncryptor. format is "hex", "base64", "passphrase" or "" to detect it:
// 64 hex characters and 44-character base64 are decoded, anything else is a passphrase.
func NewEncryptor(key, format string) (Encryptor, error) {
	if key == "" {
		return NoOpEncryptor{}, nil
	}

	switch format {
	case "hex":
		return newCipherFromHex(key)
	case "base64":
		return newCipherFromBase64(key)
	case "passphrase":
		return NewCipherFromPassphrase(key)
	case "":
		if len(key) == 64 {
			if c, err := newCipherFromHex(key); err == nil {
				return c, nil
			}
		}
		if len(key) == 44 {
			if c, err := newCipherFromBase64(key); err == nil {
				return c, nil
			}
		}
		return NewCipherFromPassphrase(key)
	default:
		return nil, fmt.Errorf("%w: unknown key format %q", ErrInvalidKey, format)
	}
}

func newCipherFromHex(hexKey string) (*Cipher, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid hex key: %v", ErrInvalidKey, err)
	}
	return NewCipher(key)
}

func newCipherFromBase64(b64Key string) (*Cipher, error) {
	key, err := base64.StdEncoding.DecodeString(b64Key)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 key: %v", ErrInvalidKey, err)
	}
	return NewCipher(key)
}

// EncryptString seals plaintext. Empty strings stay empty so unset fields remain unset.
func (c *Cipher) EncryptString(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString opens a value sealed by EncryptString. Values without the
// sealed prefix are returned unchanged.
func (c *Cipher) DecryptString(encoded string) (string, error) {
	payload, ok := strings.CutPrefix(encoded, sealedPrefix)
	if !ok {
		return encoded, nil
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64: %v", ErrInvalidCiphertext, err)
	}
	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrInvalidCiphertext)
	}

	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}
