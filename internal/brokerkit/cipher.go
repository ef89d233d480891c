package brokerkit

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const cipherKeyLength = 32

// Cipher seals and opens byte payloads with AES-256-GCM under a single
// process-wide key supplied at startup.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher constructs a Cipher from a raw 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != cipherKeyLength {
		return nil, fmt.Errorf("cipher.new: %w", ErrInvalidKeyLength)
	}
	block, blockErr := aes.NewCipher(key)
	if blockErr != nil {
		return nil, fmt.Errorf("cipher.new: %w", blockErr)
	}
	aead, aeadErr := cipher.NewGCM(block)
	if aeadErr != nil {
		return nil, fmt.Errorf("cipher.new: %w", aeadErr)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext and prepends the random nonce to the returned ciphertext.
func (sealer *Cipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, sealer.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cipher.seal: %w", err)
	}
	return sealer.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a payload produced by Seal. Malformed input or a payload
// sealed under a different key returns ErrDecryptFailed.
func (sealer *Cipher) Open(sealed []byte) ([]byte, error) {
	nonceSize := sealer.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, ErrDecryptFailed
	}
	plaintext, openErr := sealer.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if openErr != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// ParseCipherKey decodes a configured key string, accepting hex or base64
// encodings, and enforces the 32-byte length requirement.
func ParseCipherKey(encoded string) ([]byte, error) {
	trimmed := strings.TrimSpace(encoded)
	if decoded, err := hex.DecodeString(trimmed); err == nil && len(decoded) == cipherKeyLength {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil && len(decoded) == cipherKeyLength {
		return decoded, nil
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(trimmed); err == nil && len(decoded) == cipherKeyLength {
		return decoded, nil
	}
	return nil, fmt.Errorf("cipher.parse_key: %w", ErrInvalidKeyLength)
}
