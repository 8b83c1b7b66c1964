package gitsync

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"os"
)

const (
	// EncryptionKeyEnvVar holds the key that encrypts mirrored objects
	// at rest. When unset, objects are mirrored in the clear.
	EncryptionKeyEnvVar = "GITSTATE_REMOTE_ENCRYPTION_KEY"
)

// encryptedMagic prefixes every encrypted payload so a mirror can mix
// encrypted and plaintext objects during a key rollout.
var encryptedMagic = []byte("GSENC1\x00")

// EncryptPayload encrypts a mirrored payload with AES-256-GCM using
// the key from the environment. Returns the payload unchanged when no
// key is configured.
func EncryptPayload(payload []byte) ([]byte, error) {
	key := encryptionKey()
	if key == nil {
		return payload, nil
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, payload, nil)
	out := make([]byte, 0, len(encryptedMagic)+len(sealed))
	out = append(out, encryptedMagic...)
	return append(out, sealed...), nil
}

// DecryptPayload decrypts a mirrored payload if it carries the
// encryption magic. Returns the payload unchanged otherwise.
func DecryptPayload(payload []byte) ([]byte, error) {
	if !IsEncrypted(payload) {
		return payload, nil
	}
	key := encryptionKey()
	if key == nil {
		return nil, fmt.Errorf("payload is encrypted but %s is not set", EncryptionKeyEnvVar)
	}

	sealed := payload[len(encryptedMagic):]
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt payload (wrong key?): %w", err)
	}
	return plaintext, nil
}

// IsEncrypted checks whether a mirrored payload is encrypted.
func IsEncrypted(payload []byte) bool {
	return bytes.HasPrefix(payload, encryptedMagic)
}

// encryptionKey returns the 32-byte AES key from the environment, or
// nil when unset. Shorter keys are zero-padded, longer keys truncated.
func encryptionKey() []byte {
	keyStr := os.Getenv(EncryptionKeyEnvVar)
	if keyStr == "" {
		return nil
	}
	key := make([]byte, 32)
	copy(key, keyStr)
	return key
}
