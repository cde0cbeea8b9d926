// Package crypto implements the cryptographic core of confhub: authenticated
// secret encryption, asymmetric update signing, keyed-hash cache signing, and
// master-key rotation.
//
// All key material is generated on first run, stored with owner-only
// permissions, and never written to logs.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/c360/confhub/errors"
)

const (
	// KeyLength is the length of the encryption key in bytes (256 bits)
	KeyLength = 32
	// NonceLength is the length of the GCM nonce in bytes (96 bits)
	NonceLength = 12
)

// GenerateKey generates a random 256-bit key
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// KeyID derives a stable identifier for a key: the first 8 bytes of its
// SHA-256, hex encoded. The id is safe to persist and log.
func KeyID(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:8])
}

// EncryptSecret encrypts plaintext using AES-256-GCM with a fresh random
// nonce. The returned blob is nonce||ciphertext||tag, suitable for opaque
// storage. The aad binds the ciphertext to a context (e.g. "service/key") so
// a blob cannot be replayed under a different name.
func EncryptSecret(key, plaintext, aad []byte) ([]byte, error) {
	if len(key) != KeyLength {
		return nil, errors.WrapInvalid(
			fmt.Errorf("key must be %d bytes, got %d", KeyLength, len(key)),
			"crypto", "EncryptSecret", "validate key")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, NonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

// DecryptSecret decrypts a nonce-prefixed AES-256-GCM blob. A tag mismatch
// (tampered data or wrong key) returns ErrIntegrity; partially-decrypted data
// is never returned.
func DecryptSecret(key, blob, aad []byte) ([]byte, error) {
	if len(key) != KeyLength {
		return nil, errors.WrapInvalid(
			fmt.Errorf("key must be %d bytes, got %d", KeyLength, len(key)),
			"crypto", "DecryptSecret", "validate key")
	}
	if len(blob) < NonceLength {
		return nil, errors.ErrIntegrity
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce, ciphertext := blob[:NonceLength], blob[NonceLength:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, errors.ErrIntegrity
	}

	return plaintext, nil
}

// SecretAAD builds the additional-authenticated-data binding for a stored
// secret so its ciphertext is only valid for one (service, key) pair.
func SecretAAD(service, key string) []byte {
	return []byte(service + "/" + key)
}
