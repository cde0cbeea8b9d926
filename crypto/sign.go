package crypto

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/c360/confhub/errors"
)

// SignUpdate signs payload bytes with an Ed25519 private key. Signatures are
// deterministic: signing the same payload twice yields identical bytes.
func SignUpdate(payload []byte, privateKey ed25519.PrivateKey) ([]byte, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, errors.WrapInvalid(
			errors.New("invalid private key size"),
			"crypto", "SignUpdate", "validate key")
	}
	return ed25519.Sign(privateKey, payload), nil
}

// VerifyUpdate verifies an Ed25519 signature over payload bytes.
func VerifyUpdate(payload, signature []byte, publicKey ed25519.PublicKey) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, payload, signature)
}

// SignCache computes an HMAC-SHA256 over canonicalized payload bytes.
func SignCache(payload, hmacKey []byte) []byte {
	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(payload)
	return mac.Sum(nil)
}

// VerifyCache verifies a cache signature in constant time.
func VerifyCache(payload, signature, hmacKey []byte) bool {
	expected := SignCache(payload, hmacKey)
	return hmac.Equal(expected, signature)
}

// Checksum computes the hex-encoded SHA-256 of the canonical serialization of v.
func Checksum(v any) (string, error) {
	data, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
