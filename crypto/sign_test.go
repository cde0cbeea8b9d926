package crypto

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyUpdate(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	payload := []byte(`{"service":"ingest","version":4}`)
	sig, err := SignUpdate(payload, priv)
	require.NoError(t, err)
	assert.Len(t, sig, ed25519.SignatureSize)

	assert.True(t, VerifyUpdate(payload, sig, pub))
}

func TestSignUpdate_Deterministic(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	payload := []byte("same payload")
	sig1, err := SignUpdate(payload, priv)
	require.NoError(t, err)
	sig2, err := SignUpdate(payload, priv)
	require.NoError(t, err)
	assert.Equal(t, sig1, sig2)
}

func TestVerifyUpdate_TamperedPayload(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	payload := []byte(`{"service":"ingest","version":4}`)
	sig, err := SignUpdate(payload, priv)
	require.NoError(t, err)

	for i := range payload {
		tampered := make([]byte, len(payload))
		copy(tampered, payload)
		tampered[i] ^= 0x01
		assert.False(t, VerifyUpdate(tampered, sig, pub), "byte %d", i)
	}
}

func TestVerifyUpdate_WrongKey(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	otherPub, _, _ := ed25519.GenerateKey(nil)

	payload := []byte("payload")
	sig, err := SignUpdate(payload, priv)
	require.NoError(t, err)
	assert.False(t, VerifyUpdate(payload, sig, otherPub))
}

func TestVerifyUpdate_MalformedInputs(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	sig, _ := SignUpdate([]byte("x"), priv)

	assert.False(t, VerifyUpdate([]byte("x"), sig[:10], pub))
	assert.False(t, VerifyUpdate([]byte("x"), sig, pub[:5]))

	_, err := SignUpdate([]byte("x"), []byte("not a key"))
	assert.Error(t, err)
}

func TestSignVerifyCache(t *testing.T) {
	key, _ := GenerateKey()
	payload := []byte(`{"epoch":"abc","snapshots":{}}`)

	sig := SignCache(payload, key)
	assert.True(t, VerifyCache(payload, sig, key))
	assert.False(t, VerifyCache(append(payload, 'x'), sig, key))

	otherKey, _ := GenerateKey()
	assert.False(t, VerifyCache(payload, sig, otherKey))
}

func TestVerifyCache_EveryByteFlip(t *testing.T) {
	key, _ := GenerateKey()
	payload := []byte(`{"epoch":"abc","version":3}`)
	sig := SignCache(payload, key)

	for i := range payload {
		tampered := make([]byte, len(payload))
		copy(tampered, payload)
		tampered[i] ^= 0x01
		assert.False(t, VerifyCache(tampered, sig, key), "payload byte %d", i)
	}
	for i := range sig {
		tampered := make([]byte, len(sig))
		copy(tampered, sig)
		tampered[i] ^= 0x01
		assert.False(t, VerifyCache(payload, tampered, key), "signature byte %d", i)
	}
}

func TestCanonicalJSON_Deterministic(t *testing.T) {
	v1 := map[string]any{"b": 2, "a": 1, "nested": map[string]any{"z": true, "y": "s"}}
	v2 := map[string]any{"nested": map[string]any{"y": "s", "z": true}, "a": 1, "b": 2}

	b1, err := CanonicalJSON(v1)
	require.NoError(t, err)
	b2, err := CanonicalJSON(v2)
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
	assert.Equal(t, `{"a":1,"b":2,"nested":{"y":"s","z":true}}`, string(b1))
}

func TestCanonicalJSON_NoHTMLEscaping(t *testing.T) {
	b, err := CanonicalJSON(map[string]any{"url": "a&b<c>"})
	require.NoError(t, err)
	assert.Equal(t, `{"url":"a&b<c>"}`, string(b))
}

func TestChecksum_StableAcrossKeyOrder(t *testing.T) {
	c1, err := Checksum(map[string]any{"a": 1, "b": "two"})
	require.NoError(t, err)
	c2, err := Checksum(map[string]any{"b": "two", "a": 1})
	require.NoError(t, err)
	assert.Equal(t, c1, c2)
	assert.Len(t, c1, 64)

	c3, err := Checksum(map[string]any{"a": 2, "b": "two"})
	require.NoError(t, err)
	assert.NotEqual(t, c1, c3)
}
