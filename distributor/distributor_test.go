package distributor

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/confhub/errors"
)

type fakeBus struct {
	entries map[string][]byte
	puts    int
}

func newFakeBus() *fakeBus {
	return &fakeBus{entries: make(map[string][]byte)}
}

func (f *fakeBus) UpdateWithRetry(_ context.Context, key string, updateFn func(current []byte) ([]byte, error)) error {
	value, err := updateFn(f.entries[key])
	if err != nil {
		return err
	}
	f.entries[key] = value
	f.puts++
	return nil
}

func testKeyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return pub, priv
}

func TestPublishAndVerifyRoundTrip(t *testing.T) {
	pub, priv := testKeyPair(t)
	bus := newFakeBus()
	publisher := NewPublisher(bus, priv, nil)
	ctx := context.Background()

	config := map[string]any{"endpoint": "https://upstream.example", "batch_size": float64(50)}
	require.NoError(t, publisher.Publish(ctx, "ingest", config, 3, "epoch-1"))
	require.Contains(t, bus.entries, "ingest")

	verifier := NewVerifier(pub, "epoch-1", 0)
	envelope, err := verifier.Verify(bus.entries["ingest"])
	require.NoError(t, err)
	assert.Equal(t, "ingest", envelope.Service)
	assert.Equal(t, int64(3), envelope.Version)
	assert.Equal(t, config, envelope.Config)
	assert.Equal(t, FormatVersion, envelope.FormatVersion)
}

func TestPublishIdempotent(t *testing.T) {
	_, priv := testKeyPair(t)
	bus := newFakeBus()
	publisher := NewPublisher(bus, priv, nil)
	ctx := context.Background()

	config := map[string]any{"endpoint": "x"}
	require.NoError(t, publisher.Publish(ctx, "ingest", config, 1, "epoch-1"))
	require.NoError(t, publisher.Publish(ctx, "ingest", config, 1, "epoch-1"))
	assert.Equal(t, 1, bus.puts)

	// a changed config at the same service must publish
	require.NoError(t, publisher.Publish(ctx, "ingest", map[string]any{"endpoint": "y"}, 2, "epoch-1"))
	assert.Equal(t, 2, bus.puts)
}

func TestVerifyRejectsTamperedConfig(t *testing.T) {
	pub, priv := testKeyPair(t)
	bus := newFakeBus()
	publisher := NewPublisher(bus, priv, nil)
	require.NoError(t, publisher.Publish(context.Background(), "ingest", map[string]any{"endpoint": "x"}, 1, "epoch-1"))

	var raw map[string]any
	require.NoError(t, json.Unmarshal(bus.entries["ingest"], &raw))
	raw["config"].(map[string]any)["endpoint"] = "https://evil.example"
	tampered, err := json.Marshal(raw)
	require.NoError(t, err)

	verifier := NewVerifier(pub, "epoch-1", 0)
	_, err = verifier.Verify(tampered)
	assert.ErrorIs(t, err, errors.ErrSignatureInvalid)
}

func TestVerifyRejectsNonCanonicalSignature(t *testing.T) {
	pub, priv := testKeyPair(t)
	bus := newFakeBus()
	publisher := NewPublisher(bus, priv, nil)
	require.NoError(t, publisher.Publish(context.Background(), "ingest", map[string]any{"a": float64(1)}, 1, "epoch-1"))

	var raw map[string]any
	require.NoError(t, json.Unmarshal(bus.entries["ingest"], &raw))
	sig := raw["signature"].(string)
	require.True(t, strings.HasSuffix(sig, "=="))

	// With two padding chars the final symbol carries only two used bits.
	// Flipping an unused low bit yields a different wire string that a
	// lenient decode maps onto the same signature bytes.
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"
	last := len(sig) - 3
	idx := strings.IndexByte(alphabet, sig[last])
	require.GreaterOrEqual(t, idx, 0)
	raw["signature"] = sig[:last] + string(alphabet[idx^1]) + sig[last+1:]

	data, err := json.Marshal(raw)
	require.NoError(t, err)

	verifier := NewVerifier(pub, "epoch-1", 0)
	_, err = verifier.Verify(data)
	assert.ErrorIs(t, err, errors.ErrSignatureInvalid)
}

func TestVerifyRejectsWrongSigner(t *testing.T) {
	_, priv := testKeyPair(t)
	otherPub, _ := testKeyPair(t)
	bus := newFakeBus()
	publisher := NewPublisher(bus, priv, nil)
	require.NoError(t, publisher.Publish(context.Background(), "ingest", map[string]any{"a": float64(1)}, 1, "epoch-1"))

	verifier := NewVerifier(otherPub, "epoch-1", 0)
	_, err := verifier.Verify(bus.entries["ingest"])
	assert.ErrorIs(t, err, errors.ErrSignatureInvalid)
}

func TestVerifyRejectsEpochMismatch(t *testing.T) {
	pub, priv := testKeyPair(t)
	bus := newFakeBus()
	publisher := NewPublisher(bus, priv, nil)
	require.NoError(t, publisher.Publish(context.Background(), "ingest", map[string]any{"a": float64(1)}, 1, "epoch-1"))

	verifier := NewVerifier(pub, "epoch-2", 0)
	_, err := verifier.Verify(bus.entries["ingest"])
	assert.ErrorIs(t, err, errors.ErrEpochMismatch)

	// repinning after a rebuild accepts the envelope
	verifier.SetEpoch("epoch-1")
	_, err = verifier.Verify(bus.entries["ingest"])
	assert.NoError(t, err)
}

func TestVerifyRejectsStaleEnvelope(t *testing.T) {
	pub, priv := testKeyPair(t)

	envelope := &UpdateEnvelope{
		FormatVersion: FormatVersion,
		Service:       "ingest",
		Config:        map[string]any{"a": float64(1)},
		Version:       1,
		Epoch:         "epoch-1",
		IssuedAt:      time.Now().UTC().Add(-10 * time.Minute),
	}
	signAndSeal(t, envelope, priv)

	data, err := envelope.Encode()
	require.NoError(t, err)

	verifier := NewVerifier(pub, "epoch-1", 5*time.Minute)
	_, err = verifier.Verify(data)
	assert.ErrorIs(t, err, errors.ErrReplayDetected)
}

func TestVerifyRejectsFutureEnvelope(t *testing.T) {
	pub, priv := testKeyPair(t)

	envelope := &UpdateEnvelope{
		FormatVersion: FormatVersion,
		Service:       "ingest",
		Config:        map[string]any{"a": float64(1)},
		Version:       1,
		Epoch:         "epoch-1",
		IssuedAt:      time.Now().UTC().Add(10 * time.Minute),
	}
	signAndSeal(t, envelope, priv)

	data, err := envelope.Encode()
	require.NoError(t, err)

	verifier := NewVerifier(pub, "epoch-1", 0)
	_, err = verifier.Verify(data)
	assert.ErrorIs(t, err, errors.ErrReplayDetected)
}

func TestVerifyReplayProtection(t *testing.T) {
	pub, priv := testKeyPair(t)
	bus := newFakeBus()
	publisher := NewPublisher(bus, priv, nil)
	ctx := context.Background()
	verifier := NewVerifier(pub, "epoch-1", 0)

	require.NoError(t, publisher.Publish(ctx, "ingest", map[string]any{"v": float64(1)}, 1, "epoch-1"))
	v1 := make([]byte, len(bus.entries["ingest"]))
	copy(v1, bus.entries["ingest"])

	_, err := verifier.Verify(v1)
	require.NoError(t, err)

	// identical redelivery is fine under at-least-once semantics
	_, err = verifier.Verify(v1)
	require.NoError(t, err)

	require.NoError(t, publisher.Publish(ctx, "ingest", map[string]any{"v": float64(2)}, 2, "epoch-1"))
	_, err = verifier.Verify(bus.entries["ingest"])
	require.NoError(t, err)

	// replaying the superseded envelope is rejected
	_, err = verifier.Verify(v1)
	assert.ErrorIs(t, err, errors.ErrReplayDetected)
}

func TestVerifyRejectsUnknownFormatVersion(t *testing.T) {
	pub, priv := testKeyPair(t)

	envelope := &UpdateEnvelope{
		FormatVersion: 99,
		Service:       "ingest",
		Config:        map[string]any{"a": float64(1)},
		Version:       1,
		Epoch:         "epoch-1",
		IssuedAt:      time.Now().UTC(),
	}
	signAndSeal(t, envelope, priv)

	data, err := envelope.Encode()
	require.NoError(t, err)

	verifier := NewVerifier(pub, "epoch-1", 0)
	_, err = verifier.Verify(data)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestValidateWireRejectsExtraFields(t *testing.T) {
	pub, priv := testKeyPair(t)
	bus := newFakeBus()
	publisher := NewPublisher(bus, priv, nil)
	require.NoError(t, publisher.Publish(context.Background(), "ingest", map[string]any{"a": float64(1)}, 1, "epoch-1"))

	var raw map[string]any
	require.NoError(t, json.Unmarshal(bus.entries["ingest"], &raw))
	raw["injected"] = "field"
	data, err := json.Marshal(raw)
	require.NoError(t, err)

	verifier := NewVerifier(pub, "epoch-1", 0)
	_, err = verifier.Verify(data)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestValidateWireRejectsMissingFields(t *testing.T) {
	err := ValidateWire([]byte(`{"service": "ingest"}`))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestValidateWireRejectsMalformedJSON(t *testing.T) {
	assert.Error(t, ValidateWire([]byte("not json")))
}

func signAndSeal(t *testing.T, envelope *UpdateEnvelope, priv ed25519.PrivateKey) {
	t.Helper()
	require.NoError(t, envelope.Sign(priv))
}
