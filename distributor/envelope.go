// Package distributor publishes signed configuration update envelopes onto
// the bus and verifies them on receipt. Every envelope is signed over its
// canonical form; consumers reject anything unsigned, stale, replayed, or
// from a different store epoch.
package distributor

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/confhub/crypto"
	"github.com/c360/confhub/errors"
)

// FormatVersion is the envelope wire format version. Consumers reject
// envelopes with any other value.
const FormatVersion = 1

// UpdateEnvelope is the signed unit of config distribution. Signature is a
// base64 Ed25519 signature over the canonical JSON of the envelope with
// Signature set to the empty string.
type UpdateEnvelope struct {
	FormatVersion int            `json:"format_version"`
	Service       string         `json:"service"`
	Config        map[string]any `json:"config"`
	Version       int64          `json:"version"`
	Checksum      string         `json:"checksum"`
	Epoch         string         `json:"epoch"`
	IssuedAt      time.Time      `json:"issued_at"`
	Signature     string         `json:"signature"`
}

// envelopeSchema rejects envelopes with unknown fields or missing required
// ones before any cryptographic work happens.
const envelopeSchema = `{
	"type": "object",
	"required": ["format_version", "service", "config", "version", "checksum", "epoch", "issued_at", "signature"],
	"additionalProperties": false,
	"properties": {
		"format_version": {"type": "integer"},
		"service": {"type": "string", "minLength": 1},
		"config": {"type": "object"},
		"version": {"type": "integer"},
		"checksum": {"type": "string"},
		"epoch": {"type": "string", "minLength": 1},
		"issued_at": {"type": "string"},
		"signature": {"type": "string"}
	}
}`

var envelopeSchemaLoader = gojsonschema.NewStringLoader(envelopeSchema)

// ValidateWire checks raw envelope bytes against the wire schema without
// decoding into the struct first.
func ValidateWire(data []byte) error {
	result, err := gojsonschema.Validate(envelopeSchemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return errors.WrapInvalid(err, "distributor", "ValidateWire", "run schema validation")
	}
	if !result.Valid() {
		details := ""
		for _, desc := range result.Errors() {
			if details != "" {
				details += "; "
			}
			details += desc.String()
		}
		return errors.WrapInvalid(
			fmt.Errorf("envelope rejected: %s", details),
			"distributor", "ValidateWire", "validate envelope shape")
	}
	return nil
}

// Sign computes the config checksum and signs the envelope's canonical form,
// filling in Checksum and Signature.
func (e *UpdateEnvelope) Sign(privateKey ed25519.PrivateKey) error {
	checksum, err := crypto.Checksum(e.Config)
	if err != nil {
		return errors.WrapInvalid(err, "distributor", "Sign", "compute checksum")
	}
	e.Checksum = checksum

	payload, err := e.canonicalPayload()
	if err != nil {
		return err
	}
	sig, err := crypto.SignUpdate(payload, privateKey)
	if err != nil {
		return err
	}
	e.Signature = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// canonicalPayload returns the canonical bytes the signature covers.
func (e *UpdateEnvelope) canonicalPayload() ([]byte, error) {
	unsigned := *e
	unsigned.Signature = ""
	payload, err := crypto.CanonicalJSON(unsigned)
	if err != nil {
		return nil, errors.WrapInvalid(err, "distributor", "canonicalPayload", "canonicalize envelope")
	}
	return payload, nil
}

// Encode marshals the envelope for the wire.
func (e *UpdateEnvelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.WrapInvalid(err, "distributor", "Encode", "marshal envelope")
	}
	return data, nil
}

// DecodeEnvelope validates the wire shape and decodes an envelope. Unknown
// fields fail validation rather than being silently dropped.
func DecodeEnvelope(data []byte) (*UpdateEnvelope, error) {
	if err := ValidateWire(data); err != nil {
		return nil, err
	}
	var envelope UpdateEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, errors.WrapInvalid(err, "distributor", "DecodeEnvelope", "unmarshal envelope")
	}
	return &envelope, nil
}

// decodeSignature accepts only the canonical base64 form. Strict decoding
// plus a round-trip check closes the non-canonical encodings a plain decode
// would accept, so any byte flip in the wire signature fails verification.
func decodeSignature(sig string) ([]byte, error) {
	raw, err := base64.StdEncoding.Strict().DecodeString(sig)
	if err != nil {
		return nil, errors.ErrSignatureInvalid
	}
	if base64.StdEncoding.EncodeToString(raw) != sig {
		return nil, errors.ErrSignatureInvalid
	}
	return raw, nil
}
