package crypto

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CanonicalJSON serializes v into deterministic JSON bytes: object keys are
// sorted, no insignificant whitespace, no HTML escaping. Signing and checksum
// computation go through this function so that re-serializing the same value
// always produces byte-identical output.
func CanonicalJSON(v any) ([]byte, error) {
	// Round-trip through an intermediate value so struct field order does not
	// leak into the output; encoding/json sorts map keys on marshal.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}

	var intermediate any
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&intermediate); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(intermediate); err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}

	// json.Encoder appends a trailing newline
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
