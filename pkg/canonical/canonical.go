// Package canonical produces the byte-exact serialization that both the
// agent and the server sign and verify. Any change to this encoding breaks
// every signature in the field.
package canonical

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Marshal serializes v as JSON with lexicographically sorted keys and no
// insignificant whitespace. The value is round-tripped through generic maps
// so struct field order never leaks into the output.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var normalized any
	if err := dec.Decode(&normalized); err != nil {
		return nil, fmt.Errorf("canonical: normalize: %w", err)
	}

	// encoding/json emits map keys in sorted order with no whitespace.
	out, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("canonical: remarshal: %w", err)
	}
	return out, nil
}

// SigningPayload returns the base64 form of the canonical serialization.
// This string, as UTF-8 bytes, is the exact message handed to the signing
// oracle and to signature verification.
func SigningPayload(v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// ChallengePayload builds the signing payload for a challenge nonce.
func ChallengePayload(nonce string) string {
	// {"challenge":nonce} has a single key; the encoding is stable without
	// going through Marshal, but we use it anyway to keep one code path.
	payload, err := SigningPayload(map[string]string{"challenge": nonce})
	if err != nil {
		// A map[string]string cannot fail to marshal.
		panic(err)
	}
	return payload
}
