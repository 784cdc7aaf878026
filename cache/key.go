package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Key fingerprints a tool invocation. args is encoded to JSON and re-encoded with sorted
// object keys, so neither struct field order nor the order of map keys changes the result.
// Callers normalize args beforehand so that equivalent requests produce equal values.
func Key(name string, args any) (string, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to marshal args: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return "", fmt.Errorf("failed to decode args: %w", err)
	}

	// Maps are encoded with sorted keys.
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("failed to marshal canonical args: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}
