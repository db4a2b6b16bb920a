// Package integrity detects and, where possible, heals structural
// corruption of shopping-list entries: checksums, integrity checks,
// repair, and backup/recovery.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/basketd/basketd/internal/types"
)

// canonicalJSON renders v as deterministic JSON: objects are re-encoded
// through generic maps so key order never affects the output.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	// encoding/json sorts map keys, which makes this stable.
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("re-marshal: %w", err)
	}
	return out, nil
}

// Checksum computes the deterministic digest of an entry over its
// canonical serialization. Corruption detection only, not a security
// boundary.
func Checksum(entry *types.Entry) (string, error) {
	return checksumValue(entry)
}

// ChecksumDoc computes the digest of an entry in generic-document form.
// Equivalent input documents produce identical digests regardless of
// field order.
func ChecksumDoc(doc map[string]any) (string, error) {
	return checksumValue(doc)
}

func checksumValue(v any) (string, error) {
	canonical, err := canonicalJSON(v)
	if err != nil {
		return "", fmt.Errorf("canonicalize entry: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
