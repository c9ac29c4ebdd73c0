// Package hashchain provides the integrity primitives of the ledger: a
// canonical serialization of field sets, SHA-256 content hashes over it and
// continuity verification of a hash chain.
package hashchain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// GenesisHash is the previous hash of the first block in every chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Sum returns the lowercase hex SHA-256 of data.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashFields canonicalizes fields and hashes the result.
func HashFields(fields map[string]any) (string, error) {
	b, err := Canonical(fields)
	if err != nil {
		return "", err
	}
	return Sum(b), nil
}

// VerifyObject confirms that the SHA-256 of data matches expected.
func VerifyObject(data []byte, expectedHex string) error {
	if got := Sum(data); got != expectedHex {
		return fmt.Errorf("hashchain: sha256 mismatch: got %s, expected %s", got, expectedHex)
	}
	return nil
}

// IsDigest reports whether s looks like a hex SHA-256 digest.
func IsDigest(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	return strings.Trim(s, "0123456789abcdef") == ""
}
