// Package digest computes and validates the SHA-256 fingerprints that are
// anchored on the ledger.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
)

// Algorithm names the hash function used for every digest.
const Algorithm = "sha256"

// Length is the number of hex characters of a digest.
const Length = sha256.Size * 2

// Sum returns the lowercase hex SHA-256 of b.
func Sum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SumReader hashes everything read from r.
func SumReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// IsValid reports whether s has the shape of a digest: exactly Length hex
// characters, in either case.
func IsValid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// Normalize lowercases a digest for storage and comparison.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Equal compares two digests exactly after case normalization.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}
