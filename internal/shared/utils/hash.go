// Package utils provides hashing and request validation helpers shared
// across the API and build layers.
package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Hash returns the hex SHA-256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashString returns the hex SHA-256 of s.
func HashString(s string) string {
	return Hash([]byte(s))
}

// FileSetFingerprint computes a deterministic digest of a virtual file
// set: same paths and contents, same fingerprint, regardless of map
// order. Used to correlate build logs and deduplicate identical builds.
func FileSetFingerprint(files map[string]string) string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, p := range paths {
		h.Write([]byte(p))
		h.Write([]byte{0})
		h.Write([]byte(files[p]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ShortHash truncates a hex digest for display.
func ShortHash(full string) string {
	if len(full) < 12 {
		return full
	}
	return full[:12]
}

// HashFields hashes multiple fields order-independently.
func HashFields(fields ...string) string {
	sorted := make([]string, len(fields))
	copy(sorted, fields)
	sort.Strings(sorted)
	return HashString(strings.Join(sorted, "|"))
}
