// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and the SHA-256 chain-link primitive used by the audit log.
//
// Determinism is the whole point: the same payload must canonicalize to the
// same bytes on every node, or chain verification silently breaks. Map keys
// are sorted at every depth, timestamps are RFC 3339 strings (the natural
// encoding of time.Time), and monetary values are passed as fixed-scale
// decimal strings by callers.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
)

// ZeroHash is the root of every hash chain: 64 ASCII zeros.
var ZeroHash = strings.Repeat("0", 64)

// Canonicalize returns the RFC 8785 canonical JSON form of v.
//
// v is first marshalled with encoding/json (so struct tags, time.Time and
// decimal stringers behave as usual), then transformed to canonical form.
func Canonicalize(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return string(canon), nil
}

// Link computes the chain link for a canonical payload and the previous
// link: lowercase hex SHA-256 of the UTF-8 concatenation payload ∥ prev.
func Link(canonical, prev string) string {
	sum := sha256.Sum256([]byte(canonical + prev))
	return hex.EncodeToString(sum[:])
}

// Zero returns the all-zero genesis link.
func Zero() string {
	return ZeroHash
}

// HashBytes computes the lowercase hex SHA-256 digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
