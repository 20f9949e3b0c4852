// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic hashing and signing of kernel artifacts.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
)

// HashPrefix is prepended to every rendered digest.
const HashPrefix = "sha256:"

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshalled with encoding/json so struct tags are honoured,
// with HTML escaping disabled, and the result is then transformed: object
// keys sorted, no insignificant whitespace, ES6 number formatting.
func JCS(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}

	out, err := jcs.Transform(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}))
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// JCSString returns the JCS canonical form as a string.
func JCSString(v any) (string, error) {
	data, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// HashBytes computes the SHA-256 of data as lowercase hex.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashString computes the SHA-256 of the UTF-8 bytes of s as lowercase hex.
func HashString(s string) string {
	return HashBytes([]byte(s))
}

// CanonicalHash returns the hex SHA-256 of the canonical form of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// Prefixed renders a hex digest as "sha256:<hex>".
func Prefixed(hexDigest string) string {
	return HashPrefix + hexDigest
}

// StripPrefix returns the hex part of a "sha256:<hex>" digest.
func StripPrefix(digest string) (string, error) {
	if !strings.HasPrefix(digest, HashPrefix) {
		return "", fmt.Errorf("invalid hash format: %s", digest)
	}
	raw := strings.TrimPrefix(digest, HashPrefix)
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("invalid hash hex: %w", err)
	}
	return raw, nil
}
