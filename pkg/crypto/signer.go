// Package crypto holds the kernel's signing authority.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrEmptySecret is returned when a signer is built without key material.
var ErrEmptySecret = errors.New("crypto: signing secret must not be empty")

// Signer produces and checks detached signatures over canonical payloads.
type Signer interface {
	// Sign returns the base64 (standard encoding) signature of data.
	Sign(data []byte) (string, error)
	// Verify reports whether sigB64 is a valid signature of data.
	Verify(data []byte, sigB64 string) bool
	// SignatureType names the scheme, e.g. "HMAC-SHA256".
	SignatureType() string
	KeyID() string
}

// HMACSigner signs with HMAC-SHA256 under a long-lived shared secret.
// It holds no mutable state and is safe for concurrent use.
type HMACSigner struct {
	secret []byte
	keyID  string
}

// NewHMACSigner copies secret and returns a signer.
func NewHMACSigner(secret []byte, keyID string) (*HMACSigner, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	s := make([]byte, len(secret))
	copy(s, secret)
	return &HMACSigner{secret: s, keyID: keyID}, nil
}

func (s *HMACSigner) mac(data []byte) []byte {
	m := hmac.New(sha256.New, s.secret)
	m.Write(data)
	return m.Sum(nil)
}

func (s *HMACSigner) Sign(data []byte) (string, error) {
	return base64.StdEncoding.EncodeToString(s.mac(data)), nil
}

func (s *HMACSigner) Verify(data []byte, sigB64 string) bool {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}
	return hmac.Equal(s.mac(data), sig)
}

func (s *HMACSigner) SignatureType() string { return "HMAC-SHA256" }

func (s *HMACSigner) KeyID() string { return s.keyID }

// Derive returns a purpose-bound signer whose key is derived from the
// master secret with HKDF-SHA256 (info = purpose). Signatures from the
// derived signer never verify under the master key and vice versa.
func (s *HMACSigner) Derive(purpose string) (*HMACSigner, error) {
	if purpose == "" {
		return nil, fmt.Errorf("crypto: derive purpose must not be empty")
	}
	r := hkdf.New(sha256.New, s.secret, nil, []byte("execlayer/"+purpose))
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("crypto: hkdf expand failed: %w", err)
	}
	return &HMACSigner{secret: key, keyID: s.keyID + "/" + purpose}, nil
}
