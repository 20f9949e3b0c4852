package receipts

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/execlayer/kernel/pkg/canonicalize"
	"github.com/execlayer/kernel/pkg/contracts"
	"github.com/execlayer/kernel/pkg/crypto"
)

var (
	// ErrUnsigned is returned when verifying a receipt without a crypto block.
	ErrUnsigned = errors.New("receipts: receipt is not signed")
	// ErrSignatureMismatch is returned when the payload hash or signature
	// does not match the receipt content.
	ErrSignatureMismatch = errors.New("receipts: signature mismatch")
)

// SigningPayload returns the canonical bytes a signature covers: the
// receipt without its crypto and audit blocks.
func SigningPayload(r *contracts.Receipt) ([]byte, error) {
	unsigned := *r
	unsigned.Crypto = nil
	unsigned.Audit = nil
	payload, err := canonicalize.JCS(unsigned)
	if err != nil {
		return nil, fmt.Errorf("receipts: canonicalize: %w", err)
	}
	return payload, nil
}

// Sign attaches a crypto block computed over the signing payload.
func Sign(r *contracts.Receipt, s crypto.Signer) error {
	payload, err := SigningPayload(r)
	if err != nil {
		return err
	}
	sig, err := s.Sign(payload)
	if err != nil {
		return fmt.Errorf("receipts: sign: %w", err)
	}
	r.Crypto = &contracts.CryptoSection{
		PayloadHash:   canonicalize.Prefixed(canonicalize.HashBytes(payload)),
		SignatureType: s.SignatureType(),
		SignatureB64:  sig,
	}
	return nil
}

// Verify recomputes the payload hash and signature of r.
func Verify(r *contracts.Receipt, s crypto.Signer) error {
	payload, err := SigningPayload(r)
	if err != nil {
		return err
	}
	return check(payload, r.Crypto, s)
}

// VerifyJSON verifies a receipt document as received. The payload is
// canonicalized from the raw object rather than from Receipt, so fields
// Receipt does not know still count.
func VerifyJSON(data []byte, s crypto.Signer) (*contracts.Receipt, error) {
	var r contracts.Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("receipts: decode: %w", err)
	}

	var doc map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("receipts: decode: %w", err)
	}
	delete(doc, "crypto")
	delete(doc, "audit")

	payload, err := canonicalize.JCS(doc)
	if err != nil {
		return &r, fmt.Errorf("receipts: canonicalize: %w", err)
	}
	return &r, check(payload, r.Crypto, s)
}

func check(payload []byte, c *contracts.CryptoSection, s crypto.Signer) error {
	if c == nil {
		return ErrUnsigned
	}
	if c.SignatureType != s.SignatureType() {
		return fmt.Errorf("%w: signature type %q", ErrSignatureMismatch, c.SignatureType)
	}
	want := canonicalize.Prefixed(canonicalize.HashBytes(payload))
	if subtle.ConstantTimeCompare([]byte(want), []byte(c.PayloadHash)) != 1 {
		return fmt.Errorf("%w: payload hash", ErrSignatureMismatch)
	}
	if !s.Verify(payload, c.SignatureB64) {
		return fmt.Errorf("%w: signature", ErrSignatureMismatch)
	}
	return nil
}
