package audit

import (
	"fmt"

	"github.com/execlayer/kernel/pkg/canonicalize"
)

// ChainError locates the first entry that fails verification.
type ChainError struct {
	Index  int
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("%s: entry %d: %s", ErrChainBroken, e.Index, e.Reason)
}

func (e *ChainError) Unwrap() error { return ErrChainBroken }

func broken(i int, format string, args ...any) error {
	return &ChainError{Index: i, Reason: fmt.Sprintf(format, args...)}
}

// VerifyChain recomputes every payload hash and entry hash and checks the
// linkage, starting from a genesis entry with no predecessor. A mutation
// of entry i fails at i; later entries are not trusted past that point.
func VerifyChain(entries []Entry) error {
	prevHex := ""
	for i, e := range entries {
		payloadHex, err := canonicalize.CanonicalHash(e.Payload)
		if err != nil {
			return broken(i, "payload not canonicalizable: %v", err)
		}
		if canonicalize.Prefixed(payloadHex) != e.PayloadHash {
			return broken(i, "payload hash mismatch")
		}

		switch {
		case i == 0 && e.PrevEntryHash != nil:
			return broken(i, "genesis entry has a predecessor")
		case i > 0 && e.PrevEntryHash == nil:
			return broken(i, "missing prev_entry_hash")
		case i > 0 && *e.PrevEntryHash != entries[i-1].EntryHash:
			return broken(i, "prev_entry_hash does not match entry %d", i-1)
		}

		if canonicalize.Prefixed(LinkHash(prevHex, payloadHex)) != e.EntryHash {
			return broken(i, "entry hash mismatch")
		}
		prevHex, err = canonicalize.StripPrefix(e.EntryHash)
		if err != nil {
			return broken(i, "%v", err)
		}
	}
	return nil
}

// VerifyAgainstCheckpoint verifies the chain and additionally requires an
// externally recorded entry hash to still be present, which detects tail
// truncation. An empty checkpoint only verifies the chain.
func VerifyAgainstCheckpoint(entries []Entry, lastKnown string) error {
	if err := VerifyChain(entries); err != nil {
		return err
	}
	if lastKnown == "" {
		return nil
	}
	for _, e := range entries {
		if e.EntryHash == lastKnown {
			return nil
		}
	}
	return fmt.Errorf("%w: %s not found in %d entries", ErrTruncated, lastKnown, len(entries))
}
