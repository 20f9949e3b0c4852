// Package audit implements the append-only, hash-chained decision log.
//
// Every entry links to its predecessor:
//
//	entry_hash = sha256(prev_entry_hex + ":" + payload_hex)
//
// where prev_entry_hex is empty for the first entry. Hashes are rendered
// as "sha256:<hex>" in persisted records.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/execlayer/kernel/pkg/canonicalize"
)

var (
	ErrChainBroken = errors.New("audit: hash chain is broken")
	ErrTruncated   = errors.New("audit: log truncated before checkpoint")
	ErrSinkClosed  = errors.New("audit: sink is closed")
)

// Entry is one persisted record.
type Entry struct {
	Payload       json.RawMessage `json:"payload"`
	PayloadHash   string          `json:"payload_hash"`
	EntryHash     string          `json:"entry_hash"`
	PrevEntryHash *string         `json:"prev_entry_hash"`
}

// Sink persists entries. Implementations need not be safe for concurrent
// writers; Log serializes every Write.
type Sink interface {
	Write(ctx context.Context, e Entry) error
	// Head returns the entry hash of the last persisted entry, or "" when
	// the sink is empty.
	Head(ctx context.Context) (string, error)
	Entries(ctx context.Context) ([]Entry, error)
}

// LinkHash computes the hex entry hash from the previous entry's hex hash
// ("" for the first entry) and the payload's hex hash.
func LinkHash(prevHex, payloadHex string) string {
	return canonicalize.HashString(prevHex + ":" + payloadHex)
}

// Log is the single writer of a chain. Append is safe for concurrent use;
// computing the link, writing the record and advancing the head happen in
// one critical section.
type Log struct {
	mu      sync.Mutex
	sink    Sink
	headHex string
	count   uint64
	logger  *slog.Logger
}

// Open resumes the chain from the sink's last entry.
func Open(ctx context.Context, sink Sink) (*Log, error) {
	head, err := sink.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: read chain head: %w", err)
	}
	var headHex string
	if head != "" {
		if headHex, err = canonicalize.StripPrefix(head); err != nil {
			return nil, fmt.Errorf("audit: corrupt chain head: %w", err)
		}
	}
	l := &Log{
		sink:    sink,
		headHex: headHex,
		logger:  slog.Default().With("component", "audit"),
	}
	if head != "" {
		l.logger.Info("resumed audit chain", "head", head)
	}
	return l, nil
}

// Append canonicalizes payload, links it to the current head and persists
// it. The head advances only if the entry was persisted. A write that
// reports failure after the entry landed (a commit acknowledged late, say)
// still advances the head, and the error is returned.
func (l *Log) Append(ctx context.Context, payload any) (*Entry, error) {
	canonical, err := canonicalize.JCS(payload)
	if err != nil {
		return nil, fmt.Errorf("audit: canonicalize payload: %w", err)
	}
	payloadHex := canonicalize.HashBytes(canonical)

	l.mu.Lock()
	defer l.mu.Unlock()

	var prev *string
	if l.headHex != "" {
		p := canonicalize.Prefixed(l.headHex)
		prev = &p
	}
	entryHex := LinkHash(l.headHex, payloadHex)
	e := Entry{
		Payload:       canonical,
		PayloadHash:   canonicalize.Prefixed(payloadHex),
		EntryHash:     canonicalize.Prefixed(entryHex),
		PrevEntryHash: prev,
	}
	if err := l.sink.Write(ctx, e); err != nil {
		if l.landed(ctx, e) {
			l.logger.Warn("sink reported a failed write that was persisted", "entry_hash", e.EntryHash, "error", err)
			l.headHex = entryHex
			l.count++
		}
		return nil, fmt.Errorf("audit: append: %w", err)
	}
	l.headHex = entryHex
	l.count++
	return &e, nil
}

func (l *Log) landed(ctx context.Context, e Entry) bool {
	head, err := l.sink.Head(context.WithoutCancel(ctx))
	return err == nil && head == e.EntryHash
}

// Head returns the current chain head as "sha256:<hex>", or "" when empty.
func (l *Log) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.headHex == "" {
		return ""
	}
	return canonicalize.Prefixed(l.headHex)
}

// Appended returns how many entries this Log has written since Open.
func (l *Log) Appended() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Entries reads every persisted entry from the sink.
func (l *Log) Entries(ctx context.Context) ([]Entry, error) {
	return l.sink.Entries(ctx)
}

// Verify reads the sink and checks the whole chain.
func (l *Log) Verify(ctx context.Context) (int, error) {
	entries, err := l.sink.Entries(ctx)
	if err != nil {
		return 0, fmt.Errorf("audit: read entries: %w", err)
	}
	return len(entries), VerifyChain(entries)
}

// Close closes the sink when it holds resources.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.sink.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
